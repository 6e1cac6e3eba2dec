package udpserver

import (
	"net/netip"

	"github.com/bet0x/open-source-search-engine/pkg/proto"
	"github.com/bet0x/open-source-search-engine/pkg/slot"
)

// Cancel aborts every active outgoing slot whose caller-supplied state
// compares equal to state and whose msgType matches, mirroring the
// original's raw-pointer-equality cancel-by-context semantics: the
// caller doesn't hold slot handles, only the state value it passed to
// SendRequest, and wants every still-pending request made with that
// state and msgType abandoned at once. state must be a comparable
// value (typically a pointer); a non-comparable state never matches
// anything. A best-effort cancel dgram is sent to each matched peer so
// it can free its own incoming slot promptly, and each matched slot's
// callback fires exactly once with ErrCancelled before it is freed.
// Returns the number of slots matched.
func (s *Server) Cancel(state any, msgType proto.MsgType) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*slot.Slot
	s.table.forEachActive(func(sl *slot.Slot) {
		if sl.Direction() != slot.Outgoing || sl.Err != nil {
			return
		}
		if proto.MsgType(sl.MsgType) != msgType {
			return
		}
		if !stateMatches(sl, state) {
			return
		}
		matched = append(matched, sl)
	})

	for _, sl := range matched {
		s.sendCancel_unlocked(sl)
		sl.Err = ErrCancelled
		s.unscheduleResend_unlocked(sl)
		if !sl.InCallbackList() {
			s.table.pushCallbackTail(sl.Index())
		}
	}
	if len(matched) > 0 {
		s.runCallbacks_unlocked()
	}
	return len(matched)
}

func stateMatches(sl *slot.Slot, state any) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	_, st := sl.CallbackFunc()
	return st == state
}

// ReplaceHost rewrites every active slot bound to oldHostID (via the
// hostID passed to SendRequest) so it is addressed to newPeer instead,
// re-indexing the hash table entries; the transaction id and in-flight
// bitmaps of a moved slot are untouched. Used when a peer's address
// changes (e.g. it reconnects from a new port) but in-flight
// transactions with it should survive. oldHostID < 0 ("not bound to any
// host") never matches anything, since it would otherwise sweep up
// every unrelated slot that never opted into host-based migration.
func (s *Server) ReplaceHost(oldHostID int32, newPeer netip.AddrPort) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if oldHostID < 0 {
		return 0
	}

	var moved []*slot.Slot
	s.table.forEachActive(func(sl *slot.Slot) {
		if sl.HostID() == oldHostID {
			moved = append(moved, sl)
		}
	})
	for _, sl := range moved {
		oldKey := sl.Key()
		s.table.removeKey(oldKey)
		sl.SetPeer(newPeer)
		s.table.insertKey(sl.Key(), sl.Index())
	}
	return len(moved)
}
