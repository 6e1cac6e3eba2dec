package slot

import (
	"net/netip"
	"time"
)

// This file groups the intrusive-list and arena-lifecycle accessors a
// table uses to thread slots onto its available/active/callback lists
// without ever allocating a list node: the prev/next pointers live on
// the Slot itself, addressed by arena index rather than pointer.

// ResetForArena reclaims a slot for a fresh transaction, keeping its
// fixed arena index. Called both when the arena is first built and
// whenever a slot is freed back to the available list.
func (s *Slot) ResetForArena(idx int32) {
	s.reset()
	s.index = idx
}

// Bind wires a freshly-popped slot to its transaction key, direction
// and peer. Called by table.getEmpty once, before the slot is linked
// into the hash index.
func (s *Slot) Bind(k Key, incoming bool, peer netip.AddrPort) {
	s.key = k
	s.peer = peer
	s.CreatedAt = time.Now()
	if incoming {
		s.direction = Incoming
	} else {
		s.direction = Outgoing
	}
}

// SetCallback stores the completion callback and caller state for an
// outgoing slot.
func (s *Slot) SetCallback(cb Callback, state any) {
	s.callback = cb
	s.State = state
}

// CallbackFunc returns the completion callback and state set by SetCallback.
func (s *Slot) CallbackFunc() (Callback, any) { return s.callback, s.State }

// SetReplyCallback stores SendReply's optional post-ack callback.
func (s *Slot) SetReplyCallback(cb Callback) { s.replyCallback = cb }

// ReplyCallback returns the callback set by SetReplyCallback, if any.
func (s *Slot) ReplyCallback() Callback { return s.replyCallback }

// SetHostID binds this slot to a known peer host id (used by callers
// that track a fixed cluster of peers by small integer id rather than
// by endpoint alone).
func (s *Slot) SetHostID(id int32) { s.hostID = id }

// ResendDeadline returns the deadline for dgram seq to be resent if it
// is still unacked by then. Callers must only call this for seq values
// within AttachSendBuffer's dgram count.
func (s *Slot) ResendDeadline(seq int) time.Time { return s.nextResendAt[seq] }

// SetResendDeadline updates dgram seq's next resend deadline.
func (s *Slot) SetResendDeadline(seq int, t time.Time) { s.nextResendAt[seq] = t }

// ScheduledDeadline returns the deadline this slot was last scheduled
// under in the transport's resend/timeout btree, if any.
func (s *Slot) ScheduledDeadline() (time.Time, bool) { return s.scheduledDeadline, s.scheduledDeadlineSet }

// SetScheduledDeadline records the deadline this slot is now scheduled
// under.
func (s *Slot) SetScheduledDeadline(t time.Time) {
	s.scheduledDeadline = t
	s.scheduledDeadlineSet = true
}

// ClearScheduledDeadline marks this slot as not currently scheduled.
func (s *Slot) ClearScheduledDeadline() { s.scheduledDeadlineSet = false }

// --- available list -------------------------------------------------

func (s *Slot) AvailNext() int32      { return s.availNext }
func (s *Slot) SetAvailNext(i int32)  { s.availNext = i }

// --- active list ------------------------------------------------------

func (s *Slot) ActiveLinks() (prev, next int32) { return s.activePrev, s.activeNext }

func (s *Slot) SetActiveLinks(prev, next int32) {
	s.activePrev, s.activeNext = prev, next
}

func (s *Slot) SetActiveNext(i int32) { s.activeNext = i }
func (s *Slot) SetActivePrev(i int32) { s.activePrev = i }

// ActiveNextPublic returns the next slot's arena index on the active
// list, named distinctly from the unexported field so range-style
// iteration (table.forEachActive) reads naturally at the call site.
func (s *Slot) ActiveNextPublic() int32 { return s.activeNext }

// --- callback list ------------------------------------------------------

func (s *Slot) InCallbackList() bool      { return s.cbInList }
func (s *Slot) SetInCallbackList(v bool)  { s.cbInList = v }

func (s *Slot) CallbackLinks() (prev, next int32) { return s.cbPrev, s.cbNext }

func (s *Slot) SetCallbackLinks(prev, next int32) {
	s.cbPrev, s.cbNext = prev, next
}

func (s *Slot) SetCallbackNext(i int32) { s.cbNext = i }
func (s *Slot) SetCallbackPrev(i int32) { s.cbPrev = i }
