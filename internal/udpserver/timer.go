package udpserver

import (
	"time"

	"github.com/bet0x/open-source-search-engine/pkg/slot"
)

// scheduleResend_unlocked (re)inserts sl into the resend/timeout btree
// under the earliest deadline it now cares about: the soonest of its
// own per-dgram resend deadlines or its overall deadline. Grounded in
// the vendored skycoin/net conn package's use of a btree to order
// pending acks by deadline instead of rescanning every connection each
// tick.
func (s *Server) scheduleResend_unlocked(sl *slot.Slot, now time.Time) {
	deadline := earliestDeadline(sl, now)
	if old, ok := sl.ScheduledDeadline(); ok {
		if old.Equal(deadline) {
			return
		}
		s.resends.Delete(resendItem{deadline: old, slotIdx: sl.Index()})
	}
	sl.SetScheduledDeadline(deadline)
	s.resends.ReplaceOrInsert(resendItem{deadline: deadline, slotIdx: sl.Index()})
}

func (s *Server) unscheduleResend_unlocked(sl *slot.Slot) {
	if old, ok := sl.ScheduledDeadline(); ok {
		s.resends.Delete(resendItem{deadline: old, slotIdx: sl.Index()})
		sl.ClearScheduledDeadline()
	}
}

func earliestDeadline(sl *slot.Slot, now time.Time) time.Time {
	earliest := now.Add(sl.ResendBackoff)
	bm := sl.SentBitmap()
	if bm != nil {
		bm.ForEachSet(func(i int) {
			if sl.AckedBitmap().IsSet(i) {
				return
			}
			if d := sl.ResendDeadline(i); d.Before(earliest) {
				earliest = d
			}
		})
		if _, ok := bm.FirstUnset(sl.SendDgramCount); ok {
			earliest = now
		}
	}
	if sl.HasDeadline && sl.OverallDeadline.Before(earliest) {
		earliest = sl.OverallDeadline
	}
	return earliest
}

// OnTick is the transport's periodic heartbeat, called by the caller's
// event loop roughly every Config.PollTime. It services every slot
// whose scheduled deadline has passed: per-dgram resends are picked up
// by the ensuing sendPoll, and slots whose overall deadline or resend
// budget has been exhausted are failed and queued for callback.
func (s *Server) OnTick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()

	for {
		item, ok := s.resends.Min()
		if !ok || item.deadline.After(now) {
			break
		}
		s.resends.Delete(item)
		sl := s.table.slotAt(item.slotIdx)
		sl.ClearScheduledDeadline()
		if sl.Direction() == slot.Outgoing {
			s.serviceTimeout_unlocked(sl, now)
		}
		if sl.SentBitmap() != nil && !slotDone(sl) {
			s.scheduleResend_unlocked(sl, now)
		}
	}

	s.sendPoll_unlocked(true, now)
}

func slotDone(sl *slot.Slot) bool {
	return sl.Err != nil
}

// serviceTimeout_unlocked fails sl with ErrTimeout (overall deadline
// elapsed, or resend budget exhausted after at least one ack) or
// ErrNoAck (resend budget exhausted without a single ack, whatever the
// slot's niceness), queuing it for its callback. Slots within budget
// are left alone; the ensuing sendPoll handles any due resends.
func (s *Server) serviceTimeout_unlocked(sl *slot.Slot, now time.Time) {
	if sl.Err != nil {
		return
	}
	if sl.HasDeadline && !now.Before(sl.OverallDeadline) {
		sl.Err = ErrTimeout
		s.table.pushCallbackTail(sl.Index())
		return
	}
	if sl.MaxResends >= 0 && sl.ResendCount > sl.MaxResends {
		if sl.AckedBitmap().PopCount() == 0 {
			sl.Err = ErrNoAck
		} else {
			sl.Err = ErrTimeout
		}
		s.table.pushCallbackTail(sl.Index())
	}
}
