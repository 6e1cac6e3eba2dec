package udpserver

import (
	"time"

	"github.com/bet0x/open-source-search-engine/pkg/slot"
)

// Shutdown stops admitting new incoming requests immediately; new
// SendRequest calls fail with ErrClosed, and new incoming requests
// from peers we don't already have a slot for are replied to with
// errnoClosed instead of silently dropped. It then blocks, servicing
// the socket and running callback passes, until every currently active
// slot has completed or until deadline elapses, whichever comes first,
// before failing any leftover slots with ErrClosed and closing the
// socket. A deadline of zero waits indefinitely.
func (s *Server) Shutdown(deadline time.Duration) error {
	s.mu.Lock()
	s.isShuttingDown = true
	s.mu.Unlock()

	var cutoff time.Time
	if deadline > 0 {
		cutoff = time.Now().Add(deadline)
	}

	for {
		s.mu.Lock()
		remaining := s.table.numUsedSlots()
		s.mu.Unlock()
		if remaining == 0 {
			break
		}
		if !cutoff.IsZero() && time.Now().After(cutoff) {
			break
		}
		s.OnReadable()
		s.OnTick()
		time.Sleep(s.cfg.PollTime)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	s.failAllActive_unlocked(ErrClosed)
	if s.txnStore != nil {
		if err := s.txnStore.Persist(s.nextTransID); err != nil {
			s.log.WithError(err).Warn("failed to persist transaction id counter on shutdown")
		}
		s.txnStore.Close()
	}
	return s.conn.Close()
}

// ShutdownUrgent immediately fails every active slot, both outgoing
// and incoming, with ErrClosed and closes the socket without waiting
// for anything in flight to complete.
func (s *Server) ShutdownUrgent() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.isShuttingDown = true
	if s.closed {
		return nil
	}
	s.closed = true

	s.failAllActive_unlocked(ErrClosed)
	if s.txnStore != nil {
		if err := s.txnStore.Persist(s.nextTransID); err != nil {
			s.log.WithError(err).Warn("failed to persist transaction id counter on urgent shutdown")
		}
		s.txnStore.Close()
	}
	return s.conn.Close()
}

// failAllActive_unlocked fails every still-active slot with cause and
// runs its completion callback: an outgoing slot's SendRequest
// callback, or an incoming slot's optional SendReply callback2 if a
// reply had already been attached. A slot that already carries an
// error (e.g. one queued for its callback after a timeout) keeps that
// error. A handler that hasn't called SendReply yet on an incoming slot
// simply never gets invoked for it.
func (s *Server) failAllActive_unlocked(cause error) {
	var leftover []*slot.Slot
	s.table.forEachActive(func(sl *slot.Slot) {
		leftover = append(leftover, sl)
	})
	for _, sl := range leftover {
		if sl.Err == nil {
			sl.Err = cause
		}
		s.unscheduleResend_unlocked(sl)
		switch sl.Direction() {
		case slot.Outgoing:
			cb, state := sl.CallbackFunc()
			if cb != nil {
				cb(state, sl)
			}
		case slot.Incoming:
			if cb := sl.ReplyCallback(); cb != nil {
				_, state := sl.CallbackFunc()
				cb(state, sl)
			}
		}
		s.table.free(sl)
	}
}
