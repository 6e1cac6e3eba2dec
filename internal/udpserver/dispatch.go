package udpserver

import (
	"github.com/bet0x/open-source-search-engine/pkg/proto"
	"github.com/bet0x/open-source-search-engine/pkg/slot"
)

// RegisterHandler installs fn as the handler for msgType. hot declares
// that fn is non-blocking and reentrancy-safe; hot handlers run before
// non-hot handlers within a single callback pass. Server.mu is released
// for the duration of every handler and completion-callback call (see
// invokeCallback_unlocked), so fn is free to call back into the public,
// locking surface — SendReply, SendErrorReply, SendRequest, Cancel —
// without deadlocking itself; there is no separate async-signal-context
// dispatch here, hot only affects ordering.
func (s *Server) RegisterHandler(msgType proto.MsgType, fn HandlerFunc, hot bool) error {
	if int(msgType) >= len(s.handlers) {
		return ErrBadConfig
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlers[msgType].set {
		return ErrHandlerRegistered
	}
	s.handlers[msgType] = handlerEntry{fn: fn, hot: hot, set: true}
	return nil
}

// runCallbacks drains the callback list, hot slots first, calling each
// slot's completion callback (outgoing, after which the slot is
// destroyed) or registered handler (incoming, whose slot is destroyed
// later, once its reply is fully acked) exactly once.
func (s *Server) runCallbacks_unlocked() {
	var hot, cold []*slot.Slot
	for sl := s.table.popCallback(); sl != nil; sl = s.table.popCallback() {
		if s.isHot_unlocked(sl) {
			hot = append(hot, sl)
		} else {
			cold = append(cold, sl)
		}
	}
	for _, sl := range hot {
		s.invokeCallback_unlocked(sl)
	}
	for _, sl := range cold {
		s.invokeCallback_unlocked(sl)
	}
}

func (s *Server) isHot_unlocked(sl *slot.Slot) bool {
	if sl.Direction() == slot.Outgoing {
		return false
	}
	if int(sl.MsgType) >= len(s.handlers) {
		return false
	}
	return s.handlers[sl.MsgType].hot
}

// invokeCallback_unlocked calls the slot's completion callback
// (outgoing slots, once their reply has fully arrived, errored, or
// timed out) or dispatches to the registered handler (incoming slots,
// once their request has fully arrived). A slot reaches the callback
// list at most once for either role, which is what makes the
// at-most-once invariant hold: outgoing slots are freed immediately
// after their callback runs; incoming slots are freed later, once
// their reply is fully acked, by the send path directly rather than
// through another trip through the callback list.
//
// Server.mu is held by every caller of runCallbacks_unlocked on entry,
// but is deliberately dropped here for the duration of the callback or
// handler call itself and reacquired before returning: SendReply,
// SendErrorReply, SendRequest and Cancel are all public methods that
// lock Server.mu themselves, and a handler invoked under a lock it
// cannot reacquire would deadlock the first time it tried to reply.
func (s *Server) invokeCallback_unlocked(sl *slot.Slot) {
	switch sl.Direction() {
	case slot.Outgoing:
		cb, state := sl.CallbackFunc()
		if cb != nil {
			s.mu.Unlock()
			cb(state, sl)
			s.mu.Lock()
		}
		s.table.free(sl)
	case slot.Incoming:
		entry := handlerEntry{}
		if int(sl.MsgType) < len(s.handlers) {
			entry = s.handlers[sl.MsgType]
		}
		if !entry.set {
			s.sendErrorReply_unlocked(sl, errnoHandlerAbsent, ErrHandlerAbsent)
			return
		}
		// handler owns the slot now; it must call SendReply or
		// SendErrorReply, which attaches a reply buffer. The slot is
		// freed later, once that reply is fully acked (see send.go).
		s.mu.Unlock()
		entry.fn(sl, sl.Niceness)
		s.mu.Lock()
	}
}
