package udpserver

import (
	"net"
	"net/netip"
	"time"

	"github.com/bet0x/open-source-search-engine/pkg/proto"
	"github.com/bet0x/open-source-search-engine/pkg/slot"
)

// OnReadable is called by the caller's event loop when the bound
// socket has data ready. It drains every currently-queued dgram (using
// a zero read deadline to detect "would block" without a raw
// non-blocking fd) before returning, then runs one callback pass.
func (s *Server) OnReadable() {
	buf := make([]byte, 65536)
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		_ = s.conn.SetReadDeadline(time.Now())
		n, from, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				break
			}
			break
		}
		s.counters.addIn(n)
		s.ingest_unlocked(buf[:n], from)
	}

	s.runCallbacks_unlocked()
	s.sendPoll_unlocked(true, time.Now())
}

// ingest_unlocked parses one received dgram and folds it into the slot
// table: new incoming requests allocate a slot (or are dropped if the
// table is full), replies and further request dgrams update an
// existing slot's receive bitmap and apply any piggybacked ack.
func (s *Server) ingest_unlocked(buf []byte, from netip.AddrPort) {
	h, err := s.codec.ParseHeader(buf)
	if err != nil {
		s.log.WithError(ErrMalformedDatagram).WithField("from", from).Debug("dropping malformed datagram")
		return
	}
	payload := buf[s.codec.HeaderSize():]
	now := time.Now()

	if h.IsRequest() {
		s.ingestRequest_unlocked(h, payload, from, now)
		return
	}
	if h.IsReply() {
		s.ingestReply_unlocked(h, payload, from, now)
		return
	}
}

func (s *Server) ingestRequest_unlocked(h proto.Header, payload []byte, from netip.AddrPort, now time.Time) {
	k := slot.Key{TransactionID: h.TransactionID, Peer: from, Incoming: true}
	sl := s.table.lookup(k)
	if sl == nil {
		if h.IsCancel() || h.IsAckOnly() {
			return
		}
		if s.isShuttingDown || s.closed {
			s.sendClosedReply_unlocked(h, from)
			return
		}
		sl = s.table.getEmpty(k, true, from)
		if sl == nil {
			return // table full; drop silently, peer will resend
		}
		sl.MsgType = uint8(h.MsgType)
		sl.Niceness = slot.NicenessLow
		sl.AttachRecvBuffer(int(h.Total), s.maxPayload())
	}

	if h.IsCancel() {
		s.table.free(sl)
		return
	}

	s.applyAck_unlocked(sl, h)

	if h.IsAckOnly() {
		// carries no sequenced payload; applyAck_unlocked already did
		// everything this dgram is for, and may already have freed sl
		// (see maybeFreeAckedReply_unlocked), so stop here.
		return
	}

	if sl.ReceivedBitmap() != nil && !sl.ReceivedBitmap().IsSet(int(h.Seq)) {
		sl.MarkReceived(int(h.Seq), len(payload), h.IsLast(), s.maxPayload())
		copy(sl.RecvBuf[int(h.Seq)*s.maxPayload():], payload)
		if sl.RecvFullyReceived() {
			if needsAckOnly(sl) {
				if err := s.sendAckOnly_unlocked(sl, now); err != nil {
					s.log.WithError(err).Debug("failed to flush request ack")
				}
			}
			if !sl.InCallbackList() {
				s.table.pushCallbackTail(sl.Index())
			}
		}
	} else if sl.ReceivedBitmap() != nil {
		// duplicate dgram: peer hasn't seen our ack of it yet, so make
		// sure we re-ack it rather than staying silent.
		sl.AcksToSendBitmap().Set(int(h.Seq))
	}
}

func (s *Server) ingestReply_unlocked(h proto.Header, payload []byte, from netip.AddrPort, now time.Time) {
	k := slot.Key{TransactionID: h.TransactionID, Peer: from, Incoming: false}
	sl := s.table.lookup(k)
	if sl == nil {
		return
	}

	s.applyAck_unlocked(sl, h)

	if h.IsAckOnly() {
		return
	}

	if sl.ReceivedBitmap() == nil {
		sl.AttachRecvBuffer(int(h.Total), s.maxPayload())
	}
	if sl.ReceivedBitmap().IsSet(int(h.Seq)) {
		// duplicate: peer hasn't seen our ack of it yet.
		sl.AcksToSendBitmap().Set(int(h.Seq))
		return
	}
	sl.MarkReceived(int(h.Seq), len(payload), h.IsLast(), s.maxPayload())
	copy(sl.RecvBuf[int(h.Seq)*s.maxPayload():], payload)

	if sl.RecvFullyReceived() {
		if h.IsError() {
			sl.Err = errorFromHeader(h)
		}
		s.unscheduleResend_unlocked(sl)
		if needsAckOnly(sl) {
			// flush the final ack of the reply now: once this slot's
			// callback runs it is freed immediately (dispatch.go), so
			// there is no later sendPoll that would ever pick it up.
			if err := s.sendAckOnly_unlocked(sl, now); err != nil {
				s.log.WithError(err).Debug("failed to flush reply ack")
			}
		}
		s.table.pushCallbackTail(sl.Index())
	}
}

func errorFromHeader(h proto.Header) error {
	return ErrFromPeer(h.ErrNum)
}

// applyAck_unlocked marks every dgram sl has sent below h.AckBase, plus
// every bit set in h.AckBits above the base, as acked. This is the
// cumulative-base-plus-window coalescing scheme: AckBase is the index
// of the first dgram not yet acked (everything below it is), and
// AckBits carries up to 64 additional out-of-order acks above it.
func (s *Server) applyAck_unlocked(sl *slot.Slot, h proto.Header) {
	if !h.IsAck() {
		return
	}
	bm := sl.AckedBitmap()
	if bm == nil {
		return
	}
	for i := 0; i < int(h.AckBase) && i < bm.Len(); i++ {
		bm.Set(i)
	}
	for i := 0; i < 64; i++ {
		if h.AckBits&(1<<uint(i)) == 0 {
			continue
		}
		idx := int(h.AckBase) + 1 + i
		if idx < bm.Len() {
			bm.Set(idx)
		}
	}

	if sl.Direction() == slot.Outgoing && sl.SendFullyAcked() && sl.ReceivedBitmap() == nil {
		// request fully acked but no reply has started arriving yet;
		// nothing to do but wait, still counts toward ENOACK budget
		// reset since we did get at least one ack.
		sl.ResendCount = 0
	}
	if sl.Direction() == slot.Incoming && sl.SendFullyAcked() {
		s.maybeFreeAckedReply_unlocked(sl)
	}
}

// maybeFreeAckedReply_unlocked frees an incoming slot once its reply
// has been fully sent and fully acked: this is the second, separate
// completion event for an incoming slot (the first was the handler
// dispatch when the request arrived), handled directly here rather
// than through another trip round the callback list, since the
// handler has already run exactly once.
func (s *Server) maybeFreeAckedReply_unlocked(sl *slot.Slot) {
	if sl.SendBuf == nil && sl.SentBitmap() == nil {
		return
	}
	cb := sl.ReplyCallback()
	s.unscheduleResend_unlocked(sl)
	if cb != nil {
		_, state := sl.CallbackFunc()
		cb(state, sl)
	}
	s.table.free(sl)
}
