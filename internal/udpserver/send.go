package udpserver

import (
	"net/netip"
	"time"

	"github.com/pkg/errors"

	"github.com/bet0x/open-source-search-engine/pkg/proto"
	"github.com/bet0x/open-source-search-engine/pkg/slot"
)

// SendRequest dispatches a typed request to peer and returns
// immediately; cb is invoked exactly once, either when the reply
// fully arrives (sl.Err == nil, sl.RecvBuf holds the reply) or when
// the request fails (sl.Err is one of ErrTimeout, ErrNoAck,
// ErrCancelled, ErrClosed, or an ErrFromPeer carrying the error number
// of a peer's error reply). state is passed back to cb verbatim. hostID, if >= 0,
// binds the slot to a caller-defined logical peer id so a later
// ReplaceHost can rewrite its endpoint without disturbing the
// transaction id or in-flight bitmaps; pass -1 if the caller has no
// use for host-based endpoint migration.
func (s *Server) SendRequest(peer netip.AddrPort, hostID int32, msgType proto.MsgType, niceness slot.Niceness, msg []byte, maxResends int, deadline time.Duration, state any, cb slot.Callback) (*slot.Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isShuttingDown || s.closed {
		return nil, ErrClosed
	}

	txn := s.getTransID_unlocked()
	k := slot.Key{TransactionID: txn, Peer: peer, Incoming: false}
	sl := s.table.getEmpty(k, false, peer)
	if sl == nil {
		return nil, ErrTableFull
	}

	sl.SetHostID(hostID)
	sl.MsgType = uint8(msgType)
	sl.Niceness = niceness
	sl.MaxResends = maxResends
	sl.SetCallback(cb, state)
	now := time.Now()
	sl.AttachSendBuffer(msg, s.maxPayload(), now)
	s.setBackoff_unlocked(sl)
	if deadline > 0 {
		sl.OverallDeadline = now.Add(deadline)
		sl.HasDeadline = true
	}

	s.scheduleResend_unlocked(sl, now)
	s.needToSend = true
	s.sendPoll_unlocked(true, now)
	return sl, nil
}

// SendReply attaches msg as sl's reply and arranges for cb2 (optional)
// to be called once the reply is fully acked, at which point the slot
// is freed. sl must be an incoming slot that has not yet been replied
// to.
func (s *Server) SendReply(sl *slot.Slot, msg []byte, state any, cb2 slot.Callback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attachReply_unlocked(sl, msg, state, cb2)
}

// SendErrorReply attaches a zero-length, error-flagged reply carrying
// errnum. The slot is still freed only
// once the peer acks the error reply, so error delivery is as reliable
// as a normal reply.
func (s *Server) SendErrorReply(sl *slot.Slot, errnum int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendErrorReply_unlocked(sl, errnum, nil)
}

func (s *Server) sendErrorReply_unlocked(sl *slot.Slot, errnum int32, cause error) error {
	if cause != nil {
		s.log.WithError(cause).WithField("msg_type", sl.MsgType).Debug("sending error reply")
	}
	sl.Err = errors.Errorf("udpserver: error reply errnum=%d", errnum)
	sl.ErrNum = errnum
	return s.attachReply_unlocked(sl, nil, nil, nil)
}

func (s *Server) attachReply_unlocked(sl *slot.Slot, msg []byte, state any, cb2 slot.Callback) error {
	if sl.Direction() != slot.Incoming {
		return errors.New("udpserver: SendReply called on a non-incoming slot")
	}
	now := time.Now()
	sl.State = state
	sl.SetReplyCallback(cb2)
	sl.AttachSendBuffer(msg, s.maxPayload(), now)
	s.setBackoff_unlocked(sl)
	s.scheduleResend_unlocked(sl, now)
	s.needToSend = true
	s.sendPoll_unlocked(true, now)
	return nil
}

func (s *Server) setBackoff_unlocked(sl *slot.Slot) {
	if sl.Niceness == slot.NicenessHigh {
		sl.ResendBackoff = s.cfg.NicenessHighBackoff
	} else {
		sl.ResendBackoff = s.cfg.NicenessLowBackoff
	}
	sl.MaxBackoff = s.cfg.MaxBackoff
}

func (s *Server) maxPayload() int {
	return s.codec.MaxPayload(s.cfg.MTU)
}

// pickBestSlotToSend_unlocked implements the fairness policy: prefer
// any slot with a dgram past its resend deadline; otherwise pick the
// slot with the smallest outstanding (sent-acked) window, tie-broken
// by niceness (0 before 1) then by position on the active list (FIFO,
// oldest first). A slot already at the ack-window cap with nothing to
// resend is never chosen by those two tiers. As a last resort, a slot
// with no unsent or resend-due data but a pending, undrained
// AcksToSendBitmap is chosen so it can flush a bare ACK: without this
// tier a slot with nothing left to send but an ack still owed (a
// fully-sent-and-acked request waiting on a reply, or a fully-replied
// incoming slot waiting on the final ack of that reply) would never be
// selected at all.
func (s *Server) pickBestSlotToSend_unlocked(now time.Time) (*slot.Slot, bool) {
	var bestResend *slot.Slot
	var best *slot.Slot
	bestWindow := int(^uint(0) >> 1)
	var bestAckOnly *slot.Slot

	s.table.forEachActive(func(sl *slot.Slot) {
		if bestAckOnly == nil && needsAckOnly(sl) {
			bestAckOnly = sl
		}
		if sl.SentBitmap() == nil {
			// incoming slot still receiving its request; no reply
			// buffer attached yet, nothing queued to send but maybe
			// a bare ack (handled above).
			return
		}
		if needsResend_unlocked(sl, now) {
			if bestResend == nil {
				bestResend = sl
			}
			return
		}
		if sl.OutstandingWindow() >= s.cfg.AckWindowSize {
			return
		}
		if hasUnsent(sl) {
			w := sl.OutstandingWindow()
			if best == nil || w < bestWindow || (w == bestWindow && betterTieBreak(sl, best)) {
				best = sl
				bestWindow = w
			}
		}
	})

	if bestResend != nil {
		return bestResend, true
	}
	if best != nil {
		return best, true
	}
	if bestAckOnly != nil {
		return bestAckOnly, true
	}
	return nil, false
}

// needsAckOnly reports whether sl has received dgrams its peer doesn't
// yet know we've seen, with nothing else queued to piggyback that
// acknowledgment onto.
func needsAckOnly(sl *slot.Slot) bool {
	bm := sl.AcksToSendBitmap()
	return bm != nil && bm.PopCount() > 0
}

func hasUnsent(sl *slot.Slot) bool {
	bm := sl.SentBitmap()
	if bm == nil {
		return false
	}
	_, ok := bm.FirstUnset(sl.SendDgramCount)
	return ok
}

func needsResend_unlocked(sl *slot.Slot, now time.Time) bool {
	bm := sl.SentBitmap()
	ack := sl.AckedBitmap()
	if bm == nil {
		return false
	}
	found := false
	bm.ForEachSet(func(i int) {
		if found || ack.IsSet(i) {
			return
		}
		if sl.ResendDeadline(i).Before(now) || sl.ResendDeadline(i).Equal(now) {
			found = true
		}
	})
	return found
}

func betterTieBreak(candidate, current *slot.Slot) bool {
	if candidate.Niceness != current.Niceness {
		return candidate.Niceness < current.Niceness
	}
	return false // active list iteration is already FIFO, so "current" (seen first) wins ties
}

// doSending_unlocked sends one dgram from sl: the next unsent dgram if
// any, else the earliest dgram past its resend deadline, else (if sl
// has nothing left to send but an ack still owed) a bare ack-only
// dgram. It also folds any pending acks-to-send for sl into the
// dgram's header.
func (s *Server) doSending_unlocked(sl *slot.Slot, now time.Time) error {
	seq, isResend := -1, false
	if sl.SentBitmap() != nil {
		seq, isResend = s.nextSeqToSend(sl, now)
	}
	if seq < 0 {
		if needsAckOnly(sl) {
			return s.sendAckOnly_unlocked(sl, now)
		}
		return nil
	}

	payload := s.dgramPayload(sl, seq)
	h := proto.Header{
		TransactionID: sl.Key().TransactionID,
		MsgType:       proto.MsgType(sl.MsgType),
		Seq:           uint32(seq),
		Total:         uint32(sl.SendDgramCount),
		Flags:         sendFlags(sl, seq),
	}
	if sl.Err != nil {
		h.ErrNum = sl.ErrNum
	}
	s.fillAckInfo_unlocked(sl, &h)

	buf := make([]byte, s.codec.HeaderSize()+len(payload))
	if _, err := s.codec.EmitHeader(h, buf); err != nil {
		return err
	}
	copy(buf[s.codec.HeaderSize():], payload)

	n, err := s.conn.WriteToUDPAddrPort(buf, sl.Peer())
	if err != nil {
		return err
	}
	s.counters.addOut(n)

	sl.SentBitmap().Set(seq)
	backoff := sl.ResendBackoff
	if isResend {
		// only an actual resend counts against the resend budget and
		// grows the niceness-low backoff; the initial flush of a dgram
		// is not a resend.
		sl.ResendCount++
		backoff = nextBackoff(sl)
	}
	sl.SetResendDeadline(seq, now.Add(backoff))
	if isResend {
		s.scheduleResend_unlocked(sl, now.Add(sl.ResendBackoff))
	}
	return nil
}

func sendFlags(sl *slot.Slot, seq int) proto.Flags {
	f := proto.FlagRequest
	if sl.Direction() == slot.Incoming {
		f = proto.FlagReply
	}
	if seq == sl.SendDgramCount-1 {
		f |= proto.FlagLast
	}
	if sl.Err != nil {
		f |= proto.FlagError
	}
	return f
}

func nextBackoff(sl *slot.Slot) time.Duration {
	if sl.Niceness == slot.NicenessHigh {
		return sl.ResendBackoff
	}
	b := sl.ResendBackoff * 2
	if b > sl.MaxBackoff {
		b = sl.MaxBackoff
	}
	sl.ResendBackoff = b
	return b
}

func (s *Server) nextSeqToSend(sl *slot.Slot, now time.Time) (int, bool) {
	if seq, ok := sl.SentBitmap().FirstUnset(sl.SendDgramCount); ok {
		return seq, false
	}
	found, isResend := -1, false
	sl.SentBitmap().ForEachSet(func(i int) {
		if found >= 0 || sl.AckedBitmap().IsSet(i) {
			return
		}
		if !sl.ResendDeadline(i).After(now) {
			found, isResend = i, true
		}
	})
	return found, isResend
}

func (s *Server) dgramPayload(sl *slot.Slot, seq int) []byte {
	mp := s.maxPayload()
	start := seq * mp
	end := start + mp
	if end > len(sl.SendBuf) {
		end = len(sl.SendBuf)
	}
	if start > end {
		return nil
	}
	return sl.SendBuf[start:end]
}

// fillAckInfo_unlocked writes the cumulative ack-base plus the
// out-of-order ack-bits window for everything sl's peer has sent us so
// far, draining acksToSendBitmap the way the original folds pending
// acks into the next outgoing dgram rather than sending bare ACK
// packets.
func (s *Server) fillAckInfo_unlocked(sl *slot.Slot, h *proto.Header) {
	bm := sl.ReceivedBitmap()
	if bm == nil {
		return
	}
	base := 0
	for base < bm.Len() && bm.IsSet(base) {
		base++
	}
	var bits uint64
	for i := 0; i < 64 && base+1+i < bm.Len(); i++ {
		if bm.IsSet(base + 1 + i) {
			bits |= 1 << uint(i)
		}
	}
	h.AckBase = uint32(base)
	h.AckBits = bits
	h.Flags |= proto.FlagAck
	sl.AcksToSendBitmap().Reset()
}

// sendAckOnly_unlocked flushes a bare acknowledgment dgram for sl: no
// sequenced payload, just FlagAckOnly plus whatever fillAckInfo_unlocked
// currently has to report. Used for a slot with nothing else queued to
// send but an ack still owed to its peer.
func (s *Server) sendAckOnly_unlocked(sl *slot.Slot, now time.Time) error {
	h := proto.Header{
		TransactionID: sl.Key().TransactionID,
		MsgType:       proto.MsgType(sl.MsgType),
		Flags:         proto.FlagAckOnly,
	}
	if sl.Direction() == slot.Incoming {
		h.Flags |= proto.FlagReply
	} else {
		h.Flags |= proto.FlagRequest
	}
	s.fillAckInfo_unlocked(sl, &h)

	buf := make([]byte, s.codec.HeaderSize())
	if _, err := s.codec.EmitHeader(h, buf); err != nil {
		return err
	}
	n, err := s.conn.WriteToUDPAddrPort(buf, sl.Peer())
	if err != nil {
		return err
	}
	s.counters.addOut(n)
	return nil
}

// sendPoll_unlocked sends as many dgrams as the socket will accept
// without blocking, choosing a slot each time via the fairness policy,
// until nothing is left to send or a write would block.
func (s *Server) sendPoll_unlocked(allowResends bool, now time.Time) {
	for {
		sl, ok := s.pickBestSlotToSend_unlocked(now)
		if !ok {
			s.needToSend = false
			return
		}
		if err := s.doSending_unlocked(sl, now); err != nil {
			if isWouldBlock(err) {
				s.needToSend = true
				return
			}
			s.log.WithError(err).Warn("dgram send failed")
			return
		}
	}
}

// OnWritable is called by the caller's event loop when the socket
// becomes writable again after a previous send would have blocked.
func (s *Server) OnWritable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.needToSend {
		return
	}
	s.sendPoll_unlocked(true, time.Now())
}

// sendCancel_unlocked sends a single best-effort cancel dgram for sl's
// first sequence number; it is not retried or acked, since by the time
// Cancel is called the caller has already stopped waiting.
func (s *Server) sendCancel_unlocked(sl *slot.Slot) {
	h := proto.Header{
		TransactionID: sl.Key().TransactionID,
		MsgType:       proto.MsgType(sl.MsgType),
		Flags:         proto.FlagCancel | proto.FlagRequest,
	}
	buf := make([]byte, s.codec.HeaderSize())
	if _, err := s.codec.EmitHeader(h, buf); err != nil {
		return
	}
	n, err := s.conn.WriteToUDPAddrPort(buf, sl.Peer())
	if err == nil {
		s.counters.addOut(n)
	}
}

// sendClosedReply_unlocked best-effort replies errnoClosed to a brand
// new incoming request dgram received while this server is shutting
// down or already closed, without allocating a slot for it. Unlike a
// normal error reply this is not retried or acked: the server is on
// its way out, so there is no slot left to resend it from.
func (s *Server) sendClosedReply_unlocked(h proto.Header, from netip.AddrPort) {
	reply := proto.Header{
		TransactionID: h.TransactionID,
		MsgType:       h.MsgType,
		Flags:         proto.FlagReply | proto.FlagLast | proto.FlagError,
		Total:         1,
		ErrNum:        errnoClosed,
	}
	buf := make([]byte, s.codec.HeaderSize())
	if _, err := s.codec.EmitHeader(reply, buf); err != nil {
		return
	}
	n, err := s.conn.WriteToUDPAddrPort(buf, from)
	if err == nil {
		s.counters.addOut(n)
	}
}

func isWouldBlock(err error) bool {
	type temporary interface{ Temporary() bool }
	if t, ok := err.(temporary); ok {
		return t.Temporary()
	}
	return false
}
