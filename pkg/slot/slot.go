// Package slot defines the per-transaction record the transport in
// package udpserver schedules, acks and eventually destroys. A Slot is
// the Go equivalent of the original UdpSlot: "like a udp socket", one
// per in-flight transaction, with no allocation on the hot path once
// the slot pool has been sized.
package slot

import (
	"net/netip"
	"time"
)

// Direction records which side of a transaction this slot represents.
type Direction uint8

const (
	// Outgoing slots were created by this process calling SendRequest.
	Outgoing Direction = iota
	// Incoming slots were created on arrival of a peer's first request
	// dgram.
	Incoming
)

func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}
	return "outgoing"
}

// Niceness is the scheduling priority of a slot. Zero is latency
// critical; one is background.
type Niceness uint8

const (
	NicenessHigh Niceness = 0
	NicenessLow  Niceness = 1
)

// Key uniquely identifies a slot within a table: transaction id, peer
// endpoint and direction together. No two simultaneously-live slots
// share a Key.
type Key struct {
	TransactionID uint32
	Peer          netip.AddrPort
	Incoming      bool
}

// Callback is invoked at most once per outgoing slot, with the state
// the caller passed to SendRequest and the slot itself (so the handler
// can read RecvBuf/Err before the slot is destroyed).
type Callback func(state any, s *Slot)

// Slot is the per-transaction record. Every field is read and written
// only while the owning Server's mutex is held; unlike the teacher's
// per-connection types there is deliberately no per-field locking here,
// because the whole point of this design is a single coarse mutex
// serializing the entire poll-driven state machine (see Server.mu).
type Slot struct {
	index int32 // this slot's fixed position in the table's arena; never changes

	key       Key
	direction Direction
	peer      netip.AddrPort
	hostID    int32 // -1 if this slot was not bound by host id

	MsgType  uint8
	Niceness Niceness

	// SendBuf/RecvBuf are the request (outgoing) or reply (incoming)
	// buffer being sent, and the reply (outgoing) or request (incoming)
	// buffer being received, respectively.
	SendBuf        []byte
	SendDgramCount int
	sentBitmap     *Bitmap
	ackedBitmap    *Bitmap

	RecvBuf          []byte
	RecvSize         int // valid once lastRecvLen is known
	RecvDgramCount   int
	receivedBitmap   *Bitmap
	acksToSendBitmap *Bitmap
	lastRecvLen      int  // payload length of the final dgram, once seen
	lastSeen         bool // true once the Last-flagged dgram has arrived, even if its payload is empty

	callback      Callback
	replyCallback Callback // SendReply's optional callback2, invoked after the reply's last dgram is acked

	// State is the opaque pointer supplied by the caller: SendRequest's
	// "state" for outgoing slots, or whatever a handler stashes on an
	// incoming slot between receiving the request and calling SendReply.
	State any

	ResendBackoff time.Duration
	MaxBackoff    time.Duration
	nextResendAt  []time.Time // one deadline per dgram in SendBuf's window

	OverallDeadline time.Time
	HasDeadline     bool

	ResendCount int
	MaxResends  int // -1 means unlimited

	Err    error
	ErrNum int32 // wire error number for an outgoing error reply; meaningful only when Err != nil on an Incoming slot

	CreatedAt time.Time

	cbInList bool

	scheduledDeadline    time.Time
	scheduledDeadlineSet bool

	availPrev, availNext  int32
	activePrev, activeNext int32
	cbPrev, cbNext         int32
}

const nilIndex int32 = -1

// reset clears a slot back to its zero-value-ish state for reuse. It
// intentionally does not touch index, which is permanent for the life
// of the arena.
func (s *Slot) reset() {
	idx := s.index
	*s = Slot{index: idx, hostID: -1}
	s.availPrev, s.availNext = nilIndex, nilIndex
	s.activePrev, s.activeNext = nilIndex, nilIndex
	s.cbPrev, s.cbNext = nilIndex, nilIndex
}

// Index returns this slot's fixed arena position, usable as a stable
// handle by callers that want to refer back to a slot (e.g. from
// GetStatistics output) without holding a pointer across a callback.
func (s *Slot) Index() int32 { return s.index }

// Key returns the slot's table key.
func (s *Slot) Key() Key { return s.key }

// Direction returns whether this slot is incoming or outgoing.
func (s *Slot) Direction() Direction { return s.direction }

// Peer returns the slot's remote endpoint.
func (s *Slot) Peer() netip.AddrPort { return s.peer }

// HostID returns the host id this slot was bound under, or -1.
func (s *Slot) HostID() int32 { return s.hostID }

// SetPeer rewrites the remote endpoint, used by Server.ReplaceHost.
func (s *Slot) SetPeer(p netip.AddrPort) {
	s.peer = p
	s.key.Peer = p
}

// DetachBuffers nils out SendBuf and RecvBuf so the slot no longer
// refers to them when it is freed; a callback calls this when it wants
// to keep ownership of the bytes past the slot's lifetime.
func (s *Slot) DetachBuffers() {
	s.SendBuf = nil
	s.RecvBuf = nil
}

// AttachSendBuffer wires msg up as the slot's outgoing buffer and sizes
// the bitmaps and per-dgram resend deadlines that go with it.
func (s *Slot) AttachSendBuffer(msg []byte, maxPayload int, now time.Time) {
	s.SendBuf = msg
	count := dgramCount(len(msg), maxPayload)
	s.SendDgramCount = count
	s.sentBitmap = NewBitmap(count)
	s.ackedBitmap = NewBitmap(count)
	s.nextResendAt = make([]time.Time, count)
	for i := range s.nextResendAt {
		s.nextResendAt[i] = now
	}
}

// AttachRecvBuffer allocates the incoming buffer once the total dgram
// count for a transfer is known, sized to the worst case (every dgram
// but the last is exactly maxPayload bytes).
func (s *Slot) AttachRecvBuffer(totalDgrams, maxPayload int) {
	s.RecvDgramCount = totalDgrams
	s.RecvBuf = make([]byte, totalDgrams*maxPayload)
	s.receivedBitmap = NewBitmap(totalDgrams)
	s.acksToSendBitmap = NewBitmap(totalDgrams)
}

func dgramCount(size, maxPayload int) int {
	if size == 0 {
		return 1
	}
	if maxPayload <= 0 {
		return 1
	}
	return (size + maxPayload - 1) / maxPayload
}

// SentBitmap, AckedBitmap, ReceivedBitmap, AcksToSendBitmap expose the
// four bitmaps for the transport's send/recv/timer logic and for test
// assertions of the spec's invariants.
func (s *Slot) SentBitmap() *Bitmap         { return s.sentBitmap }
func (s *Slot) AckedBitmap() *Bitmap        { return s.ackedBitmap }
func (s *Slot) ReceivedBitmap() *Bitmap     { return s.receivedBitmap }
func (s *Slot) AcksToSendBitmap() *Bitmap   { return s.acksToSendBitmap }

// OutstandingWindow returns popcount(sent) - popcount(acked): the
// number of dgrams we've sent that the peer hasn't yet acked.
func (s *Slot) OutstandingWindow() int {
	if s.sentBitmap == nil {
		return 0
	}
	return s.sentBitmap.PopCount() - s.ackedBitmap.PopCount()
}

// SendFullyAcked reports whether every dgram of the send buffer has
// been both sent and acked (true when no send buffer is attached).
func (s *Slot) SendFullyAcked() bool {
	if s.sentBitmap == nil {
		return true
	}
	return s.sentBitmap.PopCount() == s.SendDgramCount && s.ackedBitmap.PopCount() == s.SendDgramCount
}

// RecvFullyReceived reports whether every dgram of the incoming buffer
// has arrived.
func (s *Slot) RecvFullyReceived() bool {
	if s.receivedBitmap == nil {
		return false
	}
	return s.lastSeen && s.receivedBitmap.PopCount() == s.RecvDgramCount
}

// MarkReceived records dgram seq (of length payloadLen) as received; if
// this is the last dgram of the buffer, computes the final size.
func (s *Slot) MarkReceived(seq int, payloadLen int, isLast bool, maxPayload int) {
	s.receivedBitmap.Set(seq)
	s.acksToSendBitmap.Set(seq)
	if isLast || seq == s.RecvDgramCount-1 {
		s.lastRecvLen = payloadLen
		s.RecvSize = seq*maxPayload + payloadLen
		s.lastSeen = true
	}
}
