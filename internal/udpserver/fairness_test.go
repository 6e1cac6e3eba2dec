package udpserver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bet0x/open-source-search-engine/pkg/proto"
	"github.com/bet0x/open-source-search-engine/pkg/slot"
)

func headerWithAck(base uint32, bits uint64) proto.Header {
	return proto.Header{Flags: proto.FlagAck, AckBase: base, AckBits: bits}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(Config{Port: 0, MaxSlots: 8})
	require.NoError(t, err)
	// these slots are never driven to completion, so Shutdown(0) would
	// wait for them forever; fail them outright instead.
	t.Cleanup(func() { s.ShutdownUrgent() })
	return s
}

func makeOutgoingSlot(t *testing.T, s *Server, txn uint32, niceness slot.Niceness, size int) *slot.Slot {
	t.Helper()
	k := slot.Key{TransactionID: txn, Peer: mustAddrPort(t, "127.0.0.1:4000"), Incoming: false}
	sl := s.table.getEmpty(k, false, k.Peer)
	require.NotNil(t, sl)
	sl.Niceness = niceness
	sl.AttachSendBuffer(make([]byte, size), s.maxPayload(), time.Now())
	s.setBackoff_unlocked(sl)
	return sl
}

func TestFairnessPrefersResendOverUnsent(t *testing.T) {
	s := newTestServer(t)
	past := time.Now().Add(-time.Hour)

	a := makeOutgoingSlot(t, s, 1, slot.NicenessHigh, 10)
	a.SentBitmap().Set(0)
	a.SetResendDeadline(0, past)

	b := makeOutgoingSlot(t, s, 2, slot.NicenessHigh, 10)

	chosen, ok := s.pickBestSlotToSend_unlocked(time.Now())
	require.True(t, ok)
	require.Equal(t, a.Index(), chosen.Index())
	_ = b
}

func TestFairnessPrefersSmallerWindow(t *testing.T) {
	s := newTestServer(t)

	a := makeOutgoingSlot(t, s, 1, slot.NicenessHigh, s.maxPayload()*3)
	a.SentBitmap().Set(0)
	a.SentBitmap().Set(1)
	a.SetResendDeadline(0, time.Now().Add(time.Hour))
	a.SetResendDeadline(1, time.Now().Add(time.Hour))

	b := makeOutgoingSlot(t, s, 2, slot.NicenessHigh, s.maxPayload()*3)
	b.SentBitmap().Set(0)
	b.SetResendDeadline(0, time.Now().Add(time.Hour))

	chosen, ok := s.pickBestSlotToSend_unlocked(time.Now())
	require.True(t, ok)
	require.Equal(t, b.Index(), chosen.Index())
}

func TestFairnessTieBreaksOnNiceness(t *testing.T) {
	s := newTestServer(t)

	low := makeOutgoingSlot(t, s, 1, slot.NicenessLow, 10)
	high := makeOutgoingSlot(t, s, 2, slot.NicenessHigh, 10)

	chosen, ok := s.pickBestSlotToSend_unlocked(time.Now())
	require.True(t, ok)
	require.Equal(t, high.Index(), chosen.Index())
	_ = low
}

func TestFairnessSkipsSlotAtWindowCap(t *testing.T) {
	s := newTestServer(t)
	s.cfg.AckWindowSize = 1

	full := makeOutgoingSlot(t, s, 1, slot.NicenessHigh, s.maxPayload()*2)
	full.SentBitmap().Set(0)
	full.SetResendDeadline(0, time.Now().Add(time.Hour))

	_, ok := s.pickBestSlotToSend_unlocked(time.Now())
	require.False(t, ok)
}

func TestApplyAckMarksCumulativeAndWindowBits(t *testing.T) {
	s := newTestServer(t)
	sl := makeOutgoingSlot(t, s, 1, slot.NicenessHigh, s.maxPayload()*5)
	for i := 0; i < 5; i++ {
		sl.SentBitmap().Set(i)
	}

	// base=3: everything below index 3 (0,1,2) is acked; bit 0 of the
	// window acks index base+1+0 = 4.
	h := headerWithAck(3, 0b1)
	s.applyAck_unlocked(sl, h)

	require.True(t, sl.AckedBitmap().IsSet(0))
	require.True(t, sl.AckedBitmap().IsSet(1))
	require.True(t, sl.AckedBitmap().IsSet(2))
	require.False(t, sl.AckedBitmap().IsSet(3))
	require.True(t, sl.AckedBitmap().IsSet(4))
}

func TestApplyAckIgnoresNonAckHeader(t *testing.T) {
	s := newTestServer(t)
	sl := makeOutgoingSlot(t, s, 1, slot.NicenessHigh, 10)
	sl.SentBitmap().Set(0)

	h := headerWithAck(1, 0)
	h.Flags = 0 // no ack flag
	s.applyAck_unlocked(sl, h)

	require.False(t, sl.AckedBitmap().IsSet(0))
}
