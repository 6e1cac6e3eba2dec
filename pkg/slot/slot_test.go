package slot

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAttachSendBufferSizesBitmaps(t *testing.T) {
	s := &Slot{index: 0}
	now := time.Now()
	s.AttachSendBuffer(make([]byte, 100), 40, now)

	require.Equal(t, 3, s.SendDgramCount)
	require.Equal(t, 3, s.SentBitmap().Len())
	require.Equal(t, 3, s.AckedBitmap().Len())
	require.Len(t, s.nextResendAt, 3)
	require.False(t, s.SendFullyAcked())
}

func TestAttachSendBufferEmptyMessageIsOneDgram(t *testing.T) {
	s := &Slot{index: 0}
	s.AttachSendBuffer(nil, 40, time.Now())
	require.Equal(t, 1, s.SendDgramCount)
}

func TestOutstandingWindow(t *testing.T) {
	s := &Slot{index: 0}
	s.AttachSendBuffer(make([]byte, 100), 40, time.Now())
	s.SentBitmap().Set(0)
	s.SentBitmap().Set(1)
	require.Equal(t, 2, s.OutstandingWindow())

	s.AckedBitmap().Set(0)
	require.Equal(t, 1, s.OutstandingWindow())
}

func TestSendFullyAcked(t *testing.T) {
	s := &Slot{index: 0}
	s.AttachSendBuffer(make([]byte, 40), 40, time.Now())
	require.False(t, s.SendFullyAcked())

	s.SentBitmap().Set(0)
	s.AckedBitmap().Set(0)
	require.True(t, s.SendFullyAcked())
}

func TestMarkReceivedComputesSizeOnLastDgram(t *testing.T) {
	s := &Slot{index: 0}
	s.AttachRecvBuffer(3, 40)

	s.MarkReceived(0, 40, false, 40)
	s.MarkReceived(2, 15, true, 40)
	s.MarkReceived(1, 40, false, 40)

	require.True(t, s.RecvFullyReceived())
	require.Equal(t, 2*40+15, s.RecvSize)
}

func TestRecvFullyReceivedFalseUntilLastArrives(t *testing.T) {
	s := &Slot{index: 0}
	s.AttachRecvBuffer(2, 40)
	s.MarkReceived(0, 40, false, 40)
	require.False(t, s.RecvFullyReceived())
}

func TestResetPreservesIndexOnly(t *testing.T) {
	s := &Slot{index: 5, hostID: 3, MsgType: 9}
	s.AttachSendBuffer(make([]byte, 40), 40, time.Now())
	s.reset()

	require.Equal(t, int32(5), s.index)
	require.Equal(t, int32(-1), s.hostID)
	require.Equal(t, uint8(0), s.MsgType)
	require.Nil(t, s.SendBuf)
	require.Equal(t, nilIndex, s.availPrev)
	require.Equal(t, nilIndex, s.activeNext)
}

func TestDirectionString(t *testing.T) {
	require.Equal(t, "outgoing", Outgoing.String())
	require.Equal(t, "incoming", Incoming.String())
}

func TestSetPeerUpdatesKey(t *testing.T) {
	s := &Slot{index: 0}
	s.key.TransactionID = 42
	p := netip.MustParseAddrPort("127.0.0.1:9")
	s.SetPeer(p)
	require.Equal(t, p, s.Key().Peer)
	require.Equal(t, uint32(42), s.Key().TransactionID)
}

func TestDetachBuffers(t *testing.T) {
	s := &Slot{index: 0}
	s.AttachSendBuffer(make([]byte, 40), 40, time.Now())
	s.RecvBuf = make([]byte, 10)
	s.DetachBuffers()
	require.Nil(t, s.SendBuf)
	require.Nil(t, s.RecvBuf)
}
