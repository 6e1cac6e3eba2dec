package proto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, c Codec) {
	t.Helper()
	in := Header{
		TransactionID: 0xdeadbeef,
		MsgType:       7,
		Seq:           3,
		Total:         9,
		Flags:         FlagRequest | FlagLast,
		AckBase:       2,
		AckBits:       0x5,
		ErrNum:        0,
	}
	buf := make([]byte, c.HeaderSize())
	n, err := c.EmitHeader(in, buf)
	require.NoError(t, err)
	require.Equal(t, c.HeaderSize(), n)

	out, err := c.ParseHeader(buf)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestMattsterRoundTrip(t *testing.T) {
	roundTrip(t, NewMattster())
}

func TestDNSRoundTrip(t *testing.T) {
	roundTrip(t, NewDNS())
}

func TestMattsterShortBuffer(t *testing.T) {
	c := NewMattster()
	_, err := c.ParseHeader(make([]byte, 4))
	require.ErrorIs(t, err, ErrShortDatagram)

	_, err = c.EmitHeader(Header{}, make([]byte, 4))
	require.ErrorIs(t, err, ErrShortDatagram)
}

func TestMattsterBadMagic(t *testing.T) {
	c := NewMattster()
	buf := make([]byte, c.HeaderSize())
	_, err := c.ParseHeader(buf)
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestPredicates(t *testing.T) {
	h := Header{Flags: FlagAck | FlagReply | FlagLast}
	require.True(t, h.IsAck())
	require.True(t, h.IsReply())
	require.True(t, h.IsLast())
	require.False(t, h.IsRequest())
	require.False(t, h.IsCancel())
	require.False(t, h.IsNak())
	require.False(t, h.IsError())
}

func TestMaxPayload(t *testing.T) {
	c := NewMattster()
	require.Equal(t, 1200-mattsterHeaderSize, c.MaxPayload(1200))
	require.Equal(t, 0, c.MaxPayload(4))
}
