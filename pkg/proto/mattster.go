package proto

import "encoding/binary"

// Mattster is the default datagram format, named for the Gigablast
// UdpServer's original default protocol. It is a flat 32-byte fixed
// header: magic, version, flags, msg-type, transaction id, sequence,
// total-dgram-count, ack-base, ack-bits, and an error number slot used
// only by error replies.
//
// Byte layout (big endian throughout):
//
//	0      magic byte, always mattsterMagic
//	1      version byte
//	2      Flags
//	3      MsgType
//	4..8   TransactionID
//	8..12  Seq
//	12..16 Total
//	16..20 AckBase
//	20..28 AckBits
//	28..32 ErrNum
type Mattster struct{}

const (
	mattsterMagic   = 0x4d // 'M'
	mattsterVersion = 1

	mattsterMagicOff   = 0
	mattsterVersionOff = 1
	mattsterFlagsOff   = 2
	mattsterMsgTypeOff = 3
	mattsterTxnOff     = 4
	mattsterSeqOff     = 8
	mattsterTotalOff   = 12
	mattsterAckBaseOff = 16
	mattsterAckBitsOff = 20
	mattsterErrNumOff  = 28

	mattsterHeaderSize = 32
)

// NewMattster constructs the default protocol codec.
func NewMattster() Mattster { return Mattster{} }

func (Mattster) HeaderSize() int { return mattsterHeaderSize }

func (Mattster) MaxPayload(mtu int) int {
	p := mtu - mattsterHeaderSize
	if p < 0 {
		return 0
	}
	return p
}

func (Mattster) ParseHeader(buf []byte) (Header, error) {
	if len(buf) < mattsterHeaderSize {
		return Header{}, ErrShortDatagram
	}
	if buf[mattsterMagicOff] != mattsterMagic {
		return Header{}, ErrBadMagic
	}
	h := Header{
		Flags:         Flags(buf[mattsterFlagsOff]),
		MsgType:       MsgType(buf[mattsterMsgTypeOff]),
		TransactionID: binary.BigEndian.Uint32(buf[mattsterTxnOff:]),
		Seq:           binary.BigEndian.Uint32(buf[mattsterSeqOff:]),
		Total:         binary.BigEndian.Uint32(buf[mattsterTotalOff:]),
		AckBase:       binary.BigEndian.Uint32(buf[mattsterAckBaseOff:]),
		AckBits:       binary.BigEndian.Uint64(buf[mattsterAckBitsOff:]),
		ErrNum:        int32(binary.BigEndian.Uint32(buf[mattsterErrNumOff:])),
	}
	return h, nil
}

func (Mattster) EmitHeader(h Header, buf []byte) (int, error) {
	if len(buf) < mattsterHeaderSize {
		return 0, ErrShortDatagram
	}
	buf[mattsterMagicOff] = mattsterMagic
	buf[mattsterVersionOff] = mattsterVersion
	buf[mattsterFlagsOff] = byte(h.Flags)
	buf[mattsterMsgTypeOff] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[mattsterTxnOff:], h.TransactionID)
	binary.BigEndian.PutUint32(buf[mattsterSeqOff:], h.Seq)
	binary.BigEndian.PutUint32(buf[mattsterTotalOff:], h.Total)
	binary.BigEndian.PutUint32(buf[mattsterAckBaseOff:], h.AckBase)
	binary.BigEndian.PutUint64(buf[mattsterAckBitsOff:], h.AckBits)
	binary.BigEndian.PutUint32(buf[mattsterErrNumOff:], uint32(h.ErrNum))
	return mattsterHeaderSize, nil
}
