package proto

import "encoding/binary"

// DNS is an alternate implementation of Codec that shapes the fixed
// header like a DNS message (the first 12 bytes mirror the layout of a
// DNS query/response header: ID, Flags, QDCOUNT, ANCOUNT, NSCOUNT,
// ARCOUNT) so that a UdpServer bound to port 53, or sitting behind a
// middlebox that only forwards DNS-looking UDP traffic, still gets
// through. It carries the same Header fields as Mattster; only the
// wire placement differs.
//
// Byte layout (big endian throughout):
//
//	0..2   ID        = low 16 bits of TransactionID
//	2..4   Flags     = low byte is the real Flags value, high byte 0
//	4..6   QDCOUNT   = high 16 bits of TransactionID
//	6..8   ANCOUNT   = MsgType
//	8..10  NSCOUNT   = reserved, always 0
//	10..12 ARCOUNT   = reserved, always 0
//	12..16 Seq
//	16..20 Total
//	20..24 AckBase
//	24..32 AckBits
//	32..36 ErrNum
type DNS struct{}

const (
	dnsIDOff      = 0
	dnsFlagsOff   = 2
	dnsQDCountOff = 4
	dnsANCountOff = 6
	dnsNSCountOff = 8
	dnsARCountOff = 10
	dnsSeqOff     = 12
	dnsTotalOff   = 16
	dnsAckBaseOff = 20
	dnsAckBitsOff = 24
	dnsErrNumOff  = 32

	dnsHeaderSize = 36
)

// NewDNS constructs the DNS-shaped protocol codec.
func NewDNS() DNS { return DNS{} }

func (DNS) HeaderSize() int { return dnsHeaderSize }

func (DNS) MaxPayload(mtu int) int {
	p := mtu - dnsHeaderSize
	if p < 0 {
		return 0
	}
	return p
}

func (DNS) ParseHeader(buf []byte) (Header, error) {
	if len(buf) < dnsHeaderSize {
		return Header{}, ErrShortDatagram
	}
	id := binary.BigEndian.Uint16(buf[dnsIDOff:])
	qd := binary.BigEndian.Uint16(buf[dnsQDCountOff:])
	h := Header{
		TransactionID: uint32(qd)<<16 | uint32(id),
		Flags:         Flags(buf[dnsFlagsOff+1]),
		MsgType:       MsgType(binary.BigEndian.Uint16(buf[dnsANCountOff:])),
		Seq:           binary.BigEndian.Uint32(buf[dnsSeqOff:]),
		Total:         binary.BigEndian.Uint32(buf[dnsTotalOff:]),
		AckBase:       binary.BigEndian.Uint32(buf[dnsAckBaseOff:]),
		AckBits:       binary.BigEndian.Uint64(buf[dnsAckBitsOff:]),
		ErrNum:        int32(binary.BigEndian.Uint32(buf[dnsErrNumOff:])),
	}
	return h, nil
}

func (DNS) EmitHeader(h Header, buf []byte) (int, error) {
	if len(buf) < dnsHeaderSize {
		return 0, ErrShortDatagram
	}
	binary.BigEndian.PutUint16(buf[dnsIDOff:], uint16(h.TransactionID))
	buf[dnsFlagsOff] = 0
	buf[dnsFlagsOff+1] = byte(h.Flags)
	binary.BigEndian.PutUint16(buf[dnsQDCountOff:], uint16(h.TransactionID>>16))
	binary.BigEndian.PutUint16(buf[dnsANCountOff:], uint16(h.MsgType))
	binary.BigEndian.PutUint16(buf[dnsNSCountOff:], 0)
	binary.BigEndian.PutUint16(buf[dnsARCountOff:], 0)
	binary.BigEndian.PutUint32(buf[dnsSeqOff:], h.Seq)
	binary.BigEndian.PutUint32(buf[dnsTotalOff:], h.Total)
	binary.BigEndian.PutUint32(buf[dnsAckBaseOff:], h.AckBase)
	binary.BigEndian.PutUint64(buf[dnsAckBitsOff:], h.AckBits)
	binary.BigEndian.PutUint32(buf[dnsErrNumOff:], uint32(h.ErrNum))
	return dnsHeaderSize, nil
}
