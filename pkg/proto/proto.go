// Package proto defines the capability set a wire datagram format must
// implement for the transport in package udpserver to use it. The
// transport never looks at a byte past what a Codec tells it to; it
// routes, acks and retransmits purely off the parsed Header.
package proto

import "github.com/pkg/errors"

// MaxMsgTypes bounds the msg-type space; handlers are stored in a fixed
// array indexed by MsgType, same as the original C++ UdpServer's
// m_handlers[MAX_MSG_TYPES].
const MaxMsgTypes = 64

// MsgType identifies the application-level message kind carried by a
// transaction. Valid range is [0, MaxMsgTypes).
type MsgType uint8

// Flags are the boolean bits carried in every datagram header.
type Flags uint8

const (
	FlagAck     Flags = 1 << iota // datagram carries ack-base/ack-bits instead of (or in addition to) payload
	FlagNak                       // peer explicitly refuses to ack; distinct from silence
	FlagRequest                   // datagram is (part of) a request
	FlagReply                     // datagram is (part of) a reply
	FlagCancel                    // sender is abandoning this transaction
	FlagError                     // reply carries an error number instead of payload
	FlagLast                      // this is the last dgram of the buffer it belongs to
	FlagAckOnly                   // datagram carries no sequenced payload, only ack info
)

// Header is the transport's parsed view of one datagram. A Codec maps
// these fields on and off the wire; nothing above this package ever
// inspects raw bytes.
type Header struct {
	TransactionID uint32
	MsgType       MsgType
	Seq           uint32 // sequence number of this dgram within its buffer
	Total         uint32 // total dgram count of the buffer this dgram belongs to
	Flags         Flags

	// AckBase/AckBits coalesce acknowledgment of a contiguous run plus a
	// trailing window: AckBase is "all dgrams [0, AckBase) are acked",
	// AckBits bit i acks dgram (AckBase + 1 + i). Only meaningful when
	// FlagAck is set.
	AckBase uint32
	AckBits uint64

	// ErrNum is meaningful only when FlagError is set.
	ErrNum int32
}

func (h Header) IsAck() bool     { return h.Flags&FlagAck != 0 }
func (h Header) IsNak() bool     { return h.Flags&FlagNak != 0 }
func (h Header) IsRequest() bool { return h.Flags&FlagRequest != 0 }
func (h Header) IsReply() bool   { return h.Flags&FlagReply != 0 }
func (h Header) IsCancel() bool  { return h.Flags&FlagCancel != 0 }
func (h Header) IsLast() bool    { return h.Flags&FlagLast != 0 }
func (h Header) IsError() bool   { return h.Flags&FlagError != 0 }
func (h Header) IsAckOnly() bool { return h.Flags&FlagAckOnly != 0 }

// Codec is the capability interface a concrete wire format implements.
// The default is Mattster; DNS is a separate implementation of the same
// capability set shaped to look like a DNS message on the wire.
type Codec interface {
	// HeaderSize returns the fixed header size in bytes for this codec.
	HeaderSize() int

	// MaxPayload returns the largest payload, in bytes, this codec can
	// carry in a single datagram given HeaderSize and a caller-supplied
	// MTU ceiling.
	MaxPayload(mtu int) int

	// ParseHeader parses the header from the front of buf. The payload
	// always starts at HeaderSize(); callers slice buf[HeaderSize():] for
	// the payload themselves.
	ParseHeader(buf []byte) (Header, error)

	// EmitHeader writes h's header encoding into the front of buf, which
	// must be at least HeaderSize() bytes, and returns the number of
	// bytes written.
	EmitHeader(h Header, buf []byte) (int, error)
}

// Sentinel codec-level errors.
var (
	ErrShortDatagram = errors.New("proto: datagram shorter than header")
	ErrBadMagic      = errors.New("proto: unrecognized datagram magic")
)
