// Package udpserver implements a reliable, connectionless request/reply
// transport over UDP: a fixed slot table, sliding-window ACKs with
// per-dgram resend deadlines, a fairness policy across in-flight
// transactions, and a small handler registry for incoming requests.
package udpserver

import (
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bet0x/open-source-search-engine/internal/txnstore"
	"github.com/bet0x/open-source-search-engine/pkg/proto"
	"github.com/bet0x/open-source-search-engine/pkg/slot"
)

// Config controls how a Server binds its socket and sizes its slot
// table. Only Port is required; everything else has a workable
// default applied by New.
type Config struct {
	// Port to bind for both send and receive. 0 picks an ephemeral port.
	Port uint16

	// MaxSlots is the fixed capacity of the slot arena. Defaults to 4096.
	MaxSlots int

	// IsDNS selects proto.DNS instead of the default proto.Mattster.
	IsDNS bool

	// PollTime is how often OnTick is expected to be called by the
	// caller's event loop; New rejects a PollTime larger than
	// NicenessHighBackoff, since resends could never be scheduled
	// finely enough otherwise.
	PollTime time.Duration

	// NicenessHighBackoff is the near-constant resend interval used for
	// slot.NicenessHigh slots. Defaults to 30ms.
	NicenessHighBackoff time.Duration

	// NicenessLowBackoff is the starting resend interval for
	// slot.NicenessLow slots, doubling on each resend up to MaxBackoff.
	NicenessLowBackoff time.Duration

	// MaxBackoff caps the exponential backoff of niceness-low slots.
	// Defaults to 4s.
	MaxBackoff time.Duration

	// AckWindowSize is the largest number of unacked dgrams a slot may
	// have outstanding at once. Defaults to 64 (one ack-bits word).
	AckWindowSize int

	// TxnStorePath, if set, persists the monotonic transaction id
	// counter to a bbolt database at this path so a restarted process
	// does not immediately reuse ids a crashed instance already handed
	// out. If empty, the counter starts at 0 every time.
	TxnStorePath string

	// MTU bounds the size of datagrams this server sends. Defaults to 1400.
	MTU int

	// Log, if non-nil, is used as the base entry this Server logs through
	// (tagged with its own instance id). Defaults to logrus.StandardLogger().
	Log *logrus.Entry
}

func (c *Config) setDefaults() {
	if c.MaxSlots <= 0 {
		c.MaxSlots = 4096
	}
	if c.PollTime <= 0 {
		c.PollTime = 30 * time.Millisecond
	}
	if c.NicenessHighBackoff <= 0 {
		c.NicenessHighBackoff = 30 * time.Millisecond
	}
	if c.NicenessLowBackoff <= 0 {
		c.NicenessLowBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 4 * time.Second
	}
	if c.AckWindowSize <= 0 || c.AckWindowSize > 64 {
		c.AckWindowSize = 64
	}
	if c.MTU <= 0 {
		c.MTU = 1400
	}
}

func (c Config) validate() error {
	if c.PollTime > c.NicenessHighBackoff {
		return errors.Wrap(ErrBadConfig, "PollTime must not exceed NicenessHighBackoff")
	}
	return nil
}

// handlerEntry is one slot in the fixed-size handler registry.
type handlerEntry struct {
	fn  HandlerFunc
	hot bool
	set bool
}

// HandlerFunc handles an incoming request slot. niceness is the
// request's niceness, passed separately so a handler can decide to
// downgrade its own work without inspecting the slot.
type HandlerFunc func(s *slot.Slot, niceness slot.Niceness)

// resendItem orders active slots by their earliest pending
// resend deadline in a btree, so the tick handler finds the next slot
// to service in O(log n) instead of scanning every active slot.
type resendItem struct {
	deadline time.Time
	slotIdx  int32
}

func resendItemLess(a, b resendItem) bool {
	if a.deadline.Equal(b.deadline) {
		return a.slotIdx < b.slotIdx
	}
	return a.deadline.Before(b.deadline)
}

// InterfaceCounters mirrors the original's g_eth0BytesIn-style atomic
// counters: bytes and packets in each direction, updated outside the
// mutex since they are purely diagnostic.
type InterfaceCounters struct {
	BytesIn, BytesOut   int64
	PacketsIn, PacketsOut int64
}

func (c *InterfaceCounters) addIn(n int) {
	addInt64(&c.BytesIn, int64(n))
	addInt64(&c.PacketsIn, 1)
}

func (c *InterfaceCounters) addOut(n int) {
	addInt64(&c.BytesOut, int64(n))
	addInt64(&c.PacketsOut, 1)
}

// Server is the transport. One Server owns exactly one UDP socket and
// one slot table; nothing about it is a package-level singleton.
type Server struct {
	id  uuid.UUID
	log *logrus.Entry

	cfg   Config
	codec proto.Codec
	conn  *net.UDPConn

	mu      sync.Mutex
	table   *table
	handlers [proto.MaxMsgTypes]handlerEntry
	resends  *btree.BTreeG[resendItem]

	nextTransID uint32
	txnStore    *txnstore.Store

	needToSend     bool
	isShuttingDown bool
	closed         bool

	counters InterfaceCounters

	stopRun chan struct{}
	runDone chan struct{}
}

// New binds the configured UDP port, pre-allocates Config.MaxSlots
// slots, and selects the configured protocol codec.
func New(cfg Config) (*Server, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(cfg.Port)})
	if err != nil {
		return nil, errors.Wrap(err, "udpserver: listen")
	}

	var codec proto.Codec
	if cfg.IsDNS {
		codec = proto.NewDNS()
	} else {
		codec = proto.NewMattster()
	}

	var store *txnstore.Store
	var startTransID uint32
	if cfg.TxnStorePath != "" {
		store, err = txnstore.Open(cfg.TxnStorePath)
		if err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "udpserver: open txn store")
		}
		startTransID, err = store.RecoverAfterCrash()
		if err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "udpserver: recover txn counter")
		}
	}

	id := uuid.New()
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithFields(logrus.Fields{
		"component": "udpserver",
		"server_id": id.String(),
		"port":      conn.LocalAddr(),
	})

	s := &Server{
		id:          id,
		log:         log,
		cfg:         cfg,
		codec:       codec,
		conn:        conn,
		table:       newTable(cfg.MaxSlots),
		resends:     btree.NewG(32, resendItemLess),
		nextTransID: startTransID,
		txnStore:    store,
	}
	return s, nil
}

// ID returns this Server's random instance id, useful for
// disambiguating multiple Servers in one process's logs.
func (s *Server) ID() uuid.UUID { return s.id }

// LocalAddr returns the bound socket's local address.
func (s *Server) LocalAddr() net.Addr { return s.conn.LocalAddr() }

func (s *Server) getTransID_unlocked() uint32 {
	id := s.nextTransID
	s.nextTransID++
	if s.txnStore != nil && s.nextTransID%1024 == 0 {
		if err := s.txnStore.Persist(s.nextTransID); err != nil {
			s.log.WithError(err).Warn("failed to persist transaction id counter")
		}
	}
	return id
}

// NumUsedSlots returns the number of slots currently active (request
// in flight, reply in flight, or awaiting callback).
func (s *Server) NumUsedSlots() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table.numUsedSlots()
}

// NumUsedSlotsIncoming returns the subset of NumUsedSlots that
// originated as an incoming request.
func (s *Server) NumUsedSlotsIncoming() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table.numUsedSlotsIncoming()
}

// SlotSummary describes one active slot at the moment GetStatistics
// ran: enough to tell what a transaction is doing without exposing its
// buffer contents.
type SlotSummary struct {
	Peer          netip.AddrPort
	MsgType       proto.MsgType
	Incoming      bool
	Age           time.Duration
	BytesSent     int
	BytesReceived int
	ResendCount   int
}

// Statistics is a point-in-time snapshot returned by GetStatistics.
type Statistics struct {
	ServerID        string
	NumUsedSlots    int32
	NumUsedIncoming int32
	Capacity        int
	Counters        InterfaceCounters
	Slots           []SlotSummary
}

// GetStatistics returns a snapshot of the transport's current load,
// including a per-slot breakdown of every active transaction.
func (s *Server) GetStatistics() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	stats := Statistics{
		ServerID:        s.id.String(),
		NumUsedSlots:    s.table.numUsedSlots(),
		NumUsedIncoming: s.table.numUsedSlotsIncoming(),
		Capacity:        s.table.capacity(),
		Counters: InterfaceCounters{
			BytesIn:    loadInt64(&s.counters.BytesIn),
			BytesOut:   loadInt64(&s.counters.BytesOut),
			PacketsIn:  loadInt64(&s.counters.PacketsIn),
			PacketsOut: loadInt64(&s.counters.PacketsOut),
		},
	}
	stats.Slots = make([]SlotSummary, 0, s.table.numUsedSlots())
	s.table.forEachActive(func(sl *slot.Slot) {
		stats.Slots = append(stats.Slots, SlotSummary{
			Peer:          sl.Peer(),
			MsgType:       proto.MsgType(sl.MsgType),
			Incoming:      sl.Direction() == slot.Incoming,
			Age:           now.Sub(sl.CreatedAt),
			BytesSent:     s.bytesSent_unlocked(sl),
			BytesReceived: s.bytesReceived_unlocked(sl),
			ResendCount:   sl.ResendCount,
		})
	})
	return stats
}

// bytesSent_unlocked sums the actual payload length of every dgram
// sl's SentBitmap marks as sent.
func (s *Server) bytesSent_unlocked(sl *slot.Slot) int {
	bm := sl.SentBitmap()
	if bm == nil {
		return 0
	}
	total := 0
	bm.ForEachSet(func(seq int) {
		total += len(s.dgramPayload(sl, seq))
	})
	return total
}

// bytesReceived_unlocked returns sl.RecvSize once the transfer is
// complete, or an estimate (popcount * maxPayload) while it is still
// in progress, since the exact size of a partial transfer isn't known
// until its last dgram arrives.
func (s *Server) bytesReceived_unlocked(sl *slot.Slot) int {
	bm := sl.ReceivedBitmap()
	if bm == nil {
		return 0
	}
	if sl.RecvFullyReceived() {
		return sl.RecvSize
	}
	return bm.PopCount() * s.maxPayload()
}

// InterfaceCounters returns the raw atomic byte/packet counters.
func (s *Server) InterfaceCounters() InterfaceCounters {
	return InterfaceCounters{
		BytesIn:    loadInt64(&s.counters.BytesIn),
		BytesOut:   loadInt64(&s.counters.BytesOut),
		PacketsIn:  loadInt64(&s.counters.PacketsIn),
		PacketsOut: loadInt64(&s.counters.PacketsOut),
	}
}
