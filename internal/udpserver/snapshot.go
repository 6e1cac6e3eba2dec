package udpserver

import (
	"encoding/gob"
	"io"
	"time"

	"github.com/bet0x/open-source-search-engine/pkg/proto"
	"github.com/bet0x/open-source-search-engine/pkg/slot"
)

// snapshotFormatVersion is bumped whenever snapshotHeader or
// snapshotRecord's shape changes in a way that breaks decoding of
// older snapshots.
const snapshotFormatVersion = 1

// snapshotHeader is always the first record written to w, so a reader
// can tell which format version (and therefore which record layout)
// follows without any out-of-band metadata.
type snapshotHeader struct {
	Version   int
	Written   time.Time
	ServerID  string
}

// snapshotRecord describes one active slot at the moment
// SnapshotActiveSlots ran. It intentionally does not carry send/recv
// buffer contents, only enough to reconstruct progress: this is a
// diagnostics format, not a checkpoint/restore format.
type snapshotRecord struct {
	TransactionID  uint32
	Peer           string
	MsgType        uint8
	Incoming       bool
	AgeMillis      int64
	SendDgramCount int
	SentCount      int
	AckedCount     int
	RecvDgramCount int
	ReceivedCount  int
	ResendCount    int
}

// SnapshotActiveSlots writes a versioned, self-describing gob record
// stream to w: one snapshotHeader, followed by one snapshotRecord per
// currently active slot. If onlyMsgType is true, only slots whose
// MsgType equals msgType are included.
func (s *Server) SnapshotActiveSlots(w io.Writer, msgType proto.MsgType, onlyMsgType bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	enc := gob.NewEncoder(w)
	if err := enc.Encode(snapshotHeader{
		Version:  snapshotFormatVersion,
		Written:  time.Now(),
		ServerID: s.id.String(),
	}); err != nil {
		return err
	}

	now := time.Now()
	var encodeErr error
	s.table.forEachActive(func(sl *slot.Slot) {
		if encodeErr != nil {
			return
		}
		if onlyMsgType && proto.MsgType(sl.MsgType) != msgType {
			return
		}
		rec := snapshotRecord{
			TransactionID:  sl.Key().TransactionID,
			Peer:           sl.Peer().String(),
			MsgType:        sl.MsgType,
			Incoming:       sl.Direction() == slot.Incoming,
			AgeMillis:      now.Sub(sl.CreatedAt).Milliseconds(),
			SendDgramCount: sl.SendDgramCount,
			RecvDgramCount: sl.RecvDgramCount,
			ResendCount:    sl.ResendCount,
		}
		if bm := sl.SentBitmap(); bm != nil {
			rec.SentCount = bm.PopCount()
		}
		if bm := sl.AckedBitmap(); bm != nil {
			rec.AckedCount = bm.PopCount()
		}
		if bm := sl.ReceivedBitmap(); bm != nil {
			rec.ReceivedCount = bm.PopCount()
		}
		encodeErr = enc.Encode(rec)
	})
	return encodeErr
}

// ReadSnapshot decodes a stream written by SnapshotActiveSlots into a
// header and the slot records that followed it. It is a package-level
// function, not a Server method, since reading a snapshot has nothing
// to do with any particular live Server instance.
func ReadSnapshot(r io.Reader) (header snapshotHeader, records []snapshotRecord, err error) {
	dec := gob.NewDecoder(r)
	if err = dec.Decode(&header); err != nil {
		return header, nil, err
	}
	for {
		var rec snapshotRecord
		if err = dec.Decode(&rec); err != nil {
			if err == io.EOF {
				err = nil
			}
			return header, records, err
		}
		records = append(records, rec)
	}
}
