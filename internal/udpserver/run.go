package udpserver

import (
	"context"
	"net/netip"
	"time"
)

// dgramResult is one datagram read off the socket by Run's dedicated
// reader goroutine and handed to the select loop for processing.
type dgramResult struct {
	buf  []byte
	from netip.AddrPort
}

// Run is a ready-to-use event loop for callers that don't already have
// their own reactor: a goroutine performs the blocking read so the
// rest of the transport stays single-threaded under Server.mu, and a
// ticker drives OnTick at Config.PollTime. It blocks until ctx is
// cancelled, then calls Shutdown with no deadline and returns. If the
// reader hits a read error other than a timeout, Run returns that error
// without calling Shutdown.
func (s *Server) Run(ctx context.Context) error {
	reads := make(chan dgramResult, 64)
	readErrs := make(chan error, 1)
	stopReader := make(chan struct{})
	readerDone := make(chan struct{})

	go func() {
		defer close(readerDone)
		buf := make([]byte, 65536)
		for {
			select {
			case <-stopReader:
				return
			default:
			}
			_ = s.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
			n, from, err := s.conn.ReadFromUDPAddrPort(buf)
			if err != nil {
				if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
					continue
				}
				select {
				case readErrs <- err:
				default:
				}
				return
			}
			cp := append([]byte(nil), buf[:n]...)
			select {
			case reads <- dgramResult{buf: cp, from: from}:
			case <-stopReader:
				return
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.PollTime)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(stopReader)
			<-readerDone
			s.drainPending(reads)
			return s.Shutdown(0)
		case err := <-readErrs:
			close(stopReader)
			return err
		case r := <-reads:
			s.mu.Lock()
			s.counters.addIn(len(r.buf))
			s.ingest_unlocked(r.buf, r.from)
			s.runCallbacks_unlocked()
			s.sendPoll_unlocked(true, time.Now())
			s.mu.Unlock()
		case <-ticker.C:
			s.OnTick()
		}
	}
}

// drainPending folds every dgram already buffered in reads into the
// slot table, taking Server.mu itself. Called after the reader
// goroutine has stopped
// but before anything else reads the socket, so none of its last batch
// of reads is lost: Shutdown's own OnReadable calls become the
// socket's sole reader from this point on.
func (s *Server) drainPending(reads <-chan dgramResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		select {
		case r := <-reads:
			s.counters.addIn(len(r.buf))
			s.ingest_unlocked(r.buf, r.from)
		default:
			s.runCallbacks_unlocked()
			s.sendPoll_unlocked(true, time.Now())
			return
		}
	}
}
