package udpserver

import "sync/atomic"

// addInt64 and loadInt64 back InterfaceCounters: updated without the
// transport mutex, exactly like the original's g_eth0BytesIn-style
// globals, since they are diagnostic counters, not state the
// send/recv/timer state machine depends on.
func addInt64(p *int64, delta int64) { atomic.AddInt64(p, delta) }
func loadInt64(p *int64) int64       { return atomic.LoadInt64(p) }
