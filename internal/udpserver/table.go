package udpserver

import (
	"net/netip"

	"github.com/bet0x/open-source-search-engine/pkg/slot"
)

// table owns the fixed arena of slots plus the three intrusive lists
// (available, active, callback) and the open-addressed hash index used
// to look a Key up to its slot. Every method here assumes the caller
// already holds Server.mu, matching the original UdpServer's
// "_unlocked" convention.
type table struct {
	arena []slot.Slot

	buckets    []int32 // arena index, or -1 if empty
	bucketMask uint32

	availHead int32
	activeHead, activeTail int32
	cbHead, cbTail         int32

	numUsed         int32
	numUsedIncoming int32
}

const noSlot int32 = -1

// newTable allocates maxSlots slots up front (no further allocation
// happens on the hot send/recv path) and a hash index sized to the next
// power of two at least twice maxSlots, to keep linear-probe chains
// short even when the table is nearly full.
func newTable(maxSlots int) *table {
	if maxSlots <= 0 {
		maxSlots = 1
	}
	t := &table{
		arena:      make([]slot.Slot, maxSlots),
		activeHead: noSlot, activeTail: noSlot,
		cbHead: noSlot, cbTail: noSlot,
	}
	nb := nextPow2(maxSlots * 2)
	t.buckets = make([]int32, nb)
	t.bucketMask = uint32(nb - 1)
	for i := range t.buckets {
		t.buckets[i] = noSlot
	}

	t.availHead = noSlot
	for i := maxSlots - 1; i >= 0; i-- {
		s := t.slotAt(int32(i))
		s.ResetForArena(int32(i))
		t.pushAvail(int32(i))
	}
	return t
}

func nextPow2(n int) int {
	if n < 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func (t *table) slotAt(i int32) *slot.Slot { return &t.arena[i] }

func (t *table) hash(k slot.Key) uint32 {
	h := uint32(2166136261)
	mix := func(v uint32) {
		h ^= v
		h *= 16777619
	}
	mix(k.TransactionID)
	ip := k.Peer.Addr().As16()
	for i := 0; i < 16; i += 4 {
		mix(uint32(ip[i])<<24 | uint32(ip[i+1])<<16 | uint32(ip[i+2])<<8 | uint32(ip[i+3]))
	}
	mix(uint32(k.Peer.Port()))
	if k.Incoming {
		mix(1)
	}
	return h
}

// lookup returns the slot for key, or nil.
func (t *table) lookup(k slot.Key) *slot.Slot {
	mask := t.bucketMask
	i := t.hash(k) & mask
	for {
		idx := t.buckets[i]
		if idx == noSlot {
			return nil
		}
		s := t.slotAt(idx)
		if s.Key() == k {
			return s
		}
		i = (i + 1) & mask
	}
}

func (t *table) insertKey(k slot.Key, idx int32) {
	mask := t.bucketMask
	i := t.hash(k) & mask
	for t.buckets[i] != noSlot {
		i = (i + 1) & mask
	}
	t.buckets[i] = idx
}

// removeKey deletes k from the hash index using backward-shift deletion
// so subsequent lookups along the probe chain still terminate.
func (t *table) removeKey(k slot.Key) {
	mask := t.bucketMask
	i := t.hash(k) & mask
	for {
		idx := t.buckets[i]
		if idx == noSlot {
			return
		}
		if t.slotAt(idx).Key() == k {
			break
		}
		i = (i + 1) & mask
	}
	hole := i
	i = (i + 1) & mask
	for t.buckets[i] != noSlot {
		ih := t.hash(t.slotAt(t.buckets[i]).Key()) & mask
		// can this entry move back to fill hole?
		if probeDistance(ih, i, mask) >= probeDistance(ih, hole, mask) {
			t.buckets[hole] = t.buckets[i]
			hole = i
		}
		i = (i + 1) & mask
	}
	t.buckets[hole] = noSlot
}

func probeDistance(home, pos, mask uint32) uint32 {
	return (pos - home) & mask
}

// getEmpty pops a slot off the available list, binds it to key and
// direction, and links it into the hash index and the active list.
// Returns nil if the table is full.
func (t *table) getEmpty(k slot.Key, incoming bool, peer netip.AddrPort) *slot.Slot {
	idx := t.popAvail()
	if idx == noSlot {
		return nil
	}
	s := t.slotAt(idx)
	s.Bind(k, incoming, peer)
	t.insertKey(k, idx)
	t.pushActiveTail(idx)
	t.numUsed++
	if incoming {
		t.numUsedIncoming++
	}
	return s
}

// free unlinks slot from the active list and the hash index, removes it
// from the callback list if present, resets it, and returns it to the
// available list.
func (t *table) free(s *slot.Slot) {
	idx := s.Index()
	k := s.Key()
	incoming := s.Direction() == slot.Incoming

	t.removeActive(idx)
	t.removeCallback(idx)
	t.removeKey(k)

	s.ResetForArena(idx)
	t.pushAvail(idx)

	t.numUsed--
	if incoming {
		t.numUsedIncoming--
	}
}

func (t *table) popAvail() int32 {
	idx := t.availHead
	if idx == noSlot {
		return noSlot
	}
	s := t.slotAt(idx)
	t.availHead = s.AvailNext()
	return idx
}

func (t *table) pushAvail(idx int32) {
	s := t.slotAt(idx)
	s.SetAvailNext(t.availHead)
	t.availHead = idx
}

func (t *table) pushActiveTail(idx int32) {
	s := t.slotAt(idx)
	s.SetActiveLinks(t.activeTail, noSlot)
	if t.activeTail != noSlot {
		t.slotAt(t.activeTail).SetActiveNext(idx)
	} else {
		t.activeHead = idx
	}
	t.activeTail = idx
}

func (t *table) removeActive(idx int32) {
	s := t.slotAt(idx)
	prev, next := s.ActiveLinks()
	if prev != noSlot {
		t.slotAt(prev).SetActiveNext(next)
	} else {
		t.activeHead = next
	}
	if next != noSlot {
		t.slotAt(next).SetActivePrev(prev)
	} else {
		t.activeTail = prev
	}
	s.SetActiveLinks(noSlot, noSlot)
}

// forEachActive calls fn for every slot on the active list, in FIFO
// order, oldest first. fn must not mutate the active list.
func (t *table) forEachActive(fn func(s *slot.Slot)) {
	for i := t.activeHead; i != noSlot; {
		s := t.slotAt(i)
		i = s.ActiveNextPublic()
		fn(s)
	}
}

func (t *table) pushCallbackTail(idx int32) {
	s := t.slotAt(idx)
	if s.InCallbackList() {
		return
	}
	s.SetCallbackLinks(t.cbTail, noSlot)
	s.SetInCallbackList(true)
	if t.cbTail != noSlot {
		t.slotAt(t.cbTail).SetCallbackNext(idx)
	} else {
		t.cbHead = idx
	}
	t.cbTail = idx
}

func (t *table) popCallback() *slot.Slot {
	idx := t.cbHead
	if idx == noSlot {
		return nil
	}
	t.removeCallback(idx)
	return t.slotAt(idx)
}

func (t *table) removeCallback(idx int32) {
	s := t.slotAt(idx)
	if !s.InCallbackList() {
		return
	}
	prev, next := s.CallbackLinks()
	if prev != noSlot {
		t.slotAt(prev).SetCallbackNext(next)
	} else {
		t.cbHead = next
	}
	if next != noSlot {
		t.slotAt(next).SetCallbackPrev(prev)
	} else {
		t.cbTail = prev
	}
	s.SetCallbackLinks(noSlot, noSlot)
	s.SetInCallbackList(false)
}

func (t *table) numUsedSlots() int32         { return t.numUsed }
func (t *table) numUsedSlotsIncoming() int32 { return t.numUsedIncoming }
func (t *table) capacity() int               { return len(t.arena) }
