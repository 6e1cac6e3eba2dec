package udpserver

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bet0x/open-source-search-engine/pkg/slot"
)

func key(txn uint32, incoming bool) slot.Key {
	return slot.Key{
		TransactionID: txn,
		Peer:          netip.MustParseAddrPort("127.0.0.1:9000"),
		Incoming:      incoming,
	}
}

func TestTableGetEmptyAndLookup(t *testing.T) {
	tbl := newTable(4)
	k := key(1, false)
	s := tbl.getEmpty(k, false, k.Peer)
	require.NotNil(t, s)
	require.Equal(t, k, s.Key())
	require.Equal(t, int32(1), tbl.numUsedSlots())

	got := tbl.lookup(k)
	require.Same(t, s, got)
}

func TestTableFullReturnsNil(t *testing.T) {
	tbl := newTable(2)
	require.NotNil(t, tbl.getEmpty(key(1, false), false, key(1, false).Peer))
	require.NotNil(t, tbl.getEmpty(key(2, false), false, key(2, false).Peer))
	require.Nil(t, tbl.getEmpty(key(3, false), false, key(3, false).Peer))
}

func TestTableFreeReturnsSlotToAvailable(t *testing.T) {
	tbl := newTable(1)
	k := key(1, false)
	s := tbl.getEmpty(k, false, k.Peer)
	require.NotNil(t, s)
	require.Nil(t, tbl.getEmpty(key(2, false), false, k.Peer))

	tbl.free(s)
	require.Equal(t, int32(0), tbl.numUsedSlots())
	require.Nil(t, tbl.lookup(k))

	s2 := tbl.getEmpty(key(2, false), false, k.Peer)
	require.NotNil(t, s2)
}

func TestTableIncomingCounterTracksDirection(t *testing.T) {
	tbl := newTable(4)
	tbl.getEmpty(key(1, true), true, key(1, true).Peer)
	tbl.getEmpty(key(2, false), false, key(2, false).Peer)

	require.Equal(t, int32(1), tbl.numUsedSlotsIncoming())
	require.Equal(t, int32(2), tbl.numUsedSlots())
}

func TestTableActiveListFIFOOrder(t *testing.T) {
	tbl := newTable(4)
	a := tbl.getEmpty(key(1, false), false, key(1, false).Peer)
	b := tbl.getEmpty(key(2, false), false, key(2, false).Peer)
	c := tbl.getEmpty(key(3, false), false, key(3, false).Peer)

	var order []int32
	tbl.forEachActive(func(s *slot.Slot) { order = append(order, s.Index()) })
	require.Equal(t, []int32{a.Index(), b.Index(), c.Index()}, order)
}

func TestTableRemoveActiveMiddleKeepsRestLinked(t *testing.T) {
	tbl := newTable(4)
	a := tbl.getEmpty(key(1, false), false, key(1, false).Peer)
	b := tbl.getEmpty(key(2, false), false, key(2, false).Peer)
	c := tbl.getEmpty(key(3, false), false, key(3, false).Peer)

	tbl.free(b)

	var order []int32
	tbl.forEachActive(func(s *slot.Slot) { order = append(order, s.Index()) })
	require.Equal(t, []int32{a.Index(), c.Index()}, order)
}

func TestTableCallbackListFIFO(t *testing.T) {
	tbl := newTable(4)
	a := tbl.getEmpty(key(1, false), false, key(1, false).Peer)
	b := tbl.getEmpty(key(2, false), false, key(2, false).Peer)

	tbl.pushCallbackTail(a.Index())
	tbl.pushCallbackTail(b.Index())

	require.Same(t, a, tbl.popCallback())
	require.Same(t, b, tbl.popCallback())
	require.Nil(t, tbl.popCallback())
}

func TestTableCallbackPushIsIdempotent(t *testing.T) {
	tbl := newTable(4)
	a := tbl.getEmpty(key(1, false), false, key(1, false).Peer)

	tbl.pushCallbackTail(a.Index())
	tbl.pushCallbackTail(a.Index())

	require.Same(t, a, tbl.popCallback())
	require.Nil(t, tbl.popCallback())
}

func TestTableHandlesManyKeysWithoutCollisionLoss(t *testing.T) {
	tbl := newTable(64)
	peer := netip.MustParseAddrPort("10.0.0.1:4000")
	for i := uint32(0); i < 64; i++ {
		k := slot.Key{TransactionID: i, Peer: peer, Incoming: false}
		require.NotNil(t, tbl.getEmpty(k, false, peer))
	}
	for i := uint32(0); i < 64; i++ {
		k := slot.Key{TransactionID: i, Peer: peer, Incoming: false}
		s := tbl.lookup(k)
		require.NotNil(t, s)
		require.Equal(t, k, s.Key())
	}
}
