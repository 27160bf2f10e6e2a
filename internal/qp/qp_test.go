package qp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/hcclrt/pkg/hccltypes"
)

func TestScaleUpRoundTrip(t *testing.T) {
	table := NewScaleUpTable([]hccltypes.Port{0, 1, 2}, 2, 4)

	h := Hints{Comm: 3, RemoteRank: hccltypes.InvalidRank, Port: 1, Set: 1}
	for slot := uint32(0); slot < 4; slot++ {
		h.Slot = slot
		_, err := table.Allocate(h)
		require.NoError(t, err)
	}

	h.Slot = 0
	require.NoError(t, table.Register(h, []uint32{101, 102, 103, 104}))

	h.Slot = 2
	qpn := table.LookupNumber(h)
	assert.Equal(t, uint32(103), qpn)

	got, ok := table.LookupSlot(3, 1, qpn)
	require.True(t, ok)

	want := h
	want.QPN = qpn
	assert.Equal(t, want, got)
}

func TestScaleUpGrowsGeometrically(t *testing.T) {
	table := NewScaleUpTable([]hccltypes.Port{0}, 1, 1)
	assert.Equal(t, initialScaleUpComms, table.Capacity())

	_, err := table.Allocate(Hints{Comm: initialScaleUpComms})
	require.NoError(t, err)
	assert.Equal(t, 2*initialScaleUpComms, table.Capacity())

	_, err = table.Allocate(Hints{Comm: 100})
	require.NoError(t, err)
	assert.Equal(t, 101, table.Capacity())

	require.NoError(t, table.Register(Hints{Comm: 100}, []uint32{9}))
	assert.Equal(t, uint32(9), table.LookupNumber(Hints{Comm: 100}))
}

func TestScaleUpUnregisteredLookupIsInvalid(t *testing.T) {
	table := NewScaleUpTable([]hccltypes.Port{0, 1}, 1, 2)

	assert.Equal(t, InvalidQPN, table.LookupNumber(Hints{Comm: 0, Port: 1}))
	assert.Equal(t, InvalidQPN, table.LookupNumber(Hints{Comm: 5000, Port: 1}))
	assert.Equal(t, InvalidQPN, table.LookupNumber(Hints{Comm: 0, Port: 7}))

	_, err := table.Allocate(Hints{Comm: 0, Port: 1})
	require.NoError(t, err)
	assert.Equal(t, InvalidQPN, table.LookupNumber(Hints{Comm: 0, Port: 1}), "reserved slots are not registered")
}

func TestRegisterRequiresAllocation(t *testing.T) {
	up := NewScaleUpTable([]hccltypes.Port{0}, 1, 2)
	_, err := up.Allocate(Hints{Comm: 0, Slot: 0})
	require.NoError(t, err)
	assert.ErrorIs(t, up.Register(Hints{Comm: 0}, []uint32{1, 2}), ErrNotAllocated)

	out := NewScaleOutTable(0, 2, []hccltypes.Port{8}, 1, 1)
	assert.ErrorIs(t, out.Register(Hints{Comm: 0, RemoteRank: 1, Port: 8}, []uint32{5}), ErrNotAllocated)
}

func TestScaleUpRelease(t *testing.T) {
	table := NewScaleUpTable([]hccltypes.Port{0}, 1, 1)

	for _, comm := range []hccltypes.CommID{0, 1} {
		_, err := table.Allocate(Hints{Comm: comm})
		require.NoError(t, err)
		require.NoError(t, table.Register(Hints{Comm: comm}, []uint32{uint32(comm) + 10}))
	}

	table.Release(0, nil)

	assert.Equal(t, InvalidQPN, table.LookupNumber(Hints{Comm: 0}))
	assert.Equal(t, uint32(11), table.LookupNumber(Hints{Comm: 1}))
}

func registerScaleOut(t *testing.T, table *ScaleOutTable, h Hints, qpns []uint32) {
	t.Helper()

	for slot := range qpns {
		sh := h
		sh.Slot = uint32(slot)
		_, err := table.Allocate(sh)
		require.NoError(t, err)
	}
	require.NoError(t, table.Register(h, qpns))
}

func TestScaleOutRoundTrip(t *testing.T) {
	ports := []hccltypes.Port{8, 9, 10}
	table := NewScaleOutTable(1, 16, ports, 2, 2)

	assert.Equal(t, 6, table.Sets())
	assert.Equal(t, hccltypes.Port(9), table.HomePort(3))

	h := Hints{Comm: 1, RemoteRank: 12, Port: 9, Set: 3}
	registerScaleOut(t, table, h, []uint32{700, 701})

	h.Slot = 1
	qpn := table.LookupNumber(h)
	assert.Equal(t, uint32(701), qpn)

	got, ok := table.LookupSlot(1, 9, qpn)
	require.True(t, ok)

	want := h
	want.QPN = qpn
	assert.Equal(t, want, got)

	_, ok = table.LookupSlot(1, 8, qpn)
	assert.False(t, ok)
}

func TestScaleOutRejectsOutOfRange(t *testing.T) {
	table := NewScaleOutTable(0, 4, []hccltypes.Port{8}, 1, 2)

	_, err := table.Allocate(Hints{Comm: 0, RemoteRank: 4, Port: 8})
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, err = table.Allocate(Hints{Comm: 0, RemoteRank: 1, Port: 3})
	assert.ErrorIs(t, err, ErrUnknownPort)

	_, err = table.Allocate(Hints{Comm: 2, RemoteRank: 1, Port: 8})
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestScaleOutRepoint(t *testing.T) {
	table := NewScaleOutTable(0, 4, []hccltypes.Port{8, 9}, 1, 1)

	h := Hints{Comm: 0, RemoteRank: 2, Port: 8, Set: 0}
	registerScaleOut(t, table, h, []uint32{40})

	require.NoError(t, table.Repoint(h, 9, 90))

	assert.Equal(t, InvalidQPN, table.LookupNumber(h))
	moved := h
	moved.Port = 9
	assert.Equal(t, uint32(90), table.LookupNumber(moved))
	assert.Len(t, table.Registered(9), 1)
	assert.Empty(t, table.Registered(8))
}

func TestScaleOutRelease(t *testing.T) {
	table := NewScaleOutTable(0, 4, []hccltypes.Port{8}, 1, 1)

	for _, r := range []hccltypes.Rank{1, 2} {
		registerScaleOut(t, table, Hints{Comm: 0, RemoteRank: r, Port: 8}, []uint32{uint32(r) * 10})
	}

	table.Release(0, []hccltypes.Rank{1})

	assert.Equal(t, InvalidQPN, table.LookupNumber(Hints{Comm: 0, RemoteRank: 1, Port: 8}))
	assert.Equal(t, uint32(20), table.LookupNumber(Hints{Comm: 0, RemoteRank: 2, Port: 8}))
}

func TestSetPolicy(t *testing.T) {
	tests := []struct {
		name     string
		policy   SetPolicy
		commSize int
		want     int
	}{
		{"below threshold", SetPolicy{Threshold: 64, MaxSets: 4, SlotsPerSet: 2}, 16, 4},
		{"above threshold halves", SetPolicy{Threshold: 64, MaxSets: 4, SlotsPerSet: 2}, 128, 2},
		{"very large floors at one", SetPolicy{Threshold: 64, MaxSets: 4, SlotsPerSet: 2}, 8192, 1},
		{"hardware limit bounds sets", SetPolicy{Threshold: 1024, MaxSets: 4, HWQPLimit: 1000, SlotsPerSet: 2}, 251, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.SetsFor(tt.commSize))
		})
	}
}
