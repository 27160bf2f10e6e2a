package comm

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/hcclrt/internal/qp"
	"github.com/piwi3910/hcclrt/pkg/hccltypes"
)

func newTestComm(t *testing.T, commSize int, me hccltypes.Rank, localGroup int) *Communicator {
	t.Helper()

	c, err := New(commSize, me, localGroup, Options{
		ID:                  3,
		ScaleUp:             qp.NewScaleUpTable([]hccltypes.Port{0, 1}, 2, 2),
		ScaleOutPorts:       []hccltypes.Port{8, 9},
		ScaleUpSets:         2,
		ScaleOutSetsPerPort: 2,
		SlotsPerSet:         2,
	})
	require.NoError(t, err)

	for r := 0; r < commSize; r++ {
		if hccltypes.Rank(r) != me {
			require.NoError(t, c.AddRemoteRank(hccltypes.Rank(r), true))
		}
	}

	return c
}

func TestSendRecvCountersMonotonic(t *testing.T) {
	c := newTestComm(t, 4, 0, 4)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.IncSendCounter(1)
		}()
		go func() {
			defer wg.Done()
			c.IncRecvCounter(2)
		}()
	}
	wg.Wait()

	prev := c.Counters().Send[1]
	for i := 0; i < 10; i++ {
		n := c.IncSendCounter(1)
		assert.Greater(t, n, prev)
		prev = n
	}

	got := c.Counters()
	assert.Equal(t, uint64(60), got.Send[1])
	assert.Equal(t, uint64(50), got.Recv[2])
	assert.Zero(t, got.Send[2])
	assert.Zero(t, got.Collective)
}

func TestMaxTarget(t *testing.T) {
	all := []Counters{
		{Collective: 5, Send: map[hccltypes.Rank]uint64{1: 3}, Recv: map[hccltypes.Rank]uint64{1: 1}},
		{Collective: 7, Send: map[hccltypes.Rank]uint64{0: 2}, Recv: map[hccltypes.Rank]uint64{0: 3}},
		{Collective: 6},
	}

	target := MaxTarget(0, all)
	assert.Equal(t, uint64(7), target.Collective)
	assert.Equal(t, uint64(3), target.Send[1])
	assert.Equal(t, uint64(2), target.Recv[1])

	target = MaxTarget(1, all)
	assert.Equal(t, uint64(7), target.Collective)
	assert.Equal(t, uint64(3), target.Recv[0])
	assert.Equal(t, uint64(2), target.Send[0])
}

func TestCountersReached(t *testing.T) {
	target := Counters{Collective: 2, Send: map[hccltypes.Rank]uint64{1: 1}}
	cur := Counters{Collective: 2}

	assert.True(t, cur.Reached(target, false))
	assert.False(t, cur.Reached(target, true))

	cur.Send = map[hccltypes.Rank]uint64{1: 1}
	assert.True(t, cur.Reached(target, true))
}

func TestWaitTargetReachedBlocksUntilCaughtUp(t *testing.T) {
	c := newTestComm(t, 2, 0, 2)
	c.SetTarget(Counters{Collective: 3})

	done := make(chan error, 1)
	go func() { done <- c.WaitTargetReached(true) }()

	for i := 0; i < 2; i++ {
		assert.True(t, c.BelowTarget(hccltypes.OpAllReduce, hccltypes.InvalidRank, true))
		c.IncCollectiveCounter()
	}

	select {
	case <-done:
		t.Fatal("released before reaching target")
	case <-time.After(50 * time.Millisecond):
	}

	c.IncCollectiveCounter()
	assert.False(t, c.BelowTarget(hccltypes.OpAllReduce, hccltypes.InvalidRank, true))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("not released after reaching target")
	}
}

func TestWaitTargetReleasedByDestroy(t *testing.T) {
	c := newTestComm(t, 2, 0, 2)
	c.SetTarget(Counters{Collective: 1})

	done := make(chan error, 1)
	go func() { done <- c.WaitTargetReached(false) }()

	c.Destroy()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrDestroyed)
	case <-time.After(time.Second):
		t.Fatal("waiter not released by destroy")
	}
}

func TestTableFor(t *testing.T) {
	multi := newTestComm(t, 4, 0, 2)
	require.True(t, multi.UsesScaleOut())

	table, err := multi.TableFor(8)
	require.NoError(t, err)
	assert.Same(t, multi.ScaleOutTable(), table)

	table, err = multi.TableFor(1)
	require.NoError(t, err)
	assert.Same(t, multi.ScaleUpTable(), table)

	_, err = multi.TableFor(5)
	require.ErrorIs(t, err, ErrUnknownPort)

	local := newTestComm(t, 2, 0, 2)
	assert.False(t, local.UsesScaleOut())
	_, err = local.TableFor(8)
	require.ErrorIs(t, err, ErrUnknownPort)
}

func TestScaleOutSetsForPeersAndNonPeers(t *testing.T) {
	c, err := New(4, 0, 2, Options{
		ID:                  1,
		ScaleOutPorts:       []hccltypes.Port{8, 9},
		ScaleOutSetsPerPort: 3,
		SlotsPerSet:         1,
	})
	require.NoError(t, err)
	require.NoError(t, c.AddRemoteRank(2, true))
	require.NoError(t, c.AddRemoteRank(3, false))

	assert.Equal(t, []uint32{0, 1, 2, 3, 4, 5}, c.ScaleOutSets(2))
	assert.Equal(t, []uint32{0, 3}, c.ScaleOutSets(3))
}

func TestCommitMigrationsRepoints(t *testing.T) {
	c := newTestComm(t, 4, 0, 2)
	table := c.ScaleOutTable()

	h := qp.Hints{Comm: 3, RemoteRank: 2, Port: 8, Set: 1}
	for slot := uint32(0); slot < 2; slot++ {
		h.Slot = slot
		_, err := table.Allocate(h)
		require.NoError(t, err)
	}
	h.Slot = 0
	require.NoError(t, table.Register(h, []uint32{40, 41}))

	home := hccltypes.Port(8)
	slots := c.SlotsOnPort(8, &home)
	require.Len(t, slots, 2)

	for i, s := range slots {
		c.AddMigration(MigrationRecord{Hints: s, OldPort: 8, NewPort: 9, OldQPN: s.QPN, NewQPN: uint32(90 + i)})
	}

	recs, err := c.CommitMigrations()
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Empty(t, c.Migrations())

	for _, rec := range recs {
		assert.Equal(t, qp.InvalidQPN, table.LookupNumber(rec.Hints))
		moved := rec.Hints
		moved.Port = rec.NewPort
		assert.Equal(t, rec.NewQPN, table.LookupNumber(moved))
	}

	assert.Empty(t, c.SlotsOnPort(8, nil))
	assert.Len(t, c.SlotsOnPort(9, &home), 2)
}

func TestCommitMigrationsDetectsStaleRecord(t *testing.T) {
	c := newTestComm(t, 4, 0, 2)

	c.AddMigration(MigrationRecord{
		Hints:   qp.Hints{Comm: 3, RemoteRank: 2, Port: 8},
		OldPort: 8,
		NewPort: 9,
		OldQPN:  77,
		NewQPN:  78,
	})

	_, err := c.CommitMigrations()
	require.Error(t, err)
}

func TestFailedCommitKeepsUnappliedRecords(t *testing.T) {
	c := newTestComm(t, 4, 0, 2)
	table := c.ScaleOutTable()

	h := qp.Hints{Comm: 3, RemoteRank: 2, Port: 8, Set: 1}
	for slot := uint32(0); slot < 2; slot++ {
		h.Slot = slot
		_, err := table.Allocate(h)
		require.NoError(t, err)
	}
	h.Slot = 0
	require.NoError(t, table.Register(h, []uint32{40, 41}))

	home := hccltypes.Port(8)
	slots := c.SlotsOnPort(8, &home)
	require.Len(t, slots, 2)

	good := MigrationRecord{Hints: slots[0], OldPort: 8, NewPort: 9, OldQPN: slots[0].QPN, NewQPN: 90}
	stale := MigrationRecord{Hints: slots[1], OldPort: 8, NewPort: 9, OldQPN: 77, NewQPN: 91}
	c.AddMigration(good)
	c.AddMigration(stale)

	applied, err := c.CommitMigrations()
	require.Error(t, err)
	assert.Equal(t, []MigrationRecord{good}, applied)

	moved := good.Hints
	moved.Port = 9
	assert.Equal(t, uint32(90), table.LookupNumber(moved))

	assert.Equal(t, []MigrationRecord{stale}, c.DropMigrations())
	assert.Empty(t, c.Migrations())
}

func TestLockAllStreamsExcludesSubmitters(t *testing.T) {
	c := newTestComm(t, 2, 0, 2)
	c.StreamLock(1)
	c.StreamLock(2)

	unlock := c.LockAllStreams()

	entered := make(chan struct{})
	go func() {
		_ = c.WithStream(2, func() error {
			close(entered)
			return nil
		})
	}()

	select {
	case <-entered:
		t.Fatal("submitter entered while streams were locked")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("submitter not admitted after unlock")
	}
}

func TestSetRemoteDevicesValidatesOrder(t *testing.T) {
	c := newTestComm(t, 2, 0, 2)

	infos := []hccltypes.RemoteDeviceConnectionInfo{
		{Header: hccltypes.RankInfoHeader{Rank: 1, LocalGroupSize: 2}},
		{Header: hccltypes.RankInfoHeader{Rank: 0, LocalGroupSize: 2}},
	}
	require.Error(t, c.SetRemoteDevices(infos))

	infos[0].Header.Rank, infos[1].Header.Rank = 0, 1
	require.NoError(t, c.SetRemoteDevices(infos))

	got, err := c.RemoteDevice(1)
	require.NoError(t, err)
	assert.Equal(t, hccltypes.Rank(1), got.Header.Rank)
}
