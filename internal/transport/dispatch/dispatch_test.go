package dispatch

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/hcclrt/internal/comm"
	"github.com/piwi3910/hcclrt/internal/device"
	"github.com/piwi3910/hcclrt/internal/qp"
	"github.com/piwi3910/hcclrt/internal/verify"
	"github.com/piwi3910/hcclrt/pkg/hcclerrors"
	"github.com/piwi3910/hcclrt/pkg/hccltypes"
)

type recorder struct {
	mu  sync.Mutex
	got []WorkDescriptor
}

func (r *recorder) Submit(wd WorkDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, wd)
	return nil
}

// setup builds rank 0 of a 4-rank communicator split into two groups of two
// with every queue pair registered under qpn = 1000 + index.
func setup(t *testing.T) (*comm.Communicator, *device.Device) {
	t.Helper()

	dev, err := device.Open(device.Config{Generation: device.GenerationG3, LocalGroupSize: 2, NullSubmission: true})
	require.NoError(t, err)
	dev.Streams().Create(0)
	dev.Streams().Create(1)

	c, err := comm.New(4, 0, 2, comm.Options{
		ID:                  1,
		ScaleUp:             dev.ScaleUpTable(),
		ScaleOutPorts:       dev.ScaleOutPorts(),
		ScaleUpSets:         2,
		ScaleOutSetsPerPort: 1,
		SlotsPerSet:         dev.SlotsPerSet(),
	})
	require.NoError(t, err)
	require.NoError(t, c.AddRemoteRank(1, true))
	require.NoError(t, c.AddRemoteRank(2, true))
	require.NoError(t, c.AddRemoteRank(3, false))

	next := uint32(1000)
	qpns := func() []uint32 {
		out := make([]uint32, dev.SlotsPerSet())
		for i := range out {
			out[i] = next
			next++
		}
		return out
	}

	for _, p := range dev.ScaleUpPorts() {
		for set := uint32(0); set < 2; set++ {
			h := qp.Hints{Comm: 1, Port: p, Set: set}
			for slot := uint32(0); slot < uint32(dev.SlotsPerSet()); slot++ {
				h.Slot = slot
				_, err := dev.ScaleUpTable().Allocate(h)
				require.NoError(t, err)
			}
			h.Slot = 0
			require.NoError(t, dev.ScaleUpTable().Register(h, qpns()))
		}
	}

	table := c.ScaleOutTable()
	for _, r := range []hccltypes.Rank{2, 3} {
		for _, set := range c.ScaleOutSets(r) {
			h := qp.Hints{Comm: 1, RemoteRank: r, Port: table.HomePort(set), Set: set}
			for slot := uint32(0); slot < uint32(table.Slots()); slot++ {
				h.Slot = slot
				_, err := table.Allocate(h)
				require.NoError(t, err)
			}
			h.Slot = 0
			require.NoError(t, table.Register(h, qpns()))
		}
	}

	return c, dev
}

func TestCollectiveCallRoutes(t *testing.T) {
	c, dev := setup(t)
	rec := &recorder{}
	d := New(c, dev, rec)

	err := d.CollectiveCall(hccltypes.CollectiveParams{
		Op:       hccltypes.OpAllReduce,
		Count:    1024,
		DataType: hccltypes.DataTypeFloat32,
		Stream:   1,
	}, 7)
	require.NoError(t, err)

	require.Len(t, rec.got, 1)
	wd := rec.got[0]
	assert.Equal(t, uint64(7), wd.Sequence)
	assert.Equal(t, uint32(0x42), wd.Queue)

	// every scale-up port plus scale-out peer rank 2
	require.Len(t, wd.Routes, len(dev.ScaleUpPorts())+1)
	last := wd.Routes[len(wd.Routes)-1]
	assert.Equal(t, hccltypes.Rank(2), last.Remote)
	assert.NotEqual(t, qp.InvalidQPN, last.QPN)
}

func TestSendRecvCallScaleOut(t *testing.T) {
	c, dev := setup(t)
	rec := &recorder{}
	d := New(c, dev, rec)

	entry := hccltypes.SendRecvEntry{Remote: 3, Count: 16, DataType: hccltypes.DataTypeInt32, IsSend: true}
	require.NoError(t, d.SendRecvCall(3, entry, 1))

	entry.IsSend = false
	require.NoError(t, d.SendRecvCall(3, entry, 2))

	require.Len(t, rec.got, 2)
	send, recv := rec.got[0], rec.got[1]
	assert.Equal(t, hccltypes.OpSend, send.Params.Op)
	assert.Equal(t, hccltypes.OpRecv, recv.Params.Op)
	assert.Equal(t, hccltypes.Rank(3), send.Routes[0].Remote)
	assert.NotEqual(t, send.Routes[0].QPN, recv.Routes[0].QPN)
}

func TestSendRecvCallFollowsMigration(t *testing.T) {
	c, dev := setup(t)
	rec := &recorder{}
	d := New(c, dev, rec)

	home := c.ScaleOutTable().HomePort(0)
	slots := c.SlotsOnPort(home, nil)
	require.NotEmpty(t, slots)

	ports := dev.ScaleOutPorts()
	target := ports[len(ports)-1]
	for i, s := range slots {
		c.AddMigration(comm.MigrationRecord{Hints: s, OldPort: home, NewPort: target, OldQPN: s.QPN, NewQPN: uint32(5000 + i)})
	}
	_, err := c.CommitMigrations()
	require.NoError(t, err)

	entry := hccltypes.SendRecvEntry{Remote: 3, Count: 16, DataType: hccltypes.DataTypeInt32, IsSend: true}
	require.NoError(t, d.SendRecvCall(3, entry, 1))

	route := rec.got[0].Routes[0]
	assert.Equal(t, target, route.Port)
	assert.GreaterOrEqual(t, route.QPN, uint32(5000))
}

func TestInvalidStream(t *testing.T) {
	c, dev := setup(t)
	d := New(c, dev, nil)

	err := d.CollectiveCall(hccltypes.CollectiveParams{Op: hccltypes.OpBroadcast, Stream: 9}, 1)
	assert.True(t, hcclerrors.IsClass(err, hcclerrors.ErrInvalidArgument))
}

func TestDispatchAfterDestroy(t *testing.T) {
	c, dev := setup(t)
	rec := &recorder{}
	d := New(c, dev, rec)

	var failures []string
	verify.RegisterDump("dispatch-after-destroy", func(reason string) { failures = append(failures, reason) })
	t.Cleanup(func() { verify.UnregisterDump("dispatch-after-destroy") })

	c.Destroy()

	err := d.CollectiveCall(hccltypes.CollectiveParams{Op: hccltypes.OpAllReduce, Count: 8, Stream: 1}, 1)
	assert.True(t, hcclerrors.IsClass(err, hcclerrors.ErrDestroyed), "collective: %v", err)

	for _, remote := range []hccltypes.Rank{1, 3} {
		entry := hccltypes.SendRecvEntry{Remote: remote, Count: 8, DataType: hccltypes.DataTypeInt32, IsSend: true}
		err = d.SendRecvCall(remote, entry, 2)
		assert.True(t, hcclerrors.IsClass(err, hcclerrors.ErrDestroyed), "rank %d: %v", remote, err)
	}

	assert.Empty(t, rec.got)
	assert.Empty(t, failures)
}
