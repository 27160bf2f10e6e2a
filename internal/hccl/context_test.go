package hccl

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/hcclrt/internal/device"
	"github.com/piwi3910/hcclrt/internal/transport/dispatch"
	"github.com/piwi3910/hcclrt/internal/transport/rdma"
	"github.com/piwi3910/hcclrt/pkg/hcclerrors"
	"github.com/piwi3910/hcclrt/pkg/hccltypes"
)

func newLoopback(t *testing.T, gen device.Generation, localGroupSize int) *ProcessContext {
	t.Helper()

	proc := NewProcessContext(Options{
		Loopback: true,
		Device: device.Config{
			Backend:        rdma.NewSimulatedBackend(0, allPorts()),
			LocalGroupSize: localGroupSize,
			ScaleOutMask:   testScaleOut,
			Generation:     gen,
		},
	})
	t.Cleanup(func() { _ = proc.Destroy() })

	return proc
}

func newLoopbackComm(t *testing.T, proc *ProcessContext, size int, rank hccltypes.Rank) *Communicator {
	t.Helper()

	cm, err := proc.NewCommunicator(context.Background(), hccltypes.NewUniqueID(), size, rank)
	require.NoError(t, err)

	return cm
}

func liveQueuePairs(proc *ProcessContext) int {
	dev, _ := proc.Device()
	backend := dev.Backend().(*rdma.SimulatedBackend)

	n := 0
	for port := hccltypes.Port(0); port < numPorts; port++ {
		n += backend.LiveQueuePairs(port)
	}
	return n
}

func TestDeviceAcquiredOnce(t *testing.T) {
	proc := newLoopback(t, device.GenerationG3, 2)

	var g errgroup.Group
	devs := make([]*device.Device, 8)
	for i := range devs {
		g.Go(func() error {
			dev, err := proc.Device()
			devs[i] = dev
			return err
		})
	}
	require.NoError(t, g.Wait())

	for _, dev := range devs {
		assert.Same(t, devs[0], dev)
	}
	assert.NotNil(t, proc.Controller())
}

func TestLoopbackCommunicator(t *testing.T) {
	proc := newLoopback(t, device.GenerationG3, 2)
	cm := newLoopbackComm(t, proc, 4, 1)

	assert.True(t, cm.Comm().UsesScaleOut())
	assert.Equal(t, []hccltypes.Rank{0}, cm.Comm().InnerRanksExclusive())

	require.NoError(t, cm.AllReduce(0, 0, 1024, hccltypes.DataTypeFloat32, hccltypes.ReduceSum, 0))
	require.NoError(t, cm.Broadcast(0, 64, hccltypes.DataTypeInt8, 3, 1))
	require.NoError(t, cm.Send(3, 0, 16, hccltypes.DataTypeInt32, 0))
	require.NoError(t, cm.Recv(0, 0, 16, hccltypes.DataTypeInt32, 0))
	require.NoError(t, cm.Barrier(context.Background()))

	assert.Equal(t, uint64(2), cm.Comm().Counters().Collective)

	got, ok := proc.Communicator(cm.ID())
	require.True(t, ok)
	assert.Same(t, cm, got)
	assert.Empty(t, proc.participants())
}

func TestSubmitterSeesSequencedDescriptors(t *testing.T) {
	var (
		mu  sync.Mutex
		wds []dispatch.WorkDescriptor
	)

	proc := NewProcessContext(Options{
		Loopback: true,
		Submitter: dispatch.SubmitterFunc(func(wd dispatch.WorkDescriptor) error {
			mu.Lock()
			defer mu.Unlock()
			wds = append(wds, wd)
			return nil
		}),
		Device: device.Config{LocalGroupSize: 2, ScaleOutMask: testScaleOut, Generation: device.GenerationG3},
	})
	t.Cleanup(func() { _ = proc.Destroy() })

	cm := newLoopbackComm(t, proc, 4, 0)

	for i := 0; i < 3; i++ {
		require.NoError(t, cm.AllGather(0, 0, 32, hccltypes.DataTypeBFloat16, 2))
	}
	require.NoError(t, cm.Send(2, 0, 4, hccltypes.DataTypeUint8, 0))

	mu.Lock()
	defer mu.Unlock()

	require.Len(t, wds, 4)
	for i, wd := range wds[:3] {
		assert.Equal(t, uint64(i+1), wd.Sequence)
		assert.Equal(t, hccltypes.OpAllGather, wd.Params.Op)
		assert.Equal(t, cm.ID(), wd.Comm)
		// one route per scale-up port plus the scale-out peer.
		assert.Len(t, wd.Routes, numPorts-2+1)
	}

	send := wds[3]
	assert.Equal(t, hccltypes.OpSend, send.Params.Op)
	assert.Equal(t, uint64(1), send.Sequence)
	require.Len(t, send.Routes, 1)
	assert.Equal(t, hccltypes.Rank(2), send.Routes[0].Remote)
	assert.True(t, testScaleOut.Has(send.Routes[0].Port))
}

func TestNullSubmission(t *testing.T) {
	proc := NewProcessContext(Options{
		Loopback: true,
		Device: device.Config{
			LocalGroupSize: 2,
			Generation:     device.GenerationG2,
			NullSubmission: true,
		},
	})
	t.Cleanup(func() { _ = proc.Destroy() })

	cm := newLoopbackComm(t, proc, 2, 0)

	dev, err := proc.Device()
	require.NoError(t, err)
	assert.IsType(t, &rdma.NullBackend{}, dev.Backend())

	require.NoError(t, cm.AllReduce(0, 0, 8, hccltypes.DataTypeInt32, hccltypes.ReduceMax, 0))
	require.NoError(t, cm.Destroy())
}

func TestInvalidArguments(t *testing.T) {
	proc := newLoopback(t, device.GenerationG2, 2)
	cm := newLoopbackComm(t, proc, 4, 0)

	tests := []struct {
		name string
		call func() error
		want hcclerrors.Error
	}{
		{
			name: "zero count",
			call: func() error {
				return cm.AllReduce(0, 0, 0, hccltypes.DataTypeFloat32, hccltypes.ReduceSum, 0)
			},
			want: hcclerrors.ErrInvalidArgument,
		},
		{
			name: "unknown stream",
			call: func() error {
				return cm.AllReduce(0, 0, 8, hccltypes.DataTypeFloat32, hccltypes.ReduceSum, 99)
			},
			want: hcclerrors.ErrInvalidArgument,
		},
		{
			name: "root outside communicator",
			call: func() error {
				return cm.Broadcast(0, 8, hccltypes.DataTypeFloat32, 4, 0)
			},
			want: hcclerrors.ErrInvalidArgument,
		},
		{
			name: "bad reduce op",
			call: func() error {
				return cm.AllReduce(0, 0, 8, hccltypes.DataTypeFloat32, hccltypes.ReduceOp(42), 0)
			},
			want: hcclerrors.ErrInvalidArgument,
		},
		{
			name: "send to self",
			call: func() error {
				return cm.Send(0, 0, 8, hccltypes.DataTypeFloat32, 0)
			},
			want: hcclerrors.ErrInvalidArgument,
		},
		{
			name: "recv from rank outside communicator",
			call: func() error {
				return cm.Recv(7, 0, 8, hccltypes.DataTypeFloat32, 0)
			},
			want: hcclerrors.ErrInvalidArgument,
		},
		{
			name: "float64 reduction on g2",
			call: func() error {
				return cm.AllReduce(0, 0, 8, hccltypes.DataTypeFloat64, hccltypes.ReduceSum, 0)
			},
			want: hcclerrors.ErrUnsupported,
		},
		{
			name: "barrier on g2",
			call: func() error { return cm.Barrier(context.Background()) },
			want: hcclerrors.ErrUnsupported,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			assert.True(t, hcclerrors.IsClass(err, tt.want), "got %v", err)
		})
	}

	counters := cm.Comm().Counters()
	assert.Zero(t, counters.Collective)
	assert.Empty(t, counters.Send)
	assert.Empty(t, counters.Recv)
}

func TestNewCommunicatorRejectsBadArguments(t *testing.T) {
	proc := newLoopback(t, device.GenerationG3, 2)
	ctx := context.Background()

	_, err := proc.NewCommunicator(ctx, hccltypes.UniqueID{}, 2, 0)
	assert.True(t, hcclerrors.IsClass(err, hcclerrors.ErrInvalidArgument))

	_, err = proc.NewCommunicator(ctx, hccltypes.NewUniqueID(), 2, 2)
	assert.True(t, hcclerrors.IsClass(err, hcclerrors.ErrInvalidArgument))

	_, err = proc.NewCommunicator(ctx, hccltypes.NewUniqueID(), defaultCommSizeCap+1, 0)
	assert.True(t, hcclerrors.IsClass(err, hcclerrors.ErrInvalidArgument))

	// 3 ranks cannot be split into groups of 2.
	_, err = proc.NewCommunicator(ctx, hccltypes.NewUniqueID(), 3, 0)
	assert.True(t, hcclerrors.IsClass(err, hcclerrors.ErrInvalidArgument))

	assert.Empty(t, proc.Communicators())
}

func TestQueuePairExhaustionLeavesNothingBehind(t *testing.T) {
	backend := rdma.NewSimulatedBackend(0, allPorts())
	backend.SetMaxQueuePairs(10)

	proc := NewProcessContext(Options{
		Loopback: true,
		Device: device.Config{
			Backend:        backend,
			LocalGroupSize: 2,
			ScaleOutMask:   testScaleOut,
			Generation:     device.GenerationG3,
		},
	})
	t.Cleanup(func() { _ = proc.Destroy() })

	_, err := proc.NewCommunicator(context.Background(), hccltypes.NewUniqueID(), 4, 0)
	require.Error(t, err)
	assert.True(t, hcclerrors.IsClass(err, hcclerrors.ErrResourceExhausted))
	assert.Zero(t, liveQueuePairs(proc))
	assert.Empty(t, proc.Communicators())
}

func TestDestroyReleasesBlockedCalls(t *testing.T) {
	proc := newLoopback(t, device.GenerationG3, 2)
	cm := newLoopbackComm(t, proc, 4, 0)
	require.NotZero(t, liveQueuePairs(proc))

	cm.Gate().Stop(func() { cm.Comm().FreezeTarget() })

	done := make(chan error, 1)
	go func() {
		done <- cm.AllReduce(0, 0, 8, hccltypes.DataTypeFloat32, hccltypes.ReduceSum, 0)
	}()

	require.Eventually(t, func() bool { return cm.Gate().Blocked() == 1 }, testTimeout, 5*time.Millisecond)

	require.NoError(t, cm.Destroy())

	select {
	case err := <-done:
		assert.True(t, hcclerrors.IsClass(err, hcclerrors.ErrDestroyed), "got %v", err)
	case <-time.After(testTimeout):
		t.Fatal("blocked call was not released")
	}

	assert.Zero(t, liveQueuePairs(proc))
	assert.Empty(t, proc.Communicators())
	assert.Zero(t, cm.Comm().Counters().Collective)

	err := cm.AllReduce(0, 0, 8, hccltypes.DataTypeFloat32, hccltypes.ReduceSum, 0)
	assert.True(t, hcclerrors.IsClass(err, hcclerrors.ErrDestroyed))
	assert.NoError(t, cm.Destroy())
}

func TestDestroyedContextRejectsCommunicators(t *testing.T) {
	proc := newLoopback(t, device.GenerationG3, 2)
	cm := newLoopbackComm(t, proc, 2, 0)

	require.NoError(t, proc.Destroy())
	assert.True(t, cm.Comm().Destroyed())

	_, err := proc.NewCommunicator(context.Background(), hccltypes.NewUniqueID(), 2, 0)
	assert.True(t, hcclerrors.IsClass(err, hcclerrors.ErrDestroyed))
}
