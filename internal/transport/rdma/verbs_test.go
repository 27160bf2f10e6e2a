package rdma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/hcclrt/pkg/hcclerrors"
	"github.com/piwi3910/hcclrt/pkg/hccltypes"
)

func TestSimulatedBackendLifecycle(t *testing.T) {
	backend := NewSimulatedBackend(1, []hccltypes.Port{8, 9})

	qpn, err := backend.CreateQueuePair(8, true, RemoteAddress{Rank: 2})
	require.NoError(t, err)
	assert.NotZero(t, qpn)

	info, err := backend.QueryQueuePair(8, qpn)
	require.NoError(t, err)
	assert.Equal(t, QPStateInit, info.State)

	err = backend.SetReadyToSend(8, qpn)
	require.ErrorIs(t, err, ErrQPState)

	addr, err := backend.PortAddress(9)
	require.NoError(t, err)

	require.NoError(t, backend.SetReadyToReceive(8, qpn, RemoteAddress{Rank: 2, Addr: addr, QPN: 0x200}))
	require.NoError(t, backend.SetReadyToSend(8, qpn))

	info, err = backend.QueryQueuePair(8, qpn)
	require.NoError(t, err)
	assert.Equal(t, QPStateRTS, info.State)
	assert.Equal(t, uint32(0x200), info.Remote.QPN)

	require.NoError(t, backend.DestroyQueuePair(8, qpn))
	require.ErrorIs(t, backend.DestroyQueuePair(8, qpn), ErrQPNotFound)

	stats := backend.Stats()
	assert.Equal(t, int64(1), stats["qps_created"])
	assert.Equal(t, int64(1), stats["qps_destroyed"])
	assert.Equal(t, int64(2), stats["qp_transitions"])
}

func TestSimulatedBackendMigrate(t *testing.T) {
	backend := NewSimulatedBackend(1, []hccltypes.Port{8, 9})

	old, err := backend.CreateQueuePair(8, false, RemoteAddress{Rank: 5, QPN: 0x300})
	require.NoError(t, err)

	moved, err := backend.MigrateQueuePair(8, old, 9)
	require.NoError(t, err)
	assert.NotEqual(t, old, moved)

	info, err := backend.QueryQueuePair(9, moved)
	require.NoError(t, err)
	assert.Equal(t, QPStateInit, info.State)
	assert.Equal(t, hccltypes.Rank(5), info.Remote.Rank)
	assert.Zero(t, info.Remote.QPN)

	assert.Equal(t, 1, backend.LiveQueuePairs(8))
	assert.Equal(t, 1, backend.LiveQueuePairs(9))
}

func TestSimulatedBackendPortDown(t *testing.T) {
	backend := NewSimulatedBackend(1, []hccltypes.Port{8, 9})
	backend.SetPortDown(9, true)

	_, err := backend.CreateQueuePair(9, true, RemoteAddress{})
	require.ErrorIs(t, err, ErrPortDown)
	assert.True(t, hcclerrors.IsClass(err, hcclerrors.ErrResourceExhausted))

	_, err = backend.CreateQueuePair(7, true, RemoteAddress{})
	require.ErrorIs(t, err, ErrUnknownPort)

	backend.SetPortDown(9, false)
	_, err = backend.CreateQueuePair(9, true, RemoteAddress{})
	require.NoError(t, err)
}

func TestSimulatedBackendQPLimit(t *testing.T) {
	backend := NewSimulatedBackend(1, []hccltypes.Port{8})
	backend.SetMaxQueuePairs(2)

	for i := 0; i < 2; i++ {
		_, err := backend.CreateQueuePair(8, true, RemoteAddress{})
		require.NoError(t, err)
	}

	_, err := backend.CreateQueuePair(8, true, RemoteAddress{})
	require.ErrorIs(t, err, ErrQPLimit)
	assert.Equal(t, hccltypes.ResultResourceExhausted, hcclerrors.ResultOf(err))
}

func TestNullBackend(t *testing.T) {
	backend := NewNullBackend()

	a, err := backend.CreateQueuePair(0, true, RemoteAddress{})
	require.NoError(t, err)
	b, err := backend.MigrateQueuePair(0, a, 1)
	require.NoError(t, err)

	assert.Equal(t, uint32(firstSimulatedQPN), a)
	assert.Equal(t, a+1, b)
	assert.Equal(t, int64(2), backend.Stats()["qps_created"])
}
