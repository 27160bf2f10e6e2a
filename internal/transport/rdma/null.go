package rdma

import (
	"sync/atomic"

	"github.com/piwi3910/hcclrt/pkg/hccltypes"
)

// NullBackend hands out queue pair numbers without creating anything. It
// backs null-submission mode, where the runtime is exercised end to end but
// no traffic reaches the fabric.
type NullBackend struct {
	nextQPN atomic.Uint32
	created atomic.Int64
}

// NewNullBackend creates a null backend.
func NewNullBackend() *NullBackend {
	b := &NullBackend{}
	b.nextQPN.Store(firstSimulatedQPN - 1)

	return b
}

func (b *NullBackend) CreateQueuePair(hccltypes.Port, bool, RemoteAddress) (uint32, error) {
	b.created.Add(1)
	return b.nextQPN.Add(1), nil
}

func (b *NullBackend) DestroyQueuePair(hccltypes.Port, uint32) error { return nil }

func (b *NullBackend) MigrateQueuePair(hccltypes.Port, uint32, hccltypes.Port) (uint32, error) {
	b.created.Add(1)
	return b.nextQPN.Add(1), nil
}

func (b *NullBackend) SetReadyToReceive(hccltypes.Port, uint32, RemoteAddress) error { return nil }

func (b *NullBackend) SetReadyToSend(hccltypes.Port, uint32) error { return nil }

func (b *NullBackend) QueryQueuePair(port hccltypes.Port, qpn uint32) (QPInfo, error) {
	return QPInfo{Port: port, QPN: qpn, State: QPStateRTS}, nil
}

func (b *NullBackend) PortAddress(port hccltypes.Port) (hccltypes.PortAddress, error) {
	return hccltypes.PortAddress{Port: port}, nil
}

func (b *NullBackend) Stats() map[string]int64 {
	return map[string]int64{"qps_created": b.created.Load()}
}

var _ Backend = (*NullBackend)(nil)
