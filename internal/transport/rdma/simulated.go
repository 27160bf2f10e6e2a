package rdma

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/piwi3910/hcclrt/pkg/hcclerrors"
	"github.com/piwi3910/hcclrt/pkg/hccltypes"
)

const firstSimulatedQPN = 0x100

// SimulatedBackend tracks queue pairs in memory. Ports can be marked down to
// exercise failure paths, and an optional limit bounds the live queue pairs.
type SimulatedBackend struct {
	ports   map[hccltypes.Port]*simulatedPort
	qps     map[qpKey]*QPInfo
	metrics simulatedMetrics
	nextQPN uint32
	maxQPs  int
	mu      sync.RWMutex
}

type qpKey struct {
	port hccltypes.Port
	qpn  uint32
}

type simulatedPort struct {
	addr hccltypes.PortAddress
	down bool
}

type simulatedMetrics struct {
	created     atomic.Int64
	destroyed   atomic.Int64
	migrated    atomic.Int64
	transitions atomic.Int64
	errors      atomic.Int64
}

// NewSimulatedBackend creates a backend with the given ports. host
// distinguishes the addresses of different simulated devices.
func NewSimulatedBackend(host uint8, ports []hccltypes.Port) *SimulatedBackend {
	b := &SimulatedBackend{
		ports:   make(map[hccltypes.Port]*simulatedPort, len(ports)),
		qps:     make(map[qpKey]*QPInfo),
		nextQPN: firstSimulatedQPN,
	}

	for _, p := range ports {
		b.ports[p] = &simulatedPort{addr: hccltypes.PortAddress{
			Port: p,
			MAC:  [6]byte{0x02, 0x00, 0x00, host, 0x00, byte(p)},
			IP:   [4]byte{10, host, byte(p), 1},
		}}
	}

	return b
}

// SetMaxQueuePairs bounds the number of live queue pairs. Zero disables the
// bound.
func (b *SimulatedBackend) SetMaxQueuePairs(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maxQPs = n
}

// SetPortDown marks port down or up. Creation on a down port fails.
func (b *SimulatedBackend) SetPortDown(port hccltypes.Port, down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p, ok := b.ports[port]; ok {
		p.down = down
	}
}

// LiveQueuePairs returns the number of queue pairs on port.
func (b *SimulatedBackend) LiveQueuePairs(port hccltypes.Port) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for k := range b.qps {
		if k.port == port {
			n++
		}
	}

	return n
}

func (b *SimulatedBackend) createLocked(port hccltypes.Port, isSender bool, remote RemoteAddress) (uint32, error) {
	p, ok := b.ports[port]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownPort, port)
	}

	if p.down {
		return 0, hcclerrors.ErrResourceExhausted.Wrap(fmt.Errorf("%w: %d", ErrPortDown, port))
	}

	if b.maxQPs > 0 && len(b.qps) >= b.maxQPs {
		return 0, hcclerrors.ErrResourceExhausted.Wrap(ErrQPLimit)
	}

	qpn := b.nextQPN
	b.nextQPN++

	b.qps[qpKey{port, qpn}] = &QPInfo{
		Remote:   remote,
		Port:     port,
		QPN:      qpn,
		State:    QPStateInit,
		IsSender: isSender,
	}
	b.metrics.created.Add(1)

	return qpn, nil
}

func (b *SimulatedBackend) CreateQueuePair(port hccltypes.Port, isSender bool, remote RemoteAddress) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	qpn, err := b.createLocked(port, isSender, remote)
	if err != nil {
		b.metrics.errors.Add(1)
	}

	return qpn, err
}

func (b *SimulatedBackend) DestroyQueuePair(port hccltypes.Port, qpn uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := qpKey{port, qpn}
	if _, ok := b.qps[key]; !ok {
		b.metrics.errors.Add(1)
		return fmt.Errorf("%w: port %d qpn %d", ErrQPNotFound, port, qpn)
	}

	delete(b.qps, key)
	b.metrics.destroyed.Add(1)

	return nil
}

func (b *SimulatedBackend) MigrateQueuePair(oldPort hccltypes.Port, qpn uint32, newPort hccltypes.Port) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	old, ok := b.qps[qpKey{oldPort, qpn}]
	if !ok {
		b.metrics.errors.Add(1)
		return 0, fmt.Errorf("%w: port %d qpn %d", ErrQPNotFound, oldPort, qpn)
	}

	remote := old.Remote
	remote.QPN = 0

	newQPN, err := b.createLocked(newPort, old.IsSender, remote)
	if err != nil {
		b.metrics.errors.Add(1)
		return 0, err
	}

	b.metrics.migrated.Add(1)

	return newQPN, nil
}

func (b *SimulatedBackend) SetReadyToReceive(port hccltypes.Port, qpn uint32, remote RemoteAddress) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	info, ok := b.qps[qpKey{port, qpn}]
	if !ok {
		return fmt.Errorf("%w: port %d qpn %d", ErrQPNotFound, port, qpn)
	}

	if info.State != QPStateInit {
		return fmt.Errorf("%w: %s -> %s", ErrQPState, info.State, QPStateRTR)
	}

	if remote.QPN == 0 {
		return ErrNoRemoteAddr
	}

	info.Remote = remote
	info.State = QPStateRTR
	b.metrics.transitions.Add(1)

	return nil
}

func (b *SimulatedBackend) SetReadyToSend(port hccltypes.Port, qpn uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	info, ok := b.qps[qpKey{port, qpn}]
	if !ok {
		return fmt.Errorf("%w: port %d qpn %d", ErrQPNotFound, port, qpn)
	}

	if info.State != QPStateRTR {
		return fmt.Errorf("%w: %s -> %s", ErrQPState, info.State, QPStateRTS)
	}

	info.State = QPStateRTS
	b.metrics.transitions.Add(1)

	return nil
}

func (b *SimulatedBackend) QueryQueuePair(port hccltypes.Port, qpn uint32) (QPInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	info, ok := b.qps[qpKey{port, qpn}]
	if !ok {
		return QPInfo{}, fmt.Errorf("%w: port %d qpn %d", ErrQPNotFound, port, qpn)
	}

	return *info, nil
}

func (b *SimulatedBackend) PortAddress(port hccltypes.Port) (hccltypes.PortAddress, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	p, ok := b.ports[port]
	if !ok {
		return hccltypes.PortAddress{}, fmt.Errorf("%w: %d", ErrUnknownPort, port)
	}

	return p.addr, nil
}

func (b *SimulatedBackend) Stats() map[string]int64 {
	return map[string]int64{
		"qps_created":    b.metrics.created.Load(),
		"qps_destroyed":  b.metrics.destroyed.Load(),
		"qps_migrated":   b.metrics.migrated.Load(),
		"qp_transitions": b.metrics.transitions.Load(),
		"errors":         b.metrics.errors.Load(),
	}
}

var _ Backend = (*SimulatedBackend)(nil)
