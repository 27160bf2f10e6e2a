package qp

import (
	"fmt"
	"sync"

	"github.com/piwi3910/hcclrt/pkg/hccltypes"
)

const initialScaleUpComms = 8

// ScaleUpTable is the device-wide table for intra-fabric ports. Scale-up
// queue pairs are shared by every inner peer, so entries are indexed by
// (communicator, port, set, slot) only. Storage is one flat slice of
// fixed-size communicator blocks that grows geometrically.
type ScaleUpTable struct {
	portIndex map[hccltypes.Port]int
	ports     []hccltypes.Port
	entries   []uint32
	maxSets   int
	slots     int
	blockSize int
	mu        sync.RWMutex
}

// NewScaleUpTable creates a table for the given scale-up ports.
func NewScaleUpTable(ports []hccltypes.Port, maxSets, slots int) *ScaleUpTable {
	t := &ScaleUpTable{
		portIndex: make(map[hccltypes.Port]int, len(ports)),
		ports:     append([]hccltypes.Port(nil), ports...),
		maxSets:   maxSets,
		slots:     slots,
		blockSize: len(ports) * maxSets * slots,
	}

	for i, p := range ports {
		t.portIndex[p] = i
	}

	t.entries = make([]uint32, t.blockSize*initialScaleUpComms)

	return t
}

// Ports returns the scale-up ports managed by the table.
func (t *ScaleUpTable) Ports() []hccltypes.Port {
	return append([]hccltypes.Port(nil), t.ports...)
}

// Capacity returns the number of communicator blocks currently allocated.
func (t *ScaleUpTable) Capacity() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.capacityLocked()
}

func (t *ScaleUpTable) capacityLocked() int {
	if t.blockSize == 0 {
		return 0
	}
	return len(t.entries) / t.blockSize
}

func (t *ScaleUpTable) index(h Hints) (int, error) {
	pi, ok := t.portIndex[h.Port]
	if !ok {
		return 0, fmt.Errorf("%w: port %d", ErrUnknownPort, h.Port)
	}

	if int(h.Set) >= t.maxSets || int(h.Slot) >= t.slots {
		return 0, fmt.Errorf("%w: %s", ErrOutOfRange, h)
	}

	return int(h.Comm)*t.blockSize + (pi*t.maxSets+int(h.Set))*t.slots + int(h.Slot), nil
}

func (t *ScaleUpTable) growLocked(comm hccltypes.CommID) {
	capacity := t.capacityLocked()
	if int(comm) < capacity {
		return
	}

	newCap := capacity * 2
	if newCap <= int(comm) {
		newCap = int(comm) + 1
	}

	grown := make([]uint32, newCap*t.blockSize)
	copy(grown, t.entries)
	t.entries = grown
}

func (t *ScaleUpTable) Allocate(h Hints) (SlotRef, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.growLocked(h.Comm)

	idx, err := t.index(h)
	if err != nil {
		return SlotRef{}, err
	}

	if t.entries[idx] == InvalidQPN {
		t.entries[idx] = reservedQPN
	}

	return SlotRef{Index: idx}, nil
}

func (t *ScaleUpTable) Register(h Hints, qpns []uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if int(h.Comm) >= t.capacityLocked() {
		return fmt.Errorf("%w: %s", ErrNotAllocated, h)
	}

	if len(qpns) > t.slots {
		return fmt.Errorf("%w: %d qpns for %d slots", ErrOutOfRange, len(qpns), t.slots)
	}

	for slot, qpn := range qpns {
		sh := h
		sh.Slot = uint32(slot) //nolint:gosec // G115: bounded by slots
		idx, err := t.index(sh)
		if err != nil {
			return err
		}
		if t.entries[idx] == InvalidQPN {
			return fmt.Errorf("%w: %s", ErrNotAllocated, sh)
		}
		t.entries[idx] = qpn
	}

	return nil
}

func (t *ScaleUpTable) LookupNumber(h Hints) uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if int(h.Comm) >= t.capacityLocked() {
		return InvalidQPN
	}

	idx, err := t.index(h)
	if err != nil {
		return InvalidQPN
	}

	qpn := t.entries[idx]
	if qpn == reservedQPN {
		return InvalidQPN
	}

	return qpn
}

func (t *ScaleUpTable) LookupSlot(comm hccltypes.CommID, port hccltypes.Port, qpn uint32) (Hints, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if qpn == InvalidQPN || int(comm) >= t.capacityLocked() {
		return Hints{}, false
	}

	if _, ok := t.portIndex[port]; !ok {
		return Hints{}, false
	}

	for set := 0; set < t.maxSets; set++ {
		for slot := 0; slot < t.slots; slot++ {
			h := Hints{Comm: comm, RemoteRank: hccltypes.InvalidRank, Port: port, Set: uint32(set), Slot: uint32(slot)} //nolint:gosec // G115: bounded loop
			idx, _ := t.index(h)
			if t.entries[idx] == qpn {
				h.QPN = qpn
				return h, true
			}
		}
	}

	return Hints{}, false
}

func (t *ScaleUpTable) Invalidate(h Hints) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if int(h.Comm) >= t.capacityLocked() {
		return
	}

	if idx, err := t.index(h); err == nil {
		t.entries[idx] = InvalidQPN
	}
}

// Release clears the whole block of comm. Scale-up entries are not owned by
// individual ranks, so ranks is ignored.
func (t *ScaleUpTable) Release(comm hccltypes.CommID, _ []hccltypes.Rank) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if int(comm) >= t.capacityLocked() {
		return
	}

	block := t.entries[int(comm)*t.blockSize : (int(comm)+1)*t.blockSize]
	for i := range block {
		block[i] = InvalidQPN
	}
}

var _ Table = (*ScaleUpTable)(nil)
