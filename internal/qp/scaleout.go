package qp

import (
	"fmt"
	"sync"

	"github.com/piwi3910/hcclrt/pkg/hccltypes"
)

// ScaleOutTable belongs to one communicator and addresses inter-node queue
// pairs by (remote rank, sub-port, QP-set, slot). Set indices are global
// across the scale-out ports: set s is homed on sub-port s/setsPerPort, and a
// set is registered under exactly one sub-port at a time, which lets a
// migration move it to another port without colliding with that port's own
// sets.
type ScaleOutTable struct {
	portIndex   map[hccltypes.Port]int
	ports       []hccltypes.Port
	entries     []uint32
	comm        hccltypes.CommID
	commSize    int
	setsPerPort int
	sets        int
	slots       int
	mu          sync.RWMutex
}

// NewScaleOutTable creates a table sized for commSize ranks.
func NewScaleOutTable(comm hccltypes.CommID, commSize int, ports []hccltypes.Port, setsPerPort, slots int) *ScaleOutTable {
	t := &ScaleOutTable{
		portIndex:   make(map[hccltypes.Port]int, len(ports)),
		ports:       append([]hccltypes.Port(nil), ports...),
		comm:        comm,
		commSize:    commSize,
		setsPerPort: setsPerPort,
		sets:        setsPerPort * len(ports),
		slots:       slots,
	}

	for i, p := range ports {
		t.portIndex[p] = i
	}

	t.entries = make([]uint32, commSize*len(ports)*t.sets*slots)

	return t
}

// Ports returns the scale-out ports in sub-port order.
func (t *ScaleOutTable) Ports() []hccltypes.Port {
	return append([]hccltypes.Port(nil), t.ports...)
}

// Sets returns the global number of QP-sets per connection.
func (t *ScaleOutTable) Sets() int { return t.sets }

// SetsPerPort returns the number of sets homed on each scale-out port.
func (t *ScaleOutTable) SetsPerPort() int { return t.setsPerPort }

// Slots returns the number of QPs per set.
func (t *ScaleOutTable) Slots() int { return t.slots }

// HomePort returns the port set is created on at bootstrap.
func (t *ScaleOutTable) HomePort(set uint32) hccltypes.Port {
	return t.ports[int(set)/t.setsPerPort]
}

// SubPortIndex returns the sub-port index of port.
func (t *ScaleOutTable) SubPortIndex(port hccltypes.Port) (int, bool) {
	i, ok := t.portIndex[port]
	return i, ok
}

func (t *ScaleOutTable) index(h Hints) (int, error) {
	if h.Comm != t.comm {
		return 0, fmt.Errorf("%w: table of comm %d queried for %s", ErrOutOfRange, t.comm, h)
	}

	sp, ok := t.portIndex[h.Port]
	if !ok {
		return 0, fmt.Errorf("%w: port %d", ErrUnknownPort, h.Port)
	}

	if int(h.RemoteRank) >= t.commSize || int(h.Set) >= t.sets || int(h.Slot) >= t.slots {
		return 0, fmt.Errorf("%w: %s", ErrOutOfRange, h)
	}

	return ((int(h.RemoteRank)*len(t.ports)+sp)*t.sets+int(h.Set))*t.slots + int(h.Slot), nil
}

func (t *ScaleOutTable) Allocate(h Hints) (SlotRef, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, err := t.index(h)
	if err != nil {
		return SlotRef{}, err
	}

	if t.entries[idx] == InvalidQPN {
		t.entries[idx] = reservedQPN
	}

	return SlotRef{Index: idx}, nil
}

func (t *ScaleOutTable) Register(h Hints, qpns []uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

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

func (t *ScaleOutTable) LookupNumber(h Hints) uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()

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

// LookupSlot scans every rank, set and slot of port for qpn. It only runs on
// the teardown and migration paths.
func (t *ScaleOutTable) LookupSlot(comm hccltypes.CommID, port hccltypes.Port, qpn uint32) (Hints, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if comm != t.comm || qpn == InvalidQPN || qpn == reservedQPN {
		return Hints{}, false
	}

	if _, ok := t.portIndex[port]; !ok {
		return Hints{}, false
	}

	for rank := 0; rank < t.commSize; rank++ {
		for set := 0; set < t.sets; set++ {
			for slot := 0; slot < t.slots; slot++ {
				h := Hints{
					Comm:       comm,
					RemoteRank: hccltypes.Rank(rank), //nolint:gosec // G115: bounded by commSize
					Port:       port,
					Set:        uint32(set),  //nolint:gosec // G115: bounded loop
					Slot:       uint32(slot), //nolint:gosec // G115: bounded loop
				}
				idx, _ := t.index(h)
				if t.entries[idx] == qpn {
					h.QPN = qpn
					return h, true
				}
			}
		}
	}

	return Hints{}, false
}

func (t *ScaleOutTable) Invalidate(h Hints) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if idx, err := t.index(h); err == nil {
		t.entries[idx] = InvalidQPN
	}
}

func (t *ScaleOutTable) Release(comm hccltypes.CommID, ranks []hccltypes.Rank) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if comm != t.comm {
		return
	}

	rankBlock := len(t.ports) * t.sets * t.slots
	for _, r := range ranks {
		if int(r) >= t.commSize {
			continue
		}
		block := t.entries[int(r)*rankBlock : (int(r)+1)*rankBlock]
		for i := range block {
			block[i] = InvalidQPN
		}
	}
}

// Registered lists every registered slot on port.
func (t *ScaleOutTable) Registered(port hccltypes.Port) []Hints {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if _, ok := t.portIndex[port]; !ok {
		return nil
	}

	var out []Hints
	for rank := 0; rank < t.commSize; rank++ {
		for set := 0; set < t.sets; set++ {
			for slot := 0; slot < t.slots; slot++ {
				h := Hints{
					Comm:       t.comm,
					RemoteRank: hccltypes.Rank(rank), //nolint:gosec // G115: bounded by commSize
					Port:       port,
					Set:        uint32(set),  //nolint:gosec // G115: bounded loop
					Slot:       uint32(slot), //nolint:gosec // G115: bounded loop
				}
				idx, _ := t.index(h)
				if qpn := t.entries[idx]; qpn != InvalidQPN && qpn != reservedQPN {
					h.QPN = qpn
					out = append(out, h)
				}
			}
		}
	}

	return out
}

// Repoint moves a registered slot from oldPort to newPort under the new QP
// number. Readers never observe the slot registered on both ports.
func (t *ScaleOutTable) Repoint(h Hints, newPort hccltypes.Port, newQPN uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	oldIdx, err := t.index(h)
	if err != nil {
		return err
	}

	nh := h
	nh.Port = newPort
	newIdx, err := t.index(nh)
	if err != nil {
		return err
	}

	t.entries[newIdx] = newQPN
	t.entries[oldIdx] = InvalidQPN

	return nil
}

var _ Table = (*ScaleOutTable)(nil)
