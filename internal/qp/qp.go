// Package qp keeps the queue-pair tables of the communicator runtime: for
// every (port, remote rank, QP-set, slot) the hardware queue-pair number the
// device handed out. The scale-up variant is device wide and partitioned by
// communicator; the scale-out variant belongs to one communicator and is
// sized to its rank count.
package qp

import (
	"errors"
	"fmt"
	"math"

	"github.com/piwi3910/hcclrt/pkg/hccltypes"
)

// InvalidQPN is returned by lookups of unregistered slots. QP number zero is
// reserved by the fabric and never handed out for a connection.
const InvalidQPN uint32 = 0

// reservedQPN marks a slot that was allocated but not yet registered.
const reservedQPN uint32 = math.MaxUint32

var (
	ErrOutOfRange   = errors.New("queue pair hints out of range")
	ErrNotAllocated = errors.New("queue pair slot not allocated")
	ErrUnknownPort  = errors.New("port not managed by this table")
)

// Hints is the query key used for allocation, registration and reverse lookup.
type Hints struct {
	Comm       hccltypes.CommID
	RemoteRank hccltypes.Rank
	Port       hccltypes.Port
	Set        uint32
	Slot       uint32
	QPN        uint32
}

func (h Hints) String() string {
	return fmt.Sprintf("comm=%d rank=%d port=%d set=%d slot=%d qpn=%d",
		h.Comm, h.RemoteRank, h.Port, h.Set, h.Slot, h.QPN)
}

// SlotRef addresses one allocated slot inside a table.
type SlotRef struct {
	Index int
}

// Table is the contract shared by the scale-up and scale-out variants.
type Table interface {
	// Allocate reserves the slot addressed by h.
	Allocate(h Hints) (SlotRef, error)
	// Register stores qpns for slots 0..len(qpns)-1 of set h.Set. Every slot
	// must have been allocated.
	Register(h Hints, qpns []uint32) error
	// LookupNumber returns the registered QP number or InvalidQPN.
	LookupNumber(h Hints) uint32
	// LookupSlot finds the hints of a registered QP number on port.
	LookupSlot(comm hccltypes.CommID, port hccltypes.Port, qpn uint32) (Hints, bool)
	// Invalidate clears a single slot.
	Invalidate(h Hints)
	// Release drops every entry of comm owned by ranks.
	Release(comm hccltypes.CommID, ranks []hccltypes.Rank)
}

// SetPolicy computes how many QP-sets a connection opens.
type SetPolicy struct {
	// Threshold is the communicator size above which fewer sets are opened.
	Threshold int
	// MaxSets is the set count for communicators at or below Threshold.
	MaxSets int
	// HWQPLimit bounds the total QPs a rank may open for one communicator.
	// Zero disables the bound.
	HWQPLimit int
	// SlotsPerSet is the number of QPs in one set.
	SlotsPerSet int
}

// SetsFor returns the number of QP-sets per connection for commSize ranks.
func (p SetPolicy) SetsFor(commSize int) int {
	sets := p.MaxSets
	if p.Threshold > 0 && commSize > p.Threshold {
		sets = p.MaxSets * p.Threshold / commSize
	}

	if p.HWQPLimit > 0 && commSize > 1 && p.SlotsPerSet > 0 {
		budget := p.HWQPLimit / ((commSize - 1) * p.SlotsPerSet)
		if sets > budget {
			sets = budget
		}
	}

	if sets < 1 {
		sets = 1
	}

	return sets
}
