package comm

import (
	"maps"

	"github.com/piwi3910/hcclrt/pkg/hccltypes"
)

// Counters is one snapshot of the API counters of a rank: how many
// collectives it issued and, per peer, how many sends and receives.
type Counters struct {
	Send       map[hccltypes.Rank]uint64 `json:"send,omitempty"`
	Recv       map[hccltypes.Rank]uint64 `json:"recv,omitempty"`
	Collective uint64                    `json:"collective"`
}

// NewCounters returns an empty snapshot.
func NewCounters() Counters {
	return Counters{
		Send: make(map[hccltypes.Rank]uint64),
		Recv: make(map[hccltypes.Rank]uint64),
	}
}

// Clone returns a deep copy.
func (c Counters) Clone() Counters {
	out := Counters{Collective: c.Collective, Send: maps.Clone(c.Send), Recv: maps.Clone(c.Recv)}
	if out.Send == nil {
		out.Send = make(map[hccltypes.Rank]uint64)
	}
	if out.Recv == nil {
		out.Recv = make(map[hccltypes.Rank]uint64)
	}
	return out
}

// Reached reports whether c is at or beyond target. Send and receive
// counters are compared only when compareSendRecv is set.
func (c Counters) Reached(target Counters, compareSendRecv bool) bool {
	if c.Collective < target.Collective {
		return false
	}

	if !compareSendRecv {
		return true
	}

	for peer, n := range target.Send {
		if c.Send[peer] < n {
			return false
		}
	}

	for peer, n := range target.Recv {
		if c.Recv[peer] < n {
			return false
		}
	}

	return true
}

// MaxTarget combines the frozen counters of every rank into the target
// rank me must reach before resuming. all is indexed by rank.
//
// The collective target is the maximum over all ranks. A send to P must
// cover what P has already received from me, a receive from P what P has
// already sent to me.
func MaxTarget(me hccltypes.Rank, all []Counters) Counters {
	target := NewCounters()

	for _, c := range all {
		if c.Collective > target.Collective {
			target.Collective = c.Collective
		}
	}

	if int(me) >= len(all) {
		return target
	}

	for peer, n := range all[me].Send {
		target.Send[peer] = n
	}
	for peer, n := range all[me].Recv {
		target.Recv[peer] = n
	}

	for i, c := range all {
		peer := hccltypes.Rank(i) //nolint:gosec // G115: bounded by comm size
		if peer == me {
			continue
		}
		if n := c.Recv[me]; n > target.Send[peer] {
			target.Send[peer] = n
		}
		if n := c.Send[me]; n > target.Recv[peer] {
			target.Recv[peer] = n
		}
	}

	return target
}
