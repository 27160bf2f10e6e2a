// Package topology derives the rank views of a communicator: which remote
// ranks share the caller's local fabric group (inner), which need the
// inter-node fabric (outer), and which are connected as full peers. Views are
// computed lazily and cached until another remote rank is added.
package topology

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/piwi3910/hcclrt/pkg/hccltypes"
)

var ErrInvalidTopology = errors.New("invalid topology")

// Rank aliases the shared rank type.
type Rank = hccltypes.Rank

// RankTopology holds the rank set of one communicator as seen by one rank.
type RankTopology struct {
	remote         map[Rank]bool // remote rank -> peer
	cache          map[view][]Rank
	commSize       int
	localGroupSize int
	myRank         Rank
	mu             sync.Mutex
}

type view int

const (
	viewInnerExclusive view = iota
	viewInnerInclusive
	viewOuterExclusive
	viewOuterInclusive
	viewConnected
	viewPeers
	viewNonPeers
	viewScaleOutPeers
)

// New creates the topology for myRank in a communicator of commSize ranks
// split into local fabric groups of localGroupSize.
func New(commSize int, myRank Rank, localGroupSize int) (*RankTopology, error) {
	if commSize <= 0 || localGroupSize <= 0 {
		return nil, fmt.Errorf("%w: comm size %d, local group size %d", ErrInvalidTopology, commSize, localGroupSize)
	}

	if commSize%localGroupSize != 0 && commSize > localGroupSize {
		return nil, fmt.Errorf("%w: comm size %d is not a multiple of local group size %d",
			ErrInvalidTopology, commSize, localGroupSize)
	}

	if int(myRank) >= commSize {
		return nil, fmt.Errorf("%w: rank %d outside comm size %d", ErrInvalidTopology, myRank, commSize)
	}

	return &RankTopology{
		remote:         make(map[Rank]bool),
		cache:          make(map[view][]Rank),
		commSize:       commSize,
		localGroupSize: localGroupSize,
		myRank:         myRank,
	}, nil
}

// CommSize returns the number of ranks in the communicator.
func (t *RankTopology) CommSize() int { return t.commSize }

// MyRank returns the caller's rank.
func (t *RankTopology) MyRank() Rank { return t.myRank }

// LocalGroupSize returns the size of one local fabric group.
func (t *RankTopology) LocalGroupSize() int { return t.localGroupSize }

// GroupIndex returns the local fabric group of rank.
func (t *RankTopology) GroupIndex(r Rank) int {
	return int(r) / t.localGroupSize
}

// IndexInGroup returns the position of rank inside its group.
func (t *RankTopology) IndexInGroup(r Rank) int {
	return int(r) % t.localGroupSize
}

// RankAt returns the rank at position idx of group.
func (t *RankTopology) RankAt(group, idx int) Rank {
	return Rank(group*t.localGroupSize + idx) //nolint:gosec // G115: bounded by comm size
}

// NumGroups returns the number of local fabric groups.
func (t *RankTopology) NumGroups() int {
	return (t.commSize + t.localGroupSize - 1) / t.localGroupSize
}

// IsInner reports whether r shares the caller's local fabric group.
func (t *RankTopology) IsInner(r Rank) bool {
	return t.GroupIndex(r) == t.GroupIndex(t.myRank)
}

// ScaleUpOnly reports whether every rank of the communicator is inner.
func (t *RankTopology) ScaleUpOnly() bool {
	return t.commSize <= t.localGroupSize
}

// AddRemoteRank records r as connected. Peers open every QP-set; non-peers
// only a subset. Adding invalidates the cached views.
func (t *RankTopology) AddRemoteRank(r Rank, peer bool) error {
	if int(r) >= t.commSize || r == t.myRank {
		return fmt.Errorf("%w: cannot add remote rank %d", ErrInvalidTopology, r)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.remote[r] = peer
	clear(t.cache)

	return nil
}

// IsPeer reports whether r was added as a full peer.
func (t *RankTopology) IsPeer(r Rank) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.remote[r]
}

// IsConnected reports whether r was added.
func (t *RankTopology) IsConnected(r Rank) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.remote[r]
	return ok
}

func (t *RankTopology) get(v view) []Rank {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ranks, ok := t.cache[v]; ok {
		return ranks
	}

	var ranks []Rank
	for r, peer := range t.remote {
		if t.include(v, r, peer) {
			ranks = append(ranks, r)
		}
	}

	if v == viewInnerInclusive || v == viewOuterInclusive {
		ranks = append(ranks, t.myRank)
	}

	slices.Sort(ranks)
	t.cache[v] = ranks

	return ranks
}

func (t *RankTopology) include(v view, r Rank, peer bool) bool {
	switch v {
	case viewInnerExclusive, viewInnerInclusive:
		return t.IsInner(r)
	case viewOuterExclusive, viewOuterInclusive:
		return !t.IsInner(r)
	case viewConnected:
		return true
	case viewPeers:
		return peer
	case viewNonPeers:
		return !peer
	case viewScaleOutPeers:
		return !t.IsInner(r) && t.IndexInGroup(r) == t.IndexInGroup(t.myRank)
	default:
		return false
	}
}

// The returned slices are shared with the cache and must not be modified.

// InnerRanksExclusive returns connected ranks of the caller's group.
func (t *RankTopology) InnerRanksExclusive() []Rank { return t.get(viewInnerExclusive) }

// InnerRanksInclusive is InnerRanksExclusive plus the caller.
func (t *RankTopology) InnerRanksInclusive() []Rank { return t.get(viewInnerInclusive) }

// OuterRanksExclusive returns connected ranks outside the caller's group.
func (t *RankTopology) OuterRanksExclusive() []Rank { return t.get(viewOuterExclusive) }

// OuterRanksInclusive is OuterRanksExclusive plus the caller.
func (t *RankTopology) OuterRanksInclusive() []Rank { return t.get(viewOuterInclusive) }

// ConnectedRanks returns every added remote rank.
func (t *RankTopology) ConnectedRanks() []Rank { return t.get(viewConnected) }

// PeerRanks returns remote ranks added as full peers.
func (t *RankTopology) PeerRanks() []Rank { return t.get(viewPeers) }

// NonPeerRanks returns remote ranks added with a reduced set count.
func (t *RankTopology) NonPeerRanks() []Rank { return t.get(viewNonPeers) }

// ScaleOutPeers returns outer ranks at the caller's position in their group.
func (t *RankTopology) ScaleOutPeers() []Rank { return t.get(viewScaleOutPeers) }
