// Package comm holds the per-communicator state of one rank: its topology,
// the queue-pair tables for every port, the API counters and the
// fault-tolerance target they are compared against during migration.
package comm

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/hcclrt/internal/qp"
	"github.com/piwi3910/hcclrt/internal/topology"
	"github.com/piwi3910/hcclrt/pkg/hccltypes"
)

var (
	ErrDestroyed    = errors.New("communicator destroyed")
	ErrUnknownPort  = errors.New("port not used by communicator")
	ErrNotConnected = errors.New("rank not connected")
)

// Options configures a communicator.
type Options struct {
	// ScaleUp is the device-wide scale-up table. Nil for devices without a
	// scale-up fabric.
	ScaleUp *qp.ScaleUpTable
	// ScaleOutPorts are the ports of the inter-node fabric.
	ScaleOutPorts []hccltypes.Port
	// ScaleUpSets is the number of scale-up QP-sets the communicator opens.
	ScaleUpSets int
	// ScaleOutSetsPerPort is the number of scale-out QP-sets homed on each port.
	ScaleOutSetsPerPort int
	// SlotsPerSet is the number of QPs in one set.
	SlotsPerSet int
	ID          hccltypes.CommID
	UniqueID    hccltypes.UniqueID
}

// Communicator is the dynamic state of one rank in one communicator.
type Communicator struct {
	opts       Options
	topo       *topology.RankTopology
	scaleOut   *qp.ScaleOutTable
	counters   Counters
	target     Counters
	streams    map[hccltypes.StreamID]*sync.Mutex
	remote     []hccltypes.RemoteDeviceConnectionInfo
	migrations []MigrationRecord
	asyncErr   error
	cond       *sync.Cond
	mu         sync.Mutex
	streamsMu  sync.Mutex
	destroyed  bool
}

// New initializes a communicator of commSize ranks for myRank.
func New(commSize int, myRank hccltypes.Rank, localGroupSize int, opts Options) (*Communicator, error) {
	topo, err := topology.New(commSize, myRank, localGroupSize)
	if err != nil {
		return nil, err
	}

	if opts.SlotsPerSet <= 0 {
		opts.SlotsPerSet = 1
	}

	c := &Communicator{
		opts:     opts,
		topo:     topo,
		counters: NewCounters(),
		target:   NewCounters(),
		streams:  make(map[hccltypes.StreamID]*sync.Mutex),
		remote:   make([]hccltypes.RemoteDeviceConnectionInfo, commSize),
	}
	c.cond = sync.NewCond(&c.mu)

	if len(opts.ScaleOutPorts) > 0 && opts.ScaleOutSetsPerPort > 0 && !topo.ScaleUpOnly() {
		c.scaleOut = qp.NewScaleOutTable(opts.ID, commSize, opts.ScaleOutPorts, opts.ScaleOutSetsPerPort, opts.SlotsPerSet)
	}

	log.Debug().
		Uint32("comm", uint32(opts.ID)).
		Uint32("rank", uint32(myRank)).
		Int("size", commSize).
		Int("local_group", localGroupSize).
		Msg("Communicator initialized")

	return c, nil
}

// ID returns the process-local communicator id.
func (c *Communicator) ID() hccltypes.CommID { return c.opts.ID }

// UniqueID returns the cluster-wide communicator identity.
func (c *Communicator) UniqueID() hccltypes.UniqueID { return c.opts.UniqueID }

// Topology returns the rank views of the communicator.
func (c *Communicator) Topology() *topology.RankTopology { return c.topo }

// CommSize returns the number of ranks.
func (c *Communicator) CommSize() int { return c.topo.CommSize() }

// MyRank returns the caller's rank.
func (c *Communicator) MyRank() hccltypes.Rank { return c.topo.MyRank() }

// SlotsPerSet returns the number of QPs per set.
func (c *Communicator) SlotsPerSet() int { return c.opts.SlotsPerSet }

// ScaleUpSets returns the number of scale-up QP-sets.
func (c *Communicator) ScaleUpSets() int { return c.opts.ScaleUpSets }

// AddRemoteRank records r as connected.
func (c *Communicator) AddRemoteRank(r hccltypes.Rank, peer bool) error {
	return c.topo.AddRemoteRank(r, peer)
}

func (c *Communicator) InnerRanksExclusive() []hccltypes.Rank { return c.topo.InnerRanksExclusive() }
func (c *Communicator) InnerRanksInclusive() []hccltypes.Rank { return c.topo.InnerRanksInclusive() }
func (c *Communicator) OuterRanksExclusive() []hccltypes.Rank { return c.topo.OuterRanksExclusive() }
func (c *Communicator) OuterRanksInclusive() []hccltypes.Rank { return c.topo.OuterRanksInclusive() }
func (c *Communicator) ConnectedRanks() []hccltypes.Rank      { return c.topo.ConnectedRanks() }

// UsesScaleOut reports whether the communicator spans more than one local
// fabric group and therefore depends on the scale-out ports.
func (c *Communicator) UsesScaleOut() bool { return c.scaleOut != nil }

// ScaleOutTable returns the scale-out table, or nil for scale-up-only
// communicators.
func (c *Communicator) ScaleOutTable() *qp.ScaleOutTable { return c.scaleOut }

// ScaleUpTable returns the device-wide scale-up table.
func (c *Communicator) ScaleUpTable() *qp.ScaleUpTable { return c.opts.ScaleUp }

// TableFor resolves the queue-pair table serving port.
func (c *Communicator) TableFor(port hccltypes.Port) (qp.Table, error) {
	if c.scaleOut != nil {
		if _, ok := c.scaleOut.SubPortIndex(port); ok {
			return c.scaleOut, nil
		}
	}

	if c.opts.ScaleUp != nil && slices.Contains(c.opts.ScaleUp.Ports(), port) {
		return c.opts.ScaleUp, nil
	}

	return nil, fmt.Errorf("%w: %d", ErrUnknownPort, port)
}

// ScaleOutSets returns the global scale-out QP-set indices opened towards r.
// Peers open every set, non-peers only the first set of each port.
func (c *Communicator) ScaleOutSets(r hccltypes.Rank) []uint32 {
	if c.scaleOut == nil {
		return nil
	}

	per := c.scaleOut.SetsPerPort()
	ports := len(c.scaleOut.Ports())
	peer := c.topo.IsPeer(r)

	sets := make([]uint32, 0, per*ports)
	for p := 0; p < ports; p++ {
		for s := 0; s < per; s++ {
			if !peer && s > 0 {
				break
			}
			sets = append(sets, uint32(p*per+s)) //nolint:gosec // G115: bounded by set count
		}
	}

	return sets
}

// SetRemoteDevices stores the connection info of every rank, indexed by rank.
func (c *Communicator) SetRemoteDevices(infos []hccltypes.RemoteDeviceConnectionInfo) error {
	if len(infos) != c.CommSize() {
		return fmt.Errorf("got %d connection records for %d ranks", len(infos), c.CommSize())
	}

	for i := range infos {
		if int(infos[i].Header.Rank) != i {
			return fmt.Errorf("connection record %d carries rank %d", i, infos[i].Header.Rank)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.remote = slices.Clone(infos)

	return nil
}

// RemoteDevice returns the connection info of rank r.
func (c *Communicator) RemoteDevice(r hccltypes.Rank) (hccltypes.RemoteDeviceConnectionInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if int(r) >= len(c.remote) || !c.remote[r].IsPopulated() {
		return hccltypes.RemoteDeviceConnectionInfo{}, fmt.Errorf("%w: %d", ErrNotConnected, r)
	}

	return c.remote[r], nil
}

// RemoteDevices returns a copy of every rank's connection info.
func (c *Communicator) RemoteDevices() []hccltypes.RemoteDeviceConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	return slices.Clone(c.remote)
}

// SetAsyncError records the most recent internal fault.
func (c *Communicator) SetAsyncError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.asyncErr = err
}

// AsyncError returns the most recent internal fault, if any.
func (c *Communicator) AsyncError() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.asyncErr
}

// Destroy releases every QP table entry of the communicator and wakes any
// goroutine waiting on counters with ErrDestroyed.
func (c *Communicator) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.migrations = nil
	c.cond.Broadcast()
	c.mu.Unlock()

	unlock := c.LockAllStreams()
	defer unlock()

	ranks := c.ConnectedRanks()
	if c.scaleOut != nil {
		c.scaleOut.Release(c.opts.ID, ranks)
	}
	if c.opts.ScaleUp != nil {
		c.opts.ScaleUp.Release(c.opts.ID, ranks)
	}

	log.Debug().Uint32("comm", uint32(c.opts.ID)).Msg("Communicator destroyed")
}

// Destroyed reports whether Destroy was called.
func (c *Communicator) Destroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.destroyed
}

// ScaleOutQPN finds the port a scale-out slot is currently registered on and
// its queue pair number. The slot lives on its home port until migrated.
func (c *Communicator) ScaleOutQPN(r hccltypes.Rank, set, slot uint32) (hccltypes.Port, uint32) {
	if c.scaleOut == nil {
		return 0, qp.InvalidQPN
	}

	home := c.scaleOut.HomePort(set)
	h := qp.Hints{Comm: c.opts.ID, RemoteRank: r, Port: home, Set: set, Slot: slot}
	if qpn := c.scaleOut.LookupNumber(h); qpn != qp.InvalidQPN {
		return home, qpn
	}

	for _, p := range c.scaleOut.Ports() {
		if p == home {
			continue
		}
		h.Port = p
		if qpn := c.scaleOut.LookupNumber(h); qpn != qp.InvalidQPN {
			return p, qpn
		}
	}

	return 0, qp.InvalidQPN
}
