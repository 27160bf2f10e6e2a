package faulttolerance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/hcclrt/internal/comm"
	"github.com/piwi3910/hcclrt/internal/metrics"
	"github.com/piwi3910/hcclrt/internal/portwatch"
	"github.com/piwi3910/hcclrt/internal/qp"
	"github.com/piwi3910/hcclrt/internal/transport/rdma"
	"github.com/piwi3910/hcclrt/pkg/hcclerrors"
	"github.com/piwi3910/hcclrt/pkg/hccltypes"
)

const (
	directionFailover = "failover"
	directionFailback = "failback"

	defaultTimeout = 5 * time.Minute
)

const (
	stepRTS uint32 = iota + 1
	stepCounters
	stepDrained
)

var ErrNoHealthyPort = errors.New("no healthy scale-out port left")

// Config configures the controller.
type Config struct {
	// FailbackDelay is how long a port must stay up before its queue pairs
	// move back.
	FailbackDelay time.Duration
	// Timeout bounds every coordinator exchange of one run.
	Timeout time.Duration
	Enabled bool
	// CompareSendRecv makes WaitMaxCounters gate on per-peer send and
	// receive counters in addition to the collective counter.
	CompareSendRecv bool
}

// Exchanger is the coordinator channel a migration synchronizes over.
type Exchanger interface {
	Exchange(ctx context.Context, tag uint32, payload []byte) ([][]byte, error)
	Barrier(ctx context.Context, tag uint32) error
}

// Participant is one communicator of this process under fault tolerance.
type Participant interface {
	Comm() *comm.Communicator
	Gate() *Gate
	Exchanger() Exchanger
}

// Controller reacts to port events for every communicator of a process.
// Runs are serialized; the communicators of one run migrate concurrently.
type Controller struct {
	cfg     Config
	backend rdma.Backend
	members func() []Participant
	pending map[hccltypes.Port]*time.Timer
	failed  map[hccltypes.CommID]error
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	runMu   sync.Mutex
	mu      sync.Mutex
	mask    hccltypes.PortMask
	down    hccltypes.PortMask
}

// NewController creates a controller for the scale-out ports in mask.
// members lists the communicators to act on at the time of an event.
func NewController(cfg Config, backend rdma.Backend, mask hccltypes.PortMask, members func() []Participant) *Controller {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Controller{
		cfg:     cfg,
		backend: backend,
		members: members,
		pending: make(map[hccltypes.Port]*time.Timer),
		failed:  make(map[hccltypes.CommID]error),
		ctx:     ctx,
		cancel:  cancel,
		mask:    mask,
	}
}

// Run handles events until the channel closes or ctx is done.
func (c *Controller) Run(ctx context.Context, events <-chan portwatch.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Up {
				c.OnPortUp(ev)
			} else if err := c.OnPortDown(ctx, ev); err != nil {
				log.Error().Err(err).Uint32("port", uint32(ev.Port)).Msg("Port failover left communicators stopped")
			}
		}
	}
}

// Close cancels pending failbacks and waits for running ones.
func (c *Controller) Close() {
	c.mu.Lock()
	for port := range c.pending {
		c.cancelFailbackLocked(port)
	}
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

// DownPorts returns the scale-out ports currently down.
func (c *Controller) DownPorts() hccltypes.PortMask {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.down
}

// PortFor returns the port a set homed on home is created on: home while it
// is up, otherwise the port a failover of home moves its sets to.
func (c *Controller) PortFor(home hccltypes.Port) (hccltypes.Port, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.down.Has(home) {
		return home, nil
	}

	port, ok := c.healthyLocked().First()
	if !ok {
		return 0, fmt.Errorf("%w: port %d down", ErrNoHealthyPort, home)
	}

	return port, nil
}

// healthyLocked is the scale-out mask without the ports that are down.
func (c *Controller) healthyLocked() hccltypes.PortMask {
	return c.mask &^ c.down
}

// Failed returns the error that left comm stopped, if any.
func (c *Controller) Failed(id hccltypes.CommID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.failed[id]
}

// Forget drops the fail-closed record of a destroyed communicator.
func (c *Controller) Forget(id hccltypes.CommID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.failed, id)
}

// OnPortDown migrates every queue pair on the port to the lowest healthy
// scale-out port.
func (c *Controller) OnPortDown(ctx context.Context, ev portwatch.Event) error {
	if !c.cfg.Enabled || !c.mask.Has(ev.Port) {
		return nil
	}

	metrics.SetPortState(uint32(ev.Port), false)

	c.mu.Lock()
	c.down |= 1 << ev.Port
	if c.cancelFailbackLocked(ev.Port) {
		log.Info().Uint32("port", uint32(ev.Port)).Msg("Port went down again, failback cancelled")
	}
	healthy := c.healthyLocked()
	c.mu.Unlock()

	c.runMu.Lock()
	defer c.runMu.Unlock()

	newPort, ok := healthy.First()

	p := plan{
		direction: directionFailover,
		port:      ev.Port,
		newPort:   newPort,
		seq:       ev.Seq,
		slots: func(cm *comm.Communicator) []qp.Hints {
			return cm.SlotsOnPort(ev.Port, nil)
		},
	}
	if !ok {
		p.noPort = fmt.Errorf("%w: port %d down", ErrNoHealthyPort, ev.Port)
	}

	return c.runAll(ctx, p)
}

// OnPortUp schedules the failback of the port after the settle delay. The
// failback is cancelled when the port goes down again before it starts.
func (c *Controller) OnPortUp(ev portwatch.Event) {
	if !c.cfg.Enabled || !c.mask.Has(ev.Port) {
		return
	}

	metrics.SetPortState(uint32(ev.Port), true)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.down = c.down.Without(ev.Port)

	c.cancelFailbackLocked(ev.Port)

	var timer *time.Timer
	c.wg.Add(1)
	timer = time.AfterFunc(c.cfg.FailbackDelay, func() {
		defer c.wg.Done()

		c.mu.Lock()
		current, ok := c.pending[ev.Port]
		if !ok || current != timer {
			c.mu.Unlock()
			return
		}
		delete(c.pending, ev.Port)
		c.mu.Unlock()

		if err := c.failback(ev); err != nil {
			log.Error().Err(err).Uint32("port", uint32(ev.Port)).Msg("Port failback left communicators stopped")
		}
	})
	c.pending[ev.Port] = timer

	log.Info().
		Uint32("port", uint32(ev.Port)).
		Dur("delay", c.cfg.FailbackDelay).
		Msg("Port up, failback scheduled")
}

// cancelFailbackLocked stops the pending failback of port and reports
// whether there was one.
func (c *Controller) cancelFailbackLocked(port hccltypes.Port) bool {
	t, ok := c.pending[port]
	if !ok {
		return false
	}

	delete(c.pending, port)
	if t.Stop() {
		c.wg.Done()
	}

	return true
}

func (c *Controller) failback(ev portwatch.Event) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	c.mu.Lock()
	downAgain := c.down.Has(ev.Port)
	c.mu.Unlock()
	if downAgain {
		return nil
	}

	home := ev.Port
	others := c.mask.Without(home).Ports()

	return c.runAll(c.ctx, plan{
		direction: directionFailback,
		port:      home,
		newPort:   home,
		seq:       ev.Seq,
		slots: func(cm *comm.Communicator) []qp.Hints {
			var out []qp.Hints
			for _, q := range others {
				out = append(out, cm.SlotsOnPort(q, &home)...)
			}
			return out
		},
	})
}

// plan describes one run over every communicator.
type plan struct {
	noPort    error
	slots     func(cm *comm.Communicator) []qp.Hints
	direction string
	seq       uint64
	port      hccltypes.Port
	newPort   hccltypes.Port
}

// tag keeps the top bit clear; tags with it set belong to API barriers.
func (p plan) tag(step uint32) uint32 {
	dir := uint32(0)
	if p.direction == directionFailback {
		dir = 1
	}
	return uint32(p.seq&0x7fff)<<16 | uint32(p.port&0xff)<<8 | dir<<4 | step&0xf //nolint:gosec // G115: masked
}

func (c *Controller) runAll(ctx context.Context, p plan) error {
	var (
		g    errgroup.Group
		errs []error
		mu   sync.Mutex
	)

	for _, m := range c.members() {
		g.Go(func() error {
			if err := c.migrate(ctx, m, p); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}

	_ = g.Wait()

	return errors.Join(errs...)
}

// migrate runs the five steps for one communicator. Any failure leaves the
// communicator stopped.
func (c *Controller) migrate(ctx context.Context, m Participant, p plan) error {
	cm := m.Comm()
	if !cm.UsesScaleOut() || cm.Destroyed() {
		return nil
	}

	logger := log.With().
		Uint32("comm", uint32(cm.ID())).
		Uint32("rank", uint32(cm.MyRank())).
		Str("direction", p.direction).
		Uint32("port", uint32(p.port)).
		Logger()

	if err := c.Failed(cm.ID()); err != nil {
		logger.Warn().Err(err).Msg("Communicator is stopped after an earlier failure, skipping")
		return nil
	}

	slots := p.slots(cm)
	if len(slots) == 0 {
		return nil
	}

	start := time.Now()
	gate := m.Gate()

	gate.Stop(func() { cm.FreezeTarget() })
	logger.Info().Int("queue_pairs", len(slots)).Uint32("new_port", uint32(p.newPort)).Msg("API stopped for migration")

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if err := c.steps(ctx, m, p, slots, logger); err != nil {
		for _, rec := range cm.DropMigrations() {
			_ = c.backend.DestroyQueuePair(rec.NewPort, rec.NewQPN)
		}

		gate.setState(StateStopAPI)
		cm.SetAsyncError(err)

		c.mu.Lock()
		c.failed[cm.ID()] = err
		c.mu.Unlock()

		metrics.RecordMigration(p.direction, false, 0)
		logger.Error().Err(err).Msg("Migration failed, communicator stays stopped")

		return fmt.Errorf("comm %d: %w", cm.ID(), err)
	}

	metrics.RecordMigration(p.direction, true, time.Since(start))
	logger.Info().Dur("duration", time.Since(start)).Msg("Migration complete, API resumed")

	return nil
}

// rtsEntry advertises one migration queue pair to the remote rank it
// connects to.
type rtsEntry struct {
	Addr   hccltypes.PortAddress `json:"addr"`
	Remote hccltypes.Rank        `json:"remote"`
	Set    uint32                `json:"set"`
	Slot   uint32                `json:"slot"`
	QPN    uint32                `json:"qpn"`
}

type rtsPayload struct {
	Error   string     `json:"error,omitempty"`
	Entries []rtsEntry `json:"entries"`
}

func (c *Controller) steps(ctx context.Context, m Participant, p plan, slots []qp.Hints, logger zerolog.Logger) error {
	cm, gate, ex := m.Comm(), m.Gate(), m.Exchanger()
	me := cm.MyRank()

	// CreateMigrationQPs
	gate.setState(StateCreateMigrationQPs)

	createErr := p.noPort
	if createErr == nil {
		createErr = c.createMigrationQPs(cm, p, slots)
	}

	// MoveToRTS: the exchange doubles as the barrier guaranteeing every rank
	// created its queue pairs before any rank arms them.
	gate.setState(StateMoveToRTS)

	var local rtsPayload
	if createErr != nil {
		local.Error = createErr.Error()
	} else {
		addr, err := c.backend.PortAddress(p.newPort)
		if err != nil {
			createErr = err
			local.Error = err.Error()
		}
		for _, rec := range cm.Migrations() {
			local.Entries = append(local.Entries, rtsEntry{
				Addr:   addr,
				Remote: rec.Hints.RemoteRank,
				Set:    rec.Hints.Set,
				Slot:   rec.Hints.Slot,
				QPN:    rec.NewQPN,
			})
		}
	}

	payload, err := json.Marshal(local)
	if err != nil {
		return err
	}

	blobs, err := ex.Exchange(ctx, p.tag(stepRTS), payload)
	if err != nil {
		return hcclerrors.ErrTransportFailure.Wrap(err)
	}

	if createErr != nil {
		return createErr
	}

	remote := make([]rtsPayload, len(blobs))
	for r, b := range blobs {
		if err := json.Unmarshal(b, &remote[r]); err != nil {
			return hcclerrors.ErrTransportFailure.WithDetail("rts entries of rank %d: %v", r, err)
		}
		if remote[r].Error != "" {
			return hcclerrors.ErrResourceExhausted.WithDetail("rank %d: %s", r, remote[r].Error)
		}
	}

	for _, rec := range cm.Migrations() {
		peer := rec.Hints.RemoteRank
		if int(peer) >= len(remote) {
			return hcclerrors.ErrInternal.WithDetail("migration towards rank %d outside communicator", peer)
		}

		e, ok := findEntry(remote[peer].Entries, me, rec.Hints.Set, rec.Hints.Slot)
		if !ok {
			return hcclerrors.ErrInternal.WithDetail("rank %d has no migration qp for rank %d set %d slot %d", peer, me, rec.Hints.Set, rec.Hints.Slot)
		}

		addr := rdma.RemoteAddress{Addr: e.Addr, Rank: peer, QPN: e.QPN}
		if err := c.backend.SetReadyToReceive(rec.NewPort, rec.NewQPN, addr); err != nil {
			return fmt.Errorf("rtr %s: %w", rec.Hints, err)
		}
		if err := c.backend.SetReadyToSend(rec.NewPort, rec.NewQPN); err != nil {
			return fmt.Errorf("rts %s: %w", rec.Hints, err)
		}
	}

	logger.Debug().Msg("Migration queue pairs ready to send")

	// WaitMaxCounters
	gate.setState(StateWaitMaxCounters)

	frozen, err := json.Marshal(cm.Target())
	if err != nil {
		return err
	}

	blobs, err = ex.Exchange(ctx, p.tag(stepCounters), frozen)
	if err != nil {
		return hcclerrors.ErrTransportFailure.Wrap(err)
	}

	all := make([]comm.Counters, len(blobs))
	for r, b := range blobs {
		all[r] = comm.NewCounters()
		if err := json.Unmarshal(b, &all[r]); err != nil {
			return hcclerrors.ErrTransportFailure.WithDetail("counters of rank %d: %v", r, err)
		}
	}

	target := comm.MaxTarget(me, all)
	cm.SetTarget(target)
	gate.Wake()

	logger.Debug().Uint64("collective_target", target.Collective).Msg("Waiting for counters to reach target")

	if err := cm.WaitTargetReached(c.cfg.CompareSendRecv); err != nil {
		return err
	}

	if err := ex.Barrier(ctx, p.tag(stepDrained)); err != nil {
		return hcclerrors.ErrTransportFailure.Wrap(err)
	}

	// CommUpdate
	gate.setState(StateCommUpdate)

	recs, err := cm.CommitMigrations()
	for _, rec := range recs {
		if err := c.backend.DestroyQueuePair(rec.OldPort, rec.OldQPN); err != nil {
			logger.Warn().Err(err).Str("slot", rec.Hints.String()).Msg("Failed to destroy old queue pair")
		}
	}
	if err != nil {
		return err
	}

	gate.ReleaseAll()

	return nil
}

func (c *Controller) createMigrationQPs(cm *comm.Communicator, p plan, slots []qp.Hints) error {
	for _, h := range slots {
		newQPN, err := c.backend.MigrateQueuePair(h.Port, h.QPN, p.newPort)
		if err != nil {
			return fmt.Errorf("create migration qp for %s on port %d: %w", h, p.newPort, err)
		}

		cm.AddMigration(comm.MigrationRecord{
			Hints:   h,
			OldPort: h.Port,
			NewPort: p.newPort,
			OldQPN:  h.QPN,
			NewQPN:  newQPN,
		})
	}

	return nil
}

func findEntry(entries []rtsEntry, remote hccltypes.Rank, set, slot uint32) (rtsEntry, bool) {
	for _, e := range entries {
		if e.Remote == remote && e.Set == set && e.Slot == slot {
			return e, true
		}
	}
	return rtsEntry{}, false
}
