// Package hccl is the public face of the runtime: a ProcessContext owning the
// device and every communicator of the process, and the Communicator facade
// that bootstraps one rank and runs the collective API through the
// fault-tolerance gate.
package hccl

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/piwi3910/hcclrt/internal/bootstrap"
	"github.com/piwi3910/hcclrt/internal/device"
	"github.com/piwi3910/hcclrt/internal/faulttolerance"
	"github.com/piwi3910/hcclrt/internal/portwatch"
	"github.com/piwi3910/hcclrt/internal/transport/dispatch"
	"github.com/piwi3910/hcclrt/internal/verify"
	"github.com/piwi3910/hcclrt/pkg/hcclerrors"
	"github.com/piwi3910/hcclrt/pkg/hccltypes"
)

const (
	defaultCommSizeCap           = 8192
	defaultScaleUpSetsThreshold  = 64
	defaultScaleOutSetsThreshold = 256
	defaultMaxSetsPerConnection  = 4
	defaultHWQPLimit             = 16384
	defaultStreams               = 4
)

// Options configures a ProcessContext.
type Options struct {
	// Submitter receives work descriptors. Nil discards them.
	Submitter dispatch.Submitter
	// Notifier delivers port events to the fault-tolerance controller. Nil
	// disables port monitoring.
	Notifier portwatch.Notifier
	Logger   *zerolog.Logger

	Coordinator        string
	Compression        bootstrap.Compression
	Device             device.Config
	FT                 faulttolerance.Config
	CompressionMinSize int
	IOTimeout          time.Duration
	DialTrials         int
	DialBackoff        time.Duration

	CommSizeCap           int
	ScaleUpSetsThreshold  int
	ScaleOutSetsThreshold int
	MaxSetsPerConnection  int
	HWQPLimit             int
	// Streams is the number of stream handles created on the device.
	Streams int

	LogCollectives bool
	// Loopback synthesizes every remote rank in-process; no coordinator is
	// contacted.
	Loopback bool
}

func (o *Options) setDefaults() {
	if o.CommSizeCap <= 0 {
		o.CommSizeCap = defaultCommSizeCap
	}
	if o.ScaleUpSetsThreshold <= 0 {
		o.ScaleUpSetsThreshold = defaultScaleUpSetsThreshold
	}
	if o.ScaleOutSetsThreshold <= 0 {
		o.ScaleOutSetsThreshold = defaultScaleOutSetsThreshold
	}
	if o.MaxSetsPerConnection <= 0 {
		o.MaxSetsPerConnection = defaultMaxSetsPerConnection
	}
	if o.HWQPLimit < 0 {
		o.HWQPLimit = 0
	}
	if o.Streams <= 0 {
		o.Streams = defaultStreams
	}
	if o.Device.NullSubmission && o.Submitter == nil {
		o.Submitter = dispatch.Discard
	}
}

// ProcessContext is the process-wide root: the single device handle, the
// fault-tolerance controller reacting to its ports and the registry of live
// communicators.
type ProcessContext struct {
	opts    Options
	acquire singleflight.Group
	dev     *device.Device
	ctrl    *faulttolerance.Controller
	comms   map[hccltypes.CommID]*Communicator
	logger  zerolog.Logger
	stop    func()
	dumpKey string
	nextID  hccltypes.CommID
	mu      sync.Mutex
	closed  bool
}

// NewProcessContext creates a context. The device is acquired lazily by the
// first communicator.
func NewProcessContext(opts Options) *ProcessContext {
	opts.setDefaults()

	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	p := &ProcessContext{
		opts:   opts,
		comms:  make(map[hccltypes.CommID]*Communicator),
		logger: logger,
	}
	p.dumpKey = fmt.Sprintf("hccl-process-%p", p)
	verify.RegisterDump(p.dumpKey, p.dump)

	return p
}

// Device acquires the device on first use. Concurrent callers share one
// acquisition.
func (p *ProcessContext) Device() (*device.Device, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, hcclerrors.ErrDestroyed.WithDetail("process context closed")
	}
	if p.dev != nil {
		dev := p.dev
		p.mu.Unlock()
		return dev, nil
	}
	p.mu.Unlock()

	v, err, _ := p.acquire.Do("device", func() (any, error) {
		return p.openDevice()
	})
	if err != nil {
		return nil, err
	}

	return v.(*device.Device), nil
}

func (p *ProcessContext) openDevice() (*device.Device, error) {
	p.mu.Lock()
	if p.dev != nil {
		dev := p.dev
		p.mu.Unlock()
		return dev, nil
	}
	p.mu.Unlock()

	dev, err := device.Open(p.opts.Device)
	if err != nil {
		return nil, err
	}

	for i := 0; i < p.opts.Streams; i++ {
		dev.Streams().Create(hccltypes.StreamID(i)) //nolint:gosec // G115: bounded stream count
	}

	ctrl := faulttolerance.NewController(p.opts.FT, dev.Backend(), dev.ScaleOutMask(), p.participants)

	stop := func() {}
	if p.opts.Notifier != nil {
		events, unsubscribe := p.opts.Notifier.Subscribe()
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			ctrl.Run(ctx, events)
		}()
		stop = func() {
			cancel()
			unsubscribe()
			<-done
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		stop()
		ctrl.Close()
		_ = dev.Close()
		return nil, hcclerrors.ErrDestroyed.WithDetail("process context closed")
	}

	p.dev = dev
	p.ctrl = ctrl
	p.stop = stop

	return dev, nil
}

// Controller returns the fault-tolerance controller, or nil before the
// device was acquired.
func (p *ProcessContext) Controller() *faulttolerance.Controller {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.ctrl
}

// participants lists the communicators that take part in migrations.
// Loopback communicators have no remote side to coordinate with.
func (p *ProcessContext) participants() []faulttolerance.Participant {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]faulttolerance.Participant, 0, len(p.comms))
	for _, id := range p.sortedIDsLocked() {
		c := p.comms[id]
		if c.client != nil {
			out = append(out, c)
		}
	}

	return out
}

func (p *ProcessContext) sortedIDsLocked() []hccltypes.CommID {
	ids := make([]hccltypes.CommID, 0, len(p.comms))
	for id := range p.comms {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Communicator returns a live communicator by its process-local id.
func (p *ProcessContext) Communicator(id hccltypes.CommID) (*Communicator, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.comms[id]
	return c, ok
}

// Communicators returns every live communicator ordered by id.
func (p *ProcessContext) Communicators() []*Communicator {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*Communicator, 0, len(p.comms))
	for _, id := range p.sortedIDsLocked() {
		out = append(out, p.comms[id])
	}
	return out
}

func (p *ProcessContext) reserveID() (hccltypes.CommID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, hcclerrors.ErrDestroyed.WithDetail("process context closed")
	}

	id := p.nextID
	p.nextID++

	return id, nil
}

func (p *ProcessContext) register(c *Communicator) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return hcclerrors.ErrDestroyed.WithDetail("process context closed")
	}
	p.comms[c.ID()] = c

	return nil
}

func (p *ProcessContext) unregister(id hccltypes.CommID) {
	p.mu.Lock()
	ctrl := p.ctrl
	delete(p.comms, id)
	p.mu.Unlock()

	if ctrl != nil {
		ctrl.Forget(id)
	}
}

// Destroy destroys every communicator, stops port monitoring and releases
// the device.
func (p *ProcessContext) Destroy() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	comms := make([]*Communicator, 0, len(p.comms))
	for _, id := range p.sortedIDsLocked() {
		comms = append(comms, p.comms[id])
	}
	dev, ctrl, stop := p.dev, p.ctrl, p.stop
	p.mu.Unlock()

	for _, c := range comms {
		if err := c.Destroy(); err != nil {
			p.logger.Warn().Err(err).Uint32("comm", uint32(c.ID())).Msg("Failed to destroy communicator")
		}
	}

	if stop != nil {
		stop()
	}
	if ctrl != nil {
		ctrl.Close()
	}

	verify.UnregisterDump(p.dumpKey)

	if dev != nil {
		return dev.Close()
	}

	return nil
}

// dump logs the state of every communicator before a fail-fast exit.
func (p *ProcessContext) dump(reason string) {
	for _, c := range p.Communicators() {
		cm := c.comm
		counters := cm.Counters()
		ev := p.logger.Error().
			Str("reason", reason).
			Uint32("comm", uint32(cm.ID())).
			Str("unique_id", cm.UniqueID().String()).
			Uint32("rank", uint32(cm.MyRank())).
			Int("size", cm.CommSize()).
			Str("ft_state", c.gate.State().String()).
			Uint64("collectives", counters.Collective).
			Int("pending_migrations", len(cm.Migrations()))
		if err := cm.AsyncError(); err != nil {
			ev = ev.AnErr("async_error", err)
		}
		ev.Msg("Communicator state")
	}
}
