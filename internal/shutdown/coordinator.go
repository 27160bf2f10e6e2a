// Package shutdown sequences the graceful stop of the bootstrap coordinator
// process. Stages run in order, each under its own timeout:
//
//  1. draining: wait for communicators still under construction
//  2. http_servers: shut down the admin API
//  3. coordinator: close the bootstrap listener and every rank connection
//  4. portwatch: leave the port event gossip cluster
//  5. diagnostics: close the diagnostics store
//
// A failing stage is recorded and the sequence moves on.
package shutdown

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/hcclrt/internal/metrics"
)

// Phase names one stage of the sequence.
type Phase string

const (
	PhaseNone           Phase = "none"
	PhaseDraining       Phase = "draining"
	PhaseHTTPServers    Phase = "http_servers"
	PhaseCoordinator    Phase = "coordinator"
	PhasePortWatch      Phase = "portwatch"
	PhaseDiagnostics    Phase = "diagnostics"
	PhaseComplete       Phase = "complete"
	PhaseForcedShutdown Phase = "forced_shutdown"
)

var allPhases = []Phase{
	PhaseNone, PhaseDraining, PhaseHTTPServers, PhaseCoordinator,
	PhasePortWatch, PhaseDiagnostics, PhaseComplete, PhaseForcedShutdown,
}

const drainPollInterval = 50 * time.Millisecond

// Config bounds each stage. TotalTimeout caps the whole sequence and
// ForceTimeout is the grace after it before the sequence is reported as
// forced.
type Config struct {
	TotalTimeout       time.Duration
	DrainTimeout       time.Duration
	HTTPTimeout        time.Duration
	CoordinatorTimeout time.Duration
	CloseTimeout       time.Duration
	ForceTimeout       time.Duration
}

// DefaultConfig returns the timeouts used by the coordinator binary.
func DefaultConfig() Config {
	return Config{
		TotalTimeout:       30 * time.Second,
		DrainTimeout:       15 * time.Second,
		HTTPTimeout:        10 * time.Second,
		CoordinatorTimeout: 10 * time.Second,
		CloseTimeout:       5 * time.Second,
		ForceTimeout:       5 * time.Second,
	}
}

// ShutdownHook runs at the start of its phase.
type ShutdownHook func(ctx context.Context) error

// SessionCounter reports bootstrap sessions still under construction.
type SessionCounter interface {
	Constructing() int
}

// HTTPServerShutdown is a named server with graceful shutdown.
type HTTPServerShutdown interface {
	Name() string
	Shutdown(ctx context.Context) error
}

// StoppableWithContext is a component with a context-aware Stop method.
type StoppableWithContext interface {
	Stop(ctx context.Context) error
}

// ShutdownComponents lists what the sequence stops. Nil members are skipped.
type ShutdownComponents struct {
	Sessions    SessionCounter
	Coordinator StoppableWithContext
	PortWatch   io.Closer
	DiagStore   io.Closer
	HTTPServers []HTTPServerShutdown
}

// stage is one step of the sequence.
type stage struct {
	run     func(ctx context.Context) error
	phase   Phase
	timeout time.Duration
}

// Coordinator runs the shutdown sequence at most once.
type Coordinator struct {
	started  time.Time
	hooks    map[Phase][]ShutdownHook
	doneCh   chan struct{}
	phase    Phase
	errors   []error
	config   Config
	mu       sync.RWMutex
	shutdown atomic.Bool
}

// NewCoordinator creates a shutdown coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	return &Coordinator{
		config: cfg,
		phase:  PhaseNone,
		hooks:  make(map[Phase][]ShutdownHook),
		doneCh: make(chan struct{}),
	}
}

// RegisterHook adds a hook to phase.
func (c *Coordinator) RegisterHook(phase Phase, hook ShutdownHook) {
	c.mu.Lock()
	c.hooks[phase] = append(c.hooks[phase], hook)
	c.mu.Unlock()
}

// Phase returns the current phase.
func (c *Coordinator) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

// IsShuttingDown reports whether Shutdown was called.
func (c *Coordinator) IsShuttingDown() bool {
	return c.shutdown.Load()
}

// Done is closed when the sequence finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.doneCh
}

// Errors returns the failures recorded so far, in order.
func (c *Coordinator) Errors() []error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]error(nil), c.errors...)
}

// Shutdown runs the sequence. Concurrent and later calls return at once.
// Stage failures are collected in Errors rather than returned.
func (c *Coordinator) Shutdown(ctx context.Context, components ShutdownComponents) error {
	if !c.shutdown.CompareAndSwap(false, true) {
		log.Warn().Msg("Shutdown already in progress")
		return nil
	}

	c.started = time.Now()
	metrics.ShutdownStartTime.Set(float64(c.started.Unix()))
	log.Info().Msg("Initiating graceful shutdown")

	go c.watchForceTimeout(ctx)

	ctx, cancel := context.WithTimeout(ctx, c.config.TotalTimeout)
	defer cancel()

	for _, st := range c.stages(components) {
		c.enter(ctx, st.phase)
		if st.run == nil {
			continue
		}

		stageCtx, stageCancel := context.WithTimeout(ctx, st.timeout)
		err := st.run(stageCtx)
		stageCancel()

		if err != nil {
			c.addError(err)
		}
	}

	c.enter(ctx, PhaseComplete)
	close(c.doneCh)

	duration := time.Since(c.started)
	metrics.ShutdownDuration.Set(duration.Seconds())

	event := log.Info()
	if n := len(c.Errors()); n > 0 {
		event = log.Warn().Int("error_count", n)
	}
	event.Dur("duration", duration).Msg("Shutdown finished")

	return nil
}

func (c *Coordinator) stages(comp ShutdownComponents) []stage {
	stages := []stage{
		{phase: PhaseDraining, timeout: c.config.DrainTimeout},
		{phase: PhaseHTTPServers, timeout: c.config.HTTPTimeout},
		{phase: PhaseCoordinator, timeout: c.config.CoordinatorTimeout},
		{phase: PhasePortWatch, timeout: c.config.CloseTimeout},
		{phase: PhaseDiagnostics, timeout: c.config.CloseTimeout},
	}

	if comp.Sessions != nil {
		stages[0].run = func(ctx context.Context) error { return drain(ctx, comp.Sessions) }
	}
	if len(comp.HTTPServers) > 0 {
		stages[1].run = func(ctx context.Context) error { return c.stopServers(ctx, comp.HTTPServers) }
	}
	if comp.Coordinator != nil {
		stages[2].run = func(ctx context.Context) error {
			if err := comp.Coordinator.Stop(ctx); err != nil {
				log.Error().Err(err).Msg("Error stopping bootstrap coordinator")
				return err
			}
			metrics.ShutdownComponentsStopped.Inc()
			return nil
		}
	}
	if comp.PortWatch != nil {
		stages[3].run = closeWithin("portwatch", comp.PortWatch)
	}
	if comp.DiagStore != nil {
		stages[4].run = closeWithin("diagnostics_store", comp.DiagStore)
	}

	return stages
}

func (c *Coordinator) enter(ctx context.Context, phase Phase) {
	c.mu.Lock()
	from := c.phase
	c.phase = phase
	hooks := c.hooks[phase]
	c.mu.Unlock()

	log.Info().
		Str("from_phase", string(from)).
		Str("to_phase", string(phase)).
		Dur("elapsed", time.Since(c.started)).
		Msg("Shutdown phase transition")

	for _, p := range allPhases {
		v := 0.0
		if p == phase {
			v = 1
		}
		metrics.ShutdownPhase.WithLabelValues(string(p)).Set(v)
	}

	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			log.Error().Err(err).Str("phase", string(phase)).Msg("Shutdown hook failed")
			c.addError(err)
		}
	}
}

func (c *Coordinator) addError(err error) {
	c.mu.Lock()
	c.errors = append(c.errors, err)
	c.mu.Unlock()

	metrics.ShutdownErrorsTotal.Inc()
}

func (c *Coordinator) watchForceTimeout(ctx context.Context) {
	deadline := c.config.TotalTimeout + c.config.ForceTimeout

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case <-timer.C:
		c.enter(ctx, PhaseForcedShutdown)
		log.Warn().Dur("timeout", deadline).Msg("Force timeout reached, forcing shutdown")
	case <-c.doneCh:
	case <-ctx.Done():
	}
}

// drain waits until no session is under construction. Ready sessions live
// as long as their ranks and are not waited for.
func drain(ctx context.Context, sessions SessionCounter) error {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for {
		pending := sessions.Constructing()
		metrics.ShutdownConstructingSessions.Set(float64(pending))
		if pending == 0 {
			return nil
		}

		log.Debug().Int("constructing", pending).Msg("Waiting for bootstrap sessions")

		select {
		case <-ticker.C:
		case <-ctx.Done():
			log.Warn().Int("remaining", pending).Msg("Drain timeout, proceeding with shutdown")
			return ctx.Err()
		}
	}
}

// stopServers shuts every server down concurrently. Each failure is
// recorded on its own.
func (c *Coordinator) stopServers(ctx context.Context, servers []HTTPServerShutdown) error {
	var g errgroup.Group

	for _, srv := range servers {
		g.Go(func() error {
			if err := srv.Shutdown(ctx); err != nil {
				log.Error().Err(err).Str("server", srv.Name()).Msg("Error shutting down HTTP server")
				c.addError(err)
				return nil
			}
			log.Info().Str("server", srv.Name()).Msg("HTTP server shutdown complete")
			metrics.ShutdownComponentsStopped.Inc()
			return nil
		})
	}

	return g.Wait()
}

// closeWithin closes component in the background so a hung Close cannot
// hold the sequence past the stage timeout.
func closeWithin(name string, component io.Closer) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		done := make(chan error, 1)
		go func() { done <- component.Close() }()

		select {
		case err := <-done:
			if err != nil {
				log.Error().Err(err).Str("component", name).Msg("Error closing component")
				return fmt.Errorf("close %s: %w", name, err)
			}
			log.Info().Str("component", name).Msg("Component closed")
			metrics.ShutdownComponentsStopped.Inc()
			return nil
		case <-ctx.Done():
			log.Warn().Str("component", name).Msg("Timeout closing component")
			return ctx.Err()
		}
	}
}
