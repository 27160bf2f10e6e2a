package shutdown_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/hcclrt/internal/shutdown"
)

func testConfig() shutdown.Config {
	return shutdown.Config{
		TotalTimeout:       500 * time.Millisecond,
		DrainTimeout:       100 * time.Millisecond,
		HTTPTimeout:        50 * time.Millisecond,
		CoordinatorTimeout: 50 * time.Millisecond,
		CloseTimeout:       50 * time.Millisecond,
		ForceTimeout:       50 * time.Millisecond,
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := shutdown.DefaultConfig()

	assert.Equal(t, 30*time.Second, cfg.TotalTimeout)
	assert.Equal(t, 15*time.Second, cfg.DrainTimeout)
	assert.Equal(t, 10*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 10*time.Second, cfg.CoordinatorTimeout)
	assert.Equal(t, 5*time.Second, cfg.CloseTimeout)
	assert.Equal(t, 5*time.Second, cfg.ForceTimeout)
}

func TestNewCoordinator(t *testing.T) {
	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())

	require.NotNil(t, coord)
	assert.Equal(t, shutdown.PhaseNone, coord.Phase())
	assert.False(t, coord.IsShuttingDown())
	assert.Empty(t, coord.Errors())
}

func TestCoordinatorEmptyComponents(t *testing.T) {
	coord := shutdown.NewCoordinator(testConfig())

	require.NoError(t, coord.Shutdown(context.Background(), shutdown.ShutdownComponents{}))
	assert.Equal(t, shutdown.PhaseComplete, coord.Phase())
	assert.True(t, coord.IsShuttingDown())

	select {
	case <-coord.Done():
	default:
		t.Fatal("Done channel was not closed")
	}
}

func TestCoordinatorShutdownOnlyOnce(t *testing.T) {
	coord := shutdown.NewCoordinator(testConfig())
	srv := &mockHTTPServer{name: "admin"}
	components := shutdown.ShutdownComponents{HTTPServers: []shutdown.HTTPServerShutdown{srv}}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = coord.Shutdown(context.Background(), components)
		}()
	}
	wg.Wait()

	<-coord.Done()
	assert.Equal(t, int32(1), srv.calls.Load())
}

func TestCoordinatorRunsPhasesInOrder(t *testing.T) {
	coord := shutdown.NewCoordinator(testConfig())

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, name)
	}

	sessions := &mockSessions{}
	sessions.pending.Store(2)
	go func() {
		time.Sleep(20 * time.Millisecond)
		record("drained")
		sessions.pending.Store(0)
	}()

	components := shutdown.ShutdownComponents{
		Sessions:    sessions,
		HTTPServers: []shutdown.HTTPServerShutdown{&mockHTTPServer{name: "admin", onCall: func() { record("http") }}},
		Coordinator: &mockStopper{onCall: func() { record("coordinator") }},
		PortWatch:   &mockCloser{onCall: func() { record("portwatch") }},
		DiagStore:   &mockCloser{onCall: func() { record("diagstore") }},
	}

	require.NoError(t, coord.Shutdown(context.Background(), components))

	assert.Equal(t, []string{"drained", "http", "coordinator", "portwatch", "diagstore"}, order)
	assert.Empty(t, coord.Errors())
}

func TestCoordinatorDrainTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.DrainTimeout = 30 * time.Millisecond
	coord := shutdown.NewCoordinator(cfg)

	sessions := &mockSessions{}
	sessions.pending.Store(1)
	store := &mockCloser{}

	require.NoError(t, coord.Shutdown(context.Background(), shutdown.ShutdownComponents{
		Sessions:  sessions,
		DiagStore: store,
	}))

	require.Len(t, coord.Errors(), 1)
	assert.ErrorIs(t, coord.Errors()[0], context.DeadlineExceeded)
	assert.True(t, store.called.Load(), "later phases still run")
}

func TestCoordinatorCollectsErrors(t *testing.T) {
	coord := shutdown.NewCoordinator(testConfig())

	httpErr := errors.New("admin shutdown failed")
	stopErr := errors.New("coordinator stuck")

	require.NoError(t, coord.Shutdown(context.Background(), shutdown.ShutdownComponents{
		HTTPServers: []shutdown.HTTPServerShutdown{&mockHTTPServer{name: "admin", err: httpErr}},
		Coordinator: &mockStopper{err: stopErr},
	}))

	assert.Equal(t, []error{httpErr, stopErr}, coord.Errors())
}

func TestCoordinatorConcurrentHTTPServerShutdown(t *testing.T) {
	coord := shutdown.NewCoordinator(testConfig())

	servers := make([]shutdown.HTTPServerShutdown, 3)
	for i := range servers {
		servers[i] = &mockHTTPServer{name: "srv", delay: 30 * time.Millisecond}
	}

	start := time.Now()
	require.NoError(t, coord.Shutdown(context.Background(), shutdown.ShutdownComponents{HTTPServers: servers}))

	assert.Less(t, time.Since(start), 90*time.Millisecond)
	for _, s := range servers {
		assert.Equal(t, int32(1), s.(*mockHTTPServer).calls.Load())
	}
}

func TestCoordinatorTimeoutOnSlowClose(t *testing.T) {
	cfg := testConfig()
	cfg.CloseTimeout = 20 * time.Millisecond
	coord := shutdown.NewCoordinator(cfg)

	require.NoError(t, coord.Shutdown(context.Background(), shutdown.ShutdownComponents{
		DiagStore: &mockCloser{delay: 200 * time.Millisecond},
	}))

	require.Len(t, coord.Errors(), 1)
	assert.ErrorIs(t, coord.Errors()[0], context.DeadlineExceeded)
}

func TestCoordinatorHooks(t *testing.T) {
	coord := shutdown.NewCoordinator(testConfig())

	var called []shutdown.Phase
	for _, p := range []shutdown.Phase{shutdown.PhaseDraining, shutdown.PhaseCoordinator, shutdown.PhaseDiagnostics} {
		coord.RegisterHook(p, func(context.Context) error {
			called = append(called, p)
			return nil
		})
	}
	hookErr := errors.New("flush failed")
	coord.RegisterHook(shutdown.PhasePortWatch, func(context.Context) error { return hookErr })

	require.NoError(t, coord.Shutdown(context.Background(), shutdown.ShutdownComponents{}))

	assert.Equal(t, []shutdown.Phase{shutdown.PhaseDraining, shutdown.PhaseCoordinator, shutdown.PhaseDiagnostics}, called)
	assert.Equal(t, []error{hookErr}, coord.Errors())
}

// Mock implementations.

type mockSessions struct {
	pending atomic.Int64
}

func (m *mockSessions) Constructing() int {
	return int(m.pending.Load())
}

type mockHTTPServer struct {
	name   string
	err    error
	delay  time.Duration
	onCall func()
	calls  atomic.Int32
}

func (m *mockHTTPServer) Name() string {
	return m.name
}

func (m *mockHTTPServer) Shutdown(_ context.Context) error {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.onCall != nil {
		m.onCall()
	}
	m.calls.Add(1)

	return m.err
}

type mockStopper struct {
	err    error
	onCall func()
}

func (m *mockStopper) Stop(_ context.Context) error {
	if m.onCall != nil {
		m.onCall()
	}

	return m.err
}

type mockCloser struct {
	err    error
	delay  time.Duration
	onCall func()
	called atomic.Bool
}

func (m *mockCloser) Close() error {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.onCall != nil {
		m.onCall()
	}
	m.called.Store(true)

	return m.err
}
