// Package faulttolerance relocates the queue pairs of a failed NIC port to a
// healthy one while API calls are held at a per-communicator gate, and moves
// them back once the port has been up for a settle delay.
package faulttolerance

import (
	"sync"

	"github.com/piwi3910/hcclrt/internal/metrics"
	"github.com/piwi3910/hcclrt/pkg/hcclerrors"
)

// State is the fault-tolerance state of one communicator.
type State int

const (
	StateIdle State = iota
	StateStopAPI
	StateCreateMigrationQPs
	StateMoveToRTS
	StateWaitMaxCounters
	StateCommUpdate
)

var stateNames = [...]string{"idle", "stop_api", "create_migration_qps", "move_to_rts", "wait_max_counters", "comm_update"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Gate holds API calls of one communicator while a migration runs. It is a
// monitor: calls block in Enter or WaitUntilReleased and are woken by
// ReleaseAll, by Wake after the admission target moved, or by Abort.
type Gate struct {
	cond    *sync.Cond
	state   State
	blocked int
	mu      sync.Mutex
	stopped bool
	aborted bool
}

// NewGate returns an open gate.
func NewGate() *Gate {
	g := &Gate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Enter admits one API call. While the gate is stopped a call is admitted
// only when below reports that its counter is still under the
// fault-tolerance target. count runs under the gate lock once the call is
// admitted and must increment the call's counter, so concurrent callers never
// overshoot the target.
func (g *Gate) Enter(below func() bool, count func()) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for {
		if g.aborted {
			return hcclerrors.ErrDestroyed
		}

		if !g.stopped || (below != nil && below()) {
			if count != nil {
				count()
			}
			return nil
		}

		g.waitLocked()
	}
}

// WaitUntilReleased blocks while the gate is stopped.
func (g *Gate) WaitUntilReleased() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for g.stopped && !g.aborted {
		g.waitLocked()
	}

	if g.aborted {
		return hcclerrors.ErrDestroyed
	}
	return nil
}

func (g *Gate) waitLocked() {
	g.blocked++
	metrics.APIBlockedCalls.Inc()

	g.cond.Wait()

	g.blocked--
	metrics.APIBlockedCalls.Dec()
}

// Stop closes the gate. freeze runs under the gate lock, after the last
// admitted call counted itself and before any other call can.
func (g *Gate) Stop(freeze func()) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.stopped {
		metrics.StoppedCommunicators.Inc()
	}

	g.stopped = true
	g.state = StateStopAPI

	if freeze != nil {
		freeze()
	}
}

// Wake re-evaluates the admission of every blocked call.
func (g *Gate) Wake() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.cond.Broadcast()
}

// ReleaseAll opens the gate and releases every blocked call.
func (g *Gate) ReleaseAll() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stopped {
		metrics.StoppedCommunicators.Dec()
	}

	g.stopped = false
	g.state = StateIdle
	g.cond.Broadcast()
}

// Abort releases every blocked call with ErrDestroyed. The gate stays closed
// for good.
func (g *Gate) Abort() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stopped {
		metrics.StoppedCommunicators.Dec()
		g.stopped = false
	}

	g.aborted = true
	g.cond.Broadcast()
}

// Stopped reports whether calls are currently held.
func (g *Gate) Stopped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.stopped
}

// Blocked returns the number of calls waiting at the gate.
func (g *Gate) Blocked() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.blocked
}

// State returns the fault-tolerance state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.state
}

func (g *Gate) setState(s State) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.state = s
}
