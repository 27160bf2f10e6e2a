package comm

import "github.com/piwi3910/hcclrt/pkg/hccltypes"

// IncCollectiveCounter counts one collective call. It must run before the
// call is handed to the transport.
func (c *Communicator) IncCollectiveCounter() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counters.Collective++
	c.cond.Broadcast()

	return c.counters.Collective
}

// IncSendCounter counts one send to peer.
func (c *Communicator) IncSendCounter(peer hccltypes.Rank) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counters.Send[peer]++
	c.cond.Broadcast()

	return c.counters.Send[peer]
}

// IncRecvCounter counts one receive from peer.
func (c *Communicator) IncRecvCounter(peer hccltypes.Rank) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counters.Recv[peer]++
	c.cond.Broadcast()

	return c.counters.Recv[peer]
}

// Counters returns a snapshot of the current counters.
func (c *Communicator) Counters() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.counters.Clone()
}

// FreezeTarget snapshots the current counters as the fault-tolerance target
// and returns the snapshot.
func (c *Communicator) FreezeTarget() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.target = c.counters.Clone()

	return c.target.Clone()
}

// SetTarget replaces the fault-tolerance target.
func (c *Communicator) SetTarget(t Counters) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.target = t.Clone()
	c.cond.Broadcast()
}

// Target returns the fault-tolerance target.
func (c *Communicator) Target() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.target.Clone()
}

// BelowTarget reports whether a call of kind op towards peer still has to be
// admitted for this rank to reach its target.
func (c *Communicator) BelowTarget(op hccltypes.CollectiveOp, peer hccltypes.Rank, compareSendRecv bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case op == hccltypes.OpSend && compareSendRecv:
		return c.counters.Send[peer] < c.target.Send[peer]
	case op == hccltypes.OpRecv && compareSendRecv:
		return c.counters.Recv[peer] < c.target.Recv[peer]
	case op.IsPointToPoint():
		return false
	default:
		return c.counters.Collective < c.target.Collective
	}
}

// WaitTargetReached blocks until the current counters reach the target or
// the communicator is destroyed.
func (c *Communicator) WaitTargetReached(compareSendRecv bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for !c.counters.Reached(c.target, compareSendRecv) {
		if c.destroyed {
			return ErrDestroyed
		}
		c.cond.Wait()
	}

	return nil
}

// TargetReached reports whether the current counters reach the target.
func (c *Communicator) TargetReached(compareSendRecv bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.counters.Reached(c.target, compareSendRecv)
}
