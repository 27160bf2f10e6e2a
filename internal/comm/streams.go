package comm

import (
	"slices"
	"sync"

	"github.com/piwi3910/hcclrt/pkg/hccltypes"
)

// StreamLock returns the lock guarding submissions on stream. Table
// mutation takes every stream lock, so holding one while looking up queue
// pair numbers and submitting never observes a repoint mid-update.
func (c *Communicator) StreamLock(stream hccltypes.StreamID) *sync.Mutex {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()

	l, ok := c.streams[stream]
	if !ok {
		l = &sync.Mutex{}
		c.streams[stream] = l
	}

	return l
}

// WithStream runs fn while holding the lock of stream.
func (c *Communicator) WithStream(stream hccltypes.StreamID, fn func() error) error {
	l := c.StreamLock(stream)
	l.Lock()
	defer l.Unlock()

	return fn()
}

// LockAllStreams acquires every stream lock in ascending stream order and
// returns the function releasing them. Streams first used while the locks
// are held start unlocked.
func (c *Communicator) LockAllStreams() func() {
	c.streamsMu.Lock()
	ids := make([]hccltypes.StreamID, 0, len(c.streams))
	for id := range c.streams {
		ids = append(ids, id)
	}
	locks := make([]*sync.Mutex, 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		locks = append(locks, c.streams[id])
	}
	c.streamsMu.Unlock()

	for _, l := range locks {
		l.Lock()
	}

	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}
}
