package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/piwi3910/hcclrt/pkg/hccltypes"
)

var (
	ErrInvalidStream = errors.New("invalid stream handle")
	ErrStreamClosed  = errors.New("stream closed")
)

// Streams is the boundary to the compute runtime: which stream handles are
// valid, where their physical queues sit, and how much compute work is
// still outstanding on each.
type Streams struct {
	offset  func(hccltypes.StreamID) uint32
	streams map[hccltypes.StreamID]*stream
	mu      sync.Mutex
}

type stream struct {
	idle        chan struct{}
	outstanding int
	closed      bool
}

func newStreams(offset func(hccltypes.StreamID) uint32) *Streams {
	return &Streams{
		offset:  offset,
		streams: make(map[hccltypes.StreamID]*stream),
	}
}

// Create registers a stream handle.
func (s *Streams) Create(id hccltypes.StreamID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.streams[id]; ok {
		return
	}

	idle := make(chan struct{})
	close(idle)
	s.streams[id] = &stream{idle: idle}
}

// Destroy unregisters a stream handle.
func (s *Streams) Destroy(id hccltypes.StreamID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.streams[id]; ok {
		st.closed = true
		if st.outstanding > 0 {
			close(st.idle)
		}
		delete(s.streams, id)
	}
}

// Valid reports whether id is a registered stream.
func (s *Streams) Valid(id hccltypes.StreamID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.streams[id]
	return ok
}

// PhysicalQueueOffset returns the hardware queue backing stream id.
func (s *Streams) PhysicalQueueOffset(id hccltypes.StreamID) (uint32, error) {
	if !s.Valid(id) {
		return 0, fmt.Errorf("%w: %d", ErrInvalidStream, id)
	}
	return s.offset(id), nil
}

// BeginWork records outstanding compute work on stream id.
func (s *Streams) BeginWork(id hccltypes.StreamID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidStream, id)
	}

	if st.outstanding == 0 {
		st.idle = make(chan struct{})
	}
	st.outstanding++

	return nil
}

// EndWork completes one unit of outstanding work on stream id.
func (s *Streams) EndWork(id hccltypes.StreamID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[id]
	if !ok || st.outstanding == 0 {
		return
	}

	st.outstanding--
	if st.outstanding == 0 {
		close(st.idle)
	}
}

// FlushWait blocks until stream id has no outstanding compute work.
func (s *Streams) FlushWait(ctx context.Context, id hccltypes.StreamID) error {
	s.mu.Lock()
	st, ok := s.streams[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrInvalidStream, id)
	}
	idle := st.idle
	s.mu.Unlock()

	select {
	case <-idle:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if st.closed {
		return fmt.Errorf("%w: %d", ErrStreamClosed, id)
	}

	return nil
}

func (s *Streams) closeAll() {
	s.mu.Lock()
	ids := make([]hccltypes.StreamID, 0, len(s.streams))
	for id := range s.streams {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Destroy(id)
	}
}
