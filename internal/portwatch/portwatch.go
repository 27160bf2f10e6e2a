// Package portwatch distributes NIC port up/down events to every rank of the
// cluster. Events carry a per-port sequence number so every receiver derives
// the same migration identity from the same event.
package portwatch

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/hcclrt/pkg/hccltypes"
)

// Event reports a state change of one port.
type Event struct {
	At   time.Time      `json:"at"`
	Node string         `json:"node,omitempty"`
	Seq  uint64         `json:"seq"`
	Port hccltypes.Port `json:"port"`
	Up   bool           `json:"up"`
}

func (e Event) state() string {
	if e.Up {
		return "up"
	}
	return "down"
}

// Notifier publishes port events and fans them out to subscribers.
type Notifier interface {
	// Subscribe returns a channel receiving every event published after the
	// call and a function that cancels the subscription.
	Subscribe() (<-chan Event, func())
	// Publish announces a state change of port and returns the event.
	Publish(port hccltypes.Port, up bool) (Event, error)
	// Close stops delivery and closes every subscription channel.
	Close() error
}

const subscriberBuffer = 64

// subscriber queues events without bound so a slow reader never loses one.
// pump feeds the queue to out in publication order.
type subscriber struct {
	out     chan Event
	wake    chan struct{}
	done    chan struct{}
	pending []Event
	mu      sync.Mutex
}

func newSubscriber() *subscriber {
	s := &subscriber{
		out:  make(chan Event, subscriberBuffer),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go s.pump()

	return s
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	s.pending = append(s.pending, ev)
	backlog := len(s.pending)
	s.mu.Unlock()

	if backlog == subscriberBuffer {
		log.Warn().
			Uint32("port", uint32(ev.Port)).
			Int("backlog", backlog).
			Msg("Port event subscriber is falling behind")
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) pump() {
	defer close(s.out)

	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		for _, ev := range batch {
			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}

		if len(batch) > 0 {
			continue
		}

		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}

// stop ends delivery; the channel closes once pump returns.
func (s *subscriber) stop() {
	close(s.done)
}

// hub is the in-process fan-out shared by every notifier.
type hub struct {
	subs   map[int]*subscriber
	seq    map[hccltypes.Port]uint64
	seen   map[hccltypes.Port]Event
	next   int
	mu     sync.Mutex
	closed bool
}

func newHub() *hub {
	return &hub{
		subs: make(map[int]*subscriber),
		seq:  make(map[hccltypes.Port]uint64),
		seen: make(map[hccltypes.Port]Event),
	}
}

func (h *hub) subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	sub := newSubscriber()
	id := h.next
	h.next++
	h.subs[id] = sub

	return sub.out, func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		if s, ok := h.subs[id]; ok {
			delete(h.subs, id)
			s.stop()
		}
	}
}

// nextEvent stamps a new event for port with the next sequence number.
func (h *hub) nextEvent(node string, port hccltypes.Port, up bool) Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq[port]++

	return Event{At: time.Now(), Node: node, Seq: h.seq[port], Port: port, Up: up}
}

// deliver fans ev out once. Events older than the last one seen for the
// port are dropped and report false.
func (h *hub) deliver(ev Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}

	if last, ok := h.seen[ev.Port]; ok && ev.Seq <= last.Seq {
		return false
	}

	h.seen[ev.Port] = ev
	if ev.Seq > h.seq[ev.Port] {
		h.seq[ev.Port] = ev.Seq
	}

	for _, sub := range h.subs {
		sub.push(ev)
	}

	return true
}

func (h *hub) snapshot() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, len(h.seen))
	for _, ev := range h.seen {
		out = append(out, ev)
	}
	return out
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true

	for id, sub := range h.subs {
		delete(h.subs, id)
		sub.stop()
	}
}

// LocalNotifier delivers events inside one process. It serves loopback
// simulations where every rank lives in the same process.
type LocalNotifier struct {
	hub *hub
}

// NewLocalNotifier creates an in-process notifier.
func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{hub: newHub()}
}

func (n *LocalNotifier) Subscribe() (<-chan Event, func()) {
	return n.hub.subscribe()
}

func (n *LocalNotifier) Publish(port hccltypes.Port, up bool) (Event, error) {
	ev := n.hub.nextEvent("", port, up)
	n.hub.deliver(ev)

	log.Info().Uint32("port", uint32(port)).Str("state", ev.state()).Uint64("seq", ev.Seq).Msg("Port state changed")

	return ev, nil
}

// Ports returns the last known event of every port.
func (n *LocalNotifier) Ports() []Event {
	return n.hub.snapshot()
}

func (n *LocalNotifier) Close() error {
	n.hub.close()
	return nil
}

var (
	_ Notifier = (*LocalNotifier)(nil)
	_ Notifier = (*GossipNotifier)(nil)
)
