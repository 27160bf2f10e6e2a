package portwatch

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/hcclrt/pkg/hccltypes"
)

// GossipConfig holds configuration for the gossip notifier
type GossipConfig struct {
	NodeName      string
	BindAddr      string
	BindPort      int
	AdvertiseAddr string
	AdvertisePort int
	Join          []string
}

// GossipNotifier spreads port events between hosts with hashicorp/memberlist.
// Late joiners learn the current port states through push/pull state sync.
type GossipNotifier struct {
	cfg        GossipConfig
	hub        *hub
	list       *memberlist.Memberlist
	broadcasts *memberlist.TransmitLimitedQueue
	mu         sync.Mutex
}

// gossipDelegate implements memberlist.Delegate
type gossipDelegate struct {
	n *GossipNotifier
}

func (d *gossipDelegate) NodeMeta(limit int) []byte { return nil }

func (d *gossipDelegate) NotifyMsg(b []byte) {
	var ev Event
	if err := json.Unmarshal(b, &ev); err != nil {
		log.Warn().Err(err).Msg("Dropping malformed port event")
		return
	}

	if d.n.hub.deliver(ev) {
		log.Info().
			Uint32("port", uint32(ev.Port)).
			Str("state", ev.state()).
			Uint64("seq", ev.Seq).
			Str("node", ev.Node).
			Msg("Port state changed on remote node")
	}
}

func (d *gossipDelegate) GetBroadcasts(overhead, limit int) [][]byte {
	return d.n.broadcasts.GetBroadcasts(overhead, limit)
}

// LocalState returns every port state seen so far
func (d *gossipDelegate) LocalState(join bool) []byte {
	b, err := json.Marshal(d.n.hub.snapshot())
	if err != nil {
		return nil
	}
	return b
}

// MergeRemoteState delivers port states this node has not seen yet
func (d *gossipDelegate) MergeRemoteState(buf []byte, join bool) {
	var events []Event
	if err := json.Unmarshal(buf, &events); err != nil {
		log.Warn().Err(err).Msg("Dropping malformed port state")
		return
	}

	for _, ev := range events {
		d.n.hub.deliver(ev)
	}
}

// NewGossipNotifier creates the memberlist and joins the given addresses.
func NewGossipNotifier(cfg GossipConfig) (*GossipNotifier, error) {
	n := &GossipNotifier{cfg: cfg, hub: newHub()}

	n.broadcasts = &memberlist.TransmitLimitedQueue{
		NumNodes: func() int {
			n.mu.Lock()
			defer n.mu.Unlock()

			if n.list == nil {
				return 1
			}
			return n.list.NumMembers()
		},
		RetransmitMult: 3,
	}

	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = cfg.NodeName
	mlConfig.BindAddr = cfg.BindAddr
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertiseAddr = cfg.AdvertiseAddr
	mlConfig.AdvertisePort = cfg.AdvertisePort
	mlConfig.Delegate = &gossipDelegate{n: n}
	mlConfig.LogOutput = &memberlistLogAdapter{}

	mlConfig.GossipInterval = 100 * time.Millisecond
	mlConfig.PushPullInterval = 10 * time.Second
	mlConfig.GossipNodes = 4

	list, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}

	n.mu.Lock()
	n.list = list
	n.mu.Unlock()

	log.Info().
		Str("node", cfg.NodeName).
		Str("bind_addr", fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.BindPort)).
		Msg("Port watch gossip initialized")

	if len(cfg.Join) > 0 {
		contacted, err := list.Join(cfg.Join)
		if err != nil {
			_ = list.Shutdown()
			return nil, fmt.Errorf("failed to join port watch cluster: %w", err)
		}
		log.Info().Int("contacted_nodes", contacted).Msg("Joined port watch cluster")
	}

	return n, nil
}

func (n *GossipNotifier) Subscribe() (<-chan Event, func()) {
	return n.hub.subscribe()
}

// Publish delivers the event locally and queues it for gossip.
func (n *GossipNotifier) Publish(port hccltypes.Port, up bool) (Event, error) {
	ev := n.hub.nextEvent(n.cfg.NodeName, port, up)

	msg, err := json.Marshal(ev)
	if err != nil {
		return Event{}, fmt.Errorf("failed to encode port event: %w", err)
	}

	n.hub.deliver(ev)
	n.broadcasts.QueueBroadcast(&broadcast{msg: msg})

	log.Info().Uint32("port", uint32(port)).Str("state", ev.state()).Uint64("seq", ev.Seq).Msg("Port state changed")

	return ev, nil
}

// Members returns the number of nodes in the gossip cluster.
func (n *GossipNotifier) Members() int {
	return n.list.NumMembers()
}

// Close leaves the cluster and stops delivery.
func (n *GossipNotifier) Close() error {
	n.hub.close()

	if err := n.list.Leave(5 * time.Second); err != nil {
		log.Warn().Err(err).Msg("Failed to leave port watch cluster")
	}

	return n.list.Shutdown()
}

type broadcast struct {
	msg []byte
}

func (b *broadcast) Invalidates(other memberlist.Broadcast) bool { return false }
func (b *broadcast) Message() []byte                             { return b.msg }
func (b *broadcast) Finished()                                   {}

// memberlistLogAdapter adapts memberlist logging to zerolog
type memberlistLogAdapter struct{}

func (l *memberlistLogAdapter) Write(p []byte) (n int, err error) {
	log.Trace().Str("source", "memberlist").Msg(string(p))
	return len(p), nil
}
