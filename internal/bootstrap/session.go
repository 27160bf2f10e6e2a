package bootstrap

import (
	"time"

	"github.com/piwi3910/hcclrt/pkg/hccltypes"
)

// State is the construction state of one communicator at the coordinator.
type State int

const (
	StateWaitingForRanks State = iota
	StateHandshake1
	StateHandshake2
	StateRendezvous
	StateReady
	StateFailed
)

var stateNames = [...]string{"waiting_for_ranks", "handshake1", "handshake2", "rendezvous", "ready", "failed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// SessionInfo is the externally visible summary of a session.
type SessionInfo struct {
	Created   time.Time `json:"created"`
	Updated   time.Time `json:"updated"`
	Key       string    `json:"key"`
	State     string    `json:"state"`
	Error     string    `json:"error,omitempty"`
	CommSize  int       `json:"comm_size"`
	Connected int       `json:"connected"`
	Headers   int       `json:"headers"`
	ConnInfos int       `json:"conn_infos"`
	Barriers  int       `json:"pending_barriers"`
	Exchanges int       `json:"pending_exchanges"`
}

// gather collects one contribution per rank.
type gather struct {
	have     []bool
	payloads [][]byte
	count    int
}

func newGather(size int) *gather {
	return &gather{have: make([]bool, size), payloads: make([][]byte, size)}
}

// add records rank's contribution and reports whether it was new.
func (g *gather) add(rank hccltypes.Rank, payload []byte) bool {
	if g.have[rank] {
		g.payloads[rank] = payload
		return false
	}
	g.have[rank] = true
	g.payloads[rank] = payload
	g.count++
	return true
}

func (g *gather) complete() bool { return g.count == len(g.have) }

// session is the coordinator state of one communicator. It is only touched
// by the dispatch goroutine.
type session struct {
	created   time.Time
	updated   time.Time
	err       error
	logger    *CollectiveLogger
	conns     []*peerConn
	headers   []hccltypes.RankInfoHeader
	infos     []hccltypes.RemoteDeviceConnectionInfo
	haveHdr   []bool
	haveInfo  []bool
	barriers  map[uint32]*gather
	exchanges map[uint32]*gather
	size      int
	nHeaders  int
	nInfos    int
	key       hccltypes.UniqueID
	state     State
}

func newSession(key hccltypes.UniqueID, size int, now time.Time) *session {
	return &session{
		created:   now,
		updated:   now,
		conns:     make([]*peerConn, size),
		headers:   make([]hccltypes.RankInfoHeader, size),
		infos:     make([]hccltypes.RemoteDeviceConnectionInfo, size),
		haveHdr:   make([]bool, size),
		haveInfo:  make([]bool, size),
		barriers:  make(map[uint32]*gather),
		exchanges: make(map[uint32]*gather),
		size:      size,
		key:       key,
		state:     StateWaitingForRanks,
	}
}

func (s *session) connected() int {
	n := 0
	for _, c := range s.conns {
		if c != nil {
			n++
		}
	}
	return n
}

// pendingOn reports whether a barrier or exchange still waits for rank.
func (s *session) pendingOn(rank hccltypes.Rank) bool {
	for _, g := range s.barriers {
		if !g.have[rank] {
			return true
		}
	}
	for _, g := range s.exchanges {
		if !g.have[rank] {
			return true
		}
	}
	return false
}

func (s *session) info() SessionInfo {
	si := SessionInfo{
		Created:   s.created,
		Updated:   s.updated,
		Key:       s.key.String(),
		State:     s.state.String(),
		CommSize:  s.size,
		Connected: s.connected(),
		Headers:   s.nHeaders,
		ConnInfos: s.nInfos,
		Barriers:  len(s.barriers),
		Exchanges: len(s.exchanges),
	}
	if s.err != nil {
		si.Error = s.err.Error()
	}
	return si
}
