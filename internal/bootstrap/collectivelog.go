package bootstrap

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/piwi3910/hcclrt/pkg/hccltypes"
)

// CollectiveParamsSignature correlates calls of the same collective from
// different ranks without a global call id.
type CollectiveParamsSignature struct {
	Count    uint64
	Op       hccltypes.CollectiveOp
	DataType hccltypes.DataType
	ReduceOp hccltypes.ReduceOp
	Root     hccltypes.Rank
	Peer     hccltypes.Rank
}

func (s CollectiveParamsSignature) String() string {
	return fmt.Sprintf("%s count=%d dtype=%s op=%s root=%d peer=%d",
		s.Op, s.Count, s.DataType, s.ReduceOp, int64(s.Root), int64(s.Peer))
}

// SignatureOf derives the log signature of a collective call.
func SignatureOf(p hccltypes.CollectiveParams) CollectiveParamsSignature {
	sig := CollectiveParamsSignature{
		Op:       p.Op,
		Count:    p.Count,
		DataType: p.DataType,
		Root:     hccltypes.InvalidRank,
		Peer:     hccltypes.InvalidRank,
	}
	if p.Op.Reduces() {
		sig.ReduceOp = p.ReduceOp
	}
	if p.Op.Rooted() {
		sig.Root = p.Root
	}
	return sig
}

// SendRecvSignature matches a send with its receive.
type SendRecvSignature struct {
	Count    uint64
	Sender   hccltypes.Rank
	Receiver hccltypes.Rank
	DataType hccltypes.DataType
}

func (s SendRecvSignature) String() string {
	return fmt.Sprintf("%d->%d count=%d dtype=%s", s.Sender, s.Receiver, s.Count, s.DataType)
}

// DriftSink persists drift and stale-call warnings.
type DriftSink interface {
	RecordDrift(comm hccltypes.UniqueID, kind, signature string, drift time.Duration, missing []hccltypes.Rank)
}

type callEntry struct {
	first  time.Time
	last   time.Time
	called []bool
	count  int
	warned bool
}

type sendRecvQueue struct {
	sends       []time.Time
	recvs       []time.Time
	warnedSends int
	warnedRecvs int
}

// PendingCollective describes one incomplete collective entry.
type PendingCollective struct {
	First     time.Time        `json:"first"`
	Signature string           `json:"signature"`
	Missing   []hccltypes.Rank `json:"missing"`
}

// PendingSendRecv describes unmatched sends or receives of a signature.
type PendingSendRecv struct {
	Signature string `json:"signature"`
	Sends     int    `json:"sends"`
	Recvs     int    `json:"recvs"`
}

// CollectiveLogger tracks which ranks called which collective. When every
// rank recorded the oldest entry of a signature the entry is logged and
// dropped; a warning is logged when the first and last callers are further
// apart than the drift threshold. Sends and receives are matched FIFO per
// signature.
type CollectiveLogger struct {
	now         func() time.Time
	sink        DriftSink
	collectives map[CollectiveParamsSignature][]*callEntry
	sendRecv    map[SendRecvSignature]*sendRecvQueue
	logger      zerolog.Logger
	drift       time.Duration
	commSize    int
	comm        hccltypes.UniqueID
	mu          sync.Mutex
}

// NewCollectiveLogger creates a logger for a communicator of commSize ranks.
func NewCollectiveLogger(comm hccltypes.UniqueID, commSize int, drift time.Duration, logger zerolog.Logger) *CollectiveLogger {
	return &CollectiveLogger{
		now:         time.Now,
		collectives: make(map[CollectiveParamsSignature][]*callEntry),
		sendRecv:    make(map[SendRecvSignature]*sendRecvQueue),
		logger:      logger.With().Str("comm", comm.String()).Logger(),
		drift:       drift,
		commSize:    commSize,
		comm:        comm,
	}
}

// SetSink installs a store for drift warnings.
func (l *CollectiveLogger) SetSink(sink DriftSink) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sink = sink
}

// RecordCollective records that rank called sig at time at.
func (l *CollectiveLogger) RecordCollective(rank hccltypes.Rank, sig CollectiveParamsSignature, at time.Time) {
	if int(rank) >= l.commSize {
		l.logger.Warn().Uint32("rank", uint32(rank)).Msg("Collective log from rank outside communicator")
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	queue := l.collectives[sig]

	var entry *callEntry
	for _, e := range queue {
		if !e.called[rank] {
			entry = e
			break
		}
	}

	if entry == nil {
		entry = &callEntry{first: at, called: make([]bool, l.commSize)}
		queue = append(queue, entry)
	}

	entry.called[rank] = true
	entry.count++
	if at.Before(entry.first) {
		entry.first = at
	}
	if at.After(entry.last) {
		entry.last = at
	}

	for len(queue) > 0 && queue[0].count == l.commSize {
		l.completeLocked(sig, queue[0])
		queue[0] = nil
		queue = queue[1:]
	}

	if len(queue) == 0 {
		delete(l.collectives, sig)
		return
	}

	l.collectives[sig] = queue
}

func (l *CollectiveLogger) completeLocked(sig CollectiveParamsSignature, e *callEntry) {
	drift := e.last.Sub(e.first)

	l.logger.Info().
		Str("signature", sig.String()).
		Dur("drift", drift).
		Msg("All ranks called collective")

	if l.drift > 0 && drift > l.drift {
		l.logger.Warn().
			Str("signature", sig.String()).
			Dur("drift", drift).
			Dur("threshold", l.drift).
			Msg("Collective call drift exceeded threshold")

		if l.sink != nil {
			l.sink.RecordDrift(l.comm, "collective", sig.String(), drift, nil)
		}
	}
}

// RecordSendRecv records one send or receive of sig at time at and matches
// it against the oldest opposite entry.
func (l *CollectiveLogger) RecordSendRecv(sig SendRecvSignature, isSend bool, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	q, ok := l.sendRecv[sig]
	if !ok {
		q = &sendRecvQueue{}
		l.sendRecv[sig] = q
	}

	mine, other := &q.recvs, &q.sends
	if isSend {
		mine, other = &q.sends, &q.recvs
	}

	if len(*other) == 0 {
		*mine = append(*mine, at)
		return
	}

	peer := (*other)[0]
	*other = (*other)[1:]
	if isSend {
		q.warnedRecvs = max(q.warnedRecvs-1, 0)
	} else {
		q.warnedSends = max(q.warnedSends-1, 0)
	}

	drift := at.Sub(peer)
	if drift < 0 {
		drift = -drift
	}

	l.logger.Debug().
		Str("signature", sig.String()).
		Dur("drift", drift).
		Msg("Send/recv matched")

	if l.drift > 0 && drift > l.drift {
		l.logger.Warn().
			Str("signature", sig.String()).
			Dur("drift", drift).
			Msg("Send/recv drift exceeded threshold")

		if l.sink != nil {
			l.sink.RecordDrift(l.comm, "sendrecv", sig.String(), drift, nil)
		}
	}

	if len(q.sends) == 0 && len(q.recvs) == 0 {
		delete(l.sendRecv, sig)
	}
}

// PendingCollectives returns the number of incomplete entries of sig.
func (l *CollectiveLogger) PendingCollectives(sig CollectiveParamsSignature) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.collectives[sig])
}

// PendingSendRecvs returns the unmatched sends and receives of sig.
func (l *CollectiveLogger) PendingSendRecvs(sig SendRecvSignature) (sends, recvs int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if q, ok := l.sendRecv[sig]; ok {
		return len(q.sends), len(q.recvs)
	}
	return 0, 0
}

// Empty reports whether nothing is pending.
func (l *CollectiveLogger) Empty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.collectives) == 0 && len(l.sendRecv) == 0
}

func missingRanks(called []bool) []hccltypes.Rank {
	var out []hccltypes.Rank
	for r, ok := range called {
		if !ok {
			out = append(out, hccltypes.Rank(r)) //nolint:gosec // G115: bounded by comm size
		}
	}
	return out
}

// CheckStale warns once about every entry whose first caller is older than
// the drift threshold: ranks that never called a collective, or sends and
// receives that were never matched. It returns the number of new warnings.
func (l *CollectiveLogger) CheckStale(now time.Time) int {
	if l.drift <= 0 {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	warnings := 0

	for sig, queue := range l.collectives {
		for _, e := range queue {
			if e.warned || now.Sub(e.first) <= l.drift {
				continue
			}
			e.warned = true
			warnings++

			missing := missingRanks(e.called)
			l.logger.Warn().
				Str("signature", sig.String()).
				Interface("missing", missing).
				Dur("age", now.Sub(e.first)).
				Msg("Ranks did not call collective within drift window")

			if l.sink != nil {
				l.sink.RecordDrift(l.comm, "collective_stale", sig.String(), now.Sub(e.first), missing)
			}
		}
	}

	for sig, q := range l.sendRecv {
		stale := func(pending []time.Time, warned *int, side string) {
			for i := *warned; i < len(pending); i++ {
				if now.Sub(pending[i]) <= l.drift {
					break
				}
				*warned = i + 1
				warnings++

				l.logger.Warn().
					Str("signature", sig.String()).
					Str("side", side).
					Dur("age", now.Sub(pending[i])).
					Msg("Unmatched send/recv exceeded drift window")

				if l.sink != nil {
					l.sink.RecordDrift(l.comm, "sendrecv_stale", sig.String(), now.Sub(pending[i]), nil)
				}
			}
		}
		stale(q.sends, &q.warnedSends, "send")
		stale(q.recvs, &q.warnedRecvs, "recv")
	}

	return warnings
}

// Snapshot lists everything pending, ordered by signature.
func (l *CollectiveLogger) Snapshot() ([]PendingCollective, []PendingSendRecv) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var colls []PendingCollective
	for sig, queue := range l.collectives {
		for _, e := range queue {
			colls = append(colls, PendingCollective{Signature: sig.String(), First: e.first, Missing: missingRanks(e.called)})
		}
	}
	sort.SliceStable(colls, func(i, j int) bool { return colls[i].Signature < colls[j].Signature })

	var srs []PendingSendRecv
	for sig, q := range l.sendRecv {
		srs = append(srs, PendingSendRecv{Signature: sig.String(), Sends: len(q.sends), Recvs: len(q.recvs)})
	}
	sort.Slice(srs, func(i, j int) bool { return srs[i].Signature < srs[j].Signature })

	return colls, srs
}
