package bootstrap

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/hcclrt/pkg/hccltypes"
)

type syncBuffer struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type driftRecord struct {
	kind    string
	sig     string
	missing []hccltypes.Rank
	drift   time.Duration
}

type fakeSink struct {
	drifts   []driftRecord
	sessions []SessionInfo
	mu       sync.Mutex
}

func (s *fakeSink) RecordDrift(_ hccltypes.UniqueID, kind, sig string, drift time.Duration, missing []hccltypes.Rank) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drifts = append(s.drifts, driftRecord{kind: kind, sig: sig, drift: drift, missing: missing})
}

func (s *fakeSink) RecordSession(info SessionInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = append(s.sessions, info)
}

func newTestLogger(t *testing.T, size int, drift time.Duration) (*CollectiveLogger, *syncBuffer) {
	t.Helper()

	out := &syncBuffer{}
	l := NewCollectiveLogger(hccltypes.NewUniqueID(), size, drift, zerolog.New(out).Level(zerolog.DebugLevel))

	return l, out
}

func allReduceSig() CollectiveParamsSignature {
	return SignatureOf(hccltypes.CollectiveParams{
		Op:       hccltypes.OpAllReduce,
		Count:    1024,
		DataType: hccltypes.DataTypeFloat32,
		ReduceOp: hccltypes.ReduceSum,
	})
}

func TestCollectiveLoggerAllRanksCalled(t *testing.T) {
	l, out := newTestLogger(t, 4, 0)
	sig := allReduceSig()
	now := time.Now()

	for r := 0; r < 3; r++ {
		l.RecordCollective(hccltypes.Rank(r), sig, now)
	}
	assert.Equal(t, 1, l.PendingCollectives(sig))
	assert.NotContains(t, out.String(), "All ranks called collective")

	l.RecordCollective(3, sig, now.Add(time.Millisecond))

	assert.Equal(t, 1, strings.Count(out.String(), "All ranks called collective"))
	assert.Equal(t, 0, l.PendingCollectives(sig))
	assert.True(t, l.Empty())
}

func TestCollectiveLoggerRepeatedCallsQueue(t *testing.T) {
	l, out := newTestLogger(t, 2, 0)
	sig := allReduceSig()
	now := time.Now()

	// rank 0 runs two iterations ahead
	l.RecordCollective(0, sig, now)
	l.RecordCollective(0, sig, now)
	assert.Equal(t, 2, l.PendingCollectives(sig))

	l.RecordCollective(1, sig, now)
	assert.Equal(t, 1, l.PendingCollectives(sig))

	l.RecordCollective(1, sig, now)
	assert.True(t, l.Empty())
	assert.Equal(t, 2, strings.Count(out.String(), "All ranks called collective"))
}

func TestCollectiveLoggerDriftWarning(t *testing.T) {
	l, out := newTestLogger(t, 2, 10*time.Millisecond)
	sink := &fakeSink{}
	l.SetSink(sink)

	sig := allReduceSig()
	now := time.Now()

	l.RecordCollective(0, sig, now)
	l.RecordCollective(1, sig, now.Add(time.Second))

	assert.Contains(t, out.String(), "Collective call drift exceeded threshold")
	require.Len(t, sink.drifts, 1)
	assert.Equal(t, "collective", sink.drifts[0].kind)
	assert.Equal(t, time.Second, sink.drifts[0].drift)
}

func TestSendRecvUnmatchedSends(t *testing.T) {
	l, out := newTestLogger(t, 2, 0)
	sig := SendRecvSignature{Count: 16, Sender: 0, Receiver: 1, DataType: hccltypes.DataTypeInt32}
	now := time.Now()

	for i := 0; i < 3; i++ {
		l.RecordSendRecv(sig, true, now)
	}

	sends, recvs := l.PendingSendRecvs(sig)
	assert.Equal(t, 3, sends)
	assert.Equal(t, 0, recvs)
	assert.NotContains(t, out.String(), "Send/recv matched")
	assert.False(t, l.Empty())

	l.RecordSendRecv(sig, false, now)

	sends, _ = l.PendingSendRecvs(sig)
	assert.Equal(t, 2, sends)
	assert.Equal(t, 1, strings.Count(out.String(), "Send/recv matched"))
}

func TestCollectiveLoggerIgnoresForeignRank(t *testing.T) {
	l, _ := newTestLogger(t, 2, 0)

	l.RecordCollective(5, allReduceSig(), time.Now())

	assert.True(t, l.Empty())
}

func TestCheckStaleWarnsOnce(t *testing.T) {
	l, out := newTestLogger(t, 3, 10*time.Millisecond)
	sig := allReduceSig()
	start := time.Now()

	l.RecordCollective(0, sig, start)

	assert.Equal(t, 0, l.CheckStale(start))
	assert.Equal(t, 1, l.CheckStale(start.Add(time.Second)))
	assert.Equal(t, 0, l.CheckStale(start.Add(2*time.Second)))
	assert.NotEmpty(t, out.String())

	collectives, _ := l.Snapshot()
	require.Len(t, collectives, 1)
	assert.Equal(t, []hccltypes.Rank{1, 2}, collectives[0].Missing)
}
