package diagstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/hcclrt/internal/bootstrap"
	"github.com/piwi3910/hcclrt/pkg/hccltypes"
)

func openTestStore(t *testing.T, dir string) *Store {
	t.Helper()

	s, err := Open(Config{Dir: dir})
	require.NoError(t, err)

	return s
}

func TestDriftsFilteredByCommunicator(t *testing.T) {
	s := openTestStore(t, "")
	t.Cleanup(func() { _ = s.Close() })

	a, b := hccltypes.NewUniqueID(), hccltypes.NewUniqueID()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	s.RecordDrift(a, "collective", "all_reduce count=1024", 6*time.Second, nil)
	s.RecordDrift(b, "sendrecv_stale", "0->1 count=16", 7*time.Second, nil)
	s.RecordDrift(a, "collective_stale", "broadcast count=8", 9*time.Second, []hccltypes.Rank{2, 3})

	recs, err := s.Drifts(a)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "collective", recs[0].Kind)
	assert.Equal(t, "collective_stale", recs[1].Kind)
	assert.Equal(t, []hccltypes.Rank{2, 3}, recs[1].Missing)
	assert.Equal(t, 9*time.Second, recs[1].Drift)

	all, err := s.Drifts(hccltypes.UniqueID{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestSessionsAndDumpsSurviveReopen(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir)
	s.RecordSession(bootstrap.SessionInfo{
		Key:      "0f0e0d0c-0b0a-0908-0706-050403020100",
		State:    "failed",
		Error:    "malformed rank header",
		CommSize: 4,
		Updated:  time.Now(),
	})
	s.recordDump("scale-out queue pair missing")
	require.NoError(t, s.Close())

	s = openTestStore(t, dir)
	t.Cleanup(func() { _ = s.Close() })

	sessions, err := s.Sessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "failed", sessions[0].State)
	assert.Equal(t, 4, sessions[0].CommSize)

	dumps, err := s.Dumps()
	require.NoError(t, err)
	require.Len(t, dumps, 1)
	assert.Equal(t, "scale-out queue pair missing", dumps[0].Reason)
}

func TestStoreServesAsCoordinatorSink(t *testing.T) {
	s := openTestStore(t, "")
	t.Cleanup(func() { _ = s.Close() })

	var sink bootstrap.SessionSink = s

	comm := hccltypes.NewUniqueID()
	sink.RecordDrift(comm, "collective", "all_gather count=32", time.Second, nil)

	recs, err := s.Drifts(comm)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, comm.String(), recs[0].Comm)
}
