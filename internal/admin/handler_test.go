package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/hcclrt/internal/bootstrap"
	"github.com/piwi3910/hcclrt/internal/diagstore"
	"github.com/piwi3910/hcclrt/internal/health"
	"github.com/piwi3910/hcclrt/pkg/hccltypes"
)

type fakeSessions struct {
	infos   []bootstrap.SessionInfo
	loggers map[string]*bootstrap.CollectiveLogger
}

func (f *fakeSessions) Sessions() []bootstrap.SessionInfo { return f.infos }

func (f *fakeSessions) Session(key hccltypes.UniqueID) (bootstrap.SessionInfo, bool) {
	for _, si := range f.infos {
		if si.Key == key.String() {
			return si, true
		}
	}
	return bootstrap.SessionInfo{}, false
}

func (f *fakeSessions) Running() bool { return true }

func (f *fakeSessions) CollectiveLogs() map[string]*bootstrap.CollectiveLogger { return f.loggers }

func setupTestHandler(t *testing.T, withStore bool) (http.Handler, *fakeSessions, *diagstore.Store, hccltypes.UniqueID) {
	t.Helper()

	comm := hccltypes.NewUniqueID()

	l := bootstrap.NewCollectiveLogger(comm, 2, time.Minute, zerolog.Nop())
	l.RecordCollective(0, bootstrap.CollectiveParamsSignature{
		Op:       hccltypes.OpAllReduce,
		Count:    1024,
		DataType: hccltypes.DataTypeFloat32,
		Root:     hccltypes.InvalidRank,
		Peer:     hccltypes.InvalidRank,
	}, time.Now())
	l.RecordSendRecv(bootstrap.SendRecvSignature{Sender: 0, Receiver: 1, Count: 16, DataType: hccltypes.DataTypeInt32}, true, time.Now())

	src := &fakeSessions{
		infos: []bootstrap.SessionInfo{{
			Key:       comm.String(),
			State:     "ready",
			CommSize:  2,
			Connected: 2,
			Created:   time.Now(),
			Updated:   time.Now(),
		}},
		loggers: map[string]*bootstrap.CollectiveLogger{comm.String(): l},
	}

	var (
		store *diagstore.Store
		diag  DiagnosticsSource
	)
	if withStore {
		var err error
		store, err = diagstore.Open(diagstore.Config{})
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		diag = store
	}

	return NewRouter(NewHandler(src, diag)), src, store, comm
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

func TestHealth(t *testing.T) {
	h, _, _, _ := setupTestHandler(t, false)

	rec := get(t, h, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 1, body["sessions"])
}

func TestProbes(t *testing.T) {
	h, _, _, _ := setupTestHandler(t, false)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/health/ready").Code)

	src := &fakeSessions{infos: []bootstrap.SessionInfo{{Key: "k", State: "failed"}}}
	r := NewRouter(NewHandler(src, nil).WithProbes(health.NewChecker(src, nil)))

	assert.Equal(t, http.StatusOK, get(t, r, "/health/live").Code)
	assert.Equal(t, http.StatusOK, get(t, r, "/health/ready").Code)

	rec := get(t, r, "/health/detailed")
	require.Equal(t, http.StatusOK, rec.Code)

	var status health.HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, health.StatusDegraded, status.Status)
	assert.Equal(t, health.StatusDegraded, status.Checks["sessions"].Status)
}

func TestSessions(t *testing.T) {
	h, _, _, comm := setupTestHandler(t, false)

	t.Run("list", func(t *testing.T) {
		rec := get(t, h, "/sessions")
		require.Equal(t, http.StatusOK, rec.Code)

		var infos []bootstrap.SessionInfo
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &infos))
		require.Len(t, infos, 1)
		assert.Equal(t, comm.String(), infos[0].Key)
	})

	t.Run("found", func(t *testing.T) {
		rec := get(t, h, "/sessions/"+comm.String())
		require.Equal(t, http.StatusOK, rec.Code)

		var info bootstrap.SessionInfo
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
		assert.Equal(t, "ready", info.State)
		assert.Equal(t, 2, info.Connected)
	})

	t.Run("unknown", func(t *testing.T) {
		rec := get(t, h, "/sessions/"+hccltypes.NewUniqueID().String())
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("malformed key", func(t *testing.T) {
		rec := get(t, h, "/sessions/not-a-uuid")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "error")
	})
}

func TestCollectiveLog(t *testing.T) {
	h, _, _, comm := setupTestHandler(t, false)

	rec := get(t, h, "/collective-log")
	require.Equal(t, http.StatusOK, rec.Code)

	var all map[string]CollectiveLogStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	require.Contains(t, all, comm.String())

	status := all[comm.String()]
	require.Len(t, status.Collectives, 1)
	assert.Equal(t, []hccltypes.Rank{1}, status.Collectives[0].Missing)
	require.Len(t, status.SendRecv, 1)
	assert.Equal(t, 1, status.SendRecv[0].Sends)
	assert.Zero(t, status.SendRecv[0].Recvs)

	rec = get(t, h, "/collective-log/"+comm.String())
	require.Equal(t, http.StatusOK, rec.Code)

	rec = get(t, h, "/collective-log/"+hccltypes.NewUniqueID().String())
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDiagnostics(t *testing.T) {
	t.Run("without store", func(t *testing.T) {
		h, _, _, _ := setupTestHandler(t, false)

		for _, path := range []string{"/diagnostics/drift", "/diagnostics/sessions", "/diagnostics/dumps"} {
			assert.Equal(t, http.StatusServiceUnavailable, get(t, h, path).Code, path)
		}
	})

	t.Run("with store", func(t *testing.T) {
		h, _, store, comm := setupTestHandler(t, true)

		store.RecordDrift(comm, "collective", "all_reduce count=1024", 6*time.Second, nil)
		store.RecordDrift(hccltypes.NewUniqueID(), "collective", "broadcast count=8", 7*time.Second, nil)
		store.RecordSession(bootstrap.SessionInfo{Key: comm.String(), State: "failed", Error: "rank 1 disconnected"})

		rec := get(t, h, "/diagnostics/drift?comm="+comm.String())
		require.Equal(t, http.StatusOK, rec.Code)

		var drifts []diagstore.DriftRecord
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &drifts))
		require.Len(t, drifts, 1)
		assert.Equal(t, 6*time.Second, drifts[0].Drift)

		rec = get(t, h, "/diagnostics/drift")
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &drifts))
		assert.Len(t, drifts, 2)

		assert.Equal(t, http.StatusBadRequest, get(t, h, "/diagnostics/drift?comm=bogus").Code)

		rec = get(t, h, "/diagnostics/sessions")
		require.Equal(t, http.StatusOK, rec.Code)

		var sessions []bootstrap.SessionInfo
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
		require.Len(t, sessions, 1)
		assert.Equal(t, "rank 1 disconnected", sessions[0].Error)

		rec = get(t, h, "/diagnostics/dumps")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, "[]", rec.Body.String())
	})
}

func TestMetricsEndpoint(t *testing.T) {
	h, _, _, _ := setupTestHandler(t, false)

	rec := get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
