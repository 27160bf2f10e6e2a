package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/hcclrt/internal/bootstrap"
	"github.com/piwi3910/hcclrt/internal/diagstore"
)

type mockCoordinator struct {
	sessions []bootstrap.SessionInfo
	running  bool
}

func (m *mockCoordinator) Running() bool { return m.running }
func (m *mockCoordinator) Sessions() []bootstrap.SessionInfo { return m.sessions }

type mockPinger struct {
	err error
}

func (m *mockPinger) Ping() error { return m.err }

func session(state bootstrap.State) bootstrap.SessionInfo {
	return bootstrap.SessionInfo{State: state.String(), CommSize: 2}
}

func TestCheck(t *testing.T) {
	tests := []struct {
		coord    *mockCoordinator
		diag     Pinger
		checks   map[string]Status
		name     string
		expected Status
	}{
		{
			name:     "all healthy",
			coord:    &mockCoordinator{running: true, sessions: []bootstrap.SessionInfo{session(bootstrap.StateReady)}},
			diag:     &mockPinger{},
			expected: StatusHealthy,
			checks:   map[string]Status{"coordinator": StatusHealthy, "sessions": StatusHealthy, "diagnostics": StatusHealthy},
		},
		{
			name:     "no diagnostics store",
			coord:    &mockCoordinator{running: true},
			expected: StatusHealthy,
			checks:   map[string]Status{"coordinator": StatusHealthy, "sessions": StatusHealthy},
		},
		{
			name: "failed session",
			coord: &mockCoordinator{running: true, sessions: []bootstrap.SessionInfo{
				session(bootstrap.StateReady), session(bootstrap.StateFailed),
			}},
			expected: StatusDegraded,
			checks:   map[string]Status{"sessions": StatusDegraded},
		},
		{
			name:     "store read fails",
			coord:    &mockCoordinator{running: true},
			diag:     &mockPinger{err: errors.New("closed")},
			expected: StatusDegraded,
			checks:   map[string]Status{"diagnostics": StatusDegraded},
		},
		{
			name:     "listener stopped",
			coord:    &mockCoordinator{sessions: []bootstrap.SessionInfo{session(bootstrap.StateFailed)}},
			expected: StatusUnhealthy,
			checks:   map[string]Status{"coordinator": StatusUnhealthy, "sessions": StatusDegraded},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := NewChecker(tt.coord, tt.diag).Check(context.Background())

			assert.Equal(t, tt.expected, status.Status)
			for name, want := range tt.checks {
				require.Contains(t, status.Checks, name)
				assert.Equal(t, want, status.Checks[name].Status, name)
			}
			if tt.diag == nil {
				assert.NotContains(t, status.Checks, "diagnostics")
			}
		})
	}
}

func TestCheckSessionsMessage(t *testing.T) {
	coord := &mockCoordinator{running: true, sessions: []bootstrap.SessionInfo{
		session(bootstrap.StateHandshake1), session(bootstrap.StateFailed), session(bootstrap.StateReady),
	}}

	check := NewChecker(coord, nil).CheckSessions(context.Background())
	assert.Equal(t, StatusDegraded, check.Status)
	assert.Equal(t, "1 of 3 sessions failed", check.Message)
}

func TestCheckCaching(t *testing.T) {
	coord := &mockCoordinator{running: true}
	checker := NewChecker(coord, nil)
	checker.cacheTTL = 100 * time.Millisecond

	first := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, first.Status)

	coord.running = false
	assert.Same(t, first, checker.Check(context.Background()))

	time.Sleep(150 * time.Millisecond)

	assert.Equal(t, StatusUnhealthy, checker.Check(context.Background()).Status)
}

func TestNilCoordinator(t *testing.T) {
	checker := NewChecker(nil, nil)

	assert.False(t, checker.IsReady(context.Background()))
	assert.True(t, checker.IsLive(context.Background()))
	assert.Equal(t, StatusUnhealthy, checker.Check(context.Background()).Status)
}

func TestHandlers(t *testing.T) {
	tests := []struct {
		name       string
		handler    func(*Handler) http.HandlerFunc
		running    bool
		wantCode   int
		wantStatus string
	}{
		{"live", func(h *Handler) http.HandlerFunc { return h.LivenessHandler }, false, http.StatusOK, "ok"},
		{"ready", func(h *Handler) http.HandlerFunc { return h.ReadinessHandler }, true, http.StatusOK, "ready"},
		{"not ready", func(h *Handler) http.HandlerFunc { return h.ReadinessHandler }, false, http.StatusServiceUnavailable, "not ready"},
		{"detailed", func(h *Handler) http.HandlerFunc { return h.DetailedHandler }, true, http.StatusOK, "healthy"},
		{"detailed down", func(h *Handler) http.HandlerFunc { return h.DetailedHandler }, false, http.StatusServiceUnavailable, "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(NewChecker(&mockCoordinator{running: tt.running}, nil))

			rec := httptest.NewRecorder()
			tt.handler(h)(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantStatus, body["status"])
		})
	}
}

func TestDiagnosticsStorePing(t *testing.T) {
	store, err := diagstore.Open(diagstore.Config{})
	require.NoError(t, err)

	checker := NewChecker(&mockCoordinator{running: true}, store)
	assert.Equal(t, StatusHealthy, checker.CheckDiagnostics(context.Background()).Status)

	require.NoError(t, store.Close())
	assert.Equal(t, StatusDegraded, checker.CheckDiagnostics(context.Background()).Status)
}
