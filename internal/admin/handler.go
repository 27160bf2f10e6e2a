// Package admin serves the coordinator's HTTP API: health, bootstrap
// sessions, pending collective-log entries, stored diagnostics and
// Prometheus metrics.
package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/hcclrt/internal/bootstrap"
	"github.com/piwi3910/hcclrt/internal/diagstore"
	"github.com/piwi3910/hcclrt/internal/health"
	"github.com/piwi3910/hcclrt/pkg/hcclerrors"
	"github.com/piwi3910/hcclrt/pkg/hccltypes"
)

// SessionSource is the live coordinator state.
type SessionSource interface {
	Sessions() []bootstrap.SessionInfo
	Session(key hccltypes.UniqueID) (bootstrap.SessionInfo, bool)
	CollectiveLogs() map[string]*bootstrap.CollectiveLogger
}

// DiagnosticsSource is the persisted diagnostics history.
type DiagnosticsSource interface {
	Drifts(comm hccltypes.UniqueID) ([]diagstore.DriftRecord, error)
	Sessions() ([]bootstrap.SessionInfo, error)
	Dumps() ([]diagstore.DumpRecord, error)
}

var errNoDiagnostics = errors.New("diagnostics store not configured")

// Handler serves the admin API.
type Handler struct {
	sessions SessionSource
	diag     DiagnosticsSource
	probes   *health.Handler
	started  time.Time
}

// NewHandler creates a handler. diag may be nil.
func NewHandler(sessions SessionSource, diag DiagnosticsSource) *Handler {
	return &Handler{sessions: sessions, diag: diag, started: time.Now()}
}

// WithProbes mounts the liveness, readiness and detailed probes of checker
// under /health.
func (h *Handler) WithProbes(checker *health.Checker) *Handler {
	h.probes = health.NewHandler(checker)
	return h
}

// CollectiveLogStatus lists the pending entries of one communicator.
type CollectiveLogStatus struct {
	Collectives []bootstrap.PendingCollective `json:"collectives"`
	SendRecv    []bootstrap.PendingSendRecv   `json:"send_recv"`
}

// RegisterRoutes mounts the API on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)
	if h.probes != nil {
		r.Get("/health/live", h.probes.LivenessHandler)
		r.Get("/health/ready", h.probes.ReadinessHandler)
		r.Get("/health/detailed", h.probes.DetailedHandler)
	}
	r.Get("/sessions", h.ListSessions)
	r.Get("/sessions/{key}", h.GetSession)
	r.Get("/collective-log", h.CollectiveLog)
	r.Get("/collective-log/{key}", h.CollectiveLogFor)
	r.Route("/diagnostics", func(r chi.Router) {
		r.Get("/drift", h.Drifts)
		r.Get("/sessions", h.SessionHistory)
		r.Get("/dumps", h.Dumps)
	})
	r.Handle("/metrics", promhttp.Handler())
}

// NewRouter builds the admin router with the usual middleware stack.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	h.RegisterRoutes(r)

	return r
}

// NewServer wraps the router in an HTTP server listening on addr.
func NewServer(addr string, h *Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewRouter(h),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// Health reports liveness and the number of known sessions.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"sessions":  len(h.sessions.Sessions()),
		"uptime":    time.Since(h.started).Round(time.Second).String(),
		"timestamp": time.Now().UTC(),
	})
}

// ListSessions lists every session, oldest first.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sessions.Sessions())
}

// GetSession returns one session.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	key, ok := parseKey(w, r)
	if !ok {
		return
	}

	info, found := h.sessions.Session(key)
	if !found {
		writeError(w, "session not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, info)
}

// CollectiveLog lists the pending entries of every communicator.
func (h *Handler) CollectiveLog(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]CollectiveLogStatus)
	for key, l := range h.sessions.CollectiveLogs() {
		out[key] = snapshot(l)
	}

	writeJSON(w, http.StatusOK, out)
}

// CollectiveLogFor lists the pending entries of one communicator.
func (h *Handler) CollectiveLogFor(w http.ResponseWriter, r *http.Request) {
	key, ok := parseKey(w, r)
	if !ok {
		return
	}

	l, found := h.sessions.CollectiveLogs()[key.String()]
	if !found {
		writeError(w, "no collective log for session", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, snapshot(l))
}

// Drifts lists stored drift warnings, optionally filtered by ?comm=.
func (h *Handler) Drifts(w http.ResponseWriter, r *http.Request) {
	if h.diag == nil {
		writeError(w, errNoDiagnostics.Error(), http.StatusServiceUnavailable)
		return
	}

	var comm hccltypes.UniqueID
	if s := r.URL.Query().Get("comm"); s != "" {
		var err error
		if comm, err = hccltypes.ParseUniqueID(s); err != nil {
			writeError(w, hcclerrors.InvalidArgument("comm %q", s).Error(), http.StatusBadRequest)
			return
		}
	}

	recs, err := h.diag.Drifts(comm)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read drift warnings")
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, orEmpty(recs))
}

// SessionHistory lists the stored final states of finished sessions.
func (h *Handler) SessionHistory(w http.ResponseWriter, r *http.Request) {
	if h.diag == nil {
		writeError(w, errNoDiagnostics.Error(), http.StatusServiceUnavailable)
		return
	}

	recs, err := h.diag.Sessions()
	if err != nil {
		log.Error().Err(err).Msg("Failed to read session history")
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, orEmpty(recs))
}

// Dumps lists the reasons of previous fail-fast exits.
func (h *Handler) Dumps(w http.ResponseWriter, r *http.Request) {
	if h.diag == nil {
		writeError(w, errNoDiagnostics.Error(), http.StatusServiceUnavailable)
		return
	}

	recs, err := h.diag.Dumps()
	if err != nil {
		log.Error().Err(err).Msg("Failed to read dumps")
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, orEmpty(recs))
}

func snapshot(l *bootstrap.CollectiveLogger) CollectiveLogStatus {
	colls, srs := l.Snapshot()

	sort.SliceStable(colls, func(i, j int) bool { return colls[i].First.Before(colls[j].First) })

	return CollectiveLogStatus{Collectives: orEmpty(colls), SendRecv: orEmpty(srs)}
}

func parseKey(w http.ResponseWriter, r *http.Request) (hccltypes.UniqueID, bool) {
	raw := chi.URLParam(r, "key")

	key, err := hccltypes.ParseUniqueID(raw)
	if err != nil {
		writeError(w, hcclerrors.InvalidArgument("session key %q", raw).Error(), http.StatusBadRequest)
		return key, false
	}

	return key, true
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
