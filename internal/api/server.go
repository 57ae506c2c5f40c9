package api

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lox/floodwatch/internal/alert"
	"github.com/lox/floodwatch/internal/ingest"
	"github.com/lox/floodwatch/internal/risk"
	"github.com/lox/floodwatch/internal/store"
	"github.com/lox/floodwatch/internal/toast"
	"github.com/lox/floodwatch/internal/watch"
	"github.com/lox/floodwatch/internal/weather"
)

// Deps are the components the HTTP API serves. Weather may be nil when no
// OpenWeather key is configured.
type Deps struct {
	Store     *store.Store
	Scheduler *ingest.Scheduler
	Locations *watch.Locations
	Notifier  *alert.Notifier
	Toasts    *toast.Feed
	Weather   weather.Fetcher
	Predictor risk.Predictor
	Clock     clockwork.Clock
	Logger    *zap.Logger
}

type Server struct {
	Deps
	addr string
	tmpl *template.Template
}

func NewServer(d Deps, addr string) *Server {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Server{Deps: d, addr: addr, tmpl: newTemplates()}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /", s.handleIndex)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/risk", s.handleRisk)
	mux.HandleFunc("GET /api/risk/levels", s.handleRiskLevels)
	mux.HandleFunc("GET /api/weather", s.handleWeather)
	mux.HandleFunc("GET /api/precipitation", s.handlePrecipitation)
	mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	mux.HandleFunc("GET /api/refresh/health", s.handleRefreshHealth)

	mux.HandleFunc("GET /api/locations", s.handleListLocations)
	mux.HandleFunc("POST /api/locations", s.handleAddLocation)
	mux.HandleFunc("GET /api/locations/saved", s.handleIsSaved)
	mux.HandleFunc("DELETE /api/locations/{id}", s.handleRemoveLocation)
	mux.HandleFunc("POST /api/locations/{id}/notifications", s.handleToggleNotifications)

	mux.HandleFunc("GET /api/notifications/permission", s.handleGetPermission)
	mux.HandleFunc("POST /api/notifications/permission", s.handleSetPermission)
	mux.HandleFunc("GET /api/alerts", s.handleAlertHistory)
	mux.HandleFunc("GET /api/toasts", s.handleToasts)
	mux.HandleFunc("DELETE /api/session", s.handleEndSession)

	return s.logRequests(mux)
}

// Run serves until ctx is cancelled, then drains for up to shutdownTimeout.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.Logger.Info("starting server", zap.String("addr", s.addr))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.Clock.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			return
		}
		s.Logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("took", s.Clock.Since(start)),
		)
	})
}

type HealthStatus struct {
	Status             string     `json:"status"`
	Provider           string     `json:"provider"`
	SnapshotUpdatedAt  *time.Time `json:"snapshotUpdatedAt,omitempty"`
	SnapshotAgeSeconds int        `json:"snapshotAgeSeconds"`
	Stale              bool       `json:"stale"`
	Refreshing         bool       `json:"refreshing"`
	SchemaVersion      int        `json:"schemaVersion"`
	Errors             []string   `json:"errors,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.Scheduler.Snapshot()
	health := HealthStatus{
		Status:             "ok",
		Provider:           snap.Provider,
		Stale:              snap.Stale,
		Refreshing:         s.Scheduler.Refreshing(),
		SnapshotAgeSeconds: -1,
	}
	if !snap.UpdatedAt.IsZero() {
		updated := snap.UpdatedAt
		health.SnapshotUpdatedAt = &updated
		health.SnapshotAgeSeconds = int(s.Clock.Since(updated).Seconds())
	}
	if snap.LastError != "" {
		health.Errors = append(health.Errors, snap.LastError)
	}

	version, err := s.Store.MigrationVersion()
	if err != nil {
		health.Status = "error"
		health.Errors = append(health.Errors, "schema: "+err.Error())
		writeJSON(w, http.StatusInternalServerError, health)
		return
	}
	health.SchemaVersion = version

	writeJSON(w, http.StatusOK, health)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
