package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazz-dev/svcwatch/internal/check"
	"github.com/hazz-dev/svcwatch/internal/config"
	"github.com/hazz-dev/svcwatch/internal/dashboard"
	"github.com/hazz-dev/svcwatch/internal/storage"
)

// ServerStore defines the journal queries the server needs.
type ServerStore interface {
	LatestRun(ctx context.Context, service string) (*storage.Run, error)
	AllLatest(ctx context.Context) ([]storage.Run, error)
	ServiceHistory(ctx context.Context, service string, limit, offset int) ([]storage.Run, int, error)
	UptimePercent(ctx context.Context, service string, last int) (float64, error)
	Notifications(ctx context.Context, service string, limit int) ([]storage.Notification, error)
}

// Watched is a service whose live state the server reports.
type Watched interface {
	Service() config.Service
	Snapshot() check.Status
}

// Server holds the chi router and its dependencies.
type Server struct {
	store    ServerStore
	services []Watched
	index    map[string]Watched
	metrics  http.Handler
	router   chi.Router
	logger   *slog.Logger
}

// New creates a new Server and registers all routes. metrics may be nil, in
// which case /metrics is not served.
func New(store ServerStore, services []Watched, metrics http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:    store,
		services: services,
		index:    make(map[string]Watched, len(services)),
		metrics:  metrics,
		router:   chi.NewRouter(),
		logger:   logger,
	}
	for _, w := range services {
		s.index[w.Service().Name] = w
	}
	s.registerRoutes()
	return s
}

// Router returns the chi router (for mounting or testing).
func (s *Server) Router() chi.Router {
	return s.router
}

func (s *Server) registerRoutes() {
	r := s.router
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/services", s.handleListServices)
	r.Get("/api/services/{name}", s.handleGetService)
	r.Get("/api/services/{name}/history", s.handleGetServiceHistory)
	r.Get("/api/services/{name}/notifications", s.handleGetNotifications)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	r.Handle("/*", dashboard.Handler())
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "address", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown", "error", err)
	}
	return nil
}

// --- Response helpers ---

type envelope struct {
	Data  interface{} `json:"data"`
	Error string      `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Error: msg})
}

func queryInt(r *http.Request, key string, def, max int) (int, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	if max > 0 && n > max {
		n = max
	}
	return n, true
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type serviceDetail struct {
	Name               string       `json:"name"`
	Command            string       `json:"command"`
	IntervalOK         string       `json:"interval_ok"`
	IntervalFail       string       `json:"interval_fail"`
	MaxAttempts        int          `json:"max_attempts"`
	Notify             bool         `json:"notify"`
	Status             string       `json:"status"`
	AttemptCount       int          `json:"attempt_count"`
	FailureAlertArmed  bool         `json:"failure_alert_armed"`
	RecoveryAlertArmed bool         `json:"recovery_alert_armed"`
	NextCheckAt        *time.Time   `json:"next_check_at"`
	OutageID           string       `json:"outage_id,omitempty"`
	LastResult         string       `json:"last_result,omitempty"`
	LastRun            *storage.Run `json:"last_run"`
	UptimePct          float64      `json:"uptime_percent"`
}

// describe merges the live state of wt with its most recent journaled run.
func (s *Server) describe(ctx context.Context, wt Watched, latest *storage.Run) serviceDetail {
	svc := wt.Service()
	st := wt.Snapshot()

	d := serviceDetail{
		Name:               svc.Name,
		Command:            shellescape.QuoteCommand(svc.Command),
		IntervalOK:         svc.IntervalOK.Duration.String(),
		IntervalFail:       svc.IntervalFail.Duration.String(),
		MaxAttempts:        svc.MaxAttempts,
		Notify:             svc.Notify,
		Status:             "unknown",
		AttemptCount:       st.AttemptCount,
		FailureAlertArmed:  st.FailureAlertArmed,
		RecoveryAlertArmed: st.RecoveryAlertArmed,
		OutageID:           st.OutageID,
		LastResult:         st.LastResult,
		LastRun:            latest,
	}
	if st.LastStatus != "" {
		d.Status = string(st.LastStatus)
	}
	if !st.NextCheckAt.IsZero() {
		t := st.NextCheckAt
		d.NextCheckAt = &t
	}
	if latest != nil {
		pct, err := s.store.UptimePercent(ctx, svc.Name, 100)
		if err != nil {
			s.logger.Warn("UptimePercent", "service", svc.Name, "error", err)
		}
		d.UptimePct = pct
	}
	return d
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.AllLatest(r.Context())
	if err != nil {
		s.logger.Error("AllLatest", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	latest := make(map[string]*storage.Run, len(runs))
	for i := range runs {
		latest[runs[i].Service] = &runs[i]
	}

	details := make([]serviceDetail, 0, len(s.services))
	for _, wt := range s.services {
		details = append(details, s.describe(r.Context(), wt, latest[wt.Service().Name]))
	}
	writeJSON(w, http.StatusOK, details)
}

type serviceDetailResponse struct {
	serviceDetail
	RecentRuns []storage.Run `json:"recent_runs"`
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	wt, ok := s.index[name]
	if !ok {
		writeError(w, http.StatusNotFound, "service not found")
		return
	}

	latest, err := s.store.LatestRun(r.Context(), name)
	if err != nil {
		s.logger.Error("LatestRun", "service", name, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	d := s.describe(r.Context(), wt, latest)

	history, _, err := s.store.ServiceHistory(r.Context(), name, 10, 0)
	if err != nil {
		s.logger.Error("ServiceHistory", "service", name, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, serviceDetailResponse{
		serviceDetail: d,
		RecentRuns:    history,
	})
}

type historyResponse struct {
	Runs  []storage.Run `json:"runs"`
	Total int           `json:"total"`
}

func (s *Server) handleGetServiceHistory(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := s.index[name]; !ok {
		writeError(w, http.StatusNotFound, "service not found")
		return
	}

	limit, ok := queryInt(r, "limit", 50, 1000)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid limit parameter")
		return
	}
	offset, ok := queryInt(r, "offset", 0, 0)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid offset parameter")
		return
	}

	runs, total, err := s.store.ServiceHistory(r.Context(), name, limit, offset)
	if err != nil {
		s.logger.Error("ServiceHistory", "service", name, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, historyResponse{
		Runs:  runs,
		Total: total,
	})
}

func (s *Server) handleGetNotifications(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := s.index[name]; !ok {
		writeError(w, http.StatusNotFound, "service not found")
		return
	}

	limit, ok := queryInt(r, "limit", 20, 500)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid limit parameter")
		return
	}

	notes, err := s.store.Notifications(r.Context(), name, limit)
	if err != nil {
		s.logger.Error("Notifications", "service", name, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if notes == nil {
		notes = []storage.Notification{}
	}
	writeJSON(w, http.StatusOK, notes)
}

// --- Middleware ---

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", time.Since(start),
		)
	})
}
