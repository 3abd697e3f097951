// Package server exposes published weekly proofs over HTTP and accepts
// signed finalization requests.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/ideepx/proofengine/distributor/pkg/lock"
	"github.com/ideepx/proofengine/distributor/pkg/metrics"
	"github.com/ideepx/proofengine/distributor/pkg/proof"
	"github.com/ideepx/proofengine/distributor/pkg/runner"
	"github.com/ideepx/proofengine/distributor/pkg/snapshot"
	"github.com/ideepx/proofengine/utils/pkg/dberror"
)

const maxBodyBytes = 64 << 10

// Proofs reads published proofs. *proof.Publisher implements it.
type Proofs interface {
	Get(ctx context.Context, week uint64) (proof.Record, error)
	Latest(ctx context.Context) (proof.Record, error)
	VerifyWeek(ctx context.Context, week uint64) (*snapshot.Snapshot, proof.Record, error)
}

// Finalizer finalizes a week with a request signed by the backend
// principal. *runner.Runner implements it.
type Finalizer interface {
	FinalizeSigned(ctx context.Context, req proof.SignedRequest, week uint64) (runner.Outcome, error)
}

type Config struct {
	Logger    *slog.Logger
	Proofs    Proofs
	Finalizer Finalizer
	Clock     clockwork.Clock

	// Ready reports whether backing stores are reachable.
	Ready func(ctx context.Context) error

	Version string
	Commit  string
	Date    string

	AllowedOrigins []string
	RateLimit      rate.Limit
	RateBurst      int

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Proofs == nil {
		return errors.New("proofs are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Ready == nil {
		cfg.Ready = func(context.Context) error { return nil }
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = rate.Every(time.Minute / 120)
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Minute
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return nil
}

type Server struct {
	log    *slog.Logger
	cfg    Config
	router *chi.Mux
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{log: cfg.Logger, cfg: cfg, router: chi.NewRouter()}
	s.setupRoutes()
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RealIP)
	s.router.Use(s.metricsMiddleware)
	s.router.Use(middleware.Recoverer)
	if len(s.cfg.AllowedOrigins) > 0 {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type"},
			MaxAge:         300,
		}))
	}

	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/readyz", s.handleReady)
	s.router.Get("/version", s.handleVersion)

	s.router.Route("/v1/proofs", func(r chi.Router) {
		r.Use(RateLimitMiddleware(NewRateLimiter(s.cfg.RateLimit, s.cfg.RateBurst, s.cfg.Clock)))
		r.Get("/latest", s.handleLatest)
		r.Get("/{week}", s.handleGet)
		r.Get("/{week}/verify", s.handleVerify)
		r.Post("/{week}/finalize", s.handleFinalize)
	})
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server: listening", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	s.log.Info("server: stopped")
	return nil
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
		s.log.Debug("server: request", "method", r.Method, "route", route, "status", ww.Status(), "duration", time.Since(start))
	})
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type versionResponse struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// VerifyResponse reports the result of re-checking a published snapshot.
type VerifyResponse struct {
	Week        uint64            `json:"weekNumber"`
	Verified    bool              `json:"verified"`
	ContentHash string            `json:"contentHash"`
	Locator     string            `json:"contentLocator,omitempty"`
	State       proof.State       `json:"state"`
	Summary     *snapshot.Summary `json:"summary,omitempty"`
	Reason      string            `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps engine errors to HTTP statuses. Unexpected errors are
// logged and reported without detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		status = http.StatusInternalServerError
		code   = "internal_error"
	)
	switch {
	case errors.Is(err, proof.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, proof.ErrUnauthorized):
		status, code = http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, proof.ErrWeekFinalized),
		errors.Is(err, proof.ErrWeekAlreadySubmitted),
		errors.Is(err, proof.ErrWeekInProgress),
		errors.Is(err, proof.ErrInvalidTransition),
		errors.Is(err, lock.ErrHeld):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, proof.ErrVerificationFailed),
		errors.Is(err, snapshot.ErrChecksumMismatch):
		status, code = http.StatusUnprocessableEntity, "verification_failed"
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error("server: request failed", "path", r.URL.Path, "error", err)
		msg = "internal error"
		switch dberror.Classify(err) {
		case dberror.ErrorTypeConnectivity, dberror.ErrorTypeTimeout:
			status, code, msg = http.StatusServiceUnavailable, "unavailable", dberror.UserMessage(err)
		}
	}
	writeJSON(w, status, errorResponse{Error: code, Message: msg})
}

func parseWeek(r *http.Request) (uint64, error) {
	week, err := strconv.ParseUint(chi.URLParam(r, "week"), 10, 64)
	if err != nil || week == 0 {
		return 0, fmt.Errorf("invalid week %q", chi.URLParam(r, "week"))
	}
	return week, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.cfg.Ready(ctx); err != nil {
		s.log.Warn("server: not ready", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "not_ready", Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, versionResponse{Version: s.cfg.Version, Commit: s.cfg.Commit, Date: s.cfg.Date})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	rec, err := s.cfg.Proofs.Latest(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	week, err := parseWeek(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request", Message: err.Error()})
		return
	}
	rec, err := s.cfg.Proofs.Get(r.Context(), week)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	week, err := parseWeek(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request", Message: err.Error()})
		return
	}
	snap, rec, err := s.cfg.Proofs.VerifyWeek(r.Context(), week)
	if err != nil {
		if errors.Is(err, proof.ErrVerificationFailed) || errors.Is(err, snapshot.ErrChecksumMismatch) {
			writeJSON(w, http.StatusUnprocessableEntity, VerifyResponse{
				Week:        week,
				ContentHash: rec.ContentHash,
				Locator:     rec.Locator,
				State:       rec.State,
				Reason:      err.Error(),
			})
			return
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, VerifyResponse{
		Week:        week,
		Verified:    true,
		ContentHash: rec.ContentHash,
		Locator:     rec.Locator,
		State:       rec.State,
		Summary:     &snap.Summary,
	})
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Finalizer == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "not_implemented", Message: "finalization is disabled"})
		return
	}
	week, err := parseWeek(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request", Message: err.Error()})
		return
	}
	var req proof.SignedRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request", Message: "invalid request body"})
		return
	}

	out, err := s.cfg.Finalizer.FinalizeSigned(r.Context(), req, week)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("server: week finalized", "week", week, "run_id", out.RunID, "dry_run", out.DryRun)
	writeJSON(w, http.StatusOK, out.Record)
}
