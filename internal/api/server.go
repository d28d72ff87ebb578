// Package api exposes the orchestrator's webhook surface over HTTP.
// Every endpoint is idempotent: agents retry deliveries, and a replay
// must land exactly where the first delivery did.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/swarmops/swarmops/internal/config"
	"github.com/swarmops/swarmops/internal/metrics"
	"github.com/swarmops/swarmops/internal/orchestrator"
	"github.com/swarmops/swarmops/internal/review"
	"github.com/swarmops/swarmops/internal/swarmerr"
)

// Core is the slice of the orchestrator the HTTP layer needs.
type Core interface {
	HandleWorkerComplete(ctx context.Context, p orchestrator.WorkerComplete) (orchestrator.Disposition, error)
	HandleTaskComplete(ctx context.Context, p orchestrator.TaskComplete) (orchestrator.Disposition, error)
	HandleReviewResult(ctx context.Context, v review.Verdict) (orchestrator.Disposition, error)
	HandleFixComplete(ctx context.Context, f review.FixReport) (orchestrator.Disposition, error)
	HandleSpecComplete(ctx context.Context, p orchestrator.SpecComplete) (orchestrator.Disposition, error)
	Orchestrate(ctx context.Context, req orchestrator.OrchestrateRequest) (*orchestrator.OrchestrateResult, error)
	Metrics() *metrics.Metrics
}

// Server carries the webhook routes and their middleware.
type Server struct {
	router chi.Router
	core   Core
	cfg    config.ServerConfig
	logger *slog.Logger
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New builds the server around one orchestrator core.
func New(cfg config.ServerConfig, core Core, opts ...Option) *Server {
	s := &Server{
		core:   core,
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.core.Metrics().Handler())

	// Agent-facing webhooks. Paths here must match the URLs the
	// dispatcher embeds into prompts.
	r.Post("/worker-complete", s.handleWorkerComplete)
	r.Post("/task-complete", s.handleTaskComplete)
	r.Post("/review-result", s.handleReviewResult)
	r.Post("/fix-complete", s.handleFixComplete)
	r.Post("/spec-complete", s.handleSpecComplete)

	// Operator-facing. The dashboard calls this cross-origin.
	r.Group(func(r chi.Router) {
		if len(s.cfg.CORSOrigins) > 0 {
			r.Use(cors.New(cors.Options{
				AllowedOrigins: s.cfg.CORSOrigins,
				AllowedMethods: []string{http.MethodPost, http.MethodOptions},
				AllowedHeaders: []string{"Accept", "Content-Type"},
				MaxAge:         300,
			}).Handler)
		}
		r.Post("/orchestrate", s.handleOrchestrate)
	})

	return r
}

// ListenAndServe runs the server until ctx is cancelled, then drains
// in-flight handlers within the configured shutdown timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server listening", "addr", s.cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return srv.Close()
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWorkerComplete(w http.ResponseWriter, r *http.Request) {
	var p orchestrator.WorkerComplete
	if !s.decode(w, r, "worker-complete", &p) {
		return
	}
	disp, err := s.core.HandleWorkerComplete(r.Context(), p)
	s.finish(w, "worker-complete", disp, err)
}

func (s *Server) handleTaskComplete(w http.ResponseWriter, r *http.Request) {
	var p orchestrator.TaskComplete
	if !s.decode(w, r, "task-complete", &p) {
		return
	}
	disp, err := s.core.HandleTaskComplete(r.Context(), p)
	s.finish(w, "task-complete", disp, err)
}

func (s *Server) handleReviewResult(w http.ResponseWriter, r *http.Request) {
	var v review.Verdict
	if !s.decode(w, r, "review-result", &v) {
		return
	}
	disp, err := s.core.HandleReviewResult(r.Context(), v)
	s.finish(w, "review-result", disp, err)
}

func (s *Server) handleFixComplete(w http.ResponseWriter, r *http.Request) {
	var f review.FixReport
	if !s.decode(w, r, "fix-complete", &f) {
		return
	}
	disp, err := s.core.HandleFixComplete(r.Context(), f)
	s.finish(w, "fix-complete", disp, err)
}

func (s *Server) handleSpecComplete(w http.ResponseWriter, r *http.Request) {
	var p orchestrator.SpecComplete
	if !s.decode(w, r, "spec-complete", &p) {
		return
	}
	disp, err := s.core.HandleSpecComplete(r.Context(), p)
	s.finish(w, "spec-complete", disp, err)
}

func (s *Server) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.OrchestrateRequest
	if !s.decode(w, r, "orchestrate", &req) {
		return
	}
	res, err := s.core.Orchestrate(r.Context(), req)
	if err != nil {
		s.core.Metrics().Webhooks.WithLabelValues("orchestrate", metrics.OutcomeError).Inc()
		s.respondError(w, err)
		return
	}
	s.core.Metrics().Webhooks.WithLabelValues("orchestrate", metrics.OutcomeOK).Inc()
	s.respond(w, http.StatusOK, map[string]any{"status": "ok", "result": res})
}

// decode reads the JSON body; a malformed body is the sender's bug and
// gets a 400 with a structured message, never a retry hint.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, endpoint string, into any) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(into); err != nil {
		s.core.Metrics().Webhooks.WithLabelValues(endpoint, metrics.OutcomeInvalid).Inc()
		s.respond(w, http.StatusBadRequest, map[string]string{
			"status":  "error",
			"message": "invalid JSON body: " + err.Error(),
		})
		return false
	}
	return true
}

// finish maps a webhook disposition onto the response. Orphans are
// acknowledged with 200 so the sending agent stops retrying; the
// mismatch is already logged server-side.
func (s *Server) finish(w http.ResponseWriter, endpoint string, disp orchestrator.Disposition, err error) {
	if err != nil {
		s.core.Metrics().Webhooks.WithLabelValues(endpoint, metrics.OutcomeError).Inc()
		s.respondError(w, err)
		return
	}
	switch disp {
	case orchestrator.Orphan:
		s.core.Metrics().Webhooks.WithLabelValues(endpoint, metrics.OutcomeOrphan).Inc()
		s.respond(w, http.StatusOK, map[string]string{"status": "ignored"})
	default:
		s.core.Metrics().Webhooks.WithLabelValues(endpoint, metrics.OutcomeOK).Inc()
		s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}

// respondError renders a structured error. Internal detail stays in the
// log; the wire carries the code and the user-facing message only.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	var se *swarmerr.Error
	if errors.As(err, &se) {
		s.respond(w, se.HTTPStatus(), map[string]string{
			"status":  "error",
			"code":    string(se.Code),
			"message": se.UserMessage(),
		})
		return
	}
	s.logger.Error("webhook handler failed", "error", err)
	s.respond(w, http.StatusInternalServerError, map[string]string{
		"status":  "error",
		"message": "internal error",
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			s.logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}
