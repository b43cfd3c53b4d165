// Package api exposes the HTTP command surface for the notewatch service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/notewatch/internal/metrics"
	"github.com/JakeFAU/notewatch/internal/tracker"
)

// SessionController is the login surface of the session manager.
type SessionController interface {
	StartLogin(ctx context.Context, phone string) error
	SubmitChallenge(ctx context.Context, code string) error
	Reset(ctx context.Context)
	Session() tracker.Session
}

// BatchRunner is the run surface of the batch orchestrator.
type BatchRunner interface {
	Start(ctx context.Context) error
	Running() bool
	Current() (tracker.Progress, bool)
	LastRun() (tracker.Progress, bool)
}

// Check is a named readiness probe.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Options configures a Server.
type Options struct {
	Sessions    SessionController
	Batch       BatchRunner
	Progress    tracker.ProgressStore
	ProgressKey string
	// RunContext parents batch runs started over HTTP so that they outlive
	// the request. Defaults to context.Background().
	RunContext     context.Context
	AuthEnabled    bool
	APIKey         string
	RequestTimeout time.Duration
	Checks         []Check
	Logger         *zap.Logger
}

// Server wires HTTP handlers to the session manager and orchestrator.
type Server struct {
	router   chi.Router
	sessions SessionController
	batch    BatchRunner
	progress tracker.ProgressStore
	key      string
	runCtx   context.Context
	checks   []Check
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	runCtx := opts.RunContext
	if runCtx == nil {
		runCtx = context.Background()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	s := &Server{
		sessions: opts.Sessions,
		batch:    opts.Batch,
		progress: opts.Progress,
		key:      opts.ProgressKey,
		runCtx:   runCtx,
		checks:   opts.Checks,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(timeout))
		if opts.AuthEnabled {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Post("/login", s.startLogin)
		r.Post("/login/challenge", s.submitChallenge)
		r.Post("/session/reset", s.resetSession)
		r.Get("/progress", s.getProgress)
		r.Delete("/progress", s.clearProgress)
		r.Post("/batch/run", s.runBatch)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failed := map[string]string{}
	for _, c := range s.checks {
		if err := c.Fn(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.String("check", c.Name), zap.Error(err))
			failed[c.Name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type loginRequest struct {
	Phone string `json:"phone"`
}

type challengeRequest struct {
	Code string `json:"code"`
}

func (s *Server) startLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.sessions.StartLogin(r.Context(), req.Phone); err != nil {
		s.writeDomainError(w, "start login", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"session": toSessionDTO(s.sessions.Session())})
}

func (s *Server) submitChallenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.sessions.SubmitChallenge(r.Context(), req.Code); err != nil {
		s.writeDomainError(w, "submit challenge", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"session": toSessionDTO(s.sessions.Session())})
}

func (s *Server) resetSession(w http.ResponseWriter, r *http.Request) {
	s.sessions.Reset(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"session": toSessionDTO(s.sessions.Session())})
}

func (s *Server) runBatch(w http.ResponseWriter, _ *http.Request) {
	if err := s.batch.Start(s.runCtx); err != nil {
		s.writeDomainError(w, "start batch", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": string(tracker.UpdateUpdating)})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case tracker.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, tracker.ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, tracker.ErrAlreadyInProgress),
		errors.Is(err, tracker.ErrNoActiveChallenge),
		errors.Is(err, tracker.ErrBatchInProgress):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeDomainError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(op+" failed", zap.Error(err))
	} else {
		s.logger.Info(op+" rejected", zap.Int("status", status), zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the request ID stored by the middleware, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
