package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/market-index-scraper/internal/crawler"
	"github.com/JakeFAU/market-index-scraper/internal/metrics"
	"github.com/JakeFAU/market-index-scraper/internal/report"
)

const defaultRequestTimeout = 60 * time.Second

// Runner executes one scrape.
type Runner interface {
	Run(ctx context.Context) (crawler.RunReport, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context) (crawler.RunReport, error)

// Run calls f(ctx).
func (f RunnerFunc) Run(ctx context.Context) (crawler.RunReport, error) {
	return f(ctx)
}

// Config controls the server's middleware.
type Config struct {
	AuthEnabled    bool
	APIKey         string
	RequestTimeout time.Duration
	// BaseContext parents background runs; canceling it aborts them.
	BaseContext context.Context
}

// Server wires HTTP handlers to the scrape runner.
type Server struct {
	router chi.Router
	runner Runner
	clock  crawler.Clock
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	latest    *crawler.RunReport
	lastErr   string
	wg        sync.WaitGroup
}

// RunStatus is the body of GET /v1/runs/latest.
type RunStatus struct {
	Running   bool               `json:"running"`
	StartedAt *time.Time         `json:"started_at,omitempty"`
	Error     string             `json:"error,omitempty"`
	Report    *crawler.RunReport `json:"report,omitempty"`
}

// NewServer constructs a Server with middleware and routes.
func NewServer(runner Runner, clock crawler.Clock, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	s := &Server{
		runner: runner,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1/runs", func(r chi.Router) {
		r.With(s.authMiddleware).Post("/", s.startRun)
		r.Get("/latest", s.latestRun)
		r.Get("/latest/report.csv", s.latestReport)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Wait blocks until the background run, if any, has returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) startRun(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "a run is already in progress")
		return
	}
	s.running = true
	s.startedAt = s.clock.Now()
	started := s.startedAt
	s.wg.Add(1)
	s.mu.Unlock()

	go s.execute()

	writeJSON(w, http.StatusAccepted, RunStatus{Running: true, StartedAt: &started})
}

func (s *Server) execute() {
	defer s.wg.Done()
	run, err := s.runner.Run(s.cfg.BaseContext)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	if err != nil {
		s.lastErr = err.Error()
		s.logger.Error("run failed", zap.Error(err))
		return
	}
	s.lastErr = ""
	s.latest = &run
	s.logger.Info("run completed",
		zap.String("run_id", run.Summary.RunID),
		zap.Int("records", len(run.Records)),
	)
}

func (s *Server) latestRun(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	status := RunStatus{Running: s.running, Error: s.lastErr, Report: s.latest}
	if s.running {
		started := s.startedAt
		status.StartedAt = &started
	}
	s.mu.Unlock()

	if !status.Running && status.Report == nil && status.Error == "" {
		writeError(w, http.StatusNotFound, "no run yet")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) latestReport(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	latest := s.latest
	s.mu.Unlock()

	if latest == nil {
		writeError(w, http.StatusNotFound, "no report yet")
		return
	}
	w.Header().Set("Content-Type", report.ContentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(latest.ReportCSV); err != nil {
		s.logger.Warn("write report failed", zap.Error(err))
	}
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if !s.cfg.AuthEnabled {
		return next
	}
	return apiKeyMiddleware(s.cfg.APIKey)(next)
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

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", requestID(r.Context())),
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

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

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
