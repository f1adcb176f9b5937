// Package server runs the HTTP side of fieldgraph serve: health and
// readiness checks of the row database and the graph mirror, the metrics
// endpoint and an orderly shutdown.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Status is the state of one check or of the whole service.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// Check is the outcome of one health check.
type Check struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Backend string `json:"backend,omitempty"`
	Message string `json:"message,omitempty"`
}

// Report is the body of /health and /ready.
type Report struct {
	Status    Status    `json:"status"`
	Version   string    `json:"version,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Checks    []Check   `json:"checks,omitempty"`
}

// Checker runs one health check.
type Checker func(ctx context.Context) Check

// Database reports the row database down when ping fails.
func Database(ping func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Check {
		if err := ping(ctx); err != nil {
			return Check{Name: "database", Status: StatusDown, Message: err.Error()}
		}
		return Check{Name: "database", Status: StatusOK}
	}
}

// Graph checks the graph mirror with load. A nil load means the graph is
// only stored with the rows. A failing mirror degrades the service; it is
// never down on its account.
func Graph(backend string, load func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Check {
		c := Check{Name: "graph", Backend: backend, Status: StatusOK}
		if load == nil {
			c.Message = "stored with the rows"
			return c
		}
		if err := load(ctx); err != nil {
			c.Status = StatusDegraded
			c.Message = err.Error()
		}
		return c
	}
}

// Config configures a Server.
type Config struct {
	Version string
	Addr    string
	// ShutdownTimeout bounds the HTTP drain and the shutdown hooks together.
	ShutdownTimeout time.Duration
	// Signals stop Run. Default: SIGINT and SIGTERM.
	Signals []os.Signal
	Logger  *slog.Logger
}

type hook struct {
	name string
	fn   func(ctx context.Context) error
}

// Server serves the health endpoints and mounted handlers until stopped.
type Server struct {
	cfg    Config
	logger *slog.Logger
	ready  atomic.Bool

	mu     sync.Mutex
	checks []Checker
	mounts map[string]http.Handler
	hooks  []hook
}

// New creates a server from cfg.
func New(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":9090"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	if len(cfg.Signals) == 0 {
		cfg.Signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger, mounts: make(map[string]http.Handler)}
}

// AddCheck adds a check to /health. Checks run in the order added.
func (s *Server) AddCheck(c Checker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks = append(s.checks, c)
}

// Mount serves h under pattern next to the health endpoints.
func (s *Server) Mount(pattern string, h http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mounts[pattern] = h
}

// OnShutdown registers fn to run after the listener stopped. Hooks run in
// the order registered; a failing hook is logged and the rest still run.
func (s *Server) OnShutdown(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook{name: name, fn: fn})
}

// Ready reports whether Run is accepting traffic.
func (s *Server) Ready() bool {
	return s.ready.Load()
}

// Handler returns the mux with /health, /ready and every mounted handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	s.mu.Lock()
	for pattern, h := range s.mounts {
		mux.Handle(pattern, h)
	}
	s.mu.Unlock()
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	s.mu.Lock()
	checks := append([]Checker(nil), s.checks...)
	s.mu.Unlock()

	rep := Report{Status: StatusOK, Version: s.cfg.Version, Timestamp: time.Now().UTC()}
	for _, check := range checks {
		c := check(ctx)
		rep.Checks = append(rep.Checks, c)
		switch {
		case c.Status == StatusDown:
			rep.Status = StatusDown
		case c.Status == StatusDegraded && rep.Status == StatusOK:
			rep.Status = StatusDegraded
		}
	}
	code := http.StatusOK
	if rep.Status == StatusDown {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	rep := Report{Status: StatusOK, Version: s.cfg.Version, Timestamp: time.Now().UTC()}
	code := http.StatusOK
	if !s.Ready() {
		rep.Status = StatusDown
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// Run listens on the configured address and serves until ctx is done or
// one of the configured signals arrives. It then stops accepting traffic,
// drains open requests and runs the shutdown hooks.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, stop := signal.NotifyContext(ctx, s.cfg.Signals...)
	defer stop()

	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()
	s.ready.Store(true)
	s.logger.Info("serving", "addr", ln.Addr().String())

	var serveErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutting down", "cause", context.Cause(ctx))
	case serveErr = <-served:
	}
	s.ready.Store(false)

	sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		s.logger.Error("http shutdown", "error", err)
	}

	s.mu.Lock()
	hooks := append([]hook(nil), s.hooks...)
	s.mu.Unlock()
	for _, h := range hooks {
		if err := h.fn(sctx); err != nil {
			s.logger.Error("shutdown hook failed", "hook", h.name, "error", err)
		}
	}
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return nil
}
