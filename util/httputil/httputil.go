// Package httputil builds the small admin HTTP server every target in
// cmd/messaging exposes alongside its Kafka/Postgres/Redis work: health,
// readiness, build info, and the prometheus scrape endpoint. It mirrors
// cmd/tempo-federated-querier's gorilla/mux handler instead of dskit's
// heavier services-aware server, since the ring/membership machinery that
// server exists for is out of scope here.
package httputil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flarecore/messaging-core/util/metrics"
)

// BuildInfo is static version metadata stamped at link time, reported on
// /status/buildinfo the same way cmd/tempo-federated-querier does.
type BuildInfo struct {
	Version   string
	Revision  string
	Branch    string
	BuildDate string
	GoVersion string
}

// Checker reports a single dependency's health for /ready; name becomes
// the JSON key in the readiness response.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// CheckerFunc adapts a plain function to Checker.
type CheckerFunc struct {
	CheckerName string
	Fn          func(ctx context.Context) error
}

func (c CheckerFunc) Name() string                      { return c.CheckerName }
func (c CheckerFunc) Check(ctx context.Context) error    { return c.Fn(ctx) }

// Server is the admin HTTP surface for one messaging target: health,
// readiness over its wired dependencies, build info, and /metrics.
type Server struct {
	cfg      Config
	logger   log.Logger
	build    BuildInfo
	registry *metrics.Registry

	mu       sync.RWMutex
	checkers []Checker

	httpServer *http.Server
}

// Config names the listen address and the per-check timeout readiness
// probes are bounded by.
type Config struct {
	ListenAddress string        `yaml:"listen_address"`
	ReadyTimeout  time.Duration `yaml:"ready_timeout"`
}

func DefaultConfig() Config {
	return Config{ListenAddress: ":8080", ReadyTimeout: 2 * time.Second}
}

func NewServer(cfg Config, logger log.Logger, build BuildInfo, registry *metrics.Registry) *Server {
	return &Server{cfg: cfg, logger: logger, build: build, registry: registry}
}

// AddChecker registers a dependency readiness probe (Postgres ping, Redis
// ping, Kafka metadata fetch). Safe to call after the server has started.
func (s *Server) AddChecker(c Checker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkers = append(s.checkers, c)
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.readyHandler).Methods(http.MethodGet)
	r.HandleFunc("/status/buildinfo", s.buildInfoHandler).Methods(http.MethodGet)
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return r
}

// ListenAndServe blocks serving the admin router until ctx is cancelled,
// then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.ListenAddress,
		Handler: s.router(),
	}

	errCh := make(chan error, 1)
	go func() {
		level.Info(s.logger).Log("msg", "admin http server listening", "addr", s.cfg.ListenAddress)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			level.Error(s.logger).Log("msg", "admin http server shutdown error", "err", err)
			return err
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ok")
}

// readyHandler runs every registered checker with the configured timeout
// and reports 503 plus every failing check if any dependency is down.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	checkers := append([]Checker(nil), s.checkers...)
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ReadyTimeout)
	defer cancel()

	failures := map[string]string{}
	for _, c := range checkers {
		if err := c.Check(ctx); err != nil {
			failures[c.Name()] = err.Error()
		}
	}

	if len(failures) > 0 {
		level.Warn(s.logger).Log("msg", "readiness check failed", "failures", fmt.Sprintf("%v", failures))
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]any{"ready": false, "failures": failures})
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ready")
}

func (s *Server) buildInfoHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.build)
}
