// Package server exposes metrics, health probes and optionally pprof while
// the agent runs in watch mode
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/therealutkarshpriyadarshi/logwatch/internal/health"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/logging"
)

// Config holds server configuration. An empty address disables the
// corresponding server.
type Config struct {
	MetricsAddress  string
	MetricsPath     string
	HealthAddress   string
	LivenessPath    string
	ReadinessPath   string
	Profiling       bool
	MetricsRegistry *prometheus.Registry
	HealthChecker   *health.Checker
	Logger          *logging.Logger
}

type endpoint struct {
	name   string
	server *http.Server
	ln     net.Listener
}

// Server provides HTTP endpoints for metrics and health checks
type Server struct {
	endpoints []*endpoint
	logger    *logging.Logger
	wg        sync.WaitGroup
}

// New creates a new server
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	s := &Server{logger: cfg.Logger.WithComponent("server")}

	if cfg.MetricsAddress != "" && cfg.MetricsRegistry != nil {
		metricsPath := cfg.MetricsPath
		if metricsPath == "" {
			metricsPath = "/metrics"
		}

		mux := http.NewServeMux()
		mux.Handle(metricsPath, promhttp.HandlerFor(
			cfg.MetricsRegistry,
			promhttp.HandlerOpts{EnableOpenMetrics: true},
		))
		if cfg.Profiling {
			mux.HandleFunc("/debug/pprof/", pprof.Index)
			mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
			mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
			mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
			mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		}
		s.add("metrics", cfg.MetricsAddress, mux)
	}

	if cfg.HealthAddress != "" && cfg.HealthChecker != nil {
		livenessPath := cfg.LivenessPath
		if livenessPath == "" {
			livenessPath = "/health/live"
		}
		readinessPath := cfg.ReadinessPath
		if readinessPath == "" {
			readinessPath = "/health/ready"
		}

		mux := http.NewServeMux()
		mux.HandleFunc(livenessPath, cfg.HealthChecker.LivenessHandler())
		mux.HandleFunc(readinessPath, cfg.HealthChecker.ReadinessHandler())
		mux.HandleFunc("/health", cfg.HealthChecker.HTTPHandler())
		s.add("health", cfg.HealthAddress, mux)
	}

	return s
}

func (s *Server) add(name, addr string, h http.Handler) {
	s.endpoints = append(s.endpoints, &endpoint{
		name: name,
		server: &http.Server{
			Addr:         addr,
			Handler:      h,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
	})
}

// Start binds all endpoints and serves them in the background. Bind errors
// are returned directly.
func (s *Server) Start() error {
	for _, e := range s.endpoints {
		ln, err := net.Listen("tcp", e.server.Addr)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("failed to listen for %s on %s: %w", e.name, e.server.Addr, err)
		}
		e.ln = ln
	}

	for _, e := range s.endpoints {
		s.logger.Info().Str("address", e.ln.Addr().String()).Msgf("Starting %s server", e.name)
		s.wg.Add(1)
		go func(e *endpoint) {
			defer s.wg.Done()
			if err := e.server.Serve(e.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error().Err(err).Msgf("%s server failed", e.name)
			}
		}(e)
	}
	return nil
}

func (s *Server) closeListeners() {
	for _, e := range s.endpoints {
		if e.ln != nil {
			e.ln.Close()
			e.ln = nil
		}
	}
}

// Addr returns the bound address of the named endpoint, "metrics" or
// "health", once Start has returned
func (s *Server) Addr(name string) string {
	for _, e := range s.endpoints {
		if e.name == name && e.ln != nil {
			return e.ln.Addr().String()
		}
	}
	return ""
}

// Stop gracefully shuts down the servers
func (s *Server) Stop(ctx context.Context) error {
	var errs []error
	for _, e := range s.endpoints {
		if e.ln == nil {
			continue
		}
		s.logger.Info().Msgf("Shutting down %s server", e.name)
		if err := e.server.Shutdown(ctx); err != nil {
			s.logger.Error().Err(err).Msgf("Error shutting down %s server", e.name)
			errs = append(errs, err)
		}
	}
	s.wg.Wait()
	return errors.Join(errs...)
}
