// Package server is the relay's front door: the HTTP endpoints, the
// WebSocket endpoint, and the process lifecycle around them.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/quietwire/relay/internal/broker"
	"github.com/quietwire/relay/internal/clock"
	"github.com/quietwire/relay/internal/config"
	"github.com/quietwire/relay/internal/limits"
	"github.com/quietwire/relay/internal/monitoring"
)

// Server owns the listener, the broker, and the admission layer.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	broker  *broker.Broker
	limiter *limits.SourceLimiter
	stats   *monitoring.StatsCollector
	clk     clock.Clock

	listener   net.Listener
	httpServer *http.Server

	wg           sync.WaitGroup
	shuttingDown int32
}

// New builds a server with all components wired but nothing running.
func New(cfg *config.Config, clk clock.Clock, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		logger: logger,
		clk:    clk,
		broker: broker.New(broker.Options{
			DefaultTTL:            cfg.DefaultTTL,
			MaxTTL:                cfg.MaxTTL,
			EnvelopeSweepInterval: cfg.EnvelopeSweepInterval,
			SessionSweepInterval:  cfg.SessionSweepInterval,
			SessionIdleTimeout:    cfg.SessionIdleTimeout,
			WriteTimeout:          cfg.WriteTimeout,
			ReplicationTimeout:    cfg.ReplicationTimeout,
		}, clk, logger),
		limiter: limits.NewSourceLimiter(cfg.RateLimitPoints, cfg.RateLimitWindow, clk, logger),
		stats:   monitoring.NewStatsCollector(cfg.StatsInterval, logger),
	}
	return s
}

// Broker exposes the broker for tests that drive sweeps directly.
func (s *Server) Broker() *broker.Broker { return s.broker }

// Handler builds the full route table. Operational endpoints stay
// outside the rate limiter; everything a client touches goes through
// it.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.limited(s.handleHealth))
	mux.HandleFunc("POST /api/message", s.limited(s.handlePublish))
	mux.HandleFunc("GET /api/messages/{contactCode}", s.limited(s.handlePull))
	mux.HandleFunc("DELETE /api/message/{id}", s.limited(s.handleDelete))
	mux.HandleFunc("POST /api/nodes", s.limited(s.handleRegisterNode))
	mux.HandleFunc("GET /api/nodes", s.limited(s.handleListNodes))
	mux.HandleFunc("POST /api/replicate", s.limited(s.handleReplicate))
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /stats", s.handleStats)

	return s.cors(mux)
}

// Start opens the listener and begins serving. Non-blocking; the
// caller waits on a signal and then calls Shutdown.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:        s.Handler(),
		ReadTimeout:    30 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	s.broker.StartSweeps()
	s.stats.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Server accept loop error")
		}
	}()

	s.logger.Info().
		Str("addr", listener.Addr().String()).
		Msg("Relay listening")
	return nil
}

// Addr returns the bound listen address. Useful when the configured
// port is 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown refuses new ingress, closes every session with a terminal
// reason, stops the sweeps, and waits for in-flight work. The pool is
// not drained; clients re-poll on reconnect.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Initiating graceful shutdown")
	atomic.StoreInt32(&s.shuttingDown, 1)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("HTTP shutdown did not finish cleanly")
	}

	s.broker.Stop()
	s.limiter.Stop()
	s.stats.Stop()

	s.wg.Wait()
	s.logger.Info().Msg("Graceful shutdown completed")
	return nil
}

func (s *Server) isShuttingDown() bool {
	return atomic.LoadInt32(&s.shuttingDown) == 1
}
