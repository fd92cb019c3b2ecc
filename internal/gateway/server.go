// Package gateway terminates WebSocket connections: upgrade admission,
// the per-connection read loop and writer pump, lifecycle frames, and
// graceful drain.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/wsprism/gateway/internal/config"
	"github.com/wsprism/gateway/internal/dispatch"
	"github.com/wsprism/gateway/internal/limits"
	"github.com/wsprism/gateway/internal/monitoring"
	"github.com/wsprism/gateway/internal/policy"
	"github.com/wsprism/gateway/internal/realtime"
)

type Server struct {
	cfg     *config.Config
	logger  zerolog.Logger
	metrics *monitoring.Metrics

	tenants    map[string]*policy.Runtime
	sessions   *realtime.Registry
	presence   *realtime.Presence
	egress     *realtime.Engine
	dispatcher *dispatch.Dispatcher

	defender *limits.Defender      // nil when handshake defense is disabled
	guard    *limits.ResourceGuard // nil when the resource guard is disabled

	draining atomic.Bool
	traceSeq atomic.Uint64
	sidSeq   atomic.Uint64

	// hot-lane dispatch timing is sampled 1 in 1024 to keep the
	// histogram off the per-packet fast path
	hotSample atomic.Uint64

	httpServer *http.Server
	connWG     sync.WaitGroup
}

// New compiles tenant policies and wires the runtime together. Service
// registration on the dispatcher happens before New.
func New(cfg *config.Config, logger zerolog.Logger, dispatcher *dispatch.Dispatcher) (*Server, error) {
	tenants := make(map[string]*policy.Runtime, len(cfg.Tenants))
	for _, t := range cfg.Tenants {
		rt, err := policy.Compile(t)
		if err != nil {
			return nil, fmt.Errorf("compile policy: %w", err)
		}
		tenants[t.ID] = rt
	}

	sessions := realtime.NewRegistry()
	presence := realtime.NewPresence()

	s := &Server{
		cfg:        cfg,
		logger:     logger.With().Str("component", "gateway").Logger(),
		metrics:    monitoring.NewMetrics(),
		tenants:    tenants,
		sessions:   sessions,
		presence:   presence,
		egress:     realtime.NewEngine(sessions, presence, logger),
		dispatcher: dispatcher,
	}

	if cfg.Gateway.Handshake.Enabled {
		s.defender = limits.NewDefender(limits.DefenderConfig{
			GlobalRPS:    cfg.Gateway.Handshake.GlobalRPS,
			GlobalBurst:  cfg.Gateway.Handshake.GlobalBurst,
			PerIPRPS:     cfg.Gateway.Handshake.PerIPRPS,
			PerIPBurst:   cfg.Gateway.Handshake.PerIPBurst,
			MaxIPEntries: cfg.Gateway.Handshake.MaxIPEntries,
			Logger:       logger,
		})
	}
	if cfg.Gateway.Guard.Enabled {
		s.guard = limits.NewResourceGuard(limits.ResourceGuardConfig{
			CPUThreshold:     cfg.Gateway.Guard.CPUThreshold,
			MemoryLimitBytes: cfg.Gateway.Guard.MemoryLimitBytes,
			SampleInterval:   time.Duration(cfg.Gateway.Guard.SampleIntervalMS) * time.Millisecond,
			Logger:           logger,
		})
	}
	return s, nil
}

// Handler builds the HTTP surface: the upgrade endpoint plus ops routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/ws", s.handleUpgrade)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

// ListenAndServe runs the gateway until Shutdown.
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Gateway.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info().Str("listen", s.cfg.Gateway.Listen).Msg("gateway listening")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Draining reports whether the gateway is refusing new sessions.
func (s *Server) Draining() bool { return s.draining.Load() }

// Shutdown drains gracefully: flip the draining flag (readiness goes 503,
// upgrades refuse), say goodbye to every session with close 1001, wait up
// to drain_grace_ms for connections to leave on their own, then force the
// stragglers and stop the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.draining.CompareAndSwap(false, true) {
		return nil
	}
	s.metrics.Draining.Set(1)
	s.logger.Info().Int("sessions", s.sessions.CountAll()).Msg("drain started")

	s.egress.ShutdownAll(ws.StatusGoingAway, "draining")

	grace := time.Duration(s.cfg.Gateway.DrainGraceMS) * time.Millisecond
	deadline := time.Now().Add(grace)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for s.sessions.CountAll() > 0 && time.Now().Before(deadline) {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			deadline = time.Time{}
		}
	}

	if remaining := s.sessions.CountAll(); remaining > 0 {
		s.logger.Warn().Int("sessions", remaining).Msg("drain grace expired, force closing")
		s.sessions.ForEach(func(sess *realtime.Session) { sess.Close() })
	}
	s.connWG.Wait()

	if s.defender != nil {
		s.defender.Stop()
	}
	if s.guard != nil {
		s.guard.Stop()
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return err
		}
	}
	s.logger.Info().Msg("drain complete")
	return nil
}

// nextTraceID builds "{unix_nanos_hex}-{seq_hex}": sortable by time and
// unique within the process without pulling in a UUID dependency.
func (s *Server) nextTraceID() string {
	return fmt.Sprintf("%x-%x", time.Now().UnixNano(), s.traceSeq.Add(1))
}

func (s *Server) nextSID() string {
	return fmt.Sprintf("g%x", s.sidSeq.Add(1))
}
