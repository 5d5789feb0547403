package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/orderwatch/internal/analytics"
	"github.com/kubilitics/orderwatch/internal/audit"
	"github.com/kubilitics/orderwatch/internal/cache"
	"github.com/kubilitics/orderwatch/internal/config"
	"github.com/kubilitics/orderwatch/internal/db"
	"github.com/kubilitics/orderwatch/internal/metrics"
	"github.com/kubilitics/orderwatch/internal/middleware"
)

// Stored report cache limits.
const (
	reportCacheTTL  = 10 * time.Minute
	reportCacheSize = 32
)

// Server exposes the detection engine and stored reports over HTTP.
type Server struct {
	logger  *zap.Logger
	auditor audit.Logger
	store   db.Store
	reports *cache.Cache[*analytics.Report]
	limiter *middleware.RateLimiter

	// engineMu guards config and engine, which are swapped on reload.
	engineMu sync.RWMutex
	config   *config.Config
	engine   *analytics.Engine

	httpServer *http.Server
	listener   net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	running bool
}

// NewServer creates a server. store may be nil, in which case the run routes
// answer 503 and detections cannot be persisted. logger and auditor may be nil.
func NewServer(cfg *config.Config, store db.Store, logger *zap.Logger, auditor audit.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if auditor == nil {
		auditor = audit.NewNop()
	}

	engine, err := buildEngine(cfg, logger, auditor)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		logger:  logger.Named("server"),
		auditor: auditor,
		store:   store,
		config:  cfg,
		engine:  engine,
		ctx:     ctx,
		cancel:  cancel,
	}
	if store != nil {
		s.reports = cache.New[*analytics.Report](reportCacheTTL, reportCacheSize)
	}
	if cfg.Server.RateLimit > 0 {
		s.limiter = middleware.NewRateLimiter(cfg.Server.RateLimit)
	}
	return s, nil
}

func buildEngine(cfg *config.Config, logger *zap.Logger, auditor audit.Logger) (*analytics.Engine, error) {
	engineCfg, err := analytics.EngineConfigFrom(cfg)
	if err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	return analytics.NewEngine(engineCfg, logger, auditor)
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server is already running")
	}

	cfg := s.currentConfig()
	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	s.listener = ln
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.running = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	s.logger.Info("orderwatch server started",
		zap.String("addr", ln.Addr().String()),
		zap.Bool("store", s.store != nil),
		zap.Int("rate_limit", cfg.Server.RateLimit),
	)
	_ = s.auditor.Log(s.ctx, audit.NewEvent(audit.EventServerStarted).
		WithDescription("HTTP server listening").
		WithMetadata("addr", ln.Addr().String()).
		WithResult(audit.ResultSuccess))
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is not running")
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("stopping orderwatch server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var shutdownErr error
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		shutdownErr = fmt.Errorf("shutdown HTTP server: %w", err)
		s.logger.Error("error shutting down HTTP server", zap.Error(err))
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}

	s.cancel()
	s.wg.Wait()

	result := audit.ResultSuccess
	if shutdownErr != nil {
		result = audit.ResultFailure
	}
	_ = s.auditor.Log(context.Background(), audit.NewEvent(audit.EventServerShutdown).
		WithDescription("HTTP server stopped").
		WithResult(result))
	s.logger.Info("orderwatch server stopped")
	return shutdownErr
}

// Wait blocks until the server is stopped.
func (s *Server) Wait() {
	<-s.ctx.Done()
}

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Engine returns the engine currently serving detections.
func (s *Server) Engine() *analytics.Engine {
	s.engineMu.RLock()
	defer s.engineMu.RUnlock()
	return s.engine
}

func (s *Server) currentConfig() *config.Config {
	s.engineMu.RLock()
	defer s.engineMu.RUnlock()
	return s.config
}

// ApplyConfig validates cfg and rebuilds the engine from it. Runs in flight
// keep the engine they started with. Server settings (address, timeouts, rate
// limit) only take effect on restart. On error the current engine stays in place.
func (s *Server) ApplyConfig(cfg *config.Config) error {
	if err := cfg.ValidationErr(); err != nil {
		return err
	}
	engine, err := buildEngine(cfg, s.logger, s.auditor)
	if err != nil {
		return err
	}
	s.engineMu.Lock()
	s.config = cfg
	s.engine = engine
	s.engineMu.Unlock()
	return nil
}

// WatchConfig applies every configuration received on updates until ctx is
// done or updates is closed. source names the configuration in audit events.
func (s *Server) WatchConfig(ctx context.Context, updates <-chan config.Config, source string) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			err := s.ApplyConfig(&cfg)
			status := "success"
			if err != nil {
				status = "failure"
				s.logger.Warn("config reload rejected", zap.String("source", source), zap.Error(err))
			} else {
				s.logger.Info("config reloaded", zap.String("source", source), zap.String("window", cfg.Engine.WindowSize))
			}
			metrics.ConfigReloads.WithLabelValues(status).Inc()
			_ = s.auditor.LogConfigReload(ctx, source, err)
		}
	}
}
