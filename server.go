package taskd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/pslog"
	"pkt.systems/taskd/internal/dispatch"
	"pkt.systems/taskd/internal/gateway"
	"pkt.systems/taskd/internal/httpapi"
	"pkt.systems/taskd/internal/lock"
	"pkt.systems/taskd/internal/pagination"
	"pkt.systems/taskd/internal/svcfields"
	"pkt.systems/taskd/internal/tools"
	"pkt.systems/taskd/internal/version"
)

const shutdownTimeout = 10 * time.Second

// Server owns the full taskd runtime: transports, gateway, dispatcher,
// lock store, pagination engines, and telemetry. Construct with New, run
// with Run; all background tasks stop when the Run context is cancelled.
type Server struct {
	cfg     Config
	logger  pslog.Logger
	gate    *gateway.Gateway
	handler *httpapi.Handler

	engineActive *pagination.Engine
	engineFull   *pagination.Engine
	telemetry    *telemetryBundle

	httpServer *http.Server
	wg         sync.WaitGroup
}

// New wires a Server from cfg.
func New(ctx context.Context, cfg Config) (*Server, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NewStructured(os.Stderr).With("app", "taskd")
	}

	telemetry, err := setupTelemetry(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	locks, err := lock.NewDiskStore(cfg.LockDir, lock.Options{Clock: cfg.Clock, Logger: logger})
	if err != nil {
		telemetry.Shutdown(ctx)
		return nil, err
	}
	store, err := tools.NewStore(tools.StoreConfig{
		Root:   cfg.ChangesDir,
		Locks:  locks,
		Clock:  cfg.Clock,
		Logger: logger,
	})
	if err != nil {
		telemetry.Shutdown(ctx)
		return nil, err
	}

	engineActive := pagination.New(pagination.Config{
		Dirs:   []string{store.Root()},
		Locks:  locks,
		Title:  store.Title,
		Clock:  cfg.Clock,
		Logger: logger,
	})
	engineFull := pagination.New(pagination.Config{
		Dirs:   []string{store.Root(), store.ArchiveDir()},
		Locks:  locks,
		Title:  store.Title,
		Clock:  cfg.Clock,
		Logger: logger,
	})

	registry := dispatch.NewRegistry()
	if err := tools.Register(registry, store, engineActive, engineFull); err != nil {
		telemetry.Shutdown(ctx)
		return nil, err
	}
	dispatcher := dispatch.New(dispatch.Config{
		Registry: registry,
		Timeout:  cfg.ToolTimeout,
		Clock:    cfg.Clock,
		Logger:   logger,
	})

	gate, err := gateway.New(gateway.Config{
		Tokens:         cfg.AuthTokens,
		AllowedOrigins: cfg.AllowedOrigins,
		RateLimit:      cfg.RateLimit,
		RateLimitBurst: cfg.RateLimitBurst,
		EnableHSTS:     cfg.EnableHSTS,
		Clock:          cfg.Clock,
		Logger:         logger,
	})
	if err != nil {
		telemetry.Shutdown(ctx)
		return nil, err
	}

	handler, err := httpapi.NewHandler(httpapi.Config{
		Gateway:           gate,
		Dispatcher:        dispatcher,
		HeartbeatInterval: cfg.Heartbeat,
		MaxResponseBytes:  cfg.MaxResponseBytes,
		ReadyChecks: map[string]httpapi.ReadyCheck{
			"changes_dir": dirWritable(store.Root()),
			"lock_dir":    dirWritable(cfg.LockDir),
		},
		Version: version.Current(),
		Clock:   cfg.Clock,
		Logger:  logger,
	})
	if err != nil {
		telemetry.Shutdown(ctx)
		return nil, err
	}

	s := &Server{
		cfg:          cfg,
		logger:       svcfields.WithSubsystem(logger, "server.lifecycle"),
		gate:         gate,
		handler:      handler,
		engineActive: engineActive,
		engineFull:   engineFull,
		telemetry:    telemetry,
	}

	mux := http.NewServeMux()
	handler.Routes(mux)
	s.httpServer = &http.Server{
		Addr:              cfg.Listen,
		Handler:           otelhttp.NewHandler(mux, "taskd.http"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler exposes the routed HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("taskd: listen %s: %w", s.cfg.Listen, err)
	}

	if err := s.engineActive.Start(); err != nil {
		return err
	}
	if err := s.engineFull.Start(); err != nil {
		return err
	}
	if limiter := s.gate.Limiter(); limiter != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			limiter.RunSweeper(ctx, time.Minute)
		}()
	}

	errs := make(chan error, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var serveErr error
		if s.cfg.TLSCert != "" {
			s.logger.Info("server.listening", "addr", ln.Addr().String(), "tls", true)
			serveErr = s.httpServer.ServeTLS(ln, s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			s.logger.Info("server.listening", "addr", ln.Addr().String(), "tls", false)
			serveErr = s.httpServer.Serve(ln)
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errs <- serveErr
		}
	}()

	select {
	case err := <-errs:
		s.shutdown(context.Background())
		return err
	case <-ctx.Done():
		s.logger.Info("server.shutdown.begin")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.shutdown(shutdownCtx)
		s.wg.Wait()
		s.logger.Info("server.shutdown.complete")
		return nil
	}
}

func (s *Server) shutdown(ctx context.Context) {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("server.shutdown.http", "error", err)
	}
	if err := s.engineActive.Close(); err != nil {
		s.logger.Warn("server.shutdown.watch", "error", err)
	}
	if err := s.engineFull.Close(); err != nil {
		s.logger.Warn("server.shutdown.watch", "error", err)
	}
	s.telemetry.Shutdown(ctx)
}

// dirWritable probes that dir accepts file creation; used by /readyz.
func dirWritable(dir string) httpapi.ReadyCheck {
	return func() error {
		probe := filepath.Join(dir, ".ready-probe")
		if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
			return fmt.Errorf("not writable: %w", err)
		}
		return os.Remove(probe)
	}
}
