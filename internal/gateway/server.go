package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/strataproxy/strata/internal/config"
	"github.com/strataproxy/strata/internal/logging"
)

// Server runs the gateway behind an http.Server with graceful shutdown and
// optional config-file watching.
type Server struct {
	gw      *Gateway
	httpSrv *http.Server
	watcher *config.Watcher
	grace   time.Duration
}

// NewServer wires the gateway and metrics endpoint into an HTTP server.
func NewServer(gw *Gateway, cfg *config.Config) *Server {
	mux := http.NewServeMux()
	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, gw.Metrics().Handler())
	}
	mux.Handle("/", gw)

	grace := cfg.Shutdown.GracePeriod
	if grace <= 0 {
		grace = 15 * time.Second
	}

	return &Server{
		gw: gw,
		httpSrv: &http.Server{
			Addr:        cfg.Listen,
			Handler:     mux,
			IdleTimeout: cfg.Timeouts.Idle,
		},
		grace: grace,
	}
}

// WatchConfig reloads the gateway whenever the config file changes. A reload
// that fails validation keeps the running configuration.
func (s *Server) WatchConfig(path string) error {
	w, err := config.NewWatcher(path)
	if err != nil {
		return err
	}
	w.OnChange(func(cfg *config.Config) {
		if err := s.gw.Apply(cfg); err != nil {
			logging.Error("config reload rejected, keeping previous", zap.Error(err))
		}
	})
	if err := w.Start(); err != nil {
		return err
	}
	s.watcher = w
	return nil
}

// Run serves until ctx is cancelled, then drains in-flight requests for the
// grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info("listening", zap.String("addr", s.httpSrv.Addr))
		if err := s.httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logging.Info("shutting down", zap.Duration("grace", s.grace))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.grace)
	defer cancel()

	err := s.httpSrv.Shutdown(shutdownCtx)
	if s.watcher != nil {
		s.watcher.Stop()
	}
	if cerr := s.gw.Close(); err == nil {
		err = cerr
	}
	logging.Sync()
	return err
}
