package manager

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/shardctl/internal/credstore"
	"github.com/danmuck/shardctl/internal/observability"
)

// ServiceConfig configures the standalone shard manager daemon.
type ServiceConfig struct {
	Manager     Options
	MetricsAddr string
}

// Service runs the shard manager as a standalone process: startup credential
// sweep, load of all stored sessions, optional metrics endpoint, and
// signal-driven shutdown.
type Service struct {
	cfg ServiceConfig
	mgr *Manager
}

func NewService(cfg ServiceConfig) (*Service, error) {
	mgr, err := NewManager(cfg.Manager)
	if err != nil {
		return nil, err
	}
	return &Service{cfg: cfg, mgr: mgr}, nil
}

// Manager exposes the underlying lifecycle controller.
func (s *Service) Manager() *Manager {
	return s.mgr
}

// Run blocks until SIGINT or SIGTERM, then stops every shard.
func (s *Service) Run() error {
	root := s.mgr.opts.SessionRoot
	if err := credstore.CleanupAll(root); err != nil {
		log.Warn().Str("root", root).Err(err).Msg("startup credential sweep failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loaded, err := s.mgr.LoadAll(ctx)
	if err != nil {
		return err
	}
	log.Info().Int("shards", len(loaded)).Str("root", root).Msg("shard manager running")

	var metricsSrv *http.Server
	if s.cfg.MetricsAddr != "" {
		observability.RegisterMetrics()
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: s.cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn().Str("addr", s.cfg.MetricsAddr).Err(err).Msg("metrics server exited")
			}
		}()
	}

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	s.mgr.Close()
	return nil
}
