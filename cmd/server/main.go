package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "mediabroker/internal/adapters/http"
	"mediabroker/internal/backend"
	"mediabroker/internal/config"
	"mediabroker/internal/coordinator"
	"mediabroker/internal/core"
	"mediabroker/internal/domain"
	"mediabroker/internal/engine"
	"mediabroker/internal/metrics"
	"mediabroker/internal/session"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Logger comes up before config so Load can report on it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	m := metrics.New()
	dialer := func(ctx context.Context, ec domain.EngineConfig) (core.Backend, error) {
		return backend.Dial(ctx, ec, backend.WithCallTimeout(cfg.CallTimeout))
	}
	reg := engine.NewRegistry(engine.Options{
		Dialer:            dialer,
		Prober:            backend.Probe,
		Metrics:           m,
		CallTimeout:       cfg.CallTimeout,
		KeepaliveInterval: cfg.KeepaliveInterval,
		ReconnectDelay:    cfg.ReconnectDelay,
		ProbeAttempts:     cfg.ProbeAttempts,
		ProbeSpacing:      cfg.ProbeSpacing,
	})
	coord := coordinator.New(ctx, reg, dialer, session.Config{
		WaitTimeout:      cfg.WaitTimeout,
		OperationTimeout: cfg.OperationTimeout,
		ICEGatherTimeout: cfg.ICEGatherTimeout,
		CallTimeout:      cfg.CallTimeout,
		RecordDir:        cfg.RecordDir,
	}, m)

	for _, ec := range cfg.Engines {
		if _, err := reg.Connect(ctx, ec); err != nil {
			log.Error().Err(err).Str("engine", string(ec.Name)).Msg("engine connect failed")
		}
	}

	r := router.SetupRouter(cfg, reg, coord, m)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("mediabroker started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	coord.StopAll()
	reg.StopAll()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
