package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/svisor"
	"github.com/loykin/svisor/internal/config"
	"github.com/loykin/svisor/internal/logger"
	"github.com/loykin/svisor/internal/metrics"
	"github.com/loykin/svisor/internal/server"
	"github.com/loykin/svisor/internal/shutdown"
	"github.com/loykin/svisor/internal/supervisor"
)

const serverStopTimeout = 5 * time.Second

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return nil, errors.New("config file required: use --config or pass it as an argument")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return cfg, nil
}

// runFleet starts the fleet and blocks until shutdown completes. Startup
// failures stop the fleet before returning the error.
func runFleet(ctx context.Context, cfg *config.Config, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	log := logger.New(cfg.Log)

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}

	rec, err := svisor.OpenHistory(cfg.History.DSNs, cfg.History.BufferSize, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := rec.Close(); err != nil {
			log.Warn("closing history sinks", "error", err)
		}
	}()

	sup, err := supervisor.New(cfg.Services, supervisor.Options{
		Timing:     cfg.Supervisor,
		Logger:     log,
		ProcessLog: cfg.Log.File,
		History:    rec,
		Sampler:    metrics.NewSampler(),
	})
	if err != nil {
		return err
	}

	ctl := shutdown.New(sup.StopAll, log)
	ctl.Watch(ctx)

	servers, err := startServers(cfg, sup, ctl, log)
	if err != nil {
		return err
	}
	defer stopServers(servers, log)

	rep, err := sup.StartAll(ctx)
	switch {
	case errors.Is(err, supervisor.ErrStartupInterrupted):
		<-ctl.Done()
		return ctl.Err()
	case err != nil:
		printReport(out, rep)
		ctl.Trigger("startup failed")
		<-ctl.Done()
		if serr := ctl.Err(); serr != nil {
			return errors.Join(fmt.Errorf("startup failed: %w", err), serr)
		}
		return fmt.Errorf("startup failed: %w", err)
	}

	printServiceURLs(out, sup.Status(), rep.Duration)
	<-ctl.Done()
	return ctl.Err()
}

func startServers(cfg *config.Config, sup *supervisor.Supervisor, ctl *shutdown.Controller, log *slog.Logger) ([]*server.Server, error) {
	var out []*server.Server
	gin.SetMode(gin.ReleaseMode)
	if cfg.Server.Listen != "" {
		r := server.NewRouter(sup, ctl, cfg.Server.BasePath)
		if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
			r.WithMetrics()
		}
		s, err := server.Start(cfg.Server.Listen, r.Handler(), log)
		if err != nil {
			return nil, fmt.Errorf("status server: %w", err)
		}
		out = append(out, s)
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Listen != "" {
		s, err := server.Start(cfg.Metrics.Listen, metrics.Handler(), log)
		if err != nil {
			stopServers(out, log)
			return nil, fmt.Errorf("metrics server: %w", err)
		}
		out = append(out, s)
	}
	return out, nil
}

func stopServers(servers []*server.Server, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), serverStopTimeout)
	defer cancel()
	for _, s := range servers {
		if err := s.Shutdown(ctx); err != nil {
			log.Warn("http server shutdown", "addr", s.Addr(), "error", err)
		}
	}
}
