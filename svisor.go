// Package svisor is the embeddable API of the svisor supervisor: build a
// fleet from descriptors or a config file, start it, serve its status and
// stop it exactly once.
package svisor

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/svisor/internal/config"
	"github.com/loykin/svisor/internal/history"
	"github.com/loykin/svisor/internal/history/factory"
	"github.com/loykin/svisor/internal/logger"
	"github.com/loykin/svisor/internal/metrics"
	"github.com/loykin/svisor/internal/server"
	"github.com/loykin/svisor/internal/shutdown"
	"github.com/loykin/svisor/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Descriptor = supervisor.Descriptor

type Timing = supervisor.Timing

type Options = supervisor.Options

type Supervisor = supervisor.Supervisor

type ServiceStatus = supervisor.ServiceStatus

type Report = supervisor.Report

type PartialStartupError = supervisor.PartialStartupError

type State = supervisor.State

type Config = config.Config

type LogConfig = logger.Config

type HistorySink = history.Sink

type HistoryEvent = history.Event

type HistoryRecorder = history.Recorder

type ShutdownController = shutdown.Controller

var (
	ErrMissingExecutable  = supervisor.ErrMissingExecutable
	ErrPartialStartup     = supervisor.ErrPartialStartup
	ErrAlreadyRunning     = supervisor.ErrAlreadyRunning
	ErrStartupInterrupted = supervisor.ErrStartupInterrupted
)

// New validates descs and returns a stopped supervisor.
func New(descs []Descriptor, opts Options) (*Supervisor, error) { return supervisor.New(descs, opts) }

func DefaultTiming() Timing { return supervisor.DefaultTiming() }

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

func NewLogger(cfg LogConfig) *slog.Logger { return logger.New(cfg) }

// OpenHistory builds a recorder over every DSN. With no DSNs it returns a
// nil recorder, which is safe to use and to Close.
func OpenHistory(dsns []string, bufSize int, log *slog.Logger) (*HistoryRecorder, error) {
	if len(dsns) == 0 {
		return nil, nil
	}
	sinks := make([]history.Sink, 0, len(dsns))
	for _, dsn := range dsns {
		s, err := factory.NewSinkFromDSN(dsn, log)
		if err != nil {
			for _, opened := range sinks {
				if c, ok := opened.(io.Closer); ok {
					_ = c.Close()
				}
			}
			return nil, fmt.Errorf("history sink %s: %w", dsn, err)
		}
		sinks = append(sinks, s)
	}
	return history.NewRecorder(log, bufSize, sinks...), nil
}

// NewHistoryRecorder wraps already constructed sinks.
func NewHistoryRecorder(log *slog.Logger, sinks ...HistorySink) *HistoryRecorder {
	return history.NewRecorder(log, 0, sinks...)
}

// NewShutdownController stops s exactly once, on the first signal passed to
// Watch or the first Trigger.
func NewShutdownController(s *Supervisor, log *slog.Logger) *ShutdownController {
	return shutdown.New(s.StopAll, log)
}

// NewHTTPHandler returns the status API for s mounted under basePath.
// ctl may be nil to disable the shutdown endpoint.
func NewHTTPHandler(s *Supervisor, ctl *ShutdownController, basePath string) http.Handler {
	var sd server.Shutdowner
	if ctl != nil {
		sd = ctl
	}
	return server.NewRouter(s, sd, basePath).Handler()
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
func MetricsHandler() http.Handler                  { return metrics.Handler() }
