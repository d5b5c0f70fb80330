// Package influxdb writes history events as InfluxDB points so restarts and
// crashes can be graphed next to other fleet metrics.
package influxdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/loykin/svisor/internal/history"
)

const (
	defaultPingTimeout   = 5 * time.Second
	defaultBatchSize     = 100
	defaultFlushInterval = 1000 // milliseconds
	measurement          = "svisor_event"
)

var ErrConnectionFailed = errors.New("influxdb connection failed")

// Options selects the server and destination bucket.
type Options struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// Sink buffers points in the non-blocking write API. Write failures are
// reported asynchronously and logged.
type Sink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
}

func New(opts Options, log *slog.Logger) (*Sink, error) {
	if opts.Bucket == "" {
		return nil, errors.New("influxdb bucket is required")
	}
	client := influxdb2.NewClientWithOptions(
		opts.URL,
		opts.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(defaultBatchSize).
			SetFlushInterval(defaultFlushInterval),
	)

	ctx, cancel := context.WithTimeout(context.Background(), defaultPingTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	s := &Sink{
		client:   client,
		writeAPI: client.WriteAPI(opts.Org, opts.Bucket),
	}
	go s.drainErrors(log)
	return s, nil
}

func (s *Sink) drainErrors(log *slog.Logger) {
	for err := range s.writeAPI.Errors() {
		if log != nil {
			log.Warn("influxdb write failed", "error", err)
		}
	}
}

// Point converts an event to an InfluxDB point.
func Point(e history.Event) *write.Point {
	return write.NewPoint(
		measurement,
		map[string]string{
			"service": e.Service,
			"type":    string(e.Type),
			"state":   e.State,
		},
		map[string]any{
			"id":            e.ID,
			"pid":           e.PID,
			"restart_count": e.RestartCount,
			"detail":        e.Detail,
		},
		e.OccurredAt,
	)
}

func (s *Sink) Send(_ context.Context, e history.Event) error {
	s.writeAPI.WritePoint(Point(e))
	return nil
}

// Close flushes pending points and shuts the client down.
func (s *Sink) Close() error {
	if s.client == nil {
		return nil
	}
	s.writeAPI.Flush()
	s.client.Close()
	return nil
}
