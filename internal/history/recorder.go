package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultBufferSize  = 256
	DefaultSendTimeout = 5 * time.Second
)

// Recorder fans events out to sinks from a single goroutine so a slow sink
// never blocks the caller. A full buffer drops the event.
type Recorder struct {
	sinks   []Sink
	log     *slog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	ch     chan Event
	done   chan struct{}

	dropped atomic.Uint64
}

// NewRecorder starts the drain goroutine. A nil logger discards output.
func NewRecorder(log *slog.Logger, bufSize int, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	r := &Recorder{
		sinks:   sinks,
		log:     log.With("component", "history"),
		timeout: DefaultSendTimeout,
		ch:      make(chan Event, bufSize),
		done:    make(chan struct{}),
	}
	go r.drain()
	return r
}

// Record enqueues e. It never blocks; a nil Recorder ignores the call.
func (r *Recorder) Record(e Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- e:
	default:
		r.dropped.Add(1)
		r.log.Warn("history buffer full, event dropped", "type", e.Type, "service", e.Service)
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (r *Recorder) Dropped() uint64 {
	if r == nil {
		return 0
	}
	return r.dropped.Load()
}

func (r *Recorder) drain() {
	defer close(r.done)
	for e := range r.ch {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			if err := s.Send(ctx, e); err != nil {
				r.log.Warn("history sink send failed", "type", e.Type, "service", e.Service, "error", err)
			}
			cancel()
		}
	}
}

// Close flushes queued events and closes every sink that implements io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()
	<-r.done

	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
