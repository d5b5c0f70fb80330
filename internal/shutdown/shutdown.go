// Package shutdown turns interrupts and API requests into exactly one call
// of the fleet's stop function.
package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/svisor/internal/logger"
)

// DefaultTimeout bounds a single stop run.
const DefaultTimeout = 60 * time.Second

// StopFunc stops the fleet. It is called at most once per Controller.
type StopFunc func(ctx context.Context) error

type Controller struct {
	stop    StopFunc
	log     *slog.Logger
	timeout time.Duration

	once   sync.Once
	done   chan struct{}
	mu     sync.Mutex
	reason string
	err    error
}

func New(stop StopFunc, log *slog.Logger) *Controller {
	if log == nil {
		log = logger.Discard()
	}
	return &Controller{
		stop:    stop,
		log:     log.With("component", "shutdown"),
		timeout: DefaultTimeout,
		done:    make(chan struct{}),
	}
}

// Trigger starts shutdown in the background. It reports false when shutdown
// was already triggered.
func (c *Controller) Trigger(reason string) bool {
	fired := false
	c.once.Do(func() {
		fired = true
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		c.log.Info("shutting down", "reason", reason)
		go c.run()
	})
	if !fired {
		c.log.Info("shutdown already in progress", "reason", reason)
	}
	return fired
}

func (c *Controller) run() {
	defer close(c.done)
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var err error
	if c.stop != nil {
		err = c.stop(ctx)
	}
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	if err != nil {
		c.log.Error("shutdown finished with errors", "error", err)
		return
	}
	c.log.Info("shutdown complete")
}

// Watch triggers shutdown on the first of signals (SIGINT and SIGTERM when
// none are given). Later signals are logged and ignored. Watch returns when
// ctx is done or shutdown has completed.
func (c *Controller) Watch(ctx context.Context, signals ...os.Signal) {
	if len(signals) == 0 {
		signals = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, signals...)
	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case sig := <-ch:
				c.Trigger(sig.String())
			}
		}
	}()
}

// Done is closed once the stop function has returned.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Err returns the stop function's error after Done is closed.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Reason returns what triggered shutdown, or "" before it happened.
func (c *Controller) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}
