package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/svisor/internal/health"
	"github.com/loykin/svisor/internal/history"
	"github.com/loykin/svisor/internal/logger"
	"github.com/loykin/svisor/internal/metrics"
	"github.com/loykin/svisor/internal/process"
)

var (
	ErrMissingExecutable  = errors.New("missing executable")
	ErrPartialStartup     = errors.New("partial startup")
	ErrAlreadyRunning     = errors.New("fleet already running")
	ErrStartupInterrupted = errors.New("startup interrupted")
)

// ServiceFailure names a service that did not become healthy during startup.
type ServiceFailure struct {
	Name   string `json:"name" yaml:"name"`
	State  State  `json:"state" yaml:"state"`
	Reason string `json:"reason" yaml:"reason"`
}

// Report is the outcome of StartAll.
type Report struct {
	Healthy  []string         `json:"healthy" yaml:"healthy"`
	Failed   []ServiceFailure `json:"failed,omitempty" yaml:"failed,omitempty"`
	Duration time.Duration    `json:"duration" yaml:"duration"`
}

// PartialStartupError is returned by StartAll when at least one service did
// not become healthy. errors.Is(err, ErrPartialStartup) holds.
type PartialStartupError struct {
	Report Report
}

func (e *PartialStartupError) Error() string {
	names := make([]string, 0, len(e.Report.Failed))
	for _, f := range e.Report.Failed {
		names = append(names, f.Name)
	}
	total := len(e.Report.Failed) + len(e.Report.Healthy)
	return fmt.Sprintf("%d of %d services failed to become healthy: %s",
		len(e.Report.Failed), total, strings.Join(names, ", "))
}

func (e *PartialStartupError) Is(target error) bool { return target == ErrPartialStartup }

// Supervisor owns the fleet. A single mutex guards the service table; spawn,
// probe, settle and terminate always run outside it.
type Supervisor struct {
	descs   []Descriptor
	timing  Timing
	log     *slog.Logger
	procLog logger.FileConfig
	prober  *health.Prober
	rec     *history.Recorder
	sampler *metrics.Sampler

	mu       sync.Mutex
	services []*managedService
	running  bool
	stopping bool
	cancel   context.CancelFunc

	// startup flow, monitor and restart workers
	workers sync.WaitGroup
}

// New validates the descriptors and returns a stopped supervisor.
func New(descs []Descriptor, opts Options) (*Supervisor, error) {
	if err := ValidateDescriptors(descs); err != nil {
		return nil, err
	}
	timing := opts.Timing.WithDefaults()
	if err := timing.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	prober := opts.Prober
	if prober == nil {
		prober = health.NewProber(nil)
	}
	s := &Supervisor{
		descs:   append([]Descriptor(nil), descs...),
		timing:  timing,
		log:     log.With("component", "supervisor"),
		procLog: opts.ProcessLog,
		prober:  prober,
		rec:     opts.History,
		sampler: opts.Sampler,
	}
	s.services = s.freshServices()
	return s, nil
}

func (s *Supervisor) freshServices() []*managedService {
	out := make([]*managedService, len(s.descs))
	for i, d := range s.descs {
		out[i] = newManagedService(d)
	}
	return out
}

// Descriptors returns the fleet definition in declaration order.
func (s *Supervisor) Descriptors() []Descriptor {
	return append([]Descriptor(nil), s.descs...)
}

// Timing returns the effective timings.
func (s *Supervisor) Timing() Timing { return s.timing }

// Running reports whether the fleet has been started and not yet stopped.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// StartAll launches every service in declaration order, waits one settle
// delay and then gates on the health endpoints concurrently. A missing
// executable or a spawn failure aborts and unwinds the services already
// started. Readiness failures do not abort; they are reported through a
// *PartialStartupError and the monitor is started either way.
func (s *Supervisor) StartAll(ctx context.Context) (Report, error) {
	begin := time.Now()

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return Report{}, ErrAlreadyRunning
	}
	s.running = true
	s.stopping = false
	s.services = s.freshServices()
	services := s.services
	workCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.workers.Add(1)
	s.mu.Unlock()
	defer s.workers.Done()

	// StopAll cancels workCtx; the startup flow must observe it too.
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	defer context.AfterFunc(workCtx, stop)()

	s.log.Info("starting services", "count", len(services))

	for _, ms := range services {
		if err := ctx.Err(); err != nil {
			return s.report(services, begin), fmt.Errorf("%w: %w", ErrStartupInterrupted, err)
		}
		if err := s.spawn(ms); err != nil {
			s.log.Error("service failed to launch, aborting startup", "service", ms.desc.Name, "error", err)
			s.mu.Lock()
			s.recordLocked(history.EventStartupFailed, ms, err.Error())
			s.mu.Unlock()
			rep := s.report(services, begin)
			if uerr := s.unwind(services); uerr != nil {
				s.log.Error("unwinding after failed startup", "error", uerr)
			}
			return rep, err
		}
	}

	if err := sleepCtx(ctx, s.timing.SettleDelay); err != nil {
		return s.report(services, begin), fmt.Errorf("%w: %w", ErrStartupInterrupted, err)
	}

	var g errgroup.Group
	for _, ms := range services {
		s.mu.Lock()
		if ms.state == StateStarting {
			ms.setState(StateAwaitingHealth)
		}
		s.mu.Unlock()
		g.Go(func() error {
			_, err := s.awaitReady(ctx, ms, s.timing.ReadinessTimeout)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return s.report(services, begin), fmt.Errorf("%w: %w", ErrStartupInterrupted, err)
	}

	rep := s.report(services, begin)

	s.mu.Lock()
	if !s.stopping {
		s.workers.Add(1)
		go s.monitor(workCtx)
	}
	s.mu.Unlock()

	if len(rep.Failed) > 0 {
		s.log.Warn("startup finished with unhealthy services", "healthy", len(rep.Healthy), "failed", len(rep.Failed))
		return rep, &PartialStartupError{Report: rep}
	}
	s.log.Info("all services healthy", "count", len(rep.Healthy), "took", rep.Duration.Round(time.Millisecond))
	return rep, nil
}

func (s *Supervisor) report(services []*managedService, begin time.Time) Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	rep := Report{Duration: time.Since(begin)}
	for _, ms := range services {
		if ms.state == StateHealthy {
			rep.Healthy = append(rep.Healthy, ms.desc.Name)
			continue
		}
		reason := ms.lastError
		if reason == "" {
			reason = "not healthy"
		}
		rep.Failed = append(rep.Failed, ServiceFailure{Name: ms.desc.Name, State: ms.state, Reason: reason})
	}
	return rep
}

// unwind stops everything after an aborted startup and leaves the fleet
// not running.
func (s *Supervisor) unwind(services []*managedService) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	err := s.terminateAll(services)
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return err
}

// spawn starts a fresh process for ms and moves it to starting.
func (s *Supervisor) spawn(ms *managedService) error {
	name := ms.desc.Name
	proc, err := process.Start(ms.desc.processSpec(s.procLog))
	if err != nil {
		s.mu.Lock()
		ms.proc = nil
		ms.reachedHealthy = false
		ms.lastError = err.Error()
		s.mu.Unlock()
		if errors.Is(err, process.ErrExecutableNotFound) {
			return fmt.Errorf("%w: %w", ErrMissingExecutable, err)
		}
		return err
	}

	s.mu.Lock()
	ms.proc = proc
	ms.reachedHealthy = false
	ms.lastError = ""
	ms.lastProbe = nil
	ms.resources = nil
	ms.setState(StateStarting)
	s.recordLocked(history.EventStart, ms, "")
	s.mu.Unlock()

	metrics.IncStart(name)
	s.log.Info("service started", "service", name, "pid", proc.PID(), "url", ms.desc.HealthURL())
	return nil
}

// awaitReady polls the health endpoint until it succeeds, the budget runs
// out or the process exits. It returns an error only when ctx is done.
// A service that misses its budget is terminated and left crashed so the
// monitor relaunches it.
func (s *Supervisor) awaitReady(ctx context.Context, ms *managedService, budget time.Duration) (bool, error) {
	name := ms.desc.Name
	url := ms.desc.HealthURL()
	deadline := time.Now().Add(budget)

	s.mu.Lock()
	proc := ms.proc
	s.mu.Unlock()
	if proc == nil {
		return false, nil
	}

	var last health.Result
	for attempt := 1; ; attempt++ {
		if !proc.IsAlive() {
			detail := exitDetail(proc)
			s.mu.Lock()
			ms.lastError = "exited before becoming healthy: " + detail
			ms.setState(StateCrashed)
			s.recordLocked(history.EventCrash, ms, ms.lastError)
			s.mu.Unlock()
			s.log.Error("service exited before becoming healthy", "service", name, "pid", proc.PID(), "detail", detail)
			return false, nil
		}

		last = s.prober.Check(ctx, name, url, s.timing.ProbeTimeout)
		if err := ctx.Err(); err != nil {
			return false, err
		}

		s.mu.Lock()
		ms.lastProbe = &last
		ms.lastHealthCheckAt = last.CheckedAt
		if last.Reachable {
			ms.setState(StateHealthy)
			ms.reachedHealthy = true
			ms.failures = 0
			ms.lastError = ""
			s.recordLocked(history.EventHealthy, ms, "")
			s.mu.Unlock()
			metrics.ObserveTimeToHealthy(name, time.Since(proc.StartedAt()).Seconds())
			s.log.Info("service healthy", "service", name, "status", last.Payload.Status, "attempts", attempt)
			return true, nil
		}
		s.mu.Unlock()
		s.log.Debug("service not ready yet", "service", name, "attempt", attempt, "reason", last.Reason, "detail", last.Detail)

		if !time.Now().Add(s.timing.ReadinessInterval).Before(deadline) {
			break
		}
		if err := sleepCtx(ctx, s.timing.ReadinessInterval); err != nil {
			return false, err
		}
	}

	reason := fmt.Sprintf("not healthy after %s (%s)", budget, last.Reason)
	s.log.Error("service failed readiness", "service", name, "budget", budget, "reason", last.Reason, "detail", last.Detail)
	if err := proc.Terminate(s.timing.GracePeriod); err != nil {
		s.log.Error("terminating unready service", "service", name, "error", err)
	}
	s.mu.Lock()
	ms.lastError = reason
	ms.setState(StateCrashed)
	s.recordLocked(history.EventUnhealthy, ms, reason)
	s.mu.Unlock()
	return false, nil
}

// StopAll terminates every live service in reverse declaration order. It is
// idempotent: a second or concurrent call returns nil.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	if !s.running || s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	cancel := s.cancel
	services := s.services
	s.mu.Unlock()

	s.log.Info("stopping services", "count", len(services))
	if cancel != nil {
		cancel()
	}

	waited := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		// workers only block on bounded terminations; keep going
		s.log.Warn("stop deadline reached while waiting for workers", "error", ctx.Err())
		<-waited
	}

	err := s.terminateAll(services)

	s.mu.Lock()
	s.running = false
	s.stopping = false
	s.mu.Unlock()

	if err != nil {
		s.log.Error("services stopped with errors", "error", err)
	} else {
		s.log.Info("all services stopped")
	}
	return err
}

func (s *Supervisor) terminateAll(services []*managedService) error {
	var errs []error
	for i := len(services) - 1; i >= 0; i-- {
		ms := services[i]
		name := ms.desc.Name

		s.mu.Lock()
		proc := ms.proc
		ms.setState(StateShuttingDown)
		s.mu.Unlock()

		if proc != nil && proc.IsAlive() {
			if err := proc.Terminate(s.timing.GracePeriod); err != nil {
				errs = append(errs, fmt.Errorf("stop %s: %w", name, err))
				s.log.Error("service did not stop", "service", name, "pid", proc.PID(), "error", err)
			} else {
				metrics.IncStop(name, proc.Forced())
				if proc.Forced() {
					s.log.Warn("service killed after grace period", "service", name, "pid", proc.PID(), "grace", s.timing.GracePeriod)
				} else {
					s.log.Info("service stopped", "service", name, "pid", proc.PID())
				}
			}
		}

		s.mu.Lock()
		if proc != nil {
			s.recordLocked(history.EventStop, ms, "")
		}
		ms.proc = nil
		ms.restarting = false
		ms.setState(StateStopped)
		s.mu.Unlock()

		if s.sampler != nil {
			s.sampler.Forget(name)
		}
	}
	return errors.Join(errs...)
}

// recordLocked emits a history event; the caller holds s.mu.
func (s *Supervisor) recordLocked(t history.EventType, ms *managedService, detail string) {
	if s.rec == nil {
		return
	}
	e := history.NewEvent(t, ms.desc.Name)
	e.PID = ms.pid()
	e.State = ms.state.String()
	e.RestartCount = ms.restartCount
	e.Detail = detail
	s.rec.Record(e)
}

func exitDetail(proc *process.Process) string {
	if proc == nil {
		return "no process (last launch failed)"
	}
	detail := "exit status 0"
	if err := proc.ExitErr(); err != nil {
		detail = err.Error()
	}
	_, stderr := proc.Output()
	if line := lastLine(stderr); line != "" {
		detail += ": " + line
	}
	return detail
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\r\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	const maxLen = 200
	if len(s) > maxLen {
		s = s[len(s)-maxLen:]
	}
	return strings.TrimSpace(s)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
