package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/loykin/svisor/internal/history"
	"github.com/loykin/svisor/internal/metrics"
	"github.com/loykin/svisor/internal/process"
)

func (s *Supervisor) monitor(ctx context.Context) {
	defer s.workers.Done()
	s.log.Debug("monitor started", "interval", s.timing.MonitorInterval)

	t := time.NewTicker(s.timing.MonitorInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Debug("monitor stopped")
			return
		case <-t.C:
			s.tick(ctx)
		}
	}
}

type liveService struct {
	ms   *managedService
	proc *process.Process
	// false unless healthy or awaiting_health
	probe bool
}

type crashInfo struct {
	name     string
	pid      int
	detail   string
	restarts int
	delay    time.Duration
}

// tick evaluates every service once. Crashes are handed to restart workers;
// live services are probed concurrently so one slow endpoint cannot delay
// the others.
func (s *Supervisor) tick(ctx context.Context) {
	var (
		live    []liveService
		crashes []crashInfo
	)

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	for _, ms := range s.services {
		if ms.restarting {
			continue
		}
		if ms.proc == nil || !ms.proc.IsAlive() {
			crashes = append(crashes, s.beginRestartLocked(ctx, ms))
			continue
		}
		probe := ms.state == StateHealthy || ms.state == StateAwaitingHealth
		live = append(live, liveService{ms: ms, proc: ms.proc, probe: probe})
	}
	s.mu.Unlock()

	for _, c := range crashes {
		s.log.Error("service crashed, restarting",
			"service", c.name, "pid", c.pid, "detail", c.detail,
			"restart_count", c.restarts, "delay", c.delay)
	}

	var wg sync.WaitGroup
	for _, l := range live {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.probe {
				s.checkLive(ctx, l.ms, l.proc)
			}
			s.sample(l.ms, l.proc)
		}()
	}
	wg.Wait()
}

// beginRestartLocked records a crash and launches a restart worker. The
// caller holds s.mu.
func (s *Supervisor) beginRestartLocked(ctx context.Context, ms *managedService) crashInfo {
	detail := exitDetail(ms.proc)
	info := crashInfo{name: ms.desc.Name, pid: ms.pid(), detail: detail}

	if ms.reachedHealthy {
		ms.failures = 0
	} else {
		ms.failures++
	}
	ms.setState(StateCrashed)
	ms.restartCount++
	ms.lastError = detail
	s.recordLocked(history.EventCrash, ms, detail)

	ms.setState(StateRestarting)
	ms.restarting = true
	info.restarts = ms.restartCount
	info.delay = s.timing.backoff(ms.failures)

	s.workers.Add(1)
	go s.restart(ctx, ms, info.delay)
	return info
}

// restart relaunches one service: optional backoff, spawn, settle, then the
// restart readiness budget.
func (s *Supervisor) restart(ctx context.Context, ms *managedService, delay time.Duration) {
	defer s.workers.Done()
	defer func() {
		s.mu.Lock()
		ms.restarting = false
		s.mu.Unlock()
	}()
	name := ms.desc.Name

	if err := sleepCtx(ctx, delay); err != nil {
		return
	}

	if err := s.spawn(ms); err != nil {
		s.log.Error("restart failed", "service", name, "error", err)
		s.mu.Lock()
		ms.setState(StateCrashed)
		s.recordLocked(history.EventCrash, ms, err.Error())
		s.mu.Unlock()
		return
	}
	metrics.IncRestart(name)
	s.mu.Lock()
	s.recordLocked(history.EventRestart, ms, "")
	s.mu.Unlock()

	if err := sleepCtx(ctx, s.timing.RestartSettleDelay); err != nil {
		return
	}
	s.mu.Lock()
	if ms.state == StateStarting {
		ms.setState(StateAwaitingHealth)
	}
	s.mu.Unlock()

	if ok, _ := s.awaitReady(ctx, ms, s.timing.RestartReadinessTimeout); ok {
		s.log.Info("service recovered", "service", name)
	}
}

// checkLive probes a running service and flips it between healthy and
// awaiting_health. Probe failures never restart a live process.
func (s *Supervisor) checkLive(ctx context.Context, ms *managedService, proc *process.Process) {
	name := ms.desc.Name
	res := s.prober.Check(ctx, name, ms.desc.HealthURL(), s.timing.ProbeTimeout)
	if ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	if s.stopping || ms.restarting || ms.proc != proc {
		s.mu.Unlock()
		return
	}
	ms.lastProbe = &res
	ms.lastHealthCheckAt = res.CheckedAt
	from := ms.state
	switch {
	case res.Reachable && from == StateAwaitingHealth:
		ms.setState(StateHealthy)
		ms.reachedHealthy = true
		ms.failures = 0
		ms.lastError = ""
		s.recordLocked(history.EventHealthy, ms, "")
	case !res.Reachable && from == StateHealthy:
		ms.setState(StateAwaitingHealth)
		ms.lastError = "health check failed: " + string(res.Reason)
		s.recordLocked(history.EventUnhealthy, ms, res.Detail)
	}
	s.mu.Unlock()

	switch {
	case res.Reachable && from == StateAwaitingHealth:
		s.log.Info("service healthy again", "service", name)
	case !res.Reachable && from == StateHealthy:
		s.log.Warn("service failed health check", "service", name, "reason", res.Reason, "detail", res.Detail)
	case !res.Reachable:
		s.log.Debug("service still unhealthy", "service", name, "reason", res.Reason)
	}
}

func (s *Supervisor) sample(ms *managedService, proc *process.Process) {
	if s.sampler == nil {
		return
	}
	r, err := s.sampler.Sample(ms.desc.Name, proc.PID())
	if err != nil {
		s.log.Debug("resource sample failed", "service", ms.desc.Name, "error", err)
		return
	}
	s.mu.Lock()
	if ms.proc == proc {
		ms.resources = &r
	}
	s.mu.Unlock()
}
