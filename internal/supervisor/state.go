package supervisor

import (
	"time"

	"github.com/loykin/svisor/internal/health"
	"github.com/loykin/svisor/internal/metrics"
	"github.com/loykin/svisor/internal/process"
)

// State is the lifecycle state of a managed service.
//
//	stopped -> starting -> awaiting_health -> healthy
//	healthy -> crashed -> restarting -> starting
//	healthy <-> awaiting_health (probe failure while alive)
//	any -> shutting_down -> stopped
type State string

const (
	StateStopped        State = "stopped"
	StateStarting       State = "starting"
	StateAwaitingHealth State = "awaiting_health"
	StateHealthy        State = "healthy"
	StateCrashed        State = "crashed"
	StateRestarting     State = "restarting"
	StateShuttingDown   State = "shutting_down"
)

func (s State) String() string { return string(s) }

// managedService is the runtime record of one service. All fields are
// guarded by Supervisor.mu.
type managedService struct {
	desc Descriptor
	proc *process.Process

	state             State
	restartCount      int
	failures          int  // consecutive launches that never reached healthy
	reachedHealthy    bool // since the latest spawn
	restarting        bool
	lastHealthCheckAt time.Time
	lastStateChangeAt time.Time
	lastProbe         *health.Result
	lastError         string
	resources         *metrics.Resources
}

func newManagedService(d Descriptor) *managedService {
	return &managedService{desc: d, state: StateStopped, lastStateChangeAt: time.Now()}
}

// setState records the transition; the caller holds Supervisor.mu.
func (ms *managedService) setState(to State) State {
	from := ms.state
	if from == to {
		return from
	}
	ms.state = to
	ms.lastStateChangeAt = time.Now()
	metrics.RecordStateTransition(ms.desc.Name, from.String(), to.String())
	metrics.SetCurrentState(ms.desc.Name, from.String(), false)
	metrics.SetCurrentState(ms.desc.Name, to.String(), true)
	return from
}

func (ms *managedService) pid() int {
	if ms.proc == nil {
		return 0
	}
	return ms.proc.PID()
}
