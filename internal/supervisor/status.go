package supervisor

import (
	"time"

	"github.com/loykin/svisor/internal/metrics"
)

// ProbeStatus summarises the latest health probe of a service.
type ProbeStatus struct {
	Reachable bool      `json:"reachable" yaml:"reachable"`
	Reason    string    `json:"reason,omitempty" yaml:"reason,omitempty"`
	Status    string    `json:"status,omitempty" yaml:"status,omitempty"`
	LatencyMS int64     `json:"latency_ms" yaml:"latency_ms"`
	Detail    string    `json:"detail,omitempty" yaml:"detail,omitempty"`
	CheckedAt time.Time `json:"checked_at" yaml:"checked_at"`
}

// ServiceStatus is a read-only snapshot of one managed service.
type ServiceStatus struct {
	Name              string             `json:"name" yaml:"name"`
	State             State              `json:"state" yaml:"state"`
	PID               int                `json:"pid,omitempty" yaml:"pid,omitempty"`
	Port              int                `json:"port" yaml:"port"`
	URL               string             `json:"url" yaml:"url"`
	RestartCount      int                `json:"restart_count" yaml:"restart_count"`
	StartedAt         time.Time          `json:"started_at,omitzero" yaml:"started_at,omitempty"`
	LastHealthCheckAt time.Time          `json:"last_health_check_at,omitzero" yaml:"last_health_check_at,omitempty"`
	LastStateChangeAt time.Time          `json:"last_state_change_at" yaml:"last_state_change_at"`
	LastProbe         *ProbeStatus       `json:"last_probe,omitempty" yaml:"last_probe,omitempty"`
	LastError         string             `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	Resources         *metrics.Resources `json:"resources,omitempty" yaml:"resources,omitempty"`
}

// Status returns a snapshot of every service in declaration order.
func (s *Supervisor) Status() []ServiceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ServiceStatus, 0, len(s.services))
	for _, ms := range s.services {
		out = append(out, ms.snapshot())
	}
	return out
}

// ServiceStatus returns the snapshot of one service.
func (s *Supervisor) ServiceStatus(name string) (ServiceStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ms := range s.services {
		if ms.desc.Name == name {
			return ms.snapshot(), true
		}
	}
	return ServiceStatus{}, false
}

func (ms *managedService) snapshot() ServiceStatus {
	st := ServiceStatus{
		Name:              ms.desc.Name,
		State:             ms.state,
		PID:               ms.pid(),
		Port:              ms.desc.Port,
		URL:               ms.desc.HealthURL(),
		RestartCount:      ms.restartCount,
		LastHealthCheckAt: ms.lastHealthCheckAt,
		LastStateChangeAt: ms.lastStateChangeAt,
		LastError:         ms.lastError,
	}
	if ms.proc != nil {
		st.StartedAt = ms.proc.StartedAt()
	}
	if r := ms.lastProbe; r != nil {
		ps := &ProbeStatus{
			Reachable: r.Reachable,
			Reason:    string(r.Reason),
			LatencyMS: r.Latency.Milliseconds(),
			Detail:    r.Detail,
			CheckedAt: r.CheckedAt,
		}
		if r.Payload != nil {
			ps.Status = r.Payload.Status
		}
		st.LastProbe = ps
	}
	if ms.resources != nil {
		res := *ms.resources
		st.Resources = &res
	}
	return st
}
