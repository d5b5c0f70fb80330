package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Resources is a point-in-time CPU and memory sample of one service process.
type Resources struct {
	PID        int32     `json:"pid" yaml:"pid"`
	CPUPercent float64   `json:"cpu_percent" yaml:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss" yaml:"memory_rss"`
	MemoryMB   float64   `json:"memory_mb" yaml:"memory_mb"`
	NumThreads int32     `json:"num_threads" yaml:"num_threads"`
	Timestamp  time.Time `json:"timestamp" yaml:"timestamp"`
}

// Sampler reads per-service resource usage through gopsutil. It keeps the
// gopsutil handle per service so CPUPercent is measured between samples.
type Sampler struct {
	mu    sync.Mutex
	procs map[string]*process.Process
}

func NewSampler() *Sampler {
	return &Sampler{procs: make(map[string]*process.Process)}
}

// Sample returns the current usage of pid and updates the resource gauges.
func (s *Sampler) Sample(name string, pid int) (Resources, error) {
	if pid <= 0 {
		return Resources{}, fmt.Errorf("invalid pid %d", pid)
	}
	p, err := s.handle(name, int32(pid))
	if err != nil {
		return Resources{}, err
	}
	cpu, err := p.CPUPercent()
	if err != nil {
		cpu = 0
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return Resources{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	threads, _ := p.NumThreads()

	r := Resources{
		PID:        int32(pid),
		CPUPercent: cpu,
		MemoryRSS:  mem.RSS,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		NumThreads: threads,
		Timestamp:  time.Now(),
	}
	setResources(name, r.CPUPercent, r.MemoryRSS)
	return r, nil
}

// Forget drops the cached handle and the gauges of a service that stopped.
func (s *Sampler) Forget(name string) {
	s.mu.Lock()
	delete(s.procs, name)
	s.mu.Unlock()
	deleteResources(name)
}

func (s *Sampler) handle(name string, pid int32) (*process.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.procs[name]; ok && p.Pid == pid {
		return p, nil
	}
	p, err := process.NewProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("failed to create process handle: %w", err)
	}
	s.procs[name] = p
	return p, nil
}
