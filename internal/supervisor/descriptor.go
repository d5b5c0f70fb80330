package supervisor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/loykin/svisor/internal/logger"
	"github.com/loykin/svisor/internal/process"
)

// DefaultHealthPath is used when a descriptor leaves HealthPath empty.
const DefaultHealthPath = "/health"

// Descriptor is the static definition of one managed service.
type Descriptor struct {
	Name       string   `json:"name" yaml:"name" mapstructure:"name"`
	Command    string   `json:"command" yaml:"command" mapstructure:"command"`
	Port       int      `json:"port" yaml:"port" mapstructure:"port"`
	HealthPath string   `json:"health_path,omitempty" yaml:"health_path,omitempty" mapstructure:"health_path"`
	Target     string   `json:"target,omitempty" yaml:"target,omitempty" mapstructure:"target"`
	WorkDir    string   `json:"work_dir,omitempty" yaml:"work_dir,omitempty" mapstructure:"work_dir"`
	Env        []string `json:"env,omitempty" yaml:"env,omitempty" mapstructure:"env"`
}

// HealthURL returns the address probed for readiness and liveness.
func (d Descriptor) HealthURL() string {
	path := d.HealthPath
	if path == "" {
		path = DefaultHealthPath
	}
	return fmt.Sprintf("http://localhost:%d%s", d.Port, path)
}

// ValidName reports whether s can be used as a service name. Names appear in
// URLs and log file names, so only A-Z a-z 0-9 . _ - are allowed, and ".." is
// rejected.
func ValidName(s string) bool {
	if s == "" || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

// Validate checks the fields of a single descriptor.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("service name is required")
	}
	if !ValidName(d.Name) {
		return fmt.Errorf("service %q: name may only contain letters, digits, '.', '_' and '-'", d.Name)
	}
	if strings.TrimSpace(d.Command) == "" {
		return fmt.Errorf("service %s: command is required", d.Name)
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("service %s: port %d out of range", d.Name, d.Port)
	}
	if d.HealthPath != "" && !strings.HasPrefix(d.HealthPath, "/") {
		return fmt.Errorf("service %s: health_path must start with /", d.Name)
	}
	for _, kv := range d.Env {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("service %s: env entry %q is not KEY=VALUE", d.Name, kv)
		}
	}
	return nil
}

// ValidateDescriptors checks every descriptor and the fleet-wide uniqueness
// of names and ports.
func ValidateDescriptors(descs []Descriptor) error {
	if len(descs) == 0 {
		return errors.New("at least one service is required")
	}
	names := make(map[string]struct{}, len(descs))
	ports := make(map[int]string, len(descs))
	for _, d := range descs {
		if err := d.Validate(); err != nil {
			return err
		}
		if _, dup := names[d.Name]; dup {
			return fmt.Errorf("duplicate service name %q", d.Name)
		}
		names[d.Name] = struct{}{}
		if other, dup := ports[d.Port]; dup {
			return fmt.Errorf("services %s and %s share port %d", other, d.Name, d.Port)
		}
		ports[d.Port] = d.Name
	}
	return nil
}

func (d Descriptor) processSpec(log logger.FileConfig) process.Spec {
	return process.Spec{
		Name:    d.Name,
		Command: d.Command,
		Target:  d.Target,
		WorkDir: d.WorkDir,
		Env:     d.Env,
		Log:     log,
	}
}

// VerifyExecutable reports whether the service's launch target can be
// found, without starting it. Errors wrap process.ErrExecutableNotFound.
func (d Descriptor) VerifyExecutable() error {
	spec := d.processSpec(logger.FileConfig{})
	return spec.Verify()
}
