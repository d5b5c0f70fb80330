package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loykin/svisor/internal/supervisor"
)

func writeFile(t *testing.T, dir, name, data string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoad_MinimalTOMLUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "svisor.toml", `
[[services]]
name = "api"
command = "python -m api"
port = 8001
`)
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Services) != 1 {
		t.Fatalf("expected 1 service, got %d", len(cfg.Services))
	}
	s := cfg.Services[0]
	if s.Name != "api" || s.Command != "python -m api" || s.Port != 8001 {
		t.Fatalf("unexpected service: %+v", s)
	}
	if s.HealthURL() != "http://localhost:8001/health" {
		t.Fatalf("unexpected url: %s", s.HealthURL())
	}
	if cfg.Supervisor != supervisor.DefaultTiming() {
		t.Fatalf("expected default timings, got %+v", cfg.Supervisor)
	}
	if cfg.Server.BasePath != "/api" || cfg.Log.Level != "info" {
		t.Fatalf("unexpected defaults: server=%+v log=%+v", cfg.Server, cfg.Log)
	}
}

func TestLoad_FullTOML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".env", "SHARED=file\n# comment\nDB_URL=sqlite://x.db\n")
	file := writeFile(t, dir, "svisor.toml", `
env = ["SHARED=top", "MODE=dev"]
env_files = [".env"]

[supervisor]
settle_delay = "1s"
monitor_interval = "2s"
grace_period = "3s"

[log]
level = "debug"
format = "json"

[log.process]
dir = "logs"
max_size_mb = 5

[metrics]
enabled = true
listen = ":9100"

[server]
listen = "127.0.0.1:8080"
base_path = "/svisor"

[history]
dsns = ["sqlite://history.db", "mqtt://localhost:1883/svisor"]
buffer_size = 32

[[services]]
name = "api"
command = "./bin/api"
port = 8001
work_dir = "services/api"
target = "bin/api"
env = ["MODE=prod", "DATA=/srv/${MODE}"]

[[services]]
name = "reminders"
command = "./bin/reminders --port 8002"
port = 8002
health_path = "/ready"
target = "bin/reminders.py"
`)
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	tm := cfg.Supervisor
	if tm.SettleDelay != time.Second || tm.MonitorInterval != 2*time.Second || tm.GracePeriod != 3*time.Second {
		t.Fatalf("timings not decoded: %+v", tm)
	}
	if tm.ReadinessTimeout != 30*time.Second {
		t.Fatalf("default not kept: %s", tm.ReadinessTimeout)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Fatalf("log: %+v", cfg.Log)
	}
	if cfg.Log.File.Dir != filepath.Join(dir, "logs") || cfg.Log.File.MaxSizeMB != 5 {
		t.Fatalf("process log: %+v", cfg.Log.File)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Listen != ":9100" {
		t.Fatalf("metrics: %+v", cfg.Metrics)
	}
	if cfg.Server.Listen != "127.0.0.1:8080" || cfg.Server.BasePath != "/svisor" {
		t.Fatalf("server: %+v", cfg.Server)
	}
	if len(cfg.History.DSNs) != 2 || cfg.History.BufferSize != 32 {
		t.Fatalf("history: %+v", cfg.History)
	}

	api := cfg.Services[0]
	if api.WorkDir != filepath.Join(dir, "services/api") {
		t.Fatalf("workdir not resolved: %s", api.WorkDir)
	}
	if api.Target != "bin/api" {
		t.Fatalf("target with work_dir should stay relative to it: %s", api.Target)
	}
	if got := cfg.Services[1].Target; got != filepath.Join(dir, "bin/reminders.py") {
		t.Fatalf("target not resolved against config dir: %s", got)
	}
	want := []string{"SHARED=top", "DB_URL=sqlite://x.db", "MODE=prod", "DATA=/srv/prod"}
	if strings.Join(api.Env, ",") != strings.Join(want, ",") {
		t.Fatalf("env = %v, want %v", api.Env, want)
	}
	if cfg.Services[1].HealthURL() != "http://localhost:8002/ready" {
		t.Fatalf("health url: %s", cfg.Services[1].HealthURL())
	}
}

func TestLoad_YAML(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "svisor.yaml", `
supervisor:
  readiness_timeout: 45s
services:
  - name: api
    command: ./api
    port: 8001
  - name: stats
    command: ./stats
    port: 8003
`)
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Services) != 2 || cfg.Services[1].Name != "stats" {
		t.Fatalf("services: %+v", cfg.Services)
	}
	if cfg.Supervisor.ReadinessTimeout != 45*time.Second {
		t.Fatalf("readiness timeout: %s", cfg.Supervisor.ReadinessTimeout)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "svisor.toml", `
[[services]]
name = "api"
command = "./api"
port = 8001
`)
	t.Setenv("SVISOR_SUPERVISOR_MONITOR_INTERVAL", "750ms")
	t.Setenv("SVISOR_SERVER_LISTEN", ":9999")
	t.Setenv("SVISOR_LOG_LEVEL", "warn")

	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Supervisor.MonitorInterval != 750*time.Millisecond {
		t.Fatalf("monitor interval: %s", cfg.Supervisor.MonitorInterval)
	}
	if cfg.Server.Listen != ":9999" || cfg.Log.Level != "warn" {
		t.Fatalf("overrides not applied: server=%+v log=%+v", cfg.Server, cfg.Log)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name        string
		data        string
		errContains string
	}{
		{"no services", `[server]
listen = ":8080"
`, "at least one service"},
		{"duplicate port", `
[[services]]
name = "a"
command = "x"
port = 8001
[[services]]
name = "b"
command = "y"
port = 8001
`, "share port"},
		{"negative timing", `
[supervisor]
grace_period = "-1s"
[[services]]
name = "a"
command = "x"
port = 8001
`, "grace_period must not be negative"},
		{"bad base path", `
[server]
base_path = "api"
[[services]]
name = "a"
command = "x"
port = 8001
`, "must start with /"},
		{"metrics nowhere", `
[metrics]
enabled = true
[[services]]
name = "a"
command = "x"
port = 8001
`, "metrics enabled"},
		{"bad duration", `
[supervisor]
settle_delay = "soon"
[[services]]
name = "a"
command = "x"
port = 8001
`, "decode config"},
		{"name with spaces", `
[[services]]
name = "Due Date Calculator (Microservice B)"
command = "x"
port = 8001
`, "name may only contain"},
		{"name escapes log dir", `
[[services]]
name = "../x"
command = "x"
port = 8001
`, "name may only contain"},
		{"shared process log", `
[log.process]
stdout = "logs/fleet.out"
[[services]]
name = "a"
command = "x"
port = 8001
`, "must contain {name}"},
		{"missing env file", `
env_files = ["nope.env"]
[[services]]
name = "a"
command = "x"
port = 8001
`, "env file nope.env"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file := writeFile(t, t.TempDir(), "svisor.toml", tt.data)
			_, err := Load(file)
			if err == nil || !strings.Contains(err.Error(), tt.errContains) {
				t.Fatalf("expected error containing %q, got %v", tt.errContains, err)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadEnvFile(t *testing.T) {
	p := writeFile(t, t.TempDir(), ".env", "A=1\n#comment\n\nB = two\nNOEQUALS\nC=x=y\n")
	pairs, err := LoadEnvFile(p)
	if err != nil {
		t.Fatalf("load env file: %v", err)
	}
	want := "A=1,B=two,C=x=y"
	if got := strings.Join(pairs, ","); got != want {
		t.Fatalf("pairs = %s, want %s", got, want)
	}
}
