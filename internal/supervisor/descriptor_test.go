package supervisor

import (
	"strings"
	"testing"
	"time"
)

func TestDescriptor_HealthURL(t *testing.T) {
	d := Descriptor{Name: "api", Command: "x", Port: 8001}
	if got := d.HealthURL(); got != "http://localhost:8001/health" {
		t.Fatalf("default url = %s", got)
	}
	d.HealthPath = "/ready"
	if got := d.HealthURL(); got != "http://localhost:8001/ready" {
		t.Fatalf("custom url = %s", got)
	}
}

func TestValidateDescriptors(t *testing.T) {
	ok := Descriptor{Name: "api", Command: "python app.py", Port: 8001}
	tests := []struct {
		name        string
		descs       []Descriptor
		errContains string
	}{
		{"valid", []Descriptor{ok}, ""},
		{"empty fleet", nil, "at least one service"},
		{"missing name", []Descriptor{{Command: "x", Port: 1}}, "name is required"},
		{"missing command", []Descriptor{{Name: "a", Port: 1}}, "command is required"},
		{"port zero", []Descriptor{{Name: "a", Command: "x"}}, "out of range"},
		{"port too high", []Descriptor{{Name: "a", Command: "x", Port: 70000}}, "out of range"},
		{"bad health path", []Descriptor{{Name: "a", Command: "x", Port: 1, HealthPath: "health"}}, "must start with /"},
		{"bad env", []Descriptor{{Name: "a", Command: "x", Port: 1, Env: []string{"FOO"}}}, "KEY=VALUE"},
		{"name with spaces", []Descriptor{{Name: "Due Date Calculator (Microservice B)", Command: "x", Port: 1}}, "name may only contain"},
		{"name escapes log dir", []Descriptor{{Name: "../x", Command: "x", Port: 1}}, "name may only contain"},
		{"name with slash", []Descriptor{{Name: "a/b", Command: "x", Port: 1}}, "name may only contain"},
		{"dotted name", []Descriptor{{Name: "due-date.v2_b", Command: "x", Port: 1}}, ""},
		{"duplicate name", []Descriptor{ok, {Name: "api", Command: "y", Port: 8002}}, "duplicate service name"},
		{"duplicate port", []Descriptor{ok, {Name: "b", Command: "y", Port: 8001}}, "share port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDescriptors(tt.descs)
			if tt.errContains == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errContains) {
				t.Fatalf("expected error containing %q, got %v", tt.errContains, err)
			}
		})
	}
}

func TestTiming_Backoff(t *testing.T) {
	tm := Timing{BackoffBase: time.Second, BackoffMax: 10 * time.Second}
	cases := map[int]time.Duration{
		0:  0,
		1:  time.Second,
		2:  2 * time.Second,
		3:  4 * time.Second,
		4:  8 * time.Second,
		5:  10 * time.Second,
		50: 10 * time.Second,
	}
	for failures, want := range cases {
		if got := tm.backoff(failures); got != want {
			t.Errorf("backoff(%d) = %s, want %s", failures, got, want)
		}
	}
}

func TestTiming_DefaultsAndValidate(t *testing.T) {
	tm := Timing{MonitorInterval: 2 * time.Second}.WithDefaults()
	if tm.MonitorInterval != 2*time.Second {
		t.Fatalf("explicit value overwritten: %s", tm.MonitorInterval)
	}
	if tm.SettleDelay != 3*time.Second || tm.ReadinessTimeout != 30*time.Second || tm.GracePeriod != 5*time.Second {
		t.Fatalf("defaults not applied: %+v", tm)
	}
	if err := tm.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	bad := tm
	bad.BackoffMax = time.Millisecond
	if err := bad.Validate(); err == nil {
		t.Fatal("expected backoff_max below base to fail")
	}
}

func TestDescriptor_VerifyExecutable(t *testing.T) {
	d := Descriptor{Name: "sh", Command: "sh -c true", Port: 1}
	if err := d.VerifyExecutable(); err != nil {
		t.Fatalf("sh should resolve: %v", err)
	}
	d.Command = "./definitely-not-here"
	d.WorkDir = t.TempDir()
	if err := d.VerifyExecutable(); err == nil {
		t.Fatal("expected missing executable")
	}
}
