//go:build !windows

package supervisor

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"testing"
	"time"
)

// TestHelperProcess is not a real test. The supervisor tests launch the test
// binary with SVISOR_HELPER=1 so it behaves as a tiny managed service.
//
//	HELPER_PORT   port to serve /health on
//	HELPER_MODE   healthy (default), unhealthy, exit
//	HELPER_DELAY  wait before listening
//	HELPER_FLAG   file whose presence makes /health report "degraded"
func TestHelperProcess(t *testing.T) {
	if os.Getenv("SVISOR_HELPER") != "1" {
		return
	}
	if d, err := time.ParseDuration(os.Getenv("HELPER_DELAY")); err == nil {
		time.Sleep(d)
	}
	mode := os.Getenv("HELPER_MODE")
	if mode == "exit" {
		fmt.Fprintln(os.Stderr, "helper: refusing to start")
		os.Exit(3)
	}
	name := os.Getenv("HELPER_NAME")
	flag := os.Getenv("HELPER_FLAG")

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		if mode == "unhealthy" {
			status = "starting"
		}
		if flag != "" {
			if _, err := os.Stat(flag); err == nil {
				status = "degraded"
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"status":%q,"service":%q,"timestamp":%q}`, status, name, time.Now().UTC().Format(time.RFC3339))
	})
	srv := &http.Server{Addr: "127.0.0.1:" + os.Getenv("HELPER_PORT"), Handler: mux}
	_ = srv.ListenAndServe()
	os.Exit(0)
}

type helperOpt func(*Descriptor)

func withMode(mode string) helperOpt {
	return func(d *Descriptor) { d.Env = append(d.Env, "HELPER_MODE="+mode) }
}

func withFlag(path string) helperOpt {
	return func(d *Descriptor) { d.Env = append(d.Env, "HELPER_FLAG="+path) }
}

func helperService(t *testing.T, name string, opts ...helperOpt) Descriptor {
	t.Helper()
	port := freePort(t)
	d := Descriptor{
		Name:    name,
		Command: os.Args[0] + " -test.run=TestHelperProcess",
		Port:    port,
		Env: []string{
			"SVISOR_HELPER=1",
			"HELPER_NAME=" + name,
			"HELPER_PORT=" + strconv.Itoa(port),
		},
	}
	for _, o := range opts {
		o(&d)
	}
	return d
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = l.Close() }()
	return l.Addr().(*net.TCPAddr).Port
}

func fastTiming() Timing {
	return Timing{
		SettleDelay:             50 * time.Millisecond,
		ReadinessInterval:       50 * time.Millisecond,
		ReadinessTimeout:        10 * time.Second,
		ProbeTimeout:            500 * time.Millisecond,
		MonitorInterval:         100 * time.Millisecond,
		GracePeriod:             2 * time.Second,
		RestartSettleDelay:      50 * time.Millisecond,
		RestartReadinessTimeout: 10 * time.Second,
		BackoffBase:             100 * time.Millisecond,
		BackoffMax:              500 * time.Millisecond,
	}
}
