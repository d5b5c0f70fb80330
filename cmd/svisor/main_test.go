package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/svisor/internal/history"
	"github.com/loykin/svisor/internal/history/sqlite"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "svisor.toml")
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	return p
}

func TestHelp(t *testing.T) {
	out, err := execute(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "svisor")
	for _, sub := range []string{"run", "status", "stop", "probe", "validate", "history"} {
		assert.Contains(t, out, sub)
	}
}

func TestValidate(t *testing.T) {
	cfg := writeConfig(t, `
[[services]]
name = "api"
command = "sh -c true"
port = 8001

[[services]]
name = "stats"
command = "sh -c true"
port = 8003
health_path = "/ready"
`)
	out, err := execute(t, "validate", "--check-executables", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "http://localhost:8001/health")
	assert.Contains(t, out, "http://localhost:8003/ready")
	assert.Contains(t, out, "2 service(s) OK")
}

func TestValidate_MissingExecutable(t *testing.T) {
	cfg := writeConfig(t, `
[[services]]
name = "ghost"
command = "./not-built-yet"
port = 8001
`)
	_, err := execute(t, "validate", "--config", cfg)
	require.NoError(t, err, "existence is only checked on request")

	_, err = execute(t, "validate", "--config", cfg, "--check-executables")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "executable not found")
}

func TestValidate_BadConfig(t *testing.T) {
	cfg := writeConfig(t, `
[[services]]
name = "a"
command = "x"
port = 8001
[[services]]
name = "a"
command = "y"
port = 8002
`)
	_, err := execute(t, "validate", cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate service name")
}

func TestProbe(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"healthy","service":"api"}`))
	}))
	defer healthy.Close()
	starting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"starting"}`))
	}))
	defer starting.Close()

	out, err := execute(t, "probe", "--url", healthy.URL+"/health")
	require.NoError(t, err)
	assert.Contains(t, out, "HEALTHY")
	assert.Contains(t, out, "api")

	out, err = execute(t, "probe", "--url", starting.URL+"/health", "-o", "json")
	require.Error(t, err)
	assert.Contains(t, out, `"reason": "bad_status"`)
}

func TestStatusAndStop(t *testing.T) {
	var shutdowns int
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"name":"api","state":"healthy","pid":42,"port":8001,"url":"http://localhost:8001/health","restart_count":2}]`))
	})
	mux.HandleFunc("GET /api/status/{name}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("name") != "api" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"unknown service nope"}`))
			return
		}
		_, _ = w.Write([]byte(`{"name":"api","state":"healthy","pid":42,"port":8001,"restart_count":2}`))
	})
	mux.HandleFunc("POST /api/shutdown", func(w http.ResponseWriter, r *http.Request) {
		shutdowns++
		w.WriteHeader(http.StatusAccepted)
		if shutdowns > 1 {
			_, _ = w.Write([]byte(`{"ok":true,"already_in_progress":true}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	api := srv.URL + "/api"

	out, err := execute(t, "status", "--api-url", api)
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Regexp(t, `api\s+healthy\s+42\s+2`, out)

	out, err = execute(t, "status", "--api-url", api, "--name", "api", "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "restart_count: 2")

	_, err = execute(t, "status", "--api-url", api, "--name", "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown service nope")

	_, err = execute(t, "status", "--api-url", api, "-o", "xml")
	assert.Error(t, err)

	out, err = execute(t, "stop", "--api-url", api)
	require.NoError(t, err)
	assert.Contains(t, out, "shutdown requested")
	out, err = execute(t, "stop", "--api-url", api)
	require.NoError(t, err)
	assert.Contains(t, out, "already in progress")
}

func TestHistory(t *testing.T) {
	db := filepath.Join(t.TempDir(), "history.db")
	sink, err := sqlite.New("sqlite://" + db)
	require.NoError(t, err)
	for _, typ := range []history.EventType{history.EventStart, history.EventHealthy, history.EventCrash} {
		e := history.NewEvent(typ, "api")
		e.PID = 7
		require.NoError(t, sink.Send(context.Background(), e))
	}
	other := history.NewEvent(history.EventStart, "stats")
	require.NoError(t, sink.Send(context.Background(), other))
	require.NoError(t, sink.Close())

	out, err := execute(t, "history", "--dsn", "sqlite://"+db, "--name", "api")
	require.NoError(t, err)
	assert.Contains(t, out, "crash")
	assert.NotContains(t, out, "stats")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, lines, 4)

	out, err = execute(t, "history", "--dsn", "sqlite://"+db, "--limit", "1", "-o", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"service": "stats"`)
}

func TestHistory_UsesConfigDSN(t *testing.T) {
	db := filepath.Join(t.TempDir(), "history.db")
	cfg := writeConfig(t, `
[history]
dsns = ["mqtt://localhost:1883/svisor", "sqlite://`+db+`"]

[[services]]
name = "api"
command = "x"
port = 8001
`)
	out, err := execute(t, "history", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "TIME")

	cfg = writeConfig(t, `
[history]
dsns = ["mqtt://localhost:1883/svisor"]

[[services]]
name = "api"
command = "x"
port = 8001
`)
	_, err = execute(t, "history", "--config", cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no readable history DSN")
}
