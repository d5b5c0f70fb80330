package influxdb

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/svisor/internal/history"
)

func fakeInflux(t *testing.T) (*httptest.Server, <-chan string) {
	t.Helper()
	writes := make(chan string, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ping":
			w.WriteHeader(http.StatusNoContent)
		case "/api/v2/write":
			b, _ := io.ReadAll(r.Body)
			writes <- r.URL.Query().Get("bucket") + " " + string(b)
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, writes
}

func TestPoint(t *testing.T) {
	e := history.NewEvent(history.EventRestart, "api")
	e.PID = 7
	e.RestartCount = 3
	e.State = "restarting"

	p := Point(e)
	assert.Equal(t, "svisor_event", p.Name())
	tags := map[string]string{}
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	assert.Equal(t, map[string]string{"service": "api", "type": "restart", "state": "restarting"}, tags)
	fields := map[string]any{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	assert.Equal(t, int64(3), fields["restart_count"])
	assert.Equal(t, e.ID, fields["id"])
	assert.True(t, p.Time().Equal(e.OccurredAt))
}

func TestSink_WritesOnClose(t *testing.T) {
	srv, writes := fakeInflux(t)

	s, err := New(Options{URL: srv.URL, Token: "t", Org: "o", Bucket: "events"}, nil)
	require.NoError(t, err)

	require.NoError(t, s.Send(t.Context(), history.NewEvent(history.EventCrash, "worker")))
	require.NoError(t, s.Close())

	select {
	case got := <-writes:
		assert.True(t, strings.HasPrefix(got, "events svisor_event,"), got)
		assert.Contains(t, got, "service=worker")
		assert.Contains(t, got, "type=crash")
	case <-time.After(5 * time.Second):
		t.Fatal("no write received")
	}
}

func TestNew_PingFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(Options{URL: srv.URL, Bucket: "events"}, nil)
	assert.ErrorIs(t, err, ErrConnectionFailed)
}

func TestNew_RequiresBucket(t *testing.T) {
	_, err := New(Options{URL: "http://127.0.0.1:1"}, nil)
	assert.Error(t, err)
}
