package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/svisor/internal/history"
)

func TestSQLiteSink_SendAndList(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "events.db")
	sink, err := New("sqlite://" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)

	events := []history.Event{
		{ID: "1", Type: history.EventStart, OccurredAt: base, Service: "api", PID: 100, State: "starting"},
		{ID: "2", Type: history.EventHealthy, OccurredAt: base.Add(time.Second), Service: "api", PID: 100, State: "healthy"},
		{ID: "3", Type: history.EventStart, OccurredAt: base.Add(2 * time.Second), Service: "worker", PID: 200, State: "starting"},
		{ID: "4", Type: history.EventCrash, OccurredAt: base.Add(3 * time.Second), Service: "api", PID: 100, State: "crashed", RestartCount: 1, Detail: "exit status 1"},
	}
	for _, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("Failed to send %s event: %v", e.Type, err)
		}
	}

	all, err := sink.List(ctx, history.Query{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 events, got %d", len(all))
	}
	if all[0].ID != "4" || all[0].Detail != "exit status 1" || all[0].RestartCount != 1 {
		t.Fatalf("newest event mismatch: %+v", all[0])
	}

	api, err := sink.List(ctx, history.Query{Service: "api", Limit: 2})
	if err != nil {
		t.Fatalf("filtered list: %v", err)
	}
	if len(api) != 2 || api[0].ID != "4" || api[1].ID != "2" {
		t.Fatalf("unexpected filtered result: %+v", api)
	}
	if api[1].Detail != "" {
		t.Fatalf("expected empty detail, got %q", api[1].Detail)
	}
}

func TestSQLiteSink_Memory(t *testing.T) {
	sink, err := New("sqlite://:memory:")
	if err != nil {
		t.Fatalf("memory sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	if err := sink.Send(context.Background(), history.NewEvent(history.EventStop, "api")); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := sink.List(context.Background(), history.Query{})
	if err != nil || len(got) != 1 {
		t.Fatalf("list: %v %v", got, err)
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
