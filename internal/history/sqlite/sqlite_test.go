package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/appvisor/internal/history"
)

func testEvents() []history.Event {
	now := time.Now().UTC()
	rec := history.Record{Name: "test-process", App: "test", RunID: "run-1", PID: 12345, State: "running"}
	stop := rec
	stop.State, stop.ExitCode, stop.Signal, stop.Reason = "crashed", -1, "killed", "exited unexpectedly"
	return []history.Event{
		{Type: history.EventStart, OccurredAt: now.Add(-time.Minute), Record: rec},
		{Type: history.EventCrash, OccurredAt: now, Record: stop},
	}
}

func TestSQLiteSink_File(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
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
	for _, e := range testEvents() {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("Failed to send %s event: %v", e.Type, err)
		}
	}
	n, err := sink.Count(ctx, "test-process")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 events, got %d", n)
	}

	// reopening keeps the schema and data
	again, err := New(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = again.Close() }()
	if n, _ := again.Count(ctx, "test-process"); n != 2 {
		t.Fatalf("expected 2 events after reopen, got %d", n)
	}
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create in-memory sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	if err := sink.Send(context.Background(), testEvents()[0]); err != nil {
		t.Fatalf("Failed to send event: %v", err)
	}
	if n, _ := sink.Count(context.Background(), "test-process"); n != 1 {
		t.Fatalf("expected 1 event, got %d", n)
	}
}

func TestSQLiteSink_ContextCancellation(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sink.Send(ctx, testEvents()[0]); err == nil {
		t.Fatal("expected error with cancelled context")
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
