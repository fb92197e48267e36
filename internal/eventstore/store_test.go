package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-audiobook/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.BeginRun(ctx, Run{ID: "r"}); err != nil {
		t.Fatalf("begin run on ephemeral store: %v", err)
	}
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: "session"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	if err := es.BeginRun(ctx, Run{ID: "run-123", VoiceMode: "cloned", Language: "fr"}); err != nil {
		t.Fatalf("begin run: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{RunID: "run-123", Type: EventRunStarted}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{RunID: "run-123", Type: EventChunkFailed, Payload: []byte(`{"index":1}`)}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := es.FinishRun(ctx, "run-123", StatusCompleted, "/out/book.wav"); err != nil {
		t.Fatalf("finish run: %v", err)
	}

	run, err := es.GetRun(ctx, "run-123")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != StatusCompleted || run.OutputPath != "/out/book.wav" || run.VoiceMode != "cloned" {
		t.Fatalf("unexpected run %+v", run)
	}
	if run.FinishedAt.IsZero() {
		t.Fatal("expected finished_at to be set")
	}

	events, err := es.ListRunEvents(ctx, "run-123", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 || events[0].Type != EventRunStarted || string(events[1].Payload) != `{"index":1}` {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestFinishUnknownRun(t *testing.T) {
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: "session"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.FinishRun(context.Background(), "nope", StatusFailed, ""); err == nil {
		t.Fatal("expected error for unknown run")
	}
}

func TestPruneByDaysAndRuns(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginRun(ctx, Run{ID: "old-run", VoiceMode: "default"}); err != nil {
		t.Fatalf("begin run: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{RunID: "old-run", Type: EventRunStarted}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginRun(ctx, Run{ID: "new-run", VoiceMode: "default"}); err != nil {
		t.Fatalf("begin run: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListRunEvents(ctx, "old-run", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old run pruned")
	}
	runs, err := es.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "new-run" {
		t.Fatalf("expected only new-run, got %+v", runs)
	}
}
