package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/hazyhaar/pagekeep/observability"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestOpenEvents_AppliesSchema(t *testing.T) {
	// WHAT: the events database is created with its table on first open.
	// WHY: the event logger writes without checking for the table.
	db, err := openEvents(filepath.Join(t.TempDir(), "nested", "events.db"))
	if err != nil {
		t.Fatalf("openEvents: %v", err)
	}
	defer db.Close()

	l := observability.NewEventLogger(db)
	l.LogEvent(context.Background(), observability.BusinessEvent{
		EventType:   observability.EventCaptureCreated,
		ServiceName: "pagekeep",
		EntityID:    "cap_x",
		Action:      "capture",
		Success:     true,
	})
	events, err := l.Recent(context.Background(), observability.EventCaptureCreated, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].EntityID != "cap_x" {
		t.Fatalf("events = %+v", events)
	}
}
