package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

// factory builds an empty store with the given options.
type factory func(t *testing.T, opts ...Option) Store

// clock is a settable test clock.
type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func sampleSnapshot(url string) *Snapshot {
	return &Snapshot{
		HTML:        "<!DOCTYPE html><html><head><title>T</title></head><body>" + strings.Repeat("x", 4096) + "</body></html>",
		OriginalURL: url,
		FinalURL:    url + "/final",
		Title:       "T",
		Assets:      []string{"https://cdn.example/b.png", "https://cdn.example/a.css"},
	}
}

// runContract exercises the behaviour every backend must share.
func runContract(t *testing.T, newStore factory) {
	ctx := context.Background()

	t.Run("CreateGetRoundTrip", func(t *testing.T) {
		// WHAT: A created snapshot reads back identically.
		// WHY: The content endpoint serves exactly what was stored.
		s := newStore(t)
		in := sampleSnapshot("https://example.com")
		in.Partial = true
		id, err := s.Create(ctx, in)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if !strings.HasPrefix(id, "cap_") {
			t.Errorf("id = %q, want cap_ prefix", id)
		}
		html, err := s.GetHTML(ctx, id)
		if err != nil {
			t.Fatalf("get html: %v", err)
		}
		if html != in.HTML {
			t.Error("html mismatch after round trip")
		}
		got, err := s.Get(ctx, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.OriginalURL != in.OriginalURL || got.FinalURL != in.FinalURL || got.Title != "T" || !got.Partial {
			t.Errorf("metadata = %+v", got)
		}
		if got.HTML != in.HTML {
			t.Error("Get html mismatch")
		}
		if len(got.Assets) != 2 {
			t.Errorf("assets = %v, want 2", got.Assets)
		}
	})

	t.Run("ExplicitID", func(t *testing.T) {
		// WHAT: A caller-supplied id is kept.
		// WHY: The capture service mints the id before rewriting, so asset paths embed it.
		s := newStore(t)
		snap := sampleSnapshot("https://example.com")
		snap.ID = "cap_fixed"
		id, err := s.Create(ctx, snap)
		if err != nil || id != "cap_fixed" {
			t.Fatalf("create = %q, %v", id, err)
		}
		if _, err := s.GetHTML(ctx, "cap_fixed"); err != nil {
			t.Fatalf("get: %v", err)
		}
	})

	t.Run("MetaOmitsHTML", func(t *testing.T) {
		// WHAT: Meta returns metadata without the document.
		// WHY: Listing and MCP lookups should not decompress large documents.
		s := newStore(t)
		id, _ := s.Create(ctx, sampleSnapshot("https://example.com"))
		m, err := s.Meta(ctx, id)
		if err != nil {
			t.Fatalf("meta: %v", err)
		}
		if m.HTML != "" {
			t.Error("Meta returned HTML")
		}
		if m.OriginalURL != "https://example.com" {
			t.Errorf("original = %q", m.OriginalURL)
		}
	})

	t.Run("UnknownID", func(t *testing.T) {
		// WHAT: Unknown ids map to ErrNotFound on every read.
		// WHY: Handlers translate ErrNotFound to 404.
		s := newStore(t)
		if _, err := s.GetHTML(ctx, "cap_missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetHTML err = %v", err)
		}
		if _, err := s.Get(ctx, "cap_missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get err = %v", err)
		}
		if _, err := s.Meta(ctx, "cap_missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Meta err = %v", err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		// WHAT: Delete removes a snapshot and reports whether it existed.
		// WHY: The admin endpoint returns 404 for a second delete.
		s := newStore(t)
		id, _ := s.Create(ctx, sampleSnapshot("https://example.com"))
		ok, err := s.Delete(ctx, id)
		if err != nil || !ok {
			t.Fatalf("delete = %v, %v", ok, err)
		}
		if _, err := s.GetHTML(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Errorf("after delete err = %v", err)
		}
		ok, err = s.Delete(ctx, id)
		if err != nil || ok {
			t.Errorf("second delete = %v, %v", ok, err)
		}
	})

	t.Run("ListNewestFirst", func(t *testing.T) {
		// WHAT: List orders by creation time, newest first, and honours limit.
		// WHY: The admin listing shows recent captures.
		clk := newClock()
		s := newStore(t, WithClock(clk.now))
		var ids []string
		for i := range 3 {
			id, err := s.Create(ctx, sampleSnapshot(fmt.Sprintf("https://example.com/%d", i)))
			if err != nil {
				t.Fatal(err)
			}
			ids = append(ids, id)
			clk.advance(time.Second)
		}
		got, err := s.List(ctx, 2)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("len = %d, want 2", len(got))
		}
		if got[0].ID != ids[2] || got[1].ID != ids[1] {
			t.Errorf("order = %s, %s", got[0].ID, got[1].ID)
		}
		if got[0].HTMLSize != len(sampleSnapshot("").HTML) {
			t.Errorf("html_size = %d", got[0].HTMLSize)
		}
	})

	t.Run("ExpiredInvisible", func(t *testing.T) {
		// WHAT: A snapshot past its TTL is invisible before any sweep runs.
		// WHY: Retention must not depend on sweeper timing.
		clk := newClock()
		s := newStore(t, WithClock(clk.now), WithPolicy(Policy{TTL: time.Hour}))
		id, _ := s.Create(ctx, sampleSnapshot("https://example.com"))
		if _, err := s.GetHTML(ctx, id); err != nil {
			t.Fatalf("fresh get: %v", err)
		}
		clk.advance(2 * time.Hour)
		if _, err := s.GetHTML(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Errorf("expired err = %v", err)
		}
		if list, _ := s.List(ctx, 10); len(list) != 0 {
			t.Errorf("list = %d entries, want 0", len(list))
		}
	})

	t.Run("SweepTTL", func(t *testing.T) {
		// WHAT: Sweep removes expired snapshots only.
		// WHY: Storage is reclaimed without touching live captures.
		clk := newClock()
		s := newStore(t, WithClock(clk.now), WithPolicy(Policy{TTL: time.Hour}))
		old, _ := s.Create(ctx, sampleSnapshot("https://example.com/old"))
		clk.advance(90 * time.Minute)
		fresh, _ := s.Create(ctx, sampleSnapshot("https://example.com/new"))

		n, err := s.Sweep(ctx, clk.now())
		if err != nil {
			t.Fatalf("sweep: %v", err)
		}
		if n != 1 {
			t.Errorf("swept = %d, want 1", n)
		}
		if _, err := s.Meta(ctx, fresh); err != nil {
			t.Errorf("fresh snapshot gone: %v", err)
		}
		if ok, _ := s.Delete(ctx, old); ok {
			t.Error("old snapshot still present")
		}
	})

	t.Run("SweepCapacity", func(t *testing.T) {
		// WHAT: Sweep evicts the oldest snapshots beyond MaxSnapshots.
		// WHY: Capacity is bounded on a long running instance.
		clk := newClock()
		s := newStore(t, WithClock(clk.now), WithPolicy(Policy{MaxSnapshots: 2}))
		var ids []string
		for i := range 4 {
			id, _ := s.Create(ctx, sampleSnapshot(fmt.Sprintf("https://example.com/%d", i)))
			ids = append(ids, id)
			clk.advance(time.Second)
		}
		n, err := s.Sweep(ctx, clk.now())
		if err != nil {
			t.Fatalf("sweep: %v", err)
		}
		if n != 2 {
			t.Errorf("evicted = %d, want 2", n)
		}
		for i, id := range ids {
			_, err := s.Meta(ctx, id)
			if i < 2 && !errors.Is(err, ErrNotFound) {
				t.Errorf("%s should be evicted, err = %v", id, err)
			}
			if i >= 2 && err != nil {
				t.Errorf("%s should survive, err = %v", id, err)
			}
		}
	})

	t.Run("SweepNoPolicy", func(t *testing.T) {
		// WHAT: Without a policy Sweep is a no-op.
		s := newStore(t)
		s.Create(ctx, sampleSnapshot("https://example.com"))
		if n, err := s.Sweep(ctx, time.Now().Add(24*365*time.Hour)); err != nil || n != 0 {
			t.Errorf("sweep = %d, %v", n, err)
		}
	})
}
