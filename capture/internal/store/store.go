// Package store persists snapshots. Two backends share one contract: SQLite
// (default, single node) and S3 (shared object storage). HTML is stored
// zstd-compressed in both.
//
// Snapshots are immutable. They leave the store by explicit Delete, by TTL
// expiry, or by capacity eviction of the oldest entries; Sweep performs the
// last two. Expired snapshots are invisible to reads even before a sweep.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/pagekeep/idgen"
)

// ErrNotFound is returned for unknown, deleted or expired snapshot ids.
var ErrNotFound = errors.New("store: snapshot not found")

// PersistenceError wraps a backend failure. Capture requests that hit one
// fail with a 500.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

func persistErr(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}

// Snapshot is one captured page.
type Snapshot struct {
	ID          string
	HTML        string
	OriginalURL string
	FinalURL    string
	Title       string
	Partial     bool
	CreatedAt   time.Time
	// Assets is the set of absolute URLs the rewritten document references
	// through the asset proxy.
	Assets []string
}

// Summary is a snapshot listing entry.
type Summary struct {
	ID          string    `json:"id"`
	OriginalURL string    `json:"original_url"`
	FinalURL    string    `json:"final_url"`
	Title       string    `json:"title"`
	Partial     bool      `json:"partial"`
	HTMLSize    int       `json:"html_size"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is the snapshot persistence contract.
type Store interface {
	// Create persists snap and returns its id. A blank snap.ID gets a fresh one.
	Create(ctx context.Context, snap *Snapshot) (string, error)
	// GetHTML returns the stored document.
	GetHTML(ctx context.Context, id string) (string, error)
	// Get returns the snapshot with its HTML and assets.
	Get(ctx context.Context, id string) (*Snapshot, error)
	// Meta returns the snapshot without its HTML.
	Meta(ctx context.Context, id string) (*Snapshot, error)
	// List returns the newest live snapshots first.
	List(ctx context.Context, limit int) ([]Summary, error)
	// Delete removes a snapshot and reports whether it existed.
	Delete(ctx context.Context, id string) (bool, error)
	// Sweep removes expired snapshots and evicts the oldest beyond capacity.
	Sweep(ctx context.Context, now time.Time) (int, error)
	Close() error
}

// Policy bounds snapshot lifetime.
type Policy struct {
	TTL          time.Duration // Zero keeps snapshots forever.
	MaxSnapshots int           // Zero means unbounded.
}

type options struct {
	policy Policy
	now    func() time.Time
}

// Option configures a Store backend.
type Option func(*options)

// WithPolicy sets the TTL and capacity policy.
func WithPolicy(p Policy) Option { return func(o *options) { o.policy = p } }

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// NewID mints a snapshot id: "cap_" followed by a random UUID.
var NewID = idgen.Prefixed("cap_", idgen.Random())

func (p Policy) cutoff(now time.Time) time.Time {
	if p.TTL <= 0 {
		return time.Time{}
	}
	return now.Add(-p.TTL)
}

func (p Policy) expired(created, now time.Time) bool {
	return p.TTL > 0 && created.Before(p.cutoff(now))
}
