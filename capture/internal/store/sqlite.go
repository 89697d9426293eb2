package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/pagekeep/dbopen"
)

// Schema is the SQLite DDL for the snapshot store. created_at is Unix
// milliseconds.
const Schema = `
CREATE TABLE IF NOT EXISTS snapshots (
    id TEXT PRIMARY KEY,
    original_url TEXT NOT NULL,
    final_url TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL DEFAULT '',
    partial INTEGER NOT NULL DEFAULT 0,
    html BLOB NOT NULL,
    html_size INTEGER NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_created ON snapshots(created_at);

CREATE TABLE IF NOT EXISTS snapshot_assets (
    snapshot_id TEXT NOT NULL REFERENCES snapshots(id) ON DELETE CASCADE,
    url TEXT NOT NULL,
    PRIMARY KEY (snapshot_id, url)
) WITHOUT ROWID;
`

// SQLite is the default Store backend.
type SQLite struct {
	db    *sql.DB
	owned bool
	options
}

// OpenSQLite opens (creating if needed) the database at path. Close closes it.
func OpenSQLite(path string, opts ...Option) (*SQLite, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, persistErr("open", err)
	}
	s := newSQLite(db, opts)
	s.owned = true
	return s, nil
}

// NewSQLite wraps an already open database and applies the schema. Close
// leaves db open.
func NewSQLite(db *sql.DB, opts ...Option) (*SQLite, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, persistErr("schema", err)
	}
	return newSQLite(db, opts), nil
}

func newSQLite(db *sql.DB, opts []Option) *SQLite {
	return &SQLite{db: db, options: buildOptions(opts)}
}

func (s *SQLite) Create(ctx context.Context, snap *Snapshot) (string, error) {
	if snap.ID == "" {
		snap.ID = NewID()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = s.now()
	}
	blob, err := compress(snap.HTML)
	if err != nil {
		return "", persistErr("create", err)
	}

	err = dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO snapshots (id, original_url, final_url, title, partial, html, html_size, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			snap.ID, snap.OriginalURL, snap.FinalURL, snap.Title, snap.Partial,
			blob, len(snap.HTML), snap.CreatedAt.UnixMilli()); err != nil {
			return err
		}
		if len(snap.Assets) == 0 {
			return nil
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO snapshot_assets (snapshot_id, url) VALUES (?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, u := range snap.Assets {
			if _, err := stmt.ExecContext(ctx, snap.ID, u); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", persistErr("create", err)
	}
	return snap.ID, nil
}

// liveSince is the oldest created_at (ms) still visible to reads.
func (s *SQLite) liveSince() int64 {
	c := s.policy.cutoff(s.now())
	if c.IsZero() {
		return 0
	}
	return c.UnixMilli()
}

func (s *SQLite) GetHTML(ctx context.Context, id string) (string, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT html FROM snapshots WHERE id = ? AND created_at >= ?`,
		id, s.liveSince()).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", persistErr("get html", err)
	}
	html, err := decompress(blob)
	if err != nil {
		return "", persistErr("get html", err)
	}
	return html, nil
}

func (s *SQLite) Get(ctx context.Context, id string) (*Snapshot, error) {
	return s.load(ctx, id, true)
}

func (s *SQLite) Meta(ctx context.Context, id string) (*Snapshot, error) {
	return s.load(ctx, id, false)
}

func (s *SQLite) load(ctx context.Context, id string, withHTML bool) (*Snapshot, error) {
	cols := "id, original_url, final_url, title, partial, created_at, NULL"
	if withHTML {
		cols = "id, original_url, final_url, title, partial, created_at, html"
	}
	var snap Snapshot
	var created int64
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT `+cols+` FROM snapshots WHERE id = ? AND created_at >= ?`, id, s.liveSince()).
		Scan(&snap.ID, &snap.OriginalURL, &snap.FinalURL, &snap.Title, &snap.Partial, &created, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, persistErr("get", err)
	}
	snap.CreatedAt = time.UnixMilli(created)
	if withHTML {
		if snap.HTML, err = decompress(blob); err != nil {
			return nil, persistErr("get", err)
		}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT url FROM snapshot_assets WHERE snapshot_id = ? ORDER BY url`, id)
	if err != nil {
		return nil, persistErr("get assets", err)
	}
	defer rows.Close()
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, persistErr("get assets", err)
		}
		snap.Assets = append(snap.Assets, u)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("get assets", err)
	}
	return &snap, nil
}

func (s *SQLite) List(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, original_url, final_url, title, partial, html_size, created_at
		FROM snapshots WHERE created_at >= ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, s.liveSince(), limit)
	if err != nil {
		return nil, persistErr("list", err)
	}
	defer rows.Close()

	out := []Summary{}
	for rows.Next() {
		var sm Summary
		var created int64
		if err := rows.Scan(&sm.ID, &sm.OriginalURL, &sm.FinalURL, &sm.Title, &sm.Partial, &sm.HTMLSize, &created); err != nil {
			return nil, persistErr("list", err)
		}
		sm.CreatedAt = time.UnixMilli(created)
		out = append(out, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("list", err)
	}
	return out, nil
}

func (s *SQLite) Delete(ctx context.Context, id string) (bool, error) {
	var n int64
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, persistErr("delete", err)
	}
	return n > 0, nil
}

func (s *SQLite) Sweep(ctx context.Context, now time.Time) (int, error) {
	var total int64
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		if c := s.policy.cutoff(now); !c.IsZero() {
			res, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE created_at < ?`, c.UnixMilli())
			if err != nil {
				return fmt.Errorf("ttl: %w", err)
			}
			n, _ := res.RowsAffected()
			total += n
		}
		if s.policy.MaxSnapshots > 0 {
			res, err := tx.ExecContext(ctx, `
				DELETE FROM snapshots WHERE id IN (
					SELECT id FROM snapshots ORDER BY created_at DESC, id DESC LIMIT -1 OFFSET ?
				)`, s.policy.MaxSnapshots)
			if err != nil {
				return fmt.Errorf("capacity: %w", err)
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, persistErr("sweep", err)
	}
	return int(total), nil
}

func (s *SQLite) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}
