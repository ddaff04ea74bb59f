// Package store keeps a history of completed analyses in SQLite.
//
// History is write-only from the analysis point of view: results are never
// read back in place of a fresh analysis.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/Faultbox/modelstats/internal/analyzer"
)

const schema = `
CREATE TABLE IF NOT EXISTS analyses (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id     INTEGER NOT NULL,
	url            TEXT    NOT NULL,
	triangle_count INTEGER NOT NULL,
	texture_bytes  INTEGER NOT NULL,
	stats          TEXT    NOT NULL,
	created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_analyses_url ON analyses(url, created_at DESC);
`

// DefaultLimit is used when a query passes a non-positive limit.
const DefaultLimit = 50

// Entry is one recorded analysis.
type Entry struct {
	ID        int64          `json:"id"`
	RequestID int64          `json:"requestId"`
	URL       string         `json:"url"`
	Stats     analyzer.Stats `json:"stats"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Store is an analysis history backed by SQLite.
type Store struct {
	db  *sql.DB
	log *zap.Logger
	now func() time.Time
}

// Open opens or creates the history database at path. ":memory:" opens a
// private in-memory database.
func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	// One connection keeps pragmas and in-memory databases consistent.
	db.SetMaxOpenConns(1)

	for _, p := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: schema: %w", err)
	}

	log.Debug("history opened", zap.String("path", path))
	return &Store{db: db, log: log, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores a completed analysis and returns its row id.
func (s *Store) Record(ctx context.Context, e Entry) (int64, error) {
	data, err := json.Marshal(e.Stats)
	if err != nil {
		return 0, fmt.Errorf("store: encoding stats: %w", err)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO analyses (request_id, url, triangle_count, texture_bytes, stats, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.RequestID, e.URL, e.Stats.TriangleCount, e.Stats.TextureMemoryBytes, string(data), e.CreatedAt.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert: %w", err)
	}
	return res.LastInsertId()
}

// OnStats records a stats response. It lets a Store observe a worker.
func (s *Store) OnStats(id int64, url string, stats analyzer.Stats) {
	if _, err := s.Record(context.Background(), Entry{RequestID: id, URL: url, Stats: stats}); err != nil {
		s.log.Warn("history record failed", zap.Int64("request_id", id), zap.Error(err))
	}
}

// Recent returns the latest entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	return s.query(ctx,
		`SELECT id, request_id, url, stats, created_at FROM analyses
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		normalizeLimit(limit),
	)
}

// ForURL returns the latest entries for url, newest first.
func (s *Store) ForURL(ctx context.Context, url string, limit int) ([]Entry, error) {
	return s.query(ctx,
		`SELECT id, request_id, url, stats, created_at FROM analyses
		 WHERE url = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		url, normalizeLimit(limit),
	)
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var stats string
		var created int64
		if err := rows.Scan(&e.ID, &e.RequestID, &e.URL, &stats, &created); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(stats), &e.Stats); err != nil {
			return nil, fmt.Errorf("store: decoding stats of row %d: %w", e.ID, err)
		}
		e.CreatedAt = time.Unix(0, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return limit
}
