package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend stores entries in table cache(category, key, value, expire)
// with expire in Unix milliseconds.
type SQLiteBackend struct {
	db *sql.DB
}

func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if err := migrateCache(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func migrateCache(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS cache (
			category TEXT NOT NULL,
			key      TEXT NOT NULL,
			value    TEXT NOT NULL,
			expire   INTEGER NOT NULL,
			PRIMARY KEY (category, key)
		);
		CREATE INDEX IF NOT EXISTS idx_expire ON cache(expire);
	`)
	return err
}

func (s *SQLiteBackend) Name() string { return "sqlite" }

func (s *SQLiteBackend) Get(ctx context.Context, category, key string, now time.Time) ([]byte, bool, error) {
	var (
		value  string
		expire int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT value, expire FROM cache WHERE category = ? AND key = ?", category, key,
	).Scan(&value, &expire)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select cache entry: %w", err)
	}
	if now.UnixMilli() >= expire {
		if _, err := s.db.ExecContext(ctx,
			"DELETE FROM cache WHERE category = ? AND key = ? AND expire <= ?", category, key, now.UnixMilli(),
		); err != nil {
			return nil, false, fmt.Errorf("evict cache entry: %w", err)
		}
		return nil, false, nil
	}
	return []byte(value), true, nil
}

func (s *SQLiteBackend) Set(ctx context.Context, category, key string, value []byte, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO cache (category, key, value, expire) VALUES (?, ?, ?, ?)",
		category, key, string(value), expiresAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

func (s *SQLiteBackend) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM cache WHERE expire < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete expired entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}

func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}
