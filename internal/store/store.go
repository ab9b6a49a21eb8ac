// Package store persists forwarding pairs and their checkpoints in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vklachkov/glashatay/internal/pair"

	_ "modernc.org/sqlite"
)

const busyTimeoutMillis = 5000

// Store is a pair.Store backed by a single SQLite file.
type Store struct {
	db *sql.DB
}

var _ pair.Store = (*Store)(nil)

func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("path is required")
	}

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Every poller writes its checkpoint through this handle; a single
	// connection serializes writers instead of surfacing SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMillis)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Backup copies an existing database file to path + ".bak".
// It returns the backup path, or "" when there is nothing to back up yet.
func Backup(path string) (string, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("stat database: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s is not a regular file", path)
	}

	src, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = src.Close() }()

	backupPath := path + ".bak"
	dst, err := os.Create(backupPath)
	if err != nil {
		return "", fmt.Errorf("create backup: %w", err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return "", fmt.Errorf("copy database to %s: %w", backupPath, err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("close backup: %w", err)
	}

	return backupPath, nil
}

func (s *Store) ListPairs(ctx context.Context) (map[pair.ID]pair.Config, error) {
	if s == nil || s.db == nil {
		return nil, notInitialized()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_handle, destination_id, poll_interval_ms, last_poll_at, last_delivered_at
		FROM pairs
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: list pairs: %w", pair.ErrPersistence, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	pairs := make(map[pair.ID]pair.Config)
	for rows.Next() {
		id, cfg, err := scanPair(rows)
		if err != nil {
			return nil, err
		}
		pairs[id] = cfg
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate pairs: %w", pair.ErrPersistence, err)
	}

	return pairs, nil
}

func (s *Store) InsertPair(ctx context.Context, cfg pair.Config) (pair.ID, error) {
	if s == nil || s.db == nil {
		return 0, notInitialized()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := cfg.Validate(); err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pairs (
			source_handle, destination_id, poll_interval_ms, last_poll_at, last_delivered_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?)
	`,
		strings.TrimSpace(cfg.SourceHandle),
		cfg.DestinationID,
		cfg.PollInterval.Milliseconds(),
		nullableTime(cfg.LastPollAt),
		nullableTime(cfg.LastDeliveredAt),
		formatTime(time.Now()),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: insert pair: %w", pair.ErrPersistence, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: read inserted pair id: %w", pair.ErrPersistence, err)
	}

	return pair.ID(id), nil
}

func (s *Store) UpdatePair(ctx context.Context, id pair.ID, cfg pair.Config) error {
	if s == nil || s.db == nil {
		return notInitialized()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE pairs SET
			source_handle = ?,
			destination_id = ?,
			poll_interval_ms = ?,
			last_poll_at = ?,
			last_delivered_at = ?
		WHERE id = ?
	`,
		strings.TrimSpace(cfg.SourceHandle),
		cfg.DestinationID,
		cfg.PollInterval.Milliseconds(),
		nullableTime(cfg.LastPollAt),
		nullableTime(cfg.LastDeliveredAt),
		int64(id),
	)
	if err != nil {
		return fmt.Errorf("%w: update pair %d: %w", pair.ErrPersistence, id, err)
	}

	return requireAffected(res, id)
}

func (s *Store) DeletePair(ctx context.Context, id pair.ID) error {
	if s == nil || s.db == nil {
		return notInitialized()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	res, err := s.db.ExecContext(ctx, "DELETE FROM pairs WHERE id = ?", int64(id))
	if err != nil {
		return fmt.Errorf("%w: delete pair %d: %w", pair.ErrPersistence, id, err)
	}

	return requireAffected(res, id)
}

func requireAffected(res sql.Result, id pair.ID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %w", pair.ErrPersistence, err)
	}
	if n == 0 {
		return fmt.Errorf("pair %d: %w", id, pair.ErrNotFound)
	}
	return nil
}

func notInitialized() error {
	return fmt.Errorf("%w: store is not initialized", pair.ErrPersistence)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPair(scanner rowScanner) (pair.ID, pair.Config, error) {
	var (
		id                      int64
		cfg                     pair.Config
		intervalMillis          int64
		lastPoll, lastDelivered sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&cfg.SourceHandle,
		&cfg.DestinationID,
		&intervalMillis,
		&lastPoll,
		&lastDelivered,
	); err != nil {
		return 0, pair.Config{}, fmt.Errorf("%w: scan pair: %w", pair.ErrPersistence, err)
	}

	cfg.PollInterval = time.Duration(intervalMillis) * time.Millisecond

	var err error
	cfg.LastPollAt, err = parseNullableTime(lastPoll)
	if err != nil {
		return 0, pair.Config{}, fmt.Errorf("%w: parse last_poll_at of pair %d: %w", pair.ErrPersistence, id, err)
	}
	cfg.LastDeliveredAt, err = parseNullableTime(lastDelivered)
	if err != nil {
		return 0, pair.Config{}, fmt.Errorf("%w: parse last_delivered_at of pair %d: %w", pair.ErrPersistence, id, err)
	}

	return pair.ID(id), cfg, nil
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullableTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	ts, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts, nil
	}
	return time.Parse(time.RFC3339, value)
}
