package statestore

import (
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"docpipe/internal/config"
)

//go:embed schema.sql
var schemaSQL string

// Namespace partitions keys into independently scalable and flushable concerns.
type Namespace string

const (
	// NamespaceApp holds documents, pipeline states, and webhook subscriptions.
	NamespaceApp Namespace = "app"
	// NamespaceBroker holds the task queue.
	NamespaceBroker Namespace = "broker"
	// NamespaceJobs holds result and delivery bookkeeping.
	NamespaceJobs Namespace = "jobs"
	// NamespaceThrottle holds request rate-limit bookkeeping.
	NamespaceThrottle Namespace = "throttle"
)

// Entry is a live key/value pair returned by Scan.
type Entry struct {
	Key       string
	Value     []byte
	UpdatedAt time.Time
}

// Store is a durable cross-process key-value store backed by SQLite.
// It is the sole coordination medium between the ingress process and the
// worker pool; there is deliberately no in-memory fallback.
type Store struct {
	db   *sql.DB
	path string
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Open initializes or connects to the state database.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	dbPath := filepath.Join(cfg.Paths.DataDir, "state.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the location of the backing database file.
func (s *Store) Path() string {
	return s.path
}

// Ping verifies the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrUnavailable
	}
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Put upserts a value. A ttl of zero or less stores the entry without expiry.
func (s *Store) Put(ctx context.Context, ns Namespace, key string, value []byte, ttl time.Duration) error {
	now := time.Now().UTC()
	err := s.execRetry(ctx,
		`INSERT INTO kv_entries (namespace, key, value, expires_at, updated_at)
         VALUES (?, ?, ?, ?, ?)
         ON CONFLICT (namespace, key) DO UPDATE
         SET value = excluded.value, expires_at = excluded.expires_at, updated_at = excluded.updated_at`,
		string(ns), key, value, expiryValue(now, ttl), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return unavailable("put "+string(ns)+"/"+key, err)
	}
	return nil
}

// Get returns the value for a key. Missing and expired entries both report
// ErrNotFound; expiry is evaluated at read time so a lapsed TTL is
// indistinguishable from deletion.
func (s *Store) Get(ctx context.Context, ns Namespace, key string) ([]byte, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM kv_entries WHERE namespace = ? AND key = ?`,
		string(ns), key,
	)
	var value []byte
	var expiresAt sql.NullString
	if err := row.Scan(&value, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, ns, key)
		}
		return nil, unavailable("get "+string(ns)+"/"+key, err)
	}
	if expired(expiresAt, time.Now().UTC()) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, ns, key)
	}
	return value, nil
}

// CompareAndSwap atomically replaces the stored value only when it matches
// expected. A nil expected value asserts the key is absent, turning the call
// into an insert-if-absent. On mismatch it returns ErrConflict.
func (s *Store) CompareAndSwap(ctx context.Context, ns Namespace, key string, expected, next []byte, ttl time.Duration) error {
	now := time.Now().UTC()
	op := func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var current []byte
		var expiresAt sql.NullString
		err = tx.QueryRowContext(ctx,
			`SELECT value, expires_at FROM kv_entries WHERE namespace = ? AND key = ?`,
			string(ns), key,
		).Scan(&current, &expiresAt)
		present := true
		switch {
		case errors.Is(err, sql.ErrNoRows):
			present = false
		case err != nil:
			return err
		case expired(expiresAt, now):
			present = false
		}

		if expected == nil {
			if present {
				return fmt.Errorf("%w: %s/%s already exists", ErrConflict, ns, key)
			}
		} else {
			if !present {
				return fmt.Errorf("%w: %s/%s", ErrNotFound, ns, key)
			}
			if !bytes.Equal(current, expected) {
				return fmt.Errorf("%w: %s/%s", ErrConflict, ns, key)
			}
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO kv_entries (namespace, key, value, expires_at, updated_at)
             VALUES (?, ?, ?, ?, ?)
             ON CONFLICT (namespace, key) DO UPDATE
             SET value = excluded.value, expires_at = excluded.expires_at, updated_at = excluded.updated_at`,
			string(ns), key, next, expiryValue(now, ttl), now.Format(time.RFC3339Nano),
		); err != nil {
			return err
		}
		return tx.Commit()
	}

	err := retryOnBusy(ctx, op)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
		return err
	}
	return unavailable("cas "+string(ns)+"/"+key, err)
}

// CompareAndDelete removes the key only when the stored value matches expected.
func (s *Store) CompareAndDelete(ctx context.Context, ns Namespace, key string, expected []byte) error {
	op := func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var current []byte
		var expiresAt sql.NullString
		err = tx.QueryRowContext(ctx,
			`SELECT value, expires_at FROM kv_entries WHERE namespace = ? AND key = ?`,
			string(ns), key,
		).Scan(&current, &expiresAt)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, ns, key)
		}
		if err != nil {
			return err
		}
		if expired(expiresAt, time.Now().UTC()) {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, ns, key)
		}
		if !bytes.Equal(current, expected) {
			return fmt.Errorf("%w: %s/%s", ErrConflict, ns, key)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM kv_entries WHERE namespace = ? AND key = ?`,
			string(ns), key,
		); err != nil {
			return err
		}
		return tx.Commit()
	}

	err := retryOnBusy(ctx, op)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
		return err
	}
	return unavailable("compare-and-delete "+string(ns)+"/"+key, err)
}

// Delete removes a key unconditionally. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, ns Namespace, key string) error {
	if err := s.execRetry(ctx,
		`DELETE FROM kv_entries WHERE namespace = ? AND key = ?`,
		string(ns), key,
	); err != nil {
		return unavailable("delete "+string(ns)+"/"+key, err)
	}
	return nil
}

// Scan returns all live entries in a namespace whose key starts with prefix,
// ordered by key.
func (s *Store) Scan(ctx context.Context, ns Namespace, prefix string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, expires_at, updated_at FROM kv_entries
         WHERE namespace = ? AND key >= ? AND key < ?
         ORDER BY key`,
		string(ns), prefix, prefixUpperBound(prefix),
	)
	if err != nil {
		return nil, unavailable("scan "+string(ns)+"/"+prefix, err)
	}
	defer rows.Close()

	now := time.Now().UTC()
	var entries []Entry
	for rows.Next() {
		var entry Entry
		var expiresAt sql.NullString
		var updatedAt string
		if err := rows.Scan(&entry.Key, &entry.Value, &expiresAt, &updatedAt); err != nil {
			return nil, unavailable("scan "+string(ns)+"/"+prefix, err)
		}
		if expired(expiresAt, now) {
			continue
		}
		if ts, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
			entry.UpdatedAt = ts
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("scan "+string(ns)+"/"+prefix, err)
	}
	return entries, nil
}

// Purge deletes expired entries and returns how many were removed.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	var affected int64
	op := func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at < ?`,
			time.Now().UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	}
	if err := retryOnBusy(ctx, op); err != nil {
		return 0, unavailable("purge", err)
	}
	return affected, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *Store) execRetry(ctx context.Context, query string, args ...any) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func expiryValue(now time.Time, ttl time.Duration) any {
	if ttl <= 0 {
		return nil
	}
	return now.Add(ttl).Format(time.RFC3339Nano)
}

func expired(expiresAt sql.NullString, now time.Time) bool {
	if !expiresAt.Valid || strings.TrimSpace(expiresAt.String) == "" {
		return false
	}
	deadline, err := time.Parse(time.RFC3339Nano, expiresAt.String)
	if err != nil {
		return false
	}
	return deadline.Before(now)
}

// prefixUpperBound computes the smallest key strictly greater than every key
// with the given prefix, enabling a range scan on the primary key index.
func prefixUpperBound(prefix string) string {
	if prefix == "" {
		return "\xff\xff\xff\xff"
	}
	bound := []byte(prefix)
	for i := len(bound) - 1; i >= 0; i-- {
		if bound[i] < 0xff {
			bound[i]++
			return string(bound[:i+1])
		}
	}
	return prefix + "\xff"
}
