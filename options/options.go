// Package options persists small named settings and short-lived leases in a
// single database table. It backs idempotency markers and process locks for
// the capture and replay machinery.
package options

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const tableName = "mergebot_options"

// ErrNotHeld is returned by Release when the caller's token no longer owns
// the lease, typically because it expired and another process acquired it.
var ErrNotHeld = errors.New("lease not held")

// Store reads and writes named option values with optional expiry.
type Store struct {
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the options table if it does not already exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	var query = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	  name VARCHAR(191) NOT NULL PRIMARY KEY,
	  value LONGTEXT NOT NULL,
	  expires_at DATETIME NULL
	)`, tableName)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("creating options table: %w", err)
	}
	return nil
}

// Get returns the value of a named option. Expired options are treated as
// absent. The second return value reports whether the option was present.
func (s *Store) Get(ctx context.Context, name string) (string, bool, error) {
	var row struct {
		Value     string         `db:"value"`
		ExpiresAt sql.NullString `db:"expires_at"`
	}
	var query = s.db.Rebind(fmt.Sprintf(`SELECT value, expires_at FROM %s WHERE name = ?`, tableName))
	if err := s.db.GetContext(ctx, &row, query, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("reading option %q: %w", name, err)
	}
	if row.ExpiresAt.Valid {
		expiry, err := time.Parse(timeFormat, row.ExpiresAt.String)
		if err == nil && time.Now().UTC().After(expiry) {
			return "", false, nil
		}
	}
	return row.Value, true, nil
}

// Set writes a named option, replacing any previous value. A zero ttl means
// the option never expires.
func (s *Store) Set(ctx context.Context, name, value string, ttl time.Duration) error {
	return setOption(ctx, s.db, name, value, ttl)
}

// SetTx writes a named option inside an open transaction, so the write
// commits or rolls back together with the caller's other changes.
func (s *Store) SetTx(ctx context.Context, tx *sql.Tx, name, value string, ttl time.Duration) error {
	return setOption(ctx, execRebinder{tx, s.db}, name, value, ttl)
}

// Delete removes a named option. Deleting an absent option is not an error.
func (s *Store) Delete(ctx context.Context, name string) error {
	var query = s.db.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE name = ?`, tableName))
	if _, err := s.db.ExecContext(ctx, query, name); err != nil {
		return fmt.Errorf("deleting option %q: %w", name, err)
	}
	return nil
}

// Acquire takes a named lease for the given duration and returns an opaque
// token identifying the holder. It returns ok=false when another process
// holds an unexpired lease under the same name.
func (s *Store) Acquire(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	if _, held, err := s.Get(ctx, name); err != nil {
		return "", false, err
	} else if held {
		return "", false, nil
	}
	var token = uuid.New().String()
	if err := s.Set(ctx, name, token, ttl); err != nil {
		return "", false, err
	}
	// Re-read to resolve races between two processes acquiring at once:
	// whichever write landed last owns the lease.
	var value string
	var query = s.db.Rebind(fmt.Sprintf(`SELECT value FROM %s WHERE name = ?`, tableName))
	if err := s.db.GetContext(ctx, &value, query, name); err != nil {
		return "", false, fmt.Errorf("confirming lease %q: %w", name, err)
	}
	if value != token {
		return "", false, nil
	}
	return token, true, nil
}

// Release gives up a lease previously returned by Acquire.
func (s *Store) Release(ctx context.Context, name, token string) error {
	value, held, err := s.Get(ctx, name)
	if err != nil {
		return err
	}
	if !held || value != token {
		return ErrNotHeld
	}
	return s.Delete(ctx, name)
}

const timeFormat = "2006-01-02 15:04:05"

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	Rebind(query string) string
}

// execRebinder lets a bare *sql.Tx borrow placeholder rebinding from the
// parent sqlx handle.
type execRebinder struct {
	tx *sql.Tx
	db *sqlx.DB
}

func (e execRebinder) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return e.tx.ExecContext(ctx, query, args...)
}

func (e execRebinder) Rebind(query string) string { return e.db.Rebind(query) }

func setOption(ctx context.Context, db execer, name, value string, ttl time.Duration) error {
	var expiresAt interface{}
	// A negative ttl writes an already-expired option; only zero means
	// "never expires".
	if ttl != 0 {
		expiresAt = time.Now().UTC().Add(ttl).Format(timeFormat)
	}
	var query = db.Rebind(fmt.Sprintf(`REPLACE INTO %s (name, value, expires_at) VALUES (?, ?, ?)`, tableName))
	if _, err := db.ExecContext(ctx, query, name, value, expiresAt); err != nil {
		return fmt.Errorf("writing option %q: %w", name, err)
	}
	return nil
}
