// Package memorystore implements the cross-plan memory key-value store
// referenced by an action's memory.read_keys/memory.write_key fields
// (spec.md §3 "Memory config", §4.9 step 7). It is deliberately its own
// file-backed store, separate from planstate's plans/actions database, per
// spec.md §6 ("memory kv store and audit log are separate files"). Storage
// follows the same modernc.org/sqlite pattern planstate uses, grounded on
// theRebelliousNerd-codenerd's store package.
package memorystore

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/llmos-bridge/llmos-bridge/errs"
)

// Store is a durable key-value store: keys are arbitrary strings, values
// are arbitrary JSON-serializable results (the shape an action returns).
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates (if needed) and opens the memory kv store at path.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.Wrap(errs.CodeValidation, err, "failed to open memory store at %q", path)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS memory (key TEXT PRIMARY KEY, value_json TEXT NOT NULL)`); err != nil {
		return nil, errs.Wrap(errs.CodeValidation, err, "failed to create memory table")
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Set stores value under key, overwriting any previous value.
func (s *Store) Set(ctx context.Context, key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return errs.Wrap(errs.CodeValidation, err, "failed to serialize memory value for key %q", key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memory (key, value_json) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value_json = excluded.value_json`,
		key, string(b))
	if err != nil {
		return errs.Wrap(errs.CodeValidation, err, "failed to write memory key %q", key)
	}
	return nil
}

// Get retrieves the value stored under key. ok is false if the key is unset.
func (s *Store) Get(ctx context.Context, key string) (value any, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var raw string
	row := s.db.QueryRowContext(ctx, `SELECT value_json FROM memory WHERE key = ?`, key)
	if scanErr := row.Scan(&raw); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, errs.Wrap(errs.CodeValidation, scanErr, "failed to read memory key %q", key)
	}

	var v any
	if unmarshalErr := json.Unmarshal([]byte(raw), &v); unmarshalErr != nil {
		return nil, false, errs.Wrap(errs.CodeValidation, unmarshalErr, "failed to deserialize memory key %q", key)
	}
	return v, true, nil
}

// GetMany loads a set of keys at once, for building the template resolver's
// memory namespace. Missing keys are simply absent from the result map.
func (s *Store) GetMany(ctx context.Context, keys []string) (map[string]any, error) {
	out := map[string]any{}
	for _, k := range keys {
		v, ok, err := s.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = v
		}
	}
	return out, nil
}

// Delete removes a key, if present.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM memory WHERE key = ?`, key); err != nil {
		return errs.Wrap(errs.CodeValidation, err, "failed to delete memory key %q", key)
	}
	return nil
}

// Keys returns every key currently stored, for inspection/debugging.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT key FROM memory ORDER BY key`)
	if err != nil {
		return nil, errs.Wrap(errs.CodeValidation, err, "failed to list memory keys")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, errs.Wrap(errs.CodeValidation, err, "failed to scan memory key")
		}
		out = append(out, k)
	}
	return out, nil
}
