// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package registry implements the persistent name registry shared by all
// processes on a host. Each entry maps the name of a transcended object to the
// endpoint and process ID of the process that owns it.
//
// The registry is a SQLite database file. Every read is a fresh query, so
// changes made by other processes are visible immediately.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// DefaultFile is the base name of the default registry file, which is stored
// in the user's home directory.
const DefaultFile = ".transcend_registry.sqlite"

// ErrNotFound is reported by Get when the requested name has no entry.
var ErrNotFound = errors.New("name not registered")

// Entry is the registry record for a single transcended object.
type Entry struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	PID  int    `json:"pid"`
}

// Addr returns the dialable host:port address of e.
func (e Entry) Addr() string { return net.JoinHostPort(e.Host, strconv.Itoa(e.Port)) }

// DefaultPath returns the default location of the registry file.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultFile
	}
	return filepath.Join(home, DefaultFile)
}

// A Store is an open handle to a registry file. It is safe for concurrent use
// by multiple goroutines, and multiple processes may open the same file.
type Store struct {
	db   *sql.DB
	path string
}

const schema = `
CREATE TABLE IF NOT EXISTS registry (
  name TEXT PRIMARY KEY,
  host TEXT NOT NULL,
  port INTEGER NOT NULL,
  pid  INTEGER NOT NULL
)`

// Open opens or creates the registry at path. If path == "", DefaultPath is
// used. Missing parent directories are created.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultPath()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create registry directory: %w", err)
		}
	}

	// The busy timeout is set in the DSN so that every pooled connection
	// waits for writers in other processes rather than failing.
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create registry table: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Path reports the file path of the registry.
func (s *Store) Path() string { return s.path }

// Close closes the store. It does not delete the backing file.
func (s *Store) Close() error { return s.db.Close() }

// Has reports whether name has an entry.
func (s *Store) Has(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM registry WHERE name = ?`, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("lookup %q: %w", name, err)
	}
	return true, nil
}

// Get returns the entry for name, or ErrNotFound.
func (s *Store) Get(ctx context.Context, name string) (Entry, error) {
	var e Entry
	err := s.db.QueryRowContext(ctx,
		`SELECT host, port, pid FROM registry WHERE name = ?`, name,
	).Scan(&e.Host, &e.Port, &e.PID)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("get %q: %w", name, ErrNotFound)
	} else if err != nil {
		return Entry{}, fmt.Errorf("get %q: %w", name, err)
	}
	return e, nil
}

// Set creates or replaces the entry for name.
func (s *Store) Set(ctx context.Context, name string, e Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO registry (name, host, port, pid) VALUES (?, ?, ?, ?)`,
		name, e.Host, e.Port, e.PID)
	if err != nil {
		return fmt.Errorf("set %q: %w", name, err)
	}
	return nil
}

// Delete removes the entry for name, and reports whether it was present.
func (s *Store) Delete(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM registry WHERE name = ?`, name)
	return deleted(name, res, err)
}

// DeleteIf removes the entry for name only if it is still owned by pid, and
// reports whether an entry was removed. A process uses this to withdraw its
// own registration without clobbering a successor that took over the name.
func (s *Store) DeleteIf(ctx context.Context, name string, pid int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM registry WHERE name = ? AND pid = ?`, name, pid)
	return deleted(name, res, err)
}

func deleted(name string, res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, fmt.Errorf("delete %q: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete %q: %w", name, err)
	}
	return n > 0, nil
}

// List returns a snapshot of all entries, keyed by name.
func (s *Store) List(ctx context.Context) (map[string]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, host, port, pid FROM registry`)
	if err != nil {
		return nil, fmt.Errorf("list registry: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Entry)
	for rows.Next() {
		var name string
		var e Entry
		if err := rows.Scan(&name, &e.Host, &e.Port, &e.PID); err != nil {
			return nil, fmt.Errorf("list registry: %w", err)
		}
		out[name] = e
	}
	return out, rows.Err()
}

// Keys returns a sorted snapshot of the registered names.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM registry`)
	if err != nil {
		return nil, fmt.Errorf("list names: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("list names: %w", err)
		}
		out = append(out, name)
	}
	slices.Sort(out)
	return out, rows.Err()
}

// Len reports the number of entries.
func (s *Store) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM registry`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count registry: %w", err)
	}
	return n, nil
}

// Use opens the registry at path, calls fn with the store, and closes it.
// Processes that run for a long time use this rather than holding a store
// open, so that they do not retain a file that has since been removed.
func Use(path string, fn func(*Store) error) error {
	s, err := Open(path)
	if err != nil {
		return err
	}
	return errors.Join(fn(s), s.Close())
}

// UseExisting is as Use, but does nothing if there is no registry file at
// path, rather than creating one.
func UseExisting(path string, fn func(*Store) error) error {
	if path == "" {
		path = DefaultPath()
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return Use(path, fn)
}

// Remove deletes the registry file at path along with its journal files.
// Files that do not exist are ignored.
func Remove(path string) error {
	if path == "" {
		path = DefaultPath()
	}
	var errs []error
	for _, p := range []string{path, path + "-wal", path + "-shm", path + "-journal"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
