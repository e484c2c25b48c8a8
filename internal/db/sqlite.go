package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	sqliteBusyTimeout = 5 * time.Second

	// defaultReaderConns bounds concurrent replay and listing queries when
	// the config does not say otherwise. WAL mode lets these proceed
	// alongside the single writer.
	defaultReaderConns = 4
)

// OpenSQLite opens the write side of the database. The pool is pinned to one
// connection so event appends from concurrent runs serialize here instead of
// surfacing as SQLITE_BUSY.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	path, err := prepareSQLitePath(dbPath)
	if err != nil {
		return nil, err
	}

	// foreign_keys on, WAL journal for read concurrency, NORMAL sync as the
	// durability/latency tradeoff for per-event inserts, shared cache, and a
	// busy timeout so lock handoffs wait instead of failing.
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		path,
		int(sqliteBusyTimeout/time.Millisecond),
	)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	return conn, nil
}

// OpenSQLiteReader opens the read side: up to maxConns read-only connections
// serving history replays and project listings. journal_mode and synchronous
// are database-level settings owned by the writer, so they are not repeated
// here.
func OpenSQLiteReader(dbPath string, maxConns int) (*sql.DB, error) {
	path, err := prepareSQLitePath(dbPath)
	if err != nil {
		return nil, err
	}
	if maxConns <= 0 {
		maxConns = defaultReaderConns
	}

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d&_cache=shared",
		path,
		int(sqliteBusyTimeout/time.Millisecond),
	)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}

	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(maxConns)
	return conn, nil
}

// prepareSQLitePath normalizes the database path and creates the parent
// directory and file if missing, so first boot works from an empty data dir.
func prepareSQLitePath(dbPath string) (string, error) {
	path := dbPath
	if dbPath != "" {
		if abs, err := filepath.Abs(dbPath); err == nil {
			path = abs
		}
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("failed to prepare database path: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", err
	}
	return path, nil
}
