// Package storage provides the kernel's durable relational store: usage
// records, alerts and approval requests, decisions and audit trails all
// survive a process restart here, while fast in-memory/NATS-KV paths
// handle the hot read/write traffic. The schema also defines a lock_audit
// table; no component writes to it.
package storage

import (
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// DB wraps the durable relational store backing the kernel's components.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates or opens the durable store at path, creating parent
// directories and applying the schema if needed.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("storage: create directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("storage: open db: %w", err)
	}
	conn.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY churn
	conn.SetMaxIdleConns(1)

	db := &DB{conn: conn, path: path}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return db, nil
}

func (db *DB) migrate() error {
	_, err := db.conn.Exec(schemaSQL)
	return err
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn exposes the raw *sql.DB for package-specific stores (usage,
// approval) that embed their own query logic against the shared schema.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

func withTx(db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// WithTx runs fn inside a transaction, rolling back on error.
func (db *DB) WithTx(fn func(*sql.Tx) error) error {
	return withTx(db.conn, fn)
}
