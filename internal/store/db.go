// Package store persists tasks and their execution logs in SQLite.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/zjrosen/devbot/internal/log"
)

// DB owns the SQLite connection and hands out repositories bound to it.
type DB struct {
	conn *sql.DB
	path string
}

// NewDB opens the task database at path, creating the file and its parent
// directory if needed, and brings the schema up to date. When a database file
// already exists it is copied to <path>.bak before migrations run. The
// special path ":memory:" opens a private in-memory database.
func NewDB(path string) (*DB, error) {
	memory := isMemoryPath(path)

	if !memory {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		if _, err := os.Stat(path); err == nil {
			if err := backupFile(path, path+".bak"); err != nil {
				return nil, fmt.Errorf("backing up database: %w", err)
			}
			log.Debug(log.CatStore, "database backed up", "path", path+".bak")
		}
	}

	conn, err := sql.Open("sqlite3", dsn(path, memory))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if memory {
		// Each pooled connection would otherwise see its own empty database.
		conn.SetMaxOpenConns(1)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := runMigrations(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	log.Debug(log.CatStore, "database ready", "path", path)
	return &DB{conn: conn, path: path}, nil
}

func isMemoryPath(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

func dsn(path string, memory bool) string {
	if memory {
		return "file::memory:?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)&_pragma=foreign_keys(1)&_txlock=immediate"
}

func backupFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o600)
}

// Tasks returns the task repository backed by this database.
func (db *DB) Tasks() *TaskRepository {
	return newTaskRepository(db.conn)
}

// Connection exposes the underlying *sql.DB for callers that need raw access.
func (db *DB) Connection() *sql.DB {
	return db.conn
}

// Path returns the location the database was opened at.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
