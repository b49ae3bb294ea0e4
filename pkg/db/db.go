package db

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// MemoryPath opens a private in-memory ledger.
const MemoryPath = ":memory:"

// DefaultBusyTimeout is how long a statement waits on a locked database.
const DefaultBusyTimeout = 5 * time.Second

// Database wraps the SQL handle for easier swapping/testing.
type Database struct {
	DB   *sql.DB
	Path string
}

type options struct {
	busyTimeout time.Duration
}

type Option func(*options)

// WithBusyTimeout sets the SQLite busy_timeout. Zero disables waiting.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) { o.busyTimeout = d }
}

// New opens the SQLite database at path, creating its directory. File
// databases run in WAL mode.
func New(path string, opts ...Option) (*Database, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("database path is empty")
	}
	o := options{busyTimeout: DefaultBusyTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(path, o))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; also keeps one in-memory database
	if path != MemoryPath {
		db.SetConnMaxLifetime(time.Hour)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	return &Database{DB: db, Path: path}, nil
}

// Open is New followed by ApplyMigrations.
func Open(path string, opts ...Option) (*Database, error) {
	d, err := New(path, opts...)
	if err != nil {
		return nil, err
	}
	if err := ApplyMigrations(d); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

func dsn(path string, o options) string {
	pragmas := []string{fmt.Sprintf("busy_timeout(%d)", o.busyTimeout.Milliseconds())}
	if path != MemoryPath {
		pragmas = append(pragmas, "journal_mode(WAL)", "synchronous(NORMAL)")
	}
	return path + "?" + url.Values{"_pragma": pragmas}.Encode()
}

// Close releases the underlying DB handle.
func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}
