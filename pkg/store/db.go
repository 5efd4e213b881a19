// Package store is the relational persistence layer of the pipeline. Lite
// mode runs on an embedded SQLite file; production runs on PostgreSQL. Every
// query is written with ? placeholders and rebound for the active driver.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

func init() {
	// modernc registers as "sqlite", which sqlx does not know by default.
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// runner is satisfied by both *sqlx.DB and *sqlx.Tx.
type runner interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// conn carries the repository methods. Store and Tx embed it so every
// repository call works both standalone and inside a transaction.
type conn struct {
	q runner
}

func (c conn) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.q.Rebind(query), args...)
}

func (c conn) get(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	err := c.q.GetContext(ctx, dest, c.q.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (c conn) selectAll(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return c.q.SelectContext(ctx, dest, c.q.Rebind(query), args...)
}

// selectIn expands a query with a slice argument for IN (?) clauses.
func (c conn) selectIn(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	q, expanded, err := sqlx.In(query, args...)
	if err != nil {
		return err
	}
	return c.selectAll(ctx, dest, q, expanded...)
}

// Store is the pipeline database.
type Store struct {
	conn
	db     *sqlx.DB
	driver string

	// auditMu serialises chain appends within this process.
	auditMu sync.Mutex
}

// Tx is a transaction-scoped view of the Store.
type Tx struct {
	conn
	tx *sqlx.Tx
}

// Open connects to databaseURL, or to an SQLite file under dataDir when the
// URL is empty, and applies migrations.
func Open(ctx context.Context, databaseURL, dataDir string) (*Store, error) {
	switch {
	case databaseURL == "":
		if dataDir == "" {
			dataDir = "data"
		}
		//nolint:gosec // G301: data directory
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		return OpenSQLite(ctx, filepath.Join(dataDir, "regtruth.db"))
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return OpenPostgres(ctx, databaseURL)
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return OpenSQLite(ctx, strings.TrimPrefix(databaseURL, "sqlite://"))
	default:
		return nil, fmt.Errorf("unsupported DATABASE_URL scheme: %s", databaseURL)
	}
}

// OpenSQLite opens an SQLite database. Use ":memory:" for an ephemeral store.
func OpenSQLite(ctx context.Context, path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	}
	db, err := sqlx.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: SQLite has a single writer, and ":memory:" is per connection.
	db.SetMaxOpenConns(1)
	return newStore(ctx, db, DriverSQLite)
}

// OpenPostgres opens a PostgreSQL database.
func OpenPostgres(ctx context.Context, url string) (*Store, error) {
	db, err := sqlx.Open(DriverPostgres, url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return newStore(ctx, db, DriverPostgres)
}

// New wraps an existing handle without migrating. Used with sqlmock.
func New(db *sql.DB, driver string) *Store {
	x := sqlx.NewDb(db, driver)
	return &Store{conn: conn{q: x}, db: x, driver: driver}
}

func newStore(ctx context.Context, db *sqlx.DB, driver string) (*Store, error) {
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	s := &Store{conn: conn{q: db}, db: db, driver: driver}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Driver returns the active driver name.
func (s *Store) Driver() string { return s.driver }

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InTx runs fn in a transaction, committing when fn returns nil.
// fn must only use the Tx it is given.
func (s *Store) InTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Tx{conn: conn{q: tx}, tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
