package database

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
)

// Dialect identifies the SQL flavor behind a DB handle. It drives DDL
// differences, JSON extraction syntax and placeholder rebinding.
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

func (d Dialect) String() string {
	switch d {
	case DialectPostgres:
		return "postgres"
	case DialectSQLite:
		return "sqlite"
	default:
		return "unknown"
	}
}

var placeholderPattern = regexp.MustCompile(`\$\d+`)

// Rebind rewrites $N placeholders to ? for SQLite. Statements must use each
// placeholder exactly once, in argument order.
func (d Dialect) Rebind(query string) string {
	if d == DialectPostgres {
		return query
	}
	return placeholderPattern.ReplaceAllString(query, "?")
}

// DB wraps a sql.DB with the dialect it was opened under.
type DB struct {
	*sql.DB
	dialect Dialect
}

// Dialect returns the SQL flavor of the underlying connection.
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Rebind adjusts $N placeholders for the connection's dialect.
func (db *DB) Rebind(query string) string {
	return db.dialect.Rebind(query)
}

// Options carries connection pool limits.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
}

const sqliteDriverName = "sqlite3_trellis"

var registerSQLiteOnce sync.Once

// registerSQLiteDriver installs a SQLite driver variant whose connections
// carry a REGEXP implementation, so regex queries work on both dialects.
func registerSQLiteDriver() {
	sql.Register(sqliteDriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterFunc("regexp", sqliteRegexp, true)
		},
	})
}

func sqliteRegexp(pattern, s string) (bool, error) {
	re, err := compilePattern(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(s), nil
}

var patternCache sync.Map // pattern string → *regexp.Regexp

func compilePattern(pattern string) (*regexp.Regexp, error) {
	if cached, ok := patternCache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	patternCache.Store(pattern, re)
	return re, nil
}

// Open connects to the database named by uri and verifies the connection
// with a ping. The scheme selects the driver: postgres:// and postgresql://
// use pgx, sqlite://, file: and bare paths use SQLite.
func Open(ctx context.Context, uri string, opts Options) (*DB, error) {
	if uri == "" {
		return nil, fmt.Errorf("database uri is required")
	}

	var (
		handle  *sql.DB
		dialect Dialect
		err     error
	)

	switch {
	case strings.HasPrefix(uri, "postgres://"), strings.HasPrefix(uri, "postgresql://"):
		dialect = DialectPostgres
		handle, err = sql.Open("pgx", uri)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres database: %w", err)
		}
		if opts.MaxOpenConns > 0 {
			handle.SetMaxOpenConns(opts.MaxOpenConns)
		}
		if opts.MaxIdleConns > 0 {
			handle.SetMaxIdleConns(opts.MaxIdleConns)
		}
		if opts.ConnMaxIdleTime > 0 {
			handle.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
		}

	default:
		dialect = DialectSQLite
		registerSQLiteOnce.Do(registerSQLiteDriver)

		dsn, memory := sqliteDSN(uri)
		handle, err = sql.Open(sqliteDriverName, dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		if memory {
			// A pooled in-memory database evaporates when its last
			// connection closes. Pin a single long-lived connection.
			handle.SetMaxOpenConns(1)
			handle.SetMaxIdleConns(1)
			handle.SetConnMaxIdleTime(0)
			handle.SetConnMaxLifetime(0)
		} else {
			if opts.MaxOpenConns > 0 {
				handle.SetMaxOpenConns(opts.MaxOpenConns)
			}
			if opts.MaxIdleConns > 0 {
				handle.SetMaxIdleConns(opts.MaxIdleConns)
			}
			if opts.ConnMaxIdleTime > 0 {
				handle.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
			}
		}
	}

	if err := handle.PingContext(ctx); err != nil {
		handle.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: handle, dialect: dialect}, nil
}

// sqliteDSN normalizes the accepted URI spellings to a mattn/go-sqlite3 DSN
// with foreign keys enabled.
func sqliteDSN(uri string) (dsn string, memory bool) {
	path := strings.TrimPrefix(uri, "sqlite://")

	if path == ":memory:" || strings.Contains(path, "mode=memory") {
		return "file::memory:?_foreign_keys=on", true
	}

	if strings.HasPrefix(path, "file:") {
		if strings.Contains(path, "?") {
			return path + "&_foreign_keys=on", false
		}
		return path + "?_foreign_keys=on", false
	}

	return "file:" + path + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", false
}
