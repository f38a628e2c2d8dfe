package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v4/stdlib" // registers "pgx"
	_ "modernc.org/sqlite"             // registers "sqlite"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

//go:embed schema_postgres.sql
var postgresSchema string

// Dialect selects placeholder style and column types.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

func (d Dialect) String() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// Connection retry settings for Open.
var (
	ConnectAttempts = 10
	ConnectDelay    = 2 * time.Second
)

// ParseURL maps a DB_URL onto a database/sql driver name and DSN.
// postgres:// and postgresql:// go to pgx; sqlite://path, file: and
// :memory: go to the embedded SQLite driver.
func ParseURL(dbURL string) (driver, dsn string, dialect Dialect, err error) {
	switch {
	case strings.HasPrefix(dbURL, "postgres://"), strings.HasPrefix(dbURL, "postgresql://"):
		return "pgx", dbURL, DialectPostgres, nil
	case strings.HasPrefix(dbURL, "sqlite://"):
		path := strings.TrimPrefix(dbURL, "sqlite://")
		if path == "" {
			return "", "", 0, fmt.Errorf("sqlite URL has no path: %q", dbURL)
		}
		return "sqlite", path, DialectSQLite, nil
	case strings.HasPrefix(dbURL, "file:"), dbURL == ":memory:":
		return "sqlite", dbURL, DialectSQLite, nil
	default:
		return "", "", 0, fmt.Errorf("unsupported database URL %q (want postgres://, sqlite:// or file:)", dbURL)
	}
}

// Open connects to dbURL, retrying while the server comes up, and makes sure
// the schema exists.
func Open(ctx context.Context, dbURL string) (*CoinStore, error) {
	driver, dsn, dialect, err := ParseURL(dbURL)
	if err != nil {
		return nil, err
	}

	if dialect == DialectSQLite && !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := waitForDB(ctx, driver, dsn)
	if err != nil {
		return nil, err
	}

	if dialect == DialectSQLite {
		// One connection: SQLite allows a single writer and :memory: is per connection.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("configure sqlite: %w", err)
		}
	}

	store := New(db, dialect)
	if err := store.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func waitForDB(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	var err error
	for i := 0; i < ConnectAttempts; i++ {
		var db *sql.DB
		db, err = sql.Open(driver, dsn)
		if err == nil {
			if err = db.PingContext(ctx); err == nil {
				slog.Info("Connected to database", "driver", driver)
				return db, nil
			}
			db.Close()
		}
		slog.Warn("Waiting for database", "driver", driver, "attempt", i+1, "err", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(ConnectDelay):
		}
	}
	return nil, fmt.Errorf("could not connect to database after %d attempts: %w", ConnectAttempts, err)
}

// EnsureSchema creates the coins table if it is missing.
func (s *CoinStore) EnsureSchema(ctx context.Context) error {
	schema := sqliteSchema
	if s.dialect == DialectPostgres {
		schema = postgresSchema
	}
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders as $1, $2, ... for Postgres.
func (s *CoinStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sqliteTime is fixed width so text ordering matches time ordering.
const sqliteTime = "2006-01-02T15:04:05.000000Z"

func (s *CoinStore) timeArg(t time.Time) any {
	if s.dialect == DialectSQLite {
		return t.UTC().Format(sqliteTime)
	}
	return t.UTC()
}

// dbTime scans a timestamp stored either natively or as text.
type dbTime struct{ time.Time }

func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		t.Time = v.UTC()
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	case nil:
		t.Time = time.Time{}
		return nil
	default:
		return fmt.Errorf("cannot scan %T into time", src)
	}
}

func (t *dbTime) parse(s string) error {
	for _, layout := range []string{sqliteTime, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return errors.New("unrecognized time format: " + s)
}
