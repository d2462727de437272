// Package store persists calibration runs to SQLite or Postgres.
//
// Each run is one row: indexed columns for listing plus the JSON Snapshot
// of the result as payload. Runs are written with an upsert so a run id can
// be re-saved after outlier removal or information pruning.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "modernc.org/sqlite"             // pure go sqlite driver

	"github.com/alexshd/uqbench"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"

	defaultSQLitePath = "uqbench.db"

	// fixed width so text timestamps sort chronologically
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// ErrNotFound is returned by Load for an unknown run id.
var ErrNotFound = errors.New("calibration run not found")

// Config selects the database.
type Config struct {
	Driver string `yaml:"driver"` // "sqlite" (default) or "pgx"
	DSN    string `yaml:"dsn"`    // file path for sqlite, URL for postgres
}

// Run is a stored calibration run.
type Run struct {
	ID         string
	CreatedAt  time.Time
	Status     uqbench.Status
	Iterations int
	Snapshot   Snapshot
}

// Summary is a listing entry without the payload.
type Summary struct {
	ID         string
	CreatedAt  time.Time
	Status     uqbench.Status
	Iterations int
}

// Store is a SQL-backed run store. It is safe for concurrent use.
type Store struct {
	db     *sql.DB
	driver string
}

var schema = map[string]string{
	DriverSQLite: `CREATE TABLE IF NOT EXISTS calibration_runs (
		id TEXT PRIMARY KEY,
		created_at TEXT NOT NULL,
		status TEXT NOT NULL,
		iterations INTEGER NOT NULL,
		payload BLOB NOT NULL
	)`,
	DriverPostgres: `CREATE TABLE IF NOT EXISTS calibration_runs (
		id TEXT PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL,
		iterations INTEGER NOT NULL,
		payload JSONB NOT NULL
	)`,
}

// Open connects, pings, and ensures the runs table exists.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}
	ddl, ok := schema[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
	dsn := cfg.DSN
	switch driver {
	case DriverSQLite:
		if dsn == "" {
			dsn = defaultSQLitePath
		}
		if err := os.MkdirAll(filepath.Dir(dsn), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	case DriverPostgres:
		if dsn == "" {
			return nil, fmt.Errorf("postgres store requires a DSN")
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// a single connection serializes writers and keeps :memory: databases alive
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create calibration_runs table: %w", err)
	}
	return &Store{db: db, driver: driver}, nil
}

// Driver reports the database driver in use.
func (s *Store) Driver() string { return s.driver }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Save stores a result under a fresh run id.
func (s *Store) Save(ctx context.Context, res *uqbench.Result) (string, error) {
	id := uuid.NewString()
	if err := s.Put(ctx, id, res); err != nil {
		return "", err
	}
	return id, nil
}

// Put stores a result under id, replacing any previous run with that id.
func (s *Store) Put(ctx context.Context, id string, res *uqbench.Result) error {
	if res == nil {
		return fmt.Errorf("nil result")
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("invalid run id %q: %w", id, err)
	}
	payload, err := json.Marshal(NewSnapshot(res))
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	now := time.Now().UTC()
	q := s.bind(`INSERT INTO calibration_runs(id, created_at, status, iterations, payload) VALUES(?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET status=excluded.status, iterations=excluded.iterations, payload=excluded.payload`)
	if _, err := s.db.ExecContext(ctx, q, id, s.timestamp(now), string(res.Status), res.Iterations, payload); err != nil {
		return fmt.Errorf("upsert run %s: %w", id, err)
	}
	return nil
}

// Load returns a stored run.
func (s *Store) Load(ctx context.Context, id string) (*Run, error) {
	q := s.bind(`SELECT id, created_at, status, iterations, payload FROM calibration_runs WHERE id = ?`)
	row := s.db.QueryRowContext(ctx, q, id)

	var (
		run     Run
		created any
		status  string
		payload []byte
	)
	if err := row.Scan(&run.ID, &created, &status, &run.Iterations, &payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("select run %s: %w", id, err)
	}
	ts, err := parseTime(created)
	if err != nil {
		return nil, err
	}
	run.CreatedAt = ts
	run.Status = uqbench.Status(status)
	if err := json.Unmarshal(payload, &run.Snapshot); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", id, err)
	}
	return &run, nil
}

// List returns all runs, oldest first.
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, created_at, status, iterations FROM calibration_runs ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("select runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Summary
	for rows.Next() {
		var (
			sum     Summary
			created any
			status  string
		)
		if err := rows.Scan(&sum.ID, &created, &status, &sum.Iterations); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		if sum.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		sum.Status = uqbench.Status(status)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Delete removes a run. It reports whether the run existed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.bind(`DELETE FROM calibration_runs WHERE id = ?`), id)
	if err != nil {
		return false, fmt.Errorf("delete run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// bind rewrites ? placeholders to $n for postgres.
func (s *Store) bind(q string) string {
	if s.driver != DriverPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
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

func (s *Store) timestamp(t time.Time) any {
	if s.driver == DriverPostgres {
		return t
	}
	return t.Format(timeLayout)
}

func parseTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		return time.Parse(timeLayout, t)
	case []byte:
		return time.Parse(timeLayout, string(t))
	default:
		return time.Time{}, fmt.Errorf("unexpected created_at type %T", v)
	}
}
