package runstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	pq "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQLConfig configures a database/sql backed store.
type SQLConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver          string
	DSN             string
	MaxOpenConns    int
	CreateIfMissing bool
}

// SQLStore persists records as JSON documents in a single runs table. The
// version column carries the compare-and-swap token.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

type dialect struct {
	name    string
	dataCol string
}

// bind rewrites ? placeholders for drivers that number their parameters.
func (d dialect) bind(query string) string {
	if d.name != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// OpenSQLStore connects to the database and applies the schema.
func OpenSQLStore(ctx context.Context, cfg SQLConfig) (*SQLStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("sql store requires a dsn")
	}
	var d dialect
	dsn := cfg.DSN
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		d = dialect{name: "sqlite", dataCol: "TEXT"}
		dsn = sqliteDSN(dsn)
	case "postgres", "postgresql":
		d = dialect{name: "postgres", dataCol: "JSONB"}
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", cfg.Driver)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	db, err := sql.Open(d.name, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sql connection: %w", err)
	}
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		if !cfg.CreateIfMissing || !shouldAttemptCreateDatabase(d.name, err) {
			return nil, fmt.Errorf("ping sql connection: %w", err)
		}
		if err := createDatabase(pingCtx, dsn); err != nil {
			return nil, err
		}
		db, err = sql.Open(d.name, dsn)
		if err != nil {
			return nil, fmt.Errorf("open sql connection: %w", err)
		}
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping sql connection: %w", err)
		}
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	store := &SQLStore{db: db, dialect: d}
	if err := store.ensureSchema(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// sqliteDSN adds the pragmas every connection of the pool needs.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(10000)"
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS visreg_runs (
		    id TEXT PRIMARY KEY,
		    version BIGINT NOT NULL,
		    state TEXT NOT NULL,
		    created_at BIGINT NOT NULL,
		    record %s NOT NULL
		)`, s.dialect.dataCol),
		`CREATE INDEX IF NOT EXISTS idx_visreg_runs_created_at ON visreg_runs (created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Create(ctx context.Context, rec RunRecord) error {
	if rec.ID == "" {
		return errors.New("run id must not be empty")
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.dialect.bind(`
        INSERT INTO visreg_runs (id, version, state, created_at, record)
        VALUES (?,?,?,?,?)
        ON CONFLICT (id) DO NOTHING
    `), rec.ID, rec.Version, string(rec.State), rec.CreatedAt.UnixNano(), string(data))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrExists, rec.ID)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (RunRecord, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.dialect.bind(`SELECT record FROM visreg_runs WHERE id = ?`), id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return RunRecord{}, fmt.Errorf("select run: %w", err)
	}
	return decodeRecord([]byte(data))
}

func (s *SQLStore) CompareAndSwap(ctx context.Context, expected int64, next RunRecord) error {
	if err := checkNext(expected, next); err != nil {
		return err
	}
	data, err := encodeRecord(next)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.dialect.bind(`
        UPDATE visreg_runs SET version = ?, state = ?, record = ?
        WHERE id = ? AND version = ?
    `), next.Version, string(next.State), string(data), next.ID, expected)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n == 1 {
		return nil
	}
	var current int64
	err = s.db.QueryRowContext(ctx, s.dialect.bind(`SELECT version FROM visreg_runs WHERE id = ?`), next.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, next.ID)
	}
	if err != nil {
		return fmt.Errorf("select run version: %w", err)
	}
	return fmt.Errorf("%w: %s at version %d, expected %d", ErrVersionConflict, next.ID, current, expected)
}

func (s *SQLStore) List(ctx context.Context) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM visreg_runs ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []RunRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		rec, err := decodeRecord([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}

// Close closes the underlying DB connection.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func shouldAttemptCreateDatabase(driver string, err error) bool {
	if driver != "postgres" {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "3D000"
	}
	return strings.Contains(strings.ToLower(err.Error()), "does not exist")
}

func createDatabase(ctx context.Context, dsn string) error {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}
	dbName := strings.TrimPrefix(parsed.Path, "/")
	if dbName == "" {
		return errors.New("dsn missing database name")
	}
	if strings.EqualFold(dbName, "postgres") {
		return fmt.Errorf("target database %q cannot be auto-created", dbName)
	}
	parsed.Path = "/postgres"
	adminDB, err := sql.Open("postgres", parsed.String())
	if err != nil {
		return fmt.Errorf("connect admin database: %w", err)
	}
	defer adminDB.Close()
	if err := adminDB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping admin database: %w", err)
	}
	stmt := fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(dbName))
	if _, err := adminDB.ExecContext(ctx, stmt); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "42P04" {
			return nil
		}
		return fmt.Errorf("create database %q: %w", dbName, err)
	}
	return nil
}
