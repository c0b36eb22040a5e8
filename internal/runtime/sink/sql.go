package sink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	errspkg "github.com/drblury/predictflow/internal/runtime/errors"
	"github.com/drblury/predictflow/internal/runtime/model"
)

// TableName is the table SQL sinks append to.
const TableName = "prediction_records"

// SQLWriter appends records to a database table. Concurrency is handled by
// the database/sql pool; SQLite is limited to one connection.
type SQLWriter struct {
	db     *sql.DB
	kind   string
	insert string
}

// NewSQLWriter opens dsn with the driver for kind ("postgres" or "sqlite")
// and creates the records table when it does not exist.
func NewSQLWriter(ctx context.Context, kind, dsn string) (*SQLWriter, error) {
	if dsn == "" {
		return nil, errspkg.ErrSinkRequired
	}

	var driver, schema, insert string
	switch kind {
	case KindPostgres:
		driver = "postgres"
		schema = `
		CREATE TABLE IF NOT EXISTS ` + TableName + ` (
			id BIGSERIAL PRIMARY KEY,
			device_id TEXT NOT NULL,
			client_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			license_id TEXT NOT NULL,
			image_frame TEXT NOT NULL,
			prob DOUBLE PRECISION NOT NULL,
			tags JSONB NOT NULL,
			written_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`
		insert = `INSERT INTO ` + TableName + ` (device_id, client_id, created_at, license_id, image_frame, prob, tags, written_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	case KindSQLite:
		driver = "sqlite3"
		schema = `
		CREATE TABLE IF NOT EXISTS ` + TableName + ` (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL,
			client_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			license_id TEXT NOT NULL,
			image_frame TEXT NOT NULL,
			prob REAL NOT NULL,
			tags TEXT NOT NULL,
			written_at TIMESTAMP NOT NULL
		)`
		insert = `INSERT INTO ` + TableName + ` (device_id, client_id, created_at, license_id, image_frame, prob, tags, written_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
		dsn = sqliteDSN(dsn)
	default:
		return nil, fmt.Errorf("sink: unsupported SQL kind %q", kind)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sink: open %s: %w", kind, err)
	}
	if kind == KindSQLite {
		// SQLite doesn't support concurrent writes well
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sink: connect %s: %w", kind, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sink: initialize schema: %w", err)
	}

	return &SQLWriter{db: db, kind: kind, insert: insert}, nil
}

func sqliteDSN(dsn string) string {
	if dsn == ":memory:" || strings.Contains(dsn, "?") {
		return dsn
	}
	return dsn + "?_journal_mode=WAL&_busy_timeout=5000"
}

func (w *SQLWriter) Append(ctx context.Context, rec model.Record) error {
	tags, err := FormatTags(rec.Tags)
	if err != nil {
		return w.fail(err)
	}
	_, err = w.db.ExecContext(ctx, w.insert,
		rec.DeviceID, rec.ClientID, rec.CreatedAt, rec.LicenseID, rec.ImageFrame, rec.Prob, tags, time.Now().UTC())
	if err != nil {
		return w.fail(err)
	}
	return nil
}

// DB exposes the underlying pool, mainly for inspection in tests.
func (w *SQLWriter) DB() *sql.DB { return w.db }

func (w *SQLWriter) Close() error {
	return w.db.Close()
}

func (w *SQLWriter) fail(err error) error {
	return &errspkg.WriteError{Sink: w.kind, Err: err}
}
