// Package ledger keeps an append-only history of dataset runs in PostgreSQL
// or ClickHouse.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	_ "github.com/lib/pq"

	"github.com/kacper-wojtaszczyk/obsync/internal/ingestion"
	"github.com/kacper-wojtaszczyk/obsync/internal/model"
)

// ErrUnsupportedDSN is returned for a DSN whose scheme names no known database.
var ErrUnsupportedDSN = errors.New("unsupported ledger dsn")

const (
	eventStart  = "start"
	eventFinish = "finish"
)

// Dialect holds the statements that differ between databases.
type Dialect struct {
	Name    string
	Create  string
	Insert  string
	History string
}

var Postgres = Dialect{
	Name: "postgres",
	Create: `CREATE TABLE IF NOT EXISTS sync_runs (
		run_id      TEXT        NOT NULL,
		dataset     TEXT        NOT NULL,
		object_key  TEXT        NOT NULL,
		mode        TEXT        NOT NULL,
		event       TEXT        NOT NULL,
		state       TEXT        NOT NULL,
		step        TEXT        NOT NULL DEFAULT '',
		error       TEXT        NOT NULL DEFAULT '',
		appended    BIGINT      NOT NULL DEFAULT 0,
		recorded_at TIMESTAMPTZ NOT NULL
	)`,
	Insert: `INSERT INTO sync_runs
		(run_id, dataset, object_key, mode, event, state, step, error, appended, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
	History: `SELECT run_id, dataset, object_key, mode, event, state, step, error, appended, recorded_at
		FROM sync_runs WHERE dataset = $1 ORDER BY recorded_at DESC LIMIT $2`,
}

var ClickHouse = Dialect{
	Name: "clickhouse",
	Create: `CREATE TABLE IF NOT EXISTS sync_runs (
		run_id      String,
		dataset     String,
		object_key  String,
		mode        LowCardinality(String),
		event       LowCardinality(String),
		state       LowCardinality(String),
		step        String,
		error       String,
		appended    Int64,
		recorded_at DateTime64(3, 'UTC')
	) ENGINE = MergeTree ORDER BY (dataset, recorded_at)`,
	Insert: `INSERT INTO sync_runs
		(run_id, dataset, object_key, mode, event, state, step, error, appended, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	History: `SELECT run_id, dataset, object_key, mode, event, state, step, error, appended, recorded_at
		FROM sync_runs WHERE dataset = ? ORDER BY recorded_at DESC LIMIT ?`,
}

// Ledger records run reports. It implements ingestion.Recorder.
type Ledger struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// Entry is one recorded event of a run.
type Entry struct {
	RunID      model.RunID
	Dataset    model.Dataset
	Key        string
	Mode       model.Mode
	Event      string
	State      ingestion.State
	Step       ingestion.Step
	Error      string
	Appended   int64
	RecordedAt time.Time
}

// New wraps an open database.
func New(db *sql.DB, dialect Dialect) *Ledger {
	return &Ledger{db: db, dialect: dialect, now: time.Now}
}

// Open connects to the database named by dsn: postgres:// and postgresql://
// use lib/pq, clickhouse:// uses clickhouse-go.
func Open(ctx context.Context, dsn string) (*Ledger, error) {
	scheme, _, _ := strings.Cut(dsn, "://")

	var (
		db      *sql.DB
		dialect Dialect
		err     error
	)
	switch strings.ToLower(scheme) {
	case "postgres", "postgresql":
		dialect = Postgres
		db, err = sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
	case "clickhouse":
		dialect = ClickHouse
		opts, perr := clickhouse.ParseDSN(dsn)
		if perr != nil {
			return nil, fmt.Errorf("parse clickhouse dsn: %w", perr)
		}
		opts.Logger = slog.Default()
		db = clickhouse.OpenDB(opts)
	default:
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedDSN, scheme)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect.Name, err)
	}

	return New(db, dialect), nil
}

// Migrate creates the sync_runs table when absent.
func (l *Ledger) Migrate(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, l.dialect.Create); err != nil {
		return fmt.Errorf("create sync_runs: %w", err)
	}
	return nil
}

func (l *Ledger) RecordStart(ctx context.Context, r ingestion.Report) error {
	return l.insert(ctx, eventStart, r, r.StartedAt)
}

// RecordFinish appends the final state of a run, with the failing step and
// error text when it failed.
func (l *Ledger) RecordFinish(ctx context.Context, r ingestion.Report) error {
	return l.insert(ctx, eventFinish, r, r.FinishedAt)
}

func (l *Ledger) insert(ctx context.Context, event string, r ingestion.Report, at time.Time) error {
	if at.IsZero() {
		at = l.now()
	}
	errText := ""
	if r.Err != nil {
		errText = r.Err.Error()
	}

	_, err := l.db.ExecContext(ctx, l.dialect.Insert,
		r.RunID.String(),
		r.Dataset.String(),
		r.Key,
		string(r.Mode),
		event,
		string(r.State),
		string(r.Step),
		errText,
		int64(r.Appended),
		at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record %s of %s: %w", event, r.Dataset, err)
	}
	return nil
}

// History returns the most recent events of a dataset, newest first.
func (l *Ledger) History(ctx context.Context, dataset model.Dataset, limit int) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, l.dialect.History, dataset.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                              Entry
			runID, name, mode, state, step string
		)
		if err := rows.Scan(&runID, &name, &e.Key, &mode, &e.Event, &state, &step, &e.Error, &e.Appended, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.RunID = model.RunID(runID)
		e.Dataset = model.Dataset(name)
		e.Mode = model.Mode(mode)
		e.State = ingestion.State(state)
		e.Step = ingestion.Step(step)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	return entries, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}
