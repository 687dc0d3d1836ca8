package ledger

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/go-cmp/cmp"

	"github.com/kacper-wojtaszczyk/obsync/internal/ingestion"
	"github.com/kacper-wojtaszczyk/obsync/internal/model"
)

func newMock(t *testing.T, dialect Dialect) (*Ledger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, dialect), mock
}

func report() ingestion.Report {
	return ingestion.Report{
		Dataset:    "RAPID",
		RunID:      "01890c24-905b-7122-b170-b60814e6ee06",
		Key:        "obs/ocean/rapid",
		Mode:       model.ModeUpdate,
		State:      ingestion.StateFetching,
		StartedAt:  time.Date(2025, 3, 12, 6, 0, 0, 0, time.UTC),
		FinishedAt: time.Date(2025, 3, 12, 6, 4, 0, 0, time.UTC),
	}
}

func TestMigrate(t *testing.T) {
	for _, dialect := range []Dialect{Postgres, ClickHouse} {
		t.Run(dialect.Name, func(t *testing.T) {
			l, mock := newMock(t, dialect)
			mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS sync_runs")).
				WillReturnResult(sqlmock.NewResult(0, 0))

			if err := l.Migrate(context.Background()); err != nil {
				t.Fatalf("Migrate() error = %v", err)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestRecordStartAndFinish(t *testing.T) {
	l, mock := newMock(t, Postgres)
	r := report()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sync_runs")).
		WithArgs(r.RunID.String(), "RAPID", "obs/ocean/rapid", "update", "start", "FETCHING", "", "", int64(0), r.StartedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	failed := r
	failed.State = ingestion.StateFailed
	failed.Step = ingestion.StepNormalize
	failed.Err = errors.New("moc_transports_2025.csv: no rows")
	failed.Appended = 12
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sync_runs")).
		WithArgs(r.RunID.String(), "RAPID", "obs/ocean/rapid", "update", "finish", "FAILED", "normalize", "moc_transports_2025.csv: no rows", int64(12), r.FinishedAt).
		WillReturnResult(sqlmock.NewResult(2, 1))

	ctx := context.Background()
	if err := l.RecordStart(ctx, r); err != nil {
		t.Fatalf("RecordStart() error = %v", err)
	}
	if err := l.RecordFinish(ctx, failed); err != nil {
		t.Fatalf("RecordFinish() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRecord_ZeroTimeUsesClock(t *testing.T) {
	l, mock := newMock(t, ClickHouse)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	r := report()
	r.StartedAt = time.Time{}
	mock.ExpectExec(regexp.QuoteMeta("VALUES (?, ?, ?")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "start", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), now).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := l.RecordStart(context.Background(), r); err != nil {
		t.Fatalf("RecordStart() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRecord_Error(t *testing.T) {
	l, mock := newMock(t, Postgres)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sync_runs")).WillReturnError(errors.New("connection refused"))

	err := l.RecordStart(context.Background(), report())
	if err == nil || !regexp.MustCompile(`record start of RAPID`).MatchString(err.Error()) {
		t.Fatalf("RecordStart() error = %v", err)
	}
}

func TestHistory(t *testing.T) {
	l, mock := newMock(t, Postgres)
	at := time.Date(2025, 3, 12, 6, 4, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"run_id", "dataset", "object_key", "mode", "event", "state", "step", "error", "appended", "recorded_at"}).
		AddRow("01890c24-905b-7122-b170-b60814e6ee06", "RAPID", "obs/ocean/rapid", "sync", "finish", "DONE", "", "", int64(6), at)
	mock.ExpectQuery(regexp.QuoteMeta("FROM sync_runs WHERE dataset = $1")).
		WithArgs("RAPID", 5).
		WillReturnRows(rows)

	got, err := l.History(context.Background(), "RAPID", 5)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	want := []Entry{{
		RunID:      "01890c24-905b-7122-b170-b60814e6ee06",
		Dataset:    "RAPID",
		Key:        "obs/ocean/rapid",
		Mode:       model.ModeSync,
		Event:      "finish",
		State:      ingestion.StateDone,
		Appended:   6,
		RecordedAt: at,
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("History() mismatch (-want +got):\n%s", diff)
	}
}

func TestOpen_UnsupportedScheme(t *testing.T) {
	_, err := Open(context.Background(), "mysql://localhost/obsync")
	if !errors.Is(err, ErrUnsupportedDSN) {
		t.Fatalf("Open() error = %v, want ErrUnsupportedDSN", err)
	}
}
