package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cncserver/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_number INTEGER PRIMARY KEY,
	runset_id INTEGER NOT NULL,
	config_name TEXT NOT NULL,
	state TEXT NOT NULL,
	num_events INTEGER NOT NULL DEFAULT 0,
	num_moni INTEGER NOT NULL DEFAULT 0,
	num_sn INTEGER NOT NULL DEFAULT 0,
	num_tcal INTEGER NOT NULL DEFAULT 0,
	started_at INTEGER NOT NULL,
	stopped_at INTEGER NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);

CREATE TABLE IF NOT EXISTS run_events (
	id TEXT PRIMARY KEY,
	run_number INTEGER NOT NULL,
	source TEXT NOT NULL,
	kind TEXT NOT NULL,
	message TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	FOREIGN KEY(run_number) REFERENCES runs(run_number) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_number, created_at);
`

// ErrRunNotFound reports a lookup for a run number never recorded.
var ErrRunNotFound = errors.New("run not found")

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) CreateRun(ctx context.Context, run domain.Run) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.State == "" {
		run.State = "running"
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO runs(
			run_number, runset_id, config_name, state,
			num_events, num_moni, num_sn, num_tcal, started_at, stopped_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		run.RunNumber, run.RunSetID, run.ConfigName, run.State,
		run.NumEvents, run.NumMoni, run.NumSN, run.NumTcal, run.StartedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// UpdateRunCounts refreshes the event counters of an in-progress run.
func (s *Store) UpdateRunCounts(ctx context.Context, runNumber int, events, moni, sn, tcal int64) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE runs SET num_events = ?, num_moni = ?, num_sn = ?, num_tcal = ?
		WHERE run_number = ?`,
		events, moni, sn, tcal, runNumber,
	)
	if err != nil {
		return fmt.Errorf("update run counts: %w", err)
	}
	return nil
}

// FinishRun records the final state and counters of a run.
func (s *Store) FinishRun(ctx context.Context, run domain.Run) error {
	if run.StoppedAt.IsZero() {
		run.StoppedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE runs SET state = ?, num_events = ?, num_moni = ?, num_sn = ?,
			num_tcal = ?, stopped_at = ?
		WHERE run_number = ?`,
		run.State, run.NumEvents, run.NumMoni, run.NumSN, run.NumTcal,
		run.StoppedAt.Unix(), run.RunNumber,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runNumber int) (domain.Run, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT run_number, runset_id, config_name, state, num_events, num_moni,
			num_sn, num_tcal, started_at, stopped_at
		FROM runs WHERE run_number = ?`,
		runNumber,
	)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Run{}, ErrRunNotFound
		}
		return domain.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT run_number, runset_id, config_name, state, num_events, num_moni,
			num_sn, num_tcal, started_at, stopped_at
		FROM runs ORDER BY started_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Run, 0, limit)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		result = append(result, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return result, nil
}

// LastRunNumber reports the highest recorded run number, or 0 if no run
// was ever started.
func (s *Store) LastRunNumber(ctx context.Context) (int, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(run_number), 0) FROM runs`)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("last run number: %w", err)
	}
	return n, nil
}

func (s *Store) LogRunEvent(ctx context.Context, ev domain.RunEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO run_events(id, run_number, source, kind, message, payload, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.RunNumber, ev.Source, ev.Kind, ev.Message, ev.Payload, ev.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("log run event: %w", err)
	}
	return nil
}

func (s *Store) ListRunEvents(ctx context.Context, runNumber int, limit int) ([]domain.RunEvent, error) {
	if limit <= 0 {
		limit = 300
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, run_number, source, kind, message, payload, created_at
		FROM run_events
		WHERE run_number = ?
		ORDER BY created_at DESC
		LIMIT ?`,
		runNumber, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	defer rows.Close()

	result := make([]domain.RunEvent, 0, limit)
	for rows.Next() {
		var ev domain.RunEvent
		var created int64
		if err := rows.Scan(&ev.ID, &ev.RunNumber, &ev.Source, &ev.Kind,
			&ev.Message, &ev.Payload, &created); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		ev.CreatedAt = unixToTime(created)
		result = append(result, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run events: %w", err)
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.Run, error) {
	var run domain.Run
	var started int64
	var stopped sql.NullInt64
	if err := row.Scan(
		&run.RunNumber, &run.RunSetID, &run.ConfigName, &run.State,
		&run.NumEvents, &run.NumMoni, &run.NumSN, &run.NumTcal, &started, &stopped,
	); err != nil {
		return domain.Run{}, err
	}
	run.StartedAt = unixToTime(started)
	if stopped.Valid && stopped.Int64 > 0 {
		run.StoppedAt = unixToTime(stopped.Int64)
	}
	return run, nil
}

func unixToTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}
