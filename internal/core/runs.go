package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/3cpo-dev/tunedesk/internal/healthcheck"
)

// ErrRunNotFound is returned when a run id does not exist.
var ErrRunNotFound = errors.New("run not found")

// RunRecord is a persisted health-check run.
type RunRecord struct {
	ID         string         `json:"id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Up         int            `json:"up"`
	Down       int            `json:"down"`
	Cancelled  bool           `json:"cancelled"`
	Results    []ResultRecord `json:"results,omitempty"`
}

// ResultRecord is one service row of a persisted run.
type ResultRecord struct {
	ServiceID      string `json:"service_id"`
	ServiceName    string `json:"service_name"`
	URL            string `json:"url"`
	State          string `json:"state"`
	ResponseTimeMS *int64 `json:"response_time_ms,omitempty"`
	Error          string `json:"error_message,omitempty"`
}

// SaveRun persists a report and its per-service rows in one transaction.
// Reports with nothing to test are not stored.
func (s *Store) SaveRun(ctx context.Context, r *healthcheck.Report) error {
	if r == nil || r.NothingToTest() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	cancelled := 0
	if r.Cancelled {
		cancelled = 1
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO health_runs (id, started_at, finished_at, up, down, cancelled) VALUES (?, ?, ?, ?, ?, ?)`,
		r.RunID, formatTime(r.StartedAt), formatTime(r.FinishedAt), r.Summary.Up, r.Summary.Down, cancelled); err != nil {
		return fmt.Errorf("insert run %s: %w", r.RunID, err)
	}
	for i, st := range r.Statuses {
		var rt sql.NullInt64
		if st.ResponseTimeMS != nil {
			rt = sql.NullInt64{Int64: *st.ResponseTimeMS, Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO health_results (run_id, position, service_id, service_name, url, state, response_time_ms, error) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.RunID, i, st.Service.ID, st.Service.Name, st.Service.URL, st.State.String(), rt, st.Error); err != nil {
			return fmt.Errorf("insert result %d of run %s: %w", i, r.RunID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run %s: %w", r.RunID, err)
	}
	return nil
}

// ListRuns returns the most recent runs first, without per-service rows.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, up, down, cancelled FROM health_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []RunRecord{}
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, rec)
	}
	return runs, rows.Err()
}

// GetRun returns one run with its per-service rows in input order.
func (s *Store) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, started_at, finished_at, up, down, cancelled FROM health_runs WHERE id = ?`, id)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get run %s: %w", id, ErrRunNotFound)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT service_id, service_name, url, state, response_time_ms, error FROM health_results WHERE run_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("query results of %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var res ResultRecord
		var rt sql.NullInt64
		if err := rows.Scan(&res.ServiceID, &res.ServiceName, &res.URL, &res.State, &rt, &res.Error); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		if rt.Valid {
			v := rt.Int64
			res.ResponseTimeMS = &v
		}
		rec.Results = append(rec.Results, res)
	}
	return &rec, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(sc scanner) (RunRecord, error) {
	var rec RunRecord
	var started, finished string
	var cancelled int
	if err := sc.Scan(&rec.ID, &started, &finished, &rec.Up, &rec.Down, &cancelled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("scan run: %w", err)
	}
	var err error
	if rec.StartedAt, err = parseTime(started); err != nil {
		return rec, fmt.Errorf("parse started_at: %w", err)
	}
	if rec.FinishedAt, err = parseTime(finished); err != nil {
		return rec, fmt.Errorf("parse finished_at: %w", err)
	}
	rec.Cancelled = cancelled != 0
	return rec, nil
}
