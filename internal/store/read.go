package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/context-compat/internal/harness"
)

// ErrRunNotFound is returned when a run id is not in the store.
var ErrRunNotFound = errors.New("run not found")

// Run is the stored summary of one suite run.
type Run struct {
	Seq             int64           `json:"seq" yaml:"seq"`
	ID              string          `json:"id" yaml:"id"`
	ContractVersion string          `json:"contract_version" yaml:"contract_version"`
	StartedAt       time.Time       `json:"started_at" yaml:"started_at"`
	Duration        time.Duration   `json:"duration_ns" yaml:"duration"`
	Targets         harness.Targets `json:"targets" yaml:"targets"`
	Passed          int             `json:"passed" yaml:"passed"`
	Failed          int             `json:"failed" yaml:"failed"`
	Skipped         int             `json:"skipped" yaml:"skipped"`
	Total           int             `json:"total" yaml:"total"`
	Fingerprint     string          `json:"fingerprint" yaml:"fingerprint"`
}

// Regression is a case that failed in a run after passing in the previous
// run of the same contract version.
type Regression struct {
	Group         string           `json:"group" yaml:"group"`
	Case          string           `json:"case" yaml:"case"`
	Category      harness.Category `json:"category" yaml:"category"`
	Reason        string           `json:"reason,omitempty" yaml:"reason,omitempty"`
	PreviousRunID string           `json:"previous_run_id" yaml:"previous_run_id"`
}

// Name is the full case name, "group/case".
func (r Regression) Name() string {
	return r.Group + "/" + r.Case
}

const runColumns = `seq, id, contract_version, started_at, duration_ns, cli_bin, server_bin, previous_bin,
	passed, failed, skipped, total, fingerprint`

// ListRuns returns the most recent runs first. A non-empty contract
// restricts the list to that version; limit <= 0 means no limit.
//
// Returns an empty slice (not nil) if there are no runs.
func (s *Store) ListRuns(ctx context.Context, contract string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE ? = '' OR contract_version = ?
		ORDER BY seq DESC
		LIMIT ?
	`, contract, contract, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// GetRun returns one run summary. Returns ErrRunNotFound for unknown ids.
func (s *Store) GetRun(ctx context.Context, runID string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%s: %w", runID, ErrRunNotFound)
	}
	return run, err
}

// ReadOutcomes returns the outcomes of a run in report order.
func (s *Store) ReadOutcomes(ctx context.Context, runID string) ([]harness.Outcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT group_name, case_name, status, category, reason, duration_ns, details
		FROM outcomes
		WHERE run_id = ?
		ORDER BY position ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	outcomes := []harness.Outcome{}
	for rows.Next() {
		var (
			o        harness.Outcome
			status   string
			category string
			duration int64
			blob     []byte
		)
		if err := rows.Scan(&o.Group, &o.Case, &status, &category, &o.Reason, &duration, &blob); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.Status, o.Category, o.Duration = harness.Status(status), harness.Category(category), time.Duration(duration)
		if err := unmarshalDetails(blob, &o); err != nil {
			return nil, fmt.Errorf("%s: %w", o.Name(), err)
		}
		outcomes = append(outcomes, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcomes: %w", err)
	}
	return outcomes, nil
}

// LoadReport rebuilds the suite report of a stored run.
func (s *Store) LoadReport(ctx context.Context, runID string) (*harness.SuiteReport, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	outcomes, err := s.ReadOutcomes(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &harness.SuiteReport{
		RunID:           run.ID,
		ContractVersion: run.ContractVersion,
		StartedAt:       run.StartedAt,
		Duration:        run.Duration,
		Targets:         run.Targets,
		Outcomes:        outcomes,
		Passed:          run.Passed,
		Failed:          run.Failed,
		Skipped:         run.Skipped,
		Total:           run.Total,
	}, nil
}

// Regressions returns the cases of runID that failed after passing in the
// previous run of the same contract version, in report order. The first
// run of a version has no regressions.
func (s *Store) Regressions(ctx context.Context, runID string) ([]Regression, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	var previous string
	err = s.db.QueryRowContext(ctx, `
		SELECT id FROM runs
		WHERE contract_version = ? AND seq < ?
		ORDER BY seq DESC
		LIMIT 1
	`, run.ContractVersion, run.Seq).Scan(&previous)
	if errors.Is(err, sql.ErrNoRows) {
		return []Regression{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query previous run: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT cur.group_name, cur.case_name, cur.category, cur.reason
		FROM outcomes cur
		JOIN outcomes prev
		  ON prev.run_id = ?
		 AND prev.group_name = cur.group_name
		 AND prev.case_name = cur.case_name
		WHERE cur.run_id = ?
		  AND cur.status = 'failed'
		  AND prev.status = 'passed'
		ORDER BY cur.position ASC
	`, previous, runID)
	if err != nil {
		return nil, fmt.Errorf("query regressions: %w", err)
	}
	defer rows.Close()

	regressions := []Regression{}
	for rows.Next() {
		r := Regression{PreviousRunID: previous}
		var category string
		if err := rows.Scan(&r.Group, &r.Case, &category, &r.Reason); err != nil {
			return nil, fmt.Errorf("scan regression: %w", err)
		}
		r.Category = harness.Category(category)
		regressions = append(regressions, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate regressions: %w", err)
	}
	return regressions, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var (
		run       Run
		startedAt string
		duration  int64
	)
	err := row.Scan(
		&run.Seq,
		&run.ID,
		&run.ContractVersion,
		&startedAt,
		&duration,
		&run.Targets.CLI,
		&run.Targets.Server,
		&run.Targets.Previous,
		&run.Passed,
		&run.Failed,
		&run.Skipped,
		&run.Total,
		&run.Fingerprint,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("scan run: %w", err)
	}
	run.Duration = time.Duration(duration)
	if run.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return Run{}, fmt.Errorf("run %s: parse started_at: %w", run.ID, err)
	}
	return run, nil
}
