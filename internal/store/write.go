package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/context-compat/internal/harness"
)

// RecordRun stores a suite report and all of its outcomes in one
// transaction. Uses ON CONFLICT(id) DO NOTHING for idempotency - recording
// the same run twice leaves the first copy untouched.
func (s *Store) RecordRun(ctx context.Context, r *harness.SuiteReport) error {
	fp, err := fingerprint(r)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record run: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	result, err := tx.ExecContext(ctx, `
		INSERT INTO runs
		(id, contract_version, started_at, duration_ns, cli_bin, server_bin, previous_bin,
		 passed, failed, skipped, total, fingerprint)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		r.RunID,
		r.ContractVersion,
		r.StartedAt.UTC().Format(time.RFC3339Nano),
		int64(r.Duration),
		r.Targets.CLI,
		r.Targets.Server,
		r.Targets.Previous,
		r.Passed,
		r.Failed,
		r.Skipped,
		r.Total,
		fp,
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("record run: rows affected: %w", err)
	} else if n == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO outcomes
		(run_id, position, group_name, case_name, status, category, reason, duration_ns, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("record run: prepare outcomes: %w", err)
	}
	defer stmt.Close()

	for i, o := range r.Outcomes {
		blob, err := marshalDetails(o)
		if err != nil {
			return fmt.Errorf("record run: %s: %w", o.Name(), err)
		}
		if _, err := stmt.ExecContext(ctx,
			r.RunID,
			i,
			o.Group,
			o.Case,
			string(o.Status),
			string(o.Category),
			o.Reason,
			int64(o.Duration),
			blob,
		); err != nil {
			return fmt.Errorf("record run: %s: %w", o.Name(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("record run: commit: %w", err)
	}
	return nil
}

// DeleteRun removes a run and its outcomes. Deleting an unknown run is not
// an error.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, runID); err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	return nil
}
