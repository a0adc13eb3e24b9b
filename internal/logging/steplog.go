package logging

import (
	"database/sql"
	"fmt"
	"time"
)

// #region log-step
// LogStep writes a gate/eval entry to the step_log table.
func LogStep(db *sql.DB, entry StepEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	var passed any
	if entry.EvalPassed != nil {
		passed = 0
		if *entry.EvalPassed {
			passed = 1
		}
	}

	_, err := db.Exec(
		`INSERT INTO step_log (run_id, t, resample_action, resample_reason, rejuvenate_action, rejuvenate_reason, eval_passed, eval_reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RunID,
		entry.T,
		entry.ResampleAction,
		nullIfEmpty(entry.ResampleReason),
		entry.RejuvenateAction,
		nullIfEmpty(entry.RejuvenateReason),
		passed,
		nullIfEmpty(entry.EvalReason),
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log step: %w", err)
	}
	return nil
}

// #endregion log-step

// #region helpers
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
