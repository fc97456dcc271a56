package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// RetentionPolicy controls run cleanup.
type RetentionPolicy struct {
	KeepLast int `json:"keep_last" mapstructure:"keep_last"`
	KeepDays int `json:"keep_days" mapstructure:"keep_days"`
}

// PruneResult summarizes a prune operation.
type PruneResult struct {
	Considered int `json:"considered"`
	Kept       int `json:"kept"`
	Deleted    int `json:"deleted"`
}

// PruneRuns deletes old runs with their steps and events. Running runs are
// always kept; a run is kept if either rule keeps it.
func (s *Store) PruneRuns(ctx context.Context, policy RetentionPolicy, dryRun bool) (PruneResult, error) {
	if policy.KeepLast <= 0 && policy.KeepDays <= 0 {
		return PruneResult{}, nil
	}
	cutoff := time.Time{}
	if policy.KeepDays > 0 {
		cutoff = s.now().Add(-time.Duration(policy.KeepDays) * 24 * time.Hour)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, created_at, status FROM runs ORDER BY created_at DESC, run_id`)
	if err != nil {
		return PruneResult{}, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	type runRow struct {
		id        string
		createdAt time.Time
		status    string
		parseErr  error
	}
	var runs []runRow
	for rows.Next() {
		var id, createdAt, status string
		if err := rows.Scan(&id, &createdAt, &status); err != nil {
			return PruneResult{}, fmt.Errorf("scan run: %w", err)
		}
		parsed, parseErr := time.Parse(timeFormat, createdAt)
		runs = append(runs, runRow{id: id, createdAt: parsed, status: status, parseErr: parseErr})
	}
	if err := rows.Err(); err != nil {
		return PruneResult{}, fmt.Errorf("iterate runs: %w", err)
	}
	_ = rows.Close()

	res := PruneResult{Considered: len(runs)}
	for idx, row := range runs {
		keep := row.status == statusRunning
		if !keep && policy.KeepLast > 0 && idx < policy.KeepLast {
			keep = true
		}
		if !keep && policy.KeepDays > 0 {
			if row.parseErr != nil || row.createdAt.After(cutoff) {
				keep = true
			}
		}
		if keep {
			res.Kept++
			continue
		}
		if dryRun {
			res.Deleted++
			continue
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE run_id=?`, row.id); err != nil {
			return res, fmt.Errorf("delete run %s: %w", row.id, err)
		}
		log.Debug().Str("run_id", row.id).Msg("pruned run")
		res.Deleted++
	}
	return res, nil
}
