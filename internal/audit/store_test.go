package audit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	internaldb "github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/db"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/engine"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/policy"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/risk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	database, err := internaldb.Open(filepath.Join(t.TempDir(), "agentd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return NewStore(database)
}

func sampleReport(runID string, started time.Time) engine.Report {
	return engine.Report{
		RunID:         runID,
		OK:            false,
		State:         engine.StateHalted,
		HaltedBecause: engine.HaltPartialExecution,
		Detail:        "step b failed",
		ProjectRoot:   "/work/project",
		License:       policy.TierPro,
		StartedAt:     started,
		EndedAt:       started.Add(time.Second),
		Steps: []engine.StepRecord{
			{
				StepID: "a", Index: 0, Status: engine.StatusSucceeded,
				StartedAt: started, EndedAt: started.Add(100 * time.Millisecond),
				Result: engine.OK("listing", nil),
				Audit:  engine.Audit{Tool: "fs.list", Input: map[string]any{"path": "."}, RiskLevel: risk.Low, Category: policy.CategoryRead},
			},
			{
				StepID: "b", Index: 1, Status: engine.StatusFailed,
				StartedAt: started.Add(100 * time.Millisecond), EndedAt: started.Add(time.Second),
				Result: engine.Fail(engine.FailureCommandError, errors.New("exit 1"), "API_KEY=sk-live-123456 leaked", nil),
				Audit:  engine.Audit{Tool: "terminal.run", Input: map[string]any{"command": "make"}, RiskLevel: risk.Medium, Category: policy.CategoryHighImpact, RequiresConfirmation: true},
			},
		},
	}
}

func TestStore_CompleteAndRead(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t)
	started := time.Now().UTC().Truncate(time.Microsecond)
	report := sampleReport("run-1", started)

	require.NoError(t, s.Begin(ctx, RunMeta{RunID: "run-1", ProjectRoot: report.ProjectRoot, License: "pro", StartedAt: started}))
	status, err := s.GetRunStatus(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "running", status)

	require.NoError(t, s.Complete(ctx, report))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, engine.HaltPartialExecution, got.HaltedBecause)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, "terminal.run", got.Steps[1].Audit.Tool)
	assert.NotContains(t, got.Steps[1].Result.Output, "sk-live-123456")

	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "halted", runs[0].Status)
	assert.Equal(t, 2, runs[0].Steps)
	assert.False(t, runs[0].OK)

	events, err := s.Events(ctx, "run-1")
	require.NoError(t, err)
	var types []string
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{EventRunStarted, EventStepCommitted, EventStepCommitted, EventRunFinished}, types)
	assert.Equal(t, genesisHash, events[0].PrevHash)
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].Hash, events[i].PrevHash)
	}

	require.NoError(t, s.VerifyChain(ctx, "run-1"))
	assert.ErrorIs(t, s.Complete(ctx, report), ErrRunExists)
}

func TestStore_CompleteWithoutBegin(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Complete(ctx, sampleReport("run-2", time.Now().UTC())))
	require.NoError(t, s.VerifyChain(ctx, "run-2"))

	_, err := s.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, s.VerifyChain(ctx, "missing"), ErrRunNotFound)
}

func TestStore_VerifyChainDetectsTampering(t *testing.T) {
	t.Parallel()

	tamper := map[string]string{
		"event message": `UPDATE events SET message='edited' WHERE run_id='r' AND seq=2`,
		"event removed": `DELETE FROM events WHERE run_id='r' AND seq=2`,
		"step record":   `UPDATE steps SET record_json=replace(record_json, 'terminal.run', 'fs.read') WHERE run_id='r'`,
		"step removed":  `DELETE FROM steps WHERE run_id='r' AND step_index=1`,
		"report":        `UPDATE runs SET report_json=replace(report_json, '"ok":false', '"ok":true') WHERE run_id='r'`,
	}
	for name, stmt := range tamper {
		name, stmt := name, stmt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			s := newStore(t)
			require.NoError(t, s.Complete(ctx, sampleReport("r", time.Now().UTC())))
			require.NoError(t, s.VerifyChain(ctx, "r"))

			_, err := s.DB().ExecContext(ctx, stmt)
			require.NoError(t, err)
			assert.ErrorIs(t, s.VerifyChain(ctx, "r"), ErrChainBroken)
		})
	}
}

func TestStore_MarkInterrupted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Begin(ctx, RunMeta{RunID: "stuck", ProjectRoot: "/p", License: "pro"}))
	require.ErrorIs(t, s.Begin(ctx, RunMeta{RunID: "stuck", ProjectRoot: "/p", License: "pro"}), ErrRunExists)

	n, err := s.MarkInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	status, err := s.GetRunStatus(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, string(engine.StateCancelled), status)
	require.NoError(t, s.VerifyChain(ctx, "stuck"))
}

func TestStore_PruneRuns(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t)
	now := time.Now().UTC()
	old := now.Add(-10 * 24 * time.Hour)

	require.NoError(t, s.Complete(ctx, sampleReport("old-1", old)))
	require.NoError(t, s.Complete(ctx, sampleReport("old-2", old.Add(time.Minute))))
	require.NoError(t, s.Complete(ctx, sampleReport("new-1", now.Add(-time.Hour))))
	require.NoError(t, s.Begin(ctx, RunMeta{RunID: "old-running", ProjectRoot: "/p", License: "pro", StartedAt: old.Add(-time.Hour)}))

	res, err := s.PruneRuns(ctx, RetentionPolicy{KeepDays: 7}, true)
	require.NoError(t, err)
	assert.Equal(t, PruneResult{Considered: 4, Kept: 2, Deleted: 2}, res)
	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 4)

	res, err = s.PruneRuns(ctx, RetentionPolicy{KeepDays: 7}, false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Deleted)

	runs, err = s.ListRuns(ctx, 0)
	require.NoError(t, err)
	var ids []string
	for _, r := range runs {
		ids = append(ids, r.RunID)
	}
	assert.ElementsMatch(t, []string{"new-1", "old-running"}, ids)

	var events int
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE run_id='old-1'`).Scan(&events))
	assert.Zero(t, events)

	res, err = s.PruneRuns(ctx, RetentionPolicy{}, false)
	require.NoError(t, err)
	assert.Zero(t, res.Considered)
}

func TestStore_PruneKeepLast(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t)
	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Complete(ctx, sampleReport(id, base.Add(time.Duration(i)*time.Minute))))
	}
	res, err := s.PruneRuns(ctx, RetentionPolicy{KeepLast: 1}, false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Deleted)
	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "c", runs[0].RunID)
}
