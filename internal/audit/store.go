// Package audit persists execution reports. Every run keeps a per-run event
// log in which each row carries the hash of the previous one, so edits to
// stored runs, steps or events show up in VerifyChain.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/engine"
)

const timeFormat = "2006-01-02T15:04:05.000000Z"

// Event types written to the log.
const (
	EventRunStarted     = "run_started"
	EventStepCommitted  = "step_committed"
	EventRunFinished    = "run_finished"
	EventRunInterrupted = "run_interrupted"
)

const statusRunning = "running"

var genesisHash = strings.Repeat("0", 64)

var (
	ErrRunNotFound = errors.New("run not found")
	ErrRunExists   = errors.New("run already recorded")
	ErrChainBroken = errors.New("audit chain broken")
)

// Store persists runs, steps and the hash-chained event log.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a store on an opened database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// RunMeta is what is known about a run before it executes.
type RunMeta struct {
	RunID       string
	ProjectRoot string
	License     string
	StartedAt   time.Time
}

// Event is one row of a run's log.
type Event struct {
	Seq      int    `json:"seq"`
	TS       string `json:"ts"`
	Type     string `json:"type"`
	Message  string `json:"message"`
	DataJSON string `json:"data,omitempty"`
	PrevHash string `json:"prevHash"`
	Hash     string `json:"hash"`
}

// RunSummary is a row of ListRuns.
type RunSummary struct {
	RunID         string `json:"runId"`
	CreatedAt     string `json:"createdAt"`
	EndedAt       string `json:"endedAt,omitempty"`
	ProjectRoot   string `json:"projectRoot"`
	License       string `json:"license"`
	Status        string `json:"status"`
	OK            bool   `json:"ok"`
	HaltedBecause string `json:"haltedBecause,omitempty"`
	Steps         int    `json:"steps"`
}

// Begin records a run as running. Runs in this state survive pruning.
func (s *Store) Begin(ctx context.Context, meta RunMeta) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin create run: %w", err)
	}
	if err := s.insertRun(ctx, tx, meta); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create run: %w", err)
	}
	return nil
}

func (s *Store) insertRun(ctx context.Context, tx *sql.Tx, meta RunMeta) error {
	if meta.RunID == "" {
		return errors.New("run id is required")
	}
	started := meta.StartedAt
	if started.IsZero() {
		started = s.now()
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO runs(run_id, created_at, project_root, license_tier, status)
		VALUES(?, ?, ?, ?, ?) ON CONFLICT(run_id) DO NOTHING`,
		meta.RunID, started.UTC().Format(timeFormat), meta.ProjectRoot, meta.License, statusRunning)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunExists, meta.RunID)
	}
	data, _ := json.Marshal(map[string]string{"projectRoot": meta.ProjectRoot, "license": meta.License})
	return s.insertEvent(ctx, tx, meta.RunID, EventRunStarted, "run started", string(data))
}

// Complete stores the report's steps and outcome in one transaction. A run
// that was never begun is created first.
func (s *Store) Complete(ctx context.Context, report engine.Report) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin complete run: %w", err)
	}
	if err := s.complete(ctx, tx, report); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit complete run: %w", err)
	}
	return nil
}

func (s *Store) complete(ctx context.Context, tx *sql.Tx, report engine.Report) error {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE run_id=?`, report.RunID).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		meta := RunMeta{RunID: report.RunID, ProjectRoot: report.ProjectRoot, License: string(report.License), StartedAt: report.StartedAt}
		if err := s.insertRun(ctx, tx, meta); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("read run status: %w", err)
	case status != statusRunning:
		return fmt.Errorf("%w: %s", ErrRunExists, report.RunID)
	}

	report = sanitize(report)
	for _, rec := range report.Steps {
		recJSON, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode step %s: %w", rec.StepID, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO steps(run_id, step_index, step_id, tool, status, risk_level, category, failure_class, started_at, ended_at, record_json)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			report.RunID, rec.Index, rec.StepID, rec.Audit.Tool, rec.Status,
			nullableString(string(rec.Audit.RiskLevel)), nullableString(string(rec.Audit.Category)),
			nullableString(string(rec.Result.FailureClass)),
			rec.StartedAt.UTC().Format(timeFormat), rec.EndedAt.UTC().Format(timeFormat), string(recJSON)); err != nil {
			return fmt.Errorf("insert step: %w", err)
		}
		msg := fmt.Sprintf("%s %s %s", rec.StepID, rec.Audit.Tool, rec.Status)
		if err := s.insertEvent(ctx, tx, report.RunID, EventStepCommitted, msg, string(recJSON)); err != nil {
			return err
		}
	}

	reportJSON, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	msg := "run " + string(report.State)
	if report.HaltedBecause != "" {
		msg += ": " + string(report.HaltedBecause)
	}
	if err := s.insertEvent(ctx, tx, report.RunID, EventRunFinished, msg, string(reportJSON)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE runs SET ended_at=?, status=?, ok=?, halted_because=?, detail=?, steps_count=?, report_json=? WHERE run_id=?`,
		report.EndedAt.UTC().Format(timeFormat), string(report.State), report.OK,
		nullableString(string(report.HaltedBecause)), nullableString(report.Detail),
		len(report.Steps), string(reportJSON), report.RunID); err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

// sanitize redacts tool output and errors before they are written.
func sanitize(r engine.Report) engine.Report {
	r.Detail = engine.RedactString(r.Detail)
	steps := make([]engine.StepRecord, len(r.Steps))
	for i, rec := range r.Steps {
		rec.Result = redactResult(rec.Result)
		if len(rec.Verification) > 0 {
			vs := make([]engine.Verification, len(rec.Verification))
			for j, v := range rec.Verification {
				v.Result = redactResult(v.Result)
				vs[j] = v
			}
			rec.Verification = vs
		}
		steps[i] = rec
	}
	r.Steps = steps
	return r
}

func redactResult(res engine.Result) engine.Result {
	res.Output = engine.RedactString(res.Output)
	res.Error = engine.RedactString(res.Error)
	return res
}

// MarkInterrupted closes runs left in the running state by a previous
// process. It returns the number of runs closed.
func (s *Store) MarkInterrupted(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id FROM runs WHERE status=?`, statusRunning)
	if err != nil {
		return 0, fmt.Errorf("list running runs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("scan run: %w", err)
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate runs: %w", err)
	}

	for _, id := range ids {
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
		if err != nil {
			return 0, fmt.Errorf("begin interrupt run: %w", err)
		}
		if err := s.insertEvent(ctx, tx, id, EventRunInterrupted, "daemon stopped before the run finished", ""); err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE runs SET status=?, ended_at=?, detail=? WHERE run_id=?`,
			string(engine.StateCancelled), s.now().Format(timeFormat), "interrupted", id); err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("update run: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return 0, fmt.Errorf("commit interrupt run: %w", err)
		}
	}
	return len(ids), nil
}

// ListRuns returns the most recent runs first. limit <= 0 returns all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	query := `SELECT run_id, created_at, COALESCE(ended_at, ''), project_root, license_tier, status, ok, COALESCE(halted_because, ''), steps_count
		FROM runs ORDER BY created_at DESC, run_id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []RunSummary{}
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(&r.RunID, &r.CreatedAt, &r.EndedAt, &r.ProjectRoot, &r.License, &r.Status, &r.OK, &r.HaltedBecause, &r.Steps); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// GetRun returns the stored report of a finished run. A run still in
// progress returns a report with only its header fields set.
func (s *Store) GetRun(ctx context.Context, runID string) (engine.Report, error) {
	var (
		createdAt, projectRoot, license, status string
		reportJSON                              sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `SELECT created_at, project_root, license_tier, status, report_json FROM runs WHERE run_id=?`, runID).
		Scan(&createdAt, &projectRoot, &license, &status, &reportJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Report{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return engine.Report{}, fmt.Errorf("read run: %w", err)
	}
	if reportJSON.Valid {
		var report engine.Report
		if err := json.Unmarshal([]byte(reportJSON.String), &report); err != nil {
			return engine.Report{}, fmt.Errorf("decode report: %w", err)
		}
		return report, nil
	}
	started, _ := time.Parse(timeFormat, createdAt)
	return engine.Report{
		RunID:       runID,
		State:       engine.State(status),
		ProjectRoot: projectRoot,
		StartedAt:   started,
		Steps:       []engine.StepRecord{},
	}, nil
}

// GetRunStatus returns the status for a run id, or empty if missing.
func (s *Store) GetRunStatus(ctx context.Context, runID string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT status FROM runs WHERE run_id=?`, runID)
	var status string
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("read run status: %w", err)
	}
	return status, nil
}

// Events returns a run's log in order.
func (s *Store) Events(ctx context.Context, runID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, ts, type, message, COALESCE(data_json, ''), prev_hash, hash
		FROM events WHERE run_id=? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.Seq, &ev.TS, &ev.Type, &ev.Message, &ev.DataJSON, &ev.PrevHash, &ev.Hash); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func (s *Store) insertEvent(ctx context.Context, tx *sql.Tx, runID, typ, message, dataJSON string) error {
	var (
		seq  int
		prev sql.NullString
	)
	row := tx.QueryRowContext(ctx, `SELECT seq, hash FROM events WHERE run_id=? ORDER BY seq DESC LIMIT 1`, runID)
	if err := row.Scan(&seq, &prev); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read event seq: %w", err)
	}
	prevHash := genesisHash
	if prev.Valid {
		prevHash = prev.String
	}
	seq++
	ts := s.now().Format(timeFormat)
	hash := chainHash(prevHash, runID, seq, ts, typ, message, dataJSON)
	if _, err := tx.ExecContext(ctx, `INSERT INTO events(run_id, seq, ts, type, message, data_json, prev_hash, hash) VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, seq, ts, typ, message, nullableString(dataJSON), prevHash, hash); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func chainHash(prevHash, runID string, seq int, ts, typ, message, dataJSON string) string {
	h := sha256.New()
	for _, part := range []string{prevHash, runID, strconv.Itoa(seq), ts, typ, message, dataJSON} {
		_, _ = h.Write([]byte(strconv.Itoa(len(part))))
		_, _ = h.Write([]byte{':'})
		_, _ = h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChain recomputes a run's event hashes and checks that the steps and
// report rows match what the log recorded.
func (s *Store) VerifyChain(ctx context.Context, runID string) error {
	events, err := s.Events(ctx, runID)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		if status, err := s.GetRunStatus(ctx, runID); err != nil {
			return err
		} else if status == "" {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return fmt.Errorf("%w: run %s has no events", ErrChainBroken, runID)
	}

	prev := genesisHash
	stepData := map[string]string{}
	reportData := ""
	for i, ev := range events {
		if ev.Seq != i+1 {
			return fmt.Errorf("%w: run %s: expected seq %d, found %d", ErrChainBroken, runID, i+1, ev.Seq)
		}
		if ev.PrevHash != prev {
			return fmt.Errorf("%w: run %s: event %d does not link to its predecessor", ErrChainBroken, runID, ev.Seq)
		}
		if want := chainHash(prev, runID, ev.Seq, ev.TS, ev.Type, ev.Message, ev.DataJSON); want != ev.Hash {
			return fmt.Errorf("%w: run %s: event %d hash mismatch", ErrChainBroken, runID, ev.Seq)
		}
		prev = ev.Hash
		switch ev.Type {
		case EventStepCommitted:
			var rec engine.StepRecord
			if err := json.Unmarshal([]byte(ev.DataJSON), &rec); err != nil {
				return fmt.Errorf("%w: run %s: event %d: %v", ErrChainBroken, runID, ev.Seq, err)
			}
			stepData[strconv.Itoa(rec.Index)] = ev.DataJSON
		case EventRunFinished:
			reportData = ev.DataJSON
		}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT step_index, record_json FROM steps WHERE run_id=?`, runID)
	if err != nil {
		return fmt.Errorf("list steps: %w", err)
	}
	defer func() { _ = rows.Close() }()
	seen := 0
	for rows.Next() {
		var (
			idx int
			rec string
		)
		if err := rows.Scan(&idx, &rec); err != nil {
			return fmt.Errorf("scan step: %w", err)
		}
		seen++
		if stepData[strconv.Itoa(idx)] != rec {
			return fmt.Errorf("%w: run %s: step %d differs from its logged record", ErrChainBroken, runID, idx)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate steps: %w", err)
	}
	if seen != len(stepData) {
		return fmt.Errorf("%w: run %s: %d steps stored, %d logged", ErrChainBroken, runID, seen, len(stepData))
	}

	var stored sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT report_json FROM runs WHERE run_id=?`, runID).Scan(&stored); err != nil {
		return fmt.Errorf("read report: %w", err)
	}
	if stored.String != reportData {
		return fmt.Errorf("%w: run %s: stored report differs from its logged copy", ErrChainBroken, runID)
	}
	return nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
