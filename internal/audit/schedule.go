package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	cronv3 "github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const pruneLockName = "prune"

var scheduleParser = cronv3.NewParser(cronv3.SecondOptional | cronv3.Minute | cronv3.Hour | cronv3.Dom | cronv3.Month | cronv3.Dow | cronv3.Descriptor)

// ParseSchedule validates a cron expression. Descriptors such as
// "@hourly" and "@every 6h" are accepted.
func ParseSchedule(spec string) (cronv3.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, errors.New("empty schedule")
	}
	s, err := scheduleParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return s, nil
}

// PruneLocked prunes under the state directory's prune lock, so a CLI prune
// and a scheduled prune never overlap. It returns ErrLocked when another
// prune holds the lock.
func (s *Store) PruneLocked(ctx context.Context, stateDir string, policy RetentionPolicy, dryRun bool) (PruneResult, error) {
	lock, err := TryAcquireLock(stateDir, pruneLockName)
	if err != nil {
		return PruneResult{}, err
	}
	defer func() { _ = lock.Release() }()
	return s.PruneRuns(ctx, policy, dryRun)
}

// Janitor prunes old runs on a cron schedule.
type Janitor struct {
	store    *Store
	stateDir string
	policy   RetentionPolicy
	cron     *cronv3.Cron
	timeout  time.Duration

	mu      sync.Mutex
	lastRun PruneResult
}

// NewJanitor schedules PruneLocked with policy according to spec.
func NewJanitor(store *Store, stateDir string, policy RetentionPolicy, spec string) (*Janitor, error) {
	schedule, err := ParseSchedule(spec)
	if err != nil {
		return nil, err
	}
	j := &Janitor{
		store:    store,
		stateDir: stateDir,
		policy:   policy,
		cron:     cronv3.New(cronv3.WithParser(scheduleParser)),
		timeout:  time.Minute,
	}
	j.cron.Schedule(schedule, cronv3.FuncJob(j.RunOnce))
	return j, nil
}

// Start begins the schedule.
func (j *Janitor) Start() {
	j.cron.Start()
	log.Info().Int("keep_last", j.policy.KeepLast).Int("keep_days", j.policy.KeepDays).Msg("retention janitor started")
}

// Stop halts the schedule and waits for a running prune to finish or ctx to end.
func (j *Janitor) Stop(ctx context.Context) error {
	done := j.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs one prune. A prune already holding the lock is skipped.
func (j *Janitor) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	res, err := j.store.PruneLocked(ctx, j.stateDir, j.policy, false)
	switch {
	case errors.Is(err, ErrLocked):
		log.Debug().Msg("prune already running, skipping")
		return
	case err != nil:
		log.Error().Err(err).Msg("scheduled prune failed")
		return
	}
	j.mu.Lock()
	j.lastRun = res
	j.mu.Unlock()
	log.Info().Int("deleted", res.Deleted).Int("kept", res.Kept).Msg("scheduled prune finished")
}

// Last returns the result of the most recent successful prune.
func (j *Janitor) Last() PruneResult {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastRun
}
