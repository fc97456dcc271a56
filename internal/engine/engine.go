// Package engine runs agent plans. It is the only code that can mint the
// capability tools require, so every tool invocation passes through its
// license, confirmation and audit checks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/plan"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/policy"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/risk"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultMaxSteps    = 64
	DefaultRunTimeout  = 30 * time.Minute
	DefaultStepTimeout = 5 * time.Minute
)

// Config holds engine limits and the license policy.
type Config struct {
	MaxSteps    int
	RunTimeout  time.Duration
	StepTimeout time.Duration
	License     policy.License
}

// ExecutionContext is the per-run state handed to Execute. A context must
// not be shared between runs.
type ExecutionContext struct {
	RunID       string
	ProjectRoot string
	License     policy.Tier
	// Tokens are the caller's approvals. Each token approves at most one step.
	Tokens []plan.ConfirmationToken
	Emit   func(Event)

	stop atomic.Bool
}

// NewExecutionContext builds a context for one run.
func NewExecutionContext(tier policy.Tier, tokens ...plan.ConfirmationToken) *ExecutionContext {
	return &ExecutionContext{License: tier, Tokens: tokens}
}

// RequestStop asks the run to halt before its next step. Safe to call from any goroutine.
func (ec *ExecutionContext) RequestStop() {
	ec.stop.Store(true)
}

// StopRequested reports whether RequestStop was called.
func (ec *ExecutionContext) StopRequested() bool {
	return ec.stop.Load()
}

func (ec *ExecutionContext) emit(ev Event) {
	if ec.Emit != nil {
		ev.RunID = ec.RunID
		ec.Emit(ev)
	}
}

// Engine executes plans against a frozen registry. It keeps no per-run state,
// so one Engine serves concurrent runs.
type Engine struct {
	registry *Registry
	readOnly *Registry
	cfg      Config
	log      zerolog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// New creates an engine and freezes reg.
func New(reg *Registry, cfg Config) *Engine {
	reg.Freeze()
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultRunTimeout
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	if cfg.License == (policy.License{}) {
		cfg.License = policy.DefaultLicense()
	}
	return &Engine{
		registry: reg,
		readOnly: reg.ReadOnly(),
		cfg:      cfg,
		log:      log.With().Str("component", "engine").Logger(),
		tracer:   otel.Tracer("github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/engine"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Registry returns the engine's frozen registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Execute runs p step by step and returns its report. Steps run strictly in
// order; the first policy violation or tool failure halts the run.
func (e *Engine) Execute(ctx context.Context, p plan.Plan, ec *ExecutionContext) Report {
	if ec == nil {
		ec = &ExecutionContext{}
	}
	if ec.RunID == "" {
		ec.RunID = uuid.NewString()
	}
	root := ec.ProjectRoot
	if root == "" {
		root = p.ProjectRoot
	}

	ctx, span := e.tracer.Start(ctx, "engine.execute", trace.WithAttributes(
		attribute.String("run.id", ec.RunID),
		attribute.Int("plan.steps", len(p.Steps)),
		attribute.String("license.tier", string(ec.License)),
	))
	defer span.End()

	logger := e.log.With().Str("run_id", ec.RunID).Logger()
	report := Report{
		RunID:       ec.RunID,
		State:       StateIdle,
		ProjectRoot: root,
		License:     ec.License,
		StartedAt:   e.now(),
		Steps:       []StepRecord{},
	}
	ec.emit(Event{Type: EventPlanRunStart, Steps: len(p.Steps)})

	finish := func() Report {
		report.EndedAt = e.now()
		report.OK = report.State == StateCompleted
		if report.OK {
			span.SetStatus(codes.Ok, "")
		} else {
			span.SetStatus(codes.Error, string(report.HaltedBecause))
		}
		span.SetAttributes(attribute.String("run.state", string(report.State)))
		final := report
		ec.emit(Event{Type: EventPlanRunEnd, Report: &final})
		logger.Info().
			Str("state", string(report.State)).
			Str("halted_because", string(report.HaltedBecause)).
			Int("steps", len(report.Steps)).
			Msg("plan run finished")
		return report
	}

	if err := e.validate(p, ec, root); err != nil {
		report.State = StateHalted
		report.HaltedBecause = HaltInvalidPlan
		report.Detail = err.Error()
		return finish()
	}

	report.State = StateRunning
	runCtx, cancel := context.WithTimeout(ctx, e.cfg.RunTimeout)
	defer cancel()

	used := make([]bool, len(ec.Tokens))
	for i, step := range p.Steps {
		if ec.StopRequested() {
			report.State = StateCancelled
			report.HaltedBecause = HaltStopRequested
			break
		}
		if err := runCtx.Err(); err != nil {
			report.State = e.interruptedState(ctx)
			report.HaltedBecause = HaltTimeout
			report.Detail = interruptDetail(ctx)
			break
		}

		rec, halt, detail := e.runStep(runCtx, i, step, ec, root, used)
		priorSuccess := report.Succeeded() > 0
		report.Steps = append(report.Steps, rec)
		if halt == "" {
			continue
		}
		report.State = StateHalted
		report.HaltedBecause = halt
		report.Detail = detail
		if rec.Status == StatusFailed && halt != HaltVerificationFailed {
			if halt == HaltTimeout && ctx.Err() != nil {
				report.State = StateCancelled
			}
			if priorSuccess {
				report.HaltedBecause = HaltPartialExecution
			}
		}
		break
	}
	if report.State == StateRunning {
		report.State = StateCompleted
	}
	return finish()
}

func (e *Engine) interruptedState(parent context.Context) State {
	if parent.Err() != nil {
		return StateCancelled
	}
	return StateHalted
}

func interruptDetail(parent context.Context) string {
	if parent.Err() != nil {
		return "run cancelled"
	}
	return "run deadline exceeded"
}

func (e *Engine) validate(p plan.Plan, ec *ExecutionContext, root string) error {
	if err := plan.Validate(p, e.cfg.MaxSteps); err != nil {
		return err
	}
	if ec.ProjectRoot != "" && p.ProjectRoot != "" && filepath.Clean(ec.ProjectRoot) != filepath.Clean(p.ProjectRoot) {
		return fmt.Errorf("%w: plan project root %q does not match execution context %q", plan.ErrInvalidPlan, p.ProjectRoot, ec.ProjectRoot)
	}
	if !filepath.IsAbs(root) {
		return fmt.Errorf("%w: projectRoot must be absolute", plan.ErrInvalidPlan)
	}
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("%w: projectRoot: %v", plan.ErrInvalidPlan, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: projectRoot is not a directory", plan.ErrInvalidPlan)
	}
	return nil
}

// assess rates a step. Declared ratings are only ever raised.
func assess(step plan.Step, tool Tool) risk.Level {
	level := risk.Low
	if step.RiskLevel != "" {
		level = risk.ParseLevel(string(step.RiskLevel))
	}
	switch {
	case risk.KnownTool(step.Tool):
		return risk.Max(level, risk.ClassifyStep(step.Tool, step.Input))
	case tool != nil:
		return risk.Max(level, categoryLevel(tool.Category()))
	default:
		return risk.High
	}
}

func categoryLevel(c policy.Category) risk.Level {
	switch c {
	case policy.CategoryRead, policy.CategoryPlanning:
		return risk.Low
	case policy.CategorySafeWrite:
		return risk.Medium
	default:
		return risk.High
	}
}

func (e *Engine) runStep(ctx context.Context, idx int, step plan.Step, ec *ExecutionContext, root string, used []bool) (StepRecord, HaltReason, string) {
	stepID := step.ID
	if stepID == "" {
		stepID = fmt.Sprintf("step-%d", idx+1)
	}
	ctx, span := e.tracer.Start(ctx, "engine.step", trace.WithAttributes(
		attribute.String("step.id", stepID),
		attribute.Int("step.index", idx),
		attribute.String("tool.name", step.Tool),
	))
	defer span.End()

	ec.emit(Event{Type: EventPlanStepStart, StepID: stepID, Index: idx, Tool: step.Tool})

	tool, found := e.registry.Get(step.Tool)
	level := assess(step, tool)
	forced := level == risk.High || (found && tool.RequiresConfirmation())
	rec := StepRecord{
		StepID:    stepID,
		Index:     idx,
		StartedAt: e.now(),
		Audit: Audit{
			Tool:                 step.Tool,
			Input:                RedactInput(step.Input),
			RiskLevel:            level,
			RequiresConfirmation: forced || step.NeedsConfirmation(),
		},
	}
	span.SetAttributes(attribute.String("risk.level", string(level)))

	block := func(reason HaltReason, class FailureClass, err error) (StepRecord, HaltReason, string) {
		rec.Status = StatusBlocked
		rec.Blocked = reason
		rec.Result = Fail(class, err, "", nil)
		rec.EndedAt = e.now()
		span.SetStatus(codes.Error, string(reason))
		ec.emit(Event{Type: EventStreamEnd, StepID: stepID, Index: idx, Tool: step.Tool, Result: &rec.Result})
		e.log.Warn().Str("run_id", ec.RunID).Str("step_id", stepID).Str("tool", step.Tool).Str("reason", string(reason)).Msg("step blocked")
		return rec, reason, err.Error()
	}

	if !found {
		return block(HaltUnknownTool, FailureToolUnavailable, fmt.Errorf("unknown tool %q", step.Tool))
	}
	rec.Audit.Category = tool.Category()
	if !e.cfg.License.IsAllowed(ec.License, tool.Category()) {
		return block(HaltLicenseBlock, FailurePermissionDenied, fmt.Errorf(
			"license tier %q may not run %s tools (requires %s)", ec.License, tool.Category(), e.cfg.License.Minimum(tool.Category())))
	}
	tokenIdx := pickToken(ec.Tokens, used, step.ConfirmationScope)
	var token *plan.ConfirmationToken
	if tokenIdx >= 0 {
		token = &ec.Tokens[tokenIdx]
	}
	if d := policy.Confirm(step, token, forced); !d.OK {
		return block(HaltConfirmationRequired, FailurePermissionDenied, errors.New(d.Reason))
	}
	if tokenIdx >= 0 && rec.Audit.RequiresConfirmation {
		used[tokenIdx] = true
	}

	rec.Result = e.invoke(ctx, tool, step.Input, ec, root, stepID)
	if !rec.Result.Success {
		rec.Status = StatusFailed
		rec.EndedAt = e.now()
		span.SetStatus(codes.Error, string(rec.Result.FailureClass))
		ec.emit(Event{Type: EventStreamEnd, StepID: stepID, Index: idx, Tool: step.Tool, Result: &rec.Result})
		return rec, HaltReason(rec.Result.FailureClass), rec.Result.Error
	}

	for j, v := range step.VerificationPlan {
		if v.ID == "" {
			v.ID = fmt.Sprintf("%s.verify-%d", stepID, j+1)
		}
		vr := e.verify(ctx, v, ec, root)
		rec.Verification = append(rec.Verification, vr)
		if !vr.Result.Success {
			rec.Status = StatusFailed
			rec.EndedAt = e.now()
			span.SetStatus(codes.Error, string(HaltVerificationFailed))
			ec.emit(Event{Type: EventStreamEnd, StepID: stepID, Index: idx, Tool: step.Tool, Result: &rec.Result})
			return rec, HaltVerificationFailed, fmt.Sprintf("verification %s: %s", vr.StepID, vr.Result.Error)
		}
	}

	rec.Status = StatusSucceeded
	rec.EndedAt = e.now()
	ec.emit(Event{Type: EventStreamEnd, StepID: stepID, Index: idx, Tool: step.Tool, Result: &rec.Result})
	return rec, "", ""
}

// pickToken finds an unused token whose scope matches exactly. When none
// matches, the first unused token is returned so the denial names the mismatch.
func pickToken(tokens []plan.ConfirmationToken, used []bool, scope string) int {
	fallback := -1
	for i, t := range tokens {
		if used[i] {
			continue
		}
		if scope != "" && t.Scope == scope {
			return i
		}
		if fallback < 0 {
			fallback = i
		}
	}
	return fallback
}

func (e *Engine) verify(ctx context.Context, v plan.Step, ec *ExecutionContext, root string) Verification {
	out := Verification{StepID: v.ID, Tool: v.Tool, StartedAt: e.now()}
	tool, ok := e.readOnly.Get(v.Tool)
	if !ok {
		out.Result = Fail(FailurePermissionDenied, fmt.Errorf("verification tool %q is not a registered read tool", v.Tool), "", nil)
	} else {
		out.Result = e.invoke(ctx, tool, v.Input, ec, root, v.ID)
	}
	out.EndedAt = e.now()
	return out
}

// invoke mints a capability for one call, runs the tool and revokes the
// capability when it returns. Panics become command errors.
func (e *Engine) invoke(ctx context.Context, tool Tool, input map[string]any, ec *ExecutionContext, root, stepID string) (res Result) {
	stepCtx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
	defer cancel()

	c := mint(tool.Name())
	defer c.revoke()

	rc := &RunContext{
		RunID:       ec.RunID,
		StepID:      stepID,
		ProjectRoot: root,
		Timeout:     e.cfg.StepTimeout,
		stop:        &ec.stop,
		chunk: func(stream, data string) {
			ec.emit(Event{Type: EventStreamChunk, StepID: stepID, Tool: tool.Name(), Stream: stream, Data: data})
		},
	}

	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Str("tool", tool.Name()).Interface("panic", r).Msg("tool panicked")
			res = Fail(FailureCommandError, fmt.Errorf("tool %s panicked: %v", tool.Name(), r), "", nil)
		}
	}()

	res = normalize(tool.Run(stepCtx, plan.CloneInput(input), rc, c))
	if !res.Success && res.FailureClass != FailureTimeout && errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
		res.FailureClass = FailureTimeout
	}
	return res
}

func normalize(r Result) Result {
	if r.Success {
		r.Error = ""
		r.FailureClass = ""
		return r
	}
	if r.FailureClass == "" {
		r.FailureClass = FailureCommandError
	}
	if r.Error == "" {
		r.Error = "tool failed"
	}
	return r
}
