package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/plan"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/policy"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/risk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTool struct {
	name    string
	cat     policy.Category
	confirm bool
	calls   atomic.Int32
	run     func(ctx context.Context, input map[string]any, rc *RunContext, c Cap) Result
}

func (f *fakeTool) Name() string               { return f.name }
func (f *fakeTool) Category() policy.Category  { return f.cat }
func (f *fakeTool) RequiresConfirmation() bool { return f.confirm }

func (f *fakeTool) Run(ctx context.Context, input map[string]any, rc *RunContext, c Cap) Result {
	f.calls.Add(1)
	if err := c.Check(f.name); err != nil {
		return Fail(FailurePermissionDenied, err, "", nil)
	}
	if f.run != nil {
		return f.run(ctx, input, rc, c)
	}
	return OK("ok", map[string]any{"tool": f.name})
}

func newTool(name string, cat policy.Category) *fakeTool {
	return &fakeTool{name: name, cat: cat}
}

func newEngine(t *testing.T, cfg Config, tools ...Tool) *Engine {
	t.Helper()
	reg := NewRegistry()
	for _, tool := range tools {
		require.NoError(t, reg.Add(tool))
	}
	return New(reg, cfg)
}

func newPlan(root string, steps ...plan.Step) plan.Plan {
	for i := range steps {
		if steps[i].ID == "" {
			steps[i].ID = "s" + string(rune('1'+i))
		}
	}
	return plan.Plan{ProjectRoot: root, Steps: steps}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	require.NoError(t, reg.Add(newTool("a.read", policy.CategoryRead)))
	require.NoError(t, reg.Add(newTool("b.write", policy.CategorySafeWrite)))

	err := reg.Add(newTool("a.read", policy.CategoryRead))
	require.ErrorIs(t, err, ErrDuplicateTool)
	require.Error(t, reg.Add(newTool("c.bad", policy.Category("admin"))))

	assert.Equal(t, []string{"a.read", "b.write"}, reg.Names())

	ro := reg.ReadOnly()
	assert.Equal(t, []string{"a.read"}, ro.Names())
	assert.True(t, ro.Frozen())
	require.ErrorIs(t, ro.Add(newTool("x.read", policy.CategoryRead)), ErrRegistryFrozen)

	New(reg, Config{})
	assert.True(t, reg.Frozen())
	require.ErrorIs(t, reg.Add(newTool("late.read", policy.CategoryRead)), ErrRegistryFrozen)
}

func TestExecute_LicenseBlockBeforeToolRuns(t *testing.T) {
	t.Parallel()

	for _, tier := range []policy.Tier{policy.TierStarter, policy.TierCreator, policy.Tier("unknown")} {
		t.Run(string(tier), func(t *testing.T) {
			spy := newTool("spy.impact", policy.CategoryHighImpact)
			planner := newTool("spy.plan", policy.CategoryPlanning)
			e := newEngine(t, Config{}, spy, planner)

			for _, name := range []string{"spy.impact", "spy.plan"} {
				p := newPlan(t.TempDir(), plan.Step{Tool: name, ConfirmationScope: "x"})
				report := e.Execute(context.Background(), p, NewExecutionContext(tier, plan.Approve("x")))

				assert.False(t, report.OK)
				assert.Equal(t, HaltLicenseBlock, report.HaltedBecause)
				require.Len(t, report.Steps, 1)
				assert.Equal(t, StatusBlocked, report.Steps[0].Status)
				assert.Equal(t, FailurePermissionDenied, report.Steps[0].Result.FailureClass)
			}
			assert.Zero(t, spy.calls.Load())
			assert.Zero(t, planner.calls.Load())
		})
	}
}

func TestExecute_ConfirmationScopeMustMatchExactly(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	marker := filepath.Join(root, "marker")
	writer := newTool("spy.write", policy.CategorySafeWrite)
	writer.run = func(context.Context, map[string]any, *RunContext, Cap) Result {
		_ = os.WriteFile(marker, []byte("x"), 0o644)
		return OK("", nil)
	}
	e := newEngine(t, Config{}, writer)
	p := newPlan(root, plan.Step{Tool: "spy.write", ConfirmationScope: "delete-temp"})

	tokens := [][]plan.ConfirmationToken{
		nil,
		{plan.Approve("delete-temp ")},
		{plan.Approve("Delete-temp")},
		{plan.Approve("delete")},
		{{Kind: plan.TokenKindExplicit, Approved: false, Scope: "delete-temp"}},
	}
	for _, toks := range tokens {
		report := e.Execute(context.Background(), p, NewExecutionContext(policy.TierPro, toks...))
		assert.Equal(t, HaltConfirmationRequired, report.HaltedBecause)
		require.Len(t, report.Steps, 1)
		assert.Equal(t, HaltConfirmationRequired, report.Steps[0].Blocked)
	}
	assert.Zero(t, writer.calls.Load())
	assert.NoFileExists(t, marker)
}

func TestExecute_TwoStepConfirmationScenario(t *testing.T) {
	t.Parallel()

	reader := newTool("fake.read", policy.CategoryRead)
	remover := newTool("fake.remove", policy.CategoryHighImpact)
	e := newEngine(t, Config{}, reader, remover)
	p := newPlan(t.TempDir(),
		plan.Step{Tool: "fake.read"},
		plan.Step{Tool: "fake.remove", RequiresConfirmation: true, ConfirmationScope: "delete-temp"},
	)

	report := e.Execute(context.Background(), p, NewExecutionContext(policy.TierPro))
	assert.False(t, report.OK)
	assert.Equal(t, HaltConfirmationRequired, report.HaltedBecause)
	require.Len(t, report.Steps, 2)
	assert.True(t, report.Steps[0].Result.Success)
	assert.Equal(t, StatusBlocked, report.Steps[1].Status)
	assert.Zero(t, remover.calls.Load())

	report = e.Execute(context.Background(), p, NewExecutionContext(policy.TierPro, plan.Approve("delete-temp")))
	assert.True(t, report.OK)
	assert.Empty(t, report.HaltedBecause)
	assert.Equal(t, StateCompleted, report.State)
	require.Len(t, report.Steps, 2)
	assert.Equal(t, int32(1), remover.calls.Load())
}

func TestExecute_ForcesConfirmationForHighRisk(t *testing.T) {
	t.Parallel()

	term := newTool("terminal.run", policy.CategoryHighImpact)
	e := newEngine(t, Config{}, term)
	p := newPlan(t.TempDir(), plan.Step{
		Tool:      "terminal.run",
		Input:     map[string]any{"command": "rm -rf build"},
		RiskLevel: risk.Low,
	})

	report := e.Execute(context.Background(), p, NewExecutionContext(policy.TierEnterprise))

	assert.Equal(t, HaltConfirmationRequired, report.HaltedBecause)
	require.Len(t, report.Steps, 1)
	assert.Equal(t, risk.High, report.Steps[0].Audit.RiskLevel)
	assert.True(t, report.Steps[0].Audit.RequiresConfirmation)
	assert.Zero(t, term.calls.Load())
}

func TestExecute_TokenApprovesOneStep(t *testing.T) {
	t.Parallel()

	w := newTool("spy.write", policy.CategorySafeWrite)
	e := newEngine(t, Config{}, w)
	p := newPlan(t.TempDir(),
		plan.Step{Tool: "spy.write", ConfirmationScope: "same"},
		plan.Step{Tool: "spy.write", ConfirmationScope: "same"},
	)

	report := e.Execute(context.Background(), p, NewExecutionContext(policy.TierPro, plan.Approve("same")))
	assert.Equal(t, HaltConfirmationRequired, report.HaltedBecause)
	assert.Equal(t, int32(1), w.calls.Load())

	report = e.Execute(context.Background(), p, NewExecutionContext(policy.TierPro, plan.Approve("same"), plan.Approve("same")))
	assert.True(t, report.OK)
}

func TestExecute_ToolFailureHalts(t *testing.T) {
	t.Parallel()

	failing := newTool("spy.fail", policy.CategoryRead)
	failing.run = func(context.Context, map[string]any, *RunContext, Cap) Result {
		return Fail(FailureCommandError, errors.New("exit status 2"), "partial", nil)
	}
	ok := newTool("spy.ok", policy.CategoryRead)
	after := newTool("spy.after", policy.CategoryRead)
	e := newEngine(t, Config{}, failing, ok, after)

	report := e.Execute(context.Background(), newPlan(t.TempDir(),
		plan.Step{Tool: "spy.fail"},
		plan.Step{Tool: "spy.after"},
	), NewExecutionContext(policy.TierStarter))
	assert.Equal(t, HaltCommandError, report.HaltedBecause)
	assert.Equal(t, StateHalted, report.State)
	require.Len(t, report.Steps, 1)
	assert.Equal(t, "partial", report.Steps[0].Result.Output)

	report = e.Execute(context.Background(), newPlan(t.TempDir(),
		plan.Step{Tool: "spy.ok"},
		plan.Step{Tool: "spy.fail"},
		plan.Step{Tool: "spy.after"},
	), NewExecutionContext(policy.TierStarter))
	assert.Equal(t, HaltPartialExecution, report.HaltedBecause)
	require.Len(t, report.Steps, 2)
	assert.Equal(t, FailureCommandError, report.Steps[1].Result.FailureClass)
	assert.Zero(t, after.calls.Load())
}

func TestExecute_UnknownTool(t *testing.T) {
	t.Parallel()

	e := newEngine(t, Config{}, newTool("spy.ok", policy.CategoryRead))
	report := e.Execute(context.Background(), newPlan(t.TempDir(), plan.Step{Tool: "nope.tool"}), NewExecutionContext(policy.TierPro))

	assert.Equal(t, HaltUnknownTool, report.HaltedBecause)
	require.Len(t, report.Steps, 1)
	assert.Equal(t, FailureToolUnavailable, report.Steps[0].Result.FailureClass)
	assert.Equal(t, risk.High, report.Steps[0].Audit.RiskLevel)
}

func TestExecute_InvalidPlan(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	file := filepath.Join(root, "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	tool := newTool("spy.ok", policy.CategoryRead)
	e := newEngine(t, Config{MaxSteps: 2}, tool)

	plans := map[string]plan.Plan{
		"empty":        {ProjectRoot: root},
		"missing root": newPlan(filepath.Join(root, "missing"), plan.Step{Tool: "spy.ok"}),
		"root is file": newPlan(file, plan.Step{Tool: "spy.ok"}),
		"relative":     newPlan("rel", plan.Step{Tool: "spy.ok"}),
		"too long":     newPlan(root, plan.Step{Tool: "spy.ok"}, plan.Step{Tool: "spy.ok"}, plan.Step{Tool: "spy.ok"}),
	}
	for name, p := range plans {
		t.Run(name, func(t *testing.T) {
			report := e.Execute(context.Background(), p, NewExecutionContext(policy.TierPro))
			assert.False(t, report.OK)
			assert.Equal(t, HaltInvalidPlan, report.HaltedBecause)
			assert.Empty(t, report.Steps)
			assert.NotEmpty(t, report.Detail)
		})
	}
	assert.Zero(t, tool.calls.Load())
}

func TestExecute_SoftStopBetweenSteps(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	first := newTool("spy.first", policy.CategoryRead)
	first.run = func(context.Context, map[string]any, *RunContext, Cap) Result {
		close(started)
		<-release
		return OK("done", nil)
	}
	second := newTool("spy.second", policy.CategoryRead)
	e := newEngine(t, Config{}, first, second)
	ec := NewExecutionContext(policy.TierPro)

	done := make(chan Report, 1)
	go func() {
		done <- e.Execute(context.Background(), newPlan(t.TempDir(),
			plan.Step{Tool: "spy.first"},
			plan.Step{Tool: "spy.second"},
		), ec)
	}()

	<-started
	ec.RequestStop()
	close(release)

	report := <-done
	assert.Equal(t, HaltStopRequested, report.HaltedBecause)
	assert.Equal(t, StateCancelled, report.State)
	require.Len(t, report.Steps, 1)
	assert.True(t, report.Steps[0].Result.Success)
	assert.Zero(t, second.calls.Load())
}

func TestExecute_StepTimeout(t *testing.T) {
	t.Parallel()

	slow := newTool("spy.slow", policy.CategoryRead)
	slow.run = func(ctx context.Context, _ map[string]any, _ *RunContext, _ Cap) Result {
		<-ctx.Done()
		return Fail(FailureCommandError, ctx.Err(), "", nil)
	}
	e := newEngine(t, Config{StepTimeout: 20 * time.Millisecond}, slow)

	report := e.Execute(context.Background(), newPlan(t.TempDir(), plan.Step{Tool: "spy.slow"}), NewExecutionContext(policy.TierPro))
	assert.Equal(t, HaltTimeout, report.HaltedBecause)
	require.Len(t, report.Steps, 1)
	assert.Equal(t, FailureTimeout, report.Steps[0].Result.FailureClass)
}

func TestExecute_RecoversToolPanic(t *testing.T) {
	t.Parallel()

	bad := newTool("spy.panic", policy.CategoryRead)
	bad.run = func(context.Context, map[string]any, *RunContext, Cap) Result {
		panic("boom")
	}
	e := newEngine(t, Config{}, bad)

	report := e.Execute(context.Background(), newPlan(t.TempDir(), plan.Step{Tool: "spy.panic"}), NewExecutionContext(policy.TierPro))
	assert.Equal(t, HaltCommandError, report.HaltedBecause)
	require.Len(t, report.Steps, 1)
	assert.Contains(t, report.Steps[0].Result.Error, "boom")
}

func TestExecute_CapIsScopedToInvocation(t *testing.T) {
	t.Parallel()

	var kept Cap
	var otherErr error
	tool := newTool("spy.keep", policy.CategoryRead)
	tool.run = func(_ context.Context, _ map[string]any, _ *RunContext, c Cap) Result {
		kept = c
		otherErr = c.Check("fs.remove")
		return OK("", nil)
	}
	e := newEngine(t, Config{}, tool)

	report := e.Execute(context.Background(), newPlan(t.TempDir(), plan.Step{Tool: "spy.keep"}), NewExecutionContext(policy.TierPro))
	require.True(t, report.OK)

	assert.ErrorIs(t, otherErr, ErrInvalidCap)
	assert.False(t, IsEngineCap(kept))
	assert.ErrorIs(t, kept.Check("spy.keep"), ErrInvalidCap)
}

func TestExecute_Verification(t *testing.T) {
	t.Parallel()

	writer := newTool("spy.write", policy.CategorySafeWrite)
	check := newTool("spy.check", policy.CategoryRead)
	failing := newTool("spy.checkfail", policy.CategoryRead)
	failing.run = func(context.Context, map[string]any, *RunContext, Cap) Result {
		return Fail(FailureCommandError, errors.New("file missing"), "", nil)
	}
	e := newEngine(t, Config{}, writer, check, failing)
	root := t.TempDir()

	report := e.Execute(context.Background(), newPlan(root, plan.Step{
		Tool:             "spy.write",
		VerificationPlan: []plan.Step{{ID: "v1", Tool: "spy.check"}},
	}), NewExecutionContext(policy.TierPro))
	require.True(t, report.OK)
	require.Len(t, report.Steps[0].Verification, 1)
	assert.True(t, report.Steps[0].Verification[0].Result.Success)

	report = e.Execute(context.Background(), newPlan(root, plan.Step{
		Tool:             "spy.write",
		VerificationPlan: []plan.Step{{ID: "v1", Tool: "spy.checkfail"}},
	}), NewExecutionContext(policy.TierPro))
	assert.Equal(t, HaltVerificationFailed, report.HaltedBecause)

	before := writer.calls.Load()
	report = e.Execute(context.Background(), newPlan(root, plan.Step{
		Tool:             "spy.check",
		VerificationPlan: []plan.Step{{ID: "v1", Tool: "spy.write"}},
	}), NewExecutionContext(policy.TierPro))
	assert.Equal(t, HaltVerificationFailed, report.HaltedBecause)
	assert.Equal(t, before, writer.calls.Load(), "verification must not reach non-read tools")
}

func TestExecute_VerificationStepIDsDefaultFromParent(t *testing.T) {
	t.Parallel()

	writer := newTool("spy.write", policy.CategorySafeWrite)
	check := newTool("spy.check", policy.CategoryRead)
	check.run = func(_ context.Context, _ map[string]any, rc *RunContext, _ Cap) Result {
		rc.Chunk("stdout", "checked\n")
		return OK("checked\n", nil)
	}
	e := newEngine(t, Config{}, writer, check)

	var mu sync.Mutex
	var chunkIDs []string
	ec := NewExecutionContext(policy.TierPro)
	ec.Emit = func(ev Event) {
		if ev.Type != EventStreamChunk {
			return
		}
		mu.Lock()
		chunkIDs = append(chunkIDs, ev.StepID)
		mu.Unlock()
	}

	p := newPlan(t.TempDir(), plan.Step{
		ID:               "write",
		Tool:             "spy.write",
		VerificationPlan: []plan.Step{{Tool: "spy.check"}, {ID: "named", Tool: "spy.check"}},
	})
	report := e.Execute(context.Background(), p, ec)
	require.True(t, report.OK, report.Detail)
	require.Len(t, report.Steps[0].Verification, 2)
	assert.Equal(t, "write.verify-1", report.Steps[0].Verification[0].StepID)
	assert.Equal(t, "named", report.Steps[0].Verification[1].StepID)
	assert.Empty(t, p.Steps[0].VerificationPlan[0].ID, "plan must not be mutated")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"write.verify-1", "named"}, chunkIDs)
}

func TestExecute_EmitsLifecycleEvents(t *testing.T) {
	t.Parallel()

	talker := newTool("spy.talk", policy.CategoryRead)
	talker.run = func(_ context.Context, _ map[string]any, rc *RunContext, _ Cap) Result {
		rc.Chunk("stdout", "hello\n")
		return OK("hello\n", nil)
	}
	e := newEngine(t, Config{}, talker)

	var mu sync.Mutex
	var events []Event
	ec := NewExecutionContext(policy.TierPro)
	ec.RunID = "run-1"
	ec.Emit = func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}

	report := e.Execute(context.Background(), newPlan(t.TempDir(), plan.Step{Tool: "spy.talk"}), ec)
	require.True(t, report.OK)
	assert.Equal(t, "run-1", report.RunID)

	mu.Lock()
	defer mu.Unlock()
	var types []EventType
	for _, ev := range events {
		assert.Equal(t, "run-1", ev.RunID)
		types = append(types, ev.Type)
	}
	assert.Equal(t, []EventType{EventPlanRunStart, EventPlanStepStart, EventStreamChunk, EventStreamEnd, EventPlanRunEnd}, types)
	assert.Equal(t, "hello\n", events[2].Data)
	require.NotNil(t, events[4].Report)
	assert.True(t, events[4].Report.OK)
}

func TestExecute_ToolCannotMutatePlan(t *testing.T) {
	t.Parallel()

	mutator := newTool("spy.mutate", policy.CategoryRead)
	mutator.run = func(_ context.Context, input map[string]any, _ *RunContext, _ Cap) Result {
		input["path"] = "/etc/passwd"
		return OK("", nil)
	}
	e := newEngine(t, Config{}, mutator)
	p := newPlan(t.TempDir(), plan.Step{Tool: "spy.mutate", Input: map[string]any{"path": "a.txt"}})

	e.Execute(context.Background(), p, NewExecutionContext(policy.TierPro))
	assert.Equal(t, "a.txt", p.Steps[0].Input["path"])
}

func TestReport_JSONRoundTrip(t *testing.T) {
	t.Parallel()

	reader := newTool("fake.read", policy.CategoryRead)
	writer := newTool("fake.write", policy.CategorySafeWrite)
	e := newEngine(t, Config{}, reader, writer)
	p := newPlan(t.TempDir(),
		plan.Step{Tool: "fake.read", Input: map[string]any{"path": "a"}},
		plan.Step{
			Tool:              "fake.write",
			Input:             map[string]any{"path": "b", "api_token": "hunter2"},
			ConfirmationScope: "write-b",
			VerificationPlan:  []plan.Step{{ID: "v", Tool: "fake.read"}},
		},
		plan.Step{Tool: "fake.read"},
	)
	report := e.Execute(context.Background(), p, NewExecutionContext(policy.TierPro))
	require.Equal(t, HaltConfirmationRequired, report.HaltedBecause)

	data, err := json.Marshal(report)
	require.NoError(t, err)
	var decoded Report
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, report, decoded)
	require.Len(t, decoded.Steps, 2)
	assert.Equal(t, "s1", decoded.Steps[0].StepID)
	assert.Equal(t, "s2", decoded.Steps[1].StepID)
	assert.Equal(t, "[redacted]", decoded.Steps[1].Audit.Input["api_token"])
	assert.Equal(t, policy.CategorySafeWrite, decoded.Steps[1].Audit.Category)

	again, err := json.Marshal(decoded)
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(again))
}

func TestRedactString(t *testing.T) {
	t.Parallel()

	out := RedactString("GITHUB_TOKEN=abc123 git push https://user:pw@example.com/repo --password=hunter2")
	assert.NotContains(t, out, "abc123")
	assert.NotContains(t, out, "pw@")
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "git push")
}
