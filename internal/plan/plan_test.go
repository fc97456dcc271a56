package plan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/risk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoStepPlan = `{
  "projectRoot": "/tmp/project",
  "reasoning": "clean temp files",
  "steps": [
    {"tool": "fs.exists", "input": {"path": "tmp"}, "risk_level": "low"},
    {"id": "rm-temp", "tool": "fs.remove", "input": {"path": "tmp", "recursive": true},
     "risk_level": "high", "requires_confirmation": true, "confirmationScope": "delete-temp",
     "verification_plan": [{"tool": "fs.exists", "input": {"path": "tmp"}}]}
  ]
}`

func TestParse_AssignsIDs(t *testing.T) {
	t.Parallel()

	p, err := Parse([]byte(twoStepPlan))
	require.NoError(t, err)
	require.Len(t, p.Steps, 2)

	assert.Equal(t, "step-1", p.Steps[0].ID)
	assert.Equal(t, "rm-temp", p.Steps[1].ID)
	assert.Equal(t, "rm-temp.verify-1", p.Steps[1].VerificationPlan[0].ID)
	assert.Equal(t, risk.High, p.Steps[1].RiskLevel)
	assert.Equal(t, "delete-temp", p.Steps[1].ConfirmationScope)
	assert.Equal(t, "/tmp/project", p.ProjectRoot)
}

func TestParse_RejectsUnknownShapes(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"unknown top-level field": `{"projectRoot":"/p","steps":[{"tool":"fs.read"}],"sudo":true}`,
		"unknown step field":      `{"projectRoot":"/p","steps":[{"tool":"fs.read","run_as":"root"}]}`,
		"empty steps":             `{"projectRoot":"/p","steps":[]}`,
		"missing project root":    `{"steps":[{"tool":"fs.read"}]}`,
		"bad risk level":          `{"projectRoot":"/p","steps":[{"tool":"fs.read","risk_level":"none"}]}`,
		"input not object":        `{"projectRoot":"/p","steps":[{"tool":"fs.read","input":"rm -rf /"}]}`,
		"malformed tool name":     `{"projectRoot":"/p","steps":[{"tool":"rm -rf"}]}`,
		"nested verification":     `{"projectRoot":"/p","steps":[{"tool":"fs.write","verification_plan":[{"tool":"fs.read","verification_plan":[]}]}]}`,
		"trailing data":           `{"projectRoot":"/p","steps":[{"tool":"fs.read"}]} {}`,
		"duplicate ids":           `{"projectRoot":"/p","steps":[{"id":"a","tool":"fs.read"},{"id":"a","tool":"fs.read"}]}`,
		"not json":                `steps: []`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidPlan)
		})
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()

	doc := `
projectRoot: /srv/app
steps:
  - tool: git.status
  - tool: terminal.run
    input:
      command: go test ./...
`
	p, err := ParseYAML([]byte(doc))
	require.NoError(t, err)
	require.Len(t, p.Steps, 2)
	assert.Equal(t, "go test ./...", p.Steps[1].Input["command"])
}

func TestParseFile_ByExtension(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "plan.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("projectRoot: /p\nsteps:\n  - tool: fs.list\n"), 0o644))
	jsonPath := filepath.Join(dir, "plan.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"projectRoot":"/p","steps":[{"tool":"fs.list"}]}`), 0o644))

	fromYAML, err := ParseFile(yamlPath)
	require.NoError(t, err)
	fromJSON, err := ParseFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, fromJSON, fromYAML)
}

func TestParseStep(t *testing.T) {
	t.Parallel()

	p, err := ParseStep([]byte(`{"tool":"terminal.run","input":{"command":"ls"}}`), "/work")
	require.NoError(t, err)
	require.Len(t, p.Steps, 1)
	assert.Equal(t, "/work", p.ProjectRoot)
	assert.Equal(t, "step-1", p.Steps[0].ID)
}

func TestValidate_MaxSteps(t *testing.T) {
	t.Parallel()

	p := Plan{ProjectRoot: "/p"}
	for i := 0; i < 3; i++ {
		p.Steps = append(p.Steps, Step{Tool: "fs.read"})
	}
	require.NoError(t, Validate(p, 3))
	err := Validate(p, 2)
	require.ErrorIs(t, err, ErrInvalidPlan)
	assert.Contains(t, err.Error(), "limit is 2")
}

func TestAnnotate_NeverLowersRisk(t *testing.T) {
	t.Parallel()

	p := Plan{ProjectRoot: "/p", Steps: []Step{
		{ID: "a", Tool: "terminal.run", Input: map[string]any{"command": "rm -rf build"}, RiskLevel: risk.Low},
		{ID: "b", Tool: "fs.read", Input: map[string]any{"path": "x"}, RiskLevel: risk.Medium},
		{ID: "c", Tool: "fs.list"},
	}}

	out := Annotate(p)

	assert.Equal(t, risk.High, out.Steps[0].RiskLevel)
	assert.True(t, out.Steps[0].RequiresConfirmation)
	assert.Equal(t, "a:terminal.run", out.Steps[0].ConfirmationScope)
	assert.Equal(t, risk.Medium, out.Steps[1].RiskLevel)
	assert.Equal(t, risk.Low, out.Steps[2].RiskLevel)
	assert.False(t, out.Steps[2].RequiresConfirmation)

	assert.Equal(t, risk.Low, p.Steps[0].RiskLevel, "input plan must not be mutated")
}

func TestCloneInput_IsDeep(t *testing.T) {
	t.Parallel()

	in := map[string]any{"paths": []any{"a", "b"}, "opts": map[string]any{"force": false}}
	out := CloneInput(in)
	out["paths"].([]any)[0] = "z"
	out["opts"].(map[string]any)["force"] = true

	assert.Equal(t, "a", in["paths"].([]any)[0])
	assert.Equal(t, false, in["opts"].(map[string]any)["force"])
}
