// Package plan defines agent plans and the parse-then-validate boundary that
// turns untrusted planner output into typed steps.
package plan

import (
	"strings"

	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/risk"
)

// TokenKindExplicit is the only accepted confirmation token kind.
const TokenKindExplicit = "explicit"

// Step is one tool invocation requested by the planner.
type Step struct {
	ID                   string         `json:"id,omitempty"                yaml:"id,omitempty"`
	Tool                 string         `json:"tool"                        yaml:"tool"`
	Input                map[string]any `json:"input,omitempty"             yaml:"input,omitempty"`
	RiskLevel            risk.Level     `json:"risk_level,omitempty"        yaml:"risk_level,omitempty"`
	RequiresConfirmation bool           `json:"requires_confirmation"       yaml:"requires_confirmation"`
	ConfirmationScope    string         `json:"confirmationScope,omitempty" yaml:"confirmationScope,omitempty"`
	VerificationPlan     []Step         `json:"verification_plan,omitempty" yaml:"verification_plan,omitempty"`
	Description          string         `json:"description,omitempty"       yaml:"description,omitempty"`
}

// NeedsConfirmation reports whether the planner declared the step as needing approval.
func (s Step) NeedsConfirmation() bool {
	return s.RequiresConfirmation || strings.TrimSpace(s.ConfirmationScope) != ""
}

// Plan is an ordered list of steps bound to a project root.
type Plan struct {
	Steps       []Step `json:"steps"               yaml:"steps"`
	ProjectRoot string `json:"projectRoot"         yaml:"projectRoot"`
	Reasoning   string `json:"reasoning,omitempty" yaml:"reasoning,omitempty"`
}

// ConfirmationToken is a caller's explicit approval for one scope.
type ConfirmationToken struct {
	Kind     string `json:"kind"`
	Approved bool   `json:"approved"`
	Scope    string `json:"scope"`
}

// Approve builds an explicit approval for scope.
func Approve(scope string) ConfirmationToken {
	return ConfirmationToken{Kind: TokenKindExplicit, Approved: true, Scope: scope}
}

// CloneInput deep-copies a step input so a tool cannot mutate the plan it came from.
func CloneInput(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return CloneInput(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), typed...)
	default:
		return v
	}
}

// Clone returns a deep copy of the plan.
func (p Plan) Clone() Plan {
	out := p
	out.Steps = cloneSteps(p.Steps)
	return out
}

func cloneSteps(steps []Step) []Step {
	if steps == nil {
		return nil
	}
	out := make([]Step, len(steps))
	for i, s := range steps {
		s.Input = CloneInput(s.Input)
		s.VerificationPlan = cloneSteps(s.VerificationPlan)
		out[i] = s
	}
	return out
}
