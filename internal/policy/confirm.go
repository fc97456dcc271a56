package policy

import (
	"strings"

	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/plan"
)

// Decision is the outcome of a confirmation check.
type Decision struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

func deny(reason string) Decision { return Decision{Reason: reason} }

// Confirm decides whether a step that may need approval can proceed with token.
// forced marks steps that need approval regardless of what the planner declared.
//
// Scopes match exactly. A step that needs approval but declares no scope can
// never be approved.
func Confirm(step plan.Step, token *plan.ConfirmationToken, forced bool) Decision {
	if !forced && !step.NeedsConfirmation() {
		return Decision{OK: true}
	}
	scope := step.ConfirmationScope
	if strings.TrimSpace(scope) == "" {
		return deny("step requires confirmation but declares no confirmation scope")
	}
	if token == nil {
		return deny("no confirmation token supplied")
	}
	if token.Kind != plan.TokenKindExplicit {
		return deny("confirmation token kind must be explicit")
	}
	if token.Scope != scope {
		return deny("confirmation scope does not match")
	}
	if !token.Approved {
		return deny("confirmation not approved")
	}
	return Decision{OK: true}
}
