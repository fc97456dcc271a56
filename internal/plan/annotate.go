package plan

import (
	"fmt"
	"strings"

	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/risk"
)

// Annotate returns a copy of p with each step's risk raised to at least the
// classifier's rating. Steps rated high are marked as requiring confirmation,
// and any step needing confirmation without a scope gets one derived from its id.
// Declared ratings are never lowered.
func Annotate(p Plan) Plan {
	out := p.Clone()
	for i := range out.Steps {
		s := &out.Steps[i]
		declared := s.RiskLevel
		if declared == "" {
			declared = risk.Low
		}
		s.RiskLevel = risk.Max(risk.ParseLevel(string(declared)), risk.ClassifyStep(s.Tool, s.Input))
		if s.RiskLevel == risk.High {
			s.RequiresConfirmation = true
		}
		if s.RequiresConfirmation && strings.TrimSpace(s.ConfirmationScope) == "" {
			s.ConfirmationScope = fmt.Sprintf("%s:%s", s.ID, s.Tool)
		}
	}
	return out
}
