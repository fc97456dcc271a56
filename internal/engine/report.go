package engine

import (
	"time"

	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/policy"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/risk"
)

// HaltReason says why a run stopped before completing every step.
type HaltReason string

const (
	HaltInvalidPlan          HaltReason = "invalid_plan"
	HaltUnknownTool          HaltReason = "unknown_tool"
	HaltLicenseBlock         HaltReason = "license_block"
	HaltConfirmationRequired HaltReason = "confirmation_required"
	HaltVerificationFailed   HaltReason = "verification_failed"
	HaltStopRequested        HaltReason = "stop_requested"
	HaltPermissionDenied     HaltReason = HaltReason(FailurePermissionDenied)
	HaltToolUnavailable      HaltReason = HaltReason(FailureToolUnavailable)
	HaltCommandError         HaltReason = HaltReason(FailureCommandError)
	HaltTimeout              HaltReason = HaltReason(FailureTimeout)
	HaltPartialExecution     HaltReason = HaltReason(FailurePartialExecution)
)

// State is the lifecycle state of a run.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateHalted    State = "halted"
	StateCancelled State = "cancelled"
)

// Step statuses.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusBlocked   = "blocked"
)

// Audit is the redacted record of what a step asked for.
type Audit struct {
	Tool                 string          `json:"tool"`
	Input                map[string]any  `json:"input"`
	RiskLevel            risk.Level      `json:"riskLevel"`
	RequiresConfirmation bool            `json:"requiresConfirmation"`
	Category             policy.Category `json:"category,omitempty"`
}

// Verification is the result of one verification sub-step.
type Verification struct {
	StepID    string    `json:"stepId"`
	Tool      string    `json:"tool"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`
	Result    Result    `json:"result"`
}

// StepRecord is the report entry for one processed step.
type StepRecord struct {
	StepID       string         `json:"stepId"`
	Index        int            `json:"index"`
	Status       string         `json:"status"`
	Blocked      HaltReason     `json:"blocked,omitempty"`
	StartedAt    time.Time      `json:"startedAt"`
	EndedAt      time.Time      `json:"endedAt"`
	Result       Result         `json:"result"`
	Audit        Audit          `json:"audit"`
	Verification []Verification `json:"verification,omitempty"`
}

// Report is the immutable outcome of one plan run. When OK is false the
// halting step, if any, is the last entry in Steps.
type Report struct {
	RunID         string       `json:"runId"`
	OK            bool         `json:"ok"`
	State         State        `json:"state"`
	HaltedBecause HaltReason   `json:"haltedBecause,omitempty"`
	Detail        string       `json:"detail,omitempty"`
	ProjectRoot   string       `json:"projectRoot"`
	License       policy.Tier  `json:"license,omitempty"`
	StartedAt     time.Time    `json:"startedAt"`
	EndedAt       time.Time    `json:"endedAt"`
	Steps         []StepRecord `json:"steps"`
}

// Succeeded counts steps whose tool returned success.
func (r Report) Succeeded() int {
	n := 0
	for _, s := range r.Steps {
		if s.Result.Success {
			n++
		}
	}
	return n
}

// EventType names a lifecycle or stream event.
type EventType string

const (
	EventPlanRunStart  EventType = "plan_run_start"
	EventPlanStepStart EventType = "plan_step_start"
	EventStreamChunk   EventType = "stream_chunk"
	EventStreamEnd     EventType = "stream_end"
	EventPlanRunEnd    EventType = "plan_run_end"
)

// Lifecycle reports whether the event must never be dropped by a transport.
func (t EventType) Lifecycle() bool {
	return t != EventStreamChunk
}

// Event is pushed to the run's emitter as the run progresses.
type Event struct {
	Type   EventType `json:"type"`
	RunID  string    `json:"runId"`
	StepID string    `json:"stepId,omitempty"`
	Index  int       `json:"index,omitempty"`
	Tool   string    `json:"tool,omitempty"`
	Stream string    `json:"stream,omitempty"`
	Data   string    `json:"data,omitempty"`
	Steps  int       `json:"steps,omitempty"`
	Result *Result   `json:"result,omitempty"`
	Report *Report   `json:"report,omitempty"`
}
