package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/audit"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/engine"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/plan"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/policy"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/stream"
	"github.com/go-chi/chi/v5"
)

const (
	defaultRunsLimit = 50
	maxRunsLimit     = 1000
)

type runRequest struct {
	Plan               json.RawMessage          `json:"plan"`
	ConfirmationToken  *plan.ConfirmationToken  `json:"confirmationToken,omitempty"`
	ConfirmationTokens []plan.ConfirmationToken `json:"confirmationTokens,omitempty"`
}

type stepRequest struct {
	ProjectRoot        string                   `json:"projectRoot"`
	Step               json.RawMessage          `json:"step"`
	ConfirmationToken  *plan.ConfirmationToken  `json:"confirmationToken,omitempty"`
	ConfirmationTokens []plan.ConfirmationToken `json:"confirmationTokens,omitempty"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type toolInfo struct {
	Name                 string          `json:"name"`
	Category             policy.Category `json:"category"`
	RequiresConfirmation bool            `json:"requiresConfirmation"`
}

func collectTokens(one *plan.ConfirmationToken, many []plan.ConfirmationToken) []plan.ConfirmationToken {
	out := make([]plan.ConfirmationToken, 0, len(many)+1)
	if one != nil {
		out = append(out, *one)
	}
	return append(out, many...)
}

// readPlan decodes a run request and confines its project root. It writes
// the error response itself and reports false on failure.
func (s *Server) readPlan(w http.ResponseWriter, r *http.Request) (plan.Plan, []plan.ConfirmationToken, bool) {
	var req runRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", err.Error())
		return plan.Plan{}, nil, false
	}
	if len(req.Plan) == 0 || string(req.Plan) == "null" {
		writeErr(w, http.StatusBadRequest, "invalid_plan", "plan is required")
		return plan.Plan{}, nil, false
	}
	p, err := plan.Parse(req.Plan)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_plan", err.Error())
		return plan.Plan{}, nil, false
	}
	if !s.confine(w, p.ProjectRoot) {
		return plan.Plan{}, nil, false
	}
	return p, collectTokens(req.ConfirmationToken, req.ConfirmationTokens), true
}

func (s *Server) confine(w http.ResponseWriter, root string) bool {
	if err := s.opts.AllowedRoots.Check(root); err != nil {
		s.log.Warn().Err(err).Str("project_root", root).Msg("plan rejected")
		writeErr(w, http.StatusForbidden, "root_not_allowed", err.Error())
		return false
	}
	return true
}

func (s *Server) listTools(w http.ResponseWriter, _ *http.Request) {
	reg := s.deps.Engine.Registry()
	out := make([]toolInfo, 0, len(reg.Names()))
	for _, name := range reg.Names() {
		t, _ := reg.Get(name)
		out = append(out, toolInfo{Name: name, Category: t.Category(), RequiresConfirmation: t.RequiresConfirmation()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": out})
}

func (s *Server) getLicense(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"tier": s.deps.License.Tier(r.Context())}
	if v, ok := s.deps.License.Cached(); ok {
		resp["verification"] = v
	}
	writeJSON(w, http.StatusOK, resp)
}

// agentPlan validates a planner's plan and returns it with risk annotations,
// without executing anything.
func (s *Server) agentPlan(w http.ResponseWriter, r *http.Request) {
	p, _, ok := s.readPlan(w, r)
	if !ok {
		return
	}
	if err := plan.Validate(p, s.deps.Engine.Config().MaxSteps); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_plan", err.Error())
		return
	}
	annotated := plan.Annotate(p)
	confirm := 0
	for _, step := range annotated.Steps {
		if step.NeedsConfirmation() {
			confirm++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"plan": annotated, "confirmationsRequired": confirm})
}

func (s *Server) executePlan(w http.ResponseWriter, r *http.Request) {
	p, tokens, ok := s.readPlan(w, r)
	if !ok {
		return
	}
	run, done, err := s.start(r.Context(), s.deps.Engine, p, tokens)
	if err != nil {
		writeErr(w, http.StatusConflict, "run_conflict", err.Error())
		return
	}
	go func() {
		for range run.Events() {
		}
	}()
	stop := context.AfterFunc(r.Context(), func() { run.Cancel(stream.ReasonSoft) })
	defer stop()
	w.Header().Set("X-Run-Id", run.ID())
	writeJSON(w, http.StatusOK, <-done)
}

func (s *Server) executePlanStream(w http.ResponseWriter, r *http.Request) {
	p, tokens, ok := s.readPlan(w, r)
	if !ok {
		return
	}
	s.streamRun(w, r, s.deps.Engine, p, tokens)
}

func (s *Server) doctorPlan(w http.ResponseWriter, r *http.Request) {
	p, tokens, ok := s.readPlan(w, r)
	if !ok {
		return
	}
	s.streamRun(w, r, s.deps.Doctor, p, tokens)
}

func (s *Server) executeStepStream(w http.ResponseWriter, r *http.Request) {
	var req stepRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if len(req.Step) == 0 || string(req.Step) == "null" {
		writeErr(w, http.StatusBadRequest, "invalid_plan", "step is required")
		return
	}
	if !s.confine(w, req.ProjectRoot) {
		return
	}
	p, err := plan.ParseStep(req.Step, req.ProjectRoot)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_plan", err.Error())
		return
	}
	s.streamRun(w, r, s.deps.Engine, p, collectTokens(req.ConfirmationToken, req.ConfirmationTokens))
}

// streamRun executes p and forwards its events as server-sent events. A
// client that goes away detaches, which soft-stops the run; the run still
// finishes its current step and is persisted.
func (s *Server) streamRun(w http.ResponseWriter, r *http.Request, eng *engine.Engine, p plan.Plan, tokens []plan.ConfirmationToken) {
	sse, err := stream.NewSSEWriter(w)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "stream_not_supported", err.Error())
		return
	}
	run, _, err := s.start(r.Context(), eng, p, tokens)
	if err != nil {
		writeErr(w, http.StatusConflict, "run_conflict", err.Error())
		return
	}
	w.Header().Set("X-Run-Id", run.ID())
	w.WriteHeader(http.StatusOK)
	if err := stream.Pump(r.Context(), run, sse); err != nil {
		s.log.Debug().Err(err).Str("run_id", run.ID()).Msg("stream ended early")
	}
}

// start opens a run in the hub and executes it in the background. The
// returned channel yields the report after it has been persisted.
func (s *Server) start(ctx context.Context, eng *engine.Engine, p plan.Plan, tokens []plan.ConfirmationToken) (*stream.Run, <-chan engine.Report, error) {
	tier := s.deps.License.Tier(ctx)
	ec := engine.NewExecutionContext(tier, tokens...)
	ec.ProjectRoot = p.ProjectRoot
	run, err := s.deps.Hub.Open(s.ctx, ec)
	if err != nil {
		return nil, nil, err
	}
	s.begin(run.ID(), p.ProjectRoot, tier)

	done := make(chan engine.Report, 1)
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		defer run.Close()
		report := eng.Execute(run.Context(), p, ec)
		s.persist(report)
		done <- report
	}()
	s.log.Info().Str("run_id", run.ID()).Int("steps", len(p.Steps)).Str("tier", string(tier)).Msg("run started")
	return run, done, nil
}

func (s *Server) persistCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(s.ctx), persistTimeout)
}

func (s *Server) begin(runID, root string, tier policy.Tier) {
	if s.deps.Store == nil {
		return
	}
	ctx, cancel := s.persistCtx()
	defer cancel()
	meta := audit.RunMeta{RunID: runID, ProjectRoot: root, License: string(tier), StartedAt: time.Now().UTC()}
	if err := s.deps.Store.Begin(ctx, meta); err != nil {
		s.log.Error().Err(err).Str("run_id", runID).Msg("failed to record run start")
	}
}

func (s *Server) persist(report engine.Report) {
	if s.deps.Store == nil {
		return
	}
	ctx, cancel := s.persistCtx()
	defer cancel()
	if err := s.deps.Store.Complete(ctx, report); err != nil {
		s.log.Error().Err(err).Str("run_id", report.RunID).Msg("failed to persist run report")
	}
}

func (s *Server) stopPlan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runId")
	if err := s.deps.Hub.Cancel(id, stream.ReasonSoft); err != nil {
		writeErr(w, http.StatusNotFound, "run_not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"runId": id, "reason": stream.ReasonSoft})
}

func (s *Server) cancelStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "streamId")
	var req cancelRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	reason, err := stream.ParseReason(req.Reason)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_reason", err.Error())
		return
	}
	if err := s.deps.Hub.Cancel(id, reason); err != nil {
		writeErr(w, http.StatusNotFound, "run_not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"runId": id, "reason": reason})
}

func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.deps.Store == nil {
		writeErr(w, http.StatusServiceUnavailable, "audit_disabled", "run persistence is not configured")
		return false
	}
	return true
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	limit := defaultRunsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxRunsLimit {
			writeErr(w, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	runs, err := s.deps.Store.ListRuns(r.Context(), limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	report, err := s.deps.Store.GetRun(r.Context(), chi.URLParam(r, "runId"))
	if err != nil {
		s.storeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) getRunEvents(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	id := chi.URLParam(r, "runId")
	status, err := s.deps.Store.GetRunStatus(r.Context(), id)
	if err != nil {
		s.storeErr(w, err)
		return
	}
	if status == "" {
		writeErr(w, http.StatusNotFound, "run_not_found", "run not found: "+id)
		return
	}
	events, err := s.deps.Store.Events(r.Context(), id)
	if err != nil {
		s.storeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runId": id, "events": events})
}

func (s *Server) verifyRun(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	id := chi.URLParam(r, "runId")
	err := s.deps.Store.VerifyChain(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"runId": id, "intact": true})
	case errors.Is(err, audit.ErrChainBroken):
		writeJSON(w, http.StatusOK, map[string]any{"runId": id, "intact": false, "problem": err.Error()})
	default:
		s.storeErr(w, err)
	}
}

func (s *Server) storeErr(w http.ResponseWriter, err error) {
	if errors.Is(err, audit.ErrRunNotFound) {
		writeErr(w, http.StatusNotFound, "run_not_found", err.Error())
		return
	}
	writeErr(w, http.StatusInternalServerError, "store_error", err.Error())
}
