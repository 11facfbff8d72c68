package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smallnest/planflow/llm"
	"github.com/smallnest/planflow/log"
	"github.com/smallnest/planflow/registry"
	"github.com/smallnest/planflow/store"
)

// Decision actions for resuming a suspended workflow
const (
	ActionApprove = "approve"
	ActionEdit    = "edit"
	ActionSkip    = "skip"
)

// Decision is the operator's answer to an approval request
type Decision struct {
	Action  string
	Payload string
}

// RunConfig carries the per-request collaborators: the pooled gateway
// handle and the registry built from the caller's credentials.
type RunConfig struct {
	Gateway  llm.Gateway
	Registry *registry.Registry
	Emitter  *Emitter
}

// Runner drives the plan-and-execute state machine over a checkpoint
// store. One Runner serves all threads; transitions within a thread are
// serialized by a per-thread advisory lock.
type Runner struct {
	store  store.CheckpointStore
	writes store.WriteRecorder

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRunner creates a runner over the given store. If the store also
// implements WriteRecorder, partial tool outputs are recorded per
// transition.
func NewRunner(cs store.CheckpointStore) *Runner {
	r := &Runner{
		store: cs,
		locks: make(map[string]*sync.Mutex),
	}
	if wr, ok := cs.(store.WriteRecorder); ok {
		r.writes = wr
	}
	return r
}

func (r *Runner) lockThread(threadID string) func() {
	r.mu.Lock()
	l, ok := r.locks[threadID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[threadID] = l
	}
	r.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// run context shared by one graph advance
type runCtx struct {
	cfg      RunConfig
	state    *State
	parentID string
}

// Run starts or continues a thread with a new top-level request. An
// existing plan is replaced; message history is preserved.
func (r *Runner) Run(ctx context.Context, cfg RunConfig, threadID, request string) (*State, error) {
	unlock := r.lockThread(threadID)
	defer unlock()

	st, parentID, err := r.loadOrInit(ctx, threadID)
	if err != nil {
		return nil, err
	}

	// A fresh request supersedes any prior plan or pending approval
	st.Plan = nil
	st.CurrentStep = 0
	st.AwaitingApproval = false
	st.Approval = nil
	st.Resolved = nil
	st.LastError = ""
	st.IsComplete = false

	rc := &runCtx{cfg: cfg, state: st, parentID: parentID}
	if err := r.runPlanner(ctx, rc, request); err != nil {
		return st, err
	}
	return r.loop(ctx, rc)
}

// Resume applies an approval decision to a suspended thread and
// continues execution. A duplicate decision against an already-resolved
// approval returns the current state without a new transition.
func (r *Runner) Resume(ctx context.Context, cfg RunConfig, threadID string, decision Decision) (*State, error) {
	unlock := r.lockThread(threadID)
	defer unlock()

	st, parentID, err := r.loadExisting(ctx, threadID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: thread %s has no checkpoints", ErrStateMismatch, threadID)
		}
		return nil, err
	}

	if !st.AwaitingApproval || st.Approval == nil {
		if st.Resolved != nil && st.Resolved.Action == decision.Action {
			log.Info("thread %s: duplicate %s resume, returning current state", threadID, decision.Action)
			return st, nil
		}
		return nil, fmt.Errorf("%w: thread %s is not awaiting approval", ErrStateMismatch, threadID)
	}

	step := st.CurrentStepRef()
	if step == nil || step.Status != StepAwaitingApproval {
		return nil, fmt.Errorf("%w: approval state out of sync for thread %s", ErrStateMismatch, threadID)
	}

	resolved := &ResolvedApproval{StepNumber: step.Number, Action: decision.Action}
	rc := &runCtx{cfg: cfg, state: st, parentID: parentID}

	switch decision.Action {
	case ActionSkip:
		step.Status = StepSkipped
		st.AwaitingApproval = false
		st.Approval = nil
		st.Resolved = resolved
		st.CurrentStep++
		if err := r.checkpoint(ctx, rc, "router"); err != nil {
			return st, err
		}
		r.emitProgress(ctx, rc)

	case ActionApprove, ActionEdit:
		st.AwaitingApproval = false
		st.Approval = nil
		st.Resolved = resolved
		if err := r.runExecutor(ctx, rc, "", decision.Payload); err != nil {
			return st, err
		}

	default:
		return nil, fmt.Errorf("%w: unknown resume action %q", ErrStateMismatch, decision.Action)
	}

	return r.loop(ctx, rc)
}

// Retry reopens step k and everything after it, then re-enters the
// router from step k.
func (r *Runner) Retry(ctx context.Context, cfg RunConfig, threadID string, stepNumber int) (*State, error) {
	unlock := r.lockThread(threadID)
	defer unlock()

	st, parentID, err := r.loadExisting(ctx, threadID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: thread %s has no checkpoints", ErrStateMismatch, threadID)
		}
		return nil, err
	}
	if st.Plan == nil {
		return nil, fmt.Errorf("%w: thread %s has no plan to retry", ErrStateMismatch, threadID)
	}
	if stepNumber < 1 || stepNumber > len(st.Plan.Steps) {
		return nil, fmt.Errorf("%w: step %d not in 1..%d", ErrStepOutOfRange, stepNumber, len(st.Plan.Steps))
	}

	for _, step := range st.Plan.Steps[stepNumber-1:] {
		step.Status = StepPending
		step.Result = ""
		step.Error = ""
		step.Thinking = ""
		step.ThinkingDurationMS = 0
		step.ToolOutputs = nil
		step.SearchResults = nil
	}
	st.CurrentStep = stepNumber - 1
	st.AwaitingApproval = false
	st.Approval = nil
	st.Resolved = nil
	st.LastError = ""
	st.IsComplete = false
	st.Plan.IsComplete = false
	st.Plan.FinalSummary = ""

	rc := &runCtx{cfg: cfg, state: st, parentID: parentID}
	if err := r.checkpoint(ctx, rc, "retry"); err != nil {
		return st, err
	}
	r.emitProgress(ctx, rc)

	return r.loop(ctx, rc)
}

// Latest returns the current state of a thread without advancing it
func (r *Runner) Latest(ctx context.Context, threadID string) (*State, error) {
	st, _, err := r.loadExisting(ctx, threadID)
	return st, err
}

func (r *Runner) loadOrInit(ctx context.Context, threadID string) (*State, string, error) {
	st, parentID, err := r.loadExisting(ctx, threadID)
	if err == nil {
		return st, parentID, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return &State{ThreadID: threadID}, "", nil
	}
	return nil, "", err
}

func (r *Runner) loadExisting(ctx context.Context, threadID string) (*State, string, error) {
	cp, err := r.store.Latest(ctx, threadID)
	if err != nil {
		return nil, "", err
	}
	st, err := DecodeState(cp.State)
	if err != nil {
		return nil, "", fmt.Errorf("thread %s checkpoint %s: %w", threadID, cp.ID, err)
	}
	return st, cp.ID, nil
}

// loop advances the state machine until terminal, suspension, failure
// or cancellation. Cancellation is cooperative at node boundaries: the
// in-flight transition completes and checkpoints first.
func (r *Runner) loop(ctx context.Context, rc *runCtx) (*State, error) {
	for {
		if err := ctx.Err(); err != nil {
			return rc.state, err
		}

		st := rc.state
		if st.Plan == nil || st.IsComplete {
			return st, nil
		}
		step := st.CurrentStepRef()
		if step == nil {
			if err := r.runSynthesizer(ctx, rc); err != nil {
				return st, err
			}
			return st, nil
		}

		advisory, suspend := r.route(rc.cfg.Registry, step)
		if suspend {
			return st, r.suspend(ctx, rc, step)
		}
		if err := r.runExecutor(ctx, rc, advisory, ""); err != nil {
			return st, err
		}
	}
}

// route is a pure decision over the current step and the authorized
// tool set: suspend for approval, or execute with an optional advisory
// note.
func (r *Runner) route(reg *registry.Registry, step *Step) (advisory string, suspend bool) {
	class := registry.ApprovalSilent
	var advisoryTools []string
	if reg != nil {
		for _, t := range reg.ResolveHints(step.ExpectedTools) {
			class = class.Stricter(t.Class)
			if t.Class == registry.ApprovalAdvisory {
				advisoryTools = append(advisoryTools, t.Name)
			}
		}
	}

	if step.RequiresApproval || class == registry.ApprovalMandatory {
		step.RequiresApproval = true
		return "", true
	}
	if class == registry.ApprovalAdvisory {
		return fmt.Sprintf("the tools %s have side effects visible to others; double-check inputs before calling them",
			strings.Join(advisoryTools, ", ")), false
	}
	return "", false
}

func (r *Runner) suspend(ctx context.Context, rc *runCtx, step *Step) error {
	st := rc.state

	reason := step.ApprovalReason
	if reason == "" {
		reason = "this step has external side effects and requires confirmation"
	}
	preview, _ := json.Marshal(struct {
		Description string   `json:"description"`
		Tools       []string `json:"tools,omitempty"`
	}{Description: step.Description, Tools: step.ExpectedTools})

	step.Status = StepAwaitingApproval
	step.Preview = preview
	st.AwaitingApproval = true
	st.Approval = &ApprovalInfo{
		StepNumber:  step.Number,
		Description: step.Description,
		Reason:      reason,
		Preview:     preview,
		Actions:     []string{ActionApprove, ActionEdit, ActionSkip},
	}
	st.Resolved = nil

	if err := r.checkpoint(ctx, rc, "router"); err != nil {
		return err
	}
	r.emitProgress(ctx, rc)
	rc.cfg.Emitter.Emit(ctx, Event{
		Type:       EventApprovalRequired,
		StepNumber: step.Number,
		Approval:   st.Approval,
		State:      st.Snapshot(),
	})
	return &Suspension{ThreadID: st.ThreadID, Approval: *st.Approval}
}

func (r *Runner) runPlanner(ctx context.Context, rc *runCtx, request string) error {
	st := rc.state
	started := time.Now()

	history := make([]llm.Turn, 0, len(st.Messages))
	for _, m := range st.Messages {
		history = append(history, llm.Turn{Role: m.Role, Content: m.Content})
	}
	st.Messages = append(st.Messages, Message{Role: RoleUser, Content: request})

	var tools []registry.Tool
	if rc.cfg.Registry != nil {
		tools = rc.cfg.Registry.Tools()
	}

	res, err := rc.cfg.Gateway.Plan(ctx, llm.PlanRequest{
		Request: request,
		History: history,
		Tools:   tools,
		OnToken: func(chunk string) {
			rc.cfg.Emitter.Emit(ctx, Event{Type: EventToken, Content: chunk})
		},
	})
	if err != nil {
		st.LastError = err.Error()
		return err
	}

	steps := make([]*Step, 0, len(res.Steps))
	for i, ps := range res.Steps {
		steps = append(steps, &Step{
			Number:           i + 1,
			Description:      ps.Description,
			ExpectedTools:    ps.ExpectedTools,
			RequiresApproval: ps.RequiresApproval,
			ApprovalReason:   ps.ApprovalReason,
			Status:           StepPending,
		})
	}
	st.Plan = &Plan{
		OriginalRequest: request,
		Thinking:        res.Thinking,
		Steps:           steps,
	}
	st.CurrentStep = 0
	if rc.cfg.Registry != nil {
		st.Integrations = rc.cfg.Registry.Integrations()
	}

	if err := r.checkpoint(ctx, rc, "planner"); err != nil {
		return err
	}
	rc.cfg.Emitter.Emit(ctx, Event{
		Type:       EventThinking,
		Content:    res.Thinking,
		DurationMS: time.Since(started).Milliseconds(),
	})
	rc.cfg.Emitter.Emit(ctx, Event{Type: EventIntegrationsReady, State: st.Snapshot()})
	r.emitProgress(ctx, rc)
	return nil
}

func (r *Runner) runExecutor(ctx context.Context, rc *runCtx, advisory, approvedPayload string) error {
	st := rc.state
	step := st.CurrentStepRef()
	if step == nil {
		return fmt.Errorf("executor called past the end of the plan")
	}

	step.Status = StepInProgress
	step.Error = ""
	if err := r.checkpoint(ctx, rc, "executor"); err != nil {
		return err
	}
	r.emitProgress(ctx, rc)

	started := time.Now()
	res, err := r.executeWithTools(ctx, rc, step, advisory, approvedPayload)
	if err != nil {
		step.Status = StepFailed
		step.Error = err.Error()
		st.LastError = err.Error()
		if cpErr := r.checkpoint(ctx, rc, "executor"); cpErr != nil {
			return cpErr
		}
		r.emitProgress(ctx, rc)
		return &StepFailure{StepNumber: step.Number, Err: err}
	}

	step.Status = StepCompleted
	step.Result = res.Text
	step.Thinking = res.Rationale
	step.ThinkingDurationMS = time.Since(started).Milliseconds()
	step.ToolOutputs = res.ToolOutputs
	step.SearchResults = res.SearchResults
	st.CurrentStep++

	r.recordToolWrites(ctx, rc, step, res.ToolOutputs)

	if err := r.checkpoint(ctx, rc, "executor"); err != nil {
		return err
	}
	if res.Rationale != "" {
		rc.cfg.Emitter.Emit(ctx, Event{
			Type:       EventStepThinking,
			StepNumber: step.Number,
			Content:    res.Rationale,
			DurationMS: step.ThinkingDurationMS,
		})
	}
	r.emitProgress(ctx, rc)
	return nil
}

// executeWithTools calls the gateway, loading one deferred integration
// and retrying once when the model reaches for a tool the request
// classification did not authorize.
func (r *Runner) executeWithTools(ctx context.Context, rc *runCtx, step *Step, advisory, approvedPayload string) (*llm.StepResult, error) {
	st := rc.state
	req := llm.StepRequest{
		StepNumber:      step.Number,
		TotalSteps:      len(st.Plan.Steps),
		Description:     step.Description,
		PreviousResults: priorResults(st.Plan, step.Number),
		AdvisoryNote:    advisory,
		ApprovedPayload: approvedPayload,
		OnToken: func(chunk string) {
			rc.cfg.Emitter.Emit(ctx, Event{Type: EventToken, StepNumber: step.Number, Content: chunk})
		},
	}
	if rc.cfg.Registry != nil {
		req.Tools = rc.cfg.Registry.ToolsFor(step.ExpectedTools)
	}

	res, err := rc.cfg.Gateway.ExecuteStep(ctx, req)
	var ute *llm.UnknownToolError
	if err == nil || !errors.As(err, &ute) || rc.cfg.Registry == nil {
		return res, err
	}

	owner, ok := rc.cfg.Registry.IntegrationForTool(ute.Tool)
	if !ok {
		return nil, err
	}
	extended, added, werr := rc.cfg.Registry.WithIntegration(owner)
	if werr != nil {
		log.Warn("thread %s: cannot load integration %s for tool %s: %v", st.ThreadID, owner, ute.Tool, werr)
		return nil, err
	}
	rc.cfg.Registry = extended
	st.Integrations = extended.Integrations()
	log.Info("thread %s: loaded integration %s mid-run for tool %s", st.ThreadID, owner, ute.Tool)
	rc.cfg.Emitter.Emit(ctx, Event{Type: EventIntegrationAdded, Integration: &added})

	req.Tools = extended.ToolsFor(step.ExpectedTools)
	return rc.cfg.Gateway.ExecuteStep(ctx, req)
}

func priorResults(plan *Plan, upTo int) []string {
	var out []string
	for _, s := range plan.Steps {
		if s.Number >= upTo {
			break
		}
		switch s.Status {
		case StepCompleted:
			out = append(out, fmt.Sprintf("Step %d (%s): %s", s.Number, s.Description, s.Result))
		case StepSkipped:
			out = append(out, fmt.Sprintf("Step %d (%s): skipped by the operator", s.Number, s.Description))
		}
	}
	return out
}

func (r *Runner) runSynthesizer(ctx context.Context, rc *runCtx) error {
	st := rc.state

	var completed, skipped, failed []*Step
	for _, s := range st.Plan.Steps {
		switch s.Status {
		case StepCompleted:
			completed = append(completed, s)
		case StepSkipped:
			skipped = append(skipped, s)
		case StepFailed:
			failed = append(failed, s)
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Completed %d of %d steps.\n", len(completed), len(st.Plan.Steps))
	for _, s := range completed {
		fmt.Fprintf(&sb, "\n%d. %s\n%s\n", s.Number, s.Description, s.Result)
	}
	if len(skipped) > 0 {
		sb.WriteString("\nSkipped:\n")
		for _, s := range skipped {
			fmt.Fprintf(&sb, "- %d. %s\n", s.Number, s.Description)
		}
	}
	if len(failed) > 0 {
		sb.WriteString("\nFailed:\n")
		for _, s := range failed {
			fmt.Fprintf(&sb, "- %d. %s: %s\n", s.Number, s.Description, s.Error)
		}
	}
	summary := strings.TrimSpace(sb.String())

	st.Plan.IsComplete = true
	st.Plan.FinalSummary = summary
	st.IsComplete = true
	st.Messages = append(st.Messages, Message{Role: RoleAssistant, Content: summary})

	if err := r.checkpoint(ctx, rc, "synthesizer"); err != nil {
		return err
	}
	r.emitProgress(ctx, rc)
	return nil
}

// checkpoint persists the current state and advances the parent link.
// A conflict or write failure is fatal to the request; the thread keeps
// its last durable checkpoint.
func (r *Runner) checkpoint(ctx context.Context, rc *runCtx, node string) error {
	st := rc.state
	if err := st.Validate(); err != nil {
		return fmt.Errorf("state invariant violated at node %s: %w", node, err)
	}

	payload, err := EncodeState(st)
	if err != nil {
		return err
	}
	cp := &store.Checkpoint{
		ThreadID: st.ThreadID,
		ID:       uuid.NewString(),
		ParentID: rc.parentID,
		State:    payload,
		Metadata: store.Metadata{Node: node, CreatedAt: time.Now().UTC()},
	}

	started := time.Now()
	if err := r.store.Put(ctx, cp); err != nil {
		log.Error("thread %s: checkpoint after node %s failed in %s: %v",
			st.ThreadID, node, time.Since(started), err)
		return fmt.Errorf("checkpoint after node %s: %w", node, err)
	}
	log.Info("thread %s: checkpoint %s node %s in %s status ok",
		st.ThreadID, cp.ID, node, time.Since(started))
	rc.parentID = cp.ID
	return nil
}

// recordToolWrites attaches partial tool outputs to the transition's
// starting checkpoint when the store supports it. Best effort.
func (r *Runner) recordToolWrites(ctx context.Context, rc *runCtx, step *Step, outputs []llm.ToolOutput) {
	if r.writes == nil || len(outputs) == 0 || rc.parentID == "" {
		return
	}
	taskID := fmt.Sprintf("step-%d", step.Number)
	writes := make([]store.PendingWrite, 0, len(outputs))
	for i, out := range outputs {
		value, err := json.Marshal(out)
		if err != nil {
			continue
		}
		writes = append(writes, store.PendingWrite{
			TaskID:  taskID,
			Seq:     i,
			Channel: out.Tool,
			Value:   value,
		})
	}
	if err := r.writes.PutWrites(ctx, rc.state.ThreadID, rc.parentID, writes); err != nil {
		log.Warn("thread %s: recording tool writes failed: %v", rc.state.ThreadID, err)
	}
}

func (r *Runner) emitProgress(ctx context.Context, rc *runCtx) {
	rc.cfg.Emitter.Emit(ctx, Event{
		Type:       EventProgress,
		StepNumber: rc.state.CurrentStep,
		State:      rc.state.Snapshot(),
	})
}
