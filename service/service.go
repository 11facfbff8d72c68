package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/smallnest/planflow/graph"
	"github.com/smallnest/planflow/llm"
	"github.com/smallnest/planflow/log"
	"github.com/smallnest/planflow/registry"
	"github.com/smallnest/planflow/store"
)

// ErrInvalidInput marks a malformed request: missing request text,
// unknown resume action.
var ErrInvalidInput = errors.New("invalid input")

// ErrThreadNotFound marks a history read for an unknown thread
var ErrThreadNotFound = errors.New("thread not found")

const titleLimit = 100

// ThreadMeta is the out-of-band conversation-metadata hook. EnsureThread
// must be idempotent: an existing record for the thread id wins.
type ThreadMeta interface {
	EnsureThread(ctx context.Context, threadID, title string) error
}

// Request is one workflow invocation
type Request struct {
	Request     string
	ThreadID    string
	Model       string
	Credentials registry.Credentials
}

// Result is the synchronous response shape
type Result struct {
	ThreadID   string      `json:"thread_id"`
	Plan       *graph.Plan `json:"plan"`
	IsComplete bool        `json:"is_complete"`
}

// HistoryView reconstructs a thread for the client from its latest
// checkpoint.
type HistoryView struct {
	Plan               *graph.Plan            `json:"plan"`
	Messages           []graph.Message        `json:"messages"`
	CurrentStepIndex   int                    `json:"current_step_index"`
	LoadedIntegrations []registry.Integration `json:"loaded_integrations"`
}

// Config wires the service's collaborators
type Config struct {
	Runner       *graph.Runner
	Catalog      *registry.Catalog
	Pool         *llm.Pool
	APIKey       string
	DefaultModel string
	Meta         ThreadMeta
	EventBuffer  int
}

// Service orchestrates one request: per-request registry from caller
// tokens, pooled gateway handle, graph run, event-to-frame translation.
type Service struct {
	runner       *graph.Runner
	catalog      *registry.Catalog
	pool         *llm.Pool
	apiKey       string
	defaultModel string
	meta         ThreadMeta
	eventBuffer  int

	// Caller tokens and the requested model are held in memory only,
	// keyed by thread, so resume and retry reuse the stream's credentials
	// and pooled handle instead of refreshing them. Never persisted.
	threadMu sync.RWMutex
	threads  map[string]threadContext
}

// threadContext is what a continuation needs to rebuild its
// collaborators: the stream's credentials and its model.
type threadContext struct {
	creds registry.Credentials
	model string
}

// New creates a Service from its config
func New(cfg Config) *Service {
	model := cfg.DefaultModel
	if model == "" {
		model = "gpt-4o"
	}
	return &Service{
		runner:       cfg.Runner,
		catalog:      cfg.Catalog,
		pool:         cfg.Pool,
		apiKey:       cfg.APIKey,
		defaultModel: model,
		meta:         cfg.Meta,
		eventBuffer:  cfg.EventBuffer,
	}
}

func (s *Service) model(req Request) string {
	if req.Model != "" {
		return req.Model
	}
	return s.defaultModel
}

func (s *Service) rememberThread(threadID string, creds registry.Credentials, model string) {
	s.threadMu.Lock()
	if s.threads == nil {
		s.threads = make(map[string]threadContext)
	}
	s.threads[threadID] = threadContext{creds: creds, model: model}
	s.threadMu.Unlock()
}

func (s *Service) recallThread(threadID string) threadContext {
	s.threadMu.RLock()
	defer s.threadMu.RUnlock()
	return s.threads[threadID]
}

// ExecuteStream runs a workflow request, translating runtime events into
// frames on the sink. The sink sees done after completion or suspension,
// or a single error frame on fatal failure.
func (s *Service) ExecuteStream(ctx context.Context, req Request, sink FrameSink) (*Result, error) {
	if req.Request == "" {
		return nil, fmt.Errorf("%w: request text is required", ErrInvalidInput)
	}

	threadID := req.ThreadID
	newThread := false
	if threadID == "" {
		threadID = uuid.NewString()
		newThread = true
	}
	s.rememberThread(threadID, req.Credentials, s.model(req))

	gateway, err := s.pool.Get(s.model(req), s.apiKey)
	if err != nil {
		_ = sink.Send(ErrorFrame{Type: FrameError, Message: "gateway unavailable"})
		return nil, err
	}

	names := registry.Classify(s.catalog, req.Request)
	reg := s.catalog.BuildFor(req.Credentials, names)

	emitter := graph.NewEmitter(s.eventBuffer)
	cfg := graph.RunConfig{Gateway: gateway, Registry: reg, Emitter: emitter}

	var (
		finalState *graph.State
		runErr     error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer emitter.Close()
		finalState, runErr = s.runner.Run(ctx, cfg, threadID, req.Request)
	}()

	s.pumpFrames(ctx, threadID, newThread, req.Request, emitter, sink)
	<-done

	return s.finish(threadID, finalState, runErr, sink)
}

// Execute is the synchronous variant: runs to completion or suspension
// and returns the final snapshot without streaming.
func (s *Service) Execute(ctx context.Context, req Request) (*Result, error) {
	return s.ExecuteStream(ctx, req, discardSink{})
}

// Resume applies an approval decision to a suspended thread. Caller
// tokens are not refreshed here; the stream's credentials are reused.
func (s *Service) Resume(ctx context.Context, threadID, action, content string, sink FrameSink) (*Result, error) {
	switch action {
	case graph.ActionApprove, graph.ActionEdit, graph.ActionSkip:
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidInput, action)
	}
	if threadID == "" {
		return nil, fmt.Errorf("%w: thread_id is required", ErrInvalidInput)
	}

	cfg, emitter, err := s.continuationConfig(threadID)
	if err != nil {
		return nil, err
	}

	var (
		finalState *graph.State
		runErr     error
	)
	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		defer emitter.Close()
		finalState, runErr = s.runner.Resume(ctx, cfg, threadID, graph.Decision{Action: action, Payload: content})
	}()

	s.pumpFrames(ctx, threadID, false, "", emitter, sink)
	<-doneCh

	if errors.Is(runErr, graph.ErrStateMismatch) {
		return nil, runErr
	}
	return s.finish(threadID, finalState, runErr, sink)
}

// Retry reopens a failed or completed step and re-runs from there
func (s *Service) Retry(ctx context.Context, threadID string, stepNumber int, sink FrameSink) (*Result, error) {
	if threadID == "" {
		return nil, fmt.Errorf("%w: thread_id is required", ErrInvalidInput)
	}

	cfg, emitter, err := s.continuationConfig(threadID)
	if err != nil {
		return nil, err
	}

	var (
		finalState *graph.State
		runErr     error
	)
	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		defer emitter.Close()
		finalState, runErr = s.runner.Retry(ctx, cfg, threadID, stepNumber)
	}()

	s.pumpFrames(ctx, threadID, false, "", emitter, sink)
	<-doneCh

	if errors.Is(runErr, graph.ErrStepOutOfRange) || errors.Is(runErr, graph.ErrStateMismatch) {
		return nil, runErr
	}
	return s.finish(threadID, finalState, runErr, sink)
}

// History reads the latest checkpoint of a thread
func (s *Service) History(ctx context.Context, threadID string) (*HistoryView, error) {
	st, err := s.runner.Latest(ctx, threadID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
		}
		return nil, err
	}
	return &HistoryView{
		Plan:               st.Plan,
		Messages:           st.Messages,
		CurrentStepIndex:   st.CurrentStep,
		LoadedIntegrations: st.Integrations,
	}, nil
}

// continuationConfig rebuilds the per-thread collaborators for resume
// and retry from the cached thread context and the pooled gateway, so a
// thread started on a non-default model stays on it.
func (s *Service) continuationConfig(threadID string) (graph.RunConfig, *graph.Emitter, error) {
	tc := s.recallThread(threadID)
	model := tc.model
	if model == "" {
		model = s.defaultModel
	}
	gateway, err := s.pool.Get(model, s.apiKey)
	if err != nil {
		return graph.RunConfig{}, nil, err
	}
	reg := s.catalog.Build(tc.creds)
	emitter := graph.NewEmitter(s.eventBuffer)
	return graph.RunConfig{Gateway: gateway, Registry: reg, Emitter: emitter}, emitter, nil
}

// pumpFrames drains runtime events into the sink until the emitter
// closes. The first progress frame of a brand-new thread triggers the
// metadata hook.
func (s *Service) pumpFrames(ctx context.Context, threadID string, newThread bool, request string, emitter *graph.Emitter, sink FrameSink) {
	metaPending := newThread && s.meta != nil
	sinkAlive := true

	for ev := range emitter.Events() {
		if metaPending && ev.Type == graph.EventProgress {
			metaPending = false
			if err := s.meta.EnsureThread(ctx, threadID, titleFor(request)); err != nil {
				log.Warn("thread %s: metadata write failed: %v", threadID, err)
			}
		}
		if !sinkAlive {
			continue
		}
		frame := frameFor(threadID, ev)
		if frame == nil {
			continue
		}
		if err := sink.Send(frame); err != nil {
			// Client gone; keep draining so the run can finish and
			// checkpoint, but stop writing.
			log.Debug("thread %s: frame write failed, draining: %v", threadID, err)
			sinkAlive = false
		}
	}
}

// finish translates the run outcome into the closing frame and the
// synchronous result.
func (s *Service) finish(threadID string, st *graph.State, runErr error, sink FrameSink) (*Result, error) {
	result := &Result{ThreadID: threadID}
	if st != nil {
		result.Plan = st.Plan
		result.IsComplete = st.IsComplete
	}

	if runErr == nil {
		_ = sink.Send(DoneFrame{Type: FrameDone})
		return result, nil
	}

	var susp *graph.Suspension
	if errors.As(runErr, &susp) {
		// Suspension is a pause, not a failure
		_ = sink.Send(DoneFrame{Type: FrameDone})
		return result, nil
	}

	if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
		// Client disconnect: the last transition is checkpointed, the
		// thread resumes later.
		return result, runErr
	}

	var sf *graph.StepFailure
	var perr *llm.PlannerError
	switch {
	case errors.As(runErr, &sf):
		_ = sink.Send(ErrorFrame{Type: FrameError, Message: sf.Error()})
	case errors.As(runErr, &perr):
		_ = sink.Send(ErrorFrame{Type: FrameError, Message: "planning failed: " + perr.Error()})
	default:
		_ = sink.Send(ErrorFrame{Type: FrameError, Message: runErr.Error()})
	}
	return result, runErr
}

// titleFor truncates on rune boundaries; a byte slice could split a
// multi-byte character.
func titleFor(request string) string {
	runes := []rune(request)
	if len(runes) > titleLimit {
		return string(runes[:titleLimit])
	}
	return request
}
