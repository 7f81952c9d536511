package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rahul/majordomo/internal/capability"
	"github.com/rahul/majordomo/internal/governance"
	"github.com/rahul/majordomo/internal/memory"
	"github.com/rahul/majordomo/internal/observability"
	"github.com/rahul/majordomo/internal/plan"
	"github.com/rahul/majordomo/internal/tools"
	"github.com/tmc/langchaingo/llms"
)

// CheckpointStore persists per-thread continuation state. Implementations
// must return ErrNoCheckpoint (possibly wrapped) for unknown threads.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, threadID string, data []byte) error
	LoadCheckpoint(ctx context.Context, threadID string) ([]byte, error)
	DeleteCheckpoint(ctx context.Context, threadID string) error
}

// HistoryStore persists the conversation thread: messages, rolling summary
// and the user-preferences snapshot.
type HistoryStore interface {
	AddMessage(threadID, role, content string) error
	GetHistory(threadID string, limit int) ([]llms.MessageContent, error)
	CountMessages(threadID string) (int, error)
	TrimMessages(threadID string, keep int) error
	GetSummary(threadID string) (string, error)
	SaveSummary(threadID, summary string) error
	GetPreferences(threadID string) (memory.UserPreferences, error)
	SavePreferences(threadID string, prefs memory.UserPreferences) error
}

// TokenProvider hands out per-thread bearer token sources for tool calls.
type TokenProvider interface {
	TokenFor(threadID string) tools.TokenSource
}

// ContextBuilder produces a background briefing for a goal before planning.
type ContextBuilder interface {
	Build(ctx context.Context, goal string) (string, error)
}

// ResponseKind tags what the caller got back from a submission.
type ResponseKind string

const (
	// ResponsePlanReview carries a plan suspended for user review.
	ResponsePlanReview ResponseKind = "plan_review"
	// ResponseUserAction asks the user to perform a pending plan step.
	ResponseUserAction ResponseKind = "user_action"
	// ResponseFinal carries the finished run's result.
	ResponseFinal ResponseKind = "final"
)

// Response is the caller-visible outcome of one Submit call.
type Response struct {
	Kind         ResponseKind
	RunID        string
	Plan         *plan.Plan
	Prompt       string
	Action       plan.ActionKind
	Content      string
	ToolsInvoked []string
}

// ThreadState is the durable record for one thread: a suspended
// formalization, or an approved plan mid-execution, or neither.
type ThreadState struct {
	RunID         string            `json:"run_id,omitempty"`
	Formalization *Formalization    `json:"formalization,omitempty"`
	Plan          *plan.Plan        `json:"plan,omitempty"`
	StateKeys     map[string]string `json:"state_keys,omitempty"`
	PendingStepID string            `json:"pending_step_id,omitempty"`
}

// Supervisor owns the thread-id -> state mapping and dispatches submissions
// to the formalization machine and the plan executor. All collaborators are
// injected; the supervisor holds no ambient globals.
type Supervisor struct {
	Planner     llms.Model
	WorkerModel llms.Model
	Resolver    *capability.Resolver
	Credentials capability.CredentialSource
	Tokens      TokenProvider
	Policy      governance.PolicyEngine
	Logger      *observability.Logger
	Checkpoints CheckpointStore
	History     HistoryStore
	Compactor   *memory.Compactor
	Extractor   *memory.Extractor
	Researcher  ContextBuilder // optional

	// Tuning overrides; zero values keep the built-in defaults.
	PlannerMaxAttempts     int
	PlannerMaxParseRetries int
	WorkerMaxIterations    int

	mu      sync.Mutex
	threads map[string]*threadHandle
}

// threadHandle serializes runs per thread id. Distinct threads never share
// a lock, so unrelated users are not serialized against each other.
type threadHandle struct {
	mu   sync.Mutex
	busy bool
	refs int
}

func (h *threadHandle) tryAcquire() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.busy {
		return false
	}
	h.busy = true
	return true
}

func (h *threadHandle) release() {
	h.mu.Lock()
	h.busy = false
	h.mu.Unlock()
}

func (h *threadHandle) idle() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.busy
}

func (s *Supervisor) handle(threadID string) *threadHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.threads == nil {
		s.threads = make(map[string]*threadHandle)
	}
	h, ok := s.threads[threadID]
	if !ok {
		h = &threadHandle{}
		s.threads[threadID] = h
	}
	h.refs++
	return h
}

// put drops one reference to a thread's handle and evicts the entry once
// nobody holds it, so the map does not grow with every thread id ever seen.
func (s *Supervisor) put(threadID string, h *threadHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h.refs--
	if h.refs == 0 && h.idle() {
		delete(s.threads, threadID)
	}
}

// session is the per-submission view of one thread's capabilities.
type session struct {
	registry *tools.Registry
	manifest string
	worker   *Worker
	prefs    memory.UserPreferences
}

// Submit is the single entry point. If the thread's persisted state marks a
// suspend point, input is treated as the resume value; otherwise it seeds a
// fresh run as the goal. At most one run per thread may be in flight.
func (s *Supervisor) Submit(ctx context.Context, threadID, input string) (*Response, error) {
	h := s.handle(threadID)
	defer s.put(threadID, h)
	if !h.tryAcquire() {
		return nil, ErrRunInFlight
	}
	defer h.release()

	ts, err := s.loadState(ctx, threadID)
	if err != nil {
		return nil, err
	}

	sess, err := s.session(ctx, threadID)
	if err != nil {
		return nil, err
	}

	switch {
	case ts.Formalization != nil && ts.Formalization.Phase == PhaseAwaitFeedback:
		return s.resumeFormalization(ctx, threadID, ts, sess, input)
	case ts.Plan != nil && ts.PendingStepID != "":
		return s.resumeUserStep(ctx, threadID, ts, sess, input)
	default:
		return s.startRun(ctx, threadID, ts, sess, input)
	}
}

func (s *Supervisor) loadState(ctx context.Context, threadID string) (*ThreadState, error) {
	data, err := s.Checkpoints.LoadCheckpoint(ctx, threadID)
	if errors.Is(err, ErrNoCheckpoint) {
		return &ThreadState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	var ts ThreadState
	if err := json.Unmarshal(data, &ts); err != nil {
		return nil, fmt.Errorf("corrupt checkpoint for thread %s: %w", threadID, err)
	}
	return &ts, nil
}

func (s *Supervisor) saveState(ctx context.Context, threadID string, ts *ThreadState) error {
	data, err := json.Marshal(ts)
	if err != nil {
		return err
	}
	return s.Checkpoints.SaveCheckpoint(ctx, threadID, data)
}

// session derives this submission's tool access from the thread's granted
// scopes. The capability grant is computed fresh per submission and is
// immutable for its duration.
func (s *Supervisor) session(ctx context.Context, threadID string) (*session, error) {
	raw, err := s.Credentials.GrantedScopes(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("credential lookup for thread %s failed: %w", threadID, err)
	}

	scopes := capability.ParseScopes(raw)
	domains, effective := s.Resolver.DeriveAccess(scopes)

	var source tools.TokenSource
	if s.Tokens != nil {
		source = s.Tokens.TokenFor(threadID)
	}
	loaded := s.Resolver.LoadTools(effective, domains, source)

	registry := tools.NewRegistry(loaded...)
	prefs, err := s.History.GetPreferences(threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to load preferences: %w", err)
	}

	worker := NewWorker(s.WorkerModel, registry, s.Policy, s.Logger)
	if s.WorkerMaxIterations > 0 {
		worker.MaxIterations = s.WorkerMaxIterations
	}

	return &session{
		registry: registry,
		manifest: capability.FormatManifest(loaded),
		worker:   worker,
		prefs:    prefs,
	}, nil
}

// newFormalizer builds a planner for one submission with the supervisor's
// tuning applied.
func (s *Supervisor) newFormalizer(manifest string) *Formalizer {
	f := NewFormalizer(s.Planner, manifest, s.Logger)
	if s.PlannerMaxAttempts > 0 {
		f.MaxAttempts = s.PlannerMaxAttempts
	}
	if s.PlannerMaxParseRetries > 0 {
		f.MaxParseRetries = s.PlannerMaxParseRetries
	}
	return f
}

func (s *Supervisor) startRun(ctx context.Context, threadID string, ts *ThreadState, sess *session, goal string) (*Response, error) {
	runID := uuid.NewString()
	s.Logger.LogRunStarted(threadID, runID, goal)
	observability.SetStatus(observability.RolePlanning, threadID)
	defer observability.SetStatus(observability.RoleIdle, "")

	if err := s.History.AddMessage(threadID, "human", goal); err != nil {
		return nil, fmt.Errorf("failed to record goal: %w", err)
	}

	var briefing string
	if s.Researcher != nil {
		b, err := s.Researcher.Build(ctx, goal)
		if err != nil {
			// Research is best effort; planning proceeds without it.
			s.Logger.LogResearchFailed(threadID, runID, err)
		} else {
			briefing = b
		}
	}

	st := NewFormalization(goal, briefing)
	formalizer := s.newFormalizer(sess.manifest)
	if err := formalizer.Run(ctx, st); err != nil {
		return nil, fmt.Errorf("formalization failed: %w", err)
	}

	*ts = ThreadState{RunID: runID, Formalization: st}
	if err := s.saveState(ctx, threadID, ts); err != nil {
		return nil, err
	}

	return &Response{Kind: ResponsePlanReview, RunID: runID, Plan: st.Plan}, nil
}

func (s *Supervisor) resumeFormalization(ctx context.Context, threadID string, ts *ThreadState, sess *session, feedback string) (*Response, error) {
	formalizer := s.newFormalizer(sess.manifest)
	if err := formalizer.Resume(ctx, ts.Formalization, feedback); err != nil {
		return nil, fmt.Errorf("formalization resume failed: %w", err)
	}

	switch ts.Formalization.Phase {
	case PhaseAwaitFeedback:
		if err := s.saveState(ctx, threadID, ts); err != nil {
			return nil, err
		}
		return &Response{Kind: ResponsePlanReview, RunID: ts.RunID, Plan: ts.Formalization.Plan}, nil

	case PhaseEnd:
		s.Logger.LogPlanApproved(threadID, ts.RunID)
		ts.Plan = ts.Formalization.Plan
		ts.Formalization = nil
		ts.StateKeys = make(map[string]string)
		if err := s.saveState(ctx, threadID, ts); err != nil {
			return nil, err
		}
		return s.executePlan(ctx, threadID, ts, sess)

	default:
		return nil, fmt.Errorf("unexpected phase %q after resume", ts.Formalization.Phase)
	}
}

// resumeUserStep feeds the user's reply into the plan step that was waiting
// for it and continues execution.
func (s *Supervisor) resumeUserStep(ctx context.Context, threadID string, ts *ThreadState, sess *session, input string) (*Response, error) {
	step := ts.Plan.Step(ts.PendingStepID)
	if step == nil {
		return nil, fmt.Errorf("pending step %q not found in plan", ts.PendingStepID)
	}

	if err := step.Advance(plan.StatusInProgress); err != nil {
		return nil, err
	}
	if step.User != nil && step.User.StateKey != "" {
		if ts.StateKeys == nil {
			ts.StateKeys = make(map[string]string)
		}
		ts.StateKeys[step.User.StateKey] = input
	}
	if err := step.Advance(plan.StatusCompleted); err != nil {
		return nil, err
	}
	s.Logger.LogStep(threadID, ts.RunID, step.ID, string(step.Status))

	ts.PendingStepID = ""
	if err := s.saveState(ctx, threadID, ts); err != nil {
		return nil, err
	}
	return s.executePlan(ctx, threadID, ts, sess)
}
