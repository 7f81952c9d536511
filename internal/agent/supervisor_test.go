package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/rahul/majordomo/internal/capability"
	"github.com/rahul/majordomo/internal/memory"
	"github.com/rahul/majordomo/internal/tools"
	"github.com/tmc/langchaingo/llms"
)

type memCheckpoints struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{m: make(map[string][]byte)}
}

func (c *memCheckpoints) SaveCheckpoint(ctx context.Context, threadID string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[threadID] = append([]byte(nil), data...)
	return nil
}

func (c *memCheckpoints) LoadCheckpoint(ctx context.Context, threadID string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.m[threadID]
	if !ok {
		return nil, fmt.Errorf("thread %s: %w", threadID, ErrNoCheckpoint)
	}
	return data, nil
}

func (c *memCheckpoints) DeleteCheckpoint(ctx context.Context, threadID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, threadID)
	return nil
}

func (c *memCheckpoints) has(threadID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.m[threadID]
	return ok
}

type memMessage struct {
	role    string
	content string
}

type memHistory struct {
	mu       sync.Mutex
	messages map[string][]memMessage
	summary  map[string]string
	prefs    map[string]memory.UserPreferences
}

func newMemHistory() *memHistory {
	return &memHistory{
		messages: make(map[string][]memMessage),
		summary:  make(map[string]string),
		prefs:    make(map[string]memory.UserPreferences),
	}
}

func (h *memHistory) AddMessage(threadID, role, content string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages[threadID] = append(h.messages[threadID], memMessage{role, content})
	return nil
}

func (h *memHistory) GetHistory(threadID string, limit int) ([]llms.MessageContent, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	msgs := h.messages[threadID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	var out []llms.MessageContent
	for _, m := range msgs {
		role := llms.ChatMessageTypeHuman
		if m.role == "ai" {
			role = llms.ChatMessageTypeAI
		}
		out = append(out, llms.MessageContent{Role: role, Parts: []llms.ContentPart{llms.TextPart(m.content)}})
	}
	return out, nil
}

func (h *memHistory) CountMessages(threadID string) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages[threadID]), nil
}

func (h *memHistory) TrimMessages(threadID string, keep int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	msgs := h.messages[threadID]
	if len(msgs) > keep {
		h.messages[threadID] = msgs[len(msgs)-keep:]
	}
	return nil
}

func (h *memHistory) GetSummary(threadID string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.summary[threadID], nil
}

func (h *memHistory) SaveSummary(threadID, summary string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.summary[threadID] = summary
	return nil
}

func (h *memHistory) GetPreferences(threadID string) (memory.UserPreferences, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.prefs[threadID], nil
}

func (h *memHistory) SavePreferences(threadID string, prefs memory.UserPreferences) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prefs[threadID] = prefs
	return nil
}

func (h *memHistory) lastMessage(threadID string) (memMessage, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	msgs := h.messages[threadID]
	if len(msgs) == 0 {
		return memMessage{}, false
	}
	return msgs[len(msgs)-1], true
}

type staticCreds string

func (c staticCreds) GrantedScopes(ctx context.Context, userID string) (string, error) {
	return string(c), nil
}

func testSupervisor(planner, worker llms.Model) (*Supervisor, *memCheckpoints, *memHistory) {
	registry := []capability.Toolset{{
		Domain:        "tasks",
		RequiredScope: "tasks-scope",
		Load: func(tools.TokenSource) []tools.Tool {
			return []tools.Tool{&fakeTool{name: "echo", result: "echoed"}}
		},
	}}

	checkpoints := newMemCheckpoints()
	history := newMemHistory()
	sup := &Supervisor{
		Planner:     planner,
		WorkerModel: worker,
		Resolver:    capability.NewResolver(registry),
		Credentials: staticCreds("tasks-scope"),
		Checkpoints: checkpoints,
		History:     history,
	}
	return sup, checkpoints, history
}

func TestSupervisor_FullRun(t *testing.T) {
	planner := &scriptedModel{responses: []*llms.ContentResponse{
		toolCallResponse("submit_plan", planArgs([2]string{"a", ""}, [2]string{"b", "a"})),
	}}
	worker := &scriptedModel{responses: []*llms.ContentResponse{
		textResponse("first step done"),
		textResponse("second step done"),
	}}
	sup, checkpoints, history := testSupervisor(planner, worker)
	ctx := context.Background()

	resp, err := sup.Submit(ctx, "t1", "sort out my inbox")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if resp.Kind != ResponsePlanReview {
		t.Fatalf("Kind = %q, want plan_review", resp.Kind)
	}
	if !checkpoints.has("t1") {
		t.Fatal("suspend point must be checkpointed")
	}

	// Empty input approves the plan and runs it to completion.
	final, err := sup.Submit(ctx, "t1", "")
	if err != nil {
		t.Fatalf("approval Submit failed: %v", err)
	}
	if final.Kind != ResponseFinal {
		t.Fatalf("Kind = %q, want final", final.Kind)
	}
	if !strings.Contains(final.Content, "Plan finished.") {
		t.Errorf("Content = %q", final.Content)
	}
	if !strings.Contains(final.Content, "completed") {
		t.Errorf("expected completed steps in %q", final.Content)
	}

	if checkpoints.has("t1") {
		t.Error("checkpoint must be cleared after a finished run")
	}
	if last, ok := history.lastMessage("t1"); !ok || last.role != "ai" {
		t.Errorf("finished run must be recorded on the thread, got %+v", last)
	}
	// The second worker step must have seen the first step's output.
	if len(worker.calls) != 2 {
		t.Fatalf("worker called %d times, want 2", len(worker.calls))
	}
	var briefing strings.Builder
	for _, p := range worker.calls[1][1].Parts {
		if tp, ok := p.(llms.TextContent); ok {
			briefing.WriteString(tp.Text)
		}
	}
	if !strings.Contains(briefing.String(), "first step done") {
		t.Errorf("dependency result missing from worker briefing: %q", briefing.String())
	}
}

func TestSupervisor_FeedbackRevisesBeforeApproval(t *testing.T) {
	planner := &scriptedModel{responses: []*llms.ContentResponse{
		toolCallResponse("submit_plan", planArgs([2]string{"a", ""})),
		toolCallResponse("submit_plan", planArgs([2]string{"a", ""}, [2]string{"b", "a"})),
	}}
	worker := &scriptedModel{responses: []*llms.ContentResponse{
		textResponse("done"),
		textResponse("done"),
	}}
	sup, _, _ := testSupervisor(planner, worker)
	ctx := context.Background()

	if _, err := sup.Submit(ctx, "t1", "goal"); err != nil {
		t.Fatal(err)
	}

	resp, err := sup.Submit(ctx, "t1", "split it into two steps")
	if err != nil {
		t.Fatalf("feedback Submit failed: %v", err)
	}
	if resp.Kind != ResponsePlanReview {
		t.Fatalf("Kind = %q, want plan_review after feedback", resp.Kind)
	}
	if len(resp.Plan.Steps) != 2 {
		t.Errorf("revised plan has %d steps, want 2", len(resp.Plan.Steps))
	}
}

func TestSupervisor_UserStepSuspendsAndResumes(t *testing.T) {
	userPlan := `{"steps": [
		{"id": "u1", "title": "provide details", "description": "ask the user",
		 "dependencies": [], "destination": "user",
		 "user": {"prompt": "What dates work for you?", "action": "provide_text", "state_key": "dates"}},
		{"id": "w1", "title": "book it", "description": "use the dates",
		 "dependencies": ["u1"], "destination": "worker",
		 "worker": {"role": "assistant", "instruction": "book around the dates", "state_key": "booking"}}
	]}`

	planner := &scriptedModel{responses: []*llms.ContentResponse{
		toolCallResponse("submit_plan", userPlan),
	}}
	worker := &scriptedModel{responses: []*llms.ContentResponse{
		textResponse("booked"),
	}}
	sup, checkpoints, _ := testSupervisor(planner, worker)
	ctx := context.Background()

	if _, err := sup.Submit(ctx, "t1", "book my trip"); err != nil {
		t.Fatal(err)
	}

	resp, err := sup.Submit(ctx, "t1", "")
	if err != nil {
		t.Fatalf("approval Submit failed: %v", err)
	}
	if resp.Kind != ResponseUserAction {
		t.Fatalf("Kind = %q, want user_action", resp.Kind)
	}
	if resp.Prompt != "What dates work for you?" {
		t.Errorf("Prompt = %q", resp.Prompt)
	}
	if !checkpoints.has("t1") {
		t.Fatal("user suspend point must be checkpointed")
	}

	final, err := sup.Submit(ctx, "t1", "June 3rd to 7th")
	if err != nil {
		t.Fatalf("resume Submit failed: %v", err)
	}
	if final.Kind != ResponseFinal {
		t.Fatalf("Kind = %q, want final", final.Kind)
	}

	// The worker briefing must carry the user's reply through the state key.
	var briefing strings.Builder
	for _, p := range worker.calls[0][1].Parts {
		if tp, ok := p.(llms.TextContent); ok {
			briefing.WriteString(tp.Text)
		}
	}
	if !strings.Contains(briefing.String(), "June 3rd to 7th") {
		t.Errorf("user input missing from worker briefing: %q", briefing.String())
	}
}

func TestSupervisor_PlannerParseRetryOverride(t *testing.T) {
	planner := &scriptedModel{responses: []*llms.ContentResponse{
		textResponse("not a plan"),
		textResponse("still not a plan"),
	}}
	sup, _, _ := testSupervisor(planner, &scriptedModel{})
	sup.PlannerMaxParseRetries = 1

	_, err := sup.Submit(context.Background(), "t1", "goal")
	if !errors.Is(err, ErrPlannerMalformed) {
		t.Fatalf("err = %v, want ErrPlannerMalformed", err)
	}
	if len(planner.calls) != 1 {
		t.Errorf("planner called %d times, want 1", len(planner.calls))
	}
}

func TestSupervisor_WorkerIterationOverride(t *testing.T) {
	planner := &scriptedModel{responses: []*llms.ContentResponse{
		toolCallResponse("submit_plan", planArgs([2]string{"a", ""})),
	}}
	worker := &scriptedModel{responses: []*llms.ContentResponse{
		toolCallResponse("echo", `{}`),
		toolCallResponse("echo", `{}`),
		toolCallResponse("echo", `{}`),
	}}
	sup, _, _ := testSupervisor(planner, worker)
	sup.WorkerMaxIterations = 2
	ctx := context.Background()

	if _, err := sup.Submit(ctx, "t1", "goal"); err != nil {
		t.Fatal(err)
	}
	final, err := sup.Submit(ctx, "t1", "")
	if err != nil {
		t.Fatalf("approval Submit failed: %v", err)
	}
	if final.Kind != ResponseFinal {
		t.Fatalf("Kind = %q", final.Kind)
	}
	if !strings.Contains(final.Content, "failed") {
		t.Errorf("non-converging step must fail: %q", final.Content)
	}
	if len(worker.calls) != 2 {
		t.Errorf("worker called %d times, want the override cap of 2", len(worker.calls))
	}
}

func TestSupervisor_HandleMapEvicted(t *testing.T) {
	planner := &scriptedModel{responses: []*llms.ContentResponse{
		toolCallResponse("submit_plan", planArgs([2]string{"a", ""})),
	}}
	sup, _, _ := testSupervisor(planner, &scriptedModel{})

	if _, err := sup.Submit(context.Background(), "t1", "goal"); err != nil {
		t.Fatal(err)
	}

	sup.mu.Lock()
	n := len(sup.threads)
	sup.mu.Unlock()
	if n != 0 {
		t.Errorf("threads map holds %d idle handles, want 0", n)
	}
}

// blockingModel parks the first GenerateContent call until released, so a
// second submission can race against an in-flight run.
type blockingModel struct {
	started chan struct{}
	release chan struct{}
	inner   *scriptedModel
	once    sync.Once
}

func (m *blockingModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, opts ...llms.CallOption) (*llms.ContentResponse, error) {
	m.once.Do(func() {
		close(m.started)
		<-m.release
	})
	return m.inner.GenerateContent(ctx, messages, opts...)
}

func (m *blockingModel) Call(ctx context.Context, prompt string, _ ...llms.CallOption) (string, error) {
	return "", fmt.Errorf("Call is not supported by blockingModel")
}

func TestSupervisor_SecondSubmitWhileRunning(t *testing.T) {
	planner := &blockingModel{
		started: make(chan struct{}),
		release: make(chan struct{}),
		inner: &scriptedModel{responses: []*llms.ContentResponse{
			toolCallResponse("submit_plan", planArgs([2]string{"a", ""})),
		}},
	}
	sup, _, _ := testSupervisor(planner, &scriptedModel{})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := sup.Submit(ctx, "t1", "goal")
		done <- err
	}()

	<-planner.started
	if _, err := sup.Submit(ctx, "t1", "another goal"); !errors.Is(err, ErrRunInFlight) {
		t.Fatalf("err = %v, want ErrRunInFlight", err)
	}

	// A different thread is not serialized against t1.
	planner2 := &scriptedModel{responses: []*llms.ContentResponse{
		toolCallResponse("submit_plan", planArgs([2]string{"a", ""})),
	}}
	sup.Planner = planner2
	close(planner.release)
	if err := <-done; err != nil {
		t.Fatalf("first Submit failed: %v", err)
	}

	if _, err := sup.Submit(ctx, "t2", "other goal"); err != nil {
		t.Fatalf("second thread Submit failed: %v", err)
	}
}
