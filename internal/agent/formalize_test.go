package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/tmc/langchaingo/llms"
)

// planArgs builds submit_plan arguments for worker steps with the given
// id -> dependencies wiring.
func planArgs(steps ...[2]string) string {
	type workerCfg struct {
		Role        string `json:"role"`
		Instruction string `json:"instruction"`
		StateKey    string `json:"state_key"`
	}
	type step struct {
		ID           string    `json:"id"`
		Title        string    `json:"title"`
		Description  string    `json:"description"`
		Dependencies []string  `json:"dependencies"`
		Destination  string    `json:"destination"`
		Worker       workerCfg `json:"worker"`
	}
	var out struct {
		Steps []step `json:"steps"`
	}
	for _, s := range steps {
		deps := []string{}
		if s[1] != "" {
			deps = []string{s[1]}
		}
		out.Steps = append(out.Steps, step{
			ID:           s[0],
			Title:        "step " + s[0],
			Description:  "do " + s[0],
			Dependencies: deps,
			Destination:  "worker",
			Worker:       workerCfg{Role: "assistant", Instruction: "do " + s[0], StateKey: "out_" + s[0]},
		})
	}
	data, _ := json.Marshal(out)
	return string(data)
}

func TestFormalizer_RunSuspendsWithValidPlan(t *testing.T) {
	model := &scriptedModel{responses: []*llms.ContentResponse{
		toolCallResponse("submit_plan", planArgs([2]string{"a", ""}, [2]string{"b", "a"})),
	}}

	st := NewFormalization("plan my week", "")
	f := NewFormalizer(model, "manifest", nil)
	if err := f.Run(context.Background(), st); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if st.Phase != PhaseAwaitFeedback {
		t.Fatalf("Phase = %q, want await_feedback", st.Phase)
	}
	if st.Plan == nil || len(st.Plan.Steps) != 2 {
		t.Fatalf("unexpected plan: %+v", st.Plan)
	}
}

func TestFormalizer_InvalidPlanLoopsBackWithDiagnostic(t *testing.T) {
	model := &scriptedModel{responses: []*llms.ContentResponse{
		// a <-> b cycle, rejected by the validator.
		toolCallResponse("submit_plan", func() string {
			s := planArgs([2]string{"a", "b"}, [2]string{"b", "a"})
			return s
		}()),
		toolCallResponse("submit_plan", planArgs([2]string{"a", ""})),
	}}

	st := NewFormalization("goal", "")
	f := NewFormalizer(model, "manifest", nil)
	if err := f.Run(context.Background(), st); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if st.Phase != PhaseAwaitFeedback {
		t.Fatalf("Phase = %q", st.Phase)
	}
	errLog := st.ErrorLog()
	if len(errLog) != 1 {
		t.Fatalf("ErrorLog = %v, want one diagnostic", errLog)
	}
	// The second planner call must have seen the diagnostic.
	if len(model.calls) != 2 {
		t.Fatalf("planner called %d times, want 2", len(model.calls))
	}
}

func TestFormalizer_ParseFailureCap(t *testing.T) {
	var responses []*llms.ContentResponse
	for i := 0; i < 5; i++ {
		responses = append(responses, textResponse("no structured plan here"))
	}
	model := &scriptedModel{responses: responses}

	st := NewFormalization("goal", "")
	f := NewFormalizer(model, "manifest", nil)
	err := f.Run(context.Background(), st)
	if !errors.Is(err, ErrPlannerMalformed) {
		t.Fatalf("err = %v, want ErrPlannerMalformed", err)
	}
	if st.ParseFailures != f.MaxParseRetries {
		t.Errorf("ParseFailures = %d, want %d", st.ParseFailures, f.MaxParseRetries)
	}
}

func TestFormalizer_ResumeApproveAfterRoundTrip(t *testing.T) {
	model := &scriptedModel{responses: []*llms.ContentResponse{
		toolCallResponse("submit_plan", planArgs([2]string{"a", ""})),
	}}

	st := NewFormalization("goal", "briefing")
	f := NewFormalizer(model, "manifest", nil)
	if err := f.Run(context.Background(), st); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// The suspend point must survive serialization.
	data, err := json.Marshal(st)
	if err != nil {
		t.Fatal(err)
	}
	var restored Formalization
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatal(err)
	}

	if err := f.Resume(context.Background(), &restored, "  "); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if restored.Phase != PhaseEnd {
		t.Errorf("Phase = %q, want end", restored.Phase)
	}
	if restored.Plan == nil || len(restored.Plan.Steps) != 1 || restored.Plan.Steps[0].ID != "a" {
		t.Errorf("approved plan lost in round trip: %+v", restored.Plan)
	}
}

func TestFormalizer_ResumeFeedbackRevises(t *testing.T) {
	model := &scriptedModel{responses: []*llms.ContentResponse{
		toolCallResponse("submit_plan", planArgs([2]string{"a", ""})),
		toolCallResponse("submit_plan", planArgs([2]string{"a", ""}, [2]string{"b", "a"})),
	}}

	st := NewFormalization("goal", "")
	f := NewFormalizer(model, "manifest", nil)
	if err := f.Run(context.Background(), st); err != nil {
		t.Fatal(err)
	}

	if err := f.Resume(context.Background(), st, "add a second step"); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if st.Phase != PhaseAwaitFeedback {
		t.Fatalf("Phase = %q", st.Phase)
	}
	if len(st.Plan.Steps) != 2 {
		t.Errorf("revised plan has %d steps, want 2", len(st.Plan.Steps))
	}
	fb := st.FeedbackLog()
	if len(fb) != 1 || fb[0] != "add a second step" {
		t.Errorf("FeedbackLog = %v", fb)
	}
}

func TestFormalizer_ResumeWithoutSuspend(t *testing.T) {
	st := NewFormalization("goal", "")
	f := NewFormalizer(&scriptedModel{}, "manifest", nil)
	if err := f.Resume(context.Background(), st, ""); !errors.Is(err, ErrNotSuspended) {
		t.Fatalf("err = %v, want ErrNotSuspended", err)
	}
}

func TestParsePlanText_MarkedBlockFallback(t *testing.T) {
	content := fmt.Sprintf("Sure, here is my plan.\n### PLAN ###\n```json\n%s\n```", planArgs([2]string{"a", ""}))
	p, err := parsePlanText(content)
	if err != nil {
		t.Fatalf("parsePlanText failed: %v", err)
	}
	if len(p.Steps) != 1 || p.Steps[0].ID != "a" {
		t.Errorf("unexpected plan: %+v", p)
	}

	if _, err := parsePlanText("no marker at all"); err == nil {
		t.Error("expected error without plan marker")
	}
}

func TestFormalizer_RevisionOrderPreserved(t *testing.T) {
	model := &scriptedModel{responses: []*llms.ContentResponse{
		toolCallResponse("submit_plan", planArgs([2]string{"a", "b"}, [2]string{"b", "a"})), // rejected
		toolCallResponse("submit_plan", planArgs([2]string{"a", ""})),                      // accepted
		toolCallResponse("submit_plan", planArgs([2]string{"a", ""}, [2]string{"b", "a"})), // after feedback
	}}

	st := NewFormalization("goal", "")
	f := NewFormalizer(model, "manifest", nil)
	if err := f.Run(context.Background(), st); err != nil {
		t.Fatal(err)
	}
	if err := f.Resume(context.Background(), st, "one more step please"); err != nil {
		t.Fatal(err)
	}

	if len(st.Revisions) != 2 {
		t.Fatalf("Revisions = %+v, want 2 entries", st.Revisions)
	}
	if st.Revisions[0].Kind != "error" || st.Revisions[1].Kind != "feedback" {
		t.Errorf("revision order broken: %+v", st.Revisions)
	}
}
