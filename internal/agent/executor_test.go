package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/tmc/langchaingo/llms"
)

func TestExecutor_RequiredResourceMissingFailsStep(t *testing.T) {
	resourcePlan := `{"steps": [
		{"id": "w1", "title": "file the invoice", "description": "needs the uploaded invoice",
		 "dependencies": [], "destination": "worker",
		 "worker": {"role": "assistant", "instruction": "file it", "state_key": "filed"},
		 "resources": [{"name": "invoice", "required": true}]},
		{"id": "w2", "title": "confirm filing", "description": "after filing",
		 "dependencies": ["w1"], "destination": "worker",
		 "worker": {"role": "assistant", "instruction": "confirm", "state_key": "confirmed"}}
	]}`

	planner := &scriptedModel{responses: []*llms.ContentResponse{
		toolCallResponse("submit_plan", resourcePlan),
	}}
	worker := &scriptedModel{}
	sup, checkpoints, _ := testSupervisor(planner, worker)
	ctx := context.Background()

	if _, err := sup.Submit(ctx, "t1", "file my invoice"); err != nil {
		t.Fatal(err)
	}
	final, err := sup.Submit(ctx, "t1", "")
	if err != nil {
		t.Fatalf("approval Submit failed: %v", err)
	}
	if final.Kind != ResponseFinal {
		t.Fatalf("Kind = %q, want final", final.Kind)
	}

	// The gated step fails with a structured message and never reaches the
	// worker; its dependent is skipped.
	if len(worker.calls) != 0 {
		t.Errorf("worker ran %d times for a resource-gated step, want 0", len(worker.calls))
	}
	if !strings.Contains(final.Content, "[failed] file the invoice: Error: required resources missing: invoice") {
		t.Errorf("missing structured resource failure:\n%s", final.Content)
	}
	if !strings.Contains(final.Content, "[skipped] confirm filing") {
		t.Errorf("dependent step not skipped:\n%s", final.Content)
	}
	if checkpoints.has("t1") {
		t.Error("finished run must clear the checkpoint")
	}
}

func TestExecutor_OptionalResourceDoesNotGate(t *testing.T) {
	optionalPlan := `{"steps": [
		{"id": "w1", "title": "draft the note", "description": "context is optional",
		 "dependencies": [], "destination": "worker",
		 "worker": {"role": "assistant", "instruction": "draft it", "state_key": "draft"},
		 "resources": [{"name": "style_guide", "required": false}]}
	]}`

	planner := &scriptedModel{responses: []*llms.ContentResponse{
		toolCallResponse("submit_plan", optionalPlan),
	}}
	worker := &scriptedModel{responses: []*llms.ContentResponse{
		textResponse("drafted"),
	}}
	sup, _, _ := testSupervisor(planner, worker)
	ctx := context.Background()

	if _, err := sup.Submit(ctx, "t1", "draft a note"); err != nil {
		t.Fatal(err)
	}
	final, err := sup.Submit(ctx, "t1", "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(final.Content, "[completed] draft the note") {
		t.Errorf("optional resource must not gate the step:\n%s", final.Content)
	}
}
