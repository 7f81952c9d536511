package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/rahul/majordomo/internal/observability"
	"github.com/rahul/majordomo/internal/plan"
	"github.com/tmc/langchaingo/llms"
)

// Phase is the formalization machine's current state.
type Phase string

const (
	PhaseFormalize     Phase = "formalize"
	PhaseValidate      Phase = "validate"
	PhaseAwaitFeedback Phase = "await_feedback"
	PhaseEnd           Phase = "end"
)

// Revision is one entry of the machine's corrective history: either user
// feedback or a validation/parse diagnostic. Entries keep arrival order so
// the planner always sees the full ordered history.
type Revision struct {
	Kind string `json:"kind"` // "feedback" or "error"
	Text string `json:"text"`
}

// Formalization is the serializable state of one plan-formalization run.
// It is the sole carrier of continuation information across the
// await_feedback suspend point, so it must round-trip through JSON.
type Formalization struct {
	Goal          string     `json:"goal"`
	Context       string     `json:"context,omitempty"`
	Plan          *plan.Plan `json:"plan,omitempty"`
	Revisions     []Revision `json:"revisions,omitempty"`
	Phase         Phase      `json:"phase"`
	ParseFailures int        `json:"parse_failures"`
	Attempts      int        `json:"attempts"`
}

func NewFormalization(goal, researchContext string) *Formalization {
	return &Formalization{
		Goal:    goal,
		Context: researchContext,
		Phase:   PhaseFormalize,
	}
}

// FeedbackLog returns the user feedback entries in arrival order.
func (st *Formalization) FeedbackLog() []string {
	var out []string
	for _, r := range st.Revisions {
		if r.Kind == "feedback" {
			out = append(out, r.Text)
		}
	}
	return out
}

// ErrorLog returns the diagnostic entries in arrival order.
func (st *Formalization) ErrorLog() []string {
	var out []string
	for _, r := range st.Revisions {
		if r.Kind == "error" {
			out = append(out, r.Text)
		}
	}
	return out
}

// Formalizer drives a Formalization through propose -> validate ->
// await_feedback, looping back through the planner on every rejection.
type Formalizer struct {
	Model           llms.Model
	Manifest        string
	Logger          *observability.Logger
	MaxParseRetries int
	MaxAttempts     int
}

func NewFormalizer(model llms.Model, manifest string, logger *observability.Logger) *Formalizer {
	return &Formalizer{
		Model:           model,
		Manifest:        manifest,
		Logger:          logger,
		MaxParseRetries: 3,
		MaxAttempts:     10,
	}
}

// Run advances the machine until it suspends at await_feedback, ends, or
// fails. Returning with Phase == PhaseAwaitFeedback means the caller must
// surface st.Plan for review and later call Resume.
func (f *Formalizer) Run(ctx context.Context, st *Formalization) error {
	for {
		switch st.Phase {
		case PhaseFormalize:
			st.Attempts++
			if st.Attempts > f.MaxAttempts {
				return fmt.Errorf("planner did not produce an approvable plan in %d attempts", f.MaxAttempts)
			}

			proposed, err := f.propose(ctx, st)
			if err != nil {
				st.ParseFailures++
				if st.ParseFailures >= f.MaxParseRetries {
					return fmt.Errorf("%w: %v", ErrPlannerMalformed, err)
				}
				st.Revisions = append(st.Revisions, Revision{Kind: "error", Text: err.Error()})
				continue
			}
			st.ParseFailures = 0
			st.Plan = proposed
			st.Phase = PhaseValidate

		case PhaseValidate:
			ok, diag := plan.Validate(st.Plan)
			if !ok {
				f.Logger.LogPlanRejected(diag)
				st.Revisions = append(st.Revisions, Revision{Kind: "error", Text: diag})
				st.Phase = PhaseFormalize
				continue
			}
			f.Logger.LogPlanProposed(len(st.Plan.Steps))
			st.Phase = PhaseAwaitFeedback
			return nil

		case PhaseAwaitFeedback, PhaseEnd:
			return nil

		default:
			return fmt.Errorf("unknown formalization phase %q", st.Phase)
		}
	}
}

// Resume applies the user's review to a machine suspended at await_feedback.
// Empty feedback approves the plan; anything else re-enters the planner.
func (f *Formalizer) Resume(ctx context.Context, st *Formalization, feedback string) error {
	if st.Phase != PhaseAwaitFeedback {
		return ErrNotSuspended
	}

	if strings.TrimSpace(feedback) == "" {
		st.Phase = PhaseEnd
		return nil
	}

	st.Revisions = append(st.Revisions, Revision{Kind: "feedback", Text: feedback})
	st.Phase = PhaseFormalize
	st.Attempts = 0
	return f.Run(ctx, st)
}

// propose invokes the planner once and extracts a structured plan.
func (f *Formalizer) propose(ctx context.Context, st *Formalization) (*plan.Plan, error) {
	messages := f.buildMessages(st)

	resp, err := f.Model.GenerateContent(ctx, messages, llms.WithTools([]llms.Tool{submitPlanTool()}))
	if err != nil {
		return nil, fmt.Errorf("planner invocation failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("planner returned no choices")
	}
	choice := resp.Choices[0]

	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall.Name == "submit_plan" {
			return parsePlanJSON(tc.FunctionCall.Arguments)
		}
	}

	// Some models ignore the function and print the plan; accept a marked
	// JSON block as a fallback before counting a parse failure.
	if p, err := parsePlanText(choice.Content); err == nil {
		return p, nil
	}
	return nil, fmt.Errorf("planner reply contained no submit_plan call")
}

func (f *Formalizer) buildMessages(st *Formalization) []llms.MessageContent {
	system := fmt.Sprintf(formalizationSystemPrompt, f.Manifest)

	messages := []llms.MessageContent{
		{Role: llms.ChatMessageTypeSystem, Parts: []llms.ContentPart{llms.TextPart(system)}},
	}

	goal := "The user's goal: " + st.Goal
	if st.Context != "" {
		goal += "\n\nBackground briefing:\n" + st.Context
	}
	messages = append(messages, llms.MessageContent{
		Role: llms.ChatMessageTypeHuman, Parts: []llms.ContentPart{llms.TextPart(goal)},
	})

	if st.Plan != nil {
		if data, err := json.Marshal(st.Plan); err == nil {
			messages = append(messages, llms.MessageContent{
				Role:  llms.ChatMessageTypeAI,
				Parts: []llms.ContentPart{llms.TextPart("Current plan: " + string(data))},
			})
		}
	}

	for _, r := range st.Revisions {
		var text string
		if r.Kind == "feedback" {
			text = fmt.Sprintf(feedbackPrompt, r.Text)
		} else {
			text = fmt.Sprintf(planErrorPrompt, r.Text)
		}
		messages = append(messages, llms.MessageContent{
			Role: llms.ChatMessageTypeHuman, Parts: []llms.ContentPart{llms.TextPart(text)},
		})
	}
	return messages
}

func submitPlanTool() llms.Tool {
	stepSchema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id":          map[string]any{"type": "string"},
			"title":       map[string]any{"type": "string"},
			"description": map[string]any{"type": "string"},
			"dependencies": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
			"destination": map[string]any{
				"type": "string",
				"enum": []string{"user", "worker"},
			},
			"user": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"prompt": map[string]any{"type": "string"},
					"action": map[string]any{
						"type": "string",
						"enum": []string{"upload_file", "approve", "provide_text", "none"},
					},
					"file_extensions": map[string]any{
						"type":  "array",
						"items": map[string]any{"type": "string"},
					},
					"state_key": map[string]any{"type": "string"},
				},
				"required": []string{"prompt", "action"},
			},
			"worker": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"role":        map[string]any{"type": "string"},
					"instruction": map[string]any{"type": "string"},
					"tool_hint":   map[string]any{"type": "string"},
					"state_key":   map[string]any{"type": "string"},
				},
				"required": []string{"role", "instruction", "state_key"},
			},
			"resources": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"name":     map[string]any{"type": "string"},
						"required": map[string]any{"type": "boolean"},
					},
					"required": []string{"name", "required"},
				},
			},
		},
		"required": []string{"id", "title", "description", "dependencies", "destination"},
	}

	return llms.Tool{
		Type: "function",
		Function: &llms.FunctionDefinition{
			Name:        "submit_plan",
			Description: "Submit the complete plan as a structured list of steps.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"steps": map[string]any{
						"type":  "array",
						"items": stepSchema,
					},
				},
				"required": []string{"steps"},
			},
		},
	}
}

func parsePlanJSON(raw string) (*plan.Plan, error) {
	var p plan.Plan
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("failed to parse plan: %v", err)
	}
	if len(p.Steps) == 0 {
		return nil, fmt.Errorf("plan contains no steps")
	}

	for i := range p.Steps {
		s := &p.Steps[i]
		// A revision replaces the plan wholesale; every step starts over.
		s.Status = plan.StatusPending

		switch s.Destination {
		case plan.DestUser:
			if s.User == nil {
				return nil, fmt.Errorf("step %q has destination user but no user config", s.ID)
			}
		case plan.DestWorker:
			if s.Worker == nil {
				return nil, fmt.Errorf("step %q has destination worker but no worker config", s.ID)
			}
		default:
			return nil, fmt.Errorf("step %q has unknown destination %q", s.ID, s.Destination)
		}
	}
	return &p, nil
}

var planBlockPattern = regexp.MustCompile(`(?s)### PLAN ###\s*(.+)\z`)

func parsePlanText(content string) (*plan.Plan, error) {
	m := planBlockPattern.FindStringSubmatch(content)
	if m == nil {
		return nil, fmt.Errorf("no plan block in content")
	}
	raw := strings.TrimSpace(m[1])
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "```")
	return parsePlanJSON(strings.TrimSpace(raw))
}
