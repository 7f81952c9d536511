package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/rahul/majordomo/internal/agent"
	"github.com/rahul/majordomo/internal/plan"
)

// Messenger defines the interface for communication gateways (Telegram, Discord, etc.)
type Messenger interface {
	// Start begins the message listening loop
	Start() error
	// Send sends a message to a specific chat
	Send(chatID string, text string) error
	// Stop gracefully shuts down the gateway
	Stop() error
}

// Submitter is the piece of the supervisor the gateways drive.
type Submitter interface {
	Submit(ctx context.Context, threadID, input string) (*agent.Response, error)
}

// approvalWords are chat shorthand for accepting a proposed plan. The
// supervisor treats empty feedback as approval, so these map to "".
var approvalWords = map[string]bool{
	"approve": true, "approved": true, "ok": true, "okay": true,
	"yes": true, "lgtm": true, "go": true, "go ahead": true,
}

// NormalizeInput maps approval shorthand to the empty string and trims the rest.
func NormalizeInput(text string) string {
	trimmed := strings.TrimSpace(text)
	if approvalWords[strings.ToLower(trimmed)] {
		return ""
	}
	return trimmed
}

// FormatResponse renders a supervisor response for a chat surface.
func FormatResponse(resp *agent.Response) string {
	switch resp.Kind {
	case agent.ResponsePlanReview:
		var sb strings.Builder
		sb.WriteString("Here is the plan:\n\n")
		sb.WriteString(FormatPlan(resp.Plan))
		sb.WriteString("\nReply with feedback to revise it, or \"approve\" to run it.")
		return sb.String()

	case agent.ResponseUserAction:
		var sb strings.Builder
		sb.WriteString(resp.Prompt)
		switch resp.Action {
		case plan.ActionUploadFile:
			sb.WriteString("\n(Please send the file.)")
		case plan.ActionApprove:
			sb.WriteString("\n(Reply \"approve\" to continue.)")
		case plan.ActionProvideText, plan.ActionNone:
		}
		return sb.String()

	case agent.ResponseFinal:
		return resp.Content

	default:
		return "I did something, but I am not sure how to describe it."
	}
}

// FormatPlan renders the step list with dependencies and ownership.
func FormatPlan(p *plan.Plan) string {
	if p == nil || len(p.Steps) == 0 {
		return "(empty plan)"
	}
	var sb strings.Builder
	for i, step := range p.Steps {
		owner := "me"
		if step.Destination == plan.DestUser {
			owner = "you"
		}
		fmt.Fprintf(&sb, "%d. [%s] %s", i+1, owner, step.Title)
		if len(step.Dependencies) > 0 {
			fmt.Fprintf(&sb, " (after %s)", strings.Join(step.Dependencies, ", "))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
