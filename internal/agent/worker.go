package agent

import (
	"context"
	"fmt"

	"github.com/rahul/majordomo/internal/governance"
	"github.com/rahul/majordomo/internal/observability"
	"github.com/rahul/majordomo/internal/tools"
	"github.com/tmc/langchaingo/llms"
)

// Worker drives one automated executor through a bounded tool-call loop.
// The worker model may only invoke tools present in the session registry;
// anything else comes back to it as a structured failure message.
type Worker struct {
	Model         llms.Model
	Registry      *tools.Registry
	Policy        governance.PolicyEngine
	Logger        *observability.Logger
	MaxIterations int
}

// WorkerResult is the outcome of one worker turn: the final textual content
// plus the tools invoked along the way, for observability.
type WorkerResult struct {
	Content      string
	ToolsInvoked []string
}

func NewWorker(model llms.Model, registry *tools.Registry, policy governance.PolicyEngine, logger *observability.Logger) *Worker {
	return &Worker{
		Model:         model,
		Registry:      registry,
		Policy:        policy,
		Logger:        logger,
		MaxIterations: 8,
	}
}

// Run invokes the worker with the given history until it replies without
// requesting a tool. The history must end on a user-origin message.
func (w *Worker) Run(ctx context.Context, threadID string, history []llms.MessageContent) (*WorkerResult, error) {
	llmTools := make([]llms.Tool, 0, w.Registry.Len())
	for _, t := range w.Registry.All() {
		llmTools = append(llmTools, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}

	messages := append([]llms.MessageContent(nil), history...)
	var invoked []string

	for i := 0; i < w.MaxIterations; i++ {
		resp, err := w.Model.GenerateContent(ctx, messages, llms.WithTools(llmTools))
		if err != nil {
			return nil, fmt.Errorf("worker invocation failed: %w", err)
		}
		if len(resp.Choices) == 0 {
			return nil, fmt.Errorf("worker returned no choices")
		}
		choice := resp.Choices[0]

		var assistantParts []llms.ContentPart
		if choice.Content != "" {
			assistantParts = append(assistantParts, llms.TextContent{Text: choice.Content})
		}
		for _, tc := range choice.ToolCalls {
			assistantParts = append(assistantParts, tc)
		}
		messages = append(messages, llms.MessageContent{
			Role:  llms.ChatMessageTypeAI,
			Parts: assistantParts,
		})

		if len(choice.ToolCalls) == 0 {
			if choice.Content == "" {
				// Neither text nor a tool request is an unrecognized reply
				// shape; refuse to coerce it into an empty answer.
				return nil, fmt.Errorf("worker reply carried no content and no tool call")
			}
			return &WorkerResult{Content: choice.Content, ToolsInvoked: invoked}, nil
		}

		for _, tc := range choice.ToolCalls {
			name := tc.FunctionCall.Name
			args := tc.FunctionCall.Arguments
			invoked = append(invoked, name)

			result := w.executeTool(ctx, threadID, name, args)

			messages = append(messages, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{
					llms.ToolCallResponse{
						ToolCallID: tc.ID,
						Name:       name,
						Content:    result,
					},
				},
			})
		}
	}

	return nil, ErrNoConvergence
}

// executeTool resolves and runs one requested tool. Every failure mode is
// folded into a message for the worker; nothing here aborts the turn.
func (w *Worker) executeTool(ctx context.Context, threadID, name, args string) string {
	tool := w.Registry.Get(name)
	if tool == nil {
		return fmt.Sprintf("Error: tool %q is not available in this session. Choose a different action.", name)
	}

	if w.Policy != nil {
		verdict, err := w.Policy.Evaluate(ctx, governance.Request{Tool: name, Arguments: args, ThreadID: threadID})
		if err != nil {
			return fmt.Sprintf("Error: policy evaluation failed: %v", err)
		}
		if verdict.Effect == governance.EffectDeny {
			w.Logger.LogPolicyDenial(threadID, name, verdict.Reason)
			return fmt.Sprintf("Error: tool %q was denied: %s", name, verdict.Reason)
		}
	}

	w.Logger.LogToolCall(threadID, "", name, args)
	result, err := tool.Execute(ctx, args)
	if err != nil {
		result = fmt.Sprintf("Error: %v", err)
	}
	w.Logger.LogToolResult(threadID, "", name, result)
	return result
}
