package memory

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
)

const summarizeInstruction = "Summarize the conversation above."

const extendSummaryInstruction = `Summary of earlier conversation: %s

Extend the summary with the messages above.`

// Compactor bounds the growth of a conversation thread. Once the message
// count passes the threshold it folds older messages into a rolling summary
// and keeps only a short tail in the working set. The summary is authoritative
// for everything removed.
type Compactor struct {
	Model     llms.Model
	Threshold int
	KeepTail  int
}

func NewCompactor(model llms.Model) *Compactor {
	return &Compactor{
		Model:     model,
		Threshold: 5,
		// The worker call needs history ending on a user-origin message,
		// so the tail keeps the last exchange.
		KeepTail: 2,
	}
}

// ShouldCompact reports whether a thread with n messages since the last
// compaction is due.
func (c *Compactor) ShouldCompact(n int) bool {
	return n > c.Threshold
}

// Compact produces the updated rolling summary from the prior summary and the
// current messages, and returns the tail of messages to keep active.
func (c *Compactor) Compact(ctx context.Context, summary string, messages []llms.MessageContent) (string, []llms.MessageContent, error) {
	instruction := summarizeInstruction
	if summary != "" {
		instruction = fmt.Sprintf(extendSummaryInstruction, summary)
	}

	prompt := append(append([]llms.MessageContent(nil), messages...), llms.MessageContent{
		Role:  llms.ChatMessageTypeHuman,
		Parts: []llms.ContentPart{llms.TextPart(instruction)},
	})

	resp, err := c.Model.GenerateContent(ctx, prompt)
	if err != nil {
		return "", nil, fmt.Errorf("summarization failed: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Content == "" {
		return "", nil, fmt.Errorf("summarizer returned no content")
	}

	keep := messages
	if len(messages) > c.KeepTail {
		keep = messages[len(messages)-c.KeepTail:]
	}
	return resp.Choices[0].Content, keep, nil
}
