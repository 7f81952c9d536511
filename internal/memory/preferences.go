package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tmc/langchaingo/llms"
)

// UserPreferences is the per-user configuration snapshot injected into worker
// prompts. Fields are pointers-free; zero values mean "not set".
type UserPreferences struct {
	Nickname string `json:"nickname,omitempty"`
	Pronouns string `json:"pronouns,omitempty"`
	Timezone string `json:"timezone,omitempty"`

	TonePreferences    string `json:"tone_preferences,omitempty"`
	SummaryPreferences string `json:"summary_preferences,omitempty"`

	MeetingLengthDefault    int `json:"meeting_length_default,omitempty"`
	BufferTimeDefault       int `json:"buffer_time_default,omitempty"`
	ReminderScheduleDefault int `json:"reminder_schedule_default,omitempty"`

	DailySummaryNotification bool   `json:"daily_summary_notification,omitempty"`
	DailySummaryTime         string `json:"daily_summary_notification_time,omitempty"` // "15:04"
}

// Merge overlays the non-zero fields of other onto p.
func (p *UserPreferences) Merge(other *UserPreferences) bool {
	changed := false
	apply := func(dst *string, src string) {
		if src != "" && src != *dst {
			*dst = src
			changed = true
		}
	}
	apply(&p.Nickname, other.Nickname)
	apply(&p.Pronouns, other.Pronouns)
	apply(&p.Timezone, other.Timezone)
	apply(&p.TonePreferences, other.TonePreferences)
	apply(&p.SummaryPreferences, other.SummaryPreferences)
	apply(&p.DailySummaryTime, other.DailySummaryTime)

	applyInt := func(dst *int, src int) {
		if src != 0 && src != *dst {
			*dst = src
			changed = true
		}
	}
	applyInt(&p.MeetingLengthDefault, other.MeetingLengthDefault)
	applyInt(&p.BufferTimeDefault, other.BufferTimeDefault)
	applyInt(&p.ReminderScheduleDefault, other.ReminderScheduleDefault)

	if other.DailySummaryNotification && !p.DailySummaryNotification {
		p.DailySummaryNotification = true
		changed = true
	}
	return changed
}

const extractorSystemPrompt = `You maintain a user profile for a personal operations assistant.
Analyze the conversation and record any NEW preferences the user expressed.

Current preferences:
%s

Call record_preferences with only the fields that changed. If nothing changed, do not call it.`

// Extractor pulls preference updates out of a conversation tail.
type Extractor struct {
	Model llms.Model
}

// Extract returns the updated preferences and whether anything changed.
func (e *Extractor) Extract(ctx context.Context, current UserPreferences, tail []llms.MessageContent) (UserPreferences, bool, error) {
	currentJSON, err := json.Marshal(current)
	if err != nil {
		return current, false, err
	}

	messages := []llms.MessageContent{
		{Role: llms.ChatMessageTypeSystem, Parts: []llms.ContentPart{
			llms.TextPart(fmt.Sprintf(extractorSystemPrompt, currentJSON)),
		}},
	}
	messages = append(messages, tail...)
	messages = append(messages, llms.MessageContent{
		Role:  llms.ChatMessageTypeHuman,
		Parts: []llms.ContentPart{llms.TextPart("Extract preferences from the conversation above.")},
	})

	resp, err := e.Model.GenerateContent(ctx, messages, llms.WithTools([]llms.Tool{recordPreferencesTool()}))
	if err != nil {
		return current, false, fmt.Errorf("preference extraction failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return current, false, nil
	}

	for _, tc := range resp.Choices[0].ToolCalls {
		if tc.FunctionCall.Name != "record_preferences" {
			continue
		}
		var update UserPreferences
		if err := json.Unmarshal([]byte(tc.FunctionCall.Arguments), &update); err != nil {
			return current, false, fmt.Errorf("failed to parse extracted preferences: %v", err)
		}
		changed := current.Merge(&update)
		return current, changed, nil
	}
	return current, false, nil
}

func recordPreferencesTool() llms.Tool {
	return llms.Tool{
		Type: "function",
		Function: &llms.FunctionDefinition{
			Name:        "record_preferences",
			Description: "Record new or changed user preferences.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"nickname":            map[string]any{"type": "string"},
					"pronouns":            map[string]any{"type": "string"},
					"timezone":            map[string]any{"type": "string", "description": "IANA timezone, e.g. America/New_York"},
					"tone_preferences":    map[string]any{"type": "string"},
					"summary_preferences": map[string]any{"type": "string"},
					"meeting_length_default":    map[string]any{"type": "integer"},
					"buffer_time_default":       map[string]any{"type": "integer"},
					"reminder_schedule_default": map[string]any{"type": "integer"},
					"daily_summary_notification": map[string]any{"type": "boolean"},
					"daily_summary_notification_time": map[string]any{"type": "string", "description": "24h clock, e.g. 08:30"},
				},
			},
		},
	}
}
