package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
)

const calendarEventsAPI = "https://www.googleapis.com/calendar/v3/calendars/primary/events"

// NewCalendarTools returns the Google Calendar toolset for one session.
func NewCalendarTools(source TokenSource) []Tool {
	return []Tool{
		&InsertEventTool{source: source},
		&ListEventsTool{source: source},
		&DeleteEventTool{source: source},
	}
}

type InsertEventTool struct {
	source TokenSource
}

func (t *InsertEventTool) Name() string { return "insert_event" }

func (t *InsertEventTool) Description() string {
	return "Create an event in the user's primary calendar. Start and end must be ISO 8601 date-times with start before end."
}

func (t *InsertEventTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"summary": map[string]any{
				"type":        "string",
				"description": "The title of the event",
			},
			"description": map[string]any{
				"type":        "string",
				"description": "Optional event description",
			},
			"start": map[string]any{
				"type":        "string",
				"description": "Start time, ISO 8601 (e.g. 2025-06-01T10:00:00Z)",
			},
			"end": map[string]any{
				"type":        "string",
				"description": "End time, ISO 8601",
			},
		},
		"required": []string{"summary", "start", "end"},
	}
}

func (t *InsertEventTool) Execute(ctx context.Context, input string) (string, error) {
	var args struct {
		Summary     string `json:"summary"`
		Description string `json:"description"`
		Start       string `json:"start"`
		End         string `json:"end"`
	}
	if err := json.Unmarshal([]byte(input), &args); err != nil {
		return "", fmt.Errorf("invalid input: %v", err)
	}
	if args.Summary == "" || args.Start == "" || args.End == "" {
		return "", fmt.Errorf("summary, start and end are required")
	}

	body := map[string]any{
		"summary": args.Summary,
		"start":   map[string]string{"dateTime": args.Start},
		"end":     map[string]string{"dateTime": args.End},
	}
	if args.Description != "" {
		body["description"] = args.Description
	}

	return googleRequest(ctx, t.source, "POST", calendarEventsAPI, body)
}

type ListEventsTool struct {
	source TokenSource
}

func (t *ListEventsTool) Name() string { return "list_events" }

func (t *ListEventsTool) Description() string {
	return "List upcoming events from the user's primary calendar, optionally bounded by a time window."
}

func (t *ListEventsTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"time_min": map[string]any{
				"type":        "string",
				"description": "Lower bound on event start time, ISO 8601",
			},
			"time_max": map[string]any{
				"type":        "string",
				"description": "Upper bound on event start time, ISO 8601",
			},
		},
	}
}

func (t *ListEventsTool) Execute(ctx context.Context, input string) (string, error) {
	var args struct {
		TimeMin string `json:"time_min"`
		TimeMax string `json:"time_max"`
	}
	if input != "" {
		if err := json.Unmarshal([]byte(input), &args); err != nil {
			return "", fmt.Errorf("invalid input: %v", err)
		}
	}

	query := url.Values{"singleEvents": {"true"}, "orderBy": {"startTime"}}
	if args.TimeMin != "" {
		query.Set("timeMin", args.TimeMin)
	}
	if args.TimeMax != "" {
		query.Set("timeMax", args.TimeMax)
	}

	return googleRequest(ctx, t.source, "GET", calendarEventsAPI+"?"+query.Encode(), nil)
}

type DeleteEventTool struct {
	source TokenSource
}

func (t *DeleteEventTool) Name() string { return "delete_event" }

func (t *DeleteEventTool) Description() string {
	return "Delete an event from the user's primary calendar by its id."
}

func (t *DeleteEventTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"event_id": map[string]any{
				"type":        "string",
				"description": "The id of the event to delete",
			},
		},
		"required": []string{"event_id"},
	}
}

func (t *DeleteEventTool) Execute(ctx context.Context, input string) (string, error) {
	var args struct {
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal([]byte(input), &args); err != nil {
		return "", fmt.Errorf("invalid input: %v", err)
	}
	if args.EventID == "" {
		return "", fmt.Errorf("event_id is required")
	}

	_, err := googleRequest(ctx, t.source, "DELETE", calendarEventsAPI+"/"+url.PathEscape(args.EventID), nil)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Event %s deleted.", args.EventID), nil
}
