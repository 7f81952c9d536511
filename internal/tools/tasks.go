package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
)

const tasksAPIBase = "https://tasks.googleapis.com/tasks/v1"

// NewTaskTools returns the Google Tasks toolset for one session.
func NewTaskTools(source TokenSource) []Tool {
	return []Tool{
		&ListTasklistsTool{source: source},
		&InsertTaskTool{source: source},
		&ListTasksTool{source: source},
		&CompleteTaskTool{source: source},
	}
}

type ListTasklistsTool struct {
	source TokenSource
}

func (t *ListTasklistsTool) Name() string { return "list_tasklists" }

func (t *ListTasklistsTool) Description() string {
	return "List the user's task lists with their ids and titles. Use this to discover a tasklist id before reading or writing tasks in a specific list."
}

func (t *ListTasklistsTool) Parameters() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
}

func (t *ListTasklistsTool) Execute(ctx context.Context, input string) (string, error) {
	return googleRequest(ctx, t.source, "GET", tasksAPIBase+"/users/@me/lists", nil)
}

type InsertTaskTool struct {
	source TokenSource
}

func (t *InsertTaskTool) Name() string { return "insert_task" }

func (t *InsertTaskTool) Description() string {
	return "Create a task in a task list. Defaults to the '@default' list. Due dates must be RFC 3339 timestamps."
}

func (t *InsertTaskTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title": map[string]any{
				"type":        "string",
				"description": "The title of the task",
			},
			"notes": map[string]any{
				"type":        "string",
				"description": "Optional free-form notes",
			},
			"due": map[string]any{
				"type":        "string",
				"description": "Optional due date, RFC 3339 (e.g. 2025-06-01T09:00:00Z)",
			},
			"tasklist_id": map[string]any{
				"type":        "string",
				"description": "Target task list id, '@default' if omitted",
			},
		},
		"required": []string{"title"},
	}
}

func (t *InsertTaskTool) Execute(ctx context.Context, input string) (string, error) {
	var args struct {
		Title      string `json:"title"`
		Notes      string `json:"notes"`
		Due        string `json:"due"`
		TasklistID string `json:"tasklist_id"`
	}
	if err := json.Unmarshal([]byte(input), &args); err != nil {
		return "", fmt.Errorf("invalid input: %v", err)
	}
	if args.Title == "" {
		return "", fmt.Errorf("title is required")
	}
	if args.TasklistID == "" {
		args.TasklistID = "@default"
	}

	body := map[string]any{"title": args.Title}
	if args.Notes != "" {
		body["notes"] = args.Notes
	}
	if args.Due != "" {
		body["due"] = args.Due
	}

	endpoint := fmt.Sprintf("%s/lists/%s/tasks", tasksAPIBase, url.PathEscape(args.TasklistID))
	return googleRequest(ctx, t.source, "POST", endpoint, body)
}

type ListTasksTool struct {
	source TokenSource
}

func (t *ListTasksTool) Name() string { return "list_tasks" }

func (t *ListTasksTool) Description() string {
	return "List tasks in a task list, including completed ones. Defaults to the '@default' list."
}

func (t *ListTasksTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"tasklist_id": map[string]any{
				"type":        "string",
				"description": "Task list id, '@default' if omitted",
			},
		},
	}
}

func (t *ListTasksTool) Execute(ctx context.Context, input string) (string, error) {
	var args struct {
		TasklistID string `json:"tasklist_id"`
	}
	if input != "" {
		if err := json.Unmarshal([]byte(input), &args); err != nil {
			return "", fmt.Errorf("invalid input: %v", err)
		}
	}
	if args.TasklistID == "" {
		args.TasklistID = "@default"
	}

	endpoint := fmt.Sprintf("%s/lists/%s/tasks?showCompleted=true", tasksAPIBase, url.PathEscape(args.TasklistID))
	return googleRequest(ctx, t.source, "GET", endpoint, nil)
}

type CompleteTaskTool struct {
	source TokenSource
}

func (t *CompleteTaskTool) Name() string { return "complete_task" }

func (t *CompleteTaskTool) Description() string {
	return "Mark a task as completed by its id. Get the task id from list_tasks first."
}

func (t *CompleteTaskTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task_id": map[string]any{
				"type":        "string",
				"description": "The id of the task to complete",
			},
			"tasklist_id": map[string]any{
				"type":        "string",
				"description": "Task list id, '@default' if omitted",
			},
		},
		"required": []string{"task_id"},
	}
}

func (t *CompleteTaskTool) Execute(ctx context.Context, input string) (string, error) {
	var args struct {
		TaskID     string `json:"task_id"`
		TasklistID string `json:"tasklist_id"`
	}
	if err := json.Unmarshal([]byte(input), &args); err != nil {
		return "", fmt.Errorf("invalid input: %v", err)
	}
	if args.TaskID == "" {
		return "", fmt.Errorf("task_id is required")
	}
	if args.TasklistID == "" {
		args.TasklistID = "@default"
	}

	endpoint := fmt.Sprintf("%s/lists/%s/tasks/%s", tasksAPIBase,
		url.PathEscape(args.TasklistID), url.PathEscape(args.TaskID))
	return googleRequest(ctx, t.source, "PATCH", endpoint, map[string]any{"status": "completed"})
}
