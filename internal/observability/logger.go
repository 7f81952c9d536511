package observability

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

// EventType defines the category of the log event.
type EventType string

const (
	EventTypeRun         EventType = "run"
	EventTypePlan        EventType = "plan"
	EventTypeStep        EventType = "step"
	EventTypeToolCall    EventType = "tool_call"
	EventTypeToolResult  EventType = "tool_result"
	EventTypePolicyCheck EventType = "policy_check"
	EventTypeMemory      EventType = "memory"
	EventTypeResearch    EventType = "research"
	EventTypeHeartbeat   EventType = "heartbeat"
	EventTypeLLM         EventType = "llm"
)

// Event represents a structured log entry.
type Event struct {
	Type      EventType `json:"type"`
	ThreadID  string    `json:"thread_id,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Logger handles structured logging. A nil *Logger drops every event, so
// collaborators never need to guard their log calls.
type Logger struct {
	llmLogPath string
	maxSize    int64
}

func NewLogger() *Logger {
	return &Logger{
		llmLogPath: filepath.Join("logs", "llm.jsonl"),
		maxSize:    10 * 1024 * 1024, // 10MB
	}
}

// Log emits a structured JSON event to stdout.
func (l *Logger) Log(evt Event) {
	if l == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		fmt.Printf("{\"error\": \"failed to marshal event: %v\"}\n", err)
		return
	}
	fmt.Println(string(data))

	if evt.Type == EventTypeLLM {
		l.writeToFile(data)
	}
}

func (l *Logger) writeToFile(data []byte) {
	if err := os.MkdirAll(filepath.Dir(l.llmLogPath), 0755); err != nil {
		log.Printf("failed to create log directory: %v", err)
		return
	}

	// Check size before writing
	info, err := os.Stat(l.llmLogPath)
	if err == nil && info.Size() > l.maxSize {
		l.rotateLogs()
	}

	f, err := os.OpenFile(l.llmLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Printf("failed to open log file: %v", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		log.Printf("failed to write to log file: %v", err)
	}
}

func (l *Logger) rotateLogs() {
	// Simple rotation: keep one .old file
	oldPath := l.llmLogPath + ".old"
	_ = os.Remove(oldPath)
	_ = os.Rename(l.llmLogPath, oldPath)
}

// Helper methods for common events

func (l *Logger) LogRunStarted(threadID, runID, goal string) {
	l.Log(Event{
		Type:     EventTypeRun,
		ThreadID: threadID,
		RunID:    runID,
		Data:     map[string]string{"status": "started", "goal": goal},
	})
}

func (l *Logger) LogRunFinished(threadID, runID string, toolsInvoked []string) {
	l.Log(Event{
		Type:     EventTypeRun,
		ThreadID: threadID,
		RunID:    runID,
		Data:     map[string]any{"status": "finished", "tools_invoked": toolsInvoked},
	})
}

func (l *Logger) LogPlanProposed(steps int) {
	l.Log(Event{
		Type: EventTypePlan,
		Data: map[string]any{"status": "proposed", "steps": steps},
	})
}

func (l *Logger) LogPlanRejected(diagnostic string) {
	l.Log(Event{
		Type: EventTypePlan,
		Data: map[string]string{"status": "rejected", "diagnostic": diagnostic},
	})
}

func (l *Logger) LogPlanApproved(threadID, runID string) {
	l.Log(Event{
		Type:     EventTypePlan,
		ThreadID: threadID,
		RunID:    runID,
		Data:     map[string]string{"status": "approved"},
	})
}

func (l *Logger) LogStep(threadID, runID, stepID, status string) {
	l.Log(Event{
		Type:     EventTypeStep,
		ThreadID: threadID,
		RunID:    runID,
		Data:     map[string]string{"step": stepID, "status": status},
	})
}

func (l *Logger) LogToolCall(threadID, runID, tool, args string) {
	l.Log(Event{
		Type:     EventTypeToolCall,
		ThreadID: threadID,
		RunID:    runID,
		Data: map[string]string{
			"tool": tool,
			"args": args,
		},
	})
}

func (l *Logger) LogToolResult(threadID, runID, tool, result string) {
	if len(result) > 2000 {
		result = result[:2000] + "..."
	}
	l.Log(Event{
		Type:     EventTypeToolResult,
		ThreadID: threadID,
		RunID:    runID,
		Data: map[string]string{
			"tool":   tool,
			"result": result,
		},
	})
}

func (l *Logger) LogPolicyDenial(threadID, tool, reason string) {
	l.Log(Event{
		Type:     EventTypePolicyCheck,
		ThreadID: threadID,
		Data: map[string]string{
			"tool":   tool,
			"effect": "deny",
			"reason": reason,
		},
	})
}

func (l *Logger) LogResearchFailed(threadID, runID string, err error) {
	l.Log(Event{
		Type:     EventTypeResearch,
		ThreadID: threadID,
		RunID:    runID,
		Data:     map[string]string{"status": "failed", "error": err.Error()},
	})
}

func (l *Logger) LogCompactionFailed(threadID string, err error) {
	l.Log(Event{
		Type:     EventTypeMemory,
		ThreadID: threadID,
		Data:     map[string]string{"status": "failed", "error": err.Error()},
	})
}

func (l *Logger) LogHeartbeat() {
	l.Log(Event{
		Type: EventTypeHeartbeat,
		Data: map[string]string{"status": "alive"},
	})
}

func (l *Logger) LogLLM(threadID, runID string, prompt any, response string, toolCalls any) {
	l.Log(Event{
		Type:     EventTypeLLM,
		ThreadID: threadID,
		RunID:    runID,
		Data: map[string]any{
			"prompt":     prompt,
			"response":   response,
			"tool_calls": toolCalls,
		},
	})
}
