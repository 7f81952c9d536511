package plan

import "fmt"

// Status tracks a step through its lifecycle.
type Status string

const (
	StatusPending        Status = "pending"
	StatusInProgress     Status = "in_progress"
	StatusWaitingForUser Status = "waiting_for_user"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusSkipped        Status = "skipped"
)

// Destination says who carries out a step.
type Destination string

const (
	DestUser   Destination = "user"
	DestWorker Destination = "worker"
)

// ActionKind is what a user-destination step expects from the user.
type ActionKind string

const (
	ActionUploadFile  ActionKind = "upload_file"
	ActionApprove     ActionKind = "approve"
	ActionProvideText ActionKind = "provide_text"
	ActionNone        ActionKind = "none"
)

// UserConfig configures a step the user performs.
type UserConfig struct {
	Prompt         string     `json:"prompt"`
	Action         ActionKind `json:"action"`
	FileExtensions []string   `json:"file_extensions,omitempty"`
	StateKey       string     `json:"state_key,omitempty"`
}

// WorkerConfig configures a step delegated to an automated worker.
type WorkerConfig struct {
	Role        string `json:"role"`
	Instruction string `json:"instruction"`
	ToolHint    string `json:"tool_hint,omitempty"`
	StateKey    string `json:"state_key"`
}

// Resource names an external artifact a step needs before it may start.
type Resource struct {
	Name     string `json:"name"`
	Required bool   `json:"required"`
}

// Step is a single unit of work inside a Plan.
type Step struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	Description  string        `json:"description"`
	Status       Status        `json:"status"`
	Dependencies []string      `json:"dependencies"`
	Destination  Destination   `json:"destination"`
	User         *UserConfig   `json:"user,omitempty"`
	Worker       *WorkerConfig `json:"worker,omitempty"`
	Resources    []Resource    `json:"resources,omitempty"`
}

// Plan is an ordered sequence of steps whose dependencies form a DAG.
// A plan is replaced wholesale on every revision, never patched in place.
type Plan struct {
	Steps []Step `json:"steps"`
}

// Step returns the step with the given id, or nil.
func (p *Plan) Step(id string) *Step {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// Ready returns the pending steps whose dependencies have all completed.
func (p *Plan) Ready() []*Step {
	done := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if s.Status == StatusCompleted {
			done[s.ID] = true
		}
	}

	var ready []*Step
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.Status != StatusPending {
			continue
		}
		ok := true
		for _, dep := range s.Dependencies {
			if !done[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, s)
		}
	}
	return ready
}

// Done reports whether every step reached a terminal status.
func (p *Plan) Done() bool {
	for _, s := range p.Steps {
		switch s.Status {
		case StatusCompleted, StatusFailed, StatusSkipped:
		default:
			return false
		}
	}
	return true
}

// Advance moves the step to the next status, enforcing the legal order:
// pending -> in_progress -> {completed, failed, skipped}, with an optional
// pending -> waiting_for_user -> in_progress detour.
func (s *Step) Advance(next Status) error {
	allowed := false
	switch s.Status {
	case StatusPending:
		allowed = next == StatusInProgress || next == StatusWaitingForUser
	case StatusWaitingForUser:
		allowed = next == StatusInProgress
	case StatusInProgress:
		allowed = next == StatusCompleted || next == StatusFailed || next == StatusSkipped
	}
	if !allowed {
		return fmt.Errorf("step %s: illegal status transition %s -> %s", s.ID, s.Status, next)
	}
	s.Status = next
	return nil
}
