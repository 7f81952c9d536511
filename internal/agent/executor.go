package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rahul/majordomo/internal/observability"
	"github.com/rahul/majordomo/internal/plan"
	"github.com/tmc/langchaingo/llms"
)

// executePlan walks the approved plan step by step. Worker steps run through
// the tool-call loop; a user step suspends the run and surfaces a pending
// action. The checkpoint is rewritten after every step so a restart resumes
// where execution left off.
func (s *Supervisor) executePlan(ctx context.Context, threadID string, ts *ThreadState, sess *session) (*Response, error) {
	observability.SetStatus(observability.RoleExecuting, threadID)
	defer observability.SetStatus(observability.RoleIdle, "")

	var invoked []string

	for {
		skipUnreachable(ts.Plan)

		if ts.Plan.Done() {
			return s.finishRun(ctx, threadID, ts, sess, invoked)
		}

		ready := ts.Plan.Ready()
		if len(ready) == 0 {
			// The validator bars cycles, so this means the plan was mutated
			// outside the executor.
			return nil, fmt.Errorf("plan execution stalled: no runnable steps remain")
		}
		step := ready[0]

		if missing := missingResources(step, ts.StateKeys); len(missing) > 0 {
			if err := step.Advance(plan.StatusInProgress); err != nil {
				return nil, err
			}
			if err := step.Advance(plan.StatusFailed); err != nil {
				return nil, err
			}
			s.recordStepResult(ts, step, fmt.Sprintf("Error: required resources missing: %s", strings.Join(missing, ", ")))
			s.Logger.LogStep(threadID, ts.RunID, step.ID, string(step.Status))
			continue
		}

		switch step.Destination {
		case plan.DestUser:
			if err := step.Advance(plan.StatusWaitingForUser); err != nil {
				return nil, err
			}
			ts.PendingStepID = step.ID
			if err := s.saveState(ctx, threadID, ts); err != nil {
				return nil, err
			}
			s.Logger.LogStep(threadID, ts.RunID, step.ID, string(step.Status))
			return &Response{
				Kind:   ResponseUserAction,
				RunID:  ts.RunID,
				Prompt: step.User.Prompt,
				Action: step.User.Action,
			}, nil

		case plan.DestWorker:
			if err := step.Advance(plan.StatusInProgress); err != nil {
				return nil, err
			}

			result, err := s.runWorkerStep(ctx, threadID, ts, sess, step)
			if err != nil {
				if advErr := step.Advance(plan.StatusFailed); advErr != nil {
					return nil, advErr
				}
				s.recordStepResult(ts, step, fmt.Sprintf("Error: %v", err))
			} else {
				if advErr := step.Advance(plan.StatusCompleted); advErr != nil {
					return nil, advErr
				}
				s.recordStepResult(ts, step, result.Content)
				invoked = append(invoked, result.ToolsInvoked...)
			}
			s.Logger.LogStep(threadID, ts.RunID, step.ID, string(step.Status))

			if err := s.saveState(ctx, threadID, ts); err != nil {
				return nil, err
			}

		default:
			// Destinations are a closed set; anything else is a programming
			// error, not planner input (parsing already rejected it).
			return nil, fmt.Errorf("step %q has unknown destination %q", step.ID, step.Destination)
		}
	}
}

// runWorkerStep builds the worker's briefing for one step and runs the
// tool-call loop.
func (s *Supervisor) runWorkerStep(ctx context.Context, threadID string, ts *ThreadState, sess *session, step *plan.Step) (*WorkerResult, error) {
	cfg := step.Worker

	var b strings.Builder
	fmt.Fprintf(&b, "TASK (%s): %s\n", cfg.Role, cfg.Instruction)
	if cfg.ToolHint != "" {
		fmt.Fprintf(&b, "Suggested tool: %s\n", cfg.ToolHint)
	}

	deps := dependencyResults(step, ts)
	if len(deps) > 0 {
		b.WriteString("\nResults from earlier steps:\n")
		for _, d := range deps {
			b.WriteString(d + "\n")
		}
	}

	history := []llms.MessageContent{
		{Role: llms.ChatMessageTypeSystem, Parts: []llms.ContentPart{
			llms.TextPart(BuildWorkerSystemPrompt(time.Now(), &sess.prefs)),
		}},
		{Role: llms.ChatMessageTypeHuman, Parts: []llms.ContentPart{
			llms.TextPart(b.String()),
		}},
	}

	return sess.worker.Run(ctx, threadID, history)
}

func (s *Supervisor) recordStepResult(ts *ThreadState, step *plan.Step, result string) {
	if ts.StateKeys == nil {
		ts.StateKeys = make(map[string]string)
	}
	key := ""
	if step.Worker != nil {
		key = step.Worker.StateKey
	} else if step.User != nil {
		key = step.User.StateKey
	}
	if key == "" {
		key = "step_" + step.ID
	}
	ts.StateKeys[key] = result
}

// dependencyResults collects the stored outputs of a step's dependencies.
func dependencyResults(step *plan.Step, ts *ThreadState) []string {
	var out []string
	for _, depID := range step.Dependencies {
		key := "step_" + depID
		// Not walking the plan here would lose named state keys.
		if ts.Plan != nil {
			if dep := ts.Plan.Step(depID); dep != nil {
				if dep.Worker != nil && dep.Worker.StateKey != "" {
					key = dep.Worker.StateKey
				} else if dep.User != nil && dep.User.StateKey != "" {
					key = dep.User.StateKey
				}
			}
		}
		if v, ok := ts.StateKeys[key]; ok && v != "" {
			out = append(out, fmt.Sprintf("- %s: %s", depID, v))
		}
	}
	return out
}

// skipUnreachable marks pending steps whose dependencies terminally failed
// or were skipped, so execution always terminates.
func skipUnreachable(p *plan.Plan) {
	for {
		changed := false
		for i := range p.Steps {
			step := &p.Steps[i]
			if step.Status != plan.StatusPending {
				continue
			}
			for _, depID := range step.Dependencies {
				dep := p.Step(depID)
				if dep == nil {
					continue
				}
				if dep.Status == plan.StatusFailed || dep.Status == plan.StatusSkipped {
					// Status order requires passing through in_progress.
					_ = step.Advance(plan.StatusInProgress)
					_ = step.Advance(plan.StatusSkipped)
					changed = true
					break
				}
			}
		}
		if !changed {
			return
		}
	}
}

func missingResources(step *plan.Step, stateKeys map[string]string) []string {
	var missing []string
	for _, r := range step.Resources {
		if !r.Required {
			continue
		}
		if stateKeys[r.Name] == "" {
			missing = append(missing, r.Name)
		}
	}
	return missing
}

// finishRun renders the completed plan's outcome, records it on the thread,
// and opportunistically compacts memory and refreshes preferences.
func (s *Supervisor) finishRun(ctx context.Context, threadID string, ts *ThreadState, sess *session, invoked []string) (*Response, error) {
	var b strings.Builder
	b.WriteString("Plan finished.\n")
	for _, step := range ts.Plan.Steps {
		fmt.Fprintf(&b, "- [%s] %s", step.Status, step.Title)
		key := ""
		if step.Worker != nil {
			key = step.Worker.StateKey
		} else if step.User != nil {
			key = step.User.StateKey
		}
		if key != "" {
			if v := ts.StateKeys[key]; v != "" {
				fmt.Fprintf(&b, ": %s", firstLine(v))
			}
		}
		b.WriteString("\n")
	}
	content := b.String()

	if err := s.History.AddMessage(threadID, "ai", content); err != nil {
		return nil, fmt.Errorf("failed to record result: %w", err)
	}
	s.Logger.LogRunFinished(threadID, ts.RunID, invoked)

	s.maintainMemory(ctx, threadID)

	// The goal is complete; the plan and its working state are discarded.
	if err := s.Checkpoints.DeleteCheckpoint(ctx, threadID); err != nil {
		return nil, fmt.Errorf("failed to clear checkpoint: %w", err)
	}

	return &Response{
		Kind:         ResponseFinal,
		RunID:        ts.RunID,
		Content:      content,
		ToolsInvoked: invoked,
	}, nil
}

// maintainMemory runs the compactor and the preference extractor on the
// thread after a finished run. Both are best effort.
func (s *Supervisor) maintainMemory(ctx context.Context, threadID string) {
	if s.Compactor != nil {
		count, err := s.History.CountMessages(threadID)
		if err == nil && s.Compactor.ShouldCompact(count) {
			s.compactThread(ctx, threadID)
		}
	}

	if s.Extractor != nil {
		tail, err := s.History.GetHistory(threadID, 2)
		if err != nil || len(tail) == 0 {
			return
		}
		prefs, err := s.History.GetPreferences(threadID)
		if err != nil {
			return
		}
		updated, changed, err := s.Extractor.Extract(ctx, prefs, tail)
		if err == nil && changed {
			_ = s.History.SavePreferences(threadID, updated)
		}
	}
}

func (s *Supervisor) compactThread(ctx context.Context, threadID string) {
	messages, err := s.History.GetHistory(threadID, 0)
	if err != nil || len(messages) == 0 {
		return
	}
	summary, err := s.History.GetSummary(threadID)
	if err != nil {
		return
	}

	newSummary, keep, err := s.Compactor.Compact(ctx, summary, messages)
	if err != nil {
		s.Logger.LogCompactionFailed(threadID, err)
		return
	}
	if err := s.History.SaveSummary(threadID, newSummary); err != nil {
		return
	}
	_ = s.History.TrimMessages(threadID, len(keep))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
