package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/rahul/majordomo/internal/memory"
)

// Messenger is the outbound half of a chat gateway.
type Messenger interface {
	Send(chatID string, text string) error
}

// SubscriptionStore lists the threads that opted into the daily summary.
type SubscriptionStore interface {
	DailySummaryThreads() (map[string]memory.UserPreferences, error)
}

const dailySummaryGoal = "Prepare my daily summary: today's calendar events and open tasks, " +
	"with anything urgent called out first."

// Scheduler fires the daily-summary run for subscribed threads at their
// preferred local time and delivers the result through the gateway.
type Scheduler struct {
	Supervisor *Supervisor
	Store      SubscriptionStore
	Gateway    Messenger

	// lastFired tracks the last date a thread's summary ran, so a thread
	// fires at most once per day.
	lastFired map[string]string
}

func NewScheduler(supervisor *Supervisor, store SubscriptionStore, gateway Messenger) *Scheduler {
	return &Scheduler{
		Supervisor: supervisor,
		Store:      store,
		Gateway:    gateway,
		lastFired:  make(map[string]string),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	log.Println("Daily summary scheduler started...")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollAndFire(ctx)
		}
	}
}

func (s *Scheduler) pollAndFire(ctx context.Context) {
	subs, err := s.Store.DailySummaryThreads()
	if err != nil {
		log.Printf("Error polling daily summary subscriptions: %v", err)
		return
	}

	for threadID, prefs := range subs {
		// A thread with a checkpoint is mid-review or mid-plan; injecting
		// the summary goal there would be consumed as the user's input.
		// The day stays unmarked so the summary fires once the thread frees.
		busy, err := s.threadBusy(ctx, threadID)
		if err != nil {
			log.Printf("Error checking thread %s state: %v", threadID, err)
			continue
		}
		if busy || !s.due(threadID, prefs, time.Now()) {
			continue
		}

		log.Printf("Running daily summary for thread %s", threadID)

		content, err := s.runSummary(ctx, threadID)
		if err != nil {
			log.Printf("Error running daily summary for thread %s: %v", threadID, err)
			continue
		}

		if s.Gateway != nil {
			if err := s.Gateway.Send(threadID, "*Daily Summary*\n\n"+content); err != nil {
				log.Printf("Error delivering daily summary to thread %s: %v", threadID, err)
			}
		}
	}
}

func (s *Scheduler) threadBusy(ctx context.Context, threadID string) (bool, error) {
	_, err := s.Supervisor.Checkpoints.LoadCheckpoint(ctx, threadID)
	if errors.Is(err, ErrNoCheckpoint) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// runSummary drives one unattended run: nobody reviews the plan, so the
// scheduler approves its own formalization and expects a final result.
func (s *Scheduler) runSummary(ctx context.Context, threadID string) (string, error) {
	resp, err := s.Supervisor.Submit(ctx, threadID, dailySummaryGoal)
	if err != nil {
		return "", err
	}
	if resp.Kind == ResponsePlanReview {
		resp, err = s.Supervisor.Submit(ctx, threadID, "")
		if err != nil {
			return "", err
		}
	}
	if resp.Kind != ResponseFinal {
		// A plan that needs user input cannot run unattended. Abandon it so
		// the thread is not left suspended on a step the user never asked for.
		_ = s.Supervisor.Checkpoints.DeleteCheckpoint(ctx, threadID)
		return "", fmt.Errorf("daily summary plan required user input; run abandoned")
	}
	return resp.Content, nil
}

// due reports whether the thread's summary time has passed today and the
// summary has not fired yet. Times are evaluated in the user's timezone
// when one is set.
func (s *Scheduler) due(threadID string, prefs memory.UserPreferences, now time.Time) bool {
	if !prefs.DailySummaryNotification || prefs.DailySummaryTime == "" {
		return false
	}

	loc := now.Location()
	if prefs.Timezone != "" {
		if l, err := time.LoadLocation(prefs.Timezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)

	at, err := time.ParseInLocation("15:04", prefs.DailySummaryTime, loc)
	if err != nil {
		return false
	}
	fireAt := time.Date(local.Year(), local.Month(), local.Day(), at.Hour(), at.Minute(), 0, 0, loc)

	today := local.Format("2006-01-02")
	if local.Before(fireAt) || s.lastFired[threadID] == today {
		return false
	}

	s.lastFired[threadID] = today
	return true
}
