package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"boardflow/internal/domain"
	"boardflow/internal/events"
	"boardflow/internal/repo"
)

// Notifier receives nudges. Delivery is fire and forget; nothing waits for an
// acknowledgment and nudges are never stored.
type Notifier interface {
	Notify(ctx context.Context, n domain.Nudge)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, n domain.Nudge)

func (f NotifierFunc) Notify(ctx context.Context, n domain.Nudge) { f(ctx, n) }

// LogNotifier writes nudges to the process log. It is the default sink when
// no delivery channel is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, n domain.Nudge) {
	log.Printf("nudge agent=%s task=%s reason=%s", n.TargetAgentID, n.TaskID, n.Reason)
}

// Monitor periodically scans in-progress tasks and nudges the holder of any
// task without recent audit activity. It only signals; it never changes task
// state on its own.
type Monitor struct {
	Engine    Engine
	Notifier  Notifier
	Interval  time.Duration
	Threshold time.Duration

	mu         sync.Mutex
	lastNudged map[string]time.Time
}

// NewMonitor builds a monitor from the engine's config. The audit-note
// timestamp is the staleness signal; updated_at moves on metadata edits that
// say nothing about whether work is progressing.
func NewMonitor(e Engine, n Notifier) *Monitor {
	if n == nil {
		n = LogNotifier{}
	}
	return &Monitor{
		Engine:     e,
		Notifier:   n,
		Interval:   time.Duration(e.Config.ScanIntervalSeconds()) * time.Second,
		Threshold:  time.Duration(e.Config.StaleThresholdMinutes()) * time.Minute,
		lastNudged: map[string]time.Time{},
	}
}

// Run scans on a fixed interval until the context is canceled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Scan(ctx); err != nil {
				log.Printf("staleness scan: %v", err)
			}
		}
	}
}

// Scan runs one pass and returns the nudges it emitted. At most one nudge is
// sent per task per staleness window; a task nudged once stays quiet until
// fresh audit activity opens a new window.
func (m *Monitor) Scan(ctx context.Context) ([]domain.Nudge, error) {
	now := m.Engine.now().UTC()
	tasks, err := m.Engine.Repo.ListInProgressTasks(ctx)
	if err != nil {
		return nil, err
	}
	m.prune(tasks)
	var emitted []domain.Nudge
	for _, t := range tasks {
		if t.AssignedAgentID == nil {
			continue
		}
		last, err := m.lastActivity(ctx, t)
		if err != nil {
			return emitted, err
		}
		if now.Sub(last) <= m.Threshold {
			continue
		}
		m.mu.Lock()
		prev, nudged := m.lastNudged[t.ID]
		if nudged && prev.After(last) {
			m.mu.Unlock()
			continue
		}
		m.lastNudged[t.ID] = now
		m.mu.Unlock()

		n := domain.Nudge{
			TargetAgentID: *t.AssignedAgentID,
			TaskID:        t.ID,
			Reason:        "stale",
			Message: fmt.Sprintf("task %q has had no audit activity for %s; add a note or move it along",
				t.Title, now.Sub(last).Round(time.Minute)),
		}
		m.Notifier.Notify(ctx, n)
		emitted = append(emitted, n)
	}
	return emitted, nil
}

// prune drops nudge bookkeeping for tasks no longer in progress so the map
// does not grow for the lifetime of the process.
func (m *Monitor) prune(tasks []domain.Task) {
	live := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		live[t.ID] = true
	}
	m.mu.Lock()
	for id := range m.lastNudged {
		if !live[id] {
			delete(m.lastNudged, id)
		}
	}
	m.mu.Unlock()
}

// ManualNudge lets a member poke the holder of a task outside the scan cycle.
// The nudge itself is fire and forget but the event row records that it was
// sent.
func (e Engine) ManualNudge(ctx context.Context, taskID, actorID, message string, n Notifier) (domain.Nudge, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Nudge{}, err
	}
	if _, _, err := e.requireWrite(ctx, actorID, t.BoardID); err != nil {
		return domain.Nudge{}, err
	}
	if t.AssignedAgentID == nil {
		return domain.Nudge{}, ConflictError{Reason: "task has no assignee to nudge"}
	}
	if message == "" {
		message = fmt.Sprintf("please post a status update on task %q", t.Title)
	}
	nudge := domain.Nudge{
		TargetAgentID: *t.AssignedAgentID,
		TaskID:        t.ID,
		Reason:        "manual",
		Message:       message,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Nudge{}, err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "task.nudged", t.BoardID, "task", t.ID, actorID, events.EventPayload{
		"target_agent_id": nudge.TargetAgentID,
		"reason":          nudge.Reason,
	}); err != nil {
		return domain.Nudge{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Nudge{}, err
	}
	if n == nil {
		n = LogNotifier{}
	}
	n.Notify(ctx, nudge)
	return nudge, nil
}

// lastActivity returns the most recent audit note time for a task, falling
// back to when it entered in_progress when no note exists yet.
func (m *Monitor) lastActivity(ctx context.Context, t domain.Task) (time.Time, error) {
	ts, err := m.Engine.Repo.LatestCommentTime(ctx, t.ID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return time.Time{}, err
		}
		ts = t.UpdatedAt
		if t.InProgressAt != nil {
			ts = *t.InProgressAt
		}
	}
	parsed, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("task %s activity timestamp: %w", t.ID, err)
	}
	return parsed, nil
}
