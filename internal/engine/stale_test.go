package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"boardflow/internal/domain"
	"boardflow/internal/engine"
)

type settableClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *settableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *settableClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type captureNotifier struct {
	mu     sync.Mutex
	nudges []domain.Nudge
}

func (c *captureNotifier) Notify(_ context.Context, n domain.Nudge) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nudges = append(c.nudges, n)
}

func (c *captureNotifier) take() []domain.Nudge {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.nudges
	c.nudges = nil
	return out
}

func TestStalenessMonitorNudgesOncePerWindow(t *testing.T) {
	env := newTestEnv(t)
	clock := &settableClock{t: time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)}
	env.Engine.Now = clock.Now
	env.Engine.Events.Now = clock.Now

	task := env.createTask(t, "slow burner", "medium")
	if _, err := env.Engine.Claim(env.Ctx, task.ID, env.W1); err != nil {
		t.Fatal(err)
	}

	sink := &captureNotifier{}
	mon := engine.NewMonitor(env.Engine, sink)

	// fresh claim, nothing stale yet
	if _, err := mon.Scan(env.Ctx); err != nil {
		t.Fatal(err)
	}
	if got := sink.take(); len(got) != 0 {
		t.Fatalf("fresh task nudged: %v", got)
	}

	// 90 minutes of silence against a 60 minute threshold
	clock.Advance(90 * time.Minute)
	if _, err := mon.Scan(env.Ctx); err != nil {
		t.Fatal(err)
	}
	got := sink.take()
	if len(got) != 1 {
		t.Fatalf("nudges = %d, want 1", len(got))
	}
	if got[0].TargetAgentID != env.W1 || got[0].TaskID != task.ID || got[0].Reason != "stale" {
		t.Fatalf("unexpected nudge %+v", got[0])
	}

	// five minutes later, same window, no repeat
	clock.Advance(5 * time.Minute)
	if _, err := mon.Scan(env.Ctx); err != nil {
		t.Fatal(err)
	}
	if got := sink.take(); len(got) != 0 {
		t.Fatalf("repeated nudge within window: %v", got)
	}

	// a new audit note opens a new window
	if _, err := env.Engine.AddComment(env.Ctx, task.ID, env.W1, "still digging"); err != nil {
		t.Fatal(err)
	}
	clock.Advance(2 * time.Hour)
	if _, err := mon.Scan(env.Ctx); err != nil {
		t.Fatal(err)
	}
	if got := sink.take(); len(got) != 1 {
		t.Fatalf("nudges after new window = %d, want 1", len(got))
	}

	// the monitor only signals, it never moves tasks
	final, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != domain.TaskInProgress {
		t.Fatalf("monitor mutated task to %s", final.Status)
	}
}

func TestManualNudgeReachesAssignee(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "poke me", "medium")

	sink := &captureNotifier{}
	if _, err := env.Engine.ManualNudge(env.Ctx, task.ID, env.Owner, "", sink); err == nil {
		t.Fatalf("nudging an unassigned task must fail")
	}

	if _, err := env.Engine.Claim(env.Ctx, task.ID, env.W1); err != nil {
		t.Fatal(err)
	}
	n, err := env.Engine.ManualNudge(env.Ctx, task.ID, env.Owner, "any progress?", sink)
	if err != nil {
		t.Fatalf("manual nudge: %v", err)
	}
	if n.TargetAgentID != env.W1 || n.Message != "any progress?" {
		t.Fatalf("unexpected nudge %+v", n)
	}
	got := sink.take()
	if len(got) != 1 {
		t.Fatalf("delivered nudges = %d, want 1", len(got))
	}
}

func TestStalenessMonitorIgnoresOtherStatuses(t *testing.T) {
	env := newTestEnv(t)
	clock := &settableClock{t: time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)}
	env.Engine.Now = clock.Now
	env.Engine.Events.Now = clock.Now

	env.createTask(t, "inbox only", "low")
	done := env.createTask(t, "finished", "medium")
	if _, err := env.Engine.Claim(env.Ctx, done.ID, env.W2); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		TaskID: done.ID, From: "in_progress", To: "review", Note: "done early", ActorID: env.W2,
	}); err != nil {
		t.Fatal(err)
	}

	sink := &captureNotifier{}
	mon := engine.NewMonitor(env.Engine, sink)
	clock.Advance(6 * time.Hour)
	if _, err := mon.Scan(env.Ctx); err != nil {
		t.Fatal(err)
	}
	if got := sink.take(); len(got) != 0 {
		t.Fatalf("non in-progress tasks nudged: %v", got)
	}
}
