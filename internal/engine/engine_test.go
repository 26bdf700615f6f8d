package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"boardflow/internal/config"
	"boardflow/internal/db"
	"boardflow/internal/domain"
	"boardflow/internal/engine"
	"boardflow/internal/migrate"
	"boardflow/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Owner  string
	Board  string
	Lead   string
	W1     string
	W2     string
}

// testClock hands out strictly increasing timestamps so rows created in
// sequence order deterministically.
func testClock() func() time.Time {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	n := 0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = testClock()
	eng.Events.Now = eng.Now
	ctx := context.Background()

	if _, err := eng.InitOrg(ctx, "org1", "Test Org", "system"); err != nil {
		t.Fatalf("init org: %v", err)
	}
	owner, err := eng.AddMember(ctx, engine.MemberCreateOptions{OrgID: "org1", Email: "owner@example.com", Role: "owner", ActorID: "system"})
	if err != nil {
		t.Fatalf("add owner: %v", err)
	}
	board, err := eng.CreateBoard(ctx, "org1", "main", nil, owner.ID)
	if err != nil {
		t.Fatalf("create board: %v", err)
	}
	lead, err := eng.RegisterAgent(ctx, engine.AgentCreateOptions{BoardID: board.ID, Name: "lead", IsLead: true, ActorID: owner.ID})
	if err != nil {
		t.Fatalf("register lead: %v", err)
	}
	w1, err := eng.RegisterAgent(ctx, engine.AgentCreateOptions{BoardID: board.ID, Name: "worker-1", ActorID: owner.ID})
	if err != nil {
		t.Fatalf("register worker-1: %v", err)
	}
	w2, err := eng.RegisterAgent(ctx, engine.AgentCreateOptions{BoardID: board.ID, Name: "worker-2", ActorID: owner.ID})
	if err != nil {
		t.Fatalf("register worker-2: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Owner: owner.ID, Board: board.ID, Lead: lead.ID, W1: w1.ID, W2: w2.ID}
}

func (env testEnv) createTask(t *testing.T, title, priority string) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		BoardID: env.Board, Title: title, Priority: priority, ActorID: env.Owner,
	})
	if err != nil {
		t.Fatalf("create task %s: %v", title, err)
	}
	return task
}

func TestClaimMovesInboxTaskToInProgress(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "ship feature", "high")

	got, err := env.Engine.Claim(env.Ctx, task.ID, env.W1)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got.Status != domain.TaskInProgress {
		t.Fatalf("status = %s, want in_progress", got.Status)
	}
	if got.AssignedAgentID == nil || *got.AssignedAgentID != env.W1 {
		t.Fatalf("assignee = %v, want %s", got.AssignedAgentID, env.W1)
	}
	if got.InProgressAt == nil {
		t.Fatalf("in_progress_at not set")
	}
}

func TestClaimSecondTaskIsConflict(t *testing.T) {
	env := newTestEnv(t)
	t1 := env.createTask(t, "first", "medium")
	t2 := env.createTask(t, "second", "medium")

	if _, err := env.Engine.Claim(env.Ctx, t1.ID, env.W1); err != nil {
		t.Fatalf("claim t1: %v", err)
	}
	_, err := env.Engine.Claim(env.Ctx, t2.ID, env.W1)
	var conflict engine.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("want ConflictError, got %v", err)
	}
}

func TestLeadCannotClaim(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "work", "medium")

	_, err := env.Engine.Claim(env.Ctx, task.ID, env.Lead)
	var rv engine.RoleViolationError
	if !errors.As(err, &rv) {
		t.Fatalf("want RoleViolationError, got %v", err)
	}
}

func TestConcurrentClaimsOneWinner(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "contested", "high")

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for _, agent := range []string{env.W1, env.W2} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := env.Engine.Claim(env.Ctx, task.ID, id)
			errs <- err
		}(agent)
	}
	wg.Wait()
	close(errs)

	wins, conflicts := 0, 0
	for err := range errs {
		if err == nil {
			wins++
			continue
		}
		var conflict engine.ConflictError
		if errors.As(err, &conflict) {
			conflicts++
			continue
		}
		t.Fatalf("unexpected error: %v", err)
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("wins=%d conflicts=%d, want exactly one of each", wins, conflicts)
	}
}

func TestTransitionRequiresAuditNote(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "documented", "medium")
	if _, err := env.Engine.Claim(env.Ctx, task.ID, env.W1); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		TaskID: task.ID, From: "in_progress", To: "review", ActorID: env.W1,
	})
	var missing engine.MissingEvidenceError
	if !errors.As(err, &missing) {
		t.Fatalf("want MissingEvidenceError, got %v", err)
	}
	got, _ := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if got.Status != domain.TaskInProgress {
		t.Fatalf("rejected transition must not change state, got %s", got.Status)
	}
}

func TestFullLifecycleWithReopen(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "lifecycle", "medium")
	if _, err := env.Engine.Claim(env.Ctx, task.ID, env.W1); err != nil {
		t.Fatal(err)
	}

	task, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		TaskID: task.ID, From: "in_progress", To: "review", Note: "work complete, please review", ActorID: env.W1,
	})
	if err != nil || task.Status != domain.TaskReview {
		t.Fatalf("to review: %v (status %s)", err, task.Status)
	}

	// reopen path back to the same holder
	task, err = env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		TaskID: task.ID, From: "review", To: "in_progress", Note: "review rejected, tests missing", ActorID: env.Lead,
	})
	if err != nil || task.Status != domain.TaskInProgress {
		t.Fatalf("reopen: %v (status %s)", err, task.Status)
	}
	if task.AssignedAgentID == nil || *task.AssignedAgentID != env.W1 {
		t.Fatalf("reopen must keep the holder")
	}

	task, err = env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		TaskID: task.ID, From: "in_progress", To: "review", Note: "tests added", ActorID: env.W1,
	})
	if err != nil {
		t.Fatal(err)
	}
	task, err = env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		TaskID: task.ID, From: "review", To: "done", Note: "approved", ActorID: env.Owner,
	})
	if err != nil || task.Status != domain.TaskDone {
		t.Fatalf("to done: %v (status %s)", err, task.Status)
	}

	// done is terminal
	_, err = env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		TaskID: task.ID, From: "done", To: "in_progress", Note: "reopen", ActorID: env.Owner,
	})
	var illegal engine.IllegalTransitionError
	if !errors.As(err, &illegal) {
		t.Fatalf("want IllegalTransitionError, got %v", err)
	}
}

func TestWorkerCannotResolveReview(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "guarded", "medium")
	if _, err := env.Engine.Claim(env.Ctx, task.ID, env.W1); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		TaskID: task.ID, From: "in_progress", To: "review", Note: "ready", ActorID: env.W1,
	}); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		TaskID: task.ID, From: "review", To: "done", Note: "self approved", ActorID: env.W1,
	})
	var denied engine.AccessDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("want AccessDeniedError, got %v", err)
	}
}

func TestDelegatePicksLeastLoadedWorker(t *testing.T) {
	env := newTestEnv(t)
	busy := env.createTask(t, "busy work", "medium")
	if _, err := env.Engine.Claim(env.Ctx, busy.ID, env.W2); err != nil {
		t.Fatal(err)
	}
	task := env.createTask(t, "new work", "medium")

	got, err := env.Engine.Delegate(env.Ctx, engine.DelegateOptions{TaskID: task.ID, LeadID: env.Lead})
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if got.AssignedAgentID == nil || *got.AssignedAgentID != env.W1 {
		t.Fatalf("assignee = %v, want least-loaded %s", got.AssignedAgentID, env.W1)
	}
	if got.Status != domain.TaskInbox {
		t.Fatalf("delegation must not move the task out of inbox, got %s", got.Status)
	}
}

func TestDelegateToSelfIsRoleViolation(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "tempting", "high")
	_, err := env.Engine.Delegate(env.Ctx, engine.DelegateOptions{TaskID: task.ID, LeadID: env.Lead, CandidateID: env.Lead})
	var rv engine.RoleViolationError
	if !errors.As(err, &rv) {
		t.Fatalf("want RoleViolationError, got %v", err)
	}
}

func TestWorkerCannotDelegate(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "usurped", "medium")
	_, err := env.Engine.Delegate(env.Ctx, engine.DelegateOptions{TaskID: task.ID, LeadID: env.W1, CandidateID: env.W2})
	var rv engine.RoleViolationError
	if !errors.As(err, &rv) {
		t.Fatalf("want RoleViolationError, got %v", err)
	}
}

func TestDelegateSweepOrdersByPriority(t *testing.T) {
	env := newTestEnv(t)
	low := env.createTask(t, "low prio", "low")
	high := env.createTask(t, "high prio", "high")
	med := env.createTask(t, "med prio", "medium")

	out, err := env.Engine.DelegateSweep(env.Ctx, env.Board, env.Lead, 90)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("delegations = %d, want 3", len(out))
	}
	want := []string{high.ID, med.ID, low.ID}
	for i, d := range out {
		if d.TaskID != want[i] {
			t.Fatalf("sweep order[%d] = %s, want %s", i, d.TaskID, want[i])
		}
		if d.AgentID == env.Lead {
			t.Fatalf("sweep delegated to the lead")
		}
	}
}

func TestSweepWithoutWorkersDefersAgentCreation(t *testing.T) {
	env := newTestEnv(t)
	board, err := env.Engine.CreateBoard(env.Ctx, "org1", "empty", nil, env.Owner)
	if err != nil {
		t.Fatal(err)
	}
	lead, err := env.Engine.RegisterAgent(env.Ctx, engine.AgentCreateOptions{BoardID: board.ID, Name: "solo-lead", IsLead: true, ActorID: env.Owner})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{BoardID: board.ID, Title: "orphaned", ActorID: env.Owner}); err != nil {
		t.Fatal(err)
	}

	// low confidence defers behind an approval
	_, err = env.Engine.DelegateSweep(env.Ctx, board.ID, lead.ID, 40)
	var deferred engine.DeferredError
	if !errors.As(err, &deferred) {
		t.Fatalf("want DeferredError, got %v", err)
	}
	ap, err := env.Engine.Repo.GetApproval(env.Ctx, deferred.ApprovalID)
	if err != nil || ap.Status != domain.ApprovalPending {
		t.Fatalf("pending approval not stored: %v", err)
	}

	// high confidence on a non-risky create expands the roster in place
	if _, err := env.Engine.DelegateSweep(env.Ctx, board.ID, lead.ID, 95); err != nil {
		t.Fatalf("confident sweep: %v", err)
	}
	agents, err := env.Engine.Repo.ListAgents(env.Ctx, board.ID)
	if err != nil {
		t.Fatal(err)
	}
	workers := 0
	for _, a := range agents {
		if !a.IsLead {
			workers++
		}
	}
	if workers != 1 {
		t.Fatalf("workers = %d, want 1 auto-created", workers)
	}
}

func TestDelegateWithoutWorkersGoesThroughGate(t *testing.T) {
	env := newTestEnv(t)
	board, err := env.Engine.CreateBoard(env.Ctx, "org1", "bare", nil, env.Owner)
	if err != nil {
		t.Fatal(err)
	}
	lead, err := env.Engine.RegisterAgent(env.Ctx, engine.AgentCreateOptions{BoardID: board.ID, Name: "solo", IsLead: true, ActorID: env.Owner})
	if err != nil {
		t.Fatal(err)
	}
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{BoardID: board.ID, Title: "waiting", ActorID: env.Owner})
	if err != nil {
		t.Fatal(err)
	}

	_, err = env.Engine.Delegate(env.Ctx, engine.DelegateOptions{TaskID: task.ID, LeadID: lead.ID, Confidence: 30})
	var deferred engine.DeferredError
	if !errors.As(err, &deferred) {
		t.Fatalf("want DeferredError, got %v", err)
	}

	got, err := env.Engine.Delegate(env.Ctx, engine.DelegateOptions{TaskID: task.ID, LeadID: lead.ID, Confidence: 90})
	if err != nil {
		t.Fatalf("confident delegate: %v", err)
	}
	if got.AssignedAgentID == nil {
		t.Fatalf("auto-created worker should receive the task")
	}
	if got.Status != domain.TaskInbox {
		t.Fatalf("delegation must leave the task in inbox, got %s", got.Status)
	}
}

func TestReassignRules(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "moving", "medium")
	if _, err := env.Engine.Claim(env.Ctx, task.ID, env.W1); err != nil {
		t.Fatal(err)
	}

	// lead may move work between workers
	got, err := env.Engine.Reassign(env.Ctx, task.ID, env.W2, env.Lead)
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if got.AssignedAgentID == nil || *got.AssignedAgentID != env.W2 {
		t.Fatalf("assignee = %v, want %s", got.AssignedAgentID, env.W2)
	}

	// but never to itself
	_, err = env.Engine.Reassign(env.Ctx, task.ID, env.Lead, env.Lead)
	var rv engine.RoleViolationError
	if !errors.As(err, &rv) {
		t.Fatalf("want RoleViolationError, got %v", err)
	}

	// and a plain worker may not reassign at all
	_, err = env.Engine.Reassign(env.Ctx, task.ID, env.W1, env.W2)
	var denied engine.AccessDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("want AccessDeniedError, got %v", err)
	}
}

func TestBoardNeverHasTwoInProgressForOneAgent(t *testing.T) {
	env := newTestEnv(t)
	for _, title := range []string{"a", "b", "c", "d"} {
		env.createTask(t, title, "medium")
	}
	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{BoardID: env.Board})
	if err != nil {
		t.Fatal(err)
	}
	for _, task := range tasks {
		_, _ = env.Engine.Claim(env.Ctx, task.ID, env.W1)
		_, _ = env.Engine.Claim(env.Ctx, task.ID, env.W2)
	}
	row := env.Engine.DB.QueryRowContext(env.Ctx,
		`SELECT COALESCE(MAX(n),0) FROM (SELECT count(*) AS n FROM tasks WHERE status='in_progress' GROUP BY assigned_agent_id)`)
	var max int
	if err := row.Scan(&max); err != nil {
		t.Fatal(err)
	}
	if max > 1 {
		t.Fatalf("an agent holds %d in-progress tasks", max)
	}
}

func TestProposalGateThreshold(t *testing.T) {
	env := newTestEnv(t)
	payload, _ := json.Marshal(map[string]string{"title": "auto task"})

	cases := []struct {
		name       string
		actionType string
		confidence int
		admitted   bool
	}{
		{"below threshold defers", "task.create", 55, false},
		{"at threshold admits", "task.create", 70, true},
		{"above threshold admits", "task.create", 95, true},
		{"risky always defers", "external.call", 100, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := env.Engine.ProposeAction(env.Ctx, engine.ProposeOptions{
				BoardID: env.Board, AgentID: env.W1, ActionType: tc.actionType,
				Confidence: tc.confidence, PayloadJSON: string(payload),
			})
			if err != nil {
				t.Fatalf("propose: %v", err)
			}
			if d.Admitted != tc.admitted {
				t.Fatalf("admitted = %v, want %v", d.Admitted, tc.admitted)
			}
			if !d.Admitted && d.ApprovalID == "" {
				t.Fatalf("deferred decision must carry the approval id")
			}
		})
	}
}

func TestApprovalResolutionIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	payload, _ := json.Marshal(map[string]string{"title": "deferred task", "priority": "high"})
	d, err := env.Engine.ProposeAction(env.Ctx, engine.ProposeOptions{
		BoardID: env.Board, AgentID: env.W1, ActionType: "task.create",
		Confidence: 55, PayloadJSON: string(payload),
	})
	if err != nil {
		t.Fatal(err)
	}
	if d.Admitted {
		t.Fatalf("confidence 55 must defer")
	}

	// no side effects before resolution
	if n := countTasksTitled(t, env, "deferred task"); n != 0 {
		t.Fatalf("deferred action ran early: %d tasks", n)
	}

	ap, err := env.Engine.ResolveApproval(env.Ctx, d.ApprovalID, true, env.Owner)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ap.Status != domain.ApprovalApproved || ap.ResolvedAt == nil {
		t.Fatalf("approval not finalized: %+v", ap)
	}
	if n := countTasksTitled(t, env, "deferred task"); n != 1 {
		t.Fatalf("approved action ran %d times, want 1", n)
	}

	// resolving again is a no-op returning the original outcome
	again, err := env.Engine.ResolveApproval(env.Ctx, d.ApprovalID, false, env.Owner)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if again.Status != domain.ApprovalApproved {
		t.Fatalf("resolution flipped to %s", again.Status)
	}
	if n := countTasksTitled(t, env, "deferred task"); n != 1 {
		t.Fatalf("action executed again: %d tasks", n)
	}
}

func TestApprovalRejectionIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	payload, _ := json.Marshal(map[string]string{"title": "denied task"})
	d, err := env.Engine.ProposeAction(env.Ctx, engine.ProposeOptions{
		BoardID: env.Board, AgentID: env.W1, ActionType: "task.create",
		Confidence: 10, PayloadJSON: string(payload),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ResolveApproval(env.Ctx, d.ApprovalID, false, env.Owner); err != nil {
		t.Fatal(err)
	}
	ap, err := env.Engine.ResolveApproval(env.Ctx, d.ApprovalID, true, env.Owner)
	if err != nil {
		t.Fatal(err)
	}
	if ap.Status != domain.ApprovalRejected {
		t.Fatalf("rejection must be terminal, got %s", ap.Status)
	}
	if n := countTasksTitled(t, env, "denied task"); n != 0 {
		t.Fatalf("rejected action executed")
	}
}

func TestDeleteTaskBlockedByOpenApproval(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "anchored", "medium")
	_, err := env.Engine.ProposeAction(env.Ctx, engine.ProposeOptions{
		BoardID: env.Board, TaskID: task.ID, AgentID: env.W1,
		ActionType: "external.call", Confidence: 99,
	})
	if err != nil {
		t.Fatal(err)
	}
	err = env.Engine.DeleteTask(env.Ctx, task.ID, env.Owner)
	var conflict engine.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("want ConflictError while approval open, got %v", err)
	}
}

func TestUpdateBoardWritesEventWithMutation(t *testing.T) {
	env := newTestEnv(t)
	group := "platform"
	b, err := env.Engine.UpdateBoard(env.Ctx, env.Board, "renamed", &group, env.Owner)
	if err != nil {
		t.Fatalf("update board: %v", err)
	}
	if b.Name != "renamed" || b.BoardGroup == nil || *b.BoardGroup != "platform" {
		t.Fatalf("board after update %+v", b)
	}
	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 5, env.Board, "board.updated", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("board.updated events = %d, want 1", len(events))
	}
}

func TestDeleteTaskAllowedAfterApprovalResolved(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "short lived", "medium")
	d, err := env.Engine.ProposeAction(env.Ctx, engine.ProposeOptions{
		BoardID: env.Board, TaskID: task.ID, AgentID: env.W1,
		ActionType: "external.call", Confidence: 99,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ResolveApproval(env.Ctx, d.ApprovalID, false, env.Owner); err != nil {
		t.Fatal(err)
	}

	// only open approvals pin a task; resolved ones must not block deletion
	if err := env.Engine.DeleteTask(env.Ctx, task.ID, env.Owner); err != nil {
		t.Fatalf("delete after resolution: %v", err)
	}
	ap, err := env.Engine.Repo.GetApproval(env.Ctx, d.ApprovalID)
	if err != nil {
		t.Fatalf("approval row must survive the task: %v", err)
	}
	if ap.TaskID != nil {
		t.Fatalf("approval still references deleted task %v", *ap.TaskID)
	}
}

func TestMemberAccessGatesTaskCreation(t *testing.T) {
	env := newTestEnv(t)
	plain, err := env.Engine.AddMember(env.Ctx, engine.MemberCreateOptions{OrgID: "org1", Email: "dev@example.com", ActorID: env.Owner})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{BoardID: env.Board, Title: "nope", ActorID: plain.ID})
	var denied engine.AccessDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("want AccessDeniedError, got %v", err)
	}

	if _, err := env.Engine.SetGrant(env.Ctx, plain.ID, env.Board, false, true, env.Owner); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{BoardID: env.Board, Title: "granted", ActorID: plain.ID}); err != nil {
		t.Fatalf("write grant should allow creation: %v", err)
	}
}

func countTasksTitled(t *testing.T, env testEnv, title string) int {
	t.Helper()
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM tasks WHERE title=?`, title)
	var n int
	if err := row.Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}
