package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"boardflow/internal/domain"
	"boardflow/internal/events"
	"boardflow/internal/repo"
)

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	BoardID     string
	Title       string
	Description string
	Priority    string
	ActorID     string
}

// CreateTask inserts an inbox task on behalf of a member with write access.
// Automated actors do not call this directly; their task.create proposals go
// through the approval gate and land here only once admitted or approved.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if _, _, err := e.requireWrite(ctx, opts.ActorID, opts.BoardID); err != nil {
		return domain.Task{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := e.insertTaskTx(ctx, tx, opts)
	if err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// insertTaskTx creates the task row and its event inside the caller's tx. The
// approval gate reuses it when an approved task.create proposal executes.
func (e Engine) insertTaskTx(ctx context.Context, tx *sql.Tx, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Priority == "" {
		opts.Priority = domain.PriorityMedium
	}
	if !domain.ValidPriority(opts.Priority) {
		return domain.Task{}, fmt.Errorf("unknown priority %q", opts.Priority)
	}
	now := e.nowRFC()
	t := domain.Task{
		ID:          uuid.New().String(),
		BoardID:     opts.BoardID,
		Title:       opts.Title,
		Description: opts.Description,
		Status:      domain.TaskInbox,
		Priority:    opts.Priority,
		CreatedBy:   optionalString(opts.ActorID),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "task.created", t.BoardID, "task", t.ID, opts.ActorID, events.EventPayload{
		"title": t.Title, "priority": t.Priority,
	}); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// TaskUpdateOptions carries metadata edits. Status never moves through here;
// that is the transition path's job.
type TaskUpdateOptions struct {
	TaskID      string
	Title       string
	Description *string
	Priority    string
	ActorID     string
}

func (e Engine) UpdateTaskMeta(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, opts.TaskID)
	if err != nil {
		return t, err
	}
	if _, _, err := e.requireWrite(ctx, opts.ActorID, t.BoardID); err != nil {
		return t, err
	}
	if opts.Title != "" {
		t.Title = opts.Title
	}
	if opts.Description != nil {
		t.Description = *opts.Description
	}
	if opts.Priority != "" {
		if !domain.ValidPriority(opts.Priority) {
			return t, fmt.Errorf("unknown priority %q", opts.Priority)
		}
		t.Priority = opts.Priority
	}
	t.UpdatedAt = e.nowRFC()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.updated", t.BoardID, "task", t.ID, opts.ActorID, events.EventPayload{
		"title": t.Title, "priority": t.Priority,
	}); err != nil {
		return t, err
	}
	return t, tx.Commit()
}

// Claim moves an inbox task to in_progress under the claiming agent. The
// exclusivity check runs inside the transaction against the agent's whole
// task set, so two concurrent claims cannot both win.
func (e Engine) Claim(ctx context.Context, taskID, agentID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	unlock := e.lockBoard(t.BoardID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()

	t, err = e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return t, err
	}
	agent, err := e.Repo.GetAgentTx(ctx, tx, agentID)
	if err != nil {
		return t, err
	}
	if agent.IsLead {
		return t, RoleViolationError{AgentID: agentID, Rule: "lead agents delegate, they never execute tasks"}
	}
	if agent.BoardID == nil || *agent.BoardID != t.BoardID {
		return t, AccessDeniedError{ActorID: agentID, BoardID: t.BoardID, Need: "claim"}
	}
	if t.AssignedAgentID != nil && *t.AssignedAgentID != agentID {
		// the racing claim that lost sees a conflict, not a lifecycle error
		return t, ConflictError{Reason: fmt.Sprintf("task %s is assigned to agent %s", t.ID, *t.AssignedAgentID)}
	}
	if t.Status != domain.TaskInbox {
		return t, IllegalTransitionError{TaskID: t.ID, From: t.Status, To: domain.TaskInProgress}
	}
	held, err := e.Repo.CountInProgressByAgentTx(ctx, tx, agentID, t.ID)
	if err != nil {
		return t, err
	}
	if held > 0 {
		return t, ConflictError{Reason: fmt.Sprintf("agent %s already holds an in-progress task", agentID)}
	}

	now := e.nowRFC()
	t.AssignedAgentID = &agentID
	t.Status = domain.TaskInProgress
	t.InProgressAt = &now
	t.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	note := domain.TaskComment{
		ID:        uuid.New().String(),
		TaskID:    t.ID,
		AuthorID:  agentID,
		Message:   "claimed task and started work",
		CreatedAt: now,
	}
	if err := e.Repo.InsertCommentTx(ctx, tx, note); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.claimed", t.BoardID, "task", t.ID, agentID, events.EventPayload{
		"status": t.Status,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// legalTransition is the lifecycle edge table. done is terminal; the only
// backward edge is the review reopen.
func legalTransition(from, to string) bool {
	switch from {
	case domain.TaskInbox:
		return to == domain.TaskInProgress
	case domain.TaskInProgress:
		return to == domain.TaskReview
	case domain.TaskReview:
		return to == domain.TaskDone || to == domain.TaskInProgress
	}
	return false
}

// TransitionOptions describe one status change request. Note is mandatory;
// every status change carries a durable explanation.
type TransitionOptions struct {
	TaskID  string
	From    string
	To      string
	Note    string
	ActorID string
}

// Transition applies one edge of the lifecycle. Submitting in_progress->review
// requires the current holder (or an admin); resolving a review, either way,
// requires an admin member or the board's lead.
func (e Engine) Transition(ctx context.Context, opts TransitionOptions) (domain.Task, error) {
	if strings.TrimSpace(opts.Note) == "" {
		return domain.Task{}, MissingEvidenceError{TaskID: opts.TaskID}
	}
	t, err := e.Repo.GetTask(ctx, opts.TaskID)
	if err != nil {
		return t, err
	}
	unlock := e.lockBoard(t.BoardID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()

	t, err = e.Repo.GetTaskTx(ctx, tx, opts.TaskID)
	if err != nil {
		return t, err
	}
	if opts.From != "" && opts.From != t.Status {
		return t, ConflictError{Reason: fmt.Sprintf("task %s is %s, not %s", t.ID, t.Status, opts.From)}
	}
	if !domain.ValidTaskStatus(opts.To) || !legalTransition(t.Status, opts.To) {
		return t, IllegalTransitionError{TaskID: t.ID, From: t.Status, To: opts.To}
	}
	if err := e.authorizeTransition(ctx, tx, t, opts.To, opts.ActorID); err != nil {
		return t, err
	}

	now := e.nowRFC()
	t.Status = opts.To
	if opts.To == domain.TaskInProgress {
		t.InProgressAt = &now
	}
	t.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	note := domain.TaskComment{
		ID:        uuid.New().String(),
		TaskID:    t.ID,
		AuthorID:  opts.ActorID,
		Message:   opts.Note,
		CreatedAt: now,
	}
	if err := e.Repo.InsertCommentTx(ctx, tx, note); err != nil {
		return t, fmt.Errorf("append audit note: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "task.transitioned", t.BoardID, "task", t.ID, opts.ActorID, events.EventPayload{
		"from": opts.From, "to": opts.To,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// authorizeTransition checks the actor against the edge being taken. The
// actor id may belong to a member or an agent; both stores are consulted.
func (e Engine) authorizeTransition(ctx context.Context, tx *sql.Tx, t domain.Task, to, actorID string) error {
	isHolder := t.AssignedAgentID != nil && *t.AssignedAgentID == actorID
	isAdmin := false
	if m, err := e.Repo.GetMember(ctx, actorID); err == nil {
		isAdmin = m.Role == domain.RoleOwner || m.Role == domain.RoleAdmin
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	isLead := false
	if a, err := e.Repo.GetAgentTx(ctx, tx, actorID); err == nil {
		isLead = a.IsLead && a.BoardID != nil && *a.BoardID == t.BoardID
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}

	switch to {
	case domain.TaskReview:
		if isHolder || isAdmin {
			return nil
		}
		return AccessDeniedError{ActorID: actorID, BoardID: t.BoardID, Need: "current holder or admin"}
	case domain.TaskDone, domain.TaskInProgress:
		if isAdmin || isLead {
			return nil
		}
		return AccessDeniedError{ActorID: actorID, BoardID: t.BoardID, Need: "admin or board lead"}
	}
	return AccessDeniedError{ActorID: actorID, BoardID: t.BoardID, Need: "transition"}
}

// Reassign hands a task to another worker. Only an admin member or the
// board's lead may call it, and a lead can never point the task at itself.
func (e Engine) Reassign(ctx context.Context, taskID, newAgentID, actorID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	unlock := e.lockBoard(t.BoardID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()

	t, err = e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return t, err
	}
	if t.Status == domain.TaskDone {
		return t, IllegalTransitionError{TaskID: t.ID, From: t.Status, To: t.Status}
	}

	isAdmin := false
	if m, err := e.Repo.GetMember(ctx, actorID); err == nil {
		isAdmin = m.Role == domain.RoleOwner || m.Role == domain.RoleAdmin
	} else if !errors.Is(err, repo.ErrNotFound) {
		return t, err
	}
	var lead *domain.Agent
	if a, err := e.Repo.GetAgentTx(ctx, tx, actorID); err == nil {
		if a.IsLead && a.BoardID != nil && *a.BoardID == t.BoardID {
			lead = &a
		}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return t, err
	}
	if !isAdmin && lead == nil {
		return t, AccessDeniedError{ActorID: actorID, BoardID: t.BoardID, Need: "admin or board lead"}
	}
	if lead != nil && newAgentID == lead.ID {
		return t, RoleViolationError{AgentID: lead.ID, Rule: "lead may not assign work to itself"}
	}

	target, err := e.Repo.GetAgentTx(ctx, tx, newAgentID)
	if err != nil {
		return t, err
	}
	if target.IsLead {
		return t, RoleViolationError{AgentID: target.ID, Rule: "lead agents never hold task assignments"}
	}
	if target.BoardID == nil || *target.BoardID != t.BoardID {
		return t, AccessDeniedError{ActorID: newAgentID, BoardID: t.BoardID, Need: "board membership"}
	}
	if t.Status == domain.TaskInProgress {
		held, err := e.Repo.CountInProgressByAgentTx(ctx, tx, newAgentID, t.ID)
		if err != nil {
			return t, err
		}
		if held > 0 {
			return t, ConflictError{Reason: fmt.Sprintf("agent %s already holds an in-progress task", newAgentID)}
		}
	}

	now := e.nowRFC()
	prev := ""
	if t.AssignedAgentID != nil {
		prev = *t.AssignedAgentID
	}
	t.AssignedAgentID = &newAgentID
	t.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	note := domain.TaskComment{
		ID:        uuid.New().String(),
		TaskID:    t.ID,
		AuthorID:  actorID,
		Message:   fmt.Sprintf("reassigned task to agent %s", newAgentID),
		CreatedAt: now,
	}
	if err := e.Repo.InsertCommentTx(ctx, tx, note); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.reassigned", t.BoardID, "task", t.ID, actorID, events.EventPayload{
		"from_agent": prev, "to_agent": newAgentID,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// AddComment appends a standalone audit note outside any status change.
func (e Engine) AddComment(ctx context.Context, taskID, authorID, message string) (domain.TaskComment, error) {
	if strings.TrimSpace(message) == "" {
		return domain.TaskComment{}, errors.New("message is required")
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.TaskComment{}, err
	}
	c := domain.TaskComment{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		AuthorID:  authorID,
		Message:   message,
		CreatedAt: e.nowRFC(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertCommentTx(ctx, tx, c); err != nil {
		return c, err
	}
	if err := e.Events.Append(ctx, tx, "task.commented", t.BoardID, "task", taskID, authorID, nil); err != nil {
		return c, err
	}
	return c, tx.Commit()
}

// DeleteTask removes a task. Tasks referenced by open approvals stay put
// until those approvals are resolved.
func (e Engine) DeleteTask(ctx context.Context, taskID, actorID string) error {
	if _, err := e.requireAdmin(ctx, actorID); err != nil {
		return err
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	unlock := e.lockBoard(t.BoardID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	open, err := e.Repo.CountOpenApprovalsForTaskTx(ctx, tx, taskID)
	if err != nil {
		return err
	}
	if open > 0 {
		return ConflictError{Reason: fmt.Sprintf("task %s is referenced by %d open approvals", taskID, open)}
	}
	if err := e.Repo.DeleteTaskTx(ctx, tx, taskID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "task.deleted", t.BoardID, "task", taskID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}
