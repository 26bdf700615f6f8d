package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"boardflow/internal/domain"
	"boardflow/internal/events"
	"boardflow/internal/repo"
)

// DelegateOptions parameterize one delegation. CandidateID may be empty, in
// which case the controller picks the least-loaded worker. Confidence is the
// calling context's self-reported confidence, used only when delegation has
// to request a new worker agent.
type DelegateOptions struct {
	TaskID      string
	LeadID      string
	CandidateID string
	Confidence  int
}

// Delegate assigns an inbox task to a worker on the lead's board. The task
// stays in inbox; the worker takes it to in_progress by claiming it. A lead
// can never be the target of a delegation, its own or anyone else's.
func (e Engine) Delegate(ctx context.Context, opts DelegateOptions) (domain.Task, error) {
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
	lead, err := e.requireLeadTx(ctx, tx, opts.LeadID, t.BoardID)
	if err != nil {
		return t, err
	}
	if t.Status != domain.TaskInbox {
		return t, IllegalTransitionError{TaskID: t.ID, From: t.Status, To: t.Status}
	}

	var target domain.Agent
	if opts.CandidateID != "" {
		if opts.CandidateID == lead.ID {
			return t, RoleViolationError{AgentID: lead.ID, Rule: "lead may not assign work to itself"}
		}
		target, err = e.Repo.GetAgentTx(ctx, tx, opts.CandidateID)
		if err != nil {
			return t, err
		}
		if target.IsLead {
			return t, RoleViolationError{AgentID: target.ID, Rule: "lead agents never hold task assignments"}
		}
		if target.BoardID == nil || *target.BoardID != t.BoardID {
			return t, AccessDeniedError{ActorID: target.ID, BoardID: t.BoardID, Need: "board membership"}
		}
	} else {
		target, err = e.pickWorkerTx(ctx, tx, t.BoardID, nil)
		if err != nil {
			var conflict ConflictError
			if !errors.As(err, &conflict) {
				return t, err
			}
			// no workers at all: route through the gate, and assign the new
			// worker right away when the request is admitted
			target, err = e.requestWorkerTx(ctx, tx, t.BoardID, lead.ID, opts.Confidence)
			if err != nil {
				var deferred DeferredError
				if errors.As(err, &deferred) {
					if cerr := tx.Commit(); cerr != nil {
						return t, cerr
					}
				}
				return t, err
			}
		}
	}

	if err := e.assignTx(ctx, tx, &t, lead.ID, target.ID); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// Delegation records one sweep assignment.
type Delegation struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
}

// DelegateSweep walks the board's inbox in descending priority, oldest first
// within a tier, assigning each unassigned task to the least-loaded worker.
// A lower-priority task is never delegated ahead of a higher-priority one in
// the same sweep. When the board has no workers at all, the sweep puts an
// agent.create request through the approval gate; an admitted request creates
// the worker and the sweep carries on with it, a deferred one parks a pending
// approval and stops.
func (e Engine) DelegateSweep(ctx context.Context, boardID, leadID string, confidence int) ([]Delegation, error) {
	unlock := e.lockBoard(boardID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	lead, err := e.requireLeadTx(ctx, tx, leadID, boardID)
	if err != nil {
		return nil, err
	}
	inbox, err := e.Repo.ListInboxTasksTx(ctx, tx, boardID)
	if err != nil {
		return nil, err
	}
	workers, err := e.Repo.ListWorkersTx(ctx, tx, boardID)
	if err != nil {
		return nil, err
	}
	if len(workers) == 0 {
		if len(inbox) == 0 {
			return nil, tx.Commit()
		}
		w, werr := e.requestWorkerTx(ctx, tx, boardID, lead.ID, confidence)
		if werr != nil {
			var deferred DeferredError
			if errors.As(werr, &deferred) {
				if err := tx.Commit(); err != nil {
					return nil, err
				}
			}
			return nil, werr
		}
		workers = append(workers, w)
	}
	loads, err := e.Repo.AgentLoadsTx(ctx, tx, boardID)
	if err != nil {
		return nil, err
	}

	var out []Delegation
	for i := range inbox {
		t := inbox[i]
		if t.AssignedAgentID != nil {
			continue
		}
		target := leastLoaded(workers, loads)
		if err := e.assignTx(ctx, tx, &t, lead.ID, target.ID); err != nil {
			return nil, err
		}
		// count the fresh assignment so the sweep spreads work instead of
		// piling everything on the same worker
		loads[target.ID]++
		out = append(out, Delegation{TaskID: t.ID, AgentID: target.ID})
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e Engine) requireLeadTx(ctx context.Context, tx *sql.Tx, leadID, boardID string) (domain.Agent, error) {
	lead, err := e.Repo.GetAgentTx(ctx, tx, leadID)
	if err != nil {
		return lead, err
	}
	if !lead.IsLead {
		return lead, RoleViolationError{AgentID: leadID, Rule: "only the board lead may delegate"}
	}
	if lead.BoardID == nil || *lead.BoardID != boardID {
		return lead, AccessDeniedError{ActorID: leadID, BoardID: boardID, Need: "board lead"}
	}
	return lead, nil
}

// pickWorkerTx selects the eligible worker with the fewest in-progress tasks.
// ListWorkersTx returns workers oldest first, so ties resolve deterministically
// to the oldest agent.
func (e Engine) pickWorkerTx(ctx context.Context, tx *sql.Tx, boardID string, extra map[string]int) (domain.Agent, error) {
	workers, err := e.Repo.ListWorkersTx(ctx, tx, boardID)
	if err != nil {
		return domain.Agent{}, err
	}
	if len(workers) == 0 {
		return domain.Agent{}, ConflictError{Reason: "no eligible worker agents on board"}
	}
	loads, err := e.Repo.AgentLoadsTx(ctx, tx, boardID)
	if err != nil {
		return domain.Agent{}, err
	}
	for id, n := range extra {
		loads[id] += n
	}
	return leastLoaded(workers, loads), nil
}

func leastLoaded(workers []domain.Agent, loads map[string]int) domain.Agent {
	best := workers[0]
	for _, w := range workers[1:] {
		if loads[w.ID] < loads[best.ID] {
			best = w
		}
	}
	return best
}

func (e Engine) assignTx(ctx context.Context, tx *sql.Tx, t *domain.Task, leadID, agentID string) error {
	now := e.nowRFC()
	t.AssignedAgentID = &agentID
	t.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, *t); err != nil {
		return err
	}
	note := domain.TaskComment{
		ID:        uuid.New().String(),
		TaskID:    t.ID,
		AuthorID:  leadID,
		Message:   fmt.Sprintf("delegated to agent %s", agentID),
		CreatedAt: now,
	}
	if err := e.Repo.InsertCommentTx(ctx, tx, note); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, "task.delegated", t.BoardID, "task", t.ID, leadID, events.EventPayload{
		"agent_id": agentID, "priority": t.Priority,
	})
}

// requestWorkerTx gates the roster expansion. Sufficient confidence on a
// non-risky agent.create creates the worker inside the caller's tx so the
// caller can keep assigning; anything else parks a pending approval and
// returns DeferredError. The caller commits in both cases.
func (e Engine) requestWorkerTx(ctx context.Context, tx *sql.Tx, boardID, leadID string, confidence int) (domain.Agent, error) {
	actionType := "agent.create"
	if !e.Config.IsRisky(actionType) && confidence >= e.Config.Threshold() {
		a := domain.Agent{
			ID:        uuid.New().String(),
			BoardID:   &boardID,
			Name:      fmt.Sprintf("worker-%s", a8(uuid.New().String())),
			IsLead:    false,
			Status:    "active",
			CreatedAt: e.nowRFC(),
		}
		if err := e.Repo.InsertAgentTx(ctx, tx, a); err != nil {
			return domain.Agent{}, err
		}
		if err := e.Events.Append(ctx, tx, "agent.registered", boardID, "agent", a.ID, leadID, events.EventPayload{
			"name": a.Name, "is_lead": false, "auto": true,
		}); err != nil {
			return domain.Agent{}, err
		}
		return a, nil
	}
	ap := domain.Approval{
		ID:         uuid.New().String(),
		BoardID:    boardID,
		AgentID:    &leadID,
		ActionType: actionType,
		Confidence: confidence,
		Status:     domain.ApprovalPending,
		CreatedAt:  e.nowRFC(),
	}
	if err := e.Repo.InsertApprovalTx(ctx, tx, ap); err != nil {
		return domain.Agent{}, err
	}
	if err := e.Events.Append(ctx, tx, "approval.created", boardID, "approval", ap.ID, leadID, events.EventPayload{
		"action_type": actionType, "confidence": confidence,
	}); err != nil {
		return domain.Agent{}, err
	}
	return domain.Agent{}, DeferredError{ApprovalID: ap.ID}
}

func a8(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// BoardSnapshot is a read-side rollup for dashboards and the CLI.
type BoardSnapshot struct {
	Board    domain.Board   `json:"board"`
	Counts   map[string]int `json:"counts"`
	Agents   []domain.Agent `json:"agents"`
	Inbox    int            `json:"inbox"`
	Progress int            `json:"in_progress"`
}

func (e Engine) Snapshot(ctx context.Context, boardID, actorID string) (BoardSnapshot, error) {
	_, b, err := e.requireRead(ctx, actorID, boardID)
	if err != nil {
		return BoardSnapshot{}, err
	}
	counts, err := e.Repo.CountTasksByStatus(ctx, boardID)
	if err != nil {
		return BoardSnapshot{}, err
	}
	agents, err := e.Repo.ListAgents(ctx, boardID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return BoardSnapshot{}, err
	}
	return BoardSnapshot{
		Board:    b,
		Counts:   counts,
		Agents:   agents,
		Inbox:    counts[domain.TaskInbox],
		Progress: counts[domain.TaskInProgress],
	}, nil
}
