package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"boardflow/internal/domain"
	"boardflow/internal/events"
)

// Decision is the gate's verdict on a proposed automated action. Admitted
// actions have already executed by the time the caller sees the decision;
// deferred ones carry the approval id a human needs to resolve them.
type Decision struct {
	Admitted   bool            `json:"admitted"`
	ApprovalID string          `json:"approval_id,omitempty"`
	Task       *domain.Task    `json:"task,omitempty"`
	Approval   domain.Approval `json:"approval,omitempty"`
}

// admitted is the gate rule: risky actions always defer, everything else
// admits at or above the configured confidence threshold.
func (e Engine) admitted(actionType string, confidence int) bool {
	if e.Config.IsRisky(actionType) {
		return false
	}
	return confidence >= e.Config.Threshold()
}

// ProposeOptions describe an action an automated actor wants to perform.
type ProposeOptions struct {
	BoardID          string
	TaskID           string
	AgentID          string
	ActionType       string
	Confidence       int
	PayloadJSON      string
	RubricScoresJSON string
}

// ProposeAction runs an automated proposal through the gate. An admitted
// proposal executes immediately in the same transaction; a deferred one is
// stored as a pending approval with no side effects until a human decides.
func (e Engine) ProposeAction(ctx context.Context, opts ProposeOptions) (Decision, error) {
	if opts.ActionType == "" {
		return Decision{}, errors.New("action type is required")
	}
	if opts.Confidence < 0 || opts.Confidence > 100 {
		return Decision{}, fmt.Errorf("confidence %d out of range [0,100]", opts.Confidence)
	}
	if opts.PayloadJSON != "" {
		var tmp any
		if err := json.Unmarshal([]byte(opts.PayloadJSON), &tmp); err != nil {
			return Decision{}, fmt.Errorf("payload json: %w", err)
		}
	}
	if _, err := e.Repo.GetBoard(ctx, opts.BoardID); err != nil {
		return Decision{}, err
	}
	if opts.AgentID != "" {
		if _, err := e.Repo.GetAgent(ctx, opts.AgentID); err != nil {
			return Decision{}, err
		}
	}

	unlock := e.lockBoard(opts.BoardID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Decision{}, err
	}
	defer tx.Rollback()

	if e.admitted(opts.ActionType, opts.Confidence) {
		task, err := e.executeActionTx(ctx, tx, opts.BoardID, opts.AgentID, opts.ActionType, opts.PayloadJSON)
		if err != nil {
			return Decision{}, err
		}
		if err := e.Events.Append(ctx, tx, "action.admitted", opts.BoardID, "action", opts.ActionType, opts.AgentID, events.EventPayload{
			"confidence": opts.Confidence,
		}); err != nil {
			return Decision{}, err
		}
		if err := tx.Commit(); err != nil {
			return Decision{}, err
		}
		return Decision{Admitted: true, Task: task}, nil
	}

	ap := domain.Approval{
		ID:               uuid.New().String(),
		BoardID:          opts.BoardID,
		TaskID:           optionalString(opts.TaskID),
		AgentID:          optionalString(opts.AgentID),
		ActionType:       opts.ActionType,
		Confidence:       opts.Confidence,
		PayloadJSON:      opts.PayloadJSON,
		RubricScoresJSON: opts.RubricScoresJSON,
		Status:           domain.ApprovalPending,
		CreatedAt:        e.nowRFC(),
	}
	if err := e.Repo.InsertApprovalTx(ctx, tx, ap); err != nil {
		return Decision{}, fmt.Errorf("insert approval: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "approval.created", ap.BoardID, "approval", ap.ID, opts.AgentID, events.EventPayload{
		"action_type": ap.ActionType, "confidence": ap.Confidence,
	}); err != nil {
		return Decision{}, err
	}
	if err := tx.Commit(); err != nil {
		return Decision{}, err
	}
	return Decision{Admitted: false, ApprovalID: ap.ID, Approval: ap}, nil
}

// ResolveApproval applies a human decision to a pending approval. Resolution
// is idempotent: a second call returns the stored outcome without touching
// anything, and a resolved approval can never flip. Approving executes the
// deferred action exactly once, inside the same transaction as the flip.
func (e Engine) ResolveApproval(ctx context.Context, approvalID string, approve bool, resolvedBy string) (domain.Approval, error) {
	ap, err := e.Repo.GetApproval(ctx, approvalID)
	if err != nil {
		return ap, err
	}
	if _, _, err := e.requireWrite(ctx, resolvedBy, ap.BoardID); err != nil {
		return ap, err
	}

	unlock := e.lockBoard(ap.BoardID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ap, err
	}
	defer tx.Rollback()

	ap, err = e.Repo.GetApprovalTx(ctx, tx, approvalID)
	if err != nil {
		return ap, err
	}
	if ap.Status != domain.ApprovalPending {
		// already resolved; report the original outcome
		return ap, nil
	}

	status := domain.ApprovalRejected
	if approve {
		status = domain.ApprovalApproved
	}
	now := e.nowRFC()
	changed, err := e.Repo.ResolveApprovalTx(ctx, tx, approvalID, status, resolvedBy, now)
	if err != nil {
		return ap, err
	}
	if !changed {
		return e.Repo.GetApproval(ctx, approvalID)
	}
	ap.Status = status
	ap.ResolvedBy = &resolvedBy
	ap.ResolvedAt = &now

	if approve {
		agentID := ""
		if ap.AgentID != nil {
			agentID = *ap.AgentID
		}
		if _, err := e.executeActionTx(ctx, tx, ap.BoardID, agentID, ap.ActionType, ap.PayloadJSON); err != nil {
			return ap, fmt.Errorf("execute approved action: %w", err)
		}
	}
	evtType := "approval.rejected"
	if approve {
		evtType = "approval.approved"
	}
	if err := e.Events.Append(ctx, tx, evtType, ap.BoardID, "approval", ap.ID, resolvedBy, events.EventPayload{
		"action_type": ap.ActionType,
	}); err != nil {
		return ap, err
	}
	if err := tx.Commit(); err != nil {
		return ap, err
	}
	return ap, nil
}

// executeActionTx performs the side effect of an admitted or approved action.
// Unknown action types only record that the action was cleared; carrying them
// out is the proposer's job once it observes the outcome.
func (e Engine) executeActionTx(ctx context.Context, tx *sql.Tx, boardID, agentID, actionType, payloadJSON string) (*domain.Task, error) {
	switch actionType {
	case "task.create":
		var p struct {
			Title       string `json:"title"`
			Description string `json:"description"`
			Priority    string `json:"priority"`
		}
		if payloadJSON != "" {
			if err := json.Unmarshal([]byte(payloadJSON), &p); err != nil {
				return nil, fmt.Errorf("task.create payload: %w", err)
			}
		}
		if p.Title == "" {
			return nil, errors.New("task.create payload requires a title")
		}
		t, err := e.insertTaskTx(ctx, tx, TaskCreateOptions{
			BoardID:     boardID,
			Title:       p.Title,
			Description: p.Description,
			Priority:    p.Priority,
			ActorID:     agentID,
		})
		if err != nil {
			return nil, err
		}
		return &t, nil
	case "agent.create":
		var p struct {
			Name string `json:"name"`
		}
		if payloadJSON != "" {
			if err := json.Unmarshal([]byte(payloadJSON), &p); err != nil {
				return nil, fmt.Errorf("agent.create payload: %w", err)
			}
		}
		if p.Name == "" {
			p.Name = "worker-" + a8(uuid.New().String())
		}
		a := domain.Agent{
			ID:        uuid.New().String(),
			BoardID:   &boardID,
			Name:      p.Name,
			Status:    "active",
			CreatedAt: e.nowRFC(),
		}
		if err := e.Repo.InsertAgentTx(ctx, tx, a); err != nil {
			return nil, err
		}
		return nil, e.Events.Append(ctx, tx, "agent.registered", boardID, "agent", a.ID, agentID, events.EventPayload{
			"name": a.Name, "is_lead": false, "auto": true,
		})
	default:
		return nil, e.Events.Append(ctx, tx, "action.cleared", boardID, "action", actionType, agentID, nil)
	}
}
