package server

import (
	"encoding/base64"
	"errors"
	"strings"

	"boardflow/internal/domain"
	"boardflow/internal/engine"
)

type CreateBoardRequest struct {
	Name       string  `json:"name"`
	BoardGroup *string `json:"board_group,omitempty"`
}

type UpdateBoardRequest struct {
	Name       string  `json:"name,omitempty"`
	BoardGroup *string `json:"board_group,omitempty"`
}

type NudgeRequest struct {
	Message string `json:"message,omitempty"`
}

type CreateMemberRequest struct {
	Email          string `json:"email"`
	Role           string `json:"role,omitempty" enum:"owner,admin,member"`
	AllBoardsRead  bool   `json:"all_boards_read,omitempty"`
	AllBoardsWrite bool   `json:"all_boards_write,omitempty"`
}

type UpdateMemberAccessRequest struct {
	Role           string `json:"role,omitempty" enum:"owner,admin,member"`
	AllBoardsRead  *bool  `json:"all_boards_read,omitempty"`
	AllBoardsWrite *bool  `json:"all_boards_write,omitempty"`
}

type SetGrantRequest struct {
	CanRead  bool `json:"can_read"`
	CanWrite bool `json:"can_write"`
}

type CreateAgentRequest struct {
	Name   string `json:"name"`
	IsLead bool   `json:"is_lead,omitempty"`
}

type CreateTaskRequest struct {
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	Priority    *string `json:"priority,omitempty" enum:"low,medium,high"`
}

type UpdateTaskRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Priority    *string `json:"priority,omitempty" enum:"low,medium,high"`
}

type TransitionRequest struct {
	From string `json:"from,omitempty" enum:"inbox,in_progress,review,done"`
	To   string `json:"to" enum:"in_progress,review,done"`
	Note string `json:"note"`
}

type ClaimRequest struct {
	AgentID string `json:"agent_id"`
}

type ReassignRequest struct {
	AgentID string `json:"agent_id"`
}

type DelegateRequest struct {
	LeadID      string `json:"lead_id"`
	CandidateID string `json:"candidate_id,omitempty"`
	Confidence  int    `json:"confidence,omitempty" minimum:"0" maximum:"100"`
}

type SweepRequest struct {
	LeadID     string `json:"lead_id"`
	Confidence int    `json:"confidence" minimum:"0" maximum:"100"`
}

type ProposeActionRequest struct {
	TaskID       string         `json:"task_id,omitempty"`
	AgentID      string         `json:"agent_id"`
	ActionType   string         `json:"action_type"`
	Confidence   int            `json:"confidence" minimum:"0" maximum:"100"`
	Payload      map[string]any `json:"payload,omitempty"`
	RubricScores map[string]any `json:"rubric_scores,omitempty"`
}

type ResolveApprovalRequest struct {
	Approved bool `json:"approved"`
}

type CommentRequest struct {
	Message string `json:"message"`
}

type HeartbeatRequest struct {
	Status string `json:"status,omitempty"`
}

type DecisionResponse struct {
	Admitted   bool         `json:"admitted"`
	ApprovalID string       `json:"approval_id,omitempty"`
	Task       *domain.Task `json:"task,omitempty"`
}

func decisionResponse(d engine.Decision) DecisionResponse {
	return DecisionResponse{Admitted: d.Admitted, ApprovalID: d.ApprovalID, Task: d.Task}
}

type paginatedTasks struct {
	Items      []domain.Task `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type paginatedApprovals struct {
	Items      []domain.Approval `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

const maxListLimit = 200

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// composeCursor packs (created_at, id) into an opaque pagination token.
func composeCursor(createdAt, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(createdAt + "|" + id))
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", "", err
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("malformed cursor")
	}
	return parts[0], parts[1], nil
}
