package domain

type Organization struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Member struct {
	ID             string `json:"id"`
	OrgID          string `json:"org_id"`
	Email          string `json:"email"`
	Role           string `json:"role" enum:"owner,admin,member"`
	AllBoardsRead  bool   `json:"all_boards_read"`
	AllBoardsWrite bool   `json:"all_boards_write"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

// BoardGrant is a per-board access row for a member. Write implies read at
// resolve time regardless of how the row was stored.
type BoardGrant struct {
	MemberID string `json:"member_id"`
	BoardID  string `json:"board_id"`
	CanRead  bool   `json:"can_read"`
	CanWrite bool   `json:"can_write"`
}

type Board struct {
	ID         string  `json:"id"`
	OrgID      string  `json:"org_id"`
	Name       string  `json:"name"`
	BoardGroup *string `json:"board_group,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

// Agent is an automated actor. Workers are bound to one board; the board lead
// delegates and never executes.
type Agent struct {
	ID         string  `json:"id"`
	BoardID    *string `json:"board_id,omitempty"`
	Name       string  `json:"name"`
	IsLead     bool    `json:"is_lead"`
	Status     string  `json:"status"`
	LastSeenAt *string `json:"last_seen_at,omitempty" format:"date-time"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

type Task struct {
	ID              string  `json:"id"`
	BoardID         string  `json:"board_id"`
	Title           string  `json:"title"`
	Description     string  `json:"description,omitempty"`
	Status          string  `json:"status" enum:"inbox,in_progress,review,done"`
	Priority        string  `json:"priority" enum:"low,medium,high"`
	AssignedAgentID *string `json:"assigned_agent_id,omitempty"`
	CreatedBy       *string `json:"created_by,omitempty"`
	InProgressAt    *string `json:"in_progress_at,omitempty" format:"date-time"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

// TaskComment is the durable audit note paired with every status change.
type TaskComment struct {
	ID        string `json:"id"`
	TaskID    string `json:"task_id"`
	AuthorID  string `json:"author_id"`
	Message   string `json:"message"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Approval struct {
	ID               string  `json:"id"`
	BoardID          string  `json:"board_id"`
	TaskID           *string `json:"task_id,omitempty"`
	AgentID          *string `json:"agent_id,omitempty"`
	ActionType       string  `json:"action_type"`
	Confidence       int     `json:"confidence" minimum:"0" maximum:"100"`
	PayloadJSON      string  `json:"payload_json,omitempty"`
	RubricScoresJSON string  `json:"rubric_scores_json,omitempty"`
	Status           string  `json:"status" enum:"pending,approved,rejected"`
	ResolvedBy       *string `json:"resolved_by,omitempty"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	ResolvedAt       *string `json:"resolved_at,omitempty" format:"date-time"`
}

// Nudge is a fire-and-forget reminder for a stalled task. It is handed to a
// notifier and never stored.
type Nudge struct {
	TargetAgentID string `json:"target_agent_id"`
	TaskID        string `json:"task_id"`
	Reason        string `json:"reason"`
	Message       string `json:"message"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	BoardID    string `json:"board_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Task statuses.
const (
	TaskInbox      = "inbox"
	TaskInProgress = "in_progress"
	TaskReview     = "review"
	TaskDone       = "done"
)

// Task priorities, ordered low to high.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// Approval statuses.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

// Member roles.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// PriorityRank orders priorities for delegation sweeps; higher first.
func PriorityRank(p string) int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 0
	}
	return -1
}

// ValidPriority reports whether p is one of the known priorities.
func ValidPriority(p string) bool {
	return PriorityRank(p) >= 0
}

// ValidTaskStatus reports whether s is a known lifecycle state.
func ValidTaskStatus(s string) bool {
	switch s {
	case TaskInbox, TaskInProgress, TaskReview, TaskDone:
		return true
	}
	return false
}
