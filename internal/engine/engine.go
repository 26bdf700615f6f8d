package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"boardflow/internal/config"
	"boardflow/internal/domain"
	"boardflow/internal/engine/access"
	"boardflow/internal/events"
	"boardflow/internal/repo"
)

// Engine executes every orchestration operation against the store. All
// mutations run inside one transaction under the owning board's lock, so
// concurrent attempts on a board serialize and invariant checks always see
// the board's current task set.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time

	locks *boardLocks
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
		locks:  newBoardLocks(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) lockBoard(boardID string) func() {
	if e.locks == nil {
		return func() {}
	}
	return e.locks.Lock(boardID)
}

// InitOrg creates the organization row if missing. Called once per workspace.
func (e Engine) InitOrg(ctx context.Context, orgID, name, actorID string) (domain.Organization, error) {
	if orgID == "" {
		return domain.Organization{}, errors.New("org id is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Organization{}, err
	}
	defer tx.Rollback()
	now := e.nowRFC()
	if err := e.Repo.EnsureOrg(ctx, tx, orgID, name, now); err != nil {
		return domain.Organization{}, fmt.Errorf("insert org: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "org.init", "", "org", orgID, actorID, events.EventPayload{"name": name}); err != nil {
		return domain.Organization{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Organization{}, err
	}
	return e.Repo.GetOrg(ctx, orgID)
}

// resolveBoard loads the member, board and grant and runs the resolver. Rights
// are recomputed on every call; grants can change between requests.
func (e Engine) resolveBoard(ctx context.Context, memberID, boardID string) (domain.Member, domain.Board, access.Rights, error) {
	m, err := e.Repo.GetMember(ctx, memberID)
	if err != nil {
		return domain.Member{}, domain.Board{}, access.Rights{}, err
	}
	b, err := e.Repo.GetBoard(ctx, boardID)
	if err != nil {
		return m, domain.Board{}, access.Rights{}, err
	}
	var grant *domain.BoardGrant
	if g, err := e.Repo.GetGrant(ctx, memberID, boardID); err == nil {
		grant = &g
	} else if !errors.Is(err, repo.ErrNotFound) {
		return m, b, access.Rights{}, err
	}
	return m, b, access.Resolve(m, b, grant), nil
}

func (e Engine) requireWrite(ctx context.Context, memberID, boardID string) (domain.Member, domain.Board, error) {
	m, b, r, err := e.resolveBoard(ctx, memberID, boardID)
	if err != nil {
		return m, b, err
	}
	if !r.CanWrite {
		return m, b, AccessDeniedError{ActorID: memberID, BoardID: boardID, Need: "write"}
	}
	return m, b, nil
}

func (e Engine) requireRead(ctx context.Context, memberID, boardID string) (domain.Member, domain.Board, error) {
	m, b, r, err := e.resolveBoard(ctx, memberID, boardID)
	if err != nil {
		return m, b, err
	}
	if !r.CanRead {
		return m, b, AccessDeniedError{ActorID: memberID, BoardID: boardID, Need: "read"}
	}
	return m, b, nil
}

func (e Engine) requireAdmin(ctx context.Context, memberID string) (domain.Member, error) {
	m, err := e.Repo.GetMember(ctx, memberID)
	if err != nil {
		return m, err
	}
	if m.Role != domain.RoleOwner && m.Role != domain.RoleAdmin {
		return m, AccessDeniedError{ActorID: memberID, Need: "admin role"}
	}
	return m, nil
}

// CreateBoard is an admin action.
func (e Engine) CreateBoard(ctx context.Context, orgID, name string, boardGroup *string, actorID string) (domain.Board, error) {
	if strings.TrimSpace(name) == "" {
		return domain.Board{}, errors.New("board name is required")
	}
	if _, err := e.requireAdmin(ctx, actorID); err != nil {
		return domain.Board{}, err
	}
	now := e.nowRFC()
	b := domain.Board{
		ID:         uuid.New().String(),
		OrgID:      orgID,
		Name:       name,
		BoardGroup: boardGroup,
		CreatedAt:  now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Board{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureOrg(ctx, tx, orgID, "", now); err != nil {
		return domain.Board{}, err
	}
	if err := e.Repo.InsertBoard(ctx, tx, b); err != nil {
		return domain.Board{}, fmt.Errorf("insert board: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "board.created", b.ID, "board", b.ID, actorID, events.EventPayload{"name": b.Name}); err != nil {
		return domain.Board{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Board{}, err
	}
	return b, nil
}

// UpdateBoard renames a board or moves it between groups.
func (e Engine) UpdateBoard(ctx context.Context, boardID, name string, boardGroup *string, actorID string) (domain.Board, error) {
	if _, err := e.requireAdmin(ctx, actorID); err != nil {
		return domain.Board{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Board{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetBoardTx(ctx, tx, boardID); err != nil {
		return domain.Board{}, err
	}
	if err := e.Repo.UpdateBoardTx(ctx, tx, boardID, name, boardGroup); err != nil {
		return domain.Board{}, err
	}
	if err := e.Events.Append(ctx, tx, "board.updated", boardID, "board", boardID, actorID, events.EventPayload{"name": name}); err != nil {
		return domain.Board{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Board{}, err
	}
	return e.Repo.GetBoard(ctx, boardID)
}

// DeleteBoard removes a board and cascades its tasks, grants and agents.
func (e Engine) DeleteBoard(ctx context.Context, boardID, actorID string) error {
	if _, err := e.requireAdmin(ctx, actorID); err != nil {
		return err
	}
	unlock := e.lockBoard(boardID)
	defer unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteBoardTx(ctx, tx, boardID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "board.deleted", boardID, "board", boardID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// MemberCreateOptions are parameters for adding a member, typically on invite
// acceptance.
type MemberCreateOptions struct {
	OrgID          string
	Email          string
	Role           string
	AllBoardsRead  bool
	AllBoardsWrite bool
	ActorID        string
}

func (e Engine) AddMember(ctx context.Context, opts MemberCreateOptions) (domain.Member, error) {
	if strings.TrimSpace(opts.Email) == "" {
		return domain.Member{}, errors.New("email is required")
	}
	switch opts.Role {
	case "":
		opts.Role = domain.RoleMember
	case domain.RoleOwner, domain.RoleAdmin, domain.RoleMember:
	default:
		return domain.Member{}, fmt.Errorf("unknown role %q", opts.Role)
	}
	now := e.nowRFC()
	m := domain.Member{
		ID:             uuid.New().String(),
		OrgID:          opts.OrgID,
		Email:          opts.Email,
		Role:           opts.Role,
		AllBoardsRead:  opts.AllBoardsRead,
		AllBoardsWrite: opts.AllBoardsWrite,
		CreatedAt:      now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Member{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureOrg(ctx, tx, opts.OrgID, "", now); err != nil {
		return domain.Member{}, err
	}
	if err := e.Repo.InsertMember(ctx, tx, m); err != nil {
		return domain.Member{}, fmt.Errorf("insert member: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "member.added", "", "member", m.ID, opts.ActorID, events.EventPayload{"email": m.Email, "role": m.Role}); err != nil {
		return domain.Member{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Member{}, err
	}
	return m, nil
}

// UpdateMemberAccess changes role or all-boards flags. Admin or owner only.
func (e Engine) UpdateMemberAccess(ctx context.Context, memberID, role string, allRead, allWrite *bool, actorID string) (domain.Member, error) {
	if _, err := e.requireAdmin(ctx, actorID); err != nil {
		return domain.Member{}, err
	}
	if role != "" && role != domain.RoleOwner && role != domain.RoleAdmin && role != domain.RoleMember {
		return domain.Member{}, fmt.Errorf("unknown role %q", role)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Member{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateMemberAccessTx(ctx, tx, memberID, role, allRead, allWrite); err != nil {
		return domain.Member{}, err
	}
	if err := e.Events.Append(ctx, tx, "member.access.updated", "", "member", memberID, actorID, events.EventPayload{"role": role}); err != nil {
		return domain.Member{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Member{}, err
	}
	return e.Repo.GetMember(ctx, memberID)
}

// RemoveMember deletes a member. Board grants cascade in the same statement,
// so removal revokes all access atomically.
func (e Engine) RemoveMember(ctx context.Context, memberID, actorID string) error {
	if _, err := e.requireAdmin(ctx, actorID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteMemberTx(ctx, tx, memberID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "member.removed", "", "member", memberID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// SetGrant upserts a per-board grant. Write is normalized to imply read so the
// invariant holds at the storage layer, not just at resolve time.
func (e Engine) SetGrant(ctx context.Context, memberID, boardID string, canRead, canWrite bool, actorID string) (domain.BoardGrant, error) {
	if _, err := e.requireAdmin(ctx, actorID); err != nil {
		return domain.BoardGrant{}, err
	}
	if _, err := e.Repo.GetMember(ctx, memberID); err != nil {
		return domain.BoardGrant{}, err
	}
	if _, err := e.Repo.GetBoard(ctx, boardID); err != nil {
		return domain.BoardGrant{}, err
	}
	if canWrite {
		canRead = true
	}
	g := domain.BoardGrant{MemberID: memberID, BoardID: boardID, CanRead: canRead, CanWrite: canWrite}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return g, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertGrantTx(ctx, tx, g); err != nil {
		return g, err
	}
	if err := e.Events.Append(ctx, tx, "grant.set", boardID, "member", memberID, actorID, events.EventPayload{
		"can_read": canRead, "can_write": canWrite,
	}); err != nil {
		return g, err
	}
	return g, tx.Commit()
}

func (e Engine) RevokeGrant(ctx context.Context, memberID, boardID, actorID string) error {
	if _, err := e.requireAdmin(ctx, actorID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteGrantTx(ctx, tx, memberID, boardID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "grant.revoked", boardID, "member", memberID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// AgentCreateOptions are parameters for registering an agent on a board.
type AgentCreateOptions struct {
	BoardID string
	Name    string
	IsLead  bool
	ActorID string
}

// RegisterAgent creates a worker or lead agent. A partial unique index keeps
// at most one lead per board; a second lead surfaces as ConflictError.
func (e Engine) RegisterAgent(ctx context.Context, opts AgentCreateOptions) (domain.Agent, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Agent{}, errors.New("agent name is required")
	}
	if _, err := e.requireAdmin(ctx, opts.ActorID); err != nil {
		return domain.Agent{}, err
	}
	if opts.BoardID != "" {
		if _, err := e.Repo.GetBoard(ctx, opts.BoardID); err != nil {
			return domain.Agent{}, err
		}
	}
	a := domain.Agent{
		ID:        uuid.New().String(),
		Name:      opts.Name,
		IsLead:    opts.IsLead,
		Status:    "active",
		CreatedAt: e.nowRFC(),
	}
	if opts.BoardID != "" {
		a.BoardID = &opts.BoardID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAgentTx(ctx, tx, a); err != nil {
		if isUniqueViolation(err) {
			return domain.Agent{}, ConflictError{Reason: "board already has a lead agent"}
		}
		return domain.Agent{}, fmt.Errorf("insert agent: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "agent.registered", opts.BoardID, "agent", a.ID, opts.ActorID, events.EventPayload{
		"name": a.Name, "is_lead": a.IsLead,
	}); err != nil {
		return domain.Agent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}
	return a, nil
}

// AgentHeartbeat records liveness for an agent, optionally updating status.
func (e Engine) AgentHeartbeat(ctx context.Context, agentID, status string) error {
	return e.Repo.TouchAgent(ctx, agentID, e.nowRFC(), status)
}

// RemoveAgent deletes an agent. Its in-progress assignments are released by
// the foreign key so orphaned tasks fall back to unassigned.
func (e Engine) RemoveAgent(ctx context.Context, agentID, actorID string) error {
	if _, err := e.requireAdmin(ctx, actorID); err != nil {
		return err
	}
	a, err := e.Repo.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	boardID := ""
	if a.BoardID != nil {
		boardID = *a.BoardID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteAgentTx(ctx, tx, agentID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "agent.removed", boardID, "agent", agentID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed")
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
