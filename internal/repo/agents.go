package repo

import (
	"context"
	"database/sql"

	"boardflow/internal/domain"
)

const agentColumns = `id,board_id,name,is_lead,status,last_seen_at,created_at`

func scanAgent(scan func(dest ...any) error) (domain.Agent, error) {
	var a domain.Agent
	var boardID, lastSeen sql.NullString
	var isLead int
	err := scan(&a.ID, &boardID, &a.Name, &isLead, &a.Status, &lastSeen, &a.CreatedAt)
	if err != nil {
		return a, err
	}
	if boardID.Valid {
		a.BoardID = &boardID.String
	}
	if lastSeen.Valid {
		a.LastSeenAt = &lastSeen.String
	}
	a.IsLead = isLead != 0
	return a, nil
}

func (r Repo) InsertAgentTx(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO agents(id,board_id,name,is_lead,status,last_seen_at,created_at) VALUES (?,?,?,?,?,?,?)`,
		a.ID, nullableStringPtr(a.BoardID), a.Name, boolInt(a.IsLead), a.Status, nullableStringPtr(a.LastSeenAt), a.CreatedAt)
	return err
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	a, err := scanAgent(r.DB.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=?`, id).Scan)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) GetAgentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Agent, error) {
	a, err := scanAgent(tx.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=?`, id).Scan)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) ListAgents(ctx context.Context, boardID string) ([]domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	var args []any
	if boardID != "" {
		query += ` WHERE board_id=?`
		args = append(args, boardID)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ListWorkersTx returns the board's non-lead agents in creation order, the
// deterministic tie-break used by delegation.
func (r Repo) ListWorkersTx(ctx context.Context, tx *sql.Tx, boardID string) ([]domain.Agent, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE board_id=? AND is_lead=0 ORDER BY created_at ASC, id ASC`, boardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// GetBoardLeadTx returns the lead agent for a board, ErrNotFound when none.
func (r Repo) GetBoardLeadTx(ctx context.Context, tx *sql.Tx, boardID string) (domain.Agent, error) {
	a, err := scanAgent(tx.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE board_id=? AND is_lead=1 LIMIT 1`, boardID).Scan)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// AgentLoadsTx counts in-progress tasks per agent on a board.
func (r Repo) AgentLoadsTx(ctx context.Context, tx *sql.Tx, boardID string) (map[string]int, error) {
	rows, err := tx.QueryContext(ctx, `SELECT assigned_agent_id, count(*) FROM tasks
WHERE board_id=? AND status='in_progress' AND assigned_agent_id IS NOT NULL GROUP BY assigned_agent_id`, boardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var agentID string
		var n int
		if err := rows.Scan(&agentID, &n); err != nil {
			return nil, err
		}
		res[agentID] = n
	}
	return res, rows.Err()
}

func (r Repo) TouchAgent(ctx context.Context, id, now, status string) error {
	query := `UPDATE agents SET last_seen_at=?`
	args := []any{now}
	if status != "" {
		query += `, status=?`
		args = append(args, status)
	}
	query += ` WHERE id=?`
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteAgentTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
