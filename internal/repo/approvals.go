package repo

import (
	"context"
	"database/sql"
	"strings"

	"boardflow/internal/domain"
)

const approvalColumns = `id,board_id,task_id,agent_id,action_type,confidence,payload_json,rubric_scores_json,status,resolved_by,created_at,resolved_at`

func scanApproval(scan func(dest ...any) error) (domain.Approval, error) {
	var a domain.Approval
	var taskID, agentID, payload, rubric, resolvedBy, resolvedAt sql.NullString
	err := scan(&a.ID, &a.BoardID, &taskID, &agentID, &a.ActionType, &a.Confidence, &payload, &rubric, &a.Status, &resolvedBy, &a.CreatedAt, &resolvedAt)
	if err != nil {
		return a, err
	}
	if taskID.Valid {
		a.TaskID = &taskID.String
	}
	if agentID.Valid {
		a.AgentID = &agentID.String
	}
	if payload.Valid {
		a.PayloadJSON = payload.String
	}
	if rubric.Valid {
		a.RubricScoresJSON = rubric.String
	}
	if resolvedBy.Valid {
		a.ResolvedBy = &resolvedBy.String
	}
	if resolvedAt.Valid {
		a.ResolvedAt = &resolvedAt.String
	}
	return a, nil
}

func (r Repo) InsertApprovalTx(ctx context.Context, tx *sql.Tx, a domain.Approval) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO approvals(id,board_id,task_id,agent_id,action_type,confidence,payload_json,rubric_scores_json,status,resolved_by,created_at,resolved_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.BoardID, nullableStringPtr(a.TaskID), nullableStringPtr(a.AgentID), a.ActionType, a.Confidence,
		nullable(a.PayloadJSON), nullable(a.RubricScoresJSON), a.Status, nullableStringPtr(a.ResolvedBy), a.CreatedAt, nullableStringPtr(a.ResolvedAt))
	return err
}

func (r Repo) GetApproval(ctx context.Context, id string) (domain.Approval, error) {
	a, err := scanApproval(r.DB.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id=?`, id).Scan)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) GetApprovalTx(ctx context.Context, tx *sql.Tx, id string) (domain.Approval, error) {
	a, err := scanApproval(tx.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id=?`, id).Scan)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// ResolveApprovalTx flips a pending approval to its final status. The WHERE
// guard on status makes the write a no-op when another resolution won.
func (r Repo) ResolveApprovalTx(ctx context.Context, tx *sql.Tx, id, status, resolvedBy, resolvedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE approvals SET status=?, resolved_by=?, resolved_at=? WHERE id=? AND status='pending'`,
		status, resolvedBy, resolvedAt, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

type ApprovalFilters struct {
	BoardID         string
	Status          string
	TaskID          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListApprovals(ctx context.Context, f ApprovalFilters) ([]domain.Approval, error) {
	var clauses []string
	var args []any
	if f.BoardID != "" {
		clauses = append(clauses, "board_id=?")
		args = append(args, f.BoardID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + approvalColumns + ` FROM approvals ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Approval
	for rows.Next() {
		a, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// CountOpenApprovalsForTaskTx counts pending approvals referencing a task.
// Tasks with open approvals must not be deleted.
func (r Repo) CountOpenApprovalsForTaskTx(ctx context.Context, tx *sql.Tx, taskID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM approvals WHERE task_id=? AND status='pending'`, taskID).Scan(&n)
	return n, err
}
