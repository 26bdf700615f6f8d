package repo

import (
	"context"
	"database/sql"

	"boardflow/internal/domain"
)

func (r Repo) InsertMember(ctx context.Context, tx *sql.Tx, m domain.Member) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO members(id,org_id,email,role,all_boards_read,all_boards_write,created_at) VALUES (?,?,?,?,?,?,?)`,
		m.ID, m.OrgID, m.Email, m.Role, boolInt(m.AllBoardsRead), boolInt(m.AllBoardsWrite), m.CreatedAt)
	return err
}

func scanMember(scan func(dest ...any) error) (domain.Member, error) {
	var m domain.Member
	var read, write int
	err := scan(&m.ID, &m.OrgID, &m.Email, &m.Role, &read, &write, &m.CreatedAt)
	if err != nil {
		return m, err
	}
	m.AllBoardsRead = read != 0
	m.AllBoardsWrite = write != 0
	return m, nil
}

const memberColumns = `id,org_id,email,role,all_boards_read,all_boards_write,created_at`

func (r Repo) GetMember(ctx context.Context, id string) (domain.Member, error) {
	m, err := scanMember(r.DB.QueryRowContext(ctx, `SELECT `+memberColumns+` FROM members WHERE id=?`, id).Scan)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) ListMembers(ctx context.Context, orgID string) ([]domain.Member, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+memberColumns+` FROM members WHERE org_id=? ORDER BY created_at ASC, id ASC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Member
	for rows.Next() {
		m, err := scanMember(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) UpdateMemberAccessTx(ctx context.Context, tx *sql.Tx, id, role string, allRead, allWrite *bool) error {
	m, err := scanMember(tx.QueryRowContext(ctx, `SELECT `+memberColumns+` FROM members WHERE id=?`, id).Scan)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if role != "" {
		m.Role = role
	}
	if allRead != nil {
		m.AllBoardsRead = *allRead
	}
	if allWrite != nil {
		m.AllBoardsWrite = *allWrite
	}
	_, err = tx.ExecContext(ctx, `UPDATE members SET role=?, all_boards_read=?, all_boards_write=? WHERE id=?`,
		m.Role, boolInt(m.AllBoardsRead), boolInt(m.AllBoardsWrite), id)
	return err
}

// DeleteMemberTx removes a member; board_grants cascade with it so removal
// revokes all grants atomically.
func (r Repo) DeleteMemberTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM members WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpsertGrantTx(ctx context.Context, tx *sql.Tx, g domain.BoardGrant) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO board_grants(member_id,board_id,can_read,can_write) VALUES (?,?,?,?)
ON CONFLICT(member_id,board_id) DO UPDATE SET can_read=excluded.can_read, can_write=excluded.can_write`,
		g.MemberID, g.BoardID, boolInt(g.CanRead), boolInt(g.CanWrite))
	return err
}

func (r Repo) DeleteGrantTx(ctx context.Context, tx *sql.Tx, memberID, boardID string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM board_grants WHERE member_id=? AND board_id=?`, memberID, boardID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListGrants(ctx context.Context, memberID string) ([]domain.BoardGrant, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT member_id,board_id,can_read,can_write FROM board_grants WHERE member_id=? ORDER BY board_id ASC`, memberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BoardGrant
	for rows.Next() {
		var g domain.BoardGrant
		var read, write int
		if err := rows.Scan(&g.MemberID, &g.BoardID, &read, &write); err != nil {
			return nil, err
		}
		g.CanRead = read != 0
		g.CanWrite = write != 0
		res = append(res, g)
	}
	return res, rows.Err()
}

func (r Repo) GetGrant(ctx context.Context, memberID, boardID string) (domain.BoardGrant, error) {
	var g domain.BoardGrant
	var read, write int
	err := r.DB.QueryRowContext(ctx, `SELECT member_id,board_id,can_read,can_write FROM board_grants WHERE member_id=? AND board_id=?`,
		memberID, boardID).Scan(&g.MemberID, &g.BoardID, &read, &write)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	if err != nil {
		return g, err
	}
	g.CanRead = read != 0
	g.CanWrite = write != 0
	return g, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
