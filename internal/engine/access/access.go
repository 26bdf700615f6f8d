// Package access computes effective board rights for a member. Resolution is
// pure so callers re-resolve on every request instead of caching results.
package access

import "boardflow/internal/domain"

// Rights is the resolved read/write pair for one (member, board).
type Rights struct {
	CanRead  bool
	CanWrite bool
}

// Resolve computes rights from the member's org role, all-boards flags and the
// per-board grant, which may be nil when no grant row exists. A missing grant
// is not an error; it simply contributes no access. Owners and admins get full
// rights on every board in their org without consulting grants. Write always
// implies read.
func Resolve(m domain.Member, b domain.Board, grant *domain.BoardGrant) Rights {
	if m.OrgID != b.OrgID {
		return Rights{}
	}
	if m.Role == domain.RoleOwner || m.Role == domain.RoleAdmin {
		return Rights{CanRead: true, CanWrite: true}
	}
	var r Rights
	r.CanWrite = m.AllBoardsWrite
	if grant != nil && grant.BoardID == b.ID && grant.CanWrite {
		r.CanWrite = true
	}
	r.CanRead = r.CanWrite || m.AllBoardsRead
	if grant != nil && grant.BoardID == b.ID && grant.CanRead {
		r.CanRead = true
	}
	return r
}
