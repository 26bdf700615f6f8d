package access

import (
	"testing"

	"boardflow/internal/domain"
)

func member(role string, allRead, allWrite bool) domain.Member {
	return domain.Member{ID: "m1", OrgID: "org1", Role: role, AllBoardsRead: allRead, AllBoardsWrite: allWrite}
}

func board() domain.Board {
	return domain.Board{ID: "b1", OrgID: "org1"}
}

func grant(read, write bool) *domain.BoardGrant {
	return &domain.BoardGrant{MemberID: "m1", BoardID: "b1", CanRead: read, CanWrite: write}
}

func TestResolve(t *testing.T) {
	cases := []struct {
		name      string
		m         domain.Member
		g         *domain.BoardGrant
		wantRead  bool
		wantWrite bool
	}{
		{"owner short-circuits grants", member(domain.RoleOwner, false, false), nil, true, true},
		{"admin short-circuits grants", member(domain.RoleAdmin, false, false), nil, true, true},
		{"plain member no grant", member(domain.RoleMember, false, false), nil, false, false},
		{"all boards read", member(domain.RoleMember, true, false), nil, true, false},
		{"all boards write implies read", member(domain.RoleMember, false, true), nil, true, true},
		{"grant read only", member(domain.RoleMember, false, false), grant(true, false), true, false},
		{"grant write implies read", member(domain.RoleMember, false, false), grant(false, true), true, true},
		{"grant for other board ignored", member(domain.RoleMember, false, false), &domain.BoardGrant{MemberID: "m1", BoardID: "other", CanRead: true, CanWrite: true}, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := Resolve(tc.m, board(), tc.g)
			if r.CanRead != tc.wantRead || r.CanWrite != tc.wantWrite {
				t.Fatalf("got read=%v write=%v, want read=%v write=%v", r.CanRead, r.CanWrite, tc.wantRead, tc.wantWrite)
			}
		})
	}
}

func TestResolveCrossOrg(t *testing.T) {
	m := member(domain.RoleOwner, true, true)
	b := domain.Board{ID: "b1", OrgID: "org2"}
	r := Resolve(m, b, grant(true, true))
	if r.CanRead || r.CanWrite {
		t.Fatalf("cross-org member must have no access, got %+v", r)
	}
}
