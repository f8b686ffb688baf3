// Package permission maps GitHub permission levels onto project roles.
// Everything here is pure; the only error it returns is a validation error.
package permission

import (
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/raids-lab/memoria/dao/model"
	"github.com/raids-lab/memoria/pkg/apperr"
)

// GithubPermission is a canonical GitHub repository permission level.
type GithubPermission string

const (
	None     GithubPermission = ""
	Read     GithubPermission = "read"
	Triage   GithubPermission = "triage"
	Write    GithubPermission = "write"
	Maintain GithubPermission = "maintain"
	Admin    GithubPermission = "admin"
)

var ranks = map[GithubPermission]int{
	Read:     1,
	Triage:   2,
	Write:    3,
	Maintain: 4,
	Admin:    5,
}

// Rank returns 0 for None and unknown values.
func (p GithubPermission) Rank() int { return ranks[p] }

// DefaultRoleMapping is used when a workspace does not configure its own table, and for
// permissions missing from a configured table.
var DefaultRoleMapping = map[GithubPermission]model.ProjectRole{
	Admin:    model.ProjectRoleMaintainer,
	Maintain: model.ProjectRoleMaintainer,
	Write:    model.ProjectRoleWriter,
	Triage:   model.ProjectRoleReader,
	Read:     model.ProjectRoleReader,
}

// NormalizeGithubPermission accepts the canonical names and the REST aliases (push, pull).
func NormalizeGithubPermission(s string) (GithubPermission, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "admin":
		return Admin, nil
	case "maintain":
		return Maintain, nil
	case "write", "push":
		return Write, nil
	case "triage":
		return Triage, nil
	case "read", "pull":
		return Read, nil
	case "", "none":
		return None, nil
	default:
		return None, apperr.Validation("permission", "unknown github permission %q", s)
	}
}

// MaxGithubPermission returns the higher ranked of a and b.
func MaxGithubPermission(a, b GithubPermission) GithubPermission {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// MapGithubPermissionToProjectRole applies table, then DefaultRoleMapping, then READER.
// table keys are GitHub permission names, values project role names; unusable entries are ignored.
// When several keys name the same permission the canonical spelling wins, then the first key in order.
func MapGithubPermissionToProjectRole(p GithubPermission, table map[string]string) model.ProjectRole {
	if role, ok := model.ParseProjectRole(table[string(p)]); ok {
		return role
	}
	for _, k := range sets.List(sets.KeySet(table)) {
		perm, err := NormalizeGithubPermission(k)
		if err != nil || perm != p {
			continue
		}
		if role, ok := model.ParseProjectRole(table[k]); ok {
			return role
		}
	}
	if role, ok := DefaultRoleMapping[p]; ok {
		return role
	}
	return model.ProjectRoleReader
}

// ValidateRoleMapping reports the first unusable entry of a workspace mapping table. Two keys naming
// the same permission, such as push and write, must map to the same role.
func ValidateRoleMapping(table map[string]string) error {
	seen := map[GithubPermission]model.ProjectRole{}
	for _, k := range sets.List(sets.KeySet(table)) {
		v := table[k]
		perm, err := NormalizeGithubPermission(k)
		if err != nil {
			return err
		}
		if perm == None {
			return apperr.Validation("github_role_mapping", "permission key must not be empty")
		}
		role, ok := model.ParseProjectRole(v)
		if !ok {
			return apperr.Validation("github_role_mapping", "unknown project role %q for %q", v, k)
		}
		if prev, dup := seen[perm]; dup && prev != role {
			return apperr.Validation("github_role_mapping", "%q maps %s to %s but another key maps it to %s", k, perm, role, prev)
		}
		seen[perm] = role
	}
	return nil
}

// Collaborator is the permission relevant part of a GitHub collaborator entry.
type Collaborator struct {
	Login       string
	ID          int64
	RoleName    string
	Permission  string
	Permissions map[string]bool
}

// booleans in precedence order
var permissionFlags = []struct {
	flag string
	perm GithubPermission
}{
	{"admin", Admin},
	{"maintain", Maintain},
	{"push", Write},
	{"triage", Triage},
	{"pull", Read},
}

// DeriveCollaboratorPermission reads role_name, else permission, else the permissions booleans.
// Custom repository roles that are not one of the canonical names fall through to the next source.
func DeriveCollaboratorPermission(c Collaborator) GithubPermission {
	if p, err := NormalizeGithubPermission(c.RoleName); err == nil && p != None {
		return p
	}
	if p, err := NormalizeGithubPermission(c.Permission); err == nil && p != None {
		return p
	}
	for _, f := range permissionFlags {
		if c.Permissions[f.flag] {
			return f.perm
		}
	}
	return None
}

// IsProtectedRoleChange reports whether an automated change from current to next must be refused:
// any demotion or removal (next == "") of a current OWNER or of an explicitly protected user.
func IsProtectedRoleChange(current, next model.ProjectRole, protected bool) bool {
	if current == "" {
		return false
	}
	demotion := next == "" || next.Rank() < current.Rank()
	if !demotion {
		return false
	}
	return current.Normalize() == model.ProjectRoleOwner || protected
}

// IsProtectedWorkspaceRoleChange is IsProtectedRoleChange for workspace roles.
func IsProtectedWorkspaceRoleChange(current, next model.WorkspaceRole, protected bool) bool {
	if current == "" {
		return false
	}
	demotion := next == "" || next.Rank() < current.Rank()
	if !demotion {
		return false
	}
	return current == model.WorkspaceRoleOwner || protected
}
