package auth

import (
	"fmt"
	"slices"
	"strings"
)

// Permissions checked by the API and CLI.
const (
	PermContestWrite  = "contest.write"
	PermContestDelete = "contest.delete"
	PermJobRun        = "job.run"
	PermAPIKeyManage  = "apikey.manage"
)

// Built-in roles.
const (
	RoleAdmin     = "admin"
	RoleEditor    = "editor"
	RoleScheduler = "scheduler"
)

var rolePermissions = map[string][]string{
	RoleEditor:    {PermContestWrite, PermContestDelete},
	RoleScheduler: {PermJobRun},
}

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// ValidRole reports whether role is one of the built-in roles.
func ValidRole(role string) bool {
	role = strings.TrimSpace(role)
	if role == RoleAdmin {
		return true
	}
	_, ok := rolePermissions[role]
	return ok
}

// Permissions expands roles into their granted permissions, merged with any
// explicitly granted ones. Admin yields every permission.
func Permissions(roles, granted []string) []string {
	var out []string
	add := func(p string) {
		if p != "" && !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	for _, role := range roles {
		if role == RoleAdmin {
			for _, p := range []string{PermContestWrite, PermContestDelete, PermJobRun, PermAPIKeyManage} {
				add(p)
			}
			continue
		}
		for _, p := range rolePermissions[role] {
			add(p)
		}
	}
	for _, p := range granted {
		add(strings.TrimSpace(p))
	}
	return out
}

// Require returns ForbiddenError unless perm is among the role-derived or granted
// permissions.
func Require(roles, granted []string, perm string) error {
	if slices.Contains(Permissions(roles, granted), perm) {
		return nil
	}
	return ForbiddenError{Permission: perm}
}
