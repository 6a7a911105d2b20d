package auth

import (
	"errors"
	"testing"
)

func TestRequire(t *testing.T) {
	if err := Require([]string{RoleAdmin}, nil, PermJobRun); err != nil {
		t.Fatalf("admin should run jobs: %v", err)
	}
	if err := Require([]string{RoleEditor}, nil, PermContestDelete); err != nil {
		t.Fatalf("editor should delete: %v", err)
	}
	err := Require([]string{RoleEditor}, nil, PermJobRun)
	var forbidden ForbiddenError
	if !errors.As(err, &forbidden) || forbidden.Permission != PermJobRun {
		t.Fatalf("expected forbidden job.run, got %v", err)
	}
	if err := Require(nil, []string{PermJobRun}, PermJobRun); err != nil {
		t.Fatalf("explicit grant ignored: %v", err)
	}
}

func TestPermissionsDedup(t *testing.T) {
	perms := Permissions([]string{RoleEditor, RoleEditor}, []string{PermContestWrite})
	if len(perms) != 2 {
		t.Fatalf("expected 2 permissions, got %v", perms)
	}
	if !ValidRole("scheduler") || ValidRole("owner") {
		t.Fatalf("unexpected role validity")
	}
}
