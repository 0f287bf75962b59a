package acl

import (
	"context"
	"testing"

	"github.com/whispr-chat/whispr/internal/model"
)

func TestResolveDenyDominates(t *testing.T) {
	src := newFakeSource()
	src.userRoles[1] = []int64{10, 11}
	src.rolePerms[10] = map[string]model.PermissionState{"x": model.StateAllow}
	src.rolePerms[11] = map[string]model.PermissionState{"x": model.StateDeny}
	r := NewResolver(src)

	ok, err := r.Resolve(context.Background(), 1, "x")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ok {
		t.Fatal("expected Deny to dominate Allow")
	}
}

func TestResolveRoleDenyBeatsOverrideAllow(t *testing.T) {
	src := newFakeSource()
	src.userRoles[1] = []int64{10}
	src.rolePerms[10] = map[string]model.PermissionState{"x": model.StateDeny}
	src.userOverrides[1] = map[string]model.PermissionState{"x": model.StateAllow}
	r := NewResolver(src)

	// Both an Allow (override) and Deny (role) are present; Deny still wins
	// since the algorithm pools all applicable states before resolving.
	ok, err := r.Resolve(context.Background(), 1, "x")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ok {
		t.Fatal("expected Deny to dominate even with a conflicting override")
	}
}

func TestResolveAbsentDefaultsFalse(t *testing.T) {
	src := newFakeSource()
	r := NewResolver(src)
	ok, err := r.Resolve(context.Background(), 1, "x")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ok {
		t.Fatal("expected absent permission to resolve false")
	}
}

func TestResolveAdminFallbackForAdminPermission(t *testing.T) {
	src := newFakeSource()
	src.admins[1] = true
	r := NewResolver(src)
	ok, err := r.Resolve(context.Background(), 1, model.PermissionAdmin)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !ok {
		t.Fatal("expected global admin to resolve the admin permission")
	}
}

func TestCanAccessChannelEmptyIsPublic(t *testing.T) {
	src := newFakeSource()
	r := NewResolver(src)
	ok, err := r.CanAccessChannel(context.Background(), 1, 100)
	if err != nil {
		t.Fatalf("CanAccessChannel: %v", err)
	}
	if !ok {
		t.Fatal("expected channel with no ACL entries to be public")
	}
}

func TestCanAccessChannelDenyWins(t *testing.T) {
	src := newFakeSource()
	src.userRoles[1] = []int64{10}
	src.channelRoles = []model.ChannelRolePermission{
		{ChannelID: 100, RoleID: 10, PermissionID: model.PermissionChannelAccess, State: model.StateAllow},
	}
	src.channelUsers = []model.ChannelUserPermission{
		{ChannelID: 100, UserID: 1, PermissionID: model.PermissionChannelAccess, State: model.StateDeny},
	}
	r := NewResolver(src)
	ok, err := r.CanAccessChannel(context.Background(), 1, 100)
	if err != nil {
		t.Fatalf("CanAccessChannel: %v", err)
	}
	if ok {
		t.Fatal("expected user-scoped Deny to win over role-scoped Allow")
	}
}

func TestCanAccessChannelAllNeutralAllows(t *testing.T) {
	src := newFakeSource()
	src.channelUsers = []model.ChannelUserPermission{
		{ChannelID: 100, UserID: 1, PermissionID: model.PermissionChannelAccess, State: model.StateNeutral},
	}
	r := NewResolver(src)
	ok, err := r.CanAccessChannel(context.Background(), 1, 100)
	if err != nil {
		t.Fatalf("CanAccessChannel: %v", err)
	}
	if !ok {
		t.Fatal("expected all-Neutral channel ACL to allow")
	}
}

func TestCanAccessChannelAdminBypasses(t *testing.T) {
	src := newFakeSource()
	src.admins[1] = true
	src.channelUsers = []model.ChannelUserPermission{
		{ChannelID: 100, UserID: 1, PermissionID: model.PermissionChannelAccess, State: model.StateDeny},
	}
	r := NewResolver(src)
	ok, err := r.CanAccessChannel(context.Background(), 1, 100)
	if err != nil {
		t.Fatalf("CanAccessChannel: %v", err)
	}
	if !ok {
		t.Fatal("expected admin to bypass channel ACL deny")
	}
}
