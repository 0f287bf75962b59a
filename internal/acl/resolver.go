// Package acl implements the three-valued (Allow/Deny/Neutral) permission
// resolver described for the auth/permission engine: direct per-user
// overrides, role-derived states, and per-channel role/user-scoped ACLs,
// with Deny always dominating.
package acl

import (
	"context"
	"fmt"

	"github.com/whispr-chat/whispr/internal/model"
)

// RoleReader exposes the roles bound to a user and the permission states a
// role assigns.
type RoleReader interface {
	RoleIDsForUser(ctx context.Context, userID int64) ([]int64, error)
	RolePermissionState(ctx context.Context, roleID int64, permissionID string) (state model.PermissionState, ok bool, err error)
}

// OverrideReader exposes direct per-user permission overrides.
type OverrideReader interface {
	UserOverrideState(ctx context.Context, userID int64, permissionID string) (state model.PermissionState, ok bool, err error)
}

// ChannelACLReader exposes the per-channel role- and user-scoped ACL
// tables.
type ChannelACLReader interface {
	ChannelRoleStates(ctx context.Context, channelID int64) ([]model.ChannelRolePermission, error)
	ChannelUserStates(ctx context.Context, channelID int64) ([]model.ChannelUserPermission, error)
}

// AdminChecker reports whether a user carries the global admin flag.
// Admins bypass all channel ACL checks.
type AdminChecker interface {
	IsAdmin(ctx context.Context, userID int64) (bool, error)
}

// Source is the full read surface the resolver needs; a
// internal/datastore.DataStore satisfies it.
type Source interface {
	RoleReader
	OverrideReader
	ChannelACLReader
	AdminChecker
}

// Resolver answers permission questions by walking overrides, role
// bindings, and channel ACLs. It holds no mutable state of its own —
// every call re-reads through Source, matching the spec's requirement
// that permission mutations are always followed by a full re-read.
type Resolver struct {
	src Source
}

func NewResolver(src Source) *Resolver {
	return &Resolver{src: src}
}

// Resolve answers whether userID holds permissionID, independent of any
// channel. Deny dominates Allow; absence resolves to false except for the
// "admin" permission, which true global admins always hold.
func (r *Resolver) Resolve(ctx context.Context, userID int64, permissionID string) (bool, error) {
	states, err := r.statesFor(ctx, userID, permissionID)
	if err != nil {
		return false, err
	}
	switch {
	case contains(states, model.StateDeny):
		return false, nil
	case contains(states, model.StateAllow):
		return true, nil
	}
	if permissionID == model.PermissionAdmin {
		isAdmin, err := r.src.IsAdmin(ctx, userID)
		if err != nil {
			return false, fmt.Errorf("acl: is admin: %w", err)
		}
		return isAdmin, nil
	}
	return false, nil
}

func (r *Resolver) statesFor(ctx context.Context, userID int64, permissionID string) ([]model.PermissionState, error) {
	var states []model.PermissionState

	if state, ok, err := r.src.UserOverrideState(ctx, userID, permissionID); err != nil {
		return nil, fmt.Errorf("acl: user override: %w", err)
	} else if ok {
		states = append(states, state)
	}

	roleIDs, err := r.src.RoleIDsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("acl: roles for user: %w", err)
	}
	for _, roleID := range roleIDs {
		state, ok, err := r.src.RolePermissionState(ctx, roleID, permissionID)
		if err != nil {
			return nil, fmt.Errorf("acl: role permission state: %w", err)
		}
		if ok {
			states = append(states, state)
		}
	}
	return states, nil
}

// CanAccessChannel applies the channel_access permission to a single
// channel. An empty applicable-state set means the channel carries no ACL
// at all and is therefore public. Admins bypass the check entirely.
func (r *Resolver) CanAccessChannel(ctx context.Context, userID, channelID int64) (bool, error) {
	isAdmin, err := r.src.IsAdmin(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("acl: is admin: %w", err)
	}
	if isAdmin {
		return true, nil
	}

	roleIDs, err := r.src.RoleIDsForUser(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("acl: roles for user: %w", err)
	}
	roleSet := make(map[int64]bool, len(roleIDs))
	for _, id := range roleIDs {
		roleSet[id] = true
	}

	roleStates, err := r.src.ChannelRoleStates(ctx, channelID)
	if err != nil {
		return false, fmt.Errorf("acl: channel role states: %w", err)
	}
	userStates, err := r.src.ChannelUserStates(ctx, channelID)
	if err != nil {
		return false, fmt.Errorf("acl: channel user states: %w", err)
	}

	var states []model.PermissionState
	for _, rs := range roleStates {
		if rs.PermissionID == model.PermissionChannelAccess && roleSet[rs.RoleID] {
			states = append(states, rs.State)
		}
	}
	for _, us := range userStates {
		if us.PermissionID == model.PermissionChannelAccess && us.UserID == userID {
			states = append(states, us.State)
		}
	}

	if len(states) == 0 {
		return true, nil
	}
	switch {
	case contains(states, model.StateDeny):
		return false, nil
	case contains(states, model.StateAllow):
		return true, nil
	default:
		return true, nil // all Neutral
	}
}

func contains(states []model.PermissionState, want model.PermissionState) bool {
	for _, s := range states {
		if s == want {
			return true
		}
	}
	return false
}
