package acl

import (
	"context"

	"github.com/whispr-chat/whispr/internal/model"
)

// fakeSource is a minimal in-memory Source for resolver tests, in the
// spirit of the teacher's in-memory store test doubles.
type fakeSource struct {
	admins         map[int64]bool
	userRoles      map[int64][]int64
	rolePerms      map[int64]map[string]model.PermissionState
	userOverrides  map[int64]map[string]model.PermissionState
	channelRoles   []model.ChannelRolePermission
	channelUsers   []model.ChannelUserPermission
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		admins:        map[int64]bool{},
		userRoles:     map[int64][]int64{},
		rolePerms:     map[int64]map[string]model.PermissionState{},
		userOverrides: map[int64]map[string]model.PermissionState{},
	}
}

func (f *fakeSource) IsAdmin(_ context.Context, userID int64) (bool, error) {
	return f.admins[userID], nil
}

func (f *fakeSource) RoleIDsForUser(_ context.Context, userID int64) ([]int64, error) {
	return f.userRoles[userID], nil
}

func (f *fakeSource) RolePermissionState(_ context.Context, roleID int64, permissionID string) (model.PermissionState, bool, error) {
	perms, ok := f.rolePerms[roleID]
	if !ok {
		return 0, false, nil
	}
	state, ok := perms[permissionID]
	return state, ok, nil
}

func (f *fakeSource) UserOverrideState(_ context.Context, userID int64, permissionID string) (model.PermissionState, bool, error) {
	overrides, ok := f.userOverrides[userID]
	if !ok {
		return 0, false, nil
	}
	state, ok := overrides[permissionID]
	return state, ok, nil
}

func (f *fakeSource) ChannelRoleStates(_ context.Context, channelID int64) ([]model.ChannelRolePermission, error) {
	var out []model.ChannelRolePermission
	for _, rs := range f.channelRoles {
		if rs.ChannelID == channelID {
			out = append(out, rs)
		}
	}
	return out, nil
}

func (f *fakeSource) ChannelUserStates(_ context.Context, channelID int64) ([]model.ChannelUserPermission, error) {
	var out []model.ChannelUserPermission
	for _, us := range f.channelUsers {
		if us.ChannelID == channelID {
			out = append(out, us)
		}
	}
	return out, nil
}
