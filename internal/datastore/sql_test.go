package datastore_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/whispr-chat/whispr/internal/datastore"
	"github.com/whispr-chat/whispr/internal/model"
)

func newTestStore(t *testing.T) datastore.DataStore {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	factory, err := datastore.NewProviderFactory(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = factory.Close() })

	return factory.NonTx()
}

func TestZeroTime(t *testing.T) {
	store := newTestStore(t)
	require.True(t, store.ZeroTime().IsZero())
}

func TestCreateAndFetchUser(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	u, err := store.CreateUser(ctx, "johndoe", []byte("salt"), []byte("hash"), false)
	require.NoError(t, err)
	require.NotZero(t, u.ID)

	byName, err := store.GetUserByUsername(ctx, "johndoe")
	require.NoError(t, err)
	require.NotNil(t, byName)
	require.Equal(t, u.ID, byName.ID)
	require.False(t, byName.IsAdmin)

	byID, err := store.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, "johndoe", byID.Username)

	missing, err := store.GetUserByUsername(ctx, "ghost")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestCreateUserRejectsInvalidUsername(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	_, err := store.CreateUser(ctx, "", []byte("salt"), []byte("hash"), false)
	require.Error(t, err)
}

func TestSetUserAdminAndIsAdmin(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	u, err := store.CreateUser(ctx, "promoted", []byte("s"), []byte("h"), false)
	require.NoError(t, err)

	isAdmin, err := store.IsAdmin(ctx, u.ID)
	require.NoError(t, err)
	require.False(t, isAdmin)

	require.NoError(t, store.SetUserAdmin(ctx, u.ID, true))

	isAdmin, err = store.IsAdmin(ctx, u.ID)
	require.NoError(t, err)
	require.True(t, isAdmin)
}

func TestListUsersOrdersByID(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.CreateUser(ctx, "alice", []byte("s"), []byte("h"), false)
	require.NoError(t, err)
	_, err = store.CreateUser(ctx, "bob", []byte("s"), []byte("h"), false)
	require.NoError(t, err)

	users, err := store.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	require.Equal(t, "alice", users[0].Username)
	require.Equal(t, "bob", users[1].Username)
}

func TestCreateChannelAndLookup(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	ch := &model.Channel{Name: "Lobby", Type: model.ChannelVoice, KeyMaterial: make([]byte, model.VoiceKeyMaterialSize), IsDefault: true}
	require.NoError(t, store.CreateChannel(ctx, ch))
	require.NotZero(t, ch.ID)

	byID, err := store.GetChannel(ctx, ch.ID)
	require.NoError(t, err)
	require.Equal(t, "Lobby", byID.Name)
	require.True(t, byID.IsDefault)
	require.Len(t, byID.KeyMaterial, model.VoiceKeyMaterialSize)

	byName, err := store.GetChannelByName(ctx, "Lobby")
	require.NoError(t, err)
	require.Equal(t, ch.ID, byName.ID)

	count, err := store.CountChannels(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestDeleteChannel(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	ch := &model.Channel{Name: "Temp", Type: model.ChannelText}
	require.NoError(t, store.CreateChannel(ctx, ch))
	require.NoError(t, store.DeleteChannel(ctx, ch.ID))

	gone, err := store.GetChannel(ctx, ch.ID)
	require.NoError(t, err)
	require.Nil(t, gone)
}

func TestSeededPermissionsArePresent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	perms, err := store.ListPermissions(ctx)
	require.NoError(t, err)

	ids := make(map[string]bool)
	for _, p := range perms {
		ids[p.ID] = true
	}
	require.True(t, ids[model.PermissionAdmin])
	require.True(t, ids[model.PermissionChannelAccess])
}

func TestRoleLifecycleAndPermissionState(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	role, err := store.CreateRole(ctx, "moderator")
	require.NoError(t, err)

	u, err := store.CreateUser(ctx, "mod", []byte("s"), []byte("h"), false)
	require.NoError(t, err)

	require.NoError(t, store.AssignUserRole(ctx, u.ID, role.ID))
	ids, err := store.RoleIDsForUser(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, []int64{role.ID}, ids)

	require.NoError(t, store.SetRolePermission(ctx, role.ID, model.PermissionChannelAccess, model.StateAllow))
	state, ok, err := store.RolePermissionState(ctx, role.ID, model.PermissionChannelAccess)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, model.StateAllow, state)

	// overwriting an existing assignment updates rather than duplicates
	require.NoError(t, store.SetRolePermission(ctx, role.ID, model.PermissionChannelAccess, model.StateDeny))
	rps, err := store.RolePermissions(ctx, role.ID)
	require.NoError(t, err)
	require.Len(t, rps, 1)
	require.Equal(t, model.StateDeny, rps[0].State)

	require.NoError(t, store.UnassignUserRole(ctx, u.ID, role.ID))
	ids, err = store.RoleIDsForUser(ctx, u.ID)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestUserOverrideLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	u, err := store.CreateUser(ctx, "overridden", []byte("s"), []byte("h"), false)
	require.NoError(t, err)

	_, ok, err := store.UserOverrideState(ctx, u.ID, model.PermissionChannelAccess)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.SetUserOverride(ctx, u.ID, model.PermissionChannelAccess, model.StateDeny))
	state, ok, err := store.UserOverrideState(ctx, u.ID, model.PermissionChannelAccess)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, model.StateDeny, state)

	overrides, err := store.UserOverrides(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, overrides, 1)

	require.NoError(t, store.ClearUserOverride(ctx, u.ID, model.PermissionChannelAccess))
	_, ok, err = store.UserOverrideState(ctx, u.ID, model.PermissionChannelAccess)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestChannelScopedACL(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	ch := &model.Channel{Name: "Private", Type: model.ChannelText}
	require.NoError(t, store.CreateChannel(ctx, ch))
	role, err := store.CreateRole(ctx, "members")
	require.NoError(t, err)
	u, err := store.CreateUser(ctx, "guest", []byte("s"), []byte("h"), false)
	require.NoError(t, err)

	require.NoError(t, store.SetChannelRolePermission(ctx, ch.ID, role.ID, model.PermissionChannelAccess, model.StateAllow))
	require.NoError(t, store.SetChannelUserPermission(ctx, ch.ID, u.ID, model.PermissionChannelAccess, model.StateDeny))

	roleStates, err := store.ChannelRoleStates(ctx, ch.ID)
	require.NoError(t, err)
	require.Len(t, roleStates, 1)
	require.Equal(t, model.StateAllow, roleStates[0].State)

	userStates, err := store.ChannelUserStates(ctx, ch.ID)
	require.NoError(t, err)
	require.Len(t, userStates, 1)
	require.Equal(t, model.StateDeny, userStates[0].State)
}

func TestMessageCreateUpdateDeleteAndHistory(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	ch := &model.Channel{Name: "general", Type: model.ChannelText}
	require.NoError(t, store.CreateChannel(ctx, ch))
	u, err := store.CreateUser(ctx, "chatter", []byte("s"), []byte("h"), false)
	require.NoError(t, err)

	msg := &model.Message{ChannelID: ch.ID, SenderID: u.ID, SenderUsername: u.Username, Content: "hello"}
	require.NoError(t, store.CreateMessage(ctx, msg))
	require.NotZero(t, msg.ID)

	fetched, err := store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.Equal(t, "hello", fetched.Content)
	require.Nil(t, fetched.UpdatedAt)

	now := time.Now().UTC()
	require.NoError(t, store.UpdateMessageContent(ctx, msg.ID, "edited", now))
	fetched, err = store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.Equal(t, "edited", fetched.Content)
	require.NotNil(t, fetched.UpdatedAt)

	history, err := store.ListMessages(ctx, model.HistoryFilter{ChannelID: ch.ID, Limit: 10})
	require.NoError(t, err)
	require.Len(t, history, 1)

	require.NoError(t, store.DeleteMessage(ctx, msg.ID))
	gone, err := store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.Nil(t, gone)
}

func TestListMessagesClampsLimitAndOrdersNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	ch := &model.Channel{Name: "flood", Type: model.ChannelText}
	require.NoError(t, store.CreateChannel(ctx, ch))
	u, err := store.CreateUser(ctx, "spammer", []byte("s"), []byte("h"), false)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		msg := &model.Message{ChannelID: ch.ID, SenderID: u.ID, SenderUsername: u.Username, Content: "msg"}
		require.NoError(t, store.CreateMessage(ctx, msg))
	}

	history, err := store.ListMessages(ctx, model.HistoryFilter{ChannelID: ch.ID, Limit: 0})
	require.NoError(t, err)
	require.Len(t, history, model.DefaultHistoryLimit)

	all, err := store.ListMessages(ctx, model.HistoryFilter{ChannelID: ch.ID, Limit: 10})
	require.NoError(t, err)
	require.Len(t, all, 5)
	require.Greater(t, all[0].ID, all[len(all)-1].ID)
}
