package datastore

import (
	"context"
	"time"

	"github.com/whispr-chat/whispr/internal/model"
)

// DataProviderFactory hands out a non-transactional provider for ordinary
// reads and writes, or a transactional one for operations that must commit
// or roll back atomically (e.g. seeding a new channel's default ACL rows).
type DataProviderFactory interface {
	NonTx() DataStore
	Tx(context.Context) (DataStoreTx, error)
}

type DataStoreTx interface {
	DataStore
	Rollback() error
	Commit() error
}

// DataStore is the full repository surface the server depends on. It
// composes narrow per-entity providers so callers (notably internal/acl,
// which only needs the ACL-shaped subset) can depend on a slice of this
// interface rather than the whole thing.
type DataStore interface {
	ConfigReadProvider
	UserReadProvider
	UserWriteProvider
	ChannelReadProvider
	ChannelWriteProvider
	PermissionReadProvider
	RoleReadProvider
	RoleWriteProvider
	ACLReadProvider
	ACLWriteProvider
	ChannelACLReadProvider
	ChannelACLWriteProvider
	MessageReadProvider
	MessageWriteProvider
}

var _ DataProviderFactory = (*ProviderFactory)(nil)

type ConfigReadProvider interface {
	ZeroTime() time.Time
	Close() error
}

type UserReadProvider interface {
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
	IsAdmin(ctx context.Context, userID int64) (bool, error)
}

type UserWriteProvider interface {
	CreateUser(ctx context.Context, username string, passwordSalt, passwordHash []byte, isAdmin bool) (*model.User, error)
	SetUserAdmin(ctx context.Context, userID int64, isAdmin bool) error
}

type ChannelReadProvider interface {
	ListChannels(ctx context.Context) ([]model.Channel, error)
	GetChannel(ctx context.Context, id int64) (*model.Channel, error)
	GetChannelByName(ctx context.Context, name string) (*model.Channel, error)
	CountChannels(ctx context.Context) (int, error)
}

type ChannelWriteProvider interface {
	CreateChannel(ctx context.Context, channel *model.Channel) error
	DeleteChannel(ctx context.Context, id int64) error
}

// PermissionReadProvider serves the static, seeded permission catalog.
type PermissionReadProvider interface {
	ListPermissions(ctx context.Context) ([]model.Permission, error)
}

type RoleReadProvider interface {
	ListRoles(ctx context.Context) ([]model.Role, error)
	GetRole(ctx context.Context, id int64) (*model.Role, error)
	RoleIDsForUser(ctx context.Context, userID int64) ([]int64, error)
	RolePermissions(ctx context.Context, roleID int64) ([]model.RolePermission, error)
}

type RoleWriteProvider interface {
	CreateRole(ctx context.Context, name string) (*model.Role, error)
	AssignUserRole(ctx context.Context, userID, roleID int64) error
	UnassignUserRole(ctx context.Context, userID, roleID int64) error
	SetRolePermission(ctx context.Context, roleID int64, permissionID string, state model.PermissionState) error
}

// ACLReadProvider and ACLWriteProvider back internal/acl.Source's
// server-wide (non-channel-scoped) half: a role's blanket permission
// states and a user's direct overrides.
type ACLReadProvider interface {
	RolePermissionState(ctx context.Context, roleID int64, permissionID string) (model.PermissionState, bool, error)
	UserOverrideState(ctx context.Context, userID int64, permissionID string) (model.PermissionState, bool, error)
	UserOverrides(ctx context.Context, userID int64) ([]model.PerUserOverride, error)
}

type ACLWriteProvider interface {
	SetUserOverride(ctx context.Context, userID int64, permissionID string, state model.PermissionState) error
	ClearUserOverride(ctx context.Context, userID int64, permissionID string) error
}

// ChannelACLReadProvider and ChannelACLWriteProvider back the per-channel
// half of internal/acl.Source: role- and user-scoped permission states
// that apply only within one channel.
type ChannelACLReadProvider interface {
	ChannelRoleStates(ctx context.Context, channelID int64) ([]model.ChannelRolePermission, error)
	ChannelUserStates(ctx context.Context, channelID int64) ([]model.ChannelUserPermission, error)
}

type ChannelACLWriteProvider interface {
	SetChannelRolePermission(ctx context.Context, channelID, roleID int64, permissionID string, state model.PermissionState) error
	SetChannelUserPermission(ctx context.Context, channelID, userID int64, permissionID string, state model.PermissionState) error
}

type MessageReadProvider interface {
	ListMessages(ctx context.Context, filter model.HistoryFilter) ([]model.Message, error)
	GetMessage(ctx context.Context, id int64) (*model.Message, error)
}

type MessageWriteProvider interface {
	CreateMessage(ctx context.Context, message *model.Message) error
	UpdateMessageContent(ctx context.Context, messageID int64, content string, updatedAt time.Time) error
	DeleteMessage(ctx context.Context, messageID int64) error
}
