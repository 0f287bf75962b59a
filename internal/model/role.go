package model

// PermissionState is the three-valued outcome a role or override assigns to
// a permission. Deny always dominates Allow; Neutral carries no opinion.
type PermissionState int

const (
	StateAllow PermissionState = iota
	StateDeny
	StateNeutral
)

func (s PermissionState) String() string {
	switch s {
	case StateAllow:
		return "allow"
	case StateDeny:
		return "deny"
	case StateNeutral:
		return "neutral"
	default:
		return "unknown"
	}
}

// ParsePermissionState converts a wire string to a PermissionState. The
// second return value is false for anything other than the three known
// spellings, including the empty string (used on the wire to mean "clear
// this override").
func ParsePermissionState(s string) (PermissionState, bool) {
	switch s {
	case "allow":
		return StateAllow, true
	case "deny":
		return StateDeny, true
	case "neutral":
		return StateNeutral, true
	default:
		return 0, false
	}
}

// Permission is a statically seeded, short symbolic action name such as
// "admin" or "channel_access".
type Permission struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Well-known permission ids. "admin" gates the admin-only handler set;
// "channel_access" gates membership in a specific channel via the
// per-channel ACL tables.
const (
	PermissionAdmin         = "admin"
	PermissionChannelAccess = "channel_access"
)

// SeedPermissions is the static permission catalog loaded at startup.
func SeedPermissions() []Permission {
	return []Permission{
		{ID: PermissionAdmin, Name: "Administer server", Description: "Full administrative control: manage channels, roles, and permissions."},
		{ID: PermissionChannelAccess, Name: "Access channel", Description: "Join and participate in a specific channel."},
	}
}

// Role groups a set of (permission, state) assignments that can be bound to
// many users via UserRoleBinding.
type Role struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// RolePermission is a single (role, permission, state) assignment row.
type RolePermission struct {
	RoleID       int64           `json:"role_id"`
	PermissionID string          `json:"permission_id"`
	State        PermissionState `json:"state"`
}

// UserRoleBinding is a many-to-many (user, role) assignment.
type UserRoleBinding struct {
	UserID int64 `json:"user_id"`
	RoleID int64 `json:"role_id"`
}

// PerUserOverride is a direct (user, permission, state) grant or denial. The
// resolver pools it with the user's role-derived states, so a Deny from
// either source wins over an Allow from the other.
type PerUserOverride struct {
	UserID       int64           `json:"user_id"`
	PermissionID string          `json:"permission_id"`
	State        PermissionState `json:"state"`
}

// ChannelRolePermission is a role-scoped permission state for one channel.
type ChannelRolePermission struct {
	ChannelID    int64           `json:"channel_id"`
	RoleID       int64           `json:"role_id"`
	PermissionID string          `json:"permission_id"`
	State        PermissionState `json:"state"`
}

// ChannelUserPermission is a user-scoped permission state for one channel.
type ChannelUserPermission struct {
	ChannelID    int64           `json:"channel_id"`
	UserID       int64           `json:"user_id"`
	PermissionID string          `json:"permission_id"`
	State        PermissionState `json:"state"`
}
