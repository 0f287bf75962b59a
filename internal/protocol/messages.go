package protocol

import "time"

// Message type tags, exactly as they appear on the wire.
const (
	TypeLoginRequest  = "login_request"
	TypeLoginResponse = "login_response"

	TypeRegisterUDP         = "register_udp"
	TypeRegisterUDPResponse = "register_udp_response"

	TypeRoomJoined   = "room_joined"
	TypeServerState  = "server_state"
	TypeJoinRoom     = "join_room"
	TypeCreateRoom   = "create_room"
	TypeLeaveRoom    = "leave_room"
	TypeRoomLeft     = "room_left"
	TypeRequestState = "request_server_state"

	TypeRequestRoomList = "request_room_list"
	TypeRoomList        = "room_list"

	TypeMemberJoined        = "member_joined"
	TypeMemberLeft          = "member_left"
	TypeMemberUDPRegistered = "member_udp_registered"

	TypeSendMessage      = "send_message"
	TypeMessageReceived  = "message_received"
	TypeGetHistory       = "get_message_history"
	TypeMessageHistory   = "message_history"
	TypeEditMessage      = "edit_message"
	TypeMessageUpdated   = "message_updated"
	TypeDeleteMessage    = "delete_message"
	TypeMessageDeleted   = "message_deleted"

	TypeListPermissions  = "list_permissions"
	TypePermissionsList  = "permissions_list"
	TypeListRoles        = "list_roles"
	TypeRolesList        = "roles_list"
	TypeGetUserPerms     = "get_user_permissions"
	TypeUserPerms        = "user_permissions"
	TypeSetUserPerm      = "set_user_permission"
	TypeSetUserRole      = "set_user_role"
	TypeGetChannelPerms  = "get_channel_permissions"
	TypeChannelPerms     = "channel_permissions"
	TypeSetChannelRole   = "set_channel_role_permission"
	TypeSetChannelUser   = "set_channel_user_permission"

	TypePing  = "ping"
	TypePong  = "pong"
	TypeError = "error"
)

// Error codes, exactly as they appear on the wire.
const (
	ErrInvalidPayload   = "invalid_payload"
	ErrInvalidMessage   = "invalid_message"
	ErrUnauthorized     = "unauthorized"
	ErrInvalidToken     = "invalid_token"
	ErrForbidden        = "forbidden"
	ErrAccessDenied     = "access_denied"
	ErrJoinFailed       = "join_failed"
	ErrCreateFailed     = "create_failed"
	ErrNotInRoom        = "not_in_room"
	ErrAlreadyLoggedIn  = "already_logged_in"
	ErrRateLimited      = "rate_limited"
)

// ---- Login ----

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Success  bool   `json:"success"`
	Token    string `json:"token,omitempty"`
	UserID   int64  `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	IsAdmin  bool   `json:"is_admin,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ---- UDP registration ----

type RegisterUDPResponse struct {
	ClientID uint32 `json:"client_id"`
}

// ---- Members & rooms ----

type MemberView struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	ClientID uint32 `json:"client_id,omitempty"`
	IsAdmin  bool   `json:"is_admin"`
}

type RoomJoined struct {
	RoomID      int64        `json:"room_id"`
	RoomName    string       `json:"room_name"`
	Type        string       `json:"type"`
	MemberIDs   []int64      `json:"member_ids"`
	Members     []MemberView `json:"members"`
	KeyMaterial []byte       `json:"key_material,omitempty"`
}

type ChannelView struct {
	ID        int64        `json:"id"`
	Name      string       `json:"name"`
	Type      string       `json:"type"`
	MemberIDs []int64      `json:"member_ids"`
	Members   []MemberView `json:"members"`
}

type ServerState struct {
	Channels         []ChannelView `json:"channels"`
	CanCreateChannel bool          `json:"can_create_channel"`
}

type JoinRoom struct {
	RoomID int64 `json:"room_id"`
}

type CreateRoom struct {
	Name string `json:"name"`
	Type string `json:"type"` // "voice" | "text"
}

type RoomLeft struct {
	RoomID int64 `json:"room_id"`
}

type RoomSummary struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	MemberCount int    `json:"member_count"`
}

type RoomList struct {
	Rooms []RoomSummary `json:"rooms"`
}

type MemberEvent struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	ClientID uint32 `json:"client_id,omitempty"`
}

// ---- Messaging ----

type SendMessage struct {
	ChannelID int64  `json:"channel_id"`
	Content   string `json:"content"`
}

type MessageView struct {
	ID             int64      `json:"id"`
	ChannelID      int64      `json:"channel_id"`
	SenderID       int64      `json:"sender_id"`
	SenderUsername string     `json:"sender_username"`
	Content        string     `json:"content"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty"`
}

type GetMessageHistory struct {
	ChannelID int64      `json:"channel_id"`
	Since     *time.Time `json:"since,omitempty"`
	Before    *time.Time `json:"before,omitempty"`
	Limit     int        `json:"limit"`
}

type MessageHistory struct {
	Messages []MessageView `json:"messages"`
}

type EditMessage struct {
	ChannelID int64  `json:"channel_id"`
	MessageID int64  `json:"message_id"`
	Content   string `json:"content"`
}

type MessageUpdated struct {
	ChannelID int64      `json:"channel_id"`
	MessageID int64      `json:"message_id"`
	Content   string     `json:"content"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type DeleteMessage struct {
	ChannelID int64 `json:"channel_id"`
	MessageID int64 `json:"message_id"`
}

type MessageDeleted struct {
	ChannelID int64 `json:"channel_id"`
	MessageID int64 `json:"message_id"`
}

// ---- Permissions & roles (admin) ----

type PermissionView struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type PermissionsList struct {
	Permissions []PermissionView `json:"permissions"`
}

type RolePermissionView struct {
	PermissionID string `json:"permission_id"`
	State        string `json:"state"`
}

type RoleView struct {
	ID          int64                `json:"id"`
	Name        string               `json:"name"`
	Permissions []RolePermissionView `json:"permissions"`
}

type RolesList struct {
	Roles []RoleView `json:"roles"`
}

type GetUserPermissions struct {
	UserID int64 `json:"user_id"`
}

type UserPermissions struct {
	UserID      int64                `json:"user_id"`
	Permissions []RolePermissionView `json:"permissions"`
	RoleIDs     []int64              `json:"role_ids"`
}

type SetUserPermission struct {
	UserID       int64   `json:"user_id"`
	PermissionID string  `json:"permission_id"`
	State        *string `json:"state"` // "allow"|"deny"|"neutral"|null (null clears the override)
}

type SetUserRole struct {
	UserID int64 `json:"user_id"`
	RoleID int64 `json:"role_id"`
	Assign bool  `json:"assign"`
}

type GetChannelPermissions struct {
	ChannelID int64 `json:"channel_id"`
}

type ChannelRoleStateView struct {
	RoleID       int64  `json:"role_id"`
	PermissionID string `json:"permission_id"`
	State        string `json:"state"`
}

type ChannelUserStateView struct {
	UserID       int64  `json:"user_id"`
	PermissionID string `json:"permission_id"`
	State        string `json:"state"`
}

type ChannelPermissions struct {
	ChannelID  int64                  `json:"channel_id"`
	RoleStates []ChannelRoleStateView `json:"role_states"`
	UserStates []ChannelUserStateView `json:"user_states"`
}

type SetChannelRolePermission struct {
	ChannelID    int64  `json:"channel_id"`
	RoleID       int64  `json:"role_id"`
	PermissionID string `json:"permission_id"`
	State        string `json:"state"`
}

type SetChannelUserPermission struct {
	ChannelID    int64  `json:"channel_id"`
	UserID       int64  `json:"user_id"`
	PermissionID string `json:"permission_id"`
	State        string `json:"state"`
}

// ---- Ping / error ----

type Ping struct{}
type Pong struct{}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
