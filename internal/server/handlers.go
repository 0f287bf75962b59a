package server

import (
	"context"
	"time"

	"github.com/whispr-chat/whispr/internal/crypto"
	"github.com/whispr-chat/whispr/internal/datastore"
	"github.com/whispr-chat/whispr/internal/model"
	"github.com/whispr-chat/whispr/internal/protocol"
)

// ---- rooms ----

// handleJoinRoom checks access before touching any membership state: a
// rejected join must never evict the caller from the channel they're
// already in.
func handleJoinRoom(s *Server, ctx context.Context, st datastore.DataStore, cs *ConnState, env protocol.Envelope) {
	var req protocol.JoinRoom
	if err := env.Decode(&req); err != nil {
		s.sendError(cs, protocol.ErrInvalidPayload, "malformed join_room payload")
		return
	}

	ch, err := st.GetChannel(ctx, req.RoomID)
	if err != nil || ch == nil {
		s.sendError(cs, protocol.ErrJoinFailed, "no such room")
		return
	}

	allowed, err := s.resolver.CanAccessChannel(ctx, cs.UserID, ch.ID)
	if err != nil {
		s.sendError(cs, protocol.ErrJoinFailed, "internal error")
		return
	}
	if !allowed {
		s.sendError(cs, protocol.ErrAccessDenied, "not permitted to join this room")
		return
	}

	if cs.ChannelID == ch.ID {
		s.send(cs, protocol.TypeRoomJoined, s.roomJoinedPayload(*ch))
		return
	}

	prevChannelID := s.channels.Join(cs.UserID, ch.ID)
	cs.ChannelID = ch.ID

	s.send(cs, protocol.TypeRoomJoined, s.roomJoinedPayload(*ch))

	if prevChannelID != 0 && prevChannelID != ch.ID {
		s.broadcastToChannel(prevChannelID, protocol.TypeMemberLeft,
			protocol.MemberEvent{UserID: cs.UserID, Username: cs.Username}, cs.UserID)
	}
	s.broadcastToChannel(ch.ID, protocol.TypeMemberJoined,
		protocol.MemberEvent{UserID: cs.UserID, Username: cs.Username}, cs.UserID)
}

func handleCreateRoom(s *Server, ctx context.Context, st datastore.DataStore, cs *ConnState, env protocol.Envelope) {
	if !s.requireAdmin(ctx, cs) {
		return
	}

	var req protocol.CreateRoom
	if err := env.Decode(&req); err != nil {
		s.sendError(cs, protocol.ErrInvalidPayload, "malformed create_room payload")
		return
	}

	name, err := model.ValidateChannelName(req.Name)
	if err != nil {
		s.sendError(cs, protocol.ErrCreateFailed, err.Error())
		return
	}

	count, err := st.CountChannels(ctx)
	if err != nil {
		s.sendError(cs, protocol.ErrCreateFailed, "internal error")
		return
	}
	if count >= model.MaxChannels {
		s.sendError(cs, protocol.ErrCreateFailed, "channel limit reached")
		return
	}

	channelType := model.ParseChannelType(req.Type)
	var keyMaterial []byte
	if channelType == model.ChannelVoice {
		keyMaterial, err = crypto.GenerateKey(crypto.CipherAES256GCM)
		if err != nil {
			s.sendError(cs, protocol.ErrCreateFailed, "internal error")
			return
		}
	}

	ch := &model.Channel{Name: name, Type: channelType, KeyMaterial: keyMaterial}
	if err := st.CreateChannel(ctx, ch); err != nil {
		s.sendError(cs, protocol.ErrCreateFailed, "internal error")
		return
	}
	s.metrics.ChannelsCreated.Add(1)

	prevChannelID := s.channels.Join(cs.UserID, ch.ID)
	cs.ChannelID = ch.ID

	s.send(cs, protocol.TypeRoomJoined, s.roomJoinedPayload(*ch))
	if prevChannelID != 0 && prevChannelID != ch.ID {
		s.broadcastToChannel(prevChannelID, protocol.TypeMemberLeft,
			protocol.MemberEvent{UserID: cs.UserID, Username: cs.Username}, cs.UserID)
	}
}

func handleLeaveRoom(s *Server, ctx context.Context, st datastore.DataStore, cs *ConnState, env protocol.Envelope) {
	channelID := cs.ChannelID
	if channelID == 0 {
		s.sendError(cs, protocol.ErrNotInRoom, "not currently in a room")
		return
	}

	s.channels.Leave(cs.UserID)
	cs.ChannelID = 0

	s.send(cs, protocol.TypeRoomLeft, protocol.RoomLeft{RoomID: channelID})
	s.broadcastToChannel(channelID, protocol.TypeMemberLeft,
		protocol.MemberEvent{UserID: cs.UserID, Username: cs.Username}, cs.UserID)
}

func handleRequestState(s *Server, ctx context.Context, st datastore.DataStore, cs *ConnState, env protocol.Envelope) {
	state, err := s.buildServerState(ctx, st, cs.UserID)
	if err != nil {
		s.sendError(cs, protocol.ErrInvalidMessage, "internal error")
		return
	}
	s.send(cs, protocol.TypeServerState, state)
}

func handleRequestRoomList(s *Server, ctx context.Context, st datastore.DataStore, cs *ConnState, env protocol.Envelope) {
	visible, err := s.visibleChannels(ctx, st, cs.UserID)
	if err != nil {
		s.sendError(cs, protocol.ErrInvalidMessage, "internal error")
		return
	}
	rooms := make([]protocol.RoomSummary, 0, len(visible))
	for _, ch := range visible {
		rooms = append(rooms, protocol.RoomSummary{
			ID:          ch.ID,
			Name:        ch.Name,
			MemberCount: s.channels.MembersCount(ch.ID),
		})
	}
	s.send(cs, protocol.TypeRoomList, protocol.RoomList{Rooms: rooms})
}

func handleRegisterUDP(s *Server, ctx context.Context, st datastore.DataStore, cs *ConnState, env protocol.Envelope) {
	clientID := s.udp.Register(cs.UserID)
	s.send(cs, protocol.TypeRegisterUDPResponse, protocol.RegisterUDPResponse{ClientID: clientID})

	if cs.ChannelID != 0 {
		s.broadcastToChannel(cs.ChannelID, protocol.TypeMemberUDPRegistered,
			protocol.MemberEvent{UserID: cs.UserID, Username: cs.Username, ClientID: clientID}, cs.UserID)
	}
}

// ---- messaging ----

func handleSendMessage(s *Server, ctx context.Context, st datastore.DataStore, cs *ConnState, env protocol.Envelope) {
	var req protocol.SendMessage
	if err := env.Decode(&req); err != nil {
		s.sendError(cs, protocol.ErrInvalidPayload, "malformed send_message payload")
		return
	}

	allowed, err := s.resolver.CanAccessChannel(ctx, cs.UserID, req.ChannelID)
	if err != nil || !allowed {
		s.sendError(cs, protocol.ErrAccessDenied, "not permitted to post in this room")
		return
	}

	ch, err := st.GetChannel(ctx, req.ChannelID)
	if err != nil || ch == nil {
		s.sendError(cs, protocol.ErrInvalidPayload, "no such room")
		return
	}
	if ch.Type != model.ChannelText {
		s.sendError(cs, protocol.ErrInvalidPayload, "channel does not accept text messages")
		return
	}

	content, err := model.SanitizeContent(req.Content)
	if err != nil {
		s.sendError(cs, protocol.ErrInvalidPayload, err.Error())
		return
	}

	stored := content
	if s.cfg.MessageAEAD != nil {
		stored, err = crypto.EncryptAtRest(s.cfg.MessageAEAD, content)
		if err != nil {
			s.sendError(cs, protocol.ErrInvalidPayload, "internal error")
			return
		}
	}

	msg := &model.Message{
		ChannelID:      req.ChannelID,
		SenderID:       cs.UserID,
		SenderUsername: cs.Username,
		Content:        stored,
	}
	if err := st.CreateMessage(ctx, msg); err != nil {
		s.sendError(cs, protocol.ErrInvalidPayload, "internal error")
		return
	}
	s.metrics.ChatMessagesSent.Add(1)

	view := protocol.MessageView{
		ID:             msg.ID,
		ChannelID:      msg.ChannelID,
		SenderID:       cs.UserID,
		SenderUsername: cs.Username,
		Content:        content,
		CreatedAt:      msg.CreatedAt,
	}
	s.broadcastToChannel(req.ChannelID, protocol.TypeMessageReceived, view, 0)
}

func handleGetHistory(s *Server, ctx context.Context, st datastore.DataStore, cs *ConnState, env protocol.Envelope) {
	var req protocol.GetMessageHistory
	if err := env.Decode(&req); err != nil {
		s.sendError(cs, protocol.ErrInvalidPayload, "malformed get_message_history payload")
		return
	}

	allowed, err := s.resolver.CanAccessChannel(ctx, cs.UserID, req.ChannelID)
	if err != nil || !allowed {
		s.sendError(cs, protocol.ErrAccessDenied, "not permitted to read this room's history")
		return
	}

	filter := model.HistoryFilter{
		ChannelID: req.ChannelID,
		Since:     req.Since,
		Before:    req.Before,
		Limit:     model.ClampHistoryLimit(req.Limit),
	}
	messages, err := st.ListMessages(ctx, filter)
	if err != nil {
		s.sendError(cs, protocol.ErrInvalidPayload, "internal error")
		return
	}

	views := make([]protocol.MessageView, 0, len(messages))
	for _, m := range messages {
		content := m.Content
		if crypto.IsEncrypted(content) {
			if s.cfg.MessageAEAD == nil {
				continue // can't decrypt without the key, drop rather than leak ciphertext
			}
			plain, err := crypto.DecryptAtRest(s.cfg.MessageAEAD, content)
			if err != nil {
				continue
			}
			content = plain
		}
		views = append(views, protocol.MessageView{
			ID:             m.ID,
			ChannelID:      m.ChannelID,
			SenderID:       m.SenderID,
			SenderUsername: m.SenderUsername,
			Content:        content,
			CreatedAt:      m.CreatedAt,
			UpdatedAt:      m.UpdatedAt,
		})
	}
	s.send(cs, protocol.TypeMessageHistory, protocol.MessageHistory{Messages: views})
}

func handleEditMessage(s *Server, ctx context.Context, st datastore.DataStore, cs *ConnState, env protocol.Envelope) {
	var req protocol.EditMessage
	if err := env.Decode(&req); err != nil {
		s.sendError(cs, protocol.ErrInvalidPayload, "malformed edit_message payload")
		return
	}

	allowed, err := s.resolver.CanAccessChannel(ctx, cs.UserID, req.ChannelID)
	if err != nil || !allowed {
		s.sendError(cs, protocol.ErrAccessDenied, "not permitted in this room")
		return
	}

	msg, err := st.GetMessage(ctx, req.MessageID)
	if err != nil || msg == nil || msg.ChannelID != req.ChannelID {
		s.sendError(cs, protocol.ErrInvalidPayload, "no such message")
		return
	}
	if msg.SenderID != cs.UserID {
		s.sendError(cs, protocol.ErrForbidden, "only the sender can edit this message")
		return
	}

	content, err := model.SanitizeContent(req.Content)
	if err != nil {
		s.sendError(cs, protocol.ErrInvalidPayload, err.Error())
		return
	}

	stored := content
	if s.cfg.MessageAEAD != nil {
		stored, err = crypto.EncryptAtRest(s.cfg.MessageAEAD, content)
		if err != nil {
			s.sendError(cs, protocol.ErrInvalidPayload, "internal error")
			return
		}
	}

	now := time.Now()
	if err := st.UpdateMessageContent(ctx, req.MessageID, stored, now); err != nil {
		s.sendError(cs, protocol.ErrInvalidPayload, "internal error")
		return
	}

	s.broadcastToChannel(req.ChannelID, protocol.TypeMessageUpdated, protocol.MessageUpdated{
		ChannelID: req.ChannelID,
		MessageID: req.MessageID,
		Content:   content,
		UpdatedAt: now,
	}, 0)
}

func handleDeleteMessage(s *Server, ctx context.Context, st datastore.DataStore, cs *ConnState, env protocol.Envelope) {
	var req protocol.DeleteMessage
	if err := env.Decode(&req); err != nil {
		s.sendError(cs, protocol.ErrInvalidPayload, "malformed delete_message payload")
		return
	}

	msg, err := st.GetMessage(ctx, req.MessageID)
	if err != nil || msg == nil || msg.ChannelID != req.ChannelID {
		s.sendError(cs, protocol.ErrInvalidPayload, "no such message")
		return
	}
	if msg.SenderID != cs.UserID && !s.requireAdmin(ctx, cs) {
		return
	}

	if err := st.DeleteMessage(ctx, req.MessageID); err != nil {
		s.sendError(cs, protocol.ErrInvalidPayload, "internal error")
		return
	}

	s.broadcastToChannel(req.ChannelID, protocol.TypeMessageDeleted, protocol.MessageDeleted{
		ChannelID: req.ChannelID,
		MessageID: req.MessageID,
	}, 0)
}

// ---- permissions & roles (admin) ----

func handleListPermissions(s *Server, ctx context.Context, st datastore.DataStore, cs *ConnState, env protocol.Envelope) {
	if !s.requireAdmin(ctx, cs) {
		return
	}
	perms, err := st.ListPermissions(ctx)
	if err != nil {
		s.sendError(cs, protocol.ErrInvalidMessage, "internal error")
		return
	}
	views := make([]protocol.PermissionView, 0, len(perms))
	for _, p := range perms {
		views = append(views, protocol.PermissionView{ID: p.ID, Name: p.Name, Description: p.Description})
	}
	s.send(cs, protocol.TypePermissionsList, protocol.PermissionsList{Permissions: views})
}

func handleListRoles(s *Server, ctx context.Context, st datastore.DataStore, cs *ConnState, env protocol.Envelope) {
	if !s.requireAdmin(ctx, cs) {
		return
	}
	roles, err := st.ListRoles(ctx)
	if err != nil {
		s.sendError(cs, protocol.ErrInvalidMessage, "internal error")
		return
	}
	views := make([]protocol.RoleView, 0, len(roles))
	for _, role := range roles {
		perms, err := st.RolePermissions(ctx, role.ID)
		if err != nil {
			s.sendError(cs, protocol.ErrInvalidMessage, "internal error")
			return
		}
		permViews := make([]protocol.RolePermissionView, 0, len(perms))
		for _, p := range perms {
			permViews = append(permViews, protocol.RolePermissionView{PermissionID: p.PermissionID, State: p.State.String()})
		}
		views = append(views, protocol.RoleView{ID: role.ID, Name: role.Name, Permissions: permViews})
	}
	s.send(cs, protocol.TypeRolesList, protocol.RolesList{Roles: views})
}

func handleGetUserPermissions(s *Server, ctx context.Context, st datastore.DataStore, cs *ConnState, env protocol.Envelope) {
	if !s.requireAdmin(ctx, cs) {
		return
	}
	var req protocol.GetUserPermissions
	if err := env.Decode(&req); err != nil {
		s.sendError(cs, protocol.ErrInvalidPayload, "malformed get_user_permissions payload")
		return
	}
	view, err := buildUserPermissionsView(ctx, st, req.UserID)
	if err != nil {
		s.sendError(cs, protocol.ErrInvalidMessage, "internal error")
		return
	}
	s.send(cs, protocol.TypeUserPerms, view)
}

// handleSetUserPermission always answers with a full re-read of the
// user's permission view rather than a bare acknowledgment.
func handleSetUserPermission(s *Server, ctx context.Context, st datastore.DataStore, cs *ConnState, env protocol.Envelope) {
	if !s.requireAdmin(ctx, cs) {
		return
	}
	var req protocol.SetUserPermission
	if err := env.Decode(&req); err != nil {
		s.sendError(cs, protocol.ErrInvalidPayload, "malformed set_user_permission payload")
		return
	}

	if req.State == nil {
		if err := st.ClearUserOverride(ctx, req.UserID, req.PermissionID); err != nil {
			s.sendError(cs, protocol.ErrInvalidMessage, "internal error")
			return
		}
	} else {
		state, ok := model.ParsePermissionState(*req.State)
		if !ok {
			s.sendError(cs, protocol.ErrInvalidPayload, "invalid permission state")
			return
		}
		if err := st.SetUserOverride(ctx, req.UserID, req.PermissionID, state); err != nil {
			s.sendError(cs, protocol.ErrInvalidMessage, "internal error")
			return
		}
	}
	s.metrics.PermissionChanges.Add(1)

	view, err := buildUserPermissionsView(ctx, st, req.UserID)
	if err != nil {
		s.sendError(cs, protocol.ErrInvalidMessage, "internal error")
		return
	}
	s.send(cs, protocol.TypeUserPerms, view)
}

func handleSetUserRole(s *Server, ctx context.Context, st datastore.DataStore, cs *ConnState, env protocol.Envelope) {
	if !s.requireAdmin(ctx, cs) {
		return
	}
	var req protocol.SetUserRole
	if err := env.Decode(&req); err != nil {
		s.sendError(cs, protocol.ErrInvalidPayload, "malformed set_user_role payload")
		return
	}

	var err error
	if req.Assign {
		err = st.AssignUserRole(ctx, req.UserID, req.RoleID)
	} else {
		err = st.UnassignUserRole(ctx, req.UserID, req.RoleID)
	}
	if err != nil {
		s.sendError(cs, protocol.ErrInvalidMessage, "internal error")
		return
	}
	s.metrics.RoleAssignments.Add(1)

	view, err := buildUserPermissionsView(ctx, st, req.UserID)
	if err != nil {
		s.sendError(cs, protocol.ErrInvalidMessage, "internal error")
		return
	}
	s.send(cs, protocol.TypeUserPerms, view)
}

func handleGetChannelPermissions(s *Server, ctx context.Context, st datastore.DataStore, cs *ConnState, env protocol.Envelope) {
	if !s.requireAdmin(ctx, cs) {
		return
	}
	var req protocol.GetChannelPermissions
	if err := env.Decode(&req); err != nil {
		s.sendError(cs, protocol.ErrInvalidPayload, "malformed get_channel_permissions payload")
		return
	}
	view, err := buildChannelPermissionsView(ctx, st, req.ChannelID)
	if err != nil {
		s.sendError(cs, protocol.ErrInvalidMessage, "internal error")
		return
	}
	s.send(cs, protocol.TypeChannelPerms, view)
}

func handleSetChannelRolePermission(s *Server, ctx context.Context, st datastore.DataStore, cs *ConnState, env protocol.Envelope) {
	if !s.requireAdmin(ctx, cs) {
		return
	}
	var req protocol.SetChannelRolePermission
	if err := env.Decode(&req); err != nil {
		s.sendError(cs, protocol.ErrInvalidPayload, "malformed set_channel_role_permission payload")
		return
	}
	state, ok := model.ParsePermissionState(req.State)
	if !ok {
		s.sendError(cs, protocol.ErrInvalidPayload, "invalid permission state")
		return
	}
	if err := st.SetChannelRolePermission(ctx, req.ChannelID, req.RoleID, req.PermissionID, state); err != nil {
		s.sendError(cs, protocol.ErrInvalidMessage, "internal error")
		return
	}
	s.metrics.PermissionChanges.Add(1)

	view, err := buildChannelPermissionsView(ctx, st, req.ChannelID)
	if err != nil {
		s.sendError(cs, protocol.ErrInvalidMessage, "internal error")
		return
	}
	s.send(cs, protocol.TypeChannelPerms, view)
}

func handleSetChannelUserPermission(s *Server, ctx context.Context, st datastore.DataStore, cs *ConnState, env protocol.Envelope) {
	if !s.requireAdmin(ctx, cs) {
		return
	}
	var req protocol.SetChannelUserPermission
	if err := env.Decode(&req); err != nil {
		s.sendError(cs, protocol.ErrInvalidPayload, "malformed set_channel_user_permission payload")
		return
	}
	state, ok := model.ParsePermissionState(req.State)
	if !ok {
		s.sendError(cs, protocol.ErrInvalidPayload, "invalid permission state")
		return
	}
	if err := st.SetChannelUserPermission(ctx, req.ChannelID, req.UserID, req.PermissionID, state); err != nil {
		s.sendError(cs, protocol.ErrInvalidMessage, "internal error")
		return
	}
	s.metrics.PermissionChanges.Add(1)

	view, err := buildChannelPermissionsView(ctx, st, req.ChannelID)
	if err != nil {
		s.sendError(cs, protocol.ErrInvalidMessage, "internal error")
		return
	}
	s.send(cs, protocol.TypeChannelPerms, view)
}

func buildUserPermissionsView(ctx context.Context, st datastore.DataStore, userID int64) (protocol.UserPermissions, error) {
	roleIDs, err := st.RoleIDsForUser(ctx, userID)
	if err != nil {
		return protocol.UserPermissions{}, err
	}
	overrides, err := st.UserOverrides(ctx, userID)
	if err != nil {
		return protocol.UserPermissions{}, err
	}
	perms := make([]protocol.RolePermissionView, 0, len(overrides))
	for _, o := range overrides {
		perms = append(perms, protocol.RolePermissionView{PermissionID: o.PermissionID, State: o.State.String()})
	}
	return protocol.UserPermissions{UserID: userID, Permissions: perms, RoleIDs: roleIDs}, nil
}

func buildChannelPermissionsView(ctx context.Context, st datastore.DataStore, channelID int64) (protocol.ChannelPermissions, error) {
	roleStates, err := st.ChannelRoleStates(ctx, channelID)
	if err != nil {
		return protocol.ChannelPermissions{}, err
	}
	userStates, err := st.ChannelUserStates(ctx, channelID)
	if err != nil {
		return protocol.ChannelPermissions{}, err
	}
	rv := make([]protocol.ChannelRoleStateView, 0, len(roleStates))
	for _, rs := range roleStates {
		rv = append(rv, protocol.ChannelRoleStateView{RoleID: rs.RoleID, PermissionID: rs.PermissionID, State: rs.State.String()})
	}
	uv := make([]protocol.ChannelUserStateView, 0, len(userStates))
	for _, us := range userStates {
		uv = append(uv, protocol.ChannelUserStateView{UserID: us.UserID, PermissionID: us.PermissionID, State: us.State.String()})
	}
	return protocol.ChannelPermissions{ChannelID: channelID, RoleStates: rv, UserStates: uv}, nil
}

// ---- misc ----

func handlePing(s *Server, ctx context.Context, st datastore.DataStore, cs *ConnState, env protocol.Envelope) {
	s.send(cs, protocol.TypePong, protocol.Pong{})
}
