package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/whispr-chat/whispr/internal/acl"
	"github.com/whispr-chat/whispr/internal/crypto"
	"github.com/whispr-chat/whispr/internal/datastore"
	"github.com/whispr-chat/whispr/internal/model"
	"github.com/whispr-chat/whispr/internal/protocol"
)

// loginDeadline bounds how long a freshly accepted connection has to send
// its login_request before the server gives up on it.
const loginDeadline = 10 * time.Second

// handlerFunc handles one decoded control message for an already
// authenticated connection.
type handlerFunc func(s *Server, ctx context.Context, st datastore.DataStore, cs *ConnState, env protocol.Envelope)

// controlHandlers is built once via register, which panics on a duplicate
// message type rather than silently shadowing a handler.
var controlHandlers = buildHandlerTable()

func buildHandlerTable() map[string]handlerFunc {
	table := make(map[string]handlerFunc)
	register := func(msgType string, fn handlerFunc) {
		if _, dup := table[msgType]; dup {
			panic("server: duplicate handler registered for " + msgType)
		}
		table[msgType] = fn
	}

	register(protocol.TypeJoinRoom, handleJoinRoom)
	register(protocol.TypeCreateRoom, handleCreateRoom)
	register(protocol.TypeLeaveRoom, handleLeaveRoom)
	register(protocol.TypeRequestState, handleRequestState)
	register(protocol.TypeRequestRoomList, handleRequestRoomList)
	register(protocol.TypeRegisterUDP, handleRegisterUDP)

	register(protocol.TypeSendMessage, handleSendMessage)
	register(protocol.TypeGetHistory, handleGetHistory)
	register(protocol.TypeEditMessage, handleEditMessage)
	register(protocol.TypeDeleteMessage, handleDeleteMessage)

	register(protocol.TypeListPermissions, handleListPermissions)
	register(protocol.TypeListRoles, handleListRoles)
	register(protocol.TypeGetUserPerms, handleGetUserPermissions)
	register(protocol.TypeSetUserPerm, handleSetUserPermission)
	register(protocol.TypeSetUserRole, handleSetUserRole)
	register(protocol.TypeGetChannelPerms, handleGetChannelPermissions)
	register(protocol.TypeSetChannelRole, handleSetChannelRolePermission)
	register(protocol.TypeSetChannelUser, handleSetChannelUserPermission)

	register(protocol.TypePing, handlePing)

	return table
}

// StartControl loads or generates the server's TLS identity and starts
// accepting control-plane connections in the background.
func (s *Server) StartControl() error {
	cert, err := loadOrGenerateTLS(s.cfg)
	if err != nil {
		return err
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}

	ln, err := tls.Listen("tcp", s.cfg.ControlAddr, tlsCfg)
	if err != nil {
		return fmt.Errorf("server: listen control: %w", err)
	}
	s.controlConn = ln

	slog.Info("control plane listening", "addr", s.cfg.ControlAddr)
	go s.acceptLoop(ln)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				slog.Error("control accept error", "err", err)
				continue
			}
		}
		go s.handleControlConn(conn)
	}
}

// handleControlConn owns one client's control-plane lifetime: login,
// message dispatch, and cleanup. It never returns until the connection is
// gone, at which point every trace of the session — channel membership,
// UDP registration, session token, live ConnState — is torn down.
func (s *Server) handleControlConn(conn net.Conn) {
	s.metrics.TotalConnections.Add(1)
	s.metrics.ActiveConnections.Add(1)
	defer s.metrics.ActiveConnections.Add(-1)
	defer func() { _ = conn.Close() }()

	ctx := s.ctx
	st := s.store.NonTx()
	defer func() { _ = st.Close() }()

	cs, ok := s.login(ctx, st, conn)
	if !ok {
		return
	}

	stop := make(chan struct{})
	defer close(stop)
	go s.writeLoop(conn, cs, stop)

	defer s.endSession(ctx, cs)

	for {
		env, err := protocol.ReadMessage(conn)
		if err != nil {
			return
		}
		if !cs.ControlLimiter.Allow() {
			s.sendError(cs, protocol.ErrRateLimited, "too many messages")
			continue
		}
		handler, known := controlHandlers[env.Type]
		if !known {
			s.sendError(cs, protocol.ErrInvalidMessage, "unknown message type: "+env.Type)
			continue
		}
		handler(s, ctx, st, cs, env)
	}
}

// login reads the connection's first message, which must be a
// login_request within loginDeadline, authenticates it, and on success
// brings the new session fully online: token issuance, default-channel
// join, and the login_response/room_joined/server_state/member_joined
// sequence. The returned ConnState is nil on any failure; the caller
// should close the connection without further ado.
func (s *Server) login(ctx context.Context, st datastore.DataStore, conn net.Conn) (*ConnState, bool) {
	if err := conn.SetReadDeadline(time.Now().Add(loginDeadline)); err != nil {
		slog.Debug("set login deadline", "err", err)
	}

	env, err := protocol.ReadMessage(conn)
	if err != nil {
		slog.Debug("control: read login request", "err", err)
		return nil, false
	}
	if env.Type != protocol.TypeLoginRequest {
		_ = protocol.WriteMessage(conn, protocol.TypeError,
			protocol.Error{Code: protocol.ErrInvalidMessage, Message: "expected login_request"})
		return nil, false
	}

	var req protocol.LoginRequest
	if err := env.Decode(&req); err != nil {
		_ = protocol.WriteMessage(conn, protocol.TypeError,
			protocol.Error{Code: protocol.ErrInvalidPayload, Message: "malformed login_request"})
		return nil, false
	}

	user, err := s.authenticate(ctx, st, req.Username, req.Password)
	if err != nil {
		s.metrics.FailedAuths.Add(1)
		_ = protocol.WriteMessage(conn, protocol.TypeLoginResponse,
			protocol.LoginResponse{Success: false, Error: "invalid username or password"})
		return nil, false
	}

	if s.tokens.HasActiveSession(user.ID) {
		_ = protocol.WriteMessage(conn, protocol.TypeLoginResponse,
			protocol.LoginResponse{Success: false, Error: protocol.ErrAlreadyLoggedIn})
		return nil, false
	}

	sess, err := s.tokens.Issue(user.ID)
	if err != nil {
		slog.Error("issue session token", "err", err)
		_ = protocol.WriteMessage(conn, protocol.TypeLoginResponse,
			protocol.LoginResponse{Success: false, Error: "internal error"})
		return nil, false
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		slog.Debug("clear read deadline", "err", err)
	}

	cs := s.sessions.Create(user.ID, user.Username, user.IsAdmin, sess.Token)
	s.metrics.SuccessfulAuths.Add(1)

	if lobby, err := pickDefaultChannel(ctx, st); err != nil {
		slog.Error("pick default channel", "err", err)
	} else if lobby != nil {
		if access, err := s.resolver.CanAccessChannel(ctx, cs.UserID, lobby.ID); err != nil {
			slog.Error("check default channel access", "err", err)
		} else if access {
			s.channels.Join(cs.UserID, lobby.ID)
			cs.ChannelID = lobby.ID
		}
	}

	if err := protocol.WriteMessage(conn, protocol.TypeLoginResponse, protocol.LoginResponse{
		Success:  true,
		Token:    sess.Token,
		UserID:   user.ID,
		Username: user.Username,
		IsAdmin:  user.IsAdmin,
	}); err != nil {
		return nil, false
	}

	if cs.ChannelID != 0 {
		if ch, err := st.GetChannel(ctx, cs.ChannelID); err != nil {
			slog.Error("load joined channel", "err", err)
		} else if ch != nil {
			_ = protocol.WriteMessage(conn, protocol.TypeRoomJoined, s.roomJoinedPayload(*ch))
		}
	}

	if state, err := s.buildServerState(ctx, st, cs.UserID); err != nil {
		slog.Error("build server state", "err", err)
	} else {
		_ = protocol.WriteMessage(conn, protocol.TypeServerState, state)
	}

	if cs.ChannelID != 0 {
		s.broadcastToChannel(cs.ChannelID, protocol.TypeMemberJoined,
			protocol.MemberEvent{UserID: cs.UserID, Username: cs.Username}, cs.UserID)
	}

	return cs, true
}

// authenticate looks the username up once so it can tell "no such user"
// from "wrong password": only the former is eligible for auto-registration.
func (s *Server) authenticate(ctx context.Context, st datastore.DataStore, username, password string) (*model.User, error) {
	existing, err := st.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("server: lookup user: %w", err)
	}
	if existing == nil {
		if !s.cfg.AllowAutoRegister {
			return nil, acl.ErrInvalidCredentials
		}
		if err := model.ValidateUsername(username); err != nil {
			return nil, err
		}
		salt, hash, err := crypto.HashPassword(password)
		if err != nil {
			return nil, fmt.Errorf("server: hash password: %w", err)
		}
		return st.CreateUser(ctx, username, salt, hash, false)
	}
	if !crypto.VerifyPassword(password, existing.PasswordSalt, existing.PasswordHash) {
		return nil, acl.ErrInvalidCredentials
	}
	return existing, nil
}

// pickDefaultChannel returns the channel flagged IsDefault, or the first
// channel on the server if none carries that flag, or nil if there are no
// channels at all.
func pickDefaultChannel(ctx context.Context, st datastore.DataStore) (*model.Channel, error) {
	channels, err := st.ListChannels(ctx)
	if err != nil {
		return nil, err
	}
	if len(channels) == 0 {
		return nil, nil
	}
	for i := range channels {
		if channels[i].IsDefault {
			return &channels[i], nil
		}
	}
	return &channels[0], nil
}

// writeLoop is the single writer for conn: every outbound envelope for cs
// passes through here, so two goroutines never interleave writes on the
// same TLS connection.
func (s *Server) writeLoop(conn net.Conn, cs *ConnState, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case env := <-cs.outbox:
			if err := protocol.WriteMessage(conn, env.Type, env.Payload); err != nil {
				return
			}
		}
	}
}

// endSession reverts every piece of state a connection accumulated:
// channel membership, UDP registration, session token, and the live
// ConnState itself. Runs on every disconnect path, clean or not.
func (s *Server) endSession(ctx context.Context, cs *ConnState) {
	if channelID := s.channels.Leave(cs.UserID); channelID != 0 {
		s.broadcastToChannel(channelID, protocol.TypeMemberLeft,
			protocol.MemberEvent{UserID: cs.UserID, Username: cs.Username}, cs.UserID)
	}
	s.udp.UnregisterUser(cs.UserID)
	s.tokens.Revoke(cs.Token)
	s.sessions.Remove(cs.UserID, cs.Token)
	s.metrics.TotalDisconnects.Add(1)
	_ = ctx
}

// ---- outbound message helpers ----

func (s *Server) send(cs *ConnState, msgType string, v any) {
	env, err := protocol.Encode(msgType, v)
	if err != nil {
		slog.Error("encode outbound message", "type", msgType, "err", err)
		return
	}
	cs.Send(env)
}

func (s *Server) sendError(cs *ConnState, code, message string) {
	s.send(cs, protocol.TypeError, protocol.Error{Code: code, Message: message})
}

// broadcastToChannel fans an encoded message out to every member of
// channelID currently online, skipping exclude (pass 0 to exclude no one —
// no real user holds id 0).
func (s *Server) broadcastToChannel(channelID int64, msgType string, v any, exclude int64) {
	env, err := protocol.Encode(msgType, v)
	if err != nil {
		slog.Error("encode broadcast message", "type", msgType, "err", err)
		return
	}
	for _, userID := range s.channels.Members(channelID) {
		if userID == exclude {
			continue
		}
		if member, ok := s.sessions.Get(userID); ok {
			member.Send(env)
		}
	}
}

// ---- view builders ----

func (s *Server) buildMemberViews(channelID int64) []protocol.MemberView {
	userIDs := s.channels.Members(channelID)
	views := make([]protocol.MemberView, 0, len(userIDs))
	for _, uid := range userIDs {
		conn, ok := s.sessions.Get(uid)
		if !ok {
			continue
		}
		view := protocol.MemberView{UserID: conn.UserID, Username: conn.Username, IsAdmin: conn.IsAdmin}
		if clientID, ok := s.udp.ClientIDFor(uid); ok {
			view.ClientID = clientID
		}
		views = append(views, view)
	}
	return views
}

func (s *Server) buildChannelView(ch model.Channel) protocol.ChannelView {
	return protocol.ChannelView{
		ID:        ch.ID,
		Name:      ch.Name,
		Type:      ch.Type.String(),
		MemberIDs: s.channels.Members(ch.ID),
		Members:   s.buildMemberViews(ch.ID),
	}
}

func (s *Server) roomJoinedPayload(ch model.Channel) protocol.RoomJoined {
	return protocol.RoomJoined{
		RoomID:      ch.ID,
		RoomName:    ch.Name,
		Type:        ch.Type.String(),
		MemberIDs:   s.channels.Members(ch.ID),
		Members:     s.buildMemberViews(ch.ID),
		KeyMaterial: ch.KeyMaterial,
	}
}

// visibleChannels returns every channel userID is permitted to see, per
// the channel_access ACL.
func (s *Server) visibleChannels(ctx context.Context, st datastore.DataStore, userID int64) ([]model.Channel, error) {
	all, err := st.ListChannels(ctx)
	if err != nil {
		return nil, err
	}
	visible := make([]model.Channel, 0, len(all))
	for _, ch := range all {
		ok, err := s.resolver.CanAccessChannel(ctx, userID, ch.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			visible = append(visible, ch)
		}
	}
	return visible, nil
}

func (s *Server) buildServerState(ctx context.Context, st datastore.DataStore, userID int64) (protocol.ServerState, error) {
	visible, err := s.visibleChannels(ctx, st, userID)
	if err != nil {
		return protocol.ServerState{}, err
	}
	canCreate, err := s.resolver.Resolve(ctx, userID, model.PermissionAdmin)
	if err != nil {
		return protocol.ServerState{}, err
	}
	views := make([]protocol.ChannelView, 0, len(visible))
	for _, ch := range visible {
		views = append(views, s.buildChannelView(ch))
	}
	return protocol.ServerState{Channels: views, CanCreateChannel: canCreate}, nil
}

// requireAdmin reports whether cs holds the admin permission, sending a
// forbidden error and returning false otherwise.
func (s *Server) requireAdmin(ctx context.Context, cs *ConnState) bool {
	allowed, err := s.resolver.Resolve(ctx, cs.UserID, model.PermissionAdmin)
	if err != nil {
		slog.Error("resolve admin permission", "err", err)
		s.sendError(cs, protocol.ErrForbidden, "internal error")
		return false
	}
	if !allowed {
		s.sendError(cs, protocol.ErrForbidden, "admin permission required")
		return false
	}
	return true
}
