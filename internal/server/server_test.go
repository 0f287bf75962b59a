package server

import (
	"context"
	"net"
	"path/filepath"
	"testing"

	"github.com/whispr-chat/whispr/internal/datastore"
	"github.com/whispr-chat/whispr/internal/model"
	"github.com/whispr-chat/whispr/internal/protocol"
)

func newTestServer(t *testing.T) (*Server, datastore.DataProviderFactory) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	factory, err := datastore.NewProviderFactory(dbPath)
	if err != nil {
		t.Fatalf("NewProviderFactory: %v", err)
	}
	t.Cleanup(func() { _ = factory.Close() })

	cfg := DefaultConfig()
	srv := New(cfg, Dependencies{Store: factory})
	return srv, factory
}

func TestChannelManagerJoinLeaveIsAtomic(t *testing.T) {
	cm := NewChannelManager()

	prev := cm.Join(1, 10)
	if prev != 0 {
		t.Fatalf("first join: expected no previous channel, got %d", prev)
	}
	if cm.ChannelOf(1) != 10 {
		t.Fatalf("expected user in channel 10")
	}

	prev = cm.Join(1, 20)
	if prev != 10 {
		t.Fatalf("expected previous channel 10, got %d", prev)
	}
	if cm.MembersCount(10) != 0 {
		t.Fatalf("expected channel 10 empty after move, got %d members", cm.MembersCount(10))
	}
	if cm.ChannelOf(1) != 20 {
		t.Fatalf("expected user in channel 20")
	}

	left := cm.Leave(1)
	if left != 20 {
		t.Fatalf("expected leave to report channel 20, got %d", left)
	}
	if cm.ChannelOf(1) != 0 {
		t.Fatalf("expected no channel after leave")
	}
}

func TestUDPRegistryCounterAdvancesPastFreedID(t *testing.T) {
	reg := NewUDPRegistry()

	a := reg.Register(1)
	b := reg.Register(2)
	if b != a+1 {
		t.Fatalf("expected sequential allocation, got %d then %d", a, b)
	}

	reg.UnregisterUser(1)
	c := reg.Register(3)
	if c != b+1 {
		t.Fatalf("expected the counter to keep advancing past the freed id %d, got %d", a, c)
	}

	if userID, ok := reg.UserFor(b); !ok || userID != 2 {
		t.Fatalf("UserFor(%d) = %d, %v, want 2, true", b, userID, ok)
	}
	if _, ok := reg.UserFor(a); ok {
		t.Fatalf("expected id %d to be unregistered", a)
	}
}

func TestUDPRegistryBindEndpointRebindsOnPortRotation(t *testing.T) {
	reg := NewUDPRegistry()
	id := reg.Register(7)

	first := &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 4000}
	ok, limiter := reg.BindEndpoint(id, first)
	if !ok || limiter == nil {
		t.Fatalf("expected first bind to succeed, got ok=%v", ok)
	}
	if got := reg.EndpointFor(7); got.Port != 4000 {
		t.Fatalf("expected bound port 4000, got %d", got.Port)
	}

	rotated := &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 4001}
	ok, _ = reg.BindEndpoint(id, rotated)
	if !ok {
		t.Fatal("expected a rotated source port for a known client id to rebind, not be rejected")
	}
	if got := reg.EndpointFor(7); got.Port != 4001 {
		t.Fatalf("expected rebind to update the tracked port to 4001, got %d", got.Port)
	}
}

func TestSessionManagerRemoveRequiresMatchingToken(t *testing.T) {
	sm := NewSessionManager()
	sm.Create(1, "alice", false, "tok-a")

	sm.Remove(1, "tok-b") // stale cleanup from a superseded connection
	if _, ok := sm.Get(1); !ok {
		t.Fatal("Remove with a stale token must not evict the current session")
	}

	sm.Remove(1, "tok-a")
	if _, ok := sm.Get(1); ok {
		t.Fatal("Remove with the matching token should evict the session")
	}
}

func TestAuthenticateAutoRegisterThenRejectsWrongPassword(t *testing.T) {
	srv, factory := newTestServer(t)
	srv.cfg.AllowAutoRegister = true
	ctx := context.Background()
	st := factory.NonTx()

	user, err := srv.authenticate(ctx, st, "newuser", "hunter2")
	if err != nil {
		t.Fatalf("authenticate (auto-register): %v", err)
	}
	if user.Username != "newuser" {
		t.Fatalf("unexpected username %q", user.Username)
	}

	if _, err := srv.authenticate(ctx, st, "newuser", "wrong password"); err == nil {
		t.Fatal("expected wrong password for an existing user to fail")
	}
}

func TestAuthenticateRejectsUnknownUserWithoutAutoRegister(t *testing.T) {
	srv, factory := newTestServer(t)
	srv.cfg.AllowAutoRegister = false
	ctx := context.Background()
	st := factory.NonTx()

	if _, err := srv.authenticate(ctx, st, "ghost", "whatever"); err == nil {
		t.Fatal("expected unknown username to fail when auto-registration is disabled")
	}
}

func TestHandleJoinRoomDeniedLeavesMembershipUntouched(t *testing.T) {
	srv, factory := newTestServer(t)
	ctx := context.Background()
	st := factory.NonTx()

	ch := &model.Channel{Name: "secret", Type: model.ChannelText}
	if err := st.CreateChannel(ctx, ch); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	u, err := st.CreateUser(ctx, "intruder", []byte("s"), []byte("h"), false)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := st.SetChannelUserPermission(ctx, ch.ID, u.ID, model.PermissionChannelAccess, model.StateDeny); err != nil {
		t.Fatalf("SetChannelUserPermission: %v", err)
	}

	cs := srv.sessions.Create(u.ID, "intruder", false, "tok")
	env, err := protocol.Encode(protocol.TypeJoinRoom, protocol.JoinRoom{RoomID: ch.ID})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	handleJoinRoom(srv, ctx, st, cs, env)

	if srv.channels.ChannelOf(u.ID) != 0 {
		t.Fatal("a denied join must not change channel membership")
	}

	select {
	case out := <-cs.outbox:
		if out.Type != protocol.TypeError {
			t.Fatalf("expected an error envelope, got %s", out.Type)
		}
		var payload protocol.Error
		if err := out.Decode(&payload); err != nil {
			t.Fatalf("decode error payload: %v", err)
		}
		if payload.Code != protocol.ErrAccessDenied {
			t.Fatalf("expected %s, got %s", protocol.ErrAccessDenied, payload.Code)
		}
	default:
		t.Fatal("expected an outbound message")
	}
}

func TestHandleJoinRoomSuccessBroadcastsMemberJoined(t *testing.T) {
	srv, factory := newTestServer(t)
	ctx := context.Background()
	st := factory.NonTx()

	ch := &model.Channel{Name: "general", Type: model.ChannelText}
	if err := st.CreateChannel(ctx, ch); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	existing := srv.sessions.Create(1, "alice", false, "tok-1")
	srv.channels.Join(1, ch.ID)

	joiner := srv.sessions.Create(2, "bob", false, "tok-2")
	env, err := protocol.Encode(protocol.TypeJoinRoom, protocol.JoinRoom{RoomID: ch.ID})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	handleJoinRoom(srv, ctx, st, joiner, env)

	if srv.channels.ChannelOf(2) != ch.ID {
		t.Fatalf("expected bob in channel %d, got %d", ch.ID, srv.channels.ChannelOf(2))
	}

	select {
	case out := <-joiner.outbox:
		if out.Type != protocol.TypeRoomJoined {
			t.Fatalf("expected room_joined for the joiner, got %s", out.Type)
		}
	default:
		t.Fatal("expected a room_joined envelope for the joiner")
	}

	select {
	case out := <-existing.outbox:
		if out.Type != protocol.TypeMemberJoined {
			t.Fatalf("expected member_joined for the existing member, got %s", out.Type)
		}
	default:
		t.Fatal("expected a member_joined broadcast to the existing member")
	}
}

func TestHandleJoinRoomCurrentRoomIsANoOp(t *testing.T) {
	srv, factory := newTestServer(t)
	ctx := context.Background()
	st := factory.NonTx()

	ch := &model.Channel{Name: "general", Type: model.ChannelText}
	if err := st.CreateChannel(ctx, ch); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	cs := srv.sessions.Create(1, "alice", false, "tok")
	srv.channels.Join(1, ch.ID)
	cs.ChannelID = ch.ID

	env, err := protocol.Encode(protocol.TypeJoinRoom, protocol.JoinRoom{RoomID: ch.ID})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	handleJoinRoom(srv, ctx, st, cs, env)

	if srv.channels.ChannelOf(1) != ch.ID {
		t.Fatalf("expected membership to remain in channel %d", ch.ID)
	}

	select {
	case out := <-cs.outbox:
		if out.Type != protocol.TypeRoomJoined {
			t.Fatalf("expected room_joined echoed back, got %s", out.Type)
		}
	default:
		t.Fatal("expected a room_joined envelope even for a no-op re-join")
	}

	select {
	case <-cs.outbox:
		t.Fatal("expected no second envelope: a re-join to the current room must not broadcast")
	default:
	}
}

func TestHandleSendMessageRejectsVoiceChannel(t *testing.T) {
	srv, factory := newTestServer(t)
	ctx := context.Background()
	st := factory.NonTx()

	ch := &model.Channel{Name: "lobby", Type: model.ChannelVoice}
	if err := st.CreateChannel(ctx, ch); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	cs := srv.sessions.Create(1, "alice", false, "tok")
	env, err := protocol.Encode(protocol.TypeSendMessage, protocol.SendMessage{ChannelID: ch.ID, Content: "hi"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	handleSendMessage(srv, ctx, st, cs, env)

	msgs, err := st.ListMessages(ctx, model.HistoryFilter{ChannelID: ch.ID, Limit: 10})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no message stored in a voice channel, got %d", len(msgs))
	}
}

func TestHandleEditMessageRejectsNonSenderEvenIfAdmin(t *testing.T) {
	srv, factory := newTestServer(t)
	ctx := context.Background()
	st := factory.NonTx()

	ch := &model.Channel{Name: "general", Type: model.ChannelText}
	if err := st.CreateChannel(ctx, ch); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	alice, err := st.CreateUser(ctx, "alice", []byte("s"), []byte("h"), false)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	msg := &model.Message{ChannelID: ch.ID, SenderID: alice.ID, SenderUsername: "alice", Content: "hello"}
	if err := st.CreateMessage(ctx, msg); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	admin := srv.sessions.Create(2, "root", true, "tok")
	env, err := protocol.Encode(protocol.TypeEditMessage, protocol.EditMessage{
		ChannelID: ch.ID,
		MessageID: msg.ID,
		Content:   "edited by admin",
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	handleEditMessage(srv, ctx, st, admin, env)

	stored, err := st.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if stored.Content != "hello" {
		t.Fatalf("expected an admin's edit of someone else's message to be rejected, content changed to %q", stored.Content)
	}
}

func TestHandleSendMessageRequiresChannelAccess(t *testing.T) {
	srv, factory := newTestServer(t)
	ctx := context.Background()
	st := factory.NonTx()

	ch := &model.Channel{Name: "locked", Type: model.ChannelText}
	if err := st.CreateChannel(ctx, ch); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	u, err := st.CreateUser(ctx, "eve", []byte("s"), []byte("h"), false)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := st.SetChannelUserPermission(ctx, ch.ID, u.ID, model.PermissionChannelAccess, model.StateDeny); err != nil {
		t.Fatalf("SetChannelUserPermission: %v", err)
	}

	cs := srv.sessions.Create(u.ID, "eve", false, "tok")
	env, err := protocol.Encode(protocol.TypeSendMessage, protocol.SendMessage{ChannelID: ch.ID, Content: "hi"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	handleSendMessage(srv, ctx, st, cs, env)

	msgs, err := st.ListMessages(ctx, model.HistoryFilter{ChannelID: ch.ID, Limit: 10})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no message to be stored, got %d", len(msgs))
	}
}
