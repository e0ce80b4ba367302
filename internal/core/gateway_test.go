package core

import (
	"testing"

	"github.com/pingchat/ping-server/internal/proto"
	"github.com/pingchat/ping-server/internal/store"
)

func boolPtr(b bool) *bool { return &b }

// joinChannel drives the loadMessages round trip and returns the response.
func joinChannel(t *testing.T, g *Gateway, s *Session, channel string, isPrivate *bool) proto.MessagesResponse {
	t.Helper()

	ns := proto.ChannelNamespace(channel)
	submit(t, g, s, ns, proto.InLoadMessages, proto.LoadMessagesData{IsPrivate: isPrivate})
	ev := mustEvent(t, s, proto.OutMessages)
	return ev.Data.(proto.MessagesResponse)
}

func TestConnectAnnouncesOnlineOnce(t *testing.T) {
	g, st := newTestGateway(t)
	alice := createUser(t, st, "alice")
	bob := createUser(t, st, "bob")

	a := connect(t, g, alice)

	// Bob's first connection is announced to everyone.
	b1 := connect(t, g, bob)
	ev := mustEvent(t, a, proto.OutUserOnline)
	if got := ev.Data.(proto.User); got.ID != bob.ID {
		t.Fatalf("user:online announced user %d, want %d", got.ID, bob.ID)
	}

	// A second connection of the same user is not.
	b2 := connect(t, g, bob)
	mustNoEvent(t, a, proto.OutUserOnline)

	// Only closing the last connection announces offline.
	g.UnregisterSession(b1)
	mustNoEvent(t, a, proto.OutUserOffline)
	g.UnregisterSession(b2)
	mustEvent(t, a, proto.OutUserOffline)
}

func TestConnectSnapshotExcludesSelf(t *testing.T) {
	g, st := newTestGateway(t)
	alice := createUser(t, st, "alice")
	bob := createUser(t, st, "bob")

	connect(t, g, alice)

	s := NewSession("bob-1", bob.ID, bob.Nickname)
	g.RegisterSession(s)
	ev := mustEvent(t, s, proto.OutUserList)

	users := ev.Data.([]proto.UserState)
	if len(users) != 1 || users[0].ID != alice.ID {
		t.Fatalf("snapshot = %+v, want only alice", users)
	}
}

func TestSetStateBroadcasts(t *testing.T) {
	g, st := newTestGateway(t)
	alice := createUser(t, st, "alice")
	bob := createUser(t, st, "bob")

	a := connect(t, g, alice)
	b := connect(t, g, bob)
	mustEvent(t, a, proto.OutUserOnline)

	submit(t, g, b, proto.NamespaceActivity, proto.InSetState, proto.SetStateData{State: "dnd"})

	ev := mustEvent(t, a, proto.OutUserStateChange)
	state := ev.Data.(proto.UserState)
	if state.ID != bob.ID || state.State != "dnd" {
		t.Fatalf("stateChange = %+v, want bob dnd", state)
	}
}

func TestLoadMessagesCreatesChannel(t *testing.T) {
	g, st := newTestGateway(t)
	alice := createUser(t, st, "alice")
	a := connect(t, g, alice)

	res := joinChannel(t, g, a, "gophers", boolPtr(false))
	if res.ChannelInfo.Name != "gophers" || res.ChannelInfo.OwnerID != alice.ID {
		t.Fatalf("channel info = %+v, want gophers owned by alice", res.ChannelInfo)
	}
	if len(res.Messages) != 1 || res.Messages[0].UserID != store.SystemUserID {
		t.Fatalf("new channel should open with one system welcome message, got %+v", res.Messages)
	}
}

func TestJoinNotifiesRoom(t *testing.T) {
	g, st := newTestGateway(t)
	alice := createUser(t, st, "alice")
	bob := createUser(t, st, "bob")

	a := connect(t, g, alice)
	b := connect(t, g, bob)
	joinChannel(t, g, a, "gophers", boolPtr(false))

	joinChannel(t, g, b, "gophers", nil)

	msg := mustEvent(t, a, proto.OutMessage)
	if got := msg.Data.(proto.Message); got.UserID != store.SystemUserID {
		t.Fatalf("join announcement should be system-authored, got %+v", got)
	}
	joined := mustEvent(t, a, proto.OutUserJoined)
	if got := joined.Data.(proto.UserJoinedData); got.User.ID != bob.ID {
		t.Fatalf("userJoined = %+v, want bob", got)
	}
}

func TestAddMessageReachesSenderAndRoom(t *testing.T) {
	g, st := newTestGateway(t)
	alice := createUser(t, st, "alice")
	bob := createUser(t, st, "bob")

	a := connect(t, g, alice)
	b := connect(t, g, bob)
	joinChannel(t, g, a, "gophers", boolPtr(false))
	joinChannel(t, g, b, "gophers", nil)
	// Drain the join fan-out so the next message event is the real one.
	mustEvent(t, a, proto.OutUserJoined)

	ns := proto.ChannelNamespace("gophers")
	submit(t, g, b, ns, proto.InAddMessage, proto.AddMessageData{Content: "hello"})

	for _, s := range []*Session{a, b} {
		ev := mustEvent(t, s, proto.OutMessage)
		msg := ev.Data.(proto.Message)
		if msg.Content != "hello" || msg.UserID != bob.ID {
			t.Fatalf("message = %+v, want hello from bob", msg)
		}
	}
}

func TestPrivateChannelRejectsOutsiders(t *testing.T) {
	g, st := newTestGateway(t)
	alice := createUser(t, st, "alice")
	mallory := createUser(t, st, "mallory")

	a := connect(t, g, alice)
	m := connect(t, g, mallory)
	joinChannel(t, g, a, "secret", boolPtr(true))

	ns := proto.ChannelNamespace("secret")
	submit(t, g, m, ns, proto.InLoadMessages, nil)

	ev := mustEvent(t, m, proto.OutMessagesError)
	perr := ev.Data.(*proto.Error)
	if perr.Code != "access_denied" {
		t.Fatalf("error code = %q, want access_denied", perr.Code)
	}

	// The denied user never entered the room.
	submit(t, g, a, ns, proto.InAddMessage, proto.AddMessageData{Content: "secrets"})
	mustNoEvent(t, m, proto.OutMessage)
}

func TestTypingOnlyToOthers(t *testing.T) {
	g, st := newTestGateway(t)
	alice := createUser(t, st, "alice")
	bob := createUser(t, st, "bob")

	a := connect(t, g, alice)
	b := connect(t, g, bob)
	joinChannel(t, g, a, "gophers", boolPtr(false))
	joinChannel(t, g, b, "gophers", nil)
	mustEvent(t, a, proto.OutUserJoined)

	ns := proto.ChannelNamespace("gophers")
	submit(t, g, b, ns, proto.InTypingStart, proto.TypingData{Content: "hel"})

	ev := mustEvent(t, a, proto.OutTypingStart)
	if got := ev.Data.(proto.TypingEvent); got.User.ID != bob.ID || got.Content != "hel" {
		t.Fatalf("typing = %+v, want bob typing hel", got)
	}
	mustNoEvent(t, b, proto.OutTypingStart)
}

func TestDeleteChannelNotifiesEveryMember(t *testing.T) {
	g, st := newTestGateway(t)
	alice := createUser(t, st, "alice")
	bob := createUser(t, st, "bob")

	a := connect(t, g, alice)
	b := connect(t, g, bob)
	joinChannel(t, g, a, "doomed", boolPtr(false))
	joinChannel(t, g, b, "doomed", nil)

	ns := proto.ChannelNamespace("doomed")
	submit(t, g, a, ns, proto.InDeleteChannel, nil)

	mustEvent(t, a, proto.OutChannelDeleted)
	mustEvent(t, b, proto.OutChannelDeleted)

	// The channel is gone; posting into it fails.
	submit(t, g, b, ns, proto.InAddMessage, proto.AddMessageData{Content: "anyone?"})
	ev := mustEvent(t, b, proto.OutError)
	if perr := ev.Data.(*proto.Error); perr.Code != "not_found" {
		t.Fatalf("error code = %q, want not_found", perr.Code)
	}
}

func TestRevokeEvictsTarget(t *testing.T) {
	g, st := newTestGateway(t)
	alice := createUser(t, st, "alice")
	carol := createUser(t, st, "carol")

	a := connect(t, g, alice)
	c := connect(t, g, carol)
	joinChannel(t, g, a, "gophers", boolPtr(false))
	joinChannel(t, g, c, "gophers", nil)

	ns := proto.ChannelNamespace("gophers")
	submit(t, g, a, ns, proto.InRevokeUser, proto.TargetUserData{Username: "carol"})

	// The room hears about it; the target is told directly.
	revoked := mustEvent(t, a, proto.OutUserRevoked)
	if got := revoked.Data.(proto.UserRevokedData); got.User.ID != carol.ID || got.Reason != "revoked" {
		t.Fatalf("userRevoked = %+v, want carol revoked", got)
	}
	direct := mustEvent(t, c, proto.OutRevoked)
	if got := direct.Data.(proto.ChannelRef); got.Name != "gophers" {
		t.Fatalf("revoked ref = %+v, want gophers", got)
	}

	// Evicted: later room traffic never reaches carol.
	submit(t, g, a, ns, proto.InAddMessage, proto.AddMessageData{Content: "gone"})
	mustNoEvent(t, c, proto.OutMessage)
}

func TestKickVoteTallyThenRemoval(t *testing.T) {
	g, st := newTestGateway(t)
	alice := createUser(t, st, "alice")
	dave := createUser(t, st, "dave")
	voters := []*store.User{
		createUser(t, st, "bob"),
		createUser(t, st, "carol"),
		createUser(t, st, "erin"),
	}

	a := connect(t, g, alice)
	d := connect(t, g, dave)
	joinChannel(t, g, a, "gophers", boolPtr(false))
	joinChannel(t, g, d, "gophers", nil)

	sessions := make([]*Session, len(voters))
	for i, u := range voters {
		sessions[i] = connect(t, g, u)
		joinChannel(t, g, sessions[i], "gophers", nil)
	}

	ns := proto.ChannelNamespace("gophers")

	submit(t, g, sessions[0], ns, proto.InKickUser, proto.TargetUserData{Username: "dave"})
	tally := mustEvent(t, a, proto.OutUserKickVoted)
	if got := tally.Data.(proto.UserKickVotedData); got.Votes != 1 || got.VotesRemaining != 2 {
		t.Fatalf("first vote tally = %+v, want 1 of 3", got)
	}

	submit(t, g, sessions[1], ns, proto.InKickUser, proto.TargetUserData{Username: "dave"})
	tally = mustEvent(t, a, proto.OutUserKickVoted)
	if got := tally.Data.(proto.UserKickVotedData); got.Votes != 2 || got.VotesRemaining != 1 {
		t.Fatalf("second vote tally = %+v, want 2 of 3", got)
	}

	submit(t, g, sessions[2], ns, proto.InKickUser, proto.TargetUserData{Username: "dave"})
	removed := mustEvent(t, a, proto.OutUserRevoked)
	if got := removed.Data.(proto.UserRevokedData); got.User.ID != dave.ID || got.Reason != "kicked" {
		t.Fatalf("userRevoked = %+v, want dave kicked", got)
	}
	mustEvent(t, d, proto.OutRevoked)
}

func TestInviteReachesTargetOutsideRoom(t *testing.T) {
	g, st := newTestGateway(t)
	alice := createUser(t, st, "alice")
	bob := createUser(t, st, "bob")

	a := connect(t, g, alice)
	b := connect(t, g, bob)
	joinChannel(t, g, a, "secret", boolPtr(true))

	ns := proto.ChannelNamespace("secret")
	submit(t, g, a, ns, proto.InInviteUser, proto.TargetUserData{Username: "bob"})

	// The invitation travels over the root namespace.
	ev := mustEvent(t, b, proto.OutUserInvited)
	inv := ev.Data.(proto.UserInvitedData)
	if inv.Channel.Name != "secret" || inv.User.ID != bob.ID {
		t.Fatalf("userInvited = %+v, want secret for bob", inv)
	}
	if ev.Namespace != proto.NamespaceRoot {
		t.Fatalf("userInvited on ns %q, want root", ev.Namespace)
	}

	// The invited user can now enter.
	res := joinChannel(t, g, b, "secret", nil)
	if res.ChannelInfo.Name != "secret" {
		t.Fatalf("joined channel = %+v, want secret", res.ChannelInfo)
	}
}

func TestLeaveChannelSelf(t *testing.T) {
	g, st := newTestGateway(t)
	alice := createUser(t, st, "alice")
	bob := createUser(t, st, "bob")

	a := connect(t, g, alice)
	b := connect(t, g, bob)
	joinChannel(t, g, a, "gophers", boolPtr(false))
	joinChannel(t, g, b, "gophers", nil)

	ns := proto.ChannelNamespace("gophers")
	submit(t, g, b, ns, proto.InLeaveChannel, nil)

	left := mustEvent(t, b, proto.OutLeftChannel)
	if got := left.Data.(proto.ChannelRef); got.Name != "gophers" {
		t.Fatalf("leftChannel = %+v, want gophers", got)
	}
	ann := mustEvent(t, a, proto.OutUserRevoked)
	if got := ann.Data.(proto.UserRevokedData); got.Reason != "left" {
		t.Fatalf("reason = %q, want left", got.Reason)
	}

	// Out of the room: further traffic does not reach bob.
	submit(t, g, a, ns, proto.InAddMessage, proto.AddMessageData{Content: "bye"})
	mustNoEvent(t, b, proto.OutMessage)
}

func TestLeaveChannelOwnerDeletes(t *testing.T) {
	g, st := newTestGateway(t)
	alice := createUser(t, st, "alice")
	bob := createUser(t, st, "bob")

	a := connect(t, g, alice)
	b := connect(t, g, bob)
	joinChannel(t, g, a, "gophers", boolPtr(false))
	joinChannel(t, g, b, "gophers", nil)

	submit(t, g, a, proto.ChannelNamespace("gophers"), proto.InLeaveChannel, nil)

	mustEvent(t, a, proto.OutChannelDeleted)
	mustEvent(t, b, proto.OutChannelDeleted)
}

func TestUnknownEventReportsBadRequest(t *testing.T) {
	g, st := newTestGateway(t)
	alice := createUser(t, st, "alice")
	a := connect(t, g, alice)

	submit(t, g, a, proto.NamespaceRoot, "frobnicate", nil)

	ev := mustEvent(t, a, proto.OutError)
	if perr := ev.Data.(*proto.Error); perr.Code != ErrCodeBadRequest {
		t.Fatalf("error code = %q, want %q", perr.Code, ErrCodeBadRequest)
	}
}

func TestAnnouncementsChannelReadOnly(t *testing.T) {
	g, st := newTestGateway(t)
	alice := createUser(t, st, "alice")
	a := connect(t, g, alice)

	// Everyone may read the seeded announcements channel.
	res := joinChannel(t, g, a, "general", nil)
	if res.ChannelInfo.OwnerID != store.SystemUserID {
		t.Fatalf("general owner = %d, want system", res.ChannelInfo.OwnerID)
	}

	// But not write to it.
	submit(t, g, a, proto.ChannelNamespace("general"), proto.InAddMessage, proto.AddMessageData{Content: "hi"})
	ev := mustEvent(t, a, proto.OutError)
	if perr := ev.Data.(*proto.Error); perr.Code != "forbidden" {
		t.Fatalf("error code = %q, want forbidden", perr.Code)
	}
}
