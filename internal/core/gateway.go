package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/pingchat/ping-server/internal/proto"
	"github.com/pingchat/ping-server/internal/service/moderation"
	"github.com/pingchat/ping-server/internal/store"
)

// Error codes for protocol-level failures. Domain codes live in the
// moderation package.
const (
	ErrCodeBadRequest = "bad_request"
	ErrCodeInternal   = "internal_error"
)

// messagePageSize is how many messages one loadMessages call returns.
const messagePageSize = 30

// Command is one inbound client event bound to its originating session.
type Command struct {
	Session *Session
	Inbound proto.Inbound
}

type nsKind int

const (
	nsRoot nsKind = iota
	nsActivity
	nsChannel
	nsUnknown
)

type handlerKey struct {
	kind  nsKind
	event string
}

// handlerFunc processes one inbound event. channel is the channel name for
// channel-namespace events and empty otherwise. A returned error is reported
// to the acting connection only.
type handlerFunc func(ctx context.Context, s *Session, channel string, data json.RawMessage) error

// Gateway terminates inbound protocol events, validates preconditions,
// invokes the moderation engine and presence tracker, and fans events out to
// the right audiences. A single Run loop serializes all handlers, so room and
// presence mutations never race; storage transactions guard the vote path.
type Gateway struct {
	store    store.Store
	mod      *moderation.Service
	presence *Tracker
	rooms    *Router
	log      *zerolog.Logger

	register   chan *Session
	unregister chan *Session
	commands   chan *Command

	sessions map[*Session]struct{}
	handlers map[handlerKey]handlerFunc
}

// NewGateway wires a gateway over the given store. It fails if the dispatch
// table does not cover every inbound event.
func NewGateway(st store.Store, logger *zerolog.Logger) (*Gateway, error) {
	g := &Gateway{
		store:      st,
		mod:        moderation.New(st),
		presence:   NewTracker(),
		rooms:      NewRouter(),
		log:        logger,
		register:   make(chan *Session, 64),
		unregister: make(chan *Session, 64),
		commands:   make(chan *Command, 256),
		sessions:   make(map[*Session]struct{}),
	}

	g.handlers = map[handlerKey]handlerFunc{
		{nsRoot, proto.InLoadChannels}:     g.handleLoadChannels,
		{nsActivity, proto.InSetState}:     g.handleSetState,
		{nsChannel, proto.InLoadMessages}:  g.handleLoadMessages,
		{nsChannel, proto.InAddMessage}:    g.handleAddMessage,
		{nsChannel, proto.InTypingStart}:   g.handleTypingStart,
		{nsChannel, proto.InTypingStop}:    g.handleTypingStop,
		{nsChannel, proto.InListMembers}:   g.handleListMembers,
		{nsChannel, proto.InLeaveChannel}:  g.handleLeaveChannel,
		{nsChannel, proto.InDeleteChannel}: g.handleDeleteChannel,
		{nsChannel, proto.InRevokeUser}:    g.handleRevokeUser,
		{nsChannel, proto.InKickUser}:      g.handleKickUser,
		{nsChannel, proto.InInviteUser}:    g.handleInviteUser,
	}

	if err := g.validateHandlers(); err != nil {
		return nil, err
	}
	return g, nil
}

// validateHandlers checks the dispatch table covers the full inbound
// vocabulary and has no nil entries.
func (g *Gateway) validateHandlers() error {
	required := []handlerKey{
		{nsRoot, proto.InLoadChannels},
		{nsActivity, proto.InSetState},
		{nsChannel, proto.InLoadMessages},
		{nsChannel, proto.InAddMessage},
		{nsChannel, proto.InTypingStart},
		{nsChannel, proto.InTypingStop},
		{nsChannel, proto.InListMembers},
		{nsChannel, proto.InLeaveChannel},
		{nsChannel, proto.InDeleteChannel},
		{nsChannel, proto.InRevokeUser},
		{nsChannel, proto.InKickUser},
		{nsChannel, proto.InInviteUser},
	}
	for _, key := range required {
		if g.handlers[key] == nil {
			return fmt.Errorf("no handler registered for %q", key.event)
		}
	}
	return nil
}

// RegisterSession hands a newly authenticated connection to the gateway.
func (g *Gateway) RegisterSession(s *Session) {
	g.register <- s
}

// UnregisterSession tears the connection down. Safe to call once per session;
// repeated calls are ignored by the loop.
func (g *Gateway) UnregisterSession(s *Session) {
	g.unregister <- s
}

// Submit queues an inbound event for dispatch.
func (g *Gateway) Submit(cmd *Command) {
	g.commands <- cmd
}

// Run processes registrations, disconnects and inbound events until the
// context is canceled. Events from one connection arrive in order because the
// read loop submits them sequentially.
func (g *Gateway) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-g.register:
			g.handleConnect(ctx, s)
		case s := <-g.unregister:
			g.handleDisconnect(s)
		case cmd := <-g.commands:
			g.dispatch(ctx, cmd)
		}
	}
}

// userRoom is the implicit self room grouping all connections of one user.
func userRoom(userID int64) string {
	return fmt.Sprintf("user:%d", userID)
}

func (g *Gateway) handleConnect(ctx context.Context, s *Session) {
	g.sessions[s] = struct{}{}
	g.rooms.Join(userRoom(s.UserID), s)

	if first := g.presence.OnConnect(s.UserID); first {
		g.broadcastAll(&Event{
			Namespace: proto.NamespaceActivity,
			Name:      proto.OutUserOnline,
			Data:      proto.User{ID: s.UserID, Nickname: s.Nickname},
		})
	}

	// One-time snapshot of everyone else currently visible.
	visible := g.presence.ListVisible(s.UserID, MoodDND)
	users := make([]proto.UserState, 0, len(visible))
	for _, userID := range visible {
		u, err := g.store.GetUserByID(ctx, userID)
		if err != nil {
			g.log.Warn().Err(err).Int64("user_id", userID).Msg("presence snapshot lookup failed")
			continue
		}
		users = append(users, proto.UserState{
			ID:       u.ID,
			Nickname: u.Nickname,
			State:    string(g.presence.Mood(u.ID)),
		})
	}
	s.send(&Event{Namespace: proto.NamespaceActivity, Name: proto.OutUserList, Data: users})

	g.log.Debug().Str("session_id", s.ID).Int64("user_id", s.UserID).Msg("session registered")
}

func (g *Gateway) handleDisconnect(s *Session) {
	if _, ok := g.sessions[s]; !ok {
		return
	}
	delete(g.sessions, s)
	g.rooms.LeaveAll(s)

	if last := g.presence.OnDisconnect(s.UserID); last {
		g.broadcastAll(&Event{
			Namespace: proto.NamespaceActivity,
			Name:      proto.OutUserOffline,
			Data:      proto.User{ID: s.UserID, Nickname: s.Nickname},
		})
	}

	g.log.Debug().Str("session_id", s.ID).Int64("user_id", s.UserID).Msg("session unregistered")
}

// broadcastAll delivers an event to every connected session.
func (g *Gateway) broadcastAll(ev *Event) {
	for s := range g.sessions {
		s.send(ev)
	}
}

// sendToUser delivers an event to every connection of one user via the self
// room. This reaches users that are not subscribed to the originating channel
// namespace.
func (g *Gateway) sendToUser(userID int64, ev *Event) {
	g.rooms.Broadcast(userRoom(userID), ev, nil)
}

func parseNamespace(ns string) (nsKind, string) {
	switch {
	case ns == proto.NamespaceRoot:
		return nsRoot, ""
	case ns == proto.NamespaceActivity:
		return nsActivity, ""
	default:
		if name, ok := proto.ChannelFromNamespace(ns); ok {
			return nsChannel, name
		}
		return nsUnknown, ""
	}
}

func (g *Gateway) dispatch(ctx context.Context, cmd *Command) {
	s := cmd.Session
	if _, ok := g.sessions[s]; !ok {
		// Connection already torn down; a late command must not resurrect it.
		return
	}

	kind, channel := parseNamespace(cmd.Inbound.Namespace)
	handler, ok := g.handlers[handlerKey{kind, cmd.Inbound.Event}]
	if !ok {
		g.sendError(s, cmd.Inbound, &proto.Error{Code: ErrCodeBadRequest, Message: "unknown event"})
		return
	}

	if err := handler(ctx, s, channel, cmd.Inbound.Data); err != nil {
		g.reportError(s, cmd.Inbound, err)
	}
}

// reportError converts a handler error into a single-recipient error event.
// Domain errors keep their code; everything else is logged and reported as
// internal.
func (g *Gateway) reportError(s *Session, in proto.Inbound, err error) {
	var domainErr *moderation.Error
	if errors.As(err, &domainErr) {
		g.sendError(s, in, &proto.Error{Code: domainErr.Code, Message: domainErr.Message})
		return
	}

	g.log.Error().Err(err).
		Str("session_id", s.ID).
		Str("event", in.Event).
		Str("ns", in.Namespace).
		Msg("handler failed")
	g.sendError(s, in, &proto.Error{Code: ErrCodeInternal, Message: "internal server error"})
}

func (g *Gateway) sendError(s *Session, in proto.Inbound, perr *proto.Error) {
	name := proto.OutError
	if in.Event == proto.InLoadMessages {
		name = proto.OutMessagesError
	}
	s.send(&Event{Namespace: in.Namespace, Name: name, Data: perr})
}

// ==== root namespace ====

func (g *Gateway) handleLoadChannels(ctx context.Context, s *Session, _ string, _ json.RawMessage) error {
	summaries, err := g.mod.ListChannels(ctx, s.UserID)
	if err != nil {
		return err
	}

	out := make([]proto.ChannelSummary, 0, len(summaries))
	for _, sum := range summaries {
		cs := proto.ChannelSummary{ChannelInfo: proto.ChannelInfoFromStore(sum.Channel)}
		if sum.LastMessage != nil {
			m := proto.MessageFromStore(sum.LastMessage)
			cs.LastMessage = &m
		}
		out = append(out, cs)
	}

	s.send(&Event{Namespace: proto.NamespaceRoot, Name: proto.OutChannelList, Data: out})
	return nil
}

// ==== activity namespace ====

func (g *Gateway) handleSetState(_ context.Context, s *Session, _ string, data json.RawMessage) error {
	var req proto.SetStateData
	if err := json.Unmarshal(data, &req); err != nil {
		return &moderation.Error{Code: ErrCodeBadRequest, Message: "malformed state payload"}
	}
	mood := Mood(req.State)
	if !ValidMood(mood) {
		return &moderation.Error{Code: ErrCodeBadRequest, Message: "state must be online, offline or dnd"}
	}

	g.presence.SetMood(s.UserID, mood)
	g.broadcastAll(&Event{
		Namespace: proto.NamespaceActivity,
		Name:      proto.OutUserStateChange,
		Data:      proto.UserState{ID: s.UserID, Nickname: s.Nickname, State: req.State},
	})
	return nil
}

// ==== channel namespaces ====

func (g *Gateway) handleLoadMessages(ctx context.Context, s *Session, channel string, data json.RawMessage) error {
	var req proto.LoadMessagesData
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			return &moderation.Error{Code: ErrCodeBadRequest, Message: "malformed loadMessages payload"}
		}
	}

	res, err := g.mod.JoinOrCreate(ctx, channel, s.UserID, req.IsPrivate)
	if err != nil {
		return err
	}

	room := proto.ChannelNamespace(channel)
	g.rooms.Join(room, s)

	if res.Created {
		welcome := fmt.Sprintf("Welcome to %s! This channel was created by %s.", res.Channel.Name, s.Nickname)
		if _, err := g.store.CreateMessage(ctx, res.Channel.ID, store.SystemUserID, welcome); err != nil {
			return fmt.Errorf("create welcome message: %w", err)
		}
	} else if res.Joined {
		// The sender sees the join message in the page below; the room sees
		// it live, along with the membership notification.
		if err := g.systemMessage(ctx, room, res.Channel.ID, s.Nickname+" joined the channel", s); err != nil {
			return err
		}
		g.rooms.Broadcast(room, &Event{
			Namespace: room,
			Name:      proto.OutUserJoined,
			Data:      proto.UserJoinedData{User: proto.User{ID: s.UserID, Nickname: s.Nickname}},
		}, nil)
	}

	messages, err := g.store.ListMessages(ctx, res.Channel.ID, req.MessageID, messagePageSize)
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}

	s.send(&Event{
		Namespace: room,
		Name:      proto.OutMessages,
		Data: proto.MessagesResponse{
			Messages:    proto.MessagesFromStore(messages),
			ChannelInfo: proto.ChannelInfoFromStore(res.Channel),
		},
	})
	return nil
}

func (g *Gateway) handleAddMessage(ctx context.Context, s *Session, channel string, data json.RawMessage) error {
	var req proto.AddMessageData
	if err := json.Unmarshal(data, &req); err != nil {
		return &moderation.Error{Code: ErrCodeBadRequest, Message: "malformed message payload"}
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return &moderation.Error{Code: moderation.CodeValidation, Message: "message content is required"}
	}
	if len(content) > moderation.MaxMessageLength {
		return &moderation.Error{Code: moderation.CodeValidation, Message: "message content is too long"}
	}

	ch, err := g.mod.CanPost(ctx, channel, s.UserID)
	if err != nil {
		return err
	}

	msg, err := g.store.CreateMessage(ctx, ch.ID, s.UserID, content)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}

	room := proto.ChannelNamespace(channel)
	ev := &Event{Namespace: room, Name: proto.OutMessage, Data: proto.MessageFromStore(msg)}
	s.send(ev)
	g.rooms.Broadcast(room, ev, s)
	return nil
}

func (g *Gateway) handleTypingStart(_ context.Context, s *Session, channel string, data json.RawMessage) error {
	var req proto.TypingData
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			return &moderation.Error{Code: ErrCodeBadRequest, Message: "malformed typing payload"}
		}
	}

	room := proto.ChannelNamespace(channel)
	g.rooms.Broadcast(room, &Event{
		Namespace: room,
		Name:      proto.OutTypingStart,
		Data: proto.TypingEvent{
			User:    proto.User{ID: s.UserID, Nickname: s.Nickname},
			Content: req.Content,
		},
	}, s)
	return nil
}

func (g *Gateway) handleTypingStop(_ context.Context, s *Session, channel string, _ json.RawMessage) error {
	room := proto.ChannelNamespace(channel)
	g.rooms.Broadcast(room, &Event{
		Namespace: room,
		Name:      proto.OutTypingStop,
		Data:      proto.TypingEvent{User: proto.User{ID: s.UserID, Nickname: s.Nickname}},
	}, s)
	return nil
}

func (g *Gateway) handleListMembers(ctx context.Context, s *Session, channel string, _ json.RawMessage) error {
	members, err := g.mod.ListMembers(ctx, channel, s.UserID)
	if err != nil {
		return err
	}

	out := make([]proto.User, 0, len(members))
	for _, u := range members {
		out = append(out, proto.UserFromStore(u))
	}

	s.send(&Event{
		Namespace: proto.ChannelNamespace(channel),
		Name:      proto.OutChannelMembers,
		Data:      proto.MembersData{Members: out},
	})
	return nil
}

func (g *Gateway) handleLeaveChannel(ctx context.Context, s *Session, channel string, _ json.RawMessage) error {
	ch, ownerLeft, err := g.mod.Leave(ctx, channel, s.UserID)
	if err != nil {
		return err
	}

	room := proto.ChannelNamespace(channel)
	if ownerLeft {
		g.finishChannelDelete(room, ch, s)
		return nil
	}

	if err := g.systemMessage(ctx, room, ch.ID, s.Nickname+" left the channel", s); err != nil {
		return err
	}
	g.rooms.Broadcast(room, &Event{
		Namespace: room,
		Name:      proto.OutUserRevoked,
		Data: proto.UserRevokedData{
			User:   proto.User{ID: s.UserID, Nickname: s.Nickname},
			Reason: "left",
		},
	}, s)

	left := &Event{Namespace: room, Name: proto.OutLeftChannel, Data: proto.ChannelRef{Name: ch.Name}}
	s.send(left)
	// Every other connection of the same user leaves the room as well.
	for _, evicted := range g.rooms.EvictUser(room, s.UserID) {
		if evicted != s {
			evicted.send(left)
		}
	}
	return nil
}

func (g *Gateway) handleDeleteChannel(ctx context.Context, s *Session, channel string, _ json.RawMessage) error {
	ch, err := g.mod.DeleteChannel(ctx, channel, s.UserID)
	if err != nil {
		return err
	}
	g.finishChannelDelete(proto.ChannelNamespace(channel), ch, s)
	return nil
}

// finishChannelDelete notifies the actor and the room, then drops the room so
// no further events reach former members.
func (g *Gateway) finishChannelDelete(room string, ch *store.Channel, actor *Session) {
	ev := &Event{Namespace: room, Name: proto.OutChannelDeleted, Data: proto.ChannelRef{Name: ch.Name}}
	actor.send(ev)
	g.rooms.Broadcast(room, ev, actor)
	g.rooms.Drop(room)
}

func (g *Gateway) handleRevokeUser(ctx context.Context, s *Session, channel string, data json.RawMessage) error {
	var req proto.TargetUserData
	if err := json.Unmarshal(data, &req); err != nil {
		return &moderation.Error{Code: ErrCodeBadRequest, Message: "malformed revoke payload"}
	}

	ch, target, err := g.mod.Revoke(ctx, channel, s.UserID, req.Username)
	if err != nil {
		return err
	}

	room := proto.ChannelNamespace(channel)
	if err := g.systemMessage(ctx, room, ch.ID, target.Nickname+" was revoked by the owner", nil); err != nil {
		return err
	}
	g.removeFromRoom(room, ch, target, "revoked")
	return nil
}

func (g *Gateway) handleKickUser(ctx context.Context, s *Session, channel string, data json.RawMessage) error {
	var req proto.TargetUserData
	if err := json.Unmarshal(data, &req); err != nil {
		return &moderation.Error{Code: ErrCodeBadRequest, Message: "malformed kick payload"}
	}

	ch, target, result, err := g.mod.VoteKick(ctx, channel, s.UserID, req.Username)
	if err != nil {
		return err
	}

	room := proto.ChannelNamespace(channel)
	if result.Removed {
		if err := g.systemMessage(ctx, room, ch.ID, target.Nickname+" was kicked by vote", nil); err != nil {
			return err
		}
		g.removeFromRoom(room, ch, target, "kicked")
		return nil
	}

	remaining := moderation.KickThreshold - result.Votes
	text := fmt.Sprintf("Vote to kick %s: %d of %d (%d more needed)",
		target.Nickname, result.Votes, moderation.KickThreshold, remaining)
	if err := g.systemMessage(ctx, room, ch.ID, text, nil); err != nil {
		return err
	}
	g.rooms.Broadcast(room, &Event{
		Namespace: room,
		Name:      proto.OutUserKickVoted,
		Data: proto.UserKickVotedData{
			User:           proto.UserFromStore(target),
			Votes:          result.Votes,
			VotesRemaining: remaining,
		},
	}, nil)
	return nil
}

func (g *Gateway) handleInviteUser(ctx context.Context, s *Session, channel string, data json.RawMessage) error {
	var req proto.TargetUserData
	if err := json.Unmarshal(data, &req); err != nil {
		return &moderation.Error{Code: ErrCodeBadRequest, Message: "malformed invite payload"}
	}

	ch, target, err := g.mod.Invite(ctx, channel, s.UserID, req.Username)
	if err != nil {
		return err
	}

	room := proto.ChannelNamespace(channel)
	if err := g.systemMessage(ctx, room, ch.ID, target.Nickname+" was invited by "+s.Nickname, nil); err != nil {
		return err
	}
	g.rooms.Broadcast(room, &Event{
		Namespace: room,
		Name:      proto.OutUserJoined,
		Data:      proto.UserJoinedData{User: proto.UserFromStore(target)},
	}, nil)

	// The invited user is not subscribed to the room yet, so the invitation
	// travels over the root namespace to all of their connections.
	g.sendToUser(target.ID, &Event{
		Namespace: proto.NamespaceRoot,
		Name:      proto.OutUserInvited,
		Data: proto.UserInvitedData{
			Channel: proto.ChannelInfoFromStore(ch),
			User:    proto.UserFromStore(target),
		},
	})
	return nil
}

// removeFromRoom announces the removal, tells the target directly over the
// root namespace, and evicts the target's connections from the room so a
// removed member cannot keep listening.
func (g *Gateway) removeFromRoom(room string, ch *store.Channel, target *store.User, reason string) {
	g.rooms.Broadcast(room, &Event{
		Namespace: room,
		Name:      proto.OutUserRevoked,
		Data: proto.UserRevokedData{
			User:   proto.UserFromStore(target),
			Reason: reason,
		},
	}, nil)

	g.sendToUser(target.ID, &Event{
		Namespace: proto.NamespaceRoot,
		Name:      proto.OutRevoked,
		Data:      proto.ChannelRef{Name: ch.Name},
	})

	g.rooms.EvictUser(room, target.ID)
}

// systemMessage persists a system-authored announcement and broadcasts it to
// the room, optionally excluding one session.
func (g *Gateway) systemMessage(ctx context.Context, room string, channelID int64, text string, exclude *Session) error {
	msg, err := g.store.CreateMessage(ctx, channelID, store.SystemUserID, text)
	if err != nil {
		return fmt.Errorf("create system message: %w", err)
	}
	g.rooms.Broadcast(room, &Event{Namespace: room, Name: proto.OutMessage, Data: proto.MessageFromStore(msg)}, exclude)
	return nil
}
