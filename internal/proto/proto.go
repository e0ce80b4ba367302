package proto

import (
	"encoding/json"
	"strings"
)

// Namespaces partition one socket into logical channels, each with its own
// event vocabulary: the root namespace, the activity (presence) namespace and
// one namespace per chat channel.
const (
	NamespaceRoot     = ""
	NamespaceActivity = "activity"

	channelNamespacePrefix = "channels/"
)

// ChannelNamespace returns the namespace for the named channel.
func ChannelNamespace(channelName string) string {
	return channelNamespacePrefix + channelName
}

// ChannelFromNamespace extracts the channel name from a channel namespace.
func ChannelFromNamespace(ns string) (string, bool) {
	if !strings.HasPrefix(ns, channelNamespacePrefix) {
		return "", false
	}
	name := ns[len(channelNamespacePrefix):]
	return name, name != ""
}

// Inbound client events.
const (
	InLoadChannels  = "loadChannels"
	InSetState      = "user:setState"
	InLoadMessages  = "loadMessages"
	InAddMessage    = "addMessage"
	InTypingStart   = "typing:start"
	InTypingStop    = "typing:stop"
	InListMembers   = "listMembers"
	InLeaveChannel  = "leaveChannel"
	InDeleteChannel = "deleteChannel"
	InRevokeUser    = "revokeUser"
	InKickUser      = "kickUser"
	InInviteUser    = "inviteUser"
)

// Outbound server events.
const (
	OutUserOnline      = "user:online"
	OutUserOffline     = "user:offline"
	OutUserList        = "user:list"
	OutUserStateChange = "user:stateChange"
	OutChannelList     = "loadChannels:response"
	OutMessages        = "loadMessages:response"
	OutMessagesError   = "loadMessages:error"
	OutMessage         = "message"
	OutTypingStart     = "typing:start"
	OutTypingStop      = "typing:stop"
	OutChannelMembers  = "channelMembers"
	OutUserJoined      = "userJoined"
	OutUserInvited     = "userInvited"
	OutUserRevoked     = "userRevoked"
	OutUserKickVoted   = "userKickVoted"
	OutChannelDeleted  = "channelDeleted"
	OutLeftChannel     = "leftChannel"
	OutRevoked         = "revoked"
	OutError           = "error"
)

// Inbound is the envelope for events coming from the client.
type Inbound struct {
	Namespace string          `json:"ns"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Outbound is the envelope for events sent to the client.
type Outbound struct {
	Namespace string `json:"ns"`
	Event     string `json:"event"`
	Data      any    `json:"data,omitempty"`
}

// Error describes a domain or protocol error reported to one connection.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// User identifies a user on the wire.
type User struct {
	ID       int64  `json:"id"`
	Nickname string `json:"nickname"`
}

// UserState pairs a user with their presence state.
type UserState struct {
	ID       int64  `json:"userId"`
	Nickname string `json:"nickname,omitempty"`
	State    string `json:"state"`
}

// ChannelInfo describes a channel.
type ChannelInfo struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	OwnerID   int64  `json:"ownerId"`
	IsPrivate bool   `json:"isPrivate"`
}

// ChannelSummary is a joined channel with its newest message.
type ChannelSummary struct {
	ChannelInfo
	LastMessage *Message `json:"lastMessage,omitempty"`
}

// Message is a chat message on the wire.
type Message struct {
	ID        int64  `json:"id"`
	Content   string `json:"content"`
	ChannelID int64  `json:"channelId"`
	UserID    int64  `json:"userId"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
	Author    User   `json:"author"`
}

// SetStateData carries a presence state change request.
type SetStateData struct {
	State string `json:"state"`
}

// LoadMessagesData requests a page of messages. IsPrivate is only honored
// when the request implicitly creates the channel.
type LoadMessagesData struct {
	MessageID *int64 `json:"messageId,omitempty"`
	IsPrivate *bool  `json:"isPrivate,omitempty"`
}

// AddMessageData carries new message content.
type AddMessageData struct {
	Content string `json:"content"`
}

// TypingData carries a live typing preview.
type TypingData struct {
	Content string `json:"content,omitempty"`
}

// TargetUserData names the user an invite/kick/revoke acts on.
type TargetUserData struct {
	Username string `json:"username"`
}

// MessagesResponse answers loadMessages.
type MessagesResponse struct {
	Messages    []Message   `json:"messages"`
	ChannelInfo ChannelInfo `json:"channelInfo"`
}

// MembersData answers listMembers.
type MembersData struct {
	Members []User `json:"members"`
}

// TypingEvent is broadcast to other room members while a user types.
type TypingEvent struct {
	User    User   `json:"user"`
	Content string `json:"content,omitempty"`
}

// UserJoinedData announces a new room member.
type UserJoinedData struct {
	User User `json:"user"`
}

// UserInvitedData tells an invited user which channel now includes them.
type UserInvitedData struct {
	Channel ChannelInfo `json:"channel"`
	User    User        `json:"user"`
}

// UserRevokedData announces a member removal to the room.
type UserRevokedData struct {
	User   User   `json:"user"`
	Reason string `json:"reason"` // "revoked", "kicked" or "left"
}

// UserKickVotedData announces a running kick tally.
type UserKickVotedData struct {
	User           User `json:"user"`
	Votes          int  `json:"votes"`
	VotesRemaining int  `json:"votesRemaining"`
}

// ChannelRef names a channel in removal notifications.
type ChannelRef struct {
	Name string `json:"name"`
}
