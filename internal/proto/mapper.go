package proto

import (
	"time"

	"github.com/pingchat/ping-server/internal/store"
)

// UserFromStore maps a stored user to its wire shape.
func UserFromStore(u *store.User) User {
	return User{ID: u.ID, Nickname: u.Nickname}
}

// ChannelInfoFromStore maps a stored channel to its wire shape.
func ChannelInfoFromStore(c *store.Channel) ChannelInfo {
	return ChannelInfo{
		ID:        c.ID,
		Name:      c.Name,
		OwnerID:   c.OwnerID,
		IsPrivate: c.IsPrivate,
	}
}

// MessageFromStore maps a stored message to its wire shape.
func MessageFromStore(m *store.Message) Message {
	msg := Message{
		ID:        m.ID,
		Content:   m.Content,
		ChannelID: m.ChannelID,
		UserID:    m.UserID,
		CreatedAt: m.CreatedAt.Format(time.RFC3339),
		UpdatedAt: m.UpdatedAt.Format(time.RFC3339),
	}
	if m.Author != nil {
		msg.Author = UserFromStore(m.Author)
	}
	return msg
}

// MessagesFromStore maps a message slice, preserving order.
func MessagesFromStore(ms []*store.Message) []Message {
	out := make([]Message, 0, len(ms))
	for _, m := range ms {
		out = append(out, MessageFromStore(m))
	}
	return out
}
