package store

import (
	"context"
	"errors"
	"time"
)

// SystemUserID authors welcome and moderation announcements.
const SystemUserID int64 = -1

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateVote is returned when a voter already voted against the same target.
var ErrDuplicateVote = errors.New("duplicate kick vote")

// User represents a registered account.
type User struct {
	ID           int64     `db:"id"`
	Email        string    `db:"email"`
	Nickname     string    `db:"nickname"`
	Name         string    `db:"name"`
	PasswordHash string    `db:"password_hash"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// Channel represents a chat channel. Every channel has exactly one owner,
// who is always a member.
type Channel struct {
	ID        int64     `db:"id"`
	Name      string    `db:"name"`
	OwnerID   int64     `db:"owner_id"`
	IsPrivate bool      `db:"is_private"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Membership ties a user to a channel. A user is a member of a channel
// iff a membership row exists for the pair.
type Membership struct {
	ChannelID int64     `db:"channel_id"`
	UserID    int64     `db:"user_id"`
	KickVotes int       `db:"kick_votes"`
	JoinedAt  time.Time `db:"joined_at"`
}

// Message represents a persisted chat message. System-authored messages
// use SystemUserID.
type Message struct {
	ID        int64     `db:"id"`
	Content   string    `db:"content"`
	ChannelID int64     `db:"channel_id"`
	UserID    int64     `db:"user_id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
	Author    *User     `db:"-"`
}

// KickResult reports the outcome of casting a kick vote.
type KickResult struct {
	Votes   int  // distinct voters against the target after this vote
	Removed bool // membership was deleted because the threshold was reached
}

// UserStore handles user persistence.
type UserStore interface {
	// CreateUser creates a new user with hashed password.
	CreateUser(ctx context.Context, email, nickname, name, passwordHash string) (*User, error)

	// GetUserByID retrieves a user by ID.
	GetUserByID(ctx context.Context, id int64) (*User, error)

	// GetUserByNickname retrieves a user by nickname.
	GetUserByNickname(ctx context.Context, nickname string) (*User, error)

	// GetUserByEmail retrieves a user by email.
	GetUserByEmail(ctx context.Context, email string) (*User, error)
}

// ChannelStore handles channel persistence.
type ChannelStore interface {
	// CreateChannel creates a channel and inserts the owner as its first member.
	CreateChannel(ctx context.Context, name string, ownerID int64, isPrivate bool) (*Channel, error)

	// GetChannelByName retrieves a channel by its unique name.
	GetChannelByName(ctx context.Context, name string) (*Channel, error)

	// ListUserChannels lists channels the user is a member of.
	ListUserChannels(ctx context.Context, userID int64) ([]*Channel, error)

	// DeleteChannel removes the channel; memberships, kick votes, bans and
	// messages cascade.
	DeleteChannel(ctx context.Context, channelID int64) error

	// DeleteInactiveChannels removes channels whose newest message is older
	// than the cutoff. Channels without messages are kept. Returns the names
	// of deleted channels.
	DeleteInactiveChannels(ctx context.Context, cutoff time.Time) ([]string, error)
}

// MembershipStore handles memberships, kick votes and bans.
type MembershipStore interface {
	// AddMember inserts a membership with zero kick votes and clears any ban.
	AddMember(ctx context.Context, channelID, userID int64) error

	// RemoveMember deletes the membership and purges kick votes referencing
	// the user as voter or target. If ban is true a ban row is inserted.
	RemoveMember(ctx context.Context, channelID, userID int64, ban bool) error

	// IsMember reports whether a membership row exists.
	IsMember(ctx context.Context, channelID, userID int64) (bool, error)

	// ListMembers lists users that are members of the channel.
	ListMembers(ctx context.Context, channelID int64) ([]*User, error)

	// IsBanned reports whether the user is banned from the channel.
	IsBanned(ctx context.Context, channelID, userID int64) (bool, error)

	// CastKickVote records a vote by voterID against targetID as one
	// transaction: it fails with ErrDuplicateVote if this voter already voted
	// against the target, recounts distinct voters, and if the count reaches
	// threshold deletes the membership, purges the target's votes and inserts
	// a ban.
	CastKickVote(ctx context.Context, channelID, voterID, targetID int64, threshold int) (*KickResult, error)

	// CountKickVotes returns the number of distinct voters against the target.
	CountKickVotes(ctx context.Context, channelID, targetID int64) (int, error)
}

// MessageStore handles message persistence.
type MessageStore interface {
	// CreateMessage persists a message and returns it with the author loaded.
	CreateMessage(ctx context.Context, channelID, userID int64, content string) (*Message, error)

	// ListMessages returns up to limit messages oldest-first. When beforeID
	// is set, only messages older than it are returned.
	ListMessages(ctx context.Context, channelID int64, beforeID *int64, limit int) ([]*Message, error)

	// LastMessage returns the newest message of the channel, or ErrNotFound.
	LastMessage(ctx context.Context, channelID int64) (*Message, error)
}

// Store aggregates all storage interfaces.
type Store interface {
	UserStore
	ChannelStore
	MembershipStore
	MessageStore

	// Close closes the underlying database connection.
	Close() error
}
