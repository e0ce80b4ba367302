package moderation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pingchat/ping-server/internal/store"
)

// KickThreshold is the number of distinct voters required to remove a member.
const KickThreshold = 3

// MaxMessageLength caps persisted message content.
const MaxMessageLength = 512

// MaxChannelNameLength caps channel names.
const MaxChannelNameLength = 255

// Service governs channel membership: join/create, invite, revoke, vote-kick,
// leave and delete. The store is the single source of truth; vote counting and
// removal run inside one storage transaction.
type Service struct {
	store store.Store
}

// New creates a moderation service.
func New(st store.Store) *Service {
	return &Service{store: st}
}

// JoinResult reports what a join attempt did.
type JoinResult struct {
	Channel *store.Channel
	Created bool // channel was created, actor became owner
	Joined  bool // a new membership row was inserted
}

// JoinOrCreate joins the actor to the channel, creating it when absent.
// Creating requires an explicit privacy choice. Joining an existing private
// channel requires a prior invitation; banned users are rejected outright.
func (s *Service) JoinOrCreate(ctx context.Context, channelName string, userID int64, isPrivate *bool) (*JoinResult, error) {
	channelName = strings.TrimSpace(channelName)
	if channelName == "" || len(channelName) > MaxChannelNameLength {
		return nil, validationError("invalid channel name")
	}

	channel, err := s.store.GetChannelByName(ctx, channelName)
	if errors.Is(err, store.ErrNotFound) {
		if isPrivate == nil {
			return nil, validationError("channel does not exist; specify isPrivate to create it")
		}
		channel, err = s.store.CreateChannel(ctx, channelName, userID, *isPrivate)
		if err != nil {
			return nil, fmt.Errorf("create channel: %w", err)
		}
		return &JoinResult{Channel: channel, Created: true, Joined: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get channel: %w", err)
	}

	member, err := s.store.IsMember(ctx, channel.ID, userID)
	if err != nil {
		return nil, fmt.Errorf("check membership: %w", err)
	}
	if member {
		return &JoinResult{Channel: channel}, nil
	}

	banned, err := s.store.IsBanned(ctx, channel.ID, userID)
	if err != nil {
		return nil, fmt.Errorf("check ban: %w", err)
	}
	if banned {
		return nil, ErrBanned
	}

	if channel.IsPrivate {
		return nil, ErrAccessDenied
	}

	if err := s.store.AddMember(ctx, channel.ID, userID); err != nil {
		return nil, fmt.Errorf("add member: %w", err)
	}
	return &JoinResult{Channel: channel, Joined: true}, nil
}

// Invite adds the named user to the channel. For private channels only the
// owner may invite; for public channels any member may. A banned target may
// only be invited by the owner, which lifts the ban.
func (s *Service) Invite(ctx context.Context, channelName string, actorID int64, targetNickname string) (*store.Channel, *store.User, error) {
	channel, target, err := s.resolve(ctx, channelName, targetNickname)
	if err != nil {
		return nil, nil, err
	}
	if target.ID == actorID {
		return nil, nil, validationError("you cannot invite yourself")
	}

	actorMember, err := s.store.IsMember(ctx, channel.ID, actorID)
	if err != nil {
		return nil, nil, fmt.Errorf("check membership: %w", err)
	}
	if !actorMember {
		return nil, nil, ErrForbidden
	}
	if channel.IsPrivate && channel.OwnerID != actorID {
		return nil, nil, ErrForbidden
	}

	targetMember, err := s.store.IsMember(ctx, channel.ID, target.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("check membership: %w", err)
	}
	if targetMember {
		return nil, nil, ErrAlreadyMember
	}

	banned, err := s.store.IsBanned(ctx, channel.ID, target.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("check ban: %w", err)
	}
	if banned && channel.OwnerID != actorID {
		return nil, nil, ErrForbidden
	}

	// AddMember clears any ban row for the pair.
	if err := s.store.AddMember(ctx, channel.ID, target.ID); err != nil {
		return nil, nil, fmt.Errorf("add member: %w", err)
	}
	return channel, target, nil
}

// Revoke immediately removes the named member and bans them. Owner only; the
// owner cannot be revoked.
func (s *Service) Revoke(ctx context.Context, channelName string, actorID int64, targetNickname string) (*store.Channel, *store.User, error) {
	channel, target, err := s.resolve(ctx, channelName, targetNickname)
	if err != nil {
		return nil, nil, err
	}
	if target.ID == channel.OwnerID {
		return nil, nil, ErrCannotActOnOwner
	}
	if channel.OwnerID != actorID {
		return nil, nil, ErrForbidden
	}

	member, err := s.store.IsMember(ctx, channel.ID, target.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("check membership: %w", err)
	}
	if !member {
		return nil, nil, ErrNotMember
	}

	if err := s.store.RemoveMember(ctx, channel.ID, target.ID, true); err != nil {
		return nil, nil, fmt.Errorf("remove member: %w", err)
	}
	return channel, target, nil
}

// VoteKick casts the actor's vote against the named member. The third distinct
// vote removes and bans the target; earlier votes only advance the tally.
// Non-owner members only; the owner cannot be targeted.
func (s *Service) VoteKick(ctx context.Context, channelName string, actorID int64, targetNickname string) (*store.Channel, *store.User, *store.KickResult, error) {
	channel, target, err := s.resolve(ctx, channelName, targetNickname)
	if err != nil {
		return nil, nil, nil, err
	}
	if target.ID == channel.OwnerID {
		return nil, nil, nil, ErrCannotActOnOwner
	}
	if actorID == channel.OwnerID {
		// The owner removes members directly through revoke.
		return nil, nil, nil, ErrForbidden
	}
	if target.ID == actorID {
		return nil, nil, nil, validationError("you cannot vote to kick yourself")
	}

	actorMember, err := s.store.IsMember(ctx, channel.ID, actorID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("check membership: %w", err)
	}
	if !actorMember {
		return nil, nil, nil, ErrForbidden
	}

	targetMember, err := s.store.IsMember(ctx, channel.ID, target.ID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("check membership: %w", err)
	}
	if !targetMember {
		return nil, nil, nil, ErrNotMember
	}

	result, err := s.store.CastKickVote(ctx, channel.ID, actorID, target.ID, KickThreshold)
	if errors.Is(err, store.ErrDuplicateVote) {
		return nil, nil, nil, ErrAlreadyVoted
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("cast kick vote: %w", err)
	}
	return channel, target, result, nil
}

// Leave removes the actor from the channel. When the owner leaves the whole
// channel is deleted. Self-leave does not ban.
func (s *Service) Leave(ctx context.Context, channelName string, userID int64) (channel *store.Channel, ownerLeft bool, err error) {
	channel, err = s.store.GetChannelByName(ctx, channelName)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, ErrChannelNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("get channel: %w", err)
	}

	member, err := s.store.IsMember(ctx, channel.ID, userID)
	if err != nil {
		return nil, false, fmt.Errorf("check membership: %w", err)
	}
	if !member {
		return nil, false, ErrNotMember
	}

	if channel.OwnerID == userID {
		if err := s.store.DeleteChannel(ctx, channel.ID); err != nil {
			return nil, false, fmt.Errorf("delete channel: %w", err)
		}
		return channel, true, nil
	}

	if err := s.store.RemoveMember(ctx, channel.ID, userID, false); err != nil {
		return nil, false, fmt.Errorf("remove member: %w", err)
	}
	return channel, false, nil
}

// DeleteChannel removes the channel and all dependent rows. Owner only.
func (s *Service) DeleteChannel(ctx context.Context, channelName string, actorID int64) (*store.Channel, error) {
	channel, err := s.store.GetChannelByName(ctx, channelName)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrChannelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get channel: %w", err)
	}
	if channel.OwnerID != actorID {
		return nil, ErrForbidden
	}

	if err := s.store.DeleteChannel(ctx, channel.ID); err != nil {
		return nil, fmt.Errorf("delete channel: %w", err)
	}
	return channel, nil
}

// ListMembers returns the channel's members. The actor must be a member.
func (s *Service) ListMembers(ctx context.Context, channelName string, actorID int64) ([]*store.User, error) {
	channel, err := s.store.GetChannelByName(ctx, channelName)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrChannelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get channel: %w", err)
	}

	member, err := s.store.IsMember(ctx, channel.ID, actorID)
	if err != nil {
		return nil, fmt.Errorf("check membership: %w", err)
	}
	if !member {
		return nil, ErrAccessDenied
	}

	return s.store.ListMembers(ctx, channel.ID)
}

// ChannelSummary is a joined channel with its newest message, if any.
type ChannelSummary struct {
	Channel     *store.Channel
	LastMessage *store.Message
}

// ListChannels returns the channels the user belongs to, newest-first, each
// with its most recent message.
func (s *Service) ListChannels(ctx context.Context, userID int64) ([]*ChannelSummary, error) {
	channels, err := s.store.ListUserChannels(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}

	summaries := make([]*ChannelSummary, 0, len(channels))
	for _, ch := range channels {
		summary := &ChannelSummary{Channel: ch}
		last, err := s.store.LastMessage(ctx, ch.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("last message: %w", err)
		}
		if err == nil {
			summary.LastMessage = last
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// CanPost reports whether the user may post to the channel and returns it.
// Requires membership; the seeded announcements channel is read-only.
func (s *Service) CanPost(ctx context.Context, channelName string, userID int64) (*store.Channel, error) {
	channel, err := s.store.GetChannelByName(ctx, channelName)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrChannelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get channel: %w", err)
	}

	member, err := s.store.IsMember(ctx, channel.ID, userID)
	if err != nil {
		return nil, fmt.Errorf("check membership: %w", err)
	}
	if !member {
		return nil, ErrNotMember
	}
	if channel.OwnerID == store.SystemUserID && userID != store.SystemUserID {
		return nil, ErrForbidden
	}
	return channel, nil
}

// resolve loads the channel and the named user, mapping absences to domain
// errors.
func (s *Service) resolve(ctx context.Context, channelName, targetNickname string) (*store.Channel, *store.User, error) {
	channel, err := s.store.GetChannelByName(ctx, channelName)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, ErrChannelNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get channel: %w", err)
	}

	target, err := s.store.GetUserByNickname(ctx, strings.TrimSpace(targetNickname))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, ErrUserNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get user: %w", err)
	}

	return channel, target, nil
}
