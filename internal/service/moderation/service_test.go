package moderation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pingchat/ping-server/internal/store"
	"github.com/pingchat/ping-server/internal/store/sqlite"
)

func newTestService(t *testing.T) (*Service, store.Store) {
	t.Helper()

	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	return New(st), st
}

func createUser(t *testing.T, st store.Store, nickname string) *store.User {
	t.Helper()

	u, err := st.CreateUser(context.Background(), nickname+"@example.com", nickname, nickname, "hash")
	require.NoError(t, err)
	return u
}

func boolPtr(b bool) *bool { return &b }

func TestJoinOrCreate_CreatesChannelWithOwnerMember(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	owner := createUser(t, st, "alice")

	res, err := svc.JoinOrCreate(ctx, "gophers", owner.ID, boolPtr(false))
	require.NoError(t, err)
	require.True(t, res.Created)
	require.True(t, res.Joined)
	require.Equal(t, owner.ID, res.Channel.OwnerID)

	member, err := st.IsMember(ctx, res.Channel.ID, owner.ID)
	require.NoError(t, err)
	require.True(t, member)
}

func TestJoinOrCreate_RequiresPrivacyChoiceToCreate(t *testing.T) {
	svc, st := newTestService(t)
	owner := createUser(t, st, "alice")

	_, err := svc.JoinOrCreate(context.Background(), "ghost", owner.ID, nil)
	var domainErr *Error
	require.ErrorAs(t, err, &domainErr)
	require.Equal(t, CodeValidation, domainErr.Code)
}

func TestJoinOrCreate_PrivateChannelNeedsInvite(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	owner := createUser(t, st, "alice")
	intruder := createUser(t, st, "mallory")

	_, err := svc.JoinOrCreate(ctx, "secret", owner.ID, boolPtr(true))
	require.NoError(t, err)

	_, err = svc.JoinOrCreate(ctx, "secret", intruder.ID, nil)
	require.ErrorIs(t, err, ErrAccessDenied)
}

func TestJoinOrCreate_PublicChannelJoins(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	owner := createUser(t, st, "alice")
	bob := createUser(t, st, "bob")

	res, err := svc.JoinOrCreate(ctx, "gophers", owner.ID, boolPtr(false))
	require.NoError(t, err)

	joined, err := svc.JoinOrCreate(ctx, "gophers", bob.ID, nil)
	require.NoError(t, err)
	require.False(t, joined.Created)
	require.True(t, joined.Joined)

	// A second join is a no-op, not an error.
	again, err := svc.JoinOrCreate(ctx, "gophers", bob.ID, nil)
	require.NoError(t, err)
	require.False(t, again.Joined)

	member, err := st.IsMember(ctx, res.Channel.ID, bob.ID)
	require.NoError(t, err)
	require.True(t, member)
}

func TestInvite_Rules(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	owner := createUser(t, st, "alice")
	bob := createUser(t, st, "bob")
	createUser(t, st, "carol")

	_, err := svc.JoinOrCreate(ctx, "secret", owner.ID, boolPtr(true))
	require.NoError(t, err)

	// Outsiders cannot invite.
	_, _, err = svc.Invite(ctx, "secret", bob.ID, "carol")
	require.ErrorIs(t, err, ErrForbidden)

	// Owner invites bob into the private channel.
	_, _, err = svc.Invite(ctx, "secret", owner.ID, "bob")
	require.NoError(t, err)

	// Non-owner members cannot invite into a private channel.
	_, _, err = svc.Invite(ctx, "secret", bob.ID, "carol")
	require.ErrorIs(t, err, ErrForbidden)

	// Duplicate invite.
	_, _, err = svc.Invite(ctx, "secret", owner.ID, "bob")
	require.ErrorIs(t, err, ErrAlreadyMember)

	// Any member may invite into a public channel.
	_, err = svc.JoinOrCreate(ctx, "open", owner.ID, boolPtr(false))
	require.NoError(t, err)
	_, err = svc.JoinOrCreate(ctx, "open", bob.ID, nil)
	require.NoError(t, err)
	_, _, err = svc.Invite(ctx, "open", bob.ID, "carol")
	require.NoError(t, err)
}

func TestVoteKick_ThresholdRemovesAndBans(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	owner := createUser(t, st, "alice")
	target := createUser(t, st, "dave")
	voters := []*store.User{
		createUser(t, st, "bob"),
		createUser(t, st, "carol"),
		createUser(t, st, "erin"),
	}

	res, err := svc.JoinOrCreate(ctx, "gophers", owner.ID, boolPtr(false))
	require.NoError(t, err)
	for _, u := range append(voters, target) {
		_, err = svc.JoinOrCreate(ctx, "gophers", u.ID, nil)
		require.NoError(t, err)
	}

	_, _, first, err := svc.VoteKick(ctx, "gophers", voters[0].ID, "dave")
	require.NoError(t, err)
	require.Equal(t, 1, first.Votes)
	require.False(t, first.Removed)

	// A duplicate vote fails harmlessly.
	_, _, _, err = svc.VoteKick(ctx, "gophers", voters[0].ID, "dave")
	require.ErrorIs(t, err, ErrAlreadyVoted)

	_, _, second, err := svc.VoteKick(ctx, "gophers", voters[1].ID, "dave")
	require.NoError(t, err)
	require.Equal(t, 2, second.Votes)
	require.False(t, second.Removed)

	_, _, third, err := svc.VoteKick(ctx, "gophers", voters[2].ID, "dave")
	require.NoError(t, err)
	require.True(t, third.Removed)

	member, err := st.IsMember(ctx, res.Channel.ID, target.ID)
	require.NoError(t, err)
	require.False(t, member)

	banned, err := st.IsBanned(ctx, res.Channel.ID, target.ID)
	require.NoError(t, err)
	require.True(t, banned)

	// Vote rows for the resolved kick are purged.
	votes, err := st.CountKickVotes(ctx, res.Channel.ID, target.ID)
	require.NoError(t, err)
	require.Zero(t, votes)
}

func TestVoteKick_OwnerProtections(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	owner := createUser(t, st, "alice")
	bob := createUser(t, st, "bob")

	res, err := svc.JoinOrCreate(ctx, "gophers", owner.ID, boolPtr(false))
	require.NoError(t, err)
	_, err = svc.JoinOrCreate(ctx, "gophers", bob.ID, nil)
	require.NoError(t, err)

	// The owner can never be the target.
	_, _, _, err = svc.VoteKick(ctx, "gophers", bob.ID, "alice")
	require.ErrorIs(t, err, ErrCannotActOnOwner)
	_, _, err = svc.Revoke(ctx, "gophers", owner.ID, "alice")
	require.ErrorIs(t, err, ErrCannotActOnOwner)

	// The owner removes members through revoke, not votes.
	_, _, _, err = svc.VoteKick(ctx, "gophers", owner.ID, "bob")
	require.ErrorIs(t, err, ErrForbidden)

	// Nothing changed for either side.
	banned, err := st.IsBanned(ctx, res.Channel.ID, bob.ID)
	require.NoError(t, err)
	require.False(t, banned)
	members, err := svc.ListMembers(ctx, "gophers", owner.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)
}

func TestRevoke_BansUntilReinvited(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	owner := createUser(t, st, "alice")
	carol := createUser(t, st, "carol")

	res, err := svc.JoinOrCreate(ctx, "gophers", owner.ID, boolPtr(false))
	require.NoError(t, err)
	_, err = svc.JoinOrCreate(ctx, "gophers", carol.ID, nil)
	require.NoError(t, err)

	_, _, err = svc.Revoke(ctx, "gophers", owner.ID, "carol")
	require.NoError(t, err)

	banned, err := st.IsBanned(ctx, res.Channel.ID, carol.ID)
	require.NoError(t, err)
	require.True(t, banned)

	// Banned users cannot rejoin on their own.
	_, err = svc.JoinOrCreate(ctx, "gophers", carol.ID, nil)
	require.ErrorIs(t, err, ErrBanned)

	// Only the owner may invite a banned user; that lifts the ban.
	bob := createUser(t, st, "bob")
	_, err = svc.JoinOrCreate(ctx, "gophers", bob.ID, nil)
	require.NoError(t, err)
	_, _, err = svc.Invite(ctx, "gophers", bob.ID, "carol")
	require.ErrorIs(t, err, ErrForbidden)

	_, _, err = svc.Invite(ctx, "gophers", owner.ID, "carol")
	require.NoError(t, err)

	banned, err = st.IsBanned(ctx, res.Channel.ID, carol.ID)
	require.NoError(t, err)
	require.False(t, banned)
	member, err := st.IsMember(ctx, res.Channel.ID, carol.ID)
	require.NoError(t, err)
	require.True(t, member)
}

func TestRevoke_OnlyOwner(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	owner := createUser(t, st, "alice")
	bob := createUser(t, st, "bob")
	carol := createUser(t, st, "carol")

	_, err := svc.JoinOrCreate(ctx, "gophers", owner.ID, boolPtr(false))
	require.NoError(t, err)
	_, err = svc.JoinOrCreate(ctx, "gophers", bob.ID, nil)
	require.NoError(t, err)
	_, err = svc.JoinOrCreate(ctx, "gophers", carol.ID, nil)
	require.NoError(t, err)

	_, _, err = svc.Revoke(ctx, "gophers", bob.ID, "carol")
	require.ErrorIs(t, err, ErrForbidden)
}

func TestLeave_OwnerLeavingDeletesChannel(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	owner := createUser(t, st, "alice")
	bob := createUser(t, st, "bob")

	res, err := svc.JoinOrCreate(ctx, "gophers", owner.ID, boolPtr(false))
	require.NoError(t, err)
	_, err = svc.JoinOrCreate(ctx, "gophers", bob.ID, nil)
	require.NoError(t, err)

	_, ownerLeft, err := svc.Leave(ctx, "gophers", owner.ID)
	require.NoError(t, err)
	require.True(t, ownerLeft)

	_, err = st.GetChannelByName(ctx, "gophers")
	require.ErrorIs(t, err, store.ErrNotFound)

	member, err := st.IsMember(ctx, res.Channel.ID, bob.ID)
	require.NoError(t, err)
	require.False(t, member)
}

func TestLeave_SelfLeaveDoesNotBan(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	owner := createUser(t, st, "alice")
	bob := createUser(t, st, "bob")

	res, err := svc.JoinOrCreate(ctx, "gophers", owner.ID, boolPtr(false))
	require.NoError(t, err)
	_, err = svc.JoinOrCreate(ctx, "gophers", bob.ID, nil)
	require.NoError(t, err)

	_, ownerLeft, err := svc.Leave(ctx, "gophers", bob.ID)
	require.NoError(t, err)
	require.False(t, ownerLeft)

	banned, err := st.IsBanned(ctx, res.Channel.ID, bob.ID)
	require.NoError(t, err)
	require.False(t, banned)

	// Rejoining a public channel after leaving works.
	rejoined, err := svc.JoinOrCreate(ctx, "gophers", bob.ID, nil)
	require.NoError(t, err)
	require.True(t, rejoined.Joined)
}

func TestLeave_VotesPurgedWithVoter(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	owner := createUser(t, st, "alice")
	bob := createUser(t, st, "bob")
	carol := createUser(t, st, "carol")

	res, err := svc.JoinOrCreate(ctx, "gophers", owner.ID, boolPtr(false))
	require.NoError(t, err)
	_, err = svc.JoinOrCreate(ctx, "gophers", bob.ID, nil)
	require.NoError(t, err)
	_, err = svc.JoinOrCreate(ctx, "gophers", carol.ID, nil)
	require.NoError(t, err)

	_, _, _, err = svc.VoteKick(ctx, "gophers", bob.ID, "carol")
	require.NoError(t, err)

	// Bob leaves; his pending vote against carol disappears with him.
	_, _, err = svc.Leave(ctx, "gophers", bob.ID)
	require.NoError(t, err)

	votes, err := st.CountKickVotes(ctx, res.Channel.ID, carol.ID)
	require.NoError(t, err)
	require.Zero(t, votes)
}

func TestDeleteChannel_OwnerOnly(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	owner := createUser(t, st, "alice")
	bob := createUser(t, st, "bob")

	_, err := svc.JoinOrCreate(ctx, "gophers", owner.ID, boolPtr(false))
	require.NoError(t, err)
	_, err = svc.JoinOrCreate(ctx, "gophers", bob.ID, nil)
	require.NoError(t, err)

	_, err = svc.DeleteChannel(ctx, "gophers", bob.ID)
	require.ErrorIs(t, err, ErrForbidden)

	_, err = svc.DeleteChannel(ctx, "gophers", owner.ID)
	require.NoError(t, err)

	_, err = st.GetChannelByName(ctx, "gophers")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteChannel_UnknownChannel(t *testing.T) {
	svc, st := newTestService(t)
	owner := createUser(t, st, "alice")

	_, err := svc.DeleteChannel(context.Background(), "ghost", owner.ID)
	require.True(t, errors.Is(err, ErrChannelNotFound))
}
