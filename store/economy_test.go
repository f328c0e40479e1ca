package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAwardMessagePointsCooldown(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.AwardDiscordMessagePoints(ctx, "d-1", "alice", "g-1", "c-1", "m-1", 0.5, time.Minute)
	require.NoError(t, err)
	require.True(t, res.Awarded)
	require.InDelta(t, 0.5, res.NewBalance, 1e-9)

	// Second message inside the cooldown window is a no-op.
	res, err = s.AwardDiscordMessagePoints(ctx, "d-1", "alice", "g-1", "c-1", "m-2", 0.5, time.Minute)
	require.NoError(t, err)
	require.False(t, res.Awarded)
	require.Equal(t, SkipCooldown, res.Skipped)

	total, err := s.TotalBalance(ctx, res.UserID)
	require.NoError(t, err)
	require.InDelta(t, 0.5, total, 1e-9)

	// Zero cooldown awards immediately again.
	res, err = s.AwardDiscordMessagePoints(ctx, "d-1", "alice", "g-1", "c-1", "m-3", 0.5, 0)
	require.NoError(t, err)
	require.True(t, res.Awarded)
	require.InDelta(t, 1.0, res.NewBalance, 1e-9)
}

func TestAwardMessagePointsCooldownExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cooldown := 150 * time.Millisecond

	res, err := s.AwardDiscordMessagePoints(ctx, "d-1", "alice", "g-1", "c-1", "m-1", 5.0, cooldown)
	require.NoError(t, err)
	require.True(t, res.Awarded)

	res, err = s.AwardDiscordMessagePoints(ctx, "d-1", "alice", "g-1", "c-1", "m-2", 5.0, cooldown)
	require.NoError(t, err)
	require.False(t, res.Awarded)
	require.Equal(t, SkipCooldown, res.Skipped)

	// Once the window has passed, the same user earns again.
	time.Sleep(cooldown + 50*time.Millisecond)
	res, err = s.AwardDiscordMessagePoints(ctx, "d-1", "alice", "g-1", "c-1", "m-3", 5.0, cooldown)
	require.NoError(t, err)
	require.True(t, res.Awarded)
	require.InDelta(t, 10.0, res.NewBalance, 1e-9)

	// Exactly two earning rows, carrying the canonical ledger reason.
	entries, err := s.UserTransactions(ctx, res.UserID, 10)
	require.NoError(t, err)
	reasons := make([]string, 0, len(entries))
	for _, e := range entries {
		reasons = append(reasons, e.Reason)
	}
	require.Equal(t, []string{"message_earning", "message_earning"}, reasons)
}

func TestLedgerReasonVocabulary(t *testing.T) {
	require.Equal(t, "message_earning", ReasonMessageEarn)
	require.Equal(t, "transfer_out", ReasonTransferOut)
	require.Equal(t, "transfer_in", ReasonTransferIn)
}

func TestAwardMessagePointsDuplicateSourceID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.AwardDiscordMessagePoints(ctx, "d-1", "alice", "g-1", "c-1", "msg-abc", 1.0, 0)
	require.NoError(t, err)
	require.True(t, res.Awarded)

	// Redelivery of the same message id must not award again, even with no
	// cooldown in the way.
	res, err = s.AwardDiscordMessagePoints(ctx, "d-1", "alice", "g-1", "c-1", "msg-abc", 1.0, 0)
	require.NoError(t, err)
	require.False(t, res.Awarded)
	require.Equal(t, SkipDuplicate, res.Skipped)

	total, err := s.TotalBalance(ctx, res.UserID)
	require.NoError(t, err)
	require.InDelta(t, 1.0, total, 1e-9)
}

func TestAwardMessagePointsPerGuildCooldown(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AwardDiscordMessagePoints(ctx, "d-1", "alice", "g-1", "c-1", "m-1", 0.5, time.Minute)
	require.NoError(t, err)

	// Cooldowns are scoped per guild: another guild awards immediately.
	res, err := s.AwardDiscordMessagePoints(ctx, "d-1", "alice", "g-2", "c-9", "m-2", 0.5, time.Minute)
	require.NoError(t, err)
	require.True(t, res.Awarded)
	require.InDelta(t, 1.0, res.NewBalance, 1e-9)
}

func TestApplyBalanceDeltaDeductionOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	identity, _, _, err := s.GetOrCreateDiscordUser(ctx, "d-1", "alice", nil)
	require.NoError(t, err)

	_, err = s.ApplyBalanceDelta(ctx, identity.UserID, 3.0, PlatformDiscord, "grant", "g-1", "")
	require.NoError(t, err)
	_, err = s.ApplyBalanceDelta(ctx, identity.UserID, 2.0, PlatformYouTube, "grant", "g-1", "")
	require.NoError(t, err)

	// Deducting 4.0 preferring youtube drains youtube (2.0) first and then
	// takes the remaining 2.0 from discord.
	delta, err := s.ApplyBalanceDelta(ctx, identity.UserID, -4.0, PlatformYouTube, "spend", "g-1", "")
	require.NoError(t, err)
	require.InDelta(t, 5.0, delta.PreviousBalance, 1e-9)
	require.InDelta(t, 1.0, delta.NewBalance, 1e-9)

	balances, err := s.PlatformBalances(ctx, identity.UserID)
	require.NoError(t, err)
	require.InDelta(t, 0.0, balances[PlatformYouTube], 1e-9)
	require.InDelta(t, 1.0, balances[PlatformDiscord], 1e-9)
}

func TestApplyBalanceDeltaInsufficient(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	identity, _, _, err := s.GetOrCreateDiscordUser(ctx, "d-1", "alice", nil)
	require.NoError(t, err)

	_, err = s.ApplyBalanceDelta(ctx, identity.UserID, 1.0, PlatformDiscord, "grant", "", "")
	require.NoError(t, err)

	_, err = s.ApplyBalanceDelta(ctx, identity.UserID, -1.5, PlatformDiscord, "spend", "", "")
	require.ErrorIs(t, err, ErrInsufficientFunds)

	// The failed deduction leaves the wallet untouched.
	total, err := s.TotalBalance(ctx, identity.UserID)
	require.NoError(t, err)
	require.InDelta(t, 1.0, total, 1e-9)
}

func TestTransfer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice, _, _, err := s.GetOrCreateDiscordUser(ctx, "d-1", "alice", nil)
	require.NoError(t, err)
	bob, _, _, err := s.GetOrCreateDiscordUser(ctx, "d-2", "bob", nil)
	require.NoError(t, err)

	_, err = s.ApplyBalanceDelta(ctx, alice.UserID, 10.0, PlatformDiscord, "grant", "", "")
	require.NoError(t, err)

	result, err := s.Transfer(ctx, alice.UserID, bob.UserID, 4.0, PlatformDiscord, "g-1", "c-1")
	require.NoError(t, err)
	require.InDelta(t, 6.0, result.From.NewBalance, 1e-9)
	require.InDelta(t, 4.0, result.To.NewBalance, 1e-9)

	// Ledger carries both sides.
	entries, err := s.UserTransactions(ctx, alice.UserID, 5)
	require.NoError(t, err)
	require.Equal(t, ReasonTransferOut, entries[0].Reason)
	entries, err = s.UserTransactions(ctx, bob.UserID, 5)
	require.NoError(t, err)
	require.Equal(t, ReasonTransferIn, entries[0].Reason)
}

func TestTransferRejectsSelfAndNonPositive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice, _, _, err := s.GetOrCreateDiscordUser(ctx, "d-1", "alice", nil)
	require.NoError(t, err)
	bob, _, _, err := s.GetOrCreateDiscordUser(ctx, "d-2", "bob", nil)
	require.NoError(t, err)

	_, err = s.Transfer(ctx, alice.UserID, alice.UserID, 1.0, PlatformDiscord, "", "")
	require.ErrorIs(t, err, ErrSelfTransfer)

	_, err = s.Transfer(ctx, alice.UserID, bob.UserID, 0, PlatformDiscord, "", "")
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = s.Transfer(ctx, alice.UserID, bob.UserID, -3, PlatformDiscord, "", "")
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestTransferInsufficientRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice, _, _, err := s.GetOrCreateDiscordUser(ctx, "d-1", "alice", nil)
	require.NoError(t, err)
	bob, _, _, err := s.GetOrCreateDiscordUser(ctx, "d-2", "bob", nil)
	require.NoError(t, err)

	_, err = s.ApplyBalanceDelta(ctx, alice.UserID, 2.0, PlatformDiscord, "grant", "", "")
	require.NoError(t, err)

	_, err = s.Transfer(ctx, alice.UserID, bob.UserID, 5.0, PlatformDiscord, "", "")
	require.ErrorIs(t, err, ErrInsufficientFunds)

	aliceTotal, err := s.TotalBalance(ctx, alice.UserID)
	require.NoError(t, err)
	require.InDelta(t, 2.0, aliceTotal, 1e-9)
	bobTotal, err := s.TotalBalance(ctx, bob.UserID)
	require.NoError(t, err)
	require.InDelta(t, 0.0, bobTotal, 1e-9)
}

func TestTopLeaderboard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, name := range []string{"alice", "bob", "carol"} {
		identity, _, _, err := s.GetOrCreateDiscordUser(ctx, "d-"+name, name, nil)
		require.NoError(t, err)
		_, err = s.ApplyBalanceDelta(ctx, identity.UserID, float64(i+1), PlatformDiscord, "grant", "", "")
		require.NoError(t, err)
	}

	entries, err := s.TopLeaderboard(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "carol", entries[0].Username)
	require.Equal(t, "bob", entries[1].Username)
}

func TestBalanceByAnyRef(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	identity, _, _, err := s.GetOrCreateDiscordUser(ctx, "d-1", "alice", nil)
	require.NoError(t, err)
	_, err = s.ApplyBalanceDelta(ctx, identity.UserID, 7.5, PlatformDiscord, "grant", "", "")
	require.NoError(t, err)

	for _, ref := range []string{"d-1", "alice"} {
		userID, total, err := s.BalanceByAnyRef(ctx, ref)
		require.NoError(t, err, "ref %q", ref)
		require.Equal(t, identity.UserID, userID)
		require.InDelta(t, 7.5, total, 1e-9)
	}

	_, _, err = s.BalanceByAnyRef(ctx, "nobody")
	require.ErrorIs(t, err, ErrUnknownUser)
}
