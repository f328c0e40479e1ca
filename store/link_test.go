package store

import (
	"context"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
)

var linkCodePattern = regexp.MustCompile(`^[A-Z0-9]{8}$`)

func TestCreateLinkCode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	code, err := s.CreateLinkCode(ctx, "d-1", "alice")
	require.NoError(t, err)
	require.Regexp(t, linkCodePattern, code.Code)
	require.False(t, code.ExpiresAt.IsZero())

	// A second issuance replaces the first; the old code stops working.
	code2, err := s.CreateLinkCode(ctx, "d-1", "alice")
	require.NoError(t, err)
	require.NotEqual(t, code.Code, code2.Code)

	_, err = s.ConsumeLinkCode(ctx, code.Code, "yt-1", "alice-yt", nil)
	require.ErrorIs(t, err, ErrCodeInvalid)
}

func TestCreateLinkCodeCreatesOwnerIdentity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// An unseen Discord id gets its identity, profile and token in one
	// call; the token owner must match the stored profile.
	code, err := s.CreateLinkCode(ctx, "d-new", "mallory")
	require.NoError(t, err)
	require.NotZero(t, code.UserID)

	prof, err := s.DiscordProfileByID(ctx, "d-new")
	require.NoError(t, err)
	require.Equal(t, prof.UserID, code.UserID)
}

func TestConsumeLinkCodeMergesBalances(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Two separate identities with money on each side.
	alice, _, _, err := s.GetOrCreateDiscordUser(ctx, "d-1", "alice", nil)
	require.NoError(t, err)
	_, err = s.ApplyBalanceDelta(ctx, alice.UserID, 10.0, PlatformDiscord, "grant", "", "")
	require.NoError(t, err)

	ytAlice, _, _, err := s.GetOrCreateYouTubeUser(ctx, "yt-1", "alice-yt", nil)
	require.NoError(t, err)
	_, err = s.ApplyBalanceDelta(ctx, ytAlice.UserID, 3.5, PlatformYouTube, "grant", "", "")
	require.NoError(t, err)

	code, err := s.CreateLinkCode(ctx, "d-1", "alice")
	require.NoError(t, err)

	result, err := s.ConsumeLinkCode(ctx, code.Code, "yt-1", "alice-yt", nil)
	require.NoError(t, err)
	require.True(t, result.Merged)
	require.Equal(t, alice.UserID, result.PrimaryUserID)

	// Balance conservation: combined total survives the merge.
	total, err := s.TotalBalance(ctx, alice.UserID)
	require.NoError(t, err)
	require.InDelta(t, 13.5, total, 1e-9)

	// The merged-away identity resolves to the winner and carries nothing.
	require.Equal(t, alice.UserID, s.ResolveActiveUserID(ctx, ytAlice.UserID))
	merged, err := s.TotalBalance(ctx, ytAlice.UserID)
	require.NoError(t, err)
	require.InDelta(t, 13.5, merged, 1e-9) // resolves through the id link

	// The YouTube profile now belongs to the primary identity.
	prof, err := s.YouTubeProfileByChannelID(ctx, "yt-1")
	require.NoError(t, err)
	require.Equal(t, alice.UserID, prof.UserID)

	// Consuming the same code again fails.
	_, err = s.ConsumeLinkCode(ctx, code.Code, "yt-1", "alice-yt", nil)
	require.ErrorIs(t, err, ErrCodeInvalid)
}

func TestConsumeLinkCodeFreshYouTubeSide(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	code, err := s.CreateLinkCode(ctx, "d-1", "alice")
	require.NoError(t, err)

	// The channel has never been seen; no merge happens, the profile is
	// created directly under the Discord identity.
	result, err := s.ConsumeLinkCode(ctx, code.Code, "yt-new", "alice-yt", nil)
	require.NoError(t, err)
	require.False(t, result.Merged)

	prof, err := s.YouTubeProfileByChannelID(ctx, "yt-new")
	require.NoError(t, err)
	require.Equal(t, result.PrimaryUserID, prof.UserID)
}

func TestConsumeLinkCodeInvalid(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ConsumeLinkCode(context.Background(), "NOPE1234", "yt-1", "x", nil)
	require.ErrorIs(t, err, ErrCodeInvalid)
}

func TestConsumeLinkCodeExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	code, err := s.CreateLinkCode(ctx, "d-1", "alice")
	require.NoError(t, err)

	// Backdate the expiry.
	_, err = s.db.ExecContext(ctx,
		`UPDATE link_tokens SET expires_at = '2000-01-01T00:00:00Z' WHERE code = ?`, code.Code)
	require.NoError(t, err)

	_, err = s.ConsumeLinkCode(ctx, code.Code, "yt-1", "alice-yt", nil)
	require.ErrorIs(t, err, ErrCodeExpired)

	// Lazy expiry flips the stored status so the token never revives.
	var status string
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT status FROM link_tokens WHERE code = ?`, code.Code).Scan(&status))
	require.Equal(t, TokenExpired, status)
}

func TestUnlinkConservesBalance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice, _, _, err := s.GetOrCreateDiscordUser(ctx, "d-1", "alice", nil)
	require.NoError(t, err)
	_, err = s.ApplyBalanceDelta(ctx, alice.UserID, 8.0, PlatformDiscord, "grant", "", "")
	require.NoError(t, err)
	ytAlice, _, _, err := s.GetOrCreateYouTubeUser(ctx, "yt-1", "alice-yt", nil)
	require.NoError(t, err)
	_, err = s.ApplyBalanceDelta(ctx, ytAlice.UserID, 2.0, PlatformYouTube, "grant", "", "")
	require.NoError(t, err)

	code, err := s.CreateLinkCode(ctx, "d-1", "alice")
	require.NoError(t, err)
	_, err = s.ConsumeLinkCode(ctx, code.Code, "yt-1", "alice-yt", nil)
	require.NoError(t, err)

	result, err := s.UnlinkFromDiscord(ctx, "d-1")
	require.NoError(t, err)
	require.Equal(t, alice.UserID, result.KeptUserID)
	require.NotEqual(t, result.KeptUserID, result.NewUserID)

	// The kept side holds the whole combined balance, the split-off side
	// restarts at zero; the total is conserved.
	keptTotal, err := s.TotalBalance(ctx, result.KeptUserID)
	require.NoError(t, err)
	require.InDelta(t, 10.0, keptTotal, 1e-9)
	newTotal, err := s.TotalBalance(ctx, result.NewUserID)
	require.NoError(t, err)
	require.InDelta(t, 0.0, newTotal, 1e-9)

	// The moved YouTube profile belongs to the new identity now.
	prof, err := s.YouTubeProfileByChannelID(ctx, "yt-1")
	require.NoError(t, err)
	require.Equal(t, result.NewUserID, prof.UserID)

	// The id-link redirect is gone.
	require.Equal(t, result.NewUserID, s.ResolveActiveUserID(ctx, result.NewUserID))
}

func TestUnlinkReusesMergedAwayIdentity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, _, err := s.GetOrCreateDiscordUser(ctx, "d-1", "alice", nil)
	require.NoError(t, err)
	ytAlice, _, _, err := s.GetOrCreateYouTubeUser(ctx, "yt-1", "alice-yt", nil)
	require.NoError(t, err)

	code, err := s.CreateLinkCode(ctx, "d-1", "alice")
	require.NoError(t, err)
	_, err = s.ConsumeLinkCode(ctx, code.Code, "yt-1", "alice-yt", nil)
	require.NoError(t, err)

	// The merged-away id no longer owns a profile; the split revives it
	// instead of minting a fresh identity.
	result, err := s.UnlinkFromDiscord(ctx, "d-1")
	require.NoError(t, err)
	require.Equal(t, ytAlice.UserID, result.NewUserID)
}

func TestUnlinkNotLinked(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, _, err := s.GetOrCreateDiscordUser(ctx, "d-1", "alice", nil)
	require.NoError(t, err)

	_, err = s.UnlinkFromDiscord(ctx, "d-1")
	require.ErrorIs(t, err, ErrNotLinked)

	_, err = s.UnlinkFromYouTube(ctx, "yt-missing")
	require.ErrorIs(t, err, ErrNotLinked)
}

func TestForceLinkDiscord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ytAlice, _, _, err := s.GetOrCreateYouTubeUser(ctx, "yt-1", "alice-yt", nil)
	require.NoError(t, err)
	_, err = s.ApplyBalanceDelta(ctx, ytAlice.UserID, 5.0, PlatformYouTube, "grant", "", "")
	require.NoError(t, err)

	bob, _, _, err := s.GetOrCreateDiscordUser(ctx, "d-2", "bob", nil)
	require.NoError(t, err)
	_, err = s.ApplyBalanceDelta(ctx, bob.UserID, 1.0, PlatformDiscord, "grant", "", "")
	require.NoError(t, err)

	result, err := s.ForceLinkDiscord(ctx, "d-2", "bob", ytAlice.UserID)
	require.NoError(t, err)
	require.Equal(t, ytAlice.UserID, result.TargetUserID)

	total, err := s.TotalBalance(ctx, ytAlice.UserID)
	require.NoError(t, err)
	require.InDelta(t, 6.0, total, 1e-9)

	prof, err := s.DiscordProfileByID(ctx, "d-2")
	require.NoError(t, err)
	require.Equal(t, ytAlice.UserID, prof.UserID)
}

func TestForceLinkConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// bob is already merged with yt-bob.
	_, _, _, err := s.GetOrCreateDiscordUser(ctx, "d-2", "bob", nil)
	require.NoError(t, err)
	code, err := s.CreateLinkCode(ctx, "d-2", "bob")
	require.NoError(t, err)
	_, err = s.ConsumeLinkCode(ctx, code.Code, "yt-bob", "bob-yt", nil)
	require.NoError(t, err)

	ytAlice, _, _, err := s.GetOrCreateYouTubeUser(ctx, "yt-alice", "alice-yt", nil)
	require.NoError(t, err)

	_, err = s.ForceLinkDiscord(ctx, "d-2", "bob", ytAlice.UserID)
	require.ErrorIs(t, err, ErrLinkConflict)
}
