package discord

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/powerbot/powerbot/config"
	"github.com/powerbot/powerbot/eventqueue"
	"github.com/powerbot/powerbot/internal/profile"
	"github.com/powerbot/powerbot/progress"
	"github.com/powerbot/powerbot/store"
)

type fakeGateway struct {
	mu   sync.Mutex
	sent []string
	dms  []string
}

func (f *fakeGateway) SendMessage(_ context.Context, _, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeGateway) SendDirectMessage(_ context.Context, _, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dms = append(f.dms, text)
	return nil
}

func newTestBot(t *testing.T) (*Bot, *store.Store, *fakeGateway) {
	t.Helper()
	dir := t.TempDir()

	p := &profile.Profile{Data: dir}
	require.NoError(t, p.Validate())
	s, err := store.Open(p)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	economy, err := config.OpenEconomyConfig(filepath.Join(dir, "economy.json"))
	require.NoError(t, err)
	tracker := progress.NewTracker(dir)
	gateway := &fakeGateway{}

	return NewBot(s, economy, tracker, gateway, []string{"admin-1"}, nil), s, gateway
}

func message(author, text string) Message {
	return Message{
		ID: "m-" + text, GuildID: "g-1", ChannelID: "c-1",
		AuthorID: author, AuthorName: author, Text: text,
	}
}

func TestEarningAndMilestoneAnnouncement(t *testing.T) {
	bot, s, gateway := newTestBot(t)
	ctx := context.Background()

	identity, _, _, err := s.GetOrCreateDiscordUser(ctx, "d-1", "d-1", nil)
	require.NoError(t, err)
	_, err = s.ApplyBalanceDelta(ctx, identity.UserID, 9.8, store.PlatformDiscord, "grant", "", "")
	require.NoError(t, err)

	bot.HandleMessage(ctx, message("d-1", "hello"))

	total, err := s.TotalBalance(ctx, identity.UserID)
	require.NoError(t, err)
	require.InDelta(t, 10.3, total, 1e-9)

	gateway.mu.Lock()
	defer gateway.mu.Unlock()
	require.Len(t, gateway.sent, 1)
	require.Contains(t, gateway.sent[0], "reached 10 points")
}

func TestBotMessagesIgnored(t *testing.T) {
	bot, s, gateway := newTestBot(t)
	ctx := context.Background()

	msg := message("d-1", "!balance")
	msg.AuthorIsBot = true
	bot.HandleMessage(ctx, msg)

	require.Empty(t, gateway.sent)
	_, err := s.DiscordProfileByID(ctx, "d-1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCmdLinkDeliversCodeByDM(t *testing.T) {
	bot, _, gateway := newTestBot(t)

	bot.HandleMessage(context.Background(), message("d-1", "!link"))

	gateway.mu.Lock()
	defer gateway.mu.Unlock()
	require.Len(t, gateway.dms, 1)
	require.Contains(t, gateway.dms[0], "link code")
	require.Len(t, gateway.sent, 1)
	require.Contains(t, gateway.sent[0], "private messages")
}

func TestCmdPay(t *testing.T) {
	bot, s, gateway := newTestBot(t)
	ctx := context.Background()

	alice, _, _, err := s.GetOrCreateDiscordUser(ctx, "d-alice", "alice", nil)
	require.NoError(t, err)
	_, err = s.ApplyBalanceDelta(ctx, alice.UserID, 10, store.PlatformDiscord, "grant", "", "")
	require.NoError(t, err)
	_, _, _, err = s.GetOrCreateDiscordUser(ctx, "d-bob", "bob", nil)
	require.NoError(t, err)

	// Earning is disabled for this test guild so the pay path is isolated.
	require.NoError(t, bot.economy.SetGuild("g-1", config.GuildEconomy{EarningEnabled: false}))

	bot.HandleMessage(ctx, message("d-alice", "!pay <@d-bob> 4"))

	gateway.mu.Lock()
	require.NotEmpty(t, gateway.sent)
	require.Contains(t, gateway.sent[len(gateway.sent)-1], "paid 4.00")
	gateway.mu.Unlock()

	bobProfile, err := s.DiscordProfileByID(ctx, "d-bob")
	require.NoError(t, err)
	total, err := s.TotalBalance(ctx, bobProfile.UserID)
	require.NoError(t, err)
	require.InDelta(t, 4.0, total, 1e-9)

	// Overdraft answered in chat.
	bot.HandleMessage(ctx, message("d-alice", "!pay <@d-bob> 100"))
	gateway.mu.Lock()
	require.Contains(t, gateway.sent[len(gateway.sent)-1], "not have enough")
	gateway.mu.Unlock()
}

func TestAdminCommandsGated(t *testing.T) {
	bot, s, gateway := newTestBot(t)
	ctx := context.Background()

	// Non-admin: silently ignored.
	bot.HandleMessage(ctx, message("d-1", "!forceunlink <@d-2>"))
	gatewayLen := func() int {
		gateway.mu.Lock()
		defer gateway.mu.Unlock()
		return len(gateway.sent)
	}
	baseline := gatewayLen()

	// Admin: answered.
	_, _, _, err := s.GetOrCreateDiscordUser(ctx, "d-2", "bob", nil)
	require.NoError(t, err)
	bot.HandleMessage(ctx, message("admin-1", "!forceunlink <@d-2>"))
	require.Greater(t, gatewayLen(), baseline)
	gateway.mu.Lock()
	require.Contains(t, gateway.sent[len(gateway.sent)-1], "not linked")
	gateway.mu.Unlock()
}

func TestDrainerAnnouncesQueuedEvents(t *testing.T) {
	_, _, gateway := newTestBot(t)
	queue := eventqueue.New(filepath.Join(t.TempDir(), "events.json"))

	require.NoError(t, queue.Push(eventqueue.TypeMilestone, progress.Notification{
		Kind: progress.KindMilestone, UserID: 7, GuildID: "g-1", Level: 100, Balance: 101,
	}))
	require.NoError(t, queue.Push(eventqueue.TypeLinked, map[string]any{
		"discord_id": "d-1", "merged": true,
	}))
	require.NoError(t, queue.Push("unknown_type", map[string]any{}))

	d := NewDrainer(queue, gateway, "c-announce", nil)
	n, err := d.DrainOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, n)

	gateway.mu.Lock()
	defer gateway.mu.Unlock()
	require.Len(t, gateway.sent, 2)
	require.Contains(t, gateway.sent[0], "reached 100 points")
	require.Contains(t, gateway.sent[1], "balances merged")

	remaining, err := queue.Len()
	require.NoError(t, err)
	require.Zero(t, remaining)
}
