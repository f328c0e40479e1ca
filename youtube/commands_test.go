package youtube

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/powerbot/powerbot/config"
	"github.com/powerbot/powerbot/eventqueue"
	"github.com/powerbot/powerbot/internal/profile"
	"github.com/powerbot/powerbot/progress"
	"github.com/powerbot/powerbot/store"
)

func newTestBot(t *testing.T) (*Bot, *store.Store, *fakeClient, *eventqueue.Queue) {
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
	queue := eventqueue.New(filepath.Join(dir, "events.json"))
	tracker := progress.NewTracker(dir)
	client := &fakeClient{}

	bot := NewBot(s, economy, queue, tracker, client, "chat-1", "yt-scope", nil)
	return bot, s, client, queue
}

func TestCommandBalance(t *testing.T) {
	bot, _, client, _ := newTestBot(t)
	handler := bot.CommandHandler()

	err := handler(context.Background(), ChatMessage{
		ID: "m1", AuthorID: "yt-1", AuthorName: "alice", Text: "!balance",
	})
	require.NoError(t, err)
	require.Len(t, client.posted, 1)
	require.Contains(t, client.posted[0], "balance: 0.00")
}

func TestCommandLinkFlow(t *testing.T) {
	bot, s, client, queue := newTestBot(t)
	ctx := context.Background()

	code, err := s.CreateLinkCode(ctx, "d-1", "alice")
	require.NoError(t, err)

	handler := bot.CommandHandler()
	err = handler(ctx, ChatMessage{
		ID: "m1", AuthorID: "yt-1", AuthorName: "alice-yt", Text: "!link " + code.Code,
	})
	require.NoError(t, err)
	require.Len(t, client.posted, 1)
	require.Contains(t, client.posted[0], "linked")

	// The link event lands in the cross-process queue.
	events, err := queue.PopUpTo(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, eventqueue.TypeLinked, events[0].Type)

	// A bad code is answered in chat, not treated as a fault.
	err = handler(ctx, ChatMessage{
		ID: "m2", AuthorID: "yt-1", AuthorName: "alice-yt", Text: "!link WRONG123",
	})
	require.NoError(t, err)
	require.Len(t, client.posted, 2)
	require.Contains(t, client.posted[1], "invalid")
}

func TestCommandIgnoresPlainChat(t *testing.T) {
	bot, _, client, _ := newTestBot(t)
	handler := bot.CommandHandler()

	for _, text := range []string{"hello", "!", "!unknowncmd", "   "} {
		require.NoError(t, handler(context.Background(), ChatMessage{
			ID: "m-" + text, AuthorID: "yt-1", AuthorName: "alice", Text: text,
		}))
	}
	require.Empty(t, client.posted)
}

func TestEarningHandlerQueuesMilestones(t *testing.T) {
	bot, s, _, queue := newTestBot(t)
	ctx := context.Background()

	// Seed the author just under a milestone so one message crosses it.
	identity, _, _, err := s.GetOrCreateYouTubeUser(ctx, "yt-1", "alice", nil)
	require.NoError(t, err)
	_, err = s.ApplyBalanceDelta(ctx, identity.UserID, 9.8, store.PlatformYouTube, "grant", "", "")
	require.NoError(t, err)

	handler := bot.EarningHandler()
	require.NoError(t, handler(ctx, ChatMessage{ID: "m1", AuthorID: "yt-1", AuthorName: "alice", Text: "hi"}))

	total, err := s.TotalBalance(ctx, identity.UserID)
	require.NoError(t, err)
	require.InDelta(t, 10.3, total, 1e-9)

	events, err := queue.PopUpTo(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, eventqueue.TypeMilestone, events[0].Type)

	// Same message id redelivered: no double award, no duplicate event.
	require.NoError(t, handler(ctx, ChatMessage{ID: "m1", AuthorID: "yt-1", AuthorName: "alice", Text: "hi"}))
	total, err = s.TotalBalance(ctx, identity.UserID)
	require.NoError(t, err)
	require.InDelta(t, 10.3, total, 1e-9)
}
