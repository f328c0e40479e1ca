package youtube

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pkg/errors"

	"github.com/powerbot/powerbot/config"
	"github.com/powerbot/powerbot/eventqueue"
	"github.com/powerbot/powerbot/progress"
	"github.com/powerbot/powerbot/store"
)

// Bot wires the chat handlers: message earning plus the "!" command set.
type Bot struct {
	store   *store.Store
	economy *config.EconomyConfig
	queue   *eventqueue.Queue
	tracker *progress.Tracker
	client  PlatformClient
	chatID  string
	// scopeID is the earning cooldown scope; the watched channel id stands
	// in for a guild.
	scopeID string
	logger  *slog.Logger

	commands map[string]func(ctx context.Context, msg ChatMessage, args []string) (string, error)
}

// NewBot builds the handler set for one live chat.
func NewBot(s *store.Store, economy *config.EconomyConfig, queue *eventqueue.Queue, tracker *progress.Tracker, client PlatformClient, chatID, scopeID string, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bot{
		store:   s,
		economy: economy,
		queue:   queue,
		tracker: tracker,
		client:  client,
		chatID:  chatID,
		scopeID: scopeID,
		logger:  logger.With("component", "youtube_bot"),
	}
	b.commands = map[string]func(ctx context.Context, msg ChatMessage, args []string) (string, error){
		"link":    b.cmdLink,
		"balance": b.cmdBalance,
		"top":     b.cmdTop,
		"help":    b.cmdHelp,
	}
	return b
}

// EarningHandler credits the per-message reward and reports milestone and
// bankruptcy transitions into the cross-process queue for the Discord
// worker to announce.
func (b *Bot) EarningHandler() Handler {
	return func(ctx context.Context, msg ChatMessage) error {
		guild := b.economy.Guild(b.scopeID)
		if !guild.EarningEnabled {
			return nil
		}
		res, err := b.store.AwardYouTubeMessagePoints(ctx, msg.AuthorID, msg.AuthorName, b.scopeID, msg.ID, guild.MessageReward, b.economy.Cooldown(b.scopeID))
		if err != nil {
			return err
		}
		if !res.Awarded {
			return nil
		}

		notes, err := b.tracker.Evaluate(b.scopeID, res.UserID, res.NewBalance-res.Amount, res.NewBalance)
		if err != nil {
			// Notification state trouble never blocks earning.
			b.logger.Warn("progress evaluation failed", "user_id", res.UserID, "error", err)
			return nil
		}
		for _, note := range notes {
			eventType := eventqueue.TypeMilestone
			if note.Kind == progress.KindBankruptcy {
				eventType = eventqueue.TypeBankruptcy
			}
			if err := b.queue.Push(eventType, note); err != nil {
				b.logger.Warn("failed to queue progress event", "error", err)
			}
		}
		return nil
	}
}

// CommandHandler parses "!command args" messages and replies in chat.
func (b *Bot) CommandHandler() Handler {
	return func(ctx context.Context, msg ChatMessage) error {
		text := strings.TrimSpace(msg.Text)
		if !strings.HasPrefix(text, "!") {
			return nil
		}
		fields := strings.Fields(text[1:])
		if len(fields) == 0 {
			return nil
		}
		cmd, ok := b.commands[strings.ToLower(fields[0])]
		if !ok {
			return nil
		}

		reply, err := cmd(ctx, msg, fields[1:])
		if err != nil {
			b.logger.Warn("command failed", "command", fields[0], "author_id", msg.AuthorID, "error", err)
			return nil
		}
		if reply == "" {
			return nil
		}
		return b.client.PostMessage(ctx, b.chatID, reply)
	}
}

func (b *Bot) cmdLink(ctx context.Context, msg ChatMessage, args []string) (string, error) {
	if len(args) != 1 {
		return fmt.Sprintf("@%s usage: !link CODE", msg.AuthorName), nil
	}
	code := strings.ToUpper(strings.TrimSpace(args[0]))

	var avatar *string
	if url, err := b.client.ChannelAvatarURL(ctx, msg.AuthorID); err == nil && url != "" {
		avatar = &url
	}

	result, err := b.store.ConsumeLinkCode(ctx, code, msg.AuthorID, msg.AuthorName, avatar)
	switch {
	case err == nil:
	case isUserFacing(err):
		return fmt.Sprintf("@%s %s", msg.AuthorName, err.Error()), nil
	default:
		return "", err
	}

	if err := b.queue.Push(eventqueue.TypeLinked, map[string]any{
		"user_id":    result.PrimaryUserID,
		"discord_id": result.DiscordID,
		"channel_id": result.YouTubeChannelID,
		"merged":     result.Merged,
	}); err != nil {
		b.logger.Warn("failed to queue link event", "error", err)
	}
	return fmt.Sprintf("@%s accounts linked!", msg.AuthorName), nil
}

func (b *Bot) cmdBalance(ctx context.Context, msg ChatMessage, _ []string) (string, error) {
	identity, _, _, err := b.store.GetOrCreateYouTubeUser(ctx, msg.AuthorID, msg.AuthorName, nil)
	if err != nil {
		return "", err
	}
	total, err := b.store.TotalBalance(ctx, identity.UserID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("@%s balance: %.2f", msg.AuthorName, total), nil
}

func (b *Bot) cmdTop(ctx context.Context, _ ChatMessage, _ []string) (string, error) {
	entries, err := b.store.TopLeaderboard(ctx, 5)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "nobody has earned anything yet", nil
	}
	parts := make([]string, 0, len(entries))
	for i, e := range entries {
		parts = append(parts, fmt.Sprintf("%d. %s (%.2f)", i+1, e.Username, e.Balance))
	}
	return "top: " + strings.Join(parts, " | "), nil
}

func (b *Bot) cmdHelp(context.Context, ChatMessage, []string) (string, error) {
	return "commands: !link CODE, !balance, !top, !help", nil
}

// isUserFacing reports whether an error should be echoed to the chat
// author instead of being logged as a fault.
func isUserFacing(err error) bool {
	for _, sentinel := range []error{
		store.ErrCodeInvalid,
		store.ErrCodeExpired,
		store.ErrNotLinked,
		store.ErrLinkConflict,
		store.ErrInsufficientFunds,
		store.ErrInvalidAmount,
		store.ErrSelfTransfer,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
