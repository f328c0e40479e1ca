package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/powerbot/powerbot/config"
	"github.com/powerbot/powerbot/eventqueue"
	"github.com/powerbot/powerbot/progress"
	"github.com/powerbot/powerbot/store"
)

// Bot handles guild messages: passive earning plus the "!" command set.
type Bot struct {
	store   *store.Store
	economy *config.EconomyConfig
	tracker *progress.Tracker
	gateway Gateway
	logger  *slog.Logger
	// admins may use the moderator commands.
	admins map[string]bool

	commands map[string]func(ctx context.Context, msg Message, args []string) (string, error)
}

// NewBot wires the handler set.
func NewBot(s *store.Store, economy *config.EconomyConfig, tracker *progress.Tracker, gateway Gateway, adminIDs []string, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bot{
		store:   s,
		economy: economy,
		tracker: tracker,
		gateway: gateway,
		logger:  logger.With("component", "discord_bot"),
		admins:  make(map[string]bool, len(adminIDs)),
	}
	for _, id := range adminIDs {
		b.admins[id] = true
	}
	b.commands = map[string]func(ctx context.Context, msg Message, args []string) (string, error){
		"link":        b.cmdLink,
		"unlink":      b.cmdUnlink,
		"balance":     b.cmdBalance,
		"bal":         b.cmdBalance,
		"pay":         b.cmdPay,
		"top":         b.cmdTop,
		"help":        b.cmdHelp,
		"forcelink":   b.cmdForceLink,
		"forceunlink": b.cmdForceUnlink,
	}
	return b
}

// HandleMessage is the per-message entrypoint: earning first, then command
// dispatch. Bot-authored messages are ignored entirely.
func (b *Bot) HandleMessage(ctx context.Context, msg Message) {
	if msg.AuthorIsBot {
		return
	}
	b.handleEarning(ctx, msg)
	b.handleCommand(ctx, msg)
}

func (b *Bot) handleEarning(ctx context.Context, msg Message) {
	guild := b.economy.Guild(msg.GuildID)
	if !guild.EarningEnabled {
		return
	}
	res, err := b.store.AwardDiscordMessagePoints(ctx, msg.AuthorID, msg.AuthorName, msg.GuildID, msg.ChannelID, msg.ID, guild.MessageReward, b.economy.Cooldown(msg.GuildID))
	if err != nil {
		b.logger.Warn("earning failed", "author_id", msg.AuthorID, "error", err)
		return
	}
	if !res.Awarded {
		return
	}
	b.announceProgress(ctx, msg.GuildID, msg.ChannelID, res.UserID, res.NewBalance-res.Amount, res.NewBalance)
}

// announceProgress evaluates a balance transition and posts any resulting
// milestone or bankruptcy messages.
func (b *Bot) announceProgress(ctx context.Context, guildID, channelID string, userID int64, prev, next float64) {
	notes, err := b.tracker.Evaluate(guildID, userID, prev, next)
	if err != nil {
		b.logger.Warn("progress evaluation failed", "user_id", userID, "error", err)
		return
	}
	for _, note := range notes {
		if err := b.gateway.SendMessage(ctx, channelID, formatProgress(note)); err != nil {
			b.logger.Warn("failed to announce progress", "error", err)
		}
	}
}

func formatProgress(note progress.Notification) string {
	if note.Kind == progress.KindBankruptcy {
		return fmt.Sprintf("<@%d> has gone bankrupt! The ladder starts over.", note.UserID)
	}
	return fmt.Sprintf("<@%d> reached %.0f points!", note.UserID, note.Level)
}

func (b *Bot) handleCommand(ctx context.Context, msg Message) {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "!") {
		return
	}
	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return
	}
	cmd, ok := b.commands[strings.ToLower(fields[0])]
	if !ok {
		return
	}

	reply, err := cmd(ctx, msg, fields[1:])
	if err != nil {
		b.logger.Warn("command failed", "command", fields[0], "author_id", msg.AuthorID, "error", err)
		reply = "something went wrong, try again later"
	}
	if reply == "" {
		return
	}
	if err := b.gateway.SendMessage(ctx, msg.ChannelID, reply); err != nil {
		b.logger.Warn("failed to reply", "channel_id", msg.ChannelID, "error", err)
	}
}

// cmdLink issues a link code and delivers it privately.
func (b *Bot) cmdLink(ctx context.Context, msg Message, _ []string) (string, error) {
	code, err := b.store.CreateLinkCode(ctx, msg.AuthorID, msg.AuthorName)
	if err != nil {
		return "", err
	}
	dm := fmt.Sprintf("your link code: %s, type `!link %s` in the live chat within 10 minutes",
		code.Code, code.Code)
	if err := b.gateway.SendDirectMessage(ctx, msg.AuthorID, dm); err != nil {
		b.logger.Warn("failed to deliver code via dm", "author_id", msg.AuthorID, "error", err)
		return "I could not send you a private message, check your privacy settings", nil
	}
	return "check your private messages for the link code", nil
}

func (b *Bot) cmdUnlink(ctx context.Context, msg Message, _ []string) (string, error) {
	_, err := b.store.UnlinkFromDiscord(ctx, msg.AuthorID)
	if errors.Is(err, store.ErrNotLinked) {
		return "your account is not linked", nil
	}
	if err != nil {
		return "", err
	}
	return "accounts unlinked; your balance stays on this side", nil
}

func (b *Bot) cmdBalance(ctx context.Context, msg Message, args []string) (string, error) {
	if len(args) > 0 && b.admins[msg.AuthorID] {
		// Moderators can look up anyone by loose reference.
		ref := strings.Trim(args[0], "<@!>")
		_, total, err := b.store.BalanceByAnyRef(ctx, ref)
		if errors.Is(err, store.ErrUnknownUser) {
			return "unknown user", nil
		}
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s has %.2f points", args[0], total), nil
	}

	identity, _, _, err := b.store.GetOrCreateDiscordUser(ctx, msg.AuthorID, msg.AuthorName, nil)
	if err != nil {
		return "", err
	}
	total, err := b.store.TotalBalance(ctx, identity.UserID)
	if err != nil {
		return "", err
	}
	balances, err := b.store.PlatformBalances(ctx, identity.UserID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("you have %.2f points (discord %.2f, youtube %.2f)",
		total, balances[store.PlatformDiscord], balances[store.PlatformYouTube]), nil
}

func (b *Bot) cmdPay(ctx context.Context, msg Message, args []string) (string, error) {
	if len(args) != 2 {
		return "usage: !pay @user amount", nil
	}
	amount, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return "that is not a number", nil
	}
	targetID := strings.Trim(args[0], "<@!>")

	from, _, _, err := b.store.GetOrCreateDiscordUser(ctx, msg.AuthorID, msg.AuthorName, nil)
	if err != nil {
		return "", err
	}
	toProfile, err := b.store.DiscordProfileByID(ctx, targetID)
	if errors.Is(err, store.ErrNotFound) {
		return "I do not know that user yet", nil
	}
	if err != nil {
		return "", err
	}

	result, err := b.store.Transfer(ctx, from.UserID, toProfile.UserID, amount, store.PlatformDiscord, msg.GuildID, msg.ChannelID)
	switch {
	case errors.Is(err, store.ErrSelfTransfer):
		return "you cannot pay yourself", nil
	case errors.Is(err, store.ErrInvalidAmount):
		return "the amount must be positive", nil
	case errors.Is(err, store.ErrInsufficientFunds):
		return "you do not have enough points", nil
	case err != nil:
		return "", err
	}

	b.announceProgress(ctx, msg.GuildID, msg.ChannelID, result.From.UserID, result.From.PreviousBalance, result.From.NewBalance)
	return fmt.Sprintf("paid %.2f to %s (you now have %.2f)", amount, args[0], result.From.NewBalance), nil
}

func (b *Bot) cmdTop(ctx context.Context, _ Message, _ []string) (string, error) {
	entries, err := b.store.TopLeaderboard(ctx, 10)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "nobody has earned anything yet", nil
	}
	var sb strings.Builder
	sb.WriteString("leaderboard:\n")
	for i, e := range entries {
		fmt.Fprintf(&sb, "%d. %s: %.2f\n", i+1, e.Username, e.Balance)
	}
	return sb.String(), nil
}

func (b *Bot) cmdHelp(_ context.Context, msg Message, _ []string) (string, error) {
	base := "commands: !link, !unlink, !balance, !pay @user amount, !top"
	if b.admins[msg.AuthorID] {
		base += ", !forcelink @user identity_id, !forceunlink @user"
	}
	return base, nil
}

func (b *Bot) cmdForceLink(ctx context.Context, msg Message, args []string) (string, error) {
	if !b.admins[msg.AuthorID] {
		return "", nil
	}
	if len(args) != 2 {
		return "usage: !forcelink @user identity_id", nil
	}
	targetUserID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return "identity_id must be a number", nil
	}
	discordID := strings.Trim(args[0], "<@!>")

	result, err := b.store.ForceLinkDiscord(ctx, discordID, discordID, targetUserID)
	switch {
	case errors.Is(err, store.ErrUnknownUser):
		return "no such identity", nil
	case errors.Is(err, store.ErrLinkConflict):
		return "that account is already linked to another channel", nil
	case errors.Is(err, store.ErrNotLinked):
		return "the target identity has no youtube profile", nil
	case err != nil:
		return "", err
	}
	return fmt.Sprintf("linked %s to identity %d", args[0], result.TargetUserID), nil
}

func (b *Bot) cmdForceUnlink(ctx context.Context, msg Message, args []string) (string, error) {
	if !b.admins[msg.AuthorID] {
		return "", nil
	}
	if len(args) != 1 {
		return "usage: !forceunlink @user", nil
	}
	discordID := strings.Trim(args[0], "<@!>")

	_, err := b.store.ForceUnlinkDiscord(ctx, discordID)
	if errors.Is(err, store.ErrNotLinked) {
		return "that account is not linked", nil
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("unlinked %s", args[0]), nil
}

// FormatQueuedEvent renders a cross-process event for announcement; ok is
// false for event types that produce no message.
func FormatQueuedEvent(event eventqueue.Event) (string, bool) {
	switch event.Type {
	case eventqueue.TypeMilestone, eventqueue.TypeBankruptcy:
		var note progress.Notification
		if err := unmarshalPayload(event, &note); err != nil {
			return "", false
		}
		return formatProgress(note), true
	case eventqueue.TypeLinked:
		var payload struct {
			DiscordID string `json:"discord_id"`
			Merged    bool   `json:"merged"`
		}
		if err := unmarshalPayload(event, &payload); err != nil {
			return "", false
		}
		if payload.Merged {
			return fmt.Sprintf("<@%s> linked their YouTube account, balances merged!", payload.DiscordID), true
		}
		return fmt.Sprintf("<@%s> linked their YouTube account!", payload.DiscordID), true
	case eventqueue.TypeStreamLive:
		var payload struct {
			Title string `json:"title"`
			URL   string `json:"url"`
		}
		if err := unmarshalPayload(event, &payload); err != nil {
			return "", false
		}
		return fmt.Sprintf("We are live: %s %s", payload.Title, payload.URL), true
	default:
		return "", false
	}
}
