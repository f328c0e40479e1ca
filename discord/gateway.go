// Package discord is the guild-chat side of the bot: the earning handler,
// the command set, and the drain loop that turns queued cross-process
// events into channel announcements.
package discord

import "context"

// Message is one guild chat message.
type Message struct {
	ID          string
	GuildID     string
	ChannelID   string
	AuthorID    string
	AuthorName  string
	AuthorIsBot bool
	Text        string
}

// Gateway is the chat transport. The production implementation wraps the
// platform session; tests substitute a fake.
type Gateway interface {
	// SendMessage posts text into a channel.
	SendMessage(ctx context.Context, channelID, text string) error

	// SendDirectMessage posts text into a user's private channel.
	SendDirectMessage(ctx context.Context, userID, text string) error
}
