// Package youtube contains the live-chat side of the bot: the platform
// client surface, the message pump with its handler fan-out, and the chat
// command dispatch.
package youtube

import (
	"context"
	"time"

	"github.com/powerbot/powerbot/stream"
)

// ChatMessage is one live-chat message as returned by the platform.
type ChatMessage struct {
	ID          string
	AuthorID    string
	AuthorName  string
	Text        string
	PublishedAt time.Time
}

// FetchResult is one page of live-chat messages. NextDelay is the
// server-suggested wait before the next poll.
type FetchResult struct {
	Messages  []ChatMessage
	PageToken string
	NextDelay time.Duration
}

// PlatformClient is everything the watcher, listener and command layer
// need from the remote platform. Implementations wrap the real API; tests
// substitute fakes.
type PlatformClient interface {
	stream.Detector

	// FetchMessages returns messages after pageToken, in server timestamp
	// order.
	FetchMessages(ctx context.Context, chatID, pageToken string) (*FetchResult, error)

	// PostMessage sends a text message into the live chat.
	PostMessage(ctx context.Context, chatID, text string) error

	// ChannelAvatarURL resolves a channel's avatar, empty when unknown.
	ChannelAvatarURL(ctx context.Context, channelID string) (string, error)
}
