package youtube

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/api/option"
	ytapi "google.golang.org/api/youtube/v3"

	"github.com/powerbot/powerbot/stream"
)

// APIClient is the production PlatformClient, backed by the YouTube Data
// API v3. Read calls work with an API key; posting into the chat requires
// OAuth credentials instead.
type APIClient struct {
	svc       *ytapi.Service
	channelID string
}

var _ PlatformClient = (*APIClient)(nil)

// NewAPIClient builds a client watching the given channel.
func NewAPIClient(ctx context.Context, channelID string, opts ...option.ClientOption) (*APIClient, error) {
	svc, err := ytapi.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create youtube service")
	}
	return &APIClient{svc: svc, channelID: channelID}, nil
}

// ListActiveBroadcasts searches the watched channel for a live video and
// resolves its chat id.
func (c *APIClient) ListActiveBroadcasts(ctx context.Context) ([]stream.Broadcast, error) {
	search, err := c.svc.Search.List([]string{"snippet"}).
		ChannelId(c.channelID).
		EventType("live").
		Type("video").
		MaxResults(5).
		Context(ctx).
		Do()
	if err != nil {
		return nil, errors.Wrap(err, "live search failed")
	}

	var broadcasts []stream.Broadcast
	for _, item := range search.Items {
		if item.Id == nil || item.Id.VideoId == "" {
			continue
		}
		videoID := item.Id.VideoId
		b := stream.Broadcast{
			VideoID: videoID,
			URL:     "https://www.youtube.com/watch?v=" + videoID,
		}
		if item.Snippet != nil {
			b.Title = item.Snippet.Title
		}

		videos, err := c.svc.Videos.List([]string{"liveStreamingDetails"}).
			Id(videoID).
			Context(ctx).
			Do()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to resolve chat id for video %s", videoID)
		}
		for _, v := range videos.Items {
			if v.LiveStreamingDetails != nil {
				b.LiveChatID = v.LiveStreamingDetails.ActiveLiveChatId
			}
		}
		broadcasts = append(broadcasts, b)
	}
	return broadcasts, nil
}

// FetchMessages returns one page of live-chat messages. The server's
// suggested polling interval is passed through so the listener can slow
// down when asked.
func (c *APIClient) FetchMessages(ctx context.Context, chatID, pageToken string) (*FetchResult, error) {
	call := c.svc.LiveChatMessages.List(chatID, []string{"snippet", "authorDetails"}).Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch chat messages")
	}

	result := &FetchResult{
		PageToken: resp.NextPageToken,
		NextDelay: time.Duration(resp.PollingIntervalMillis) * time.Millisecond,
	}
	for _, item := range resp.Items {
		if item.Snippet == nil || item.AuthorDetails == nil {
			continue
		}
		published, _ := time.Parse(time.RFC3339, item.Snippet.PublishedAt)
		result.Messages = append(result.Messages, ChatMessage{
			ID:          item.Id,
			AuthorID:    item.AuthorDetails.ChannelId,
			AuthorName:  item.AuthorDetails.DisplayName,
			Text:        item.Snippet.DisplayMessage,
			PublishedAt: published,
		})
	}
	return result, nil
}

// PostMessage sends a text message into the live chat.
func (c *APIClient) PostMessage(ctx context.Context, chatID, text string) error {
	_, err := c.svc.LiveChatMessages.Insert([]string{"snippet"}, &ytapi.LiveChatMessage{
		Snippet: &ytapi.LiveChatMessageSnippet{
			LiveChatId: chatID,
			Type:       "textMessageEvent",
			TextMessageDetails: &ytapi.LiveChatTextMessageDetails{
				MessageText: text,
			},
		},
	}).Context(ctx).Do()
	return errors.Wrap(err, "failed to post chat message")
}

// ChannelAvatarURL resolves a channel's avatar thumbnail.
func (c *APIClient) ChannelAvatarURL(ctx context.Context, channelID string) (string, error) {
	resp, err := c.svc.Channels.List([]string{"snippet"}).Id(channelID).Context(ctx).Do()
	if err != nil {
		return "", errors.Wrap(err, "failed to look up channel")
	}
	for _, item := range resp.Items {
		if item.Snippet != nil && item.Snippet.Thumbnails != nil && item.Snippet.Thumbnails.Default != nil {
			return item.Snippet.Thumbnails.Default.Url, nil
		}
	}
	return "", nil
}
