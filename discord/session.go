package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const (
	apiBase    = "https://discord.com/api/v10"
	gatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"

	// GUILD_MESSAGES | DIRECT_MESSAGES | MESSAGE_CONTENT
	gatewayIntents = 1<<9 | 1<<12 | 1<<15

	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatACK   = 11
)

// Session is the production Gateway: REST for outbound messages, the
// gateway websocket for inbound events.
type Session struct {
	token  string
	httpc  *http.Client
	logger *slog.Logger

	mu         sync.Mutex
	dmChannels map[string]string // user id -> dm channel id
}

var _ Gateway = (*Session)(nil)

// NewSession builds a session for the given bot token.
func NewSession(token string, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		token:      token,
		httpc:      &http.Client{Timeout: 15 * time.Second},
		logger:     logger.With("component", "discord_session"),
		dmChannels: make(map[string]string),
	}
}

func (s *Session) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "failed to encode request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+path, bytes.NewReader(raw))
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Authorization", "Bot "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpc.Do(req)
	if err != nil {
		return errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("discord api %s returned %d: %s", path, resp.StatusCode, detail)
	}
	if out != nil {
		return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "failed to decode response")
	}
	return nil
}

// SendMessage posts text into a channel.
func (s *Session) SendMessage(ctx context.Context, channelID, text string) error {
	return s.post(ctx, fmt.Sprintf("/channels/%s/messages", channelID), map[string]string{"content": text}, nil)
}

// SendDirectMessage opens (or reuses) the user's DM channel and posts into
// it.
func (s *Session) SendDirectMessage(ctx context.Context, userID, text string) error {
	s.mu.Lock()
	channelID := s.dmChannels[userID]
	s.mu.Unlock()

	if channelID == "" {
		var channel struct {
			ID string `json:"id"`
		}
		if err := s.post(ctx, "/users/@me/channels", map[string]string{"recipient_id": userID}, &channel); err != nil {
			return errors.Wrap(err, "failed to open dm channel")
		}
		channelID = channel.ID
		s.mu.Lock()
		s.dmChannels[userID] = channelID
		s.mu.Unlock()
	}
	return s.SendMessage(ctx, channelID, text)
}

type gatewayFrame struct {
	Op   int             `json:"op"`
	Data json.RawMessage `json:"d"`
	Seq  int64           `json:"s"`
	Type string          `json:"t"`
}

type gatewayMessage struct {
	ID        string `json:"id"`
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
	Author    struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Bot      bool   `json:"bot"`
	} `json:"author"`
}

// MessageHandler receives each inbound guild or DM message.
type MessageHandler func(ctx context.Context, msg Message)

// Run connects to the gateway and dispatches MESSAGE_CREATE events to the
// handler, reconnecting with backoff until the context is canceled.
func (s *Session) Run(ctx context.Context, handler MessageHandler) error {
	backoff := time.Second
	for {
		err := s.runOnce(ctx, handler)
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Warn("gateway connection lost, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff < 60*time.Second {
			backoff *= 2
		}
	}
}

func (s *Session) runOnce(ctx context.Context, handler MessageHandler) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, gatewayURL, nil)
	if err != nil {
		return errors.Wrap(err, "failed to dial gateway")
	}
	defer conn.Close()

	// Close the socket when the context dies so ReadJSON unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	var hello gatewayFrame
	if err := conn.ReadJSON(&hello); err != nil {
		return errors.Wrap(err, "failed to read hello")
	}
	if hello.Op != opHello {
		return errors.Errorf("expected hello, got op %d", hello.Op)
	}
	var helloData struct {
		HeartbeatInterval int64 `json:"heartbeat_interval"`
	}
	if err := json.Unmarshal(hello.Data, &helloData); err != nil {
		return errors.Wrap(err, "failed to decode hello")
	}

	writeMu := sync.Mutex{}
	writeJSON := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	identify := map[string]any{
		"op": opIdentify,
		"d": map[string]any{
			"token":   s.token,
			"intents": gatewayIntents,
			"properties": map[string]string{
				"os":      "linux",
				"browser": "powerbot",
				"device":  "powerbot",
			},
		},
	}
	if err := writeJSON(identify); err != nil {
		return errors.Wrap(err, "failed to identify")
	}

	var seqMu sync.Mutex
	var lastSeq int64
	go func() {
		ticker := time.NewTicker(time.Duration(helloData.HeartbeatInterval) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				seqMu.Lock()
				seq := lastSeq
				seqMu.Unlock()
				if err := writeJSON(map[string]any{"op": opHeartbeat, "d": seq}); err != nil {
					return
				}
			}
		}
	}()

	s.logger.Info("gateway connected")
	for {
		var frame gatewayFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return errors.Wrap(err, "gateway read failed")
		}
		switch frame.Op {
		case opDispatch:
			seqMu.Lock()
			lastSeq = frame.Seq
			seqMu.Unlock()
			if frame.Type != "MESSAGE_CREATE" {
				continue
			}
			var raw gatewayMessage
			if err := json.Unmarshal(frame.Data, &raw); err != nil {
				s.logger.Warn("failed to decode message event", "error", err)
				continue
			}
			handler(ctx, Message{
				ID:          raw.ID,
				GuildID:     raw.GuildID,
				ChannelID:   raw.ChannelID,
				AuthorID:    raw.Author.ID,
				AuthorName:  raw.Author.Username,
				AuthorIsBot: raw.Author.Bot,
				Text:        raw.Content,
			})
		case opHeartbeat:
			seqMu.Lock()
			seq := lastSeq
			seqMu.Unlock()
			if err := writeJSON(map[string]any{"op": opHeartbeat, "d": seq}); err != nil {
				return errors.Wrap(err, "heartbeat reply failed")
			}
		case opReconnect, opInvalidSession:
			return errors.Errorf("gateway requested reconnect (op %d)", frame.Op)
		case opHeartbeatACK:
		}
	}
}
