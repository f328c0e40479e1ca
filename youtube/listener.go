package youtube

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// Handler processes one fresh chat message. Handlers run sequentially in
// registration order; an error is logged and swallowed so one broken
// handler never stalls the pump.
type Handler func(ctx context.Context, msg ChatMessage) error

// DefaultPollInterval is the lower bound between polls regardless of what
// the server suggests.
const DefaultPollInterval = 3 * time.Second

// Stats is the listener's observable state.
type Stats struct {
	ProcessedMessages int64
	PollInterval      time.Duration
	IsRunning         bool
}

// Listener is the live-chat message pump: poll, dedupe, fan out.
type Listener struct {
	client       PlatformClient
	chatID       string
	handlers     []Handler
	pollInterval time.Duration
	limiter      *rate.Limiter
	seen         *seenSet
	logger       *slog.Logger

	processed atomic.Int64
	running   atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewListener builds a pump for one live chat. Handlers fire in the order
// given here.
func NewListener(client PlatformClient, chatID string, pollInterval time.Duration, logger *slog.Logger, handlers ...Handler) *Listener {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		client:       client,
		chatID:       chatID,
		handlers:     handlers,
		pollInterval: pollInterval,
		limiter:      rate.NewLimiter(rate.Every(pollInterval), 1),
		seen:         newSeenSet(1024),
		logger:       logger.With("component", "chat_listener", "chat_id", chatID),
	}
}

// Start launches the pump. It returns immediately; the pump runs until
// Stop or context cancellation.
func (l *Listener) Start(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("listener already running")
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	go l.run(ctx)
	return nil
}

// Stop cancels the pump and waits for the in-flight iteration to finish.
func (l *Listener) Stop() {
	if !l.running.Load() {
		return
	}
	l.cancel()
	<-l.done
}

// Stats returns a snapshot of the pump state.
func (l *Listener) Stats() Stats {
	return Stats{
		ProcessedMessages: l.processed.Load(),
		PollInterval:      l.pollInterval,
		IsRunning:         l.running.Load(),
	}
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)
	defer l.running.Store(false)

	l.logger.Info("chat listener started", "poll_interval", l.pollInterval)
	pageToken := ""
	for {
		if err := l.limiter.Wait(ctx); err != nil {
			l.logger.Info("chat listener stopped")
			return
		}

		result, err := l.client.FetchMessages(ctx, l.chatID, pageToken)
		if err != nil {
			if ctx.Err() != nil {
				l.logger.Info("chat listener stopped")
				return
			}
			// Timeouts and transient faults retry on the next tick.
			l.logger.Warn("failed to fetch messages", "error", err)
			continue
		}
		pageToken = result.PageToken

		for _, msg := range result.Messages {
			if l.seen.Seen(msg.ID) {
				continue
			}
			l.dispatch(ctx, msg)
			l.processed.Add(1)
		}

		// Honor a server-suggested delay above our own lower bound.
		if extra := result.NextDelay - l.pollInterval; extra > 0 {
			select {
			case <-time.After(extra):
			case <-ctx.Done():
				l.logger.Info("chat listener stopped")
				return
			}
		}
	}
}

func (l *Listener) dispatch(ctx context.Context, msg ChatMessage) {
	for _, handler := range l.handlers {
		if err := handler(ctx, msg); err != nil {
			l.logger.Warn("handler failed",
				"message_id", msg.ID,
				"author_id", msg.AuthorID,
				"error", err)
		}
	}
}
