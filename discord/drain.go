package discord

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/powerbot/powerbot/eventqueue"
)

const (
	drainInterval = 10 * time.Second
	drainBatch    = 20
)

func unmarshalPayload(event eventqueue.Event, out any) error {
	return errors.Wrap(json.Unmarshal(event.Payload, out), "failed to decode event payload")
}

// Drainer pops cross-process events and announces them in the configured
// channel. Events the worker cannot render are dropped; they are advisory.
type Drainer struct {
	queue           *eventqueue.Queue
	gateway         Gateway
	announceChannel string
	logger          *slog.Logger
}

// NewDrainer builds a drain loop posting into announceChannel.
func NewDrainer(queue *eventqueue.Queue, gateway Gateway, announceChannel string, logger *slog.Logger) *Drainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Drainer{
		queue:           queue,
		gateway:         gateway,
		announceChannel: announceChannel,
		logger:          logger.With("component", "event_drain"),
	}
}

// DrainOnce pops one batch and announces it. Returns the number of events
// consumed.
func (d *Drainer) DrainOnce(ctx context.Context) (int, error) {
	events, err := d.queue.PopUpTo(drainBatch)
	if err != nil {
		return 0, err
	}
	for _, event := range events {
		text, ok := FormatQueuedEvent(event)
		if !ok {
			d.logger.Debug("dropping unrenderable event", "type", event.Type, "id", event.ID)
			continue
		}
		if err := d.gateway.SendMessage(ctx, d.announceChannel, text); err != nil {
			// The event is already popped; losing it is within the queue's
			// advisory contract.
			d.logger.Warn("failed to announce event", "type", event.Type, "error", err)
		}
	}
	return len(events), nil
}

// Run drains on a fixed cadence until the context is canceled.
func (d *Drainer) Run(ctx context.Context) {
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.DrainOnce(ctx); err != nil {
				d.logger.Warn("queue drain failed", "error", err)
			}
		}
	}
}
