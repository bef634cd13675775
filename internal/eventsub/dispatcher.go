package eventsub

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"streamglass/internal/live"
	"streamglass/internal/observability/metrics"
)

// dispatcher turns notification frames into state mutations and queue
// publishes. The session loop owns it; none of its methods are safe for
// concurrent use.
type dispatcher struct {
	store   *live.Store
	queue   live.Queue
	logger  *slog.Logger
	metrics *metrics.Recorder
	window  *replayWindow
}

func newDispatcher(store *live.Store, queue live.Queue, logger *slog.Logger, recorder *metrics.Recorder) *dispatcher {
	return &dispatcher{
		store:   store,
		queue:   queue,
		logger:  logger,
		metrics: recorder,
		window:  newReplayWindow(replayWindowSize),
	}
}

// HandleNotification applies one notification frame. Duplicates, unknown
// subscription types, and malformed bodies are dropped without error so a
// single bad frame never tears down the session.
func (d *dispatcher) HandleNotification(ctx context.Context, envelope Envelope) {
	if d.window.Observe(envelope.Metadata.MessageID) {
		d.metrics.DuplicateDropped()
		d.logger.Debug("duplicate notification dropped", "message_id", envelope.Metadata.MessageID)
		return
	}

	var payload NotificationPayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		d.logger.Warn("malformed notification payload", "message_id", envelope.Metadata.MessageID, "error", err)
		return
	}

	subscriptionType := envelope.Metadata.SubscriptionType
	if subscriptionType == "" {
		subscriptionType = payload.Subscription.Type
	}
	convert, ok := converters[subscriptionType]
	if !ok {
		d.logger.Debug("unhandled subscription type", "type", subscriptionType)
		return
	}

	event, err := convert(envelope.Metadata, payload.Event)
	if err != nil {
		d.logger.Warn("dropping undecodable event", "type", subscriptionType, "error", err)
		return
	}

	d.store.AppendEvent(event)
	bits := 0
	if event.Cheer != nil {
		bits = event.Cheer.Bits
	}
	d.metrics.ObserveNotification(subscriptionType, bits)

	d.publish(ctx, live.Update{Op: live.OpEvent, Event: &event, SentAt: time.Now().UTC()})
}

// PublishStatus mirrors a connection-state change onto the queue so push
// consumers see it without polling.
func (d *dispatcher) PublishStatus(ctx context.Context, status live.Status) {
	d.publish(ctx, live.Update{Op: live.OpStatus, Connection: status, SentAt: time.Now().UTC()})
}

func (d *dispatcher) publish(ctx context.Context, update live.Update) {
	if d.queue == nil {
		return
	}
	if err := d.queue.Publish(ctx, update); err != nil {
		d.metrics.UpdateDropped()
		d.logger.Warn("update publish failed", "op", update.Op, "error", err)
	}
}
