package live

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/recallhq/recall/internal/common/logger"
	"github.com/recallhq/recall/internal/events"
	"github.com/recallhq/recall/internal/events/bus"
	"github.com/recallhq/recall/internal/store"
)

const eventSource = "observer"

// Broadcaster publishes typed viewer events on the event bus. Publishing
// never blocks on slow subscribers; delivery to WebSocket clients is the
// Hub's concern.
type Broadcaster struct {
	bus    bus.EventBus
	logger *logger.Logger
}

// NewBroadcaster creates a Broadcaster over the given bus.
func NewBroadcaster(eventBus bus.EventBus, log *logger.Logger) *Broadcaster {
	return &Broadcaster{
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "live-broadcaster")),
	}
}

func (b *Broadcaster) publish(ctx context.Context, eventType string, payload any) {
	event := bus.NewEvent(eventType, eventSource, payload)
	if err := b.bus.Publish(ctx, events.BuildLiveSubject(eventType), event); err != nil {
		b.logger.Warn("failed to publish live event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// EmitObservation broadcasts a new_observation event.
func (b *Broadcaster) EmitObservation(ctx context.Context, obs *store.Observation) {
	b.publish(ctx, events.NewObservation, NewObservationEvent(obs))
}

// EmitSummary broadcasts a new_summary event.
func (b *Broadcaster) EmitSummary(ctx context.Context, summary *store.Summary) {
	b.publish(ctx, events.NewSummary, NewSummaryEvent(summary))
}

// EmitPrompt broadcasts a new_prompt event.
func (b *Broadcaster) EmitPrompt(ctx context.Context, prompt *store.UserPrompt) {
	b.publish(ctx, events.NewPrompt, NewPromptEvent(prompt))
}

// EmitProcessingStatus broadcasts the current active-work state.
func (b *Broadcaster) EmitProcessingStatus(ctx context.Context, isProcessing bool, queueDepth int) {
	b.publish(ctx, events.ProcessingStatus, ProcessingStatusEvent{
		Type:         events.ProcessingStatus,
		IsProcessing: isProcessing,
		QueueDepth:   queueDepth,
	})
}

// EmitTokenUpdate broadcasts the throttled token-economics summary.
func (b *Broadcaster) EmitTokenUpdate(ctx context.Context, tokens any) {
	b.publish(ctx, events.TokenUpdate, TokenUpdateEvent{
		Type:      events.TokenUpdate,
		Tokens:    tokens,
		Timestamp: time.Now().UnixMilli(),
	})
}
