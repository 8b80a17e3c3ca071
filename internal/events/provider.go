package events

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/recallhq/recall/internal/common/config"
	"github.com/recallhq/recall/internal/common/logger"
	"github.com/recallhq/recall/internal/events/bus"
)

// Provide builds the configured event bus: NATS when a URL is set, the
// in-process bus otherwise. The returned cleanup closes the bus.
func Provide(cfg *config.Config, log *logger.Logger) (bus.EventBus, func(), error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		log.Info("Using NATS event bus", zap.String("url", cfg.NATS.URL))
		return natsBus, natsBus.Close, nil
	}

	log.Info("Using in-memory event bus")
	memBus := bus.NewMemoryEventBus(log)
	return memBus, memBus.Close, nil
}
