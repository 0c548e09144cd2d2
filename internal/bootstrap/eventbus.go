package bootstrap

import (
	"github.com/kursadbilgin/batch-analyzer/internal/config"
	infraredis "github.com/kursadbilgin/batch-analyzer/internal/infra/redis"
	"github.com/kursadbilgin/batch-analyzer/internal/pubsub"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NewEventBus returns the progress event transport selected by EVENT_BUS and
// a func releasing it. The memory bus only reaches subscribers in this process.
func NewEventBus(cfg *config.Config, rdb *goredis.Client, logger *zap.Logger) (pubsub.Bus, func() error, error) {
	if cfg.EventBus == config.EventBusMemory {
		bus := pubsub.NewMemoryBus(cfg.EventBusBufferSize)
		return bus, bus.Close, nil
	}

	bus, err := infraredis.NewEventBus(rdb, logger)
	if err != nil {
		return nil, nil, err
	}
	return bus, func() error { return nil }, nil
}
