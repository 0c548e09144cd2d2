package redis

import (
	"context"
	"fmt"
	"sync"

	"github.com/kursadbilgin/batch-analyzer/internal/pubsub"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const subscriptionBuffer = 64

var _ pubsub.Bus = (*EventBus)(nil)

// EventBus is a pubsub.Bus on Redis PUBLISH/SUBSCRIBE. Each Subscribe opens
// its own Redis subscription.
type EventBus struct {
	client *goredis.Client
	logger *zap.Logger
}

func NewEventBus(client *goredis.Client, logger *zap.Logger) (*EventBus, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventBus{client: client, logger: logger}, nil
}

func (b *EventBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish on %q: %w", channel, err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so messages
// published afterwards are not missed.
func (b *EventBus) Subscribe(ctx context.Context, channel string) (pubsub.Subscription, error) {
	ps := b.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %q: %w", channel, err)
	}

	sub := &redisSubscription{
		ps:   ps,
		out:  make(chan []byte, subscriptionBuffer),
		done: make(chan struct{}),
	}
	go sub.forward(ps.Channel(goredis.WithChannelSize(subscriptionBuffer)))

	return sub, nil
}

type redisSubscription struct {
	ps   *goredis.PubSub
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (s *redisSubscription) Messages() <-chan []byte {
	return s.out
}

func (s *redisSubscription) forward(in <-chan *goredis.Message) {
	defer close(s.out)

	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.out <- []byte(msg.Payload):
			case <-s.done:
				return
			}
		}
	}
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
