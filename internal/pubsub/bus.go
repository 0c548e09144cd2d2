package pubsub

import (
	"context"
	"errors"
	"fmt"
)

// Bus publishes opaque payloads on named channels. Every subscription receives
// its own copy of each message published after it was established.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription is a single subscriber's view of a channel. Messages is closed
// after Close or when the underlying transport goes away.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

var ErrBusClosed = errors.New("bus is closed")

// BatchProgressChannel is the channel carrying a batch's progress snapshots.
func BatchProgressChannel(batchID string) string {
	return fmt.Sprintf("batch:%s:progress", batchID)
}
