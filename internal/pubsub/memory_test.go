package pubsub

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryBusFanOut(t *testing.T) {
	t.Parallel()

	bus := NewMemoryBus(4)
	ctx := context.Background()

	first, err := bus.Subscribe(ctx, "batch:b1:progress")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	second, err := bus.Subscribe(ctx, "batch:b1:progress")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	other, err := bus.Subscribe(ctx, "batch:b2:progress")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if err := bus.Publish(ctx, "batch:b1:progress", []byte("one")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	for _, sub := range []Subscription{first, second} {
		if got := string(<-sub.Messages()); got != "one" {
			t.Fatalf("message = %q, want one", got)
		}
	}
	select {
	case msg := <-other.Messages():
		t.Fatalf("unexpected message on other channel: %q", msg)
	default:
	}

	if err := first.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, ok := <-first.Messages(); ok {
		t.Fatal("expected closed subscription channel")
	}
	if err := first.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	if err := bus.Publish(ctx, "batch:b1:progress", []byte("two")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if got := string(<-second.Messages()); got != "two" {
		t.Fatalf("message = %q, want two", got)
	}
	if n := bus.Subscribers("batch:b1:progress"); n != 1 {
		t.Fatalf("Subscribers() = %d, want 1", n)
	}
}

func TestMemoryBusDropsWhenFull(t *testing.T) {
	t.Parallel()

	bus := NewMemoryBus(1)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "c")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	_ = bus.Publish(ctx, "c", []byte("a"))
	_ = bus.Publish(ctx, "c", []byte("b"))

	if bus.Dropped() != 1 {
		t.Fatalf("Dropped() = %d, want 1", bus.Dropped())
	}
	if got := string(<-sub.Messages()); got != "a" {
		t.Fatalf("message = %q, want a", got)
	}
}

func TestMemoryBusClose(t *testing.T) {
	t.Parallel()

	bus := NewMemoryBus(1)
	sub, err := bus.Subscribe(context.Background(), "c")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if err := bus.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, ok := <-sub.Messages(); ok {
		t.Fatal("expected subscription to be closed with the bus")
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("sub.Close() after bus close error = %v", err)
	}
	if err := bus.Publish(context.Background(), "c", nil); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("Publish() error = %v, want ErrBusClosed", err)
	}
}
