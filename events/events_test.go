package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"tubevault/logging"
)

func TestMemoryBroker_DeliversToUser(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	alice, cancelA := b.Subscribe(ctx, "alice")
	defer cancelA()
	bob, cancelB := b.Subscribe(ctx, "bob")
	defer cancelB()

	if err := b.Publish(ctx, TaskStatus("alice", "t1", "completed", "")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case e := <-alice:
		if e.TaskID != "t1" || e.Status != "completed" || e.Type != TypeTaskStatus || e.ID == "" {
			t.Fatalf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("alice received nothing")
	}

	select {
	case e := <-bob:
		t.Fatalf("bob received %+v", e)
	default:
	}
}

func TestMemoryBroker_CancelClosesChannel(t *testing.T) {
	b := NewMemoryBroker()
	ch, cancel := b.Subscribe(context.Background(), "u")
	if n := b.Subscribers("u"); n != 1 {
		t.Fatalf("subscribers = %d", n)
	}
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after cancel")
	}
	if n := b.Subscribers("u"); n != 0 {
		t.Fatalf("subscribers after cancel = %d", n)
	}
	if err := b.Publish(context.Background(), TaskStatus("u", "t", "failed", "boom")); err != nil {
		t.Fatalf("publish after cancel: %v", err)
	}
}

func TestMemoryBroker_ContextEndsSubscription(t *testing.T) {
	b := NewMemoryBroker()
	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, "u")
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("unexpected event")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
}

func TestMemoryBroker_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewMemoryBroker()
	_, cancel := b.Subscribe(context.Background(), "u")
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			b.Publish(context.Background(), TaskStatus("u", "t", "pending", ""))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestRedisBroker_RoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	b := NewRedisBroker(client, logging.Discard())
	ctx := context.Background()

	ch, cancel := b.Subscribe(ctx, "alice")
	defer cancel()

	sent := TaskStatus("alice", "t1", "failed", "boom")
	// SUBSCRIBE is not acknowledged synchronously; publish until it lands.
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	deadline := time.After(2 * time.Second)
	for {
		if err := b.Publish(ctx, sent); err != nil {
			t.Fatalf("publish: %v", err)
		}
		select {
		case got := <-ch:
			if got.ID != sent.ID || got.TaskID != "t1" || got.Status != "failed" || got.Error != "boom" || got.UserID != "alice" || !got.At.Equal(sent.At) {
				t.Fatalf("event = %+v, want %+v", got, sent)
			}
			cancel()
			select {
			case _, ok := <-ch:
				if ok {
					// A duplicate from an earlier publish may still be buffered.
					for range ch {
					}
				}
			case <-time.After(2 * time.Second):
				t.Fatal("channel not closed after cancel")
			}
			return
		case <-tick.C:
		case <-deadline:
			t.Fatal("no event received")
		}
	}
}

func TestRedisBroker_DropsMalformed(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	b := NewRedisBroker(client, logging.Discard())
	ctx := context.Background()

	ch, cancel := b.Subscribe(ctx, "bob")
	defer cancel()

	valid := TaskStatus("bob", "t2", "completed", "")
	deadline := time.After(2 * time.Second)
	for {
		mr.Publish("tubevault:events:bob", "not json")
		if err := b.Publish(ctx, valid); err != nil {
			t.Fatalf("publish: %v", err)
		}
		select {
		case got := <-ch:
			if got.ID != valid.ID {
				t.Fatalf("event = %+v", got)
			}
			return
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatal("no event received")
		}
	}
}
