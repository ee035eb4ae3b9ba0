// Package events fans task status changes out to connected clients.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	TypeTaskStatus = "task_status"

	subscriberBuffer = 16
)

// Event is delivered to every subscriber of UserID.
type Event struct {
	ID     string    `json:"id"`
	Type   string    `json:"type"`
	UserID string    `json:"user_id"`
	TaskID string    `json:"task_id,omitempty"`
	Status string    `json:"status,omitempty"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// TaskStatus builds a task_status event.
func TaskStatus(userID, taskID, status, errText string) Event {
	return Event{
		ID:     uuid.NewString(),
		Type:   TypeTaskStatus,
		UserID: userID,
		TaskID: taskID,
		Status: status,
		Error:  errText,
		At:     time.Now().UTC(),
	}
}

// Broker delivers events to subscribers of a user. Subscribe returns a
// channel that is closed once cancel is called or ctx ends.
type Broker interface {
	Publish(ctx context.Context, e Event) error
	Subscribe(ctx context.Context, userID string) (<-chan Event, func())
}

// MemoryBroker is an in-process Broker. Slow subscribers drop events rather
// than block publishers.
type MemoryBroker struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[chan Event]struct{})}
}

func (b *MemoryBroker) Publish(_ context.Context, e Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[e.UserID] {
		select {
		case ch <- e:
		default:
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, userID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	if b.subs[userID] == nil {
		b.subs[userID] = make(map[chan Event]struct{})
	}
	b.subs[userID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[userID], ch)
			if len(b.subs[userID]) == 0 {
				delete(b.subs, userID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ch, cancel
}

// Subscribers returns the number of live subscriptions for userID.
func (b *MemoryBroker) Subscribers(userID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[userID])
}

// RedisBroker publishes on one Redis channel per user so every API replica
// sees every event.
type RedisBroker struct {
	Client *redis.Client
	Prefix string
	Logger *log.Logger
}

func NewRedisBroker(client *redis.Client, logger *log.Logger) *RedisBroker {
	return &RedisBroker{Client: client, Prefix: "tubevault:events:", Logger: logger}
}

func (b *RedisBroker) channel(userID string) string {
	return b.Prefix + userID
}

func (b *RedisBroker) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return b.Client.Publish(ctx, b.channel(e.UserID), payload).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, userID string) (<-chan Event, func()) {
	ctx, stop := context.WithCancel(ctx)
	sub := b.Client.Subscribe(ctx, b.channel(userID))
	out := make(chan Event, subscriberBuffer)

	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var e Event
				if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
					b.Logger.Warn("drop malformed event", "channel", msg.Channel, "err", err)
					continue
				}
				select {
				case out <- e:
				default:
				}
			}
		}
	}()
	return out, stop
}
