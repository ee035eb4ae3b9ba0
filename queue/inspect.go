package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
)

// Depth is a snapshot of one queue.
type Depth struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
	Paused    bool   `json:"paused"`
}

// Inspector reads queue depth from Redis.
type Inspector struct {
	Inspector *asynq.Inspector
	Queue     string
}

// NewInspector connects an inspector for queue.
func NewInspector(redis asynq.RedisConnOpt, queue string) *Inspector {
	return &Inspector{Inspector: asynq.NewInspector(redis), Queue: queue}
}

// Depth returns the current counts. A queue nothing was ever enqueued on
// reports zeros.
func (i *Inspector) Depth(_ context.Context) (Depth, error) {
	info, err := i.Inspector.GetQueueInfo(i.Queue)
	if errors.Is(err, asynq.ErrQueueNotFound) {
		return Depth{Queue: i.Queue}, nil
	}
	if err != nil {
		return Depth{}, fmt.Errorf("inspect queue %s: %w", i.Queue, err)
	}
	return Depth{
		Queue:     info.Queue,
		Pending:   info.Pending,
		Active:    info.Active,
		Scheduled: info.Scheduled,
		Retry:     info.Retry,
		Archived:  info.Archived,
		Paused:    info.Paused,
	}, nil
}

func (i *Inspector) Close() error {
	return i.Inspector.Close()
}
