package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"tubevault/telemetry"
)

// TypeParseURL is the asynq task type for URL parsing.
const TypeParseURL = "task:parse_url"

const parseTimeout = 2 * time.Minute

// ParseURLPayload is the asynq payload for TypeParseURL.
type ParseURLPayload struct {
	TaskID string `json:"task_id"`
}

// AsynqDispatcher enqueues tasks on Redis for `tubevault worker`.
type AsynqDispatcher struct {
	Client   *asynq.Client
	Queue    string
	MaxRetry int
}

func (d *AsynqDispatcher) Dispatch(ctx context.Context, taskID string) error {
	payload, err := json.Marshal(ParseURLPayload{TaskID: taskID})
	if err != nil {
		return err
	}
	_, err = d.Client.EnqueueContext(ctx, asynq.NewTask(TypeParseURL, payload),
		asynq.Queue(d.Queue),
		asynq.TaskID(taskID+":"+uuid.NewString()),
		asynq.MaxRetry(d.MaxRetry),
		asynq.Timeout(parseTimeout),
	)
	if err != nil {
		telemetry.TasksDispatched.WithLabelValues("asynq", "error").Inc()
		return fmt.Errorf("enqueue %s: %w", taskID, err)
	}
	telemetry.TasksDispatched.WithLabelValues("asynq", "ok").Inc()
	return nil
}

// InlineDispatcher runs tasks in goroutines of the API process. It retries
// with a linear backoff up to MaxRetry times.
type InlineDispatcher struct {
	Processor *Processor
	Logger    *log.Logger
	MaxRetry  int
	Backoff   time.Duration

	// Ctx bounds every run; cancelling it abandons queued retries.
	Ctx context.Context

	wg sync.WaitGroup
}

func (d *InlineDispatcher) Dispatch(_ context.Context, taskID string) error {
	base := d.Ctx
	if base == nil {
		base = context.Background()
	}
	if base.Err() != nil {
		telemetry.TasksDispatched.WithLabelValues("inline", "error").Inc()
		return fmt.Errorf("dispatch %s: %w", taskID, base.Err())
	}
	telemetry.TasksDispatched.WithLabelValues("inline", "ok").Inc()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(base, taskID)
	}()
	return nil
}

func (d *InlineDispatcher) run(ctx context.Context, taskID string) {
	for attempt := 0; attempt <= d.MaxRetry; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(attempt) * d.Backoff):
			}
		}
		runCtx, cancel := context.WithTimeout(ctx, parseTimeout)
		err := d.Processor.ParseURL(runCtx, taskID, attempt == d.MaxRetry)
		cancel()
		if err == nil || errors.Is(err, ErrPermanent) {
			return
		}
		d.Logger.Debug("inline attempt failed", "task_id", taskID, "attempt", attempt+1, "err", err)
	}
}

// Wait blocks until every dispatched task has finished.
func (d *InlineDispatcher) Wait() {
	d.wg.Wait()
}
