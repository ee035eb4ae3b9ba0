// Package queue runs URL parsing in the background, either through asynq
// workers backed by Redis or in-process goroutines.
package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"tubevault/db"
	"tubevault/events"
	"tubevault/storage"
	"tubevault/tasks"
	"tubevault/telemetry"
	"tubevault/youtube"
)

// ErrPermanent marks failures that retrying cannot fix.
var ErrPermanent = errors.New("permanent failure")

// Processor turns a task's URL into a stored YouTube item.
type Processor struct {
	Tasks        *tasks.Store
	Items        *youtube.Store
	Fetcher      youtube.Fetcher
	Storage      storage.ObjectStore
	Events       events.Broker
	Logger       *log.Logger
	FetchTimeout time.Duration
}

// ParseURL processes one task. lastAttempt tells it to mark the task failed
// on a retryable error instead of leaving it for the next attempt.
func (p *Processor) ParseURL(ctx context.Context, taskID string, lastAttempt bool) (err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "queue.ParseURL")
	span.SetAttributes(attribute.String("task.id", taskID), attribute.Bool("task.last_attempt", lastAttempt))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	t, err := p.Tasks.Get(ctx, taskID)
	if errors.Is(err, db.ErrNotFound) {
		p.Logger.Info("task vanished before processing", "task_id", taskID)
		return nil
	}
	if err != nil {
		return err
	}

	if t.Status.Terminal() {
		p.Logger.Debug("task already finished", "task_id", t.ID, "status", t.Status)
		return nil
	}
	switch t.Status {
	case tasks.StatusNew, tasks.StatusPending:
		t, err = p.Tasks.Transition(ctx, t.ID, t.Status, tasks.StatusInProgress, "")
		if errors.Is(err, tasks.ErrInvalidTransition) {
			// Another worker took it.
			return nil
		}
		if err != nil {
			return err
		}
		p.publish(ctx, t)
	}

	ref, err := youtube.Classify(t.URL)
	if err != nil {
		telemetry.TasksProcessed.WithLabelValues("unknown", "unsupported").Inc()
		return p.fail(ctx, t, fmt.Errorf("%w: %w", ErrPermanent, err))
	}
	span.SetAttributes(attribute.String("item.kind", string(ref.Kind)), attribute.String("item.ref", ref.ID))

	md, err := p.fetch(ctx, ref)
	if err != nil {
		if errors.Is(err, youtube.ErrItemNotFound) {
			telemetry.TasksProcessed.WithLabelValues(string(ref.Kind), "not_found").Inc()
			return p.fail(ctx, t, fmt.Errorf("%w: %w", ErrPermanent, err))
		}
		return p.retryOrFail(ctx, t, ref, err, lastAttempt)
	}

	item, created, err := p.Items.Upsert(ctx, youtube.UpsertParams{
		Kind:     ref.Kind,
		ExtID:    md.ExtID,
		OwnerID:  t.OwnerID,
		TaskID:   t.ID,
		Title:    md.Title,
		Metadata: md.Raw,
	})
	if err != nil {
		return p.retryOrFail(ctx, t, ref, fmt.Errorf("store item: %w", err), lastAttempt)
	}
	p.snapshot(ctx, ref.Kind, md)

	t, err = p.Tasks.Transition(ctx, t.ID, tasks.StatusInProgress, tasks.StatusCompleted, "")
	if err != nil {
		return err
	}
	telemetry.TasksProcessed.WithLabelValues(string(ref.Kind), "completed").Inc()
	p.Logger.Info("task completed", "task_id", t.ID, "kind", ref.Kind, "ext_id", item.ExtID, "created", created)
	p.publish(ctx, t)
	return nil
}

func (p *Processor) fetch(ctx context.Context, ref youtube.Ref) (*youtube.Metadata, error) {
	if p.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.FetchTimeout)
		defer cancel()
	}
	ctx, span := telemetry.Tracer().Start(ctx, "youtube.Fetch")
	defer span.End()

	start := time.Now()
	md, err := p.Fetcher.Fetch(ctx, ref)
	telemetry.FetchDuration.WithLabelValues(string(ref.Kind)).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return md, err
}

func (p *Processor) retryOrFail(ctx context.Context, t tasks.Task, ref youtube.Ref, err error, lastAttempt bool) error {
	if !lastAttempt {
		telemetry.TasksProcessed.WithLabelValues(string(ref.Kind), "retry").Inc()
		p.Logger.Warn("task attempt failed", "task_id", t.ID, "err", err)
		return err
	}
	telemetry.TasksProcessed.WithLabelValues(string(ref.Kind), "failed").Inc()
	return p.fail(ctx, t, err)
}

// fail records err on the task and returns it.
func (p *Processor) fail(ctx context.Context, t tasks.Task, cause error) error {
	failed, err := p.Tasks.Transition(ctx, t.ID, tasks.StatusInProgress, tasks.StatusFailed, cause.Error())
	if err != nil {
		return errors.Join(cause, err)
	}
	p.Logger.Warn("task failed", "task_id", t.ID, "err", cause)
	p.publish(ctx, failed)
	return cause
}

func (p *Processor) snapshot(ctx context.Context, kind youtube.Kind, md *youtube.Metadata) {
	if p.Storage == nil || len(md.Raw) == 0 {
		return
	}
	key := storage.MetadataKey(string(kind), md.ExtID)
	if err := p.Storage.Put(ctx, key, bytes.NewReader(md.Raw), int64(len(md.Raw)), "application/json"); err != nil {
		p.Logger.Warn("metadata snapshot failed", "key", key, "err", err)
	}
}

func (p *Processor) publish(ctx context.Context, t tasks.Task) {
	if p.Events == nil {
		return
	}
	if err := p.Events.Publish(ctx, events.TaskStatus(t.OwnerID, t.ID, string(t.Status), t.Error)); err != nil {
		p.Logger.Warn("publish task event", "task_id", t.ID, "err", err)
	}
}
