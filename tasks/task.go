// Package tasks tracks URL submissions through their processing lifecycle.
package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"tubevault/db"
)

// Status is a task lifecycle state.
type Status string

const (
	StatusNew        Status = "new"
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// transitions lists the allowed moves. failed → pending is a retry.
var transitions = map[Status][]Status{
	StatusNew:        {StatusPending, StatusInProgress, StatusFailed},
	StatusPending:    {StatusInProgress, StatusFailed},
	StatusInProgress: {StatusCompleted, StatusFailed},
	StatusFailed:     {StatusPending},
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task is a submitted URL.
type Task struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	OwnerID   string    `json:"owner_id"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const maxURLLen = 2048

// ValidateURL accepts absolute http(s) URLs with a host.
func ValidateURL(raw string) error {
	if raw == "" {
		return errors.New("url is required")
	}
	if len(raw) > maxURLLen {
		return fmt.Errorf("url must not exceed %d characters", maxURLLen)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("url must be an absolute http(s) URL")
	}
	return nil
}

var columns = []string{"id", "url", "owner_id", "status", "error", "created_at", "updated_at"}

func scanTask(s db.Scanner) (Task, error) {
	var (
		t                Task
		errText          sql.NullString
		created, updated string
	)
	if err := s.Scan(&t.ID, &t.URL, &t.OwnerID, &t.Status, &errText, &created, &updated); err != nil {
		return t, err
	}
	t.Error = errText.String
	var err error
	if t.CreatedAt, err = db.ParseTime(created); err != nil {
		return t, err
	}
	if t.UpdatedAt, err = db.ParseTime(updated); err != nil {
		return t, err
	}
	return t, nil
}

// Store reads and writes the tasks table.
type Store struct {
	tasks *db.Manager[Task]
}

func NewStore(q db.Querier) *Store {
	return &Store{tasks: db.NewManager(q, "tasks", columns, scanTask)}
}

func (s *Store) Create(ctx context.Context, ownerID, rawURL string) (Task, error) {
	id := uuid.NewString()
	now := db.Now()
	err := s.tasks.Create(ctx, db.Values{
		"id":         id,
		"url":        rawURL,
		"owner_id":   ownerID,
		"status":     string(StatusNew),
		"created_at": now,
		"updated_at": now,
	})
	if err != nil {
		return Task{}, err
	}
	return s.Get(ctx, id)
}

func (s *Store) Get(ctx context.Context, id string) (Task, error) {
	return s.tasks.Get(ctx, db.Where{"id": id})
}

// GetOwned returns the task only if ownerID owns it.
func (s *Store) GetOwned(ctx context.Context, id, ownerID string) (Task, error) {
	return s.tasks.Get(ctx, db.Where{"id": id, "owner_id": ownerID})
}

// ListFilter narrows List. Empty fields are ignored.
type ListFilter struct {
	OwnerID string
	Status  Status
	Limit   int
	Offset  int
}

func (s *Store) List(ctx context.Context, f ListFilter) ([]Task, error) {
	w := db.Where{}
	if f.OwnerID != "" {
		w["owner_id"] = f.OwnerID
	}
	if f.Status != "" {
		w["status"] = string(f.Status)
	}
	return s.tasks.Filter(ctx, w, db.OrderBy("-created_at"), db.Limit(f.Limit), db.Offset(f.Offset))
}

// Transition moves a task from one status to another. It is a
// compare-and-set: when the stored status is no longer from, nothing changes
// and ErrInvalidTransition is returned. errText is stored for failures and
// cleared otherwise.
func (s *Store) Transition(ctx context.Context, id string, from, to Status, errText string) (Task, error) {
	if !CanTransition(from, to) {
		return Task{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	v := db.Values{"status": string(to), "updated_at": db.Now(), "error": nil}
	if to == StatusFailed {
		v["error"] = errText
	}
	n, err := s.tasks.Update(ctx, db.Where{"id": id, "status": string(from)}, v)
	if err != nil {
		return Task{}, err
	}
	if n == 0 {
		t, err := s.Get(ctx, id)
		if err != nil {
			return Task{}, err
		}
		return t, fmt.Errorf("%w: task is %s, not %s", ErrInvalidTransition, t.Status, from)
	}
	return s.Get(ctx, id)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	n, err := s.tasks.Delete(ctx, db.Where{"id": id})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("tasks: %w", db.ErrNotFound)
	}
	return nil
}

// CountByStatus returns task counts keyed by status, for one owner or all
// when ownerID is empty.
func (s *Store) CountByStatus(ctx context.Context, ownerID string) (map[Status]int, error) {
	out := make(map[Status]int, 5)
	for _, st := range []Status{StatusNew, StatusPending, StatusInProgress, StatusCompleted, StatusFailed} {
		w := db.Where{"status": string(st)}
		if ownerID != "" {
			w["owner_id"] = ownerID
		}
		n, err := s.tasks.Count(ctx, w)
		if err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, nil
}
