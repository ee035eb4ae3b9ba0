package youtube

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tubevault/db"
)

// Item statuses.
const (
	StatusNew       = "new"
	StatusCompleted = "completed"
)

// Item is a stored video, channel or playlist.
type Item struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	ExtID     string          `json:"ext_id"`
	OwnerID   string          `json:"owner_id"`
	TaskID    string          `json:"task_id"`
	Title     string          `json:"title"`
	Metadata  json.RawMessage `json:"metadata"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

var itemColumns = []string{
	"id", "ext_id", "owner_id", "task_id", "title", "metadata", "status", "created_at", "updated_at",
}

func itemScanner(kind Kind) func(db.Scanner) (Item, error) {
	return func(s db.Scanner) (Item, error) {
		var (
			it               Item
			meta             []byte
			created, updated string
		)
		err := s.Scan(&it.ID, &it.ExtID, &it.OwnerID, &it.TaskID, &it.Title, &meta, &it.Status, &created, &updated)
		if err != nil {
			return it, err
		}
		it.Kind = kind
		if len(meta) == 0 {
			meta = []byte("{}")
		}
		it.Metadata = json.RawMessage(meta)
		if it.CreatedAt, err = db.ParseTime(created); err != nil {
			return it, err
		}
		if it.UpdatedAt, err = db.ParseTime(updated); err != nil {
			return it, err
		}
		return it, nil
	}
}

// Store reads and writes the three item tables.
type Store struct {
	items map[Kind]*db.Manager[Item]
}

func NewStore(q db.Querier) *Store {
	s := &Store{items: make(map[Kind]*db.Manager[Item], 3)}
	for _, k := range []Kind{KindVideo, KindChannel, KindPlaylist} {
		s.items[k] = db.NewManager(q, string(k), itemColumns, itemScanner(k))
	}
	return s
}

func (s *Store) manager(kind Kind) (*db.Manager[Item], error) {
	m, ok := s.items[kind]
	if !ok {
		return nil, fmt.Errorf("youtube: unknown kind %q", kind)
	}
	return m, nil
}

func (s *Store) Get(ctx context.Context, kind Kind, id string) (Item, error) {
	m, err := s.manager(kind)
	if err != nil {
		return Item{}, err
	}
	return m.Get(ctx, db.Where{"id": id})
}

func (s *Store) GetByExtID(ctx context.Context, kind Kind, extID string) (Item, error) {
	m, err := s.manager(kind)
	if err != nil {
		return Item{}, err
	}
	return m.Get(ctx, db.Where{"ext_id": extID})
}

// CountByKind returns item counts per kind, for one owner or all when
// ownerID is empty.
func (s *Store) CountByKind(ctx context.Context, ownerID string) (map[Kind]int, error) {
	out := make(map[Kind]int, len(s.items))
	for k, m := range s.items {
		w := db.Where{}
		if ownerID != "" {
			w["owner_id"] = ownerID
		}
		n, err := m.Count(ctx, w)
		if err != nil {
			return nil, err
		}
		out[k] = n
	}
	return out, nil
}

// ItemFilter narrows List. Empty fields are ignored.
type ItemFilter struct {
	OwnerID string
	TaskID  string
	Status  string
	Limit   int
	Offset  int
}

func (s *Store) List(ctx context.Context, kind Kind, f ItemFilter) ([]Item, error) {
	m, err := s.manager(kind)
	if err != nil {
		return nil, err
	}
	w := db.Where{}
	if f.OwnerID != "" {
		w["owner_id"] = f.OwnerID
	}
	if f.TaskID != "" {
		w["task_id"] = f.TaskID
	}
	if f.Status != "" {
		w["status"] = f.Status
	}
	return m.Filter(ctx, w, db.OrderBy("-created_at"), db.Limit(f.Limit), db.Offset(f.Offset))
}

func (s *Store) ListByOwner(ctx context.Context, kind Kind, ownerID string) ([]Item, error) {
	return s.List(ctx, kind, ItemFilter{OwnerID: ownerID})
}

func (s *Store) ListAll(ctx context.Context, kind Kind) ([]Item, error) {
	return s.List(ctx, kind, ItemFilter{})
}

func (s *Store) ListByStatus(ctx context.Context, kind Kind, status string) ([]Item, error) {
	return s.List(ctx, kind, ItemFilter{Status: status})
}

// ListByTask returns everything a task produced, across all kinds.
func (s *Store) ListByTask(ctx context.Context, taskID string) ([]Item, error) {
	out := make([]Item, 0)
	for _, k := range []Kind{KindVideo, KindChannel, KindPlaylist} {
		items, err := s.List(ctx, k, ItemFilter{TaskID: taskID})
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
	}
	return out, nil
}

// UpsertParams describes fetched metadata for one item.
type UpsertParams struct {
	Kind     Kind
	ExtID    string
	OwnerID  string
	TaskID   string
	Title    string
	Metadata json.RawMessage
}

// Upsert stores metadata keyed by external id. An existing row keeps its
// owner and task and only gets the new title and metadata.
func (s *Store) Upsert(ctx context.Context, p UpsertParams) (Item, bool, error) {
	m, err := s.manager(p.Kind)
	if err != nil {
		return Item{}, false, err
	}
	meta := string(p.Metadata)
	if meta == "" {
		meta = "{}"
	}
	now := db.Now()
	item, created, err := m.GetOrCreate(ctx, db.Where{"ext_id": p.ExtID}, db.Values{
		"id":         uuid.NewString(),
		"owner_id":   p.OwnerID,
		"task_id":    p.TaskID,
		"title":      p.Title,
		"metadata":   meta,
		"status":     StatusCompleted,
		"created_at": now,
		"updated_at": now,
	})
	if err != nil || created {
		return item, created, err
	}
	_, err = m.Update(ctx, db.Where{"id": item.ID}, db.Values{
		"title":      p.Title,
		"metadata":   meta,
		"status":     StatusCompleted,
		"updated_at": db.Now(),
	})
	if err != nil {
		return Item{}, false, err
	}
	item, err = m.Get(ctx, db.Where{"id": item.ID})
	return item, false, err
}
