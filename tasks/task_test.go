package tasks

import (
	"context"
	"errors"
	"strings"
	"testing"

	"tubevault/db"
	"tubevault/db/dbtest"
	"tubevault/users"
)

func newStore(t *testing.T) (*Store, *users.Store) {
	t.Helper()
	d := dbtest.New(t)
	return NewStore(d), users.NewStore(d)
}

func mustUser(t *testing.T, us *users.Store, email string) users.User {
	t.Helper()
	u, err := us.Create(context.Background(), users.NewUser{Email: email, HashedPassword: "h", IsActive: true})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]Status{
		{StatusNew, StatusPending},
		{StatusNew, StatusInProgress},
		{StatusNew, StatusFailed},
		{StatusPending, StatusInProgress},
		{StatusPending, StatusFailed},
		{StatusInProgress, StatusCompleted},
		{StatusInProgress, StatusFailed},
		{StatusFailed, StatusPending},
	}
	for _, tr := range allowed {
		if !CanTransition(tr[0], tr[1]) {
			t.Errorf("%s -> %s should be allowed", tr[0], tr[1])
		}
	}
	denied := [][2]Status{
		{StatusCompleted, StatusPending},
		{StatusCompleted, StatusFailed},
		{StatusPending, StatusCompleted},
		{StatusNew, StatusCompleted},
		{StatusFailed, StatusCompleted},
		{StatusInProgress, StatusPending},
		{StatusPending, StatusNew},
	}
	for _, tr := range denied {
		if CanTransition(tr[0], tr[1]) {
			t.Errorf("%s -> %s should be denied", tr[0], tr[1])
		}
	}
}

func TestValidateURL(t *testing.T) {
	for _, ok := range []string{"https://youtu.be/abc", "http://example.com/x?y=1"} {
		if err := ValidateURL(ok); err != nil {
			t.Errorf("ValidateURL(%q) = %v", ok, err)
		}
	}
	for _, bad := range []string{"", "youtu.be/abc", "ftp://example.com", "https://", "https://" + strings.Repeat("a", maxURLLen)} {
		if err := ValidateURL(bad); err == nil {
			t.Errorf("ValidateURL(%q) accepted", bad)
		}
	}
}

func TestStore_TransitionIsCompareAndSet(t *testing.T) {
	s, us := newStore(t)
	ctx := context.Background()
	u := mustUser(t, us, "a@example.com")

	task, err := s.Create(ctx, u.ID, "https://youtu.be/abc")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.Status != StatusNew || task.OwnerID != u.ID || task.CreatedAt.IsZero() {
		t.Fatalf("created = %+v", task)
	}

	task, err = s.Transition(ctx, task.ID, StatusNew, StatusPending, "")
	if err != nil || task.Status != StatusPending {
		t.Fatalf("new->pending = %+v, %v", task, err)
	}

	// Stale "from": the row is pending, not new.
	got, err := s.Transition(ctx, task.ID, StatusNew, StatusInProgress, "")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("stale transition err = %v", err)
	}
	if got.Status != StatusPending {
		t.Fatalf("stale transition returned %s", got.Status)
	}

	if _, err := s.Transition(ctx, task.ID, StatusPending, StatusCompleted, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pending->completed err = %v", err)
	}

	task, _ = s.Transition(ctx, task.ID, StatusPending, StatusInProgress, "")
	task, err = s.Transition(ctx, task.ID, StatusInProgress, StatusFailed, "fetch: boom")
	if err != nil || task.Error != "fetch: boom" {
		t.Fatalf("failed = %+v, %v", task, err)
	}
	task, err = s.Transition(ctx, task.ID, StatusFailed, StatusPending, "")
	if err != nil || task.Error != "" {
		t.Fatalf("retry should clear error: %+v, %v", task, err)
	}

	if _, err := s.Transition(ctx, "missing", StatusNew, StatusPending, ""); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("missing task err = %v", err)
	}
}

func TestStore_ListAndCount(t *testing.T) {
	s, us := newStore(t)
	ctx := context.Background()
	a := mustUser(t, us, "a@example.com")
	b := mustUser(t, us, "b@example.com")

	t1, _ := s.Create(ctx, a.ID, "https://youtu.be/1")
	s.Create(ctx, a.ID, "https://youtu.be/2")
	s.Create(ctx, b.ID, "https://youtu.be/3")
	s.Transition(ctx, t1.ID, StatusNew, StatusFailed, "bad")

	own, err := s.List(ctx, ListFilter{OwnerID: a.ID})
	if err != nil || len(own) != 2 {
		t.Fatalf("own = %d, %v", len(own), err)
	}
	all, _ := s.List(ctx, ListFilter{})
	if len(all) != 3 {
		t.Fatalf("all = %d", len(all))
	}
	failed, _ := s.List(ctx, ListFilter{Status: StatusFailed})
	if len(failed) != 1 || failed[0].ID != t1.ID {
		t.Fatalf("failed = %+v", failed)
	}
	page, _ := s.List(ctx, ListFilter{Limit: 1, Offset: 1})
	if len(page) != 1 {
		t.Fatalf("page = %d", len(page))
	}

	counts, err := s.CountByStatus(ctx, a.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[StatusNew] != 1 || counts[StatusFailed] != 1 || counts[StatusCompleted] != 0 {
		t.Fatalf("counts = %v", counts)
	}

	if _, err := s.GetOwned(ctx, t1.ID, b.ID); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("foreign task visible: %v", err)
	}
	if err := s.Delete(ctx, t1.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, t1.ID); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("second delete err = %v", err)
	}
}
