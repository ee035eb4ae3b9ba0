package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"tubevault/config"
	"tubevault/logging"
	"tubevault/users"
	"tubevault/youtube"
)

// --- helpers ---

type fakeFetcher struct {
	calls atomic.Int32
}

func (f *fakeFetcher) Fetch(_ context.Context, ref youtube.Ref) (*youtube.Metadata, error) {
	f.calls.Add(1)
	return &youtube.Metadata{
		ExtID: ref.ID,
		Title: "Video " + ref.ID,
		Raw:   json.RawMessage(fmt.Sprintf(`{"id":%q}`, ref.ID)),
	}, nil
}

type testApp struct {
	*App
	handler http.Handler
	fetcher *fakeFetcher
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Path = ":memory:"
	cfg.Auth.SecretKey = "test-secret"
	cfg.Auth.RateLimit = 1000

	ctx, cancel := context.WithCancel(context.Background())
	a, err := newApp(ctx, cfg, logging.Discard())
	if err != nil {
		cancel()
		t.Fatalf("new app: %v", err)
	}
	f := &fakeFetcher{}
	a.processor.Fetcher = f
	a.useInline(ctx)
	t.Cleanup(func() {
		cancel()
		a.Close()
	})
	return &testApp{App: a, handler: a.router(ctx), fetcher: f}
}

func (ta *testApp) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var b []byte
	if body != nil {
		b, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ta.handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&m); err != nil {
		t.Fatalf("decode json: %v (body %q)", err, rec.Body.String())
	}
	return m
}

func registerUser(t *testing.T, ta *testApp, email string) string {
	t.Helper()
	rec := ta.do(t, "POST", "/api/v1/users/register", map[string]string{
		"email":                 email,
		"password":              "correct-horse-1",
		"password_confirmation": "correct-horse-1",
	}, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("register failed: %d %s", rec.Code, rec.Body.String())
	}
	return decodeJSON(t, rec)["access"].(string)
}

// --- tests ---

func TestHealth(t *testing.T) {
	ta := newTestApp(t)
	for _, path := range []string{"/health", "/healthcheck"} {
		rec := ta.do(t, "GET", path, nil, "")
		if rec.Code != http.StatusOK || decodeJSON(t, rec)["status"] != "ok" {
			t.Fatalf("%s = %d", path, rec.Code)
		}
		if rec.Header().Get("X-Request-Id") == "" {
			t.Fatalf("%s: no request id echoed", path)
		}
	}
	if rec := ta.do(t, "GET", "/metrics", nil, ""); rec.Code != http.StatusOK {
		t.Fatalf("/metrics = %d", rec.Code)
	}
}

func TestRegisterAndMe(t *testing.T) {
	ta := newTestApp(t)
	token := registerUser(t, ta, "Ann@Example.com")

	rec := ta.do(t, "GET", "/api/v1/users/me", nil, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("me = %d %s", rec.Code, rec.Body)
	}
	if me := decodeJSON(t, rec); me["email"] != "ann@example.com" {
		t.Fatalf("me = %v", me)
	}

	if rec := ta.do(t, "GET", "/api/v1/users/me", nil, ""); rec.Code != http.StatusForbidden {
		t.Fatalf("anonymous me = %d", rec.Code)
	}
	if rec := ta.do(t, "GET", "/api/v1/users/me", nil, "garbage"); rec.Code != http.StatusForbidden {
		t.Fatalf("bad token me = %d", rec.Code)
	}

	rec = ta.do(t, "PATCH", "/api/v1/users/me", map[string]string{"first_name": "Ann"}, token)
	if rec.Code != http.StatusOK || decodeJSON(t, rec)["first_name"] != "Ann" {
		t.Fatalf("patch me = %d", rec.Code)
	}
}

func TestLoginFlow(t *testing.T) {
	ta := newTestApp(t)
	registerUser(t, ta, "ann@example.com")

	rec := ta.do(t, "POST", "/api/v1/auth/access-token", map[string]string{
		"email": "ann@example.com", "password": "correct-horse-1",
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("login = %d %s", rec.Code, rec.Body)
	}
	pair := decodeJSON(t, rec)

	rec = ta.do(t, "POST", "/api/v1/auth/refresh", map[string]any{"refresh": pair["refresh"]}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh = %d %s", rec.Code, rec.Body)
	}
	if rec := ta.do(t, "GET", "/api/v1/users/me", nil, pair["refresh"].(string)); rec.Code != http.StatusForbidden {
		t.Fatalf("refresh token as access = %d", rec.Code)
	}
}

func TestTaskLifecycle(t *testing.T) {
	ta := newTestApp(t)
	token := registerUser(t, ta, "ann@example.com")

	rec := ta.do(t, "POST", "/api/v1/tasks", map[string]string{"url": "https://www.youtube.com/watch?v=dQw4w9WgXcQ"}, token)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", rec.Code, rec.Body)
	}
	id := decodeJSON(t, rec)["id"].(string)

	deadline := time.Now().Add(5 * time.Second)
	var task map[string]any
	for {
		rec = ta.do(t, "GET", "/api/v1/tasks/"+id, nil, token)
		task = decodeJSON(t, rec)
		if task["status"] == "completed" || task["status"] == "failed" || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if task["status"] != "completed" {
		t.Fatalf("task = %v", task)
	}

	rec = ta.do(t, "GET", "/api/v1/tasks/"+id+"/items", nil, token)
	var body struct {
		Items []youtube.Item `json:"items"`
	}
	json.NewDecoder(rec.Body).Decode(&body)
	if rec.Code != http.StatusOK || len(body.Items) != 1 || body.Items[0].ExtID != "dQw4w9WgXcQ" {
		t.Fatalf("task items = %d %+v", rec.Code, body)
	}

	rec = ta.do(t, "GET", "/api/v1/youtube/videos/"+body.Items[0].ID, nil, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("item = %d", rec.Code)
	}
	if rec := ta.do(t, "GET", "/api/v1/youtube/channels", nil, token); rec.Code != http.StatusOK {
		t.Fatalf("channels = %d", rec.Code)
	}

	other := registerUser(t, ta, "bob@example.com")
	if rec := ta.do(t, "GET", "/api/v1/tasks/"+id, nil, other); rec.Code != http.StatusNotFound {
		t.Fatalf("foreign task = %d", rec.Code)
	}

	if rec := ta.do(t, "DELETE", "/api/v1/tasks/"+id, nil, token); rec.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", rec.Code)
	}
	if n := ta.fetcher.calls.Load(); n != 1 {
		t.Fatalf("fetch calls = %d", n)
	}
}

func TestUsersListRequiresSuperuser(t *testing.T) {
	ta := newTestApp(t)
	token := registerUser(t, ta, "ann@example.com")

	if rec := ta.do(t, "GET", "/api/v1/users", nil, token); rec.Code != http.StatusForbidden {
		t.Fatalf("regular list = %d", rec.Code)
	}

	if _, _, err := ensureSuperuser(context.Background(), ta.db, "ann@example.com", "another-pass-2"); err != nil {
		t.Fatalf("promote: %v", err)
	}
	rec := ta.do(t, "GET", "/api/v1/users", nil, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("superuser list = %d %s", rec.Code, rec.Body)
	}
}

func TestEnsureSuperuser(t *testing.T) {
	ta := newTestApp(t)
	ctx := context.Background()

	u, created, err := ensureSuperuser(ctx, ta.db, "Root@Example.com", "root-password")
	if err != nil || !created {
		t.Fatalf("create = %v %v", created, err)
	}
	if !u.IsSuperuser || !u.IsActive || u.Email != "root@example.com" {
		t.Fatalf("user = %+v", u)
	}

	again, created, err := ensureSuperuser(ctx, ta.db, "root@example.com", "new-password")
	if err != nil || created || again.ID != u.ID {
		t.Fatalf("promote = %+v %v %v", again, created, err)
	}

	rec := ta.do(t, "POST", "/api/v1/auth/access-token", map[string]string{
		"email": "root@example.com", "password": "new-password",
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("login with new password = %d", rec.Code)
	}

	if _, _, err := ensureSuperuser(ctx, ta.db, "x@example.com", string(make([]byte, 100))); err == nil {
		t.Fatal("overlong password accepted")
	}
	if _, err := ta.users.GetByEmail(ctx, "x@example.com"); !users.IsNotFound(err) {
		t.Fatalf("user created despite error: %v", err)
	}
}

func TestCommandTree(t *testing.T) {
	cmd := newCommand()
	want := map[string]bool{"serve": false, "worker": false, "migrate": false, "createsuperuser": false, "tg-set-webhook": false}
	for _, c := range cmd.Commands {
		if _, ok := want[c.Name]; ok {
			want[c.Name] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing command %q", name)
		}
	}
}
