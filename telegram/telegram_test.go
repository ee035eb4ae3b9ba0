package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"tubevault/auth"
	"tubevault/db/dbtest"
	"tubevault/logging"
	"tubevault/users"
)

const botToken = "123456:test-token"

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func signedWidget(v url.Values) url.Values {
	v.Set("hash", sign(widgetSecret(botToken), dataCheckString(v)))
	return v
}

func signedInitData(v url.Values) string {
	v.Set("hash", sign(webAppSecret(botToken), dataCheckString(v)))
	return v.Encode()
}

func widgetValues(authDate time.Time) url.Values {
	return url.Values{
		"id":         {"42"},
		"first_name": {"Ada"},
		"username":   {"ada"},
		"auth_date":  {strconv.FormatInt(authDate.Unix(), 10)},
	}
}

func TestDataCheckString(t *testing.T) {
	v := url.Values{"b": {"2"}, "a": {"1"}, "hash": {"x"}}
	if got := dataCheckString(v); got != "a=1\nb=2" {
		t.Fatalf("got %q", got)
	}
}

func TestVerifyLoginWidget(t *testing.T) {
	v := signedWidget(widgetValues(fixedNow.Add(-time.Hour)))
	u, err := VerifyLoginWidget(v, botToken, fixedNow)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if u.ID != 42 || u.FirstName != "Ada" || u.Username != "ada" {
		t.Fatalf("user = %+v", u)
	}

	tampered := signedWidget(widgetValues(fixedNow))
	tampered.Set("id", "43")
	if _, err := VerifyLoginWidget(tampered, botToken, fixedNow); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("tampered err = %v", err)
	}

	if _, err := VerifyLoginWidget(v, "other:token", fixedNow); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("wrong token err = %v", err)
	}

	old := signedWidget(widgetValues(fixedNow.Add(-25 * time.Hour)))
	if _, err := VerifyLoginWidget(old, botToken, fixedNow); !errors.Is(err, ErrExpired) || !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("old err = %v", err)
	}

	noHash := widgetValues(fixedNow)
	if _, err := VerifyLoginWidget(noHash, botToken, fixedNow); !errors.Is(err, ErrMissingField) {
		t.Fatalf("no hash err = %v", err)
	}
}

func TestVerifyWebAppInitData(t *testing.T) {
	user, _ := json.Marshal(User{ID: 7, FirstName: "Grace", Username: "grace"})
	data := signedInitData(url.Values{
		"query_id":  {"AAE"},
		"user":      {string(user)},
		"auth_date": {strconv.FormatInt(fixedNow.Unix(), 10)},
	})
	u, err := VerifyWebAppInitData(data, botToken, fixedNow)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if u.ID != 7 || u.Username != "grace" {
		t.Fatalf("user = %+v", u)
	}

	// A widget-style signature must not pass as initData.
	v, _ := url.ParseQuery(data)
	v.Set("hash", sign(widgetSecret(botToken), dataCheckString(v)))
	if _, err := VerifyWebAppInitData(v.Encode(), botToken, fixedNow); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("cross-scheme err = %v", err)
	}

	noUser := signedInitData(url.Values{"auth_date": {strconv.FormatInt(fixedNow.Unix(), 10)}})
	if _, err := VerifyWebAppInitData(noUser, botToken, fixedNow); !errors.Is(err, ErrMissingField) {
		t.Fatalf("no user err = %v", err)
	}
}

func TestStartURL(t *testing.T) {
	got, err := StartURL("https://app.example/tg?lang=en", "abc")
	if err != nil {
		t.Fatalf("StartURL: %v", err)
	}
	if got != "https://app.example/tg?lang=en&one_time_id=abc" {
		t.Fatalf("got %q", got)
	}
}

type fakeBot struct {
	mu       sync.Mutex
	sent     []tgbotapi.Chattable
	requests []string
	params   []tgbotapi.Params
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, c)
	return tgbotapi.Message{MessageID: len(b.sent)}, nil
}

func (b *fakeBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (b *fakeBot) MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, endpoint)
	b.params = append(b.params, params)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func TestSetWebhook(t *testing.T) {
	b := &fakeBot{}
	if err := SetWebhook(b, "https://api.example/api/v1/tg/webhook", "s3cret"); err != nil {
		t.Fatalf("SetWebhook: %v", err)
	}
	if len(b.requests) != 1 || b.requests[0] != "setWebhook" {
		t.Fatalf("requests = %v", b.requests)
	}
	if b.params[0]["url"] != "https://api.example/api/v1/tg/webhook" || b.params[0]["secret_token"] != "s3cret" {
		t.Fatalf("params = %v", b.params[0])
	}
	if len(b.sent) != 1 {
		t.Fatalf("commands not set: %v", b.sent)
	}
}

func newTestHandler(t *testing.T) (*Handler, *fakeBot) {
	t.Helper()
	b := &fakeBot{}
	return &Handler{
		Users:          users.NewStore(dbtest.New(t)),
		Tokens:         &auth.Tokens{Secret: []byte("test-secret"), AccessTTL: time.Hour, RefreshTTL: 24 * time.Hour, ResetTTL: time.Hour},
		Bot:            b,
		BotToken:       botToken,
		WebhookSecret:  "hook-secret",
		WebAppURL:      "https://app.example/tg",
		NewUsersActive: true,
		Logger:         logging.Discard(),
		Now:            func() time.Time { return fixedNow },
	}, b
}

func webhook(h *Handler, secret string, body string) *httptest.ResponseRecorder {
	r := httptest.NewRequest("POST", "/api/v1/tg/webhook", strings.NewReader(body))
	if secret != "" {
		r.Header.Set(SecretHeader, secret)
	}
	rec := httptest.NewRecorder()
	h.HandleWebhook(rec, r)
	return rec
}

const startUpdate = `{"update_id":1,"message":{"message_id":5,"date":1700000000,
 "from":{"id":99,"is_bot":false,"first_name":"Tim","username":"tim"},
 "chat":{"id":99,"type":"private"},
 "text":"/start","entities":[{"type":"bot_command","offset":0,"length":6}]}}`

func TestHandleWebhook_Start(t *testing.T) {
	h, b := newTestHandler(t)

	if rec := webhook(h, "wrong", startUpdate); rec.Code != http.StatusForbidden {
		t.Fatalf("bad secret = %d", rec.Code)
	}
	if rec := webhook(h, "hook-secret", startUpdate); rec.Code != http.StatusOK {
		t.Fatalf("start = %d: %s", rec.Code, rec.Body)
	}

	u, err := h.Users.GetByTelegramID(context.Background(), 99)
	if err != nil {
		t.Fatalf("user not created: %v", err)
	}
	if u.OneTimeID == "" || u.TelegramUsername != "tim" || u.Email != "" {
		t.Fatalf("user = %+v", u)
	}
	if len(b.sent) != 1 {
		t.Fatalf("sent = %d", len(b.sent))
	}
	msg, ok := b.sent[0].(tgbotapi.MessageConfig)
	if !ok || msg.ChatID != 99 {
		t.Fatalf("message = %#v", b.sent[0])
	}
	kb, ok := msg.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	if !ok || kb.InlineKeyboard[0][0].URL == nil || !strings.Contains(*kb.InlineKeyboard[0][0].URL, "one_time_id="+u.OneTimeID) {
		t.Fatalf("markup = %#v", msg.ReplyMarkup)
	}

	// A second /start keeps the existing one-time id.
	webhook(h, "hook-secret", startUpdate)
	again, _ := h.Users.GetByTelegramID(context.Background(), 99)
	if again.ID != u.ID || again.OneTimeID != u.OneTimeID {
		t.Fatalf("second start = %+v", again)
	}
}

func TestHandleWebhook_IgnoresOthers(t *testing.T) {
	h, b := newTestHandler(t)
	botSender := strings.Replace(startUpdate, `"is_bot":false`, `"is_bot":true`, 1)
	plain := `{"update_id":2,"message":{"message_id":6,"date":1,"from":{"id":5,"is_bot":false,"first_name":"X"},"chat":{"id":5,"type":"private"},"text":"hello"}}`
	for _, body := range []string{botSender, plain, `{"update_id":3}`} {
		if rec := webhook(h, "hook-secret", body); rec.Code != http.StatusOK {
			t.Fatalf("code = %d for %s", rec.Code, body)
		}
	}
	if len(b.sent) != 0 {
		t.Fatalf("sent = %d", len(b.sent))
	}
	if rec := webhook(h, "hook-secret", "{"); rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed = %d", rec.Code)
	}
}

func TestHandleOneTimeAuth(t *testing.T) {
	h, _ := newTestHandler(t)
	webhook(h, "hook-secret", startUpdate)
	u, _ := h.Users.GetByTelegramID(context.Background(), 99)

	call := func(id string) *httptest.ResponseRecorder {
		r := httptest.NewRequest("POST", "/api/v1/tg/auth/"+id, nil)
		rctx := chi.NewRouteContext()
		rctx.URLParams.Add("one_time_id", id)
		r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
		rec := httptest.NewRecorder()
		h.HandleOneTimeAuth(rec, r)
		return rec
	}

	rec := call(u.OneTimeID)
	if rec.Code != http.StatusOK {
		t.Fatalf("first = %d: %s", rec.Code, rec.Body)
	}
	var pair auth.Pair
	json.NewDecoder(rec.Body).Decode(&pair)
	if pair.UserID != u.ID || pair.Access == "" {
		t.Fatalf("pair = %+v", pair)
	}
	if rec := call(u.OneTimeID); rec.Code != http.StatusNotFound {
		t.Fatalf("reuse = %d", rec.Code)
	}
}

func TestHandleLoginCallback(t *testing.T) {
	h, _ := newTestHandler(t)
	v := signedWidget(widgetValues(fixedNow.Add(-time.Minute)))

	rec := httptest.NewRecorder()
	h.HandleLoginCallback(rec, httptest.NewRequest("GET", "/api/v1/tg/auth/callback?"+v.Encode(), nil))
	if rec.Code != http.StatusCreated {
		t.Fatalf("code = %d: %s", rec.Code, rec.Body)
	}
	if _, err := h.Users.GetByTelegramID(context.Background(), 42); err != nil {
		t.Fatalf("user not created: %v", err)
	}

	v.Set("first_name", "Eve")
	rec = httptest.NewRecorder()
	h.HandleLoginCallback(rec, httptest.NewRequest("GET", "/api/v1/tg/auth/callback?"+v.Encode(), nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("tampered = %d", rec.Code)
	}
}

func TestHandleWebAppAuth(t *testing.T) {
	h, _ := newTestHandler(t)
	user, _ := json.Marshal(User{ID: 7, FirstName: "Grace"})
	data := signedInitData(url.Values{"user": {string(user)}, "auth_date": {strconv.FormatInt(fixedNow.Unix(), 10)}})

	post := func(initData string) *httptest.ResponseRecorder {
		body, _ := json.Marshal(WebAppAuthRequest{InitData: initData})
		rec := httptest.NewRecorder()
		h.HandleWebAppAuth(rec, httptest.NewRequest("POST", "/api/v1/tg/webapp/auth", bytes.NewReader(body)))
		return rec
	}

	if rec := post(data); rec.Code != http.StatusOK {
		t.Fatalf("valid = %d: %s", rec.Code, rec.Body)
	}
	rec := post(data + "x")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("invalid = %d", rec.Code)
	}
	var body map[string]string
	json.NewDecoder(rec.Body).Decode(&body)
	if body["error"] != "Invalid init data" {
		t.Fatalf("body = %v", body)
	}
}

func TestVerify_EmptyBotToken(t *testing.T) {
	v := widgetValues(fixedNow.Add(-time.Minute))
	v.Set("hash", sign(widgetSecret(""), dataCheckString(v)))
	if _, err := VerifyLoginWidget(v, "", fixedNow); !errors.Is(err, ErrNoBotToken) {
		t.Fatalf("widget err = %v", err)
	}

	user, _ := json.Marshal(User{ID: 7, FirstName: "Grace"})
	iv := url.Values{"user": {string(user)}, "auth_date": {strconv.FormatInt(fixedNow.Unix(), 10)}}
	iv.Set("hash", sign(webAppSecret(""), dataCheckString(iv)))
	if _, err := VerifyWebAppInitData(iv.Encode(), "", fixedNow); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("init data err = %v", err)
	}
}

func TestHandleLoginCallback_NoBotToken(t *testing.T) {
	h, _ := newTestHandler(t)
	h.BotToken = ""
	v := widgetValues(fixedNow.Add(-time.Minute))
	v.Set("hash", sign(widgetSecret(""), dataCheckString(v)))

	rec := httptest.NewRecorder()
	h.HandleLoginCallback(rec, httptest.NewRequest("GET", "/api/v1/tg/auth/callback?"+v.Encode(), nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d: %s", rec.Code, rec.Body)
	}
	if _, err := h.Users.GetByTelegramID(context.Background(), 42); !users.IsNotFound(err) {
		t.Fatalf("user created without a bot token: %v", err)
	}
}
