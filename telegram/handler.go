package telegram

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"tubevault/auth"
	"tubevault/httputil"
	"tubevault/users"
)

// SecretHeader carries the webhook secret on Telegram updates.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// Handler holds dependencies for Telegram endpoints.
type Handler struct {
	Users          *users.Store
	Tokens         *auth.Tokens
	Bot            Bot
	BotToken       string
	WebhookSecret  string
	WebAppURL      string
	NewUsersActive bool
	Logger         *log.Logger
	Now            func() time.Time
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// HandleWebhook receives bot updates. Only /start from a human is acted on;
// everything else is acknowledged so Telegram does not redeliver it.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if h.WebhookSecret != "" &&
		subtle.ConstantTimeCompare([]byte(r.Header.Get(SecretHeader)), []byte(h.WebhookSecret)) != 1 {
		httputil.WriteError(w, h.Logger, httputil.Forbidden("Invalid webhook secret"))
		return
	}
	var upd tgbotapi.Update
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&upd); err != nil {
		httputil.WriteError(w, h.Logger, httputil.BadRequest("Invalid update"))
		return
	}

	msg := upd.Message
	if msg == nil || msg.From == nil || msg.From.IsBot || msg.Chat == nil || msg.Command() != "start" {
		w.WriteHeader(http.StatusOK)
		return
	}

	ctx := r.Context()
	u, created, err := h.Users.GetOrCreateFromTelegram(ctx, users.TelegramProfile{
		ID:        msg.From.ID,
		Username:  msg.From.UserName,
		FirstName: msg.From.FirstName,
		LastName:  msg.From.LastName,
	}, h.NewUsersActive)
	if err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}
	if created {
		h.Logger.Info("telegram user created", "user_id", u.ID, "tg_id", msg.From.ID)
	}
	if u.OneTimeID == "" {
		u.OneTimeID = uuid.NewString()
		if err := h.Users.SetOneTimeID(ctx, u.ID, u.OneTimeID); err != nil {
			httputil.WriteError(w, h.Logger, err)
			return
		}
	}
	if h.Bot == nil {
		h.Logger.Warn("telegram bot not configured, start message dropped", "user_id", u.ID)
	} else if err := SendStart(h.Bot, msg.Chat.ID, h.WebAppURL, u.OneTimeID); err != nil {
		h.Logger.Error("telegram start message", "user_id", u.ID, "err", err)
	}
	w.WriteHeader(http.StatusOK)
}

// HandleOneTimeAuth exchanges a one-time id from the bot for a token pair.
func (h *Handler) HandleOneTimeAuth(w http.ResponseWriter, r *http.Request) {
	u, err := h.Users.ConsumeOneTimeID(r.Context(), chi.URLParam(r, "one_time_id"))
	if err != nil {
		if users.IsNotFound(err) {
			err = httputil.NotFound("User not found")
		}
		httputil.WriteError(w, h.Logger, err)
		return
	}
	h.issue(w, r, u, http.StatusOK)
}

// HandleLoginCallback verifies a Login Widget redirect.
func (h *Handler) HandleLoginCallback(w http.ResponseWriter, r *http.Request) {
	tu, err := VerifyLoginWidget(r.URL.Query(), h.BotToken, h.now())
	if err != nil {
		h.Logger.Info("telegram login rejected", "err", err)
		httputil.WriteError(w, h.Logger, httputil.BadRequest(authFailure(err)))
		return
	}
	h.signIn(w, r, tu, http.StatusCreated)
}

// WebAppAuthRequest is the JSON body for POST /tg/webapp/auth.
type WebAppAuthRequest struct {
	InitData string `json:"init_data"`
}

// HandleWebAppAuth verifies Mini-App initData.
func (h *Handler) HandleWebAppAuth(w http.ResponseWriter, r *http.Request) {
	var req WebAppAuthRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}
	tu, err := VerifyWebAppInitData(req.InitData, h.BotToken, h.now())
	if err != nil {
		h.Logger.Info("telegram init data rejected", "err", err)
		httputil.WriteError(w, h.Logger, httputil.Forbidden("Invalid init data"))
		return
	}
	h.signIn(w, r, tu, http.StatusOK)
}

func authFailure(err error) string {
	if errors.Is(err, ErrExpired) {
		return "Authorization data is outdated"
	}
	return "Authorization failed"
}

func (h *Handler) signIn(w http.ResponseWriter, r *http.Request, tu User, status int) {
	u, created, err := h.Users.GetOrCreateFromTelegram(r.Context(), tu.Profile(), h.NewUsersActive)
	if err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}
	if created {
		h.Logger.Info("telegram user created", "user_id", u.ID, "tg_id", tu.ID)
	}
	h.issue(w, r, u, status)
}

func (h *Handler) issue(w http.ResponseWriter, r *http.Request, u users.User, status int) {
	if !u.IsActive {
		httputil.WriteError(w, h.Logger, httputil.BadRequest("Inactive user"))
		return
	}
	if err := h.Users.TouchLastLogin(r.Context(), u.ID); err != nil {
		h.Logger.Warn("update last_login failed", "user_id", u.ID, "err", err)
	}
	pair, err := h.Tokens.Issue(u.ID)
	if err != nil {
		httputil.WriteError(w, h.Logger, err)
		return
	}
	httputil.WriteJSON(w, status, pair)
}
