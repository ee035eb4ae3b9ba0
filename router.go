package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"tubevault/admin"
	"tubevault/auth"
	"tubevault/httputil"
	"tubevault/logging"
	"tubevault/profile"
	"tubevault/ratelimit"
	"tubevault/sse"
	"tubevault/tasks"
	"tubevault/telegram"
	"tubevault/telemetry"
	"tubevault/youtube"
)

// router builds the HTTP API. ctx bounds background helpers such as the
// rate limiter's eviction loop.
func (a *App) router(ctx context.Context) http.Handler {
	cfg := a.cfg
	authH := &auth.Handler{
		Users:          a.users,
		Tokens:         a.tokens,
		Locker:         a.locker,
		Mailer:         a.mailer,
		Logger:         a.logger.WithPrefix("auth"),
		FrontendURL:    cfg.FrontendURL,
		ResetLockTTL:   cfg.Auth.PasswordResetLockTTL.Duration,
		NewUsersActive: cfg.Auth.NewUsersActive,
	}
	profileH := &profile.Handler{Users: a.users, Storage: a.storage, Logger: a.logger.WithPrefix("profile")}
	taskH := &tasks.Handler{Tasks: a.tasks, Dispatcher: a.dispatcher, Events: a.events, Logger: a.logger.WithPrefix("tasks")}
	itemH := &youtube.Handler{Items: a.items, Tasks: a.tasks, Logger: a.logger.WithPrefix("youtube")}
	sseH := &sse.Handler{Delay: cfg.StreamDelay.Duration, Events: a.events, Logger: a.logger.WithPrefix("sse")}
	adminH := &admin.Handler{Users: a.users, Tasks: a.tasks, Items: a.items, Logger: a.logger.WithPrefix("admin")}
	if a.inspector != nil {
		adminH.Queue = a.inspector
	}
	tgH := &telegram.Handler{
		Users:          a.users,
		Tokens:         a.tokens,
		Bot:            a.bot,
		BotToken:       cfg.Telegram.BotToken,
		WebhookSecret:  cfg.Telegram.WebhookSecret,
		WebAppURL:      cfg.Telegram.WebAppURL,
		NewUsersActive: cfg.Auth.NewUsersActive,
		Logger:         a.logger.WithPrefix("telegram"),
	}

	limiter := ratelimit.New(cfg.Auth.RateLimit, time.Minute)
	go limiter.Run(ctx)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logging.EchoRequestID)
	r.Use(logging.RequestLogger(a.logger.WithPrefix("http")))
	r.Use(telemetry.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", telegram.SecretHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	health := func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
	r.Get("/health", health)
	r.Get("/healthcheck", health)
	r.Handle("/metrics", telemetry.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(ratelimit.Middleware(limiter))
			r.Post("/users/register", authH.HandleRegister)
			r.Post("/auth/access-token", authH.HandleAccessToken)
			r.Post("/auth/refresh", authH.HandleRefresh)
			r.Post("/auth/password-recovery/{email}", authH.HandlePasswordRecovery)
			r.Post("/auth/reset-password/", authH.HandleResetPassword)
			r.Post("/auth/verify", authH.HandleVerify)
			r.Post("/users/email/resend-verification-link", authH.HandleResendVerification)
			r.Post("/tg/auth/{one_time_id}", tgH.HandleOneTimeAuth)
			r.Get("/tg/auth/callback", tgH.HandleLoginCallback)
			r.Post("/tg/webapp/auth", tgH.HandleWebAppAuth)
		})
		r.Post("/tg/webhook", tgH.HandleWebhook)

		r.Get("/sse/main_stream", sseH.HandleMainStream)
		r.Get("/sse/second_stream", sseH.HandleSecondStream)
		r.With(authH.RequireUserOrQuery).Get("/sse/tasks", sseH.HandleTasks)

		r.Group(func(r chi.Router) {
			r.Use(authH.RequireUser)

			r.Get("/users/me", profileH.HandleGetMe)
			r.Patch("/users/me", profileH.HandleUpdateMe)
			r.Post("/users/me/avatar", profileH.HandleUploadAvatar)
			r.With(auth.RequireSuperuser).Get("/users", profileH.HandleListUsers)
			r.With(auth.RequireSuperuser).Get("/admin/status", adminH.HandleStatus)

			r.Get("/tasks", taskH.HandleList)
			r.Post("/tasks", taskH.HandleCreate)
			r.Get("/tasks/{id}", taskH.HandleGet)
			r.Delete("/tasks/{id}", taskH.HandleDelete)
			r.Post("/tasks/{id}/retry", taskH.HandleRetry)
			r.Get("/tasks/{id}/items", itemH.HandleTaskItems)

			r.Get("/youtube/{kind}", itemH.HandleList)
			r.Get("/youtube/{kind}/{id}", itemH.HandleGet)
		})
	})
	return r
}
