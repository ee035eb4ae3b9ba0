package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"tubevault/auth"
	"tubevault/config"
	"tubevault/db"
	"tubevault/logging"
	"tubevault/telegram"
	"tubevault/telemetry"
	"tubevault/users"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCommand().Run(ctx, os.Args); err != nil {
		log.Error("tubevault", "err", err)
		stop()
		os.Exit(1)
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:  "tubevault",
		Usage: "Collect YouTube videos, channels and playlists and keep their metadata",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a TOML configuration file",
				Sources: cli.EnvVars(config.PathEnv),
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run the HTTP API",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "with-worker",
						Usage: "Also consume the task queue in this process",
					},
				},
				Action: serve,
			},
			{
				Name:   "worker",
				Usage:  "Consume the task queue",
				Action: worker,
			},
			{
				Name:   "migrate",
				Usage:  "Apply database migrations and exit",
				Action: migrate,
			},
			{
				Name:  "createsuperuser",
				Usage: "Create a superuser, or promote an existing account",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "email", Required: true},
					&cli.StringFlag{Name: "password", Required: true, Sources: cli.EnvVars("SUPERUSER_PASSWORD")},
				},
				Action: createSuperuser,
			},
			{
				Name:  "tg-set-webhook",
				Usage: "Register the Telegram webhook",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "url", Usage: "Webhook URL (defaults to TG_WEBHOOK_URL)"},
				},
				Action: setWebhook,
			},
		},
	}
}

// setup loads configuration and builds the process logger.
func setup(cmd *cli.Command) (config.Config, *log.Logger, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return cfg, nil, err
	}
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	log.SetDefault(logger)
	return cfg, logger, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	shutdownTracing, err := telemetry.Setup(ctx, "tubevault-api", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.Redis.URL != "" {
		if err := a.useAsynq(); err != nil {
			return err
		}
		if cmd.Bool("with-worker") {
			w, err := a.newWorker()
			if err != nil {
				return err
			}
			if err := w.Start(); err != nil {
				return fmt.Errorf("start worker: %w", err)
			}
			defer w.Shutdown()
		}
	} else {
		logger.Info("REDIS_URL not set, processing tasks in-process")
		a.useInline(ctx)
	}

	if a.bot != nil && cfg.Telegram.WebhookURL != "" {
		if err := telegram.SetWebhook(a.bot, cfg.Telegram.WebhookURL, cfg.Telegram.WebhookSecret); err != nil {
			logger.Warn("telegram webhook not registered", "err", err)
		}
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.router(ctx),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logger.StandardLog(log.StandardLogOptions{ForceLevel: log.ErrorLevel}),
		// Event streams end when ctx is cancelled instead of holding up
		// Shutdown.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("tubevault API listening", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", "err", err)
	}
	logger.Info("server shut down")
	return nil
}

func worker(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	shutdownTracing, err := telemetry.Setup(ctx, "tubevault-worker", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	w, err := a.newWorker()
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	logger.Info("worker started", "queue", cfg.Queue.Name, "concurrency", cfg.Queue.Concurrency)
	<-ctx.Done()
	w.Shutdown()
	logger.Info("worker stopped")
	return nil
}

func migrate(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	d, err := openDB(ctx, cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("migrations applied", "driver", cfg.Database.Driver)
	return d.Close()
}

func createSuperuser(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	d, err := openDB(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	u, created, err := ensureSuperuser(ctx, d, cmd.String("email"), cmd.String("password"))
	if err != nil {
		return err
	}
	logger.Info("superuser ready", "user_id", u.ID, "email", u.Email, "created", created)
	return nil
}

// ensureSuperuser creates an active superuser, or promotes and re-passwords
// the account that already owns email, in one transaction.
func ensureSuperuser(ctx context.Context, d *db.CompatDB, email, password string) (u users.User, created bool, err error) {
	hashed, err := auth.HashPassword(password)
	if err != nil {
		return u, false, err
	}
	base := users.NewStore(d)
	err = db.WithTx(ctx, d, func(conn *db.CompatConn) error {
		store := base.With(conn)
		existing, err := store.GetByEmail(ctx, email)
		if users.IsNotFound(err) {
			created = true
			u, err = store.Create(ctx, users.NewUser{
				Email:          email,
				HashedPassword: hashed,
				IsActive:       true,
				IsSuperuser:    true,
			})
			return err
		}
		if err != nil {
			return err
		}
		if err := store.SetPassword(ctx, existing.ID, hashed); err != nil {
			return err
		}
		if err := store.SetSuperuser(ctx, existing.ID, true); err != nil {
			return err
		}
		u, err = store.GetByID(ctx, existing.ID)
		return err
	})
	return u, created && err == nil, err
}

func setWebhook(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	if cfg.Telegram.BotToken == "" {
		return errors.New("TG_BOT_TOKEN is required")
	}
	webhookURL := cmd.String("url")
	if webhookURL == "" {
		webhookURL = cfg.Telegram.WebhookURL
	}
	if webhookURL == "" {
		return errors.New("--url or TG_WEBHOOK_URL is required")
	}
	bot, err := telegram.NewBot(cfg.Telegram.BotToken)
	if err != nil {
		return err
	}
	if err := telegram.SetWebhook(bot, webhookURL, cfg.Telegram.WebhookSecret); err != nil {
		return err
	}
	logger.Info("telegram webhook set", "url", webhookURL)
	return nil
}
