package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"tubevault/auth"
	"tubevault/config"
	"tubevault/db"
	"tubevault/events"
	"tubevault/lock"
	"tubevault/mailer"
	"tubevault/queue"
	"tubevault/storage"
	"tubevault/tasks"
	"tubevault/telegram"
	"tubevault/users"
	"tubevault/youtube"
)

const inlineBackoff = 5 * time.Second

// App holds every long-lived dependency of the process.
type App struct {
	cfg    config.Config
	logger *log.Logger

	db      *db.CompatDB
	redis   *redis.Client
	storage storage.ObjectStore
	bot     telegram.Bot

	users  *users.Store
	tasks  *tasks.Store
	items  *youtube.Store
	tokens *auth.Tokens

	locker     lock.Locker
	events     events.Broker
	mailer     mailer.Mailer
	processor  *queue.Processor
	dispatcher tasks.Dispatcher
	inline     *queue.InlineDispatcher
	asynq      *asynq.Client
	inspector  *queue.Inspector
}

// newApp opens the database and connects to the optional backends. Without
// REDIS_URL the process runs self-contained: in-memory lock and events, and
// tasks processed in-process.
func newApp(ctx context.Context, cfg config.Config, logger *log.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	d, err := openDB(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.db = d
	a.users = users.NewStore(d)
	a.tasks = tasks.NewStore(d)
	a.items = youtube.NewStore(d)
	a.tokens = &auth.Tokens{
		Secret:     []byte(cfg.Auth.SecretKey),
		AccessTTL:  cfg.Auth.AccessTTL.Duration,
		RefreshTTL: cfg.Auth.RefreshTTL.Duration,
		ResetTTL:   cfg.Auth.ResetTokenTTL.Duration,
		VerifyTTL:  cfg.Auth.VerifyTokenTTL.Duration,
	}

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(opt)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		a.locker = lock.NewRedisLocker(a.redis)
		a.events = events.NewRedisBroker(a.redis, logger)
	} else {
		a.locker = lock.NewMemoryLocker()
		a.events = events.NewMemoryBroker()
	}

	if cfg.Mail.Host != "" {
		a.mailer = &mailer.SMTPMailer{
			Host:     cfg.Mail.Host,
			Port:     cfg.Mail.Port,
			Username: cfg.Mail.Username,
			Password: cfg.Mail.Password,
			From:     cfg.Mail.From,
		}
	} else {
		a.mailer = &mailer.LogMailer{Logger: logger}
	}

	if cfg.StorageEnabled() {
		st, err := storage.NewMinio(ctx, cfg.Storage.Endpoint, cfg.Storage.AccessKey,
			cfg.Storage.SecretKey, cfg.Storage.Bucket, cfg.Storage.UseSSL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.storage = st
	}

	if cfg.Telegram.BotToken != "" {
		bot, err := telegram.NewBot(cfg.Telegram.BotToken)
		if err != nil {
			logger.Warn("telegram bot unavailable, start messages disabled", "err", err)
		} else {
			a.bot = bot
		}
	}

	fetcher, err := newFetcher(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.processor = &queue.Processor{
		Tasks:        a.tasks,
		Items:        a.items,
		Fetcher:      fetcher,
		Storage:      a.storage,
		Events:       a.events,
		Logger:       logger.WithPrefix("queue"),
		FetchTimeout: cfg.YouTube.FetchTimeout.Duration,
	}
	return a, nil
}

// openDB connects to the configured database and applies pending
// migrations.
func openDB(ctx context.Context, cfg config.Config, logger *log.Logger) (*db.CompatDB, error) {
	dsn := cfg.Database.Path
	if cfg.Database.Driver == string(db.DialectPostgres) {
		dsn = cfg.Database.URL
	}
	d, err := db.Open(cfg.Database.Driver, dsn, cfg.Database.MaxOpenConns)
	if err != nil {
		return nil, err
	}
	if err := db.RunMigrations(ctx, d, logger); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func newFetcher(ctx context.Context, cfg config.Config) (youtube.Fetcher, error) {
	if cfg.YouTube.APIKey != "" {
		return youtube.NewDataAPIFetcher(ctx, cfg.YouTube.APIKey)
	}
	return &youtube.YTDLPFetcher{Path: cfg.YouTube.YTDLPPath}, nil
}

// useAsynq points task dispatch at the Redis queue.
func (a *App) useAsynq() error {
	opt, err := queue.RedisOpt(a.cfg.Redis.URL)
	if err != nil {
		return err
	}
	a.asynq = asynq.NewClient(opt)
	a.inspector = queue.NewInspector(opt, a.cfg.Queue.Name)
	a.dispatcher = &queue.AsynqDispatcher{
		Client:   a.asynq,
		Queue:    a.cfg.Queue.Name,
		MaxRetry: a.cfg.Queue.MaxRetry,
	}
	return nil
}

// useInline processes tasks in goroutines bounded by ctx.
func (a *App) useInline(ctx context.Context) {
	a.inline = &queue.InlineDispatcher{
		Processor: a.processor,
		Logger:    a.logger.WithPrefix("inline"),
		MaxRetry:  a.cfg.Queue.MaxRetry,
		Backoff:   inlineBackoff,
		Ctx:       ctx,
	}
	a.dispatcher = a.inline
}

// newWorker builds the queue consumer. It requires REDIS_URL.
func (a *App) newWorker() (*queue.Server, error) {
	if a.cfg.Redis.URL == "" {
		return nil, errors.New("REDIS_URL is required to run the worker")
	}
	opt, err := queue.RedisOpt(a.cfg.Redis.URL)
	if err != nil {
		return nil, err
	}
	return queue.NewServer(opt, a.cfg.Queue.Name, a.cfg.Queue.Concurrency, a.processor, a.logger.WithPrefix("worker")), nil
}

// Close releases connections. In-flight inline tasks are waited for.
func (a *App) Close() {
	if a.inline != nil {
		a.inline.Wait()
	}
	if a.asynq != nil {
		if err := a.asynq.Close(); err != nil {
			a.logger.Warn("close queue client", "err", err)
		}
	}
	if a.inspector != nil {
		if err := a.inspector.Close(); err != nil {
			a.logger.Warn("close queue inspector", "err", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("close redis", "err", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("close database", "err", err)
		}
	}
}
