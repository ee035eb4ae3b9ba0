package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/hibiken/asynq"
)

// HandleParseURL is the asynq handler for TypeParseURL.
func (p *Processor) HandleParseURL(ctx context.Context, t *asynq.Task) error {
	var payload ParseURLPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.TaskID == "" {
		return fmt.Errorf("bad %s payload: %v: %w", TypeParseURL, err, asynq.SkipRetry)
	}
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)

	err := p.ParseURL(ctx, payload.TaskID, retried >= maxRetry)
	if errors.Is(err, ErrPermanent) {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}

// Server consumes the parse queue.
type Server struct {
	srv *asynq.Server
	mux *asynq.ServeMux
}

// NewServer builds an asynq server bound to processor.
func NewServer(redis asynq.RedisConnOpt, queue string, concurrency int, processor *Processor, logger *log.Logger) *Server {
	srv := asynq.NewServer(redis, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{queue: 1},
		Logger:      asynqLogger{logger},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			logger.Warn("queue task error", "type", task.Type(), "retried", retried, "err", err)
		}),
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeParseURL, processor.HandleParseURL)
	return &Server{srv: srv, mux: mux}
}

// Start begins processing in the background.
func (s *Server) Start() error {
	return s.srv.Start(s.mux)
}

// Shutdown waits for in-flight tasks and stops the server.
func (s *Server) Shutdown() {
	s.srv.Shutdown()
}

// RedisOpt parses a redis:// URL into asynq connection options.
func RedisOpt(url string) (asynq.RedisConnOpt, error) {
	opt, err := asynq.ParseRedisURI(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return opt, nil
}

// asynqLogger adapts charm log to asynq.Logger.
type asynqLogger struct {
	l *log.Logger
}

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...interface{})  { a.l.Info(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warn(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...interface{}) { a.l.Fatal(fmt.Sprint(args...)) }
