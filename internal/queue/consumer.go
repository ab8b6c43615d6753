/**
 * Extraction task consumer
 *
 * Pulls extraction tasks from Redis through Asynq and hands each one to
 * the pipeline. Transient failures are retried with exponential
 * backoff; failures carrying a permanent error code are wrapped with
 * SkipRetry so the queue archives them instead of replaying a run that
 * fails the same way every time.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/docmill/extraction-worker/internal/domain"
	"github.com/docmill/extraction-worker/internal/errors"
	"github.com/docmill/extraction-worker/internal/logging"
)

const (
	// TaskTypeExtract routes extraction tasks to the pipeline handler.
	TaskTypeExtract = "document:extract"

	// QueueExtraction is the Asynq queue extraction tasks run on.
	QueueExtraction = "extraction"

	defaultTaskTimeout = 5 * time.Minute
)

// ExtractPayload is the task body of one extraction run. Tasks carry
// only the document id; the pipeline loads everything else from
// storage.
type ExtractPayload struct {
	DocumentID string `json:"document_id"`
}

// Runner executes one pipeline run for a document.
type Runner interface {
	Run(ctx context.Context, documentID string) (*domain.RunResult, error)
}

// ConsumerConfig holds consumer configuration.
type ConsumerConfig struct {
	RedisURL          string
	Concurrency       int
	ProcessingTimeout time.Duration
}

// Consumer processes extraction tasks from the queue.
type Consumer struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	inspector *asynq.Inspector
	runner    Runner
	timeout   time.Duration
	logger    *logging.Logger
}

// NewConsumer builds the Asynq server around the pipeline runner. The
// server does not touch Redis until Start.
func NewConsumer(cfg ConsumerConfig, runner Runner, logger *logging.Logger) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis URL is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if logger == nil {
		logger = logging.NewLogger("queue")
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	timeout := cfg.ProcessingTimeout
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			QueueExtraction: 10,
			"default":       1,
		},
		RetryDelayFunc: retryDelay,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Error("task failed", "type", task.Type(), "error", err.Error())
		}),
	})

	c := &Consumer{
		server:    server,
		mux:       asynq.NewServeMux(),
		inspector: asynq.NewInspector(redisOpt),
		runner:    runner,
		timeout:   timeout,
		logger:    logger,
	}
	c.mux.HandleFunc(TaskTypeExtract, c.handleExtract)

	return c, nil
}

// retryDelay doubles from five seconds per attempt, capped at a minute.
func retryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	delay := time.Duration(1<<uint(n)) * 5 * time.Second
	if delay > time.Minute {
		delay = time.Minute
	}
	return delay
}

// Start begins consuming in the background. Shutdown stops it.
func (c *Consumer) Start() error {
	c.logger.Info("queue consumer starting",
		"queue", QueueExtraction,
		"timeout", c.timeout.String())
	return c.server.Start(c.mux)
}

// Shutdown waits for in-flight tasks and stops the server.
func (c *Consumer) Shutdown() {
	c.logger.Info("queue consumer stopping")
	c.server.Shutdown()
	if err := c.inspector.Close(); err != nil {
		c.logger.Warn("failed to close queue inspector", "error", err.Error())
	}
}

// handleExtract runs the pipeline for one task. The pipeline records
// run failures on the document itself, so the only decision left here
// is whether another attempt is worth making.
func (c *Consumer) handleExtract(ctx context.Context, task *asynq.Task) error {
	var payload ExtractPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.DocumentID == "" {
		return fmt.Errorf("task payload has no document id: %w", asynq.SkipRetry)
	}

	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	result, err := c.runner.Run(runCtx, payload.DocumentID)
	if err != nil {
		if !retryable(err) {
			c.logger.Warn("task failed permanently",
				"documentId", payload.DocumentID,
				"code", string(errors.CodeOf(err)))
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}

	c.logger.Info("task completed",
		"documentId", result.DocumentID,
		"blocks", result.ContentBlockCount,
		"duration", time.Since(start).String())
	return nil
}

// retryable reports whether another attempt can change the outcome.
// Conflicts, missing documents and unprocessable files fail identically
// on every attempt.
func retryable(err error) bool {
	switch errors.CodeOf(err) {
	case errors.ErrorConflict,
		errors.ErrorNotFound,
		errors.ErrorUnsupportedFormat,
		errors.ErrorCorruptFile,
		errors.ErrorNoContent:
		return false
	}
	return true
}

// Stats reports queue depths for health checks.
func (c *Consumer) Stats() (map[string]int64, error) {
	info, err := c.inspector.GetQueueInfo(QueueExtraction)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect queue: %w", err)
	}
	return map[string]int64{
		"pending":   int64(info.Pending),
		"active":    int64(info.Active),
		"retry":     int64(info.Retry),
		"archived":  int64(info.Archived),
		"processed": int64(info.Processed),
		"failed":    int64(info.Failed),
	}, nil
}
