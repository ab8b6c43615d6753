/**
 * Extraction task producer
 *
 * Thin wrapper over the Asynq client used by the HTTP layer to submit
 * extraction runs.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/docmill/extraction-worker/internal/logging"
)

const (
	enqueueMaxRetry = 5

	// Completed task records stay inspectable for a day.
	enqueueRetention = 24 * time.Hour
)

// Enqueuer submits extraction tasks to the queue.
type Enqueuer struct {
	client *asynq.Client
	logger *logging.Logger
}

// NewEnqueuer connects an Asynq client for task submission.
func NewEnqueuer(redisURL string, logger *logging.Logger) (*Enqueuer, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis URL is required")
	}
	if logger == nil {
		logger = logging.NewLogger("queue")
	}

	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	return &Enqueuer{client: asynq.NewClient(redisOpt), logger: logger}, nil
}

// EnqueueExtraction submits one extraction run for the document.
func (e *Enqueuer) EnqueueExtraction(ctx context.Context, documentID string) error {
	payload, err := json.Marshal(ExtractPayload{DocumentID: documentID})
	if err != nil {
		return fmt.Errorf("failed to marshal task payload: %w", err)
	}

	info, err := e.client.EnqueueContext(ctx, asynq.NewTask(TaskTypeExtract, payload),
		asynq.Queue(QueueExtraction),
		asynq.MaxRetry(enqueueMaxRetry),
		asynq.Retention(enqueueRetention))
	if err != nil {
		return fmt.Errorf("failed to enqueue extraction: %w", err)
	}

	e.logger.Info("extraction enqueued", "documentId", documentID, "taskId", info.ID)
	return nil
}

// Close releases the queue connection.
func (e *Enqueuer) Close() error {
	return e.client.Close()
}
