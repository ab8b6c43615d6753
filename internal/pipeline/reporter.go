/**
 * Progress reporting
 *
 * Stage transitions fan out to every configured reporter. The log
 * reporter is always wired; the Redis reporter additionally stores the
 * latest progress under a well-known key and publishes an event for
 * subscribers. Reporter failures never affect the run.
 */

package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/docmill/extraction-worker/internal/logging"
)

const (
	progressKeyPrefix = "extraction:progress:"
	eventsChannel     = "extraction:events"
	progressTTL       = time.Hour
)

// Reporter receives pipeline stage transitions.
type Reporter interface {
	Report(ctx context.Context, documentID, stage string, progress int)
}

// LogReporter writes stage transitions to the log.
type LogReporter struct {
	logger *logging.Logger
}

// NewLogReporter creates a reporter over the given logger.
func NewLogReporter(logger *logging.Logger) *LogReporter {
	if logger == nil {
		logger = logging.NewLogger("pipeline")
	}
	return &LogReporter{logger: logger}
}

func (r *LogReporter) Report(ctx context.Context, documentID, stage string, progress int) {
	r.logger.Info("stage progress",
		"documentId", documentID,
		"stage", stage,
		"progress", progress)
}

// RedisReporter mirrors progress into Redis for pollers and pub/sub
// subscribers.
type RedisReporter struct {
	client *redis.Client
	logger *logging.Logger
}

// NewRedisReporter creates a reporter over an established Redis client.
func NewRedisReporter(client *redis.Client, logger *logging.Logger) *RedisReporter {
	if logger == nil {
		logger = logging.NewLogger("pipeline")
	}
	return &RedisReporter{client: client, logger: logger}
}

type progressEvent struct {
	DocumentID string `json:"document_id"`
	Stage      string `json:"stage"`
	Progress   int    `json:"progress"`
	UpdatedAt  string `json:"updated_at"`
}

func (r *RedisReporter) Report(ctx context.Context, documentID, stage string, progress int) {
	payload, err := json.Marshal(progressEvent{
		DocumentID: documentID,
		Stage:      stage,
		Progress:   progress,
		UpdatedAt:  time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}

	if err := r.client.Set(ctx, progressKeyPrefix+documentID, payload, progressTTL).Err(); err != nil {
		r.logger.Warn("failed to store progress", "documentId", documentID, "error", err.Error())
	}
	if err := r.client.Publish(ctx, eventsChannel, payload).Err(); err != nil {
		r.logger.Warn("failed to publish progress event", "documentId", documentID, "error", err.Error())
	}
}
