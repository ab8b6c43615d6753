/**
 * Embedding client for content block vectors
 *
 * Calls a Voyage-compatible embeddings endpoint over HTTP. Texts are
 * truncated and batched to stay inside API limits; responses are
 * reordered by index so outputs stay parallel to inputs.
 */

package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/docmill/extraction-worker/internal/logging"
)

const (
	embeddingModel = "voyage-3"
	// maxTextLength keeps single inputs under the model's token window.
	maxTextLength  = 16000
	embeddingBatch = 100
)

// EmbeddingClient generates text embeddings over HTTP.
type EmbeddingClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logging.Logger
}

type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// NewEmbeddingClient builds a client for the configured endpoint.
func NewEmbeddingClient(baseURL, apiKey string, logger *logging.Logger) (*EmbeddingClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("embedding API URL is required")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("embedding API key is required")
	}
	if logger == nil {
		logger = logging.NewLogger("embedding")
	}

	return &EmbeddingClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}, nil
}

// EmbedTexts returns one vector per input text, in input order.
func (c *EmbeddingClient) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += embeddingBatch {
		end := start + embeddingBatch
		if end > len(texts) {
			end = len(texts)
		}

		batch, err := c.embedBatch(ctx, texts[start:end])
		if err != nil {
			// Oversized or malformed items can sink a whole batch;
			// retrying one by one isolates them.
			c.logger.Warn("batch embedding failed, retrying individually", "error", err.Error())
			batch, err = c.embedIndividually(ctx, texts[start:end])
			if err != nil {
				return nil, err
			}
		}
		vectors = append(vectors, batch...)
	}

	return vectors, nil
}

func (c *EmbeddingClient) embedIndividually(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	for _, text := range texts {
		single, err := c.embedBatch(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, single[0])
	}
	return vectors, nil
}

func (c *EmbeddingClient) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	truncated := make([]string, len(texts))
	for i, text := range texts {
		if len(text) > maxTextLength {
			text = text[:maxTextLength]
		}
		truncated[i] = text
	}

	body, err := json.Marshal(embeddingRequest{Input: truncated, Model: embeddingModel})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call embedding API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("embedding API returned status %d: %s", resp.StatusCode, string(payload))
	}

	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("embedding API returned %d vectors for %d inputs", len(parsed.Data), len(texts))
	}

	sort.Slice(parsed.Data, func(i, j int) bool {
		return parsed.Data[i].Index < parsed.Data[j].Index
	})

	vectors := make([][]float32, len(parsed.Data))
	for i, item := range parsed.Data {
		if len(item.Embedding) != vectorDimension {
			return nil, fmt.Errorf("embedding has dimension %d, expected %d", len(item.Embedding), vectorDimension)
		}
		vectors[i] = item.Embedding
	}

	c.logger.Debug("embeddings generated", "inputs", len(texts), "tokens", parsed.Usage.TotalTokens)
	return vectors, nil
}
