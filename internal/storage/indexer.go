/**
 * Block indexing adapter
 *
 * Bridges a finished run to the vector index: selects the text blocks
 * worth searching, embeds their content and replaces the document's
 * points. The pipeline treats indexing as best-effort.
 */

package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/docmill/extraction-worker/internal/domain"
	"github.com/docmill/extraction-worker/internal/logging"
)

// BlockIndexer embeds content blocks and writes them to the vector
// index.
type BlockIndexer struct {
	embedder *EmbeddingClient
	index    *VectorIndex
	logger   *logging.Logger
}

// NewBlockIndexer composes the embedding client and the vector index.
func NewBlockIndexer(embedder *EmbeddingClient, index *VectorIndex, logger *logging.Logger) *BlockIndexer {
	if logger == nil {
		logger = logging.NewLogger("indexer")
	}
	return &BlockIndexer{embedder: embedder, index: index, logger: logger}
}

// IndexDocument embeds the TEXT blocks of a document and replaces its
// points. Runs with no indexable text still clear stale points.
func (b *BlockIndexer) IndexDocument(ctx context.Context, documentID string, blocks []domain.ContentBlock) error {
	var selected []domain.ContentBlock
	for _, block := range blocks {
		if block.Type == domain.BlockText && strings.TrimSpace(block.Content) != "" {
			selected = append(selected, block)
		}
	}
	if len(selected) == 0 {
		return b.index.IndexBlocks(ctx, documentID, nil, nil)
	}

	texts := make([]string, len(selected))
	for i, block := range selected {
		texts[i] = block.Content
	}

	vectors, err := b.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to embed blocks: %w", err)
	}

	b.logger.Debug("indexing document", "document_id", documentID, "blocks", len(selected))
	return b.index.IndexBlocks(ctx, documentID, selected, vectors)
}
