/**
 * Extraction pipeline
 *
 * Single-flow orchestrator of one document run:
 *
 *   EXTRACT -> IMAGE_OCR -> ENRICH || NORMALIZE -> STRUCTURE -> DONE
 *
 * The run is claimed through an atomic status transition so exactly one
 * worker processes a document at a time. Stage boundaries are the
 * cancellation points; a fatal error anywhere marks the document FAILED
 * and surfaces a typed error. Structuring is pure, so persistence only
 * starts once the full result exists.
 */

package pipeline

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/docmill/extraction-worker/internal/domain"
	"github.com/docmill/extraction-worker/internal/errors"
	"github.com/docmill/extraction-worker/internal/extract"
	"github.com/docmill/extraction-worker/internal/logging"
	"github.com/docmill/extraction-worker/internal/ocr"
	"github.com/docmill/extraction-worker/internal/structure"
)

const (
	stageExtract   = "EXTRACT"
	stageImageOCR  = "IMAGE_OCR"
	stageEnrich    = "ENRICH"
	stageNormalize = "NORMALIZE"
	stageStructure = "STRUCTURE"
	stageDone      = "DONE"
)

const (
	progressExtracted  = 10
	progressRecognized = 25
	progressEnriched   = 40
	progressStructured = 70
	progressComplete   = 100
)

// DocumentStore is the document state the pipeline depends on.
type DocumentStore interface {
	GetDocument(ctx context.Context, id string) (*domain.Document, error)
	CompareAndSetStatus(ctx context.Context, id string, from []domain.DocumentStatus, to domain.DocumentStatus) (bool, error)
	SetProgress(ctx context.Context, id string, progress int) error
	SetFailed(ctx context.Context, id, message string) error
	SetCompleted(ctx context.Context, id string) error
}

// ContentStore persists the block set of a finished run.
type ContentStore interface {
	ReplaceContentBlocks(ctx context.Context, documentID string, blocks []domain.ContentBlock) error
}

// StructuredStore persists the document-level aggregate.
type StructuredStore interface {
	UpsertStructuredData(ctx context.Context, data *domain.StructuredData) error
}

// Extractor parses a stored file into raw blocks.
type Extractor interface {
	Extract(documentID, path, mimeType string) (domain.ExtractionResult, error)
}

// OCRSearcher runs the attempt search for one image.
type OCRSearcher interface {
	Run(ctx context.Context, img []byte) ocr.Attempt
}

// TextCorrector cleans recognized text.
type TextCorrector interface {
	Correct(text string, confidence float64) (string, float64)
}

// Enricher annotates text blocks, one output per input.
type Enricher interface {
	Enrich(ctx context.Context, blocks []domain.TextBlock) ([]domain.EnrichedTextBlock, error)
}

// Normalizer normalizes table blocks, one output per input.
type Normalizer interface {
	Normalize(ctx context.Context, tables []domain.TableBlock) ([]domain.NormalizedTable, error)
}

// BlockIndexer mirrors completed blocks into a vector index.
type BlockIndexer interface {
	IndexDocument(ctx context.Context, documentID string, blocks []domain.ContentBlock) error
}

// Options wires the pipeline's collaborators and limits.
type Options struct {
	Documents  DocumentStore
	Content    ContentStore
	Structured StructuredStore

	Extractor  Extractor
	Search     OCRSearcher
	Corrector  TextCorrector
	Enricher   Enricher
	Normalizer Normalizer

	// Indexer is optional; nil disables vector indexing.
	Indexer   BlockIndexer
	Reporters []Reporter
	Logger    *logging.Logger

	MaxFileSize         int64
	MaxConcurrentImages int
	// BranchTimeout bounds each of the ENRICH/NORMALIZE branches;
	// zero disables the bound.
	BranchTimeout time.Duration
	// ProcessingTimeout is the run deadline owned by the caller, kept
	// here for timeout error messages.
	ProcessingTimeout time.Duration
}

// Pipeline executes extraction runs.
type Pipeline struct {
	documents  DocumentStore
	content    ContentStore
	structured StructuredStore

	extractor  Extractor
	search     OCRSearcher
	corrector  TextCorrector
	enricher   Enricher
	normalizer Normalizer

	contentStructurer  *structure.ContentStructurer
	documentStructurer *structure.DocumentStructurer

	indexer   BlockIndexer
	reporters []Reporter
	logger    *logging.Logger

	maxFileSize         int64
	maxConcurrentImages int
	branchTimeout       time.Duration
	processingTimeout   time.Duration
}

// NewPipeline builds a pipeline from its collaborators.
func NewPipeline(opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger("pipeline")
	}

	reporters := opts.Reporters
	if len(reporters) == 0 {
		reporters = []Reporter{NewLogReporter(logger)}
	}

	concurrency := opts.MaxConcurrentImages
	if concurrency < 1 {
		concurrency = 1
	}

	return &Pipeline{
		documents:           opts.Documents,
		content:             opts.Content,
		structured:          opts.Structured,
		extractor:           opts.Extractor,
		search:              opts.Search,
		corrector:           opts.Corrector,
		enricher:            opts.Enricher,
		normalizer:          opts.Normalizer,
		contentStructurer:   structure.NewContentStructurer(logger),
		documentStructurer:  structure.NewDocumentStructurer(logger),
		indexer:             opts.Indexer,
		reporters:           reporters,
		logger:              logger,
		maxFileSize:         opts.MaxFileSize,
		maxConcurrentImages: concurrency,
		branchTimeout:       opts.BranchTimeout,
		processingTimeout:   opts.ProcessingTimeout,
	}
}

// Run executes the full pipeline for one document and returns the run
// result. The returned error always carries a stable code.
func (p *Pipeline) Run(ctx context.Context, documentID string) (*domain.RunResult, error) {
	doc, err := p.documents.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}

	claimed, err := p.documents.CompareAndSetStatus(ctx, documentID,
		[]domain.DocumentStatus{domain.StatusPending, domain.StatusFailed},
		domain.StatusExtracting)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, errors.NewConflictError(documentID, string(doc.Status))
	}

	p.logger.Info("run started",
		"documentId", documentID,
		"filename", doc.Filename,
		"mimeType", doc.MimeType,
		"sizeBytes", doc.SizeBytes)
	p.report(ctx, documentID, stageExtract, 0)

	result, err := p.extractStage(doc)
	if err != nil {
		return nil, p.fail(documentID, stageExtract, err)
	}
	if err := p.advance(ctx, documentID, stageImageOCR, progressExtracted); err != nil {
		return nil, p.fail(documentID, stageImageOCR, err)
	}

	texts, images := p.recognizeImages(ctx, doc, result)
	if err := p.advance(ctx, documentID, stageEnrich, progressRecognized); err != nil {
		return nil, p.fail(documentID, stageEnrich, err)
	}
	p.report(ctx, documentID, stageNormalize, progressRecognized)

	enriched, normalized, err := p.enrichAndNormalize(ctx, documentID, texts, result.TableBlocks)
	if err != nil {
		return nil, p.fail(documentID, stageStructure, err)
	}
	if err := p.advance(ctx, documentID, stageStructure, progressEnriched); err != nil {
		return nil, p.fail(documentID, stageStructure, err)
	}

	blocks := p.contentStructurer.Build(documentID, enriched, normalized, images)
	if len(blocks) == 0 {
		return nil, p.fail(documentID, stageStructure, errors.NewNoContentError(documentID))
	}
	structured := p.documentStructurer.Build(doc, result.Metadata, blocks)
	if err := p.advance(ctx, documentID, stageDone, progressStructured); err != nil {
		return nil, p.fail(documentID, stageDone, err)
	}

	if err := p.content.ReplaceContentBlocks(ctx, documentID, blocks); err != nil {
		return nil, p.fail(documentID, stageDone, err)
	}
	if err := p.structured.UpsertStructuredData(ctx, &structured); err != nil {
		return nil, p.fail(documentID, stageDone, err)
	}
	if err := p.documents.SetCompleted(ctx, documentID); err != nil {
		return nil, p.fail(documentID, stageDone, err)
	}
	p.report(ctx, documentID, stageDone, progressComplete)

	if p.indexer != nil {
		if err := p.indexer.IndexDocument(ctx, documentID, blocks); err != nil {
			p.logger.Warn("vector indexing failed", "documentId", documentID, "error", err.Error())
		}
	}

	p.logger.Info("run completed", "documentId", documentID, "blocks", len(blocks))
	return &domain.RunResult{DocumentID: documentID, ContentBlockCount: len(blocks)}, nil
}

// extractStage guards the file size and parses the stored file.
func (p *Pipeline) extractStage(doc *domain.Document) (domain.ExtractionResult, error) {
	if p.maxFileSize > 0 && doc.SizeBytes > p.maxFileSize {
		return domain.ExtractionResult{}, errors.NewFileTooLargeError(doc.ID, doc.SizeBytes, p.maxFileSize)
	}
	return p.extractor.Extract(doc.ID, doc.StoragePath, doc.MimeType)
}

// recognizeImages runs OCR over every image block on a bounded pool and
// returns the text blocks extended with one OCR block per image, plus
// the images annotated with their kind. Per-image failures degrade to
// empty text at confidence zero.
func (p *Pipeline) recognizeImages(ctx context.Context, doc *domain.Document, result domain.ExtractionResult) ([]domain.TextBlock, []domain.ImageBlock) {
	images := make([]domain.ImageBlock, len(result.ImageBlocks))
	copy(images, result.ImageBlocks)
	if len(images) == 0 {
		return result.TextBlocks, images
	}

	recognized := make([]domain.TextBlock, len(images))
	sem := make(chan struct{}, p.maxConcurrentImages)
	var wg sync.WaitGroup
	for i := range images {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			img := &images[i]
			block := domain.TextBlock{
				Page:   img.Page,
				Region: img.Region,
				Source: domain.SourceOCR,
			}

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				recognized[i] = block
				return
			}

			img.Kind = extract.ClassifyKind(img.Data)

			attempt := p.search.Run(ctx, img.Data)
			block.Text, block.Confidence = p.corrector.Correct(attempt.Text, attempt.Confidence)
			recognized[i] = block

			p.logger.Debug("image recognized",
				"documentId", doc.ID,
				"page", img.Page,
				"kind", img.Kind,
				"method", attempt.Method,
				"mode", attempt.Mode,
				"confidence", block.Confidence)
		}(i)
	}
	wg.Wait()

	// OCR text slots in after the native text of its page so reading
	// order stays stable.
	texts := make([]domain.TextBlock, len(result.TextBlocks), len(result.TextBlocks)+len(recognized))
	copy(texts, result.TextBlocks)
	next := make(map[int]int)
	for _, tb := range texts {
		if tb.Order >= next[tb.Page] {
			next[tb.Page] = tb.Order + 1
		}
	}
	for _, block := range recognized {
		block.Order = next[block.Page]
		next[block.Page]++
		texts = append(texts, block)
	}
	return texts, images
}

// enrichAndNormalize runs the two annotation branches over disjoint
// inputs and joins before returning. A branch error fails the run; no
// partial output crosses the barrier.
func (p *Pipeline) enrichAndNormalize(ctx context.Context, documentID string, texts []domain.TextBlock, tables []domain.TableBlock) ([]domain.EnrichedTextBlock, []domain.NormalizedTable, error) {
	ectx, ecancel := p.branchContext(ctx)
	defer ecancel()
	nctx, ncancel := p.branchContext(ctx)
	defer ncancel()

	var (
		wg         sync.WaitGroup
		enriched   []domain.EnrichedTextBlock
		enrichErr  error
		normalized []domain.NormalizedTable
		normErr    error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		enriched, enrichErr = p.enricher.Enrich(ectx, texts)
	}()
	go func() {
		defer wg.Done()
		normalized, normErr = p.normalizer.Normalize(nctx, tables)
	}()
	wg.Wait()

	if enrichErr != nil {
		return nil, nil, p.branchError(documentID, stageEnrich, enrichErr)
	}
	if normErr != nil {
		return nil, nil, p.branchError(documentID, stageNormalize, normErr)
	}
	return enriched, normalized, nil
}

func (p *Pipeline) branchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.branchTimeout > 0 {
		return context.WithTimeout(ctx, p.branchTimeout)
	}
	return context.WithCancel(ctx)
}

func (p *Pipeline) branchError(documentID, stage string, err error) error {
	if p.branchTimeout > 0 && stderrors.Is(err, context.DeadlineExceeded) {
		return errors.NewProcessingTimeoutError(documentID, p.branchTimeout, err)
	}
	return errors.NewPipelineError(documentID, stage, err)
}

// advance is the stage boundary: it checks cancellation, persists the
// progress marker and notifies reporters that the next stage begins.
func (p *Pipeline) advance(ctx context.Context, documentID, nextStage string, progress int) error {
	if err := ctx.Err(); err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) {
			return errors.NewProcessingTimeoutError(documentID, p.processingTimeout, err)
		}
		return errors.NewPipelineError(documentID, nextStage, err)
	}
	if err := p.documents.SetProgress(ctx, documentID, progress); err != nil {
		return err
	}
	p.report(ctx, documentID, nextStage, progress)
	return nil
}

// fail records the failure on the document and returns the typed error.
// The status write runs on a detached context so cancelled runs still
// land on FAILED instead of sticking at EXTRACTING.
func (p *Pipeline) fail(documentID, stage string, err error) error {
	typed := err
	var pe *errors.ProcessingError
	if !stderrors.As(err, &pe) {
		typed = errors.NewPipelineError(documentID, stage, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := p.documents.SetFailed(ctx, documentID, typed.Error()); serr != nil {
		p.logger.Error("failed to record failure",
			"documentId", documentID, "error", serr.Error())
	}

	p.logger.Error("run failed",
		"documentId", documentID,
		"stage", stage,
		"error", typed.Error())
	return typed
}

func (p *Pipeline) report(ctx context.Context, documentID, stage string, progress int) {
	for _, r := range p.reporters {
		r.Report(ctx, documentID, stage, progress)
	}
}
