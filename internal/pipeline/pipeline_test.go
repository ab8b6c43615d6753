package pipeline

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docmill/extraction-worker/internal/domain"
	"github.com/docmill/extraction-worker/internal/errors"
	"github.com/docmill/extraction-worker/internal/logging"
	"github.com/docmill/extraction-worker/internal/ocr"
)

type fakeStore struct {
	mu          sync.Mutex
	docs        map[string]*domain.Document
	progress    []int
	failedMsg   string
	replaced    []domain.ContentBlock
	replaceErr  error
	structured  *domain.StructuredData
	upsertErr   error
	completeErr error
}

func newFakeStore(docs ...*domain.Document) *fakeStore {
	s := &fakeStore{docs: make(map[string]*domain.Document)}
	for _, doc := range docs {
		s.docs[doc.ID] = doc
	}
	return s
}

func (s *fakeStore) GetDocument(ctx context.Context, id string) (*domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, errors.NewNotFoundError("document", id)
	}
	cp := *doc
	return &cp, nil
}

func (s *fakeStore) CompareAndSetStatus(ctx context.Context, id string, from []domain.DocumentStatus, to domain.DocumentStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return false, nil
	}
	for _, status := range from {
		if doc.Status == status {
			doc.Status = to
			if to == domain.StatusExtracting {
				doc.Progress = 0
				doc.ErrorMessage = ""
			}
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) SetProgress(ctx context.Context, id string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, progress)
	if doc, ok := s.docs[id]; ok {
		doc.Progress = progress
	}
	return nil
}

func (s *fakeStore) SetFailed(ctx context.Context, id, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedMsg = message
	if doc, ok := s.docs[id]; ok {
		doc.Status = domain.StatusFailed
		doc.ErrorMessage = message
	}
	return nil
}

func (s *fakeStore) SetCompleted(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completeErr != nil {
		return s.completeErr
	}
	if doc, ok := s.docs[id]; ok {
		doc.Status = domain.StatusCompleted
		doc.Progress = 100
	}
	return nil
}

func (s *fakeStore) ReplaceContentBlocks(ctx context.Context, documentID string, blocks []domain.ContentBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replaceErr != nil {
		return s.replaceErr
	}
	s.replaced = append([]domain.ContentBlock(nil), blocks...)
	return nil
}

func (s *fakeStore) UpsertStructuredData(ctx context.Context, data *domain.StructuredData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return s.upsertErr
	}
	cp := *data
	s.structured = &cp
	return nil
}

func (s *fakeStore) status(id string) domain.DocumentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docs[id].Status
}

func (s *fakeStore) progressHistory() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.progress...)
}

func (s *fakeStore) savedBlocks() []domain.ContentBlock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaced
}

func (s *fakeStore) savedStructured() *domain.StructuredData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.structured
}

type fakeExtractor struct {
	mu        sync.Mutex
	result    domain.ExtractionResult
	err       error
	calls     int
	onExtract func()
}

func (f *fakeExtractor) Extract(documentID, path, mimeType string) (domain.ExtractionResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.onExtract != nil {
		f.onExtract()
	}
	return f.result, f.err
}

func (f *fakeExtractor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSearch struct {
	fn func(img []byte) ocr.Attempt
}

func (f *fakeSearch) Run(ctx context.Context, img []byte) ocr.Attempt {
	if f.fn != nil {
		return f.fn(img)
	}
	return ocr.Attempt{
		Method:     ocr.MethodAdvanced,
		Mode:       ocr.ModeAuto,
		Text:       "Texte reconnu",
		Confidence: 0.8,
	}
}

type passCorrector struct{}

func (passCorrector) Correct(text string, confidence float64) (string, float64) {
	return text, confidence
}

type fakeEnricher struct {
	mu    sync.Mutex
	got   []domain.TextBlock
	delay time.Duration
	err   error
}

func (f *fakeEnricher) Enrich(ctx context.Context, blocks []domain.TextBlock) ([]domain.EnrichedTextBlock, error) {
	f.mu.Lock()
	f.got = append([]domain.TextBlock(nil), blocks...)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}

	out := make([]domain.EnrichedTextBlock, len(blocks))
	for i, b := range blocks {
		out[i] = domain.EnrichedTextBlock{TextBlock: b}
	}
	return out, nil
}

func (f *fakeEnricher) inputs() []domain.TextBlock {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.got
}

type fakeNormalizer struct {
	mu  sync.Mutex
	got []domain.TableBlock
	err error
}

func (f *fakeNormalizer) Normalize(ctx context.Context, tables []domain.TableBlock) ([]domain.NormalizedTable, error) {
	f.mu.Lock()
	f.got = append([]domain.TableBlock(nil), tables...)
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	out := make([]domain.NormalizedTable, len(tables))
	for i, t := range tables {
		out[i] = domain.NormalizedTable{
			Page:   t.Page,
			Order:  t.Order,
			Region: t.Region,
			Rows:   t.Cells,
		}
	}
	return out, nil
}

type fakeIndexer struct {
	mu    sync.Mutex
	calls int
	got   []domain.ContentBlock
	err   error
}

func (f *fakeIndexer) IndexDocument(ctx context.Context, documentID string, blocks []domain.ContentBlock) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.got = blocks
	return f.err
}

type reportEvent struct {
	stage    string
	progress int
}

type fakeReporter struct {
	mu     sync.Mutex
	events []reportEvent
}

func (r *fakeReporter) Report(ctx context.Context, documentID, stage string, progress int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, reportEvent{stage: stage, progress: progress})
}

func (r *fakeReporter) all() []reportEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]reportEvent(nil), r.events...)
}

func quietLogger() *logging.Logger {
	return logging.NewLoggerWithOptions("test", io.Discard, logging.LevelError)
}

func pendingDocument(id string) *domain.Document {
	return &domain.Document{
		ID:          id,
		Filename:    "rapport.pdf",
		MimeType:    "application/pdf",
		SizeBytes:   2048,
		StoragePath: "/tmp/rapport.pdf",
		Status:      domain.StatusPending,
	}
}

func testOptions(store *fakeStore, ext *fakeExtractor) (Options, *fakeReporter, *fakeEnricher, *fakeNormalizer) {
	reporter := &fakeReporter{}
	enricher := &fakeEnricher{}
	normalizer := &fakeNormalizer{}
	return Options{
		Documents:           store,
		Content:             store,
		Structured:          store,
		Extractor:           ext,
		Search:              &fakeSearch{},
		Corrector:           passCorrector{},
		Enricher:            enricher,
		Normalizer:          normalizer,
		Reporters:           []Reporter{reporter},
		Logger:              quietLogger(),
		MaxConcurrentImages: 2,
	}, reporter, enricher, normalizer
}

func richExtraction() domain.ExtractionResult {
	return domain.ExtractionResult{
		TextBlocks: []domain.TextBlock{
			{Page: 1, Order: 0, Text: "Rapport annuel", Source: domain.SourceNative},
			{Page: 1, Order: 1, Text: "Le budget est stable.", Source: domain.SourceNative},
		},
		TableBlocks: []domain.TableBlock{
			{Page: 1, Order: 2, Cells: [][]string{{"Nom", "Montant"}, {"Dupont", "120"}}},
		},
		ImageBlocks: []domain.ImageBlock{
			{Page: 1, Order: 3, Format: "png", Data: []byte("not a real image")},
		},
		Metadata: domain.Metadata{PageCount: 1},
	}
}

func TestRunHappyPath(t *testing.T) {
	doc := pendingDocument("doc-1")
	store := newFakeStore(doc)
	ext := &fakeExtractor{result: richExtraction()}
	opts, reporter, enricher, _ := testOptions(store, ext)
	p := NewPipeline(opts)

	result, err := p.Run(context.Background(), "doc-1")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "doc-1", result.DocumentID)

	assert.Equal(t, domain.StatusCompleted, store.status("doc-1"))
	assert.Equal(t, []int{10, 25, 40, 70}, store.progressHistory())

	blocks := store.savedBlocks()
	require.NotEmpty(t, blocks)
	assert.Equal(t, len(blocks), result.ContentBlockCount)

	// Two native texts, one OCR text, one table, one image.
	byType := make(map[domain.ContentBlockType]int)
	for _, b := range blocks {
		byType[b.Type]++
	}
	assert.Equal(t, 3, byType[domain.BlockText])
	assert.Equal(t, 1, byType[domain.BlockTable])
	assert.Equal(t, 1, byType[domain.BlockImage])

	var sawOCR bool
	for _, b := range blocks {
		if b.Type == domain.BlockText && b.Metadata.Method == string(domain.SourceOCR) {
			sawOCR = true
			assert.Equal(t, "Texte reconnu", b.Content)
		}
		if b.Type == domain.BlockImage {
			assert.Equal(t, "image", b.Metadata.Additional["kind"])
		}
	}
	assert.True(t, sawOCR, "expected an OCR-derived text block")

	// The OCR block continues the page's native text ordering.
	inputs := enricher.inputs()
	require.Len(t, inputs, 3)
	assert.Equal(t, domain.SourceOCR, inputs[2].Source)
	assert.Equal(t, 2, inputs[2].Order)

	structured := store.savedStructured()
	require.NotNil(t, structured)
	assert.Equal(t, "doc-1", structured.DocumentID)

	events := reporter.all()
	require.NotEmpty(t, events)
	assert.Equal(t, reportEvent{stage: stageExtract, progress: 0}, events[0])
	assert.Equal(t, reportEvent{stage: stageDone, progress: 100}, events[len(events)-1])
	for i := 1; i < len(events); i++ {
		assert.GreaterOrEqual(t, events[i].progress, events[i-1].progress,
			"progress must never move backwards")
	}
}

func TestRunNotFound(t *testing.T) {
	store := newFakeStore()
	ext := &fakeExtractor{}
	opts, _, _, _ := testOptions(store, ext)
	p := NewPipeline(opts)

	_, err := p.Run(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, errors.ErrorNotFound, errors.CodeOf(err))
	assert.Equal(t, 0, ext.callCount())
}

func TestRunConflict(t *testing.T) {
	doc := pendingDocument("doc-1")
	doc.Status = domain.StatusExtracting
	store := newFakeStore(doc)
	ext := &fakeExtractor{}
	opts, _, _, _ := testOptions(store, ext)
	p := NewPipeline(opts)

	_, err := p.Run(context.Background(), "doc-1")
	require.Error(t, err)
	assert.Equal(t, errors.ErrorConflict, errors.CodeOf(err))
	// The in-flight owner keeps the claim.
	assert.Equal(t, domain.StatusExtracting, store.status("doc-1"))
	assert.Equal(t, 0, ext.callCount())
}

func TestRunExactlyOneWinner(t *testing.T) {
	doc := pendingDocument("doc-1")
	store := newFakeStore(doc)
	ext := &fakeExtractor{result: richExtraction()}
	opts, _, _, _ := testOptions(store, ext)
	p := NewPipeline(opts)

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := p.Run(context.Background(), "doc-1")
			results <- err
		}()
	}

	var conflicts, successes int
	for i := 0; i < 2; i++ {
		err := <-results
		if err == nil {
			successes++
			continue
		}
		if errors.IsCode(err, errors.ErrorConflict) {
			conflicts++
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, conflicts)
	assert.Equal(t, domain.StatusCompleted, store.status("doc-1"))
}

func TestRunOversizeFile(t *testing.T) {
	doc := pendingDocument("doc-1")
	doc.SizeBytes = 500
	store := newFakeStore(doc)
	ext := &fakeExtractor{result: richExtraction()}
	opts, _, _, _ := testOptions(store, ext)
	opts.MaxFileSize = 100
	p := NewPipeline(opts)

	_, err := p.Run(context.Background(), "doc-1")
	require.Error(t, err)
	assert.Equal(t, errors.ErrorUnsupportedFormat, errors.CodeOf(err))

	var pe *errors.ProcessingError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, int64(100), pe.Details["max_file_size"])

	assert.Equal(t, 0, ext.callCount(), "oversize files must be rejected before parsing")
	assert.Equal(t, domain.StatusFailed, store.status("doc-1"))
	assert.Nil(t, store.savedBlocks())
}

func TestRunExtractionFailure(t *testing.T) {
	doc := pendingDocument("doc-1")
	store := newFakeStore(doc)
	cause := fmt.Errorf("bad xref table")
	ext := &fakeExtractor{err: errors.NewCorruptFileError("doc-1", "application/pdf", cause)}
	opts, _, _, _ := testOptions(store, ext)
	p := NewPipeline(opts)

	_, err := p.Run(context.Background(), "doc-1")
	require.Error(t, err)
	// The original typed code survives, it is not rewrapped.
	assert.Equal(t, errors.ErrorCorruptFile, errors.CodeOf(err))
	assert.Equal(t, domain.StatusFailed, store.status("doc-1"))
	assert.Contains(t, store.failedMsg, "CORRUPT_FILE")
	assert.Nil(t, store.savedBlocks())
	assert.Nil(t, store.savedStructured())
}

func TestRunNoContentAfterStructuring(t *testing.T) {
	doc := pendingDocument("doc-1")
	store := newFakeStore(doc)
	// Whitespace-only text survives extraction but structures to nothing.
	ext := &fakeExtractor{result: domain.ExtractionResult{
		TextBlocks: []domain.TextBlock{{Page: 1, Order: 0, Text: "   ", Source: domain.SourceNative}},
	}}
	opts, _, _, _ := testOptions(store, ext)
	p := NewPipeline(opts)

	_, err := p.Run(context.Background(), "doc-1")
	require.Error(t, err)
	assert.Equal(t, errors.ErrorNoContent, errors.CodeOf(err))
	assert.Equal(t, domain.StatusFailed, store.status("doc-1"))
	assert.Nil(t, store.savedBlocks())
	assert.Nil(t, store.savedStructured())
}

func TestRunImageOnlyAppendsOneOCRBlock(t *testing.T) {
	doc := pendingDocument("doc-1")
	store := newFakeStore(doc)
	ext := &fakeExtractor{result: domain.ExtractionResult{
		ImageBlocks: []domain.ImageBlock{{Page: 1, Order: 0, Format: "png", Data: []byte("scan")}},
	}}
	opts, _, enricher, _ := testOptions(store, ext)
	p := NewPipeline(opts)

	result, err := p.Run(context.Background(), "doc-1")
	require.NoError(t, err)

	inputs := enricher.inputs()
	require.Len(t, inputs, 1, "exactly one OCR text block per image")
	assert.Equal(t, domain.SourceOCR, inputs[0].Source)
	assert.Equal(t, 1, inputs[0].Page)
	assert.Equal(t, 0, inputs[0].Order)
	assert.Equal(t, "Texte reconnu", inputs[0].Text)

	assert.Equal(t, 2, result.ContentBlockCount, "one text block and one image block")
}

func TestRunPerImageDegrade(t *testing.T) {
	doc := pendingDocument("doc-1")
	store := newFakeStore(doc)
	ext := &fakeExtractor{result: domain.ExtractionResult{
		ImageBlocks: []domain.ImageBlock{{Page: 1, Order: 0, Format: "png", Data: []byte("noise")}},
	}}
	opts, _, enricher, _ := testOptions(store, ext)
	// Nothing recognized anywhere: the search degrades, never errors.
	opts.Search = &fakeSearch{fn: func(img []byte) ocr.Attempt {
		return ocr.Attempt{Method: ocr.MethodBasic, Mode: ocr.ModeAuto}
	}}
	p := NewPipeline(opts)

	result, err := p.Run(context.Background(), "doc-1")
	require.NoError(t, err, "per-image OCR failure must not abort the run")

	inputs := enricher.inputs()
	require.Len(t, inputs, 1)
	assert.Empty(t, inputs[0].Text)
	assert.Zero(t, inputs[0].Confidence)

	// The empty text block structures to nothing; the image remains.
	assert.Equal(t, 1, result.ContentBlockCount)
	assert.Equal(t, domain.StatusCompleted, store.status("doc-1"))
}

func TestRunBranchErrorFailsBeforePersist(t *testing.T) {
	doc := pendingDocument("doc-1")
	store := newFakeStore(doc)
	ext := &fakeExtractor{result: richExtraction()}
	opts, _, enricher, _ := testOptions(store, ext)
	enricher.err = fmt.Errorf("annotation backend unavailable")
	p := NewPipeline(opts)

	_, err := p.Run(context.Background(), "doc-1")
	require.Error(t, err)
	assert.Equal(t, errors.ErrorPipelineFailed, errors.CodeOf(err))
	assert.Equal(t, domain.StatusFailed, store.status("doc-1"))
	assert.Nil(t, store.savedBlocks(), "a failed branch must not hand anything to persistence")
	assert.Nil(t, store.savedStructured())
}

func TestRunBranchTimeout(t *testing.T) {
	doc := pendingDocument("doc-1")
	store := newFakeStore(doc)
	ext := &fakeExtractor{result: richExtraction()}
	opts, _, enricher, _ := testOptions(store, ext)
	enricher.delay = 500 * time.Millisecond
	opts.BranchTimeout = 20 * time.Millisecond
	p := NewPipeline(opts)

	start := time.Now()
	_, err := p.Run(context.Background(), "doc-1")
	require.Error(t, err)
	assert.Equal(t, errors.ErrorProcessingTimeout, errors.CodeOf(err))
	assert.Less(t, time.Since(start), 400*time.Millisecond)
	assert.Equal(t, domain.StatusFailed, store.status("doc-1"))
	assert.Nil(t, store.savedBlocks())
}

func TestRunCancellationBetweenStages(t *testing.T) {
	doc := pendingDocument("doc-1")
	store := newFakeStore(doc)
	ctx, cancel := context.WithCancel(context.Background())
	ext := &fakeExtractor{result: richExtraction(), onExtract: cancel}
	opts, _, _, _ := testOptions(store, ext)
	p := NewPipeline(opts)

	_, err := p.Run(ctx, "doc-1")
	require.Error(t, err)
	assert.Equal(t, errors.ErrorPipelineFailed, errors.CodeOf(err))
	// Never stuck at EXTRACTING after termination.
	assert.Equal(t, domain.StatusFailed, store.status("doc-1"))
	assert.Nil(t, store.savedBlocks())
}

func TestRunPersistFailure(t *testing.T) {
	doc := pendingDocument("doc-1")
	store := newFakeStore(doc)
	store.replaceErr = errors.NewStorageFailedError("doc-1", fmt.Errorf("connection reset"))
	ext := &fakeExtractor{result: richExtraction()}
	opts, _, _, _ := testOptions(store, ext)
	p := NewPipeline(opts)

	_, err := p.Run(context.Background(), "doc-1")
	require.Error(t, err)
	assert.Equal(t, errors.ErrorStorageFailed, errors.CodeOf(err))
	assert.Equal(t, domain.StatusFailed, store.status("doc-1"))
	assert.Nil(t, store.savedStructured(), "structured data is not written after a block write failure")
}

func TestRunCompletionWriteFailure(t *testing.T) {
	doc := pendingDocument("doc-1")
	store := newFakeStore(doc)
	store.completeErr = errors.NewStorageFailedError("doc-1", fmt.Errorf("connection reset"))
	ext := &fakeExtractor{result: richExtraction()}
	opts, _, _, _ := testOptions(store, ext)
	p := NewPipeline(opts)

	_, err := p.Run(context.Background(), "doc-1")
	require.Error(t, err)
	assert.Equal(t, errors.ErrorStorageFailed, errors.CodeOf(err))
	assert.Equal(t, domain.StatusFailed, store.status("doc-1"))
}

func TestRunIndexerFailureIsNotFatal(t *testing.T) {
	doc := pendingDocument("doc-1")
	store := newFakeStore(doc)
	ext := &fakeExtractor{result: richExtraction()}
	opts, _, _, _ := testOptions(store, ext)
	indexer := &fakeIndexer{err: fmt.Errorf("vector backend down")}
	opts.Indexer = indexer
	p := NewPipeline(opts)

	result, err := p.Run(context.Background(), "doc-1")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, domain.StatusCompleted, store.status("doc-1"))

	indexer.mu.Lock()
	defer indexer.mu.Unlock()
	assert.Equal(t, 1, indexer.calls)
	assert.Len(t, indexer.got, result.ContentBlockCount)
}
