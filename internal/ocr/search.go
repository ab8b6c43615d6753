/**
 * OCR attempt search
 *
 * Runs the full cross product of preprocessing methods and segmentation
 * modes (3 x 4 = 12 attempts), collects every outcome and reduces to the
 * best attempt by confidence. The search never fails: when nothing was
 * recognized it falls back to the cheapest configuration with empty text
 * so downstream stages always receive a value.
 */

package ocr

import (
	"context"
	"sort"
	"sync"

	"github.com/docmill/extraction-worker/internal/logging"
)

// Attempt is one (method, mode) recognition outcome.
type Attempt struct {
	Method     Method
	Mode       SegMode
	Text       string
	Confidence float64
}

// Search drives the attempt cross product with a bounded worker pool.
type Search struct {
	engine      Recognizer
	parallelism int
	logger      *logging.Logger
}

// NewSearch creates a search over the given recognizer. parallelism
// bounds how many attempts run at once; values below 1 fall back to 1.
func NewSearch(engine Recognizer, parallelism int, logger *logging.Logger) *Search {
	if parallelism < 1 {
		parallelism = 1
	}
	return &Search{
		engine:      engine,
		parallelism: parallelism,
		logger:      logger,
	}
}

// Run conditions the image once per preprocessing method, recognizes
// each conditioned image under all segmentation modes and returns the
// best attempt. Cancelling ctx stops scheduling further attempts;
// attempts already in flight run to completion and participate in the
// reduction.
func (s *Search) Run(ctx context.Context, img []byte) Attempt {
	var (
		mu       sync.Mutex
		attempts []Attempt
		wg       sync.WaitGroup
	)
	sem := make(chan struct{}, s.parallelism)

	record := func(a Attempt) {
		mu.Lock()
		attempts = append(attempts, a)
		mu.Unlock()
	}

	for _, method := range Methods() {
		wg.Add(1)
		go func(method Method) {
			defer wg.Done()

			var modeWG sync.WaitGroup
			defer modeWG.Wait()

			if ctx.Err() != nil {
				return
			}
			conditioned, err := Preprocess(img, method)
			if err != nil {
				s.logger.Warn("preprocessing failed", "method", method, "error", err)
				return
			}

			for _, mode := range Modes() {
				if ctx.Err() != nil {
					return
				}
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					return
				}
				if ctx.Err() != nil {
					<-sem
					return
				}

				modeWG.Add(1)
				go func(mode SegMode) {
					defer modeWG.Done()
					defer func() { <-sem }()

					attempt := Attempt{Method: method, Mode: mode}
					res, err := s.engine.Recognize(conditioned, mode)
					if err != nil {
						s.logger.Debug("recognition attempt failed",
							"method", method, "mode", mode, "error", err)
					} else {
						attempt.Text = res.Text
						attempt.Confidence = res.Confidence
					}
					record(attempt)
				}(mode)
			}
		}(method)
	}
	wg.Wait()

	best := selectBest(attempts)
	if best.Text == "" {
		// Nothing recognized anywhere. Hand back the cheapest
		// configuration so callers always get a value.
		return Attempt{Method: MethodBasic, Mode: ModeAuto}
	}
	return best
}

// selectBest reduces attempts to a single winner: highest confidence,
// then non-empty text, then the steadier preprocessing method, then the
// default segmentation mode.
func selectBest(attempts []Attempt) Attempt {
	if len(attempts) == 0 {
		return Attempt{Method: MethodBasic, Mode: ModeAuto}
	}
	sorted := make([]Attempt, len(attempts))
	copy(sorted, attempts)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if (a.Text != "") != (b.Text != "") {
			return a.Text != ""
		}
		if methodRank(a.Method) != methodRank(b.Method) {
			return methodRank(a.Method) > methodRank(b.Method)
		}
		return modeRank(a.Mode) > modeRank(b.Mode)
	})
	return sorted[0]
}

func methodRank(m Method) int {
	switch m {
	case MethodAdvanced:
		return 3
	case MethodAggressive:
		return 2
	default:
		return 1
	}
}

func modeRank(m SegMode) int {
	switch m {
	case ModeAuto:
		return 3
	case ModeSingleBlock:
		return 2
	case ModeSparseText:
		return 1
	default:
		return 0
	}
}
