/**
 * Recognition engine adapter
 *
 * Wraps Tesseract behind a small interface so the attempt search can
 * be exercised against a fake backend. Each call builds a fresh client
 * because Tesseract handles are not safe for concurrent use.
 */

package ocr

import (
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// SegMode is a page-segmentation assumption handed to the backend.
type SegMode string

const (
	ModeSingleBlock SegMode = "single_block"
	ModeSparseText  SegMode = "sparse_text"
	ModeAuto        SegMode = "auto"
	ModeAutoOSD     SegMode = "auto_osd"
)

// Modes returns the four segmentation modes every image is tried under.
func Modes() []SegMode {
	return []SegMode{ModeSingleBlock, ModeSparseText, ModeAuto, ModeAutoOSD}
}

// psm maps a SegMode to the Tesseract page segmentation mode number.
func (m SegMode) psm() gosseract.PageSegMode {
	switch m {
	case ModeSingleBlock:
		return gosseract.PageSegMode(6)
	case ModeSparseText:
		return gosseract.PageSegMode(11)
	case ModeAutoOSD:
		return gosseract.PageSegMode(12)
	default:
		return gosseract.PageSegMode(3)
	}
}

// Result is one recognition outcome. Confidence is the mean of the
// per-word confidences reported by the backend, in [0,1]; empty text
// always carries confidence 0.
type Result struct {
	Text       string
	Confidence float64
	WordCount  int
}

// Recognizer is the backend contract the attempt search depends on.
type Recognizer interface {
	Recognize(img []byte, mode SegMode) (Result, error)
}

// Engine is the production Recognizer backed by Tesseract.
type Engine struct {
	language string
}

// NewEngine creates an engine recognizing the given language set, e.g.
// "fra+eng".
func NewEngine(language string) *Engine {
	if language == "" {
		language = "fra+eng"
	}
	return &Engine{language: language}
}

// Recognize runs one OCR pass over the image under the given
// segmentation mode.
func (e *Engine) Recognize(img []byte, mode SegMode) (Result, error) {
	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(strings.Split(e.language, "+")...); err != nil {
		return Result{}, fmt.Errorf("set language: %w", err)
	}
	if err := client.SetPageSegMode(mode.psm()); err != nil {
		return Result{}, fmt.Errorf("set segmentation mode: %w", err)
	}
	if err := client.SetImageFromBytes(img); err != nil {
		return Result{}, fmt.Errorf("set image: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return Result{}, fmt.Errorf("recognize: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, nil
	}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return Result{Text: text}, nil
	}

	var sum float64
	count := 0
	for _, box := range boxes {
		if strings.TrimSpace(box.Word) == "" || box.Confidence < 0 {
			continue
		}
		sum += box.Confidence / 100.0
		count++
	}

	res := Result{Text: text, WordCount: count}
	if count > 0 {
		res.Confidence = sum / float64(count)
		if res.Confidence > 1 {
			res.Confidence = 1
		}
	}
	return res, nil
}
