package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelInfo, ParseLevel("info"))
	assert.Equal(t, LevelWarn, ParseLevel("WARNING"))
	assert.Equal(t, LevelError, ParseLevel(" error "))
	assert.Equal(t, LevelInfo, ParseLevel("nonsense"))
	assert.Equal(t, LevelInfo, ParseLevel(""))
}

func TestLoggerWritesKeyValuePairs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithOptions("worker", &buf, LevelInfo)

	logger.Info("stage complete", "documentId", "doc-1", "stage", "EXTRACT")

	out := buf.String()
	assert.Contains(t, out, "[worker]")
	assert.Contains(t, out, "[INFO] stage complete")
	assert.Contains(t, out, "documentId=doc-1")
	assert.Contains(t, out, "stage=EXTRACT")
}

func TestLoggerWithPinsFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithOptions("worker", &buf, LevelInfo).With("documentId", "doc-9")

	logger.Warn("ocr attempt failed", "method", "aggressive")

	out := buf.String()
	assert.Contains(t, out, "documentId=doc-9")
	assert.Contains(t, out, "method=aggressive")
}

func TestLoggerSuppressesBelowMinLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithOptions("worker", &buf, LevelWarn)

	logger.Debug("noisy")
	logger.Info("still noisy")
	logger.Error("kept")

	out := buf.String()
	assert.NotContains(t, out, "noisy")
	assert.Contains(t, out, "kept")
}

func TestLoggerDropsDanglingKey(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithOptions("worker", &buf, LevelInfo)

	logger.Info("msg", "orphan")

	assert.NotContains(t, buf.String(), "orphan")
}
