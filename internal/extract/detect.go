/**
 * File format detection
 *
 * Detects the real format from magic bytes rather than trusting the
 * uploaded MIME type. Sources routinely hand us generic
 * application/octet-stream, and OCR-bound images arrive with every
 * extension imaginable.
 */

package extract

import (
	"bytes"
	"path/filepath"
	"strings"
)

// MIME types the extractor set accepts.
const (
	MimePDF  = "application/pdf"
	MimeDocx = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MimeXlsx = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	MimePNG  = "image/png"
	MimeJPEG = "image/jpeg"
	MimeGIF  = "image/gif"
	MimeTIFF = "image/tiff"
	MimeBMP  = "image/bmp"
	MimeWebP = "image/webp"
)

// Detect inspects magic bytes, disambiguating ZIP containers by file
// extension. It returns the empty string when the format is unknown.
func Detect(filename string, data []byte) string {
	if len(data) < 4 {
		return ""
	}

	// PDF: %PDF-
	if bytes.HasPrefix(data, []byte("%PDF")) {
		return MimePDF
	}

	// PNG: 0x89 'P' 'N' 'G' 0x0D 0x0A 0x1A 0x0A
	if len(data) >= 8 && bytes.HasPrefix(data, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}) {
		return MimePNG
	}

	// JPEG: 0xFF 0xD8 0xFF
	if bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}) {
		return MimeJPEG
	}

	// GIF: 'G' 'I' 'F' '8' ('7' or '9') 'a'
	if bytes.HasPrefix(data, []byte("GIF87a")) || bytes.HasPrefix(data, []byte("GIF89a")) {
		return MimeGIF
	}

	// WebP: 'R' 'I' 'F' 'F' .... 'W' 'E' 'B' 'P'
	if len(data) > 12 && bytes.HasPrefix(data, []byte("RIFF")) && string(data[8:12]) == "WEBP" {
		return MimeWebP
	}

	// TIFF: 'I' 'I' 0x2A 0x00 (little-endian) or 'M' 'M' 0x00 0x2A (big-endian)
	if bytes.HasPrefix(data, []byte{0x49, 0x49, 0x2A, 0x00}) || bytes.HasPrefix(data, []byte{0x4D, 0x4D, 0x00, 0x2A}) {
		return MimeTIFF
	}

	// BMP: 'B' 'M'
	if bytes.HasPrefix(data, []byte("BM")) {
		return MimeBMP
	}

	// ZIP container: 'P' 'K' 0x03 0x04. Office OpenXML documents are
	// ZIP archives, so the extension decides.
	if bytes.HasPrefix(data, []byte{0x50, 0x4B, 0x03, 0x04}) {
		switch strings.ToLower(filepath.Ext(filename)) {
		case ".docx":
			return MimeDocx
		case ".xlsx":
			return MimeXlsx
		}
		return ""
	}

	return ""
}

// IsImage reports whether the MIME type is a raster image the OCR
// search can consume directly.
func IsImage(mimeType string) bool {
	return strings.HasPrefix(mimeType, "image/")
}

// Supported reports whether the extractor set handles the MIME type.
func Supported(mimeType string) bool {
	switch mimeType {
	case MimePDF, MimeDocx, MimeXlsx, MimePNG, MimeJPEG, MimeGIF, MimeTIFF, MimeBMP, MimeWebP:
		return true
	}
	return false
}
