/**
 * Image kind classification
 *
 * Tells photographs apart from charts and line diagrams using a sampled
 * palette: figures have few distinct colors and a dominant background,
 * photographs do not. The result is advisory metadata on the image
 * block; decode failures fall back to the generic kind.
 */

package extract

import (
	"bytes"
	"image"
)

const (
	// kindSampleTarget bounds how many pixels are inspected per image.
	kindSampleTarget = 4096

	kindImage   = "image"
	kindChart   = "chart"
	kindDiagram = "diagram"
)

// ClassifyKind reports whether the raster looks like a photo, a chart
// or a line diagram.
func ClassifyKind(data []byte) string {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return kindImage
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return kindImage
	}

	step := 1
	for (width/step)*(height/step) > kindSampleTarget {
		step++
	}

	// 4 bits per channel merge near-identical shades into one palette
	// entry.
	palette := make(map[uint32]struct{})
	var samples, background int
	for y := bounds.Min.Y; y < bounds.Max.Y; y += step {
		for x := bounds.Min.X; x < bounds.Max.X; x += step {
			r, g, b, _ := img.At(x, y).RGBA()
			r8, g8, b8 := uint32(r>>8), uint32(g>>8), uint32(b>>8)

			samples++
			if r8 >= 0xF0 && g8 >= 0xF0 && b8 >= 0xF0 {
				background++
			}
			palette[(r8>>4)<<8|(g8>>4)<<4|b8>>4] = struct{}{}
		}
	}
	if samples == 0 {
		return kindImage
	}

	backgroundShare := float64(background) / float64(samples)
	aspect := float64(width) / float64(height)

	switch {
	case len(palette) <= 8 && backgroundShare >= 0.5:
		return kindDiagram
	case len(palette) <= 64 && (aspect >= 1.2 || backgroundShare >= 0.35):
		return kindChart
	default:
		return kindImage
	}
}
