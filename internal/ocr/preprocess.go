/**
 * Image conditioning for OCR
 *
 * Three strategies of increasing aggressiveness. All of them are pure
 * functions of the input bytes: no shared state, deterministic output,
 * safe to call concurrently from the attempt pool.
 */

package ocr

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"math"
	"sort"

	_ "image/gif"
	_ "image/jpeg"

	xdraw "golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Method selects one of the preprocessing strategies.
type Method string

const (
	MethodBasic      Method = "basic"
	MethodAdvanced   Method = "advanced"
	MethodAggressive Method = "aggressive"
)

// Methods returns all strategies in increasing order of aggressiveness.
func Methods() []Method {
	return []Method{MethodBasic, MethodAdvanced, MethodAggressive}
}

const (
	// Documents are assumed to be letter-sized when estimating DPI from
	// pixel dimensions.
	assumedPageInches = 11.0
	targetDPI         = 300.0

	// Below this standard deviation the image is considered flat and
	// gets an adaptive contrast boost.
	lowContrastStdDev = 30.0

	// Maximum absolute skew angle (degrees) the deskew pass corrects.
	maxSkewDegrees = 5.0
)

// Preprocess decodes raw image bytes, applies the selected conditioning
// method and re-encodes the result as PNG. Unknown methods fall back to
// the advanced strategy.
func Preprocess(data []byte, method Method) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	var out *image.Gray
	switch method {
	case MethodBasic:
		out = preprocessBasic(src)
	case MethodAggressive:
		out = preprocessAggressive(src)
	default:
		out = preprocessAdvanced(src)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), nil
}

// preprocessBasic handles already-clean scans: contrast stretch,
// sharpening, light denoise.
func preprocessBasic(src image.Image) *image.Gray {
	img := grayscale(src)
	img = enhanceContrast(img, 2.0)
	img = convolve3x3(img, sharpenKernel, 16, 0)
	img = medianFilter(img)
	return img
}

// preprocessAdvanced is the default working strategy.
func preprocessAdvanced(src image.Image) *image.Gray {
	src = upscaleIfNeeded(src, targetDPI)
	img := grayscale(src)
	img = deskew(img)
	img = enhanceContrastAdaptive(img)
	img = binarize(img, otsuThreshold(img))
	img = medianFilter(img)
	img = convolve3x3(img, lightBlurKernel, 16, 0)
	img = convolve3x3(img, sharpenKernel, 16, 0)
	return img
}

// preprocessAggressive targets degraded scans: fixed 2x upscale, hard
// contrast, Otsu binarization and morphological denoise.
func preprocessAggressive(src image.Image) *image.Gray {
	src = upscaleFixed(src, 2.0)
	img := grayscale(src)
	img = deskew(img)
	img = enhanceContrast(img, 3.0)
	img = binarize(img, otsuThreshold(img))
	img = morphOpen(img)
	img = morphClose(img)
	img = convolve3x3(img, sharpenKernel, 16, 0)
	img = convolve3x3(img, edgeEnhanceKernel, 2, 0)
	return img
}

// PIL-compatible kernels: value sum equals the scale divisor so flat
// regions pass through unchanged.
var (
	sharpenKernel     = [9]float64{-2, -2, -2, -2, 32, -2, -2, -2, -2}
	edgeEnhanceKernel = [9]float64{-1, -1, -1, -1, 10, -1, -1, -1, -1}
	lightBlurKernel   = [9]float64{1, 2, 1, 2, 4, 2, 1, 2, 1}
)

func grayscale(src image.Image) *image.Gray {
	if g, ok := src.(*image.Gray); ok {
		return g
	}
	b := src.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

// upscaleIfNeeded scales the image up when its estimated DPI is below
// target. DPI is approximated from the longest side assuming a
// letter-sized page.
func upscaleIfNeeded(src image.Image, target float64) image.Image {
	b := src.Bounds()
	longest := b.Dx()
	if b.Dy() > longest {
		longest = b.Dy()
	}
	if longest == 0 {
		return src
	}
	estimatedDPI := float64(longest) / assumedPageInches
	if estimatedDPI >= target {
		return src
	}
	return upscaleFixed(src, target/estimatedDPI)
}

func upscaleFixed(src image.Image, factor float64) image.Image {
	b := src.Bounds()
	w := int(math.Round(float64(b.Dx()) * factor))
	h := int(math.Round(float64(b.Dy()) * factor))
	if w < 1 || h < 1 {
		return src
	}
	dst := image.NewGray(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, b, xdraw.Src, nil)
	return dst
}

// enhanceContrast stretches pixel values around the mean, matching the
// behavior of a contrast enhancement with the given factor.
func enhanceContrast(src *image.Gray, factor float64) *image.Gray {
	mean, _ := meanStdDev(src)
	dst := image.NewGray(src.Bounds())
	for i, v := range src.Pix {
		dst.Pix[i] = clampByte((float64(v)-mean)*factor + mean)
	}
	return dst
}

// enhanceContrastAdaptive boosts contrast only when the image is flat,
// scaling the factor by how flat it is.
func enhanceContrastAdaptive(src *image.Gray) *image.Gray {
	_, std := meanStdDev(src)
	if std >= lowContrastStdDev {
		return src
	}
	factor := math.Min(2.5, lowContrastStdDev/math.Max(std, 1.0))
	return enhanceContrast(src, factor)
}

func meanStdDev(img *image.Gray) (float64, float64) {
	n := len(img.Pix)
	if n == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range img.Pix {
		sum += float64(v)
	}
	mean := sum / float64(n)
	var sq float64
	for _, v := range img.Pix {
		d := float64(v) - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(n))
}

// otsuThreshold computes the binarization threshold minimizing
// intra-class variance over the grayscale histogram.
func otsuThreshold(img *image.Gray) uint8 {
	var hist [256]int
	for _, v := range img.Pix {
		hist[v]++
	}
	total := len(img.Pix)
	if total == 0 {
		return 128
	}

	var sum float64
	for i, c := range hist {
		sum += float64(i) * float64(c)
	}

	var sumB, wB float64
	var maxVar float64
	var threshold uint8
	for t := 0; t < 256; t++ {
		wB += float64(hist[t])
		if wB == 0 {
			continue
		}
		wF := float64(total) - wB
		if wF == 0 {
			break
		}
		sumB += float64(t) * float64(hist[t])
		mB := sumB / wB
		mF := (sum - sumB) / wF
		between := wB * wF * (mB - mF) * (mB - mF)
		if between > maxVar {
			maxVar = between
			threshold = uint8(t)
		}
	}
	return threshold
}

func binarize(src *image.Gray, threshold uint8) *image.Gray {
	dst := image.NewGray(src.Bounds())
	for i, v := range src.Pix {
		if v > threshold {
			dst.Pix[i] = 255
		}
	}
	return dst
}

// medianFilter applies a 3x3 median, the standard salt-and-pepper
// denoise. Border pixels are copied through.
func medianFilter(src *image.Gray) *image.Gray {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewGray(b)
	copy(dst.Pix, src.Pix)
	if w < 3 || h < 3 {
		return dst
	}
	var window [9]byte
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			k := 0
			for dy := -1; dy <= 1; dy++ {
				row := (y+dy)*src.Stride + x - 1
				window[k] = src.Pix[row]
				window[k+1] = src.Pix[row+1]
				window[k+2] = src.Pix[row+2]
				k += 3
			}
			s := window[:]
			sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
			dst.Pix[y*dst.Stride+x] = s[4]
		}
	}
	return dst
}

// convolve3x3 applies a 3x3 kernel with the given scale divisor and
// offset. Border pixels are copied through.
func convolve3x3(src *image.Gray, kernel [9]float64, scale, offset float64) *image.Gray {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewGray(b)
	copy(dst.Pix, src.Pix)
	if w < 3 || h < 3 {
		return dst
	}
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			var acc float64
			k := 0
			for dy := -1; dy <= 1; dy++ {
				row := (y+dy)*src.Stride + x - 1
				acc += kernel[k] * float64(src.Pix[row])
				acc += kernel[k+1] * float64(src.Pix[row+1])
				acc += kernel[k+2] * float64(src.Pix[row+2])
				k += 3
			}
			dst.Pix[y*dst.Stride+x] = clampByte(acc/scale + offset)
		}
	}
	return dst
}

// Morphological operators over a binary image with a cross-shaped
// structuring element. Opening removes isolated white noise, closing
// fills small holes in strokes.

func morphOpen(src *image.Gray) *image.Gray {
	return dilate(erode(src))
}

func morphClose(src *image.Gray) *image.Gray {
	return erode(dilate(src))
}

var crossOffsets = [5][2]int{{0, 0}, {-1, 0}, {1, 0}, {0, -1}, {0, 1}}

func erode(src *image.Gray) *image.Gray {
	return morph(src, func(a, b byte) bool { return a < b })
}

func dilate(src *image.Gray) *image.Gray {
	return morph(src, func(a, b byte) bool { return a > b })
}

func morph(src *image.Gray, better func(a, b byte) bool) *image.Gray {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewGray(b)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			best := src.Pix[y*src.Stride+x]
			for _, off := range crossOffsets {
				nx, ny := x+off[0], y+off[1]
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				v := src.Pix[ny*src.Stride+nx]
				if better(v, best) {
					best = v
				}
			}
			dst.Pix[y*dst.Stride+x] = best
		}
	}
	return dst
}

// deskew estimates the dominant text-line angle via projection profile
// scoring and rotates the image back by that angle. Images with no
// measurable skew are returned unchanged.
func deskew(src *image.Gray) *image.Gray {
	angle := estimateSkewAngle(src)
	if math.Abs(angle) < 0.25 {
		return src
	}
	return rotate(src, -angle)
}

// estimateSkewAngle tries shear angles in [-maxSkewDegrees, +maxSkewDegrees]
// and keeps the one maximizing the variance of per-row ink counts. The
// estimation runs on a downsampled binarized copy to stay cheap.
func estimateSkewAngle(src *image.Gray) float64 {
	small := src
	b := small.Bounds()
	if b.Dx() > 800 {
		factor := 800.0 / float64(b.Dx())
		scaled := image.NewGray(image.Rect(0, 0, 800, int(float64(b.Dy())*factor)))
		xdraw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), small, b, xdraw.Src, nil)
		small = scaled
	}
	threshold := otsuThreshold(small)

	w := small.Bounds().Dx()
	h := small.Bounds().Dy()
	if w < 2 || h < 2 {
		return 0
	}

	bestAngle, bestScore := 0.0, -1.0
	for deg := -maxSkewDegrees; deg <= maxSkewDegrees+1e-9; deg += 0.5 {
		tan := math.Tan(deg * math.Pi / 180)
		counts := make([]float64, h)
		for y := 0; y < h; y++ {
			rowBase := y * small.Stride
			for x := 0; x < w; x++ {
				if small.Pix[rowBase+x] <= threshold {
					row := y + int(math.Round(float64(x)*tan))
					if row >= 0 && row < h {
						counts[row]++
					}
				}
			}
		}
		var sum, sq float64
		for _, c := range counts {
			sum += c
			sq += c * c
		}
		mean := sum / float64(h)
		variance := sq/float64(h) - mean*mean
		if variance > bestScore {
			bestScore = variance
			bestAngle = deg
		}
	}
	return bestAngle
}

// rotate applies an inverse-mapped rotation around the image center,
// filling uncovered corners with white.
func rotate(src *image.Gray, degrees float64) *image.Gray {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewGray(b)
	rad := degrees * math.Pi / 180
	sin, cos := math.Sin(rad), math.Cos(rad)
	cx, cy := float64(w)/2, float64(h)/2
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx := float64(x) - cx
			dy := float64(y) - cy
			sx := int(math.Round(cx + dx*cos - dy*sin))
			sy := int(math.Round(cy + dx*sin + dy*cos))
			if sx >= 0 && sy >= 0 && sx < w && sy < h {
				dst.Pix[y*dst.Stride+x] = src.Pix[sy*src.Stride+sx]
			} else {
				dst.Pix[y*dst.Stride+x] = 255
			}
		}
	}
	return dst
}

func clampByte(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
