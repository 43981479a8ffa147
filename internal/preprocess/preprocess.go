// Package preprocess normalizes raw frames before they reach the embedding extractor.
package preprocess

import (
	"image"
	"image/color"
	"math"
)

// Options tunes the edge-preserving smoothing pass.
type Options struct {
	Diameter   int     // pixel neighbourhood used by the bilateral filter
	SigmaColor float64 // intensity sigma
	SigmaSpace float64 // spatial sigma
}

func DefaultOptions() Options {
	return Options{Diameter: 9, SigmaColor: 75, SigmaSpace: 75}
}

// Preprocess runs grayscale -> histogram equalization -> bilateral smoothing -> 3 channel expand.
// It never fails: a nil or empty input yields an empty buffer with the same bounds.
func Preprocess(img image.Image, opts Options) *image.RGBA {
	if img == nil {
		return image.NewRGBA(image.Rectangle{})
	}
	b := img.Bounds()
	out := image.NewRGBA(b)
	if b.Empty() {
		return out
	}

	gray := Grayscale(img)
	Equalize(gray)
	smooth := Bilateral(gray, opts)

	w := b.Dx()
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < w; x++ {
			v := smooth.Pix[y*smooth.Stride+x]
			i := y*out.Stride + x*4
			out.Pix[i] = v
			out.Pix[i+1] = v
			out.Pix[i+2] = v
			out.Pix[i+3] = 0xFF
		}
	}
	return out
}

// Grayscale converts to single-channel BT.601 luma. The result keeps img's bounds.
func Grayscale(img image.Image) *image.Gray {
	b := img.Bounds()
	gray := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			luma := 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(bl>>8)
			gray.SetGray(x, y, color.Gray{Y: clamp8(luma)})
		}
	}
	return gray
}

// Equalize applies global histogram equalization in place.
func Equalize(gray *image.Gray) {
	b := gray.Bounds()
	total := b.Dx() * b.Dy()
	if total == 0 {
		return
	}

	var hist [256]int
	for y := 0; y < b.Dy(); y++ {
		row := gray.Pix[y*gray.Stride : y*gray.Stride+b.Dx()]
		for _, v := range row {
			hist[v]++
		}
	}

	cdfMin := 0
	for _, c := range hist {
		if c > 0 {
			cdfMin = c
			break
		}
	}
	// A flat image has nothing to spread out.
	if total == cdfMin {
		return
	}

	var lut [256]uint8
	cdf := 0
	scale := 255.0 / float64(total-cdfMin)
	for i, c := range hist {
		cdf += c
		lut[i] = clamp8(float64(cdf-cdfMin) * scale)
	}

	for y := 0; y < b.Dy(); y++ {
		row := gray.Pix[y*gray.Stride : y*gray.Stride+b.Dx()]
		for i, v := range row {
			row[i] = lut[v]
		}
	}
}

// Bilateral smooths flat regions while keeping strong intensity edges.
// Out-of-range options are clamped rather than rejected.
func Bilateral(src *image.Gray, opts Options) *image.Gray {
	b := src.Bounds()
	dst := image.NewGray(b)
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return dst
	}

	radius := opts.Diameter / 2
	if radius < 1 {
		copy(dst.Pix, src.Pix)
		return dst
	}
	sigmaColor := math.Max(opts.SigmaColor, 1e-3)
	sigmaSpace := math.Max(opts.SigmaSpace, 1e-3)

	// Range weights only depend on |Δintensity|, so one table covers every pixel.
	var rangeLUT [256]float64
	for d := range rangeLUT {
		rangeLUT[d] = math.Exp(-float64(d*d) / (2 * sigmaColor * sigmaColor))
	}

	type tap struct {
		dx, dy int
		w      float64
	}
	var kernel []tap
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			r2 := dx*dx + dy*dy
			if r2 > radius*radius {
				continue
			}
			kernel = append(kernel, tap{dx, dy, math.Exp(-float64(r2) / (2 * sigmaSpace * sigmaSpace))})
		}
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			center := src.Pix[y*src.Stride+x]
			var sum, norm float64
			for _, k := range kernel {
				nx, ny := reflect(x+k.dx, w), reflect(y+k.dy, h)
				v := src.Pix[ny*src.Stride+nx]
				diff := int(v) - int(center)
				if diff < 0 {
					diff = -diff
				}
				wt := k.w * rangeLUT[diff]
				sum += wt * float64(v)
				norm += wt
			}
			dst.Pix[y*dst.Stride+x] = clamp8(sum / norm)
		}
	}
	return dst
}

// reflect mirrors an out-of-range index back into [0,n) (BORDER_REFLECT_101).
func reflect(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*(n-1) - i
		}
	}
	return i
}

func clamp8(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(math.Round(v))
}
