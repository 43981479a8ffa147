package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	_ "image/png"

	xdraw "golang.org/x/image/draw"
)

var ErrEmptyImage = errors.New("empty image")

// DecodeImage decodes a JPEG or PNG buffer.
func DecodeImage(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if img.Bounds().Empty() {
		return nil, ErrEmptyImage
	}
	return img, nil
}

// EncodeJPEG is the wire format for frames handed to the model worker.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Downscale resizes img by factor f (0 < f <= 1) with bilinear interpolation.
// The result always starts at the origin and is at least 1x1.
func Downscale(img image.Image, f float64) *image.RGBA {
	b := img.Bounds()
	if f <= 0 || f >= 1 {
		return ToRGBA(img)
	}
	w := max(1, int(float64(b.Dx())*f))
	h := max(1, int(float64(b.Dy())*f))
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), img, b, xdraw.Over, nil)
	return dst
}

// ToRGBA copies img into an origin-anchored RGBA buffer.
func ToRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// Crop returns the part of img inside r, clipped to the image bounds.
func Crop(img image.Image, r image.Rectangle) image.Image {
	r = r.Intersect(img.Bounds())
	if s, ok := img.(interface {
		SubImage(image.Rectangle) image.Image
	}); ok {
		return s.SubImage(r)
	}
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Src)
	return dst
}
