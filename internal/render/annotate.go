// Package render holds the rendering collaborators that consume engine decisions.
package render

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/andresmejia3/facegate/internal/types"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	colorPerson = color.RGBA{R: 255, G: 200, B: 0, A: 255}
	colorMatch  = color.RGBA{G: 220, A: 255}
	colorReject = color.RGBA{R: 230, A: 255}
	colorInfo   = color.RGBA{R: 200, G: 200, B: 200, A: 255}
	colorBar    = color.RGBA{A: 255}
)

const lineWidth = 2

// LabelColor is green for a verified match, red for a rejection and grey for everything inconclusive.
func LabelColor(l types.DecisionLabel) color.RGBA {
	switch l {
	case types.SamePerson:
		return colorMatch
	case types.DifferentPerson, types.MultiplePersonsDetected, types.RecognitionError:
		return colorReject
	}
	return colorInfo
}

// Annotate copies the decision frame and draws person boxes, the face box and the label.
func Annotate(d types.Decision) *image.RGBA {
	if d.Frame == nil {
		return image.NewRGBA(image.Rectangle{})
	}
	b := d.Frame.Bounds()
	img := image.NewRGBA(b)
	draw.Draw(img, b, d.Frame, b.Min, draw.Src)

	for _, p := range d.Detection.Persons {
		strokeRect(img, p.Box.Rect(), colorPerson)
	}
	if d.Match.FaceBox != nil {
		strokeRect(img, d.Match.FaceBox.Rect(), LabelColor(d.Label))
	}
	drawLabel(img, d.Label.String(), LabelColor(d.Label))
	return img
}

// strokeRect draws a rectangle outline, clipped to the image.
func strokeRect(img *image.RGBA, rect image.Rectangle, c color.RGBA) {
	edges := []image.Rectangle{
		image.Rect(rect.Min.X, rect.Min.Y, rect.Max.X, rect.Min.Y+lineWidth), // Top
		image.Rect(rect.Min.X, rect.Max.Y-lineWidth, rect.Max.X, rect.Max.Y), // Bottom
		image.Rect(rect.Min.X, rect.Min.Y, rect.Min.X+lineWidth, rect.Max.Y), // Left
		image.Rect(rect.Max.X-lineWidth, rect.Min.Y, rect.Max.X, rect.Max.Y), // Right
	}
	for _, e := range edges {
		fillRect(img, e, c)
	}
}

func fillRect(img *image.RGBA, rect image.Rectangle, c color.RGBA) {
	// Clip rect to image bounds to prevent panics
	rect = rect.Intersect(img.Bounds())
	if rect.Empty() {
		return
	}
	stride := img.Stride
	pix := img.Pix
	imgMinX, imgMinY := img.Rect.Min.X, img.Rect.Min.Y
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		rowStart := (y-imgMinY)*stride + (rect.Min.X-imgMinX)*4
		for x := 0; x < rect.Dx(); x++ {
			off := rowStart + x*4
			pix[off] = c.R
			pix[off+1] = c.G
			pix[off+2] = c.B
			pix[off+3] = c.A
		}
	}
}

// drawLabel writes text on a solid bar along the top edge.
func drawLabel(img *image.RGBA, text string, c color.RGBA) {
	face := basicfont.Face7x13
	b := img.Bounds()
	barHeight := face.Height + 6
	fillRect(img, image.Rect(b.Min.X, b.Min.Y, b.Max.X, b.Min.Y+barHeight), colorBar)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(b.Min.X+4, b.Min.Y+3+face.Ascent),
	}
	d.DrawString(text)
}
