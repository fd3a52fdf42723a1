package imaging

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	KnownColor   = color.RGBA{G: 255, A: 255}
	UnknownColor = color.RGBA{R: 255, A: 255}
)

const boxThickness = 2

// Box is a labelled face rectangle to draw.
type Box struct {
	BBox  []float64
	Label string
	Known bool
}

// Annotate returns a copy of img with every box outlined and labelled above
// its top-left corner. Boxes outside the frame are skipped.
func Annotate(img image.Image, boxes []Box) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(b)
	draw.Copy(dst, b.Min, img, b, draw.Src, nil)

	for _, box := range boxes {
		r, err := ClampBBox(box.BBox, b)
		if err != nil {
			continue
		}
		c := UnknownColor
		if box.Known {
			c = KnownColor
		}
		drawRect(dst, r, c)

		d := &font.Drawer{
			Dst:  dst,
			Src:  image.NewUniform(c),
			Face: basicfont.Face7x13,
			Dot:  fixed.P(r.Min.X, max(r.Min.Y-6, b.Min.Y+basicfont.Face7x13.Ascent)),
		}
		d.DrawString(box.Label)
	}
	return dst
}

func drawRect(dst *image.RGBA, r image.Rectangle, c color.Color) {
	src := image.NewUniform(c)
	t := min(boxThickness, r.Dx(), r.Dy())
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+t),
		image.Rect(r.Min.X, r.Max.Y-t, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+t, r.Max.Y),
		image.Rect(r.Max.X-t, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e, src, image.Point{}, draw.Src)
	}
}
