package monitor

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"

	"github.com/dj-oyu/target-relay/internal/display"
	"github.com/dj-oyu/target-relay/internal/session"
	"github.com/dj-oyu/target-relay/pkg/types"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	colorBackground = color.RGBA{A: 255}
	colorQualifying = color.RGBA{G: 255, A: 255}
	colorTarget     = color.RGBA{G: 100, B: 255, A: 255}
	colorText       = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

const loadingText = "Camera loading..."

// labelClearance is the headroom a box needs for its label to sit above it
const labelClearance = 20

// Render draws the operator canvas for a view: the camera image fitted to the
// display (mirrored when the view says so), every qualifying box in green with
// its label and the selected target in blue.
func Render(v *session.View) *image.RGBA {
	dims := v.Status.Display
	canvas := image.NewRGBA(image.Rect(0, 0, dims.Width, dims.Height))
	xdraw.Draw(canvas, canvas.Bounds(), image.NewUniform(colorBackground), image.Point{}, xdraw.Src)

	if v.Image == nil || v.Status.Source.IsZero() {
		drawCentered(canvas, loadingText)
		return canvas
	}

	mapper := display.NewMapper(dims, v.Status.Fit)
	tr, ok := mapper.Transform(v.Status.Source)
	if !ok {
		drawCentered(canvas, loadingText)
		return canvas
	}

	src := v.Image.Bounds()
	dst := image.Rect(
		round(tr.OffsetX),
		round(tr.OffsetY),
		round(tr.OffsetX+float64(v.Status.Source.Width)*tr.ScaleX),
		round(tr.OffsetY+float64(v.Status.Source.Height)*tr.ScaleY),
	)
	xdraw.ApproxBiLinear.Scale(canvas, dst, v.Image, src, xdraw.Src, nil)
	if v.Status.Mirrored {
		flipHorizontal(canvas)
	}

	// Boxes are already in display space, mirrored where needed
	for _, b := range v.Boxes {
		r := rectOf(b.Rect)
		strokeRect(canvas, r, 2, colorQualifying)

		labelY := r.Min.Y + labelClearance
		if r.Min.Y > labelClearance {
			labelY = r.Min.Y - 5
		}
		drawText(canvas, r.Min.X+5, labelY, boxLabel(b), colorText)
	}
	for _, b := range v.Boxes {
		if b.Target {
			strokeRect(canvas, rectOf(b.Rect), 4, colorTarget)
		}
	}
	return canvas
}

// EncodeJPEG renders a view and encodes it
func EncodeJPEG(v *session.View, quality int) ([]byte, error) {
	return encode(Render(v), quality)
}

// placeholderJPEG is the frame sent before the overlay produces one
func placeholderJPEG(dims types.Dimensions, quality int) ([]byte, error) {
	return EncodeJPEG(&session.View{Status: session.Status{Display: dims}}, quality)
}

func encode(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func boxLabel(b session.Box) string {
	return fmt.Sprintf("%s %.0f%%", b.Label, b.Confidence*100)
}

func rectOf(r display.Rect) image.Rectangle {
	return image.Rect(round(r.X), round(r.Y), round(r.X+r.W), round(r.Y+r.H))
}

func round(v float64) int {
	return int(math.Floor(v + 0.5))
}

// strokeRect outlines r with a stroke of the given width centred on its edges
func strokeRect(dst *image.RGBA, r image.Rectangle, width int, c color.Color) {
	u := image.NewUniform(c)
	in := width / 2
	out := width - in
	outer := image.Rect(r.Min.X-out, r.Min.Y-out, r.Max.X+out, r.Max.Y+out)
	inner := image.Rect(r.Min.X+in, r.Min.Y+in, r.Max.X-in, r.Max.Y-in)

	edges := []image.Rectangle{
		image.Rect(outer.Min.X, outer.Min.Y, outer.Max.X, inner.Min.Y), // top
		image.Rect(outer.Min.X, inner.Max.Y, outer.Max.X, outer.Max.Y), // bottom
		image.Rect(outer.Min.X, inner.Min.Y, inner.Min.X, inner.Max.Y), // left
		image.Rect(inner.Max.X, inner.Min.Y, outer.Max.X, inner.Max.Y), // right
	}
	for _, e := range edges {
		xdraw.Draw(dst, e.Intersect(dst.Bounds()), u, image.Point{}, xdraw.Src)
	}
}

func flipHorizontal(img *image.RGBA) {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):img.PixOffset(b.Max.X, y)]
		for l, r := 0, len(row)-4; l < r; l, r = l+4, r-4 {
			for k := 0; k < 4; k++ {
				row[l+k], row[r+k] = row[r+k], row[l+k]
			}
		}
	}
}

func drawText(dst *image.RGBA, x, y int, s string, c color.Color) {
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

func drawCentered(dst *image.RGBA, s string) {
	b := dst.Bounds()
	w := font.MeasureString(basicfont.Face7x13, s).Ceil()
	x := b.Min.X + (b.Dx()-w)/2
	y := b.Min.Y + b.Dy()/2 + basicfont.Face7x13.Ascent/2
	drawText(dst, x, y, s, colorText)
}
