package monitor

import (
	"image"
	"image/color"
	"image/draw"
	"testing"

	"github.com/dj-oyu/target-relay/internal/display"
	"github.com/dj-oyu/target-relay/internal/session"
	"github.com/dj-oyu/target-relay/pkg/types"
)

func halves(w, h int, left, right color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, image.Rect(0, 0, w/2, h), image.NewUniform(left), image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(w/2, 0, w, h), image.NewUniform(right), image.Point{}, draw.Src)
	return img
}

func testView(img image.Image, mirrored bool, boxes ...session.Box) *session.View {
	var src types.Dimensions
	if img != nil {
		b := img.Bounds()
		src = types.Dimensions{Width: b.Dx(), Height: b.Dy()}
	}
	return &session.View{
		Image: img,
		Boxes: boxes,
		Status: session.Status{
			Display:  types.Dimensions{Width: 400, Height: 300},
			Fit:      display.FitStretch,
			Source:   src,
			Mirrored: mirrored,
		},
	}
}

func near(got color.RGBA, want color.RGBA) bool {
	d := func(a, b uint8) int {
		if a > b {
			return int(a - b)
		}
		return int(b - a)
	}
	return d(got.R, want.R) < 16 && d(got.G, want.G) < 16 && d(got.B, want.B) < 16
}

func TestRenderPlaceholder(t *testing.T) {
	img := Render(testView(nil, false))
	if b := img.Bounds(); b.Dx() != 400 || b.Dy() != 300 {
		t.Fatalf("canvas = %v", b)
	}

	lit := 0
	for y := 0; y < 300; y++ {
		for x := 0; x < 400; x++ {
			if img.RGBAAt(x, y) == colorText {
				lit++
			}
		}
	}
	if lit == 0 {
		t.Fatal("placeholder text not drawn")
	}
	if got := img.RGBAAt(5, 5); got != colorBackground {
		t.Fatalf("corner = %v, want background", got)
	}
}

func TestRenderStretchAndMirror(t *testing.T) {
	red := color.RGBA{R: 255, A: 255}
	blue := color.RGBA{B: 255, A: 255}
	src := halves(200, 100, red, blue)

	plain := Render(testView(src, false))
	if got := plain.RGBAAt(50, 150); !near(got, red) {
		t.Errorf("left = %v, want red", got)
	}
	if got := plain.RGBAAt(350, 150); !near(got, blue) {
		t.Errorf("right = %v, want blue", got)
	}

	mirrored := Render(testView(src, true))
	if got := mirrored.RGBAAt(50, 150); !near(got, blue) {
		t.Errorf("mirrored left = %v, want blue", got)
	}
	if got := mirrored.RGBAAt(350, 150); !near(got, red) {
		t.Errorf("mirrored right = %v, want red", got)
	}
}

func TestRenderCropFillsCanvas(t *testing.T) {
	gray := color.RGBA{R: 128, G: 128, B: 128, A: 255}
	src := halves(640, 240, gray, gray)

	v := testView(src, false)
	v.Status.Fit = display.FitCrop
	img := Render(v)
	for _, p := range []image.Point{{0, 0}, {399, 0}, {0, 299}, {399, 299}} {
		if got := img.RGBAAt(p.X, p.Y); !near(got, gray) {
			t.Errorf("pixel %v = %v, want image", p, got)
		}
	}

	v.Status.Fit = display.FitNone
	img = Render(v)
	if got := img.RGBAAt(200, 290); got != colorBackground {
		t.Errorf("letterbox pixel = %v, want background", got)
	}
}

func TestRenderBoxes(t *testing.T) {
	src := halves(400, 300, color.RGBA{A: 255}, color.RGBA{A: 255})
	qualifying := session.Box{Rect: display.Rect{X: 100, Y: 100, W: 50, H: 50}, Label: "cat", Confidence: 0.91}
	target := session.Box{Rect: display.Rect{X: 250, Y: 100, W: 50, H: 50}, Label: "dog", Confidence: 0.95, Target: true}

	img := Render(testView(src, false, qualifying, target))

	if got := img.RGBAAt(120, 100); got != colorQualifying {
		t.Errorf("qualifying edge = %v, want green", got)
	}
	if got := img.RGBAAt(270, 100); got != colorTarget {
		t.Errorf("target edge = %v, want blue", got)
	}
	if got := img.RGBAAt(125, 125); got == colorQualifying {
		t.Errorf("box interior filled")
	}

	// Label sits above the box
	lit := false
	for y := 80; y < 96 && !lit; y++ {
		for x := 105; x < 150; x++ {
			if img.RGBAAt(x, y) == colorText {
				lit = true
				break
			}
		}
	}
	if !lit {
		t.Error("label not drawn above box")
	}
}

func TestBoxLabel(t *testing.T) {
	if got := boxLabel(session.Box{Label: "person", Confidence: 0.876}); got != "person 88%" {
		t.Fatalf("boxLabel = %q", got)
	}
}
