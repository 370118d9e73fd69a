// Package display maps detection boxes from source-image space into the
// fixed-size canvas the overlay is drawn on and the target is reported in.
package display

import (
	"fmt"
	"math"

	"github.com/dj-oyu/target-relay/pkg/types"
)

// FitMode selects how the source image is laid onto the canvas
type FitMode string

const (
	// FitStretch scales each axis independently to fill the canvas
	FitStretch FitMode = "stretch"
	// FitCrop takes the centre square of the source and scales it uniformly
	// to cover the canvas, centred
	FitCrop FitMode = "crop"
	// FitNone draws the source 1:1 from the top-left corner
	FitNone FitMode = "none"
)

// ParseFitMode parses a fit mode name
func ParseFitMode(s string) (FitMode, error) {
	switch FitMode(s) {
	case FitStretch, FitCrop, FitNone:
		return FitMode(s), nil
	case "":
		return FitStretch, nil
	default:
		return FitStretch, fmt.Errorf("invalid fit mode: %s", s)
	}
}

// Rect is a box in display space
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Target is the tracked detection in display space
type Target struct {
	CenterX float64 `json:"center_x"`
	CenterY float64 `json:"center_y"`
	Width   float64 `json:"width"`
	Height  float64 `json:"height"`
}

// Placement holds the overlay rectangle and the reported target. Both come out
// of one computation so the drawn box and the transmitted values always agree.
type Placement struct {
	Box    Rect   `json:"box"`
	Target Target `json:"target"`
}

// Transform is the per-axis affine map from source pixels to display units
type Transform struct {
	ScaleX, ScaleY   float64
	OffsetX, OffsetY float64
}

// Mapper converts source boxes to display placements
type Mapper struct {
	Display types.Dimensions
	Fit     FitMode
}

// NewMapper creates a mapper for a canvas of the given size
func NewMapper(displayDims types.Dimensions, fit FitMode) Mapper {
	if fit == "" {
		fit = FitStretch
	}
	return Mapper{Display: displayDims, Fit: fit}
}

// Transform returns the source→display transform for a source of the given size.
// ok is false when either size is empty.
func (m Mapper) Transform(source types.Dimensions) (Transform, bool) {
	if source.IsZero() || m.Display.IsZero() {
		return Transform{}, false
	}
	sw, sh := float64(source.Width), float64(source.Height)
	dw, dh := float64(m.Display.Width), float64(m.Display.Height)

	switch m.Fit {
	case FitNone:
		return Transform{ScaleX: 1, ScaleY: 1}, true
	case FitCrop:
		side := math.Min(sw, sh)
		scale := math.Max(dw, dh) / side
		cropX := (sw - side) / 2
		cropY := (sh - side) / 2
		return Transform{
			ScaleX:  scale,
			ScaleY:  scale,
			OffsetX: (dw-side*scale)/2 - cropX*scale,
			OffsetY: (dh-side*scale)/2 - cropY*scale,
		}, true
	default:
		return Transform{ScaleX: dw / sw, ScaleY: dh / sh}, true
	}
}

// Map places box on the canvas. With mirrored set, the horizontal position is
// reflected about the canvas width; box dimensions are unchanged.
func (m Mapper) Map(box types.Box, source types.Dimensions, mirrored bool) (Placement, bool) {
	tr, ok := m.Transform(source)
	if !ok {
		return Placement{}, false
	}

	x := box.X*tr.ScaleX + tr.OffsetX
	y := box.Y*tr.ScaleY + tr.OffsetY
	w := box.Width * tr.ScaleX
	h := box.Height * tr.ScaleY
	cx := x + w/2
	cy := y + h/2

	dw := float64(m.Display.Width)
	if mirrored {
		x = Reflect(x, w, dw)
		cx = dw - cx
	}

	return Placement{
		Box:    Rect{X: x, Y: y, W: w, H: h},
		Target: Target{CenterX: cx, CenterY: cy, Width: w, Height: h},
	}, true
}

// Reflect mirrors the left edge of a span of width w across a canvas of
// width displayWidth. Reflect(Reflect(x, w, d), w, d) == x.
func Reflect(x, w, displayWidth float64) float64 {
	return displayWidth - x - w
}
