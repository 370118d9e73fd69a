package types

import "strings"

// Box is an axis-aligned bounding box in source-image pixels (origin top-left)
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Detection is one recognized object in one inference cycle
type Detection struct {
	Label      string  `json:"label"`      // Lower-cased category name
	Confidence float64 `json:"confidence"` // 0..1
	Box        Box     `json:"box"`
}

// NewDetection builds a Detection with the label normalized to lower case
func NewDetection(label string, confidence float64, box Box) Detection {
	return Detection{
		Label:      strings.ToLower(strings.TrimSpace(label)),
		Confidence: confidence,
		Box:        box,
	}
}

// Frame is the ordered detection list valid for one inference cycle.
// A published Frame is never modified; the next cycle replaces it wholesale.
type Frame struct {
	Seq        uint64      `json:"seq"` // Camera frame sequence the detections belong to
	Detections []Detection `json:"detections"`
}

// Len returns the number of detections (nil-safe)
func (f *Frame) Len() int {
	if f == nil {
		return 0
	}
	return len(f.Detections)
}

// Dimensions is a width/height pair in pixels or display units
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// IsZero reports whether either side is empty (source not ready)
func (d Dimensions) IsZero() bool {
	return d.Width <= 0 || d.Height <= 0
}

// Facing selects the physical camera
type Facing string

// Facing constants
const (
	FacingUser        Facing = "user"
	FacingEnvironment Facing = "environment"
)

// Toggle returns the opposite facing
func (f Facing) Toggle() Facing {
	if f == FacingUser {
		return FacingEnvironment
	}
	return FacingUser
}
