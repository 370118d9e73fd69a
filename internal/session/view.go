package session

import (
	"image"
	"time"

	"github.com/dj-oyu/target-relay/internal/display"
	"github.com/dj-oyu/target-relay/internal/throttle"
	"github.com/dj-oyu/target-relay/pkg/types"
)

// Transmission is one throttled send attempt as shown to operators
type Transmission struct {
	throttle.Result
	Stop       bool    `json:"stop"`
	Text       string  `json:"text"` // e.g. "x280 y120 w40 h61 d2" or "stop"
	Label      string  `json:"label,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Listener receives transmissions from the session loop. Implementations
// must not block.
type Listener interface {
	Transmission(tx Transmission)
}

// ListenerFunc adapts a function to Listener
type ListenerFunc func(tx Transmission)

// Transmission implements Listener
func (f ListenerFunc) Transmission(tx Transmission) {
	f(tx)
}

// Box is one qualifying detection placed on the display canvas
type Box struct {
	display.Rect
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Target     bool    `json:"target"`
}

// Status is the JSON-safe part of a View
type Status struct {
	DetectionActive  bool                 `json:"detection_active"`
	ModelReady       bool                 `json:"model_ready"`
	ModelError       string               `json:"model_error,omitempty"`
	Detector         string               `json:"detector,omitempty"`
	LinkName         string               `json:"link"`
	LinkConnected    bool                 `json:"link_connected"`
	Facing           types.Facing         `json:"facing"`
	Mirror           display.MirrorPolicy `json:"mirror"`
	Mirrored         bool                 `json:"mirrored"`
	Switching        bool                 `json:"switching"`
	SourceReady      bool                 `json:"source_ready"`
	Source           types.Dimensions     `json:"source"`
	Display          types.Dimensions     `json:"display"`
	Fit              display.FitMode      `json:"fit"`
	ThresholdPercent float64              `json:"threshold_percent"`
	AllowList        []string             `json:"allow_list"`
	SendInterval     string               `json:"send_interval"`
	Detections       int                  `json:"detections"`
	QualifyingCount  int                  `json:"qualifying_count"`
	Target           *display.Placement   `json:"target,omitempty"`
	LastTransmission *Transmission        `json:"last_transmission,omitempty"`
}

// View is an immutable snapshot published by the render driver on every tick
type View struct {
	At     time.Time   `json:"at"`
	Image  image.Image `json:"-"` // Latest camera image, unmirrored; nil when not ready
	Seq    uint64      `json:"seq"`
	Boxes  []Box       `json:"boxes"`
	Status Status      `json:"status"`
}
