// Package source defines the detection-source collaborators: the camera that
// produces images and the detector backends that turn them into detections.
package source

import (
	"context"
	"image"
	"sync"
	"sync/atomic"

	"github.com/dj-oyu/target-relay/pkg/types"
)

// Camera captures frames from a physical device
type Camera interface {
	// Open acquires the device for facing. The previous device must be closed.
	Open(ctx context.Context, facing types.Facing) error
	// Latest returns the newest frame and its sequence number; ok is false
	// until the first frame arrives.
	Latest() (img image.Image, seq uint64, ok bool)
	// Dimensions is zero until the device delivers frames
	Dimensions() types.Dimensions
	// Close stops capture and releases the device
	Close() error
}

// Detector is one detection backend
type Detector interface {
	Name() string
	// Labels lists the categories the backend can report
	Labels() []string
	// Detect runs inference on img; coordinates are in img pixels
	Detect(ctx context.Context, img image.Image) ([]types.Detection, error)
	Close() error
}

// Loader builds a detector; model loading may take a while
type Loader func(ctx context.Context) (Detector, error)

// Cache holds the latest DetectionFrame. Store replaces the whole frame, so
// readers never observe a partially written frame. Writers that may be
// cancelled publish under a generation so a late result cannot resurrect a
// cleared cache.
type Cache struct {
	mu    sync.Mutex // orders Publish against Clear
	gen   uint64
	frame atomic.Pointer[types.Frame]
}

// Store publishes frame unconditionally; the caller must not modify it afterwards
func (c *Cache) Store(frame *types.Frame) {
	c.frame.Store(frame)
}

// Publish stores frame only if gen is still the current generation
func (c *Cache) Publish(gen uint64, frame *types.Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false
	}
	c.frame.Store(frame)
	return true
}

// Load returns the current frame, or nil if none
func (c *Cache) Load() *types.Frame {
	return c.frame.Load()
}

// Clear drops the cached frame and starts a new generation, which it returns
func (c *Cache) Clear() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.frame.Store(nil)
	return c.gen
}
