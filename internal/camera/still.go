// Package camera provides source.Camera implementations that need no capture
// hardware.
package camera

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"sync"
	"time"

	"github.com/dj-oyu/target-relay/pkg/types"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// Still replays decoded images as a camera, one per facing, producing a new
// frame sequence number every Interval. It stands in for hardware on benches.
type Still struct {
	images   map[types.Facing]image.Image
	interval time.Duration
	now      func() time.Time

	mu       sync.Mutex
	current  image.Image
	openedAt time.Time
}

// NewStill creates a still camera. A facing without an image falls back to
// the other one.
func NewStill(user, environment image.Image, interval time.Duration) *Still {
	if interval <= 0 {
		interval = 33 * time.Millisecond
	}
	if user == nil {
		user = environment
	}
	if environment == nil {
		environment = user
	}
	return &Still{
		images: map[types.Facing]image.Image{
			types.FacingUser:        user,
			types.FacingEnvironment: environment,
		},
		interval: interval,
		now:      time.Now,
	}
}

// LoadImage decodes a JPEG, PNG, BMP or WebP file
func LoadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return img, nil
}

// Open selects the image for facing
func (s *Still) Open(ctx context.Context, facing types.Facing) error {
	img := s.images[facing]
	if img == nil {
		return fmt.Errorf("no still image for facing %s", facing)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = img
	s.openedAt = s.now()
	return nil
}

// Latest returns the image; the sequence advances with wall-clock time
func (s *Still) Latest() (image.Image, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil, 0, false
	}
	seq := uint64(s.now().Sub(s.openedAt)/s.interval) + 1
	return s.current, seq, true
}

// Dimensions returns the current image size
func (s *Still) Dimensions() types.Dimensions {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return types.Dimensions{}
	}
	b := s.current.Bounds()
	return types.Dimensions{Width: b.Dx(), Height: b.Dy()}
}

// Close releases the image
func (s *Still) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = nil
	return nil
}
