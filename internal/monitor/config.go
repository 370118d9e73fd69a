package monitor

import (
	"time"

	"github.com/dj-oyu/target-relay/pkg/types"
)

// Config defines the runtime configuration for the operator monitor.
type Config struct {
	Display        types.Dimensions // canvas size of the placeholder frame
	FrameInterval  time.Duration    // overlay render cadence for /stream
	StatusInterval time.Duration    // /api/status/stream cadence
	IdleFrame      time.Duration    // resend the placeholder after this long without a frame
	KeepAlive      time.Duration    // SSE keepalive comment interval
	JPEGQuality    int
}

// DefaultConfig returns the monitor defaults.
func DefaultConfig() Config {
	return Config{
		Display:        types.Dimensions{Width: 400, Height: 300},
		FrameInterval:  66 * time.Millisecond,
		StatusInterval: time.Second,
		IdleFrame:      5 * time.Second,
		KeepAlive:      30 * time.Second,
		JPEGQuality:    75,
	}
}

func (c *Config) backfill() {
	def := DefaultConfig()
	if c.Display.IsZero() {
		c.Display = def.Display
	}
	if c.FrameInterval <= 0 {
		c.FrameInterval = def.FrameInterval
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = def.StatusInterval
	}
	if c.IdleFrame <= 0 {
		c.IdleFrame = def.IdleFrame
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = def.KeepAlive
	}
	if c.JPEGQuality <= 0 || c.JPEGQuality > 100 {
		c.JPEGQuality = def.JPEGQuality
	}
}
