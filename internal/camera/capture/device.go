// Package capture implements source.Camera on OpenCV video devices.
package capture

import (
	"context"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/target-relay/internal/logger"
	"github.com/dj-oyu/target-relay/pkg/types"
	"gocv.io/x/gocv"
)

// DeviceConfig maps facing modes to capture device indices
type DeviceConfig struct {
	UserDevice        int
	EnvironmentDevice int
	Width             int // Requested capture width (0 = driver default)
	Height            int // Requested capture height (0 = driver default)
}

// Device captures from an OpenCV video device. A capture goroutine keeps only
// the newest frame.
type Device struct {
	cfg DeviceConfig

	mu      sync.Mutex // guards capture lifecycle
	capture *gocv.VideoCapture
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	frameMu sync.RWMutex
	latest  image.Image
	seq     uint64
	dims    atomic.Pointer[types.Dimensions]
}

// NewDevice creates an unopened device camera
func NewDevice(cfg DeviceConfig) *Device {
	d := &Device{cfg: cfg}
	d.dims.Store(&types.Dimensions{})
	return d
}

func (d *Device) deviceFor(facing types.Facing) int {
	if facing == types.FacingEnvironment {
		return d.cfg.EnvironmentDevice
	}
	return d.cfg.UserDevice
}

// Open starts capture for facing. Any previously open device is released first.
func (d *Device) Open(ctx context.Context, facing types.Facing) error {
	if err := d.Close(); err != nil {
		return err
	}

	id := d.deviceFor(facing)
	capture, err := gocv.VideoCaptureDevice(id)
	if err != nil {
		return fmt.Errorf("failed to open capture device %d: %w", id, err)
	}
	if d.cfg.Width > 0 {
		capture.Set(gocv.VideoCaptureFrameWidth, float64(d.cfg.Width))
	}
	if d.cfg.Height > 0 {
		capture.Set(gocv.VideoCaptureFrameHeight, float64(d.cfg.Height))
	}

	captureCtx, cancel := context.WithCancel(context.Background())

	d.mu.Lock()
	d.capture = capture
	d.cancel = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go d.readFrames(captureCtx, capture)

	logger.Info("Camera", "Opened device %d (%s)", id, facing)
	return nil
}

func (d *Device) readFrames(ctx context.Context, capture *gocv.VideoCapture) {
	defer d.wg.Done()

	img := gocv.NewMat()
	defer img.Close()

	misses := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if ok := capture.Read(&img); !ok || img.Empty() {
			misses++
			if misses%100 == 0 {
				logger.Debug("Camera", "No frame from device (misses=%d)", misses)
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}
		misses = 0

		frame, err := img.ToImage()
		if err != nil {
			logger.Warn("Camera", "Frame conversion failed: %v", err)
			continue
		}

		d.frameMu.Lock()
		d.latest = frame
		d.seq++
		d.frameMu.Unlock()
		d.dims.Store(&types.Dimensions{Width: img.Cols(), Height: img.Rows()})
	}
}

// Latest returns the newest frame
func (d *Device) Latest() (image.Image, uint64, bool) {
	d.frameMu.RLock()
	defer d.frameMu.RUnlock()
	return d.latest, d.seq, d.latest != nil
}

// Dimensions returns the size of the last captured frame
func (d *Device) Dimensions() types.Dimensions {
	return *d.dims.Load()
}

// Close stops the capture goroutine and releases the hardware
func (d *Device) Close() error {
	d.mu.Lock()
	capture := d.capture
	cancel := d.cancel
	d.capture = nil
	d.cancel = nil
	d.mu.Unlock()

	if capture == nil {
		return nil
	}

	cancel()
	d.wg.Wait()

	d.frameMu.Lock()
	d.latest = nil
	d.frameMu.Unlock()
	d.dims.Store(&types.Dimensions{})

	if err := capture.Close(); err != nil {
		return fmt.Errorf("failed to release capture device: %w", err)
	}
	logger.Info("Camera", "Capture device released")
	return nil
}
