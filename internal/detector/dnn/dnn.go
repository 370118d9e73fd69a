// Package dnn runs OpenCV DNN object-detection models through gocv.
package dnn

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/dj-oyu/target-relay/internal/detector"
	"github.com/dj-oyu/target-relay/internal/logger"
	"github.com/dj-oyu/target-relay/internal/source"
	"github.com/dj-oyu/target-relay/pkg/types"
	"gocv.io/x/gocv"
)

// Layout selects how the network output is decoded
type Layout string

// Output layouts
const (
	LayoutSSD  Layout = "ssd"  // DetectionOutput: N x 7 records
	LayoutYOLO Layout = "yolo" // rows of [cx, cy, w, h, obj, scores...]
)

// Config describes a model on disk
type Config struct {
	ModelPath  string
	ConfigPath string // Optional for formats that embed the graph
	LabelsPath string
	Layout     Layout
	InputSize  int     // Square network input (default 300)
	Scale      float64 // Pixel scale factor (default 1/127.5)
	Mean       float64 // Subtracted from every channel (default 127.5)
	SwapRB     bool
	MinScore   float64 // Default detector.DefaultScoreThreshold
	NMS        float64 // IoU threshold, default 0.45
}

func (c *Config) backfill() {
	if c.Layout == "" {
		c.Layout = LayoutSSD
	}
	if c.InputSize <= 0 {
		c.InputSize = 300
	}
	if c.Scale == 0 {
		c.Scale = 1.0 / 127.5
	}
	if c.Mean == 0 {
		c.Mean = 127.5
	}
	if c.MinScore <= 0 {
		c.MinScore = detector.DefaultScoreThreshold
	}
	if c.NMS <= 0 {
		c.NMS = 0.45
	}
}

// Detector is a source.Detector backed by gocv.Net
type Detector struct {
	cfg    Config
	net    gocv.Net
	labels []string
	mu     sync.Mutex // gocv.Net is not safe for concurrent Forward
}

// Loader returns a source.Loader that reads the model when invoked
func Loader(cfg Config) source.Loader {
	return func(ctx context.Context) (source.Detector, error) {
		return New(cfg)
	}
}

// New loads the network and labels
func New(cfg Config) (*Detector, error) {
	cfg.backfill()

	labels, err := detector.LoadLabels(cfg.LabelsPath)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	net := gocv.ReadNet(cfg.ModelPath, cfg.ConfigPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load network from %s", cfg.ModelPath)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		net.Close()
		return nil, fmt.Errorf("failed to set backend: %w", err)
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		net.Close()
		return nil, fmt.Errorf("failed to set target: %w", err)
	}

	logger.Info("DNN", "Loaded %s (%s, %d labels) in %v",
		cfg.ModelPath, cfg.Layout, len(detector.Known(labels)), time.Since(start))

	return &Detector{cfg: cfg, net: net, labels: labels}, nil
}

// Name identifies the backend
func (d *Detector) Name() string {
	return "dnn"
}

// Labels lists the reportable categories
func (d *Detector) Labels() []string {
	return detector.Known(d.labels)
}

// Detect runs one forward pass on img
func (d *Detector) Detect(ctx context.Context, img image.Image) ([]types.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	frame, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("failed to convert frame: %w", err)
	}
	defer frame.Close()

	size := d.cfg.InputSize
	mean := gocv.NewScalar(d.cfg.Mean, d.cfg.Mean, d.cfg.Mean, 0)
	blob := gocv.BlobFromImage(frame, d.cfg.Scale, image.Pt(size, size), mean, d.cfg.SwapRB, false)
	defer blob.Close()

	d.mu.Lock()
	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	d.mu.Unlock()
	defer output.Close()

	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("unexpected network output: %w", err)
	}

	width, height := frame.Cols(), frame.Rows()
	var dets []types.Detection
	switch d.cfg.Layout {
	case LayoutYOLO:
		stride := output.Cols()
		if output.Rows() <= 1 && output.Total() > 0 {
			stride = 5 + len(d.labels)
		}
		dets = detector.DecodeYOLO(data, stride, width, height, d.labels, d.cfg.MinScore)
		dets = detector.Suppress(dets, d.cfg.NMS)
	default:
		dets = detector.DecodeSSD(data, width, height, d.labels, d.cfg.MinScore)
	}
	return dets, nil
}

// Close releases the network
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}
