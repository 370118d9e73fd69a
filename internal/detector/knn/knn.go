// Package knn is a lightweight detection backend: it classifies a grid of
// image cells by mean colour with k-nearest-neighbours over labelled samples
// and reports connected cells of one label as a detection.
package knn

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/dj-oyu/target-relay/internal/logger"
	"github.com/dj-oyu/target-relay/internal/source"
	"github.com/dj-oyu/target-relay/pkg/types"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ErrNoSamples is returned when a classifier has nothing to vote with
var ErrNoSamples = errors.New("knn: no colour samples")

// Sample is one labelled colour in 0..255 RGB
type Sample struct {
	Label string
	RGB   [3]float64
}

// Config tunes the classifier
type Config struct {
	Samples     []Sample
	SamplesPath string  // CSV read by Loader when Samples is empty
	Cols        int     // Grid columns (default 16)
	Rows        int     // Grid rows (default 12)
	K           int     // Neighbours (default 5, capped at len(Samples))
	MaxDistance float64 // Cells farther than this from every sample are background (default 60)
	MinShare    float64 // Minimum vote share for a cell (default 0.5)
	MinCells    int     // Smallest region reported (default 2)
	Step        int     // Pixel sampling stride inside a cell (default 2)
}

func (c *Config) backfill() {
	if c.Cols <= 0 {
		c.Cols = 16
	}
	if c.Rows <= 0 {
		c.Rows = 12
	}
	if c.K <= 0 {
		c.K = 5
	}
	if c.K > len(c.Samples) {
		c.K = len(c.Samples)
	}
	if c.MaxDistance <= 0 {
		c.MaxDistance = 60
	}
	if c.MinShare <= 0 {
		c.MinShare = 0.5
	}
	if c.MinCells <= 0 {
		c.MinCells = 2
	}
	if c.Step <= 0 {
		c.Step = 2
	}
}

// Detector is a source.Detector over a colour sample set
type Detector struct {
	cfg     Config
	vectors [][]float64
	labels  []string
}

// Loader returns a source.Loader for cfg. When no samples are given they are
// read from SamplesPath at load time.
func Loader(cfg Config) source.Loader {
	return func(ctx context.Context) (source.Detector, error) {
		if len(cfg.Samples) == 0 && cfg.SamplesPath != "" {
			samples, err := LoadSamples(cfg.SamplesPath)
			if err != nil {
				return nil, err
			}
			cfg.Samples = samples
		}
		return New(cfg)
	}
}

// New builds the classifier
func New(cfg Config) (*Detector, error) {
	if len(cfg.Samples) == 0 {
		return nil, ErrNoSamples
	}
	cfg.backfill()

	d := &Detector{cfg: cfg}
	d.cfg.Samples = make([]Sample, 0, len(cfg.Samples))
	seen := make(map[string]bool)
	for _, s := range cfg.Samples {
		label := strings.ToLower(strings.TrimSpace(s.Label))
		if label == "" {
			return nil, fmt.Errorf("knn: sample with empty label")
		}
		d.cfg.Samples = append(d.cfg.Samples, Sample{Label: label, RGB: s.RGB})
		d.vectors = append(d.vectors, []float64{s.RGB[0], s.RGB[1], s.RGB[2]})
		if !seen[label] {
			seen[label] = true
			d.labels = append(d.labels, label)
		}
	}

	logger.Info("KNN", "Colour classifier ready: %d samples, %d labels, k=%d, grid %dx%d",
		len(d.vectors), len(d.labels), d.cfg.K, d.cfg.Cols, d.cfg.Rows)
	return d, nil
}

// LoadSamples reads "label,r,g,b" records. Lines starting with # are skipped.
func LoadSamples(path string) ([]Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening sample file: %w", err)
	}
	defer f.Close()
	return ReadSamples(f)
}

// ReadSamples parses samples from r
func ReadSamples(r io.Reader) ([]Sample, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = 4
	cr.TrimLeadingSpace = true

	var samples []Sample
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading samples: %w", err)
		}
		var s Sample
		s.Label = rec[0]
		for i := 0; i < 3; i++ {
			v, err := strconv.ParseFloat(strings.TrimSpace(rec[i+1]), 64)
			if err != nil || v < 0 || v > 255 {
				return nil, fmt.Errorf("invalid channel %q for %s", rec[i+1], rec[0])
			}
			s.RGB[i] = v
		}
		samples = append(samples, s)
	}
	if len(samples) == 0 {
		return nil, ErrNoSamples
	}
	return samples, nil
}

// Name identifies the backend
func (d *Detector) Name() string {
	return "knn"
}

// Labels lists the sample labels in first-seen order
func (d *Detector) Labels() []string {
	return append([]string(nil), d.labels...)
}

type vote struct {
	label string
	share float64
}

// Classify returns the winning label for rgb and its vote share. An empty
// label means background.
func (d *Detector) Classify(rgb []float64) (string, float64) {
	type neighbour struct {
		dist  float64
		index int
	}
	ns := make([]neighbour, len(d.vectors))
	for i, v := range d.vectors {
		ns[i] = neighbour{dist: floats.Distance(rgb, v, 2), index: i}
	}
	sort.SliceStable(ns, func(a, b int) bool { return ns[a].dist < ns[b].dist })

	if ns[0].dist > d.cfg.MaxDistance {
		return "", 0
	}

	counts := make(map[string]int)
	order := make([]string, 0, d.cfg.K)
	for _, n := range ns[:d.cfg.K] {
		label := d.cfg.Samples[n.index].Label
		if counts[label] == 0 {
			order = append(order, label)
		}
		counts[label]++
	}
	// order is nearest-first, so ties go to the closer label
	best := order[0]
	for _, l := range order[1:] {
		if counts[l] > counts[best] {
			best = l
		}
	}
	return best, float64(counts[best]) / float64(d.cfg.K)
}

// Detect classifies every grid cell and merges 4-connected cells of equal label
func (d *Detector) Detect(ctx context.Context, img image.Image) ([]types.Detection, error) {
	b := img.Bounds()
	if b.Dx() < d.cfg.Cols || b.Dy() < d.cfg.Rows {
		return nil, nil
	}

	cols, rows := d.cfg.Cols, d.cfg.Rows
	cells := make([]vote, cols*rows)
	for r := 0; r < rows; r++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for c := 0; c < cols; c++ {
			label, share := d.Classify(d.cellMean(img, d.cellRect(b, c, r)))
			if share < d.cfg.MinShare {
				label = ""
			}
			cells[r*cols+c] = vote{label: label, share: share}
		}
	}

	visited := make([]bool, len(cells))
	var out []types.Detection
	for start := range cells {
		if visited[start] || cells[start].label == "" {
			continue
		}
		label := cells[start].label
		region := d.flood(cells, visited, start)
		if len(region) < d.cfg.MinCells {
			continue
		}

		shares := make([]float64, len(region))
		rect := image.Rectangle{}
		for i, idx := range region {
			shares[i] = cells[idx].share
			rect = rect.Union(d.cellRect(b, idx%cols, idx/cols))
		}
		out = append(out, types.NewDetection(label, stat.Mean(shares, nil), types.Box{
			X:      float64(rect.Min.X - b.Min.X),
			Y:      float64(rect.Min.Y - b.Min.Y),
			Width:  float64(rect.Dx()),
			Height: float64(rect.Dy()),
		}))
	}
	return out, nil
}

func (d *Detector) flood(cells []vote, visited []bool, start int) []int {
	cols, rows := d.cfg.Cols, d.cfg.Rows
	label := cells[start].label
	queue := []int{start}
	visited[start] = true
	var region []int
	for len(queue) > 0 {
		idx := queue[0]
		queue = queue[1:]
		region = append(region, idx)

		c, r := idx%cols, idx/cols
		for _, n := range [][2]int{{c - 1, r}, {c + 1, r}, {c, r - 1}, {c, r + 1}} {
			if n[0] < 0 || n[0] >= cols || n[1] < 0 || n[1] >= rows {
				continue
			}
			ni := n[1]*cols + n[0]
			if !visited[ni] && cells[ni].label == label {
				visited[ni] = true
				queue = append(queue, ni)
			}
		}
	}
	return region
}

func (d *Detector) cellRect(b image.Rectangle, c, r int) image.Rectangle {
	x0 := b.Min.X + c*b.Dx()/d.cfg.Cols
	x1 := b.Min.X + (c+1)*b.Dx()/d.cfg.Cols
	y0 := b.Min.Y + r*b.Dy()/d.cfg.Rows
	y1 := b.Min.Y + (r+1)*b.Dy()/d.cfg.Rows
	return image.Rect(x0, y0, x1, y1)
}

func (d *Detector) cellMean(img image.Image, rect image.Rectangle) []float64 {
	var rs, gs, bs []float64
	for y := rect.Min.Y; y < rect.Max.Y; y += d.cfg.Step {
		for x := rect.Min.X; x < rect.Max.X; x += d.cfg.Step {
			r, g, b, _ := img.At(x, y).RGBA()
			rs = append(rs, float64(r>>8))
			gs = append(gs, float64(g>>8))
			bs = append(bs, float64(b>>8))
		}
	}
	return []float64{stat.Mean(rs, nil), stat.Mean(gs, nil), stat.Mean(bs, nil)}
}

// Close is a no-op
func (d *Detector) Close() error {
	return nil
}
