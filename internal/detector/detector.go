// Package detector holds backend-independent post-processing shared by the
// detection backends: label files, raw tensor decoding and suppression.
package detector

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/dj-oyu/target-relay/pkg/types"
)

// DefaultScoreThreshold is the minimum score a backend reports
const DefaultScoreThreshold = 0.3

// LoadLabels reads one label per line. Line positions are class IDs, so blank
// lines are kept as empty entries.
func LoadLabels(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening label file: %w", err)
	}
	defer f.Close()

	var labels []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		labels = append(labels, strings.ToLower(strings.TrimSpace(scanner.Text())))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading label file: %w", err)
	}
	return labels, nil
}

// Known returns the non-empty labels in class order
func Known(labels []string) []string {
	out := make([]string, 0, len(labels))
	seen := make(map[string]bool, len(labels))
	for _, l := range labels {
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}

func labelAt(labels []string, id int) (string, bool) {
	if id < 0 || id >= len(labels) || labels[id] == "" {
		return "", false
	}
	return labels[id], true
}

// DecodeSSD decodes the SSD detection-output layout: records of 7 floats
// [batch, class, score, left, top, right, bottom] with normalized corners.
// Boxes are scaled to width x height and clamped to the image.
func DecodeSSD(data []float32, width, height int, labels []string, minScore float64) []types.Detection {
	var out []types.Detection
	w, h := float64(width), float64(height)
	for i := 0; i+7 <= len(data); i += 7 {
		score := float64(data[i+2])
		if score < minScore {
			continue
		}
		label, ok := labelAt(labels, int(data[i+1]))
		if !ok {
			continue
		}
		box, ok := clampBox(
			float64(data[i+3])*w, float64(data[i+4])*h,
			float64(data[i+5])*w, float64(data[i+6])*h,
			w, h)
		if !ok {
			continue
		}
		out = append(out, types.NewDetection(label, score, box))
	}
	return out
}

// DecodeYOLO decodes YOLO rows of stride floats: [cx, cy, w, h, objectness,
// class scores...] normalized to the input. The class score with the highest
// value wins; objectness scales it.
func DecodeYOLO(data []float32, stride, width, height int, labels []string, minScore float64) []types.Detection {
	if stride <= 5 {
		return nil
	}
	var out []types.Detection
	w, h := float64(width), float64(height)
	for i := 0; i+stride <= len(data); i += stride {
		row := data[i : i+stride]
		best, bestScore := -1, float32(0)
		for c, s := range row[5:] {
			if s > bestScore {
				best, bestScore = c, s
			}
		}
		score := float64(bestScore)
		if obj := float64(row[4]); obj > 0 && obj < 1 {
			score *= obj
		}
		if best < 0 || score < minScore {
			continue
		}
		label, ok := labelAt(labels, best)
		if !ok {
			continue
		}
		cx, cy := float64(row[0])*w, float64(row[1])*h
		bw, bh := float64(row[2])*w, float64(row[3])*h
		box, ok := clampBox(cx-bw/2, cy-bh/2, cx+bw/2, cy+bh/2, w, h)
		if !ok {
			continue
		}
		out = append(out, types.NewDetection(label, score, box))
	}
	return out
}

func clampBox(left, top, right, bottom, w, h float64) (types.Box, bool) {
	left = clamp(left, 0, w)
	right = clamp(right, 0, w)
	top = clamp(top, 0, h)
	bottom = clamp(bottom, 0, h)
	if right <= left || bottom <= top {
		return types.Box{}, false
	}
	return types.Box{X: left, Y: top, Width: right - left, Height: bottom - top}, true
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// IoU returns the intersection over union of two boxes
func IoU(a, b types.Box) float64 {
	iw := min(a.X+a.Width, b.X+b.Width) - max(a.X, b.X)
	ih := min(a.Y+a.Height, b.Y+b.Height) - max(a.Y, b.Y)
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	union := a.Width*a.Height + b.Width*b.Height - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Suppress performs per-label greedy non-maximum suppression. The result is
// ordered by descending confidence; equal confidences keep input order.
func Suppress(dets []types.Detection, iouThreshold float64) []types.Detection {
	if len(dets) < 2 {
		return dets
	}
	order := make([]int, len(dets))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return dets[order[a]].Confidence > dets[order[b]].Confidence
	})

	removed := make([]bool, len(dets))
	out := make([]types.Detection, 0, len(dets))
	for i, oi := range order {
		if removed[oi] {
			continue
		}
		out = append(out, dets[oi])
		for _, oj := range order[i+1:] {
			if removed[oj] || dets[oj].Label != dets[oi].Label {
				continue
			}
			if IoU(dets[oi].Box, dets[oj].Box) > iouThreshold {
				removed[oj] = true
			}
		}
	}
	return out
}
