package detector

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/dj-oyu/target-relay/pkg/types"
)

func TestLoadLabelsKeepsPositions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labels.txt")
	if err := os.WriteFile(path, []byte("background\nPerson\n\n  Cat \n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	labels, err := LoadLabels(path)
	if err != nil {
		t.Fatalf("LoadLabels: %v", err)
	}
	want := []string{"background", "person", "", "cat"}
	if len(labels) != len(want) {
		t.Fatalf("labels = %q", labels)
	}
	for i := range want {
		if labels[i] != want[i] {
			t.Errorf("labels[%d] = %q, want %q", i, labels[i], want[i])
		}
	}
	known := Known(labels)
	if len(known) != 3 || known[2] != "cat" {
		t.Fatalf("Known = %q", known)
	}
}

func TestDecodeSSD(t *testing.T) {
	labels := []string{"background", "person", "cat"}
	data := []float32{
		0, 1, 0.9, 0.1, 0.2, 0.5, 0.6, // person
		0, 2, 0.2, 0.0, 0.0, 0.5, 0.5, // below floor
		0, 7, 0.8, 0.0, 0.0, 0.5, 0.5, // unknown class
		0, 2, 0.5, 0.9, 0.9, 1.3, 1.3, // clamped
	}
	got := DecodeSSD(data, 200, 100, labels, DefaultScoreThreshold)
	if len(got) != 2 {
		t.Fatalf("got %d detections, want 2: %+v", len(got), got)
	}
	p := got[0]
	if p.Label != "person" || math.Abs(p.Box.X-20) > 1e-4 || math.Abs(p.Box.Y-20) > 1e-4 ||
		math.Abs(p.Box.Width-80) > 1e-4 || math.Abs(p.Box.Height-40) > 1e-4 {
		t.Errorf("person = %+v", p)
	}
	c := got[1]
	if c.Label != "cat" || math.Abs(c.Box.X+c.Box.Width-200) > 1e-4 || math.Abs(c.Box.Y+c.Box.Height-100) > 1e-4 {
		t.Errorf("cat not clamped: %+v", c)
	}
}

func TestDecodeYOLO(t *testing.T) {
	labels := []string{"person", "cat"}
	data := []float32{
		0.5, 0.5, 0.2, 0.4, 0.9, 0.1, 0.8,
		0.5, 0.5, 0.2, 0.4, 0.9, 0.2, 0.1,
	}
	got := DecodeYOLO(data, 7, 100, 100, labels, DefaultScoreThreshold)
	if len(got) != 1 {
		t.Fatalf("got %+v", got)
	}
	if got[0].Label != "cat" || math.Abs(got[0].Confidence-0.72) > 1e-4 {
		t.Errorf("detection = %+v", got[0])
	}
	if math.Abs(got[0].Box.X-40) > 1e-4 || math.Abs(got[0].Box.Height-40) > 1e-4 {
		t.Errorf("box = %+v", got[0].Box)
	}
	if DecodeYOLO(data, 5, 100, 100, labels, 0) != nil {
		t.Errorf("stride without class scores should decode nothing")
	}
}

func TestSuppress(t *testing.T) {
	dets := []types.Detection{
		{Label: "cat", Confidence: 0.6, Box: types.Box{X: 0, Y: 0, Width: 10, Height: 10}},
		{Label: "cat", Confidence: 0.9, Box: types.Box{X: 1, Y: 1, Width: 10, Height: 10}},
		{Label: "dog", Confidence: 0.7, Box: types.Box{X: 1, Y: 1, Width: 10, Height: 10}},
		{Label: "cat", Confidence: 0.5, Box: types.Box{X: 50, Y: 50, Width: 10, Height: 10}},
	}
	got := Suppress(dets, 0.45)
	if len(got) != 3 {
		t.Fatalf("got %+v", got)
	}
	if got[0].Confidence != 0.9 || got[1].Label != "dog" || got[2].Box.X != 50 {
		t.Errorf("unexpected order %+v", got)
	}
}

func TestIoU(t *testing.T) {
	a := types.Box{Width: 10, Height: 10}
	if IoU(a, a) != 1 {
		t.Errorf("self IoU != 1")
	}
	if IoU(a, types.Box{X: 20, Width: 5, Height: 5}) != 0 {
		t.Errorf("disjoint IoU != 0")
	}
	half := IoU(a, types.Box{X: 5, Width: 10, Height: 10})
	if math.Abs(half-50.0/150.0) > 1e-9 {
		t.Errorf("IoU = %v", half)
	}
}
