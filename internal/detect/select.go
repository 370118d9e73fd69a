// Package detect reduces a detection frame to the single target to track.
package detect

import "github.com/dj-oyu/target-relay/pkg/types"

// Selection is the per-frame outcome of target selection.
// Target is nil exactly when QualifyingCount is zero.
type Selection struct {
	Target          *types.Detection `json:"target"`
	QualifyingCount int              `json:"qualifying_count"`
}

// Empty reports whether no detection qualified
func (s Selection) Empty() bool {
	return s.QualifyingCount == 0
}

// Qualifies reports whether d passes the label filter and the inclusive
// confidence threshold (in percent).
func Qualifies(d types.Detection, allowed *AllowList, thresholdPercent float64) bool {
	return allowed.Contains(d.Label) && d.Confidence*100 >= thresholdPercent
}

// Select picks the highest-confidence qualifying detection of frame.
// Ties keep the earliest detection in frame order. Select has no side effects.
func Select(frame *types.Frame, allowed *AllowList, thresholdPercent float64) Selection {
	var sel Selection
	if frame == nil || allowed.Len() == 0 {
		return sel
	}

	for i := range frame.Detections {
		d := &frame.Detections[i]
		if !Qualifies(*d, allowed, thresholdPercent) {
			continue
		}
		sel.QualifyingCount++
		if sel.Target == nil || d.Confidence > sel.Target.Confidence {
			sel.Target = d
		}
	}

	if sel.Target != nil {
		// Copy so the caller never aliases the published frame
		t := *sel.Target
		sel.Target = &t
	}
	return sel
}

// Qualifying returns every qualifying detection in frame order (overlay drawing)
func Qualifying(frame *types.Frame, allowed *AllowList, thresholdPercent float64) []types.Detection {
	if frame == nil || allowed.Len() == 0 {
		return nil
	}
	out := make([]types.Detection, 0, len(frame.Detections))
	for _, d := range frame.Detections {
		if Qualifies(d, allowed, thresholdPercent) {
			out = append(out, d)
		}
	}
	return out
}
