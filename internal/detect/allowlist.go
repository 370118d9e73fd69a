package detect

import (
	"sort"
	"strings"
)

// AllowList is the user-editable set of labels to track.
// It is not safe for concurrent use; the session loop owns it.
type AllowList struct {
	labels map[string]struct{}
	order  []string
}

// NewAllowList creates an allow-list holding labels (lower-cased, deduplicated)
func NewAllowList(labels ...string) *AllowList {
	a := &AllowList{labels: make(map[string]struct{})}
	for _, l := range labels {
		a.Add(l)
	}
	return a
}

func normalize(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}

// Add inserts label and reports whether it was new
func (a *AllowList) Add(label string) bool {
	label = normalize(label)
	if label == "" {
		return false
	}
	if _, ok := a.labels[label]; ok {
		return false
	}
	a.labels[label] = struct{}{}
	a.order = append(a.order, label)
	return true
}

// Remove deletes label and reports whether it was present
func (a *AllowList) Remove(label string) bool {
	label = normalize(label)
	if _, ok := a.labels[label]; !ok {
		return false
	}
	delete(a.labels, label)
	for i, l := range a.order {
		if l == label {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	return true
}

// Contains reports whether label is allowed (nil-safe)
func (a *AllowList) Contains(label string) bool {
	if a == nil {
		return false
	}
	_, ok := a.labels[label]
	return ok
}

// Len returns the number of allowed labels (nil-safe)
func (a *AllowList) Len() int {
	if a == nil {
		return 0
	}
	return len(a.labels)
}

// Labels returns the labels in insertion order
func (a *AllowList) Labels() []string {
	if a == nil {
		return nil
	}
	out := make([]string, len(a.order))
	copy(out, a.order)
	return out
}

// Sorted returns the labels sorted alphabetically
func (a *AllowList) Sorted() []string {
	out := a.Labels()
	sort.Strings(out)
	return out
}
