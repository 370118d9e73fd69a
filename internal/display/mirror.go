package display

import (
	"fmt"

	"github.com/dj-oyu/target-relay/pkg/types"
)

// MirrorPolicy decides whether display space is horizontally reflected
type MirrorPolicy string

const (
	// MirrorAuto mirrors when the camera faces the user
	MirrorAuto MirrorPolicy = "auto"
	MirrorOn   MirrorPolicy = "on"
	MirrorOff  MirrorPolicy = "off"
)

// ParseMirrorPolicy parses a policy name; empty means auto
func ParseMirrorPolicy(s string) (MirrorPolicy, error) {
	switch MirrorPolicy(s) {
	case MirrorAuto, MirrorOn, MirrorOff:
		return MirrorPolicy(s), nil
	case "":
		return MirrorAuto, nil
	default:
		return MirrorAuto, fmt.Errorf("invalid mirror policy: %s", s)
	}
}

// Mirrored resolves the policy for the active camera
func (p MirrorPolicy) Mirrored(facing types.Facing) bool {
	switch p {
	case MirrorOn:
		return true
	case MirrorOff:
		return false
	default:
		return facing == types.FacingUser
	}
}
