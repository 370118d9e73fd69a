// Package protocol implements the newline-terminated ASCII messages sent to
// the microcontroller: "x<int>y<int>w<int>h<int>d<int>\n" and "stop\n".
package protocol

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/dj-oyu/target-relay/internal/display"
)

// Kind distinguishes target reports from the idle signal
type Kind int

const (
	KindStop Kind = iota
	KindTarget
)

// StopToken is the canonical idle token
const StopToken = "stop"

// legacyIdleToken was emitted by older firmware builds for "no detection"
const legacyIdleToken = "null"

var (
	ErrEmpty     = errors.New("empty message")
	ErrMalformed = errors.New("malformed message")
)

// Message is one outbound frame
type Message struct {
	Kind  Kind `json:"-"`
	X     int  `json:"x"`
	Y     int  `json:"y"`
	W     int  `json:"w"`
	H     int  `json:"h"`
	Count int  `json:"d"`
}

// Stop returns the idle message
func Stop() Message {
	return Message{Kind: KindStop}
}

// TargetMessage builds a target report from display-space values. A count
// below one cannot describe a target, so it yields a Stop message instead.
func TargetMessage(t display.Target, count int) Message {
	if count < 1 {
		return Stop()
	}
	return Message{
		Kind:  KindTarget,
		X:     Round(t.CenterX),
		Y:     Round(t.CenterY),
		W:     Round(t.Width),
		H:     Round(t.Height),
		Count: count,
	}
}

// Round rounds half toward positive infinity (2.5 → 3, -2.5 → -2)
func Round(v float64) int {
	return int(math.Floor(v + 0.5))
}

// IsStop reports whether m is the idle signal
func (m Message) IsStop() bool {
	return m.Kind == KindStop
}

// Encode renders the wire bytes including the trailing newline
func (m Message) Encode() []byte {
	if m.IsStop() {
		return []byte(StopToken + "\n")
	}
	buf := make([]byte, 0, 32)
	buf = append(buf, 'x')
	buf = strconv.AppendInt(buf, int64(m.X), 10)
	buf = append(buf, 'y')
	buf = strconv.AppendInt(buf, int64(m.Y), 10)
	buf = append(buf, 'w')
	buf = strconv.AppendInt(buf, int64(m.W), 10)
	buf = append(buf, 'h')
	buf = strconv.AppendInt(buf, int64(m.H), 10)
	buf = append(buf, 'd')
	buf = strconv.AppendInt(buf, int64(m.Count), 10)
	return append(buf, '\n')
}

// String renders the human-readable form shown on the monitor
func (m Message) String() string {
	if m.IsStop() {
		return StopToken
	}
	return fmt.Sprintf("x%d y%d w%d h%d d%d", m.X, m.Y, m.W, m.H, m.Count)
}

// Parse decodes one line. The legacy "null" token is read as Stop.
func Parse(line string) (Message, error) {
	line = strings.TrimRight(line, "\r\n")
	line = strings.TrimSpace(line)
	if line == "" {
		return Message{}, ErrEmpty
	}
	if line == StopToken || line == legacyIdleToken {
		return Stop(), nil
	}

	var vals [5]int
	rest := line
	for i, key := range []byte{'x', 'y', 'w', 'h', 'd'} {
		if len(rest) == 0 || rest[0] != key {
			return Message{}, fmt.Errorf("%w: expected %q in %q", ErrMalformed, key, line)
		}
		rest = rest[1:]
		end := 0
		for end < len(rest) && (rest[end] == '-' && end == 0 || rest[end] >= '0' && rest[end] <= '9') {
			end++
		}
		n, err := strconv.Atoi(rest[:end])
		if err != nil {
			return Message{}, fmt.Errorf("%w: field %q: %v", ErrMalformed, key, err)
		}
		vals[i] = n
		rest = rest[end:]
	}
	if rest != "" {
		return Message{}, fmt.Errorf("%w: trailing data %q", ErrMalformed, rest)
	}
	if vals[4] < 1 {
		return Message{}, fmt.Errorf("%w: target count %d", ErrMalformed, vals[4])
	}

	return Message{Kind: KindTarget, X: vals[0], Y: vals[1], W: vals[2], H: vals[3], Count: vals[4]}, nil
}
