// Package throttle rate-limits outbound target reports. At most one message is
// attempted per interval; a busy link drops the message instead of queueing it,
// so the next attempt always carries the freshest observation.
package throttle

import (
	"time"

	"github.com/dj-oyu/target-relay/internal/detect"
	"github.com/dj-oyu/target-relay/internal/display"
	"github.com/dj-oyu/target-relay/internal/link"
	"github.com/dj-oyu/target-relay/internal/protocol"
)

// DefaultInterval is the minimum spacing between attempts
const DefaultInterval = 100 * time.Millisecond

// Sender is the part of a link the throttle writes to
type Sender interface {
	Send(p []byte) link.Outcome
}

// Result describes one attempt
type Result struct {
	At      time.Time        `json:"at"`
	Message protocol.Message `json:"message"`
	Outcome link.Outcome     `json:"outcome"`
	Forced  bool             `json:"forced"`
}

// Throttle owns TransmissionState. It is not safe for concurrent use.
type Throttle struct {
	interval   time.Duration
	sender     Sender
	lastSentAt time.Time
	hasSent    bool // false means lastSentAt is -infinity
}

// New creates a throttle writing to sender
func New(interval time.Duration, sender Sender) *Throttle {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Throttle{interval: interval, sender: sender}
}

// Interval returns the configured gate
func (t *Throttle) Interval() time.Duration {
	return t.interval
}

// LastSentAt returns the time of the last attempt and whether one happened
func (t *Throttle) LastSentAt() (time.Time, bool) {
	return t.lastSentAt, t.hasSent
}

// Due reports whether an attempt at now would pass the gate
func (t *Throttle) Due(now time.Time) bool {
	return !t.hasSent || now.Sub(t.lastSentAt) >= t.interval
}

// Tick attempts one message if the interval has elapsed. target is the
// display-space placement of sel.Target, or nil when there is none. The bool
// result is false when the gate suppressed the attempt.
func (t *Throttle) Tick(now time.Time, sel detect.Selection, target *display.Target) (Result, bool) {
	msg := protocol.Stop()
	if target != nil && !sel.Empty() {
		msg = protocol.TargetMessage(*target, sel.QualifyingCount)
	}
	return t.Offer(now, msg)
}

// Offer attempts msg if the interval has elapsed
func (t *Throttle) Offer(now time.Time, msg protocol.Message) (Result, bool) {
	if !t.Due(now) {
		return Result{}, false
	}
	return t.attempt(now, msg, false), true
}

// ForceStop sends one Stop message regardless of the gate
func (t *Throttle) ForceStop(now time.Time) Result {
	return t.attempt(now, protocol.Stop(), true)
}

func (t *Throttle) attempt(now time.Time, msg protocol.Message, forced bool) Result {
	// Stamp before sending: a busy or failing link slows the rate instead of
	// building a backlog
	t.lastSentAt = now
	t.hasSent = true

	outcome := link.Failed
	if t.sender != nil {
		outcome = t.sender.Send(msg.Encode())
	}
	return Result{At: now, Message: msg, Outcome: outcome, Forced: forced}
}
