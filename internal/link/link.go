// Package link implements the outbound byte channel to the microcontroller.
// Every link honours a single-writer discipline: a Send while a previous write
// is still outstanding is dropped, never queued.
package link

import (
	"context"
	"errors"
	"time"
)

// Outcome is the immediate result of Send
type Outcome int

const (
	// Sent means the write was accepted and started
	Sent Outcome = iota
	// Dropped means a previous write is still in flight
	Dropped
	// Failed means the link is down or the write could not start
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Sent:
		return "sent"
	case Dropped:
		return "dropped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the outcome name in JSON payloads
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

var (
	ErrNotConnected     = errors.New("link not connected")
	ErrAlreadyConnected = errors.New("link already connected")
)

// Link is a connection-oriented, single-writer byte channel
type Link interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	Send(p []byte) Outcome
}

// Observer receives asynchronous write completions and state changes.
// Implementations must not block.
type Observer interface {
	WriteCompleted(n int, took time.Duration)
	WriteFailed(err error)
	StateChanged(connected bool)
}

type nopObserver struct{}

func (nopObserver) WriteCompleted(int, time.Duration) {}
func (nopObserver) WriteFailed(error)                 {}
func (nopObserver) StateChanged(bool)                 {}

// Observers fans out to several observers
type Observers []Observer

func (o Observers) WriteCompleted(n int, took time.Duration) {
	for _, ob := range o {
		ob.WriteCompleted(n, took)
	}
}

func (o Observers) WriteFailed(err error) {
	for _, ob := range o {
		ob.WriteFailed(err)
	}
}

func (o Observers) StateChanged(connected bool) {
	for _, ob := range o {
		ob.StateChanged(connected)
	}
}
