// Package telemetry publishes transmission events to Kafka for offline
// analysis of what the relay reported and when.
package telemetry

import (
	"encoding/json"
	"time"

	"github.com/dj-oyu/target-relay/internal/session"
	"github.com/google/uuid"
)

// Event is the JSON record of one send attempt
type Event struct {
	EventID    string    `json:"event_id"`
	SessionID  string    `json:"session_id"`
	Timestamp  time.Time `json:"timestamp"`
	Kind       string    `json:"kind"` // target or stop
	Outcome    string    `json:"outcome"`
	Forced     bool      `json:"forced"`
	Text       string    `json:"text"`
	X          int       `json:"x,omitempty"`
	Y          int       `json:"y,omitempty"`
	Width      int       `json:"w,omitempty"`
	Height     int       `json:"h,omitempty"`
	Count      int       `json:"count"`
	Label      string    `json:"label,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
}

// NewSessionID returns a fresh process session identifier
func NewSessionID() string {
	return uuid.New().String()
}

// NewEvent converts a transmission into an event with a new event ID
func NewEvent(sessionID string, tx session.Transmission) Event {
	e := Event{
		EventID:   uuid.New().String(),
		SessionID: sessionID,
		Timestamp: tx.At.UTC(),
		Kind:      "target",
		Outcome:   tx.Outcome.String(),
		Forced:    tx.Forced,
		Text:      tx.Text,
	}
	if tx.Stop {
		e.Kind = "stop"
		return e
	}
	m := tx.Message
	e.X, e.Y, e.Width, e.Height, e.Count = m.X, m.Y, m.W, m.H, m.Count
	e.Label = tx.Label
	e.Confidence = tx.Confidence
	return e
}

// ToJSON serializes the event
func (e Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}
