package monitor

import (
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/dj-oyu/target-relay/internal/logger"
	"github.com/dj-oyu/target-relay/internal/metrics"
	"github.com/dj-oyu/target-relay/internal/session"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ViewSource returns the latest published view, or nil before the first one
type ViewSource func() *session.View

// FrameBroadcaster renders overlay frames and fans them out to MJPEG clients.
type FrameBroadcaster struct {
	mu        sync.Mutex
	clients   map[int]chan []byte
	nextID    int
	views     ViewSource
	interval  time.Duration
	quality   int
	metrics   *metrics.Metrics
	stop      chan struct{}
	stopped   bool
	skipCount int // cycles skipped while no clients are connected
	lastAt    time.Time
}

// NewFrameBroadcaster creates a broadcaster rendering views every interval.
func NewFrameBroadcaster(views ViewSource, interval time.Duration, quality int, m *metrics.Metrics) *FrameBroadcaster {
	return &FrameBroadcaster{
		clients:  make(map[int]chan []byte),
		views:    views,
		interval: interval,
		quality:  quality,
		metrics:  m,
		stop:     make(chan struct{}),
	}
}

// Subscribe adds a new client and returns a channel for receiving frames.
func (fb *FrameBroadcaster) Subscribe() (int, <-chan []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	id := fb.nextID
	fb.nextID++
	ch := make(chan []byte, 2)
	fb.clients[id] = ch
	fb.metrics.MonitorClients.Add(1)

	logger.Debug("FrameBroadcaster", "Client #%d subscribed (total clients: %d)", id, len(fb.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (fb *FrameBroadcaster) Unsubscribe(id int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if ch, ok := fb.clients[id]; ok {
		close(ch)
		delete(fb.clients, id)
		fb.metrics.MonitorClients.Add(^uint64(0))
		logger.Debug("FrameBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(fb.clients))

		if len(fb.clients) == 0 {
			logger.Info("FrameBroadcaster", "No clients remaining - overlay rendering paused")
		}
	}
}

// Start begins the render and broadcast loop.
func (fb *FrameBroadcaster) Start() {
	go fb.run()
}

// Stop halts the broadcaster and disconnects its clients.
func (fb *FrameBroadcaster) Stop() {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.stopped {
		return
	}
	close(fb.stop)
	fb.stopped = true
	for id, ch := range fb.clients {
		close(ch)
		delete(fb.clients, id)
		fb.metrics.MonitorClients.Add(^uint64(0))
	}
}

func (fb *FrameBroadcaster) run() {
	ticker := time.NewTicker(fb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-fb.stop:
			return
		case <-ticker.C:
		}

		fb.mu.Lock()
		clientCount := len(fb.clients)
		fb.mu.Unlock()

		if clientCount == 0 {
			fb.skipCount++
			if fb.skipCount%100 == 0 {
				logger.Debug("FrameBroadcaster", "No clients connected (idle for %d cycles)", fb.skipCount)
			}
			continue
		}
		fb.skipCount = 0

		if data := fb.render(); data != nil {
			fb.broadcast(data)
		}
	}
}

// render encodes the latest view, or returns nil if it was already sent
func (fb *FrameBroadcaster) render() []byte {
	v := fb.views()
	if v == nil || !v.At.After(fb.lastAt) {
		return nil
	}
	fb.lastAt = v.At

	data, err := EncodeJPEG(v, fb.quality)
	if err != nil {
		logger.Warn("FrameBroadcaster", "JPEG encode failed: %v", err)
		return nil
	}
	return data
}

func (fb *FrameBroadcaster) broadcast(data []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	for _, ch := range fb.clients {
		select {
		case ch <- data:
		default:
			// Client too slow, skip this frame for this client
		}
	}
}

// SerializedEvent holds pre-serialized data in both formats.
type SerializedEvent struct {
	JSONData     []byte // Pre-serialized JSON
	ProtobufData []byte // Pre-serialized protobuf Struct, base64 encoded for SSE
}

// TransmissionBroadcaster fans transmissions out to SSE clients. It is a
// session.Listener; serialization happens once per transmission.
type TransmissionBroadcaster struct {
	mu      sync.Mutex
	clients map[int]chan *SerializedEvent
	nextID  int
	metrics *metrics.Metrics
}

// NewTransmissionBroadcaster creates a broadcaster for transmission events.
func NewTransmissionBroadcaster(m *metrics.Metrics) *TransmissionBroadcaster {
	return &TransmissionBroadcaster{
		clients: make(map[int]chan *SerializedEvent),
		metrics: m,
	}
}

// Subscribe adds a new client and returns a channel for receiving events.
func (tb *TransmissionBroadcaster) Subscribe() (int, <-chan *SerializedEvent) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	id := tb.nextID
	tb.nextID++
	ch := make(chan *SerializedEvent, 16)
	tb.clients[id] = ch
	tb.metrics.MonitorClients.Add(1)

	logger.Debug("TransmissionBroadcaster", "Client #%d subscribed (total clients: %d)", id, len(tb.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (tb *TransmissionBroadcaster) Unsubscribe(id int) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if ch, ok := tb.clients[id]; ok {
		close(ch)
		delete(tb.clients, id)
		tb.metrics.MonitorClients.Add(^uint64(0))
		logger.Debug("TransmissionBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(tb.clients))
	}
}

// Clients returns the number of subscribers
func (tb *TransmissionBroadcaster) Clients() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.clients)
}

// Transmission implements session.Listener. It never blocks.
func (tb *TransmissionBroadcaster) Transmission(tx session.Transmission) {
	if tb.Clients() == 0 {
		return
	}
	event, err := serializeTransmission(tx)
	if err != nil {
		logger.Error("TransmissionBroadcaster", "Serialize failed: %v", err)
		return
	}
	tb.broadcast(event)
}

func (tb *TransmissionBroadcaster) broadcast(event *SerializedEvent) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	for _, ch := range tb.clients {
		select {
		case ch <- event:
		default:
			// Client too slow, skip this event for this client
		}
	}
}

// transmissionFields is the wire shape shared by the JSON and protobuf forms
func transmissionFields(tx session.Transmission) map[string]any {
	fields := map[string]any{
		"timestamp": float64(tx.At.UnixMilli()) / 1000,
		"outcome":   tx.Outcome.String(),
		"forced":    tx.Forced,
		"stop":      tx.Stop,
		"text":      tx.Text,
	}
	if !tx.Stop {
		m := tx.Message
		fields["x"] = m.X
		fields["y"] = m.Y
		fields["w"] = m.W
		fields["h"] = m.H
		fields["d"] = m.Count
		fields["label"] = tx.Label
		fields["confidence"] = tx.Confidence
	}
	return fields
}

func serializeTransmission(tx session.Transmission) (*SerializedEvent, error) {
	fields := transmissionFields(tx)

	jsonData, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}

	pbStruct, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	pbData, err := proto.Marshal(pbStruct)
	if err != nil {
		return nil, err
	}

	return &SerializedEvent{
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}
