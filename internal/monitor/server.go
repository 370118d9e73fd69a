// Package monitor serves the operator surface of the relay: an overlay MJPEG
// stream, status and transmission streams, and the detection controls.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dj-oyu/target-relay/internal/display"
	"github.com/dj-oyu/target-relay/internal/link"
	"github.com/dj-oyu/target-relay/internal/logger"
	"github.com/dj-oyu/target-relay/internal/metrics"
	"github.com/dj-oyu/target-relay/internal/session"
)

// Controller is the part of the session the monitor drives
type Controller interface {
	View() *session.View
	StartDetection(ctx context.Context) error
	StopDetection(ctx context.Context) error
	SwitchCamera(ctx context.Context) error
	AddLabel(ctx context.Context, label string) error
	RemoveLabel(ctx context.Context, label string) error
	SetThreshold(ctx context.Context, percent float64) error
	SetMirror(ctx context.Context, policy display.MirrorPolicy) error
	Labels(ctx context.Context) ([]string, error)
	ConnectLink(ctx context.Context) error
	DisconnectLink() error
}

// Signaler answers WebRTC offers for a data channel link
type Signaler interface {
	HandleOffer(offerJSON []byte) ([]byte, error)
}

// Server serves the monitor endpoints.
type Server struct {
	cfg           Config
	ctl           Controller
	metrics       *metrics.Metrics
	signaler      Signaler
	frames        *FrameBroadcaster
	transmissions *TransmissionBroadcaster
	blank         []byte
}

// NewServer returns a monitor for ctl. signaler may be nil when the link is
// not a WebRTC data channel.
func NewServer(cfg Config, ctl Controller, signaler Signaler, m *metrics.Metrics) (*Server, error) {
	cfg.backfill()
	if m == nil {
		m = metrics.New()
	}

	blank, err := placeholderJPEG(cfg.Display, cfg.JPEGQuality)
	if err != nil {
		return nil, fmt.Errorf("failed to render placeholder frame: %w", err)
	}

	return &Server{
		cfg:           cfg,
		ctl:           ctl,
		metrics:       m,
		signaler:      signaler,
		frames:        NewFrameBroadcaster(ctl.View, cfg.FrameInterval, cfg.JPEGQuality, m),
		transmissions: NewTransmissionBroadcaster(m),
		blank:         blank,
	}, nil
}

// Transmissions is the listener to register with the session
func (s *Server) Transmissions() *TransmissionBroadcaster {
	return s.transmissions
}

// Start begins overlay rendering
func (s *Server) Start() {
	s.frames.Start()
}

// Close stops overlay rendering and ends open MJPEG streams
func (s *Server) Close() {
	s.frames.Stop()
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/status/stream", s.handleStatusStream)
	mux.HandleFunc("/api/transmissions/stream", s.handleTransmissionsStream)
	mux.HandleFunc("/api/detection/start", s.post(s.ctl.StartDetection))
	mux.HandleFunc("/api/detection/stop", s.post(s.ctl.StopDetection))
	mux.HandleFunc("/api/camera/switch", s.post(s.ctl.SwitchCamera))
	mux.HandleFunc("/api/link/connect", s.post(s.ctl.ConnectLink))
	mux.HandleFunc("/api/link/disconnect", s.post(func(context.Context) error { return s.ctl.DisconnectLink() }))
	mux.HandleFunc("/api/link/offer", s.handleOffer)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/labels", s.handleLabels)
	mux.HandleFunc("/health", s.handleHealth)

	return mux
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, frameCh := s.frames.Subscribe()
	defer s.frames.Unsubscribe(id)
	streamMJPEGFromChannel(w, r, frameCh, s.blank, s.cfg.IdleFrame)
}

// statusPayload is the body of /api/status and each /api/status/stream event
type statusPayload struct {
	Status    session.Status   `json:"status"`
	Boxes     []session.Box    `json:"boxes"`
	Seq       uint64           `json:"seq"`
	Metrics   metrics.Snapshot `json:"metrics"`
	Timestamp float64          `json:"timestamp"`
}

func (s *Server) snapshot() statusPayload {
	p := statusPayload{
		Boxes:     []session.Box{},
		Metrics:   s.metrics.Snapshot(),
		Timestamp: float64(time.Now().UnixMilli()) / 1000,
	}
	if v := s.ctl.View(); v != nil {
		p.Status = v.Status
		p.Seq = v.Seq
		if v.Boxes != nil {
			p.Boxes = v.Boxes
		}
	}
	if p.Status.AllowList == nil {
		p.Status.AllowList = []string{}
	}
	return p
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.snapshot())
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		if err := writeSSE(w, s.snapshot()); err != nil {
			return
		}
		flusher.Flush()

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) handleTransmissionsStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.transmissions.Subscribe()
	defer s.transmissions.Unsubscribe(id)
	streamEventsFromChannel(w, r, eventCh, wantsProtobuf(r), s.cfg.KeepAlive)
}

// post wraps a session command as a POST endpoint answering with the status
func (s *Server) post(cmd func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := cmd(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, s.snapshot())
	}
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.signaler == nil {
		writeJSONWithStatus(w, map[string]any{
			"error": "link is not a WebRTC data channel",
		}, http.StatusBadRequest)
		return
	}

	offerJSON, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	answerJSON, err := s.signaler.HandleOffer(offerJSON)
	if err != nil {
		logger.Warn("Monitor", "WebRTC offer error: %v", err)
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answerJSON)
}

// configUpdate is the body of PUT /api/config. Absent fields are unchanged.
type configUpdate struct {
	Add       []string `json:"add_labels"`
	Remove    []string `json:"remove_labels"`
	Threshold *float64 `json:"threshold_percent"`
	Mirror    *string  `json:"mirror"`
}

type configPayload struct {
	AllowList        []string             `json:"allow_list"`
	ThresholdPercent float64              `json:"threshold_percent"`
	Mirror           display.MirrorPolicy `json:"mirror"`
	Mirrored         bool                 `json:"mirrored"`
}

func (s *Server) currentConfig() configPayload {
	st := s.snapshot().Status
	return configPayload{
		AllowList:        st.AllowList,
		ThresholdPercent: st.ThresholdPercent,
		Mirror:           st.Mirror,
		Mirrored:         st.Mirrored,
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, s.currentConfig())
		return
	case http.MethodPut, http.MethodPost:
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req configUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid config data"}, http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	for _, label := range req.Add {
		if err := s.ctl.AddLabel(ctx, label); err != nil {
			writeError(w, err)
			return
		}
	}
	for _, label := range req.Remove {
		if err := s.ctl.RemoveLabel(ctx, label); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.Threshold != nil {
		if err := s.ctl.SetThreshold(ctx, *req.Threshold); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.Mirror != nil {
		policy, err := display.ParseMirrorPolicy(*req.Mirror)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := s.ctl.SetMirror(ctx, policy); err != nil {
			writeError(w, err)
			return
		}
	}

	writeJSON(w, s.currentConfig())
}

func (s *Server) handleLabels(w http.ResponseWriter, r *http.Request) {
	labels, err := s.ctl.Labels(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"labels": labels})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.snapshot().Status
	writeJSON(w, map[string]any{
		"status":           "ok",
		"model_ready":      st.ModelReady,
		"link_connected":   st.LinkConnected,
		"detection_active": st.DetectionActive,
		"clients":          s.metrics.MonitorClients.Load(),
	})
}

// statusFor maps command errors to HTTP codes. Precondition and validation
// failures are the client's to fix; a closed session is not.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, link.ErrAlreadyConnected):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSONWithStatus(w, map[string]any{"error": err.Error()}, statusFor(err))
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
