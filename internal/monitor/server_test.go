package monitor

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image/jpeg"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dj-oyu/target-relay/internal/display"
	"github.com/dj-oyu/target-relay/internal/link"
	"github.com/dj-oyu/target-relay/internal/metrics"
	"github.com/dj-oyu/target-relay/internal/protocol"
	"github.com/dj-oyu/target-relay/internal/session"
	"github.com/dj-oyu/target-relay/internal/throttle"
	"github.com/dj-oyu/target-relay/pkg/types"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

type fakeController struct {
	mu        sync.Mutex
	view      *session.View
	startErr  error
	calls     []string
	threshold float64
	mirror    display.MirrorPolicy
	allow     []string
}

func newFakeController() *fakeController {
	c := &fakeController{threshold: 50, mirror: display.MirrorAuto, allow: []string{"person"}}
	c.publish()
	return c
}

// publish refreshes the view from the fake's settings, like the session loop
func (c *fakeController) publish() {
	c.view = &session.View{
		At: time.Now(),
		Status: session.Status{
			LinkName:         "serial",
			Facing:           types.FacingUser,
			Mirror:           c.mirror,
			Mirrored:         c.mirror.Mirrored(types.FacingUser),
			Display:          types.Dimensions{Width: 400, Height: 300},
			Fit:              display.FitStretch,
			ThresholdPercent: c.threshold,
			AllowList:        append([]string(nil), c.allow...),
			SendInterval:     "100ms",
		},
	}
}

// setStatus publishes a modified copy, views are never mutated in place
func (c *fakeController) setStatus(fn func(st *session.Status)) {
	v := *c.view
	fn(&v.Status)
	v.At = time.Now()
	c.view = &v
}

func (c *fakeController) record(call string) {
	c.calls = append(c.calls, call)
}

func (c *fakeController) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *fakeController) View() *session.View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

func (c *fakeController) StartDetection(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("start")
	if c.startErr != nil {
		return c.startErr
	}
	c.setStatus(func(st *session.Status) { st.DetectionActive = true })
	return nil
}

func (c *fakeController) StopDetection(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("stop")
	return nil
}

func (c *fakeController) SwitchCamera(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("switch")
	return nil
}

func (c *fakeController) AddLabel(ctx context.Context, label string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("add:" + label)
	if label == "unicorn" {
		return session.ErrUnknownLabel
	}
	c.allow = append(c.allow, label)
	c.publish()
	return nil
}

func (c *fakeController) RemoveLabel(ctx context.Context, label string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("remove:" + label)
	kept := c.allow[:0]
	for _, l := range c.allow {
		if l != label {
			kept = append(kept, l)
		}
	}
	c.allow = kept
	c.publish()
	return nil
}

func (c *fakeController) SetThreshold(ctx context.Context, percent float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("threshold")
	if percent < 0 || percent > 100 {
		return session.ErrThreshold
	}
	c.threshold = percent
	c.publish()
	return nil
}

func (c *fakeController) SetMirror(ctx context.Context, policy display.MirrorPolicy) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("mirror:" + string(policy))
	c.mirror = policy
	c.publish()
	return nil
}

func (c *fakeController) Labels(ctx context.Context) ([]string, error) {
	return []string{"cat", "dog", "person"}, nil
}

func (c *fakeController) ConnectLink(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("connect")
	c.setStatus(func(st *session.Status) { st.LinkConnected = true })
	return nil
}

func (c *fakeController) DisconnectLink() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("disconnect")
	c.setStatus(func(st *session.Status) { st.LinkConnected = false })
	return nil
}

type fakeSignaler struct {
	offer []byte
}

func (f *fakeSignaler) HandleOffer(offerJSON []byte) ([]byte, error) {
	f.offer = offerJSON
	if !bytes.Contains(offerJSON, []byte("sdp")) {
		return nil, errors.New("invalid offer")
	}
	return []byte(`{"type":"answer","sdp":"v=0"}`), nil
}

func newTestServer(t *testing.T, ctl Controller, sig Signaler) (*Server, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	cfg := DefaultConfig()
	cfg.FrameInterval = 5 * time.Millisecond
	cfg.StatusInterval = 10 * time.Millisecond
	cfg.IdleFrame = 20 * time.Millisecond
	srv, err := NewServer(cfg, ctl, sig, m)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	srv.Start()
	t.Cleanup(srv.Close)
	return srv, m
}

func sampleTransmission() session.Transmission {
	msg := protocol.TargetMessage(display.Target{CenterX: 120, CenterY: 80, Width: 40, Height: 60}, 1)
	return session.Transmission{
		Result:     throttle.Result{At: time.Now(), Message: msg, Outcome: link.Sent},
		Text:       msg.String(),
		Label:      "person",
		Confidence: 0.9,
	}
}

func TestIndex(t *testing.T) {
	srv, _ := newTestServer(t, newFakeController(), nil)
	client := newContractClient(t, srv.Handler())

	resp, body := client.get(t, "/")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET / status = %d", resp.StatusCode)
	}
	if !strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		t.Fatalf("GET / content-type = %q", resp.Header.Get("Content-Type"))
	}
	for _, needle := range []string{
		"<title>Target Relay Monitor</title>",
		"/stream",
		"/api/transmissions/stream",
		"/api/detection/start",
	} {
		if !strings.Contains(string(body), needle) {
			t.Fatalf("GET / missing %q", needle)
		}
	}

	if resp, _ := client.get(t, "/nope"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET /nope status = %d", resp.StatusCode)
	}
}

func TestStatus(t *testing.T) {
	srv, _ := newTestServer(t, newFakeController(), nil)
	client := newContractClient(t, srv.Handler())

	resp, body := client.get(t, "/api/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/status status = %d", resp.StatusCode)
	}
	payload := decodeJSONMap(t, body)
	assertStatusPayload(t, payload)

	status := requireMap(t, payload["status"], "status")
	if got := requireString(t, status["mirror"], "status.mirror"); got != "auto" {
		t.Errorf("mirror = %q", got)
	}
	if !requireBool(t, status["mirrored"], "status.mirrored") {
		t.Errorf("user facing with auto mirror should be mirrored")
	}
}

func TestCommands(t *testing.T) {
	ctl := newFakeController()
	srv, _ := newTestServer(t, ctl, nil)
	client := newContractClient(t, srv.Handler())

	for _, path := range []string{
		"/api/link/connect",
		"/api/detection/start",
		"/api/camera/switch",
		"/api/detection/stop",
		"/api/link/disconnect",
	} {
		resp, body := client.post(t, path)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("POST %s status = %d body=%s", path, resp.StatusCode, body)
		}
		assertStatusPayload(t, decodeJSONMap(t, body))
	}

	want := []string{"connect", "start", "switch", "stop", "disconnect"}
	got := ctl.Calls()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("calls = %v, want %v", got, want)
	}

	if resp, _ := client.get(t, "/api/detection/start"); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET /api/detection/start status = %d", resp.StatusCode)
	}
}

func TestStartDetectionValidation(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{session.ErrLinkDown, http.StatusBadRequest},
		{session.ErrModelLoading, http.StatusBadRequest},
		{session.ErrEmptyAllowList, http.StatusBadRequest},
		{session.ErrSourceNotReady, http.StatusBadRequest},
		{session.ErrClosed, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		ctl := newFakeController()
		ctl.startErr = tt.err
		srv, _ := newTestServer(t, ctl, nil)
		client := newContractClient(t, srv.Handler())

		resp, body := client.post(t, "/api/detection/start")
		if resp.StatusCode != tt.code {
			t.Errorf("%v: status = %d, want %d", tt.err, resp.StatusCode, tt.code)
			continue
		}
		msg := requireString(t, decodeJSONMap(t, body)["error"], "error")
		if msg != tt.err.Error() {
			t.Errorf("error = %q, want %q", msg, tt.err.Error())
		}
	}
}

func TestConfig(t *testing.T) {
	ctl := newFakeController()
	srv, _ := newTestServer(t, ctl, nil)
	client := newContractClient(t, srv.Handler())

	resp, body := client.put(t, "/api/config", map[string]any{
		"add_labels":        []string{"cat"},
		"remove_labels":     []string{"person"},
		"threshold_percent": 70,
		"mirror":            "off",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT /api/config status = %d body=%s", resp.StatusCode, body)
	}
	payload := decodeJSONMap(t, body)
	allow := requireSlice(t, payload["allow_list"], "allow_list")
	if len(allow) != 1 || allow[0] != "cat" {
		t.Errorf("allow_list = %v", allow)
	}
	if got := requireNumber(t, payload["threshold_percent"], "threshold_percent"); got != 70 {
		t.Errorf("threshold_percent = %v", got)
	}
	if got := requireString(t, payload["mirror"], "mirror"); got != "off" {
		t.Errorf("mirror = %q", got)
	}
	if requireBool(t, payload["mirrored"], "mirrored") {
		t.Errorf("mirror off should not be mirrored")
	}

	resp, body = client.get(t, "/api/config")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/config status = %d", resp.StatusCode)
	}
	if got := requireString(t, decodeJSONMap(t, body)["mirror"], "mirror"); got != "off" {
		t.Errorf("GET mirror = %q", got)
	}

	bad := []any{
		map[string]any{"add_labels": []string{"unicorn"}},
		map[string]any{"threshold_percent": 101},
		map[string]any{"mirror": "sideways"},
		"{not json",
	}
	for _, payload := range bad {
		resp, body := client.put(t, "/api/config", payload)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("PUT %v status = %d", payload, resp.StatusCode)
			continue
		}
		requireString(t, decodeJSONMap(t, body)["error"], "error")
	}
}

func TestLabels(t *testing.T) {
	srv, _ := newTestServer(t, newFakeController(), nil)
	client := newContractClient(t, srv.Handler())

	resp, body := client.get(t, "/api/labels")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/labels status = %d", resp.StatusCode)
	}
	labels := requireSlice(t, decodeJSONMap(t, body)["labels"], "labels")
	if len(labels) != 3 {
		t.Fatalf("labels = %v", labels)
	}
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, newFakeController(), nil)
	client := newContractClient(t, srv.Handler())

	resp, body := client.get(t, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /health status = %d", resp.StatusCode)
	}
	payload := decodeJSONMap(t, body)
	if got := requireString(t, payload["status"], "status"); got != "ok" {
		t.Fatalf("status = %q", got)
	}
	requireBool(t, payload["link_connected"], "link_connected")
}

func TestOffer(t *testing.T) {
	srv, _ := newTestServer(t, newFakeController(), nil)
	client := newContractClient(t, srv.Handler())
	if resp, _ := client.do(t, http.MethodPost, "/api/link/offer", `{"type":"offer","sdp":"v=0"}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("offer without signaler status = %d", resp.StatusCode)
	}

	sig := &fakeSignaler{}
	srv, _ = newTestServer(t, newFakeController(), sig)
	client = newContractClient(t, srv.Handler())

	resp, body := client.do(t, http.MethodPost, "/api/link/offer", `{"type":"offer","sdp":"v=0"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("offer status = %d body=%s", resp.StatusCode, body)
	}
	if got := requireString(t, decodeJSONMap(t, body)["type"], "type"); got != "answer" {
		t.Fatalf("answer type = %q", got)
	}

	if resp, _ := client.do(t, http.MethodPost, "/api/link/offer", `{"type":"offer"}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad offer status = %d", resp.StatusCode)
	}
}

func waitForClients(t *testing.T, tb *TransmissionBroadcaster, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for tb.Clients() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d subscribers", n)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestTransmissionsStreamJSON(t *testing.T) {
	srv, _ := newTestServer(t, newFakeController(), nil)
	client := newContractClient(t, srv.Handler())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	resp := client.openStream(t, ctx, "/api/transmissions/stream", "")
	if !strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("content-type = %q", resp.Header.Get("Content-Type"))
	}
	if got := resp.Header.Get("X-Content-Format"); got != "application/json" {
		t.Fatalf("X-Content-Format = %q", got)
	}

	waitForClients(t, srv.Transmissions(), 1)
	srv.Transmissions().Transmission(sampleTransmission())

	event, err := readSSEEvent(resp.Body, 2*time.Second)
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	payload := parseSSEData(t, event)
	if got := requireString(t, payload["text"], "text"); got != "x120 y80 w40 h60 d1" {
		t.Errorf("text = %q", got)
	}
	if got := requireString(t, payload["outcome"], "outcome"); got != "sent" {
		t.Errorf("outcome = %q", got)
	}
	if got := requireNumber(t, payload["d"], "d"); got != 1 {
		t.Errorf("d = %v", got)
	}
}

func TestTransmissionsStreamProtobuf(t *testing.T) {
	srv, _ := newTestServer(t, newFakeController(), nil)
	client := newContractClient(t, srv.Handler())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	resp := client.openStream(t, ctx, "/api/transmissions/stream", "application/x-protobuf")
	if got := resp.Header.Get("X-Content-Format"); got != "application/protobuf" {
		t.Fatalf("X-Content-Format = %q", got)
	}

	waitForClients(t, srv.Transmissions(), 1)
	tx := session.Transmission{
		Result: throttle.Result{At: time.Now(), Message: protocol.Stop(), Outcome: link.Dropped, Forced: true},
		Stop:   true,
		Text:   protocol.StopToken,
	}
	srv.Transmissions().Transmission(tx)

	event, err := readSSEEvent(resp.Body, 2*time.Second)
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(sseData(t, event))
	if err != nil {
		t.Fatalf("base64: %v", err)
	}
	var st structpb.Struct
	if err := proto.Unmarshal(raw, &st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	fields := st.GetFields()
	if got := fields["text"].GetStringValue(); got != "stop" {
		t.Errorf("text = %q", got)
	}
	if !fields["stop"].GetBoolValue() || !fields["forced"].GetBoolValue() {
		t.Errorf("stop/forced not set: %v", fields)
	}
	if _, ok := fields["x"]; ok {
		t.Errorf("stop event carries coordinates: %v", fields)
	}
}

func TestStatusStream(t *testing.T) {
	srv, _ := newTestServer(t, newFakeController(), nil)
	client := newContractClient(t, srv.Handler())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	resp := client.openStream(t, ctx, "/api/status/stream", "")
	if !strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("content-type = %q", resp.Header.Get("Content-Type"))
	}
	event, err := readSSEEvent(resp.Body, 2*time.Second)
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	assertStatusPayload(t, parseSSEData(t, event))
}

func TestMJPEGStream(t *testing.T) {
	srv, m := newTestServer(t, newFakeController(), nil)
	client := newContractClient(t, srv.Handler())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	resp := client.openStream(t, ctx, "/stream", "")

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/x-mixed-replace" || params["boundary"] != "frame" {
		t.Fatalf("content-type = %q", resp.Header.Get("Content-Type"))
	}

	mr := multipart.NewReader(resp.Body, params["boundary"])
	for i := 0; i < 2; i++ {
		part, err := mr.NextPart()
		if err != nil {
			t.Fatalf("part %d: %v", i, err)
		}
		if got := part.Header.Get("Content-Type"); got != "image/jpeg" {
			t.Fatalf("part content-type = %q", got)
		}
		img, err := jpeg.Decode(part)
		if err != nil {
			t.Fatalf("decode part %d: %v", i, err)
		}
		if b := img.Bounds(); b.Dx() != 400 || b.Dy() != 300 {
			t.Fatalf("frame size = %v", b)
		}
	}
	if m.MonitorClients.Load() != 1 {
		t.Fatalf("monitor clients = %d", m.MonitorClients.Load())
	}
}
