package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const defaultRequestTimeout = 2 * time.Second

type contractClient struct {
	baseURL string
	client  *http.Client
}

func newContractClient(t *testing.T, handler http.Handler) *contractClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &contractClient{
		baseURL: srv.URL,
		client:  &http.Client{Timeout: defaultRequestTimeout},
	}
}

func (c *contractClient) do(t *testing.T, method, path string, payload any) (*http.Response, []byte) {
	t.Helper()
	var body io.Reader
	if payload != nil {
		switch p := payload.(type) {
		case string:
			body = strings.NewReader(p)
		default:
			data, err := json.Marshal(payload)
			if err != nil {
				t.Fatalf("marshal payload: %v", err)
			}
			body = bytes.NewReader(data)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	_ = resp.Body.Close()
	return resp, data
}

func (c *contractClient) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	return c.do(t, http.MethodGet, path, nil)
}

func (c *contractClient) post(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	return c.do(t, http.MethodPost, path, nil)
}

func (c *contractClient) put(t *testing.T, path string, payload any) (*http.Response, []byte) {
	t.Helper()
	return c.do(t, http.MethodPut, path, payload)
}

// openStream issues a GET that stays open; cancel the context to end it
func (c *contractClient) openStream(t *testing.T, ctx context.Context, path, accept string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// readSSEEvent reads one event (skipping keepalive comments) from an open stream
func readSSEEvent(body io.Reader, timeout time.Duration) (string, error) {
	type result struct {
		event string
		err   error
	}
	done := make(chan result, 1)

	go func() {
		buf := make([]byte, 0, 4096)
		tmp := make([]byte, 256)
		for {
			n, readErr := body.Read(tmp)
			if n > 0 {
				buf = append(buf, tmp[:n]...)
				for {
					idx := bytes.Index(buf, []byte("\n\n"))
					if idx < 0 {
						break
					}
					event := string(buf[:idx])
					buf = buf[idx+2:]
					if strings.HasPrefix(event, ":") {
						continue
					}
					done <- result{event: event}
					return
				}
			}
			if readErr != nil {
				if readErr == io.EOF {
					readErr = fmt.Errorf("sse stream closed before event")
				}
				done <- result{err: readErr}
				return
			}
		}
	}()

	select {
	case r := <-done:
		return r.event, r.err
	case <-time.After(timeout):
		return "", fmt.Errorf("timeout waiting for sse event")
	}
}

func sseData(t *testing.T, event string) string {
	t.Helper()
	for _, line := range strings.Split(event, "\n") {
		if strings.HasPrefix(line, "data:") {
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				t.Fatalf("empty sse data line")
			}
			return payload
		}
	}
	t.Fatalf("no data line in sse event: %q", event)
	return ""
}

func parseSSEData(t *testing.T, event string) map[string]any {
	t.Helper()
	return decodeJSONMap(t, []byte(sseData(t, event)))
}

func decodeJSONMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode json: %v\nbody=%s", err, string(body))
	}
	return payload
}

func requireString(t *testing.T, value any, field string) string {
	t.Helper()
	str, ok := value.(string)
	if !ok {
		t.Fatalf("expected %s to be string, got %T", field, value)
	}
	return str
}

func requireNumber(t *testing.T, value any, field string) float64 {
	t.Helper()
	num, ok := value.(float64)
	if !ok {
		t.Fatalf("expected %s to be number, got %T", field, value)
	}
	return num
}

func requireBool(t *testing.T, value any, field string) bool {
	t.Helper()
	b, ok := value.(bool)
	if !ok {
		t.Fatalf("expected %s to be bool, got %T", field, value)
	}
	return b
}

func requireMap(t *testing.T, value any, field string) map[string]any {
	t.Helper()
	m, ok := value.(map[string]any)
	if !ok {
		t.Fatalf("expected %s to be object, got %T", field, value)
	}
	return m
}

func requireSlice(t *testing.T, value any, field string) []any {
	t.Helper()
	s, ok := value.([]any)
	if !ok {
		t.Fatalf("expected %s to be array, got %T", field, value)
	}
	return s
}

func assertStatusPayload(t *testing.T, payload map[string]any) {
	t.Helper()
	status := requireMap(t, payload["status"], "status")
	requireBool(t, status["detection_active"], "status.detection_active")
	requireBool(t, status["model_ready"], "status.model_ready")
	requireBool(t, status["link_connected"], "status.link_connected")
	requireString(t, status["link"], "status.link")
	requireString(t, status["facing"], "status.facing")
	requireString(t, status["mirror"], "status.mirror")
	requireBool(t, status["mirrored"], "status.mirrored")
	requireNumber(t, status["threshold_percent"], "status.threshold_percent")
	requireSlice(t, status["allow_list"], "status.allow_list")
	requireString(t, status["send_interval"], "status.send_interval")
	display := requireMap(t, status["display"], "status.display")
	requireNumber(t, display["width"], "status.display.width")
	requireNumber(t, display["height"], "status.display.height")

	for i, raw := range requireSlice(t, payload["boxes"], "boxes") {
		box := requireMap(t, raw, fmt.Sprintf("boxes[%d]", i))
		requireString(t, box["label"], "boxes.label")
		requireNumber(t, box["confidence"], "boxes.confidence")
		requireNumber(t, box["x"], "boxes.x")
		requireNumber(t, box["w"], "boxes.w")
		requireBool(t, box["target"], "boxes.target")
	}

	m := requireMap(t, payload["metrics"], "metrics")
	requireNumber(t, m["messages_sent"], "metrics.messages_sent")
	requireNumber(t, m["messages_dropped"], "metrics.messages_dropped")
	requireNumber(t, m["messages_failed"], "metrics.messages_failed")

	requireNumber(t, payload["timestamp"], "timestamp")
}
