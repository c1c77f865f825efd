// Package livecheck holds black-box checks against a running relay. They
// skip unless the relay answers at FEED_RELAY_BASE_URL.
package livecheck

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

const (
	defaultBaseURL        = "http://localhost:8000"
	defaultCamera         = "cam1"
	defaultRequestTimeout = 2 * time.Second
)

type liveClient struct {
	baseURL string
	camera  string
	client  *http.Client
}

func newLiveClient(t *testing.T) *liveClient {
	t.Helper()
	baseURL := os.Getenv("FEED_RELAY_BASE_URL")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	camera := os.Getenv("FEED_RELAY_CAMERA")
	if camera == "" {
		camera = defaultCamera
	}
	client := &http.Client{Timeout: defaultRequestTimeout}

	if !isReachable(client, baseURL+"/health") {
		t.Skipf("relay not reachable at %s (set FEED_RELAY_BASE_URL to run)", baseURL)
	}

	return &liveClient{
		baseURL: baseURL,
		camera:  camera,
		client:  client,
	}
}

func isReachable(client *http.Client, url string) bool {
	resp, err := client.Get(url)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *liveClient) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := c.client.Get(c.baseURL + path)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	_ = resp.Body.Close()
	return resp, body
}

// readFirstChunk reads from a multipart stream until one complete chunk
// (boundary, headers, payload and the next boundary) has arrived.
func readFirstChunk(url string, timeout time.Duration) ([]byte, http.Header, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, resp.Header, fmt.Errorf("status %d", resp.StatusCode)
	}

	boundary := []byte("--frame\r\n")
	buf := make([]byte, 0, 64*1024)
	tmp := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			if bytes.HasPrefix(buf, boundary) {
				if idx := bytes.Index(buf[len(boundary):], boundary); idx >= 0 {
					return buf[:len(boundary)+idx], resp.Header, nil
				}
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return nil, nil, fmt.Errorf("stream closed before a full chunk")
			}
			return nil, nil, fmt.Errorf("read stream: %w", readErr)
		}
	}
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

func assertFeedStatus(t *testing.T, payload map[string]any, field string) {
	t.Helper()
	requireString(t, payload["camera_id"], field+".camera_id")
	requireBool(t, payload["open"], field+".open")
	requireBool(t, payload["has_frame"], field+".has_frame")
	requireNumber(t, payload["frame_seq"], field+".frame_seq")
	requireNumber(t, payload["frame_bytes"], field+".frame_bytes")
	requireString(t, payload["created_at"], field+".created_at")
	requireString(t, payload["last_active_at"], field+".last_active_at")
	requireNumber(t, payload["frames_received"], field+".frames_received")
	requireNumber(t, payload["frames_filtered"], field+".frames_filtered")
	requireNumber(t, payload["malformed_messages"], field+".malformed_messages")
	requireNumber(t, payload["viewers"], field+".viewers")
}
