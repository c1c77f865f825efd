package feedserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"image/jpeg"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mattn/go-mjpeg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/factory-vision/feed-relay/internal/imaging"
	"github.com/dj-oyu/factory-vision/feed-relay/internal/upstream"
	"github.com/dj-oyu/factory-vision/feed-relay/internal/upstream/upstreamtest"
	"github.com/dj-oyu/factory-vision/feed-relay/internal/videofeed"
)

func decodeJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	return payload
}

func TestVideoFeedRequiresCameraID(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/video_feed", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Contains(t, decodeJSON(t, resp)["error"], "camera_id")
	assert.Zero(t, env.source.Count())
}

func TestVideoFeedUpstreamUnavailable(t *testing.T) {
	env := newTestEnvWithSource(t, &upstreamtest.Source{
		Err: &upstream.ConnectionError{Endpoint: "tcp://InferenceModule:5558", Err: errors.New("connection refused")},
	})

	resp := env.do(t, http.MethodGet, "/video_feed?camera_id=cam1", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	payload := decodeJSON(t, resp)
	assert.Equal(t, "cam1", payload["camera_id"])
	assert.Contains(t, payload["error"], "InferenceModule")
	assert.Equal(t, uint64(1), env.metrics.ConnectErrors.Load())
}

func TestVideoFeedStreamsExactChunks(t *testing.T) {
	env := newTestEnv(t)

	resp := env.open(t, "/video_feed?camera_id=cam1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", resp.Header.Get("Content-Type"))
	_, err := uuid.Parse(resp.Header.Get("X-Viewer-Id"))
	assert.NoError(t, err)

	sub := env.subscriber(t, "cam1")
	sub.Send(t, "cam2", []byte("OTHER"))
	sub.Send(t, "cam1", []byte("JPEGDATA1"))

	want := "--frame\r\nContent-Type: image/jpeg\r\n\r\nJPEGDATA1\r\n"
	buf := make([]byte, 2*len(want))
	_, err = io.ReadFull(resp.Body, buf)
	require.NoError(t, err)
	assert.Equal(t, want+want, string(buf))

	assert.EqualValues(t, 1, env.metrics.ActiveViewers.Load())
	assert.GreaterOrEqual(t, env.metrics.ChunksSent.Load(), uint64(2))
}

func TestVideoFeedPathForm(t *testing.T) {
	env := newTestEnv(t)

	resp := env.open(t, "/video_feed/line-3")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	sub := env.subscriber(t, "line-3")
	sub.Send(t, "line-3", []byte("A"))

	buf := make([]byte, len(videofeed.EncodeChunk([]byte("A"))))
	_, err := io.ReadFull(resp.Body, buf)
	require.NoError(t, err)
	assert.Equal(t, videofeed.EncodeChunk([]byte("A")), buf)
}

func TestVideoFeedDecodesWithMJPEGClient(t *testing.T) {
	env := newTestEnv(t)
	card, err := imaging.TestCard(160, 120, "cam1", 7)
	require.NoError(t, err)

	resp := env.open(t, "/video_feed?camera_id=cam1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	env.subscriber(t, "cam1").Send(t, "cam1", card)

	dec, err := mjpeg.NewDecoderFromResponse(resp)
	require.NoError(t, err)
	img, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, 160, img.Bounds().Dx())
	assert.Equal(t, 120, img.Bounds().Dy())
}

func TestVideoFeedEndsWhenFeedClosed(t *testing.T) {
	env := newTestEnv(t)

	resp := env.open(t, "/video_feed?camera_id=cam1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	env.subscriber(t, "cam1").Send(t, "cam1", []byte("JPEGDATA1"))

	del := env.do(t, http.MethodDelete, "/api/feeds/cam1", nil)
	assert.Equal(t, http.StatusOK, del.StatusCode)
	assert.Equal(t, true, decodeJSON(t, del)["closed"])

	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, resp.Body)
		done <- err
	}()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("stream did not end after feed was closed")
	}

	require.Eventually(t, func() bool { return env.metrics.ActiveViewers.Load() == 0 }, time.Second, time.Millisecond)
}

func TestCloseUnknownFeed(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodDelete, "/api/feeds/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "nope", decodeJSON(t, resp)["camera_id"])
}

func TestWebSocketFeed(t *testing.T) {
	env := newTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(env.baseURL, "http") + "/ws/video_feed?camera_id=cam1"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	_, err = uuid.Parse(resp.Header.Get("X-Viewer-Id"))
	assert.NoError(t, err)

	sub := env.subscriber(t, "cam1")
	sub.Send(t, "cam1", []byte("JPEGDATA1"))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	assert.Equal(t, "JPEGDATA1", string(data))

	sub.Send(t, "cam1", []byte("JPEGDATA2"))
	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "JPEGDATA2", string(data))

	require.True(t, env.registry.Close("cam1"))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestWebSocketFeedRequiresCameraID(t *testing.T) {
	env := newTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(env.baseURL, "http") + "/ws/video_feed"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSnapshotPlaceholderThenFrame(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/snapshot?camera_id=cam1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
	assert.Equal(t, "true", resp.Header.Get("X-Frame-Placeholder"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	img, err := jpeg.Decode(bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, placeholderWidth, img.Bounds().Dx())

	env.subscriber(t, "cam1").Send(t, "cam1", []byte("JPEGDATA1"))
	require.Eventually(t, func() bool {
		f, ok := env.registry.Get("cam1")
		return ok && f.Latest() != nil
	}, time.Second, time.Millisecond)

	resp = env.do(t, http.MethodGet, "/api/snapshot?camera_id=cam1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("X-Frame-Placeholder"))
	assert.Equal(t, "1", resp.Header.Get("X-Frame-Seq"))
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "JPEGDATA1", string(body))
	assert.Equal(t, 1, env.source.Count())
}

func TestFeedsStatus(t *testing.T) {
	env := newTestEnv(t)

	_ = env.do(t, http.MethodGet, "/api/snapshot?camera_id=cam2", nil)
	_ = env.do(t, http.MethodGet, "/api/snapshot?camera_id=cam1", nil)
	env.subscriber(t, "cam1").Send(t, "cam1", []byte("12345"))
	require.Eventually(t, func() bool {
		f, ok := env.registry.Get("cam1")
		return ok && f.Latest() != nil
	}, time.Second, time.Millisecond)

	t.Run("json", func(t *testing.T) {
		resp := env.do(t, http.MethodGet, "/api/feeds", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var payload struct {
			Feeds     []videofeed.Status `json:"feeds"`
			Timestamp float64            `json:"timestamp"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
		require.Len(t, payload.Feeds, 2)
		assert.Equal(t, "cam1", payload.Feeds[0].CameraID)
		assert.True(t, payload.Feeds[0].HasFrame)
		assert.Equal(t, 5, payload.Feeds[0].FrameBytes)
		assert.Equal(t, "cam2", payload.Feeds[1].CameraID)
		assert.False(t, payload.Feeds[1].HasFrame)
		assert.Positive(t, payload.Timestamp)
	})

	t.Run("protobuf", func(t *testing.T) {
		resp := env.do(t, http.MethodGet, "/api/feeds", http.Header{"Accept": []string{"application/x-protobuf"}})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/x-protobuf", resp.Header.Get("Content-Type"))

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		var msg structpb.Struct
		require.NoError(t, proto.Unmarshal(body, &msg))

		feeds := msg.GetFields()["feeds"].GetListValue().GetValues()
		require.Len(t, feeds, 2)
		first := feeds[0].GetStructValue().GetFields()
		assert.Equal(t, "cam1", first["camera_id"].GetStringValue())
		assert.True(t, first["has_frame"].GetBoolValue())
		assert.Equal(t, float64(1), first["frame_seq"].GetNumberValue())
		assert.NotEmpty(t, first["last_frame_at"].GetStringValue())
		_, hasFrameTime := feeds[1].GetStructValue().GetFields()["last_frame_at"]
		assert.False(t, hasFrameTime)
	})
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	payload := decodeJSON(t, resp)
	assert.Equal(t, "ok", payload["status"])
	assert.Equal(t, float64(0), payload["feeds"])
	assert.NotContains(t, payload, "last_frame_age_seconds")

	_ = env.do(t, http.MethodGet, "/api/snapshot?camera_id=cam1", nil)

	resp = env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "feed_relay_active_feeds 1")
	assert.Contains(t, string(body), "feed_relay_feeds_created_total 1")
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/video_feed?camera_id=cam1", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Zero(t, env.source.Count())
}

func TestIndexListsFeeds(t *testing.T) {
	env := newTestEnv(t)
	_ = env.do(t, http.MethodGet, "/api/snapshot?camera_id=cam1", nil)

	resp := env.do(t, http.MethodGet, "/?camera_id=dock%3Cb%3E", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	html := string(body)
	assert.Contains(t, html, `src="/video_feed?camera_id=cam1"`)
	assert.Contains(t, html, "dock&lt;b&gt;")
	assert.NotContains(t, html, "dock<b>")

	// Ids with URL delimiters still point the <img> at the right feed.
	resp = env.do(t, http.MethodGet, "/?camera_id=line%3F2%23a", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, strings.ToLower(string(body)), `src="/video_feed?camera_id=line%3f2%23a"`)

	resp = env.do(t, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
