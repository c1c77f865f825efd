package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.SetActiveFeedsFunc(func() int { return 3 })
	m.ObserveFrame(time.Now())
	m.ViewerStarted()
	m.ChunkSent(128)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, "feed_relay_frames_received_total 1")
	assert.Contains(t, text, "feed_relay_active_viewers 1")
	assert.Contains(t, text, "feed_relay_active_feeds 3")
	assert.Contains(t, text, "feed_relay_bytes_sent_total 128")
}

func TestLastFrameAge(t *testing.T) {
	m := New()
	assert.Equal(t, -time.Second, m.LastFrameAge())

	m.ObserveFrame(time.Now().Add(-2 * time.Second))
	assert.GreaterOrEqual(t, m.LastFrameAge(), 2*time.Second)

	m.ViewerStarted()
	m.ViewerStopped()
	assert.Equal(t, int64(0), m.ActiveViewers.Load())
	assert.Equal(t, uint64(1), m.TotalViewers.Load())
}
