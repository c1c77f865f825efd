package feedserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dj-oyu/factory-vision/feed-relay/internal/logger"
	"github.com/dj-oyu/factory-vision/feed-relay/internal/metrics"
	"github.com/dj-oyu/factory-vision/feed-relay/internal/videofeed"
)

const wsWriteWait = 5 * time.Second

// streamMJPEG writes the feed as multipart chunks until the client goes
// away or the feed closes.
func streamMJPEG(w http.ResponseWriter, r *http.Request, feed *videofeed.Feed, m *metrics.Metrics, viewerID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", videofeed.ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	m.ViewerStarted()
	defer m.ViewerStopped()
	logger.Debug("MJPEG", "Viewer %s joined %q", viewerID, feed.CameraID())

	var sent int
	for chunk := range feed.Stream(r.Context()) {
		if _, err := w.Write(chunk); err != nil {
			logger.Debug("MJPEG", "Viewer %s write failed: %v", viewerID, err)
			break
		}
		flusher.Flush()
		feed.Touch()
		m.ChunkSent(len(chunk))
		sent++
	}

	logger.Debug("MJPEG", "Viewer %s left %q after %d chunks (feed open: %v)",
		viewerID, feed.CameraID(), sent, feed.IsOpen())
}

// streamWebSocket sends each new frame as one binary message. Unlike the
// MJPEG path an unchanged frame is not resent.
func streamWebSocket(ctx context.Context, conn *websocket.Conn, feed *videofeed.Feed, m *metrics.Metrics, viewerID string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Hijacked connections do not cancel the request context, so the read
	// side watches for the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	m.ViewerStarted()
	defer m.ViewerStopped()
	logger.Debug("WS", "Viewer %s joined %q", viewerID, feed.CameraID())

	var lastSeq uint64
	for fr := range feed.Frames(ctx) {
		if fr.Seq == lastSeq {
			continue
		}
		lastSeq = fr.Seq
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(websocket.BinaryMessage, fr.Data); err != nil {
			logger.Debug("WS", "Viewer %s write failed: %v", viewerID, err)
			return
		}
		feed.Touch()
		m.ChunkSent(len(fr.Data))
	}

	if !feed.IsOpen() {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed closed")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
	}
	logger.Debug("WS", "Viewer %s left %q", viewerID, feed.CameraID())
}
