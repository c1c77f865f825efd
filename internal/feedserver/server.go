// Package feedserver exposes camera feeds over HTTP.
package feedserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dj-oyu/factory-vision/feed-relay/internal/imaging"
	"github.com/dj-oyu/factory-vision/feed-relay/internal/logger"
	"github.com/dj-oyu/factory-vision/feed-relay/internal/metrics"
	"github.com/dj-oyu/factory-vision/feed-relay/internal/upstream"
	"github.com/dj-oyu/factory-vision/feed-relay/internal/videofeed"
)

const (
	placeholderWidth  = 640
	placeholderHeight = 480
)

// Server serves the video feed endpoints.
type Server struct {
	registry *videofeed.Registry
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

// NewServer returns a server backed by registry. A nil m gets a private
// metrics set.
func NewServer(registry *videofeed.Registry, m *metrics.Metrics) *Server {
	if m == nil {
		m = metrics.New()
	}
	return &Server{
		registry: registry,
		metrics:  m,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /video_feed", s.handleVideoFeed)
	mux.HandleFunc("GET /video_feed/{camera_id}", s.handleVideoFeed)
	mux.HandleFunc("GET /ws/video_feed", s.handleWebSocketFeed)
	mux.HandleFunc("GET /api/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /api/feeds", s.handleFeeds)
	mux.HandleFunc("DELETE /api/feeds/{camera_id}", s.handleCloseFeed)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())

	return mux
}

func cameraID(r *http.Request) string {
	if id := r.PathValue("camera_id"); id != "" {
		return id
	}
	return r.URL.Query().Get("camera_id")
}

// acquire resolves the request's feed, writing the error response itself
// when it cannot.
func (s *Server) acquire(w http.ResponseWriter, r *http.Request) (*videofeed.Feed, bool) {
	id := cameraID(r)
	if id == "" {
		writeJSONWithStatus(w, map[string]any{"error": "camera_id is required"}, http.StatusBadRequest)
		return nil, false
	}
	feed, err := s.registry.Acquire(r.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, videofeed.ErrEmptyCameraID):
			status = http.StatusBadRequest
		case errors.Is(err, upstream.ErrConnection):
			status = http.StatusBadGateway
		}
		logger.Warn("HTTP", "Feed %q unavailable: %v", id, err)
		writeJSONWithStatus(w, map[string]any{"error": err.Error(), "camera_id": id}, status)
		return nil, false
	}
	return feed, true
}

func (s *Server) handleVideoFeed(w http.ResponseWriter, r *http.Request) {
	feed, ok := s.acquire(w, r)
	if !ok {
		return
	}
	viewerID := uuid.NewString()
	w.Header().Set("X-Viewer-Id", viewerID)
	streamMJPEG(w, r, feed, s.metrics, viewerID)
}

func (s *Server) handleWebSocketFeed(w http.ResponseWriter, r *http.Request) {
	feed, ok := s.acquire(w, r)
	if !ok {
		return
	}
	viewerID := uuid.NewString()
	conn, err := s.upgrader.Upgrade(w, r, http.Header{"X-Viewer-Id": []string{viewerID}})
	if err != nil {
		logger.Debug("HTTP", "WebSocket upgrade failed for %q: %v", feed.CameraID(), err)
		return
	}
	defer conn.Close()
	streamWebSocket(r.Context(), conn, feed, s.metrics, viewerID)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	feed, ok := s.acquire(w, r)
	if !ok {
		return
	}
	feed.Touch()

	w.Header().Set("Cache-Control", "no-cache")
	if fr := feed.Latest(); fr != nil {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("X-Frame-Seq", strconv.FormatUint(fr.Seq, 10))
		_, _ = w.Write(fr.Data)
		return
	}

	data, err := imaging.Placeholder(placeholderWidth, placeholderHeight, "waiting for frames", feed.CameraID())
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("X-Frame-Placeholder", "true")
	_, _ = w.Write(data)
}

func (s *Server) handleFeeds(w http.ResponseWriter, r *http.Request) {
	statuses := s.registry.Snapshot()
	now := time.Now()

	if wantsProtobuf(r) {
		data, err := marshalFeedsProto(statuses, now)
		if err != nil {
			writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/x-protobuf")
		_, _ = w.Write(data)
		return
	}

	writeJSON(w, map[string]any{
		"feeds":     statuses,
		"timestamp": float64(now.Unix()),
	})
}

func (s *Server) handleCloseFeed(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("camera_id")
	if !s.registry.Close(id) {
		writeJSONWithStatus(w, map[string]any{"error": "no active feed", "camera_id": id}, http.StatusNotFound)
		return
	}
	logger.Info("HTTP", "Feed %q closed on request", id)
	writeJSON(w, map[string]any{"camera_id": id, "closed": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"status":         "ok",
		"feeds":          s.registry.Len(),
		"active_viewers": s.metrics.ActiveViewers.Load(),
		"timestamp":      float64(time.Now().Unix()),
	}
	if age := s.metrics.LastFrameAge(); age >= 0 {
		payload["last_frame_age_seconds"] = age.Seconds()
	}
	writeJSON(w, payload)
}

func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")
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
