package feedserver

import (
	"html/template"
	"net/http"

	"github.com/dj-oyu/factory-vision/feed-relay/internal/logger"
	"github.com/dj-oyu/factory-vision/feed-relay/internal/videofeed"
)

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head>
    <title>Feed Relay</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { font-family: sans-serif; background: #202020; color: #e0e0e0; margin: 20px; }
        .grid { display: grid; grid-template-columns: repeat(auto-fill, minmax(320px, 1fr)); gap: 16px; }
        .panel { background: #2c2c2c; border-radius: 6px; padding: 10px; }
        .panel img { width: 100%; background: #000; }
        .meta { font-size: 12px; color: #a0a0a0; }
        .closed { color: #e06060; }
    </style>
</head>
<body>
    <h1>Feed Relay</h1>
    <form action="/" method="get">
        <input name="camera_id" placeholder="camera id" value="{{.Requested}}">
        <button type="submit">Open</button>
    </form>
    <div class="grid">
        {{- range .Feeds}}
        <div class="panel">
            <h2>{{.CameraID}}</h2>
            <img src="/video_feed?camera_id={{.CameraID}}" alt="{{.CameraID}}">
            <div class="meta">
                frames {{.FramesReceived}} · viewers {{.Viewers}}
                {{- if not .Open}} · <span class="closed">closed{{if .Error}}: {{.Error}}{{end}}</span>{{end}}
            </div>
        </div>
        {{- else}}
        <p class="meta">No active feeds. Open a camera above.</p>
        {{- end}}
    </div>
</body>
</html>
`))

type indexData struct {
	Requested string
	Feeds     []videofeed.Status
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	data := indexData{
		Requested: r.URL.Query().Get("camera_id"),
		Feeds:     s.registry.Snapshot(),
	}
	if data.Requested != "" {
		if _, ok := s.registry.Get(data.Requested); !ok {
			// The page's own <img> request opens the feed.
			data.Feeds = append(data.Feeds, videofeed.Status{CameraID: data.Requested, Open: true})
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, data); err != nil {
		logger.Warn("HTTP", "Index render failed: %v", err)
	}
}
