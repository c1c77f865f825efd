package videofeed

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/factory-vision/feed-relay/internal/logger"
	"github.com/dj-oyu/factory-vision/feed-relay/internal/upstream"
)

// Registry keeps one Feed per camera for the HTTP layer. It creates feeds on
// first use, replaces feeds that closed, and reaps feeds nobody has touched
// for IdleTimeout.
type Registry struct {
	source upstream.Source
	opts   Options

	idleTimeout atomic.Int64 // time.Duration; 0 disables reaping

	mu    sync.Mutex
	feeds map[string]*Feed
}

// NewRegistry returns an empty registry that opens feeds on source.
func NewRegistry(source upstream.Source, opts Options, idleTimeout time.Duration) *Registry {
	r := &Registry{
		source: source,
		opts:   opts,
		feeds:  make(map[string]*Feed),
	}
	r.idleTimeout.Store(int64(idleTimeout))
	return r
}

// SetIdleTimeout changes the reaper threshold.
func (r *Registry) SetIdleTimeout(d time.Duration) {
	r.idleTimeout.Store(int64(d))
}

// Acquire returns the open feed for cameraID, creating it if needed.
// A feed that closed (explicitly, by the reaper, or after a receive
// failure) is replaced by a fresh subscription.
//
// The returned feed is touched under the registry lock, so it survives any
// Reap for at least IdleTimeout. Callers must start viewing it within that
// window.
func (r *Registry) Acquire(ctx context.Context, cameraID string) (*Feed, error) {
	if f, ok := r.touchOpen(cameraID); ok {
		return f, nil
	}

	// Connect outside the lock so a slow publisher does not block other cameras.
	f, err := New(ctx, cameraID, r.source, r.opts)
	if err != nil {
		return nil, err
	}
	// Counted before the race check so a losing feed's Close balances it.
	if r.opts.Metrics != nil {
		r.opts.Metrics.FeedsCreated.Add(1)
	}

	r.mu.Lock()
	if existing, ok := r.feeds[cameraID]; ok && existing.IsOpen() {
		existing.Touch()
		r.mu.Unlock()
		f.Close()
		return existing, nil
	}
	r.feeds[cameraID] = f
	r.mu.Unlock()
	return f, nil
}

func (r *Registry) touchOpen(cameraID string) (*Feed, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.feeds[cameraID]
	if !ok || !f.IsOpen() {
		return nil, false
	}
	f.Touch()
	return f, true
}

// Get returns the open feed for cameraID without creating one.
func (r *Registry) Get(cameraID string) (*Feed, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.feeds[cameraID]
	if !ok || !f.IsOpen() {
		return nil, false
	}
	return f, true
}

// Close stops and forgets the feed for cameraID. It reports whether an open
// feed existed.
func (r *Registry) Close(cameraID string) bool {
	r.mu.Lock()
	f, ok := r.feeds[cameraID]
	delete(r.feeds, cameraID)
	r.mu.Unlock()

	if !ok {
		return false
	}
	wasOpen := f.IsOpen()
	f.Close()
	return wasOpen
}

// Reap closes feeds that have no viewers and were last active before
// now-IdleTimeout, and forgets feeds that already closed. It returns the
// camera ids it closed.
func (r *Registry) Reap(now time.Time) []string {
	idle := time.Duration(r.idleTimeout.Load())

	r.mu.Lock()
	var reaped []*Feed
	for id, f := range r.feeds {
		if !f.IsOpen() {
			delete(r.feeds, id)
			continue
		}
		if idle <= 0 || f.Viewers() > 0 {
			continue
		}
		if now.Sub(f.LastActiveAt()) > idle {
			delete(r.feeds, id)
			reaped = append(reaped, f)
		}
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(reaped))
	for _, f := range reaped {
		f.Close()
		ids = append(ids, f.CameraID())
		if r.opts.Metrics != nil {
			r.opts.Metrics.FeedsReaped.Add(1)
		}
		logger.Info("Registry", "Reaped idle feed %q (idle for %s)", f.CameraID(), now.Sub(f.LastActiveAt()).Round(time.Second))
	}
	slices.Sort(ids)
	return ids
}

// Run calls Reap every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Reap(now)
		}
	}
}

// Len returns the number of open feeds.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, f := range r.feeds {
		if f.IsOpen() {
			n++
		}
	}
	return n
}

// Snapshot returns the status of every tracked feed ordered by camera id.
func (r *Registry) Snapshot() []Status {
	r.mu.Lock()
	feeds := make([]*Feed, 0, len(r.feeds))
	for _, f := range r.feeds {
		feeds = append(feeds, f)
	}
	r.mu.Unlock()

	out := make([]Status, 0, len(feeds))
	for _, f := range feeds {
		out = append(out, f.Status())
	}
	slices.SortFunc(out, func(a, b Status) int { return strings.Compare(a.CameraID, b.CameraID) })
	return out
}

// CloseAll stops every feed and waits for their receive loops to exit or
// ctx to end.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	feeds := r.feeds
	r.feeds = make(map[string]*Feed)
	r.mu.Unlock()

	for _, f := range feeds {
		f.Close()
	}
	for _, f := range feeds {
		if err := f.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
