// Package videofeed relays the latest frame of one camera from the inference
// publisher to any number of HTTP viewers.
//
// A Feed owns a single receive goroutine that overwrites the latest-frame
// slot on every matching message. Viewers never talk to the publisher; each
// one samples the slot on its own timer through Frames or Stream, so a slow
// viewer simply skips frames.
package videofeed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/factory-vision/feed-relay/internal/logger"
	"github.com/dj-oyu/factory-vision/feed-relay/internal/metrics"
	"github.com/dj-oyu/factory-vision/feed-relay/internal/upstream"
)

// DefaultPollInterval caps each viewer at 25 polls per second.
const DefaultPollInterval = 40 * time.Millisecond

// ErrEmptyCameraID is returned when a feed is requested without a camera.
var ErrEmptyCameraID = errors.New("camera id is empty")

// Options tune a Feed.
type Options struct {
	PollInterval time.Duration
	Metrics      *metrics.Metrics // optional
}

// Feed is the live relay for one camera.
type Feed struct {
	cameraID     string
	pollInterval time.Duration
	metrics      *metrics.Metrics

	latest atomic.Pointer[Frame]
	seq    uint64 // receive goroutine only

	open      atomic.Bool
	closeOnce sync.Once
	cancel    context.CancelFunc
	closed    chan struct{} // closed by Close
	exited    chan struct{} // closed once the subscription is released

	createdAt  time.Time
	lastActive atomic.Int64 // unix nanos

	framesReceived atomic.Uint64
	framesFiltered atomic.Uint64
	malformed      atomic.Uint64
	viewers        atomic.Int64

	errMu sync.Mutex
	err   error
}

// New subscribes to cameraID on source and starts the receive loop. It
// returns as soon as the subscription is established, without waiting for a
// frame. Subscription failures are reported as *upstream.ConnectionError.
//
// The feed outlives ctx: only Close stops it.
func New(ctx context.Context, cameraID string, source upstream.Source, opts Options) (*Feed, error) {
	if cameraID == "" {
		return nil, ErrEmptyCameraID
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub, err := source.Subscribe(loopCtx, cameraID)
	if err != nil {
		cancel()
		if opts.Metrics != nil {
			opts.Metrics.ConnectErrors.Add(1)
		}
		if !errors.Is(err, upstream.ErrConnection) {
			err = &upstream.ConnectionError{Err: err}
		}
		return nil, fmt.Errorf("feed %q: %w", cameraID, err)
	}

	now := time.Now()
	f := &Feed{
		cameraID:     cameraID,
		pollInterval: opts.PollInterval,
		metrics:      opts.Metrics,
		cancel:       cancel,
		closed:       make(chan struct{}),
		exited:       make(chan struct{}),
		createdAt:    now,
	}
	f.open.Store(true)
	f.lastActive.Store(now.UnixNano())

	go f.receive(sub)

	logger.Info("VideoFeed", "Feed %q opened", cameraID)
	return f, nil
}

func (f *Feed) receive(sub upstream.Subscriber) {
	defer close(f.exited)
	defer sub.Close()

	for f.open.Load() {
		msg, err := sub.Recv()
		if !f.open.Load() {
			return
		}
		if err != nil {
			f.fail(err)
			return
		}
		f.store(msg)
	}
}

func (f *Feed) store(msg upstream.Message) {
	payload, ok := msg.Payload()
	if !ok {
		f.malformed.Add(1)
		if f.metrics != nil {
			f.metrics.MalformedMessages.Add(1)
		}
		logger.Debug("VideoFeed", "Feed %q: dropping message with %d part(s)", f.cameraID, len(msg.Parts))
		return
	}
	// The SUBSCRIBE filter is a prefix match, so "cam1" also receives "cam10".
	if msg.Topic() != f.cameraID {
		f.framesFiltered.Add(1)
		if f.metrics != nil {
			f.metrics.FramesFiltered.Add(1)
		}
		return
	}

	f.seq++
	now := time.Now()
	f.latest.Store(&Frame{Data: payload, Seq: f.seq, ReceivedAt: now})
	f.framesReceived.Add(1)
	if f.metrics != nil {
		f.metrics.ObserveFrame(now)
	}
}

func (f *Feed) fail(err error) {
	f.errMu.Lock()
	f.err = err
	f.errMu.Unlock()

	if f.metrics != nil {
		f.metrics.ReceiveErrors.Add(1)
	}
	logger.Error("VideoFeed", "Feed %q: receive failed, closing: %v", f.cameraID, err)
	f.Close()
}

// Close stops the feed. Active streams end at their next check and the
// receive loop releases its subscription shortly after. Safe to call more
// than once.
func (f *Feed) Close() {
	f.closeOnce.Do(func() {
		f.open.Store(false)
		f.cancel()
		close(f.closed)
		if f.metrics != nil {
			f.metrics.FeedsClosed.Add(1)
		}
		logger.Info("VideoFeed", "Feed %q closed", f.cameraID)
	})
}

// Wait blocks until the receive loop has exited and released the
// subscription, or ctx is done.
func (f *Feed) Wait(ctx context.Context) error {
	select {
	case <-f.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the feed closes.
func (f *Feed) Done() <-chan struct{} { return f.closed }

// IsOpen reports whether Close has not been called yet.
func (f *Feed) IsOpen() bool { return f.open.Load() }

// Err returns the receive error that closed the feed, if any.
func (f *Feed) Err() error {
	f.errMu.Lock()
	defer f.errMu.Unlock()
	return f.err
}

// CameraID returns the camera this feed relays.
func (f *Feed) CameraID() string { return f.cameraID }

// Latest returns the most recent frame, or nil before the first one.
func (f *Feed) Latest() *Frame { return f.latest.Load() }

// Touch marks the feed as in use for the idle reaper.
func (f *Feed) Touch() { f.lastActive.Store(time.Now().UnixNano()) }

// CreatedAt returns when the feed was opened.
func (f *Feed) CreatedAt() time.Time { return f.createdAt }

// LastActiveAt returns the last Touch (or creation) time.
func (f *Feed) LastActiveAt() time.Time { return time.Unix(0, f.lastActive.Load()) }

// Viewers returns the number of sequences currently ranging over the feed.
func (f *Feed) Viewers() int64 { return f.viewers.Load() }

// Status is a point-in-time view of a feed.
type Status struct {
	CameraID          string    `json:"camera_id"`
	Open              bool      `json:"open"`
	HasFrame          bool      `json:"has_frame"`
	FrameSeq          uint64    `json:"frame_seq"`
	FrameBytes        int       `json:"frame_bytes"`
	LastFrameAt       time.Time `json:"last_frame_at,omitzero"`
	CreatedAt         time.Time `json:"created_at"`
	LastActiveAt      time.Time `json:"last_active_at"`
	FramesReceived    uint64    `json:"frames_received"`
	FramesFiltered    uint64    `json:"frames_filtered"`
	MalformedMessages uint64    `json:"malformed_messages"`
	Viewers           int64     `json:"viewers"`
	Error             string    `json:"error,omitempty"`
}

// Status returns a snapshot of the feed's state and counters.
func (f *Feed) Status() Status {
	s := Status{
		CameraID:          f.cameraID,
		Open:              f.IsOpen(),
		CreatedAt:         f.createdAt,
		LastActiveAt:      f.LastActiveAt(),
		FramesReceived:    f.framesReceived.Load(),
		FramesFiltered:    f.framesFiltered.Load(),
		MalformedMessages: f.malformed.Load(),
		Viewers:           f.Viewers(),
	}
	if fr := f.Latest(); fr != nil {
		s.HasFrame = true
		s.FrameSeq = fr.Seq
		s.FrameBytes = len(fr.Data)
		s.LastFrameAt = fr.ReceivedAt
	}
	if err := f.Err(); err != nil {
		s.Error = err.Error()
	}
	return s
}
