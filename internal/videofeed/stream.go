package videofeed

import (
	"context"
	"iter"
	"time"
)

// Frames returns a sequence that yields the feed's current frame once per
// poll interval. Ticks with no frame yet yield nothing. The same frame is
// yielded again if nothing newer arrived, and frames overwritten between two
// ticks are never seen.
//
// The sequence ends when the feed closes, ctx is done or the consumer stops.
// Every range over it is an independent viewer.
func (f *Feed) Frames(ctx context.Context) iter.Seq[*Frame] {
	return func(yield func(*Frame) bool) {
		f.viewers.Add(1)
		defer f.viewers.Add(-1)

		timer := time.NewTimer(f.pollInterval)
		defer timer.Stop()

		for f.IsOpen() {
			if fr := f.latest.Load(); fr != nil {
				if !yield(fr) {
					return
				}
			}

			timer.Reset(f.pollInterval)
			select {
			case <-ctx.Done():
				return
			case <-f.closed:
				return
			case <-timer.C:
			}
		}
	}
}

// Stream is Frames encoded as multipart chunks (see EncodeChunk), ready to be
// written to a response served with ContentType.
func (f *Feed) Stream(ctx context.Context) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for fr := range f.Frames(ctx) {
			if !yield(EncodeChunk(fr.Data)) {
				return
			}
		}
	}
}
