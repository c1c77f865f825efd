package videofeed

import (
	"context"
	"testing"
	"time"

	"github.com/dj-oyu/factory-vision/feed-relay/internal/upstream/upstreamtest"
	"github.com/stretchr/testify/require"
)

const testPoll = 5 * time.Millisecond

func newTestFeed(t *testing.T, cameraID string) (*Feed, *upstreamtest.Subscriber) {
	t.Helper()
	src := &upstreamtest.Source{}
	f, err := New(context.Background(), cameraID, src, Options{PollInterval: testPoll})
	require.NoError(t, err)
	t.Cleanup(f.Close)
	return f, src.Last()
}

func waitSeq(t *testing.T, f *Feed, seq uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		fr := f.Latest()
		return fr != nil && fr.Seq == seq
	}, time.Second, time.Millisecond)
}
