package feedserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/factory-vision/feed-relay/internal/metrics"
	"github.com/dj-oyu/factory-vision/feed-relay/internal/upstream/upstreamtest"
	"github.com/dj-oyu/factory-vision/feed-relay/internal/videofeed"
)

const testPoll = 5 * time.Millisecond

type testEnv struct {
	baseURL  string
	source   *upstreamtest.Source
	registry *videofeed.Registry
	metrics  *metrics.Metrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithSource(t, &upstreamtest.Source{})
}

func newTestEnvWithSource(t *testing.T, src *upstreamtest.Source) *testEnv {
	t.Helper()
	m := metrics.New()
	registry := videofeed.NewRegistry(src, videofeed.Options{PollInterval: testPoll, Metrics: m}, time.Minute)
	m.SetActiveFeedsFunc(registry.Len)

	ts := httptest.NewServer(NewServer(registry, m).Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = registry.CloseAll(ctx)
		ts.Close()
	})

	return &testEnv{
		baseURL:  ts.URL,
		source:   src,
		registry: registry,
		metrics:  m,
	}
}

// open starts a request that the test reads incrementally. The request is
// cancelled at cleanup.
func (e *testEnv) open(t *testing.T, path string) *http.Response {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		_ = resp.Body.Close()
	})
	return resp
}

func (e *testEnv) do(t *testing.T, method, path string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.baseURL+path, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// subscriber returns the upstream subscription of the open feed for id.
func (e *testEnv) subscriber(t *testing.T, id string) *upstreamtest.Subscriber {
	t.Helper()
	for _, sub := range e.source.Subscribers() {
		if sub.Topic() == id && !sub.Closed() {
			return sub
		}
	}
	t.Fatalf("no open subscription for %q", id)
	return nil
}
