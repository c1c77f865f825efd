// Package upstreamtest provides an in-memory upstream.Source for tests.
package upstreamtest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dj-oyu/factory-vision/feed-relay/internal/upstream"
)

// Source hands out Subscribers that the test feeds by hand. If Err is set,
// Subscribe fails with it.
type Source struct {
	Err error

	mu   sync.Mutex
	subs []*Subscriber
}

func (s *Source) Subscribe(ctx context.Context, topic string) (upstream.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	sub := &Subscriber{
		ctx:   ctx,
		topic: topic,
		msgs:  make(chan upstream.Message),
		errs:  make(chan error, 1),
	}
	s.subs = append(s.subs, sub)
	return sub, nil
}

// Count returns how many subscriptions were opened.
func (s *Source) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Last returns the most recent subscription.
func (s *Source) Last() *Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subs) == 0 {
		return nil
	}
	return s.subs[len(s.subs)-1]
}

// Subscribers returns every subscription opened so far.
func (s *Source) Subscribers() []*Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Subscriber(nil), s.subs...)
}

// Subscriber delivers whatever the test sends. It does not filter by topic,
// so consumers see foreign topics the way a prefix match would let through.
type Subscriber struct {
	ctx    context.Context
	topic  string
	msgs   chan upstream.Message
	errs   chan error
	closed atomic.Bool
}

func (s *Subscriber) Recv() (upstream.Message, error) {
	select {
	case m := <-s.msgs:
		return m, nil
	case err := <-s.errs:
		return upstream.Message{}, err
	case <-s.ctx.Done():
		return upstream.Message{}, s.ctx.Err()
	}
}

func (s *Subscriber) Close() error {
	s.closed.Store(true)
	return nil
}

// Topic is the filter the subscription was opened with.
func (s *Subscriber) Topic() string { return s.topic }

// Closed reports whether the consumer released the subscription.
func (s *Subscriber) Closed() bool { return s.closed.Load() }

// Send delivers a [topic, payload] message and blocks until the receiver
// has taken it.
func (s *Subscriber) Send(t testing.TB, topic string, payload []byte) {
	t.Helper()
	s.SendMessage(t, upstream.Message{Parts: [][]byte{[]byte(topic), payload}})
}

// SendMessage delivers msg as-is.
func (s *Subscriber) SendMessage(t testing.TB, msg upstream.Message) {
	t.Helper()
	select {
	case s.msgs <- msg:
	case <-time.After(time.Second):
		t.Fatalf("receiver did not take message on %q", s.topic)
	}
}

// Fail makes the pending or next Recv return err.
func (s *Subscriber) Fail(err error) {
	s.errs <- err
}
