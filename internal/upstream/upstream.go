// Package upstream connects to the inference module's frame publisher.
//
// The publisher is a ZeroMQ PUB socket that tags every message with the
// camera id as its first part. Subscribers set that id as the SUBSCRIBE
// prefix so the publisher only forwards the camera they asked for.
package upstream

import (
	"context"
	"errors"
	"fmt"
)

// ErrConnection is matched by every ConnectionError.
var ErrConnection = errors.New("upstream connection failed")

// ConnectionError reports that the publisher endpoint could not be resolved
// or dialed.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Endpoint == "" {
		return fmt.Sprintf("%v: %v", ErrConnection, e.Err)
	}
	return fmt.Sprintf("%v: %s: %v", ErrConnection, e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrConnection) match any ConnectionError.
func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// Message is one multi-part message received from the publisher.
type Message struct {
	Parts [][]byte
}

// Topic returns the first part, which carries the camera id.
func (m Message) Topic() string {
	if len(m.Parts) == 0 {
		return ""
	}
	return string(m.Parts[0])
}

// Payload returns the last part, which carries the encoded image.
// Messages with fewer than two parts have no payload.
func (m Message) Payload() ([]byte, bool) {
	if len(m.Parts) < 2 {
		return nil, false
	}
	return m.Parts[len(m.Parts)-1], true
}

// Subscriber is a connected, topic-filtered receive side.
type Subscriber interface {
	// Recv blocks until the next message or until the subscription's
	// context is cancelled.
	Recv() (Message, error)
	Close() error
}

// Source opens subscriptions for a topic.
type Source interface {
	Subscribe(ctx context.Context, topic string) (Subscriber, error)
}
