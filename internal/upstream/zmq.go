package upstream

import (
	"context"
	"fmt"
	"time"

	"github.com/dj-oyu/factory-vision/feed-relay/internal/logger"
	"github.com/go-zeromq/zmq4"
)

// ZMQSource dials the inference publisher over ZeroMQ.
type ZMQSource struct {
	Endpoint       Endpoint
	DialRetry      time.Duration
	DialMaxRetries int
}

// Subscribe resolves the endpoint, connects a SUB socket and filters on topic.
// The socket lives until ctx is cancelled or the subscriber is closed.
func (s *ZMQSource) Subscribe(ctx context.Context, topic string) (Subscriber, error) {
	addr, err := s.Endpoint.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	var opts []zmq4.Option
	if s.DialRetry > 0 {
		opts = append(opts, zmq4.WithDialerRetry(s.DialRetry))
	}
	if s.DialMaxRetries != 0 {
		opts = append(opts, zmq4.WithDialerMaxRetries(s.DialMaxRetries))
	}

	sock := zmq4.NewSub(ctx, opts...)
	if err := sock.Dial(addr); err != nil {
		sock.Close()
		return nil, &ConnectionError{Endpoint: addr, Err: err}
	}
	if err := sock.SetOption(zmq4.OptionSubscribe, topic); err != nil {
		sock.Close()
		return nil, &ConnectionError{Endpoint: addr, Err: fmt.Errorf("subscribe %q: %w", topic, err)}
	}

	logger.Debug("Upstream", "Subscribed to %q at %s", topic, addr)
	return &zmqSubscriber{sock: sock}, nil
}

type zmqSubscriber struct {
	sock zmq4.Socket
}

func (z *zmqSubscriber) Recv() (Message, error) {
	msg, err := z.sock.Recv()
	if err != nil {
		return Message{}, err
	}
	return Message{Parts: msg.Frames}, nil
}

func (z *zmqSubscriber) Close() error {
	return z.sock.Close()
}

// Publisher is the sending side used by the development frame publisher and
// by integration tests. It binds a PUB socket.
type Publisher struct {
	sock zmq4.Socket
}

// NewPublisher listens on endpoint, e.g. "tcp://*:5558".
func NewPublisher(ctx context.Context, endpoint string) (*Publisher, error) {
	sock := zmq4.NewPub(ctx)
	if err := sock.Listen(endpoint); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", endpoint, err)
	}
	return &Publisher{sock: sock}, nil
}

// Addr returns the bound listener address.
func (p *Publisher) Addr() string {
	if a := p.sock.Addr(); a != nil {
		return "tcp://" + a.String()
	}
	return ""
}

// Publish sends a two-part [topic, payload] message.
func (p *Publisher) Publish(topic string, payload []byte) error {
	return p.sock.SendMulti(zmq4.NewMsgFrom([]byte(topic), payload))
}

// Close releases the socket.
func (p *Publisher) Close() error {
	return p.sock.Close()
}
