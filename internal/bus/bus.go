package bus

import (
	"context"
	"fmt"

	"github.com/go-zeromq/zmq4"
)

// Publisher is the collector-side (or rectifier-side) end of the publish
// channel: every Bcast or Rept it is given goes out to every subscriber
// whose topic prefix matches.
type Publisher struct {
	sock zmq4.Socket
}

// NewPublisher binds a PUB socket at addr (e.g. "tcp://127.0.0.1:8884").
func NewPublisher(ctx context.Context, addr string) (*Publisher, error) {
	sock := zmq4.NewPub(ctx)
	if err := sock.Listen(addr); err != nil {
		return nil, fmt.Errorf("bus: publisher listen %s: %w", addr, err)
	}
	return &Publisher{sock: sock}, nil
}

// Publish sends a multipart message: the topic frame, then the payload.
// zmq4's SUB-side prefix filtering operates on the first frame.
func (p *Publisher) Publish(topic, payload []byte) error {
	return p.sock.Send(zmq4.NewMsgFrom(topic, payload))
}

func (p *Publisher) Close() error { return p.sock.Close() }

// Subscriber is the consuming end of the publish channel: rectifier,
// storage, termconfig and the ws gateway all dial in as subscribers,
// each with its own topic prefix filter(s).
type Subscriber struct {
	sock zmq4.Socket
}

// NewSubscriber dials addr and applies each of topics as a subscribe
// filter. An empty topics list subscribes to everything.
func NewSubscriber(ctx context.Context, addr string, topics ...[]byte) (*Subscriber, error) {
	sock := zmq4.NewSub(ctx)
	if err := sock.Dial(addr); err != nil {
		return nil, fmt.Errorf("bus: subscriber dial %s: %w", addr, err)
	}
	s := &Subscriber{sock: sock}
	if len(topics) == 0 {
		if err := s.Subscribe(nil); err != nil {
			return nil, err
		}
	}
	for _, t := range topics {
		if err := s.Subscribe(t); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Subscribe adds topic as an additional prefix filter.
func (s *Subscriber) Subscribe(topic []byte) error {
	return s.sock.SetOption(zmq4.OptionSubscribe, string(topic))
}

// Unsubscribe removes a previously added prefix filter.
func (s *Subscriber) Unsubscribe(topic []byte) error {
	return s.sock.SetOption(zmq4.OptionUnsubscribe, string(topic))
}

// Recv blocks for the next (topic, payload) pair.
func (s *Subscriber) Recv() (topic, payload []byte, err error) {
	msg, err := s.sock.Recv()
	if err != nil {
		return nil, nil, err
	}
	if len(msg.Frames) < 2 {
		return nil, nil, fmt.Errorf("bus: malformed publish frame (%d parts)", len(msg.Frames))
	}
	return msg.Frames[0], msg.Frames[1], nil
}

func (s *Subscriber) Close() error { return s.sock.Close() }

// Pusher is the sending end of the pull channel: anything that wants
// the collector to deliver a Resp to a device pushes it here.
type Pusher struct {
	sock zmq4.Socket
}

// NewPusher dials addr (the collector's bound pull address).
func NewPusher(ctx context.Context, addr string) (*Pusher, error) {
	sock := zmq4.NewPush(ctx)
	if err := sock.Dial(addr); err != nil {
		return nil, fmt.Errorf("bus: pusher dial %s: %w", addr, err)
	}
	return &Pusher{sock: sock}, nil
}

func (p *Pusher) Push(payload []byte) error {
	return p.sock.Send(zmq4.NewMsg(payload))
}

func (p *Pusher) Close() error { return p.sock.Close() }

// Puller is the collector's receiving end of the pull channel: one
// PULL socket drains Resp messages pushed by any number of Pushers.
type Puller struct {
	sock zmq4.Socket
}

// NewPuller binds addr.
func NewPuller(ctx context.Context, addr string) (*Puller, error) {
	sock := zmq4.NewPull(ctx)
	if err := sock.Listen(addr); err != nil {
		return nil, fmt.Errorf("bus: puller listen %s: %w", addr, err)
	}
	return &Puller{sock: sock}, nil
}

func (p *Puller) Recv() ([]byte, error) {
	msg, err := p.sock.Recv()
	if err != nil {
		return nil, err
	}
	return msg.Bytes(), nil
}

func (p *Puller) Close() error { return p.sock.Close() }
