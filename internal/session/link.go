package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/dreamware/rendersync/internal/bridge"
	"github.com/dreamware/rendersync/internal/codec"
)

// Link carries control messages between the driver and one server group root.
type Link interface {
	Send(ctx context.Context, m Message) error
	Receive(ctx context.Context) (Message, error)
	Close() error
}

type channelLink struct {
	ch bridge.Channel
}

// ChannelLink sends messages over ch as single-piece buffers. The engine's
// dataset buffers may share ch; both sides consume them in protocol order.
func ChannelLink(ch bridge.Channel) Link {
	return channelLink{ch: ch}
}

func (l channelLink) Send(ctx context.Context, m Message) error {
	return l.ch.Send(ctx, codec.Single(m.Encode()))
}

func (l channelLink) Receive(ctx context.Context) (Message, error) {
	buf, err := l.ch.Receive(ctx)
	if err != nil {
		return Message{}, err
	}
	if buf.Pieces() != 1 {
		return Message{}, fmt.Errorf("%w: %d pieces", ErrBadMessage, buf.Pieces())
	}
	return DecodeMessage(buf.Piece(0))
}

func (l channelLink) Close() error {
	return l.ch.Close()
}

type localLink struct {
	in, out chan []byte
	done    chan struct{}
	once    *sync.Once
}

// LocalLinks returns the two ends of an in-process link. Messages still go
// through Encode and DecodeMessage.
func LocalLinks() (Link, Link) {
	a, b := make(chan []byte, 1), make(chan []byte, 1)
	done := make(chan struct{})
	once := new(sync.Once)
	return localLink{in: a, out: b, done: done, once: once},
		localLink{in: b, out: a, done: done, once: once}
}

func (l localLink) Send(ctx context.Context, m Message) error {
	select {
	case l.out <- m.Encode():
		return nil
	case <-l.done:
		return bridge.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l localLink) Receive(ctx context.Context) (Message, error) {
	// drain what was sent before Close
	select {
	case raw := <-l.in:
		return DecodeMessage(raw)
	default:
	}
	select {
	case raw := <-l.in:
		return DecodeMessage(raw)
	case <-l.done:
		return Message{}, bridge.ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (l localLink) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}
