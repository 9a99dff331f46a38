package bridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dreamware/rendersync/internal/codec"
)

var (
	ErrNoChannel = errors.New("no channel for rank")
	ErrClosed    = errors.New("channel closed")
	ErrHandshake = errors.New("bridge handshake failed")
)

// DefaultTimeout bounds one send or receive when the caller's context has no deadline.
const DefaultTimeout = 30 * time.Second

// Channel carries framed buffers between two processes. Send and Receive may be
// used from different goroutines; each direction is serialised.
type Channel interface {
	Send(ctx context.Context, b codec.Buffer) error
	Receive(ctx context.Context) (codec.Buffer, error)
	Close() error
}

type idleKey struct{}

// Idle marks ctx for a receive that waits for the peer's next message however
// long it takes. Only ctx's own deadline or cancellation ends it.
func Idle(ctx context.Context) context.Context {
	return context.WithValue(ctx, idleKey{}, true)
}

func isIdle(ctx context.Context) bool {
	idle, _ := ctx.Value(idleKey{}).(bool)
	return idle
}

// deadline is the I/O deadline of one transfer under opts.
func deadline(ctx context.Context, opts Options) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	if opts.Timeout > 0 && !isIdle(ctx) {
		return time.Now().Add(opts.Timeout)
	}
	return time.Time{}
}

// Options tune a channel.
type Options struct {
	// Timeout applies when ctx has no deadline and is not Idle. Zero waits
	// until ctx is done.
	Timeout time.Duration
	// Limit bounds the payload of one received frame.
	Limit int
}

type connChannel struct {
	conn net.Conn
	r    *bufio.Reader
	opts Options

	wmu sync.Mutex
	rmu sync.Mutex
}

// NewConnChannel frames buffers over a stream connection.
func NewConnChannel(conn net.Conn, opts Options) Channel {
	return &connChannel{conn: conn, r: bufio.NewReaderSize(conn, 64<<10), opts: opts}
}

// Pipe returns the two ends of an in-memory channel.
func Pipe(opts Options) (Channel, Channel) {
	a, b := net.Pipe()
	return NewConnChannel(a, opts), NewConnChannel(b, opts)
}

func (c *connChannel) Send(ctx context.Context, b codec.Buffer) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.SetWriteDeadline(deadline(ctx, c.opts)); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetWriteDeadline(time.Now())
	})
	defer stop()
	if err := codec.WriteFrame(c.conn, b); err != nil {
		return fmt.Errorf("send frame: %w", err)
	}
	return nil
}

func (c *connChannel) Receive(ctx context.Context) (codec.Buffer, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	if err := c.conn.SetReadDeadline(deadline(ctx, c.opts)); err != nil {
		return codec.Buffer{}, fmt.Errorf("%w: %v", ErrClosed, err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()
	b, err := codec.ReadFrame(c.r, c.opts.Limit)
	if err != nil {
		return codec.Buffer{}, fmt.Errorf("receive frame: %w", err)
	}
	return b, nil
}

func (c *connChannel) Close() error {
	return c.conn.Close()
}
