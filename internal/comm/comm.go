package comm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dreamware/rendersync/internal/codec"
)

// Root is the rank that gathers and broadcasts by default.
const Root = 0

// Tag labels a message with the operation that sent it. Every collective uses
// its own tag so that two ranks issuing different operations are detected.
type Tag uint16

const (
	TagGather Tag = iota + 1
	TagBroadcast
	TagBarrier
	TagAgree
	TagAllGather
	TagRedistribute

	// TagUser is the first tag free for callers.
	TagUser Tag = 100
)

var (
	ErrDesync = errors.New("ranks out of step")
	ErrRank   = errors.New("rank out of range")
)

// Comm is one rank's view of a process group. Collective calls must be issued
// by every rank of the group, in the same order.
type Comm interface {
	Rank() int
	Size() int

	Send(ctx context.Context, dst int, tag Tag, data []byte) error
	Recv(ctx context.Context, src int, tag Tag) ([]byte, error)

	Barrier(ctx context.Context) error
	// Broadcast returns root's data on every rank.
	Broadcast(ctx context.Context, root int, data []byte) ([]byte, error)
	// Gather returns the rank-ordered pieces on root and an empty buffer elsewhere.
	Gather(ctx context.Context, root int, data []byte) (codec.Buffer, error)
	// AllGather returns the rank-ordered pieces on every rank.
	AllGather(ctx context.Context, data []byte) (codec.Buffer, error)
	// Agree fails with ErrDesync unless every rank passes the same label.
	Agree(ctx context.Context, label string) error
}

type envelope struct {
	tag  Tag
	data []byte
}

// mailboxDepth lets a sender run a few messages ahead of its receiver.
const mailboxDepth = 16

// World is an in-process group whose ranks run as goroutines. Messages are
// copied on send, so ranks never share buffers.
type World struct {
	size  int
	boxes [][]chan envelope // boxes[dst][src], FIFO per pair

	messages atomic.Uint64
	bytes    atomic.Uint64
}

func NewWorld(size int) *World {
	if size < 1 {
		size = 1
	}
	w := &World{size: size, boxes: make([][]chan envelope, size)}
	for dst := range w.boxes {
		w.boxes[dst] = make([]chan envelope, size)
		for src := range w.boxes[dst] {
			w.boxes[dst][src] = make(chan envelope, mailboxDepth)
		}
	}
	return w
}

func (w *World) Size() int {
	return w.size
}

// Comm returns the handle for rank. Each rank's goroutine should hold its own.
func (w *World) Comm(rank int) Comm {
	return &local{world: w, rank: rank}
}

// Traffic reports messages and payload bytes sent so far.
func (w *World) Traffic() (messages, bytes uint64) {
	return w.messages.Load(), w.bytes.Load()
}

// Single returns a communicator for a group of one.
func Single() Comm {
	return NewWorld(1).Comm(0)
}

type local struct {
	world *World
	rank  int
}

func (c *local) Rank() int { return c.rank }

func (c *local) Size() int { return c.world.size }

func (c *local) check(rank int) error {
	if rank < 0 || rank >= c.world.size {
		return fmt.Errorf("%w: %d of %d", ErrRank, rank, c.world.size)
	}
	return nil
}

func (c *local) Send(ctx context.Context, dst int, tag Tag, data []byte) error {
	if err := c.check(dst); err != nil {
		return err
	}
	env := envelope{tag: tag, data: bytes.Clone(data)}
	select {
	case c.world.boxes[dst][c.rank] <- env:
		c.world.messages.Add(1)
		c.world.bytes.Add(uint64(len(data)))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("send to %d: %w", dst, ctx.Err())
	}
}

func (c *local) Recv(ctx context.Context, src int, tag Tag) ([]byte, error) {
	if err := c.check(src); err != nil {
		return nil, err
	}
	select {
	case env := <-c.world.boxes[c.rank][src]:
		if env.tag != tag {
			return nil, fmt.Errorf("%w: rank %d expected tag %d from %d, got %d", ErrDesync, c.rank, tag, src, env.tag)
		}
		return env.data, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("recv from %d: %w", src, ctx.Err())
	}
}

func (c *local) gather(ctx context.Context, root int, tag Tag, data []byte) (codec.Buffer, error) {
	if err := c.check(root); err != nil {
		return codec.Buffer{}, err
	}
	if c.rank != root {
		return codec.Buffer{}, c.Send(ctx, root, tag, data)
	}
	pieces := make([][]byte, c.world.size)
	for src := range pieces {
		if src == root {
			pieces[src] = data
			continue
		}
		p, err := c.Recv(ctx, src, tag)
		if err != nil {
			return codec.Buffer{}, err
		}
		pieces[src] = p
	}
	return codec.Concat(pieces...), nil
}

func (c *local) broadcast(ctx context.Context, root int, tag Tag, data []byte) ([]byte, error) {
	if err := c.check(root); err != nil {
		return nil, err
	}
	if c.rank != root {
		return c.Recv(ctx, root, tag)
	}
	for dst := 0; dst < c.world.size; dst++ {
		if dst == root {
			continue
		}
		if err := c.Send(ctx, dst, tag, data); err != nil {
			return nil, err
		}
	}
	return data, nil
}

func (c *local) allGather(ctx context.Context, tag Tag, data []byte) (codec.Buffer, error) {
	g, err := c.gather(ctx, Root, tag, data)
	if err != nil {
		return codec.Buffer{}, err
	}
	var frame []byte
	if c.rank == Root {
		frame = codec.AppendFrame(nil, g)
	}
	frame, err = c.broadcast(ctx, Root, tag, frame)
	if err != nil {
		return codec.Buffer{}, err
	}
	if c.rank == Root {
		return g, nil
	}
	return codec.ParseFrame(frame)
}

func (c *local) Barrier(ctx context.Context) error {
	if c.world.size == 1 {
		return nil
	}
	if _, err := c.gather(ctx, Root, TagBarrier, nil); err != nil {
		return err
	}
	_, err := c.broadcast(ctx, Root, TagBarrier, nil)
	return err
}

func (c *local) Broadcast(ctx context.Context, root int, data []byte) ([]byte, error) {
	return c.broadcast(ctx, root, TagBroadcast, data)
}

func (c *local) Gather(ctx context.Context, root int, data []byte) (codec.Buffer, error) {
	return c.gather(ctx, root, TagGather, data)
}

func (c *local) AllGather(ctx context.Context, data []byte) (codec.Buffer, error) {
	return c.allGather(ctx, TagAllGather, data)
}

func (c *local) Agree(ctx context.Context, label string) error {
	if c.world.size == 1 {
		return nil
	}
	all, err := c.allGather(ctx, TagAgree, []byte(label))
	if err != nil {
		return err
	}
	for r := 0; r < all.Pieces(); r++ {
		if got := string(all.Piece(r)); got != label {
			return fmt.Errorf("%w: rank %d at %q, rank %d at %q", ErrDesync, c.rank, label, r, got)
		}
	}
	return nil
}
