package view

import (
	"context"
	"errors"
	"fmt"

	"github.com/dreamware/rendersync/internal/comm"
)

var ErrOutOfOrder = errors.New("pass out of order")

// Pass is one step of a frame. Passes run in declaration order.
type Pass uint8

const (
	PassUpdate Pass = iota
	PassInformation
	PassPrepareForRender
	PassRender
)

// Passes lists every pass in the order a frame runs them.
var Passes = []Pass{PassUpdate, PassInformation, PassPrepareForRender, PassRender}

func (p Pass) String() string {
	switch p {
	case PassUpdate:
		return "update"
	case PassInformation:
		return "information"
	case PassPrepareForRender:
		return "prepare-for-render"
	case PassRender:
		return "render"
	}
	return fmt.Sprintf("pass(%d)", uint8(p))
}

// Frame threads one frame through its passes. Passes must be advanced in
// order, each exactly once. With a group communicator every rank checks that
// its peers are at the same frame and pass before the pass starts, which also
// keeps any rank from starting pass N+1 before all have finished pass N.
type Frame struct {
	Index uint64
	comm  comm.Comm
	next  int
}

// NewFrame starts frame index. c may be nil for an unsynchronised frame.
func NewFrame(index uint64, c comm.Comm) *Frame {
	return &Frame{Index: index, comm: c}
}

// Advance moves the frame to pass p.
func (f *Frame) Advance(ctx context.Context, p Pass) error {
	if f.next >= len(Passes) || Passes[f.next] != p {
		return fmt.Errorf("%w: frame %d got %s after %d passes", ErrOutOfOrder, f.Index, p, f.next)
	}
	if f.comm != nil && f.comm.Size() > 1 {
		if err := f.comm.Agree(ctx, fmt.Sprintf("frame %d pass %s", f.Index, p)); err != nil {
			return fmt.Errorf("frame %d pass %s: %w", f.Index, p, err)
		}
	}
	f.next++
	return nil
}

// Current is the pass most recently advanced to; ok is false before the first.
func (f *Frame) Current() (p Pass, ok bool) {
	if f.next == 0 {
		return 0, false
	}
	return Passes[f.next-1], true
}

func (f *Frame) Done() bool {
	return f.next == len(Passes)
}
