package codec

import (
	"errors"
	"fmt"
)

var ErrBadBuffer = errors.New("malformed buffer")

// Buffer is a contiguous byte payload made of one or more pieces. Piece i is
// Data[Offsets[i] : Offsets[i]+Lengths[i]]; offsets are prefix sums of lengths.
// Gather results use one piece per source rank, in rank order.
type Buffer struct {
	Data    []byte
	Lengths []int
	Offsets []int
}

// Single wraps one piece.
func Single(piece []byte) Buffer {
	return Buffer{Data: piece, Lengths: []int{len(piece)}, Offsets: []int{0}}
}

// Concat copies pieces, in order, into a new buffer.
func Concat(pieces ...[]byte) Buffer {
	total := 0
	for _, p := range pieces {
		total += len(p)
	}
	b := Buffer{
		Data:    make([]byte, 0, total),
		Lengths: make([]int, 0, len(pieces)),
		Offsets: make([]int, 0, len(pieces)),
	}
	for _, p := range pieces {
		b.Offsets = append(b.Offsets, len(b.Data))
		b.Lengths = append(b.Lengths, len(p))
		b.Data = append(b.Data, p...)
	}
	return b
}

// Join concatenates the pieces of several buffers, keeping piece boundaries.
func Join(bufs ...Buffer) Buffer {
	var pieces [][]byte
	for _, b := range bufs {
		for i := 0; i < b.Pieces(); i++ {
			pieces = append(pieces, b.Piece(i))
		}
	}
	return Concat(pieces...)
}

func (b Buffer) Pieces() int {
	return len(b.Lengths)
}

func (b Buffer) Piece(i int) []byte {
	return b.Data[b.Offsets[i] : b.Offsets[i]+b.Lengths[i]]
}

func (b Buffer) Len() int {
	return len(b.Data)
}

// Validate checks sum(lengths) == len(Data) and that offsets are prefix sums.
func (b Buffer) Validate() error {
	if len(b.Lengths) != len(b.Offsets) {
		return fmt.Errorf("%w: %d lengths, %d offsets", ErrBadBuffer, len(b.Lengths), len(b.Offsets))
	}
	sum := 0
	for i, n := range b.Lengths {
		if n < 0 {
			return fmt.Errorf("%w: negative length at piece %d", ErrBadBuffer, i)
		}
		if b.Offsets[i] != sum {
			return fmt.Errorf("%w: piece %d at offset %d, want %d", ErrBadBuffer, i, b.Offsets[i], sum)
		}
		sum += n
	}
	if sum != len(b.Data) {
		return fmt.Errorf("%w: lengths sum to %d, data is %d bytes", ErrBadBuffer, sum, len(b.Data))
	}
	return nil
}

// Reset drops the buffer's storage. The move-data engine resets every buffer it
// allocates before Deliver returns.
func (b *Buffer) Reset() {
	b.Data = nil
	b.Lengths = nil
	b.Offsets = nil
}
