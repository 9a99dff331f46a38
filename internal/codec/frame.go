package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultFrameLimit bounds the payload a reader accepts from one frame.
const DefaultFrameLimit = 1 << 30

var (
	ErrTruncated     = errors.New("truncated frame")
	ErrFrameTooLarge = errors.New("frame exceeds limit")
)

// Frame layout, big-endian:
//
//	[4-byte count][count x 4-byte lengths][concatenated payload bytes]

// AppendFrame appends the wire form of b to dst.
func AppendFrame(dst []byte, b Buffer) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(b.Pieces()))
	for _, n := range b.Lengths {
		dst = binary.BigEndian.AppendUint32(dst, uint32(n))
	}
	return append(dst, b.Data...)
}

// WriteFrame writes b in wire form.
func WriteFrame(w io.Writer, b Buffer) error {
	if err := b.Validate(); err != nil {
		return err
	}
	_, err := w.Write(AppendFrame(make([]byte, 0, 4+4*b.Pieces()+b.Len()), b))
	return err
}

// ReadFrame reads one frame. A stream that ends inside a frame yields ErrTruncated.
func ReadFrame(r io.Reader, limit int) (Buffer, error) {
	if limit <= 0 {
		limit = DefaultFrameLimit
	}
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Buffer{}, fmt.Errorf("%w: header", ErrTruncated)
		}
		return Buffer{}, err
	}
	count := int(binary.BigEndian.Uint32(head[:]))
	if count > limit/4 {
		return Buffer{}, fmt.Errorf("%w: %d pieces", ErrFrameTooLarge, count)
	}
	table := make([]byte, 4*count)
	if _, err := io.ReadFull(r, table); err != nil {
		return Buffer{}, fmt.Errorf("%w: length table: %v", ErrTruncated, err)
	}
	b := Buffer{Lengths: make([]int, count), Offsets: make([]int, count)}
	total := 0
	for i := 0; i < count; i++ {
		n := int(binary.BigEndian.Uint32(table[i*4:]))
		b.Offsets[i] = total
		b.Lengths[i] = n
		total += n
		if total > limit {
			return Buffer{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, total)
		}
	}
	b.Data = make([]byte, total)
	if _, err := io.ReadFull(r, b.Data); err != nil {
		return Buffer{}, fmt.Errorf("%w: payload: %v", ErrTruncated, err)
	}
	return b, nil
}

// ParseFrame decodes a frame held entirely in memory, such as one websocket message.
func ParseFrame(msg []byte) (Buffer, error) {
	if len(msg) < 4 {
		return Buffer{}, fmt.Errorf("%w: header", ErrTruncated)
	}
	count := int(binary.BigEndian.Uint32(msg))
	rest := msg[4:]
	if len(rest) < 4*count {
		return Buffer{}, fmt.Errorf("%w: length table", ErrTruncated)
	}
	b := Buffer{Lengths: make([]int, count), Offsets: make([]int, count)}
	total := 0
	for i := 0; i < count; i++ {
		n := int(binary.BigEndian.Uint32(rest[i*4:]))
		b.Offsets[i] = total
		b.Lengths[i] = n
		total += n
	}
	payload := rest[4*count:]
	if len(payload) < total {
		return Buffer{}, fmt.Errorf("%w: payload %d of %d bytes", ErrTruncated, len(payload), total)
	}
	if len(payload) > total {
		return Buffer{}, fmt.Errorf("%w: %d trailing bytes", ErrBadBuffer, len(payload)-total)
	}
	b.Data = append([]byte{}, payload...)
	return b, nil
}
