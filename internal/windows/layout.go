package windows

import (
	"errors"
	"fmt"
	"slices"

	"google.golang.org/protobuf/encoding/protowire"
)

var ErrBadLayout = errors.New("malformed layout message")

// ViewID is a process-local logical view identifier. Zero means unassigned.
type ViewID uint32

// Layout places one view in the driver's coordinate space.
type Layout struct {
	ID     ViewID `json:"id"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// LayoutMessage is what the driver sends to followers before every render.
// Views are ordered by id.
type LayoutMessage struct {
	Frame       uint64
	Interactive bool
	Views       []Layout
	FullWidth   int
	FullHeight  int
}

// Extent returns the size of the smallest window holding every layout.
func Extent(layouts []Layout) (width, height int) {
	for _, l := range layouts {
		width = max(width, l.X+l.Width)
		height = max(height, l.Y+l.Height)
	}
	return width, height
}

const (
	fieldFrame       protowire.Number = 1
	fieldInteractive protowire.Number = 2
	fieldFullWidth   protowire.Number = 3
	fieldFullHeight  protowire.Number = 4
	fieldView        protowire.Number = 5

	fieldViewID     protowire.Number = 1
	fieldViewX      protowire.Number = 2
	fieldViewY      protowire.Number = 3
	fieldViewWidth  protowire.Number = 4
	fieldViewHeight protowire.Number = 5
)

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// Encode returns the wire form of m.
func (m LayoutMessage) Encode() []byte {
	var b []byte
	b = appendVarintField(b, fieldFrame, m.Frame)
	b = appendVarintField(b, fieldInteractive, protowire.EncodeBool(m.Interactive))
	b = appendVarintField(b, fieldFullWidth, uint64(m.FullWidth))
	b = appendVarintField(b, fieldFullHeight, uint64(m.FullHeight))
	for _, l := range m.Views {
		var v []byte
		v = appendVarintField(v, fieldViewID, uint64(l.ID))
		v = appendVarintField(v, fieldViewX, protowire.EncodeZigZag(int64(l.X)))
		v = appendVarintField(v, fieldViewY, protowire.EncodeZigZag(int64(l.Y)))
		v = appendVarintField(v, fieldViewWidth, uint64(l.Width))
		v = appendVarintField(v, fieldViewHeight, uint64(l.Height))
		b = protowire.AppendTag(b, fieldView, protowire.BytesType)
		b = protowire.AppendBytes(b, v)
	}
	return b
}

// DecodeLayout parses a message produced by Encode. Unknown fields are skipped.
func DecodeLayout(b []byte) (LayoutMessage, error) {
	var m LayoutMessage
	err := walk(b, func(num protowire.Number, v uint64, raw []byte) error {
		switch num {
		case fieldFrame:
			m.Frame = v
		case fieldInteractive:
			m.Interactive = protowire.DecodeBool(v)
		case fieldFullWidth:
			m.FullWidth = int(v)
		case fieldFullHeight:
			m.FullHeight = int(v)
		case fieldView:
			if raw == nil {
				return fmt.Errorf("%w: view field is not bytes", ErrBadLayout)
			}
			l, err := decodeView(raw)
			if err != nil {
				return err
			}
			m.Views = append(m.Views, l)
		}
		return nil
	})
	return m, err
}

func decodeView(b []byte) (Layout, error) {
	var l Layout
	err := walk(b, func(num protowire.Number, v uint64, _ []byte) error {
		switch num {
		case fieldViewID:
			l.ID = ViewID(v)
		case fieldViewX:
			l.X = int(protowire.DecodeZigZag(v))
		case fieldViewY:
			l.Y = int(protowire.DecodeZigZag(v))
		case fieldViewWidth:
			l.Width = int(v)
		case fieldViewHeight:
			l.Height = int(v)
		}
		return nil
	})
	if err == nil && l.ID == 0 {
		err = fmt.Errorf("%w: view without id", ErrBadLayout)
	}
	return l, err
}

// walk calls fn for every varint field (raw nil) and bytes field (v zero).
func walk(b []byte, fn func(num protowire.Number, v uint64, raw []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrBadLayout, protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrBadLayout, protowire.ParseError(n))
			}
			b = b[n:]
			if err := fn(num, v, nil); err != nil {
				return err
			}
		case protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrBadLayout, protowire.ParseError(n))
			}
			b = b[n:]
			if raw == nil {
				raw = []byte{}
			}
			if err := fn(num, 0, raw); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrBadLayout, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

// ShrinkGaps removes the rows and columns no view covers, including any margin
// before the first view, and packs the views towards the origin. Relative order
// and sizes are kept.
func ShrinkGaps(layouts []Layout) []Layout {
	out := slices.Clone(layouts)
	xs := gapShift(layouts, func(l Layout) (int, int) { return l.X, l.X + l.Width })
	ys := gapShift(layouts, func(l Layout) (int, int) { return l.Y, l.Y + l.Height })
	for i := range out {
		out[i].X -= xs(out[i].X)
		out[i].Y -= ys(out[i].Y)
	}
	return out
}

// gapShift returns, for a coordinate, the total uncovered length before it.
func gapShift(layouts []Layout, span func(Layout) (int, int)) func(int) int {
	type interval struct{ from, to int }
	var spans []interval
	for _, l := range layouts {
		from, to := span(l)
		if to > from {
			spans = append(spans, interval{from, to})
		}
	}
	slices.SortFunc(spans, func(a, b interval) int { return a.from - b.from })

	var gaps []interval
	end := 0
	for _, s := range spans {
		if s.from > end {
			gaps = append(gaps, interval{end, s.from})
		}
		end = max(end, s.to)
	}
	return func(c int) int {
		shift := 0
		for _, g := range gaps {
			if g.to <= c {
				shift += g.to - g.from
			}
		}
		return shift
	}
}
