package session

import (
	"errors"
	"fmt"
	"math"

	"github.com/oklog/ulid/v2"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dreamware/rendersync/internal/movedata"
)

var ErrBadMessage = errors.New("malformed link message")

// Kind is the type of a link message.
type Kind uint8

const (
	// KindOpen asks the servers to open a view of Message.ViewType.
	KindOpen Kind = iota + 1
	// KindFrame runs one update/render protocol frame on every rank.
	KindFrame
	// KindRender carries an encoded window layout; servers render with it.
	KindRender
	// KindAck answers Open, Frame and Render once every rank is done.
	KindAck
	// KindStop ends the serve loop.
	KindStop
)

func (k Kind) String() string {
	switch k {
	case KindOpen:
		return "open"
	case KindFrame:
		return "frame"
	case KindRender:
		return "render"
	case KindAck:
		return "ack"
	case KindStop:
		return "stop"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Message is the control traffic between the driver and a server group root.
// Which fields are meaningful depends on Kind.
type Message struct {
	Kind  Kind
	Frame uint64
	Trace ulid.ULID

	// frame
	Time     float64
	Mode     movedata.Mode
	UseCache bool
	CacheKey string
	Modified bool

	// open
	ViewType string

	// render
	Layout []byte

	// ack
	View   uint32 // view opened
	Points int    // points in the root's output
	Error  string
}

const (
	fieldKind     protowire.Number = 1
	fieldFrame    protowire.Number = 2
	fieldTrace    protowire.Number = 3
	fieldTime     protowire.Number = 4
	fieldMode     protowire.Number = 5
	fieldUseCache protowire.Number = 6
	fieldCacheKey protowire.Number = 7
	fieldModified protowire.Number = 8
	fieldViewType protowire.Number = 9
	fieldLayout   protowire.Number = 10
	fieldView     protowire.Number = 11
	fieldPoints   protowire.Number = 12
	fieldError    protowire.Number = 13
)

// Encode serialises m. Zero fields are omitted.
func (m Message) Encode() []byte {
	b := protowire.AppendTag(nil, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Kind))
	varint := func(num protowire.Number, v uint64) {
		if v != 0 {
			b = protowire.AppendTag(b, num, protowire.VarintType)
			b = protowire.AppendVarint(b, v)
		}
	}
	bytes := func(num protowire.Number, v []byte) {
		if len(v) > 0 {
			b = protowire.AppendTag(b, num, protowire.BytesType)
			b = protowire.AppendBytes(b, v)
		}
	}
	varint(fieldFrame, m.Frame)
	if m.Trace != (ulid.ULID{}) {
		bytes(fieldTrace, m.Trace[:])
	}
	if m.Time != 0 {
		b = protowire.AppendTag(b, fieldTime, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(m.Time))
	}
	varint(fieldMode, uint64(m.Mode))
	varint(fieldUseCache, protowire.EncodeBool(m.UseCache))
	bytes(fieldCacheKey, []byte(m.CacheKey))
	varint(fieldModified, protowire.EncodeBool(m.Modified))
	bytes(fieldViewType, []byte(m.ViewType))
	bytes(fieldLayout, m.Layout)
	varint(fieldView, uint64(m.View))
	varint(fieldPoints, uint64(m.Points))
	bytes(fieldError, []byte(m.Error))
	return b
}

func DecodeMessage(b []byte) (Message, error) {
	var m Message
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, fmt.Errorf("%w: %v", ErrBadMessage, protowire.ParseError(n))
		}
		b = b[n:]
		var v uint64
		var raw []byte
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			v, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return m, fmt.Errorf("%w: field %d: %v", ErrBadMessage, num, protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldKind:
			m.Kind = Kind(v)
		case fieldFrame:
			m.Frame = v
		case fieldTrace:
			if len(raw) != len(m.Trace) {
				return m, fmt.Errorf("%w: trace id of %d bytes", ErrBadMessage, len(raw))
			}
			copy(m.Trace[:], raw)
		case fieldTime:
			m.Time = math.Float64frombits(v)
		case fieldMode:
			m.Mode = movedata.Mode(v)
		case fieldUseCache:
			m.UseCache = protowire.DecodeBool(v)
		case fieldCacheKey:
			m.CacheKey = string(raw)
		case fieldModified:
			m.Modified = protowire.DecodeBool(v)
		case fieldViewType:
			m.ViewType = string(raw)
		case fieldLayout:
			m.Layout = append([]byte(nil), raw...)
		case fieldView:
			m.View = uint32(v)
		case fieldPoints:
			m.Points = int(v)
		case fieldError:
			m.Error = string(raw)
		}
	}
	if m.Kind < KindOpen || m.Kind > KindStop {
		return m, fmt.Errorf("%w: %s", ErrBadMessage, m.Kind)
	}
	return m, nil
}
