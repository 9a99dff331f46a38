package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dreamware/rendersync/internal/dataset"
)

// Version is the piece format version written by MarshalPiece.
const Version = 1

var (
	ErrVersion   = errors.New("unsupported piece version")
	ErrMalformed = errors.New("malformed piece")
)

// piece fields
const (
	fieldVersion      protowire.Number = 1
	fieldKind         protowire.Number = 2
	fieldPoints       protowire.Number = 3
	fieldOffsets      protowire.Number = 4
	fieldConnectivity protowire.Number = 5
	fieldTypes        protowire.Number = 6
	fieldPointArray   protowire.Number = 7
	fieldCellArray    protowire.Number = 8
)

// array fields
const (
	fieldArrayName       protowire.Number = 1
	fieldArrayType       protowire.Number = 2
	fieldArrayComponents protowire.Number = 3
	fieldArrayData       protowire.Number = 4
)

// Marshal encodes ds as a single-piece buffer that shares nothing with ds.
func Marshal(ds *dataset.Dataset) (Buffer, error) {
	piece, err := MarshalPiece(ds)
	if err != nil {
		return Buffer{}, err
	}
	return Single(piece), nil
}

// Unmarshal decodes every piece of b and appends them in order. A buffer with no
// pieces, or with only empty pieces, yields an empty dataset.
func Unmarshal(b Buffer) (*dataset.Dataset, error) {
	if err := b.Validate(); err != nil {
		return dataset.New(dataset.KindPolyData), err
	}
	parts := make([]*dataset.Dataset, 0, b.Pieces())
	for i := 0; i < b.Pieces(); i++ {
		p, err := UnmarshalPiece(b.Piece(i))
		if err != nil {
			return dataset.New(dataset.KindPolyData), fmt.Errorf("piece %d: %w", i, err)
		}
		parts = append(parts, p)
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	out, err := dataset.Append(parts...)
	if err != nil {
		return dataset.New(dataset.KindPolyData), err
	}
	return out, nil
}

// MarshalPiece encodes one dataset. Nil and empty datasets encode to zero bytes.
func MarshalPiece(ds *dataset.Dataset) ([]byte, error) {
	if ds == nil || ds.Empty() {
		return []byte{}, nil
	}
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	b := make([]byte, 0, 64+len(ds.Points)*4+len(ds.Cells.Connectivity)*2)
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, Version)
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(ds.Kind))

	points := make([]byte, 4*len(ds.Points))
	for i, v := range ds.Points {
		binary.LittleEndian.PutUint32(points[i*4:], math.Float32bits(v))
	}
	b = protowire.AppendTag(b, fieldPoints, protowire.BytesType)
	b = protowire.AppendBytes(b, points)

	if ds.NumCells() > 0 {
		b = protowire.AppendTag(b, fieldOffsets, protowire.BytesType)
		b = protowire.AppendBytes(b, packVarints(ds.Cells.Offsets))
		b = protowire.AppendTag(b, fieldConnectivity, protowire.BytesType)
		b = protowire.AppendBytes(b, packVarints(ds.Cells.Connectivity))
		b = protowire.AppendTag(b, fieldTypes, protowire.BytesType)
		b = protowire.AppendBytes(b, ds.Cells.Types)
	}
	for _, a := range ds.PointData {
		b = protowire.AppendTag(b, fieldPointArray, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalArray(a))
	}
	for _, a := range ds.CellData {
		b = protowire.AppendTag(b, fieldCellArray, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalArray(a))
	}
	return b, nil
}

// UnmarshalPiece decodes one piece produced by MarshalPiece.
func UnmarshalPiece(b []byte) (*dataset.Dataset, error) {
	ds := dataset.New(dataset.KindPolyData)
	if len(b) == 0 {
		return ds, nil
	}
	version := uint64(0)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: version: %v", ErrMalformed, protowire.ParseError(n))
			}
			version = v
			b = b[n:]
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: kind: %v", ErrMalformed, protowire.ParseError(n))
			}
			ds.Kind = dataset.Kind(v)
			b = b[n:]
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
			if err := decodeBytesField(ds, num, v); err != nil {
				return nil, err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if version != Version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, version)
	}
	if err := ds.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return ds, nil
}

func decodeBytesField(ds *dataset.Dataset, num protowire.Number, v []byte) error {
	switch num {
	case fieldPoints:
		if len(v)%4 != 0 {
			return fmt.Errorf("%w: %d point bytes", ErrMalformed, len(v))
		}
		ds.Points = make([]float32, len(v)/4)
		for i := range ds.Points {
			ds.Points[i] = math.Float32frombits(binary.LittleEndian.Uint32(v[i*4:]))
		}
	case fieldOffsets:
		vals, err := unpackVarints(v)
		if err != nil {
			return err
		}
		ds.Cells.Offsets = vals
	case fieldConnectivity:
		vals, err := unpackVarints(v)
		if err != nil {
			return err
		}
		ds.Cells.Connectivity = vals
	case fieldTypes:
		ds.Cells.Types = append([]uint8(nil), v...)
	case fieldPointArray, fieldCellArray:
		a, err := unmarshalArray(v)
		if err != nil {
			return err
		}
		if num == fieldPointArray {
			ds.PointData = append(ds.PointData, a)
		} else {
			ds.CellData = append(ds.CellData, a)
		}
	}
	return nil
}

func marshalArray(a dataset.Array) []byte {
	b := make([]byte, 0, len(a.Name)+len(a.Data)+16)
	b = protowire.AppendTag(b, fieldArrayName, protowire.BytesType)
	b = protowire.AppendString(b, a.Name)
	b = protowire.AppendTag(b, fieldArrayType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(a.Type))
	b = protowire.AppendTag(b, fieldArrayComponents, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(a.Components))
	b = protowire.AppendTag(b, fieldArrayData, protowire.BytesType)
	b = protowire.AppendBytes(b, a.Data)
	return b
}

func unmarshalArray(b []byte) (dataset.Array, error) {
	a := dataset.Array{Data: []byte{}}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return a, fmt.Errorf("%w: array: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldArrayName && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return a, fmt.Errorf("%w: array name: %v", ErrMalformed, protowire.ParseError(n))
			}
			a.Name = s
			b = b[n:]
		case (num == fieldArrayType || num == fieldArrayComponents) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return a, fmt.Errorf("%w: array: %v", ErrMalformed, protowire.ParseError(n))
			}
			switch {
			case num == fieldArrayType && v <= math.MaxUint8:
				a.Type = dataset.ScalarType(v)
			case num == fieldArrayComponents && v <= dataset.MaxComponents:
				a.Components = int(v)
			default:
				return a, fmt.Errorf("%w: array field %d out of range: %d", ErrMalformed, num, v)
			}
			b = b[n:]
		case num == fieldArrayData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return a, fmt.Errorf("%w: array data: %v", ErrMalformed, protowire.ParseError(n))
			}
			a.Data = append([]byte{}, v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return a, fmt.Errorf("%w: array: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return a, nil
}

func packVarints(vals []int64) []byte {
	b := make([]byte, 0, len(vals)*2)
	for _, v := range vals {
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(v))
	}
	return b
}

func unpackVarints(b []byte) ([]int64, error) {
	var out []int64
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: packed varint: %v", ErrMalformed, protowire.ParseError(n))
		}
		out = append(out, protowire.DecodeZigZag(v))
		b = b[n:]
	}
	return out, nil
}
