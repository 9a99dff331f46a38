package dataset

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"reflect"

	"golang.org/x/exp/constraints"
)

// ScalarType is the element type of an attribute array.
type ScalarType uint8

const (
	Float32 ScalarType = iota + 1
	Float64
	Int32
	Int64
	Uint8
)

// Size returns the encoded width of one element in bytes.
func (t ScalarType) Size() int {
	switch t {
	case Float32, Int32:
		return 4
	case Float64, Int64:
		return 8
	case Uint8:
		return 1
	}
	return 0
}

func (t ScalarType) String() string {
	switch t {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Uint8:
		return "uint8"
	}
	return fmt.Sprintf("scalar(%d)", uint8(t))
}

// Scalar is the set of Go element types an Array can hold.
type Scalar interface {
	constraints.Float | ~int32 | ~int64 | ~uint8
}

// Array is a named attribute array. Values are stored little-endian in Data so
// that pieces produced on any host append and encode without conversion.
type Array struct {
	Name       string
	Type       ScalarType
	Components int
	Data       []byte
}

func scalarTypeOf[T Scalar]() ScalarType {
	switch reflect.TypeFor[T]().Kind() {
	case reflect.Float32:
		return Float32
	case reflect.Float64:
		return Float64
	case reflect.Int32:
		return Int32
	case reflect.Int64:
		return Int64
	case reflect.Uint8:
		return Uint8
	}
	return 0
}

// NewArray encodes values as an array of tuples with the given number of components.
func NewArray[T Scalar](name string, components int, values []T) Array {
	st := scalarTypeOf[T]()
	size := st.Size()
	data := make([]byte, len(values)*size)
	for i, v := range values {
		b := data[i*size:]
		switch st {
		case Float32:
			binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
		case Float64:
			binary.LittleEndian.PutUint64(b, math.Float64bits(float64(v)))
		case Int32:
			binary.LittleEndian.PutUint32(b, uint32(int32(v)))
		case Int64:
			binary.LittleEndian.PutUint64(b, uint64(int64(v)))
		case Uint8:
			b[0] = uint8(v)
		}
	}
	if components < 1 {
		components = 1
	}
	return Array{Name: name, Type: st, Components: components, Data: data}
}

// ArrayValues decodes the array into a slice of T. T must match the stored type.
func ArrayValues[T Scalar](a Array) ([]T, error) {
	st := scalarTypeOf[T]()
	if st != a.Type {
		return nil, fmt.Errorf("array %q holds %s, not %s", a.Name, a.Type, st)
	}
	size := st.Size()
	out := make([]T, len(a.Data)/size)
	for i := range out {
		b := a.Data[i*size:]
		switch st {
		case Float32:
			out[i] = T(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		case Float64:
			out[i] = T(math.Float64frombits(binary.LittleEndian.Uint64(b)))
		case Int32:
			out[i] = T(int32(binary.LittleEndian.Uint32(b)))
		case Int64:
			out[i] = T(int64(binary.LittleEndian.Uint64(b)))
		case Uint8:
			out[i] = T(b[0])
		}
	}
	return out, nil
}

// MaxComponents bounds the components of one tuple.
const MaxComponents = 1 << 12

// width returns the encoded size of one tuple in bytes.
func (a Array) width() (int, error) {
	size := a.Type.Size()
	if size == 0 {
		return 0, fmt.Errorf("array %q: unknown scalar type %d", a.Name, a.Type)
	}
	if a.Components < 1 || a.Components > MaxComponents {
		return 0, fmt.Errorf("array %q: %d components", a.Name, a.Components)
	}
	return size * a.Components, nil
}

// Tuples returns the number of tuples held by the array, or 0 when its
// layout is invalid.
func (a Array) Tuples() int {
	width, err := a.width()
	if err != nil {
		return 0
	}
	return len(a.Data) / width
}

func (a Array) validate(tuples int) error {
	width, err := a.width()
	if err != nil {
		return err
	}
	if len(a.Data)%width != 0 {
		return fmt.Errorf("array %q: %d bytes is not a whole number of tuples", a.Name, len(a.Data))
	}
	if got := len(a.Data) / width; got != tuples {
		return fmt.Errorf("array %q: %d tuples, want %d", a.Name, got, tuples)
	}
	return nil
}

// slice returns tuples [from, to) as a new array with its own storage. The
// array must be valid.
func (a Array) slice(from, to int) Array {
	width, _ := a.width()
	out := a
	out.Data = bytes.Clone(a.Data[from*width : to*width])
	if out.Data == nil {
		out.Data = []byte{}
	}
	return out
}

// gather returns the tuples listed in ids, in order. The array must be valid.
func (a Array) gather(ids []int64) Array {
	width, _ := a.width()
	out := a
	out.Data = make([]byte, 0, len(ids)*width)
	for _, id := range ids {
		out.Data = append(out.Data, a.Data[int(id)*width:int(id+1)*width]...)
	}
	return out
}

func sameLayout(a, b []Array) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].Type != b[i].Type || a[i].Components != b[i].Components {
			return false
		}
	}
	return true
}

func equalArrays(a, b []Array) bool {
	if !sameLayout(a, b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i].Data, b[i].Data) {
			return false
		}
	}
	return true
}
