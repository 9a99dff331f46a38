package dataset

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func triangles() *Dataset {
	d := New(KindPolyData)
	a := d.AddPoint(0, 0, 0)
	b := d.AddPoint(1, 0, 0)
	c := d.AddPoint(0, 1, 0)
	e := d.AddPoint(1, 1, 0)
	d.AddCell(CellTriangle, a, b, c)
	d.AddCell(CellTriangle, b, e, c)
	d.PointData = []Array{NewArray("temp", 1, []float64{10, 20, 30, 40})}
	d.CellData = []Array{NewArray("region", 1, []int32{7, 8})}
	return d
}

func TestArrayRoundTrip(t *testing.T) {
	t.Run("float32", func(t *testing.T) {
		a := NewArray("v", 3, []float32{1.5, -2, 3, 4, 5, 6})
		assert.Equal(t, Float32, a.Type)
		assert.Equal(t, 2, a.Tuples())
		got, err := ArrayValues[float32](a)
		require.NoError(t, err)
		assert.Equal(t, []float32{1.5, -2, 3, 4, 5, 6}, got)
	})
	t.Run("int64", func(t *testing.T) {
		a := NewArray("ids", 1, []int64{-1, 1 << 40})
		got, err := ArrayValues[int64](a)
		require.NoError(t, err)
		assert.Equal(t, []int64{-1, 1 << 40}, got)
	})
	t.Run("uint8", func(t *testing.T) {
		a := NewArray("rgba", 4, []uint8{1, 2, 3, 4})
		assert.Equal(t, 1, a.Tuples())
		got, err := ArrayValues[uint8](a)
		require.NoError(t, err)
		assert.Equal(t, []uint8{1, 2, 3, 4}, got)
	})
	t.Run("type mismatch", func(t *testing.T) {
		a := NewArray("v", 1, []float64{1})
		_, err := ArrayValues[int32](a)
		assert.Error(t, err)
	})
}

func TestLittleEndianStorage(t *testing.T) {
	a := NewArray("x", 1, []int32{1})
	assert.Equal(t, []byte{1, 0, 0, 0}, a.Data)
}

func TestValidate(t *testing.T) {
	require.NoError(t, triangles().Validate())
	require.NoError(t, New(KindPolyData).Validate())

	bad := triangles()
	bad.Cells.Connectivity[0] = 99
	assert.True(t, errors.Is(bad.Validate(), ErrInvalid))

	short := triangles()
	short.PointData[0].Data = short.PointData[0].Data[:8]
	assert.True(t, errors.Is(short.Validate(), ErrInvalid))

	var noKind Dataset
	assert.Error(t, noKind.Validate())
}

func TestArrayLayoutBounds(t *testing.T) {
	tests := []struct {
		name       string
		typ        ScalarType
		components int
	}{
		{"overflow to zero", Float64, 1 << 61},
		{"overflow negative", Float64, 1 << 60},
		{"above the cap", Uint8, MaxComponents + 1},
		{"negative", Float32, -3},
		{"zero", Float32, 0},
		{"unknown type", ScalarType(42), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New(KindPolyData)
			d.AddPoint(0, 0, 0)
			d.PointData = []Array{{Name: "a", Type: tt.typ, Components: tt.components, Data: make([]byte, 8)}}
			require.NotPanics(t, func() {
				assert.True(t, errors.Is(d.Validate(), ErrInvalid))
				assert.Zero(t, d.PointData[0].Tuples())
			})
		})
	}
}

func TestBounds(t *testing.T) {
	assert.Equal(t, [6]float32{0, 1, 0, 1, 0, 0}, triangles().Bounds())
	assert.Equal(t, [6]float32{}, New(KindPolyData).Bounds())
}

func TestShallowCopySharesStorage(t *testing.T) {
	d := triangles()
	s := d.ShallowCopy()
	assert.True(t, Equal(d, s))
	d.Points[0] = 42
	assert.Equal(t, float32(42), s.Points[0])

	var nilSet *Dataset
	empty := nilSet.ShallowCopy()
	require.NotNil(t, empty)
	assert.True(t, empty.Empty())
}

func TestDeepCopyIsIndependent(t *testing.T) {
	d := triangles()
	c, err := d.DeepCopy()
	require.NoError(t, err)
	assert.True(t, Equal(d, c))

	d.Points[0] = 42
	assert.Equal(t, float32(0), c.Points[0])
}

func TestAppend(t *testing.T) {
	t.Run("two pieces", func(t *testing.T) {
		d := triangles()
		out, err := Append(d, d)
		require.NoError(t, err)
		require.NoError(t, out.Validate())
		assert.Equal(t, 8, out.NumPoints())
		assert.Equal(t, 4, out.NumCells())
		assert.Equal(t, []int64{0, 3, 6, 9, 12}, out.Cells.Offsets)
		assert.Equal(t, []int64{4, 5, 6, 5, 7, 6}, out.Cells.Connectivity[6:])

		temp, err := ArrayValues[float64](out.PointData[0])
		require.NoError(t, err)
		assert.Equal(t, []float64{10, 20, 30, 40, 10, 20, 30, 40}, temp)
	})
	t.Run("skips empty and nil parts", func(t *testing.T) {
		out, err := Append(nil, New(KindPolyData), triangles())
		require.NoError(t, err)
		assert.True(t, Equal(triangles(), out))
	})
	t.Run("all empty", func(t *testing.T) {
		out, err := Append(New(KindUnstructuredGrid), nil)
		require.NoError(t, err)
		require.NotNil(t, out)
		assert.True(t, out.Empty())
		assert.Equal(t, KindUnstructuredGrid, out.Kind)
	})
	t.Run("kind mismatch", func(t *testing.T) {
		other := triangles()
		other.Kind = KindUnstructuredGrid
		_, err := Append(triangles(), other)
		assert.True(t, errors.Is(err, ErrIncompatible))
	})
	t.Run("layout mismatch", func(t *testing.T) {
		other := triangles()
		other.PointData[0].Name = "pressure"
		_, err := Append(triangles(), other)
		assert.True(t, errors.Is(err, ErrIncompatible))
	})
	t.Run("does not alias parts", func(t *testing.T) {
		d := triangles()
		out, err := Append(d)
		require.NoError(t, err)
		d.PointData[0].Data[0] = 0xff
		assert.NotEqual(t, byte(0xff), out.PointData[0].Data[0])
	})
}

func TestPartitionUnion(t *testing.T) {
	tests := []struct {
		name string
		set  *Dataset
		k    int
	}{
		{name: "point cloud in 4", set: PointCloud(1000, 0), k: 4},
		{name: "point cloud in 3", set: PointCloud(10, 0), k: 3},
		{name: "triangles in 2", set: triangles(), k: 2},
		{name: "one piece", set: triangles(), k: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pieces := tt.set.Partition(tt.k)
			require.Len(t, pieces, tt.k)
			for _, p := range pieces {
				require.NoError(t, p.Validate())
			}
			out, err := Append(pieces...)
			require.NoError(t, err)
			assert.Equal(t, tt.set.NumCells(), out.NumCells())
			if tt.set.Kind == KindPolyData && tt.name != "triangles in 2" {
				assert.True(t, Equal(tt.set, out))
			}
		})
	}
}

func TestPartitionCellLess(t *testing.T) {
	d := New(KindPolyData)
	for i := 0; i < 9; i++ {
		d.AddPoint(float32(i), 0, 0)
	}
	d.PointData = []Array{NewArray("i", 1, []int32{0, 1, 2, 3, 4, 5, 6, 7, 8})}
	pieces := d.Partition(3)
	for _, p := range pieces {
		assert.Equal(t, 3, p.NumPoints())
		assert.Equal(t, 3, p.PointData[0].Tuples())
	}
	out, err := Append(pieces...)
	require.NoError(t, err)
	assert.True(t, Equal(d, out))
}

func TestPieceOf(t *testing.T) {
	var parts []*Dataset
	for rank := 0; rank < 4; rank++ {
		p := PieceOf(1000, rank, 4)
		assert.Equal(t, 250, p.NumPoints())
		parts = append(parts, p)
	}
	out, err := Append(parts...)
	require.NoError(t, err)
	assert.True(t, Equal(PointCloud(1000, 0), out))
}
