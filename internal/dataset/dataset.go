package dataset

import (
	"errors"
	"fmt"
	"slices"

	"github.com/jinzhu/copier"
)

var (
	ErrIncompatible = errors.New("incompatible datasets")
	ErrInvalid      = errors.New("invalid dataset")
)

// Kind is the topology family of a dataset. Only datasets of the same kind append.
type Kind uint8

const (
	KindPolyData Kind = iota + 1
	KindUnstructuredGrid
)

func (k Kind) String() string {
	switch k {
	case KindPolyData:
		return "polydata"
	case KindUnstructuredGrid:
		return "unstructured-grid"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Cell types, numbered as the usual visualization toolkits number them.
const (
	CellVertex     uint8 = 1
	CellLine       uint8 = 3
	CellTriangle   uint8 = 5
	CellPolygon    uint8 = 7
	CellQuad       uint8 = 9
	CellTetra      uint8 = 10
	CellHexahedron uint8 = 12
)

// Cells is a compact cell array. Cell i uses Connectivity[Offsets[i]:Offsets[i+1]].
// Offsets is empty when there are no cells, otherwise it has NumCells+1 entries.
type Cells struct {
	Offsets      []int64
	Connectivity []int64
	Types        []uint8
}

// Dataset is the structured payload moved between ranks.
type Dataset struct {
	Kind      Kind
	Points    []float32 // x, y, z per point
	Cells     Cells
	PointData []Array
	CellData  []Array
}

// New returns an empty, valid dataset of the given kind.
func New(kind Kind) *Dataset {
	return &Dataset{Kind: kind}
}

func (d *Dataset) NumPoints() int {
	return len(d.Points) / 3
}

func (d *Dataset) NumCells() int {
	if len(d.Cells.Offsets) == 0 {
		return 0
	}
	return len(d.Cells.Offsets) - 1
}

func (d *Dataset) Empty() bool {
	return d.NumPoints() == 0 && d.NumCells() == 0
}

// AddPoint appends a point and returns its id.
func (d *Dataset) AddPoint(x, y, z float32) int64 {
	d.Points = append(d.Points, x, y, z)
	return int64(d.NumPoints() - 1)
}

// AddCell appends a cell of the given type over the given point ids.
func (d *Dataset) AddCell(typ uint8, ids ...int64) {
	if len(d.Cells.Offsets) == 0 {
		d.Cells.Offsets = append(d.Cells.Offsets, 0)
	}
	d.Cells.Connectivity = append(d.Cells.Connectivity, ids...)
	d.Cells.Offsets = append(d.Cells.Offsets, int64(len(d.Cells.Connectivity)))
	d.Cells.Types = append(d.Cells.Types, typ)
}

func (d *Dataset) PointArray(name string) (Array, bool) {
	return findArray(d.PointData, name)
}

func (d *Dataset) CellArray(name string) (Array, bool) {
	return findArray(d.CellData, name)
}

func findArray(arrays []Array, name string) (Array, bool) {
	for _, a := range arrays {
		if a.Name == name {
			return a, true
		}
	}
	return Array{}, false
}

// Bounds returns xmin, xmax, ymin, ymax, zmin, zmax. Empty datasets return zeros.
func (d *Dataset) Bounds() [6]float32 {
	var b [6]float32
	for i := 0; i < d.NumPoints(); i++ {
		p := d.Points[i*3 : i*3+3]
		for axis := 0; axis < 3; axis++ {
			if i == 0 || p[axis] < b[axis*2] {
				b[axis*2] = p[axis]
			}
			if i == 0 || p[axis] > b[axis*2+1] {
				b[axis*2+1] = p[axis]
			}
		}
	}
	return b
}

func (d *Dataset) Validate() error {
	if d.Kind != KindPolyData && d.Kind != KindUnstructuredGrid {
		return fmt.Errorf("%w: kind %d", ErrInvalid, d.Kind)
	}
	if len(d.Points)%3 != 0 {
		return fmt.Errorf("%w: %d point coordinates", ErrInvalid, len(d.Points))
	}
	n := int64(d.NumPoints())
	c := d.Cells
	if len(c.Offsets) > 0 {
		if c.Offsets[0] != 0 {
			return fmt.Errorf("%w: first offset %d", ErrInvalid, c.Offsets[0])
		}
		for i := 1; i < len(c.Offsets); i++ {
			if c.Offsets[i] < c.Offsets[i-1] {
				return fmt.Errorf("%w: offsets decrease at cell %d", ErrInvalid, i-1)
			}
		}
		if last := c.Offsets[len(c.Offsets)-1]; last != int64(len(c.Connectivity)) {
			return fmt.Errorf("%w: last offset %d, connectivity %d", ErrInvalid, last, len(c.Connectivity))
		}
	} else if len(c.Connectivity) > 0 {
		return fmt.Errorf("%w: connectivity without offsets", ErrInvalid)
	}
	if len(c.Types) != d.NumCells() {
		return fmt.Errorf("%w: %d cell types for %d cells", ErrInvalid, len(c.Types), d.NumCells())
	}
	for _, id := range c.Connectivity {
		if id < 0 || id >= n {
			return fmt.Errorf("%w: point id %d out of range", ErrInvalid, id)
		}
	}
	for _, a := range d.PointData {
		if err := a.validate(d.NumPoints()); err != nil {
			return fmt.Errorf("%w: point data: %v", ErrInvalid, err)
		}
	}
	for _, a := range d.CellData {
		if err := a.validate(d.NumCells()); err != nil {
			return fmt.Errorf("%w: cell data: %v", ErrInvalid, err)
		}
	}
	return nil
}

// ShallowCopy returns a new dataset sharing d's storage. Callers that keep the
// copy must not mutate the shared slices in place.
func (d *Dataset) ShallowCopy() *Dataset {
	if d == nil {
		return New(KindPolyData)
	}
	out := *d
	out.PointData = slices.Clone(d.PointData)
	out.CellData = slices.Clone(d.CellData)
	return &out
}

// DeepCopy returns a copy with no storage shared with d.
func (d *Dataset) DeepCopy() (*Dataset, error) {
	out := New(d.Kind)
	if err := copier.CopyWithOption(out, d, copier.Option{DeepCopy: true}); err != nil {
		return nil, fmt.Errorf("deep copy: %w", err)
	}
	return out, nil
}

// Equal compares structure and attribute values. Two empty datasets are equal
// whatever their kind.
func Equal(a, b *Dataset) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Empty() && b.Empty() {
		return true
	}
	return a.Kind == b.Kind &&
		slices.Equal(a.Points, b.Points) &&
		slices.Equal(a.Cells.Offsets, b.Cells.Offsets) &&
		slices.Equal(a.Cells.Connectivity, b.Cells.Connectivity) &&
		slices.Equal(a.Cells.Types, b.Cells.Types) &&
		equalArrays(a.PointData, b.PointData) &&
		equalArrays(a.CellData, b.CellData)
}

// Append builds the union of parts in order. Nil and empty parts are skipped.
// Parts of different kinds, or with different attribute layouts, are an error.
// The result never aliases the parts' storage.
func Append(parts ...*Dataset) (*Dataset, error) {
	var live []*Dataset
	kind := KindPolyData
	for _, p := range parts {
		if p == nil {
			continue
		}
		if p.Empty() {
			continue
		}
		live = append(live, p)
	}
	if len(live) == 0 {
		for _, p := range parts {
			if p != nil && p.Kind != 0 {
				kind = p.Kind
				break
			}
		}
		return New(kind), nil
	}

	first := live[0]
	for _, p := range live[1:] {
		if p.Kind != first.Kind {
			return nil, fmt.Errorf("%w: %s and %s", ErrIncompatible, first.Kind, p.Kind)
		}
		if !sameLayout(p.PointData, first.PointData) || !sameLayout(p.CellData, first.CellData) {
			return nil, fmt.Errorf("%w: attribute arrays differ", ErrIncompatible)
		}
	}

	out := New(first.Kind)
	out.PointData = make([]Array, len(first.PointData))
	for i, a := range first.PointData {
		out.PointData[i] = Array{Name: a.Name, Type: a.Type, Components: a.Components, Data: []byte{}}
	}
	out.CellData = make([]Array, len(first.CellData))
	for i, a := range first.CellData {
		out.CellData[i] = Array{Name: a.Name, Type: a.Type, Components: a.Components, Data: []byte{}}
	}

	for _, p := range live {
		pointBase := int64(out.NumPoints())
		connBase := int64(len(out.Cells.Connectivity))
		out.Points = append(out.Points, p.Points...)
		if p.NumCells() > 0 {
			if len(out.Cells.Offsets) == 0 {
				out.Cells.Offsets = append(out.Cells.Offsets, 0)
			}
			for _, off := range p.Cells.Offsets[1:] {
				out.Cells.Offsets = append(out.Cells.Offsets, connBase+off)
			}
			for _, id := range p.Cells.Connectivity {
				out.Cells.Connectivity = append(out.Cells.Connectivity, pointBase+id)
			}
			out.Cells.Types = append(out.Cells.Types, p.Cells.Types...)
		}
		for i := range p.PointData {
			out.PointData[i].Data = append(out.PointData[i].Data, p.PointData[i].Data...)
		}
		for i := range p.CellData {
			out.CellData[i].Data = append(out.CellData[i].Data, p.CellData[i].Data...)
		}
	}
	return out, nil
}

// Partition splits d into k pieces. Cell-less datasets are split by point
// ranges; otherwise contiguous cell ranges are extracted together with the
// points they use.
func (d *Dataset) Partition(k int) []*Dataset {
	if k <= 1 {
		return []*Dataset{d.ShallowCopy()}
	}
	pieces := make([]*Dataset, k)
	if d.NumCells() == 0 {
		n := d.NumPoints()
		for i := range pieces {
			from, to := i*n/k, (i+1)*n/k
			p := New(d.Kind)
			p.Points = slices.Clone(d.Points[from*3 : to*3])
			for _, a := range d.PointData {
				p.PointData = append(p.PointData, a.slice(from, to))
			}
			pieces[i] = p
		}
		return pieces
	}
	c := d.NumCells()
	for i := range pieces {
		pieces[i] = d.extractCells(i*c/k, (i+1)*c/k)
	}
	return pieces
}

func (d *Dataset) extractCells(from, to int) *Dataset {
	p := New(d.Kind)
	remap := make(map[int64]int64)
	var used []int64
	for cell := from; cell < to; cell++ {
		ids := d.Cells.Connectivity[d.Cells.Offsets[cell]:d.Cells.Offsets[cell+1]]
		local := make([]int64, len(ids))
		for j, id := range ids {
			l, ok := remap[id]
			if !ok {
				l = int64(len(used))
				remap[id] = l
				used = append(used, id)
				p.Points = append(p.Points, d.Points[id*3:id*3+3]...)
			}
			local[j] = l
		}
		p.AddCell(d.Cells.Types[cell], local...)
	}
	for _, a := range d.PointData {
		p.PointData = append(p.PointData, a.gather(used))
	}
	for _, a := range d.CellData {
		p.CellData = append(p.CellData, a.slice(from, to))
	}
	return p
}
