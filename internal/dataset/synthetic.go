package dataset

// PointCloud builds n points on a 10x10 grid stack, one vertex cell per point,
// with an "id" point array (starting at first) and a "scalars" point array.
// Piece i of a partitioned source can be produced directly with first set to
// the piece's global offset.
func PointCloud(n int, first int64) *Dataset {
	d := New(KindPolyData)
	ids := make([]int64, 0, n)
	scalars := make([]float32, 0, n)
	for i := 0; i < n; i++ {
		g := first + int64(i)
		id := d.AddPoint(float32(g%10), float32((g/10)%10), float32(g/100))
		d.AddCell(CellVertex, id)
		ids = append(ids, g)
		scalars = append(scalars, float32(g%17)/16)
	}
	d.PointData = []Array{
		NewArray("id", 1, ids),
		NewArray("scalars", 1, scalars),
	}
	return d
}

// PieceOf returns the piece of an n-point cloud owned by rank out of size ranks.
func PieceOf(n, rank, size int) *Dataset {
	if size < 1 {
		size = 1
	}
	from, to := rank*n/size, (rank+1)*n/size
	return PointCloud(to-from, int64(from))
}
