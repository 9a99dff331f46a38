package movedata

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/rendersync/internal/bridge"
	"github.com/dreamware/rendersync/internal/cluster"
	"github.com/dreamware/rendersync/internal/comm"
	"github.com/dreamware/rendersync/internal/dataset"
)

// rig is an in-process session: one engine per rank of every tier, wired with
// worlds, piped bridge channels and a piped client link.
type rig struct {
	topo      cluster.Topology
	dataWorld *comm.World
	data      []*Engine
	render    []*Engine
	client    *Engine
}

func newRig(t *testing.T, topo cluster.Topology) *rig {
	t.Helper()
	session := ulid.Make()
	g := &rig{topo: topo, dataWorld: comm.NewWorld(topo.DataRanks)}

	dataBridges := make([]*bridge.Bridge, topo.DataRanks)
	var renderBridges []*bridge.Bridge
	var renderWorld *comm.World
	if topo.HasRenderServer() {
		renderWorld = comm.NewWorld(topo.RenderRanks)
		renderBridges = make([]*bridge.Bridge, topo.RenderRanks)
		for r := 0; r < bridge.Pairs(topo.DataRanks, topo.RenderRanks); r++ {
			a, b := bridge.Pipe(bridge.Options{})
			dataBridges[r] = bridge.New(session, map[int]bridge.Channel{r: a})
			renderBridges[r] = bridge.New(session, map[int]bridge.Channel{r: b})
		}
	}
	var serverLink, clientLink bridge.Channel
	if topo.HasClient() {
		serverLink, clientLink = bridge.Pipe(bridge.Options{})
		t.Cleanup(func() {
			_ = serverLink.Close()
			_ = clientLink.Close()
		})
	}
	t.Cleanup(func() {
		for _, b := range append(dataBridges, renderBridges...) {
			_ = b.Close()
		}
	})

	for r := 0; r < topo.DataRanks; r++ {
		cfg := Config{Role: cluster.RoleDataServer, Topology: topo, Comm: g.dataWorld.Comm(r)}
		if dataBridges[r] != nil {
			cfg.Bridge = dataBridges[r]
		}
		if r == comm.Root {
			cfg.ClientLink = serverLink
		}
		g.data = append(g.data, mustEngine(t, cfg))
	}
	for r := 0; r < topo.RenderRanks && topo.HasRenderServer(); r++ {
		cfg := Config{Role: cluster.RoleRenderServer, Topology: topo, Comm: renderWorld.Comm(r)}
		if renderBridges[r] != nil {
			cfg.Bridge = renderBridges[r]
		}
		g.render = append(g.render, mustEngine(t, cfg))
	}
	if topo.HasClient() {
		g.client = mustEngine(t, Config{Role: cluster.RoleClient, Topology: topo, DataLink: clientLink})
	}
	return g
}

func mustEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := NewEngine(cfg)
	require.NoError(t, err)
	return e
}

type results struct {
	data, render []*dataset.Dataset
	client       *dataset.Dataset
	dataErrs     []error
	renderErrs   []error
	clientErr    error
}

// run calls deliver once on every engine of the rig concurrently. Data ranks
// receive input(rank); other tiers pass nil.
func (g *rig) run(t *testing.T, input func(rank int) *dataset.Dataset, deliver func(ctx context.Context, e *Engine, in *dataset.Dataset) (*dataset.Dataset, error)) results {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res := results{
		data:       make([]*dataset.Dataset, len(g.data)),
		render:     make([]*dataset.Dataset, len(g.render)),
		dataErrs:   make([]error, len(g.data)),
		renderErrs: make([]error, len(g.render)),
	}
	var eg errgroup.Group
	for r, e := range g.data {
		eg.Go(func() error {
			res.data[r], res.dataErrs[r] = deliver(ctx, e, input(r))
			return nil
		})
	}
	for r, e := range g.render {
		eg.Go(func() error {
			res.render[r], res.renderErrs[r] = deliver(ctx, e, nil)
			return nil
		})
	}
	if g.client != nil {
		eg.Go(func() error {
			res.client, res.clientErr = deliver(ctx, g.client, nil)
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	for _, e := range g.engines() {
		s := e.Stats()
		assert.Equal(t, s.Allocated, s.Released, "%s leaked buffers", e.prefix)
	}
	return res
}

func (g *rig) engines() []*Engine {
	out := append([]*Engine{}, g.data...)
	out = append(out, g.render...)
	if g.client != nil {
		out = append(out, g.client)
	}
	return out
}

func (r results) requireNoErrors(t *testing.T) {
	t.Helper()
	for rank, err := range r.dataErrs {
		require.NoError(t, err, "data rank %d", rank)
	}
	for rank, err := range r.renderErrs {
		require.NoError(t, err, "render rank %d", rank)
	}
	require.NoError(t, r.clientErr, "client")
}

func withMode(mode Mode) func(ctx context.Context, e *Engine, in *dataset.Dataset) (*dataset.Dataset, error) {
	return func(ctx context.Context, e *Engine, in *dataset.Dataset) (*dataset.Dataset, error) {
		return e.Deliver(ctx, in, mode)
	}
}

func quarters(n, size int) func(rank int) *dataset.Dataset {
	return func(rank int) *dataset.Dataset { return dataset.PieceOf(n, rank, size) }
}

func ids(t *testing.T, ds *dataset.Dataset) []int64 {
	t.Helper()
	a, ok := ds.PointArray("id")
	require.True(t, ok, "missing id array")
	v, err := dataset.ArrayValues[int64](a)
	require.NoError(t, err)
	return v
}

func sequence(from, to int64) []int64 {
	out := make([]int64, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, i)
	}
	return out
}

func TestCloneFourRanksReachesEveryRankAndClient(t *testing.T) {
	topo := cluster.Topology{Kind: cluster.TopologyClientServer, DataRanks: 4}
	g := newRig(t, topo)
	res := g.run(t, quarters(1000, 4), withMode(Clone))
	res.requireNoErrors(t)

	for rank, out := range res.data {
		require.NotNil(t, out)
		assert.Equal(t, 1000, out.NumPoints(), "data rank %d", rank)
		assert.Equal(t, 1000, out.NumCells(), "data rank %d", rank)
		assert.NoError(t, out.Validate())
	}
	require.NotNil(t, res.client)
	assert.Equal(t, 1000, res.client.NumPoints())
	assert.Equal(t, sequence(0, 1000), ids(t, res.client))
	assert.True(t, dataset.Equal(res.client, res.data[0]))
}

func TestCloneBuiltinGroup(t *testing.T) {
	g := newRig(t, cluster.Topology{Kind: cluster.TopologyBuiltin, DataRanks: 4})
	res := g.run(t, quarters(1000, 4), withMode(Clone))
	res.requireNoErrors(t)
	for rank, out := range res.data {
		assert.Equal(t, sequence(0, 1000), ids(t, out), "rank %d", rank)
	}
}

func TestCollect(t *testing.T) {
	for _, mode := range []Mode{Collect, CollectAndPassThrough} {
		t.Run(mode.String(), func(t *testing.T) {
			g := newRig(t, cluster.Topology{Kind: cluster.TopologyClientServer, DataRanks: 3})
			res := g.run(t, quarters(300, 3), withMode(mode))
			res.requireNoErrors(t)

			assert.Equal(t, 300, res.data[comm.Root].NumPoints())
			for rank := 1; rank < 3; rank++ {
				assert.True(t, res.data[rank].Empty(), "rank %d", rank)
			}
			assert.Equal(t, sequence(0, 300), ids(t, res.client))
		})
	}
}

func TestCollectSingleDataRankShipsToClient(t *testing.T) {
	g := newRig(t, cluster.Topology{Kind: cluster.TopologyClientServer, DataRanks: 1})
	in := dataset.PointCloud(40, 0)
	res := g.run(t, func(int) *dataset.Dataset { return in }, withMode(Collect))
	res.requireNoErrors(t)
	assert.True(t, dataset.Equal(in, res.data[0]))
	assert.True(t, dataset.Equal(in, res.client))
	msgs, _ := g.dataWorld.Traffic()
	assert.Zero(t, msgs, "no collective in a group of one")
}

func TestPassThroughEmptyPartition(t *testing.T) {
	inputs := map[string]*dataset.Dataset{
		"empty": dataset.New(dataset.KindPolyData),
		"nil":   nil,
	}
	for name, in := range inputs {
		t.Run(name, func(t *testing.T) {
			g := newRig(t, cluster.Topology{Kind: cluster.TopologyClientServer, DataRanks: 1})
			res := g.run(t, func(int) *dataset.Dataset { return in }, withMode(PassThrough))
			res.requireNoErrors(t)
			out := res.data[0]
			require.NotNil(t, out)
			assert.Zero(t, out.NumPoints())
			assert.Zero(t, out.NumCells())
			assert.NoError(t, out.Validate())
			require.NotNil(t, res.client)
			assert.True(t, res.client.Empty())
		})
	}
}

func TestPassThroughIsIdempotent(t *testing.T) {
	topo := cluster.Topology{Kind: cluster.TopologyClientDataRender, DataRanks: 3, RenderRanks: 2}
	g := newRig(t, topo)
	inputs := quarters(90, 3)
	first := g.run(t, inputs, withMode(PassThrough))
	second := g.run(t, inputs, withMode(PassThrough))
	first.requireNoErrors(t)
	second.requireNoErrors(t)
	for rank := range first.render {
		assert.False(t, first.render[rank].Empty(), "render rank %d", rank)
		assert.True(t, dataset.Equal(first.render[rank], second.render[rank]), "render rank %d", rank)
	}

	local := newRig(t, cluster.Topology{Kind: cluster.TopologyBuiltin, DataRanks: 2})
	a := local.run(t, inputs, withMode(PassThrough))
	b := local.run(t, inputs, withMode(PassThrough))
	for rank := range a.data {
		assert.True(t, dataset.Equal(a.data[rank], b.data[rank]))
		assert.True(t, dataset.Equal(inputs(rank), a.data[rank]))
	}
}

func TestPassThroughRedistributesToRenderTier(t *testing.T) {
	topo := cluster.Topology{Kind: cluster.TopologyClientDataRender, DataRanks: 4, RenderRanks: 2}
	g := newRig(t, topo)
	res := g.run(t, quarters(1000, 4), withMode(PassThrough))
	res.requireNoErrors(t)

	for rank := range res.data {
		assert.True(t, res.data[rank].Empty(), "data rank %d keeps nothing", rank)
	}
	want0 := append(sequence(0, 250), sequence(500, 750)...)
	want1 := append(sequence(250, 500), sequence(750, 1000)...)
	assert.Equal(t, want0, ids(t, res.render[0]))
	assert.Equal(t, want1, ids(t, res.render[1]))
	assert.True(t, res.client.Empty())
}

func TestPassThroughClampsRenderTargets(t *testing.T) {
	topo := cluster.Topology{Kind: cluster.TopologyClientDataRender, DataRanks: 2, RenderRanks: 4}
	g := newRig(t, topo)
	assert.Equal(t, 2, g.data[0].Plan().Targets)
	assert.True(t, g.data[0].Plan().Clamped())
	assert.Equal(t, 2, g.data[1].Stats().Targets)

	res := g.run(t, quarters(100, 2), withMode(PassThrough))
	res.requireNoErrors(t)
	assert.Equal(t, sequence(0, 50), ids(t, res.render[0]))
	assert.Equal(t, sequence(50, 100), ids(t, res.render[1]))
	assert.True(t, res.render[2].Empty(), "unpaired render rank")
	assert.True(t, res.render[3].Empty(), "unpaired render rank")
}

func TestCloneWithRenderTier(t *testing.T) {
	topo := cluster.Topology{Kind: cluster.TopologyClientDataRender, DataRanks: 2, RenderRanks: 3}
	g := newRig(t, topo)
	res := g.run(t, quarters(200, 2), withMode(Clone))
	res.requireNoErrors(t)
	for rank, out := range res.render {
		assert.Equal(t, sequence(0, 200), ids(t, out), "render rank %d", rank)
	}
	for rank, out := range res.data {
		assert.Equal(t, 200, out.NumPoints(), "data rank %d", rank)
	}
	assert.Equal(t, 200, res.client.NumPoints())
}

func TestCollectLeavesRenderTierIdle(t *testing.T) {
	topo := cluster.Topology{Kind: cluster.TopologyClientDataRender, DataRanks: 2, RenderRanks: 2}
	g := newRig(t, topo)
	res := g.run(t, quarters(20, 2), withMode(Collect))
	res.requireNoErrors(t)
	for _, out := range res.render {
		assert.True(t, out.Empty())
	}
	assert.Equal(t, 20, res.client.NumPoints())
}

func TestSingleProcessIsShallowCopyForEveryRoleAndMode(t *testing.T) {
	topo := cluster.Topology{Kind: cluster.TopologyBuiltin, DataRanks: 1}
	roles := []cluster.Role{cluster.RoleClient, cluster.RoleDataServer, cluster.RoleRenderServer}
	modes := []Mode{PassThrough, Collect, Clone, CollectAndPassThrough}
	for _, role := range roles {
		for _, mode := range modes {
			t.Run(role.String()+"/"+mode.String(), func(t *testing.T) {
				e := mustEngine(t, Config{Role: role, Topology: topo})
				in := dataset.PointCloud(10, 0)
				out, err := e.Deliver(context.Background(), in, mode)
				require.NoError(t, err)
				require.NotSame(t, in, out)
				assert.True(t, dataset.Equal(in, out))
				assert.Same(t, &in.Points[0], &out.Points[0], "storage is shared")
				s := e.Stats()
				assert.Zero(t, s.Allocated, "no buffers in single-process mode")
				assert.Equal(t, uint64(1), s.Deliveries)
			})
		}
	}
}

func TestDeliverCached(t *testing.T) {
	g := newRig(t, cluster.Topology{Kind: cluster.TopologyClientServer, DataRanks: 2})
	cached := func(key string) func(ctx context.Context, e *Engine, in *dataset.Dataset) (*dataset.Dataset, error) {
		return func(ctx context.Context, e *Engine, in *dataset.Dataset) (*dataset.Dataset, error) {
			return e.DeliverCached(ctx, in, Clone, key)
		}
	}
	inputs := quarters(60, 2)

	first := g.run(t, inputs, cached("t=1"))
	first.requireNoErrors(t)
	msgs, _ := g.dataWorld.Traffic()

	second := g.run(t, inputs, cached("t=1"))
	second.requireNoErrors(t)
	after, _ := g.dataWorld.Traffic()
	assert.Equal(t, msgs, after, "cache hit must not communicate")
	assert.True(t, dataset.Equal(first.client, second.client))
	for rank := range first.data {
		assert.True(t, dataset.Equal(first.data[rank], second.data[rank]), "cache hit equals recompute")
	}
	for _, e := range g.engines() {
		s := e.Stats()
		assert.Equal(t, uint64(1), s.CacheHits, e.prefix)
		assert.Equal(t, uint64(1), s.CacheMisses, e.prefix)
	}

	for _, e := range g.engines() {
		e.MarkModified()
	}
	third := g.run(t, inputs, cached("t=1"))
	third.requireNoErrors(t)
	final, _ := g.dataWorld.Traffic()
	assert.Greater(t, final, after)
	assert.Equal(t, 60, third.client.NumPoints())
}

func TestMissingClientLink(t *testing.T) {
	topo := cluster.Topology{Kind: cluster.TopologyClientServer, DataRanks: 1}
	e := mustEngine(t, Config{Role: cluster.RoleDataServer, Topology: topo})
	in := dataset.PointCloud(5, 0)
	out, err := e.Deliver(context.Background(), in, Collect)
	assert.True(t, errors.Is(err, ErrNoLink))
	assert.Equal(t, 5, out.NumPoints(), "root keeps the union")
	assert.Equal(t, uint64(1), e.Stats().Errors)
	assert.NotEmpty(t, e.Stats().LastError)

	client := mustEngine(t, Config{Role: cluster.RoleClient, Topology: topo})
	out, err = client.Deliver(context.Background(), nil, Clone)
	assert.True(t, errors.Is(err, ErrNoLink))
	require.NotNil(t, out)
	assert.True(t, out.Empty())
}

func TestBrokenLinkYieldsEmptyOutput(t *testing.T) {
	topo := cluster.Topology{Kind: cluster.TopologyClientServer, DataRanks: 1}
	server, client := bridge.Pipe(bridge.Options{})
	require.NoError(t, server.Close())
	e := mustEngine(t, Config{Role: cluster.RoleClient, Topology: topo, DataLink: client})
	out, err := e.Deliver(context.Background(), nil, Collect)
	require.Error(t, err)
	require.NotNil(t, out)
	assert.True(t, out.Empty())
	s := e.Stats()
	assert.Equal(t, s.Allocated, s.Released)
}

func TestUnknownModeFailsEverywhereWithoutCommunicating(t *testing.T) {
	g := newRig(t, cluster.Topology{Kind: cluster.TopologyBuiltin, DataRanks: 2})
	res := g.run(t, quarters(10, 2), withMode(Mode(42)))
	for rank, err := range res.dataErrs {
		assert.True(t, errors.Is(err, ErrMode), "rank %d", rank)
		assert.NotNil(t, res.data[rank])
	}
	msgs, _ := g.dataWorld.Traffic()
	assert.Zero(t, msgs)
}

func TestNewEngineRejectsRolesOutsideTopology(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"client without client tier", Config{Role: cluster.RoleClient,
			Topology: cluster.Topology{Kind: cluster.TopologyBuiltin, DataRanks: 2}}},
		{"render without render tier", Config{Role: cluster.RoleRenderServer,
			Topology: cluster.Topology{Kind: cluster.TopologyClientServer, DataRanks: 2}}},
		{"invalid topology", Config{Role: cluster.RoleDataServer,
			Topology: cluster.Topology{Kind: cluster.TopologyClientDataRender, DataRanks: 2}}},
		{"unknown role", Config{Role: cluster.Role(0),
			Topology: cluster.Topology{Kind: cluster.TopologyBuiltin, DataRanks: 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEngine(tt.cfg)
			assert.True(t, errors.Is(err, ErrConfig), "got %v", err)
		})
	}
}

func TestRouteTableCoversEveryCombination(t *testing.T) {
	for _, mode := range []Mode{PassThrough, Collect, Clone} {
		for _, role := range []cluster.Role{cluster.RoleClient, cluster.RoleDataServer} {
			_, ok := routes[route{mode, role, false}]
			assert.True(t, ok, "%s %s without render tier", mode, role)
		}
		for _, role := range []cluster.Role{cluster.RoleClient, cluster.RoleDataServer, cluster.RoleRenderServer} {
			_, ok := routes[route{mode, role, true}]
			assert.True(t, ok, "%s %s with render tier", mode, role)
		}
	}
}
