package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/rendersync/internal/bridge"
	"github.com/dreamware/rendersync/internal/cluster"
	"github.com/dreamware/rendersync/internal/comm"
	"github.com/dreamware/rendersync/internal/dataset"
	"github.com/dreamware/rendersync/internal/view"
	"github.com/dreamware/rendersync/internal/windows"
)

// SourceFunc builds the source of one data-server rank.
type SourceFunc func(rank, size int) view.Source

// Synthetic gives every data-server rank a contiguous share of an n-point
// cloud.
func Synthetic(n int) SourceFunc {
	return func(rank, size int) view.Source {
		return func(context.Context, float64) (*dataset.Dataset, error) {
			return dataset.PieceOf(n, rank, size), nil
		}
	}
}

// ServerOptions configure the server groups of a session.
type ServerOptions struct {
	Config Config
	ID     ulid.ULID
	Source SourceFunc // defaults to Synthetic(Config.Points)

	// DataChannel and RenderChannel connect the group roots to the client.
	// Both are nil for a builtin topology.
	DataChannel   bridge.Channel
	RenderChannel bridge.Channel
	// DataControl and RenderControl carry control messages to the roots.
	// They default to ChannelLink over the channels above.
	DataControl   Link
	RenderControl Link
}

// Servers is a running data-server group and optional render-server group,
// one goroutine per rank.
type Servers struct {
	topo     cluster.Topology
	data     []*Session
	render   []*Session
	g        *errgroup.Group
	cancel   context.CancelFunc
	dataComm *comm.World
}

// StartServers builds every rank of the server groups, pairs the bridge over
// loopback TCP and starts the serve loops.
func StartServers(ctx context.Context, opts ServerOptions) (*Servers, error) {
	cfg := opts.Config
	topo, err := cfg.ClusterTopology()
	if err != nil {
		return nil, err
	}
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	tiles, err := cfg.Tiles()
	if err != nil {
		return nil, err
	}
	if opts.ID == (ulid.ULID{}) {
		opts.ID = ulid.Make()
	}
	if opts.Source == nil {
		opts.Source = Synthetic(cfg.Points)
	}
	if opts.DataControl == nil && opts.DataChannel != nil {
		opts.DataControl = ChannelLink(opts.DataChannel)
	}
	if opts.RenderControl == nil && opts.RenderChannel != nil {
		opts.RenderControl = ChannelLink(opts.RenderChannel)
	}
	if opts.DataControl == nil || (topo.HasRenderServer() && opts.RenderControl == nil) {
		return nil, fmt.Errorf("%w: missing control link for %s", ErrConfig, topo)
	}

	dsBridges, rsBridges, err := pairBridges(ctx, cfg, topo, opts.ID)
	if err != nil {
		return nil, err
	}

	s := &Servers{topo: topo, dataComm: comm.NewWorld(topo.DataRanks)}
	fail := func(err error) (*Servers, error) {
		s.closeSessions()
		closeBridges(dsBridges)
		closeBridges(rsBridges)
		return nil, err
	}
	for r := 0; r < topo.DataRanks; r++ {
		d := Deps{
			ID:       opts.ID,
			Role:     cluster.RoleDataServer,
			Topology: topo,
			Comm:     s.dataComm.Comm(r),
			Bridge:   dsBridges[r],
			Source:   opts.Source(r, topo.DataRanks),
		}
		if !topo.HasRenderServer() {
			d.Tiles = tiles
		}
		if r == comm.Root && topo.HasClient() {
			d.ClientLink = opts.DataChannel
		}
		sess, err := New(d)
		if err != nil {
			return fail(err)
		}
		s.data = append(s.data, sess)
	}
	if topo.HasRenderServer() {
		world := comm.NewWorld(topo.RenderRanks)
		for r := 0; r < topo.RenderRanks; r++ {
			d := Deps{
				ID:       opts.ID,
				Role:     cluster.RoleRenderServer,
				Topology: topo,
				Comm:     world.Comm(r),
				Bridge:   rsBridges[r],
				Tiles:    tiles,
			}
			if r == comm.Root {
				d.ClientLink = opts.RenderChannel
			}
			sess, err := New(d)
			if err != nil {
				return fail(err)
			}
			s.render = append(s.render, sess)
		}
	}

	gctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	g, gctx := errgroup.WithContext(gctx)
	s.g = g
	serve := func(group []*Session, link Link) {
		for _, sess := range group {
			var l Link
			if sess.Rank() == comm.Root {
				l = link
			}
			g.Go(func() error { return sess.Serve(gctx, l) })
		}
	}
	serve(s.data, opts.DataControl)
	serve(s.render, opts.RenderControl)
	glog.Infof("session %s: %s started", opts.ID, topo)
	return s, nil
}

// pairBridges connects data rank r to render rank r for every r below
// bridge.Pairs. Without a render tier both slices hold nil bridges.
func pairBridges(ctx context.Context, cfg Config, topo cluster.Topology, id ulid.ULID) ([]*bridge.Bridge, []*bridge.Bridge, error) {
	ds := make([]*bridge.Bridge, topo.DataRanks)
	if !topo.HasRenderServer() {
		return ds, make([]*bridge.Bridge, topo.RenderRanks), nil
	}
	ln, err := bridge.Listen(cfg.BridgeAddr, id, cfg.ChannelOptions())
	if err != nil {
		return nil, nil, fmt.Errorf("bridge listen: %w", err)
	}
	defer ln.Close()

	pairs := bridge.Pairs(topo.DataRanks, topo.RenderRanks)
	var rs []*bridge.Bridge
	var g errgroup.Group
	g.Go(func() error {
		var err error
		rs, err = ln.Accept(ctx, pairs, topo.RenderRanks)
		return err
	})
	for r := range ds {
		if r >= pairs {
			ds[r] = bridge.New(id, nil)
			continue
		}
		g.Go(func() error {
			b, err := bridge.Dial(ctx, ln.Addr(), id, r, cfg.ChannelOptions())
			ds[r] = b
			return err
		})
	}
	if err := g.Wait(); err != nil {
		closeBridges(ds)
		closeBridges(rs)
		return nil, nil, err
	}
	glog.V(1).Infof("bridge: %d data ranks paired with %d render ranks over %s", pairs, topo.RenderRanks, ln.Addr())
	return ds, rs, nil
}

func closeBridges(bs []*bridge.Bridge) {
	for _, b := range bs {
		_ = b.Close()
	}
}

// Session returns rank of the group serving role, or nil.
func (s *Servers) Session(role cluster.Role, rank int) *Session {
	group := s.data
	if role == cluster.RoleRenderServer {
		group = s.render
	}
	if rank < 0 || rank >= len(group) {
		return nil
	}
	return group[rank]
}

func (s *Servers) Sessions() []*Session {
	return append(append([]*Session(nil), s.data...), s.render...)
}

func (s *Servers) Topology() cluster.Topology { return s.topo }

// Info reports every rank, data servers first.
func (s *Servers) Info() []Info {
	all := s.Sessions()
	out := make([]Info, 0, len(all))
	for _, sess := range all {
		out = append(out, sess.Info())
	}
	return out
}

// Traffic reports the messages and bytes moved inside the data-server group.
func (s *Servers) Traffic() (messages, bytes uint64) {
	return s.dataComm.Traffic()
}

// Wait blocks until every rank loop returned.
func (s *Servers) Wait() error {
	err := s.g.Wait()
	s.cancel()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close cancels the rank loops, waits for them and closes every session.
func (s *Servers) Close() error {
	s.cancel()
	err := s.Wait()
	s.closeSessions()
	return err
}

func (s *Servers) closeSessions() {
	for _, sess := range s.Sessions() {
		_ = sess.Close()
	}
}

// Cluster is a whole session in one process: the server groups plus a driver,
// connected through in-memory links.
type Cluster struct {
	cfg     Config
	servers *Servers
	driver  *Driver
	client  *Session
	links   []Link
}

// Launch starts every tier of cfg's topology in this process.
func Launch(ctx context.Context, cfg Config, source SourceFunc) (*Cluster, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	topo, _ := cfg.ClusterTopology()
	id := ulid.Make()
	c := &Cluster{cfg: cfg}
	opts := ServerOptions{Config: cfg, ID: id, Source: source}

	if !topo.HasClient() {
		driverEnd, serverEnd := LocalLinks()
		c.links = []Link{driverEnd, serverEnd}
		opts.DataControl = serverEnd
		m := windows.NewManager(windows.NewMemoryBackend(), RenderTrigger(driverEnd), windows.Options{
			Driver:  true,
			Enabled: true,
			Name:    "[driver]",
		})
		c.driver = newLocalDriver(m, driverEnd, cfg.Width, cfg.Height)
	} else {
		chOpts := cfg.ChannelOptions()
		clientData, serverData := bridge.Pipe(chOpts)
		dataLink := ChannelLink(clientData)
		c.links = []Link{dataLink, ChannelLink(serverData)}
		opts.DataChannel = serverData
		var renderLink Link
		trigger := dataLink
		if topo.HasRenderServer() {
			clientRender, serverRender := bridge.Pipe(chOpts)
			renderLink = ChannelLink(clientRender)
			c.links = append(c.links, renderLink, ChannelLink(serverRender))
			opts.RenderChannel = serverRender
			trigger = renderLink
		}
		client, err := New(Deps{
			ID:       id,
			Role:     cluster.RoleClient,
			Topology: topo,
			DataLink: clientData,
			Trigger:  RenderTrigger(trigger),
		})
		if err != nil {
			c.closeLinks()
			return nil, err
		}
		c.client = client
		c.driver = NewDriver(client, dataLink, renderLink, cfg.Width, cfg.Height)
	}

	servers, err := StartServers(ctx, opts)
	if err != nil {
		c.closeLinks()
		return nil, err
	}
	c.servers = servers
	return c, nil
}

func (c *Cluster) Driver() *Driver { return c.driver }

// Client is the client session, nil for a builtin topology.
func (c *Cluster) Client() *Session { return c.client }

func (c *Cluster) Servers() *Servers { return c.servers }

// Open opens a view on every tier.
func (c *Cluster) Open(ctx context.Context, typeName string) (windows.ViewID, error) {
	return c.driver.Open(ctx, typeName)
}

// RunFrame drives one frame through every tier.
func (c *Cluster) RunFrame(ctx context.Context, req FrameRequest) (FrameResult, error) {
	return c.driver.Frame(ctx, req)
}

// Close stops the server groups and releases every link.
func (c *Cluster) Close(ctx context.Context) error {
	stopErr := c.driver.Stop(ctx)
	if stopErr != nil {
		c.servers.cancel()
	}
	err := errors.Join(stopErr, c.servers.Wait())
	c.servers.closeSessions()
	if c.client != nil {
		err = errors.Join(err, c.client.Close())
	}
	c.closeLinks()
	return err
}

func (c *Cluster) closeLinks() {
	for _, l := range c.links {
		_ = l.Close()
	}
}
