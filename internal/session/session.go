package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"slices"
	"sync"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"

	"github.com/dreamware/rendersync/internal/bridge"
	"github.com/dreamware/rendersync/internal/cluster"
	"github.com/dreamware/rendersync/internal/comm"
	"github.com/dreamware/rendersync/internal/movedata"
	"github.com/dreamware/rendersync/internal/storage"
	"github.com/dreamware/rendersync/internal/tiledisplay"
	"github.com/dreamware/rendersync/internal/view"
	"github.com/dreamware/rendersync/internal/viewlink"
	"github.com/dreamware/rendersync/internal/windows"
)

// Deps are the collaborators of one rank's session. Zero fields get
// single-process defaults.
type Deps struct {
	ID       ulid.ULID
	Role     cluster.Role
	Topology cluster.Topology

	// Comm is the rank group of Role; nil means a group of one.
	Comm comm.Comm
	// Bridge pairs this rank with the other server tier. Nil without a
	// render-server tier.
	Bridge *bridge.Bridge
	// ClientLink carries buffers from a server root to the client.
	ClientLink bridge.Channel
	// DataLink carries buffers from the data-server root to the client.
	DataLink bridge.Channel

	Backend  windows.Backend
	Trigger  windows.Trigger // render trigger of the driving window manager
	Registry *view.Registry
	Cache    storage.Store
	Tiles    *tiledisplay.Config

	// Source produces this rank's piece; only data-server ranks have one.
	Source view.Source
}

// Scene is one opened view: its window id, the view and the representation
// that moves its data.
type Scene struct {
	ID   windows.ViewID
	View *view.View
	Rep  *view.DeliveryRepresentation
}

// Session is the context object of one rank. It owns the engine, the window
// manager and the view registry of the process; views and engines receive
// them from the session rather than from package state.
type Session struct {
	id       ulid.ULID
	role     cluster.Role
	topo     cluster.Topology
	comm     comm.Comm
	bridge   *bridge.Bridge
	engine   *movedata.Engine
	windows  *windows.Manager
	backend  windows.Backend
	registry *view.Registry
	cache    storage.Store
	tiles    *tiledisplay.Config
	source   view.Source
	linked   bool
	prefix   string

	mu          sync.Mutex
	scenes      []*Scene
	compositors []*viewlink.Compositor
	frames      uint64
}

func New(d Deps) (*Session, error) {
	if err := d.Topology.Validate(); err != nil {
		return nil, err
	}
	if d.Comm == nil {
		d.Comm = comm.Single()
	}
	if d.ID == (ulid.ULID{}) {
		d.ID = ulid.Make()
	}
	if d.Cache == nil {
		d.Cache = storage.NewMemoryStore()
	}
	if d.Backend == nil {
		d.Backend = windows.NewMemoryBackend()
	}
	if d.Registry == nil {
		d.Registry = view.DefaultRegistry()
	}

	cfg := movedata.Config{
		Role:       d.Role,
		Topology:   d.Topology,
		Comm:       d.Comm,
		ClientLink: d.ClientLink,
		DataLink:   d.DataLink,
		Cache:      d.Cache,
	}
	if d.Bridge != nil {
		cfg.Bridge = d.Bridge
	}
	engine, err := movedata.NewEngine(cfg)
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:       d.ID,
		role:     d.Role,
		topo:     d.Topology,
		comm:     d.Comm,
		bridge:   d.Bridge,
		engine:   engine,
		backend:  d.Backend,
		registry: d.Registry,
		cache:    d.Cache,
		tiles:    d.Tiles,
		linked:   d.ClientLink != nil || d.DataLink != nil,
		prefix:   fmt.Sprintf("[%s P%d]", d.Role.Tag(), d.Comm.Rank()),
	}
	if d.Role == cluster.RoleDataServer {
		s.source = d.Source
	}
	server := d.Role != cluster.RoleClient
	s.windows = windows.NewManager(d.Backend, d.Trigger, windows.Options{
		Driver:       d.Role == cluster.RoleClient,
		Enabled:      !d.Topology.SingleProcess(),
		SharedWindow: server,
		ShrinkGaps:   server && d.Tiles != nil && d.Tiles.ShrinkGaps,
		Name:         s.prefix,
	})
	if d.Tiles != nil && server && s.renders() {
		if disp, ok := d.Tiles.ForRank(s.Rank()); ok {
			glog.Infof("%s tile %v viewport %v normal %v", s.prefix, disp.Origin, d.Tiles.Viewport(s.Rank()), disp.Normal())
		} else {
			glog.Warningf("%s no tile configured for this rank", s.prefix)
		}
	}
	if d.Bridge != nil {
		d.Bridge.Health().SetOnUnhealthy(func(rank int) {
			glog.Errorf("%s bridge channel %d unhealthy, frames will deliver empty data", s.prefix, rank)
		})
	}
	glog.V(1).Infof("%s session %s on %s", s.prefix, s.id, s.topo)
	return s, nil
}

// ID is the session's id, shared by every process of the session.
func (s *Session) ID() ulid.ULID {
	return s.id
}

func (s *Session) Role() cluster.Role {
	return s.role
}

// Rank is this session's rank within its group.
func (s *Session) Rank() int {
	return s.comm.Rank()
}

func (s *Session) Topology() cluster.Topology {
	return s.topo
}

func (s *Session) Comm() comm.Comm {
	return s.comm
}

func (s *Session) Engine() *movedata.Engine {
	return s.engine
}

func (s *Session) Windows() *windows.Manager {
	return s.windows
}

func (s *Session) Backend() windows.Backend {
	return s.backend
}

func (s *Session) Registry() *view.Registry {
	return s.registry
}

// Bridge is nil unless the session pairs a data and a render group.
func (s *Session) Bridge() *bridge.Bridge {
	return s.bridge
}

// Tiles is nil without a tile display.
func (s *Session) Tiles() *tiledisplay.Config {
	return s.tiles
}

func (s *Session) String() string {
	return s.prefix
}

// renders reports whether this process draws windows: the client, the render
// tier, and the data tier when there is no render tier.
func (s *Session) renders() bool {
	switch s.role {
	case cluster.RoleClient, cluster.RoleRenderServer:
		return true
	}
	return !s.topo.HasRenderServer()
}

// Open builds a view of typeName with one data representation. Every process
// of the session must open the same views in the same order.
func (s *Session) Open(typeName string) (*Scene, error) {
	v, err := s.registry.New(typeName, s.comm)
	if err != nil {
		return nil, err
	}
	rep := view.NewDeliveryRepresentation(typeName+"/data", s.source, s.engine, v.DefaultMode())
	v.Add(rep)

	id := s.windows.NextID()
	if s.renders() {
		if err := s.windows.Initialize(id); err != nil {
			return nil, err
		}
	}
	sc := &Scene{ID: id, View: v, Rep: rep}
	s.mu.Lock()
	s.scenes = append(s.scenes, sc)
	s.mu.Unlock()
	glog.V(1).Infof("%s opened %s as view %d", s.prefix, typeName, id)
	return sc, nil
}

func (s *Session) Scenes() []*Scene {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.scenes)
}

// Outcome is what one rank produced for a frame.
type Outcome struct {
	Points int   // points in the outputs of every scene
	Err    error // delivery errors; the frame itself completed
}

// Frame runs frame m over every scene. The returned error means the rank
// group can no longer continue; delivery failures are reported in Outcome.
func (s *Session) Frame(ctx context.Context, m Message) (Outcome, error) {
	var out Outcome
	for _, sc := range s.Scenes() {
		if m.Modified {
			sc.Rep.MarkModified()
		}
		sc.Rep.SetMode(m.Mode)
		sc.View.SetTime(m.Time)
		key := ""
		if m.CacheKey != "" {
			// scenes share the engine cache
			key = fmt.Sprintf("%d/%s", sc.ID, m.CacheKey)
		}
		sc.View.SetCachePolicy(m.UseCache, key)
		if _, err := sc.View.RunFrame(ctx); err != nil {
			return out, fmt.Errorf("%s frame %d view %d: %w", s.prefix, m.Frame, sc.ID, err)
		}
		out.Points += sc.Rep.Output().NumPoints()
		if err := sc.Rep.Err(); err != nil {
			out.Err = errors.Join(out.Err, fmt.Errorf("view %d: %w", sc.ID, err))
		}
	}
	s.mu.Lock()
	s.frames++
	s.mu.Unlock()
	glog.V(1).Infof("%s frame %d (%s, %s) done: %d points", s.prefix, m.Frame, m.Trace, m.Mode, out.Points)
	return out, nil
}

// Render applies a layout broadcast by the driver and renders this process's
// windows. Processes that draw nothing ignore it.
func (s *Session) Render(ctx context.Context, layout []byte) error {
	if !s.renders() {
		return nil
	}
	return s.windows.HandleTrigger(ctx, layout)
}

// LinkViews shows the source region of view linked inside view display.
func (s *Session) LinkViews(linked, display windows.ViewID, source, dest image.Rectangle) (*viewlink.Compositor, error) {
	c, err := viewlink.Attach(s.windows, s.backend, linked, display, source, dest, viewlink.Options{LinkedVisible: true})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.compositors = append(s.compositors, c)
	s.mu.Unlock()
	return c, nil
}

// Info is the status report served on /info.
type Info struct {
	cluster.ServerInfo
	Role   string                     `json:"role"`
	Rank   int                        `json:"rank"`
	Types  []string                   `json:"view_types"`
	Engine movedata.Stats             `json:"engine"`
	Cache  storage.StoreStats         `json:"cache"`
	Bridge map[int]*bridge.PeerHealth `json:"bridge,omitempty"`
	Links  map[string]viewlink.Stats  `json:"view_links,omitempty"`
}

func (s *Session) Info() Info {
	s.mu.Lock()
	views := make([]uint32, 0, len(s.scenes))
	for _, sc := range s.scenes {
		views = append(views, uint32(sc.ID))
	}
	frames := s.frames
	comps := slices.Clone(s.compositors)
	s.mu.Unlock()

	info := Info{
		ServerInfo: cluster.ServerInfo{
			SessionID: s.id.String(),
			Topology:  s.topo,
			Views:     views,
			Frames:    frames,
			Linked:    s.linked,
		},
		Role:   s.role.String(),
		Rank:   s.Rank(),
		Types:  s.registry.Names(),
		Engine: s.engine.Stats(),
		Cache:  s.cache.Stats(),
	}
	if s.bridge != nil {
		info.Bridge = s.bridge.Health().All()
	}
	if len(comps) > 0 {
		info.Links = make(map[string]viewlink.Stats, len(comps))
		for i, c := range comps {
			info.Links[fmt.Sprint(i)] = c.Stats()
		}
	}
	return info
}

// Close stops view links and closes the bridge. Links to the client belong to
// whoever created them.
func (s *Session) Close() error {
	s.mu.Lock()
	comps := s.compositors
	s.compositors = nil
	s.mu.Unlock()
	for _, c := range comps {
		_ = c.Close()
	}
	return s.bridge.Close()
}
