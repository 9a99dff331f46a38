package movedata

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"github.com/dreamware/rendersync/internal/bridge"
	"github.com/dreamware/rendersync/internal/cluster"
	"github.com/dreamware/rendersync/internal/codec"
	"github.com/dreamware/rendersync/internal/comm"
	"github.com/dreamware/rendersync/internal/dataset"
	"github.com/dreamware/rendersync/internal/storage"
)

var (
	ErrConfig = errors.New("move-data engine misconfigured")
	ErrNoLink = errors.New("no link")
	ErrMode   = errors.New("unknown move mode")
)

// Relay is the render-tier bridge as the engine sees it. *bridge.Bridge
// implements it.
type Relay interface {
	Has(rank int) bool
	Send(ctx context.Context, rank int, buf codec.Buffer) error
	Receive(ctx context.Context, rank int) (codec.Buffer, error)
}

// Config wires an engine into its process. Only the fields the role uses need
// to be set.
type Config struct {
	Role     cluster.Role
	Topology cluster.Topology

	// Comm is the rank's own tier group. Nil means a group of one.
	Comm comm.Comm

	// Bridge pairs data-server and render-server ranks.
	Bridge Relay

	// ClientLink is held by server roots and reaches the client.
	ClientLink bridge.Channel

	// DataLink is held by the client and reaches the data-server root.
	DataLink bridge.Channel

	// Cache stores results of DeliverCached. Nil uses a MemoryStore.
	Cache storage.Store
}

// Stats are cumulative over the engine's lifetime. After every Deliver
// returns, Allocated equals Released.
type Stats struct {
	Deliveries    uint64 `json:"deliveries"`
	CacheHits     uint64 `json:"cache_hits"`
	CacheMisses   uint64 `json:"cache_misses"`
	Errors        uint64 `json:"errors"`
	Allocated     uint64 `json:"allocated"`
	Released      uint64 `json:"released"`
	BytesSent     uint64 `json:"bytes_sent"`
	BytesReceived uint64 `json:"bytes_received"`
	Targets       int    `json:"targets"`
	LastError     string `json:"last_error,omitempty"`
}

// Engine moves one representation's data between ranks and tiers. An engine
// belongs to one process and is driven by the frame-synchronous protocol; only
// Stats may be called concurrently with Deliver.
type Engine struct {
	cfg      Config
	plan     Plan
	prefix   string
	counters counters

	mu         sync.Mutex
	deliveries uint64
	hits       uint64
	misses     uint64
	errs       uint64
	lastErr    string
}

func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Topology.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	single := cfg.Topology.SingleProcess()
	switch cfg.Role {
	case cluster.RoleClient:
		if !single && !cfg.Topology.HasClient() {
			return nil, fmt.Errorf("%w: %s has no client", ErrConfig, cfg.Topology)
		}
	case cluster.RoleRenderServer:
		if !single && !cfg.Topology.HasRenderServer() {
			return nil, fmt.Errorf("%w: %s has no render-server tier", ErrConfig, cfg.Topology)
		}
	case cluster.RoleDataServer:
	default:
		return nil, fmt.Errorf("%w: %s", ErrConfig, cfg.Role)
	}
	if cfg.Comm == nil {
		cfg.Comm = comm.Single()
	}
	if cfg.Cache == nil {
		cfg.Cache = storage.NewMemoryStore()
	}
	e := &Engine{
		cfg:    cfg,
		prefix: fmt.Sprintf("[%s P%d]", cfg.Role.Tag(), cfg.Comm.Rank()),
	}
	if cfg.Role == cluster.RoleDataServer && cfg.Topology.HasRenderServer() {
		e.plan = NewPlan(cfg.Comm.Size(), cfg.Topology.RenderRanks)
	}
	return e, nil
}

func (e *Engine) Role() cluster.Role {
	return e.cfg.Role
}

// Plan is the all-to-N plan of a data-server rank; zero elsewhere.
func (e *Engine) Plan() Plan {
	return e.plan
}

// Deliver moves in according to mode and returns this rank's share of the
// result. The returned dataset is never nil: when delivery fails it is empty
// and the error says why. Every rank of every tier involved must call Deliver
// for the same frame with the same mode.
func (e *Engine) Deliver(ctx context.Context, in *dataset.Dataset, mode Mode) (*dataset.Dataset, error) {
	s := newScope(&e.counters)
	defer s.release()

	if in == nil {
		in = dataset.New(dataset.KindPolyData)
	}
	out, err := e.deliver(ctx, s, in, mode)
	e.record(err)
	if glog.V(2) {
		glog.Infof("%s deliver %s: %d points in, %d out", e.prefix, mode, in.NumPoints(), out.NumPoints())
	}
	return out, err
}

func (e *Engine) deliver(ctx context.Context, s *scope, in *dataset.Dataset, mode Mode) (*dataset.Dataset, error) {
	if !mode.Valid() {
		return e.empty(in), fmt.Errorf("%w: %d", ErrMode, uint8(mode))
	}
	if e.cfg.Topology.SingleProcess() {
		return in.ShallowCopy(), nil
	}
	h, ok := routes[route{mode.effective(), e.cfg.Role, e.cfg.Topology.HasRenderServer()}]
	if !ok {
		return e.empty(in), fmt.Errorf("%w: no route for %s on %s", ErrConfig, mode, e.cfg.Role)
	}
	out, err := h(ctx, e, s, in)
	if out == nil {
		out = e.empty(in)
	}
	return out, err
}

// DeliverCached answers from the cache when key was delivered before and
// otherwise delivers and stores the result. Results are stored even when the
// delivery failed, so that every rank agrees on hits and misses and the
// collectives stay aligned; MarkModified clears them. Entries are kept per
// mode, so a key never answers for a mode it was not delivered with. An
// empty key always delivers.
func (e *Engine) DeliverCached(ctx context.Context, in *dataset.Dataset, mode Mode, key string) (*dataset.Dataset, error) {
	if key == "" {
		return e.Deliver(ctx, in, mode)
	}
	key = CacheKey(key, mode)
	s := newScope(&e.counters)
	defer s.release()

	if cached, err := e.cfg.Cache.Get(key); err == nil {
		buf := s.own(cached)
		out, err := codec.Unmarshal(*buf)
		e.mu.Lock()
		e.hits++
		e.mu.Unlock()
		glog.V(2).Infof("%s cache hit %q", e.prefix, key)
		return out, err
	}
	e.mu.Lock()
	e.misses++
	e.mu.Unlock()

	out, err := e.Deliver(ctx, in, mode)
	enc, merr := codec.Marshal(out)
	if merr != nil {
		glog.Warningf("%s cache %q: %v", e.prefix, key, merr)
		enc = codec.Buffer{}
	}
	buf := s.own(enc)
	if perr := e.cfg.Cache.Put(key, *buf); perr != nil {
		glog.Warningf("%s cache %q: %v", e.prefix, key, perr)
	}
	return out, err
}

// MarkModified drops cached deliveries after the upstream data changed.
func (e *Engine) MarkModified() {
	e.cfg.Cache.Purge()
	glog.V(2).Infof("%s cache purged", e.prefix)
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Deliveries:    e.deliveries,
		CacheHits:     e.hits,
		CacheMisses:   e.misses,
		Errors:        e.errs,
		Allocated:     e.counters.allocated.Load(),
		Released:      e.counters.released.Load(),
		BytesSent:     e.counters.sent.Load(),
		BytesReceived: e.counters.received.Load(),
		Targets:       e.plan.Targets,
		LastError:     e.lastErr,
	}
}

func (e *Engine) record(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deliveries++
	if err != nil {
		e.errs++
		e.lastErr = err.Error()
		glog.Warningf("%s delivery failed: %v", e.prefix, err)
	}
}

func (e *Engine) empty(in *dataset.Dataset) *dataset.Dataset {
	if in != nil && in.Kind != 0 {
		return dataset.New(in.Kind)
	}
	return dataset.New(dataset.KindPolyData)
}

// marshal encodes the local piece. A piece that cannot be encoded is replaced by
// an empty one so the rank still takes part in the collective.
func (e *Engine) marshal(in *dataset.Dataset) ([]byte, error) {
	piece, err := codec.MarshalPiece(in)
	if err != nil {
		glog.Warningf("%s marshal: %v; contributing an empty piece", e.prefix, err)
		return []byte{}, fmt.Errorf("marshal: %w", err)
	}
	return piece, nil
}

func (e *Engine) hasRelay(rank int) bool {
	return e.cfg.Bridge != nil && e.cfg.Bridge.Has(rank)
}

// relay sends buf to the paired render rank. Ranks without a channel skip the
// relay silently.
func (e *Engine) relay(ctx context.Context, rank int, buf codec.Buffer) error {
	if !e.hasRelay(rank) {
		glog.V(2).Infof("%s no bridge channel for rank %d, skipping relay", e.prefix, rank)
		return nil
	}
	if err := e.cfg.Bridge.Send(ctx, rank, buf); err != nil {
		return fmt.Errorf("relay to render rank %d: %w", rank, err)
	}
	e.counters.sent.Add(uint64(buf.Len()))
	return nil
}

func (e *Engine) receiveRelay(ctx context.Context, rank int) (codec.Buffer, error) {
	buf, err := e.cfg.Bridge.Receive(ctx, rank)
	if err != nil {
		return codec.Buffer{}, fmt.Errorf("receive from data rank %d: %w", rank, err)
	}
	e.counters.received.Add(uint64(buf.Len()))
	return buf, nil
}

func (e *Engine) sendToClient(ctx context.Context, buf codec.Buffer) error {
	if e.cfg.ClientLink == nil {
		glog.Warningf("%s no client link, result not shipped", e.prefix)
		return fmt.Errorf("%w: client", ErrNoLink)
	}
	if err := e.cfg.ClientLink.Send(ctx, buf); err != nil {
		return fmt.Errorf("send to client: %w", err)
	}
	e.counters.sent.Add(uint64(buf.Len()))
	return nil
}
