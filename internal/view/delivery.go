package view

import (
	"context"
	"sync"

	"github.com/golang/glog"

	"github.com/dreamware/rendersync/internal/dataset"
	"github.com/dreamware/rendersync/internal/movedata"
)

// Deliverer is the part of the move-data engine a representation drives.
type Deliverer interface {
	Deliver(ctx context.Context, in *dataset.Dataset, mode movedata.Mode) (*dataset.Dataset, error)
	DeliverCached(ctx context.Context, in *dataset.Dataset, mode movedata.Mode, key string) (*dataset.Dataset, error)
	MarkModified()
}

// Source produces this rank's piece for a time. It is nil on ranks that own no
// source data.
type Source func(ctx context.Context, t float64) (*dataset.Dataset, error)

// DeliveryRepresentation pulls a piece from its source on Update, moves it
// with the engine on PrepareForRender and hands the result to Render.
type DeliveryRepresentation struct {
	name   string
	source Source
	engine Deliverer

	mu       sync.Mutex
	visible  bool
	mode     movedata.Mode
	time     float64
	useCache bool
	cacheKey string
	cached   map[string]bool // mode-scoped keys the engine already holds
	input    *dataset.Dataset
	output   *dataset.Dataset
	lastErr  error
	updates  int
	renders  int
}

func NewDeliveryRepresentation(name string, source Source, engine Deliverer, mode movedata.Mode) *DeliveryRepresentation {
	return &DeliveryRepresentation{
		name:    name,
		source:  source,
		engine:  engine,
		visible: true,
		mode:    mode,
		cached:  make(map[string]bool),
		output:  dataset.New(dataset.KindPolyData),
	}
}

func (r *DeliveryRepresentation) Name() string { return r.name }

func (r *DeliveryRepresentation) Visible() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.visible
}

// SetVisible must be called identically on every rank.
func (r *DeliveryRepresentation) SetVisible(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.visible = v
}

func (r *DeliveryRepresentation) Mode() movedata.Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

func (r *DeliveryRepresentation) SetMode(m movedata.Mode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mode = m
}

func (r *DeliveryRepresentation) SetTime(t float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.time = t
}

func (r *DeliveryRepresentation) SetCachePolicy(useCache bool, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.useCache, r.cacheKey = useCache, key
}

// MarkModified discards cached results after the source changed.
func (r *DeliveryRepresentation) MarkModified() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.cached)
	r.input = nil
	r.engine.MarkModified()
}

// Output is the dataset the last frame rendered. It is never nil.
func (r *DeliveryRepresentation) Output() *dataset.Dataset {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.output
}

// Err is the last error of the representation, cleared by a clean frame.
func (r *DeliveryRepresentation) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Updates counts source executions.
func (r *DeliveryRepresentation) Updates() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates
}

func (r *DeliveryRepresentation) Renders() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.renders
}

func (r *DeliveryRepresentation) ProcessViewRequest(ctx context.Context, pass Pass, in, out *Info) bool {
	// gate first: an invisible representation takes part in nothing
	if !r.Visible() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	key := movedata.CacheKey(r.cacheKey, r.mode)
	hit := r.useCache && key != "" && r.cached[key]
	switch pass {
	case PassUpdate:
		r.lastErr = nil
		if hit || r.source == nil {
			r.input = nil
			break
		}
		piece, err := r.source(ctx, r.time)
		r.updates++
		if err == nil && piece != nil {
			// the source keeps its dataset; moves and the cache see this frame's state
			piece, err = piece.DeepCopy()
		}
		if err != nil {
			glog.Warningf("representation %s: source at t=%g: %v", r.name, r.time, err)
			r.lastErr = err
			piece = nil
		}
		r.input = piece
		if piece != nil {
			out.Set("points", piece.NumPoints())
		}
	case PassInformation:
		if r.input != nil {
			out.Set("bounds", r.input.Bounds())
		}
		out.Set("mode", r.mode)
	case PassPrepareForRender:
		var result *dataset.Dataset
		var err error
		if r.useCache && key != "" {
			result, err = r.engine.DeliverCached(ctx, r.input, r.mode, r.cacheKey)
			r.cached[key] = true
		} else {
			result, err = r.engine.Deliver(ctx, r.input, r.mode)
		}
		if err != nil {
			r.lastErr = err
		}
		if result == nil {
			result = dataset.New(dataset.KindPolyData)
		}
		r.output = result
	case PassRender:
		r.renders++
		out.Set("rendered", r.output.NumPoints())
	}
	return true
}
