package view

import (
	"context"
	"slices"
	"sync"

	"github.com/golang/glog"

	"github.com/dreamware/rendersync/internal/comm"
	"github.com/dreamware/rendersync/internal/movedata"
)

// Representation is one thing a view shows. ProcessViewRequest runs a single
// pass and reports whether the representation took part in it.
type Representation interface {
	Visible() bool
	ProcessViewRequest(ctx context.Context, pass Pass, in, out *Info) bool
}

// CachePolicyReceiver is implemented by representations that can skip their
// own pipeline on a cache hit. A hit must produce exactly what a recompute at
// the same key would.
type CachePolicyReceiver interface {
	SetTime(t float64)
	SetCachePolicy(useCache bool, key string)
}

// Kind groups view types by how their data reaches the screen.
type Kind uint8

const (
	KindRender Kind = iota + 1
	KindSpreadSheet
	KindChart
)

// Report counts, per pass, the representations that took part in a frame.
type Report struct {
	Frame        uint64
	Participants map[Pass]int
}

// View runs frames over its representations.
type View struct {
	typeName string
	kind     Kind
	mode     movedata.Mode
	comm     comm.Comm

	mu       sync.Mutex
	reps     []Representation
	time     float64
	useCache bool
	cacheKey string
	frames   uint64
}

// New builds a view of the given type. c synchronises frames across a rank
// group and may be nil.
func New(typeName string, kind Kind, mode movedata.Mode, c comm.Comm) *View {
	return &View{typeName: typeName, kind: kind, mode: mode, comm: c}
}

func (v *View) TypeName() string { return v.typeName }

func (v *View) Kind() Kind { return v.kind }

// DefaultMode is the move mode new representations of this view start with.
func (v *View) DefaultMode() movedata.Mode { return v.mode }

func (v *View) Add(r Representation) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.reps = append(v.reps, r)
}

func (v *View) Remove(r Representation) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	i := slices.Index(v.reps, r)
	if i < 0 {
		return false
	}
	v.reps = slices.Delete(v.reps, i, i+1)
	return true
}

func (v *View) Representations() []Representation {
	v.mu.Lock()
	defer v.mu.Unlock()
	return slices.Clone(v.reps)
}

func (v *View) SetTime(t float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.time = t
}

func (v *View) SetCachePolicy(useCache bool, key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.useCache, v.cacheKey = useCache, key
}

func (v *View) Frames() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.frames
}

// RunFrame runs Update, Information, PrepareForRender and Render over every
// representation. Invisible representations are skipped for every pass.
func (v *View) RunFrame(ctx context.Context) (Report, error) {
	v.mu.Lock()
	v.frames++
	index := v.frames
	reps := slices.Clone(v.reps)
	t, useCache, key := v.time, v.useCache, v.cacheKey
	v.mu.Unlock()

	report := Report{Frame: index, Participants: make(map[Pass]int, len(Passes))}
	frame := NewFrame(index, v.comm)
	request := NewInfo()
	for _, pass := range Passes {
		if err := frame.Advance(ctx, pass); err != nil {
			return report, err
		}
		request.Time = t
		request.UseCache = useCache
		request.CacheKey = key
		if pass == PassUpdate {
			for _, r := range reps {
				if !r.Visible() {
					continue
				}
				if cr, ok := r.(CachePolicyReceiver); ok {
					cr.SetTime(t)
					cr.SetCachePolicy(useCache, key)
				}
			}
		}
		for _, r := range reps {
			if !r.Visible() {
				continue
			}
			out := NewInfo()
			if r.ProcessViewRequest(ctx, pass, request, out) {
				report.Participants[pass]++
			}
		}
		request.Reset()
	}
	glog.V(2).Infof("view %s: frame %d done, %d representations", v.typeName, index, len(reps))
	return report, nil
}
