package view

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/rendersync/internal/comm"
	"github.com/dreamware/rendersync/internal/movedata"
)

// recorder logs every call it receives.
type recorder struct {
	visible bool
	events  []string
	seen    []*Info
}

func (r *recorder) Visible() bool { return r.visible }

func (r *recorder) SetTime(t float64) { r.events = append(r.events, fmt.Sprintf("time %g", t)) }

func (r *recorder) SetCachePolicy(use bool, key string) {
	r.events = append(r.events, fmt.Sprintf("cache %t %s", use, key))
}

func (r *recorder) ProcessViewRequest(_ context.Context, pass Pass, in, out *Info) bool {
	r.events = append(r.events, fmt.Sprintf("%s t=%g key=%s", pass, in.Time, in.CacheKey))
	r.seen = append(r.seen, in)
	out.Set("pass", pass)
	return true
}

func TestRunFrameOrder(t *testing.T) {
	v := New("RenderView", KindRender, movedata.PassThrough, nil)
	r := &recorder{visible: true}
	v.Add(r)
	v.SetTime(2.5)
	v.SetCachePolicy(true, "t=2.5")

	report, err := v.RunFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"time 2.5",
		"cache true t=2.5",
		"update t=2.5 key=t=2.5",
		"information t=2.5 key=t=2.5",
		"prepare-for-render t=2.5 key=t=2.5",
		"render t=2.5 key=t=2.5",
	}, r.events)
	assert.Equal(t, uint64(1), report.Frame)
	for _, p := range Passes {
		assert.Equal(t, 1, report.Participants[p], p.String())
	}
}

func TestRequestClearedAfterEveryPass(t *testing.T) {
	v := New("RenderView", KindRender, movedata.PassThrough, nil)
	r := &recorder{visible: true}
	v.Add(r)
	v.SetTime(7)
	v.SetCachePolicy(true, "k")
	_, err := v.RunFrame(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, r.seen)
	last := r.seen[len(r.seen)-1]
	assert.Zero(t, last.Time)
	assert.Empty(t, last.CacheKey)
	assert.False(t, last.UseCache)
}

func TestInvisibleRepresentationIsNeverCalled(t *testing.T) {
	v := New("RenderView", KindRender, movedata.PassThrough, nil)
	hidden := &recorder{visible: false}
	shown := &recorder{visible: true}
	v.Add(hidden)
	v.Add(shown)
	for frame := 0; frame < 3; frame++ {
		report, err := v.RunFrame(context.Background())
		require.NoError(t, err)
		for _, p := range Passes {
			assert.Equal(t, 1, report.Participants[p])
		}
	}
	assert.Empty(t, hidden.events)
	assert.Len(t, shown.seen, 12)
	assert.Equal(t, uint64(3), v.Frames())
}

func TestAddRemove(t *testing.T) {
	v := New("RenderView", KindRender, movedata.PassThrough, nil)
	a, b := &recorder{visible: true}, &recorder{visible: true}
	v.Add(a)
	v.Add(b)
	assert.True(t, v.Remove(a))
	assert.False(t, v.Remove(a))
	assert.Len(t, v.Representations(), 1)
}

func TestFrameAdvance(t *testing.T) {
	ctx := context.Background()
	f := NewFrame(1, nil)
	_, ok := f.Current()
	assert.False(t, ok)
	assert.True(t, errors.Is(f.Advance(ctx, PassInformation), ErrOutOfOrder))

	for _, p := range Passes {
		require.NoError(t, f.Advance(ctx, p))
		cur, ok := f.Current()
		require.True(t, ok)
		assert.Equal(t, p, cur)
	}
	assert.True(t, f.Done())
	assert.True(t, errors.Is(f.Advance(ctx, PassUpdate), ErrOutOfOrder), "frames do not restart")
}

func TestFrameDetectsRankDesync(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w := comm.NewWorld(2)
	errs := make([]error, 2)
	var g errgroup.Group
	for rank := 0; rank < 2; rank++ {
		g.Go(func() error {
			f := NewFrame(uint64(rank+1), w.Comm(rank))
			errs[rank] = f.Advance(ctx, PassUpdate)
			return nil
		})
	}
	require.NoError(t, g.Wait())
	for rank, err := range errs {
		assert.True(t, errors.Is(err, comm.ErrDesync), "rank %d: %v", rank, err)
	}
}

func TestFramesAgreeAcrossRanks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w := comm.NewWorld(3)
	var g errgroup.Group
	for rank := 0; rank < 3; rank++ {
		g.Go(func() error {
			v := New("RenderView", KindRender, movedata.PassThrough, w.Comm(rank))
			v.Add(&recorder{visible: true})
			for i := 0; i < 2; i++ {
				if _, err := v.RunFrame(ctx); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{"BarChartView", "RenderView", "SpreadSheetView"}, r.Names())

	tests := []struct {
		name string
		kind Kind
		mode movedata.Mode
	}{
		{"RenderView", KindRender, movedata.PassThrough},
		{"SpreadSheetView", KindSpreadSheet, movedata.Collect},
		{"BarChartView", KindChart, movedata.Collect},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := r.New(tt.name, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.name, v.TypeName())
			assert.Equal(t, tt.kind, v.Kind())
			assert.Equal(t, tt.mode, v.DefaultMode())
		})
	}

	_, err := r.New("LineChartView", nil)
	assert.True(t, errors.Is(err, ErrUnknownType))
	err = r.Register("RenderView", func(comm.Comm) *View { return nil })
	assert.True(t, errors.Is(err, ErrDuplicateType))
}

func TestInfo(t *testing.T) {
	i := NewInfo()
	_, ok := i.Get("x")
	assert.False(t, ok)
	i.Set("x", 1)
	i.Time = 3
	v, ok := i.Get("x")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	i.Reset()
	assert.Zero(t, i.Len())
	assert.Zero(t, i.Time)
}
