package windows

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// layoutRecorder records the follower's applied layout at the moment Render is called.
type layoutRecorder struct {
	*MemoryBackend
	mgr  *Manager
	mu   sync.Mutex
	seen []Layout
}

func (p *layoutRecorder) Render(h Handle) error {
	if l, ok := p.mgr.Applied(1); ok {
		p.mu.Lock()
		p.seen = append(p.seen, l)
		p.mu.Unlock()
	}
	return p.MemoryBackend.Render(h)
}

// pair builds a driver and one follower connected by a direct trigger.
func pair(t *testing.T, followerOpts Options) (driver, follower *Manager, p *layoutRecorder) {
	t.Helper()
	p = &layoutRecorder{MemoryBackend: NewMemoryBackend()}
	follower = NewManager(p, nil, followerOpts)
	p.mgr = follower
	driver = NewManager(NewMemoryBackend(), TriggerFunc(follower.HandleTrigger), Options{Driver: true, Enabled: true})
	return driver, follower, p
}

func TestLayoutReachesFollowerBeforeRender(t *testing.T) {
	ctx := context.Background()
	driver, follower, p := pair(t, Options{Enabled: true})

	for _, m := range []*Manager{driver, follower} {
		id := m.NextID()
		require.Equal(t, ViewID(1), id)
		require.NoError(t, m.Initialize(id))
	}

	require.NoError(t, driver.SetPosition(1, 0, 0))
	require.NoError(t, driver.SetSize(1, 400, 300))
	require.NoError(t, driver.StillRender(ctx))

	require.NoError(t, driver.SetSize(1, 800, 600))
	require.NoError(t, driver.InteractiveRender(ctx))

	require.Len(t, p.seen, 2)
	assert.Equal(t, Layout{ID: 1, Width: 400, Height: 300}, p.seen[0])
	assert.Equal(t, Layout{ID: 1, Width: 800, Height: 600}, p.seen[1])

	h, ok := follower.Window(1)
	require.True(t, ok)
	w, ht := p.Size(h)
	assert.Equal(t, 800, w)
	assert.Equal(t, 600, ht)
	assert.Equal(t, uint64(2), driver.Frames())
	assert.Equal(t, uint64(2), follower.Frames())
}

func TestInitializePreconditions(t *testing.T) {
	m := NewManager(NewMemoryBackend(), nil, Options{})
	assert.True(t, errors.Is(m.Initialize(0), ErrZeroID))
	assert.True(t, errors.Is(m.SetSize(3, 10, 10), ErrNotInitialized))
	assert.True(t, errors.Is(m.SetPosition(3, 1, 1), ErrNotInitialized))

	require.NoError(t, m.Initialize(3))
	assert.True(t, errors.Is(m.Initialize(3), ErrAlreadyInitialized))
	assert.Equal(t, ViewID(4), m.NextID(), "ids are never reused")
}

func TestRenderersAndRemove(t *testing.T) {
	m := NewManager(NewMemoryBackend(), nil, Options{})
	require.NoError(t, m.Initialize(1))

	rs := m.Renderers(1)
	require.Len(t, rs, 2)
	assert.True(t, rs[0].Composited)
	assert.False(t, rs[1].Composited, "annotation layer is never composited")

	extra, err := m.AddRenderer(1, "overlay")
	require.NoError(t, err)
	assert.True(t, extra.Composited)
	assert.Len(t, m.Renderers(1), 3)

	assert.Equal(t, StateRegistered, m.State(1))
	require.NoError(t, m.Remove(1))
	assert.Equal(t, StateRemoved, m.State(1))
	assert.Empty(t, m.Renderers(1))
	_, ok := m.Window(1)
	assert.False(t, ok)
	assert.True(t, errors.Is(m.Remove(1), ErrNotInitialized))
	assert.Empty(t, m.Layout().Views)
	assert.Equal(t, StateUnregistered, m.State(9))
}

func TestStateDuringRender(t *testing.T) {
	m := NewManager(NewMemoryBackend(), nil, Options{})
	require.NoError(t, m.Initialize(1))
	var during State
	m.OnRendered(func(id ViewID, h Handle) { during = m.State(id) })
	require.NoError(t, m.StillRender(context.Background()))
	assert.Equal(t, StateRegistered, during)
	assert.Equal(t, StateRegistered, m.State(1))
}

func TestDisabledRendersLocally(t *testing.T) {
	calls := 0
	trigger := TriggerFunc(func(context.Context, []byte) error {
		calls++
		return nil
	})
	backend := NewMemoryBackend()
	m := NewManager(backend, trigger, Options{Driver: true, Enabled: false})
	require.NoError(t, m.Initialize(1))
	require.NoError(t, m.StillRender(context.Background()))
	assert.Zero(t, calls)
	h, _ := m.Window(1)
	assert.Equal(t, 1, backend.Renders(h))
}

func TestFollowerCannotStartRender(t *testing.T) {
	m := NewManager(NewMemoryBackend(), nil, Options{Enabled: true})
	assert.True(t, errors.Is(m.StillRender(context.Background()), ErrNotDriver))
}

func TestTriggerFailureSkipsLocalRender(t *testing.T) {
	backend := NewMemoryBackend()
	boom := errors.New("follower gone")
	m := NewManager(backend, TriggerFunc(func(context.Context, []byte) error { return boom }),
		Options{Driver: true, Enabled: true})
	require.NoError(t, m.Initialize(1))
	err := m.StillRender(context.Background())
	assert.True(t, errors.Is(err, boom))
	h, _ := m.Window(1)
	assert.Zero(t, backend.Renders(h))
}

func TestSharedWindow(t *testing.T) {
	backend := NewMemoryBackend()
	m := NewManager(backend, nil, Options{SharedWindow: true})
	require.NoError(t, m.Initialize(1))
	require.NoError(t, m.Initialize(2))
	h1, _ := m.Window(1)
	h2, _ := m.Window(2)
	assert.Equal(t, h1, h2)

	require.NoError(t, m.SetSize(1, 100, 50))
	require.NoError(t, m.SetPosition(2, 100, 0))
	require.NoError(t, m.SetSize(2, 60, 80))
	msg := m.Layout()
	assert.Equal(t, 160, msg.FullWidth)
	assert.Equal(t, 80, msg.FullHeight)

	rendered := map[ViewID]bool{}
	m.OnRendered(func(id ViewID, _ Handle) { rendered[id] = true })
	require.NoError(t, m.StillRender(context.Background()))
	w, ht := backend.Size(h1)
	assert.Equal(t, 160, w)
	assert.Equal(t, 80, ht)
	assert.Equal(t, 1, backend.Renders(h1))
	assert.True(t, rendered[1] && rendered[2])
}

func TestFollowerShrinksGaps(t *testing.T) {
	ctx := context.Background()
	driver, follower, _ := pair(t, Options{Enabled: true, ShrinkGaps: true})
	for _, m := range []*Manager{driver, follower} {
		require.NoError(t, m.Initialize(1))
		require.NoError(t, m.Initialize(2))
	}
	require.NoError(t, driver.SetSize(1, 100, 100))
	require.NoError(t, driver.SetPosition(2, 120, 0))
	require.NoError(t, driver.SetSize(2, 100, 100))
	require.NoError(t, driver.StillRender(ctx))

	l2, _ := follower.Applied(2)
	assert.Equal(t, 100, l2.X, "gap closed on the server")
	d2, _ := driver.Applied(2)
	assert.Equal(t, 120, d2.X, "driver keeps its layout")
	assert.Equal(t, 120, follower.Layout().Views[1].X, "logical layout untouched")
}

func TestHandleTriggerIgnoresUnknownViews(t *testing.T) {
	m := NewManager(NewMemoryBackend(), nil, Options{Enabled: true})
	require.NoError(t, m.Initialize(1))
	msg := LayoutMessage{Frame: 1, Views: []Layout{{ID: 1, Width: 10, Height: 10}, {ID: 7, Width: 5, Height: 5}}}
	require.NoError(t, m.HandleTrigger(context.Background(), msg.Encode()))
	l, ok := m.Applied(1)
	require.True(t, ok)
	assert.Equal(t, 10, l.Width)

	assert.Error(t, m.HandleTrigger(context.Background(), []byte{0xff}))
}

func TestMemoryBackendPixels(t *testing.T) {
	b := NewMemoryBackend()
	h, err := b.CreateWindow()
	require.NoError(t, err)
	require.NoError(t, b.Resize(h, 4, 4))
	require.NoError(t, b.SetFill(h, color.RGBA{R: 9, A: 255}))
	require.NoError(t, b.Render(h))

	pix, err := b.GetPixels(h, image.Rect(1, 1, 3, 2))
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 0, 0, 255, 9, 0, 0, 255}, pix)

	require.NoError(t, b.SetPixels(h, image.Rect(0, 0, 1, 1), []byte{1, 2, 3, 4}))
	assert.Equal(t, color.RGBA{R: 1, G: 2, B: 3, A: 4}, b.At(h, 0, 0))

	_, err = b.GetPixels(h, image.Rect(0, 0, 5, 5))
	assert.True(t, errors.Is(err, ErrOutOfBounds))
	assert.True(t, errors.Is(b.SetPixels(h, image.Rect(0, 0, 2, 2), []byte{1}), ErrOutOfBounds))
	assert.True(t, errors.Is(b.Render(99), ErrUnknownWindow))
}
