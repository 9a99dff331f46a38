package viewlink

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/rendersync/internal/windows"
)

var (
	red  = color.RGBA{R: 255, A: 255}
	blue = color.RGBA{B: 255, A: 255}
)

type fixture struct {
	backend *windows.MemoryBackend
	linked  windows.Handle
	display windows.Handle
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	b := windows.NewMemoryBackend()
	linked, err := b.CreateWindow()
	require.NoError(t, err)
	display, err := b.CreateWindow()
	require.NoError(t, err)
	require.NoError(t, b.SetFill(linked, red))
	require.NoError(t, b.SetFill(display, blue))
	require.NoError(t, b.Render(display))
	return fixture{backend: b, linked: linked, display: display}
}

func (f fixture) link() Link {
	return Link{
		Linked:  f.linked,
		Display: f.display,
		Source:  image.Rect(0, 0, 50, 50),
		Dest:    image.Rect(100, 100, 200, 200),
	}
}

func TestNewRejectsBadLinks(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		edit func(*Link)
	}{
		{"empty source", func(l *Link) { l.Source = image.Rectangle{} }},
		{"empty dest", func(l *Link) { l.Dest = image.Rect(3, 3, 3, 9) }},
		{"self link", func(l *Link) { l.Display = l.Linked }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := f.link()
			tt.edit(&l)
			_, err := New(f.backend, l, Options{})
			assert.True(t, errors.Is(err, ErrBadLink))
		})
	}
}

func TestUnrenderedLinkedWindowIsNotRead(t *testing.T) {
	for _, opts := range []Options{{LinkedVisible: true}, {RemoteRendered: true}} {
		f := newFixture(t)
		c, err := New(f.backend, f.link(), opts)
		require.NoError(t, err)
		defer c.Close()

		require.NoError(t, c.DisplayRendered())
		assert.Equal(t, uint64(1), c.Stats().Skipped)
		assert.Zero(t, c.Stats().Immediate)
		assert.Zero(t, f.backend.Renders(f.linked), "linked window must not be rendered here")
		assert.Equal(t, blue, f.backend.At(f.display, 150, 150))
	}
}

func TestImmediateDrawCopiesLinkedRegion(t *testing.T) {
	f := newFixture(t)
	c, err := New(f.backend, f.link(), Options{LinkedVisible: true, LazyDelay: time.Hour})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, f.backend.Render(f.linked))
	c.LinkedRendered()
	require.NoError(t, c.DisplayRendered())

	assert.Equal(t, uint64(1), c.Stats().Immediate)
	assert.Equal(t, red, f.backend.At(f.display, 100, 100))
	assert.Equal(t, red, f.backend.At(f.display, 199, 199))
	assert.Equal(t, blue, f.backend.At(f.display, 99, 99))
	assert.Equal(t, blue, f.backend.At(f.display, 200, 150))
}

func TestHiddenLinkedWindowRendersOffscreen(t *testing.T) {
	f := newFixture(t)
	c, err := New(f.backend, f.link(), Options{LazyDelay: time.Hour})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.DisplayRendered())
	require.NoError(t, c.DisplayRendered())
	s := c.Stats()
	assert.Equal(t, uint64(2), s.Offscreen)
	assert.Equal(t, uint64(2), s.Immediate)
	assert.Equal(t, 2, f.backend.Renders(f.linked))
	assert.Equal(t, red, f.backend.At(f.display, 150, 150))
}

func TestLazyRedrawIsDebounced(t *testing.T) {
	f := newFixture(t)
	c, err := New(f.backend, f.link(), Options{LinkedVisible: true, LazyDelay: 20 * time.Millisecond})
	require.NoError(t, err)
	defer c.Close()
	c.LinkedRendered()
	require.NoError(t, f.backend.Render(f.linked))
	before := f.backend.Renders(f.display)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.DisplayRendered())
	}
	require.Eventually(t, func() bool { return c.Stats().Lazy == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)

	s := c.Stats()
	assert.Equal(t, uint64(3), s.Immediate)
	assert.Equal(t, uint64(1), s.Lazy)
	assert.Equal(t, before+1, f.backend.Renders(f.display), "lazy redraw renders the display once")
	assert.Equal(t, red, f.backend.At(f.display, 150, 150))
	assert.NoError(t, c.Err())
}

func TestCloseCancelsLazyRedraw(t *testing.T) {
	f := newFixture(t)
	c, err := New(f.backend, f.link(), Options{LazyDelay: 10 * time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, c.DisplayRendered())
	require.NoError(t, c.Close())
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, c.Stats().Lazy)
	assert.True(t, errors.Is(c.DisplayRendered(), ErrClosed))
}

func TestReadFailureIsCounted(t *testing.T) {
	f := newFixture(t)
	l := f.link()
	l.Source = image.Rect(250, 250, 400, 400) // outside the 300x300 window
	c, err := New(f.backend, l, Options{LazyDelay: time.Hour})
	require.NoError(t, err)
	defer c.Close()

	err = c.DisplayRendered()
	assert.True(t, errors.Is(err, windows.ErrOutOfBounds))
	assert.Equal(t, uint64(1), c.Stats().Errors)
	assert.Equal(t, err, c.Err())
}

func TestAttachFollowsManagerRenders(t *testing.T) {
	b := windows.NewMemoryBackend()
	m := windows.NewManager(b, nil, windows.Options{})
	require.NoError(t, m.Initialize(1))
	require.NoError(t, m.Initialize(2))
	lh, _ := m.Window(1)
	dh, _ := m.Window(2)
	require.NoError(t, b.SetFill(lh, red))
	require.NoError(t, b.SetFill(dh, blue))

	c, err := Attach(m, b, 1, 2, image.Rect(0, 0, 10, 10), image.Rect(20, 20, 40, 40),
		Options{LinkedVisible: true, LazyDelay: time.Hour})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, m.StillRender(context.Background()))
	assert.Equal(t, uint64(1), c.Stats().Immediate)
	assert.Equal(t, red, b.At(dh, 30, 30))
	assert.Equal(t, blue, b.At(dh, 10, 10))

	_, err = Attach(m, b, 1, 9, image.Rect(0, 0, 1, 1), image.Rect(0, 0, 1, 1), Options{})
	assert.True(t, errors.Is(err, ErrBadLink))
}

func TestResample(t *testing.T) {
	px := func(vals ...byte) []byte { return vals }
	tests := []struct {
		name           string
		src            []byte
		sw, sh, dw, dh int
		want           []byte
	}{
		{"identity", px(1, 2, 3, 4, 5, 6, 7, 8), 2, 1, 2, 1, px(1, 2, 3, 4, 5, 6, 7, 8)},
		{"upscale", px(9, 8, 7, 6), 1, 1, 2, 2, px(9, 8, 7, 6, 9, 8, 7, 6, 9, 8, 7, 6, 9, 8, 7, 6)},
		{"downscale picks nearest", px(1, 1, 1, 1, 2, 2, 2, 2, 3, 3, 3, 3, 4, 4, 4, 4), 4, 1, 2, 1, px(1, 1, 1, 1, 3, 3, 3, 3)},
		{"column stretch", px(1, 1, 1, 1, 2, 2, 2, 2), 1, 2, 1, 4, px(1, 1, 1, 1, 1, 1, 1, 1, 2, 2, 2, 2, 2, 2, 2, 2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resample(tt.src, tt.sw, tt.sh, tt.dw, tt.dh)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Resample(px(1, 2, 3), 1, 1, 1, 1)
	assert.True(t, errors.Is(err, ErrBadLink))
	_, err = Resample(nil, 0, 1, 1, 1)
	assert.True(t, errors.Is(err, ErrBadLink))
}
