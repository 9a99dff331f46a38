package viewlink

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/dreamware/rendersync/internal/windows"
)

// DefaultLazyDelay is how long after the last display render the settled
// redraw runs.
const DefaultLazyDelay = 50 * time.Millisecond

var (
	ErrBadLink = errors.New("invalid view link")
	ErrClosed  = errors.New("compositor closed")
)

// Link places a region of the linked window inside the display window.
type Link struct {
	Linked  windows.Handle  // window whose pixels are copied
	Display windows.Handle  // window that hosts the embedded view
	Source  image.Rectangle // region read from Linked
	Dest    image.Rectangle // region written in Display
}

// Options control when the linked window may be rendered offscreen.
type Options struct {
	// LazyDelay defaults to DefaultLazyDelay.
	LazyDelay time.Duration
	// LinkedVisible reports that the linked window is shown on its own and
	// renders as part of the normal frame.
	LinkedVisible bool
	// RemoteRendered reports that the linked window is rendered by the
	// server tier; the compositor must then not render it locally.
	RemoteRendered bool
}

// Stats counts compositor work since creation.
type Stats struct {
	Immediate uint64 `json:"immediate"` // best-effort draws on display renders
	Lazy      uint64 `json:"lazy"`      // settled redraws after the delay
	Skipped   uint64 `json:"skipped"`   // draws refused because the linked window never rendered
	Offscreen uint64 `json:"offscreen"` // offscreen renders of a hidden linked window
	Errors    uint64 `json:"errors"`
}

// Compositor implements "a view inside a view": after every render of the
// display window it copies Link.Source from the linked window into Link.Dest,
// resampled to the destination size.
//
// Drawing is two-stage:
//
//	DisplayRendered ──► immediate draw
//	      │
//	      └── (re)arm timer ──LazyDelay──► render display, draw again
//
// Repeated renders inside the delay push the lazy redraw back, so an
// interactive drag gets a cheap draw per frame and one clean frame when it
// stops.
//
// Thread Safety:
// All methods are safe for concurrent use. The lazy redraw runs on the timer's
// goroutine and holds the same lock as the immediate draw.
type Compositor struct {
	backend windows.Backend
	link    Link
	opts    Options

	mu             sync.Mutex
	linkedRendered bool
	timer          *time.Timer
	closed         bool
	stats          Stats
	lastErr        error
}

// New creates a compositor for link.
//
// Parameters:
//   - backend: windowing system owning both windows
//   - link: source and destination regions; both must be non-empty
//   - opts: visibility of the linked window and lazy delay
//
// Returns:
//   - *Compositor: ready to receive render notifications
//   - error: ErrBadLink if the regions are empty or the windows coincide
func New(backend windows.Backend, link Link, opts Options) (*Compositor, error) {
	if link.Source.Empty() || link.Dest.Empty() {
		return nil, fmt.Errorf("%w: empty region (source %v, dest %v)", ErrBadLink, link.Source, link.Dest)
	}
	if link.Linked == link.Display {
		return nil, fmt.Errorf("%w: window %d linked to itself", ErrBadLink, link.Linked)
	}
	if opts.LazyDelay <= 0 {
		opts.LazyDelay = DefaultLazyDelay
	}
	return &Compositor{backend: backend, link: link, opts: opts}, nil
}

// Attach creates a compositor between two views of m and hooks it to m's
// render notifications.
func Attach(m *windows.Manager, backend windows.Backend, linked, display windows.ViewID, source, dest image.Rectangle, opts Options) (*Compositor, error) {
	lh, ok := m.Window(linked)
	if !ok {
		return nil, fmt.Errorf("%w: view %d has no window", ErrBadLink, linked)
	}
	dh, ok := m.Window(display)
	if !ok {
		return nil, fmt.Errorf("%w: view %d has no window", ErrBadLink, display)
	}
	c, err := New(backend, Link{Linked: lh, Display: dh, Source: source, Dest: dest}, opts)
	if err != nil {
		return nil, err
	}
	m.OnRendered(func(id windows.ViewID, _ windows.Handle) {
		switch id {
		case linked:
			c.LinkedRendered()
		case display:
			if err := c.DisplayRendered(); err != nil && !errors.Is(err, ErrClosed) {
				glog.Warningf("viewlink %d->%d: %v", linked, display, err)
			}
		}
	})
	return c, nil
}

// LinkedRendered records that the linked window completed a render, which
// makes its pixels safe to read.
func (c *Compositor) LinkedRendered() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.linkedRendered = true
}

// SetLinkedVisible changes whether the linked window renders on its own.
func (c *Compositor) SetLinkedVisible(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts.LinkedVisible = v
}

func (c *Compositor) SetRemoteRendered(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts.RemoteRendered = v
}

// DisplayRendered runs the immediate draw and re-arms the lazy redraw. It must
// be called after the display window's own render has completed.
func (c *Compositor) DisplayRendered() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	err := c.drawLocked(false)
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.opts.LazyDelay, c.lazy)
	return err
}

func (c *Compositor) lazy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if err := c.backend.Render(c.link.Display); err != nil {
		c.failLocked(fmt.Errorf("lazy render of display: %w", err))
		return
	}
	if err := c.drawLocked(true); err != nil {
		glog.V(1).Infof("viewlink: lazy draw: %v", err)
	}
}

// drawLocked copies the linked region into the display. A linked window that
// nothing else renders is rendered offscreen before every read; one that does
// render elsewhere is skipped until its first render completed.
func (c *Compositor) drawLocked(final bool) error {
	switch {
	case !c.opts.LinkedVisible && !c.opts.RemoteRendered:
		if err := c.backend.Render(c.link.Linked); err != nil {
			return c.failLocked(fmt.Errorf("offscreen render of linked window: %w", err))
		}
		c.stats.Offscreen++
		c.linkedRendered = true
	case !c.linkedRendered:
		c.stats.Skipped++
		return nil
	}

	src, err := c.backend.GetPixels(c.link.Linked, c.link.Source)
	if err != nil {
		return c.failLocked(fmt.Errorf("read linked window: %w", err))
	}
	pix, err := Resample(src, c.link.Source.Dx(), c.link.Source.Dy(), c.link.Dest.Dx(), c.link.Dest.Dy())
	if err != nil {
		return c.failLocked(err)
	}
	if err := c.backend.SetPixels(c.link.Display, c.link.Dest, pix); err != nil {
		return c.failLocked(fmt.Errorf("write display window: %w", err))
	}
	if final {
		c.stats.Lazy++
	} else {
		c.stats.Immediate++
	}
	return nil
}

func (c *Compositor) failLocked(err error) error {
	c.stats.Errors++
	c.lastErr = err
	return err
}

func (c *Compositor) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Err is the most recent draw failure, including failures of lazy redraws.
func (c *Compositor) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Close cancels a pending lazy redraw. Later render notifications are ignored.
func (c *Compositor) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	return nil
}
