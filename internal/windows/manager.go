package windows

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/golang/glog"
)

var (
	ErrAlreadyInitialized = errors.New("view already initialized")
	ErrNotInitialized     = errors.New("view not initialized")
	ErrZeroID             = errors.New("view id must be non-zero")
	ErrNotDriver          = errors.New("only the driver starts renders")
)

type State uint8

const (
	StateUnregistered State = iota
	StateRegistered
	StateRendering
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistered:
		return "registered"
	case StateRendering:
		return "rendering"
	case StateRemoved:
		return "removed"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Renderer is a layer attached to a view's window. The non-composited layer
// holds annotations that are never delivered over the network or cached.
type Renderer struct {
	ID          int
	Composited  bool
	Description string
}

// Trigger reaches every follower process with a layout message and returns
// once they have rendered.
type Trigger interface {
	Trigger(ctx context.Context, msg []byte) error
}

// TriggerFunc adapts a function to Trigger.
type TriggerFunc func(ctx context.Context, msg []byte) error

func (f TriggerFunc) Trigger(ctx context.Context, msg []byte) error {
	return f(ctx, msg)
}

type Options struct {
	// Driver marks the process that starts renders and owns the layout.
	Driver bool
	// Enabled turns on cross-process renders. When false every render is local.
	Enabled bool
	// SharedWindow places every view in one backend window sized to the layout extent.
	SharedWindow bool
	// ShrinkGaps closes gaps between views before rendering. Server side only.
	ShrinkGaps bool
	// Name prefixes log lines.
	Name string
}

type view struct {
	id        ViewID
	window    Handle
	renderers []Renderer
	layout    Layout // as set by the driver
	applied   Layout // what was last rendered
	state     State
}

// Manager is a process's synchronized render-window registry. Every process
// must make the same registration calls in the same order; the driver then
// propagates layout with each render.
type Manager struct {
	backend Backend
	trigger Trigger
	opts    Options

	mu       sync.Mutex
	views    map[ViewID]*view
	nextID   ViewID
	nextRend int
	shared   Handle
	frame    uint64
	hooks    []func(id ViewID, h Handle)
}

func NewManager(backend Backend, trigger Trigger, opts Options) *Manager {
	if opts.Name == "" {
		opts.Name = "windows"
	}
	return &Manager{
		backend: backend,
		trigger: trigger,
		opts:    opts,
		views:   make(map[ViewID]*view),
	}
}

func (m *Manager) Options() Options {
	return m.opts
}

// NextID allocates an identifier. Identifiers are never reused, so processes
// that allocate in the same order agree on them.
func (m *Manager) NextID() ViewID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return m.nextID
}

// Initialize creates the window for id and its non-composited layer.
func (m *Manager) Initialize(id ViewID) error {
	if id == 0 {
		return ErrZeroID
	}
	m.mu.Lock()
	if v, ok := m.views[id]; ok && v.state != StateRemoved {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrAlreadyInitialized, id)
	}
	shared := m.shared
	m.mu.Unlock()

	h := shared
	if !m.opts.SharedWindow || shared == 0 {
		var err error
		if h, err = m.backend.CreateWindow(); err != nil {
			return fmt.Errorf("create window for view %d: %w", id, err)
		}
	}
	if err := m.Register(id, h); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.opts.SharedWindow && m.shared == 0 {
		m.shared = h
	}
	m.addRenderer(m.views[id], false, "annotations")
	return nil
}

// Register attaches an existing window to id with a primary renderer.
func (m *Manager) Register(id ViewID, h Handle) error {
	if id == 0 {
		return ErrZeroID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.views[id]; ok && v.state != StateRemoved {
		return fmt.Errorf("%w: %d", ErrAlreadyInitialized, id)
	}
	v := &view{id: id, window: h, state: StateRegistered, layout: Layout{ID: id}}
	m.views[id] = v
	m.addRenderer(v, true, "primary")
	m.nextID = max(m.nextID, id)
	glog.V(1).Infof("%s: view %d registered on window %d", m.opts.Name, id, h)
	return nil
}

func (m *Manager) addRenderer(v *view, composited bool, desc string) Renderer {
	m.nextRend++
	r := Renderer{ID: m.nextRend, Composited: composited, Description: desc}
	v.renderers = append(v.renderers, r)
	return r
}

func (m *Manager) live(id ViewID) (*view, error) {
	v, ok := m.views[id]
	if !ok || v.state == StateRemoved {
		return nil, fmt.Errorf("%w: %d", ErrNotInitialized, id)
	}
	return v, nil
}

// AddRenderer attaches another composited renderer to id.
func (m *Manager) AddRenderer(id ViewID, desc string) (Renderer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.live(id)
	if err != nil {
		return Renderer{}, err
	}
	return m.addRenderer(v, true, desc), nil
}

func (m *Manager) Renderers(id ViewID) []Renderer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, err := m.live(id); err == nil {
		return slices.Clone(v.renderers)
	}
	return nil
}

func (m *Manager) Window(id ViewID) (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.live(id)
	if err != nil {
		return 0, false
	}
	return v.window, true
}

// Remove drops id together with its renderers.
func (m *Manager) Remove(id ViewID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.live(id)
	if err != nil {
		return err
	}
	v.renderers = nil
	v.state = StateRemoved
	glog.V(1).Infof("%s: view %d removed", m.opts.Name, id)
	return nil
}

func (m *Manager) State(id ViewID) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.views[id]; ok {
		return v.state
	}
	return StateUnregistered
}

func (m *Manager) SetPosition(id ViewID, x, y int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.live(id)
	if err != nil {
		return err
	}
	v.layout.X, v.layout.Y = x, y
	return nil
}

func (m *Manager) SetSize(id ViewID, width, height int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.live(id)
	if err != nil {
		return err
	}
	v.layout.Width, v.layout.Height = width, height
	return nil
}

// Layout returns the current layout of every live view.
func (m *Manager) Layout() LayoutMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.layoutLocked()
}

func (m *Manager) layoutLocked() LayoutMessage {
	msg := LayoutMessage{Frame: m.frame}
	for _, v := range m.liveLocked() {
		msg.Views = append(msg.Views, v.layout)
	}
	msg.FullWidth, msg.FullHeight = Extent(msg.Views)
	return msg
}

func (m *Manager) liveLocked() []*view {
	out := make([]*view, 0, len(m.views))
	for _, v := range m.views {
		if v.state != StateRemoved {
			out = append(out, v)
		}
	}
	slices.SortFunc(out, func(a, b *view) int { return int(a.id) - int(b.id) })
	return out
}

// Applied returns the layout id was last rendered with.
func (m *Manager) Applied(id ViewID) (Layout, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.live(id)
	if err != nil {
		return Layout{}, false
	}
	return v.applied, true
}

// Frames is the number of renders this process performed.
func (m *Manager) Frames() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frame
}

// OnRendered registers fn to run after each view's window has rendered.
func (m *Manager) OnRendered(fn func(id ViewID, h Handle)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

func (m *Manager) StillRender(ctx context.Context) error {
	return m.render(ctx, false)
}

func (m *Manager) InteractiveRender(ctx context.Context) error {
	return m.render(ctx, true)
}

// render is the driver side: serialize the layout, trigger the followers,
// then render locally.
func (m *Manager) render(ctx context.Context, interactive bool) error {
	if !m.opts.Enabled {
		return m.renderLocal(m.Layout())
	}
	if !m.opts.Driver {
		return ErrNotDriver
	}
	m.mu.Lock()
	msg := m.layoutLocked()
	msg.Frame = m.frame + 1
	msg.Interactive = interactive
	m.mu.Unlock()

	if m.trigger != nil {
		if err := m.trigger.Trigger(ctx, msg.Encode()); err != nil {
			return fmt.Errorf("trigger frame %d: %w", msg.Frame, err)
		}
	}
	return m.renderLocal(msg)
}

// HandleTrigger is the follower side: apply the driver's layout, then render.
func (m *Manager) HandleTrigger(ctx context.Context, raw []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := DecodeLayout(raw)
	if err != nil {
		return err
	}
	m.mu.Lock()
	for _, l := range msg.Views {
		v, err := m.live(l.ID)
		if err != nil {
			glog.Warningf("%s: layout for unknown view %d ignored", m.opts.Name, l.ID)
			continue
		}
		v.layout = l
	}
	m.mu.Unlock()
	return m.renderLocal(msg)
}

func (m *Manager) renderLocal(msg LayoutMessage) error {
	layouts := msg.Views
	if m.opts.ShrinkGaps {
		layouts = ShrinkGaps(layouts)
	}
	byID := make(map[ViewID]Layout, len(layouts))
	for _, l := range layouts {
		byID[l.ID] = l
	}

	m.mu.Lock()
	views := m.liveLocked()
	for _, v := range views {
		if l, ok := byID[v.id]; ok {
			v.applied = l
		}
		v.state = StateRendering
	}
	hooks := slices.Clone(m.hooks)
	m.mu.Unlock()

	err := m.drawWindows(views, layouts)

	m.mu.Lock()
	for _, v := range views {
		if v.state == StateRendering {
			v.state = StateRegistered
		}
	}
	m.frame++
	frame := m.frame
	m.mu.Unlock()

	if err != nil {
		return err
	}
	for _, v := range views {
		for _, fn := range hooks {
			fn(v.id, v.window)
		}
	}
	glog.V(2).Infof("%s: frame %d rendered %d views", m.opts.Name, frame, len(views))
	return nil
}

func (m *Manager) drawWindows(views []*view, layouts []Layout) error {
	resizer, canResize := m.backend.(Resizer)
	if m.opts.SharedWindow {
		if len(views) == 0 {
			return nil
		}
		h := views[0].window
		if w, ht := Extent(layouts); canResize && w > 0 && ht > 0 {
			if err := resizer.Resize(h, w, ht); err != nil {
				return err
			}
		}
		return m.backend.Render(h)
	}
	for _, v := range views {
		if canResize && v.applied.Width > 0 && v.applied.Height > 0 {
			if err := resizer.Resize(v.window, v.applied.Width, v.applied.Height); err != nil {
				return err
			}
		}
		if err := m.backend.Render(v.window); err != nil {
			return fmt.Errorf("render view %d: %w", v.id, err)
		}
	}
	return nil
}
