package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"

	"github.com/dreamware/rendersync/internal/movedata"
	"github.com/dreamware/rendersync/internal/view"
	"github.com/dreamware/rendersync/internal/windows"
)

// ErrRemote wraps an error reported by a server group in its Ack.
var ErrRemote = errors.New("server group failed")

// RenderTrigger forwards the driver's layout to the rendering group over link
// and waits until every rank of it has rendered.
func RenderTrigger(link Link) windows.Trigger {
	return windows.TriggerFunc(func(ctx context.Context, layout []byte) error {
		frame := uint64(0)
		if msg, err := windows.DecodeLayout(layout); err == nil {
			frame = msg.Frame
		}
		if err := link.Send(ctx, Message{Kind: KindRender, Frame: frame, Layout: layout}); err != nil {
			return fmt.Errorf("send render %d: %w", frame, err)
		}
		_, err := awaitAck(ctx, link, frame)
		return err
	})
}

func awaitAck(ctx context.Context, link Link, frame uint64) (Message, error) {
	ack, err := link.Receive(ctx)
	if err != nil {
		return ack, fmt.Errorf("await ack %d: %w", frame, err)
	}
	if ack.Kind != KindAck || ack.Frame != frame {
		return ack, fmt.Errorf("%w: got %s %d, want ack %d", ErrBadMessage, ack.Kind, ack.Frame, frame)
	}
	if ack.Error != "" {
		return ack, fmt.Errorf("%w: %s", ErrRemote, ack.Error)
	}
	return ack, nil
}

// FrameRequest is what the driver asks of one frame.
type FrameRequest struct {
	Time     float64
	Mode     movedata.Mode
	UseCache bool
	CacheKey string
	// Modified discards cached results on every rank before the frame.
	Modified bool
}

// FrameResult summarises one driven frame.
type FrameResult struct {
	Frame        uint64        `json:"frame"`
	Trace        string        `json:"trace"`
	Mode         string        `json:"mode"`
	ClientPoints int           `json:"client_points"`
	DataPoints   int           `json:"data_points"`   // points on the data-server root
	RenderPoints int           `json:"render_points"` // points on the render-server root
	Errors       []string      `json:"errors,omitempty"`
	Elapsed      time.Duration `json:"elapsed"`
}

// Driver steps a session from the client side. It owns the driving window
// manager; without a client process (builtin) it keeps its own.
type Driver struct {
	client  *Session
	windows *windows.Manager
	data    Link // data-server root
	render  Link // render-server root, nil without a render tier

	width, height int
	frame         uint64
	views         []windows.ViewID
	defaultMode   movedata.Mode
}

// NewDriver drives the client session client over the given links. render
// may be nil.
func NewDriver(client *Session, data, render Link, width, height int) *Driver {
	return &Driver{client: client, windows: client.Windows(), data: data, render: render, width: width, height: height}
}

// newLocalDriver drives a builtin group through link; layout is kept in m.
func newLocalDriver(m *windows.Manager, link Link, width, height int) *Driver {
	return &Driver{windows: m, data: link, width: width, height: height}
}

func (d *Driver) links() []Link {
	if d.render != nil {
		return []Link{d.data, d.render}
	}
	return []Link{d.data}
}

func (d *Driver) Windows() *windows.Manager { return d.windows }

// DefaultMode is the move mode of the first view opened.
func (d *Driver) DefaultMode() movedata.Mode { return d.defaultMode }

func (d *Driver) Views() []windows.ViewID { return append([]windows.ViewID(nil), d.views...) }

// Open opens a view of typeName on the client and on every server group and
// lays it out to the right of the previous views.
func (d *Driver) Open(ctx context.Context, typeName string) (windows.ViewID, error) {
	var id windows.ViewID
	if d.client != nil {
		sc, err := d.client.Open(typeName)
		if err != nil {
			return 0, err
		}
		id = sc.ID
		if len(d.views) == 0 {
			d.defaultMode = sc.View.DefaultMode()
		}
	} else {
		v, err := view.DefaultRegistry().New(typeName, nil)
		if err != nil {
			return 0, err
		}
		id = d.windows.NextID()
		if err := d.windows.Initialize(id); err != nil {
			return 0, err
		}
		if len(d.views) == 0 {
			d.defaultMode = v.DefaultMode()
		}
	}

	for _, l := range d.links() {
		if err := l.Send(ctx, Message{Kind: KindOpen, ViewType: typeName}); err != nil {
			return 0, fmt.Errorf("open %s: %w", typeName, err)
		}
		ack, err := awaitAck(ctx, l, 0)
		if err != nil {
			return 0, fmt.Errorf("open %s: %w", typeName, err)
		}
		if windows.ViewID(ack.View) != id {
			return 0, fmt.Errorf("%w: server opened view %d, client %d", ErrBadMessage, ack.View, id)
		}
	}

	if err := d.windows.SetPosition(id, len(d.views)*d.width, 0); err != nil {
		return 0, err
	}
	if err := d.windows.SetSize(id, d.width, d.height); err != nil {
		return 0, err
	}
	d.views = append(d.views, id)
	return id, nil
}

// Frame runs one frame on every tier and then renders it.
//
// Sequence:
//  1. send Frame to the data-server root (and render-server root)
//  2. run the client's own frame, which receives collected or cloned data
//  3. wait for each root's Ack
//  4. StillRender: the layout goes to the rendering group, which acks once
//     every rank rendered, then the client renders
func (d *Driver) Frame(ctx context.Context, req FrameRequest) (FrameResult, error) {
	start := time.Now()
	d.frame++
	m := Message{
		Kind:     KindFrame,
		Frame:    d.frame,
		Trace:    ulid.Make(),
		Time:     req.Time,
		Mode:     req.Mode,
		UseCache: req.UseCache,
		CacheKey: req.CacheKey,
		Modified: req.Modified,
	}
	res := FrameResult{Frame: m.Frame, Trace: m.Trace.String(), Mode: m.Mode.String()}
	fail := func(err error) {
		res.Errors = append(res.Errors, err.Error())
	}

	for _, l := range d.links() {
		if err := l.Send(ctx, m); err != nil {
			return res, fmt.Errorf("send frame %d: %w", m.Frame, err)
		}
	}
	if d.client != nil {
		out, err := d.client.Frame(ctx, m)
		if err != nil {
			return res, err
		}
		res.ClientPoints = out.Points
		if out.Err != nil {
			fail(out.Err)
		}
	}
	for i, l := range d.links() {
		ack, err := awaitAck(ctx, l, m.Frame)
		if err != nil && !errors.Is(err, ErrRemote) {
			return res, err
		}
		if err != nil {
			fail(err)
		}
		if i == 0 {
			res.DataPoints = ack.Points
		} else {
			res.RenderPoints = ack.Points
		}
	}

	if err := d.windows.StillRender(ctx); err != nil {
		if !errors.Is(err, ErrRemote) {
			return res, fmt.Errorf("render frame %d: %w", m.Frame, err)
		}
		fail(err)
	}
	res.Elapsed = time.Since(start)
	glog.V(1).Infof("driver: frame %d %s client=%d ds=%d rs=%d in %v", res.Frame, res.Mode,
		res.ClientPoints, res.DataPoints, res.RenderPoints, res.Elapsed)
	return res, nil
}

// Stop ends the serve loops of every server group.
func (d *Driver) Stop(ctx context.Context) error {
	var err error
	for _, l := range d.links() {
		err = errors.Join(err, l.Send(ctx, Message{Kind: KindStop}))
	}
	return err
}
