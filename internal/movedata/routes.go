package movedata

import (
	"context"
	"errors"
	"fmt"

	"github.com/dreamware/rendersync/internal/cluster"
	"github.com/dreamware/rendersync/internal/codec"
	"github.com/dreamware/rendersync/internal/comm"
	"github.com/dreamware/rendersync/internal/dataset"
)

// route selects a handler. Mode is always an effective mode.
type route struct {
	mode   Mode
	role   cluster.Role
	render bool // topology has a render-server tier
}

type handler func(ctx context.Context, e *Engine, s *scope, in *dataset.Dataset) (*dataset.Dataset, error)

var routes = map[route]handler{
	{PassThrough, cluster.RoleClient, false}:     nothing,
	{PassThrough, cluster.RoleDataServer, false}: local,
	{Collect, cluster.RoleClient, false}:         fromDataServer,
	{Collect, cluster.RoleDataServer, false}:     collect,
	{Clone, cluster.RoleClient, false}:           fromDataServer,
	{Clone, cluster.RoleDataServer, false}:       clone,

	{PassThrough, cluster.RoleClient, true}:       nothing,
	{PassThrough, cluster.RoleDataServer, true}:   redistribute,
	{PassThrough, cluster.RoleRenderServer, true}: fromBridge,
	{Collect, cluster.RoleClient, true}:           fromDataServer,
	{Collect, cluster.RoleDataServer, true}:       collect,
	{Collect, cluster.RoleRenderServer, true}:     nothing,
	{Clone, cluster.RoleClient, true}:             fromDataServer,
	{Clone, cluster.RoleDataServer, true}:         clone,
	{Clone, cluster.RoleRenderServer, true}:       cloneOnRender,
}

func nothing(_ context.Context, e *Engine, _ *scope, in *dataset.Dataset) (*dataset.Dataset, error) {
	return e.empty(in), nil
}

func local(_ context.Context, _ *Engine, _ *scope, in *dataset.Dataset) (*dataset.Dataset, error) {
	return in.ShallowCopy(), nil
}

// collect gathers every piece on the root, which keeps the union and ships it
// to the client. Other ranks end up empty.
func collect(ctx context.Context, e *Engine, s *scope, in *dataset.Dataset) (*dataset.Dataset, error) {
	c := e.cfg.Comm
	root := c.Rank() == comm.Root
	toClient := root && e.cfg.Topology.HasClient()
	if c.Size() == 1 && !toClient {
		return in.ShallowCopy(), nil
	}

	piece, err := e.marshal(in)
	if c.Size() == 1 {
		all := s.own(codec.Single(piece))
		return in.ShallowCopy(), errors.Join(err, e.sendToClient(ctx, *all))
	}

	g, gerr := c.Gather(ctx, comm.Root, piece)
	if gerr != nil {
		err = errors.Join(err, fmt.Errorf("gather: %w", gerr))
		if toClient {
			// keep the client from waiting on a result that will not come
			err = errors.Join(err, e.sendToClient(ctx, codec.Buffer{}))
		}
		return e.empty(in), err
	}
	all := s.own(g)
	if !root {
		return e.empty(in), err
	}
	out, uerr := codec.Unmarshal(*all)
	err = errors.Join(err, uerr)
	if toClient {
		err = errors.Join(err, e.sendToClient(ctx, *all))
	}
	return out, err
}

// clone gives every data-server rank the union. The root relays it to the
// client and to render rank 0.
func clone(ctx context.Context, e *Engine, s *scope, in *dataset.Dataset) (*dataset.Dataset, error) {
	c := e.cfg.Comm
	root := c.Rank() == comm.Root
	toClient := root && e.cfg.Topology.HasClient()
	toRender := root && e.cfg.Topology.HasRenderServer()
	if c.Size() == 1 && !toClient && !toRender {
		return in.ShallowCopy(), nil
	}

	piece, err := e.marshal(in)
	var out *dataset.Dataset
	var all *codec.Buffer
	if c.Size() == 1 {
		out = in.ShallowCopy()
		all = s.own(codec.Single(piece))
	} else if g, gerr := c.AllGather(ctx, piece); gerr != nil {
		err = errors.Join(err, fmt.Errorf("all-gather: %w", gerr))
		out = e.empty(in)
		all = s.own(codec.Buffer{})
	} else {
		all = s.own(g)
		var uerr error
		out, uerr = codec.Unmarshal(*all)
		err = errors.Join(err, uerr)
	}
	if toClient {
		err = errors.Join(err, e.sendToClient(ctx, *all))
	}
	if toRender {
		err = errors.Join(err, e.relay(ctx, comm.Root, *all))
	}
	return out, err
}

// redistribute performs the all-to-N step of pass-through with a render tier:
// every source sends its piece to its plan target, and each target forwards
// what it collected over its bridge channel. Data-server ranks keep nothing.
func redistribute(ctx context.Context, e *Engine, s *scope, in *dataset.Dataset) (*dataset.Dataset, error) {
	c := e.cfg.Comm
	rank := c.Rank()
	piece, err := e.marshal(in)

	if t := e.plan.TargetFor(rank); t != rank {
		if serr := c.Send(ctx, t, comm.TagRedistribute, piece); serr != nil {
			err = errors.Join(err, fmt.Errorf("redistribute to rank %d: %w", t, serr))
		}
		return e.empty(in), err
	}

	var pieces [][]byte
	for _, src := range e.plan.SourcesFor(rank) {
		if src == rank {
			pieces = append(pieces, piece)
			continue
		}
		p, rerr := c.Recv(ctx, src, comm.TagRedistribute)
		if rerr != nil {
			err = errors.Join(err, fmt.Errorf("redistribute from rank %d: %w", src, rerr))
			continue
		}
		pieces = append(pieces, p)
	}
	buf := s.own(codec.Concat(pieces...))
	err = errors.Join(err, e.relay(ctx, rank, *buf))
	return e.empty(in), err
}

// fromBridge receives a render rank's pass-through share. Unpaired ranks get
// nothing.
func fromBridge(ctx context.Context, e *Engine, s *scope, in *dataset.Dataset) (*dataset.Dataset, error) {
	rank := e.cfg.Comm.Rank()
	if !e.hasRelay(rank) {
		return e.empty(in), nil
	}
	b, err := e.receiveRelay(ctx, rank)
	if err != nil {
		return e.empty(in), err
	}
	buf := s.own(b)
	return codec.Unmarshal(*buf)
}

// cloneOnRender receives the union on render rank 0 and broadcasts it to the
// rest of the render tier.
func cloneOnRender(ctx context.Context, e *Engine, s *scope, in *dataset.Dataset) (*dataset.Dataset, error) {
	c := e.cfg.Comm
	var err error
	if c.Rank() == comm.Root {
		buf := s.own(codec.Buffer{})
		if e.hasRelay(comm.Root) {
			if b, rerr := e.receiveRelay(ctx, comm.Root); rerr != nil {
				err = rerr
			} else {
				*buf = b
			}
		}
		if c.Size() > 1 {
			frame := s.own(codec.Single(codec.AppendFrame(nil, *buf)))
			if _, berr := c.Broadcast(ctx, comm.Root, frame.Data); berr != nil {
				return e.empty(in), errors.Join(err, fmt.Errorf("broadcast: %w", berr))
			}
		}
		out, uerr := codec.Unmarshal(*buf)
		return out, errors.Join(err, uerr)
	}

	data, berr := c.Broadcast(ctx, comm.Root, nil)
	if berr != nil {
		return e.empty(in), fmt.Errorf("broadcast: %w", berr)
	}
	b, perr := codec.ParseFrame(data)
	if perr != nil {
		return e.empty(in), perr
	}
	buf := s.own(b)
	return codec.Unmarshal(*buf)
}

// fromDataServer is the client side of collect and clone.
func fromDataServer(ctx context.Context, e *Engine, s *scope, in *dataset.Dataset) (*dataset.Dataset, error) {
	if e.cfg.DataLink == nil {
		return e.empty(in), fmt.Errorf("%w: data server", ErrNoLink)
	}
	b, err := e.cfg.DataLink.Receive(ctx)
	if err != nil {
		return e.empty(in), fmt.Errorf("receive from data server: %w", err)
	}
	e.counters.received.Add(uint64(b.Len()))
	buf := s.own(b)
	return codec.Unmarshal(*buf)
}
