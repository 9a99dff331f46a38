package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang/glog"

	"github.com/dreamware/rendersync/internal/bridge"
	"github.com/dreamware/rendersync/internal/comm"
)

// Serve runs the rank loop of a server group until a stop message arrives,
// the link fails or ctx ends. The root reads each message from link and
// broadcasts it, so every rank handles the same sequence; other ranks pass a
// nil link. After handling a message the root answers with an Ack.
func (s *Session) Serve(ctx context.Context, link Link) error {
	root := s.Rank() == comm.Root
	if root && link == nil {
		return fmt.Errorf("%s serve: root has no link", s.prefix)
	}
	glog.Infof("%s serving %s", s.prefix, s.topo)
	for {
		m, err := s.next(ctx, link)
		if err != nil {
			return err
		}
		if m.Kind == KindStop {
			glog.Infof("%s stopped after %d frames", s.prefix, s.Info().Frames)
			return nil
		}
		ack, err := s.handle(ctx, m)
		if err != nil {
			return err
		}
		if root {
			if err := link.Send(ctx, ack); err != nil {
				return fmt.Errorf("%s ack %s %d: %w", s.prefix, m.Kind, m.Frame, err)
			}
		}
	}
}

// next returns the message every rank handles next.
func (s *Session) next(ctx context.Context, link Link) (Message, error) {
	c := s.comm
	if c.Rank() != comm.Root {
		data, err := c.Broadcast(ctx, comm.Root, nil)
		if err != nil {
			return Message{}, fmt.Errorf("%s receive broadcast: %w", s.prefix, err)
		}
		return DecodeMessage(data)
	}

	// the client may sit between frames for as long as it likes
	m, err := link.Receive(bridge.Idle(ctx))
	if err != nil {
		// release the followers before giving up
		glog.Errorf("%s link receive: %v", s.prefix, err)
		m = Message{Kind: KindStop}
		if c.Size() > 1 {
			_, _ = c.Broadcast(ctx, comm.Root, m.Encode())
		}
		if errors.Is(err, context.Canceled) {
			return m, err
		}
		return m, fmt.Errorf("%s link receive: %w", s.prefix, err)
	}
	glog.V(2).Infof("%s <- %s %d", s.prefix, m.Kind, m.Frame)
	if c.Size() > 1 {
		if _, err := c.Broadcast(ctx, comm.Root, m.Encode()); err != nil {
			return m, fmt.Errorf("%s broadcast %s: %w", s.prefix, m.Kind, err)
		}
	}
	return m, nil
}

// handle applies m on this rank and builds the acknowledgement. Only failures
// that leave the group out of step are returned as errors.
func (s *Session) handle(ctx context.Context, m Message) (Message, error) {
	ack := Message{Kind: KindAck, Frame: m.Frame, Trace: m.Trace}
	var failure error
	switch m.Kind {
	case KindOpen:
		sc, err := s.Open(m.ViewType)
		if err != nil {
			failure = err
			break
		}
		ack.View = uint32(sc.ID)
	case KindFrame:
		out, err := s.Frame(ctx, m)
		if err != nil {
			return ack, err
		}
		ack.Points = out.Points
		failure = out.Err
	case KindRender:
		failure = s.Render(ctx, m.Layout)
		if s.comm.Size() > 1 {
			if err := s.comm.Barrier(ctx); err != nil {
				return ack, fmt.Errorf("%s render barrier: %w", s.prefix, err)
			}
		}
	default:
		failure = fmt.Errorf("%w: unexpected %s", ErrBadMessage, m.Kind)
	}
	if failure != nil {
		glog.Warningf("%s %s %d: %v", s.prefix, m.Kind, m.Frame, failure)
		ack.Error = failure.Error()
	}
	return ack, nil
}
