package bridge

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"

	"github.com/dreamware/rendersync/internal/codec"
)

var helloMagic = []byte("rsb1")

// Bridge is one rank's end of the M-to-N data-server/render-server connection.
// Channels are keyed by peer rank and fixed when the bridge is built; ranks
// without a channel simply do not take part in relays.
type Bridge struct {
	channels map[int]Channel
	health   *Health
	session  ulid.ULID
	mu       sync.RWMutex
}

// New wraps already-paired channels.
func New(session ulid.ULID, channels map[int]Channel) *Bridge {
	if channels == nil {
		channels = make(map[int]Channel)
	}
	return &Bridge{channels: channels, health: NewHealth(3), session: session}
}

// Pairs is the number of channels an M-to-N bridge carries.
func Pairs(dataRanks, renderRanks int) int {
	return min(dataRanks, renderRanks)
}

func (b *Bridge) Session() ulid.ULID {
	return b.session
}

func (b *Bridge) Health() *Health {
	return b.health
}

func (b *Bridge) channel(rank int) (Channel, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ch, ok := b.channels[rank]
	if !ok {
		return nil, fmt.Errorf("%w %d", ErrNoChannel, rank)
	}
	return ch, nil
}

func (b *Bridge) Has(rank int) bool {
	if b == nil {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.channels[rank]
	return ok
}

func (b *Bridge) Ranks() []int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ranks := make([]int, 0, len(b.channels))
	for r := range b.channels {
		ranks = append(ranks, r)
	}
	slices.Sort(ranks)
	return ranks
}

func (b *Bridge) Send(ctx context.Context, rank int, buf codec.Buffer) error {
	ch, err := b.channel(rank)
	if err != nil {
		return err
	}
	if err := ch.Send(ctx, buf); err != nil {
		b.health.RecordFailure(rank, err)
		return err
	}
	b.health.RecordSuccess(rank)
	return nil
}

func (b *Bridge) Receive(ctx context.Context, rank int) (codec.Buffer, error) {
	ch, err := b.channel(rank)
	if err != nil {
		return codec.Buffer{}, err
	}
	buf, err := ch.Receive(ctx)
	if err != nil {
		b.health.RecordFailure(rank, err)
		return codec.Buffer{}, err
	}
	b.health.RecordSuccess(rank)
	return buf, nil
}

func (b *Bridge) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var first error
	for rank, ch := range b.channels {
		if err := ch.Close(); err != nil && first == nil {
			first = err
		}
		delete(b.channels, rank)
	}
	return first
}

func hello(session ulid.ULID, rank int) codec.Buffer {
	return codec.Concat(helloMagic, session[:], binary.BigEndian.AppendUint32(nil, uint32(rank)))
}

func parseHello(b codec.Buffer) (ulid.ULID, int, error) {
	var id ulid.ULID
	if b.Pieces() != 3 || !bytes.Equal(b.Piece(0), helloMagic) || len(b.Piece(1)) != len(id) || len(b.Piece(2)) != 4 {
		return id, 0, fmt.Errorf("%w: bad hello", ErrHandshake)
	}
	copy(id[:], b.Piece(1))
	return id, int(binary.BigEndian.Uint32(b.Piece(2))), nil
}

// Listener is the render-server side of the bridge.
type Listener struct {
	ln      net.Listener
	session ulid.ULID
	opts    Options
}

func Listen(addr string, session ulid.ULID, opts Options) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln, session: session, opts: opts}, nil
}

func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}

func (l *Listener) Close() error {
	return l.ln.Close()
}

// Accept waits for `expected` data-server ranks to connect and returns one bridge
// per render rank. Render ranks with no data-server peer get an empty bridge.
func (l *Listener) Accept(ctx context.Context, expected, renderRanks int) ([]*Bridge, error) {
	bridges := make([]*Bridge, renderRanks)
	for i := range bridges {
		bridges[i] = New(l.session, nil)
	}
	stop := context.AfterFunc(ctx, func() { _ = l.ln.Close() })
	defer stop()

	accepted := 0
	for accepted < expected {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			closeAll(bridges)
			return nil, fmt.Errorf("accept: %w", err)
		}
		ch := NewConnChannel(conn, l.opts)
		rank, err := l.handshake(ctx, ch, func(rank int) bool {
			return rank < renderRanks && !bridges[rank].Has(rank)
		})
		if err != nil {
			glog.Warningf("bridge: rejecting connection from %s: rank=%d err=%v", conn.RemoteAddr(), rank, err)
			_ = ch.Close()
			continue
		}
		bridges[rank].channels[rank] = ch
		accepted++
		glog.V(1).Infof("bridge: render rank %d paired with %s", rank, conn.RemoteAddr())
	}
	return bridges, nil
}

func (l *Listener) handshake(ctx context.Context, ch Channel, free func(rank int) bool) (int, error) {
	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	msg, err := ch.Receive(hctx)
	if err != nil {
		return -1, err
	}
	session, rank, err := parseHello(msg)
	if err != nil {
		return -1, err
	}
	if session != l.session {
		return -1, fmt.Errorf("%w: session %s, want %s", ErrHandshake, session, l.session)
	}
	if !free(rank) {
		return rank, fmt.Errorf("%w: rank %d unavailable", ErrHandshake, rank)
	}
	if err := ch.Send(hctx, hello(l.session, rank)); err != nil {
		return -1, err
	}
	return rank, nil
}

// Dial connects data-server rank to the render-server rank of the same number.
func Dial(ctx context.Context, addr string, session ulid.ULID, rank int, opts Options) (*Bridge, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial bridge %s: %w", addr, err)
	}
	ch := NewConnChannel(conn, opts)
	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := ch.Send(hctx, hello(session, rank)); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	ack, err := ch.Receive(hctx)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if s, r, err := parseHello(ack); err != nil || s != session || r != rank {
		_ = ch.Close()
		return nil, fmt.Errorf("%w: bad acknowledgement", ErrHandshake)
	}
	return New(session, map[int]Channel{rank: ch}), nil
}

func closeAll(bridges []*Bridge) {
	for _, b := range bridges {
		_ = b.Close()
	}
}
