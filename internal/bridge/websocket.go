package bridge

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dreamware/rendersync/internal/codec"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 << 10,
	WriteBufferSize: 64 << 10,
}

// wsChannel sends one frame per binary websocket message.
type wsChannel struct {
	conn *websocket.Conn
	opts Options

	wmu sync.Mutex
	rmu sync.Mutex
}

// DialWebsocket connects a client link to a server's websocket endpoint.
func DialWebsocket(ctx context.Context, url string, opts Options) (Channel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return newWSChannel(conn, opts), nil
}

// Upgrade accepts a client link on an HTTP handler.
func Upgrade(w http.ResponseWriter, r *http.Request, opts Options) (Channel, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newWSChannel(conn, opts), nil
}

func newWSChannel(conn *websocket.Conn, opts Options) *wsChannel {
	if opts.Limit > 0 {
		conn.SetReadLimit(int64(opts.Limit))
	}
	return &wsChannel{conn: conn, opts: opts}
}

func (c *wsChannel) Send(ctx context.Context, b codec.Buffer) error {
	if err := b.Validate(); err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline(ctx, c.opts))
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetWriteDeadline(time.Now())
	})
	defer stop()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, codec.AppendFrame(nil, b)); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (c *wsChannel) Receive(ctx context.Context) (codec.Buffer, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	_ = c.conn.SetReadDeadline(deadline(ctx, c.opts))
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()
	typ, msg, err := c.conn.ReadMessage()
	if err != nil {
		return codec.Buffer{}, fmt.Errorf("receive message: %w", err)
	}
	if typ != websocket.BinaryMessage {
		return codec.Buffer{}, fmt.Errorf("receive message: unexpected message type %d", typ)
	}
	return codec.ParseFrame(msg)
}

func (c *wsChannel) Close() error {
	c.wmu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.wmu.Unlock()
	return c.conn.Close()
}
