package realtime

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/keboola/marketplace-live/internal/pkg/utils/errors"
)

const (
	readLimit        = 1 << 20
	pingTimeout = 5 * time.Second
)

// Dialer opens a connection to the push-update server.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// Conn is a message oriented duplex connection.
// ReadMessage is called from one goroutine, the other methods may be called concurrently.
type Conn interface {
	// ReadMessage blocks until the next message is received or the connection is closed.
	ReadMessage() ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close() error
}

type websocketDialer struct {
	handshakeTimeout time.Duration
}

type websocketConn struct {
	conn *websocket.Conn
	// ctx bounds reads, it is cancelled by Close
	ctx    context.Context
	cancel context.CancelFunc
}

// NewWebsocketDialer returns a Dialer backed by coder/websocket.
func NewWebsocketDialer(handshakeTimeout time.Duration) Dialer {
	return &websocketDialer{handshakeTimeout: handshakeTimeout}
}

func (d *websocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	// The context bounds only the handshake
	if d.handshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.handshakeTimeout)
		defer cancel()
	}

	conn, res, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if res != nil {
			return nil, errors.Wrapf(err, `websocket dial "%s" failed with http code %d`, url, res.StatusCode)
		}
		return nil, errors.Wrapf(err, `websocket dial "%s"`, url)
	}

	conn.SetReadLimit(readLimit)
	connCtx, cancel := context.WithCancel(context.Background())
	return &websocketConn{conn: conn, ctx: connCtx, cancel: cancel}, nil
}

func (c *websocketConn) ReadMessage() ([]byte, error) {
	// Only data messages are returned, control frames are handled by the library
	_, data, err := c.conn.Read(c.ctx)
	return data, err
}

func (c *websocketConn) WriteMessage(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// Ping waits for the pong, it requires a concurrent ReadMessage call.
func (c *websocketConn) Ping(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, pingTimeout)
		defer cancel()
	}
	return c.conn.Ping(ctx)
}

func (c *websocketConn) Close() error {
	defer c.cancel()
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return nil
	}
	return err
}
