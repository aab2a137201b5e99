// Package netx is the message-oriented transport shared by the sync
// session and the server endpoint: gorilla websocket connections and an
// in-memory pipe for tests.
package netx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a frame to the peer when ctx has no deadline.
	writeWait = 10 * time.Second

	// Headroom over the configured max frame size for chunk envelopes.
	frameOverhead = 1024
)

// Close codes used by both ends.
const (
	CloseNormal          = websocket.CloseNormalClosure
	CloseGoingAway       = websocket.CloseGoingAway
	CloseAbnormal        = websocket.CloseAbnormalClosure
	ClosePolicyViolation = websocket.ClosePolicyViolation
	CloseServiceRestart  = websocket.CloseServiceRestart
	CloseTryAgainLater   = websocket.CloseTryAgainLater
	CloseSessionReplaced = 4000
	CloseSyncDisabled    = 4001
)

var ErrClosed = errors.New("connection closed")

// CloseError is returned by ReadMessage once the peer closed the
// connection with a close frame.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("closed by peer: code %d %q", e.Code, e.Reason)
}

// Conn carries binary frames. ReadMessage may run concurrently with
// WriteMessage; writes are serialized internally.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(ctx context.Context, frame []byte) error
	// SendClose writes a close frame without releasing the connection, so
	// the reader can still observe the peer's answer.
	SendClose(code int, reason string) error
	Close() error
}

// Dialer opens client connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WSConn adapts a gorilla websocket connection to Conn.
type WSConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func NewWSConn(c *websocket.Conn, maxFrameSize int) *WSConn {
	if maxFrameSize <= 0 {
		maxFrameSize = common.DefaultMaxFrameSize
	}
	c.SetReadLimit(int64(maxFrameSize + frameOverhead))
	return &WSConn{conn: c}
}

func (c *WSConn) ReadMessage() ([]byte, error) {
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return nil, &CloseError{Code: ce.Code, Reason: ce.Text}
			}
			return nil, err
		}
		if typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *WSConn) WriteMessage(ctx context.Context, frame []byte) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeWait)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *WSConn) SendClose(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	return c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(common.CloseTimeout))
}

func (c *WSConn) Close() error {
	return c.conn.Close()
}

// WSDialer dials websocket URLs.
type WSDialer struct {
	Dialer       *websocket.Dialer
	Header       http.Header
	MaxFrameSize int
}

func (d WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	c, resp, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	return NewWSConn(c, d.MaxFrameSize), nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Upgrade turns an HTTP request into a server side Conn.
func Upgrade(w http.ResponseWriter, r *http.Request, maxFrameSize int) (*WSConn, error) {
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewWSConn(c, maxFrameSize), nil
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) {
	return f(ctx, url)
}
