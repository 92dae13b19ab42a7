// internal/hub/client.go
package hub

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const closeGracePeriod = time.Second

// Client is a WebSocket connection owned by one session.
type Client struct {
	id   string
	Conn *websocket.Conn
	Addr string // remote address, for logs

	send      chan []byte
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	limiter   *rate.Limiter
}

func newClient(conn *websocket.Conn, addr string, opts Options) *Client {
	c := &Client{
		id:      uuid.NewString(),
		Conn:    conn,
		Addr:    addr,
		send:    make(chan []byte, opts.SendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(opts.RateLimit, opts.RateBurst),
	}
	return c
}

func (c *Client) ID() string { return c.id }

func (c *Client) Send(ctx context.Context, data []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) Closed() bool { return c.closed.Load() }

// Close marks the client closed and closes the socket, which unblocks both
// pumps. Only the first call has an effect.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		if c.Conn != nil {
			_ = c.Conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(closeGracePeriod))
			c.closeErr = c.Conn.Close()
		}
	})
	return c.closeErr
}

// allow applies the per-connection inbound rate limit.
func (c *Client) allow() bool {
	return c.limiter.Allow()
}

func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	return strings.Contains(err.Error(), "broken pipe")
}
