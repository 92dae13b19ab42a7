// internal/hub/hub.go
// Provides the Hub: presence tracking, event routing and fan-out for every
// live chat connection.
package hub

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/erilali/chathub/internal/logger"
	"github.com/erilali/chathub/internal/store"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// ErrConnClosed is returned by Send on a closed connection.
var ErrConnClosed = errors.New("connection closed")

// Conn is one live bidirectional channel as seen by the hub.
type Conn interface {
	ID() string
	// Send queues data for delivery. It fails once the connection is
	// closed or when ctx ends before the data could be queued.
	Send(ctx context.Context, data []byte) error
	Closed() bool
	Close() error
}

// Options tunes the hub. Zero values fall back to defaults.
type Options struct {
	SendTimeout  time.Duration
	SendBuffer   int
	MaxFrameSize int64
	RateLimit    rate.Limit
	RateBurst    int
	CheckOrigin  func(r *http.Request) bool
}

func (o Options) withDefaults() Options {
	if o.SendTimeout <= 0 {
		o.SendTimeout = 5 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = 10 << 20
	}
	if o.RateLimit <= 0 {
		o.RateLimit = rate.Inf
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 1
	}
	return o
}

// Hub represents the main hub that tracks connections and routes events
type Hub struct {
	Registry *Registry
	Messages store.MessageLog
	Blobs    store.BlobStore
	Logger   *logger.Logger
	Metrics  *Metrics

	opts     Options
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex // guards closing and pairs admissions with Shutdown
	closing bool
}

// NewHub creates a Hub around its collaborators. A nil logger discards
// output and nil metrics get a private registry.
func NewHub(messages store.MessageLog, blobs store.BlobStore, log *logger.Logger, metrics *Metrics, opts Options) *Hub {
	if log == nil {
		log = logger.Nop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		Registry: NewRegistry(),
		Messages: messages,
		Blobs:    blobs,
		Logger:   log,
		Metrics:  metrics,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Open registers c as an anonymous connection.
func (h *Hub) Open(c Conn) {
	h.Registry.Add(c)
	h.Metrics.Connections.Set(float64(h.Registry.Len()))
	h.Logger.Debugf("Connection %s opened", c.ID())
}

// admit registers c and reserves pumps session goroutines, unless the hub
// is shutting down. Every admitted connection is seen by Shutdown.
func (h *Hub) admit(c Conn, pumps int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.Open(c)
	h.wg.Add(pumps)
	return true
}

// Disconnect is the single teardown path. It removes c, closes it and, if
// c was authenticated, tells everyone else it left. Calling it again for
// the same connection does nothing.
func (h *Hub) Disconnect(c Conn, reason string) {
	id, removed := h.Registry.Remove(c)
	if err := c.Close(); err != nil && !isExpectedCloseError(err) {
		h.Logger.WithError(err).Debugf("Closing connection %s", c.ID())
	}
	if !removed {
		return
	}
	h.Metrics.Connections.Set(float64(h.Registry.Len()))
	h.Logger.WithFields(map[string]interface{}{
		"conn":   c.ID(),
		"user":   id.DisplayName(),
		"reason": reason,
	}).Info("Connection closed")

	if id.IsNamed() && h.ctx.Err() == nil {
		h.Deliver(leaveEvent(id), All())
	}
}

// Shutdown closes every connection and waits for their sessions to end.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	h.cancel()
	h.mu.Unlock()

	entries := h.Registry.Snapshot()
	for _, e := range entries {
		h.Disconnect(e.Conn, "shutdown")
	}
	h.Logger.Infof("Closed %d connections", len(entries))

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
