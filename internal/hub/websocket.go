// internal/hub/websocket.go
package hub

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/erilali/chathub/internal/message"
	"github.com/gorilla/websocket"
)

const (
	webSocketReadDeadline  = 60 * time.Second
	webSocketWriteDeadline = 10 * time.Second
	webSocketPingPeriod    = (webSocketReadDeadline * 9) / 10 // Must be less than readDeadline
)

// ServeWs upgrades the HTTP connection to a WebSocket and starts its
// session. The connection stays anonymous until it sends an auth event.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	if h.ctx.Err() != nil {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Errorf("WebSocket upgrade error: %v", err)
		return
	}

	client := newClient(conn, r.RemoteAddr, h.opts)
	if !h.admit(client, 2) {
		h.Logger.Debugf("Rejecting %s: server shutting down", client.Addr)
		_ = client.Close()
		return
	}
	h.Logger.WithFields(map[string]interface{}{
		"conn": client.ID(),
		"addr": client.Addr,
	}).Info("WebSocket connected")

	go func() {
		defer h.wg.Done()
		h.WritePump(client)
	}()
	go func() {
		defer h.wg.Done()
		h.ReadPump(client)
	}()
}

// ReadPump reads frames until the connection fails, then tears it down.
func (h *Hub) ReadPump(client *Client) {
	ctx, cancel := context.WithCancel(h.ctx)
	defer func() {
		cancel()
		h.Disconnect(client, "read loop ended")
	}()

	client.Conn.SetReadLimit(h.opts.MaxFrameSize)
	client.Conn.SetReadDeadline(time.Now().Add(webSocketReadDeadline))
	client.Conn.SetPongHandler(func(string) error {
		return client.Conn.SetReadDeadline(time.Now().Add(webSocketReadDeadline))
	})

	for {
		messageType, data, err := client.Conn.ReadMessage()
		if err != nil {
			h.logReadError(client, err)
			return
		}
		client.Conn.SetReadDeadline(time.Now().Add(webSocketReadDeadline))

		if !client.allow() {
			h.Metrics.DroppedFrames.WithLabelValues("rate_limited").Inc()
			h.Logger.Debugf("Rate limit exceeded for %s; discarding frame", client.ID())
			continue
		}

		ev, err := decodeFrame(messageType, data)
		if err != nil {
			h.Metrics.DroppedFrames.WithLabelValues(dropReason(err)).Inc()
			h.Logger.Debugf("Dropping frame from %s: %v", client.ID(), err)
			continue
		}
		h.HandleEvent(ctx, client, ev)
	}
}

func decodeFrame(messageType int, data []byte) (message.Inbound, error) {
	switch messageType {
	case websocket.TextMessage:
		return message.DecodeText(data)
	case websocket.BinaryMessage:
		upload, err := message.DecodeBinary(data)
		if err != nil {
			return nil, err
		}
		return upload, nil
	}
	return nil, message.ErrMalformedFrame
}

func dropReason(err error) string {
	if errors.Is(err, message.ErrUnknownType) {
		return "unknown_type"
	}
	return "malformed"
}

func (h *Hub) logReadError(client *Client, err error) {
	log := h.Logger.WithField("addr", client.Addr).WithError(err)
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		log.Warnf("Frame from %s exceeded %d bytes", client.ID(), h.opts.MaxFrameSize)
	case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		log.Errorf("WebSocket error for %s", client.ID())
	default:
		log.Debugf("Connection %s read ended", client.ID())
	}
}

// WritePump writes queued events, one frame each, and keeps the
// connection alive with pings.
func (h *Hub) WritePump(client *Client) {
	ticker := time.NewTicker(webSocketPingPeriod)
	defer func() {
		ticker.Stop()
		h.Disconnect(client, "write loop ended")
	}()

	for {
		select {
		case data := <-client.send:
			client.Conn.SetWriteDeadline(time.Now().Add(webSocketWriteDeadline))
			if err := client.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				if !isExpectedCloseError(err) {
					h.Logger.Warnf("Write to %s failed: %v", client.ID(), err)
				}
				return
			}

		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(webSocketWriteDeadline))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return // Client connection is likely broken
			}

		case <-client.done:
			return
		}
	}
}
