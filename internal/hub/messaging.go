// internal/hub/messaging.go
package hub

import (
	"context"
	"strings"

	"github.com/erilali/chathub/internal/message"
)

// HandleEvent routes one decoded inbound event from c. Side effects run on
// the caller's goroutine; storage failures suppress the broadcast.
func (h *Hub) HandleEvent(ctx context.Context, c Conn, ev message.Inbound) {
	h.Metrics.Events.WithLabelValues(ev.Type()).Inc()
	sender, _ := h.Registry.Lookup(c)

	switch e := ev.(type) {
	case message.Auth:
		h.handleAuth(c, e)
	case message.Text:
		h.handleText(ctx, c, sender, e)
	case message.MediaUpload:
		h.handleUpload(ctx, sender, e)
	case message.CallSignal:
		h.Deliver(message.SignalRelay{Signal: e.Signal, From: sender.DisplayName(), Fields: e.Fields}, AllExcept(c))
	case message.WebRTCOffer:
		h.Deliver(message.WebRTCRelay{Kind: message.TypeWebRTCOffer, From: sender.DisplayName(), Payload: e.Offer}, AllExcept(c))
	case message.WebRTCAnswer:
		h.Deliver(message.WebRTCRelay{Kind: message.TypeWebRTCAnswer, From: sender.DisplayName(), Payload: e.Answer}, AllExcept(c))
	case message.WebRTCIce:
		h.Deliver(message.WebRTCRelay{Kind: message.TypeWebRTCIce, From: sender.DisplayName(), Payload: e.Candidate}, AllExcept(c))
	default:
		h.Logger.Errorf("No route for inbound event %T", ev)
	}
}

// handleAuth names the connection. Re-authenticating overwrites the
// previous name and announces a new join without a leave for the old one.
// The name is only taken once auth_ok reached the sender, so a connection
// that fails here is never announced.
func (h *Hub) handleAuth(c Conn, e message.Auth) {
	username := strings.TrimSpace(e.Username)
	if username == "" {
		h.dropUnmet(c, "auth without username")
		return
	}
	if report := h.Deliver(message.AuthOK{Username: username}, SenderOnly(c)); report.Delivered() == 0 {
		h.Logger.WithField("conn", c.ID()).Debugf("auth_ok for %s not delivered", username)
		return
	}
	if !h.Registry.SetIdentity(c, Named(username)) {
		return
	}
	h.Logger.WithField("conn", c.ID()).Infof("Authenticated as %s", username)
	h.Deliver(message.Join{Username: username}, AllExcept(c))
}

func (h *Hub) handleText(ctx context.Context, c Conn, sender Identity, e message.Text) {
	if !sender.IsNamed() {
		h.dropUnmet(c, "text before auth")
		return
	}
	if strings.TrimSpace(e.Body) == "" {
		h.dropUnmet(c, "empty text")
		return
	}
	if _, err := h.Messages.Append(ctx, sender.Username(), message.KindText, e.Body); err != nil {
		h.Metrics.PersistFailures.WithLabelValues("log").Inc()
		h.Logger.WithError(err).Errorf("Failed to store text from %s", sender.Username())
		return
	}
	h.Deliver(message.Chat{
		Sender:  sender.Username(),
		Kind:    message.KindText,
		Content: e.Body,
	}, All())
}

// handleUpload accepts uploads from anonymous connections too; they are
// recorded under "anon".
func (h *Hub) handleUpload(ctx context.Context, sender Identity, e message.MediaUpload) {
	name := sender.DisplayName()
	kind := message.RefineKind(e.DeclaredKind, e.Filename)

	stored, err := h.Blobs.Save(ctx, e.Filename, e.Payload)
	if err != nil {
		h.Metrics.PersistFailures.WithLabelValues("blob").Inc()
		h.Logger.WithError(err).Errorf("Failed to store upload %q from %s", e.Filename, name)
		return
	}
	if _, err := h.Messages.Append(ctx, name, kind, stored); err != nil {
		h.Metrics.PersistFailures.WithLabelValues("log").Inc()
		h.Logger.WithError(err).Errorf("Failed to record upload %s from %s", stored, name)
		return
	}
	h.Metrics.UploadBytes.Observe(float64(len(e.Payload)))
	h.Logger.Infof("Stored %s upload %s from %s (%d bytes)", kind, stored, name, len(e.Payload))

	h.Deliver(message.Chat{
		Sender:   name,
		Kind:     kind,
		Content:  stored,
		Filename: e.Filename,
	}, All())
}

func (h *Hub) dropUnmet(c Conn, reason string) {
	h.Metrics.DroppedFrames.WithLabelValues("precondition").Inc()
	h.Logger.Debugf("Ignoring event from %s: %s", c.ID(), reason)
}
