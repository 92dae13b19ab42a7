// internal/message/message.go
// Typed inbound and outbound events exchanged over the chat WebSocket.
package message

import "encoding/json"

// Wire values of the "type" discriminator.
const (
	TypeAuth         = "auth"
	TypeAuthOK       = "auth_ok"
	TypeJoin         = "join"
	TypeLeave        = "leave"
	TypeText         = "text"
	TypeMessage      = "message"
	TypeCallInvite   = "call-invite"
	TypeCallAccept   = "call-accept"
	TypeCallReject   = "call-reject"
	TypeCallEnd      = "call-end"
	TypeWebRTCOffer  = "webrtc-offer"
	TypeWebRTCAnswer = "webrtc-answer"
	TypeWebRTCIce    = "webrtc-ice"
	TypeMediaUpload  = "upload"
)

// Message kinds stored in the log and carried as "mtype".
const (
	KindText  = "text"
	KindFile  = "file"
	KindImage = "image"
	KindVoice = "voice"
)

// Inbound is a decoded client event. The set of implementations is closed.
type Inbound interface {
	inbound()
	// Type returns the wire discriminator the event was decoded from.
	Type() string
}

type Auth struct {
	Username string
}

type Text struct {
	Body string
}

// CallSignal is one of call-invite, call-accept, call-reject or call-end.
// Fields keeps every other property of the frame so it can be relayed as-is.
type CallSignal struct {
	Signal string
	Fields map[string]json.RawMessage
}

type WebRTCOffer struct {
	Offer json.RawMessage
}

type WebRTCAnswer struct {
	Answer json.RawMessage
}

type WebRTCIce struct {
	Candidate json.RawMessage
}

// MediaUpload is one complete binary frame: metadata plus payload.
type MediaUpload struct {
	Filename     string
	DeclaredKind string
	// Sender is the optional, client-supplied metadata field. It is never
	// used for attribution.
	Sender  string
	Payload []byte
}

func (Auth) inbound()         {}
func (Text) inbound()         {}
func (CallSignal) inbound()   {}
func (WebRTCOffer) inbound()  {}
func (WebRTCAnswer) inbound() {}
func (WebRTCIce) inbound()    {}
func (MediaUpload) inbound()  {}

func (Auth) Type() string         { return TypeAuth }
func (Text) Type() string         { return TypeText }
func (c CallSignal) Type() string { return c.Signal }
func (WebRTCOffer) Type() string  { return TypeWebRTCOffer }
func (WebRTCAnswer) Type() string { return TypeWebRTCAnswer }
func (WebRTCIce) Type() string    { return TypeWebRTCIce }
func (MediaUpload) Type() string  { return TypeMediaUpload }

// Outbound is a server notification. Values are never mutated after
// construction and are shared by all recipients.
type Outbound interface {
	outbound()
	Type() string
}

type AuthOK struct {
	Username string `json:"username"`
}

type Join struct {
	Username string `json:"username"`
}

type Leave struct {
	Username string `json:"username"`
}

// Chat is a persisted message: text, or a stored media name.
type Chat struct {
	Sender   string `json:"sender"`
	Kind     string `json:"mtype"`
	Content  string `json:"content"`
	Filename string `json:"filename,omitempty"`
}

// SignalRelay forwards a call signal tagged with the sender's name.
type SignalRelay struct {
	Signal string
	From   string
	Fields map[string]json.RawMessage
}

// WebRTCRelay forwards an offer, answer or ICE candidate.
type WebRTCRelay struct {
	Kind    string
	From    string
	Payload json.RawMessage
}

func (AuthOK) outbound()      {}
func (Join) outbound()        {}
func (Leave) outbound()       {}
func (Chat) outbound()        {}
func (SignalRelay) outbound() {}
func (WebRTCRelay) outbound() {}

func (AuthOK) Type() string        { return TypeAuthOK }
func (Join) Type() string          { return TypeJoin }
func (Leave) Type() string         { return TypeLeave }
func (Chat) Type() string          { return TypeMessage }
func (s SignalRelay) Type() string { return s.Signal }
func (w WebRTCRelay) Type() string { return w.Kind }

// HistoryRecord is the JSON form of a persisted message served to clients
// for initial sync.
type HistoryRecord struct {
	ID        uint64 `json:"id"`
	Sender    string `json:"sender"`
	Kind      string `json:"mtype"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}
