// internal/message/codec.go
// Decoding of text and binary frames, encoding of outbound events.
package message

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	// ErrMalformedFrame covers invalid JSON and truncated binary envelopes.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnknownType is returned for a missing or unrecognized "type".
	ErrUnknownType = errors.New("unknown event type")
)

const metaHeaderSize = 4

const (
	defaultFilename = "file.bin"
	defaultKind     = KindFile
)

// DecodeText parses one text frame into an Inbound event.
func DecodeText(data []byte) (Inbound, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformedFrame)
	}
	var typ string
	if raw, ok := fields["type"]; !ok || json.Unmarshal(raw, &typ) != nil {
		return nil, ErrUnknownType
	}

	switch typ {
	case TypeAuth:
		return Auth{Username: stringField(fields, "username")}, nil
	case TypeText:
		return Text{Body: stringField(fields, "text")}, nil
	case TypeCallInvite, TypeCallAccept, TypeCallReject, TypeCallEnd:
		delete(fields, "type")
		delete(fields, "from")
		return CallSignal{Signal: typ, Fields: fields}, nil
	case TypeWebRTCOffer:
		return WebRTCOffer{Offer: fields["offer"]}, nil
	case TypeWebRTCAnswer:
		return WebRTCAnswer{Answer: fields["answer"]}, nil
	case TypeWebRTCIce:
		return WebRTCIce{Candidate: fields["candidate"]}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
}

// stringField returns fields[key] when it is a JSON string, "" otherwise.
func stringField(fields map[string]json.RawMessage, key string) string {
	var s string
	if raw, ok := fields[key]; ok {
		_ = json.Unmarshal(raw, &s)
	}
	return s
}

type uploadMeta struct {
	Filename *string `json:"filename"`
	Sender   *string `json:"sender"`
	Kind     *string `json:"mtype"`
}

// DecodeBinary parses the upload envelope:
//
//	[uint32 big-endian L][L bytes JSON metadata][payload]
//
// Each frame carries one complete file.
func DecodeBinary(data []byte) (MediaUpload, error) {
	if len(data) < metaHeaderSize {
		return MediaUpload{}, fmt.Errorf("%w: %d byte frame", ErrMalformedFrame, len(data))
	}
	metaLen := uint64(binary.BigEndian.Uint32(data[:metaHeaderSize]))
	if metaLen > uint64(len(data)-metaHeaderSize) {
		return MediaUpload{}, fmt.Errorf("%w: metadata length %d exceeds frame", ErrMalformedFrame, metaLen)
	}
	metaEnd := metaHeaderSize + int(metaLen)
	rawMeta := data[metaHeaderSize:metaEnd]
	if !utf8.Valid(rawMeta) {
		return MediaUpload{}, fmt.Errorf("%w: metadata is not UTF-8", ErrMalformedFrame)
	}

	var meta uploadMeta
	if err := json.Unmarshal(rawMeta, &meta); err != nil {
		return MediaUpload{}, fmt.Errorf("%w: metadata: %v", ErrMalformedFrame, err)
	}

	upload := MediaUpload{
		Filename:     defaultFilename,
		DeclaredKind: defaultKind,
		Payload:      data[metaEnd:],
	}
	if meta.Filename != nil {
		upload.Filename = *meta.Filename
	}
	if meta.Kind != nil {
		upload.DeclaredKind = *meta.Kind
	}
	if meta.Sender != nil {
		upload.Sender = *meta.Sender
	}
	return upload, nil
}

// EncodeBinary builds an upload frame. Clients and tests use it; the hub
// only decodes.
func EncodeBinary(filename, kind string, payload []byte) ([]byte, error) {
	meta, err := json.Marshal(map[string]string{"filename": filename, "mtype": kind})
	if err != nil {
		return nil, err
	}
	frame := make([]byte, metaHeaderSize, metaHeaderSize+len(meta)+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(meta)))
	frame = append(frame, meta...)
	return append(frame, payload...), nil
}

type userEvent struct {
	Type     string `json:"type"`
	Username string `json:"username"`
}

type chatEvent struct {
	Type string `json:"type"`
	Chat
}

// Encode serializes an outbound event to its JSON wire form.
func Encode(ev Outbound) ([]byte, error) {
	switch e := ev.(type) {
	case AuthOK:
		return json.Marshal(userEvent{Type: e.Type(), Username: e.Username})
	case Join:
		return json.Marshal(userEvent{Type: e.Type(), Username: e.Username})
	case Leave:
		return json.Marshal(userEvent{Type: e.Type(), Username: e.Username})
	case Chat:
		return json.Marshal(chatEvent{Type: e.Type(), Chat: e})
	case SignalRelay:
		out := make(map[string]interface{}, len(e.Fields)+2)
		for k, v := range e.Fields {
			out[k] = v
		}
		out["type"] = e.Signal
		out["from"] = e.From
		return json.Marshal(out)
	case WebRTCRelay:
		key, err := webrtcPayloadKey(e.Kind)
		if err != nil {
			return nil, err
		}
		payload := e.Payload
		if len(payload) == 0 {
			payload = json.RawMessage("null")
		}
		return json.Marshal(map[string]interface{}{
			"type": e.Kind,
			"from": e.From,
			key:    payload,
		})
	default:
		return nil, fmt.Errorf("encode: unsupported outbound event %T", ev)
	}
}

func webrtcPayloadKey(kind string) (string, error) {
	switch kind {
	case TypeWebRTCOffer:
		return "offer", nil
	case TypeWebRTCAnswer:
		return "answer", nil
	case TypeWebRTCIce:
		return "candidate", nil
	}
	return "", fmt.Errorf("encode: %q is not a WebRTC relay kind", kind)
}
