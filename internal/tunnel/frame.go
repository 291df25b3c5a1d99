package tunnel

import (
	"errors"

	"github.com/vmihailenco/msgpack/v5"
)

// errMalformedFrame flags a binary message without the string "type" and
// "requestId" fields every frame must carry.
var errMalformedFrame = errors.New("tunnel: malformed frame")

// Frame type discriminators carried in the "type" field of every binary
// message. The "header" and "body" values are shared between the request
// (server to client) and response (client to server) variants; the direction
// a frame arrives from decides which shape a reader decodes.
const (
	FrameTypeHeader  = "header"
	FrameTypeBody    = "body"
	FrameTypeRequest = "request"
	FrameTypeAbort   = "abort"
)

// Connection-level liveness messages are plain text, outside the binary
// frame channel.
const (
	TextPing = "ping"
	TextPong = "pong"
)

// HeaderPair is one request or response header as carried on the wire.
type HeaderPair [2]string

// RequestHeader opens a proxied request on the client. EOF is true when the
// request has no body; otherwise RequestBody frames for the same id follow.
type RequestHeader struct {
	Type      string       `msgpack:"type"`
	RequestID string       `msgpack:"requestId"`
	Method    string       `msgpack:"method"`
	Path      string       `msgpack:"path"`
	Headers   []HeaderPair `msgpack:"headers"`
	EOF       bool         `msgpack:"eof"`
}

// RequestBody carries one chunk of a streamed request body. A frame with
// EOF set terminates the body; its Data may be empty.
type RequestBody struct {
	Type      string `msgpack:"type"`
	RequestID string `msgpack:"requestId"`
	Data      []byte `msgpack:"data,omitempty"`
	EOF       bool   `msgpack:"eof"`
}

// BufferedRequest is the single-frame alternative to RequestHeader plus
// RequestBody, used when request buffering is configured. The whole body
// travels inline.
type BufferedRequest struct {
	Type      string       `msgpack:"type"`
	RequestID string       `msgpack:"requestId"`
	Method    string       `msgpack:"method"`
	Path      string       `msgpack:"path"`
	Headers   []HeaderPair `msgpack:"headers"`
	Body      []byte       `msgpack:"body,omitempty"`
}

// Abort tells the client the public caller went away and the request can be
// cancelled.
type Abort struct {
	Type      string `msgpack:"type"`
	RequestID string `msgpack:"requestId"`
}

// ResponseHeader reports the local origin's status line and headers. EOF is
// true when the response has no body.
type ResponseHeader struct {
	Type       string       `msgpack:"type"`
	RequestID  string       `msgpack:"requestId"`
	Status     int          `msgpack:"status"`
	StatusText string       `msgpack:"statusText"`
	Headers    []HeaderPair `msgpack:"headers"`
	EOF        bool         `msgpack:"eof"`
}

// ResponseBody carries one chunk of a streamed response body, terminated by
// a frame with EOF set.
type ResponseBody struct {
	Type      string `msgpack:"type"`
	RequestID string `msgpack:"requestId"`
	Data      []byte `msgpack:"data,omitempty"`
	EOF       bool   `msgpack:"eof"`
}

// envelope is decoded first to validate and route an incoming frame.
type envelope struct {
	Type      string `msgpack:"type"`
	RequestID string `msgpack:"requestId"`
}

// Encode marshals a frame for transmission as a single binary message.
func Encode(frame any) ([]byte, error) {
	return msgpack.Marshal(frame)
}

// DecodeClientBound decodes a frame received by the client (server to
// client direction). It returns nil for frames of unknown type; an error
// means the message failed the schema check and must be dropped. Both cases
// are benign protocol skew, never fatal.
func DecodeClientBound(data []byte) (any, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}
	switch env.Type {
	case FrameTypeHeader:
		var f RequestHeader
		if err := msgpack.Unmarshal(data, &f); err != nil {
			return nil, err
		}
		return &f, nil
	case FrameTypeBody:
		var f RequestBody
		if err := msgpack.Unmarshal(data, &f); err != nil {
			return nil, err
		}
		return &f, nil
	case FrameTypeRequest:
		var f BufferedRequest
		if err := msgpack.Unmarshal(data, &f); err != nil {
			return nil, err
		}
		return &f, nil
	case FrameTypeAbort:
		var f Abort
		if err := msgpack.Unmarshal(data, &f); err != nil {
			return nil, err
		}
		return &f, nil
	}
	return nil, nil
}

// DecodeServerBound decodes a frame received by the server (client to
// server direction). Same drop semantics as DecodeClientBound.
func DecodeServerBound(data []byte) (any, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}
	switch env.Type {
	case FrameTypeHeader:
		var f ResponseHeader
		if err := msgpack.Unmarshal(data, &f); err != nil {
			return nil, err
		}
		return &f, nil
	case FrameTypeBody:
		var f ResponseBody
		if err := msgpack.Unmarshal(data, &f); err != nil {
			return nil, err
		}
		return &f, nil
	}
	return nil, nil
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return envelope{}, err
	}
	if env.Type == "" || env.RequestID == "" {
		return envelope{}, errMalformedFrame
	}
	return env, nil
}
