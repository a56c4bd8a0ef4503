// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/groundlink/uplink/endpoint"
)

// Handle is one live connection to one endpoint.
type Handle interface {
	// Instances lists the instances the server offers.
	Instances(ctx context.Context) ([]string, error)

	// OpenStream performs the streaming handshake for instance. Inbound
	// messages are delivered to the handle's message callback, in
	// arrival order, until the stream ends.
	OpenStream(ctx context.Context, instance string) error

	// Do performs one request/response exchange.
	Do(ctx context.Context, request Request) (*Response, error)

	// DoStream performs a request whose response body is a sequence
	// of records, handing each record to sink as it arrives. The
	// returned Response carries status and headers but no Body.
	DoStream(ctx context.Context, request Request, sink ChunkSink) (*Response, error)

	// WriteBatch sends messages as a single frame on the stream.
	WriteBatch(ctx context.Context, messages []ControlMessage) error

	// Done is closed when the stream ends for any reason.
	Done() <-chan struct{}

	// Err is nil while the stream is up and after a local Close. After
	// an unexpected drop it returns a *TransportError.
	Err() error

	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// Dialer builds a Handle for an endpoint. Every inbound stream
// message is passed to onMessage on the handle's read goroutine.
type Dialer interface {
	Dial(target endpoint.Config, onMessage func(Message)) Handle
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(target endpoint.Config, onMessage func(Message)) Handle

func (f DialerFunc) Dial(target endpoint.Config, onMessage func(Message)) Handle {
	return f(target, onMessage)
}

// ChunkSink receives streamed records. Returning an error aborts the
// transfer and the error is returned from DoStream.
type ChunkSink func(chunk []byte) error

// Message is one inbound streaming message. Payload is opaque.
type Message struct {
	Channel  string
	Sequence uint64
	Payload  []byte
}

// Control operations understood by the server. Other values are passed
// through unchanged.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
)

// ControlMessage is one outgoing subscription or control request.
type ControlMessage struct {
	Channel   string
	Operation string
	Payload   []byte
}

// Request is one request/response call.
type Request struct {
	Method string

	// Path is relative to the server's API root. "/links" and
	// "/api/links" name the same resource. A query string may follow.
	Path string

	Body []byte

	// ContentType defaults to application/json when Body is set.
	ContentType string

	Header http.Header
}

// Name is the method and full API path, e.g. "GET /api/links".
func (r Request) Name() string {
	return r.Method + " " + APIPath(r.Path)
}

// APIPath prefixes path with /api unless it already names the API root.
func APIPath(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if path == "/api" || strings.HasPrefix(path, "/api/") || strings.HasPrefix(path, "/api?") {
		return path
	}
	return "/api" + path
}

// Response is the outcome of a request that reached the server.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// Error is set when the server answered with a non-2xx status.
	Error *ServerError
}

// Failed reports whether the server answered with an error.
func (r *Response) Failed() bool { return r.Error != nil }

// Decode unmarshals a JSON body into v. A failed response decodes
// nothing and returns its ServerError.
func (r *Response) Decode(v any) error {
	if r.Error != nil {
		return r.Error
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return &ProtocolError{Op: "decode response", Detail: "body is not valid JSON", Err: err}
	}
	return nil
}

// ServerError is the decoded error body of a non-2xx response.
type ServerError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// decodeServerError accepts {"code","message"}, {"type","msg"}, and
// {"error":{...}} bodies. Anything else becomes HTTP_<status> with the
// raw body as the message.
func decodeServerError(status int, body []byte) *ServerError {
	var flat struct {
		Code    string `json:"code"`
		Type    string `json:"type"`
		Message string `json:"message"`
		Msg     string `json:"msg"`
		Error   *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	result := &ServerError{StatusCode: status}
	if json.Unmarshal(body, &flat) == nil {
		switch {
		case flat.Error != nil:
			result.Code, result.Message = flat.Error.Code, flat.Error.Message
		default:
			result.Code = firstNonEmpty(flat.Code, flat.Type)
			result.Message = firstNonEmpty(flat.Message, flat.Msg)
		}
	}
	if result.Code == "" {
		result.Code = fmt.Sprintf("HTTP_%d", status)
	}
	if result.Message == "" {
		result.Message = strings.TrimSpace(string(body))
		if result.Message == "" {
			result.Message = http.StatusText(status)
		}
	}
	return result
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
