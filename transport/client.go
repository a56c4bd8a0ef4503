// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/groundlink/uplink/endpoint"
	"github.com/groundlink/uplink/lib/netutil"
	"github.com/groundlink/uplink/lib/secret"
)

// ClientIDHeader carries the per-process client id on every request
// and on the stream handshake so the server can correlate them.
const ClientIDHeader = "X-Uplink-Client"

// Options configure a Client. The zero value is usable.
type Options struct {
	// DialContext opens TCP connections for both channels. Nil uses a
	// net.Dialer with DialTimeout.
	DialContext func(ctx context.Context, network, address string) (net.Conn, error)

	// DialTimeout bounds TCP connection setup. Default 10s.
	DialTimeout time.Duration

	// HandshakeTimeout bounds the WebSocket upgrade. Default 10s.
	HandshakeTimeout time.Duration

	// WriteTimeout bounds one stream write when the caller's context
	// has no deadline. Default 10s.
	WriteTimeout time.Duration

	// PingInterval is the keepalive period. The stream is declared
	// dropped when nothing, pongs included, arrives for two periods.
	// Default 20s; negative disables keepalive.
	PingInterval time.Duration

	UserAgent string

	// ClientID identifies this process to the server. Default is a
	// random UUID per Client.
	ClientID string

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.DialTimeout == 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.HandshakeTimeout == 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PingInterval == 0 {
		o.PingInterval = 20 * time.Second
	}
	if o.ClientID == "" {
		o.ClientID = uuid.NewString()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.DialContext == nil {
		dialer := &net.Dialer{Timeout: o.DialTimeout, KeepAlive: 30 * time.Second}
		o.DialContext = dialer.DialContext
	}
	return o
}

// NewDialer returns a Dialer that builds Clients sharing options. The
// client id is fixed once so every handle from this dialer presents
// the same identity.
func NewDialer(options Options) Dialer {
	options = options.withDefaults()
	return DialerFunc(func(target endpoint.Config, onMessage func(Message)) Handle {
		return New(target, onMessage, options)
	})
}

// Client is the production Handle: HTTP for calls, a WebSocket for
// the stream.
type Client struct {
	target    endpoint.Config
	options   Options
	onMessage func(Message)
	http      *http.Client
	websocket *websocket.Dialer
	logger    *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	err     error
	done    chan struct{}
	doneSet bool

	// writeMu serializes data frames; gorilla allows one writer.
	writeMu sync.Mutex
}

var _ Handle = (*Client)(nil)

// New builds a Client for target. No I/O happens until a method is
// called. onMessage may be nil.
func New(target endpoint.Config, onMessage func(Message), options Options) *Client {
	options = options.withDefaults()
	if onMessage == nil {
		onMessage = func(Message) {}
	}
	httpTransport := &http.Transport{
		DialContext:         options.DialContext,
		TLSHandshakeTimeout: options.HandshakeTimeout,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		target:    target,
		options:   options,
		onMessage: onMessage,
		http:      &http.Client{Transport: httpTransport},
		websocket: &websocket.Dialer{
			NetDialContext:   options.DialContext,
			HandshakeTimeout: options.HandshakeTimeout,
		},
		logger: options.Logger.With("endpoint", target.String()),
		done:   make(chan struct{}),
	}
}

// Endpoint returns the endpoint the client talks to.
func (c *Client) Endpoint() endpoint.Config { return c.target }

func (c *Client) headers() http.Header {
	header := http.Header{}
	if c.options.UserAgent != "" {
		header.Set("User-Agent", c.options.UserAgent)
	}
	header.Set(ClientIDHeader, c.options.ClientID)
	if credentials := c.target.Credentials; credentials != nil && credentials.Username != "" {
		userinfo := []byte(credentials.Username + ":")
		if credentials.Password != nil {
			userinfo = append(userinfo, credentials.Password.Bytes()...)
		}
		header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString(userinfo))
		secret.Zero(userinfo)
	}
	return header
}

// send performs request and returns the raw response. Transport
// failures and credential rejections are returned as errors; every
// other status is left for the caller.
func (c *Client) send(ctx context.Context, request Request, acceptEncoding string) (*http.Response, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	reference, err := url.Parse(APIPath(request.Path))
	if err != nil {
		return nil, &ProtocolError{Op: request.Name(), Detail: "invalid request path", Err: err}
	}
	var body io.Reader
	if request.Body != nil {
		body = bytes.NewReader(request.Body)
	}
	httpRequest, err := http.NewRequestWithContext(ctx, request.Method,
		c.target.BaseURL().ResolveReference(reference).String(), body)
	if err != nil {
		return nil, &ProtocolError{Op: request.Name(), Detail: "cannot build request", Err: err}
	}
	httpRequest.Header = c.headers()
	for key, values := range request.Header {
		httpRequest.Header[key] = values
	}
	httpRequest.Header.Set("Accept", "application/json")
	if request.Body != nil {
		contentType := request.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		httpRequest.Header.Set("Content-Type", contentType)
	}
	if acceptEncoding != "" {
		httpRequest.Header.Set("Accept-Encoding", acceptEncoding)
	}

	response, err := c.http.Do(httpRequest)
	if err != nil {
		return nil, &TransportError{Op: request.Name(), Endpoint: c.target.String(), Err: err}
	}
	if response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden {
		defer response.Body.Close()
		return nil, &AuthError{
			Endpoint:   c.target.String(),
			StatusCode: response.StatusCode,
			Message:    netutil.ErrorBody(response.Body),
		}
	}
	return response, nil
}

func (c *Client) Do(ctx context.Context, request Request) (*Response, error) {
	httpResponse, err := c.send(ctx, request, "")
	if err != nil {
		return nil, err
	}
	defer httpResponse.Body.Close()

	body, err := netutil.ReadResponse(httpResponse.Body)
	if err != nil {
		return nil, &TransportError{Op: request.Name(), Endpoint: c.target.String(), Err: err}
	}
	response := &Response{
		StatusCode: httpResponse.StatusCode,
		Header:     httpResponse.Header,
		Body:       body,
	}
	if httpResponse.StatusCode < 200 || httpResponse.StatusCode > 299 {
		response.Error = decodeServerError(httpResponse.StatusCode, body)
	}
	return response, nil
}

func (c *Client) Instances(ctx context.Context) ([]string, error) {
	request := Request{Method: http.MethodGet, Path: "/api/instances"}
	httpResponse, err := c.send(ctx, request, "")
	if err != nil {
		return nil, err
	}
	defer httpResponse.Body.Close()

	if httpResponse.StatusCode < 200 || httpResponse.StatusCode > 299 {
		body, err := netutil.ReadResponse(httpResponse.Body)
		if err != nil {
			return nil, &TransportError{Op: request.Name(), Endpoint: c.target.String(), Err: err}
		}
		return nil, &ProtocolError{
			Op:     request.Name(),
			Detail: "instance list unavailable",
			Err:    decodeServerError(httpResponse.StatusCode, body),
		}
	}

	var listing struct {
		Instances []struct {
			Name string `json:"name"`
		} `json:"instances"`
	}
	if err := netutil.DecodeResponse(httpResponse.Body, &listing); err != nil {
		if netutil.IsConnectionError(err) {
			return nil, &TransportError{Op: request.Name(), Endpoint: c.target.String(), Err: err}
		}
		return nil, &ProtocolError{Op: request.Name(), Detail: "malformed instance list", Err: err}
	}
	names := make([]string, 0, len(listing.Instances))
	for _, instance := range listing.Instances {
		if instance.Name != "" {
			names = append(names, instance.Name)
		}
	}
	return names, nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close sends a normal closure frame, closes the socket, and releases
// idle HTTP connections. In-flight requests fail with their context
// or with a transport error.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	if conn == nil {
		c.finishLocked(nil)
	}
	c.mu.Unlock()

	c.http.CloseIdleConnections()
	if conn == nil {
		return nil
	}
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect")
	writeErr := conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
	closeErr := conn.Close()
	if writeErr != nil && !errors.Is(writeErr, websocket.ErrCloseSent) && !netutil.IsExpectedCloseError(writeErr) {
		c.logger.Debug("close frame not sent", "error", writeErr)
	}
	if closeErr != nil && !netutil.IsExpectedCloseError(closeErr) {
		return closeErr
	}
	return nil
}

// finishLocked records why the stream ended and closes done once. A
// local Close always wins over a concurrent read failure.
func (c *Client) finishLocked(cause error) {
	if c.doneSet {
		return
	}
	c.doneSet = true
	if !c.closed && cause != nil {
		c.err = &TransportError{Op: "stream", Endpoint: c.target.String(), Err: cause}
	}
	close(c.done)
}
