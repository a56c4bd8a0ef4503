// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/groundlink/uplink/lib/codec"
	"github.com/groundlink/uplink/lib/netutil"
)

// maxFrameSize bounds one inbound stream frame.
const maxFrameSize = 16 << 20

// Frame kinds on the stream.
const (
	frameData  = "data"
	frameBatch = "batch"
	frameError = "error"
)

// frame is the CBOR envelope of every binary stream message. Servers
// send data and error frames; the client sends batch frames.
type frame struct {
	Kind     string         `cbor:"kind"`
	Channel  string         `cbor:"channel,omitempty"`
	Sequence uint64         `cbor:"seq,omitempty"`
	Payload  []byte         `cbor:"payload,omitempty"`
	Messages []controlFrame `cbor:"messages,omitempty"`
	Message  string         `cbor:"message,omitempty"`
}

type controlFrame struct {
	Channel   string `cbor:"channel"`
	Operation string `cbor:"op"`
	Payload   []byte `cbor:"payload,omitempty"`
}

// EncodeBatch encodes messages as one batch frame.
func EncodeBatch(messages []ControlMessage) ([]byte, error) {
	batch := frame{Kind: frameBatch, Messages: make([]controlFrame, len(messages))}
	for i, message := range messages {
		batch.Messages[i] = controlFrame{
			Channel:   message.Channel,
			Operation: message.Operation,
			Payload:   message.Payload,
		}
	}
	return codec.Marshal(batch)
}

// DecodeBatch is the inverse of EncodeBatch.
func DecodeBatch(data []byte) ([]ControlMessage, error) {
	var batch frame
	if err := codec.Unmarshal(data, &batch); err != nil {
		return nil, &ProtocolError{Op: "decode batch", Detail: "malformed frame", Err: err}
	}
	if batch.Kind != frameBatch {
		return nil, &ProtocolError{Op: "decode batch", Detail: fmt.Sprintf("unexpected frame kind %q", batch.Kind)}
	}
	messages := make([]ControlMessage, len(batch.Messages))
	for i, message := range batch.Messages {
		messages[i] = ControlMessage{Channel: message.Channel, Operation: message.Operation, Payload: message.Payload}
	}
	return messages, nil
}

// EncodeMessage encodes an inbound data frame.
func EncodeMessage(message Message) ([]byte, error) {
	return codec.Marshal(frame{
		Kind:     frameData,
		Channel:  message.Channel,
		Sequence: message.Sequence,
		Payload:  message.Payload,
	})
}

// OpenStream dials the stream for instance and starts the read and
// keepalive goroutines. A Client opens its stream at most once.
func (c *Client) OpenStream(ctx context.Context, instance string) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.conn != nil:
		c.mu.Unlock()
		return errors.New("transport: stream already open")
	}
	c.mu.Unlock()

	streamURL := c.target.StreamURL(instance).String()
	conn, response, err := c.websocket.DialContext(ctx, streamURL, c.headers())
	if response != nil && response.Body != nil {
		response.Body.Close()
	}
	if err != nil {
		if response != nil {
			switch response.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return &AuthError{Endpoint: c.target.String(), StatusCode: response.StatusCode}
			case http.StatusNotFound:
				return &ProtocolError{Op: "open stream", Detail: fmt.Sprintf("instance %q has no stream", instance), Err: err}
			}
		}
		if errors.Is(err, websocket.ErrBadHandshake) {
			return &ProtocolError{Op: "open stream", Detail: "handshake rejected", Err: err}
		}
		return &TransportError{Op: "open stream", Endpoint: c.target.String(), Err: err}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()

	conn.SetReadLimit(maxFrameSize)
	if c.options.PingInterval > 0 {
		idle := 2 * c.options.PingInterval
		conn.SetReadDeadline(time.Now().Add(idle))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(idle))
		})
		go c.keepalive(conn)
	}
	go c.readLoop(conn)

	c.logger.Debug("stream open", "instance", instance)
	return nil
}

// readLoop delivers frames until the connection fails or is closed.
// Malformed frames are logged and skipped.
func (c *Client) readLoop(conn *websocket.Conn) {
	var cause error
	defer func() {
		c.mu.Lock()
		c.finishLocked(cause)
		c.mu.Unlock()
		conn.Close()
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			cause = err
			if !c.isClosed() && !netutil.IsExpectedCloseError(err) {
				c.logger.Warn("stream dropped", "error", err)
			}
			return
		}
		if c.options.PingInterval > 0 {
			conn.SetReadDeadline(time.Now().Add(2 * c.options.PingInterval))
		}
		if messageType != websocket.BinaryMessage {
			c.logger.Debug("ignoring non-binary stream message", "type", messageType)
			continue
		}

		var inbound frame
		if err := codec.Unmarshal(data, &inbound); err != nil {
			c.logger.Warn("dropping malformed stream frame",
				"error", &ProtocolError{Op: "read stream", Detail: "undecodable frame", Err: err})
			continue
		}
		switch inbound.Kind {
		case frameData:
			c.onMessage(Message{Channel: inbound.Channel, Sequence: inbound.Sequence, Payload: inbound.Payload})
		case frameError:
			c.logger.Warn("server reported stream error", "channel", inbound.Channel, "message", inbound.Message)
		default:
			c.logger.Warn("dropping stream frame of unknown kind", "kind", inbound.Kind)
		}
	}
}

func (c *Client) keepalive(conn *websocket.Conn) {
	ticker := time.NewTicker(c.options.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.options.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				// The read loop observes the failure and ends the stream.
				return
			}
		}
	}
}

func (c *Client) WriteBatch(ctx context.Context, messages []ControlMessage) error {
	if len(messages) == 0 {
		return nil
	}
	data, err := EncodeBatch(messages)
	if err != nil {
		return &ProtocolError{Op: "write batch", Detail: "cannot encode batch", Err: err}
	}

	c.mu.Lock()
	conn, closed, ended := c.conn, c.closed, c.doneSet
	c.mu.Unlock()
	switch {
	case closed:
		return ErrClosed
	case conn == nil:
		return ErrStreamNotOpen
	case ended:
		return &TransportError{Op: "write batch", Endpoint: c.target.String(), Err: errors.New("stream ended")}
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.options.WriteTimeout)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return &TransportError{Op: "write batch", Endpoint: c.target.String(), Err: err}
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return &TransportError{Op: "write batch", Endpoint: c.target.String(), Err: err}
	}
	return nil
}
