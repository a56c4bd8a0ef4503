// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/groundlink/uplink/endpoint"
	"github.com/groundlink/uplink/lib/codec"
	"github.com/groundlink/uplink/session"
	"github.com/groundlink/uplink/transport"
)

// monitor prints the stream and re-issues subscriptions and one-shot
// requests after every successful connect.
type monitor struct {
	ctx        context.Context
	cancel     context.CancelFunc
	supervisor *session.Supervisor
	logger     *slog.Logger
	channels   []string
	paths      []string

	outMu sync.Mutex
	out   io.Writer

	wg           sync.WaitGroup
	remove       func()
	registration *session.Registration
}

func newMonitor(ctx context.Context, supervisor *session.Supervisor, out io.Writer, logger *slog.Logger, channels, paths []string) *monitor {
	ctx, cancel := context.WithCancel(ctx)
	return &monitor{
		ctx:        ctx,
		cancel:     cancel,
		supervisor: supervisor,
		logger:     logger,
		channels:   channels,
		paths:      paths,
		out:        out,
	}
}

func (m *monitor) attach() error {
	registration, err := m.supervisor.RegisterSubscriber(m, m.channels...)
	if err != nil {
		return fmt.Errorf("registering stream listener: %w", err)
	}
	m.registration = registration
	m.remove = m.supervisor.RegisterConnectionListener(session.ListenerFuncs{
		OnConnected: m.connected,
	})
	return nil
}

// close stops outstanding requests and waits for their output.
func (m *monitor) close() {
	if m.remove != nil {
		m.remove()
	}
	if m.registration != nil {
		m.registration.Close()
	}
	m.cancel()
	m.wg.Wait()
}

func (m *monitor) connected(target endpoint.Config) {
	m.printf("connected to %s (instance %s)\n", target, m.supervisor.Instance())
	for _, channel := range m.channels {
		m.supervisor.EnqueueControlMessage(transport.ControlMessage{
			Channel:   channel,
			Operation: transport.OpSubscribe,
		})
	}
	if len(m.channels) > 0 {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if _, err := m.supervisor.FlushControlMessages(m.ctx); err != nil {
				m.logger.Warn("subscribing failed", "endpoint", target.String(), "error", err)
			}
		}()
	}
	for _, path := range m.paths {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.fetch(path)
		}()
	}
}

func (m *monitor) fetch(path string) {
	call := m.supervisor.Get(m.ctx, path)
	response, err := call.Wait(m.ctx)
	if err != nil {
		m.logger.Warn("request failed", "call", call.Name(), "error", err)
		return
	}
	if response.Failed() {
		m.printf("%s: %v\n", call.Name(), response.Error)
		return
	}
	m.printf("%s: %s\n", call.Name(), formatPayload(response.Body))
}

func (m *monitor) OnMessage(message transport.Message) error {
	m.printf("%s\n", formatMessage(message))
	return nil
}

func (m *monitor) printf(format string, args ...any) {
	m.outMu.Lock()
	defer m.outMu.Unlock()
	fmt.Fprintf(m.out, format, args...)
}

func formatMessage(message transport.Message) string {
	return fmt.Sprintf("[%s #%d] %s", message.Channel, message.Sequence, formatPayload(message.Payload))
}

// formatPayload renders JSON as is, CBOR in diagnostic notation, text
// quoted, and anything else as hex.
func formatPayload(payload []byte) string {
	if len(payload) == 0 {
		return "(empty)"
	}
	if json.Valid(payload) {
		return string(payload)
	}
	if codec.Wellformed(payload) {
		if diagnostic, err := codec.Diagnose(payload); err == nil {
			return diagnostic
		}
	}
	if utf8.Valid(payload) {
		return fmt.Sprintf("%q", payload)
	}
	return hex.EncodeToString(payload)
}
