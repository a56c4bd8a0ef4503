// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/groundlink/uplink/lib/clock"
	"github.com/groundlink/uplink/transport"
)

// BatchWriter sends a batch of control messages as one frame.
type BatchWriter interface {
	WriteBatch(ctx context.Context, messages []transport.ControlMessage) error
}

// BatchWriterFunc adapts a function to BatchWriter.
type BatchWriterFunc func(ctx context.Context, messages []transport.ControlMessage) error

func (f BatchWriterFunc) WriteBatch(ctx context.Context, messages []transport.ControlMessage) error {
	return f(ctx, messages)
}

// Bundler coalesces outgoing control messages and writes them in one
// batch per flush. Enqueue never blocks on the network; the flush loop
// bounds how long a message waits to one interval.
//
// A batch whose write fails is dropped, not requeued. Subscriptions
// are re-established by their owners after a reconnect.
type Bundler struct {
	writer  BatchWriter
	clock   clock.Clock
	logger  *slog.Logger
	metrics *Metrics

	mu    sync.Mutex
	queue []transport.ControlMessage

	// flushMu serializes flushes so batches leave in enqueue order.
	flushMu sync.Mutex
}

// NewBundler returns a Bundler writing to writer.
func NewBundler(writer BatchWriter, clk clock.Clock, logger *slog.Logger, metrics *Metrics) *Bundler {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bundler{writer: writer, clock: clk, logger: logger, metrics: metrics}
}

// Enqueue appends message to the next batch.
func (b *Bundler) Enqueue(message transport.ControlMessage) {
	b.mu.Lock()
	b.queue = append(b.queue, message)
	b.mu.Unlock()
}

// Len returns the number of queued messages.
func (b *Bundler) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// ClearQueue discards every queued message and returns how many were
// discarded.
func (b *Bundler) ClearQueue() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	discarded := len(b.queue)
	b.queue = nil
	return discarded
}

func (b *Bundler) drain() []transport.ControlMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch := b.queue
	b.queue = nil
	return batch
}

// Flush writes everything queued as one batch and returns the number
// of messages written. An empty queue writes nothing.
func (b *Bundler) Flush(ctx context.Context) (int, error) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	batch := b.drain()
	if len(batch) == 0 {
		return 0, nil
	}
	if err := b.writer.WriteBatch(ctx, batch); err != nil {
		b.metrics.batchDropped()
		level := slog.LevelWarn
		if errors.Is(err, ErrNotConnected) {
			level = slog.LevelDebug
		}
		b.logger.Log(ctx, level, "dropping control batch",
			"messages", len(batch),
			"error", err,
		)
		return 0, err
	}
	b.metrics.flushed(len(batch))
	return len(batch), nil
}

// Run flushes once after initialDelay and then every interval until
// ctx is done.
func (b *Bundler) Run(ctx context.Context, initialDelay, interval time.Duration) {
	select {
	case <-ctx.Done():
		return
	case <-b.clock.After(initialDelay):
	}
	b.Flush(ctx)

	ticker := b.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Flush(ctx)
		}
	}
}
