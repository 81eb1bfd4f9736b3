// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package eventlog

import (
	"context"
	"log/slog"
	"time"

	"github.com/bureau-foundation/realm/lib/clock"
	"github.com/bureau-foundation/realm/lib/event"
)

// RecorderConfig configures Record.
type RecorderConfig struct {
	// FlushInterval bounds how long a partial batch waits before it is
	// written. Zero means one second.
	FlushInterval time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Record appends every event of stream to writer until ctx is done or
// the stream closes, then drains what is already buffered and flushes.
// Write errors are logged and the records of the failed batch are lost.
func Record(ctx context.Context, stream *event.Stream, writer *Writer, config RecorderConfig) error {
	if config.FlushInterval <= 0 {
		config.FlushInterval = time.Second
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	var flushTimer <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			drain(stream, writer, config.Logger)
			return writer.Flush()
		case e, ok := <-stream.Events():
			if !ok {
				return writer.Flush()
			}
			if err := writer.Append(e.Record()); err != nil {
				config.Logger.Error("event log append failed", "event_type", e.Type, "error", err)
			}
			if writer.Pending() == 0 {
				flushTimer = nil
			} else if flushTimer == nil {
				flushTimer = config.Clock.After(config.FlushInterval)
			}
		case <-flushTimer:
			flushTimer = nil
			if err := writer.Flush(); err != nil {
				config.Logger.Error("event log flush failed", "error", err)
			}
		}
		if dropped := stream.Dropped(); dropped > 0 {
			config.Logger.Debug("event log subscriber dropped events", "dropped", dropped)
		}
	}
}

func drain(stream *event.Stream, writer *Writer, logger *slog.Logger) {
	for {
		select {
		case e, ok := <-stream.Events():
			if !ok {
				return
			}
			if err := writer.Append(e.Record()); err != nil {
				logger.Error("event log append failed", "event_type", e.Type, "error", err)
			}
		default:
			return
		}
	}
}
