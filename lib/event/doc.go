// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package event fans lifecycle and routing events out to subscribers.
//
// A subscriber calls [Registry.Subscribe] with a moniker scope, an
// optional type filter, and a [Mode]. The returned [Stream] owns its
// dispatcher: the registry reaches each stream only through a weak
// pointer, and a cleanup attached to the stream unregisters the
// dispatcher once the stream is unreachable. [Stream.Close] does the
// same eagerly. Keep the Stream reachable while reading from
// [Stream.Events].
//
// Async subscribers receive events without blocking the emitter; when
// the buffer is full the event is dropped and counted.
//
// Sync subscribers hold the emitting transition. [Registry.Dispatch]
// delivers the event, then waits until every sync subscriber calls
// [Event.Resume]. Resuming with an error vetoes the transition and the
// first veto is returned. A dropped or closed stream counts as resumed.
// The wait ends with [ErrTimeout] when the registry's sync timeout
// elapses, or with the context error when ctx ends.
//
// Events are transient. [Event.Record] converts one into the
// diagnostics form used by the control socket, the audit log and the
// metrics collector.
package event
