// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for realm packages.
//
// [RequireReceive], [RequireSend] and [RequireClosed] wrap the select
// with a time.After fallback so a broken test fails instead of hanging.
// They are the only place tests use real wall-clock timeouts; logic
// under test takes a [github.com/bureau-foundation/realm/lib/clock.FakeClock].
//
// [SocketDir] returns a short directory under /tmp for control sockets,
// whose paths must fit in sun_path (108 bytes).
//
// This package has no realm-internal dependencies.
package testutil
