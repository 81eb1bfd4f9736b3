// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides the injectable time source used by the realm
// runtime for event timestamps and for the timeouts on manifest
// resolution, synchronous event dispatch, and program stop.
//
// Production code takes a [Clock] in its config struct and defaults to
// [Real]. Tests inject [Fake], which stands still until Advance is
// called:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go dispatcher.Dispatch(ctx, event) // registers a timeout
//	fake.WaitForTimers(1)
//	fake.Advance(30 * time.Second)     // fires the timeout deterministically
//
// This package has no dependencies on other realm packages.
package clock
