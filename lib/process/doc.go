// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds entrypoint helpers for realm binaries: error
// reporting before the structured logger exists and process exit after
// run() fails.
package process
