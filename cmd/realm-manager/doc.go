// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// realm-manager runs one realm: it resolves the root component from
// file:// manifests, serves the control socket that realmctl talks to,
// and optionally exports Prometheus metrics and records every event to
// a compressed log.
//
// Configuration comes from the file named by --config or
// $REALM_CONFIG; flags override the file. Manifest directories are
// watched for changes when manifests.watch is set, and a changed
// manifest takes effect the next time its component is resolved.
//
// Built-in runners launch programs as child processes. Each launched
// program finds its namespace description in the file named by
// $REALM_NAMESPACE.
package main
