// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package control is the realm manager's admin protocol: CBOR requests
// over a Unix socket, one request per connection.
//
// Every request is a CBOR map carrying an "action" field and the
// action's own fields. Every reply is a [Response]. Failures carry the
// error text and, for routing and lifecycle errors, a kind that
// [Error.Is] maps back to the routing and realm sentinels.
//
// The subscribe action is the exception to one-shot connections: after
// the reply the server keeps writing event records until the client
// disconnects. Sync subscribers answer each event with a [Resume].
package control
