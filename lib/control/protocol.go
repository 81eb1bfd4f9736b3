// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"github.com/bureau-foundation/realm/lib/decl"
	"github.com/bureau-foundation/realm/lib/event"
	"github.com/bureau-foundation/realm/lib/moniker"
)

// Action names.
const (
	ActionBind         = "bind"
	ActionStart        = "start"
	ActionStop         = "stop"
	ActionDestroy      = "destroy"
	ActionListChildren = "list_children"
	ActionCreateChild  = "create_child"
	ActionRoute        = "route"
	ActionRouteExpose  = "route_expose"
	ActionRoutedUses   = "routed_uses"
	ActionShow         = "show"
	ActionPending      = "pending"
	ActionSubscribe    = "subscribe"
)

// MonikerRequest is the request of every action that names only an
// instance.
type MonikerRequest struct {
	Action  string          `cbor:"action"`
	Moniker moniker.Moniker `cbor:"moniker"`
}

// CreateChildRequest asks for a dynamic child of Parent.
type CreateChildRequest struct {
	Action     string          `cbor:"action"`
	Parent     moniker.Moniker `cbor:"parent"`
	Collection string          `cbor:"collection"`
	Child      decl.ChildDecl  `cbor:"child"`
}

// CreateChildResponse carries the new child's instance moniker.
type CreateChildResponse struct {
	Moniker moniker.Moniker `cbor:"moniker"`
}

// RouteRequest routes the use of Moniker named Name, or with Kind set
// the capability Moniker exposes under Name.
type RouteRequest struct {
	Action  string          `cbor:"action"`
	Moniker moniker.Moniker `cbor:"moniker"`
	Kind    decl.Kind       `cbor:"kind,omitempty"`
	Name    string          `cbor:"name"`
}

// SubscribeRequest opens an event stream. In sync mode each event the
// server writes must be answered with a [Resume] before the next one
// arrives.
type SubscribeRequest struct {
	Action string          `cbor:"action"`
	Scope  moniker.Moniker `cbor:"scope"`
	Types  []event.Type    `cbor:"types,omitempty"`
	Mode   event.Mode      `cbor:"mode,omitempty"`
}

// Resume answers a sync event. A non-empty Error vetoes the transition.
type Resume struct {
	Error string `cbor:"error,omitempty"`
}
