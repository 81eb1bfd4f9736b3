// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/realm/lib/moniker"
)

// Type identifies what happened.
type Type string

const (
	TypeDiscovered       Type = "discovered"
	TypeResolved         Type = "resolved"
	TypeStarted          Type = "started"
	TypeStopped          Type = "stopped"
	TypeDestroying       Type = "destroying"
	TypeDestroyed        Type = "destroyed"
	TypeDestroyPending   Type = "destroy_pending"
	TypeCapabilityRouted Type = "capability_routed"
)

// Types lists every event type.
var Types = []Type{
	TypeDiscovered, TypeResolved, TypeStarted, TypeStopped,
	TypeDestroying, TypeDestroyed, TypeDestroyPending, TypeCapabilityRouted,
}

// IsKnown reports whether t is one of the defined types.
func (t Type) IsKnown() bool {
	switch t {
	case TypeDiscovered, TypeResolved, TypeStarted, TypeStopped,
		TypeDestroying, TypeDestroyed, TypeDestroyPending, TypeCapabilityRouted:
		return true
	}
	return false
}

// Route describes one routing attempt. Source and Chain are set on
// success, Error on failure.
type Route struct {
	Capability string          `cbor:"capability" json:"capability"`
	Kind       string          `cbor:"kind" json:"kind"`
	Source     moniker.Moniker `cbor:"source,omitempty" json:"source,omitempty"`
	AboveRoot  bool            `cbor:"above_root,omitempty" json:"above_root,omitempty"`
	Framework  bool            `cbor:"framework,omitempty" json:"framework,omitempty"`
	Chain      []Hop           `cbor:"chain,omitempty" json:"chain,omitempty"`
	Error      string          `cbor:"error,omitempty" json:"error,omitempty"`
	// Failure is the routing error kind when Error is set.
	Failure    string          `cbor:"failure,omitempty" json:"failure,omitempty"`
}

// Hop is one step of a routing chain.
type Hop struct {
	Moniker moniker.Moniker `cbor:"moniker" json:"moniker"`
	Step    string          `cbor:"step" json:"step"`
	Kind    string          `cbor:"kind" json:"kind"`
	Name    string          `cbor:"name" json:"name"`
}

// Event is one occurrence delivered to subscribers.
type Event struct {
	ID        uuid.UUID
	Type      Type
	Target    moniker.Moniker
	Timestamp time.Time

	// URL is the component URL, for discovered events.
	URL string

	// Route is set for capability_routed events.
	Route *Route

	// Error carries failure text: a stop failure for destroy_pending,
	// a vetoed or failed transition otherwise.
	Error string

	resume *resumeToken
}

// Resume releases the transition waiting on a sync event. A non-nil
// err vetoes it. Only the first call has any effect, and events
// delivered to async subscribers ignore it.
func (e Event) Resume(err error) {
	if e.resume == nil {
		return
	}
	e.resume.complete(err)
}

// Sync reports whether the emitter is waiting on Resume.
func (e Event) Sync() bool { return e.resume != nil }

type resumeToken struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newResumeToken() *resumeToken {
	return &resumeToken{done: make(chan struct{})}
}

func (r *resumeToken) complete(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

// Record is the diagnostics form of an event.
type Record struct {
	ID        string          `cbor:"id" json:"id"`
	Type      Type            `cbor:"type" json:"type"`
	Moniker   moniker.Moniker `cbor:"moniker" json:"moniker"`
	Timestamp time.Time       `cbor:"timestamp" json:"timestamp"`
	URL       string          `cbor:"url,omitempty" json:"url,omitempty"`
	Route     *Route          `cbor:"route,omitempty" json:"route,omitempty"`
	Error     string          `cbor:"error,omitempty" json:"error,omitempty"`
}

// Record converts e to its diagnostics form with a UTC timestamp.
func (e Event) Record() Record {
	return Record{
		ID:        e.ID.String(),
		Type:      e.Type,
		Moniker:   e.Target,
		Timestamp: e.Timestamp.UTC(),
		URL:       e.URL,
		Route:     e.Route,
		Error:     e.Error,
	}
}
