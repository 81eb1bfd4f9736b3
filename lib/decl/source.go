// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package decl

import (
	"fmt"
	"strings"

	"github.com/bureau-foundation/realm/lib/moniker"
)

// Kind is the type of a capability.
type Kind string

const (
	KindProtocol  Kind = "protocol"
	KindDirectory Kind = "directory"
	KindStorage   Kind = "storage"
	KindRunner    Kind = "runner"
	KindResolver  Kind = "resolver"
)

// Kinds lists every capability kind.
var Kinds = []Kind{KindProtocol, KindDirectory, KindStorage, KindRunner, KindResolver}

// IsKnown reports whether k is one of the defined kinds.
func (k Kind) IsKnown() bool {
	switch k {
	case KindProtocol, KindDirectory, KindStorage, KindRunner, KindResolver:
		return true
	}
	return false
}

// SourceType discriminates a [Source].
type SourceType string

const (
	SourceSelf      SourceType = "self"
	SourceParent    SourceType = "parent"
	SourceFramework SourceType = "framework"
	SourceChild     SourceType = "child"
	SourceVoid      SourceType = "void"
)

// Source is where a use, offer, expose, or registration obtains its
// capability. Child is set only for [SourceChild].
//
// Text form: "self", "parent", "framework", "void", or "#name" for a
// child.
type Source struct {
	Type  SourceType
	Child string
}

// Self returns a source naming the declaring instance.
func Self() Source { return Source{Type: SourceSelf} }

// Parent returns a source naming the declaring instance's parent.
func Parent() Source { return Source{Type: SourceParent} }

// Framework returns a source naming the built-in framework table.
func Framework() Source { return Source{Type: SourceFramework} }

// Void returns the explicitly-unavailable source.
func Void() Source { return Source{Type: SourceVoid} }

// Child returns a source naming a static child.
func Child(name string) Source { return Source{Type: SourceChild, Child: name} }

// IsZero reports whether the source is unset.
func (s Source) IsZero() bool { return s.Type == "" }

// String returns the text form.
func (s Source) String() string {
	if s.Type == SourceChild {
		return "#" + s.Child
	}
	return string(s.Type)
}

// MarshalText implements encoding.TextMarshaler.
func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
// Empty text decodes to the zero Source.
func (s *Source) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*s = Source{}
		return nil
	}
	parsed, err := ParseSource(string(data))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSource parses the text form of a source.
func ParseSource(text string) (Source, error) {
	switch text {
	case "self":
		return Self(), nil
	case "parent":
		return Parent(), nil
	case "framework":
		return Framework(), nil
	case "void":
		return Void(), nil
	}
	if name, ok := strings.CutPrefix(text, "#"); ok {
		if err := moniker.ValidateName(name, "child source"); err != nil {
			return Source{}, err
		}
		return Child(name), nil
	}
	return Source{}, fmt.Errorf("invalid source %q (want self, parent, framework, void, or #child)", text)
}

// Availability says whether a failed route fails the start of the
// using instance.
type Availability string

const (
	Required Availability = "required"
	Optional Availability = "optional"
)

// StartupMode controls whether a static child starts with its parent.
type StartupMode string

const (
	StartupLazy  StartupMode = "lazy"
	StartupEager StartupMode = "eager"
)

// Durability controls the lifetime of collection members.
type Durability string

const (
	// Transient members live until destroyed.
	Transient Durability = "transient"

	// SingleRun members start on creation and are destroyed when their
	// program exits.
	SingleRun Durability = "single_run"
)

// Extends controls whether an environment inherits from the
// environment of the instance that declares it.
type Extends string

const (
	ExtendsRealm Extends = "realm"
	ExtendsNone  Extends = "none"
)
