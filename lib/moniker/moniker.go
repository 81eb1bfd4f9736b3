// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package moniker

import (
	"fmt"
	"strconv"
	"strings"
)

// maxNameLength is the maximum length of a child or collection name.
const maxNameLength = 100

// allowedChars is the set of characters permitted in child and
// collection names: a-z, 0-9, and the symbols . _ -.
var allowedChars [256]bool

func init() {
	for c := byte('a'); c <= 'z'; c++ {
		allowedChars[c] = true
	}
	for c := byte('0'); c <= '9'; c++ {
		allowedChars[c] = true
	}
	allowedChars['.'] = true
	allowedChars['_'] = true
	allowedChars['-'] = true
}

// ValidateName checks that name is usable as a child or collection
// name in a moniker segment.
func ValidateName(name, label string) error {
	if name == "" {
		return fmt.Errorf("%s is empty", label)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%s %q is %d characters, maximum is %d", label, name, len(name), maxNameLength)
	}
	for i := 0; i < len(name); i++ {
		if !allowedChars[name[i]] {
			return fmt.Errorf("%s %q: invalid character %q at position %d (allowed: a-z, 0-9, ., _, -)", label, name, name[i], i)
		}
	}
	if name[0] == '.' {
		return fmt.Errorf("%s %q must not start with '.'", label, name)
	}
	return nil
}

// Segment is one step of a moniker: a child name, optionally qualified
// by the collection it lives in, plus the instance id of the node.
type Segment struct {
	name       string
	collection string
	instance   uint64
}

// NewSegment creates a validated segment for a static child (empty
// collection) or a dynamic child of the named collection. The instance
// id is zero until assigned with WithInstance.
func NewSegment(collection, name string) (Segment, error) {
	if err := ValidateName(name, "child name"); err != nil {
		return Segment{}, fmt.Errorf("invalid segment: %w", err)
	}
	if collection != "" {
		if err := ValidateName(collection, "collection name"); err != nil {
			return Segment{}, fmt.Errorf("invalid segment: %w", err)
		}
	}
	return Segment{name: name, collection: collection}, nil
}

// MustSegment is like NewSegment but panics on invalid input. For tests
// and package-level constants.
func MustSegment(collection, name string) Segment {
	segment, err := NewSegment(collection, name)
	if err != nil {
		panic(err)
	}
	return segment
}

// WithInstance returns a copy of the segment carrying the given
// instance id.
func (s Segment) WithInstance(id uint64) Segment {
	s.instance = id
	return s
}

// Name returns the child name.
func (s Segment) Name() string { return s.name }

// Collection returns the collection name, or "" for static children.
func (s Segment) Collection() string { return s.collection }

// Instance returns the instance id, or 0 if unassigned.
func (s Segment) Instance() uint64 { return s.instance }

// IsDynamic reports whether the segment names a collection member.
func (s Segment) IsDynamic() bool { return s.collection != "" }

// Key returns the position key of the segment within its parent,
// ignoring the instance id: "name" or "collection:name".
func (s Segment) Key() string {
	if s.collection == "" {
		return s.name
	}
	return s.collection + ":" + s.name
}

// String returns the display form of the segment.
func (s Segment) String() string { return s.Key() }

// InstanceString returns the segment with its instance id: "name#3".
// Segments without an id print as their display form.
func (s Segment) InstanceString() string {
	if s.instance == 0 {
		return s.Key()
	}
	return s.Key() + "#" + strconv.FormatUint(s.instance, 10)
}

// Matches reports whether two segments refer to the same position, and
// the same instance when both carry an instance id.
func (s Segment) Matches(other Segment) bool {
	if s.name != other.name || s.collection != other.collection {
		return false
	}
	if s.instance == 0 || other.instance == 0 {
		return true
	}
	return s.instance == other.instance
}

func parseSegment(text string) (Segment, error) {
	var instance uint64
	if index := strings.LastIndexByte(text, '#'); index >= 0 {
		parsed, err := strconv.ParseUint(text[index+1:], 10, 64)
		if err != nil || parsed == 0 {
			return Segment{}, fmt.Errorf("invalid instance id in segment %q", text)
		}
		instance = parsed
		text = text[:index]
	}
	collection, name := "", text
	if index := strings.IndexByte(text, ':'); index >= 0 {
		collection, name = text[:index], text[index+1:]
		if collection == "" {
			return Segment{}, fmt.Errorf("segment %q has empty collection name", text)
		}
	}
	segment, err := NewSegment(collection, name)
	if err != nil {
		return Segment{}, err
	}
	return segment.WithInstance(instance), nil
}

// Moniker is an immutable path from the root of the realm tree. The
// zero value is the root moniker.
type Moniker struct {
	segments []Segment
}

// Root returns the root moniker.
func Root() Moniker { return Moniker{} }

// New builds a moniker from segments. The slice is copied.
func New(segments ...Segment) Moniker {
	if len(segments) == 0 {
		return Moniker{}
	}
	copied := make([]Segment, len(segments))
	copy(copied, segments)
	return Moniker{segments: copied}
}

// Parse parses a moniker in display or instance form. "." and "" are
// the root. A leading "./" or "/" is accepted and ignored.
func Parse(text string) (Moniker, error) {
	text = strings.TrimPrefix(text, "./")
	text = strings.TrimPrefix(text, "/")
	if text == "" || text == "." {
		return Moniker{}, nil
	}
	parts := strings.Split(text, "/")
	segments := make([]Segment, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			return Moniker{}, fmt.Errorf("invalid moniker %q: empty segment", text)
		}
		segment, err := parseSegment(part)
		if err != nil {
			return Moniker{}, fmt.Errorf("invalid moniker %q: %w", text, err)
		}
		segments = append(segments, segment)
	}
	return Moniker{segments: segments}, nil
}

// MustParse is like Parse but panics on error. For tests.
func MustParse(text string) Moniker {
	parsed, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return parsed
}

// IsRoot reports whether m is the root moniker.
func (m Moniker) IsRoot() bool { return len(m.segments) == 0 }

// Len returns the depth of m. The root has depth 0.
func (m Moniker) Len() int { return len(m.segments) }

// Segments returns a copy of the segments of m.
func (m Moniker) Segments() []Segment {
	copied := make([]Segment, len(m.segments))
	copy(copied, m.segments)
	return copied
}

// Segment returns segment i. Panics if i is out of range.
func (m Moniker) Segment(i int) Segment { return m.segments[i] }

// Leaf returns the last segment and true, or false for the root.
func (m Moniker) Leaf() (Segment, bool) {
	if len(m.segments) == 0 {
		return Segment{}, false
	}
	return m.segments[len(m.segments)-1], true
}

// Child returns the moniker of a child of m.
func (m Moniker) Child(segment Segment) Moniker {
	segments := make([]Segment, len(m.segments), len(m.segments)+1)
	copy(segments, m.segments)
	return Moniker{segments: append(segments, segment)}
}

// Parent returns the moniker one level up, or false for the root.
func (m Moniker) Parent() (Moniker, bool) {
	if len(m.segments) == 0 {
		return Moniker{}, false
	}
	return Moniker{segments: m.segments[:len(m.segments)-1 : len(m.segments)-1]}, true
}

// HasPrefix reports whether prefix is m or an ancestor of m.
func (m Moniker) HasPrefix(prefix Moniker) bool {
	if len(prefix.segments) > len(m.segments) {
		return false
	}
	for i, segment := range prefix.segments {
		if !m.segments[i].Matches(segment) {
			return false
		}
	}
	return true
}

// IsDescendantOf reports whether m is strictly below other. This is a
// pure prefix test on segments.
func (m Moniker) IsDescendantOf(other Moniker) bool {
	return len(m.segments) > len(other.segments) && m.HasPrefix(other)
}

// Relative returns the segments of m below ancestor as a moniker, or
// false if ancestor is not a prefix of m.
func (m Moniker) Relative(ancestor Moniker) (Moniker, bool) {
	if !m.HasPrefix(ancestor) {
		return Moniker{}, false
	}
	return New(m.segments[len(ancestor.segments):]...), true
}

// Equal reports whether m and other name the same position and, where
// both carry instance ids, the same instance.
func (m Moniker) Equal(other Moniker) bool {
	return len(m.segments) == len(other.segments) && m.HasPrefix(other)
}

// String returns the display form: "." for root, else "/"-joined
// segment keys.
func (m Moniker) String() string {
	if len(m.segments) == 0 {
		return "."
	}
	keys := make([]string, len(m.segments))
	for i, segment := range m.segments {
		keys[i] = segment.Key()
	}
	return strings.Join(keys, "/")
}

// InstanceString returns the instance form including instance ids.
func (m Moniker) InstanceString() string {
	if len(m.segments) == 0 {
		return "."
	}
	parts := make([]string, len(m.segments))
	for i, segment := range m.segments {
		parts[i] = segment.InstanceString()
	}
	return strings.Join(parts, "/")
}

// MarshalText implements encoding.TextMarshaler using the instance form.
func (m Moniker) MarshalText() ([]byte, error) {
	return []byte(m.InstanceString()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Moniker) UnmarshalText(data []byte) error {
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
