// Package schema describes the permitted shape of a device configuration and
// validates configurations against it.
//
// A Schema is itself a Hash: every element is a node whose attributes
// (nodeType, valueType, accessMode, defaultValue, ...) describe the value
// allowed at that path. Node, choice and list elements hold their children as
// a nested Hash; a table element holds its row schema the same way. Keeping
// the description in a Hash lets a schema travel over the broker unchanged.
package schema

import (
	"fmt"
	"slices"
	"strings"

	"go.uber.org/multierr"

	"github.com/European-XFEL/Karabo-sub009/hash"
)

// Schema is an element tree rooted at a class id.
type Schema struct {
	root   string
	params *hash.Hash
	err    error
}

// New returns an empty schema for the given class id.
func New(root string) *Schema {
	return &Schema{root: root, params: &hash.Hash{}}
}

// FromHash rebuilds a schema from the rooted form produced by ToHash.
func FromHash(h *hash.Hash) (*Schema, error) {
	if h == nil || h.Len() != 1 {
		return nil, fmt.Errorf("schema hash must have exactly one root key")
	}
	root := h.Keys()[0]
	params, ok := h.GetHash(root)
	if !ok {
		return nil, fmt.Errorf("schema root %q is not a Hash", root)
	}
	return &Schema{root: root, params: params.Clone()}, nil
}

// ToHash returns a deep copy in rooted form {root: parameters}.
func (s *Schema) ToHash() *hash.Hash {
	out := &hash.Hash{}
	out.Set(s.root, s.params.Clone())
	return out
}

// RootName returns the class id the schema was built for.
func (s *Schema) RootName() string { return s.root }

// Parameters exposes the underlying element tree. Callers must not mutate it.
func (s *Schema) Parameters() *hash.Hash { return s.params }

// Err returns the errors collected while building the schema.
func (s *Schema) Err() error { return s.err }

func (s *Schema) addErr(err error) {
	s.err = multierr.Append(s.err, err)
}

// Clone returns a deep copy.
func (s *Schema) Clone() *Schema {
	return &Schema{root: s.root, params: s.params.Clone(), err: s.err}
}

// Empty reports whether the schema has no elements.
func (s *Schema) Empty() bool { return s.params.Empty() }

// Has reports whether an element exists at path.
func (s *Schema) Has(path string) bool {
	_, ok := s.Element(path)
	return ok
}

// Element returns the element at path.
func (s *Schema) Element(path string) (Element, bool) {
	n, ok := s.params.Find(path)
	if !ok {
		return Element{}, false
	}
	return Element{Path: path, node: n}, true
}

// Elements returns the top level elements in declaration order.
func (s *Schema) Elements() []Element {
	nodes := s.params.Nodes()
	out := make([]Element, len(nodes))
	for i, n := range nodes {
		out[i] = Element{Path: n.Key(), node: n}
	}
	return out
}

// Walk visits every element depth first. Table row schemas are not entered.
// Returning false from fn skips the element's children.
func (s *Schema) Walk(fn func(e Element) bool) {
	walk(s.params, "", fn)
}

func walk(h *hash.Hash, prefix string, fn func(e Element) bool) {
	for _, n := range h.Nodes() {
		path := n.Key()
		if prefix != "" {
			path = prefix + hash.Separator + path
		}
		e := Element{Path: path, node: n}
		if !fn(e) {
			continue
		}
		if e.NodeType() != NodeLeaf && !e.IsCommand() {
			if child, ok := n.Value().(*hash.Hash); ok {
				walk(child, path, fn)
			}
		}
	}
}

// Paths returns the paths of all leaves and commands.
func (s *Schema) Paths() []string {
	var out []string
	s.Walk(func(e Element) bool {
		if e.NodeType() == NodeLeaf || e.IsCommand() {
			out = append(out, e.Path)
		}
		return true
	})
	return out
}

// Children returns a view of a node element's children sharing storage with s.
func (s *Schema) Children(path string) (*Schema, bool) {
	e, ok := s.Element(path)
	if !ok || e.NodeType() == NodeLeaf {
		return nil, false
	}
	child, ok := e.node.Value().(*hash.Hash)
	if !ok {
		return nil, false
	}
	return &Schema{root: e.Key(), params: child}, true
}

// Defaults returns a configuration holding every default value. Choice
// elements contribute their default option.
func (s *Schema) Defaults() *hash.Hash {
	return defaults(s.params)
}

func defaults(params *hash.Hash) *hash.Hash {
	out := &hash.Hash{}
	for _, n := range params.Nodes() {
		e := Element{Path: n.Key(), node: n}
		switch e.NodeType() {
		case NodeLeaf:
			if v, ok := e.DefaultValue(); ok {
				out.Set(n.Key(), v)
			}
		case NodeNode:
			if e.IsCommand() {
				continue
			}
			if child, ok := n.Value().(*hash.Hash); ok {
				out.Set(n.Key(), defaults(child))
			}
		case NodeChoice:
			opt, ok := e.DefaultValue()
			name, isString := opt.(string)
			if !ok || !isString {
				continue
			}
			if child, ok := n.Value().(*hash.Hash); ok {
				if sub, ok := child.GetHash(name); ok {
					out.Set(n.Key(), hash.New(name, defaults(sub)))
				}
			}
		}
	}
	return out
}

// Subset returns the elements visible to a caller of the given level when
// the device is in state. Read-only elements are kept regardless of state.
// An empty state disables the state filter.
func (s *Schema) Subset(state string, level AccessLevel) *Schema {
	out := &Schema{root: s.root, params: s.params.Clone()}
	prune(out.params, state, level)
	return out
}

func prune(params *hash.Hash, state string, level AccessLevel) {
	for _, n := range params.Nodes() {
		e := Element{Path: n.Key(), node: n}
		if e.RequiredAccessLevel() > level {
			params.Erase(n.Key())
			continue
		}
		if state != "" && (e.IsCommand() || e.AccessMode() != AccessReadOnly) {
			if allowed := e.AllowedStates(); len(allowed) > 0 && !slices.Contains(allowed, state) {
				params.Erase(n.Key())
				continue
			}
		}
		if e.NodeType() != NodeLeaf && !e.IsCommand() {
			if child, ok := n.Value().(*hash.Hash); ok {
				prune(child, state, level)
			}
		}
	}
}

// Merge adds the elements of other. Elements present in both take other's
// attributes.
func (s *Schema) Merge(other *Schema) {
	if other == nil {
		return
	}
	s.params.Merge(other.params, hash.ReplaceAttributes)
	s.err = multierr.Append(s.err, other.err)
}

// modifiable lists the attributes SetAttribute may change at runtime.
var modifiable = map[string]bool{
	AttrDefaultValue: true, AttrMinInc: true, AttrMaxInc: true, AttrMinExc: true,
	AttrMaxExc: true, AttrOptions: true, AttrMinSize: true, AttrMaxSize: true,
	AttrAllowedStates: true, AttrAlarmLow: true, AttrAlarmHigh: true,
	AttrWarnLow: true, AttrWarnHigh: true, AttrDisplayedName: true,
	AttrDescription: true, AttrUnitSymbol: true, AttrMetricPrefixSymbol: true,
	AttrTags: true, AttrArchivePolicy: true, AttrRequiredAccessLevel: true,
	AttrDisplayType: true,
}

// SetAttribute updates one attribute of an existing element. Value-typed
// attributes are converted to the element's value type.
func (s *Schema) SetAttribute(path, name string, value any) error {
	e, ok := s.Element(path)
	if !ok {
		return fmt.Errorf("no element %q", path)
	}
	if !modifiable[name] {
		return fmt.Errorf("attribute %q of %q cannot be changed", name, path)
	}
	v, err := e.coerceAttribute(name, value)
	if err != nil {
		return fmt.Errorf("%s.%s: %w", path, name, err)
	}
	return e.node.Attributes().Set(name, v)
}

// String renders a one line per element overview.
func (s *Schema) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Schema %s\n", s.root)
	s.Walk(func(e Element) bool {
		depth := strings.Count(e.Path, hash.Separator)
		b.WriteString(strings.Repeat("  ", depth+1))
		b.WriteString(e.Key())
		switch {
		case e.IsCommand():
			b.WriteString(" SLOT")
		case e.NodeType() == NodeLeaf:
			fmt.Fprintf(&b, " %s %s", e.ValueType(), e.AccessMode())
			if v, ok := e.DefaultValue(); ok {
				fmt.Fprintf(&b, " default=%v", v)
			}
		default:
			b.WriteString(" NODE")
		}
		b.WriteByte('\n')
		return true
	})
	return b.String()
}
