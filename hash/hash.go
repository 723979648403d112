// Package hash implements Hash, the ordered, nested and attributed key/value
// tree that every configuration, schema, slot argument and pipeline record is
// expressed in, together with its binary and XML wire formats.
//
// Keys are addressed by dotted paths ("a.b.c"); list items of a vector of
// Hashes are addressed with an index ("rows[2].x"). Insertion order is kept
// for iteration and serialization.
package hash

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Separator is the default path separator.
const Separator = "."

// MergePolicy selects how attributes are combined by Merge.
type MergePolicy int

const (
	// ReplaceAttributes replaces the attributes of merged nodes.
	ReplaceAttributes MergePolicy = iota
	// MergeAttributes keeps existing attributes and overwrites clashing ones.
	MergeAttributes
)

// Node is one entry of a Hash.
type Node struct {
	key   string
	value any
	typ   Type
	attrs Attributes
}

// Key returns the node's key.
func (n *Node) Key() string { return n.key }

// Value returns the node's value.
func (n *Node) Value() any { return n.value }

// Type returns the node's value type.
func (n *Node) Type() Type { return n.typ }

// Attributes returns the node's attribute map for reading and writing.
func (n *Node) Attributes() *Attributes { return &n.attrs }

// SetValue replaces the value, keeping the attributes.
func (n *Node) SetValue(value any) error {
	v, t, err := Normalize(value)
	if err != nil {
		return fmt.Errorf("key %q: %w", n.key, err)
	}
	n.value, n.typ = v, t
	return nil
}

// Hash is an ordered mapping from keys to attributed values.
// The zero value is an empty Hash ready to use.
type Hash struct {
	keys  []string
	nodes map[string]*Node
}

// New creates a Hash from alternating path/value arguments:
//
//	h := hash.New("a", int32(1), "b.c", "x")
//
// It panics on an odd argument count or unsupported values.
func New(pathsAndValues ...any) *Hash {
	if len(pathsAndValues)%2 != 0 {
		panic("hash.New: odd number of arguments")
	}
	h := &Hash{}
	for i := 0; i < len(pathsAndValues); i += 2 {
		path, ok := pathsAndValues[i].(string)
		if !ok {
			panic(fmt.Sprintf("hash.New: argument %d is %T, want string path", i, pathsAndValues[i]))
		}
		h.Set(path, pathsAndValues[i+1])
	}
	return h
}

type segment struct {
	key   string
	index int // -1 when the segment does not address a list item
}

func parsePath(path, sep string) ([]segment, error) {
	if path == "" {
		return nil, fmt.Errorf("empty path")
	}
	parts := strings.Split(path, sep)
	segs := make([]segment, 0, len(parts))
	for _, p := range parts {
		seg := segment{key: p, index: -1}
		if strings.HasSuffix(p, "]") {
			open := strings.LastIndexByte(p, '[')
			if open <= 0 {
				return nil, fmt.Errorf("malformed index in path %q", path)
			}
			idx, err := strconv.Atoi(p[open+1 : len(p)-1])
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("malformed index in path %q", path)
			}
			seg = segment{key: p[:open], index: idx}
		}
		if seg.key == "" {
			return nil, fmt.Errorf("empty key in path %q", path)
		}
		segs = append(segs, seg)
	}
	return segs, nil
}

func (h *Hash) node(key string) *Node {
	if h == nil || h.nodes == nil {
		return nil
	}
	return h.nodes[key]
}

func (h *Hash) put(key string, value any, typ Type) *Node {
	if h.nodes == nil {
		h.nodes = make(map[string]*Node)
	}
	if n, ok := h.nodes[key]; ok {
		n.value, n.typ = value, typ
		return n
	}
	n := &Node{key: key, value: value, typ: typ}
	h.nodes[key] = n
	h.keys = append(h.keys, key)
	return n
}

// Set stores value at path, creating intermediate Hashes. Attributes of an
// existing node are kept. It panics on unsupported values or malformed paths;
// use TrySet where the value is not under the caller's control.
func (h *Hash) Set(path string, value any) {
	if _, err := h.TrySet(path, value); err != nil {
		panic(fmt.Sprintf("hash.Set: %v", err))
	}
}

// TrySet is Set returning an error instead of panicking.
func (h *Hash) TrySet(path string, value any) (*Node, error) {
	v, t, err := Normalize(value)
	if err != nil {
		return nil, fmt.Errorf("path %q: %w", path, err)
	}
	segs, err := parsePath(path, Separator)
	if err != nil {
		return nil, err
	}
	cur := h
	for _, seg := range segs[:len(segs)-1] {
		cur, err = cur.descend(seg, true)
		if err != nil {
			return nil, fmt.Errorf("path %q: %w", path, err)
		}
	}
	last := segs[len(segs)-1]
	if last.index < 0 {
		return cur.put(last.key, v, t), nil
	}
	child, ok := v.(*Hash)
	if !ok {
		return nil, fmt.Errorf("path %q: list item must be a Hash, got %s", path, t)
	}
	n := cur.node(last.key)
	if n == nil || n.typ != TypeVectorHash {
		n = cur.put(last.key, []*Hash{}, TypeVectorHash)
	}
	list := n.value.([]*Hash)
	switch {
	case last.index < len(list):
		list[last.index] = child
	case last.index == len(list):
		n.value = append(list, child)
	default:
		return nil, fmt.Errorf("path %q: index %d out of range (len %d)", path, last.index, len(list))
	}
	return n, nil
}

// descend returns the child Hash addressed by seg, creating it when create is set.
func (h *Hash) descend(seg segment, create bool) (*Hash, error) {
	n := h.node(seg.key)
	if seg.index < 0 {
		if n != nil {
			if child, ok := n.value.(*Hash); ok {
				return child, nil
			}
		}
		if !create {
			return nil, fmt.Errorf("key %q is not a Hash", seg.key)
		}
		child := &Hash{}
		h.put(seg.key, child, TypeHash)
		return child, nil
	}
	if n == nil || n.typ != TypeVectorHash {
		if !create {
			return nil, fmt.Errorf("key %q is not a list of Hashes", seg.key)
		}
		n = h.put(seg.key, []*Hash{}, TypeVectorHash)
	}
	list := n.value.([]*Hash)
	if seg.index < len(list) {
		return list[seg.index], nil
	}
	if create && seg.index == len(list) {
		child := &Hash{}
		n.value = append(list, child)
		return child, nil
	}
	return nil, fmt.Errorf("index %d out of range for %q (len %d)", seg.index, seg.key, len(list))
}

// Find returns the node addressed by path. For an indexed last segment the
// containing list node is returned together with the item.
func (h *Hash) Find(path string) (*Node, bool) {
	segs, err := parsePath(path, Separator)
	if err != nil {
		return nil, false
	}
	cur := h
	for _, seg := range segs[:len(segs)-1] {
		if cur, err = cur.descend(seg, false); err != nil {
			return nil, false
		}
	}
	last := segs[len(segs)-1]
	n := cur.node(last.key)
	if n == nil {
		return nil, false
	}
	if last.index >= 0 {
		list, ok := n.value.([]*Hash)
		if !ok || last.index >= len(list) {
			return nil, false
		}
		return &Node{key: last.key, value: list[last.index], typ: TypeHash}, true
	}
	return n, true
}

// Get returns the value at path.
func (h *Hash) Get(path string) (any, bool) {
	n, ok := h.Find(path)
	if !ok {
		return nil, false
	}
	return n.value, true
}

// GetHash returns the nested Hash at path.
func (h *Hash) GetHash(path string) (*Hash, bool) {
	v, ok := h.Get(path)
	if !ok {
		return nil, false
	}
	child, ok := v.(*Hash)
	return child, ok
}

// Has reports whether path exists.
func (h *Hash) Has(path string) bool {
	_, ok := h.Find(path)
	return ok
}

// TypeAt returns the value type stored at path.
func (h *Hash) TypeAt(path string) (Type, bool) {
	n, ok := h.Find(path)
	if !ok {
		return TypeUnknown, false
	}
	return n.typ, true
}

// Erase removes path and reports whether it existed.
func (h *Hash) Erase(path string) bool {
	segs, err := parsePath(path, Separator)
	if err != nil {
		return false
	}
	cur := h
	for _, seg := range segs[:len(segs)-1] {
		if cur, err = cur.descend(seg, false); err != nil {
			return false
		}
	}
	last := segs[len(segs)-1]
	n := cur.node(last.key)
	if n == nil {
		return false
	}
	if last.index >= 0 {
		list, ok := n.value.([]*Hash)
		if !ok || last.index >= len(list) {
			return false
		}
		n.value = append(list[:last.index], list[last.index+1:]...)
		return true
	}
	cur.eraseKey(last.key)
	return true
}

func (h *Hash) eraseKey(key string) {
	delete(h.nodes, key)
	for i, k := range h.keys {
		if k == key {
			h.keys = append(h.keys[:i], h.keys[i+1:]...)
			return
		}
	}
}

// Attributes returns the attribute map of the node at path, or nil.
func (h *Hash) Attributes(path string) *Attributes {
	n, ok := h.Find(path)
	if !ok {
		return nil
	}
	return &n.attrs
}

// SetAttribute sets one attribute on an existing node.
func (h *Hash) SetAttribute(path, name string, value any) error {
	n, ok := h.Find(path)
	if !ok {
		return fmt.Errorf("no node at path %q", path)
	}
	return n.attrs.Set(name, value)
}

// GetAttribute returns one attribute of the node at path.
func (h *Hash) GetAttribute(path, name string) (any, bool) {
	n, ok := h.Find(path)
	if !ok {
		return nil, false
	}
	return n.attrs.Get(name)
}

// Len returns the number of top-level keys.
func (h *Hash) Len() int {
	if h == nil {
		return 0
	}
	return len(h.keys)
}

// Empty reports whether the Hash has no keys.
func (h *Hash) Empty() bool { return h.Len() == 0 }

// Keys returns the top-level keys in insertion order.
func (h *Hash) Keys() []string {
	if h == nil {
		return nil
	}
	return append([]string(nil), h.keys...)
}

// Nodes returns the top-level nodes in insertion order.
func (h *Hash) Nodes() []*Node {
	if h == nil {
		return nil
	}
	out := make([]*Node, len(h.keys))
	for i, k := range h.keys {
		out[i] = h.nodes[k]
	}
	return out
}

// Range visits top-level entries in insertion order until fn returns false.
func (h *Hash) Range(fn func(key string, value any, attrs *Attributes) bool) {
	if h == nil {
		return
	}
	for _, k := range h.keys {
		n := h.nodes[k]
		if !fn(k, n.value, &n.attrs) {
			return
		}
	}
}

// Clear removes every key.
func (h *Hash) Clear() {
	h.keys = nil
	h.nodes = nil
}

// Merge folds other into h. Nested Hashes merge recursively; every other
// value, including lists of Hashes, is replaced. New keys are appended in
// other's order.
func (h *Hash) Merge(other *Hash, policy MergePolicy) {
	if other == nil {
		return
	}
	for _, k := range other.keys {
		src := other.nodes[k]
		dst := h.node(k)
		if srcHash, ok := src.value.(*Hash); ok && dst != nil {
			if dstHash, ok := dst.value.(*Hash); ok {
				dstHash.Merge(srcHash, policy)
				mergeAttrs(dst, src, policy)
				continue
			}
		}
		n := h.put(k, cloneValue(src.value), src.typ)
		mergeAttrs(n, src, policy)
	}
}

func mergeAttrs(dst, src *Node, policy MergePolicy) {
	if policy == ReplaceAttributes {
		dst.attrs = *src.attrs.Clone()
		return
	}
	dst.attrs.Merge(&src.attrs)
}

// Fill adds every path of other that h lacks, keeping h's existing values.
func (h *Hash) Fill(other *Hash) {
	if other == nil {
		return
	}
	for _, k := range other.keys {
		src := other.nodes[k]
		dst := h.node(k)
		if dst == nil {
			n := h.put(k, cloneValue(src.value), src.typ)
			n.attrs = *src.attrs.Clone()
			continue
		}
		if srcHash, ok := src.value.(*Hash); ok {
			if dstHash, ok := dst.value.(*Hash); ok {
				dstHash.Fill(srcHash)
			}
		}
	}
}

// Subtract removes every leaf path of other from h and prunes Hashes that
// become empty as a result.
func (h *Hash) Subtract(other *Hash) {
	if other == nil {
		return
	}
	for _, k := range other.keys {
		dst := h.node(k)
		if dst == nil {
			continue
		}
		srcHash, srcIsHash := other.nodes[k].value.(*Hash)
		dstHash, dstIsHash := dst.value.(*Hash)
		if srcIsHash && dstIsHash && !srcHash.Empty() {
			dstHash.Subtract(srcHash)
			if dstHash.Empty() {
				h.eraseKey(k)
			}
			continue
		}
		h.eraseKey(k)
	}
}

// Clone returns a deep copy.
func (h *Hash) Clone() *Hash {
	out := &Hash{}
	if h == nil {
		return out
	}
	for _, k := range h.keys {
		n := h.nodes[k]
		c := out.put(k, cloneValue(n.value), n.typ)
		c.attrs = *n.attrs.Clone()
	}
	return out
}

// Equal reports deep, order-sensitive equality including attributes.
func (h *Hash) Equal(other *Hash) bool {
	if h.Len() != other.Len() {
		return false
	}
	for i, k := range h.keys {
		if other.keys[i] != k {
			return false
		}
		a, b := h.nodes[k], other.nodes[k]
		if a.typ != b.typ || !valueEqual(a.value, b.value) || !a.attrs.Equal(&b.attrs) {
			return false
		}
	}
	return true
}

// Paths returns the dotted paths of all leaves in depth-first order. A nested
// Hash that is empty counts as a leaf.
func (h *Hash) Paths() []string {
	var out []string
	h.walk("", Separator, func(path string, _ *Node) {
		out = append(out, path)
	})
	return out
}

func (h *Hash) walk(prefix, sep string, fn func(path string, n *Node)) {
	if h == nil {
		return
	}
	for _, k := range h.keys {
		n := h.nodes[k]
		path := k
		if prefix != "" {
			path = prefix + sep + k
		}
		if child, ok := n.value.(*Hash); ok && !child.Empty() {
			child.walk(path, sep, fn)
			continue
		}
		fn(path, n)
	}
}

// Flatten projects the tree into a single-level Hash keyed by full paths
// joined with sep. Attributes of leaves are preserved.
func (h *Hash) Flatten(sep string) *Hash {
	out := &Hash{}
	h.walk("", sep, func(path string, n *Node) {
		c := out.put(path, cloneValue(n.value), n.typ)
		c.attrs = *n.attrs.Clone()
	})
	return out
}

// Unflatten is the inverse of Flatten.
func (h *Hash) Unflatten(sep string) *Hash {
	out := &Hash{}
	for _, k := range h.Keys() {
		n := h.nodes[k]
		path := k
		if sep != Separator {
			path = strings.ReplaceAll(k, sep, Separator)
		}
		node, err := out.TrySet(path, cloneValue(n.value))
		if err != nil {
			continue
		}
		node.attrs = *n.attrs.Clone()
	}
	return out
}

// String renders the tree for logs and test failures.
func (h *Hash) String() string {
	var b strings.Builder
	h.format(&b, 0)
	return b.String()
}

func (h *Hash) format(b *strings.Builder, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, k := range h.Keys() {
		n := h.nodes[k]
		fmt.Fprintf(b, "%s'%s'", indent, k)
		if n.attrs.Len() > 0 {
			b.WriteString(" [")
			n.attrs.Range(func(name string, value any) bool {
				fmt.Fprintf(b, " %s=%v", name, value)
				return true
			})
			b.WriteString(" ]")
		}
		switch v := n.value.(type) {
		case *Hash:
			b.WriteString(" +\n")
			v.format(b, depth+1)
		case []*Hash:
			fmt.Fprintf(b, " @ (%d)\n", len(v))
			for i, item := range v {
				fmt.Fprintf(b, "%s  [%d]\n", indent, i)
				item.format(b, depth+2)
			}
		default:
			fmt.Fprintf(b, " => %v %s\n", v, n.typ)
		}
	}
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case *Hash:
		return x.Clone()
	case []*Hash:
		out := make([]*Hash, len(x))
		for i, item := range x {
			out[i] = item.Clone()
		}
		return out
	case *NDArray:
		return x.Clone()
	case nil:
		return nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice {
		cp := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		reflect.Copy(cp, rv)
		return cp.Interface()
	}
	return v
}

func valueEqual(a, b any) bool {
	switch x := a.(type) {
	case *Hash:
		y, ok := b.(*Hash)
		return ok && x.Equal(y)
	case []*Hash:
		y, ok := b.([]*Hash)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !x[i].Equal(y[i]) {
				return false
			}
		}
		return true
	case *NDArray:
		y, ok := b.(*NDArray)
		return ok && x.Equal(y)
	}
	ra, rb := reflect.ValueOf(a), reflect.ValueOf(b)
	if ra.IsValid() && rb.IsValid() && ra.Kind() == reflect.Slice && rb.Kind() == reflect.Slice {
		if ra.Type() != rb.Type() || ra.Len() != rb.Len() {
			return false
		}
		if ra.Len() == 0 {
			return true
		}
	}
	return reflect.DeepEqual(a, b)
}

// SortedKeys returns the top-level keys in lexical order.
func (h *Hash) SortedKeys() []string {
	keys := h.Keys()
	sort.Strings(keys)
	return keys
}
