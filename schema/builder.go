package schema

import (
	"fmt"
	"strings"

	"github.com/European-XFEL/Karabo-sub009/hash"
)

// attrList keeps builder attributes in declaration order.
type attrList struct {
	attrs hash.Attributes
	err   error
}

func (a *attrList) set(name string, value any) {
	if err := a.attrs.Set(name, value); err != nil && a.err == nil {
		a.err = err
	}
}

func (a *attrList) fail(format string, args ...any) {
	if a.err == nil {
		a.err = fmt.Errorf(format, args...)
	}
}

// insert places a new element into s. The parent of a dotted key must
// already exist and be a node, choice or list element.
func insert(s *Schema, key string, value any, attrs *attrList) {
	if attrs.err != nil {
		s.addErr(fmt.Errorf("element %q: %w", key, attrs.err))
		return
	}
	if key == "" {
		s.addErr(fmt.Errorf("element without key"))
		return
	}
	if s.params.Has(key) {
		s.addErr(fmt.Errorf("element %q declared twice", key))
		return
	}
	if i := strings.LastIndex(key, hash.Separator); i > 0 {
		parent, ok := s.Element(key[:i])
		if !ok || parent.NodeType() == NodeLeaf || parent.IsCommand() {
			s.addErr(fmt.Errorf("element %q: parent %q is not a node", key, key[:i]))
			return
		}
	}
	n, err := s.params.TrySet(key, value)
	if err != nil {
		s.addErr(err)
		return
	}
	n.Attributes().Merge(&attrs.attrs)
}

// LeafBuilder declares a scalar or vector property of Go type T.
type LeafBuilder[T any] struct {
	s     *Schema
	key   string
	typ   hash.Type
	mode  AccessMode
	level AccessLevel
	attrs attrList
	hasLv bool
}

// Leaf starts a property declaration. The value type follows T.
func Leaf[T any](s *Schema) *LeafBuilder[T] {
	var zero T
	b := &LeafBuilder[T]{s: s, mode: AccessReconfigurable}
	t, ok := hash.TypeOf(zero)
	if !ok || t == hash.TypeHash || t == hash.TypeNone {
		b.attrs.fail("unsupported leaf type %T", zero)
	}
	b.typ = t
	return b
}

func Bool(s *Schema) *LeafBuilder[bool]               { return Leaf[bool](s) }
func Int8(s *Schema) *LeafBuilder[int8]               { return Leaf[int8](s) }
func UInt8(s *Schema) *LeafBuilder[uint8]             { return Leaf[uint8](s) }
func Int16(s *Schema) *LeafBuilder[int16]             { return Leaf[int16](s) }
func UInt16(s *Schema) *LeafBuilder[uint16]           { return Leaf[uint16](s) }
func Int32(s *Schema) *LeafBuilder[int32]             { return Leaf[int32](s) }
func UInt32(s *Schema) *LeafBuilder[uint32]           { return Leaf[uint32](s) }
func Int64(s *Schema) *LeafBuilder[int64]             { return Leaf[int64](s) }
func UInt64(s *Schema) *LeafBuilder[uint64]           { return Leaf[uint64](s) }
func Float(s *Schema) *LeafBuilder[float32]           { return Leaf[float32](s) }
func Double(s *Schema) *LeafBuilder[float64]          { return Leaf[float64](s) }
func String(s *Schema) *LeafBuilder[string]           { return Leaf[string](s) }
func VectorBool(s *Schema) *LeafBuilder[[]bool]       { return Leaf[[]bool](s) }
func VectorChar(s *Schema) *LeafBuilder[[]byte]       { return Leaf[[]byte](s) }
func VectorInt32(s *Schema) *LeafBuilder[[]int32]     { return Leaf[[]int32](s) }
func VectorUInt32(s *Schema) *LeafBuilder[[]uint32]   { return Leaf[[]uint32](s) }
func VectorInt64(s *Schema) *LeafBuilder[[]int64]     { return Leaf[[]int64](s) }
func VectorUInt64(s *Schema) *LeafBuilder[[]uint64]   { return Leaf[[]uint64](s) }
func VectorFloat(s *Schema) *LeafBuilder[[]float32]   { return Leaf[[]float32](s) }
func VectorDouble(s *Schema) *LeafBuilder[[]float64]  { return Leaf[[]float64](s) }
func VectorString(s *Schema) *LeafBuilder[[]string]   { return Leaf[[]string](s) }

func (b *LeafBuilder[T]) Key(k string) *LeafBuilder[T] { b.key = k; return b }

func (b *LeafBuilder[T]) DisplayedName(n string) *LeafBuilder[T] {
	b.attrs.set(AttrDisplayedName, n)
	return b
}

func (b *LeafBuilder[T]) Description(d string) *LeafBuilder[T] {
	b.attrs.set(AttrDescription, d)
	return b
}

func (b *LeafBuilder[T]) Unit(symbol string) *LeafBuilder[T] {
	b.attrs.set(AttrUnitSymbol, symbol)
	return b
}

func (b *LeafBuilder[T]) MetricPrefix(symbol string) *LeafBuilder[T] {
	b.attrs.set(AttrMetricPrefixSymbol, symbol)
	return b
}

func (b *LeafBuilder[T]) Tags(tags ...string) *LeafBuilder[T] {
	b.attrs.set(AttrTags, tags)
	return b
}

// AllowedStates restricts writes to the listed device states.
func (b *LeafBuilder[T]) AllowedStates(states ...string) *LeafBuilder[T] {
	b.attrs.set(AttrAllowedStates, states)
	return b
}

func (b *LeafBuilder[T]) DisplayType(t string) *LeafBuilder[T] {
	b.attrs.set(AttrDisplayType, t)
	return b
}

func (b *LeafBuilder[T]) Init() *LeafBuilder[T]           { b.mode = AccessInit; return b }
func (b *LeafBuilder[T]) ReadOnly() *LeafBuilder[T]       { b.mode = AccessReadOnly; return b }
func (b *LeafBuilder[T]) Reconfigurable() *LeafBuilder[T] { b.mode = AccessReconfigurable; return b }

func (b *LeafBuilder[T]) Mandatory() *LeafBuilder[T] {
	b.attrs.set(AttrAssignment, int32(AssignmentMandatory))
	return b
}

func (b *LeafBuilder[T]) Optional() *LeafBuilder[T] {
	b.attrs.set(AttrAssignment, int32(AssignmentOptional))
	return b
}

// Internal marks a value that only the hosting server may supply.
func (b *LeafBuilder[T]) Internal() *LeafBuilder[T] {
	b.attrs.set(AttrAssignment, int32(AssignmentInternal))
	return b
}

func (b *LeafBuilder[T]) RequiredAccessLevel(l AccessLevel) *LeafBuilder[T] {
	b.level, b.hasLv = l, true
	return b
}

func (b *LeafBuilder[T]) Expert() *LeafBuilder[T] { return b.RequiredAccessLevel(LevelExpert) }

func (b *LeafBuilder[T]) ArchivePolicy(p ArchivePolicy) *LeafBuilder[T] {
	b.attrs.set(AttrArchivePolicy, int32(p))
	return b
}

func (b *LeafBuilder[T]) DefaultValue(v T) *LeafBuilder[T] {
	b.attrs.set(AttrDefaultValue, v)
	return b
}

// Options lists the allowed values of a scalar property.
func (b *LeafBuilder[T]) Options(opts ...T) *LeafBuilder[T] {
	if b.typ.IsVector() {
		b.attrs.fail("options are not supported for %s", b.typ)
		return b
	}
	v, err := optionsVector(opts, b.typ)
	if err != nil {
		b.attrs.fail("%w", err)
		return b
	}
	b.attrs.set(AttrOptions, v)
	return b
}

func (b *LeafBuilder[T]) bound(name string, v T) *LeafBuilder[T] {
	if !b.typ.IsNumeric() {
		b.attrs.fail("%s needs a numeric type, element is %s", name, b.typ)
		return b
	}
	b.attrs.set(name, v)
	return b
}

func (b *LeafBuilder[T]) MinInc(v T) *LeafBuilder[T]    { return b.bound(AttrMinInc, v) }
func (b *LeafBuilder[T]) MaxInc(v T) *LeafBuilder[T]    { return b.bound(AttrMaxInc, v) }
func (b *LeafBuilder[T]) MinExc(v T) *LeafBuilder[T]    { return b.bound(AttrMinExc, v) }
func (b *LeafBuilder[T]) MaxExc(v T) *LeafBuilder[T]    { return b.bound(AttrMaxExc, v) }
func (b *LeafBuilder[T]) AlarmLow(v T) *LeafBuilder[T]  { return b.bound(AttrAlarmLow, v) }
func (b *LeafBuilder[T]) AlarmHigh(v T) *LeafBuilder[T] { return b.bound(AttrAlarmHigh, v) }
func (b *LeafBuilder[T]) WarnLow(v T) *LeafBuilder[T]   { return b.bound(AttrWarnLow, v) }
func (b *LeafBuilder[T]) WarnHigh(v T) *LeafBuilder[T]  { return b.bound(AttrWarnHigh, v) }

func (b *LeafBuilder[T]) size(name string, n uint32) *LeafBuilder[T] {
	if !b.typ.IsVector() {
		b.attrs.fail("%s needs a vector type, element is %s", name, b.typ)
		return b
	}
	b.attrs.set(name, n)
	return b
}

func (b *LeafBuilder[T]) MinSize(n uint32) *LeafBuilder[T] { return b.size(AttrMinSize, n) }
func (b *LeafBuilder[T]) MaxSize(n uint32) *LeafBuilder[T] { return b.size(AttrMaxSize, n) }

// Commit adds the element to the schema. Problems are collected on the
// schema and reported by Schema.Err.
func (b *LeafBuilder[T]) Commit() {
	commitLeaf(b.s, b.key, b.typ, b.mode, b.level, b.hasLv, LeafProperty, nil, &b.attrs)
}

func commitLeaf(s *Schema, key string, typ hash.Type, mode AccessMode, level AccessLevel,
	hasLevel bool, leaf LeafType, value any, attrs *attrList) {
	if !hasLevel {
		level = LevelUser
		if mode == AccessReadOnly {
			level = LevelObserver
		}
	}
	attrs.set(AttrNodeType, int32(NodeLeaf))
	attrs.set(AttrLeafType, int32(leaf))
	attrs.set(AttrValueType, typ.String())
	attrs.set(AttrAccessMode, int32(mode))
	attrs.set(AttrRequiredAccessLevel, int32(level))
	if !attrs.attrs.Has(AttrAssignment) {
		attrs.set(AttrAssignment, int32(AssignmentOptional))
	}
	if attrs.err == nil {
		attrs.err = checkDefault(&attrs.attrs)
	}
	insert(s, key, value, attrs)
}

// checkDefault rejects a default value that violates the declared bounds or
// options.
func checkDefault(attrs *hash.Attributes) error {
	def, ok := attrs.Get(AttrDefaultValue)
	if !ok {
		return nil
	}
	if reason := checkBounds(attrs, def); reason != "" {
		return fmt.Errorf("default value %v: %s", def, reason)
	}
	return nil
}

// NodeBuilder declares a node holding child elements.
type NodeBuilder struct {
	s     *Schema
	key   string
	attrs attrList
	typ   NodeType
	def   string
}

// Node starts a node declaration. Children are added with dotted keys after
// the node is committed.
func Node(s *Schema) *NodeBuilder { return &NodeBuilder{s: s, typ: NodeNode} }

// Choice starts a choice declaration: a configuration selects exactly one of
// its child nodes.
func Choice(s *Schema) *NodeBuilder { return &NodeBuilder{s: s, typ: NodeChoice} }

// List starts a list declaration whose children are the admissible item types.
func List(s *Schema) *NodeBuilder { return &NodeBuilder{s: s, typ: NodeList} }

func (b *NodeBuilder) Key(k string) *NodeBuilder { b.key = k; return b }

func (b *NodeBuilder) DisplayedName(n string) *NodeBuilder {
	b.attrs.set(AttrDisplayedName, n)
	return b
}

func (b *NodeBuilder) Description(d string) *NodeBuilder {
	b.attrs.set(AttrDescription, d)
	return b
}

func (b *NodeBuilder) DisplayType(t string) *NodeBuilder {
	b.attrs.set(AttrDisplayType, t)
	return b
}

func (b *NodeBuilder) Tags(tags ...string) *NodeBuilder {
	b.attrs.set(AttrTags, tags)
	return b
}

func (b *NodeBuilder) RequiredAccessLevel(l AccessLevel) *NodeBuilder {
	b.attrs.set(AttrRequiredAccessLevel, int32(l))
	return b
}

func (b *NodeBuilder) AllowedStates(states ...string) *NodeBuilder {
	b.attrs.set(AttrAllowedStates, states)
	return b
}

func (b *NodeBuilder) Init() *NodeBuilder {
	b.attrs.set(AttrAccessMode, int32(AccessInit))
	return b
}

// DefaultValue names the default option of a choice.
func (b *NodeBuilder) DefaultValue(option string) *NodeBuilder {
	b.def = option
	return b
}

func (b *NodeBuilder) Commit() {
	b.attrs.set(AttrNodeType, int32(b.typ))
	if b.def != "" {
		if b.typ != NodeChoice {
			b.attrs.fail("only choices take a default option")
		}
		b.attrs.set(AttrDefaultValue, b.def)
	}
	insert(b.s, b.key, &hash.Hash{}, &b.attrs)
}

// TableBuilder declares a vector of Hashes whose rows follow a row schema.
type TableBuilder struct {
	s     *Schema
	key   string
	rows  *Schema
	mode  AccessMode
	attrs attrList
}

// Table starts a table declaration.
func Table(s *Schema) *TableBuilder {
	return &TableBuilder{s: s, mode: AccessReconfigurable}
}

func (b *TableBuilder) Key(k string) *TableBuilder { b.key = k; return b }

// RowSchema sets the schema every row is validated against.
func (b *TableBuilder) RowSchema(rows *Schema) *TableBuilder { b.rows = rows; return b }

func (b *TableBuilder) DisplayedName(n string) *TableBuilder {
	b.attrs.set(AttrDisplayedName, n)
	return b
}

func (b *TableBuilder) Description(d string) *TableBuilder {
	b.attrs.set(AttrDescription, d)
	return b
}

func (b *TableBuilder) AllowedStates(states ...string) *TableBuilder {
	b.attrs.set(AttrAllowedStates, states)
	return b
}

func (b *TableBuilder) ReadOnly() *TableBuilder       { b.mode = AccessReadOnly; return b }
func (b *TableBuilder) Init() *TableBuilder           { b.mode = AccessInit; return b }
func (b *TableBuilder) Reconfigurable() *TableBuilder { b.mode = AccessReconfigurable; return b }

func (b *TableBuilder) MinSize(n uint32) *TableBuilder { b.attrs.set(AttrMinSize, n); return b }
func (b *TableBuilder) MaxSize(n uint32) *TableBuilder { b.attrs.set(AttrMaxSize, n); return b }

func (b *TableBuilder) Commit() {
	if b.rows == nil {
		b.attrs.fail("table without row schema")
		b.rows = New("")
	} else if err := b.rows.Err(); err != nil {
		b.attrs.fail("row schema: %w", err)
	}
	b.attrs.set(AttrDisplayType, DisplayTable)
	commitLeaf(b.s, b.key, hash.TypeVectorHash, b.mode, 0, false, LeafProperty,
		b.rows.params.Clone(), &b.attrs)
}

// SlotBuilder declares a command.
type SlotBuilder struct {
	s     *Schema
	key   string
	attrs attrList
	level AccessLevel
}

// Slot starts a command declaration.
func Slot(s *Schema) *SlotBuilder { return &SlotBuilder{s: s, level: LevelUser} }

func (b *SlotBuilder) Key(k string) *SlotBuilder { b.key = k; return b }

func (b *SlotBuilder) DisplayedName(n string) *SlotBuilder {
	b.attrs.set(AttrDisplayedName, n)
	return b
}

func (b *SlotBuilder) Description(d string) *SlotBuilder {
	b.attrs.set(AttrDescription, d)
	return b
}

func (b *SlotBuilder) AllowedStates(states ...string) *SlotBuilder {
	b.attrs.set(AttrAllowedStates, states)
	return b
}

func (b *SlotBuilder) RequiredAccessLevel(l AccessLevel) *SlotBuilder { b.level = l; return b }

func (b *SlotBuilder) Commit() {
	b.attrs.set(AttrNodeType, int32(NodeNode))
	b.attrs.set(AttrDisplayType, DisplaySlot)
	b.attrs.set(AttrRequiredAccessLevel, int32(b.level))
	insert(b.s, b.key, &hash.Hash{}, &b.attrs)
}

// StateBuilder declares the read-only state property.
type StateBuilder struct {
	s       *Schema
	key     string
	options []string
	def     string
	attrs   attrList
}

// State starts a state property declaration. The key defaults to "state".
func State(s *Schema) *StateBuilder { return &StateBuilder{s: s, key: "state"} }

func (b *StateBuilder) Key(k string) *StateBuilder { b.key = k; return b }

// Options lists the states the device may enter.
func (b *StateBuilder) Options(states ...string) *StateBuilder { b.options = states; return b }

func (b *StateBuilder) DefaultValue(state string) *StateBuilder { b.def = state; return b }

func (b *StateBuilder) Description(d string) *StateBuilder {
	b.attrs.set(AttrDescription, d)
	return b
}

func (b *StateBuilder) Commit() {
	b.attrs.set(AttrDisplayType, DisplayState)
	b.attrs.set(AttrDisplayedName, "State")
	if len(b.options) > 0 {
		b.attrs.set(AttrOptions, b.options)
	}
	if b.def != "" {
		b.attrs.set(AttrDefaultValue, b.def)
	}
	commitLeaf(b.s, b.key, hash.TypeString, AccessReadOnly, 0, false, LeafState, nil, &b.attrs)
}

// AlarmConditionElement declares the read-only alarm condition property.
func AlarmConditionElement(s *Schema, key string) {
	var attrs attrList
	attrs.set(AttrDisplayType, DisplayAlarmCondition)
	attrs.set(AttrDefaultValue, string(AlarmNone))
	commitLeaf(s, key, hash.TypeString, AccessReadOnly, 0, false, LeafAlarmCondition, nil, &attrs)
}

// NDArrayBuilder declares a read-only N-dimensional array or image.
type NDArrayBuilder struct {
	s     *Schema
	key   string
	dtype hash.Type
	shape []uint64
	image bool
	attrs attrList
}

// NDArray starts an array declaration.
func NDArray(s *Schema) *NDArrayBuilder { return &NDArrayBuilder{s: s, dtype: hash.TypeUnknown} }

// Image starts an image declaration.
func Image(s *Schema) *NDArrayBuilder {
	return &NDArrayBuilder{s: s, dtype: hash.TypeUnknown, image: true}
}

func (b *NDArrayBuilder) Key(k string) *NDArrayBuilder { b.key = k; return b }

func (b *NDArrayBuilder) DType(t hash.Type) *NDArrayBuilder { b.dtype = t; return b }

func (b *NDArrayBuilder) Shape(dims ...uint64) *NDArrayBuilder { b.shape = dims; return b }

func (b *NDArrayBuilder) Description(d string) *NDArrayBuilder {
	b.attrs.set(AttrDescription, d)
	return b
}

func (b *NDArrayBuilder) Commit() {
	display := DisplayNDArray
	if b.image {
		display = DisplayImage
	}
	b.attrs.set(AttrDisplayType, display)
	b.attrs.set("dtype", b.dtype.String())
	if len(b.shape) > 0 {
		b.attrs.set("shape", b.shape)
	}
	commitLeaf(b.s, b.key, hash.TypeNDArray, AccessReadOnly, 0, false, LeafProperty, nil, &b.attrs)
}
