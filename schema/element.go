package schema

import (
	"fmt"

	"github.com/European-XFEL/Karabo-sub009/hash"
)

// Element is a read view of one schema element.
type Element struct {
	Path string
	node *hash.Node
}

// Key returns the last path segment.
func (e Element) Key() string { return e.node.Key() }

// Attributes exposes the raw attribute map.
func (e Element) Attributes() *hash.Attributes { return e.node.Attributes() }

func (e Element) attr(name string) (any, bool) {
	return e.node.Attributes().Get(name)
}

func (e Element) int32Attr(name string) (int32, bool) {
	v, ok := e.attr(name)
	if !ok {
		return 0, false
	}
	c, err := hash.Convert(v, hash.TypeInt32)
	if err != nil {
		return 0, false
	}
	return c.(int32), true
}

func (e Element) stringAttr(name string) string {
	v, _ := e.attr(name)
	s, _ := v.(string)
	return s
}

// NodeType returns the element kind. Nodes created implicitly by a dotted
// key carry no attribute and count as plain nodes.
func (e Element) NodeType() NodeType {
	if t, ok := e.int32Attr(AttrNodeType); ok {
		return NodeType(t)
	}
	if _, ok := e.node.Value().(*hash.Hash); ok {
		return NodeNode
	}
	return NodeLeaf
}

// LeafType returns the refinement of a leaf.
func (e Element) LeafType() LeafType {
	t, _ := e.int32Attr(AttrLeafType)
	return LeafType(t)
}

// ValueType returns the declared value type of a leaf.
func (e Element) ValueType() hash.Type {
	t, err := hash.ParseType(e.stringAttr(AttrValueType))
	if err != nil {
		return hash.TypeUnknown
	}
	return t
}

// AccessMode defaults to Reconfigurable.
func (e Element) AccessMode() AccessMode {
	if m, ok := e.int32Attr(AttrAccessMode); ok {
		return AccessMode(m)
	}
	return AccessReconfigurable
}

// Assignment defaults to Optional.
func (e Element) Assignment() Assignment {
	a, _ := e.int32Attr(AttrAssignment)
	return Assignment(a)
}

// RequiredAccessLevel defaults to Observer for read-only elements and User
// otherwise.
func (e Element) RequiredAccessLevel() AccessLevel {
	if l, ok := e.int32Attr(AttrRequiredAccessLevel); ok {
		return AccessLevel(l)
	}
	if e.NodeType() == NodeLeaf && e.AccessMode() == AccessReadOnly {
		return LevelObserver
	}
	if e.NodeType() != NodeLeaf && !e.IsCommand() {
		return LevelObserver
	}
	return LevelUser
}

// DefaultValue returns the declared default.
func (e Element) DefaultValue() (any, bool) { return e.attr(AttrDefaultValue) }

// AllowedStates returns the states in which the element may be written or
// called. Empty means any state.
func (e Element) AllowedStates() []string {
	v, _ := e.attr(AttrAllowedStates)
	s, _ := v.([]string)
	return s
}

// Options returns the allowed values as a vector of the element type.
func (e Element) Options() (any, bool) { return e.attr(AttrOptions) }

// Tags returns the element tags.
func (e Element) Tags() []string {
	v, _ := e.attr(AttrTags)
	s, _ := v.([]string)
	return s
}

func (e Element) DisplayType() string   { return e.stringAttr(AttrDisplayType) }
func (e Element) Description() string   { return e.stringAttr(AttrDescription) }
func (e Element) DisplayedName() string { return e.stringAttr(AttrDisplayedName) }
func (e Element) UnitSymbol() string    { return e.stringAttr(AttrUnitSymbol) }

// IsCommand reports whether the element describes a slot.
func (e Element) IsCommand() bool { return e.DisplayType() == DisplaySlot }

// IsState reports whether the element is a device state property.
func (e Element) IsState() bool { return e.LeafType() == LeafState }

// IsTable reports whether the element is a vector of Hashes with a row schema.
func (e Element) IsTable() bool {
	if e.NodeType() != NodeLeaf || e.ValueType() != hash.TypeVectorHash {
		return false
	}
	_, ok := e.node.Value().(*hash.Hash)
	return ok
}

// RowSchema returns the row schema of a table element.
func (e Element) RowSchema() (*Schema, bool) {
	if !e.IsTable() {
		return nil, false
	}
	return &Schema{root: e.Key(), params: e.node.Value().(*hash.Hash)}, true
}

// HasAlarms reports whether any alarm or warning threshold is set.
func (e Element) HasAlarms() bool {
	for _, a := range []string{AttrAlarmLow, AttrAlarmHigh, AttrWarnLow, AttrWarnHigh} {
		if _, ok := e.attr(a); ok {
			return true
		}
	}
	return false
}

// coerceAttribute converts value for storage under name. Bounds, defaults and
// thresholds take the element's value type; options its vector type.
func (e Element) coerceAttribute(name string, value any) (any, error) {
	vt := e.ValueType()
	switch name {
	case AttrDefaultValue, AttrMinInc, AttrMaxInc, AttrMinExc, AttrMaxExc,
		AttrAlarmLow, AttrAlarmHigh, AttrWarnLow, AttrWarnHigh:
		if e.NodeType() != NodeLeaf {
			if name == AttrDefaultValue && e.NodeType() == NodeChoice {
				return hash.Convert(value, hash.TypeString)
			}
			return nil, fmt.Errorf("not a leaf")
		}
		if name != AttrDefaultValue && !vt.IsNumeric() {
			return nil, fmt.Errorf("bounds need a numeric type, element is %s", vt)
		}
		return hash.Convert(value, vt)
	case AttrOptions:
		if vt.IsVector() {
			return hash.Convert(value, vt)
		}
		return optionsVector(value, vt)
	case AttrMinSize, AttrMaxSize:
		if !vt.IsVector() {
			return nil, fmt.Errorf("size bounds need a vector type, element is %s", vt)
		}
		return hash.Convert(value, hash.TypeUInt32)
	case AttrAllowedStates, AttrTags:
		return hash.Convert(value, hash.TypeVectorString)
	case AttrRequiredAccessLevel, AttrArchivePolicy:
		switch x := value.(type) {
		case AccessLevel:
			return int32(x), nil
		case ArchivePolicy:
			return int32(x), nil
		}
		return hash.Convert(value, hash.TypeInt32)
	}
	return hash.Convert(value, hash.TypeString)
}

// optionsVector turns a list of scalar options into the vector type matching
// the scalar type vt.
func optionsVector(value any, vt hash.Type) (any, error) {
	vecType, ok := vectorOf[vt]
	if !ok {
		return nil, fmt.Errorf("options are not supported for %s", vt)
	}
	return hash.Convert(value, vecType)
}

var vectorOf = map[hash.Type]hash.Type{
	hash.TypeBool:   hash.TypeVectorBool,
	hash.TypeInt8:   hash.TypeVectorInt8,
	hash.TypeUInt8:  hash.TypeVectorUInt8,
	hash.TypeInt16:  hash.TypeVectorInt16,
	hash.TypeUInt16: hash.TypeVectorUInt16,
	hash.TypeInt32:  hash.TypeVectorInt32,
	hash.TypeUInt32: hash.TypeVectorUInt32,
	hash.TypeInt64:  hash.TypeVectorInt64,
	hash.TypeUInt64: hash.TypeVectorUInt64,
	hash.TypeFloat:  hash.TypeVectorFloat,
	hash.TypeDouble: hash.TypeVectorDouble,
	hash.TypeString: hash.TypeVectorString,
}
