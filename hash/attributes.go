package hash

import "fmt"

// Well-known attribute names.
const (
	AttrTimestampSec   = "sec"
	AttrTimestampFrac  = "frac"
	AttrTimestampTid   = "tid"
	AttrAlarmCondition = "alarmCondition"
)

type attribute struct {
	name  string
	value any
	typ   Type
}

// Attributes is the ordered attribute map of a Hash node. Values are scalars
// or vectors of scalars, never Hashes or arrays.
type Attributes struct {
	items []attribute
}

// Len returns the number of attributes.
func (a *Attributes) Len() int {
	if a == nil {
		return 0
	}
	return len(a.items)
}

func (a *Attributes) index(name string) int {
	for i := range a.items {
		if a.items[i].name == name {
			return i
		}
	}
	return -1
}

// Set stores an attribute, keeping the position of an existing one.
func (a *Attributes) Set(name string, value any) error {
	v, t, err := Normalize(value)
	if err != nil {
		return fmt.Errorf("attribute %q: %w", name, err)
	}
	if !isAttributeType(t) {
		return fmt.Errorf("attribute %q: type %s not allowed in attributes", name, t)
	}
	if i := a.index(name); i >= 0 {
		a.items[i].value = v
		a.items[i].typ = t
		return nil
	}
	a.items = append(a.items, attribute{name: name, value: v, typ: t})
	return nil
}

// Get returns the value of an attribute.
func (a *Attributes) Get(name string) (any, bool) {
	if a == nil {
		return nil, false
	}
	if i := a.index(name); i >= 0 {
		return a.items[i].value, true
	}
	return nil, false
}

// Type returns the type of an attribute.
func (a *Attributes) Type(name string) (Type, bool) {
	if a == nil {
		return TypeUnknown, false
	}
	if i := a.index(name); i >= 0 {
		return a.items[i].typ, true
	}
	return TypeUnknown, false
}

// Has reports whether the attribute exists.
func (a *Attributes) Has(name string) bool {
	return a != nil && a.index(name) >= 0
}

// Erase removes an attribute.
func (a *Attributes) Erase(name string) bool {
	i := a.index(name)
	if i < 0 {
		return false
	}
	a.items = append(a.items[:i], a.items[i+1:]...)
	return true
}

// Names returns attribute names in insertion order.
func (a *Attributes) Names() []string {
	if a == nil {
		return nil
	}
	out := make([]string, len(a.items))
	for i := range a.items {
		out[i] = a.items[i].name
	}
	return out
}

// Range calls fn for each attribute in order until fn returns false.
func (a *Attributes) Range(fn func(name string, value any) bool) {
	if a == nil {
		return
	}
	for _, it := range a.items {
		if !fn(it.name, it.value) {
			return
		}
	}
}

// Merge copies every attribute of other into a.
func (a *Attributes) Merge(other *Attributes) {
	if other == nil {
		return
	}
	for _, it := range other.items {
		if i := a.index(it.name); i >= 0 {
			a.items[i] = attribute{name: it.name, value: cloneValue(it.value), typ: it.typ}
			continue
		}
		a.items = append(a.items, attribute{name: it.name, value: cloneValue(it.value), typ: it.typ})
	}
}

// Clone returns a deep copy.
func (a *Attributes) Clone() *Attributes {
	out := &Attributes{}
	if a == nil {
		return out
	}
	out.items = make([]attribute, len(a.items))
	for i, it := range a.items {
		out.items[i] = attribute{name: it.name, value: cloneValue(it.value), typ: it.typ}
	}
	return out
}

// Equal compares two attribute maps including order.
func (a *Attributes) Equal(b *Attributes) bool {
	if a.Len() != b.Len() {
		return false
	}
	for i := 0; i < a.Len(); i++ {
		x, y := a.items[i], b.items[i]
		if x.name != y.name || x.typ != y.typ || !valueEqual(x.value, y.value) {
			return false
		}
	}
	return true
}
