package schema

import (
	"fmt"
	"reflect"
)

// OverwriteBuilder changes attributes of an element that a base class
// already declared. Errors are collected on the schema.
type OverwriteBuilder struct {
	s    *Schema
	path string
}

// Overwrite starts modifying the element at path.
func Overwrite(s *Schema, path string) *OverwriteBuilder {
	if !s.Has(path) {
		s.addErr(fmt.Errorf("overwrite: no element %q", path))
	}
	return &OverwriteBuilder{s: s, path: path}
}

func (o *OverwriteBuilder) set(name string, value any) *OverwriteBuilder {
	if !o.s.Has(o.path) {
		return o
	}
	if err := o.s.SetAttribute(o.path, name, value); err != nil {
		o.s.addErr(fmt.Errorf("overwrite: %w", err))
	}
	return o
}

func (o *OverwriteBuilder) SetNewDefault(v any) *OverwriteBuilder {
	return o.set(AttrDefaultValue, v)
}

// SetNewOptions replaces the allowed values. Pass a slice or the values one
// by one.
func (o *OverwriteBuilder) SetNewOptions(opts ...any) *OverwriteBuilder {
	if len(opts) == 1 && reflect.TypeOf(opts[0]) != nil && reflect.TypeOf(opts[0]).Kind() == reflect.Slice {
		return o.set(AttrOptions, opts[0])
	}
	e, ok := o.s.Element(o.path)
	if !ok {
		return o
	}
	strs := make([]string, len(opts))
	for i, v := range opts {
		strs[i] = fmt.Sprint(v)
	}
	v, err := optionsVector(strs, e.ValueType())
	if err != nil {
		o.s.addErr(fmt.Errorf("overwrite %s: %w", o.path, err))
		return o
	}
	return o.set(AttrOptions, v)
}

func (o *OverwriteBuilder) SetNewAllowedStates(states ...string) *OverwriteBuilder {
	return o.set(AttrAllowedStates, states)
}

func (o *OverwriteBuilder) SetNewMinInc(v any) *OverwriteBuilder { return o.set(AttrMinInc, v) }
func (o *OverwriteBuilder) SetNewMaxInc(v any) *OverwriteBuilder { return o.set(AttrMaxInc, v) }
func (o *OverwriteBuilder) SetNewMinExc(v any) *OverwriteBuilder { return o.set(AttrMinExc, v) }
func (o *OverwriteBuilder) SetNewMaxExc(v any) *OverwriteBuilder { return o.set(AttrMaxExc, v) }

func (o *OverwriteBuilder) SetNewDisplayedName(n string) *OverwriteBuilder {
	return o.set(AttrDisplayedName, n)
}

func (o *OverwriteBuilder) SetNewDescription(d string) *OverwriteBuilder {
	return o.set(AttrDescription, d)
}

func (o *OverwriteBuilder) SetNewUnit(symbol string) *OverwriteBuilder {
	return o.set(AttrUnitSymbol, symbol)
}

func (o *OverwriteBuilder) SetNewRequiredAccessLevel(l AccessLevel) *OverwriteBuilder {
	return o.set(AttrRequiredAccessLevel, l)
}

func (o *OverwriteBuilder) mode(m AccessMode) *OverwriteBuilder {
	e, ok := o.s.Element(o.path)
	if !ok {
		return o
	}
	if err := e.Attributes().Set(AttrAccessMode, int32(m)); err != nil {
		o.s.addErr(err)
	}
	return o
}

func (o *OverwriteBuilder) SetNowReadOnly() *OverwriteBuilder       { return o.mode(AccessReadOnly) }
func (o *OverwriteBuilder) SetNowInit() *OverwriteBuilder           { return o.mode(AccessInit) }
func (o *OverwriteBuilder) SetNowReconfigurable() *OverwriteBuilder { return o.mode(AccessReconfigurable) }

// Commit exists for symmetry with the element builders.
func (o *OverwriteBuilder) Commit() {}
