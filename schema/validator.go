package schema

import (
	"fmt"
	"slices"
	"strings"

	"go.uber.org/multierr"

	"github.com/European-XFEL/Karabo-sub009/errors"
	"github.com/European-XFEL/Karabo-sub009/hash"
	"github.com/European-XFEL/Karabo-sub009/pkg/timestamp"
)

// Options controls how Validate projects a configuration onto a schema.
type Options struct {
	AllowAdditionalKeys        bool
	AllowMissingKeys           bool
	InjectDefaults             bool
	InjectTimestamps           bool
	AllowUnrootedConfiguration bool
	// AllowReadOnly admits values for read-only elements. Only the owning
	// device sets those.
	AllowReadOnly bool
	// AllowInit admits values for init-only elements, which is the case
	// while a device is instantiated.
	AllowInit bool
	// State is the current device state. Empty disables the allowedStates check.
	State string
	// AccessLevel of the caller.
	AccessLevel AccessLevel
	// Timestamp stamped on accepted leaves when InjectTimestamps is set.
	Timestamp timestamp.Timestamp
}

// InitOptions are the options used to validate the configuration a device
// is instantiated with.
func InitOptions() Options {
	return Options{
		InjectDefaults:             true,
		InjectTimestamps:           true,
		AllowUnrootedConfiguration: true,
		AllowInit:                  true,
		AccessLevel:                LevelAdmin,
	}
}

// ReconfigureOptions are the options for a remote reconfiguration in state.
func ReconfigureOptions(state string, level AccessLevel) Options {
	return Options{
		AllowMissingKeys:           true,
		InjectTimestamps:           true,
		AllowUnrootedConfiguration: true,
		State:                      state,
		AccessLevel:                level,
	}
}

// Violation is one rejected leaf. It unwraps to errors.ErrSchemaViolation or
// errors.ErrStateForbidden.
type Violation struct {
	Path   string
	Reason string
	Kind   error
}

func (v *Violation) Error() string { return v.Path + ": " + v.Reason }

func (v *Violation) Unwrap() error { return v.Kind }

// Result is an accepted configuration.
type Result struct {
	Config *hash.Hash
	// Alarms holds the evaluated condition of every leaf that declares
	// thresholds.
	Alarms map[string]AlarmCondition
}

// Violations splits a Validate error into its per-leaf parts.
func Violations(err error) []*Violation {
	var out []*Violation
	for _, e := range multierr.Errors(err) {
		if v, ok := e.(*Violation); ok {
			out = append(out, v)
		}
	}
	return out
}

type validation struct {
	opts   Options
	errs   error
	alarms map[string]AlarmCondition
}

func (v *validation) reject(path string, kind error, format string, args ...any) {
	v.errs = multierr.Append(v.errs, &Violation{Path: path, Reason: fmt.Sprintf(format, args...), Kind: kind})
}

// Validate checks input against s. Either the whole input is accepted and a
// Result returned, or the error lists every rejected leaf; there is no
// partial acceptance.
func Validate(s *Schema, input *hash.Hash, opts Options) (*Result, error) {
	if input == nil {
		input = &hash.Hash{}
	}
	v := &validation{opts: opts, alarms: map[string]AlarmCondition{}}
	cfg := input
	if !opts.AllowUnrootedConfiguration {
		sub, ok := input.GetHash(s.root)
		if input.Len() != 1 || !ok {
			return nil, &Violation{Path: s.root, Reason: "configuration must be rooted at " + s.root, Kind: errors.ErrSchemaViolation}
		}
		cfg = sub
	}
	out := &hash.Hash{}
	v.node(s.params, cfg, out, "")
	if v.errs != nil {
		return nil, v.errs
	}
	if !opts.AllowUnrootedConfiguration {
		out = hash.New(s.root, out)
	}
	return &Result{Config: out, Alarms: v.alarms}, nil
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + hash.Separator + key
}

func (v *validation) node(params, in, out *hash.Hash, prefix string) {
	for _, n := range in.Nodes() {
		path := join(prefix, n.Key())
		sn, ok := params.Find(n.Key())
		if !ok {
			if v.opts.AllowAdditionalKeys {
				copyNode(out, n)
				continue
			}
			v.reject(path, errors.ErrSchemaViolation, "unknown key")
			continue
		}
		v.element(Element{Path: path, node: sn}, n, out)
	}
	for _, sn := range params.Nodes() {
		if in.Has(sn.Key()) {
			continue
		}
		v.missing(Element{Path: join(prefix, sn.Key()), node: sn}, out)
	}
}

func copyNode(out *hash.Hash, n *hash.Node) {
	dst, err := out.TrySet(n.Key(), n.Value())
	if err == nil {
		dst.Attributes().Merge(n.Attributes())
	}
}

// access applies the access mode, level and state checks shared by all
// element kinds.
func (v *validation) access(e Element) bool {
	if e.IsCommand() {
		v.reject(e.Path, errors.ErrSchemaViolation, "is a command, not a property")
		return false
	}
	if e.NodeType() == NodeLeaf {
		switch e.AccessMode() {
		case AccessReadOnly:
			if !v.opts.AllowReadOnly {
				v.reject(e.Path, errors.ErrStateForbidden, "is read-only")
				return false
			}
		case AccessInit:
			if !v.opts.AllowInit {
				v.reject(e.Path, errors.ErrStateForbidden, "can only be set at instantiation")
				return false
			}
		}
	}
	if lvl := e.RequiredAccessLevel(); lvl > v.opts.AccessLevel {
		v.reject(e.Path, errors.ErrStateForbidden, "requires access level %s, caller has %s", lvl, v.opts.AccessLevel)
		return false
	}
	if v.opts.State != "" && e.AccessMode() != AccessReadOnly {
		if allowed := e.AllowedStates(); len(allowed) > 0 && !slices.Contains(allowed, v.opts.State) {
			v.reject(e.Path, errors.ErrStateForbidden, "not allowed in state %s (allowedStates: %s)",
				v.opts.State, strings.Join(allowed, ","))
			return false
		}
	}
	return true
}

func (v *validation) element(e Element, in *hash.Node, out *hash.Hash) {
	if !v.access(e) {
		return
	}
	switch e.NodeType() {
	case NodeLeaf:
		v.leaf(e, in, out)
	case NodeNode:
		sub, ok := in.Value().(*hash.Hash)
		if !ok {
			v.reject(e.Path, errors.ErrSchemaViolation, "expected a node, got %s", in.Type())
			return
		}
		child := &hash.Hash{}
		v.node(childParams(e), sub, child, e.Path)
		out.Set(e.Key(), child)
	case NodeChoice:
		sub, ok := in.Value().(*hash.Hash)
		if !ok || sub.Len() != 1 {
			v.reject(e.Path, errors.ErrSchemaViolation, "a choice takes exactly one option")
			return
		}
		option := sub.Nodes()[0]
		opt, ok := childParams(e).Find(option.Key())
		if !ok {
			v.reject(join(e.Path, option.Key()), errors.ErrSchemaViolation, "unknown option")
			return
		}
		optIn, ok := option.Value().(*hash.Hash)
		if !ok {
			optIn = &hash.Hash{}
		}
		child := &hash.Hash{}
		v.node(nodeChildren(opt), optIn, child, join(e.Path, option.Key()))
		out.Set(e.Key(), hash.New(option.Key(), child))
	case NodeList:
		items, ok := in.Value().([]*hash.Hash)
		if !ok {
			v.reject(e.Path, errors.ErrSchemaViolation, "expected a list of Hashes, got %s", in.Type())
			return
		}
		res := make([]*hash.Hash, 0, len(items))
		for i, item := range items {
			path := fmt.Sprintf("%s[%d]", e.Path, i)
			if item.Len() != 1 {
				v.reject(path, errors.ErrSchemaViolation, "a list item takes exactly one entry")
				continue
			}
			entry := item.Nodes()[0]
			def, ok := childParams(e).Find(entry.Key())
			if !ok {
				v.reject(join(path, entry.Key()), errors.ErrSchemaViolation, "unknown list item type")
				continue
			}
			entryIn, ok := entry.Value().(*hash.Hash)
			if !ok {
				entryIn = &hash.Hash{}
			}
			child := &hash.Hash{}
			v.node(nodeChildren(def), entryIn, child, join(path, entry.Key()))
			res = append(res, hash.New(entry.Key(), child))
		}
		out.Set(e.Key(), res)
	}
}

func childParams(e Element) *hash.Hash { return nodeChildren(e.node) }

func nodeChildren(n *hash.Node) *hash.Hash {
	if h, ok := n.Value().(*hash.Hash); ok {
		return h
	}
	return &hash.Hash{}
}

func (v *validation) leaf(e Element, in *hash.Node, out *hash.Hash) {
	var value any
	switch {
	case e.IsTable():
		rows, ok := v.table(e, in.Value())
		if !ok {
			return
		}
		value = rows
	case e.ValueType() == hash.TypeNDArray:
		arr, ok := in.Value().(*hash.NDArray)
		if !ok {
			v.reject(e.Path, errors.ErrSchemaViolation, "expected NDARRAY, got %s", in.Type())
			return
		}
		value = arr
	default:
		c, err := hash.Convert(in.Value(), e.ValueType())
		if err != nil {
			v.reject(e.Path, errors.ErrSchemaViolation, "%v", err)
			return
		}
		value = c
	}
	if reason := checkBounds(e.Attributes(), value); reason != "" {
		v.reject(e.Path, errors.ErrSchemaViolation, "%s", reason)
		return
	}
	n, err := out.TrySet(e.Key(), value)
	if err != nil {
		v.reject(e.Path, errors.ErrSchemaViolation, "%v", err)
		return
	}
	n.Attributes().Merge(in.Attributes())
	v.annotate(e, n)
}

// table validates every row of a table against its row schema.
func (v *validation) table(e Element, value any) ([]*hash.Hash, bool) {
	rows, ok := value.([]*hash.Hash)
	if !ok {
		v.reject(e.Path, errors.ErrSchemaViolation, "expected VECTOR_HASH, got %T", value)
		return nil, false
	}
	rs, _ := e.RowSchema()
	rowOpts := Options{
		InjectDefaults:             true,
		AllowUnrootedConfiguration: true,
		AllowReadOnly:              true,
		AllowInit:                  true,
		AccessLevel:                LevelAdmin,
	}
	out := make([]*hash.Hash, 0, len(rows))
	okAll := true
	for i, row := range rows {
		res, err := Validate(rs, row, rowOpts)
		if err != nil {
			okAll = false
			for _, viol := range Violations(err) {
				v.reject(fmt.Sprintf("%s[%d].%s", e.Path, i, viol.Path), viol.Kind, "%s", viol.Reason)
			}
			continue
		}
		out = append(out, res.Config)
	}
	return out, okAll
}

func (v *validation) annotate(e Element, n *hash.Node) {
	if v.opts.InjectTimestamps {
		v.opts.Timestamp.ToAttributes(n.Attributes())
	}
	if e.HasAlarms() {
		cond := EvaluateAlarm(e.Attributes(), n.Value())
		v.alarms[e.Path] = cond
		_ = n.Attributes().Set(hash.AttrAlarmCondition, string(cond))
	}
}

func (v *validation) missing(e Element, out *hash.Hash) {
	if e.IsCommand() {
		return
	}
	switch e.NodeType() {
	case NodeLeaf:
		if e.Assignment() == AssignmentMandatory {
			if !v.opts.AllowMissingKeys {
				v.reject(e.Path, errors.ErrSchemaViolation, "missing mandatory value")
			}
			return
		}
		if !v.opts.InjectDefaults {
			return
		}
		if def, ok := e.DefaultValue(); ok {
			if n, err := out.TrySet(e.Key(), def); err == nil {
				v.annotate(e, n)
			}
		} else if e.IsTable() && e.Assignment() == AssignmentOptional {
			out.Set(e.Key(), []*hash.Hash{})
		}
	case NodeNode:
		child := &hash.Hash{}
		v.node(childParams(e), &hash.Hash{}, child, e.Path)
		if !child.Empty() || v.opts.InjectDefaults {
			out.Set(e.Key(), child)
		}
	case NodeChoice:
		def, ok := e.DefaultValue()
		name, _ := def.(string)
		opt, found := childParams(e).Find(name)
		if !ok || !found {
			if e.Assignment() == AssignmentMandatory && !v.opts.AllowMissingKeys {
				v.reject(e.Path, errors.ErrSchemaViolation, "missing mandatory choice")
			}
			return
		}
		if !v.opts.InjectDefaults {
			return
		}
		child := &hash.Hash{}
		v.node(nodeChildren(opt), &hash.Hash{}, child, join(e.Path, name))
		out.Set(e.Key(), hash.New(name, child))
	case NodeList:
		if v.opts.InjectDefaults {
			out.Set(e.Key(), []*hash.Hash{})
		}
	}
}

// checkBounds returns why value violates the options, numeric bounds or size
// bounds in attrs, or "" when it does not.
func checkBounds(attrs *hash.Attributes, value any) string {
	if opts, ok := attrs.Get(AttrOptions); ok && hash.VectorLen(value) < 0 {
		allowed, err := hash.Convert(opts, hash.TypeVectorString)
		got, err2 := hash.Convert(value, hash.TypeString)
		if err == nil && err2 == nil && !slices.Contains(allowed.([]string), got.(string)) {
			return fmt.Sprintf("value %v is not one of the options [%s]", value,
				strings.Join(allowed.([]string), ","))
		}
	}
	if f, ok := hash.ToFloat64(value); ok {
		for _, b := range []struct {
			attr string
			fail func(v, bound float64) bool
			msg  string
		}{
			{AttrMinInc, func(v, b float64) bool { return v < b }, "below minInc"},
			{AttrMaxInc, func(v, b float64) bool { return v > b }, "above maxInc"},
			{AttrMinExc, func(v, b float64) bool { return v <= b }, "not above minExc"},
			{AttrMaxExc, func(v, b float64) bool { return v >= b }, "not below maxExc"},
		} {
			bound, ok := attrs.Get(b.attr)
			if !ok {
				continue
			}
			if bf, ok := hash.ToFloat64(bound); ok && b.fail(f, bf) {
				return fmt.Sprintf("value %v %s %v", value, b.msg, bound)
			}
		}
	}
	if n := hash.VectorLen(value); n >= 0 {
		if m, ok := attrs.Get(AttrMinSize); ok {
			if mf, _ := hash.ToFloat64(m); float64(n) < mf {
				return fmt.Sprintf("size %d below minSize %v", n, m)
			}
		}
		if m, ok := attrs.Get(AttrMaxSize); ok {
			if mf, _ := hash.ToFloat64(m); float64(n) > mf {
				return fmt.Sprintf("size %d above maxSize %v", n, m)
			}
		}
	}
	return ""
}

// EvaluateAlarm compares value against the alarm and warning thresholds in
// attrs. Alarm thresholds take precedence over warnings.
func EvaluateAlarm(attrs *hash.Attributes, value any) AlarmCondition {
	f, ok := hash.ToFloat64(value)
	if !ok {
		return AlarmNone
	}
	below := func(name string) bool {
		b, ok := attrs.Get(name)
		bf, isNum := hash.ToFloat64(b)
		return ok && isNum && f < bf
	}
	above := func(name string) bool {
		b, ok := attrs.Get(name)
		bf, isNum := hash.ToFloat64(b)
		return ok && isNum && f > bf
	}
	switch {
	case below(AttrAlarmLow):
		return AlarmAlarmLow
	case above(AttrAlarmHigh):
		return AlarmAlarmHigh
	case below(AttrWarnLow):
		return AlarmWarnLow
	case above(AttrWarnHigh):
		return AlarmWarnHigh
	}
	return AlarmNone
}
