package hash

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// GetAs returns the value at path as T.
func GetAs[T any](h *Hash, path string) (T, error) {
	var zero T
	v, ok := h.Get(path)
	if !ok {
		return zero, fmt.Errorf("no value at path %q", path)
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("value at path %q is %T, not %T", path, v, zero)
	}
	return t, nil
}

// GetOr returns the value at path as T, or def when missing or of another type.
func GetOr[T any](h *Hash, path string, def T) T {
	if v, err := GetAs[T](h, path); err == nil {
		return v
	}
	return def
}

// ToFloat64 converts any numeric scalar to float64.
func ToFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case int8:
		return float64(x), true
	case uint8:
		return float64(x), true
	case int16:
		return float64(x), true
	case uint16:
		return float64(x), true
	case int32:
		return float64(x), true
	case uint32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case int:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

// Convert coerces v to type t. Integer targets are strict: a value that does
// not fit, or a float with a fractional part, is rejected. Float targets accept
// any number. Strings are parsed, which lets command line input such as "5"
// reach numeric properties.
func Convert(v any, t Type) (any, error) {
	norm, vt, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	if vt == t {
		return norm, nil
	}
	if s, ok := norm.(string); ok {
		if t.IsVector() {
			if t == TypeVectorString {
				return splitListItems(s), nil
			}
			return parseVector(t, strings.TrimSpace(s))
		}
		if t == TypeString {
			return s, nil
		}
		return parseScalar(t, strings.TrimSpace(s))
	}
	if t == TypeString {
		if vt.IsNumeric() || vt == TypeBool {
			return formatText(vt, norm)
		}
		return nil, fmt.Errorf("cannot convert %s to %s", vt, t)
	}
	if t == TypeBool {
		if f, ok := ToFloat64(norm); ok && vt.IsInteger() {
			return f != 0, nil
		}
		return nil, fmt.Errorf("cannot convert %s to %s", vt, t)
	}
	if t.IsNumeric() && vt.IsNumeric() {
		return convertNumber(norm, vt, t)
	}
	if t.IsVector() && vt.IsVector() {
		return convertVector(norm, vt, t)
	}
	return nil, fmt.Errorf("cannot convert %s to %s", vt, t)
}

func convertNumber(v any, from, to Type) (any, error) {
	f, _ := ToFloat64(v)
	if to == TypeFloat {
		return float32(f), nil
	}
	if to == TypeDouble {
		return f, nil
	}
	if !from.IsInteger() && f != math.Trunc(f) {
		return nil, fmt.Errorf("%v loses precision as %s", v, to)
	}
	// Integer to integer goes through the 64 bit representations so that
	// large uint64 values are not rounded through float64.
	var (
		i   int64
		u   uint64
		neg bool
	)
	switch x := v.(type) {
	case uint64:
		u = x
	case uint32:
		u = uint64(x)
	case uint16:
		u = uint64(x)
	case uint8:
		u = uint64(x)
	case float32, float64:
		if f < 0 {
			i, neg = int64(f), true
		} else {
			u = uint64(f)
		}
	default:
		s, _ := formatText(from, v)
		i, _ = strconv.ParseInt(s, 10, 64)
		if i < 0 {
			neg = true
		} else {
			u = uint64(i)
		}
	}
	return fitInteger(i, u, neg, to, v)
}

func fitInteger(i int64, u uint64, neg bool, to Type, orig any) (any, error) {
	fail := func() (any, error) { return nil, fmt.Errorf("%v out of range for %s", orig, to) }
	switch to {
	case TypeInt8:
		if neg && i >= math.MinInt8 {
			return int8(i), nil
		}
		if !neg && u <= math.MaxInt8 {
			return int8(u), nil
		}
	case TypeInt16:
		if neg && i >= math.MinInt16 {
			return int16(i), nil
		}
		if !neg && u <= math.MaxInt16 {
			return int16(u), nil
		}
	case TypeInt32:
		if neg && i >= math.MinInt32 {
			return int32(i), nil
		}
		if !neg && u <= math.MaxInt32 {
			return int32(u), nil
		}
	case TypeInt64:
		if neg {
			return i, nil
		}
		if u <= math.MaxInt64 {
			return int64(u), nil
		}
	case TypeUInt8:
		if !neg && u <= math.MaxUint8 {
			return uint8(u), nil
		}
	case TypeUInt16:
		if !neg && u <= math.MaxUint16 {
			return uint16(u), nil
		}
	case TypeUInt32:
		if !neg && u <= math.MaxUint32 {
			return uint32(u), nil
		}
	case TypeUInt64:
		if !neg {
			return u, nil
		}
	}
	return fail()
}

func convertVector(v any, from, to Type) (any, error) {
	items, err := vectorItems(v)
	if err != nil {
		return nil, err
	}
	elem := to.ElementType()
	conv := make([]any, len(items))
	for i, it := range items {
		c, err := Convert(it, elem)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		conv[i] = c
	}
	switch to {
	case TypeVectorBool:
		return collect[bool](conv), nil
	case TypeVectorChar, TypeVectorUInt8:
		return collect[byte](conv), nil
	case TypeVectorInt8:
		return collect[int8](conv), nil
	case TypeVectorInt16:
		return collect[int16](conv), nil
	case TypeVectorUInt16:
		return collect[uint16](conv), nil
	case TypeVectorInt32:
		return collect[int32](conv), nil
	case TypeVectorUInt32:
		return collect[uint32](conv), nil
	case TypeVectorInt64:
		return collect[int64](conv), nil
	case TypeVectorUInt64:
		return collect[uint64](conv), nil
	case TypeVectorFloat:
		return collect[float32](conv), nil
	case TypeVectorDouble:
		return collect[float64](conv), nil
	case TypeVectorString:
		return collect[string](conv), nil
	}
	return nil, fmt.Errorf("cannot convert %s to %s", from, to)
}

// vectorItems unpacks a vector value into its elements.
func vectorItems(v any) ([]any, error) {
	switch x := v.(type) {
	case []bool:
		return boxed(x), nil
	case []byte:
		return boxed(x), nil
	case []int8:
		return boxed(x), nil
	case []int16:
		return boxed(x), nil
	case []uint16:
		return boxed(x), nil
	case []int32:
		return boxed(x), nil
	case []uint32:
		return boxed(x), nil
	case []int64:
		return boxed(x), nil
	case []uint64:
		return boxed(x), nil
	case []float32:
		return boxed(x), nil
	case []float64:
		return boxed(x), nil
	case []string:
		return boxed(x), nil
	case []complex64:
		return boxed(x), nil
	case []complex128:
		return boxed(x), nil
	}
	return nil, fmt.Errorf("%T is not a scalar vector", v)
}

func boxed[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

// VectorLen returns the element count of a vector value, or -1.
func VectorLen(v any) int {
	switch x := v.(type) {
	case []*Hash:
		return len(x)
	case *NDArray:
		return int(x.Size())
	}
	items, err := vectorItems(v)
	if err != nil {
		return -1
	}
	return len(items)
}
