package hash

import (
	"fmt"
	"strings"
)

// Type is the wire tag of a Hash value. The numbering is part of the binary
// format and must not change.
type Type uint32

// Supported value types.
const (
	TypeBool                Type = 0
	TypeVectorBool          Type = 1
	TypeChar                Type = 2 // reserved, no Go mapping
	TypeVectorChar          Type = 3 // []byte
	TypeInt8                Type = 4
	TypeVectorInt8          Type = 5
	TypeUInt8               Type = 6
	TypeVectorUInt8         Type = 7 // decoded as []byte
	TypeInt16               Type = 8
	TypeVectorInt16         Type = 9
	TypeUInt16              Type = 10
	TypeVectorUInt16        Type = 11
	TypeInt32               Type = 12
	TypeVectorInt32         Type = 13
	TypeUInt32              Type = 14
	TypeVectorUInt32        Type = 15
	TypeInt64               Type = 16
	TypeVectorInt64         Type = 17
	TypeUInt64              Type = 18
	TypeVectorUInt64        Type = 19
	TypeFloat               Type = 20
	TypeVectorFloat         Type = 21
	TypeDouble              Type = 22
	TypeVectorDouble        Type = 23
	TypeComplexFloat        Type = 24
	TypeVectorComplexFloat  Type = 25
	TypeComplexDouble       Type = 26
	TypeVectorComplexDouble Type = 27
	TypeString              Type = 28
	TypeVectorString        Type = 29
	TypeHash                Type = 30
	TypeVectorHash          Type = 31
	TypeNDArray             Type = 32
	TypeNone                Type = 33
	TypeUnknown             Type = 255
)

var typeNames = map[Type]string{
	TypeBool:                "BOOL",
	TypeVectorBool:          "VECTOR_BOOL",
	TypeChar:                "CHAR",
	TypeVectorChar:          "VECTOR_CHAR",
	TypeInt8:                "INT8",
	TypeVectorInt8:          "VECTOR_INT8",
	TypeUInt8:               "UINT8",
	TypeVectorUInt8:         "VECTOR_UINT8",
	TypeInt16:               "INT16",
	TypeVectorInt16:         "VECTOR_INT16",
	TypeUInt16:              "UINT16",
	TypeVectorUInt16:        "VECTOR_UINT16",
	TypeInt32:               "INT32",
	TypeVectorInt32:         "VECTOR_INT32",
	TypeUInt32:              "UINT32",
	TypeVectorUInt32:        "VECTOR_UINT32",
	TypeInt64:               "INT64",
	TypeVectorInt64:         "VECTOR_INT64",
	TypeUInt64:              "UINT64",
	TypeVectorUInt64:        "VECTOR_UINT64",
	TypeFloat:               "FLOAT",
	TypeVectorFloat:         "VECTOR_FLOAT",
	TypeDouble:              "DOUBLE",
	TypeVectorDouble:        "VECTOR_DOUBLE",
	TypeComplexFloat:        "COMPLEX_FLOAT",
	TypeVectorComplexFloat:  "VECTOR_COMPLEX_FLOAT",
	TypeComplexDouble:       "COMPLEX_DOUBLE",
	TypeVectorComplexDouble: "VECTOR_COMPLEX_DOUBLE",
	TypeString:              "STRING",
	TypeVectorString:        "VECTOR_STRING",
	TypeHash:                "HASH",
	TypeVectorHash:          "VECTOR_HASH",
	TypeNDArray:             "NDARRAY",
	TypeNone:                "NONE",
	TypeUnknown:             "UNKNOWN",
}

var typesByName = func() map[string]Type {
	m := make(map[string]Type, len(typeNames))
	for t, n := range typeNames {
		m[n] = t
	}
	return m
}()

// String returns the Karabo literal of the type, e.g. "INT32".
func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("TYPE(%d)", uint32(t))
}

// ParseType resolves a type literal such as "VECTOR_DOUBLE".
func ParseType(name string) (Type, error) {
	if t, ok := typesByName[strings.ToUpper(name)]; ok {
		return t, nil
	}
	return TypeUnknown, fmt.Errorf("unknown type %q", name)
}

// IsVector reports whether t is a one-dimensional vector of scalars.
func (t Type) IsVector() bool {
	switch t {
	case TypeVectorBool, TypeVectorChar, TypeVectorInt8, TypeVectorUInt8, TypeVectorInt16,
		TypeVectorUInt16, TypeVectorInt32, TypeVectorUInt32, TypeVectorInt64, TypeVectorUInt64,
		TypeVectorFloat, TypeVectorDouble, TypeVectorComplexFloat, TypeVectorComplexDouble,
		TypeVectorString:
		return true
	}
	return false
}

// IsNumeric reports whether t is an integer or floating point scalar.
func (t Type) IsNumeric() bool {
	return t.IsInteger() || t == TypeFloat || t == TypeDouble
}

// IsInteger reports whether t is an integer scalar.
func (t Type) IsInteger() bool {
	switch t {
	case TypeInt8, TypeUInt8, TypeInt16, TypeUInt16, TypeInt32, TypeUInt32, TypeInt64, TypeUInt64:
		return true
	}
	return false
}

// ElementType returns the scalar type of a vector type, or t itself.
func (t Type) ElementType() Type {
	switch t {
	case TypeVectorBool:
		return TypeBool
	case TypeVectorChar, TypeVectorUInt8:
		return TypeUInt8
	case TypeVectorInt8:
		return TypeInt8
	case TypeVectorInt16:
		return TypeInt16
	case TypeVectorUInt16:
		return TypeUInt16
	case TypeVectorInt32:
		return TypeInt32
	case TypeVectorUInt32:
		return TypeUInt32
	case TypeVectorInt64:
		return TypeInt64
	case TypeVectorUInt64:
		return TypeUInt64
	case TypeVectorFloat:
		return TypeFloat
	case TypeVectorDouble:
		return TypeDouble
	case TypeVectorComplexFloat:
		return TypeComplexFloat
	case TypeVectorComplexDouble:
		return TypeComplexDouble
	case TypeVectorString:
		return TypeString
	case TypeVectorHash:
		return TypeHash
	}
	return t
}

// scalarSize is the packed width in bytes of fixed-width scalars, 0 otherwise.
func scalarSize(t Type) int {
	switch t {
	case TypeBool, TypeInt8, TypeUInt8, TypeChar:
		return 1
	case TypeInt16, TypeUInt16:
		return 2
	case TypeInt32, TypeUInt32, TypeFloat:
		return 4
	case TypeInt64, TypeUInt64, TypeDouble, TypeComplexFloat:
		return 8
	case TypeComplexDouble:
		return 16
	}
	return 0
}

// TypeOf returns the wire type of a normalized value.
func TypeOf(v any) (Type, bool) {
	switch v.(type) {
	case nil:
		return TypeNone, true
	case bool:
		return TypeBool, true
	case []bool:
		return TypeVectorBool, true
	case []byte:
		return TypeVectorChar, true
	case int8:
		return TypeInt8, true
	case []int8:
		return TypeVectorInt8, true
	case uint8:
		return TypeUInt8, true
	case int16:
		return TypeInt16, true
	case []int16:
		return TypeVectorInt16, true
	case uint16:
		return TypeUInt16, true
	case []uint16:
		return TypeVectorUInt16, true
	case int32:
		return TypeInt32, true
	case []int32:
		return TypeVectorInt32, true
	case uint32:
		return TypeUInt32, true
	case []uint32:
		return TypeVectorUInt32, true
	case int64:
		return TypeInt64, true
	case []int64:
		return TypeVectorInt64, true
	case uint64:
		return TypeUInt64, true
	case []uint64:
		return TypeVectorUInt64, true
	case float32:
		return TypeFloat, true
	case []float32:
		return TypeVectorFloat, true
	case float64:
		return TypeDouble, true
	case []float64:
		return TypeVectorDouble, true
	case complex64:
		return TypeComplexFloat, true
	case []complex64:
		return TypeVectorComplexFloat, true
	case complex128:
		return TypeComplexDouble, true
	case []complex128:
		return TypeVectorComplexDouble, true
	case string:
		return TypeString, true
	case []string:
		return TypeVectorString, true
	case *Hash:
		return TypeHash, true
	case []*Hash:
		return TypeVectorHash, true
	case *NDArray:
		return TypeNDArray, true
	}
	return TypeUnknown, false
}

// Normalize converts convenience Go types into the closed set of value types
// and reports the resulting wire type. Plain int and uint become 64 bit,
// Hash values become pointers.
func Normalize(v any) (any, Type, error) {
	switch x := v.(type) {
	case int:
		return int64(x), TypeInt64, nil
	case uint:
		return uint64(x), TypeUInt64, nil
	case []int:
		out := make([]int64, len(x))
		for i, e := range x {
			out[i] = int64(e)
		}
		return out, TypeVectorInt64, nil
	case []uint:
		out := make([]uint64, len(x))
		for i, e := range x {
			out[i] = uint64(e)
		}
		return out, TypeVectorUInt64, nil
	case Hash:
		return &x, TypeHash, nil
	case []Hash:
		out := make([]*Hash, len(x))
		for i := range x {
			h := x[i]
			out[i] = &h
		}
		return out, TypeVectorHash, nil
	case NDArray:
		return &x, TypeNDArray, nil
	case fmt.Stringer:
		if _, ok := TypeOf(v); !ok {
			return x.String(), TypeString, nil
		}
	}
	t, ok := TypeOf(v)
	if !ok {
		return nil, TypeUnknown, fmt.Errorf("unsupported value type %T", v)
	}
	return v, t, nil
}

// isAttributeType reports whether t may be stored in an attribute map.
func isAttributeType(t Type) bool {
	return t != TypeHash && t != TypeVectorHash && t != TypeNDArray && t != TypeUnknown
}
