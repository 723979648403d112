package hash

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// NDArray is an N-dimensional array descriptor: element type, row-major
// shape, byte order of Data and the raw buffer. An untyped array carries
// TypeUnknown as DType and an opaque buffer.
type NDArray struct {
	DType     Type
	Shape     []uint64
	BigEndian bool
	Data      []byte
}

// Numeric is the set of element types NDArray helpers understand.
type Numeric interface {
	~int8 | ~uint8 | ~int16 | ~uint16 | ~int32 | ~uint32 | ~int64 | ~uint64 | ~float32 | ~float64
}

func dtypeOf[T Numeric]() Type {
	var zero T
	switch any(zero).(type) {
	case int8:
		return TypeInt8
	case uint8:
		return TypeUInt8
	case int16:
		return TypeInt16
	case uint16:
		return TypeUInt16
	case int32:
		return TypeInt32
	case uint32:
		return TypeUInt32
	case int64:
		return TypeInt64
	case uint64:
		return TypeUInt64
	case float32:
		return TypeFloat
	case float64:
		return TypeDouble
	}
	return TypeUnknown
}

// NewNDArray packs values little-endian into a new array. Without a shape the
// array is one-dimensional.
func NewNDArray[T Numeric](values []T, shape ...uint64) (*NDArray, error) {
	if len(shape) == 0 {
		shape = []uint64{uint64(len(values))}
	}
	n := uint64(1)
	for _, d := range shape {
		n *= d
	}
	if n != uint64(len(values)) {
		return nil, fmt.Errorf("shape %v needs %d elements, got %d", shape, n, len(values))
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, values); err != nil {
		return nil, err
	}
	return &NDArray{
		DType: dtypeOf[T](),
		Shape: append([]uint64(nil), shape...),
		Data:  buf.Bytes(),
	}, nil
}

// NDArrayValues decodes the buffer of arr into a slice of T. T must match DType.
func NDArrayValues[T Numeric](arr *NDArray) ([]T, error) {
	if arr == nil {
		return nil, fmt.Errorf("nil NDArray")
	}
	if want := dtypeOf[T](); arr.DType != want {
		return nil, fmt.Errorf("NDArray holds %s, requested %s", arr.DType, want)
	}
	size := scalarSize(arr.DType)
	if size == 0 || len(arr.Data)%size != 0 {
		return nil, fmt.Errorf("buffer of %d bytes does not hold %s elements", len(arr.Data), arr.DType)
	}
	out := make([]T, len(arr.Data)/size)
	var order binary.ByteOrder = binary.LittleEndian
	if arr.BigEndian {
		order = binary.BigEndian
	}
	if err := binary.Read(bytes.NewReader(arr.Data), order, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Size returns the number of elements described by the shape.
func (a *NDArray) Size() uint64 {
	if len(a.Shape) == 0 {
		return 0
	}
	n := uint64(1)
	for _, d := range a.Shape {
		n *= d
	}
	return n
}

// Clone returns a deep copy.
func (a *NDArray) Clone() *NDArray {
	if a == nil {
		return nil
	}
	return &NDArray{
		DType:     a.DType,
		Shape:     append([]uint64(nil), a.Shape...),
		BigEndian: a.BigEndian,
		Data:      append([]byte(nil), a.Data...),
	}
}

// Equal compares descriptor and content.
func (a *NDArray) Equal(b *NDArray) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.DType != b.DType || a.BigEndian != b.BigEndian || len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return bytes.Equal(a.Data, b.Data)
}

func (a *NDArray) String() string {
	return fmt.Sprintf("NDArray(%s, %v, %d bytes)", a.DType, a.Shape, len(a.Data))
}
