package hash

import (
	"encoding/binary"
	"fmt"
	"math"
)

// MaxKeyLength is the longest key or attribute name the binary format can carry.
const MaxKeyLength = 255

// EncodeBinary serializes h into the little-endian binary wire format.
func EncodeBinary(h *Hash) ([]byte, error) {
	return AppendBinary(make([]byte, 0, 256), h)
}

// AppendBinary appends the binary form of h to buf.
func AppendBinary(buf []byte, h *Hash) ([]byte, error) {
	e := encoder{buf: buf}
	if err := e.hash(h); err != nil {
		return nil, err
	}
	return e.buf, nil
}

// DecodeBinary parses one Hash from data. Trailing bytes are an error.
func DecodeBinary(data []byte) (*Hash, error) {
	h, n, err := DecodeBinaryPrefix(data)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, fmt.Errorf("decode hash: %d trailing bytes", len(data)-n)
	}
	return h, nil
}

// DecodeBinaryPrefix parses one Hash from the start of data and reports the
// number of bytes consumed. Pipeline frames carry several Hashes back to back.
func DecodeBinaryPrefix(data []byte) (*Hash, int, error) {
	d := decoder{data: data}
	h := d.hash(0)
	if d.err != nil {
		return nil, 0, fmt.Errorf("decode hash at offset %d: %w", d.pos, d.err)
	}
	return h, d.pos, nil
}

type encoder struct {
	buf []byte
}

func (e *encoder) u8(v uint8)   { e.buf = append(e.buf, v) }
func (e *encoder) u16(v uint16) { e.buf = binary.LittleEndian.AppendUint16(e.buf, v) }
func (e *encoder) u32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *encoder) u64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }

func (e *encoder) key(k string) error {
	if len(k) > MaxKeyLength {
		return fmt.Errorf("key %q longer than %d bytes", k, MaxKeyLength)
	}
	e.u8(uint8(len(k)))
	e.buf = append(e.buf, k...)
	return nil
}

func (e *encoder) str(s string) {
	e.u32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) hash(h *Hash) error {
	e.u32(uint32(h.Len()))
	for _, n := range h.Nodes() {
		if err := e.key(n.key); err != nil {
			return err
		}
		e.u32(uint32(n.typ))
		if err := e.attrs(&n.attrs); err != nil {
			return fmt.Errorf("key %q: %w", n.key, err)
		}
		if err := e.value(n.typ, n.value); err != nil {
			return fmt.Errorf("key %q: %w", n.key, err)
		}
	}
	return nil
}

func (e *encoder) attrs(a *Attributes) error {
	e.u32(uint32(a.Len()))
	for _, it := range a.items {
		if err := e.key(it.name); err != nil {
			return err
		}
		e.u32(uint32(it.typ))
		if err := e.value(it.typ, it.value); err != nil {
			return fmt.Errorf("attribute %q: %w", it.name, err)
		}
	}
	return nil
}

func (e *encoder) value(t Type, v any) error {
	switch t {
	case TypeNone:
		return nil
	case TypeBool:
		if v.(bool) {
			e.u8(1)
		} else {
			e.u8(0)
		}
	case TypeInt8:
		e.u8(uint8(v.(int8)))
	case TypeUInt8:
		e.u8(v.(uint8))
	case TypeInt16:
		e.u16(uint16(v.(int16)))
	case TypeUInt16:
		e.u16(v.(uint16))
	case TypeInt32:
		e.u32(uint32(v.(int32)))
	case TypeUInt32:
		e.u32(v.(uint32))
	case TypeInt64:
		e.u64(uint64(v.(int64)))
	case TypeUInt64:
		e.u64(v.(uint64))
	case TypeFloat:
		e.u32(math.Float32bits(v.(float32)))
	case TypeDouble:
		e.u64(math.Float64bits(v.(float64)))
	case TypeComplexFloat:
		c := v.(complex64)
		e.u32(math.Float32bits(real(c)))
		e.u32(math.Float32bits(imag(c)))
	case TypeComplexDouble:
		c := v.(complex128)
		e.u64(math.Float64bits(real(c)))
		e.u64(math.Float64bits(imag(c)))
	case TypeString:
		e.str(v.(string))
	case TypeVectorChar, TypeVectorUInt8:
		b := v.([]byte)
		e.u32(uint32(len(b)))
		e.buf = append(e.buf, b...)
	case TypeVectorBool:
		x := v.([]bool)
		e.u32(uint32(len(x)))
		for _, b := range x {
			e.value(TypeBool, b)
		}
	case TypeVectorInt8:
		x := v.([]int8)
		e.u32(uint32(len(x)))
		for _, i := range x {
			e.u8(uint8(i))
		}
	case TypeVectorInt16:
		x := v.([]int16)
		e.u32(uint32(len(x)))
		for _, i := range x {
			e.u16(uint16(i))
		}
	case TypeVectorUInt16:
		x := v.([]uint16)
		e.u32(uint32(len(x)))
		for _, i := range x {
			e.u16(i)
		}
	case TypeVectorInt32:
		x := v.([]int32)
		e.u32(uint32(len(x)))
		for _, i := range x {
			e.u32(uint32(i))
		}
	case TypeVectorUInt32:
		x := v.([]uint32)
		e.u32(uint32(len(x)))
		for _, i := range x {
			e.u32(i)
		}
	case TypeVectorInt64:
		x := v.([]int64)
		e.u32(uint32(len(x)))
		for _, i := range x {
			e.u64(uint64(i))
		}
	case TypeVectorUInt64:
		x := v.([]uint64)
		e.u32(uint32(len(x)))
		for _, i := range x {
			e.u64(i)
		}
	case TypeVectorFloat:
		x := v.([]float32)
		e.u32(uint32(len(x)))
		for _, f := range x {
			e.u32(math.Float32bits(f))
		}
	case TypeVectorDouble:
		x := v.([]float64)
		e.u32(uint32(len(x)))
		for _, f := range x {
			e.u64(math.Float64bits(f))
		}
	case TypeVectorComplexFloat:
		x := v.([]complex64)
		e.u32(uint32(len(x)))
		for _, c := range x {
			e.value(TypeComplexFloat, c)
		}
	case TypeVectorComplexDouble:
		x := v.([]complex128)
		e.u32(uint32(len(x)))
		for _, c := range x {
			e.value(TypeComplexDouble, c)
		}
	case TypeVectorString:
		x := v.([]string)
		e.u32(uint32(len(x)))
		for _, s := range x {
			e.str(s)
		}
	case TypeHash:
		return e.hash(v.(*Hash))
	case TypeVectorHash:
		x := v.([]*Hash)
		e.u32(uint32(len(x)))
		for _, h := range x {
			if err := e.hash(h); err != nil {
				return err
			}
		}
	case TypeNDArray:
		a := v.(*NDArray)
		e.u32(uint32(a.DType))
		if a.BigEndian {
			e.u8(1)
		} else {
			e.u8(0)
		}
		e.u32(uint32(len(a.Shape)))
		for _, d := range a.Shape {
			e.u64(d)
		}
		e.u32(uint32(len(a.Data)))
		e.buf = append(e.buf, a.Data...)
	default:
		return fmt.Errorf("cannot encode type %s", t)
	}
	return nil
}

// maxDepth bounds nesting so that corrupt input cannot exhaust the stack.
const maxDepth = 256

type decoder struct {
	data []byte
	pos  int
	err  error
}

func (d *decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if n < 0 || len(d.data)-d.pos < n {
		d.err = fmt.Errorf("truncated input: need %d bytes, have %d", n, len(d.data)-d.pos)
		return false
	}
	return true
}

func (d *decoder) u8() uint8 {
	if !d.need(1) {
		return 0
	}
	v := d.data[d.pos]
	d.pos++
	return v
}

func (d *decoder) u16() uint16 {
	if !d.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(d.data[d.pos:])
	d.pos += 2
	return v
}

func (d *decoder) u32() uint32 {
	if !d.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(d.data[d.pos:])
	d.pos += 4
	return v
}

func (d *decoder) u64() uint64 {
	if !d.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(d.data[d.pos:])
	d.pos += 8
	return v
}

func (d *decoder) bytes(n int) []byte {
	if !d.need(n) {
		return nil
	}
	out := make([]byte, n)
	copy(out, d.data[d.pos:d.pos+n])
	d.pos += n
	return out
}

func (d *decoder) str() string {
	return string(d.bytes(int(d.u32())))
}

// count reads a vector length and checks that at least width bytes per
// element remain, which rejects absurd lengths before allocating.
func (d *decoder) count(width int) int {
	n := int(d.u32())
	if d.err == nil && width > 0 && !d.need(n*width) {
		return 0
	}
	return n
}

func (d *decoder) hash(depth int) *Hash {
	if depth > maxDepth {
		d.err = fmt.Errorf("nesting deeper than %d", maxDepth)
		return nil
	}
	h := &Hash{}
	n := d.count(0)
	for i := 0; i < n && d.err == nil; i++ {
		key := string(d.bytes(int(d.u8())))
		t := Type(d.u32())
		attrs := d.attrs()
		v := d.value(t, depth)
		if d.err != nil {
			return nil
		}
		node := h.put(key, v, t)
		node.attrs = attrs
	}
	return h
}

func (d *decoder) attrs() Attributes {
	var a Attributes
	n := d.count(0)
	for i := 0; i < n && d.err == nil; i++ {
		name := string(d.bytes(int(d.u8())))
		t := Type(d.u32())
		if d.err == nil && !isAttributeType(t) {
			d.err = fmt.Errorf("attribute %q has type %s", name, t)
			break
		}
		v := d.value(t, 0)
		a.items = append(a.items, attribute{name: name, value: v, typ: t})
	}
	return a
}

func (d *decoder) value(t Type, depth int) any {
	switch t {
	case TypeNone:
		return nil
	case TypeBool:
		return d.u8() != 0
	case TypeInt8:
		return int8(d.u8())
	case TypeUInt8:
		return d.u8()
	case TypeInt16:
		return int16(d.u16())
	case TypeUInt16:
		return d.u16()
	case TypeInt32:
		return int32(d.u32())
	case TypeUInt32:
		return d.u32()
	case TypeInt64:
		return int64(d.u64())
	case TypeUInt64:
		return d.u64()
	case TypeFloat:
		return math.Float32frombits(d.u32())
	case TypeDouble:
		return math.Float64frombits(d.u64())
	case TypeComplexFloat:
		re := math.Float32frombits(d.u32())
		return complex(re, math.Float32frombits(d.u32()))
	case TypeComplexDouble:
		re := math.Float64frombits(d.u64())
		return complex(re, math.Float64frombits(d.u64()))
	case TypeString:
		return d.str()
	case TypeVectorChar, TypeVectorUInt8:
		return d.bytes(int(d.u32()))
	case TypeVectorBool:
		out := make([]bool, d.count(1))
		for i := range out {
			out[i] = d.u8() != 0
		}
		return out
	case TypeVectorInt8:
		out := make([]int8, d.count(1))
		for i := range out {
			out[i] = int8(d.u8())
		}
		return out
	case TypeVectorInt16:
		out := make([]int16, d.count(2))
		for i := range out {
			out[i] = int16(d.u16())
		}
		return out
	case TypeVectorUInt16:
		out := make([]uint16, d.count(2))
		for i := range out {
			out[i] = d.u16()
		}
		return out
	case TypeVectorInt32:
		out := make([]int32, d.count(4))
		for i := range out {
			out[i] = int32(d.u32())
		}
		return out
	case TypeVectorUInt32:
		out := make([]uint32, d.count(4))
		for i := range out {
			out[i] = d.u32()
		}
		return out
	case TypeVectorInt64:
		out := make([]int64, d.count(8))
		for i := range out {
			out[i] = int64(d.u64())
		}
		return out
	case TypeVectorUInt64:
		out := make([]uint64, d.count(8))
		for i := range out {
			out[i] = d.u64()
		}
		return out
	case TypeVectorFloat:
		out := make([]float32, d.count(4))
		for i := range out {
			out[i] = math.Float32frombits(d.u32())
		}
		return out
	case TypeVectorDouble:
		out := make([]float64, d.count(8))
		for i := range out {
			out[i] = math.Float64frombits(d.u64())
		}
		return out
	case TypeVectorComplexFloat:
		out := make([]complex64, d.count(8))
		for i := range out {
			out[i] = d.value(TypeComplexFloat, depth).(complex64)
		}
		return out
	case TypeVectorComplexDouble:
		out := make([]complex128, d.count(16))
		for i := range out {
			out[i] = d.value(TypeComplexDouble, depth).(complex128)
		}
		return out
	case TypeVectorString:
		out := make([]string, d.count(4))
		for i := range out {
			out[i] = d.str()
		}
		return out
	case TypeHash:
		h := d.hash(depth + 1)
		if h == nil {
			return &Hash{}
		}
		return h
	case TypeVectorHash:
		out := make([]*Hash, d.count(4))
		for i := range out {
			if out[i] = d.hash(depth + 1); out[i] == nil {
				out[i] = &Hash{}
			}
		}
		return out
	case TypeNDArray:
		a := &NDArray{DType: Type(d.u32())}
		a.BigEndian = d.u8() != 0
		a.Shape = make([]uint64, d.count(8))
		for i := range a.Shape {
			a.Shape[i] = d.u64()
		}
		a.Data = d.bytes(int(d.u32()))
		return a
	}
	if d.err == nil {
		d.err = fmt.Errorf("unknown type tag %d", uint32(t))
	}
	return nil
}
