package hash

import (
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// allTypes builds a Hash holding every supported value type, including empty
// vectors, nested lists and an untyped array.
func allTypes(t *testing.T) *Hash {
	t.Helper()
	img, err := NewNDArray([]float32{1.5, -2, 3.25}, 3)
	require.NoError(t, err)

	row := New("x", int32(1), "label", "first")
	h := New(
		"bool", true,
		"vbool", []bool{true, false, true},
		"vchar", []byte("raw\x00bytes"),
		"int8", int8(-8),
		"vint8", []int8{-1, 0, 1},
		"uint8", uint8(200),
		"int16", int16(-1600),
		"vint16", []int16{math.MinInt16, math.MaxInt16},
		"uint16", uint16(65000),
		"vuint16", []uint16{1, 2},
		"int32", int32(math.MinInt32),
		"vint32", []int32{1, 2, 3},
		"uint32", uint32(math.MaxUint32),
		"vuint32", []uint32{7},
		"int64", int64(math.MinInt64),
		"vint64", []int64{math.MaxInt64},
		"uint64", uint64(math.MaxUint64),
		"vuint64", []uint64{0, math.MaxUint64},
		"float", float32(0.1),
		"vfloat", []float32{1e-7, 3.4e38},
		"double", 0.1,
		"vdouble", []float64{math.Pi, -0.5},
		"cfloat", complex64(complex(1, -2)),
		"vcfloat", []complex64{complex(0.5, 0.25)},
		"cdouble", complex(3.5, 4),
		"vcdouble", []complex128{complex(1, 1), complex(-1, 0)},
		"string", "  <tag> & \"quoted\"\n\ttabbed ",
		"vstring", []string{"a,b", `back\slash`, "", "last"},
		"vstringOne", []string{""},
		"emptyInt32", []int32{},
		"emptyString", []string{},
		"emptyChar", []byte{},
		"nested.deeper.leaf", "x",
		"emptyHash", &Hash{},
		"rows", []*Hash{row, {}},
		"emptyRows", []*Hash{},
		"img", img,
		"untyped", &NDArray{DType: TypeUnknown, Data: []byte{1, 2, 3}},
		"none", nil,
		"9starts with digit", int32(9),
	)
	require.NoError(t, h.SetAttribute("double", AttrTimestampSec, uint64(1700000000)))
	require.NoError(t, h.SetAttribute("double", AttrTimestampFrac, uint64(123456789)))
	require.NoError(t, h.SetAttribute("double", AttrTimestampTid, uint64(42)))
	require.NoError(t, h.SetAttribute("string", "tags", []string{"x", "y,z"}))
	require.NoError(t, h.SetAttribute("nested", "displayType", "Node"))
	require.NoError(t, h.SetAttribute("nested.deeper.leaf", "valid", true))
	return h
}

func requireEqualHash(t *testing.T, want, got *Hash) {
	t.Helper()
	require.Equal(t, want.Paths(), got.Paths(), "key order")
	if !want.Equal(got) {
		t.Fatalf("hash mismatch (-want +got):\n%s", cmp.Diff(want.String(), got.String()))
	}
}

func TestBinaryRoundTripAllTypes(t *testing.T) {
	h := allTypes(t)
	data, err := EncodeBinary(h)
	require.NoError(t, err)

	got, err := DecodeBinary(data)
	require.NoError(t, err)
	requireEqualHash(t, h, got)
}

func TestXMLRoundTripAllTypes(t *testing.T) {
	h := allTypes(t)
	doc, err := EncodeXML(h)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(doc, `<root KRB_Artificial="" KRB_Type="HASH">`))

	got, err := DecodeXML(doc)
	require.NoError(t, err)
	requireEqualHash(t, h, got)
}

func TestNDArrayRoundTrip(t *testing.T) {
	values := make([]uint16, 16)
	for i := range values {
		values[i] = uint16(i)
	}
	arr, err := NewNDArray(values, 4, 4)
	require.NoError(t, err)
	h := New("img", arr)

	data, err := EncodeBinary(h)
	require.NoError(t, err)
	fromBinary, err := DecodeBinary(data)
	require.NoError(t, err)

	doc, err := EncodeXML(h)
	require.NoError(t, err)
	fromXML, err := DecodeXML(doc)
	require.NoError(t, err)

	for name, got := range map[string]*Hash{"binary": fromBinary, "xml": fromXML} {
		t.Run(name, func(t *testing.T) {
			out, err := GetAs[*NDArray](got, "img")
			require.NoError(t, err)
			assert.Equal(t, TypeUInt16, out.DType)
			assert.Equal(t, []uint64{4, 4}, out.Shape)
			assert.Equal(t, arr.Data, out.Data)

			decoded, err := NDArrayValues[uint16](out)
			require.NoError(t, err)
			assert.Equal(t, values, decoded)
		})
	}
}

func TestBinaryLayout(t *testing.T) {
	h := New("a", int32(1))
	require.NoError(t, h.SetAttribute("a", "u", true))
	data, err := EncodeBinary(h)
	require.NoError(t, err)

	want := []byte{
		1, 0, 0, 0, // nKeys
		1, 'a', // key
		12, 0, 0, 0, // INT32
		1, 0, 0, 0, // nAttrs
		1, 'u', // name
		0, 0, 0, 0, // BOOL
		1,          // true
		1, 0, 0, 0, // value
	}
	assert.Equal(t, want, data)
}

func TestDecodeBinaryPrefixConsecutive(t *testing.T) {
	first, err := EncodeBinary(New("n", int32(1)))
	require.NoError(t, err)
	buf, err := AppendBinary(first, New("n", int32(2)))
	require.NoError(t, err)

	h1, n, err := DecodeBinaryPrefix(buf)
	require.NoError(t, err)
	h2, err := DecodeBinary(buf[n:])
	require.NoError(t, err)
	assert.Equal(t, int32(1), GetOr(h1, "n", int32(0)))
	assert.Equal(t, int32(2), GetOr(h2, "n", int32(0)))

	_, err = DecodeBinary(buf)
	assert.Error(t, err, "trailing bytes")
}

func TestDecodeBinaryRejectsCorruptInput(t *testing.T) {
	data, err := EncodeBinary(allTypes(t))
	require.NoError(t, err)

	for _, cut := range []int{1, 5, len(data) / 2, len(data) - 1} {
		_, err := DecodeBinary(data[:cut])
		assert.Error(t, err, "cut at %d", cut)
	}

	bogus := []byte{1, 0, 0, 0, 1, 'a', 99, 0, 0, 0, 0, 0, 0, 0}
	_, err = DecodeBinary(bogus)
	assert.Error(t, err)

	huge := []byte{1, 0, 0, 0, 1, 'a', 13, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff, 0xff, 0x7f}
	_, err = DecodeBinary(huge)
	assert.Error(t, err)
}

func TestEncodeBinaryRejectsLongKey(t *testing.T) {
	h := New(strings.Repeat("k", MaxKeyLength+1), int32(1))
	_, err := EncodeBinary(h)
	assert.Error(t, err)
}

func TestDecodeXMLWithoutArtificialRoot(t *testing.T) {
	h, err := DecodeXML(`<device KRB_Type="HASH"><port KRB_Type="UINT32" unit="KRB_STRING:none">8080</port></device>`)
	require.NoError(t, err)
	assert.Equal(t, uint32(8080), GetOr(h, "device.port", uint32(0)))
	unit, _ := h.GetAttribute("device.port", "unit")
	assert.Equal(t, "none", unit)
}

func TestDecodeXMLErrors(t *testing.T) {
	for name, doc := range map[string]string{
		"empty":      "",
		"bad type":   `<root KRB_Artificial=""><a KRB_Type="NOPE">1</a></root>`,
		"bad int":    `<root KRB_Artificial=""><a KRB_Type="INT32">x</a></root>`,
		"overflow":   `<root KRB_Artificial=""><a KRB_Type="INT8">300</a></root>`,
		"unterminated": `<root KRB_Artificial=""><a KRB_Type="INT32">1`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeXML(doc)
			assert.Error(t, err)
		})
	}
}

func TestConvert(t *testing.T) {
	tests := []struct {
		name    string
		in      any
		to      Type
		want    any
		wantErr bool
	}{
		{"int to int32", 7, TypeInt32, int32(7), false},
		{"int32 overflow int8", int32(300), TypeInt8, nil, true},
		{"negative to unsigned", int64(-1), TypeUInt32, nil, true},
		{"whole float to int", 4.0, TypeInt16, int16(4), false},
		{"fractional float to int", 4.5, TypeInt16, nil, true},
		{"int to float", int32(3), TypeDouble, 3.0, false},
		{"string to int32", "5", TypeInt32, int32(5), false},
		{"string to double", " 2.5 ", TypeDouble, 2.5, false},
		{"string to bool", "true", TypeBool, true, false},
		{"string to vector", "1,2,3", TypeVectorInt32, []int32{1, 2, 3}, false},
		{"vector widening", []int32{1, 2}, TypeVectorInt64, []int64{1, 2}, false},
		{"number to string", int32(12), TypeString, "12", false},
		{"max uint64", uint64(math.MaxUint64), TypeUInt64, uint64(math.MaxUint64), false},
		{"uint64 to int64 overflow", uint64(math.MaxUint64), TypeInt64, nil, true},
		{"hash to int", &Hash{}, TypeInt32, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Convert(tt.in, tt.to)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTypeNames(t *testing.T) {
	for typ, name := range typeNames {
		parsed, err := ParseType(name)
		require.NoError(t, err)
		assert.Equal(t, typ, parsed)
	}
	_, err := ParseType("BOGUS")
	assert.Error(t, err)
	assert.Equal(t, "TYPE(77)", Type(77).String())
}
