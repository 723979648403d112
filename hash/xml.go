package hash

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	xmlRoot       = "root"
	xmlItem       = "KRB_Item"
	xmlEscaped    = "KRB_Key"
	xmlType       = "KRB_Type"
	xmlArtificial = "KRB_Artificial"
	xmlKeyAttr    = "KRB_Name"
	xmlAttrPrefix = "KRB_"
)

// EncodeXML serializes h as an XML document with an artificial root element.
func EncodeXML(h *Hash) (string, error) {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	root := xml.StartElement{
		Name: xml.Name{Local: xmlRoot},
		Attr: []xml.Attr{
			{Name: xml.Name{Local: xmlArtificial}, Value: ""},
			{Name: xml.Name{Local: xmlType}, Value: TypeHash.String()},
		},
	}
	if err := enc.EncodeToken(root); err != nil {
		return "", err
	}
	if err := encodeXMLHash(enc, h); err != nil {
		return "", err
	}
	if err := enc.EncodeToken(root.End()); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func encodeXMLHash(enc *xml.Encoder, h *Hash) error {
	for _, n := range h.Nodes() {
		start := xml.StartElement{Name: xml.Name{Local: n.key}}
		if !validXMLName(n.key) {
			start.Name.Local = xmlEscaped
			start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: xmlKeyAttr}, Value: n.key})
		}
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: xmlType}, Value: n.typ.String()})
		for _, a := range n.attrs.items {
			if !validXMLName(a.name) || strings.HasPrefix(a.name, xmlAttrPrefix) {
				return fmt.Errorf("key %q: attribute name %q cannot be written as XML", n.key, a.name)
			}
			text, err := formatText(a.typ, a.value)
			if err != nil {
				return fmt.Errorf("key %q attribute %q: %w", n.key, a.name, err)
			}
			start.Attr = append(start.Attr, xml.Attr{
				Name:  xml.Name{Local: a.name},
				Value: xmlAttrPrefix + a.typ.String() + ":" + text,
			})
		}
		if err := enc.EncodeToken(start); err != nil {
			return err
		}
		switch n.typ {
		case TypeHash:
			if err := encodeXMLHash(enc, n.value.(*Hash)); err != nil {
				return err
			}
		case TypeVectorHash:
			for _, item := range n.value.([]*Hash) {
				is := xml.StartElement{Name: xml.Name{Local: xmlItem}}
				if err := enc.EncodeToken(is); err != nil {
					return err
				}
				if err := encodeXMLHash(enc, item); err != nil {
					return err
				}
				if err := enc.EncodeToken(is.End()); err != nil {
					return err
				}
			}
		default:
			text, err := formatText(n.typ, n.value)
			if err != nil {
				return fmt.Errorf("key %q: %w", n.key, err)
			}
			if text != "" {
				if err := enc.EncodeToken(xml.CharData(text)); err != nil {
					return err
				}
			}
		}
		if err := enc.EncodeToken(start.End()); err != nil {
			return err
		}
	}
	return nil
}

func validXMLName(s string) bool {
	if s == "" || strings.HasPrefix(strings.ToLower(s), "xml") {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || unicode.IsLetter(r):
		case i > 0 && (r == '-' || unicode.IsDigit(r)):
		default:
			return false
		}
	}
	return true
}

// DecodeXML parses a document produced by EncodeXML. A root element without
// the artificial marker becomes the single top-level key of the result.
func DecodeXML(doc string) (*Hash, error) {
	dec := xml.NewDecoder(strings.NewReader(doc))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil, fmt.Errorf("decode xml: no root element")
		}
		if err != nil {
			return nil, fmt.Errorf("decode xml: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		h := &Hash{}
		if hasAttr(start, xmlArtificial) {
			err = decodeXMLChildren(dec, h, 0)
		} else {
			err = decodeXMLElement(dec, start, h, 0)
		}
		if err != nil {
			return nil, fmt.Errorf("decode xml: %w", err)
		}
		return h, nil
	}
}

func hasAttr(e xml.StartElement, name string) bool {
	for _, a := range e.Attr {
		if a.Name.Local == name {
			return true
		}
	}
	return false
}

func decodeXMLChildren(dec *xml.Decoder, h *Hash, depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("nesting deeper than %d", maxDepth)
	}
	for {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if err := decodeXMLElement(dec, t, h, depth); err != nil {
				return err
			}
		case xml.EndElement:
			return nil
		}
	}
}

func decodeXMLElement(dec *xml.Decoder, start xml.StartElement, h *Hash, depth int) error {
	key := start.Name.Local
	typ := TypeString
	var attrs Attributes
	for _, a := range start.Attr {
		switch a.Name.Local {
		case xmlType:
			t, err := ParseType(a.Value)
			if err != nil {
				return fmt.Errorf("key %q: %w", key, err)
			}
			typ = t
		case xmlKeyAttr:
			if start.Name.Local == xmlEscaped {
				key = a.Value
			}
		case xmlArtificial:
		default:
			v, t, err := parseAttrText(a.Value)
			if err != nil {
				return fmt.Errorf("key %q attribute %q: %w", key, a.Name.Local, err)
			}
			attrs.items = append(attrs.items, attribute{name: a.Name.Local, value: v, typ: t})
		}
	}

	var value any
	switch typ {
	case TypeHash:
		child := &Hash{}
		if err := decodeXMLChildren(dec, child, depth+1); err != nil {
			return err
		}
		value = child
	case TypeVectorHash:
		items := []*Hash{}
		for {
			tok, err := dec.Token()
			if err != nil {
				return err
			}
			if _, ok := tok.(xml.StartElement); ok {
				item := &Hash{}
				if err := decodeXMLChildren(dec, item, depth+1); err != nil {
					return err
				}
				items = append(items, item)
				continue
			}
			if _, ok := tok.(xml.EndElement); ok {
				break
			}
		}
		value = items
	default:
		var text strings.Builder
		for done := false; !done; {
			tok, err := dec.Token()
			if err != nil {
				return err
			}
			switch t := tok.(type) {
			case xml.CharData:
				text.Write(t)
			case xml.StartElement:
				return fmt.Errorf("key %q: unexpected child element in %s value", key, typ)
			case xml.EndElement:
				done = true
			}
		}
		v, err := parseText(typ, text.String())
		if err != nil {
			return fmt.Errorf("key %q: %w", key, err)
		}
		value = v
	}
	n := h.put(key, value, typ)
	n.attrs = attrs
	return nil
}

func parseAttrText(s string) (any, Type, error) {
	if !strings.HasPrefix(s, xmlAttrPrefix) {
		return s, TypeString, nil
	}
	rest := s[len(xmlAttrPrefix):]
	colon := strings.IndexByte(rest, ':')
	if colon < 0 {
		return s, TypeString, nil
	}
	t, err := ParseType(rest[:colon])
	if err != nil {
		return s, TypeString, nil
	}
	v, err := parseText(t, rest[colon+1:])
	return v, t, err
}

// formatText renders scalar and vector values in their XML text form.
func formatText(t Type, v any) (string, error) {
	switch t {
	case TypeNone:
		return "", nil
	case TypeBool:
		if v.(bool) {
			return "1", nil
		}
		return "0", nil
	case TypeInt8:
		return strconv.FormatInt(int64(v.(int8)), 10), nil
	case TypeInt16:
		return strconv.FormatInt(int64(v.(int16)), 10), nil
	case TypeInt32:
		return strconv.FormatInt(int64(v.(int32)), 10), nil
	case TypeInt64:
		return strconv.FormatInt(v.(int64), 10), nil
	case TypeUInt8:
		return strconv.FormatUint(uint64(v.(uint8)), 10), nil
	case TypeUInt16:
		return strconv.FormatUint(uint64(v.(uint16)), 10), nil
	case TypeUInt32:
		return strconv.FormatUint(uint64(v.(uint32)), 10), nil
	case TypeUInt64:
		return strconv.FormatUint(v.(uint64), 10), nil
	case TypeFloat:
		return strconv.FormatFloat(float64(v.(float32)), 'g', -1, 32), nil
	case TypeDouble:
		return strconv.FormatFloat(v.(float64), 'g', -1, 64), nil
	case TypeComplexFloat:
		c := v.(complex64)
		return fmt.Sprintf("(%s,%s)",
			strconv.FormatFloat(float64(real(c)), 'g', -1, 32),
			strconv.FormatFloat(float64(imag(c)), 'g', -1, 32)), nil
	case TypeComplexDouble:
		c := v.(complex128)
		return fmt.Sprintf("(%s,%s)",
			strconv.FormatFloat(real(c), 'g', -1, 64),
			strconv.FormatFloat(imag(c), 'g', -1, 64)), nil
	case TypeString:
		if !utf8.ValidString(v.(string)) {
			return "", fmt.Errorf("string is not valid UTF-8")
		}
		return v.(string), nil
	case TypeVectorChar, TypeVectorUInt8:
		return base64.StdEncoding.EncodeToString(v.([]byte)), nil
	case TypeVectorString:
		parts := v.([]string)
		out := make([]string, len(parts))
		for i, s := range parts {
			out[i] = escapeListItem(s)
		}
		return strings.Join(out, ","), nil
	case TypeNDArray:
		a := v.(*NDArray)
		shape := make([]string, len(a.Shape))
		for i, d := range a.Shape {
			shape[i] = strconv.FormatUint(d, 10)
		}
		endian := "0"
		if a.BigEndian {
			endian = "1"
		}
		return strings.Join([]string{
			a.DType.String(), endian, strings.Join(shape, ","),
			base64.StdEncoding.EncodeToString(a.Data),
		}, "|"), nil
	}
	if t.IsVector() {
		return formatVector(t, v)
	}
	return "", fmt.Errorf("type %s has no text form", t)
}

func formatVector(t Type, v any) (string, error) {
	elem := t.ElementType()
	var parts []string
	add := func(x any) error {
		s, err := formatText(elem, x)
		parts = append(parts, s)
		return err
	}
	var err error
	switch x := v.(type) {
	case []bool:
		for _, e := range x {
			err = add(e)
		}
	case []int8:
		for _, e := range x {
			err = add(e)
		}
	case []int16:
		for _, e := range x {
			err = add(e)
		}
	case []uint16:
		for _, e := range x {
			err = add(e)
		}
	case []int32:
		for _, e := range x {
			err = add(e)
		}
	case []uint32:
		for _, e := range x {
			err = add(e)
		}
	case []int64:
		for _, e := range x {
			err = add(e)
		}
	case []uint64:
		for _, e := range x {
			err = add(e)
		}
	case []float32:
		for _, e := range x {
			err = add(e)
		}
	case []float64:
		for _, e := range x {
			err = add(e)
		}
	case []complex64:
		for _, e := range x {
			err = add(e)
		}
	case []complex128:
		for _, e := range x {
			err = add(e)
		}
	default:
		return "", fmt.Errorf("value %T does not match %s", v, t)
	}
	return strings.Join(parts, ","), err
}

// escapeListItem protects separators inside string vector items. An empty
// item is written as \0 so that a one-element vector holding "" differs from
// an empty vector.
func escapeListItem(s string) string {
	if s == "" {
		return `\0`
	}
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, ",", `\,`)
}

func splitListItems(s string) []string {
	if s == "" {
		return []string{}
	}
	var out []string
	var cur strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\' && i+1 < len(s):
			i++
			if s[i] != '0' {
				cur.WriteByte(s[i])
			}
		case c == ',':
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	return append(out, cur.String())
}

// splitComplex splits "(a,b),(c,d)" into its parenthesized items.
func splitComplex(s string) []string {
	out := []string{}
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			if depth == 0 {
				start = i
			}
			depth++
		case ')':
			depth--
			if depth == 0 {
				out = append(out, s[start:i+1])
			}
		}
	}
	return out
}

func parseComplex(s string, bits int) (float64, float64, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '(' || s[len(s)-1] != ')' {
		return 0, 0, fmt.Errorf("malformed complex %q", s)
	}
	re, im, ok := strings.Cut(s[1:len(s)-1], ",")
	if !ok {
		return 0, 0, fmt.Errorf("malformed complex %q", s)
	}
	r, err := strconv.ParseFloat(strings.TrimSpace(re), bits)
	if err != nil {
		return 0, 0, err
	}
	i, err := strconv.ParseFloat(strings.TrimSpace(im), bits)
	return r, i, err
}

// parseText is the inverse of formatText.
func parseText(t Type, s string) (any, error) {
	switch t {
	case TypeNone:
		return nil, nil
	case TypeString:
		return s, nil
	case TypeVectorString:
		return splitListItems(s), nil
	case TypeVectorChar, TypeVectorUInt8:
		b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
		if b == nil {
			b = []byte{}
		}
		return b, err
	case TypeNDArray:
		return parseNDArrayText(s)
	}
	s = strings.TrimSpace(s)
	if t.IsVector() {
		return parseVector(t, s)
	}
	return parseScalar(t, s)
}

func parseScalar(t Type, s string) (any, error) {
	switch t {
	case TypeBool:
		switch strings.ToLower(s) {
		case "1", "true":
			return true, nil
		case "0", "false":
			return false, nil
		}
		return nil, fmt.Errorf("invalid bool %q", s)
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		bits := scalarSize(t) * 8
		i, err := strconv.ParseInt(s, 10, bits)
		if err != nil {
			return nil, err
		}
		switch t {
		case TypeInt8:
			return int8(i), nil
		case TypeInt16:
			return int16(i), nil
		case TypeInt32:
			return int32(i), nil
		}
		return i, nil
	case TypeUInt8, TypeUInt16, TypeUInt32, TypeUInt64:
		bits := scalarSize(t) * 8
		u, err := strconv.ParseUint(s, 10, bits)
		if err != nil {
			return nil, err
		}
		switch t {
		case TypeUInt8:
			return uint8(u), nil
		case TypeUInt16:
			return uint16(u), nil
		case TypeUInt32:
			return uint32(u), nil
		}
		return u, nil
	case TypeFloat:
		f, err := strconv.ParseFloat(s, 32)
		return float32(f), err
	case TypeDouble:
		return strconv.ParseFloat(s, 64)
	case TypeComplexFloat:
		r, i, err := parseComplex(s, 32)
		return complex(float32(r), float32(i)), err
	case TypeComplexDouble:
		r, i, err := parseComplex(s, 64)
		return complex(r, i), err
	}
	return nil, fmt.Errorf("type %s has no text form", t)
}

func parseVector(t Type, s string) (any, error) {
	var items []string
	switch {
	case s == "":
		items = []string{}
	case t == TypeVectorComplexFloat || t == TypeVectorComplexDouble:
		items = splitComplex(s)
	default:
		items = strings.Split(s, ",")
	}
	elem := t.ElementType()
	vals := make([]any, len(items))
	for i, it := range items {
		v, err := parseScalar(elem, strings.TrimSpace(it))
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		vals[i] = v
	}
	switch t {
	case TypeVectorBool:
		return collect[bool](vals), nil
	case TypeVectorInt8:
		return collect[int8](vals), nil
	case TypeVectorInt16:
		return collect[int16](vals), nil
	case TypeVectorUInt16:
		return collect[uint16](vals), nil
	case TypeVectorInt32:
		return collect[int32](vals), nil
	case TypeVectorUInt32:
		return collect[uint32](vals), nil
	case TypeVectorInt64:
		return collect[int64](vals), nil
	case TypeVectorUInt64:
		return collect[uint64](vals), nil
	case TypeVectorFloat:
		return collect[float32](vals), nil
	case TypeVectorDouble:
		return collect[float64](vals), nil
	case TypeVectorComplexFloat:
		return collect[complex64](vals), nil
	case TypeVectorComplexDouble:
		return collect[complex128](vals), nil
	}
	return nil, fmt.Errorf("type %s has no text form", t)
}

func collect[T any](vals []any) []T {
	out := make([]T, len(vals))
	for i, v := range vals {
		out[i] = v.(T)
	}
	return out
}

func parseNDArrayText(s string) (*NDArray, error) {
	parts := strings.Split(strings.TrimSpace(s), "|")
	if len(parts) != 4 {
		return nil, fmt.Errorf("malformed NDArray text")
	}
	dtype, err := ParseType(parts[0])
	if err != nil {
		return nil, err
	}
	a := &NDArray{DType: dtype, BigEndian: parts[1] == "1", Shape: []uint64{}}
	if parts[2] != "" {
		for _, d := range strings.Split(parts[2], ",") {
			n, err := strconv.ParseUint(d, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("NDArray shape: %w", err)
			}
			a.Shape = append(a.Shape, n)
		}
	}
	if a.Data, err = base64.StdEncoding.DecodeString(parts[3]); err != nil {
		return nil, fmt.Errorf("NDArray data: %w", err)
	}
	return a, nil
}
