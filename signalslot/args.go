package signalslot

import (
	"fmt"
	"strconv"

	"github.com/European-XFEL/Karabo-sub009/errors"
	"github.com/European-XFEL/Karabo-sub009/hash"
)

// MaxArgs is the largest number of arguments a slot or signal carries.
const MaxArgs = 4

// Args are the positional arguments of a call or reply.
type Args []any

// argKey names position i (0 based) in a message body.
func argKey(i int) string { return "a" + strconv.Itoa(i+1) }

// toBody packs args as a1, a2, ... into a Hash.
func toBody(args []any) (*hash.Hash, error) {
	body := &hash.Hash{}
	for i, a := range args {
		if _, err := body.TrySet(argKey(i), a); err != nil {
			return nil, errors.WrapInvalid(err, "signalslot", "toBody", fmt.Sprintf("argument %d", i+1))
		}
	}
	return body, nil
}

// fromBody unpacks a1, a2, ... until the first gap.
func fromBody(body *hash.Hash) Args {
	if body == nil {
		return nil
	}
	var out Args
	for i := 0; ; i++ {
		v, ok := body.Get(argKey(i))
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

// Arg returns argument i as T. Numbers and strings are converted when the
// sender used a different width or representation.
func Arg[T any](args Args, i int) (T, error) {
	var zero T
	if i >= len(args) {
		return zero, fmt.Errorf("argument %d missing: %w", i+1, errors.ErrInvalidData)
	}
	v := args[i]
	if t, ok := v.(T); ok {
		return t, nil
	}
	want, ok := hash.TypeOf(zero)
	if ok && want != hash.TypeHash && want != hash.TypeNone {
		if c, err := hash.Convert(v, want); err == nil {
			if t, ok := c.(T); ok {
				return t, nil
			}
		}
	}
	return zero, fmt.Errorf("argument %d is %T, want %T: %w", i+1, v, zero, errors.ErrInvalidData)
}
