package config

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	pkgerrors "github.com/European-XFEL/Karabo-sub009/errors"
	"github.com/European-XFEL/Karabo-sub009/hash"
)

// DeviceInit is one device the server starts with.
type DeviceInit struct {
	DeviceID string
	ClassID  string
	// Config holds the remaining properties. Values keep their JSON types
	// and are coerced by the device schema on instantiation.
	Config *hash.Hash
}

// ParseInit decodes {deviceId: {classId, ...properties}} ordered by device
// id. Blank text means no devices.
func ParseInit(text string) ([]DeviceInit, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	if err := validateJSONDepth([]byte(text)); err != nil {
		return nil, pkgerrors.WrapInvalid(err, "Config", "ParseInit", "check init")
	}
	var raw map[string]map[string]any
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, pkgerrors.WrapInvalid(err, "Config", "ParseInit", "decode init")
	}

	ids := make([]string, 0, len(raw))
	for id := range raw {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]DeviceInit, 0, len(ids))
	for _, id := range ids {
		props := raw[id]
		classID, _ := props["classId"].(string)
		if classID == "" {
			return nil, pkgerrors.WrapInvalid(fmt.Errorf("device %s has no classId", id), "Config", "ParseInit", "read init")
		}
		delete(props, "classId")
		cfg, err := hashFromJSON(props)
		if err != nil {
			return nil, pkgerrors.WrapInvalid(fmt.Errorf("device %s: %w", id, err), "Config", "ParseInit", "read init")
		}
		out = append(out, DeviceInit{DeviceID: id, ClassID: classID, Config: cfg})
	}
	return out, nil
}

func hashFromJSON(m map[string]any) (*hash.Hash, error) {
	h := &hash.Hash{}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := valueFromJSON(m[k])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		if _, err := h.TrySet(k, v); err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
	}
	return h, nil
}

// valueFromJSON maps decoded JSON onto Hash value types. Integral numbers
// become INT32 when they fit and INT64 otherwise.
func valueFromJSON(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string, bool:
		return x, nil
	case float64:
		return number(x), nil
	case map[string]any:
		return hashFromJSON(x)
	case []any:
		return vectorFromJSON(x)
	}
	return nil, fmt.Errorf("unsupported JSON value %T", v)
}

func number(f float64) any {
	if f != math.Trunc(f) {
		return f
	}
	if f >= math.MinInt32 && f <= math.MaxInt32 {
		return int32(f)
	}
	return int64(f)
}

func vectorFromJSON(items []any) (any, error) {
	if len(items) == 0 {
		return []string{}, nil
	}
	switch items[0].(type) {
	case string:
		return collect[string](items)
	case bool:
		return collect[bool](items)
	case float64:
		fs, err := collect[float64](items)
		if err != nil {
			return nil, err
		}
		integral := true
		for _, f := range fs {
			if f != math.Trunc(f) || f < math.MinInt32 || f > math.MaxInt32 {
				integral = false
				break
			}
		}
		if !integral {
			return fs, nil
		}
		ints := make([]int32, len(fs))
		for i, f := range fs {
			ints[i] = int32(f)
		}
		return ints, nil
	case map[string]any:
		rows := make([]*hash.Hash, len(items))
		for i, it := range items {
			m, ok := it.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("item %d is %T in a list of objects", i, it)
			}
			row, err := hashFromJSON(m)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			rows[i] = row
		}
		return rows, nil
	}
	return nil, fmt.Errorf("unsupported list of %T", items[0])
}

func collect[T any](items []any) ([]T, error) {
	out := make([]T, len(items))
	for i, it := range items {
		v, ok := it.(T)
		if !ok {
			var zero T
			return nil, fmt.Errorf("item %d is %T in a list of %T", i, it, zero)
		}
		out[i] = v
	}
	return out, nil
}
