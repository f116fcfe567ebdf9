package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"reflect"
)

// ErrCollision is returned when two metadata values meet under the collide
// rule and differ.
var ErrCollision = errors.New("metadata collision")

// Metadata is a namespace -> key -> JSON value map attached to a manifest.
type Metadata map[string]map[string]json.RawMessage

// MergeFunc resolves a key present on both sides of a merge.
type MergeFunc func(a, b json.RawMessage) (json.RawMessage, error)

// MergeRules maps a key name to its merge function. Keys without a rule
// collide.
type MergeRules map[string]MergeFunc

func MergeFirst(a, _ json.RawMessage) (json.RawMessage, error) {
	return a, nil
}

func MergeSecond(_, b json.RawMessage) (json.RawMessage, error) {
	return b, nil
}

// MergeSum adds two JSON numbers. Integers are summed exactly.
func MergeSum(a, b json.RawMessage) (json.RawMessage, error) {
	x, err := decodeNumber(a)
	if err != nil {
		return nil, err
	}
	y, err := decodeNumber(b)
	if err != nil {
		return nil, err
	}
	xi, errX := x.Int64()
	yi, errY := y.Int64()
	if errX == nil && errY == nil {
		return json.Marshal(xi + yi)
	}
	xf, err := x.Float64()
	if err != nil {
		return nil, fmt.Errorf("sum: %w", err)
	}
	yf, err := y.Float64()
	if err != nil {
		return nil, fmt.Errorf("sum: %w", err)
	}
	return json.Marshal(xf + yf)
}

// MergeCollide accepts equal values and fails on anything else.
func MergeCollide(a, b json.RawMessage) (json.RawMessage, error) {
	equal, err := jsonEqual(a, b)
	if err != nil {
		return nil, err
	}
	if !equal {
		return nil, fmt.Errorf("%w: %s != %s", ErrCollision, a, b)
	}
	return a, nil
}

// ParseMergeFunc resolves one of the named merge functions: first, second,
// sum or collide.
func ParseMergeFunc(name string) (MergeFunc, error) {
	switch name {
	case "first":
		return MergeFirst, nil
	case "second":
		return MergeSecond, nil
	case "sum":
		return MergeSum, nil
	case "collide", "":
		return MergeCollide, nil
	default:
		return nil, fmt.Errorf("unknown merge function: %s", name)
	}
}

func (r MergeRules) lookup(key string) MergeFunc {
	if fn, ok := r[key]; ok && fn != nil {
		return fn
	}
	return MergeCollide
}

// Get decodes namespace/key into v. It reports false when the key is absent.
func (m Metadata) Get(namespace, key string, v any) (bool, error) {
	raw, ok := m[namespace][key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("metadata %s/%s: %w", namespace, key, err)
	}
	return true, nil
}

// Set stores v under namespace/key.
func (m *Metadata) Set(namespace, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("metadata %s/%s: %w", namespace, key, err)
	}
	if *m == nil {
		*m = make(Metadata)
	}
	ns, ok := (*m)[namespace]
	if !ok {
		ns = make(map[string]json.RawMessage)
		(*m)[namespace] = ns
	}
	ns[key] = raw
	return nil
}

func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for ns, values := range m {
		out[ns] = maps.Clone(values)
	}
	return out
}

// Merge combines two metadata sets, resolving shared keys through rules.
func (m Metadata) Merge(other Metadata, rules MergeRules) (Metadata, error) {
	out := m.Clone()
	for ns, values := range other {
		if out == nil {
			out = make(Metadata)
		}
		dst, ok := out[ns]
		if !ok {
			out[ns] = maps.Clone(values)
			continue
		}
		for key, b := range values {
			a, exists := dst[key]
			if !exists {
				dst[key] = b
				continue
			}
			merged, err := rules.lookup(key)(a, b)
			if err != nil {
				return nil, fmt.Errorf("merge %s/%s: %w", ns, key, err)
			}
			dst[key] = merged
		}
	}
	return out, nil
}

func decodeNumber(raw json.RawMessage) (json.Number, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("sum: %w", err)
	}
	n, ok := v.(json.Number)
	if !ok {
		return "", fmt.Errorf("sum: not a number: %s", raw)
	}
	return n, nil
}

func jsonEqual(a, b json.RawMessage) (bool, error) {
	if bytes.Equal(a, b) {
		return true, nil
	}
	var x, y any
	if err := json.Unmarshal(a, &x); err != nil {
		return false, err
	}
	if err := json.Unmarshal(b, &y); err != nil {
		return false, err
	}
	return reflect.DeepEqual(x, y), nil
}
