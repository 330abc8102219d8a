package protocol

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
)

// The wire payload format is a flat reference tree: one JSON array whose
// entries are the objects, arrays, and strings of the value graph. Entry 0
// is the root. Inside a container every object, array, and string value is
// replaced by its entry index rendered as a string; numbers, booleans, and
// null stay inline. Shared references and cycles survive because a node is
// serialized once and referenced by index everywhere else.

// Flatten serializes v into the flat reference tree format. Output is
// deterministic: identical input produces identical bytes (object keys are
// sorted). Cycles are supported through maps and slices; struct subtrees
// are serialized via their JSON form and must be acyclic.
func Flatten(v any) (string, error) {
	f := &flattener{
		strings:    make(map[string]int),
		containers: make(map[uintptr]int),
	}
	token, err := f.walk(v)
	if err != nil {
		return "", err
	}
	if len(f.entries) == 0 {
		// Root is a primitive: it still occupies entry 0.
		f.entries = append(f.entries, token)
	}
	out, err := json.Marshal(f.entries)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

type flattener struct {
	entries    []any
	strings    map[string]int
	containers map[uintptr]int
}

// walk returns the in-container token for v: an inline primitive or a
// stringified entry index.
func (f *flattener) walk(v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	switch t := v.(type) {
	case bool:
		return t, nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, json.Number:
		return t, nil
	case string:
		return f.internString(t), nil
	case []byte:
		return f.internString(string(t)), nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return f.walk(rv.Elem().Interface())
	case reflect.Map:
		return f.walkMap(rv)
	case reflect.Slice, reflect.Array:
		return f.walkSlice(rv)
	case reflect.Struct:
		// Structs come from our own typed messages and are acyclic;
		// reuse their JSON shape and flatten the result.
		plain, err := structToPlain(v)
		if err != nil {
			return nil, err
		}
		return f.walk(plain)
	default:
		return nil, fmt.Errorf("cannot flatten value of type %T", v)
	}
}

func (f *flattener) internString(s string) string {
	if idx, ok := f.strings[s]; ok {
		return strconv.Itoa(idx)
	}
	idx := len(f.entries)
	f.entries = append(f.entries, s)
	f.strings[s] = idx
	return strconv.Itoa(idx)
}

func (f *flattener) walkMap(rv reflect.Value) (any, error) {
	if rv.Type().Key().Kind() != reflect.String {
		return nil, fmt.Errorf("cannot flatten map with %s keys", rv.Type().Key())
	}
	if idx, ok := f.containers[rv.Pointer()]; ok {
		return strconv.Itoa(idx), nil
	}
	idx := len(f.entries)
	f.entries = append(f.entries, nil)
	f.containers[rv.Pointer()] = idx

	keys := make([]string, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		keys = append(keys, iter.Key().String())
	}
	sort.Strings(keys)

	obj := make(map[string]any, len(keys))
	for _, k := range keys {
		token, err := f.walk(rv.MapIndex(reflect.ValueOf(k).Convert(rv.Type().Key())).Interface())
		if err != nil {
			return nil, err
		}
		obj[k] = token
	}
	f.entries[idx] = obj
	return strconv.Itoa(idx), nil
}

func (f *flattener) walkSlice(rv reflect.Value) (any, error) {
	var ptr uintptr
	if rv.Kind() == reflect.Slice {
		ptr = rv.Pointer()
		if idx, ok := f.containers[ptr]; ok && ptr != 0 {
			return strconv.Itoa(idx), nil
		}
	}
	idx := len(f.entries)
	f.entries = append(f.entries, nil)
	if ptr != 0 {
		f.containers[ptr] = idx
	}

	arr := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		token, err := f.walk(rv.Index(i).Interface())
		if err != nil {
			return nil, err
		}
		arr[i] = token
	}
	f.entries[idx] = arr
	return strconv.Itoa(idx), nil
}

func structToPlain(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var plain any
	if err := json.Unmarshal(raw, &plain); err != nil {
		return nil, err
	}
	return plain, nil
}

// Unflatten parses a flat reference tree back into its value graph.
// Objects decode to map[string]any, arrays to []any, numbers to float64.
// Shared references resolve to the same map or slice instance, cycles
// included.
func Unflatten(s string) (any, error) {
	var entries []any
	if err := json.Unmarshal([]byte(s), &entries); err != nil {
		return nil, fmt.Errorf("parse flat tree: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("parse flat tree: empty entry list")
	}
	u := &unflattener{
		entries:  entries,
		resolved: make([]any, len(entries)),
		done:     make([]bool, len(entries)),
	}
	return u.resolve(0)
}

type unflattener struct {
	entries  []any
	resolved []any
	done     []bool
}

func (u *unflattener) resolve(idx int) (any, error) {
	if idx < 0 || idx >= len(u.entries) {
		return nil, fmt.Errorf("reference %d out of range", idx)
	}
	if u.done[idx] {
		return u.resolved[idx], nil
	}

	switch entry := u.entries[idx].(type) {
	case map[string]any:
		out := make(map[string]any, len(entry))
		u.resolved[idx] = out
		u.done[idx] = true
		for k, v := range entry {
			val, err := u.resolveValue(v)
			if err != nil {
				return nil, err
			}
			out[k] = val
		}
		return out, nil
	case []any:
		out := make([]any, len(entry))
		u.resolved[idx] = out
		u.done[idx] = true
		for i, v := range entry {
			val, err := u.resolveValue(v)
			if err != nil {
				return nil, err
			}
			out[i] = val
		}
		return out, nil
	default:
		// Strings, numbers, booleans, and null are literal at entry
		// position.
		u.resolved[idx] = entry
		u.done[idx] = true
		return entry, nil
	}
}

// resolveValue handles a value in container position: strings are entry
// references, everything else is inline.
func (u *unflattener) resolveValue(v any) (any, error) {
	ref, ok := v.(string)
	if !ok {
		return v, nil
	}
	idx, err := strconv.Atoi(ref)
	if err != nil {
		return nil, fmt.Errorf("malformed reference %q", ref)
	}
	return u.resolve(idx)
}
