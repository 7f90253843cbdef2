package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// maxStableDepth bounds recursion when serializing vary structures.
const maxStableDepth = 20

var (
	// ErrTooDeep is returned when a vary structure nests beyond maxStableDepth.
	ErrTooDeep = errors.New("structure exceeds maximum depth")
	// ErrCycle is returned when a vary structure references itself.
	ErrCycle = errors.New("structure contains a cycle")
)

// StableStringify serializes v to JSON with object keys sorted recursively,
// so that two structurally-equal values produce identical strings regardless
// of insertion order. Nil map values are skipped. Fails on cycles and on
// nesting deeper than 20 levels.
func StableStringify(v any) (string, error) {
	var sb strings.Builder
	seen := map[uintptr]struct{}{}
	if err := stableWrite(&sb, v, 0, seen); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func stableWrite(sb *strings.Builder, v any, depth int, seen map[uintptr]struct{}) error {
	if depth > maxStableDepth {
		return ErrTooDeep
	}
	if v == nil {
		sb.WriteString("null")
		return nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			sb.WriteString("null")
			return nil
		}
		return stableWrite(sb, rv.Elem().Interface(), depth, seen)

	case reflect.Map:
		ptr := rv.Pointer()
		if _, ok := seen[ptr]; ok {
			return ErrCycle
		}
		seen[ptr] = struct{}{}
		defer delete(seen, ptr)

		keys := make([]string, 0, rv.Len())
		vals := make(map[string]reflect.Value, rv.Len())
		for _, k := range rv.MapKeys() {
			ks := fmt.Sprintf("%v", k.Interface())
			keys = append(keys, ks)
			vals[ks] = rv.MapIndex(k)
		}
		sort.Strings(keys)

		sb.WriteByte('{')
		first := true
		for _, k := range keys {
			mv := vals[k]
			if !mv.IsValid() || isNilValue(mv) {
				continue
			}
			if !first {
				sb.WriteByte(',')
			}
			first = false
			writeJSONString(sb, k)
			sb.WriteByte(':')
			if err := stableWrite(sb, mv.Interface(), depth+1, seen); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
		return nil

	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice {
			ptr := rv.Pointer()
			if _, ok := seen[ptr]; ok {
				return ErrCycle
			}
			seen[ptr] = struct{}{}
			defer delete(seen, ptr)
		}
		sb.WriteByte('[')
		for i := 0; i < rv.Len(); i++ {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := stableWrite(sb, rv.Index(i).Interface(), depth+1, seen); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
		return nil

	case reflect.Struct:
		// Structs go through the standard marshaler first, then get their
		// keys sorted like any other object.
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var decoded any
		if err := json.Unmarshal(data, &decoded); err != nil {
			return err
		}
		return stableWrite(sb, decoded, depth, seen)

	default:
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		sb.Write(data)
		return nil
	}
}

func isNilValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return v.IsNil()
	}
	if v.Kind() == reflect.Interface {
		return v.IsNil()
	}
	return false
}

func writeJSONString(sb *strings.Builder, s string) {
	data, _ := json.Marshal(s)
	sb.Write(data)
}
