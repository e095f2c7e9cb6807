// Package argschema binds and validates RPC call arguments against a
// procedure's precompiled parameter descriptors.
//
// It deliberately does not implement JSON Schema: nothing in this system
// ever receives or stores a schema document over the wire. Schemas are
// derived once from a Go function's signature (via reflect, at Expose
// time) and used only to bind/coerce the dynamic values a msgpack frame
// decodes to. See the top-level DESIGN.md for the rationale.
package argschema

import (
	"fmt"
	"reflect"
)

// Param describes one parameter of an exposed procedure, in declaration
// order. Binding fills positional Args left to right, then Kwargs by name;
// a parameter present in both is a bind error.
type Param struct {
	Name       string
	Type       reflect.Type
	HasDefault bool
	Default    any
}

// Issue describes one invalid argument, surfaced to the caller as the
// VALIDATION_ERROR frame's per-field data.
type Issue struct {
	Field   string
	Message string
}

// BindError is a flat-string bind failure: arity mismatch, unknown keyword,
// or a parameter supplied both positionally and by keyword.
type BindError struct {
	msg string
}

func (e *BindError) Error() string { return e.msg }

func bindErrorf(format string, args ...any) error {
	return &BindError{msg: fmt.Sprintf(format, args...)}
}

// ValidationError collects per-field type-coercion failures.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("argschema: %d validation issue(s)", len(e.Issues))
}

// Bind resolves args/kwargs against params, applying declared defaults for
// missing optional parameters, and coerces each resolved value to its
// declared Go type. On success it returns one reflect.Value per param, in
// order, ready for reflect.Value.Call. Bind failures (arity, unknown
// keyword, double-supplied parameter, missing required parameter) return a
// *BindError. Type-coercion failures return a *ValidationError with one
// Issue per offending field; binding continues past individual field
// failures so every bad argument is reported at once rather than only the
// first.
func Bind(params []Param, args []any, kwargs map[string]any) ([]reflect.Value, error) {
	if len(args) > len(params) {
		return nil, bindErrorf("too many positional arguments: got %d, want at most %d", len(args), len(params))
	}

	raw := make([]any, len(params))
	supplied := make([]bool, len(params))
	for i, a := range args {
		raw[i] = a
		supplied[i] = true
	}

	byName := make(map[string]int, len(params))
	for i, p := range params {
		byName[p.Name] = i
	}
	for k, v := range kwargs {
		i, ok := byName[k]
		if !ok {
			return nil, bindErrorf("unexpected keyword argument %q", k)
		}
		if supplied[i] {
			return nil, bindErrorf("parameter %q supplied both positionally and by keyword", k)
		}
		raw[i] = v
		supplied[i] = true
	}

	for i, p := range params {
		if supplied[i] {
			continue
		}
		if p.HasDefault {
			raw[i] = p.Default
			continue
		}
		return nil, bindErrorf("missing required argument %q", p.Name)
	}

	values := make([]reflect.Value, len(params))
	var issues []Issue
	for i, p := range params {
		v, err := coerce(raw[i], p.Type)
		if err != nil {
			issues = append(issues, Issue{Field: p.Name, Message: err.Error()})
			continue
		}
		values[i] = v
	}
	if len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}
	return values, nil
}

// coerce converts a dynamic value (as decoded from msgpack: nil, bool,
// signed or unsigned integers of any size, float32/float64, string, []any,
// map[string]any) into a reflect.Value assignable to want.
func coerce(v any, want reflect.Type) (reflect.Value, error) {
	if v == nil {
		if isNilable(want) {
			return reflect.Zero(want), nil
		}
		return reflect.Value{}, fmt.Errorf("expected %s, got null", want)
	}

	rv := reflect.ValueOf(v)

	// Pointer (optional) parameters: coerce the pointed-to type, then take
	// its address.
	if want.Kind() == reflect.Pointer {
		elem, err := coerce(v, want.Elem())
		if err != nil {
			return reflect.Value{}, err
		}
		ptr := reflect.New(want.Elem())
		ptr.Elem().Set(elem)
		return ptr, nil
	}

	if rv.Type().AssignableTo(want) {
		return rv, nil
	}
	if rv.Type().ConvertibleTo(want) && isNumericKind(rv.Kind()) && isNumericKind(want.Kind()) {
		return rv.Convert(want), nil
	}

	switch want.Kind() {
	case reflect.Slice:
		list, ok := v.([]any)
		if !ok {
			return reflect.Value{}, fmt.Errorf("expected list, got %T", v)
		}
		out := reflect.MakeSlice(want, len(list), len(list))
		for i, elem := range list {
			ev, err := coerce(elem, want.Elem())
			if err != nil {
				return reflect.Value{}, fmt.Errorf("index %d: %w", i, err)
			}
			out.Index(i).Set(ev)
		}
		return out, nil
	case reflect.Map:
		m, ok := v.(map[string]any)
		if !ok {
			return reflect.Value{}, fmt.Errorf("expected map, got %T", v)
		}
		out := reflect.MakeMapWithSize(want, len(m))
		for k, elem := range m {
			ev, err := coerce(elem, want.Elem())
			if err != nil {
				return reflect.Value{}, fmt.Errorf("key %q: %w", k, err)
			}
			out.SetMapIndex(reflect.ValueOf(k), ev)
		}
		return out, nil
	case reflect.Struct:
		m, ok := v.(map[string]any)
		if !ok {
			return reflect.Value{}, fmt.Errorf("expected object, got %T", v)
		}
		out := reflect.New(want).Elem()
		for i := 0; i < want.NumField(); i++ {
			f := want.Field(i)
			if !f.IsExported() {
				continue
			}
			name := fieldName(f)
			fv, present := m[name]
			if !present {
				continue
			}
			cv, err := coerce(fv, f.Type)
			if err != nil {
				return reflect.Value{}, fmt.Errorf("field %q: %w", name, err)
			}
			out.Field(i).Set(cv)
		}
		return out, nil
	case reflect.Interface:
		return rv, nil
	}

	return reflect.Value{}, fmt.Errorf("expected %s, got %T", want, v)
}

func isNilable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return true
	}
	return false
}

func isNumericKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// fieldName returns the wire name for a struct field: its `ephaptic` tag if
// present, else its lowercased Go name, the same convention event field
// names use.
func fieldName(f reflect.StructField) string {
	if tag, ok := f.Tag.Lookup("ephaptic"); ok && tag != "" {
		return tag
	}
	return lowerFirst(f.Name)
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	b := []byte(s)
	if b[0] >= 'A' && b[0] <= 'Z' {
		b[0] += 'a' - 'A'
	}
	return string(b)
}
