// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ephaptic

import (
	"errors"
	"reflect"

	"github.com/ephaptic/ephaptic/internal/argschema"
)

// bindArgs binds and coerces an RPC frame's args/kwargs against entry's
// precompiled parameter descriptors, translating
// internal/argschema's error taxonomy into this package's wire-facing
// error types: a *ValidationError (structured, per-field) for coercion
// failures, or the bind error as-is (encoded as a flat string by
// wireErrorOf) for arity/keyword mismatches.
func bindArgs(entry *procEntry, args []any, kwargs map[string]any) ([]reflect.Value, error) {
	values, err := argschema.Bind(entry.params, args, kwargs)
	if err != nil {
		var ve *argschema.ValidationError
		if errors.As(err, &ve) {
			issues := make([]FieldIssue, len(ve.Issues))
			for i, iss := range ve.Issues {
				issues[i] = FieldIssue{Field: iss.Field, Message: iss.Message}
			}
			return nil, &ValidationError{Issues: issues}
		}
		return nil, err
	}
	return values, nil
}

// selfValidator is the optional hook a handler's declared response type may
// implement to reject its own return value before it is encoded onto the
// wire.
type selfValidator interface {
	Validate() error
}

// coerceReturn validates result against a procedure's declared response
// type before it is encoded onto the wire. Go's static typing already
// guarantees result has the declared shape; the remaining work is giving
// the value a chance to reject itself via an optional Validate method.
func coerceReturn(result any, _ reflect.Type) (any, error) {
	if v, ok := result.(selfValidator); ok {
		if err := v.Validate(); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// eventFields derives an event's wire name (its Go type name) and its
// kwargs map (its exported fields, honoring `ephaptic:"..."` tags) from a
// typed event value.
func eventFields(v any) (name string, kwargs map[string]any) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	rt := rv.Type()
	name = rt.Name()

	kwargs = make(map[string]any, rt.NumField())
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if !f.IsExported() {
			continue
		}
		kwargs[fieldWireName(f)] = rv.Field(i).Interface()
	}
	return name, kwargs
}
