// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ephaptic

import (
	"errors"
	"fmt"
)

// Sentinel errors. Checked with errors.Is by callers and by the session
// runtime's own dispatch loop.
var (
	// ErrConnectionClosed is returned by Transport.Receive/Send once the
	// peer or the local side has closed the connection. Other channel
	// failures are returned as other errors.
	ErrConnectionClosed = errors.New("ephaptic: connection closed")

	// ErrNoActiveTransport is returned by Emit when ctx carries no active
	// transport (i.e. it was not called from inside an RPC handler).
	ErrNoActiveTransport = errors.New("ephaptic: emit called outside an RPC handler")

	// ErrRegistryFrozen is returned by registration methods called on a
	// Registry that has already been snapshotted into a bound Server.
	ErrRegistryFrozen = errors.New("ephaptic: registry is frozen")

	// ErrUnauthorized is returned by the HTTP bridge when a route requires
	// login and no active user was resolved.
	ErrUnauthorized = errors.New("ephaptic: unauthorized")
)

// wireErrorCode is the closed set of structured error codes surfaced to
// clients.
type wireErrorCode string

const (
	codeRatelimit             wireErrorCode = "RATELIMIT"
	codeValidationError       wireErrorCode = "VALIDATION_ERROR"
	codeReturnValidationError wireErrorCode = "RETURN_VALIDATION_ERROR"
)

// wireError is the shape encoded for {id, error:{code,message,data}} replies.
type wireError struct {
	Code    wireErrorCode `msgpack:"code"`
	Message string        `msgpack:"message"`
	Data    any           `msgpack:"data"`
}

// RateLimitError is returned by a RateLimiter when a caller has exceeded
// their configured quota within the current window.
type RateLimitError struct {
	RetryAfter int // seconds
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("ephaptic: rate limit exceeded, retry after %ds", e.RetryAfter)
}

// WireError implements the codec-facing reply shape.
func (e *RateLimitError) WireError() any {
	return wireError{
		Code:    codeRatelimit,
		Message: "rate limit exceeded",
		Data:    map[string]any{"retry_after": e.RetryAfter},
	}
}

// ValidationError reports that bound call arguments failed type coercion
// or validation against a procedure's declared parameter schema.
type ValidationError struct {
	Issues []FieldIssue
}

// FieldIssue describes one invalid argument.
type FieldIssue struct {
	Field   string `msgpack:"field"`
	Message string `msgpack:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("ephaptic: input validation failed (%d issue(s))", len(e.Issues))
}

func (e *ValidationError) WireError() any {
	return wireError{
		Code:    codeValidationError,
		Message: "input validation failed",
		Data:    e.Issues,
	}
}

// ReturnValidationError reports that a handler's return value did not
// satisfy its declared response type.
type ReturnValidationError struct {
	Underlying error
}

func (e *ReturnValidationError) Error() string {
	return fmt.Sprintf("ephaptic: return validation failed: %v", e.Underlying)
}

func (e *ReturnValidationError) Unwrap() error { return e.Underlying }

func (e *ReturnValidationError) WireError() any {
	return wireError{
		Code:    codeReturnValidationError,
		Message: e.Error(),
		Data:    nil,
	}
}

// NotFoundError reports that an RPC frame named a procedure absent from the
// bound registry.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("function %q not found", e.Name)
}

// wireErrorOf converts err into the value the codec should place in an
// RPCResponseFrame's Error field: a structured wireError for the recognized
// taxonomy, a flat string for everything else.
func wireErrorOf(err error) any {
	type wireErrorer interface{ WireError() any }
	var we wireErrorer
	if errors.As(err, &we) {
		return we.WireError()
	}
	return err.Error()
}
