// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ephaptic

import "context"

// Scope identifies which kind of handler is currently executing.
type Scope string

const (
	// ScopeNone is the zero value: no handler is executing.
	ScopeNone Scope = ""
	// ScopeRPC means the current call arrived over an RPC frame on a session.
	ScopeRPC Scope = "rpc"
	// ScopeHTTP means the current call arrived over a plain HTTP request.
	ScopeHTTP Scope = "http"
)

// Ctx carries the per-invocation ambient values: the active scope, the
// active user (if the session authenticated), and the active transport
// (only set in scope rpc, used by Emit). It is stored in
// a context.Context under an unexported key rather than passed as an
// explicit handler argument, so that IsHTTP/IsRPC/ActiveUser work uniformly
// for both kinds of handler without changing every handler's signature.
type Ctx struct {
	Scope      Scope
	ActiveUser string
	transport  Transport
}

type ctxKey struct{}

// WithCtx returns a new context carrying c. Used by the session runtime and
// the HTTP bridge to establish per-invocation ambient values; application
// code does not normally need to call this directly.
func WithCtx(parent context.Context, c *Ctx) context.Context {
	return context.WithValue(parent, ctxKey{}, c)
}

func fromContext(ctx context.Context) *Ctx {
	c, _ := ctx.Value(ctxKey{}).(*Ctx)
	if c == nil {
		return &Ctx{}
	}
	return c
}

// IsRPC reports whether ctx was established for an RPC handler invocation.
func IsRPC(ctx context.Context) bool {
	return fromContext(ctx).Scope == ScopeRPC
}

// IsHTTP reports whether ctx was established for an HTTP handler invocation.
func IsHTTP(ctx context.Context) bool {
	return fromContext(ctx).Scope == ScopeHTTP
}

// ActiveUser returns the user ID bound to ctx, or "" if none (anonymous
// session, or no ambient context at all).
func ActiveUser(ctx context.Context) string {
	return fromContext(ctx).ActiveUser
}

// activeTransport returns the transport bound to ctx for in-RPC Emit, or
// nil outside scope rpc.
func activeTransport(ctx context.Context) Transport {
	return fromContext(ctx).transport
}
