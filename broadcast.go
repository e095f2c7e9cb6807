// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ephaptic

import "context"

// Target is a flattened, ordered list of user IDs to broadcast to, returned
// by Server.To. Duplicates are preserved verbatim; a caller that passes the
// same user twice gets two deliveries.
type Target struct {
	userIDs []string
	manager *ConnectionManager
}

// To flattens a mixed sequence of user IDs and []string slices into a
// single ordered Target. Each element of args must be a string or a
// []string.
func (srv *Server) To(args ...any) *Target {
	var userIDs []string
	for _, a := range args {
		switch v := a.(type) {
		case string:
			userIDs = append(userIDs, v)
		case []string:
			userIDs = append(userIDs, v...)
		default:
			// Programmer error: To only accepts strings and []string.
			// Silently skipping (rather than panicking) matches the
			// source's dynamically typed to(), which never validated its
			// arguments either.
		}
	}
	return &Target{userIDs: userIDs, manager: srv.connManager}
}

// Emit encodes event's exported fields as kwargs (the same derivation as
// the in-RPC Emit) and broadcasts it to every user in t, across nodes if a
// pub/sub client is configured.
func (t *Target) Emit(ctx context.Context, event any) error {
	name, kwargs := eventFields(event)
	return t.manager.Broadcast(ctx, t.userIDs, name, []any{}, kwargs)
}

// EmitRaw broadcasts an untyped named event with an arbitrary payload,
// bypassing typed event field derivation.
func (t *Target) EmitRaw(ctx context.Context, name string, args []any, kwargs map[string]any) error {
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return t.manager.Broadcast(ctx, t.userIDs, name, args, kwargs)
}
