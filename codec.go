// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ephaptic

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Frame kinds, as carried in the wire map's "type" field.
const (
	frameInit  = "init"
	frameRPC   = "rpc"
	frameEvent = "event"
)

// InitFrame is the mandatory first client-to-server frame on a transport.
type InitFrame struct {
	Type string `msgpack:"type"`
	Auth any    `msgpack:"auth"`
}

// RPCRequestFrame is a client-to-server procedure call.
type RPCRequestFrame struct {
	Type   string         `msgpack:"type"`
	ID     any            `msgpack:"id"`
	Name   string         `msgpack:"name"`
	Args   []any          `msgpack:"args,omitempty"`
	Kwargs map[string]any `msgpack:"kwargs,omitempty"`
}

// RPCResponseFrame is a server-to-client reply, keyed to a request by ID.
// Exactly one of Result or Error is set once encoded; the zero value omits
// both so it can be built incrementally.
type RPCResponseFrame struct {
	ID     any `msgpack:"id"`
	Result any `msgpack:"result,omitempty"`
	Error  any `msgpack:"error,omitempty"`
}

// EventPayload is the args/kwargs body of an event frame.
type EventPayload struct {
	Args   []any          `msgpack:"args"`
	Kwargs map[string]any `msgpack:"kwargs"`
}

// EventFrame is a server-to-client out-of-band push.
type EventFrame struct {
	Type    string       `msgpack:"type"`
	Name    string       `msgpack:"name"`
	Payload EventPayload `msgpack:"payload"`
}

// BroadcastEnvelope is published on the shared pub/sub channel and consumed
// by every node's subscription goroutine, including the publisher's own.
type BroadcastEnvelope struct {
	TargetUsers []string     `msgpack:"target_users"`
	Type        string       `msgpack:"type"`
	Name        string       `msgpack:"name"`
	Payload     EventPayload `msgpack:"payload"`
}

// BroadcastChannel is the well-known pub/sub channel name for broadcast
// envelopes.
const BroadcastChannel = "ephaptic:broadcast"

// encode serializes v to msgpack bytes.
func encode(v any) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("ephaptic: encode: %w", err)
	}
	return b, nil
}

// decodeEnvelope performs the first, untyped decode pass: a MessagePack map
// decodes to map[string]any regardless of its frame kind. The Session then
// inspects envelope["type"] to choose a typed second-pass decode. This codec
// is total: it never rejects a well-formed msgpack map, and it does not look
// at "type" at all; an unknown or missing type is left to session dispatch.
func decodeEnvelope(raw []byte) (map[string]any, error) {
	var m map[string]any
	if err := msgpack.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("ephaptic: decode: %w", err)
	}
	return m, nil
}

// decodeTyped re-encodes an already-decoded envelope and unmarshals it into
// a typed frame struct. This two-pass approach avoids hand-rolling a second
// decoder for every frame kind: msgpack's generic map decode plus a second
// marshal/unmarshal round trip is cheap relative to one message per RPC call
// and keeps each frame type declarative (struct tags only).
func decodeTyped[T any](envelope map[string]any) (T, error) {
	var zero T
	b, err := msgpack.Marshal(envelope)
	if err != nil {
		return zero, fmt.Errorf("ephaptic: re-encode envelope: %w", err)
	}
	var typed T
	if err := msgpack.Unmarshal(b, &typed); err != nil {
		return zero, fmt.Errorf("ephaptic: decode typed frame: %w", err)
	}
	return typed, nil
}

func frameType(envelope map[string]any) (string, bool) {
	t, ok := envelope["type"].(string)
	return t, ok
}
