// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ephaptic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/semaphore"
)

// Session owns one transport's entire connection lifetime: handshake,
// decode, rate-check, validate, invoke, encode, reply. It is
// created on transport accept and destroyed when the transport signals
// ErrConnectionClosed or the receive loop otherwise terminates.
type Session struct {
	id        string
	transport Transport
	server    *Server

	currentUID string
}

// newSession binds t to srv's frozen registry and connection manager.
func newSession(srv *Server, t Transport) *Session {
	return &Session{id: newSessionID(), transport: t, server: srv}
}

// Serve runs the session's state machine to completion: AWAIT_INIT, then a
// receive loop dispatching rpc frames until the transport closes or ctx is
// canceled. It always returns after running connection-manager cleanup, and
// never panics out to the caller.
func (s *Session) Serve(ctx context.Context) {
	defer s.cleanup()

	// Receive has no context parameter; closing the transport is how
	// cancellation (server shutdown) unblocks the receive loop.
	stop := context.AfterFunc(ctx, func() { _ = s.transport.Close() })
	defer stop()

	if err := s.awaitInit(ctx); err != nil {
		if !errors.Is(err, ErrConnectionClosed) {
			s.server.logger().Warn("ephaptic: session ended during handshake",
				slog.String("session_id", s.id), attrRemoteAddr(s.transport.RemoteAddr()), slog.Any("err", err))
		}
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		raw, err := s.transport.Receive()
		if err != nil {
			if !errors.Is(err, ErrConnectionClosed) {
				s.server.logger().Warn("ephaptic: session receive error",
					attrRemoteAddr(s.transport.RemoteAddr()), slog.Any("err", err))
			}
			return
		}

		envelope, err := decodeEnvelope(raw)
		if err != nil {
			s.server.logger().Warn("ephaptic: malformed frame", slog.Any("err", err))
			continue
		}
		kind, _ := frameType(envelope)
		if kind != frameRPC {
			continue
		}

		req, err := decodeTyped[RPCRequestFrame](envelope)
		if err != nil {
			s.server.logger().Warn("ephaptic: malformed rpc frame", slog.Any("err", err))
			continue
		}

		// Each invocation is dispatched as its own goroutine against the
		// bounded worker pool: the receive loop never waits on a handler,
		// so one slow call cannot stall unrelated calls pipelined on the
		// same connection.
		go s.dispatch(ctx, req)
	}
}

// awaitInit blocks for the mandatory first frame and resolves identity.
func (s *Session) awaitInit(ctx context.Context) error {
	raw, err := s.transport.Receive()
	if err != nil {
		return err
	}
	envelope, err := decodeEnvelope(raw)
	if err != nil {
		return fmt.Errorf("ephaptic: malformed init frame: %w", err)
	}
	kind, _ := frameType(envelope)
	if kind != frameInit {
		return fmt.Errorf("ephaptic: expected init frame, got %q", kind)
	}
	init, err := decodeTyped[InitFrame](envelope)
	if err != nil {
		return fmt.Errorf("ephaptic: decode init frame: %w", err)
	}

	loader := s.server.registry.identity
	if loader == nil {
		return nil
	}

	// The identity loader always runs on the worker pool: the runtime
	// treats it as potentially blocking, matching how procedure
	// invocations never run directly on the receive goroutine.
	uid, err := s.callOnWorker(ctx, func(ctx context.Context) (string, error) {
		return loader(ctx, init.Auth)
	})
	if err != nil {
		// Identity-loader errors are logged and treated as anonymous; they
		// never terminate the session.
		s.server.logger().Warn("ephaptic: identity loader failed, continuing anonymously",
			attrRemoteAddr(s.transport.RemoteAddr()), slog.Any("err", err))
		return nil
	}
	if uid != "" {
		s.currentUID = uid
		s.server.connManager.Add(uid, s.transport)
	}
	return nil
}

// callOnWorker runs fn under the server's bounded worker pool semaphore.
func (s *Session) callOnWorker(ctx context.Context, fn func(context.Context) (string, error)) (string, error) {
	sem := s.server.workerSem
	if err := sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer sem.Release(1)
	return fn(ctx)
}

// dispatch runs the per-request pipeline: lookup, rate-limit,
// bind+validate, invoke, return-validate, reply. Every exit path sends
// exactly one reply frame keyed by req.ID.
func (s *Session) dispatch(ctx context.Context, req RPCRequestFrame) {
	defer func() {
		if r := recover(); r != nil {
			s.reply(req.ID, nil, fmt.Errorf("ephaptic: panic in handler: %v", r))
		}
	}()

	entry, ok := s.server.registry.lookup(req.Name)
	if !ok {
		s.reply(req.ID, nil, &NotFoundError{Name: req.Name})
		return
	}

	if entry.requiresLogin && s.currentUID == "" {
		s.reply(req.ID, nil, ErrUnauthorized)
		return
	}

	if entry.rateLimit != nil {
		identity := identityKey(s.currentUID, s.transport.RemoteAddr())
		if err := s.server.rateLimiter.Check(ctx, entry.name, identity, *entry.rateLimit); err != nil {
			s.reply(req.ID, nil, err)
			return
		}
	}

	bound, err := bindArgs(entry, req.Args, req.Kwargs)
	if err != nil {
		s.reply(req.ID, nil, err)
		return
	}

	callCtx := ctx
	cancel := func() {}
	if s.server.callTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, s.server.callTimeout)
	}
	defer cancel()

	callCtx = WithCtx(callCtx, &Ctx{Scope: ScopeRPC, ActiveUser: s.currentUID, transport: s.transport})

	if err := s.server.workerSem.Acquire(callCtx, 1); err != nil {
		s.reply(req.ID, nil, fmt.Errorf("ephaptic: call timed out before running"))
		return
	}
	result, err := func() (result any, err error) {
		defer s.server.workerSem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("ephaptic: panic in handler: %v", r)
			}
		}()
		return entry.invoke(callCtx, bound)
	}()
	if err != nil {
		s.reply(req.ID, nil, err)
		return
	}

	if entry.hasOutType {
		coerced, verr := coerceReturn(result, entry.outType)
		if verr != nil {
			s.server.logger().Error("ephaptic: return validation failed",
				slog.String("proc", entry.name), slog.Any("err", verr))
			s.reply(req.ID, nil, &ReturnValidationError{Underlying: verr})
			return
		}
		result = coerced
	}

	s.reply(req.ID, result, nil)
}

// reply encodes and sends exactly one {id, result} or {id, error} frame.
// Send failures are swallowed: the transport is already gone or going away,
// and the receive loop (not this goroutine) is responsible for noticing
// that and tearing the session down.
func (s *Session) reply(id any, result any, err error) {
	frame := RPCResponseFrame{ID: id}
	if err != nil {
		frame.Error = wireErrorOf(err)
	} else {
		frame.Result = result
	}
	b, encErr := encode(frame)
	if encErr != nil {
		s.server.logger().Error("ephaptic: encode reply", slog.Any("err", encErr))
		return
	}
	_ = s.transport.Send(b)
}

// Emit sends an out-of-band event frame directly on ctx's active
// transport. event's exported fields (honoring `ephaptic:"..."`
// tags) become the frame's kwargs, and its Go type name becomes the wire
// event name, the same derivation Target.Emit uses for cross-session
// broadcast. Emit returns ErrNoActiveTransport if ctx carries no
// active transport, i.e. it was not called from inside an RPC handler.
func Emit(ctx context.Context, event any) error {
	t := activeTransport(ctx)
	if t == nil {
		return ErrNoActiveTransport
	}
	name, kwargs := eventFields(event)
	frame := EventFrame{
		Type:    frameEvent,
		Name:    name,
		Payload: EventPayload{Args: []any{}, Kwargs: kwargs},
	}
	b, err := encode(frame)
	if err != nil {
		return err
	}
	return t.Send(b)
}

// cleanup removes this session's transport from the connection manager, if
// it ever authenticated, and closes the transport. Always runs via Serve's
// defer, regardless of how the receive loop exited.
func (s *Session) cleanup() {
	if s.currentUID != "" {
		s.server.connManager.Remove(s.currentUID, s.transport)
	}
	_ = s.transport.Close()
}

// workerSemaphore constructs the bounded worker pool shared by all sessions
// on a server, sized by the WithMaxConcurrentCalls option (256 when unset
// or not positive).
func workerSemaphore(n int64) *semaphore.Weighted {
	if n <= 0 {
		n = 256
	}
	return semaphore.NewWeighted(n)
}
