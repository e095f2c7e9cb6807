// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ephaptic

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

// fakeTransport is a minimal in-memory Transport for exercising
// ConnectionManager without a real pipe or socket.
type fakeTransport struct {
	addr string
	sent chan []byte
}

func newFakeTransport(addr string) *fakeTransport {
	return &fakeTransport{addr: addr, sent: make(chan []byte, 8)}
}

func (f *fakeTransport) Send(frame []byte) error {
	f.sent <- frame
	return nil
}
func (f *fakeTransport) Receive() ([]byte, error) { return nil, ErrConnectionClosed }
func (f *fakeTransport) RemoteAddr() string       { return f.addr }
func (f *fakeTransport) Close() error             { return nil }

// TestConnectionManagerAtMostOnceMembership: adding the same transport
// twice for the same user does not create duplicate delivery.
func TestConnectionManagerAtMostOnceMembership(t *testing.T) {
	m := NewConnectionManager(slog.Default())
	tr := newFakeTransport("a")
	m.Add("user123", tr)
	m.Add("user123", tr)

	if err := m.Broadcast(context.Background(), []string{"user123"}, "Ping", []any{}, nil); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	select {
	case <-tr.sent:
	case <-time.After(time.Second):
		t.Fatal("expected one delivery")
	}
	select {
	case <-tr.sent:
		t.Fatal("expected exactly one delivery, got a second")
	case <-time.After(100 * time.Millisecond):
	}
}

// TestConnectionManagerRemovePrunes: removing the last
// transport for a user removes the user's entry so a later broadcast to that
// user delivers to nobody (and does not panic on a missing map entry).
func TestConnectionManagerRemovePrunes(t *testing.T) {
	m := NewConnectionManager(slog.Default())
	tr := newFakeTransport("a")
	m.Add("user123", tr)
	m.Remove("user123", tr)

	if err := m.Broadcast(context.Background(), []string{"user123"}, "Ping", []any{}, nil); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	select {
	case <-tr.sent:
		t.Fatal("expected no delivery after Remove")
	case <-time.After(100 * time.Millisecond):
	}
}

// TestConnectionManagerFanoutMultipleUsers: a broadcast
// addressed to several users reaches every live transport of each of them,
// and a user with no connections is silently skipped.
func TestConnectionManagerFanoutMultipleUsers(t *testing.T) {
	m := NewConnectionManager(slog.Default())
	a1 := newFakeTransport("a1")
	a2 := newFakeTransport("a2")
	b1 := newFakeTransport("b1")
	m.Add("alice", a1)
	m.Add("alice", a2)
	m.Add("bob", b1)

	if err := m.Broadcast(context.Background(), []string{"alice", "carol"}, "Ping", []any{}, nil); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	for _, tr := range []*fakeTransport{a1, a2} {
		select {
		case <-tr.sent:
		case <-time.After(time.Second):
			t.Fatalf("transport %s: expected delivery", tr.addr)
		}
	}
	select {
	case <-b1.sent:
		t.Fatal("bob should not receive alice's broadcast")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnectionManagerRemoveUnknownIsNoop(t *testing.T) {
	m := NewConnectionManager(slog.Default())
	tr := newFakeTransport("a")
	m.Remove("nobody", tr)
	m.Remove("", tr)
}

func TestConnectionManagerAddAnonymousIsNoop(t *testing.T) {
	m := NewConnectionManager(slog.Default())
	tr := newFakeTransport("a")
	m.Add("", tr)
	if err := m.Broadcast(context.Background(), []string{""}, "Ping", []any{}, nil); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	select {
	case <-tr.sent:
		t.Fatal("anonymous Add must not register a deliverable transport")
	case <-time.After(100 * time.Millisecond):
	}
}
