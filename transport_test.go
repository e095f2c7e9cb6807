// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ephaptic

import (
	"errors"
	"testing"
	"time"
)

func TestPipeTransportRoundTrip(t *testing.T) {
	server, client := NewPipeTransportPair()
	defer server.Close()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		frame, err := server.Receive()
		if err != nil {
			t.Errorf("server.Receive: %v", err)
			return
		}
		if string(frame) != "hello" {
			t.Errorf("server got %q, want hello", frame)
		}
	}()

	if err := client.Send([]byte("hello")); err != nil {
		t.Fatalf("client.Send: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server to receive")
	}
}

func TestPipeTransportCloseUnblocksReceive(t *testing.T) {
	server, client := NewPipeTransportPair()
	defer client.Close()

	errc := make(chan error, 1)
	go func() {
		_, err := server.Receive()
		errc <- err
	}()

	if err := server.Close(); err != nil {
		t.Fatalf("server.Close: %v", err)
	}

	select {
	case err := <-errc:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("Receive err = %v, want ErrConnectionClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Receive to unblock")
	}
}

func TestPipeTransportSendAfterCloseFails(t *testing.T) {
	server, client := NewPipeTransportPair()
	defer client.Close()

	if err := server.Close(); err != nil {
		t.Fatalf("server.Close: %v", err)
	}
	if err := server.Send([]byte("x")); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Send after close = %v, want ErrConnectionClosed", err)
	}
}

func TestPipeTransportRemoteAddr(t *testing.T) {
	server, client := NewPipeTransportPair()
	defer server.Close()
	defer client.Close()
	if server.RemoteAddr() == "" {
		t.Error("RemoteAddr() is empty")
	}
}
