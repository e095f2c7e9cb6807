// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ephaptic

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/gorilla/websocket"
)

// Transport is a byte-framed, full-duplex channel. Frames are opaque
// to the transport; it neither inspects nor mutates their contents. Send
// must be safe for concurrent invocation by multiple goroutines (reply
// goroutines, Emit, and broadcast fan-out may all write at once), so any
// implementation whose underlying channel is not itself concurrency-safe
// must serialize writes internally.
type Transport interface {
	// Send writes one frame. It returns ErrConnectionClosed if the peer has
	// gone away.
	Send(frame []byte) error
	// Receive blocks until a whole frame arrives, returning
	// ErrConnectionClosed on peer close. Other transport failures are
	// returned as a different error; the session ends on either.
	Receive() ([]byte, error)
	// RemoteAddr returns the peer's address, or "" if unknown.
	RemoteAddr() string
	// Close closes the underlying channel. Calling Close concurrently with
	// Send/Receive is safe; those calls return ErrConnectionClosed.
	Close() error
}

// WebsocketTransport adapts a *websocket.Conn to Transport.
// gorilla/websocket documents that a Conn supports at most one concurrent
// reader and one concurrent writer; writeMu serializes writers.
type WebsocketTransport struct {
	conn       *websocket.Conn
	remoteAddr string

	writeMu sync.Mutex
}

// NewWebsocketTransport wraps an already-upgraded websocket connection.
func NewWebsocketTransport(conn *websocket.Conn) *WebsocketTransport {
	return &WebsocketTransport{
		conn:       conn,
		remoteAddr: conn.RemoteAddr().String(),
	}
}

func (t *WebsocketTransport) Send(frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		if isCloseErr(err) {
			return ErrConnectionClosed
		}
		return fmt.Errorf("ephaptic: websocket send: %w", err)
	}
	return nil
}

func (t *WebsocketTransport) Receive() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		if isCloseErr(err) {
			return nil, ErrConnectionClosed
		}
		return nil, fmt.Errorf("ephaptic: websocket receive: %w", err)
	}
	return data, nil
}

func (t *WebsocketTransport) RemoteAddr() string { return t.remoteAddr }

func (t *WebsocketTransport) Close() error {
	return t.conn.Close()
}

func isCloseErr(err error) bool {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure,
	) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return false
}

// PipeTransport is an in-memory Transport built on net.Pipe, used for tests
// and for wiring a Session without a real network listener.
type PipeTransport struct {
	conn    net.Conn
	addr    string
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewPipeTransportPair returns two PipeTransports connected to each other,
// suitable for driving one end as "the client" in a test.
func NewPipeTransportPair() (server, client *PipeTransport) {
	a, b := net.Pipe()
	return &PipeTransport{conn: a, addr: "pipe"}, &PipeTransport{conn: b, addr: "pipe"}
}

func (t *PipeTransport) Send(frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := writeFramed(t.conn, frame); err != nil {
		if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
			return ErrConnectionClosed
		}
		return err
	}
	return nil
}

func (t *PipeTransport) Receive() ([]byte, error) {
	frame, err := readFramed(t.conn)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
			return nil, ErrConnectionClosed
		}
		return nil, err
	}
	return frame, nil
}

func (t *PipeTransport) RemoteAddr() string { return t.addr }

func (t *PipeTransport) Close() error {
	t.closeOnce.Do(func() { t.closeErr = t.conn.Close() })
	return t.closeErr
}

// writeFramed/readFramed implement a trivial length-prefixed framing over a
// raw byte stream (4-byte big-endian length + payload), since net.Pipe has
// no message boundaries of its own, unlike a websocket connection.
func writeFramed(w io.Writer, frame []byte) error {
	var lenBuf [4]byte
	n := len(frame)
	lenBuf[0] = byte(n >> 24)
	lenBuf[1] = byte(n >> 16)
	lenBuf[2] = byte(n >> 8)
	lenBuf[3] = byte(n)
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(frame)
	return err
}

func readFramed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := int(lenBuf[0])<<24 | int(lenBuf[1])<<16 | int(lenBuf[2])<<8 | int(lenBuf[3])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
