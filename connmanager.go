// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ephaptic

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// fanoutWorkers bounds the number of goroutines concurrently delivering
// one broadcast, so a broadcast to many locally connected users cannot
// spawn an unbounded number of goroutines.
const fanoutWorkers = 64

// ConnectionManager maps user_id -> set of live Transports on this node and
// owns the optional pub/sub subscription that fans broadcast envelopes out
// to local transports.
type ConnectionManager struct {
	mu     sync.RWMutex
	active map[string]map[Transport]struct{}

	redis    *redis.Client
	subOnce  sync.Once
	logger   *slog.Logger
	workSem  chan struct{}
	subCtx   context.Context
	subClose context.CancelFunc
}

// NewConnectionManager returns a ConnectionManager with no pub/sub client;
// Broadcast delivers locally only until SetRedis is called.
func NewConnectionManager(logger *slog.Logger) *ConnectionManager {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ConnectionManager{
		active:   make(map[string]map[Transport]struct{}),
		logger:   logger,
		workSem:  make(chan struct{}, fanoutWorkers),
		subCtx:   ctx,
		subClose: cancel,
	}
}

// SetRedis installs the shared pub/sub client used for cross-node broadcast
// fan-out and the rate limiter's external store. It does not itself start
// the subscription goroutine; that happens lazily, once, on the first
// Broadcast or explicit StartSubscription call.
func (m *ConnectionManager) SetRedis(client *redis.Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.redis = client
}

// Add registers transport under userID. A transport appears at most once
// per user regardless of how many times it is added.
func (m *ConnectionManager) Add(userID string, t Transport) {
	if userID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.active[userID]
	if !ok {
		set = make(map[Transport]struct{})
		m.active[userID] = set
	}
	set[t] = struct{}{}
}

// Remove deregisters the exact transport instance for userID, pruning the
// user's entry entirely once empty.
func (m *ConnectionManager) Remove(userID string, t Transport) {
	if userID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.active[userID]
	if !ok {
		return
	}
	delete(set, t)
	if len(set) == 0 {
		delete(m.active, userID)
	}
}

// Broadcast delivers an event to every live transport belonging to each of
// userIDs. With a pub/sub client configured it publishes a single envelope
// and relies on every node's subscription goroutine (including this node's
// own) to perform the actual local delivery; otherwise it fans out directly
// in-process.
func (m *ConnectionManager) Broadcast(ctx context.Context, userIDs []string, eventName string, args []any, kwargs map[string]any) error {
	m.mu.RLock()
	client := m.redis
	m.mu.RUnlock()

	payload := EventPayload{Args: args, Kwargs: kwargs}

	if client != nil {
		m.ensureSubscription(client)
		env := BroadcastEnvelope{
			TargetUsers: userIDs,
			Type:        frameEvent,
			Name:        eventName,
			Payload:     payload,
		}
		b, err := encode(env)
		if err != nil {
			return err
		}
		if err := client.Publish(ctx, BroadcastChannel, b).Err(); err != nil {
			return fmt.Errorf("ephaptic: publish broadcast: %w", err)
		}
		return nil
	}

	frame := EventFrame{Type: frameEvent, Name: eventName, Payload: payload}
	b, err := encode(frame)
	if err != nil {
		return err
	}
	m.localSend(userIDs, b)
	return nil
}

// localSend schedules a bounded-concurrency safeSend to every transport
// registered for each of userIDs.
func (m *ConnectionManager) localSend(userIDs []string, frame []byte) {
	m.mu.RLock()
	var targets []Transport
	for _, uid := range userIDs {
		for t := range m.active[uid] {
			targets = append(targets, t)
		}
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, t := range targets {
		t := t
		wg.Add(1)
		m.workSem <- struct{}{}
		go func() {
			defer func() {
				<-m.workSem
				wg.Done()
			}()
			m.safeSend(t, frame)
		}()
	}
	wg.Wait()
}

// safeSend delivers frame to t, swallowing both transport errors and panics:
// a failing or misbehaving peer must never affect other recipients of the
// same broadcast. It does not remove t from active; that is the owning
// session's responsibility on receive-loop termination.
func (m *ConnectionManager) safeSend(t Transport, frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("ephaptic: panic in broadcast send", slog.Any("recover", r))
		}
	}()
	if err := t.Send(frame); err != nil {
		m.logger.Debug("ephaptic: broadcast send failed", attrRemoteAddr(t.RemoteAddr()), slog.Any("err", err))
	}
}

// StartSubscription starts the broadcast subscription goroutine if a
// pub/sub client is configured. Called by the server at bind time so a node
// receives peers' envelopes even if it never publishes one itself; safe to
// call more than once.
func (m *ConnectionManager) StartSubscription() {
	m.mu.RLock()
	client := m.redis
	m.mu.RUnlock()
	if client != nil {
		m.ensureSubscription(client)
	}
}

// ensureSubscription starts, once per ConnectionManager, the goroutine that consumes
// broadcast envelopes from Redis and fans them to local transports. Every
// node subscribes to the same channel, including the one that published the
// envelope, so Broadcast never delivers locally itself when Redis is
// configured.
func (m *ConnectionManager) ensureSubscription(client *redis.Client) {
	m.subOnce.Do(func() {
		go m.subscriptionLoop(client)
	})
}

func (m *ConnectionManager) subscriptionLoop(client *redis.Client) {
	pubsub := client.Subscribe(m.subCtx, BroadcastChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-m.subCtx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env BroadcastEnvelope
			if err := msgpack.Unmarshal([]byte(msg.Payload), &env); err != nil {
				m.logger.Warn("ephaptic: malformed broadcast envelope", slog.Any("err", err))
				continue
			}
			// Strip target_users before delivery: clients receive the plain
			// event frame shape, not the internal envelope.
			frame, err := encode(EventFrame{Type: frameEvent, Name: env.Name, Payload: env.Payload})
			if err != nil {
				m.logger.Error("ephaptic: encode broadcast event", slog.Any("err", err))
				continue
			}
			m.localSend(env.TargetUsers, frame)
		}
	}
}

// Close stops the subscription goroutine, if one was started. Intended for
// tests and graceful server shutdown.
func (m *ConnectionManager) Close() {
	m.subClose()
}
