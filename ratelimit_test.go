// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ephaptic

import (
	"context"
	"errors"
	"testing"
	"time"
)

// TestLocalLimiterMonotonicity: within one window, the (N+1)-th call from
// the same identity always yields a RateLimitError.
func TestLocalLimiterMonotonicity(t *testing.T) {
	l := NewLocalLimiter()
	fixed := time.Unix(1_000_000, 0)
	l.now = func() time.Time { return fixed }

	spec := RateLimitSpec{MaxRequests: 1, Window: 60}
	ctx := context.Background()

	if err := l.Check(ctx, "spam_me", "u:user123", spec); err != nil {
		t.Fatalf("first call: unexpected error %v", err)
	}
	err := l.Check(ctx, "spam_me", "u:user123", spec)
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("second call: err = %v, want *RateLimitError", err)
	}
	if rle.RetryAfter < 1 || rle.RetryAfter > 60 {
		t.Errorf("RetryAfter = %d, want in [1,60]", rle.RetryAfter)
	}
}

func TestLocalLimiterDifferentIdentitiesIndependent(t *testing.T) {
	l := NewLocalLimiter()
	spec := RateLimitSpec{MaxRequests: 1, Window: 60}
	ctx := context.Background()

	if err := l.Check(ctx, "spam_me", "u:alice", spec); err != nil {
		t.Fatalf("alice: %v", err)
	}
	if err := l.Check(ctx, "spam_me", "u:bob", spec); err != nil {
		t.Fatalf("bob should not be limited by alice's count: %v", err)
	}
}

func TestLocalLimiterNewWindowResets(t *testing.T) {
	l := NewLocalLimiter()
	spec := RateLimitSpec{MaxRequests: 1, Window: 60}
	ctx := context.Background()
	t0 := time.Unix(0, 0)
	l.now = func() time.Time { return t0 }

	if err := l.Check(ctx, "spam_me", "u:user123", spec); err != nil {
		t.Fatalf("window 0: %v", err)
	}
	l.now = func() time.Time { return t0.Add(61 * time.Second) }
	if err := l.Check(ctx, "spam_me", "u:user123", spec); err != nil {
		t.Fatalf("next window should reset the counter: %v", err)
	}
}

func TestIdentityKeyPrecedence(t *testing.T) {
	if got := identityKey("user123", "1.2.3.4"); got != "u:user123" {
		t.Errorf("identityKey(uid,ip) = %q, want u:user123", got)
	}
	if got := identityKey("", "1.2.3.4"); got != "ip:1.2.3.4" {
		t.Errorf("identityKey(\"\",ip) = %q, want ip:1.2.3.4", got)
	}
	if got := identityKey("", ""); got != "anonymous" {
		t.Errorf("identityKey(\"\",\"\") = %q, want anonymous", got)
	}
}
