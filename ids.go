// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ephaptic

import "github.com/google/uuid"

// newSessionID generates an opaque per-connection identifier used only for
// diagnostic correlation (log lines, future metrics labels); it never
// appears on the wire.
func newSessionID() string {
	return uuid.NewString()
}
