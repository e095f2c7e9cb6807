// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ephaptic

import "log/slog"

// Structured logging throughout this package uses log/slog exclusively.
// There is no server-to-client log notification channel in this protocol,
// so the slog.Logger is purely a diagnostic sink the caller can configure
// via WithLogger; nothing about it is wire-visible.

// attrRemoteAddr is a small helper for the common (remote_addr, err)
// attribute pair logged around transport-level failures.
func attrRemoteAddr(addr string) slog.Attr {
	return slog.String("remote_addr", addr)
}
