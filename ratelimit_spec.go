// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ephaptic

import (
	"fmt"
	"regexp"
	"strconv"
)

// RateLimitSpec is a parsed "<count>/<period>" or "<count> per <period>"
// rate-limit declaration.
type RateLimitSpec struct {
	MaxRequests int
	Window      int // seconds
}

var rateLimitPattern = regexp.MustCompile(`^\s*(\d+)\s*(?:/|per)\s*(\d*)\s*([smhd])\s*$`)

var unitSeconds = map[byte]int{
	's': 1,
	'm': 60,
	'h': 3600,
	'd': 86400,
}

// ParseRateLimit parses a rate-limit string of the form "<count>/<period>"
// or "<count> per <period>", where period is an optional multiplier
// followed by a unit letter (s, m, h, d). A parse failure is a
// configuration error returned at registration time, never at call time.
func ParseRateLimit(spec string) (RateLimitSpec, error) {
	m := rateLimitPattern.FindStringSubmatch(spec)
	if m == nil {
		return RateLimitSpec{}, fmt.Errorf("ephaptic: invalid rate limit spec %q", spec)
	}
	count, err := strconv.Atoi(m[1])
	if err != nil || count <= 0 {
		return RateLimitSpec{}, fmt.Errorf("ephaptic: invalid rate limit count in %q", spec)
	}
	n := 1
	if m[2] != "" {
		n, err = strconv.Atoi(m[2])
		if err != nil || n <= 0 {
			return RateLimitSpec{}, fmt.Errorf("ephaptic: invalid rate limit period in %q", spec)
		}
	}
	mult, ok := unitSeconds[m[3][0]]
	if !ok {
		return RateLimitSpec{}, fmt.Errorf("ephaptic: invalid rate limit unit in %q", spec)
	}
	return RateLimitSpec{MaxRequests: count, Window: n * mult}, nil
}
