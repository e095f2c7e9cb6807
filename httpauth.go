// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ephaptic

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// JWTHTTPIdentityLoader returns an HTTPIdentityLoaderFunc that reads a
// `Bearer` Authorization header, verifies it as a JWT signed with key, and
// returns the "sub" claim as the user ID. This is a reference
// implementation for the HTTP identity bridge; applications with
// different token formats provide their own HTTPIdentityLoaderFunc.
func JWTHTTPIdentityLoader(key []byte) HTTPIdentityLoaderFunc {
	return func(r *http.Request) (string, error) {
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			return "", fmt.Errorf("ephaptic: missing bearer token")
		}
		raw := strings.TrimPrefix(header, prefix)

		token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("ephaptic: unexpected signing method %v", t.Header["alg"])
			}
			return key, nil
		})
		if err != nil {
			return "", fmt.Errorf("ephaptic: parse bearer token: %w", err)
		}
		if !token.Valid {
			return "", fmt.Errorf("ephaptic: invalid bearer token")
		}

		sub, err := token.Claims.GetSubject()
		if err != nil || sub == "" {
			return "", fmt.Errorf("ephaptic: bearer token has no subject claim")
		}
		return sub, nil
	}
}
