// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command ephapticd is a small demo host binary wiring ephaptic.FromApp to
// a net/http server, exposing a couple of example procedures and events for
// manual smoke testing. It is not a production server template.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/ephaptic/ephaptic"
	"github.com/gorilla/mux"
)

type addIn struct {
	A int `ephaptic:"a"`
	B int `ephaptic:"b"`
}

type spamIn struct {
	Message string `ephaptic:"message" default:"ping"`
}

type pokeEvent struct {
	Message string `ephaptic:"message"`
}

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	redisURL := flag.String("redis", "", "redis URL for cross-node broadcast and rate limiting")
	flag.Parse()

	ephaptic.MustExpose(ephaptic.DefaultRegistry, "echo", func(ctx context.Context, in struct {
		Message string `ephaptic:"message"`
	}) (string, error) {
		return in.Message, nil
	})

	ephaptic.MustExpose(ephaptic.DefaultRegistry, "add", func(ctx context.Context, in addIn) (int, error) {
		return in.A + in.B, nil
	})

	ephaptic.MustExpose(ephaptic.DefaultRegistry, "spam_me", func(ctx context.Context, in spamIn) (string, error) {
		if ephaptic.IsRPC(ctx) {
			_ = ephaptic.Emit(ctx, pokeEvent{Message: "received: " + in.Message})
		}
		return "ok", nil
	}, ephaptic.WithRateLimit("1/m"))

	if err := ephaptic.Event[pokeEvent](ephaptic.DefaultRegistry, "pokeEvent"); err != nil {
		slog.Error("ephaptic: register event", slog.Any("err", err))
		os.Exit(1)
	}

	if err := ephaptic.DefaultRegistry.IdentityLoader(func(ctx context.Context, auth any) (string, error) {
		s, _ := auth.(string)
		return s, nil
	}); err != nil {
		slog.Error("ephaptic: register identity loader", slog.Any("err", err))
		os.Exit(1)
	}

	router := mux.NewRouter()
	var opts []ephaptic.Option
	if *redisURL != "" {
		opts = append(opts, ephaptic.WithRedisURL(*redisURL))
	}
	srv, err := ephaptic.FromApp(router, opts...)
	if err != nil {
		slog.Error("ephaptic: FromApp", slog.Any("err", err))
		os.Exit(1)
	}

	// The same "add" procedure, reachable as a plain HTTP endpoint through
	// the shared registry's metadata (auth, rate limits).
	router.HandleFunc("/add", srv.HandleHTTP("add", ephaptic.JSONHandler(
		func(ctx context.Context, in addIn) (int, error) {
			return in.A + in.B, nil
		})))

	fmt.Printf("ephapticd listening on %s (mount %s)\n", *addr, ephaptic.DefaultMountPath)
	if err := http.ListenAndServe(*addr, router); err != nil {
		slog.Error("ephapticd: serve", slog.Any("err", err))
		os.Exit(1)
	}
}
