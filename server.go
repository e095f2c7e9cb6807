// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ephaptic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"
)

// DefaultMountPath is the HTTP path the WebSocket transport is mounted at
// when no WithMountPath option is given.
const DefaultMountPath = "/_ephaptic"

// Server binds a frozen Registry to an HTTP mux, accepting WebSocket
// upgrades at its mount path and dispatching each accepted connection to
// its own Session.
type Server struct {
	registry    *Registry
	connManager *ConnectionManager
	rateLimiter RateLimiter
	workerSem   *semaphore.Weighted
	callTimeout time.Duration
	mountPath   string
	log         *slog.Logger
	upgrader    websocket.Upgrader
}

// Option configures a Server at FromApp/Connect time.
type Option func(*serverConfig)

type serverConfig struct {
	mountPath          string
	redisURL           string
	maxConcurrentCalls int64
	callTimeout        time.Duration
	logger             *slog.Logger
}

// WithMountPath overrides DefaultMountPath.
func WithMountPath(path string) Option {
	return func(c *serverConfig) { c.mountPath = path }
}

// WithRedisURL switches broadcast fan-out and the rate limiter's counter
// store from local-only to cluster-wide, pointing both at the same Redis
// instance.
func WithRedisURL(url string) Option {
	return func(c *serverConfig) { c.redisURL = url }
}

// WithMaxConcurrentCalls bounds the worker pool shared by every session on
// this server for handler invocation and identity-loader calls. Rate-limiter
// checks run outside the pool.
func WithMaxConcurrentCalls(n int) Option {
	return func(c *serverConfig) { c.maxConcurrentCalls = int64(n) }
}

// WithCallTimeout wraps every handler invocation's context with
// context.WithTimeout. Zero (the default) means no per-call timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(c *serverConfig) { c.callTimeout = d }
}

// WithLogger overrides the server's structured logger, defaulting to
// slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *serverConfig) { c.logger = l }
}

// FromApp snapshots DefaultRegistry into a new, frozen instance registry,
// mounts the WebSocket transport on router at the configured path (default
// DefaultMountPath), and returns the bound Server. Subsequent
// DefaultRegistry mutations do not affect the returned Server.
func FromApp(router *mux.Router, opts ...Option) (*Server, error) {
	return bind(DefaultRegistry, router, opts...)
}

// Connect is like FromApp but binds an explicitly constructed Registry
// instead of snapshotting the package-level DefaultRegistry, for callers
// who prefer to build their registry as a local value.
func Connect(registry *Registry, router *mux.Router, opts ...Option) (*Server, error) {
	return bind(registry, router, opts...)
}

func bind(registry *Registry, router *mux.Router, opts ...Option) (*Server, error) {
	cfg := serverConfig{
		mountPath:          DefaultMountPath,
		maxConcurrentCalls: 256,
		logger:             slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	// Freeze the snapshot, not the source: the bound instance rejects late
	// registration, while the source registry stays open to back further
	// Connect/FromApp calls.
	snap := registry.snapshot()
	snap.freeze()

	connMgr := NewConnectionManager(cfg.logger)
	var limiter RateLimiter = NewLocalLimiter()
	if cfg.redisURL != "" {
		redisOpt, err := redis.ParseURL(cfg.redisURL)
		if err != nil {
			return nil, fmt.Errorf("ephaptic: parse redis url: %w", err)
		}
		client := redis.NewClient(redisOpt)
		connMgr.SetRedis(client)
		// Subscribe immediately: a node must receive peers' broadcast
		// envelopes even if it never publishes one itself.
		connMgr.StartSubscription()
		limiter = NewRedisLimiter(client)
	}

	srv := &Server{
		registry:    snap,
		connManager: connMgr,
		rateLimiter: limiter,
		workerSem:   workerSemaphore(cfg.maxConcurrentCalls),
		callTimeout: cfg.callTimeout,
		mountPath:   cfg.mountPath,
		log:         cfg.logger,
		upgrader:    websocket.Upgrader{},
	}

	if router != nil {
		router.HandleFunc(srv.mountPath, srv.handleUpgrade)
	}
	return srv, nil
}

func (srv *Server) logger() *slog.Logger { return srv.log }

// handleUpgrade upgrades an incoming HTTP request to a WebSocket connection
// and hands it off to a new Session, which runs for the connection's
// lifetime on its own goroutine.
func (srv *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.log.Warn("ephaptic: websocket upgrade failed", slog.Any("err", err))
		return
	}
	t := NewWebsocketTransport(conn)
	sess := newSession(srv, t)
	// net/http cancels r.Context() as soon as this handler returns, which
	// would tear the session down immediately; the session's lifetime is the
	// connection's, bounded by the transport closing, not by the upgrade
	// request.
	go sess.Serve(context.Background())
}

// ServeTransport runs a Session directly over an already-constructed
// Transport (e.g. a PipeTransport in tests, or any non-HTTP-originated
// channel), blocking until the session ends.
func (srv *Server) ServeTransport(ctx context.Context, t Transport) {
	newSession(srv, t).Serve(ctx)
}

// Registry returns the server's frozen instance registry, e.g. for tests
// that check which procedures a bound server sees.
func (srv *Server) Registry() *Registry { return srv.registry }

// HandleHTTP wraps fn as an http.HandlerFunc that resolves identity via the
// registry's HTTP identity loader, establishes scope=ScopeHTTP ambient
// context, and enforces requiresLogin/rate-limit metadata exactly as the
// RPC path does, reusing the same procedure registry for a plain HTTP
// route.
func (srv *Server) HandleHTTP(procName string, fn http.HandlerFunc) http.HandlerFunc {
	entry, ok := srv.registry.lookup(procName)
	return func(w http.ResponseWriter, r *http.Request) {
		var uid string
		if srv.registry.httpAuth != nil {
			u, err := srv.registry.httpAuth(r)
			if err != nil {
				srv.log.Warn("ephaptic: http identity loader failed, continuing anonymously", slog.Any("err", err))
			} else {
				uid = u
			}
		}

		if ok && entry.requiresLogin && uid == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		if ok && entry.rateLimit != nil {
			identity := identityKey(uid, r.RemoteAddr)
			if err := srv.rateLimiter.Check(r.Context(), entry.name, identity, *entry.rateLimit); err != nil {
				var rle *RateLimitError
				if asRateLimitError(err, &rle) {
					w.Header().Set("X-Retry-After", fmt.Sprintf("%d", rle.RetryAfter))
				}
				http.Error(w, err.Error(), http.StatusTooManyRequests)
				return
			}
		}

		ctx := WithCtx(r.Context(), &Ctx{Scope: ScopeHTTP, ActiveUser: uid})
		fn(w, r.WithContext(ctx))
	}
}

func asRateLimitError(err error, target **RateLimitError) bool {
	if rle, ok := err.(*RateLimitError); ok {
		*target = rle
		return true
	}
	return false
}

// JSONHandler adapts a typed Handler[In, Out] (the same function shape
// Expose registers for RPC) into a plain HTTP JSON handler: it decodes the
// request body as JSON into In, invokes fn, and writes Out back as JSON.
// This lets an application reuse one procedure implementation on both the
// RPC and HTTP paths.
func JSONHandler[In, Out any](fn Handler[In, Out]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in In
		if r.Body != nil {
			defer r.Body.Close()
			if err := json.NewDecoder(r.Body).Decode(&in); err != nil && !errors.Is(err, io.EOF) {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		out, err := fn(r.Context(), in)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}
}
