// Package api provides the HTTP server of ScriptPipe.
//
// It receives WhatsApp webhooks, dispatches conversational events to the
// flow engine, records delivery receipts and exposes endpoints to inspect users,
// their conversation history and receipts, and to reposition a user. Events from transports
// that do not use the webhook are pumped through the same path.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/BTreeMap/ScriptPipe/internal/flow"
	"github.com/BTreeMap/ScriptPipe/internal/messaging"
	"github.com/BTreeMap/ScriptPipe/internal/models"
	"github.com/BTreeMap/ScriptPipe/internal/store"
)

// Default server configuration.
const (
	DefaultAddr            = ":8080"
	DefaultDispatchTimeout = 60 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	// MaxWebhookBody bounds the size of an inbound webhook payload.
	MaxWebhookBody = 1 << 20
	// RequestIDHeader carries the request id set by the middleware.
	RequestIDHeader = "X-Request-ID"
)

// Dispatcher runs one conversational event against the flow engine.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev models.Event) (flow.Result, error)
}

// Repositioner moves a known user to a registered step.
type Repositioner interface {
	Reposition(ctx context.Context, externalID, step string) error
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr            string
	VerifyToken     string // webhook verification token
	AppSecret       string // app secret for X-Hub-Signature-256; empty disables the check
	DispatchTimeout time.Duration
	ReadMarker      messaging.ReadMarker
	TwilioWebhook   http.HandlerFunc
	Repositioner    Repositioner
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithVerifyToken sets the token expected by the webhook verification handshake.
func WithVerifyToken(token string) Option {
	return func(o *Opts) { o.VerifyToken = token }
}

// WithAppSecret enables payload signature checks with secret.
func WithAppSecret(secret string) Option {
	return func(o *Opts) { o.AppSecret = secret }
}

// WithDispatchTimeout bounds one webhook dispatch.
func WithDispatchTimeout(d time.Duration) Option {
	return func(o *Opts) { o.DispatchTimeout = d }
}

// WithReadMarker marks dispatched messages read through m.
func WithReadMarker(m messaging.ReadMarker) Option {
	return func(o *Opts) { o.ReadMarker = m }
}

// WithTwilioWebhook mounts the Twilio inbound webhook at POST /twilio/webhook.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) { o.TwilioWebhook = h }
}

// WithRepositioner mounts POST /users/{id}/step, which moves a user through r.
func WithRepositioner(r Repositioner) Option {
	return func(o *Opts) { o.Repositioner = r }
}

// Server is the HTTP front of the engine.
type Server struct {
	st         store.Store
	dispatcher Dispatcher
	opts       Opts
	handler    http.Handler
	inflight   singleflight.Group
}

// NewServer creates a Server over st dispatching through d.
func NewServer(st store.Store, d Dispatcher, opts ...Option) (*Server, error) {
	if st == nil {
		return nil, errors.New("api: store is required")
	}
	if d == nil {
		return nil, errors.New("api: dispatcher is required")
	}
	cfg := Opts{Addr: DefaultAddr, DispatchTimeout: DefaultDispatchTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.VerifyToken == "" {
		slog.Warn("NewServer: no webhook verify token configured, verification requests will be refused")
	}
	if cfg.AppSecret == "" {
		slog.Warn("NewServer: no app secret configured, webhook signatures are not checked")
	}
	s := &Server{st: st, dispatcher: d, opts: cfg}
	s.handler = requestID(s.routes())
	return s, nil
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /webhook", s.verifyHandler)
	mux.HandleFunc("POST /webhook", s.webhookHandler)
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /users", s.listUsersHandler)
	mux.HandleFunc("GET /users/{id}", s.userHandler)
	mux.HandleFunc("GET /users/{id}/history", s.historyHandler)
	mux.HandleFunc("GET /receipts", s.receiptsHandler)
	if s.opts.Repositioner != nil {
		mux.HandleFunc("POST /users/{id}/step", s.repositionHandler)
	}
	if s.opts.TwilioWebhook != nil {
		mux.HandleFunc("POST /twilio/webhook", s.opts.TwilioWebhook)
	}
	return mux
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	return nil
}

type requestIDKey struct{}

// requestID tags every request with an X-Request-ID, reusing the caller's.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		slog.Debug("Server.requestID: request", "request_id", id, "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFrom returns the request id stored in ctx, if any.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
