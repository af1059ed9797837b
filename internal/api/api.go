// Package api provides HTTP handlers and the main API server logic for the
// Maria agent.
//
// It exposes the widget-facing endpoints for session lifecycle, conversation
// events and document uploads. The API integrates with the session, verify,
// upload and conversation modules through a per-identifier engine map.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/maria-ai/maria-agent/internal/conversation"
	"github.com/maria-ai/maria-agent/internal/store"
)

// DefaultAddr is the listen address used when no override is given.
const DefaultAddr = ":8080"

// Opts holds configuration for the API server.
type Opts struct {
	// Addr is the listen address (e.g. ":8080").
	Addr string
	// TypingDelay is the auto-advance delay after a typing indicator.
	TypingDelay time.Duration
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr overrides the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithTypingDelay overrides the conversation auto-advance delay.
func WithTypingDelay(d time.Duration) Option {
	return func(o *Opts) { o.TypingDelay = d }
}

// Server hosts the widget-facing HTTP surface.
type Server struct {
	addr    string
	manager *sessionManager
	httpSrv *http.Server
}

// NewServer creates an API server wired to the given backend and store.
func NewServer(b BackendClient, st store.Store, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, TypingDelay: conversation.DefaultTypingDelay}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		addr:    cfg.Addr,
		manager: newSessionManager(b, st, cfg.TypingDelay),
	}
}

// Handler returns the routed HTTP handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/session/start", s.sessionStartHandler)
	mux.HandleFunc("/session/reset", s.sessionResetHandler)
	mux.HandleFunc("/conversation/event", s.conversationEventHandler)
	mux.HandleFunc("/conversation/messages", s.conversationMessagesHandler)
	mux.HandleFunc("/uploads", s.uploadsHandler)
	mux.HandleFunc("/uploads/retry", s.uploadRetryHandler)
	mux.HandleFunc("/uploads/remove", s.uploadRemoveHandler)
	return mux
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// listener fails. Shutdown drains in-flight requests before returning.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{Addr: s.addr, Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API listening", "addr", s.addr)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("Server.Run: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := s.httpSrv.Shutdown(shutdownCtx)
		s.manager.Close()
		return err
	case err := <-errCh:
		s.manager.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
