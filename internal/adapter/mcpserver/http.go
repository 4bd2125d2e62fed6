package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"colloquy/internal/infra/middleware"
)

// Endpoint is the path the streamable HTTP transport is mounted on.
const Endpoint = "/mcp"

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Handler serves the tools over streamable HTTP at Endpoint, wrapped in mws
// (first listed runs first).
func (s *Server) Handler(mws ...func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(Endpoint, middleware.Chain(server.NewStreamableHTTPServer(s.mcp), mws...))
	return mux
}

// ListenHTTP serves h on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenHTTP(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("mcp server listening on http", "addr", addr, "endpoint", Endpoint)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("mcp http: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("mcp http shutdown: %w", err)
		}
		return nil
	}
}
