// Package serverutil provides the HTTP server bootstrap and the JSON
// request validation middleware shared by the services.
package serverutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nce-project/nce/pkg/lg"
)

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultServerConfig provides default server configuration values.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:            "8080",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// RunServer starts an HTTP server with the provided handler and blocks
// until SIGINT/SIGTERM, then shuts down gracefully.
func RunServer(handler http.Handler, config ServerConfig, logger lg.Logger) error {
	if logger == nil {
		logger = lg.Discard
	}
	if config.Port == "" {
		config.Port = DefaultServerConfig().Port
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", config.Port),
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", lg.String("port", config.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-done:
	}
	logger.Info("server stopping")

	ctx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info("server stopped gracefully")
	return nil
}

// Validatable is a request type that can check itself.
type Validatable interface {
	Validate() error
}

// ctxKey carries the decoded request; unexported to avoid collisions.
type ctxKey struct{}

// RequestFromContext retrieves the request decoded by ValidationHandler.
func RequestFromContext[T any](ctx context.Context) (T, bool) {
	v, ok := ctx.Value(ctxKey{}).(T)
	return v, ok
}

// ValidationHandler is a middleware that decodes and validates incoming
// JSON requests before passing them to the next handler via context.
type ValidationHandler[T Validatable] struct {
	next http.Handler
}

// NewValidationHandler creates a validation middleware for the given
// request type.
func NewValidationHandler[T Validatable](next http.Handler) http.Handler {
	return &ValidationHandler[T]{next: next}
}

func (h *ValidationHandler[T]) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	var request T
	decoder := json.NewDecoder(r.Body)
	err := decoder.Decode(&request)
	defer r.Body.Close()
	if err != nil {
		http.Error(rw, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}

	if err := request.Validate(); err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := context.WithValue(r.Context(), ctxKey{}, request)
	h.next.ServeHTTP(rw, r.WithContext(ctx))
}
