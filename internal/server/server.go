// Package server runs the ops HTTP API next to the engine.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/agentsh/warden/internal/api"
	"github.com/agentsh/warden/internal/auth"
	"github.com/agentsh/warden/internal/config"
)

const maxRequestBytes = 1 << 20

type Server struct {
	httpServer *http.Server
	httpLn     net.Listener
	logger     *slog.Logger
}

// New binds the listener so address errors surface before the engine starts.
func New(cfg *config.Config, eng api.Engine, metrics http.Handler, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	var apiKeyAuth *auth.APIKeyAuth
	if strings.EqualFold(cfg.Auth.Type, "api_key") {
		var err error
		apiKeyAuth, err = auth.LoadAPIKeys(cfg.Auth.APIKey.KeysFile, cfg.Auth.APIKey.HeaderName)
		if err != nil {
			return nil, err
		}
	}
	appCfg := api.Config{AuthType: cfg.Auth.Type, MetricsPath: cfg.Metrics.Path}
	if cfg.Metrics.Enabled {
		appCfg.Metrics = metrics
	}
	router := api.NewApp(appCfg, eng, apiKeyAuth).Router()

	ln, err := listenHTTP(cfg)
	if err != nil {
		return nil, err
	}
	s := &http.Server{
		Handler:           withRequestBodyLimit(router, maxRequestBytes),
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       config.Duration(cfg.Server.ReadTimeout, 15*time.Second),
		WriteTimeout:      config.Duration(cfg.Server.WriteTimeout, 30*time.Second),
	}
	return &Server{httpServer: s, httpLn: ln, logger: logger}, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string { return s.httpLn.Addr().String() }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.logger.Info("ops api listening", "addr", s.Addr())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	}
}

func withRequestBodyLimit(next http.Handler, maxBytes int64) http.Handler {
	if maxBytes <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func listenHTTP(cfg *config.Config) (net.Listener, error) {
	addr := cfg.Server.Addr
	if strings.EqualFold(strings.TrimSpace(cfg.Auth.Type), "none") && !isLoopbackListenAddr(addr) {
		return nil, fmt.Errorf("refusing to listen on %q with auth.type=none (use 127.0.0.1/localhost or enable auth)", addr)
	}
	return net.Listen("tcp", addr)
}

func isLoopbackListenAddr(addr string) bool {
	a := strings.TrimSpace(addr)
	if a == "" {
		return false
	}
	// ":8080" binds on all interfaces.
	if strings.HasPrefix(a, ":") {
		return false
	}
	host, _, err := net.SplitHostPort(a)
	if err != nil {
		host = a
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
