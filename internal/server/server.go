package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/tedsuo/ifrit"
	"github.com/tedsuo/ifrit/http_server"

	"github.com/loykin/prefork/internal/config"
	ptls "github.com/loykin/prefork/internal/tls"
)

// Handler picks the gin or echo rendition of r per cfg.Framework.
func Handler(cfg config.AdminConfig, r *Router) http.Handler {
	if cfg.Framework == config.FrameworkEcho {
		return r.EchoHandler()
	}
	return r.Handler()
}

// NewRunner returns an ifrit runner serving the admin API on cfg.Listen,
// over TLS when cfg.TLS is enabled.
func NewRunner(cfg config.AdminConfig, r *Router) (ifrit.Runner, error) {
	h := Handler(cfg, r)
	tc, err := ptls.Setup(cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("admin tls: %w", err)
	}
	if tc != nil {
		return http_server.NewTLSServer(cfg.Listen, h, tc), nil
	}
	return http_server.New(cfg.Listen, h), nil
}

// NewServer returns a standalone http.Server for embedding without ifrit.
func NewServer(cfg config.AdminConfig, r *Router) (*http.Server, error) {
	tc, err := ptls.Setup(cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("admin tls: %w", err)
	}
	return &http.Server{
		Addr:              cfg.Listen,
		Handler:           Handler(cfg, r),
		TLSConfig:         tc,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}, nil
}
