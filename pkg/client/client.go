// Package client talks to the admin API of a running prefork server.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

const defaultBaseURL = "http://127.0.0.1:7080/api"

// ErrUnauthorized is returned when the server rejects the credentials.
var ErrUnauthorized = errors.New("unauthorized")

// Client provides HTTP client functionality to communicate with a prefork server
type Client struct {
	baseURL string
	root    string
	client  *http.Client
	logger  *slog.Logger

	mu       sync.RWMutex
	username string
	password string
	token    string
}

// Config holds client configuration
type Config struct {
	// BaseURL includes the admin base path, e.g. http://127.0.0.1:7080/api.
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Username string
	Password string
	Token    string
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	CACert     string // CA certificate file path
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{BaseURL: defaultBaseURL, Timeout: 10 * time.Second}
}

// New creates a client. It fails only when the TLS settings cannot be loaded.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLS != nil {
		tc, err := setupClientTLS(*cfg.TLS)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tc
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	root := base
	if u, err := url.Parse(base); err == nil {
		u.Path, u.RawQuery = "", ""
		root = u.String()
	}
	return &Client{
		baseURL:  base,
		root:     root,
		logger:   cfg.Logger,
		client:   &http.Client{Timeout: cfg.Timeout, Transport: transport},
		username: cfg.Username,
		password: cfg.Password,
		token:    cfg.Token,
	}, nil
}

// IsReachable reports whether GET /healthz answers 200.
func (c *Client) IsReachable(ctx context.Context) bool {
	var ok struct {
		OK bool `json:"ok"`
	}
	if err := c.get(ctx, c.root+"/healthz", &ok); err != nil {
		c.logger.Debug("server unreachable", "error", err)
		return false
	}
	return ok.OK
}

// Status returns every pool, or only the one called name.
func (c *Client) Status(ctx context.Context, name string) ([]PoolStatus, error) {
	u := c.baseURL + "/status"
	if name != "" {
		u += "?name=" + url.QueryEscape(name)
	}
	var out []PoolStatus
	if err := c.get(ctx, u, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Workers returns every worker with its latest resource sample.
func (c *Client) Workers(ctx context.Context) ([]Worker, error) {
	var out []Worker
	if err := c.get(ctx, c.baseURL+"/workers", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Login exchanges username and password for a token that is used for
// every later request.
func (c *Client) Login(ctx context.Context, username, password string) (*Token, error) {
	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return nil, err
	}
	var tok Token
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/auth/login", body, &tok); err != nil {
		return nil, err
	}
	c.SetToken(tok.Value)
	return &tok, nil
}

// SetToken makes later requests carry a bearer token instead of basic auth.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) get(ctx context.Context, u string, out any) error {
	return c.do(ctx, http.MethodGet, u, nil, out)
}

func (c *Client) do(ctx context.Context, method, u string, body []byte, out any) error {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	switch {
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	case c.username != "":
		req.SetBasicAuth(c.username, c.password)
	}
	c.mu.RUnlock()

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	var errorResp ErrorResponse
	_ = json.NewDecoder(resp.Body).Decode(&errorResp)
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if errorResp.Error == "" {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return fmt.Errorf("API error (%d): %s", resp.StatusCode, errorResp.Error)
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(cfg TLSClientConfig) (*tls.Config, error) {
	// #nosec G402 SkipVerify is an explicit opt-in for self-signed development certs
	tc := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.SkipVerify,
		ServerName:         cfg.ServerName,
	}
	if cfg.CACert != "" {
		pem, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("failed to parse CA certificate")
		}
		tc.RootCAs = pool
	}
	return tc, nil
}
