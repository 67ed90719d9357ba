// Package auth guards the admin API with a single configured operator:
// basic auth against a bcrypt hash, or a bearer JWT signed with a shared
// secret.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/loykin/prefork/internal/config"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrNoSigner is returned by IssueToken when no JWT secret is configured.
	ErrNoSigner = errors.New("jwt secret not configured")
)

const (
	issuer          = "prefork"
	defaultTokenTTL = time.Hour
)

// AuthService provides authentication functionality
type AuthService struct {
	username     string
	passwordHash []byte
	jwtSecret    []byte
	tokenTTL     time.Duration
}

// Claims represents JWT claims
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// NewAuthService builds the service for cfg. It returns nil when cfg
// enables no method, so callers can skip the middleware.
func NewAuthService(cfg config.AuthConfig) *AuthService {
	if !cfg.Enabled() {
		return nil
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	s := &AuthService{username: cfg.Username, tokenTTL: ttl}
	if cfg.PasswordHash != "" {
		s.passwordHash = []byte(cfg.PasswordHash)
	}
	if cfg.JWTSecret != "" {
		s.jwtSecret = []byte(cfg.JWTSecret)
	}
	return s
}

// Authenticate performs authentication based on the login request
func (s *AuthService) Authenticate(ctx context.Context, method AuthMethod, user, secret string) (*AuthResult, error) {
	switch method {
	case AuthMethodBasic:
		return s.authenticateBasic(user, secret)
	case AuthMethodJWT:
		return s.authenticateJWT(ctx, secret)
	default:
		return &AuthResult{Success: false}, fmt.Errorf("unsupported auth method: %s", method)
	}
}

func (s *AuthService) authenticateBasic(username, password string) (*AuthResult, error) {
	if s.passwordHash == nil || username == "" || password == "" {
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(username), []byte(s.username)) != 1 {
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(s.passwordHash, []byte(password)); err != nil {
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}
	return &AuthResult{Success: true, Username: username, Method: AuthMethodBasic}, nil
}

func (s *AuthService) authenticateJWT(_ context.Context, tokenString string) (*AuthResult, error) {
	if s.jwtSecret == nil || tokenString == "" {
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil {
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}
	return &AuthResult{Success: true, Username: claims.Username, Method: AuthMethodJWT}, nil
}

// Login checks username and password and returns a signed token.
func (s *AuthService) Login(ctx context.Context, req LoginRequest) (*AuthResult, error) {
	res, err := s.Authenticate(ctx, AuthMethodBasic, req.Username, req.Password)
	if err != nil {
		return res, err
	}
	tok, err := s.IssueToken(req.Username)
	if err != nil {
		return &AuthResult{Success: false}, err
	}
	res.Token = tok
	return res, nil
}

// IssueToken signs a token for username valid for the configured TTL.
func (s *AuthService) IssueToken(username string) (*Token, error) {
	if s.jwtSecret == nil {
		return nil, ErrNoSigner
	}
	now := time.Now()
	expiresAt := now.Add(s.tokenTTL)
	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   username,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return &Token{Type: "Bearer", Value: signed, ExpiresAt: expiresAt}, nil
}

// HashPassword returns the bcrypt hash to put in admin.auth.password_hash.
func HashPassword(password string, cost int) (string, error) {
	if password == "" {
		return "", errors.New("password cannot be empty")
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(h), nil
}
