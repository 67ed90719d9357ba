package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/labstack/echo/v4"
)

// ContextKey is used for context keys to avoid collisions
type ContextKey string

const (
	// ResultKey is the context key for auth result
	ResultKey ContextKey = "auth_result"
)

// Middleware authenticates admin requests. A nil service lets every
// request through.
type Middleware struct {
	authService *AuthService
}

func NewMiddleware(s *AuthService) *Middleware { return &Middleware{authService: s} }

func (m *Middleware) enabled() bool { return m != nil && m.authService != nil }

// GinAuth returns a Gin middleware function for authentication
func (m *Middleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.enabled() {
			c.Next()
			return
		}
		authResult, err := m.authenticate(c.Request)
		if err != nil || !authResult.Success {
			c.Header("WWW-Authenticate", `Basic realm="prefork"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_failed",
				"message": "Authentication required",
			})
			return
		}
		c.Set(string(ResultKey), authResult)
		c.Next()
	}
}

// EchoAuth returns the same check as an Echo middleware.
func (m *Middleware) EchoAuth() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !m.enabled() {
				return next(c)
			}
			authResult, err := m.authenticate(c.Request())
			if err != nil || !authResult.Success {
				c.Response().Header().Set("WWW-Authenticate", `Basic realm="prefork"`)
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error":   "authentication_failed",
					"message": "Authentication required",
				})
			}
			c.Set(string(ResultKey), authResult)
			return next(c)
		}
	}
}

// HTTPAuth returns a standard HTTP middleware function for authentication
func (m *Middleware) HTTPAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.enabled() {
			next.ServeHTTP(w, r)
			return
		}
		authResult, err := m.authenticate(r)
		if err != nil || !authResult.Success {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"authentication_failed","message":"Authentication required"}`))
			return
		}
		ctx := context.WithValue(r.Context(), ResultKey, authResult)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticate tries a bearer token first, then basic auth.
func (m *Middleware) authenticate(r *http.Request) (*AuthResult, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return m.authService.Authenticate(r.Context(), AuthMethodJWT, "", strings.TrimSpace(parts[1]))
		}
	}
	if username, password, ok := r.BasicAuth(); ok {
		return m.authService.Authenticate(r.Context(), AuthMethodBasic, username, password)
	}
	return &AuthResult{Success: false}, ErrInvalidCredentials
}
