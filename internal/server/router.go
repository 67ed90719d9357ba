// Package server is the admin HTTP API of a prefork process. It reports
// the dispatch loops and datum dispatchers it is given, and serves the
// Prometheus metrics of the process.
package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/labstack/echo/v4"

	"github.com/loykin/prefork/internal/auth"
	"github.com/loykin/prefork/internal/dispatch"
	"github.com/loykin/prefork/internal/metrics"
	"github.com/loykin/prefork/internal/process"
)

// Endpoints, relative to the base path:
//
//	GET  /status       all sources, or ?name=... for one
//	GET  /workers      every worker with its latest resource sample
//	POST /auth/login   body: {"username","password"}; returns a bearer token
//
// GET /healthz and GET /metrics are mounted at the root and need no auth.

// StatusSource is a dispatch loop or datum dispatcher.
type StatusSource interface {
	Status() dispatch.Status
}

// WorkerInfo is one worker as listed by GET /workers.
type WorkerInfo struct {
	Pool string `json:"pool"`
	Mode string `json:"mode"`
	process.Status
	Usage *metrics.WorkerSample `json:"usage,omitempty"`
}

type Options struct {
	BasePath string
	// Auth guards every endpoint under BasePath. Nil disables auth.
	Auth    *auth.AuthService
	Workers []*metrics.WorkerCollector
	Sources []StatusSource
}

type Router struct {
	basePath string
	auth     *auth.AuthService
	mw       *auth.Middleware
	workers  []*metrics.WorkerCollector
	sources  []StatusSource
}

var (
	errUnknownSource = errors.New("unknown pool")
	errBadName       = errors.New("invalid name: allowed [A-Za-z0-9._-] and no '..'")
)

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func NewRouter(opts Options) *Router {
	return &Router{
		basePath: sanitizeBase(opts.BasePath),
		auth:     opts.Auth,
		mw:       auth.NewMiddleware(opts.Auth),
		workers:  opts.Workers,
		sources:  opts.Sources,
	}
}

// statuses returns every source, or only the one called name.
func (r *Router) statuses(name string) ([]dispatch.Status, error) {
	if name != "" && !isSafeName(name) {
		return nil, errBadName
	}
	out := make([]dispatch.Status, 0, len(r.sources))
	for _, s := range r.sources {
		st := s.Status()
		if name != "" && st.Name != name {
			continue
		}
		out = append(out, st)
	}
	if name != "" && len(out) == 0 {
		return nil, errUnknownSource
	}
	return out, nil
}

func (r *Router) workerInfos() []WorkerInfo {
	samples := make(map[int]metrics.WorkerSample)
	for _, c := range r.workers {
		for _, s := range c.Snapshot() {
			samples[s.PID] = s
		}
	}
	var out []WorkerInfo
	for _, src := range r.sources {
		st := src.Status()
		for _, w := range st.Workers {
			info := WorkerInfo{Pool: st.Name, Mode: st.Mode, Status: w}
			if s, ok := samples[w.PID]; ok {
				info.Usage = &s
			}
			out = append(out, info)
		}
	}
	return out
}

func statusCode(err error) int {
	if errors.Is(err, errUnknownSource) {
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/healthz", func(c *gin.Context) { writeJSON(c, http.StatusOK, okResp{OK: true}) })
	g.GET("/metrics", gin.WrapH(metrics.Handler()))

	g.POST(r.basePath+"/auth/login", r.handleLogin)
	group := g.Group(r.basePath, r.mw.GinAuth())
	group.GET("/status", r.handleStatus)
	group.GET("/workers", r.handleWorkers)
	return g
}

func (r *Router) handleStatus(c *gin.Context) {
	sts, err := r.statuses(c.Query("name"))
	if err != nil {
		writeJSON(c, statusCode(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, sts)
}

func (r *Router) handleWorkers(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.workerInfos())
}

func (r *Router) handleLogin(c *gin.Context) {
	if r.auth == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "auth disabled"})
		return
	}
	var req auth.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	res, err := r.auth.Login(c.Request.Context(), req)
	if err != nil {
		code := http.StatusUnauthorized
		if errors.Is(err, auth.ErrNoSigner) {
			code = http.StatusNotImplemented
		}
		writeJSON(c, code, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, res.Token)
}

// EchoHandler serves the same API with echo.
func (r *Router) EchoHandler() http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/healthz", func(c echo.Context) error { return c.JSON(http.StatusOK, okResp{OK: true}) })
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	e.POST(r.basePath+"/auth/login", r.echoLogin)
	g := e.Group(r.basePath, r.mw.EchoAuth())
	g.GET("/status", func(c echo.Context) error {
		sts, err := r.statuses(c.QueryParam("name"))
		if err != nil {
			return c.JSON(statusCode(err), errorResp{Error: err.Error()})
		}
		return c.JSON(http.StatusOK, sts)
	})
	g.GET("/workers", func(c echo.Context) error {
		return c.JSON(http.StatusOK, r.workerInfos())
	})
	return e
}

func (r *Router) echoLogin(c echo.Context) error {
	if r.auth == nil {
		return c.JSON(http.StatusNotFound, errorResp{Error: "auth disabled"})
	}
	var req auth.LoginRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
	}
	res, err := r.auth.Login(c.Request().Context(), req)
	if err != nil {
		code := http.StatusUnauthorized
		if errors.Is(err, auth.ErrNoSigner) {
			code = http.StatusNotImplemented
		}
		return c.JSON(code, errorResp{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, res.Token)
}
