package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/appvisor/internal/logrouter"
	mng "github.com/loykin/appvisor/internal/manager"
	"github.com/loykin/appvisor/internal/metrics"
	"github.com/loykin/appvisor/internal/process"
)

// DefaultTailLines is used by /logs when lines is not given.
const DefaultTailLines = 15

// ApplyFunc loads the ecosystem file at path into the manager and starts
// its apps. It returns the names of the applied apps.
type ApplyFunc func(ctx context.Context, path string) ([]string, error)

// Router provides embeddable HTTP handlers for the supervisor.
// Endpoints, relative to basePath:
//
//	POST /start?name=
//	POST /stop?name=&wait=5s
//	POST /restart?name=&reset=true
//	POST /reset?name=
//	GET  /status[?name=]
//	GET  /logs?name=&lines=&stream=out|error&follow=true
//	POST /apply             body: {"path": "/abs/ecosystem.json"}
//	GET  /healthz
//	GET  /metrics           when enabled
type Router struct {
	mgr      *mng.Manager
	basePath string
	apply    ApplyFunc
	metrics  bool
	log      *slog.Logger
}

type Option func(*Router)

// WithApply enables POST /apply.
func WithApply(fn ApplyFunc) Option { return func(r *Router) { r.apply = fn } }

// WithMetrics mounts the Prometheus handler at /metrics.
func WithMetrics() Option { return func(r *Router) { r.metrics = true } }

func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.log = l } }

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api" results in /api/start, /api/stop, /api/status.
func NewRouter(mgr *mng.Manager, basePath string, opts ...Option) *Router {
	r := &Router{mgr: mgr, basePath: sanitizeBase(basePath), log: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.requestLog)
	group := g.Group(r.basePath)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/restart", r.handleRestart)
	group.POST("/reset", r.handleReset)
	group.GET("/status", r.handleStatus)
	group.GET("/logs", r.handleLogs)
	group.POST("/apply", r.handleApply)
	group.GET("/healthz", r.handleHealth)
	if r.metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer binds addr and serves h in the background. Binding happens
// before NewServer returns so an address in use is reported to the caller.
// Only loopback addresses are accepted.
func NewServer(addr string, h http.Handler) (*http.Server, error) {
	if !IsLoopback(addr) {
		return nil, fmt.Errorf("refusing to listen on non-loopback address %q", addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	// no write timeout: /logs?follow streams for as long as the client reads
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.Serve(ln) }()
	return server, nil
}

func (r *Router) requestLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	r.log.Debug("http request", "method", c.Request.Method, "path", c.Request.URL.Path,
		"status", c.Writer.Status(), "duration", time.Since(start))
}

// --- Handlers ---

func (r *Router) name(c *gin.Context) (string, bool) {
	name := c.Query("name")
	if name == "" {
		badRequest(c, "name query param required")
		return "", false
	}
	if !process.IsSafeName(name) {
		badRequest(c, "invalid name: allowed [A-Za-z0-9._-] and no '..'")
		return "", false
	}
	return name, true
}

func (r *Router) handleStart(c *gin.Context) {
	name, ok := r.name(c)
	if !ok {
		return
	}
	if err := r.mgr.Start(name); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStop(c *gin.Context) {
	name, ok := r.name(c)
	if !ok {
		return
	}
	var wait time.Duration
	if s := c.Query("wait"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			badRequest(c, "invalid wait: "+s)
			return
		}
		wait = d
	}
	if err := r.mgr.Stop(name, wait); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRestart(c *gin.Context) {
	name, ok := r.name(c)
	if !ok {
		return
	}
	reset, ok := boolQuery(c, "reset")
	if !ok {
		return
	}
	if err := r.mgr.Restart(name, reset); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleReset(c *gin.Context) {
	name, ok := r.name(c)
	if !ok {
		return
	}
	if err := r.mgr.Reset(name); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

// handleStatus always answers with a list: every instance, or the
// replicas of the named app.
func (r *Router) handleStatus(c *gin.Context) {
	if c.Query("name") == "" {
		writeJSON(c, http.StatusOK, r.mgr.StatusAll())
		return
	}
	name, ok := r.name(c)
	if !ok {
		return
	}
	sts, err := r.mgr.Status(name)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, sts)
}

type logsResp struct {
	Name  string   `json:"name"`
	File  string   `json:"file"`
	Lines []string `json:"lines"`
}

func (r *Router) handleLogs(c *gin.Context) {
	name, ok := r.name(c)
	if !ok {
		return
	}
	lines := DefaultTailLines
	if s := c.Query("lines"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			badRequest(c, "invalid lines: "+s)
			return
		}
		lines = n
	}
	follow, ok := boolQuery(c, "follow")
	if !ok {
		return
	}
	outFile, errFile, err := r.mgr.LogFiles(name)
	if err != nil {
		writeError(c, err)
		return
	}
	path := outFile
	switch c.DefaultQuery("stream", "out") {
	case "out":
	case "error", "err":
		path = errFile
	default:
		badRequest(c, "stream must be out or error")
		return
	}

	var tail []string
	if path != "" && path != os.DevNull {
		tail, err = logrouter.Tail(path, lines)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			writeError(c, err)
			return
		}
	}
	if !follow {
		writeJSON(c, http.StatusOK, logsResp{Name: name, File: path, Lines: tail})
		return
	}
	if path == "" || path == os.DevNull {
		badRequest(c, "logs of "+name+" are discarded")
		return
	}

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Content-Type-Options", "nosniff")
	c.Status(http.StatusOK)
	w := bufio.NewWriter(c.Writer)
	emit := func(line string) {
		_, _ = w.WriteString(line)
		_ = w.WriteByte('\n')
		_ = w.Flush()
		c.Writer.Flush()
	}
	for _, l := range tail {
		emit(l)
	}
	c.Writer.Flush()
	if err := logrouter.Follow(c.Request.Context(), path, emit); err != nil && c.Request.Context().Err() == nil {
		r.log.Warn("log follow ended", "name", name, "file", path, "error", err)
	}
}

type applyReq struct {
	Path string `json:"path"`
}

type applyResp struct {
	OK   bool     `json:"ok"`
	Apps []string `json:"apps"`
}

func (r *Router) handleApply(c *gin.Context) {
	if r.apply == nil {
		writeJSON(c, http.StatusNotImplemented, errorResp{Error: "apply is not enabled", Kind: KindInternal})
		return
	}
	var req applyReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return
	}
	if req.Path == "" || !isSafeAbsPath(req.Path) {
		badRequest(c, "path must be an absolute path without traversal")
		return
	}
	apps, err := r.apply(c.Request.Context(), req.Path)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, applyResp{OK: true, Apps: apps})
}

type healthResp struct {
	OK        bool `json:"ok"`
	PID       int  `json:"pid"`
	Instances int  `json:"instances"`
}

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, healthResp{OK: true, PID: os.Getpid(), Instances: len(r.mgr.Names())})
}

func boolQuery(c *gin.Context, key string) (bool, bool) {
	s := c.Query(key)
	if s == "" {
		return false, true
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		badRequest(c, "invalid "+key+": "+s)
		return false, false
	}
	return v, true
}
