package server

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/appvisor/internal/config"
	mng "github.com/loykin/appvisor/internal/manager"
)

// Error kinds reported in the "kind" field of error responses.
const (
	KindNotFound     = "not_found"
	KindInvalidState = "invalid_state"
	KindConfig       = "config"
	KindBadRequest   = "bad_request"
	KindShuttingDown = "shutting_down"
	KindInternal     = "internal"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

// isSafeAbsPath ensures the provided path is absolute and does not contain traversal.
// It must be already cleaned (no ".." segments). This reduces risk of uncontrolled
// user input being used in filesystem paths.
func isSafeAbsPath(p string) bool {
	if p == "" {
		return true
	}
	if !filepath.IsAbs(p) {
		return false
	}
	clean := filepath.Clean(p)
	trimmed := strings.TrimRight(p, string(filepath.Separator))
	if trimmed == "" {
		trimmed = p // keep root like "/" on Unix
	}
	return clean == p || clean == trimmed
}

// IsLoopback reports whether a listen address binds only to the local host.
func IsLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

type errorResp struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// classify maps an error to its HTTP status and kind.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, mng.ErrNotFound):
		return http.StatusNotFound, KindNotFound
	case errors.Is(err, mng.ErrInvalidState):
		return http.StatusConflict, KindInvalidState
	case errors.Is(err, config.ErrConfig):
		return http.StatusBadRequest, KindConfig
	case errors.Is(err, mng.ErrShuttingDown):
		return http.StatusServiceUnavailable, KindShuttingDown
	}
	return http.StatusInternalServerError, KindInternal
}

func writeError(c *gin.Context, err error) {
	code, kind := classify(err)
	writeJSON(c, code, errorResp{Error: err.Error(), Kind: kind})
}

func badRequest(c *gin.Context, msg string) {
	writeJSON(c, http.StatusBadRequest, errorResp{Error: msg, Kind: KindBadRequest})
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
