package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/syncbench/internal/metrics"
	"github.com/loykin/syncbench/internal/scheduler"
)

// Router provides embeddable read-only HTTP handlers for a scheduling session.
// Endpoints:
//   GET {basePath}/status   session snapshot: current workload and row states
//   GET {basePath}/healthz  liveness
//   GET {basePath}/metrics  Prometheus exposition
// basePath may be empty or start with '/'; no trailing slash.

type Router struct {
	tracker  *scheduler.Tracker
	basePath string
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(tracker *scheduler.Tracker, basePath string) *Router {
	return &Router{tracker: tracker, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/healthz", func(c *gin.Context) { writeJSON(c, http.StatusOK, okResp{OK: true}) })
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr serving handler.
// Shut it down with the returned server's Shutdown or Close.
func NewServer(addr string, handler http.Handler) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleStatus(c *gin.Context) {
	if r.tracker == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "no scheduling session"})
		return
	}
	writeJSON(c, http.StatusOK, r.tracker.Snapshot())
}
