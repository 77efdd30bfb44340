package httpapi

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/cmdloop/internal/metrics"
	"github.com/loykin/cmdloop/internal/protocol"
	"github.com/loykin/cmdloop/internal/registry"
	"github.com/loykin/cmdloop/internal/runlog"
	"github.com/loykin/cmdloop/internal/scheduler"
)

// Router exposes a read-only view of the service over HTTP.
// Endpoints:
//
//	GET {basePath}/programs              registered commands in order
//	GET {basePath}/interval              current interval and scheduler status
//	GET {basePath}/output?command=...    run history of one command
//	GET {basePath}/healthz               liveness
//	GET {basePath}/metrics               Prometheus exposition (when enabled)
//
// Nothing here mutates state; changes go through the control protocol.
type Router struct {
	reg      *registry.Registry
	outputs  *runlog.Store
	loop     *scheduler.Loop
	basePath string
	metrics  bool
}

// NewRouter constructs a Router. loop may be nil.
func NewRouter(reg *registry.Registry, outputs *runlog.Store, loop *scheduler.Loop, basePath string, withMetrics bool) *Router {
	return &Router{reg: reg, outputs: outputs, loop: loop, basePath: sanitizeBase(basePath), metrics: withMetrics}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/programs", r.handlePrograms)
	group.GET("/interval", r.handleInterval)
	group.GET("/output", r.handleOutput)
	group.GET("/healthz", func(c *gin.Context) { writeJSON(c, http.StatusOK, okResp{OK: true}) })
	if r.metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer binds addr and serves the router in the background. The returned
// server is closed by the caller during shutdown.
func NewServer(addr string, r *Router) (*http.Server, net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	server := &http.Server{
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.Serve(ln) }()
	return server, ln.Addr(), nil
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type programsResp struct {
	Programs []string `json:"programs"`
}

type intervalResp struct {
	Interval  int        `json:"interval"`
	Max       int        `json:"max_interval"`
	Scheduler string     `json:"scheduler,omitempty"`
	Cycles    int64      `json:"cycles"`
	LastCycle *time.Time `json:"last_cycle,omitempty"`
}

type outputResp struct {
	Command  string `json:"command"`
	Filename string `json:"filename"`
	Output   string `json:"output"`
}

func (r *Router) handlePrograms(c *gin.Context) {
	writeJSON(c, http.StatusOK, programsResp{Programs: r.reg.List()})
}

func (r *Router) handleInterval(c *gin.Context) {
	resp := intervalResp{Interval: r.reg.IntervalSeconds(), Max: r.reg.MaxInterval()}
	if r.loop != nil {
		resp.Scheduler = r.loop.State().String()
		resp.Cycles = r.loop.Cycles()
		if lc := r.loop.LastCycle(); !lc.IsZero() {
			resp.LastCycle = &lc
		}
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleOutput(c *gin.Context) {
	command := strings.TrimSpace(c.Query("command"))
	if command == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "command query param required"})
		return
	}
	if !r.reg.Contains(command) {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "command not registered"})
		return
	}
	slug := registry.Slug(command)
	out, err := r.outputs.Read(slug)
	if errors.Is(err, runlog.ErrNoOutput) {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, outputResp{Command: command, Filename: protocol.OutputFileName(slug), Output: out})
}
