package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/svisor/internal/logger"
	"github.com/loykin/svisor/internal/metrics"
	"github.com/loykin/svisor/internal/supervisor"
)

// Fleet is the read side of the supervisor exposed over HTTP.
type Fleet interface {
	Status() []supervisor.ServiceStatus
	ServiceStatus(name string) (supervisor.ServiceStatus, bool)
	Running() bool
}

// Shutdowner starts a graceful shutdown. It reports false when one is
// already in progress.
type Shutdowner interface {
	Trigger(reason string) bool
}

// Router provides the status surface of a running supervisor.
// Endpoints:
//
//	GET  {basePath}/status        every service, declaration order
//	GET  {basePath}/status/:name  one service, 404 when unknown
//	GET  {basePath}/healthz       200 when every service is healthy, 503 otherwise
//	POST {basePath}/shutdown      stop the fleet and exit
//	GET  /metrics                 when metrics are enabled
type Router struct {
	fleet    Fleet
	shutdown Shutdowner
	basePath string
	metrics  bool
}

// NewRouter constructs a Router. shutdown may be nil, in which case the
// shutdown endpoint answers 501.
func NewRouter(fleet Fleet, shutdown Shutdowner, basePath string) *Router {
	return &Router{fleet: fleet, shutdown: shutdown, basePath: sanitizeBase(basePath)}
}

// WithMetrics mounts the Prometheus handler at /metrics.
func (r *Router) WithMetrics() *Router {
	r.metrics = true
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatusAll)
	group.GET("/status/:name", r.handleStatus)
	group.GET("/healthz", r.handleHealthz)
	group.POST("/shutdown", r.handleShutdown)
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// Server is a started HTTP listener.
type Server struct {
	srv *http.Server
	ln  net.Listener
	log *slog.Logger
}

// Start listens on addr and serves h in the background. Listen errors are
// returned immediately so a busy port fails the command.
func Start(addr string, h http.Handler, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = logger.Discard()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		srv: &http.Server{
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		ln:  ln,
		log: log.With("component", "http", "addr", ln.Addr().String()),
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped", "error", err)
		}
	}()
	s.log.Info("http server listening")
	return s, nil
}

// Addr is the bound address, useful when addr had port 0.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type healthResp struct {
	Running bool     `json:"running"`
	Healthy int      `json:"healthy"`
	Total   int      `json:"total"`
	Failing []string `json:"failing,omitempty"`
}

type shutdownResp struct {
	OK                bool `json:"ok"`
	AlreadyInProgress bool `json:"already_in_progress,omitempty"`
}

func (r *Router) handleStatusAll(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.fleet.Status())
}

func (r *Router) handleStatus(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service name: allowed [A-Za-z0-9._-] and no '..'"})
		return
	}
	st, ok := r.fleet.ServiceStatus(name)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown service " + name})
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleHealthz(c *gin.Context) {
	resp := healthResp{Running: r.fleet.Running()}
	for _, st := range r.fleet.Status() {
		resp.Total++
		if st.State == supervisor.StateHealthy {
			resp.Healthy++
		} else {
			resp.Failing = append(resp.Failing, st.Name)
		}
	}
	code := http.StatusOK
	if !resp.Running || resp.Healthy != resp.Total {
		code = http.StatusServiceUnavailable
	}
	writeJSON(c, code, resp)
}

func (r *Router) handleShutdown(c *gin.Context) {
	if r.shutdown == nil {
		writeJSON(c, http.StatusNotImplemented, errorResp{Error: "shutdown not available"})
		return
	}
	fired := r.shutdown.Trigger("api request from " + c.ClientIP())
	writeJSON(c, http.StatusAccepted, shutdownResp{OK: true, AlreadyInProgress: !fired})
}
