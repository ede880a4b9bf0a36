package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loomlabs/warden/internal/metrics"
	"github.com/loomlabs/warden/internal/orchestrator"
	"github.com/loomlabs/warden/internal/registry"
	"github.com/loomlabs/warden/internal/watchdog"
)

// Router serves the read-only operational endpoint. All mutations go
// through the IPC surface; HTTP exposes observation only.
//
//	GET {basePath}/healthz
//	GET {basePath}/status        query: name=... (optional filter)
//	GET {basePath}/metrics
//	GET {basePath}/debug/entries
type Router struct {
	orch     *orchestrator.Orchestrator
	wd       *watchdog.Watchdog
	reg      registry.Store
	basePath string
}

func NewRouter(orch *orchestrator.Orchestrator, wd *watchdog.Watchdog, reg registry.Store, basePath string) *Router {
	return &Router{orch: orch, wd: wd, reg: reg, basePath: basePath}
}

// Handler returns a gin-powered http.Handler mountable in any mux.
func (r *Router) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealthz)
	group.GET("/status", r.handleStatus)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	group.GET("/debug/entries", r.handleEntries)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr string, r *Router) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
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

func (r *Router) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (r *Router) handleStatus(c *gin.Context) {
	var filters []string
	if name := c.Query("name"); name != "" {
		filters = []string{name}
	}
	sts, err := r.orch.Status(filters)
	if err != nil {
		c.JSON(http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	resp := gin.H{"services": sts}
	if r.wd != nil {
		resp["watchdog"] = r.wd.Report()
	}
	c.JSON(http.StatusOK, resp)
}

func (r *Router) handleEntries(c *gin.Context) {
	entries, err := r.reg.GetAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}
