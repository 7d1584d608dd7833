package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"workshopd/internal/config"
	"workshopd/internal/errors"
	"workshopd/internal/history"
	"workshopd/internal/logbus"
	"workshopd/internal/logging"
	"workshopd/internal/orchestrator"
	"workshopd/internal/registry"
)

// Version is stamped by the CLI entrypoint and reported by the health
// endpoint.
var Version = "dev"

// Server is the HTTP surface: submission, status polling, archive delivery
// and the admin log stream.
type Server struct {
	cfg    config.Config
	orch   *orchestrator.Orchestrator
	reg    *registry.Registry
	bus    *logbus.Bus
	hist   history.Store
	logger logging.Logger

	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
	startTime  time.Time
}

// New wires the routes. The orchestrator must already be started.
func New(cfg config.Config, orch *orchestrator.Orchestrator, reg *registry.Registry, bus *logbus.Bus, hist history.Store, logger logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	s := &Server{
		cfg:    cfg,
		orch:   orch,
		reg:    reg,
		bus:    bus,
		hist:   hist,
		logger: logging.OrNop(logger),
		engine: engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		startTime: time.Now(),
	}
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: engine,
		// No WriteTimeout: archive deliveries legitimately run for minutes.
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.engine.Group("/api")

	api.GET("/health", s.handleHealth)
	api.POST("/download", s.handleSubmit)
	api.GET("/status/:id", s.handleStatus)
	api.GET("/download/:id/file", s.handleFile)
	api.DELETE("/download/:id", s.handleCancel)

	admin := api.Group("")
	admin.Use(s.requireObserverToken)
	admin.GET("/admin/history", s.handleHistory)
	admin.GET("/logs/ws", s.handleLogStream)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("http server listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

type submitRequest struct {
	URL string `json:"url" binding:"required"`
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{
			"kind":    string(errors.KindInvalidURL),
			"message": "request body must be {\"url\": \"...\"}",
		}})
		return
	}

	job, err := s.orch.Submit(c.Request.Context(), req.URL)
	if err != nil {
		if errors.IsKind(err, errors.KindCapacityExhausted) {
			current, max := s.orch.Occupancy()
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": gin.H{
					"kind":    string(errors.KindCapacityExhausted),
					"message": err.Error(),
				},
				"current": current,
				"max":     max,
			})
			return
		}
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"jobId":      job.ID,
		"itemId":     job.ItemID,
		"metadata":   job.Metadata,
		"statusPath": s.publicURL("/api/status/" + job.ID),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	snap, ok := s.reg.Snapshot(c.Param("id"))
	if !ok {
		s.writeError(c, errors.New(errors.KindNotFound, "job %s not found", c.Param("id")))
		return
	}

	resp := gin.H{"job": snap}
	if snap.State == registry.StateCompleted {
		resp["downloadUrl"] = s.publicURL("/api/download/" + snap.ID + "/file")
	}
	c.JSON(http.StatusOK, resp)
}

// handleFile streams the archive. A whole-file delivery triggers cleanup; a
// Range request leaves the job alone so the client can fetch the rest.
func (s *Server) handleFile(c *gin.Context) {
	jobID := c.Param("id")
	snap, ok := s.reg.Snapshot(jobID)
	if !ok {
		s.writeError(c, errors.New(errors.KindNotFound, "job %s not found", jobID))
		return
	}
	if snap.State != registry.StateCompleted || snap.ArchivePath == "" {
		c.JSON(http.StatusConflict, gin.H{"error": gin.H{
			"kind":    "NotReady",
			"message": fmt.Sprintf("job is %s, archive available only in %s", snap.State, registry.StateCompleted),
		}})
		return
	}

	f, err := os.Open(snap.ArchivePath)
	if err != nil {
		s.writeError(c, errors.Wrap(errors.KindInternal, err, "open archive"))
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		s.writeError(c, errors.Wrap(errors.KindInternal, err, "stat archive"))
		return
	}

	filename := filepath.Base(snap.ArchivePath)
	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Header("ETag", fmt.Sprintf("%q", fmt.Sprintf("%d-%d", info.Size(), info.ModTime().UnixMilli())))

	partial := c.GetHeader("Range") != ""
	http.ServeContent(c.Writer, c.Request, filename, info.ModTime(), f)

	// ServeContent reports nothing back. A delivery only counts as whole-file
	// success when the client stayed connected and received every byte; an
	// aborted stream leaves the job Completed so the client can retry.
	delivered := !partial &&
		c.Request.Context().Err() == nil &&
		int64(c.Writer.Size()) == info.Size()
	if delivered {
		s.orch.FinishDelivery(jobID)
	}
}

func (s *Server) handleCancel(c *gin.Context) {
	if err := s.orch.Cancel(c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleaned"})
}

func (s *Server) handleHealth(c *gin.Context) {
	current, max := s.orch.Occupancy()
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"version":     Version,
		"uptime":      time.Since(s.startTime).String(),
		"active":      current,
		"capacity":    max,
		"subscribers": s.bus.SubscriberCount(),
	})
}

func (s *Server) handleHistory(c *gin.Context) {
	limit := s.cfg.HistoryLimit
	c.JSON(http.StatusOK, gin.H{"entries": s.hist.Recent(limit)})
}

// requireObserverToken guards the admin surface. With no token configured the
// surface is open, which is the single-operator default.
func (s *Server) requireObserverToken(c *gin.Context) {
	token := s.cfg.Server.ObserverToken
	if token == "" {
		c.Next()
		return
	}

	presented := c.Query("token")
	if presented == "" {
		presented = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{
			"kind":    "Unauthorized",
			"message": "observer token required",
		}})
		return
	}
	c.Next()
}

func (s *Server) writeError(c *gin.Context, err error) {
	kind := errors.KindOf(err)
	c.JSON(errors.HTTPStatus(kind), gin.H{"error": gin.H{
		"kind":    string(kind),
		"message": err.Error(),
	}})
}

func (s *Server) publicURL(path string) string {
	base := strings.TrimRight(s.cfg.Server.PublicBaseURL, "/")
	if base == "" {
		return path
	}
	return base + path
}
