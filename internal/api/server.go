// Package api handles HTTP and WebSocket API endpoints
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"

	"github.com/thereceipt/order-print-agent/internal/agent"
	"github.com/thereceipt/order-print-agent/internal/command"
	"github.com/thereceipt/order-print-agent/internal/config"
	"github.com/thereceipt/order-print-agent/internal/platform"
	"github.com/thereceipt/order-print-agent/internal/printer"
	"github.com/thereceipt/order-print-agent/internal/queue"
)

const statusTimeout = 5 * time.Second

// Printers is the printer directory the API reads and renames
type Printers interface {
	command.Printers
	Queues(ctx context.Context) ([]string, string, error)
}

// Deps are the components the server routes requests to
type Deps struct {
	Config   config.Config
	Caps     platform.Capabilities
	Handler  command.JobHandler
	Printers Printers
	Queue    *queue.Store
	Hub      *Hub
	Logger   *slog.Logger
}

// Server is the API server
type Server struct {
	router   *gin.Engine
	cfg      config.Config
	caps     platform.Capabilities
	handler  command.JobHandler
	printers Printers
	queue    *queue.Store
	hub      *Hub
	executor *command.Executor
	logger   *slog.Logger

	// baseCtx lives until Close. Prints run under it instead of the request
	// context, so a client hanging up does not abort a receipt halfway but
	// shutdown does.
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewServer creates a new API server
func NewServer(deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hub := deps.Hub
	if hub == nil {
		hub = NewHub(logger)
	}

	router := gin.New()
	router.Use(Recovery(logger), LoggingMiddleware(logger), NewCORSMiddleware(deps.Config.CORS))

	baseCtx, cancel := context.WithCancel(context.Background())

	s := &Server{
		router:   router,
		cfg:      deps.Config,
		caps:     deps.Caps,
		handler:  deps.Handler,
		printers: deps.Printers,
		queue:    deps.Queue,
		hub:      hub,
		executor: command.NewExecutor(deps.Handler, deps.Printers, deps.Queue),
		logger:   logger.With("component", "api"),
		baseCtx:  baseCtx,
		cancel:   cancel,
	}

	s.setupRoutes()

	return s
}

func (s *Server) setupRoutes() {
	s.router.POST("/print", s.handlePrint)
	s.router.GET("/status", s.handleStatus)

	jobs := s.router.Group("/print-queue/jobs")
	jobs.POST("", s.handleEnqueueJob)
	jobs.GET("", s.handleListJobs)
	jobs.GET("/:id", s.handleGetJob)
	jobs.POST("/:id/ack", s.handleAckJob)

	s.router.GET("/printers", s.handleGetPrinters)
	s.router.POST("/printers/:id/name", s.handleSetPrinterName)

	s.router.POST("/command", s.handleCommand)

	s.router.GET("/ws", s.handleWebSocket)

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// Handler exposes the router for an http.Server
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close cancels prints still running and disconnects websocket clients
func (s *Server) Close() {
	s.cancel()
	s.hub.Close()
}

// printContext keeps request values but is cancelled only by Close
func (s *Server) printContext(c *gin.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	stop := context.AfterFunc(s.baseCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Hub returns the event hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// handlePrint prints an order synchronously
func (s *Server) handlePrint(c *gin.Context) {
	var req agent.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.PrintText) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "printText is required"})
		return
	}

	payload, err := req.Payload()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}

	ctx, cancel := s.printContext(c)
	defer cancel()

	result, err := s.handler.HandleIncomingJob(ctx, payload, agent.SourceHTTP)
	if err != nil {
		resp := gin.H{"success": false, "message": err.Error()}
		if hints := errors.GetAllHints(err); len(hints) > 0 {
			resp["hint"] = hints[0]
		}
		c.JSON(http.StatusInternalServerError, resp)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "order printed via " + result.Detail,
		"method":  result.Method,
		"detail":  result.Detail,
	})
}

type printerSummary struct {
	Status        string `json:"status"`
	DetectedCount int    `json:"detected_count"`
	HardwareCount int    `json:"hardware_count"`
	DefaultName   string `json:"default_name,omitempty"`
}

// handleStatus reports host capabilities and a printer summary. Detection
// failures degrade the status instead of failing the request.
func (s *Server) handleStatus(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), statusTimeout)
	defer cancel()

	resp := gin.H{
		"platform": s.caps.OS,
		"capabilities": gin.H{
			"usb":      s.caps.USB,
			"hardware": s.caps.Hardware(),
			"spooler":  s.caps.Spooler(),
			"browser":  s.caps.Browser(),
			"pdf":      s.caps.ChromePath != "",
		},
	}

	summary := printerSummary{Status: "ok"}
	printers, err := s.printers.Detect(ctx)
	if err != nil {
		s.logger.Warn("printer detection failed", "error", err)
		summary.Status = "degraded"
		resp["error"] = err.Error()
	}
	for _, p := range printers {
		summary.DetectedCount++
		if p.Kind.IsHardware() {
			summary.HardwareCount++
		}
		if p.Default {
			summary.DefaultName = p.DisplayName()
		}
	}
	resp["printers"] = summary

	queues, def, err := s.printers.Queues(ctx)
	if err != nil {
		s.logger.Debug("print queue listing failed", "error", err)
	}
	if queues == nil {
		queues = []string{}
	}
	resp["queues"] = queues
	resp["default_queue"] = def

	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetPrinters(c *gin.Context) {
	printers := s.printers.Last()
	if len(printers) == 0 || c.Query("refresh") != "" {
		detected, err := s.printers.Detect(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusOK, gin.H{"printers": printers, "error": err.Error()})
			return
		}
		printers = detected
	}
	if printers == nil {
		printers = []printer.Descriptor{}
	}

	c.JSON(http.StatusOK, gin.H{"printers": printers})
}

// handleSetPrinterName sets a custom name for a printer
func (s *Server) handleSetPrinterName(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	if !s.printers.SetName(c.Param("id"), req.Name) {
		c.JSON(http.StatusNotFound, gin.H{"error": "printer not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// handleCommand handles command execution requests
func (s *Server) handleCommand(c *gin.Context) {
	var req struct {
		Command string `json:"command" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "command is required"})
		return
	}

	ctx, cancel := s.printContext(c)
	defer cancel()

	result := s.executor.Execute(ctx, req.Command)

	if !result.Success {
		c.JSON(http.StatusBadRequest, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

// baseURL is where remote agents reach this server
func (s *Server) baseURL(c *gin.Context) string {
	if s.cfg.Server.PublicBaseURL != "" {
		return strings.TrimRight(s.cfg.Server.PublicBaseURL, "/")
	}

	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if proto := c.GetHeader("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + c.Request.Host
}

func parseJobID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	return id, err == nil
}
