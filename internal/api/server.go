// Package api serves read-only job status and benchmark results over HTTP.
// The server observes the shared readiness medium and the results archive;
// it never mutates either. Orchestration stays with the per-node launchers.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pdbench/pdbench/internal/benchmark"
	"github.com/pdbench/pdbench/internal/coord"
	"github.com/pdbench/pdbench/internal/metrics"
	"github.com/pdbench/pdbench/internal/plan"
)

// Server is the status/report HTTP server.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	logger     *slog.Logger

	kv          coord.KV
	assignments []plan.NodeAssignment
	store       *benchmark.Store

	host string
	port int
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithHost sets the server host.
func WithHost(host string) Option {
	return func(s *Server) {
		s.host = host
	}
}

// WithPort sets the server port.
func WithPort(port int) Option {
	return func(s *Server) {
		s.port = port
	}
}

// WithStore sets the results archive queried by the report endpoints.
func WithStore(store *benchmark.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// New creates a server reading readiness state for the given assignment from
// kv.
func New(kv coord.KV, assignments []plan.NodeAssignment, opts ...Option) *Server {
	s := &Server{
		logger:      slog.Default(),
		kv:          kv,
		assignments: assignments,
		host:        "0.0.0.0",
		port:        8080,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.setupRouter()
	return s
}

// setupRouter configures the Gin router
func (s *Server) setupRouter() {
	gin.SetMode(gin.ReleaseMode)

	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterValidation("jobid", func(fl validator.FieldLevel) bool {
			return coord.SanitizeJobID(fl.Field().String()) == nil
		})
	}

	router := gin.New()

	router.Use(s.requestIDMiddleware())
	router.Use(s.metricsMiddleware())
	router.Use(s.loggingMiddleware())
	router.Use(s.recoveryMiddleware())

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/jobs", s.handleListJobs)
		v1.GET("/jobs/:id/status", s.handleJobStatus)
		v1.GET("/jobs/:id/summary", s.handleJobSummary)
		v1.GET("/results", s.handleResultsByModel)
	}

	s.router = router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	s.logger.Info("starting status server", slog.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down status server")
	return s.httpServer.Shutdown(ctx)
}

// Router returns the Gin router (for testing).
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Middleware

// validRequestIDRegex allows alphanumeric, dots, underscores, and hyphens up to 128 chars.
var validRequestIDRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,128}$`)

func isValidRequestID(id string) bool {
	return id != "" && validRequestIDRegex.MatchString(id)
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if !isValidRequestID(requestID) {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		// Use the matched route pattern so path parameters like /jobs/:id
		// do not blow up label cardinality.
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		duration := time.Since(start)
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method

		metrics.RecordHTTPRequest(method, path, status, duration)
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		s.logger.Info("request completed",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Int("status", status),
			slog.Duration("latency", latency),
			slog.String("request_id", c.GetString("request_id")),
			slog.String("client_ip", c.ClientIP()))
	}
}

func (s *Server) recoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				stack := string(debug.Stack())
				s.logger.Error("panic recovered",
					slog.Any("error", err),
					slog.String("stack", stack),
					slog.String("request_id", c.GetString("request_id")))

				c.JSON(http.StatusInternalServerError, ErrorResponse{
					Error:     "internal server error",
					RequestID: c.GetString("request_id"),
				})
				c.Abort()
			}
		}()
		c.Next()
	}
}
