package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oremus-labs/taskstream/internal/handlers"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options configures the HTTP server wiring.
type Options struct {
	APIToken string
}

// Server wraps the Gin engine and associated configuration.
type Server struct {
	engine *gin.Engine
}

// NewServer constructs a Server with all HTTP routes configured.
func NewServer(handler *handlers.Handler, opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(gin.Recovery(), requestIDMiddleware(), metricsMiddleware(), requestLogger())

	// Health + meta
	engine.GET("/healthz", handler.Health)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/openapi", handler.OpenAPISpec)

	protected := engine.Group("/")
	protected.Use(authMiddleware(opts.APIToken))

	protected.GET("/system/info", handler.SystemInfo)
	protected.GET("/state", handler.GetState)
	protected.GET("/events", handler.StreamEvents)

	// Cached task views
	protected.GET("/tasks", handler.ListTasks)
	protected.GET("/tasks/:id", handler.GetTask)
	protected.GET("/tasks/:id/logs", handler.TaskLogs)
	protected.GET("/tasks/:id/thread", handler.TaskThread)

	protected.POST("/send", handler.Send)
	protected.POST("/resync", handler.Resync)
	protected.GET("/history", handler.ListHistory)

	return &Server{engine: engine}
}

// Engine exposes the underlying Gin engine for advanced use (testing, etc.).
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start launches the HTTP server on the provided address. The write timeout
// is left unset so /events can stream.
func (s *Server) Start(addr string) *http.Server {
	srv := &http.Server{
		Addr:        addr,
		Handler:     s.engine,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			panic(err)
		}
	}()
	return srv
}
