// Package http serves the Loopforge REST API and its event streams.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/loopforge/internal/queue"
	"github.com/fyrsmithlabs/loopforge/internal/task"
)

// HeaderOwnerID carries the id of the calling user. Authentication happens
// upstream; every /api/v1 request must name its owner.
const HeaderOwnerID = "X-Owner-ID"

// Tasks is the task service surface the API exposes.
type Tasks interface {
	CreateTask(ctx context.Context, ownerID string, in task.CreateInput) (*task.Task, error)
	UpdateTask(ctx context.Context, ownerID, taskID string, in task.UpdateInput) (*task.Task, error)
	DeleteTask(ctx context.Context, ownerID, taskID string) error
	GetTask(ctx context.Context, ownerID, taskID string) (*task.Task, error)
	ListTasks(ctx context.Context, ownerID string, filter task.ListFilter) ([]*task.Task, error)
	GetPlan(ctx context.Context, ownerID, taskID string) (*task.ExecutionPlan, error)
	Logs(ctx context.Context, ownerID, taskID string, after int64, limit int) ([]*task.ExecutionLog, error)
	TailLogs(ctx context.Context, ownerID, taskID string, after int64, budget time.Duration, fn func(*task.ExecutionLog) error) error
	TransitionStage(ctx context.Context, ownerID, taskID string, req task.TransitionRequest) (*task.Task, error)
	ApprovePlan(ctx context.Context, ownerID, taskID string) (*task.Task, error)
	RejectPlan(ctx context.Context, ownerID, taskID, feedback string) (*task.Task, error)
	Timeline(ctx context.Context, ownerID, taskID string) ([]task.TimelineEntry, error)
	Flow(ctx context.Context, ownerID, taskID string) (*task.Flow, error)

	AddMessage(ctx context.Context, ownerID, taskID string, in task.MessageInput) (*task.ChatMessage, error)
	Messages(ctx context.Context, ownerID, taskID string, limit int) ([]*task.ChatMessage, error)
	PutRepository(ctx context.Context, ownerID string, in task.RepositoryInput) (*task.Repository, error)
	GetRepository(ctx context.Context, ownerID, repoID string) (*task.Repository, error)
	SetDefaultProvider(ctx context.Context, ownerID string, in task.ProviderInput) error
}

// QueueStats reports execution queue depth.
type QueueStats interface {
	Counts(ctx context.Context) (queue.Counts, error)
}

// BoardEvents delivers an owner's task events.
type BoardEvents interface {
	Subscribe(ownerID string, ch chan *nats.Msg) (*nats.Subscription, error)
}

// Dependencies are the services behind the API. Tasks is required; a nil
// Queue or Events disables the endpoints that need them.
type Dependencies struct {
	Tasks  Tasks
	Queue  QueueStats
	Events BoardEvents
}

// Server provides HTTP endpoints for Loopforge.
type Server struct {
	echo    *echo.Echo
	tasks   Tasks
	queue   QueueStats
	events  BoardEvents
	logger  *zap.Logger
	config  *Config
	version string
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// TailBudget caps one log stream. Zero means no cap.
	TailBudget time.Duration
	// Heartbeat is the idle interval between SSE keep-alive comments.
	Heartbeat time.Duration
	Version   string
}

// NewServer creates a new HTTP server.
func NewServer(deps Dependencies, logger *zap.Logger, cfg *Config) (*Server, error) {
	if deps.Tasks == nil {
		return nil, fmt.Errorf("task service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8080,
		}
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(logger)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				// Resolve the status before logging it.
				c.Error(err)
				err = nil
			}

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:    e,
		tasks:   deps.Tasks,
		queue:   deps.Queue,
		events:  deps.Events,
		logger:  logger,
		config:  cfg,
		version: cfg.Version,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.handleStatus)

	owned := v1.Group("", requireOwner)
	owned.GET("/events", s.handleBoardEvents)

	tasks := owned.Group("/tasks")
	tasks.GET("", s.handleListTasks)
	tasks.POST("", s.handleCreateTask)
	tasks.GET("/:id", s.handleGetTask)
	tasks.PATCH("/:id", s.handleUpdateTask)
	tasks.DELETE("/:id", s.handleDeleteTask)
	tasks.POST("/:id/stage", s.handleTransition)
	tasks.GET("/:id/plan", s.handleGetPlan)
	tasks.POST("/:id/plan/approve", s.handleApprovePlan)
	tasks.POST("/:id/plan/reject", s.handleRejectPlan)
	tasks.GET("/:id/logs", s.handleLogs)
	tasks.GET("/:id/logs/stream", s.handleLogStream)
	tasks.GET("/:id/timeline", s.handleTimeline)
	tasks.GET("/:id/flow", s.handleFlow)
	tasks.GET("/:id/messages", s.handleMessages)
	tasks.POST("/:id/messages", s.handleAddMessage)

	owned.POST("/repositories", s.handlePutRepository)
	owned.PUT("/repositories/:id", s.handlePutRepository)
	owned.GET("/repositories/:id", s.handleGetRepository)
	owned.PUT("/provider", s.handleSetProvider)
}

// Handler exposes the router, mainly for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server. It returns nil after Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
