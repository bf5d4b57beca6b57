package http

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/loopforge/internal/logging"
	"github.com/fyrsmithlabs/loopforge/internal/stage"
	"github.com/fyrsmithlabs/loopforge/internal/task"
)

const ownerKey = "owner_id"

// requireOwner rejects requests without an owner header and tags the
// request context with the owner and request ids.
func requireOwner(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		owner := strings.TrimSpace(c.Request().Header.Get(HeaderOwnerID))
		if owner == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, HeaderOwnerID+" header is required")
		}
		c.Set(ownerKey, owner)
		req := c.Request()
		ctx := logging.WithRequestID(req.Context(), c.Response().Header().Get(echo.HeaderXRequestID))
		c.SetRequest(req.WithContext(logging.WithOwnerID(ctx, owner)))
		return next(c)
	}
}

func owner(c echo.Context) string {
	s, _ := c.Get(ownerKey).(string)
	return s
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleStatus(c echo.Context) error {
	resp := StatusResponse{Status: "ok", Version: s.version}
	if s.queue != nil {
		counts, err := s.queue.Counts(c.Request().Context())
		if err != nil {
			s.logger.Warn("failed to read queue counts", zap.Error(err))
			resp.Status = "degraded"
		} else {
			resp.Queue = &counts
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListTasks(c echo.Context) error {
	var filter task.ListFilter
	filter.RepositoryID = c.QueryParam("repositoryId")
	for _, raw := range c.QueryParams()["stage"] {
		for _, name := range strings.Split(raw, ",") {
			if strings.TrimSpace(name) == "" {
				continue
			}
			st, err := stage.Parse(name)
			if err != nil {
				return err
			}
			filter.Stages = append(filter.Stages, st)
		}
	}

	tasks, err := s.tasks.ListTasks(c.Request().Context(), owner(c), filter)
	if err != nil {
		return err
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	return c.JSON(http.StatusOK, TaskList{Tasks: tasks})
}

func (s *Server) handleCreateTask(c echo.Context) error {
	var in task.CreateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	t, err := s.tasks.CreateTask(c.Request().Context(), owner(c), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, t)
}

func (s *Server) handleGetTask(c echo.Context) error {
	t, err := s.tasks.GetTask(c.Request().Context(), owner(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) handleUpdateTask(c echo.Context) error {
	var in task.UpdateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	t, err := s.tasks.UpdateTask(c.Request().Context(), owner(c), c.Param("id"), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) handleDeleteTask(c echo.Context) error {
	if err := s.tasks.DeleteTask(c.Request().Context(), owner(c), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleTransition(c echo.Context) error {
	var body TransitionBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	to, err := stage.Parse(body.Stage)
	if err != nil {
		return err
	}
	reset := body.ResetData
	if raw := c.QueryParam("resetData"); raw != "" {
		if reset, err = strconv.ParseBool(raw); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "resetData must be a boolean")
		}
	}

	t, err := s.tasks.TransitionStage(c.Request().Context(), owner(c), c.Param("id"), task.TransitionRequest{
		Stage:     to,
		Feedback:  body.Feedback,
		ResetData: reset,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) handleGetPlan(c echo.Context) error {
	p, err := s.tasks.GetPlan(c.Request().Context(), owner(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleApprovePlan(c echo.Context) error {
	t, err := s.tasks.ApprovePlan(c.Request().Context(), owner(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) handleRejectPlan(c echo.Context) error {
	var body RejectBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	t, err := s.tasks.RejectPlan(c.Request().Context(), owner(c), c.Param("id"), body.Feedback)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) handleLogs(c echo.Context) error {
	after, err := int64Param(c, "after")
	if err != nil {
		return err
	}
	limit, err := int64Param(c, "limit")
	if err != nil {
		return err
	}

	logs, err := s.tasks.Logs(c.Request().Context(), owner(c), c.Param("id"), after, int(limit))
	if err != nil {
		return err
	}
	next := after
	if n := len(logs); n > 0 {
		next = logs[n-1].Sequence
	} else {
		logs = []*task.ExecutionLog{}
	}
	return c.JSON(http.StatusOK, LogPage{Logs: logs, Next: next})
}

func (s *Server) handleTimeline(c echo.Context) error {
	entries, err := s.tasks.Timeline(c.Request().Context(), owner(c), c.Param("id"))
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []task.TimelineEntry{}
	}
	return c.JSON(http.StatusOK, Timeline{Entries: entries})
}

func (s *Server) handleFlow(c echo.Context) error {
	f, err := s.tasks.Flow(c.Request().Context(), owner(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, f)
}

// int64Param reads an optional non-negative integer query parameter.
func int64Param(c echo.Context, name string) (int64, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be a non-negative integer")
	}
	return n, nil
}
