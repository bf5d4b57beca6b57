package http

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/loopforge/internal/task"
)

func (s *Server) handleMessages(c echo.Context) error {
	limit, err := int64Param(c, "limit")
	if err != nil {
		return err
	}
	msgs, err := s.tasks.Messages(c.Request().Context(), owner(c), c.Param("id"), int(limit))
	if err != nil {
		return err
	}
	if msgs == nil {
		msgs = []*task.ChatMessage{}
	}
	return c.JSON(http.StatusOK, Messages{Messages: msgs})
}

func (s *Server) handleAddMessage(c echo.Context) error {
	var in task.MessageInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	m, err := s.tasks.AddMessage(c.Request().Context(), owner(c), c.Param("id"), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, m)
}

// handlePutRepository serves both POST /repositories and PUT /repositories/:id.
func (s *Server) handlePutRepository(c echo.Context) error {
	var in task.RepositoryInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	status := http.StatusCreated
	if id := c.Param("id"); id != "" {
		in.ID = id
		status = http.StatusOK
	}
	r, err := s.tasks.PutRepository(c.Request().Context(), owner(c), in)
	if err != nil {
		return err
	}
	return c.JSON(status, r)
}

func (s *Server) handleGetRepository(c echo.Context) error {
	r, err := s.tasks.GetRepository(c.Request().Context(), owner(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, r)
}

func (s *Server) handleSetProvider(c echo.Context) error {
	var in task.ProviderInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.tasks.SetDefaultProvider(c.Request().Context(), owner(c), in); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
