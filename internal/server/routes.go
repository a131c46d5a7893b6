package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gridsense/gridsense2mqtt/internal/core/domain"
	"github.com/gridsense/gridsense2mqtt/internal/core/service"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

type errorResponse struct {
	Error string `json:"error"`
}

type flowRequest struct {
	Host *string `json:"host"`
}

func (r flowRequest) input() *service.UserInput {
	if r.Host == nil {
		return nil
	}
	return &service.UserInput{Host: *r.Host}
}

func (s *Server) RegisterRoutes() http.Handler {
	e := echo.New()
	e.HideBanner = true
	if s.httpLog {
		e.Use(middleware.Logger())
	}
	e.Use(middleware.Recover())

	e.GET("/healthcheck", s.HealthCheckHandler)

	api := e.Group("/api/v1")
	api.GET("/entries", s.ListEntriesHandler)
	api.GET("/entries/:id/state", s.EntryStateHandler)
	api.POST("/entries/:id/reload", s.ReloadEntryHandler)
	api.POST("/entries/:id/reauth", s.ReauthEntryHandler)
	api.DELETE("/entries/:id", s.RemoveEntryHandler)

	api.GET("/flows", s.ListFlowsHandler)
	api.POST("/flows", s.StartFlowHandler)
	api.POST("/flows/:flow_id", s.ConfigureFlowHandler)
	api.DELETE("/flows/:flow_id", s.AbortFlowHandler)

	return e
}

func (s *Server) HealthCheckHandler(c echo.Context) error {
	res, err := s.rootContext.RequestFuture(s.masterActor, domain.ActorHealthRequest{}, 10*time.Second).Result()
	if err != nil {
		return c.String(http.StatusServiceUnavailable, "health_check: FAIL")
	}
	if response, ok := res.(domain.ActorHealthResponse); ok && response.Healthy {
		return c.String(http.StatusOK, "health_check: OK")
	}
	return c.String(http.StatusServiceUnavailable, "health_check: FAIL")
}

func (s *Server) ListEntriesHandler(c echo.Context) error {
	entries, err := s.entries.List(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, entries)
}

func (s *Server) EntryStateHandler(c echo.Context) error {
	state, err := s.entries.State(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, state)
}

func (s *Server) ReloadEntryHandler(c echo.Context) error {
	if err := s.entries.Reload(c.Request().Context(), c.Param("id")); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) ReauthEntryHandler(c echo.Context) error {
	result, err := s.flows.StartReauth(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) RemoveEntryHandler(c echo.Context) error {
	if err := s.entries.Remove(c.Request().Context(), c.Param("id")); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) ListFlowsHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, s.flows.InProgress())
}

func (s *Server) StartFlowHandler(c echo.Context) error {
	var req flowRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
	}
	result, err := s.flows.StartUser(c.Request().Context(), req.input())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) ConfigureFlowHandler(c echo.Context) error {
	var req flowRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
	}
	input := req.input()
	if input == nil {
		// submitting a confirm step carries no fields
		input = &service.UserInput{}
	}
	result, err := s.flows.Configure(c.Request().Context(), c.Param("flow_id"), input)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) AbortFlowHandler(c echo.Context) error {
	if err := s.flows.Abort(c.Param("flow_id")); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) fail(c echo.Context, err error) error {
	switch {
	case errors.Is(err, domain.ErrEntryNotFound), errors.Is(err, service.ErrFlowNotFound):
		return c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, service.ErrAlreadyConfigured):
		return c.JSON(http.StatusConflict, errorResponse{Error: err.Error()})
	}
	s.logger.Error("http: request failed", zap.String("path", c.Path()), zap.Error(err))
	return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
}
