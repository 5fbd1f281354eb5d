package server

import (
	"net/http"
	"time"

	"github.com/berfenger/powerbus2mqtt/internal/core/domain"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type addressModeBody struct {
	Enable bool `json:"enable"`
}

type addressModeStatus struct {
	Active      bool                       `json:"active"`
	Assignments []domain.AddressAssignment `json:"assignments,omitempty"`
	Error       string                     `json:"error,omitempty"`
}

func (s *Server) RegisterRoutes() http.Handler {
	e := echo.New()
	if s.httpLog {
		e.Use(middleware.Logger())
	}
	e.Use(middleware.Recover())

	e.GET("/healthcheck", s.HealthCheckHandler)
	e.GET("/bus/health", s.BusHealthHandler)
	e.GET("/bus/address_mode", s.GetAddressModeHandler)
	e.POST("/bus/address_mode", s.SetAddressModeHandler)

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

func (s *Server) BusHealthHandler(c echo.Context) error {
	res, err := s.rootContext.RequestFuture(s.masterActor, domain.GetBusHealthRequest{}, 5*time.Second).Result()
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	response, ok := res.(domain.GetBusHealthResponse)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "unexpected response")
	}
	if response.HasResponseError() {
		return echo.NewHTTPError(http.StatusServiceUnavailable, response.GetResponseError().Error())
	}
	return c.JSON(http.StatusOK, response.Health)
}

func (s *Server) GetAddressModeHandler(c echo.Context) error {
	res, err := s.rootContext.RequestFuture(s.masterActor, domain.GetAddressModeRequest{}, 5*time.Second).Result()
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	response, ok := res.(domain.GetAddressModeResponse)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "unexpected response")
	}
	return c.JSON(http.StatusOK, addressModeStatus{
		Active:      response.Active,
		Assignments: response.LastAssignments,
	})
}

// SetAddressModeHandler starts or stops address mode. The answer carries the
// resulting mode.
func (s *Server) SetAddressModeHandler(c echo.Context) error {
	var body addressModeBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	var request any = domain.StopAddressModeRequest{}
	if body.Enable {
		request = domain.StartAddressModeRequest{}
	}
	res, err := s.rootContext.RequestFuture(s.masterActor, request, 10*time.Second).Result()
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	response, ok := res.(domain.AddressModeResponse)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "unexpected response")
	}
	if response.HasResponseError() {
		return c.JSON(http.StatusConflict, addressModeStatus{
			Active: response.Active,
			Error:  response.GetResponseError().Error(),
		})
	}
	return c.JSON(http.StatusOK, addressModeStatus{Active: response.Active})
}
