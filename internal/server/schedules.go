package server

import (
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"github.com/gorhill/cronexpr"
	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/deepbrief/internal/store"
)

type SchedulesHandler struct {
	Store *store.Store
}

func (h *SchedulesHandler) Register(g *echo.Group) {
	g.POST("", h.create)
	g.GET("", h.list)
	g.DELETE("/:id", h.remove)
}

func (h *SchedulesHandler) create(c echo.Context) error {
	var req ScheduleCreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query required")
	}
	cron := req.Cron
	if cron == "" {
		cron = "@daily"
	}
	if cron != "@daily" && cron != "@hourly" {
		if _, err := cronexpr.Parse(cron); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid cron expression: "+cron)
		}
	}
	userID := c.Get("user_id").(string)
	id, err := h.Store.CreateSchedule(c.Request().Context(), userID, req.Query, cron)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, ScheduleResponse{ID: id, Query: req.Query, Cron: cron, Enabled: true})
}

func (h *SchedulesHandler) list(c echo.Context) error {
	userID := c.Get("user_id").(string)
	schedules, err := h.Store.ListSchedules(c.Request().Context(), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]ScheduleResponse, 0, len(schedules))
	for _, s := range schedules {
		out = append(out, ScheduleResponse{
			ID: s.ID, Query: s.Query, Cron: s.Cron, Enabled: s.Enabled,
			LastRunAt: s.LastRunAt, CreatedAt: s.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (h *SchedulesHandler) remove(c echo.Context) error {
	userID := c.Get("user_id").(string)
	err := h.Store.DeleteSchedule(c.Request().Context(), c.Param("id"), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return echo.NewHTTPError(http.StatusNotFound, "schedule not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
