package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/deepbrief/internal/store"
)

type CreditsHandler struct {
	Store *store.Store
}

func (h *CreditsHandler) Register(g *echo.Group) {
	g.GET("", h.get)
}

func (h *CreditsHandler) get(c echo.Context) error {
	userID := c.Get("user_id").(string)
	ctx := c.Request().Context()

	balance, err := h.Store.Balance(ctx, userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	resp := CreditsResponse{Balance: balance}

	if c.QueryParam("history") == "true" {
		limit, _ := strconv.Atoi(c.QueryParam("limit"))
		entries, err := h.Store.LedgerEntries(ctx, userID, limit)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		resp.History = entries
	}
	return c.JSON(http.StatusOK, resp)
}
