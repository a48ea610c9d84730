package schedule

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	HeaderScheduleDate    = "X-Schedule-Date"
	HeaderScheduleWidened = "X-Schedule-Widened"
)

type Handler struct {
	agg *Aggregator
	upd *StatusUpdater
}

func NewHandler(agg *Aggregator, upd *StatusUpdater) *Handler {
	return &Handler{agg: agg, upd: upd}
}

// RegisterRoutes mounts the schedule API on g. The write middleware wraps only
// the status update route.
func (h *Handler) RegisterRoutes(g *echo.Group, write ...echo.MiddlewareFunc) {
	g.GET("/patients", h.ListPatients)
	g.POST("/patients/status", h.UpdateStatus, write...)
	g.GET("/statuses", h.ListStatuses)
}

// ListPatients always answers 200 with a JSON array. The date actually used
// and whether the result was widened are reported in response headers.
func (h *Handler) ListPatients(c echo.Context) error {
	sched := h.agg.Aggregate(c.Request().Context(), c.QueryParam("date"))

	c.Response().Header().Set(HeaderScheduleDate, sched.Date.String())
	c.Response().Header().Set(HeaderScheduleWidened, strconv.FormatBool(sched.Widened))
	return c.JSON(http.StatusOK, sched.Records)
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	var req StatusUpdateRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, UpdateResult{Message: "invalid request body"})
	}
	res := h.upd.Update(c.Request().Context(), req)
	return c.JSON(res.Code, res)
}

func (h *Handler) ListStatuses(c echo.Context) error {
	return c.JSON(http.StatusOK, Statuses())
}
