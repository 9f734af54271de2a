package examination

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/pedicare/pedicare/internal/platform/auth"
	"github.com/pedicare/pedicare/pkg/pagination"
)

// Handler exposes the lifecycle over HTTP.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the examination endpoints on the given group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	ex := g.Group("/examinations")
	ex.POST("", h.Book, auth.RequirePermission(PermBook))
	ex.POST("/walk-in", h.ReceiveWalkIn, auth.RequirePermission(PermReceive))
	ex.GET("", h.List, auth.RequirePermission(PermRead))
	ex.GET("/:id", h.Get, auth.RequirePermission(PermRead))
	ex.PATCH("/:id", h.UpdateTerminal, auth.RequirePermission(PermUpdate))
	ex.POST("/:id/receive", h.Receive, auth.RequirePermission(PermReceive))
	ex.POST("/:id/claim", h.Claim, auth.RequirePermission(PermExamine))
	ex.POST("/:id/heartbeat", h.Heartbeat, auth.RequirePermission(PermExamine))
	ex.POST("/:id/release", h.Release, auth.RequirePermission(PermExamine))
	ex.POST("/:id/examine", h.Examine, auth.RequirePermission(PermExamine))
	ex.POST("/:id/pay", h.Pay, auth.RequirePermission(PermPay))
	ex.POST("/:id/cancel", h.Cancel, auth.RequirePermission(PermCancel))
	ex.POST("/:id/follow-up", h.CreateFollowUp, auth.RequirePermission(PermBook))

	g.GET("/invoices", h.ListInvoices, auth.RequirePermission(PermRead))
	g.GET("/sessions", h.ListSessions, auth.RequirePermission(PermRead))
	g.PUT("/sessions/:weekday", h.UpsertSession, auth.RequirePermission(PermSessionUpdate))
	g.GET("/slots", h.AvailableSlots, auth.RequirePermission(PermRead))
}

// httpError maps domain errors onto HTTP status codes.
func httpError(err error) error {
	var (
		ve *ValidationError
		se *StateError
		ce *ConflictError
		le *ClaimError
	)
	switch {
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, ve.Error())
	case errors.Is(err, auth.ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.As(err, &se):
		if se.NotFound {
			return echo.NewHTTPError(http.StatusNotFound, se.Error())
		}
		return echo.NewHTTPError(http.StatusConflict, se.Error())
	case errors.As(err, &ce):
		return echo.NewHTTPError(http.StatusConflict, ce.Error())
	case errors.As(err, &le):
		return echo.NewHTTPError(http.StatusConflict, le.Error())
	default:
		return err
	}
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid examination id")
	}
	return id, nil
}

func (h *Handler) Book(c echo.Context) error {
	var in BookInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	e, err := h.svc.Book(c.Request().Context(), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, e)
}

func (h *Handler) ReceiveWalkIn(c echo.Context) error {
	var in BookInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	e, err := h.svc.ReceiveWalkIn(c.Request().Context(), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, e)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}

	e, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) List(c echo.Context) error {
	from, to, err := dateRange(c)
	if err != nil {
		return err
	}

	var status *Status
	if raw := c.QueryParam("status"); raw != "" {
		st := Status(raw)
		status = &st
	}

	params := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), from, to, status, params.Limit, params.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Examination{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, params.Limit, params.Offset))
}

// dateRange reads from/to query params as RFC 3339 or plain dates, defaulting
// to the current day.
func dateRange(c echo.Context) (time.Time, time.Time, error) {
	now := time.Now()
	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	to := from.AddDate(0, 0, 1)

	var err error
	if raw := c.QueryParam("from"); raw != "" {
		if from, err = parseTimeParam(raw); err != nil {
			return time.Time{}, time.Time{}, echo.NewHTTPError(http.StatusBadRequest, "invalid from")
		}
	}
	if raw := c.QueryParam("to"); raw != "" {
		if to, err = parseTimeParam(raw); err != nil {
			return time.Time{}, time.Time{}, echo.NewHTTPError(http.StatusBadRequest, "invalid to")
		}
	}
	return from, to, nil
}

func parseTimeParam(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02", raw, time.Local)
}

func (h *Handler) Receive(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}

	e, err := h.svc.Receive(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) Claim(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}

	e, err := h.svc.Claim(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

type claimTokenBody struct {
	ClaimToken uuid.UUID `json:"claim_token"`
}

func (h *Handler) Heartbeat(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var body claimTokenBody
	if err := c.Bind(&body); err != nil || body.ClaimToken == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "claim_token is required")
	}

	e, err := h.svc.Heartbeat(c.Request().Context(), id, body.ClaimToken)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) Release(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var body claimTokenBody
	if err := c.Bind(&body); err != nil || body.ClaimToken == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "claim_token is required")
	}

	e, err := h.svc.Release(c.Request().Context(), id, body.ClaimToken)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) Examine(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var fields ClinicalFields
	if err := c.Bind(&fields); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	e, err := h.svc.Examine(c.Request().Context(), id, fields)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) Pay(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var in PayInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	e, inv, err := h.svc.Pay(c.Request().Context(), id, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"examination": e,
		"invoice":     inv,
	})
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}

	e, err := h.svc.Cancel(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) UpdateTerminal(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var edit TerminalEdit
	if err := c.Bind(&edit); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	e, err := h.svc.UpdateTerminal(c.Request().Context(), id, edit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

type followUpBody struct {
	Date time.Time `json:"date"`
}

func (h *Handler) CreateFollowUp(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var body followUpBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	e, err := h.svc.CreateFollowUp(c.Request().Context(), id, body.Date)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, e)
}

func (h *Handler) ListInvoices(c echo.Context) error {
	from, to, err := dateRange(c)
	if err != nil {
		return err
	}

	params := pagination.FromContext(c)
	items, total, err := h.svc.ListInvoices(c.Request().Context(), from, to, params.Limit, params.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Invoice{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, params.Limit, params.Offset))
}

func (h *Handler) ListSessions(c echo.Context) error {
	sessions, err := h.svc.ListSessions(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	if sessions == nil {
		sessions = []*Session{}
	}
	return c.JSON(http.StatusOK, sessions)
}

type sessionBody struct {
	Times []string `json:"times"`
}

func (h *Handler) UpsertSession(c echo.Context) error {
	wd, err := strconv.Atoi(c.Param("weekday"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid weekday")
	}
	var body sessionBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	session, err := h.svc.UpsertSession(c.Request().Context(), time.Weekday(wd), body.Times)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, session)
}

func (h *Handler) AvailableSlots(c echo.Context) error {
	raw := c.QueryParam("date")
	if raw == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "date is required")
	}
	date, err := time.ParseInLocation("2006-01-02", raw, time.Local)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "date must be YYYY-MM-DD")
	}

	slots, err := h.svc.AvailableSlots(c.Request().Context(), date)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, slots)
}
