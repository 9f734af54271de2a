package catalog

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/pedicare/pedicare/internal/platform/auth"
)

// Handler exposes the catalogs over HTTP.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	cat := g.Group("/catalog")
	cat.GET("/services", h.ListServices, auth.RequirePermission(PermRead))
	cat.PUT("/services", h.SaveService, auth.RequirePermission(PermUpdate))
	cat.GET("/medicines", h.ListMedicines, auth.RequirePermission(PermRead))
	cat.PUT("/medicines", h.SaveMedicine, auth.RequirePermission(PermUpdate))
	cat.GET("/fee", h.GetFee, auth.RequirePermission(PermRead))
	cat.PUT("/fee", h.SetFee, auth.RequirePermission(PermUpdate))
	cat.GET("/fee/history", h.ListFees, auth.RequirePermission(PermRead))
}

func httpError(err error) error {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, ve.Error())
	case errors.Is(err, auth.ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNoFeeSchedule):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	default:
		return err
	}
}

func (h *Handler) ListServices(c echo.Context) error {
	activeOnly := c.QueryParam("active") == "true"
	items, err := h.svc.ListServices(c.Request().Context(), activeOnly)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*ServiceItem{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) SaveService(c echo.Context) error {
	var item ServiceItem
	if err := c.Bind(&item); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	saved, err := h.svc.SaveService(c.Request().Context(), &item)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, saved)
}

func (h *Handler) ListMedicines(c echo.Context) error {
	activeOnly := c.QueryParam("active") == "true"
	items, err := h.svc.ListMedicines(c.Request().Context(), activeOnly)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*MedicineItem{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) SaveMedicine(c echo.Context) error {
	var item MedicineItem
	if err := c.Bind(&item); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	saved, err := h.svc.SaveMedicine(c.Request().Context(), &item)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, saved)
}

func (h *Handler) GetFee(c echo.Context) error {
	fee, err := h.svc.GetFee(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]int64{"examination_fee": fee})
}

type setFeeBody struct {
	ExaminationFee int64     `json:"examination_fee"`
	EffectiveFrom  time.Time `json:"effective_from"`
}

func (h *Handler) SetFee(c echo.Context) error {
	var body setFeeBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	fs, err := h.svc.SetFee(c.Request().Context(), body.ExaminationFee, body.EffectiveFrom)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, fs)
}

func (h *Handler) ListFees(c echo.Context) error {
	fees, err := h.svc.ListFees(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	if fees == nil {
		fees = []*FeeSchedule{}
	}
	return c.JSON(http.StatusOK, fees)
}
