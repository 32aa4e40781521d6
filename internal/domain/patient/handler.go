package patient

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/clinform/clinform/internal/domain/invitation"
	"github.com/clinform/clinform/internal/platform/auth"
	"github.com/clinform/clinform/internal/platform/docstore"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/patients", h.Create, auth.RequireRole(auth.RolePractitioner))
	api.GET("/patients/:patientID", h.Get)
	api.POST("/patients/:patientID/activate", h.Activate)
}

type createRequest struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

func (h *Handler) Create(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.Create(c.Request().Context(), req.Email, req.FirstName, req.LastName)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) Get(c echo.Context) error {
	p, err := h.svc.Get(c.Request().Context(), c.Param("patientID"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

type activateRequest struct {
	TokenID string `json:"token_id"`
}

func (h *Handler) Activate(c echo.Context) error {
	var req activateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.TokenID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "token_id is required")
	}
	p, err := h.svc.Activate(c.Request().Context(), c.Param("patientID"), req.TokenID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrEmailMissing):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, invitation.ErrTokenNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, invitation.ErrTokenAlreadyUsed):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, invitation.ErrTokenExpired):
		return echo.NewHTTPError(http.StatusGone, err.Error())
	case errors.Is(err, docstore.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
