package invitation

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/clinform/clinform/internal/platform/auth"
)

type Handler struct {
	svc *Manager
}

func NewHandler(svc *Manager) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/invitations", h.Issue, auth.RequireRole(auth.RolePractitioner))
	api.GET("/invitations/:token", h.Validate)
	api.POST("/invitations/:token/consume", h.Consume)
	api.POST("/invitations/remediate", h.Remediate, auth.RequireRole(auth.RoleAdmin))
}

type issueRequest struct {
	Email     string `json:"email"`
	PatientID string `json:"patient_id"`
}

func (h *Handler) Issue(c echo.Context) error {
	var req issueRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Email == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "email is required")
	}
	practitionerID := auth.UserIDFromContext(c.Request().Context())
	t, err := h.svc.Issue(c.Request().Context(), req.Email, practitionerID, req.PatientID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, t)
}

func (h *Handler) Validate(c echo.Context) error {
	t, err := h.svc.Validate(c.Request().Context(), c.Param("token"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

type consumeRequest struct {
	PatientID string `json:"patient_id"`
}

func (h *Handler) Consume(c echo.Context) error {
	var req consumeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.PatientID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id is required")
	}
	t, err := h.svc.Consume(c.Request().Context(), c.Param("token"), req.PatientID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

type remediateRequest struct {
	Email     string `json:"email"`
	PatientID string `json:"patient_id"`
}

func (h *Handler) Remediate(c echo.Context) error {
	var req remediateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Email == "" || req.PatientID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "email and patient_id are required")
	}
	t, err := h.svc.Remediate(c.Request().Context(), req.Email, req.PatientID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrTokenNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrTokenAlreadyUsed):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrTokenExpired):
		return echo.NewHTTPError(http.StatusGone, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
