package audit

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/clinform/clinform/internal/platform/auth"
)

type Handler struct {
	auditor *Auditor
}

func NewHandler(auditor *Auditor) *Handler {
	return &Handler{auditor: auditor}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/audit/questionnaires", h.Run,
		auth.RequireRole(auth.RolePractitioner, auth.RoleAdmin))
}

func (h *Handler) Run(c echo.Context) error {
	report, err := h.auditor.Run(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, report)
}
