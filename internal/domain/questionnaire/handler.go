package questionnaire

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/clinform/clinform/internal/platform/auth"
	"github.com/clinform/clinform/internal/platform/docstore"
	"github.com/clinform/clinform/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/patients/:patientID/questionnaires", h.Assign,
		auth.RequireRole(auth.RolePractitioner))
	api.GET("/patients/:patientID/questionnaires", h.ListByPatient)
	api.GET("/patients/:patientID/questionnaires/:questionnaireID", h.Get)
	api.PATCH("/patients/:patientID/questionnaires/:questionnaireID/responses", h.SaveResponses)
	api.POST("/patients/:patientID/questionnaires/:questionnaireID/complete", h.Complete)
	api.POST("/patients/:patientID/questionnaires/:questionnaireID/submit", h.Submit)
	api.POST("/patients/:patientID/questionnaires/:questionnaireID/reopen", h.Reopen,
		auth.RequireRole(auth.RolePractitioner))

	api.GET("/questionnaires", h.ListRoot,
		auth.RequireRole(auth.RolePractitioner))
}

type assignRequest struct {
	TemplateIDs []string `json:"template_ids"`
}

func (h *Handler) Assign(c echo.Context) error {
	var req assignRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.Assign(c.Request().Context(), c.Param("patientID"), req.TemplateIDs)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) Get(c echo.Context) error {
	q, err := h.svc.Get(c.Request().Context(), c.Param("patientID"), c.Param("questionnaireID"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, q)
}

func (h *Handler) ListByPatient(c echo.Context) error {
	qs, err := h.svc.ListByPatient(c.Request().Context(), c.Param("patientID"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, qs)
}

func (h *Handler) SaveResponses(c echo.Context) error {
	var partial Responses
	if err := c.Bind(&partial); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	q, err := h.svc.SaveResponses(c.Request().Context(), c.Param("patientID"), c.Param("questionnaireID"), partial)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, q)
}

func (h *Handler) Complete(c echo.Context) error {
	q, err := h.svc.Complete(c.Request().Context(), c.Param("patientID"), c.Param("questionnaireID"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, q)
}

func (h *Handler) Submit(c echo.Context) error {
	q, err := h.svc.Submit(c.Request().Context(), c.Param("patientID"), c.Param("questionnaireID"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, q)
}

func (h *Handler) Reopen(c echo.Context) error {
	q, err := h.svc.Reopen(c.Request().Context(), c.Param("patientID"), c.Param("questionnaireID"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, q)
}

func (h *Handler) ListRoot(c echo.Context) error {
	pg := pagination.FromContext(c)
	filter := docstore.Filter{}
	if status := c.QueryParam("status"); status != "" {
		filter["status"] = status
	}
	if patientID := c.QueryParam("patient_id"); patientID != "" {
		filter["patient_id"] = patientID
	}
	if practitionerID := c.QueryParam("practitioner_id"); practitionerID != "" {
		filter["practitioner_id"] = practitionerID
	}
	items, total, err := h.svc.ListRoot(c.Request().Context(), filter, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// httpError maps domain errors onto HTTP status codes. A partial write is a
// 502: the patient copy was written, the practitioner copy was not, and the
// body says so.
func httpError(err error) error {
	var it *InvalidTransitionError
	var pw *PartialWriteError
	switch {
	case errors.As(err, &it):
		return echo.NewHTTPError(http.StatusConflict, it.Error())
	case errors.As(err, &pw):
		return echo.NewHTTPError(http.StatusBadGateway, pw.Error())
	case errors.Is(err, ErrAlreadySubmitted):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrUnknownTemplate):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, docstore.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "questionnaire not found")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
