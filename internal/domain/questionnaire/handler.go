package questionnaire

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/careforms/internal/platform/auth"
	"github.com/ehr/careforms/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// read: admin, physician, nurse, patient
	read := api.Group("", auth.RequireRole("admin", "physician", "nurse", "patient"))
	read.GET("/questionnaire", h.ListQuestionnaires)
	read.GET("/questionnaire/:slug", h.GetQuestionnaire)
	read.POST("/questionnaire/:slug/enablement", h.Enablement)
	read.GET("/questionnaire_response", h.ListResponses)
	read.GET("/questionnaire_response/:id", h.GetResponse)
	read.GET("/questionnaire_response/:id/form", h.GetResponseForm)

	// submitting answers: admin, physician, nurse
	submit := api.Group("", auth.RequireRole("admin", "physician", "nurse"))
	submit.POST("/questionnaire/:slug/submit", h.Submit)
	submit.POST("/questionnaire_response/:id/amend", h.Amend)

	// authoring: admin only
	author := api.Group("", auth.RequireRole("admin"))
	author.POST("/questionnaire", h.CreateQuestionnaire)
	author.POST("/questionnaire/validate", h.ValidateDefinition)
	author.PUT("/questionnaire/:slug", h.UpdateQuestionnaire)
	author.DELETE("/questionnaire/:slug", h.DeleteQuestionnaire)
}

type questionnaireRequest struct {
	Slug          string     `json:"slug" validate:"required,slug,max=255"`
	Title         string     `json:"title" validate:"required,max=512"`
	Description   string     `json:"description"`
	Status        string     `json:"status" validate:"omitempty,oneof=active draft retired"`
	Version       string     `json:"version" validate:"max=32"`
	SubjectType   string     `json:"subject_type" validate:"omitempty,oneof=patient encounter"`
	Tags          []string   `json:"tags"`
	Organizations []string   `json:"organizations"`
	Questions     []Question `json:"questions"`
}

func (r *questionnaireRequest) toModel() *Questionnaire {
	return &Questionnaire{
		Slug:          r.Slug,
		Title:         r.Title,
		Description:   r.Description,
		Status:        r.Status,
		Version:       r.Version,
		SubjectType:   r.SubjectType,
		Tags:          r.Tags,
		Organizations: r.Organizations,
		Questions:     r.Questions,
	}
}

type entriesRequest struct {
	Responses []ResponseEntry `json:"responses"`
}

type definitionRequest struct {
	Questions []Question `json:"questions"`
}

// -- Questionnaire Handlers --

func (h *Handler) CreateQuestionnaire(c echo.Context) error {
	var req questionnaireRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	q := req.toModel()
	q.CreatedBy = auth.UserIDFromContext(c.Request().Context())
	if err := h.svc.CreateQuestionnaire(c.Request().Context(), q); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, q)
}

func (h *Handler) GetQuestionnaire(c echo.Context) error {
	q, err := h.svc.GetQuestionnaire(c.Request().Context(), c.Param("slug"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, q)
}

func (h *Handler) ListQuestionnaires(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := ListFilter{
		Status:       c.QueryParam("status"),
		SubjectType:  c.QueryParam("subject_type"),
		Tag:          c.QueryParam("tag"),
		Organization: c.QueryParam("organization"),
		Search:       c.QueryParam("title"),
	}
	items, total, err := h.svc.ListQuestionnaires(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Questionnaire{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) UpdateQuestionnaire(c echo.Context) error {
	var req questionnaireRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Slug == "" {
		req.Slug = c.Param("slug")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	q := req.toModel()
	if err := h.svc.UpdateQuestionnaire(c.Request().Context(), c.Param("slug"), q); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, q)
}

func (h *Handler) DeleteQuestionnaire(c echo.Context) error {
	if err := h.svc.DeleteQuestionnaire(c.Request().Context(), c.Param("slug")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ValidateDefinition(c echo.Context) error {
	var req definitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	report := h.svc.CheckDefinition(req.Questions)
	if report.Errors == nil {
		report.Errors = []DefinitionIssue{}
	}
	if report.Warnings == nil {
		report.Warnings = []DefinitionIssue{}
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) Enablement(c echo.Context) error {
	var req entriesRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	enabled, err := h.svc.Enablement(c.Request().Context(), c.Param("slug"), req.Responses)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"enabled": enabled})
}

// -- Questionnaire Response Handlers --

func (h *Handler) Submit(c echo.Context) error {
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	qr, err := h.svc.Submit(ctx, c.Param("slug"), req, auth.UserIDFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, qr)
}

func (h *Handler) Amend(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req entriesRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	qr, err := h.svc.Amend(ctx, id, req.Responses, auth.UserIDFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, qr)
}

func (h *Handler) GetResponse(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	qr, err := h.svc.GetResponse(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, qr)
}

func (h *Handler) GetResponseForm(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	form, err := h.svc.GetResponseForm(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, form)
}

func (h *Handler) ListResponses(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := ResponseFilter{
		SubjectID:   c.QueryParam("subject_id"),
		EncounterID: c.QueryParam("encounter_id"),
		Status:      c.QueryParam("status"),
	}
	if slug := c.QueryParam("questionnaire"); slug != "" {
		q, err := h.svc.GetQuestionnaire(c.Request().Context(), slug)
		if err != nil {
			return httpError(err)
		}
		f.QuestionnaireID = &q.ID
	}
	items, total, err := h.svc.ListResponses(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*QuestionnaireResponse{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func httpError(err error) error {
	var defErr *DefinitionError
	var valErrs ValidationErrors
	switch {
	case errors.As(err, &defErr):
		return echo.NewHTTPError(http.StatusBadRequest, map[string]interface{}{
			"message":  "invalid questionnaire definition",
			"errors":   defErr.Report.Errors,
			"warnings": defErr.Report.Warnings,
		})
	case errors.As(err, &valErrs):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, map[string]interface{}{
			"message": "response has invalid answers",
			"errors":  []QuestionError(valErrs),
		})
	case errors.Is(err, ErrInvalid):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, ErrDuplicateSlug), errors.Is(err, ErrHasResponses), errors.Is(err, ErrAlreadySuperseded):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrRetired):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrStructuredSubmit):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
