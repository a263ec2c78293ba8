package valueset

import (
	"errors"
	"net/http"

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
	read := api.Group("", auth.RequireRole("admin", "physician", "nurse", "patient"))
	read.GET("/valueset", h.List)
	read.GET("/valueset/:slug", h.Get)
	read.POST("/valueset/lookup_code", h.Lookup)
	read.POST("/valueset/:slug/expand", h.Expand)

	write := api.Group("", auth.RequireRole("admin"))
	write.POST("/valueset", h.Create)
	write.PUT("/valueset/:slug", h.Update)
}

type valueSetRequest struct {
	Slug        string  `json:"slug" validate:"required,slug,max=255"`
	Name        string  `json:"name" validate:"required,max=512"`
	Description string  `json:"description"`
	Status      string  `json:"status" validate:"omitempty,oneof=active draft retired unknown"`
	Compose     Compose `json:"compose"`
}

func (r *valueSetRequest) toModel() *ValueSet {
	return &ValueSet{
		Slug:        r.Slug,
		Name:        r.Name,
		Description: r.Description,
		Status:      r.Status,
		Compose:     r.Compose,
	}
}

type lookupRequest struct {
	System string `json:"system" validate:"required"`
	Code   string `json:"code" validate:"required"`
}

func (h *Handler) Create(c echo.Context) error {
	var req valueSetRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	vs := req.toModel()
	vs.CreatedBy = auth.UserIDFromContext(c.Request().Context())
	vs.UpdatedBy = vs.CreatedBy
	if err := h.svc.Create(c.Request().Context(), vs); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, vs)
}

func (h *Handler) Get(c echo.Context) error {
	vs, err := h.svc.Get(c.Request().Context(), c.Param("slug"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, vs)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := ListFilter{
		Status: c.QueryParam("status"),
		Search: c.QueryParam("name"),
	}
	switch c.QueryParam("is_system_defined") {
	case "true":
		v := true
		f.SystemDefined = &v
	case "false":
		v := false
		f.SystemDefined = &v
	}
	items, total, err := h.svc.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*ValueSet{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) Update(c echo.Context) error {
	var req valueSetRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Slug == "" {
		req.Slug = c.Param("slug")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	vs := req.toModel()
	vs.UpdatedBy = auth.UserIDFromContext(c.Request().Context())
	if err := h.svc.Update(c.Request().Context(), c.Param("slug"), vs); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, vs)
}

func (h *Handler) Lookup(c echo.Context) error {
	var req lookupRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	meta, err := h.svc.Lookup(c.Request().Context(), req.System, req.Code)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"metadata": meta})
}

func (h *Handler) Expand(c echo.Context) error {
	var req ExpandRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	exp, err := h.svc.Expand(c.Request().Context(), c.Param("slug"), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, exp)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrInvalid):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "value set not found")
	case errors.Is(err, ErrCodeNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "code not found")
	case errors.Is(err, ErrDuplicateSlug):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrSystemDefined):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrRemoteUnavailable):
		return echo.NewHTTPError(http.StatusBadGateway, ErrRemoteUnavailable.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
