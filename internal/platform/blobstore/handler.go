package blobstore

import (
	"errors"
	"fmt"
	"mime"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/careforms/internal/platform/auth"
)

// Image slots exposed over HTTP.
const (
	SlotProfilePicture = "profile_picture"
	SlotCoverImage     = "cover_image"
)

// ImageKey returns the storage key for an owner's image slot.
func ImageKey(ownerKind, ownerID, slot string) string {
	return fmt.Sprintf("%s/%s/%s", ownerKind, ownerID, slot)
}

// ImageHandler serves avatar and cover image uploads.
type ImageHandler struct {
	store BlobStore
}

func NewImageHandler(store BlobStore) *ImageHandler {
	return &ImageHandler{store: store}
}

func (h *ImageHandler) RegisterRoutes(api *echo.Group) {
	users := api.Group("/users/:username", auth.RequireSelfOrRole("username", auth.RoleAdmin))
	users.POST("/profile_picture", h.upload("users", "username", SlotProfilePicture))
	users.DELETE("/profile_picture", h.remove("users", "username", SlotProfilePicture))

	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/facility/:id/cover_image", h.upload("facility", "id", SlotCoverImage))
	admin.DELETE("/facility/:id/cover_image", h.remove("facility", "id", SlotCoverImage))
	admin.POST("/organization/:id/cover_image", h.upload("organization", "id", SlotCoverImage))
	admin.DELETE("/organization/:id/cover_image", h.remove("organization", "id", SlotCoverImage))

	read := api.Group("", auth.RequireRole(auth.RoleAdmin, "physician", "nurse", "patient"))
	read.GET("/users/:username/profile_picture", h.download("users", "username", SlotProfilePicture))
	read.GET("/facility/:id/cover_image", h.download("facility", "id", SlotCoverImage))
	read.GET("/organization/:id/cover_image", h.download("organization", "id", SlotCoverImage))
}

func (h *ImageHandler) upload(kind, param, slot string) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Request().Body = http.MaxBytesReader(c.Response(), c.Request().Body, MaxImageSize+1<<20)

		file, err := c.FormFile("file")
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "file is required")
		}
		if file.Size > MaxImageSize {
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, ErrFileTooLarge.Error())
		}
		src, err := file.Open()
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to open uploaded file")
		}
		defer src.Close()

		meta := BlobMetadata{
			Key:         ImageKey(kind, c.Param(param), slot),
			FileName:    file.Filename,
			ContentType: file.Header.Get("Content-Type"),
			CreatedBy:   auth.UserIDFromContext(c.Request().Context()),
		}
		result, err := h.store.Upload(c.Request().Context(), meta, src)
		if err != nil {
			return uploadError(err)
		}
		return c.JSON(http.StatusOK, result)
	}
}

func uploadError(err error) error {
	switch {
	case errors.Is(err, ErrFileTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, ErrMissingFileName), errors.Is(err, ErrMissingKey):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrInvalidContentType):
		return echo.NewHTTPError(http.StatusUnsupportedMediaType, "only image uploads are accepted")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func (h *ImageHandler) remove(kind, param, slot string) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := h.store.Delete(c.Request().Context(), ImageKey(kind, c.Param(param), slot))
		if err != nil {
			if errors.Is(err, ErrBlobNotFound) {
				return echo.NewHTTPError(http.StatusNotFound, "no image stored")
			}
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func (h *ImageHandler) download(kind, param, slot string) echo.HandlerFunc {
	return func(c echo.Context) error {
		rc, meta, err := h.store.Download(c.Request().Context(), ImageKey(kind, c.Param(param), slot))
		if err != nil {
			if errors.Is(err, ErrBlobNotFound) {
				return echo.NewHTTPError(http.StatusNotFound, "no image stored")
			}
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		defer rc.Close()

		c.Response().Header().Set("Content-Disposition", contentDisposition(meta.FileName))
		return c.Stream(http.StatusOK, meta.ContentType, rc)
	}
}

// contentDisposition quotes or RFC 2231-encodes the stored file name.
func contentDisposition(fileName string) string {
	if v := mime.FormatMediaType("inline", map[string]string{"filename": fileName}); v != "" {
		return v
	}
	return "inline"
}
