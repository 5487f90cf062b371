package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/image-pipeline/internal/api/dto"
	"github.com/cuongbtq/image-pipeline/internal/domain"
	"github.com/cuongbtq/image-pipeline/internal/submission"
)

// ListImages handles GET /api/v1/images
// Lists images with optional status and tag filters
func (h *ImageHandler) ListImages(c *gin.Context) {
	var req dto.ListImagesRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		badRequest(c, "Invalid query parameters")
		return
	}

	page, err := h.service.List(c.Request.Context(), submission.Filter{
		Status: req.Status,
		Tag:    req.Tag,
		Page:   req.Page,
		Limit:  req.Limit,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.ListImagesResponse{
		Data:  page.Records,
		Total: page.Total,
		Page:  page.Page,
		Limit: page.Limit,
	})
}

// GetImage handles GET /api/v1/images/:id
func (h *ImageHandler) GetImage(c *gin.Context) {
	rec, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// UpdateImage handles PATCH /api/v1/images/:id
// Renames an image and/or replaces its tags
func (h *ImageHandler) UpdateImage(c *gin.Context) {
	var req dto.UpdateImageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		badRequest(c, "Invalid request body")
		return
	}
	if req.Name == nil && req.Tags == nil {
		badRequest(c, "name or tags is required")
		return
	}

	upd := submission.Update{Name: req.Name}
	if req.Tags != nil {
		upd.Tags = append([]string{}, *req.Tags...)
	}

	rec, err := h.service.Update(c.Request.Context(), c.Param("id"), upd)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// DeleteImage handles DELETE /api/v1/images/:id
// Deletes the record and, best effort, the stored asset
func (h *ImageHandler) DeleteImage(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("id"), credentials(c)); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.MessageResponse{Message: "Image deleted successfully"})
}

// CancelImage handles POST /api/v1/images/:id/cancel
// Fails a job that no worker has finished yet
func (h *ImageHandler) CancelImage(c *gin.Context) {
	rec, err := h.service.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// GetImageURL handles GET /api/v1/images/:id/url
// Builds a delivery URL with optional transformations
func (h *ImageHandler) GetImageURL(c *gin.Context) {
	var req dto.AssetURLRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		badRequest(c, "Invalid query parameters")
		return
	}

	url, err := h.service.GetAssetURL(c.Request.Context(), c.Param("id"), domain.TransformOptions{
		Width:  req.Width,
		Height: req.Height,
		Crop:   req.Crop,
		Format: req.Format,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.AssetURLResponse{URL: url})
}
