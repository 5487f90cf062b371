package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/image-pipeline/internal/api/dto"
	"github.com/cuongbtq/image-pipeline/internal/submission"
)

const (
	// IdempotencyKeyHeader lets a client pin the job id of an upload
	IdempotencyKeyHeader = "X-Idempotency-Key"

	queuedMessage = "Image is being processed in the background"
)

// Upload handles POST /api/v1/upload
// Queues a single image for background upload
func (h *ImageHandler) Upload(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		badRequest(c, "file is missing")
		return
	}

	file, err := readFormFile(fh)
	if err != nil {
		h.logger.Error("Failed to read uploaded file", slog.String("error", err.Error()))
		badRequest(c, "file could not be read")
		return
	}

	jobID, err := h.service.Enqueue(c.Request.Context(), submission.Submission{
		File:        file.Data,
		Filename:    file.Filename,
		MimeType:    file.MimeType,
		Name:        c.PostForm("name"),
		Tags:        parseTags(c.PostFormArray("tags")),
		WebhookURL:  c.PostForm("webhookUrl"),
		Credentials: credentials(c),
		JobID:       c.GetHeader(IdempotencyKeyHeader),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, dto.UploadResponse{JobID: jobID, Message: queuedMessage})
}

// UploadBatch handles POST /api/v1/upload/batch
// Per-file names and tags are sent as name1..nameN and tags1..tagsN
func (h *ImageHandler) UploadBatch(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		badRequest(c, "multipart form expected")
		return
	}

	headers := form.File["files"]
	if len(headers) == 0 {
		badRequest(c, "files are missing")
		return
	}

	batch := submission.Batch{
		Files:       make([]submission.File, len(headers)),
		WebhookURL:  c.PostForm("webhookUrl"),
		Credentials: credentials(c),
	}
	for i, fh := range headers {
		f, err := readFormFile(fh)
		if err != nil {
			h.logger.Error("Failed to read uploaded file",
				slog.Int("index", i),
				slog.String("error", err.Error()),
			)
			badRequest(c, fmt.Sprintf("file %d could not be read", i+1))
			return
		}
		batch.Files[i] = f
	}
	batch.Names, batch.Tags = indexedFields(c, len(headers))

	ids, err := h.service.EnqueueBatch(c.Request.Context(), batch)
	if err != nil {
		var batchErr *submission.BatchError
		if errors.As(err, &batchErr) {
			h.respondBatchError(c, batchErr)
			return
		}
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, dto.BatchUploadResponse{JobIDs: ids, Message: queuedMessage})
}

// respondBatchError reports partial success as 207 and total failure as 500
func (h *ImageHandler) respondBatchError(c *gin.Context, err *submission.BatchError) {
	resp := dto.BatchUploadResponse{JobIDs: err.IDs}
	for i := range err.IDs {
		if cause, ok := err.Failed[i]; ok {
			resp.Failed = append(resp.Failed, dto.BatchFailure{Index: i, Error: cause.Error()})
		}
	}

	status := http.StatusMultiStatus
	resp.Message = "Some images could not be queued"
	if len(err.Failed) == len(err.IDs) {
		status = http.StatusInternalServerError
		resp.Message = "No image could be queued"
	}
	c.JSON(status, resp)
}

// GetStatus handles GET /api/v1/status/:id
func (h *ImageHandler) GetStatus(c *gin.Context) {
	view, err := h.service.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func readFormFile(fh *multipart.FileHeader) (submission.File, error) {
	f, err := fh.Open()
	if err != nil {
		return submission.File{}, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return submission.File{}, err
	}

	return submission.File{
		Data:     data,
		Filename: fh.Filename,
		MimeType: fh.Header.Get("Content-Type"),
	}, nil
}

// indexedFields collects name1..nameN and tags1..tagsN. Slices are nil when no field was sent.
func indexedFields(c *gin.Context, n int) ([]string, [][]string) {
	names := make([]string, n)
	tags := make([][]string, n)
	var haveNames, haveTags bool

	for i := 0; i < n; i++ {
		if v, ok := c.GetPostForm(fmt.Sprintf("name%d", i+1)); ok {
			names[i] = v
			haveNames = true
		}
		if v, ok := c.GetPostFormArray(fmt.Sprintf("tags%d", i+1)); ok {
			tags[i] = parseTags(v)
			haveTags = true
		}
	}

	if !haveNames {
		names = nil
	}
	if !haveTags {
		tags = nil
	}
	return names, tags
}

// parseTags accepts repeated fields and comma separated values
func parseTags(values []string) []string {
	var tags []string
	for _, v := range values {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
	}
	return tags
}
