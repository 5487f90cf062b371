package dto

import "github.com/cuongbtq/image-pipeline/internal/domain"

type UploadResponse struct {
	JobID   string `json:"jobId"`
	Message string `json:"message"`
}

type BatchUploadResponse struct {
	JobIDs  []string       `json:"jobIds"`
	Message string         `json:"message"`
	Failed  []BatchFailure `json:"failed,omitempty"`
}

type BatchFailure struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

type ListImagesRequest struct {
	Status string `form:"status"`
	Tag    string `form:"tag"`
	Page   int    `form:"page" binding:"omitempty,min=1"`
	Limit  int    `form:"limit" binding:"omitempty,min=1"`
}

type ListImagesResponse struct {
	Data  []domain.JobRecord `json:"data"`
	Total int                `json:"total"`
	Page  int                `json:"page"`
	Limit int                `json:"limit"`
}

// UpdateImageRequest is a partial update; absent fields are left unchanged
type UpdateImageRequest struct {
	Name *string   `json:"name"`
	Tags *[]string `json:"tags"`
}

type AssetURLRequest struct {
	Width  int    `form:"width"`
	Height int    `form:"height"`
	Crop   string `form:"crop"`
	Format string `form:"format"`
}

type AssetURLResponse struct {
	URL string `json:"url"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}
