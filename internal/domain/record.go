package domain

import "time"

// JobRecord is the durable row describing one image's end-to-end lifecycle
type JobRecord struct {
	ID           string    `db:"id" json:"id"`
	JobID        string    `db:"job_id" json:"jobId"`
	OriginalName string    `db:"original_name" json:"originalName"`
	DisplayName  string    `db:"display_name" json:"name"`
	MimeType     string    `db:"mime_type" json:"mimeType"`
	SizeBytes    int64     `db:"size_bytes" json:"sizeBytes"`
	Tags         []string  `db:"-" json:"tags"`
	WebhookURL   string    `db:"webhook_url" json:"webhookUrl,omitempty"`
	Status       Status    `db:"status" json:"status"`
	AssetURL     string    `db:"asset_url" json:"assetUrl,omitempty"`
	AssetID      string    `db:"asset_id" json:"assetId,omitempty"`
	ErrorMessage string    `db:"error_message" json:"error,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time `db:"updated_at" json:"updatedAt"`
}

// HasTag reports whether tag is attached to the record
func (r *JobRecord) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// StatusView is the reconciled, externally visible status of a job
type StatusView struct {
	ID     string       `json:"id"`
	Status string       `json:"status"`
	Result *AssetResult `json:"result,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// AssetResult is the locator of a successfully uploaded asset
type AssetResult struct {
	URL     string `json:"url"`
	AssetID string `json:"assetId,omitempty"`
}
