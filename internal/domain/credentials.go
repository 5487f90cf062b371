package domain

import "log/slog"

// TenantCredentials route an upload to the tenant's own storage account.
// They travel inside the task message only and are never persisted or logged.
type TenantCredentials struct {
	AccountID       string `json:"account_id"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
}

// Validate checks that all three sub-fields are present
func (c *TenantCredentials) Validate() error {
	if c.AccountID == "" {
		return NewValidationError("credentials.account_id", "is required")
	}
	if c.AccessKeyID == "" {
		return NewValidationError("credentials.access_key_id", "is required")
	}
	if c.SecretAccessKey == "" {
		return NewValidationError("credentials.secret_access_key", "is required")
	}
	return nil
}

// LogValue keeps the key material out of structured logs
func (c TenantCredentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("account_id", c.AccountID),
		slog.String("access_key_id", "[redacted]"),
	)
}
