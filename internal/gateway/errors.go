package gateway

import (
	"errors"

	"github.com/aws/smithy-go"
)

// permanentCodes are object store errors that no retry can fix
var permanentCodes = map[string]bool{
	"AccessDenied":          true,
	"InvalidAccessKeyId":    true,
	"SignatureDoesNotMatch": true,
	"NoSuchBucket":          true,
	"InvalidBucketName":     true,
	"EntityTooLarge":        true,
	"InvalidArgument":       true,
}

// IsPermanent reports whether err is an upload failure that retrying cannot fix
func IsPermanent(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return permanentCodes[apiErr.ErrorCode()]
	}
	return false
}
