package s3

import (
	"strings"

	apperrors "github.com/kimhsiao/ledgersync/internal/errors"
)

// MinIOEndpoint normalises a self-hosted endpoint. MinIO needs path-style
// addressing and ignores the region, which the signer still requires.
func MinIOEndpoint(endpoint string, useSSL bool) (Endpoint, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return Endpoint{}, apperrors.New(apperrors.ErrInvalid, "minio endpoint is required")
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if useSSL {
			endpoint = "https://" + endpoint
		} else {
			endpoint = "http://" + endpoint
		}
	}
	return Endpoint{
		BaseURL:   strings.TrimSuffix(endpoint, "/"),
		Region:    "us-east-1",
		PathStyle: true,
	}, nil
}
