package s3

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	apperrors "github.com/kimhsiao/ledgersync/internal/errors"
	"github.com/kimhsiao/ledgersync/internal/logging"
	"github.com/kimhsiao/ledgersync/internal/models"
)

// Config selects a provider and bucket.
type Config struct {
	// Provider is "aws", "minio" or "r2".
	Provider  string
	Endpoint  string
	Region    string
	Bucket    string
	AccountID string
	AccessKey string
	SecretKey string
	// PublicURL, when set, prefixes object keys in returned URLs (a CDN or
	// custom domain bound to the bucket).
	PublicURL string
}

// ResolveEndpoint maps the provider settings to an Endpoint.
func (c Config) ResolveEndpoint() (Endpoint, error) {
	switch c.Provider {
	case "", "aws":
		if c.Endpoint != "" {
			return Endpoint{BaseURL: strings.TrimSuffix(c.Endpoint, "/"), Region: c.Region}, nil
		}
		if _, ok := awsEndpoints[c.Region]; c.Region != "" && !ok {
			logging.Warn("unknown aws region, using global endpoint", map[string]interface{}{
				"region":    c.Region,
				"supported": SupportedAWSRegions(),
			})
		}
		return AWSEndpoint(c.Region), nil
	case "minio":
		return MinIOEndpoint(c.Endpoint, strings.HasPrefix(c.Endpoint, "https://"))
	case "r2":
		return R2Endpoint(c.AccountID)
	default:
		return Endpoint{}, apperrors.New(apperrors.ErrInvalid, "unknown s3 provider "+c.Provider)
	}
}

// objectPutter is the part of the SDK client the uploader uses.
type objectPutter interface {
	PutObject(ctx context.Context, in *awss3.PutObjectInput, optFns ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
}

// Uploader stores media blobs as objects under media/<owner>/<cid>.
type Uploader struct {
	client   objectPutter
	bucket   string
	endpoint Endpoint
	public   string
}

// NewUploader builds an SDK client for cfg.
func NewUploader(ctx context.Context, cfg Config) (*Uploader, error) {
	if cfg.Bucket == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "s3 bucket is required")
	}
	ep, err := cfg.ResolveEndpoint()
	if err != nil {
		return nil, err
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(ep.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to load aws config", err)
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		o.BaseEndpoint = aws.String(ep.BaseURL)
		o.UsePathStyle = ep.PathStyle
	})

	logging.Info("s3 uploader configured", map[string]interface{}{
		"provider":   cfg.Provider,
		"endpoint":   ep.BaseURL,
		"bucket":     cfg.Bucket,
		"path_style": ep.PathStyle,
	})
	return &Uploader{client: client, bucket: cfg.Bucket, endpoint: ep, public: strings.TrimSuffix(cfg.PublicURL, "/")}, nil
}

// ObjectKey returns the key an upload is stored under.
func ObjectKey(ownerID, cid string) string {
	if ownerID == "" {
		ownerID = "anonymous"
	}
	return "media/" + url.PathEscape(ownerID) + "/" + url.PathEscape(cid)
}

// ObjectURL returns the URL an object is reachable at.
func (u *Uploader) ObjectURL(key string) string {
	if u.public != "" {
		return u.public + "/" + key
	}
	if u.endpoint.PathStyle {
		return u.endpoint.BaseURL + "/" + u.bucket + "/" + key
	}
	base, err := url.Parse(u.endpoint.BaseURL)
	if err != nil || base.Host == "" {
		return u.endpoint.BaseURL + "/" + u.bucket + "/" + key
	}
	return base.Scheme + "://" + u.bucket + "." + base.Host + "/" + key
}

// Upload puts the blob. The body is buffered so the SDK can sign and
// checksum it over plain HTTP endpoints.
func (u *Uploader) Upload(ctx context.Context, req models.UploadRequest) (*models.UploadResult, error) {
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMediaUploadFailed, "failed to read blob", err)
	}
	if len(data) == 0 {
		return nil, apperrors.New(apperrors.ErrMediaEmpty, "refusing to upload empty blob")
	}

	key := ObjectKey(req.OwnerID, req.CID)
	in := &awss3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if req.ContentType != "" {
		in.ContentType = aws.String(req.ContentType)
	}
	if _, err := u.client.PutObject(ctx, in); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMediaUploadFailed, "s3 put failed", err)
	}
	if req.Progress != nil {
		req.Progress(int64(len(data)), int64(len(data)))
	}
	return &models.UploadResult{ID: key, URL: u.ObjectURL(key)}, nil
}
