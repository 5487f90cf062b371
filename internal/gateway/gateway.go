// Package gateway stores image bytes in an S3-compatible object store
// (Cloudflare R2 by default) and builds delivery URLs for stored assets.
package gateway

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/cuongbtq/image-pipeline/internal/domain"
)

// Config holds the default storage account and URL layout
type Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Region          string
	// Endpoint overrides the R2 endpoint derived from the account id
	Endpoint        string
	PublicBaseURL   string
	DeliveryBaseURL string
	KeyPrefix       string
}

// UploadInput is one file to store
type UploadInput struct {
	File     []byte
	Filename string
	MimeType string
	// Credentials select the tenant's account; nil uses the default account
	Credentials *domain.TenantCredentials
}

// UploadResult locates a stored asset
type UploadResult struct {
	URL     string
	AssetID string
}

// S3Gateway uploads to and deletes from an S3-compatible bucket.
// A client is built per call from the effective credentials and dropped afterwards,
// so tenant keys never outlive the task that carried them.
type S3Gateway struct {
	config Config
	logger *slog.Logger
}

// NewS3Gateway creates a gateway over the default account in cfg
func NewS3Gateway(cfg Config, logger *slog.Logger) *S3Gateway {
	if cfg.Region == "" {
		cfg.Region = "auto"
	}
	return &S3Gateway{config: cfg, logger: logger}
}

// Upload stores the file under a fresh object key
func (g *S3Gateway) Upload(ctx context.Context, in UploadInput) (*UploadResult, error) {
	creds := g.resolveCredentials(in.Credentials)

	client, err := g.newClient(ctx, creds)
	if err != nil {
		return nil, err
	}

	assetID := g.objectKey(in.Filename)
	uploader := manager.NewUploader(client)

	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(g.config.Bucket),
		Key:         aws.String(assetID),
		Body:        bytes.NewReader(in.File),
		ContentType: aws.String(in.MimeType),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload %q: %w", assetID, err)
	}

	g.logger.Debug("Object uploaded",
		slog.String("asset_id", assetID),
		slog.Int("size_bytes", len(in.File)),
		slog.Any("account", creds),
	)

	return &UploadResult{
		URL:     g.publicURL(assetID),
		AssetID: assetID,
	}, nil
}

// Delete removes a stored asset
func (g *S3Gateway) Delete(ctx context.Context, assetID string, creds *domain.TenantCredentials) error {
	client, err := g.newClient(ctx, g.resolveCredentials(creds))
	if err != nil {
		return err
	}

	_, err = client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(g.config.Bucket),
		Key:    aws.String(assetID),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %q: %w", assetID, err)
	}
	return nil
}

// BuildURL composes the delivery URL of an asset with transformation parameters
func (g *S3Gateway) BuildURL(assetID string, opts domain.TransformOptions) string {
	return BuildURL(g.config.DeliveryBaseURL, assetID, opts)
}

// BuildURL composes {base}/w_{w},h_{h},c_{crop},f_{fmt}/{assetID}.
// Unset width, height and format are left out; crop defaults to fill.
func BuildURL(baseURL, assetID string, opts domain.TransformOptions) string {
	opts = opts.WithDefaults()

	params := make([]string, 0, 4)
	if opts.Width > 0 {
		params = append(params, fmt.Sprintf("w_%d", opts.Width))
	}
	if opts.Height > 0 {
		params = append(params, fmt.Sprintf("h_%d", opts.Height))
	}
	params = append(params, "c_"+opts.Crop)
	if opts.Format != "" {
		params = append(params, "f_"+opts.Format)
	}

	return strings.TrimRight(baseURL, "/") + "/" + strings.Join(params, ",") + "/" + assetID
}

func (g *S3Gateway) resolveCredentials(creds *domain.TenantCredentials) domain.TenantCredentials {
	if creds != nil {
		return *creds
	}
	return domain.TenantCredentials{
		AccountID:       g.config.AccountID,
		AccessKeyID:     g.config.AccessKeyID,
		SecretAccessKey: g.config.SecretAccessKey,
	}
}

func (g *S3Gateway) endpoint(accountID string) string {
	if g.config.Endpoint != "" {
		return g.config.Endpoint
	}
	return fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID)
}

func (g *S3Gateway) newClient(ctx context.Context, creds domain.TenantCredentials) (*s3.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			creds.AccessKeyID, creds.SecretAccessKey, "",
		)),
		config.WithRegion(g.config.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	endpoint := g.endpoint(creds.AccountID)
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	}), nil
}

func (g *S3Gateway) objectKey(filename string) string {
	key := uuid.NewString() + strings.ToLower(path.Ext(filename))
	if g.config.KeyPrefix == "" {
		return key
	}
	return strings.TrimRight(g.config.KeyPrefix, "/") + "/" + key
}

func (g *S3Gateway) publicURL(assetID string) string {
	return strings.TrimRight(g.config.PublicBaseURL, "/") + "/" + assetID
}
