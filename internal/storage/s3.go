// Package storage uploads recording artifacts to an S3-compatible
// object store (IDrive e2, MinIO, AWS).
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dev-svk-flbs/fyemeetrec-sub000/internal/config"
)

type Client struct {
	uploader *manager.Uploader
	cfg      config.StorageConfig
	log      *slog.Logger
}

func New(ctx context.Context, cfg config.StorageConfig, log *slog.Logger) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage bucket not configured")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Client{
		uploader: manager.NewUploader(client),
		cfg:      cfg,
		log:      log.With("component", "storage"),
	}, nil
}

// PutFile uploads a local file under the given key and returns its
// public URL.
func (c *Client) PutFile(ctx context.Context, key, localPath, contentType string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer file.Close()

	_, err = c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.cfg.Bucket),
		Key:         aws.String(key),
		Body:        file,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}

	url := c.ObjectURL(key)
	c.log.Info("uploaded object", "key", key, "url", url)
	return url, nil
}

// ObjectURL builds the public URL for a stored object.
func (c *Client) ObjectURL(key string) string {
	if c.cfg.PublicURL != "" {
		return fmt.Sprintf("%s/%s", strings.TrimRight(c.cfg.PublicURL, "/"), key)
	}
	if c.cfg.Endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(c.cfg.Endpoint, "/"), c.cfg.Bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", c.cfg.Bucket, c.cfg.Region, key)
}
