// Package storage provides the S3-backed blob-store client used by the
// maintenance jobs: listing exercise animation objects, reading per-object
// creation metadata, deleting orphans, and uploading purge snapshots.
package storage

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"kinecare/internal/config"
	"kinecare/internal/types"
)

// S3API abstracts the S3 operations used by the client for testability.
// Production code uses the *s3.Client from aws-sdk-go-v2.
type S3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// animationSuffix is the file extension of exercise demonstration animations.
const animationSuffix = ".gif"

// Client wraps the S3 API with the bucket layout of the KineCare platform.
type Client struct {
	api           S3API
	bucket        string
	publicBaseURL string
	prefix        string
	logger        *slog.Logger
}

// NewClient creates a storage client from the storage configuration.
func NewClient(api S3API, cfg config.StorageConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		api:           api,
		bucket:        cfg.Bucket,
		publicBaseURL: strings.TrimSuffix(cfg.PublicBaseURL, "/"),
		prefix:        cfg.AnimationPrefix,
		logger:        logger,
	}
}

// ListAnimationObjects lists all objects under the animation prefix whose key
// ends in the animation suffix, paginating through the bucket, and derives
// each object's public URL.
func (c *Client) ListAnimationObjects(ctx context.Context) ([]types.BlobObject, error) {
	var objects []types.BlobObject
	var continuation *string

	for {
		out, err := c.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(c.bucket),
			Prefix:            aws.String(c.prefix),
			ContinuationToken: continuation,
		})
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeUpstreamStorage, "failed to list animation objects", err)
		}

		for _, obj := range out.Contents {
			if obj.Key == nil {
				continue
			}
			key := *obj.Key
			if !strings.HasSuffix(key, animationSuffix) {
				continue
			}
			objects = append(objects, types.BlobObject{
				Key: key,
				URL: c.PublicURL(key),
			})
		}

		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		continuation = out.NextContinuationToken
	}

	return objects, nil
}

// ObjectCreatedAt returns the creation time recorded in the object's
// metadata. S3 exposes this as LastModified, which for write-once animation
// uploads is the upload time.
func (c *Client) ObjectCreatedAt(ctx context.Context, key string) (time.Time, error) {
	out, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return time.Time{}, types.NewAppError(types.ErrCodeUpstreamStorage, "failed to read object metadata", err)
	}
	if out.LastModified == nil {
		return time.Time{}, types.NewAppError(types.ErrCodeUpstreamStorage, "object metadata missing creation time", nil)
	}
	return *out.LastModified, nil
}

// DeleteObject removes an object from the bucket by key.
func (c *Client) DeleteObject(ctx context.Context, key string) error {
	_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamStorage, "failed to delete object", err)
	}
	return nil
}

// Upload writes data to the bucket under the given key.
func (c *Client) Upload(ctx context.Context, key string, contentType string, data []byte) error {
	_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamStorage, "failed to upload object", err)
	}
	return nil
}

// PublicURL derives the public URL for a storage key.
func (c *Client) PublicURL(key string) string {
	return c.publicBaseURL + "/" + key
}

// ParseKey extracts the storage key from a public URL. It returns false when
// the URL does not match the expected base-URL pattern; callers treat that as
// malformed external data (warn and skip), not an error.
func (c *Client) ParseKey(url string) (string, bool) {
	key, ok := strings.CutPrefix(url, c.publicBaseURL+"/")
	if !ok || key == "" || strings.Contains(key, "..") {
		return "", false
	}
	return key, true
}
