// Package archive stores raw upstream review pages in S3 (or any
// S3-compatible store) for audit and replay.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// Options configures the S3 archiver.
type Options struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	PathStyle bool
}

type putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 writes each page as one JSON object.
type S3 struct {
	client putter
	bucket string
	prefix string
}

// NewS3 builds an archiver from static credentials. Endpoint points the
// client at an S3-compatible store; buckets with dots force path-style
// addressing.
func NewS3(opts Options) (*S3, error) {
	if opts.Bucket == "" {
		return nil, errors.New("archive bucket is required")
	}
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}
	cfg := aws.Config{Region: region}
	if opts.AccessKey != "" {
		cfg.Credentials = credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")
	}
	pathStyle := opts.PathStyle || strings.Contains(opts.Bucket, ".")
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = pathStyle
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	log.Info().
		Str("bucket", opts.Bucket).
		Str("region", region).
		Str("endpoint", opts.Endpoint).
		Bool("path_style", pathStyle).
		Msg("page archive enabled")
	return &S3{client: client, bucket: opts.Bucket, prefix: strings.Trim(opts.Prefix, "/")}, nil
}

// Key returns the object key for a page: prefix/resource/run/page-0001.json.
func (a *S3) Key(resourceName, runID string, page int) string {
	return path.Join(a.prefix, resourceName, runID, fmt.Sprintf("page-%04d.json", page))
}

// Archive uploads body under Key.
func (a *S3) Archive(ctx context.Context, resourceName, runID string, page int, body []byte) error {
	key := a.Key(resourceName, runID, page)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", key, err)
	}
	return nil
}

// Noop drops pages. It is used when no bucket is configured.
type Noop struct{}

func (Noop) Archive(context.Context, string, string, int, []byte) error { return nil }
