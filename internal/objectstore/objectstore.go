// Package objectstore wraps the S3-compatible bucket that backs the
// workspace durably (spec §4.5, §6 "Object-storage layout"). Keys are
// path-for-path mirrors of the workspace under the "_repo/" prefix; no
// content addressing is used.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/jackmusick/bifrost-core/internal/errorkind"
)

// RepoPrefix is the bucket prefix mirroring the canonical workspace tree.
const RepoPrefix = "_repo/"

// Config is the subset of process configuration needed to reach the bucket.
type Config struct {
	Bucket   string `cfg:"bucket"`
	Region   string `cfg:"region" default:"us-east-1"`
	Endpoint string `cfg:"endpoint"` // non-empty for S3-compatible services (minio, etc.)
}

// Store is the S3 mirror client.
type Store struct {
	client *s3.Client
	bucket string
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("objectstore: bucket is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("objectstore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Store{client: client, bucket: cfg.Bucket}, nil
}

func objectKey(path string) string {
	return RepoPrefix + path
}

// PutObject mirrors path's bytes to the bucket at the corresponding key
// (spec §4.5: "write ... mirrors the bytes to the configured object-storage
// bucket at the same key").
func (s *Store) PutObject(ctx context.Context, path string, content []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(path)),
		Body:   bytes.NewReader(content),
	})
	if err != nil {
		return errorkind.Transient(fmt.Sprintf("objectstore: put %q: %v", path, err))
	}
	return nil
}

// GetObject reads path's bytes back from the bucket. Used only by
// out-of-process consumers per spec §4.5 — the file-index store itself
// reads from Postgres.
func (s *Store) GetObject(ctx context.Context, path string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(path)),
	})
	if err != nil {
		var nf *types.NoSuchKey
		if errors.As(err, &nf) {
			return nil, errorkind.NotFound(fmt.Sprintf("objectstore: %q not found", path))
		}
		return nil, errorkind.Transient(fmt.Sprintf("objectstore: get %q: %v", path, err))
	}
	defer out.Body.Close()

	return io.ReadAll(out.Body)
}

// DeleteObject best-effort removes path's object (spec §4.5: "delete hard-
// deletes the row (and best-effort removes the object)").
func (s *Store) DeleteObject(ctx context.Context, path string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(path)),
	})
	if err != nil {
		return errorkind.Transient(fmt.Sprintf("objectstore: delete %q: %v", path, err))
	}
	return nil
}

// ListObjects enumerates keys under RepoPrefix+prefix, returning workspace-
// relative paths (prefix stripped). Used to pull the entire workspace on
// sync-service startup (spec §4.8).
func (s *Store) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	var paths []string

	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(objectKey(prefix)),
	})

	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, errorkind.Transient(fmt.Sprintf("objectstore: list %q: %v", prefix, err))
		}
		for _, obj := range page.Contents {
			paths = append(paths, (*obj.Key)[len(RepoPrefix):])
		}
	}

	return paths, nil
}
