// Package archive ships closed MCAP files off to S3-compatible storage once
// the writer rolls over to a new one. Entirely optional: a recorder with
// archive.enabled=false never builds an S3 client.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ddsrecorder/mcaprecorder/internal/config"
	"github.com/ddsrecorder/mcaprecorder/internal/metrics"
	"github.com/ddsrecorder/mcaprecorder/pkg/s3util"
	"go.uber.org/zap"
)

// S3API is the subset of *s3.Client the uploader needs, kept as an
// interface so tests can substitute a fake without touching a real bucket.
type S3API interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Uploader pushes closed MCAP files to an S3-compatible bucket.
type Uploader struct {
	s3              S3API
	bucket          string
	prefix          string
	deleteAfterPush bool
	logger          *zap.Logger

	// ping is set when built from a *s3util.Client; wired into the
	// readiness probe as the archive health check.
	ping func(context.Context) error
}

// NewUploader builds an S3-compatible client from the archive configuration.
// Returns (nil, nil) if archiving is disabled so callers can treat a nil
// *Uploader as "no archive func to wire".
func NewUploader(ctx context.Context, cfg config.ArchiveConfig, logger *zap.Logger) (*Uploader, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	client, err := s3util.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("building s3 client: %w", err)
	}

	return &Uploader{
		s3:              client.S3,
		bucket:          cfg.Bucket,
		prefix:          cfg.Prefix,
		deleteAfterPush: cfg.DeleteAfterPush,
		logger:          logger,
		ping:            client.Ping,
	}, nil
}

// Ping reports the health of the archive backend. Satisfies the
// metrics.HealthChecker archivePing signature.
func (u *Uploader) Ping(ctx context.Context) error {
	if u == nil || u.ping == nil {
		return nil
	}
	return u.ping(ctx)
}

func (u *Uploader) objectKey(path string) string {
	name := filepath.Base(path)
	if u.prefix != "" {
		return fmt.Sprintf("%s/%s", u.prefix, name)
	}
	return name
}

// Push uploads the file at path and, if configured, removes the local copy
// once the upload succeeds. Matches the writer.ArchiveFunc signature so it
// can be wired directly via Writer.SetArchiveFunc.
func (u *Uploader) Push(path string) error {
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	f, err := os.Open(path)
	if err != nil {
		metrics.ArchiveUploadErrors.Inc()
		return fmt.Errorf("opening %s for archive: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		metrics.ArchiveUploadErrors.Inc()
		return fmt.Errorf("stating %s: %w", path, err)
	}

	key := u.objectKey(path)
	_, err = u.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &u.bucket,
		Key:           &key,
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		metrics.ArchiveUploadErrors.Inc()
		return fmt.Errorf("uploading %s to s3://%s/%s: %w", path, u.bucket, key, err)
	}
	metrics.ArchiveUploadDuration.Observe(time.Since(start).Seconds())

	u.logger.Info("archived file",
		zap.String("path", path),
		zap.String("bucket", u.bucket),
		zap.String("key", key),
		zap.Int64("size", info.Size()),
	)

	if u.deleteAfterPush {
		if err := os.Remove(path); err != nil {
			u.logger.Warn("failed to remove local file after archive",
				zap.String("path", path), zap.Error(err))
		}
	}

	return nil
}
