package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"channel-publisher/internal/config"
)

// MediaFetcher opens the media payload referenced by a job.
type MediaFetcher interface {
	Fetch(ctx context.Context, path string) (io.ReadCloser, error)
}

// NewMediaFetcher builds a fetcher that resolves s3:// paths against the
// configured bucket client and everything else against the local media dir.
func NewMediaFetcher(ctx context.Context, cfg config.Config) (MediaFetcher, error) {
	local := &localFetcher{baseDir: cfg.MediaBaseDir, maxBytes: cfg.MediaMaxBytes}
	if cfg.MediaS3Bucket == "" {
		return &mediaFetcher{local: local}, nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &mediaFetcher{
		local: local,
		s3:    &s3Fetcher{client: client, bucket: cfg.MediaS3Bucket},
	}, nil
}

type mediaFetcher struct {
	local *localFetcher
	s3    *s3Fetcher
}

func (m *mediaFetcher) Fetch(ctx context.Context, path string) (io.ReadCloser, error) {
	if strings.HasPrefix(path, "s3://") {
		if m.s3 == nil {
			return nil, errors.New("s3 media path requested but MEDIA_S3_BUCKET is not configured")
		}
		return m.s3.Fetch(ctx, path)
	}
	return m.local.Fetch(ctx, path)
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.MediaS3Region),
	}
	if cfg.MediaS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.MediaS3Endpoint,
					HostnameImmutable: cfg.MediaS3PathStyle,
					SigningRegion:     cfg.MediaS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.MediaS3PathStyle
	}), nil
}

type localFetcher struct {
	baseDir  string
	maxBytes int64
}

func (l *localFetcher) Fetch(_ context.Context, path string) (io.ReadCloser, error) {
	clean := filepath.Clean(path)
	if !filepath.IsAbs(clean) {
		clean = filepath.Join(l.baseDir, clean)
	}
	info, err := os.Stat(clean)
	if err != nil {
		return nil, fmt.Errorf("stat media: %w", err)
	}
	if l.maxBytes > 0 && info.Size() > l.maxBytes {
		return nil, fmt.Errorf("media file exceeds the maximum size limit (%d bytes)", l.maxBytes)
	}
	f, err := os.Open(clean)
	if err != nil {
		return nil, fmt.Errorf("open media: %w", err)
	}
	return f, nil
}

type s3Fetcher struct {
	client *s3.Client
	bucket string
}

func (s *s3Fetcher) Fetch(ctx context.Context, path string) (io.ReadCloser, error) {
	bucket, key := s.bucket, path
	if strings.HasPrefix(path, "s3://") {
		trimmed := strings.TrimPrefix(path, "s3://")
		parts := strings.SplitN(trimmed, "/", 2)
		if len(parts) != 2 || parts[1] == "" {
			return nil, fmt.Errorf("malformed s3 media path %q", path)
		}
		bucket, key = parts[0], parts[1]
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	return out.Body, nil
}
