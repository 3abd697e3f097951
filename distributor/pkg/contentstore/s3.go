package contentstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ideepx/proofengine/distributor/pkg/metrics"
	"github.com/ideepx/proofengine/utils/pkg/retry"
)

// S3API is the subset of the S3 client the store uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

type S3Config struct {
	Logger *slog.Logger
	Client S3API
	Bucket string
	Prefix string
	Retry  retry.Config
}

func (cfg *S3Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("s3 client is required")
	}
	if cfg.Bucket == "" {
		return errors.New("bucket is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "snapshots"
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

type S3Store struct {
	log *slog.Logger
	cfg S3Config
}

func NewS3Store(cfg S3Config) (*S3Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &S3Store{log: cfg.Logger, cfg: cfg}, nil
}

// NewS3Client builds a client from the default AWS credential chain. A
// non-empty endpoint switches to path-style addressing for S3-compatible
// stores.
func NewS3Client(ctx context.Context, region, endpoint string) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

func (s *S3Store) key(digest string) string {
	return s.cfg.Prefix + "/" + digest + ".json"
}

func (s *S3Store) Put(ctx context.Context, data []byte) (Locator, error) {
	key := s.key(Digest(data))
	loc := Locator("s3://" + s.cfg.Bucket + "/" + key)

	start := time.Now()
	defer func() { metrics.ExternalCallDuration.WithLabelValues("s3").Observe(time.Since(start).Seconds()) }()

	_, err := s.cfg.Client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(key)})
	if err == nil {
		s.log.Debug("contentstore: object already present", "locator", loc)
		return loc, nil
	}
	var nf *types.NotFound
	if !errors.As(err, &nf) {
		s.log.Debug("contentstore: head object failed, uploading", "locator", loc, "error", err)
	}

	err = retry.Do(ctx, s.cfg.Retry, func() error {
		_, err := s.cfg.Client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.cfg.Bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/json"),
		})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload snapshot to %s: %w", loc, err)
	}
	s.log.Info("contentstore: snapshot uploaded", "locator", loc, "bytes", len(data))
	return loc, nil
}

func (s *S3Store) Get(ctx context.Context, loc Locator) ([]byte, error) {
	bucket, key, ok := strings.Cut(strings.TrimPrefix(string(loc), "s3://"), "/")
	if !ok || !strings.HasPrefix(string(loc), "s3://") {
		return nil, fmt.Errorf("invalid s3 locator %q", loc)
	}
	out, err := s.cfg.Client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, loc)
		}
		return nil, fmt.Errorf("failed to download %s: %w", loc, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", loc, err)
	}
	return data, nil
}
