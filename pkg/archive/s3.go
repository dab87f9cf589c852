package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

// Archiver stores a session's workspace and returns where it went.
type Archiver interface {
	Archive(ctx context.Context, userID, sessionID, dir string) (string, error)
}

// putObjectAPI is the slice of the S3 client the archiver needs.
type putObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Archiver uploads workspaces as s3://<bucket>/<prefix>/<user>/<session>.tar.gz.
type S3Archiver struct {
	client   putObjectAPI
	bucket   string
	prefix   string
	excludes []string
	logger   *zap.Logger
}

var _ Archiver = (*S3Archiver)(nil)

// Option configures an S3Archiver.
type Option func(*S3Archiver)

// WithLogger sets the archiver logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *S3Archiver) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// New creates an archiver using the AWS SDK v2 default credential chain
// unless explicit credentials are configured.
func New(ctx context.Context, cfg Config, opts ...Option) (*S3Archiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := LoadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &ArchiveError{Op: "New", Bucket: cfg.Bucket, Err: err}
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
		},
	}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return newWithClient(s3.NewFromConfig(awsCfg, s3Opts...), cfg, opts...), nil
}

func newWithClient(client putObjectAPI, cfg Config, opts ...Option) *S3Archiver {
	excludes, _ := compileExcludes(cfg.Exclude)
	a := &S3Archiver{
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   cfg.prefix(),
		excludes: excludes,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// LoadAWSConfig resolves SDK configuration and credentials for cfg.
func LoadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	awsCfg.Region = resolveRegion(cfg.Endpoint, awsCfg.Region)
	return awsCfg, nil
}

// resolveRegion defaults to us-east-1 only for AWS itself; S3-compatible
// endpoints keep whatever the SDK resolved.
func resolveRegion(endpoint, sdkRegion string) string {
	if sdkRegion != "" || endpoint != "" {
		return sdkRegion
	}
	return DefaultAWSRegion
}

// Key returns the object key for a session's archive.
func (a *S3Archiver) Key(userID, sessionID string) string {
	return path.Join(a.prefix, keySegment(userID), keySegment(sessionID)+".tar.gz")
}

func keySegment(s string) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "/", "_"))
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

// Archive packs dir and uploads it. The bundle is spooled to a temp file so
// the upload carries an exact content length.
func (a *S3Archiver) Archive(ctx context.Context, userID, sessionID, dir string) (string, error) {
	key := a.Key(userID, sessionID)

	tmp, err := os.CreateTemp("", "agentdock-archive-*.tar.gz")
	if err != nil {
		return "", fmt.Errorf("create archive spool: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	sum, err := WriteTarGz(ctx, tmp, dir, a.excludes)
	if err != nil {
		return "", err
	}
	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return "", fmt.Errorf("size archive spool: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind archive spool: %w", err)
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          tmp,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/gzip"),
		Metadata: map[string]string{
			"session-id": sessionID,
			"user-id":    userID,
		},
	})
	if err != nil {
		return "", a.wrapError("PutObject", key, err)
	}

	url := "s3://" + a.bucket + "/" + key
	a.logger.Info("workspace archived",
		zap.String("session_id", sessionID),
		zap.String("archive_url", url),
		zap.Int("files", sum.Files),
		zap.Int("skipped", sum.Skipped),
		zap.Int64("bytes", sum.Bytes),
		zap.Int64("compressed_bytes", size))
	return url, nil
}

// wrapError maps S3 failures onto the package sentinels.
func (a *S3Archiver) wrapError(op, key string, err error) error {
	wrapped := &ArchiveError{Op: op, Bucket: a.bucket, Key: key, Err: err}

	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		wrapped.Err = errors.Join(ErrBucketNotFound, err)
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket":
			wrapped.Err = errors.Join(ErrBucketNotFound, err)
		case "AccessDenied", "Forbidden":
			wrapped.Err = errors.Join(ErrAccessDenied, err)
		case "InvalidAccessKeyId", "SignatureDoesNotMatch":
			wrapped.Err = errors.Join(ErrInvalidCredentials, err)
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			wrapped.Err = errors.Join(ErrThrottled, err)
		case "ServiceUnavailable", "InternalError":
			wrapped.Err = errors.Join(ErrUnavailable, err)
		}
	}
	return wrapped
}

// Disabled is the Archiver used when archiving is turned off.
type Disabled struct{}

// Archive implements Archiver by returning ErrDisabled.
func (Disabled) Archive(context.Context, string, string, string) (string, error) {
	return "", ErrDisabled
}
