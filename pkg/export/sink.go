package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"

	"github.com/Mindburn-Labs/steward/pkg/boundary"
)

var ErrInvalidName = errors.New("export: invalid object name")

var objectName = regexp.MustCompile(`^[A-Za-z0-9_.\-]{1,128}$`)

// Sink persists an encoded packet under name and returns its location.
type Sink interface {
	Write(ctx context.Context, name string, data []byte) (string, error)
}

func checkName(name string) error {
	if !objectName.MatchString(name) || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// FileSink writes packets into a local directory.
type FileSink struct {
	Dir string
}

// Write implements Sink.
func (s *FileSink) Write(_ context.Context, name string, data []byte) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return "", fmt.Errorf("export: create dir: %w", err)
	}
	path := filepath.Join(s.Dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("export: write %s: %w", name, err)
	}
	return path, nil
}

// s3API is the subset of *s3.Client used by S3Sink.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3SinkConfig configures an S3Sink.
type S3SinkConfig struct {
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (MinIO, LocalStack)
	Prefix   string
}

// endpointURL is the URL checked against the network policy.
func (c S3SinkConfig) endpointURL() string {
	if c.Endpoint != "" {
		return c.Endpoint
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/", c.Bucket, c.Region)
}

// S3Sink uploads packets to S3. Every request goes through the egress
// enforcer.
type S3Sink struct {
	client   s3API
	cfg      S3SinkConfig
	enforcer *boundary.Enforcer
}

// NewS3Sink creates an S3 sink whose HTTP client is guarded by enforcer.
func NewS3Sink(ctx context.Context, cfg S3SinkConfig, enforcer *boundary.Enforcer) (*S3Sink, error) {
	if err := enforcer.Validate(ctx, cfg.endpointURL()); err != nil {
		return nil, err
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(enforcer.Client(nil)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Sink{client: client, cfg: cfg, enforcer: enforcer}, nil
}

// Write implements Sink.
func (s *S3Sink) Write(ctx context.Context, name string, data []byte) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}
	if err := s.enforcer.Validate(ctx, s.cfg.endpointURL()); err != nil {
		return "", err
	}
	key := s.cfg.Prefix + name
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put failed: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.cfg.Bucket, key), nil
}

// gcsEndpoint is the API host checked against the network policy.
const gcsEndpoint = "https://storage.googleapis.com/"

// GCSSink uploads packets to Google Cloud Storage.
type GCSSink struct {
	client   *storage.Client
	bucket   string
	prefix   string
	enforcer *boundary.Enforcer
}

// NewGCSSink creates a GCS sink using application default credentials. API
// calls, redirects and token refreshes all go through a transport guarded by
// enforcer.
func NewGCSSink(ctx context.Context, bucket, prefix string, enforcer *boundary.Enforcer) (*GCSSink, error) {
	return newGCSSink(ctx, bucket, prefix, enforcer, nil)
}

func newGCSSink(ctx context.Context, bucket, prefix string, enforcer *boundary.Enforcer, base http.RoundTripper) (*GCSSink, error) {
	if err := enforcer.Validate(ctx, gcsEndpoint); err != nil {
		return nil, err
	}
	hc, err := gcsHTTPClient(ctx, enforcer, base)
	if err != nil {
		return nil, err
	}
	client, err := storage.NewClient(ctx, option.WithHTTPClient(hc))
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSSink{client: client, bucket: bucket, prefix: prefix, enforcer: enforcer}, nil
}

// gcsHTTPClient layers OAuth2 credentials over the guarded transport. The
// credentials keep the guarded client in their context, so token requests
// are validated as well.
func gcsHTTPClient(ctx context.Context, enforcer *boundary.Enforcer, base http.RoundTripper) (*http.Client, error) {
	ctx = context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, enforcer.Client(base))
	creds, err := google.FindDefaultCredentials(ctx, storage.ScopeReadWrite)
	if err != nil {
		return nil, fmt.Errorf("failed to find GCS credentials: %w", err)
	}
	return oauth2.NewClient(ctx, creds.TokenSource), nil
}

// Write implements Sink.
func (s *GCSSink) Write(ctx context.Context, name string, data []byte) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}
	if err := s.enforcer.Validate(ctx, gcsEndpoint); err != nil {
		return "", err
	}
	objectPath := s.prefix + name
	w := s.client.Bucket(s.bucket).Object(objectPath).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs close failed: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, objectPath), nil
}

// Close closes the GCS client.
func (s *GCSSink) Close() error {
	return s.client.Close()
}
