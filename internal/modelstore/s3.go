// Package modelstore fetches model weight artifacts named by a registry
// entry's source URI from S3-compatible object storage before a cold
// backend.Load, so the daemon itself never needs to understand an
// on-disk model file format — only how to retrieve the opaque blob onto
// local disk at a path keyed by model id.
package modelstore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/veritas/spark/internal/logging"
)

// Config configures a Store.
type Config struct {
	Region          string `json:"region"`
	Endpoint        string `json:"endpoint"` // non-empty selects an S3-compatible provider
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	StageDir        string `json:"stage_dir"`
}

// Store stages model artifacts from S3-compatible storage into a local
// directory, keyed by model id so a repeated fetch for an already-staged
// model is a no-op.
type Store struct {
	client   *s3.Client
	stageDir string
}

// New constructs a Store. An empty AccessKeyID falls back to the default
// AWS credential chain (environment, shared config, IMDS).
func New(ctx context.Context, cfg Config) (*Store, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("modelstore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	stageDir := cfg.StageDir
	if stageDir == "" {
		stageDir = "/var/lib/spark/models"
	}
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return nil, fmt.Errorf("modelstore: create stage dir: %w", err)
	}

	return &Store{client: client, stageDir: stageDir}, nil
}

// Fetch downloads the object named by sourceURI (an "s3://bucket/key" URI)
// into the staging directory under modelID, returning the local path. If
// the staged file already exists, Fetch returns its path without
// re-downloading, so a warm restart never re-fetches artifacts it already
// has.
func (s *Store) Fetch(ctx context.Context, modelID, sourceURI string) (string, error) {
	bucket, key, err := parseS3URI(sourceURI)
	if err != nil {
		return "", err
	}

	dest := filepath.Join(s.stageDir, modelID)
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return "", fmt.Errorf("modelstore: get object %s: %w", sourceURI, err)
	}
	defer out.Body.Close()

	tmp := dest + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("modelstore: create staging file: %w", err)
	}
	if _, err := io.Copy(f, out.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("modelstore: write staging file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("modelstore: close staging file: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return "", fmt.Errorf("modelstore: finalize staging file: %w", err)
	}

	logging.Op().Info("staged model artifact", "model_id", modelID, "source", sourceURI, "path", dest)
	return dest, nil
}

// IsRemoteSource reports whether sourceURI names an object this Store can
// fetch, so callers can skip staging for a model whose registry entry has
// no remote source at all.
func IsRemoteSource(sourceURI string) bool {
	return strings.HasPrefix(sourceURI, "s3://")
}

func parseS3URI(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("modelstore: parse source uri %q: %w", raw, err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("modelstore: unsupported source scheme %q, want s3://", u.Scheme)
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("modelstore: source uri %q must be s3://bucket/key", raw)
	}
	return bucket, key, nil
}
