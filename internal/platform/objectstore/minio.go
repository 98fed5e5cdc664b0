// Package objectstore wraps the MinIO client used for run bundles and
// result archives. The coordinator only hands out presigned URLs;
// bytes flow directly between workers and the store.
package objectstore

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Store struct {
	client *minio.Client
	cfg    Config
}

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &Store{client: client, cfg: cfg}, nil
}

func (s *Store) EnsureBuckets(ctx context.Context) error {
	if err := s.ensureBucket(ctx, s.cfg.BucketBundles); err != nil {
		return fmt.Errorf("ensure bundles bucket: %w", err)
	}
	if err := s.ensureBucket(ctx, s.cfg.BucketResults); err != nil {
		return fmt.Errorf("ensure results bucket: %w", err)
	}
	return nil
}

func (s *Store) CheckBuckets(ctx context.Context) error {
	for _, bucket := range []string{s.cfg.BucketBundles, s.cfg.BucketResults} {
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("bucket exists %s: %w", bucket, err)
		}
		if !exists {
			return fmt.Errorf("bucket missing: %s", bucket)
		}
	}
	return nil
}

// BundlePath and ResultPath are the canonical object layout: one prefix
// per run.
func (s *Store) BundlePath(runID string) string {
	return s.cfg.BucketBundles + "/" + runID + "/bundle.tar.gz"
}

func (s *Store) ResultPath(runID string) string {
	return s.cfg.BucketResults + "/" + runID + "/result.json"
}

// ExportPath is the full raw-output archive, kept beside the result in
// the results bucket.
func (s *Store) ExportPath(runID string) string {
	return s.cfg.BucketResults + "/" + runID + "/export.tar.gz"
}

// PresignPut returns an upload URL for a bucket-qualified object path.
func (s *Store) PresignPut(ctx context.Context, path string) (string, error) {
	bucket, object, err := splitPath(path)
	if err != nil {
		return "", err
	}
	u, err := s.client.PresignedPutObject(ctx, bucket, object, s.cfg.PresignTTL)
	if err != nil {
		return "", fmt.Errorf("presign put %s: %w", path, err)
	}
	return u.String(), nil
}

// PresignGet returns a download URL for a bucket-qualified object path.
func (s *Store) PresignGet(ctx context.Context, path string) (string, error) {
	bucket, object, err := splitPath(path)
	if err != nil {
		return "", err
	}
	u, err := s.client.PresignedGetObject(ctx, bucket, object, s.cfg.PresignTTL, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign get %s: %w", path, err)
	}
	return u.String(), nil
}

func (s *Store) ensureBucket(ctx context.Context, bucket string) error {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.cfg.Region})
}

func splitPath(path string) (bucket string, object string, err error) {
	path = strings.TrimPrefix(strings.TrimSpace(path), "/")
	bucket, object, ok := strings.Cut(path, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("invalid object path %q", path)
	}
	return bucket, object, nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
