package objectstore

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/neutra-labs/neutra-go/internal/platform/env"
)

type Config struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Region        string
	UseSSL        bool
	BucketBundles string
	BucketResults string
	PresignTTL    time.Duration
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("NEUTRA_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	presignTTL, err := env.Duration("NEUTRA_MINIO_PRESIGN_TTL", 15*time.Minute)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:      env.String("NEUTRA_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:     env.String("NEUTRA_MINIO_ACCESS_KEY", "neutra"),
		SecretKey:     env.String("NEUTRA_MINIO_SECRET_KEY", "neutraminio"),
		Region:        env.String("NEUTRA_MINIO_REGION", "us-east-1"),
		UseSSL:        useSSL,
		BucketBundles: env.String("NEUTRA_MINIO_BUCKET_BUNDLES", "bundles"),
		BucketResults: env.String("NEUTRA_MINIO_BUCKET_RESULTS", "results"),
		PresignTTL:    presignTTL,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.BucketBundles) == "" {
		return errors.New("bundles bucket is required")
	}
	if strings.TrimSpace(c.BucketResults) == "" {
		return errors.New("results bucket is required")
	}
	if c.PresignTTL <= 0 {
		return errors.New("presign ttl must be positive")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
