package artifacts

import (
	"errors"
	"fmt"
	"time"

	"github.com/finreport/finreport/internal/pkg/env"
)

// Config holds the S3 settings of the report artifact bucket.
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	BucketName      string
	EndpointURL     string // optional, for S3-compatible services
	Enabled         bool
}

// LoadConfig loads the artifact bucket configuration from the environment.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AccessKeyID:     env.GetEnv("S3_ACCESS_KEY_ID", ""),
		SecretAccessKey: env.GetEnv("S3_SECRET_ACCESS_KEY", ""),
		Region:          env.GetEnv("S3_REGION", "eu-central-1"),
		BucketName:      env.GetEnv("S3_BUCKET_NAME", ""),
		EndpointURL:     env.GetEnv("S3_ENDPOINT_URL", ""),
		Enabled:         env.GetEnv("S3_ARTIFACTS_ENABLED", "false") == "true",
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the required fields of an enabled configuration.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.AccessKeyID == "" {
		return errors.New("S3_ACCESS_KEY_ID is required when report artifacts are enabled")
	}
	if c.SecretAccessKey == "" {
		return errors.New("S3_SECRET_ACCESS_KEY is required when report artifacts are enabled")
	}
	if c.BucketName == "" {
		return errors.New("S3_BUCKET_NAME is required when report artifacts are enabled")
	}
	return nil
}

// ObjectKey is the key the report generator stores an artifact under.
// Format: reports/YYYY/MM/UUID.ext
func ObjectKey(reportUUID, ext string, at time.Time) string {
	return fmt.Sprintf("reports/%04d/%02d/%s.%s", at.Year(), int(at.Month()), reportUUID, ext)
}
