package s3store

import (
	"errors"
	"fmt"
	"time"

	"github.com/wingerapp/winger-backend/internal/pkg/env"
)

// Config holds the invoice archive bucket configuration.
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	BucketName      string
	EndpointURL     string // optional, for S3-compatible services
	Enabled         bool
}

// LoadConfig loads the archive configuration from environment variables.
func LoadConfig() (*Config, error) {
	config := &Config{
		AccessKeyID:     env.GetEnv("S3_ACCESS_KEY_ID", ""),
		SecretAccessKey: env.GetEnv("S3_SECRET_ACCESS_KEY", ""),
		Region:          env.GetEnv("S3_REGION", "eu-west-1"),
		BucketName:      env.GetEnv("S3_BUCKET_NAME", ""),
		EndpointURL:     env.GetEnv("S3_ENDPOINT_URL", ""),
		Enabled:         env.GetEnv("S3_ARCHIVE_ENABLED", "false") == "true",
	}

	if config.Enabled {
		if config.AccessKeyID == "" {
			return nil, errors.New("S3_ACCESS_KEY_ID is required when the invoice archive is enabled")
		}
		if config.SecretAccessKey == "" {
			return nil, errors.New("S3_SECRET_ACCESS_KEY is required when the invoice archive is enabled")
		}
		if config.BucketName == "" {
			return nil, errors.New("S3_BUCKET_NAME is required when the invoice archive is enabled")
		}
	}

	return config, nil
}

// IsEnabled returns true if the invoice archive is enabled.
func (c *Config) IsEnabled() bool {
	return c.Enabled
}

// InvoiceObjectKey generates the archive key for an invoice.
// Format: invoices/YYYY/MM/<invoice id>.pdf
func (c *Config) InvoiceObjectKey(invoiceID string, issuedAt time.Time) string {
	return fmt.Sprintf("invoices/%04d/%02d/%s.pdf", issuedAt.Year(), int(issuedAt.Month()), invoiceID)
}

// GetAppEnv returns the current application environment.
func GetAppEnv() string {
	return env.GetEnv("APP_ENV", "dev")
}

// GetBucketName returns the bucket name as configured.
func (c *Config) GetBucketName() string {
	return c.BucketName
}
