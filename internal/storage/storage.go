// Package storage replicates backup files to object storage providers.
package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	apperrors "backup-orchestrator/internal/errors"
)

// ProviderType identifies an object storage backend
type ProviderType string

const (
	ProviderS3    ProviderType = "s3"
	ProviderGCS   ProviderType = "gcs"
	ProviderAzure ProviderType = "azure"
)

// Remote is a bucket (or container) holding replicated backup files
type Remote interface {
	// List returns the keys of every object under prefix
	List(ctx context.Context, prefix string) ([]string, error)
	// Upload stores the content of file under key
	Upload(ctx context.Context, key string, file *os.File) error
	// Location renders key as a provider URL, for logs
	Location(key string) string
	Close() error
}

// Config holds the settings of one remote
type Config struct {
	Provider ProviderType
	Bucket   string

	// S3
	Region    string
	AccessKey string
	SecretKey string

	// GCS
	CredentialsFile string

	// Azure
	AccountName string
	AccountKey  string
}

// Validate checks that the fields the provider needs are present
func (c Config) Validate() error {
	if c.Bucket == "" {
		return apperrors.NewParameterError("bucket", "required field", "Bucket or container name")
	}

	switch c.Provider {
	case ProviderS3:
		if c.Region == "" {
			return apperrors.NewParameterError("region", "required for s3", "AWS region of the bucket")
		}
		if (c.AccessKey == "") != (c.SecretKey == "") {
			return apperrors.NewParameterError("access-key-file", "access key and secret key must both be set",
				"File holding the access key id and the secret key, one per line")
		}
	case ProviderGCS:
	case ProviderAzure:
		if c.AccountName == "" {
			return apperrors.NewParameterError("account-name", "required for azure", "Storage account name")
		}
		if c.AccountKey == "" {
			return apperrors.NewParameterError("account-key-file", "required for azure", "File holding the storage account key")
		}
	default:
		return apperrors.NewParameterError("provider", fmt.Sprintf("unsupported storage provider: %s", c.Provider),
			"One of: s3, gcs, azure")
	}
	return nil
}

// New creates the remote described by config
func New(ctx context.Context, config Config) (Remote, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	switch config.Provider {
	case ProviderS3:
		return NewS3Remote(config)
	case ProviderGCS:
		return NewGCSRemote(ctx, config)
	case ProviderAzure:
		return NewAzureRemote(config)
	}
	return nil, apperrors.NewParameterError("provider", fmt.Sprintf("unsupported storage provider: %s", config.Provider), "")
}

// Location renders key as a URL of the configured bucket
func (c Config) Location(key string) string {
	switch c.Provider {
	case ProviderGCS:
		return fmt.Sprintf("gs://%s/%s", c.Bucket, key)
	case ProviderAzure:
		return fmt.Sprintf("azure://%s/%s", c.Bucket, key)
	default:
		return fmt.Sprintf("s3://%s/%s", c.Bucket, key)
	}
}

// ObjectKey joins the key prefix, the backup id and the file name.
// A "." backup id adds no level.
func ObjectKey(prefix, backupID, name string) string {
	return strings.TrimPrefix(path.Join(prefix, backupID, name), "/")
}

// KeyPrefix returns the prefix under which the files of a backup are stored
func KeyPrefix(prefix, backupID string) string {
	p := strings.TrimPrefix(path.Join(prefix, backupID), "/")
	if p == "." || p == "" {
		return ""
	}
	return p + "/"
}

func storageError(message string, cause error) error {
	return apperrors.NewRunningError(message, cause)
}
