package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSRemote stores backup files in a Google Cloud Storage bucket
type GCSRemote struct {
	client *storage.Client
	bucket string
}

// NewGCSRemote creates a GCS remote. Without a credentials file the application default credentials are used.
func NewGCSRemote(ctx context.Context, config Config) (*GCSRemote, error) {
	var opts []option.ClientOption
	if config.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(config.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, storageError("failed to create GCS client", err)
	}

	return &GCSRemote{client: client, bucket: config.Bucket}, nil
}

// List returns the object names under prefix
func (r *GCSRemote) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	it := r.client.Bucket(r.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, storageError(fmt.Sprintf("failed to list %s", r.Location(prefix)), err)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

// Upload streams file to key
func (r *GCSRemote) Upload(ctx context.Context, key string, file *os.File) error {
	writer := r.client.Bucket(r.bucket).Object(key).NewWriter(ctx)
	writer.ContentType = "application/octet-stream"

	if _, err := io.Copy(writer, file); err != nil {
		writer.Close()
		return storageError(fmt.Sprintf("failed to write %s", r.Location(key)), err)
	}
	if err := writer.Close(); err != nil {
		return storageError(fmt.Sprintf("failed to upload %s", r.Location(key)), err)
	}
	return nil
}

// Location returns the gs:// URL of key
func (r *GCSRemote) Location(key string) string {
	return fmt.Sprintf("gs://%s/%s", r.bucket, key)
}

// Close releases the GCS client
func (r *GCSRemote) Close() error {
	return r.client.Close()
}
