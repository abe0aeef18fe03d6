package storage

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// S3Remote stores backup files in an Amazon S3 bucket
type S3Remote struct {
	client   *s3.S3
	uploader *s3manager.Uploader
	bucket   string
}

// NewS3Remote creates an S3 remote. Without static keys the default credential chain is used.
func NewS3Remote(config Config) (*S3Remote, error) {
	awsConfig := &aws.Config{Region: aws.String(config.Region)}
	if config.AccessKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(config.AccessKey, config.SecretKey, "")
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, storageError("failed to create AWS session", err)
	}

	return &S3Remote{
		client:   s3.New(sess),
		uploader: s3manager.NewUploader(sess),
		bucket:   config.Bucket,
	}, nil
}

// List returns the keys under prefix
func (r *S3Remote) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(r.bucket),
		Prefix: aws.String(prefix),
	}

	err := r.client.ListObjectsV2PagesWithContext(ctx, input,
		func(page *s3.ListObjectsV2Output, lastPage bool) bool {
			for _, obj := range page.Contents {
				keys = append(keys, aws.StringValue(obj.Key))
			}
			return true
		})
	if err != nil {
		return nil, storageError(fmt.Sprintf("failed to list %s", r.Location(prefix)), err)
	}
	return keys, nil
}

// Upload streams file to key
func (r *S3Remote) Upload(ctx context.Context, key string, file *os.File) error {
	_, err := r.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
		Body:   file,
	})
	if err != nil {
		return storageError(fmt.Sprintf("failed to upload %s", r.Location(key)), err)
	}
	return nil
}

// Location returns the s3:// URL of key
func (r *S3Remote) Location(key string) string {
	return fmt.Sprintf("s3://%s/%s", r.bucket, key)
}

// Close does nothing, the AWS session holds no connection
func (r *S3Remote) Close() error {
	return nil
}
