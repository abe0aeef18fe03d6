package storage

import (
	"context"
	"fmt"
	"net/url"
	"os"

	"github.com/Azure/azure-storage-blob-go/azblob"
)

// AzureRemote stores backup files in an Azure Blob Storage container
type AzureRemote struct {
	containerURL  azblob.ContainerURL
	containerName string
}

// NewAzureRemote creates an Azure remote authenticated with the account shared key
func NewAzureRemote(config Config) (*AzureRemote, error) {
	credential, err := azblob.NewSharedKeyCredential(config.AccountName, config.AccountKey)
	if err != nil {
		return nil, storageError("failed to create Azure credentials", err)
	}

	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{})

	serviceURL, err := url.Parse(fmt.Sprintf("https://%s.blob.core.windows.net", config.AccountName))
	if err != nil {
		return nil, storageError("failed to parse Azure service URL", err)
	}

	return &AzureRemote{
		containerURL:  azblob.NewServiceURL(*serviceURL, pipeline).NewContainerURL(config.Bucket),
		containerName: config.Bucket,
	}, nil
}

// List returns the blob names under prefix
func (r *AzureRemote) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for marker := (azblob.Marker{}); marker.NotDone(); {
		listResponse, err := r.containerURL.ListBlobsFlatSegment(ctx, marker, azblob.ListBlobsSegmentOptions{
			Prefix: prefix,
		})
		if err != nil {
			return nil, storageError(fmt.Sprintf("failed to list %s", r.Location(prefix)), err)
		}

		for _, blob := range listResponse.Segment.BlobItems {
			keys = append(keys, blob.Name)
		}
		marker = listResponse.NextMarker
	}
	return keys, nil
}

// Upload stores file as a block blob
func (r *AzureRemote) Upload(ctx context.Context, key string, file *os.File) error {
	blobURL := r.containerURL.NewBlockBlobURL(key)
	_, err := azblob.UploadFileToBlockBlob(ctx, file, blobURL, azblob.UploadToBlockBlobOptions{
		BlockSize:   4 * 1024 * 1024,
		Parallelism: 4,
	})
	if err != nil {
		return storageError(fmt.Sprintf("failed to upload %s", r.Location(key)), err)
	}
	return nil
}

// Location returns the azure:// URL of key
func (r *AzureRemote) Location(key string) string {
	return fmt.Sprintf("azure://%s/%s", r.containerName, key)
}

// Close does nothing, the pipeline holds no connection
func (r *AzureRemote) Close() error {
	return nil
}
