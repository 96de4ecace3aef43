package archive

import (
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

// AzureUploader uploads archives to a single Azure Blob Storage container.
type AzureUploader struct {
	client    *azblob.Client
	container string
}

// NewAzureUploader constructs an AzureUploader for the given service URL,
// container, and credential (typically from azidentity).
func NewAzureUploader(serviceURL, container string, cred azcore.TokenCredential) (*AzureUploader, error) {
	client, err := azblob.NewClient(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("archive: new azure client: %w", err)
	}
	return &AzureUploader{client: client, container: container}, nil
}

// Upload streams r to the container under name.
func (u *AzureUploader) Upload(ctx context.Context, name string, r io.Reader) error {
	_, err := u.client.UploadStream(ctx, u.container, name, r, nil)
	if err != nil {
		return fmt.Errorf("archive: azure upload %s: %w", name, err)
	}
	return nil
}
