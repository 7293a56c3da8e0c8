package archive

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

// AzureProvider uploads to an Azure Blob Storage container.
type AzureProvider struct {
	container string
	client    *azblob.Client
}

func NewAzureProvider(connectionString, container string) (*AzureProvider, error) {
	if connectionString == "" || container == "" {
		return nil, errors.New("azure connection string and container are required")
	}
	client, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("azure client: %w", err)
	}
	return &AzureProvider{container: container, client: client}, nil
}

func (a *AzureProvider) Name() string { return "azure" }

func (a *AzureProvider) Upload(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer f.Close()
	if _, err := a.client.UploadFile(ctx, a.container, key, f, nil); err != nil {
		return fmt.Errorf("azure upload %s: %w", key, err)
	}
	return nil
}
