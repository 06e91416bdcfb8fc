package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
)

var _ ObjectStore = (*AzureStore)(nil)

// AzureConfig contains Azure Blob Storage configuration.
type AzureConfig struct {
	AccountName      string
	AccountKey       string
	Container        string
	Endpoint         string
	ConnectionString string
}

// AzureStore uploads objects as block blobs.
type AzureStore struct {
	client    *azblob.Client
	container string
}

// NewAzureStore creates an Azure Blob store from a connection string or
// shared key credentials.
func NewAzureStore(cfg AzureConfig, logger *slog.Logger) (*AzureStore, error) {
	client, err := azblob.NewClientFromConnectionString(azureConnectionString(cfg), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure client: %w", err)
	}

	logger.Info("Azure store created",
		"container", cfg.Container,
		"account", cfg.AccountName,
	)
	return &AzureStore{client: client, container: cfg.Container}, nil
}

func azureConnectionString(cfg AzureConfig) string {
	if cfg.ConnectionString != "" {
		return cfg.ConnectionString
	}
	if cfg.Endpoint != "" {
		return fmt.Sprintf("DefaultEndpointsProtocol=https;AccountName=%s;AccountKey=%s;BlobEndpoint=%s",
			cfg.AccountName, cfg.AccountKey, cfg.Endpoint)
	}
	return fmt.Sprintf("DefaultEndpointsProtocol=https;AccountName=%s;AccountKey=%s;EndpointSuffix=core.windows.net",
		cfg.AccountName, cfg.AccountKey)
}

// Put uploads body as a block blob. Blocks are committed only after all
// are staged.
func (s *AzureStore) Put(ctx context.Context, key string, body io.Reader, _ int64, contentType string) error {
	_, err := s.client.UploadStream(ctx, s.container, key, body, &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	})
	if err != nil {
		return fmt.Errorf("failed to upload to Azure Blob: %w", err)
	}
	return nil
}

func (s *AzureStore) Backend() string { return "azure" }

func (s *AzureStore) Close() error { return nil }
