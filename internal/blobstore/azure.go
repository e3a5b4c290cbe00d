package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// AzureConfig selects a container. ConnectionString wins over the shared
// key pair when both are set.
type AzureConfig struct {
	ConnectionString string
	AccountName      string
	AccountKey       string
	Container        string
}

// Azure stores blobs in an Azure Storage container.
type Azure struct {
	client    *azblob.Client
	container string
}

// NewAzure builds a client for cfg. No request is made until first use.
func NewAzure(cfg AzureConfig) (*Azure, error) {
	if cfg.Container == "" {
		return nil, errors.New("azure container name is required")
	}

	var (
		client *azblob.Client
		err    error
	)
	switch {
	case cfg.ConnectionString != "":
		client, err = azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	case cfg.AccountName != "" && cfg.AccountKey != "":
		var cred *azblob.SharedKeyCredential
		cred, err = azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if err == nil {
			serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
			client, err = azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
		}
	default:
		return nil, errors.New("azure connection string or account credentials are required")
	}
	if err != nil {
		return nil, fmt.Errorf("creating azure blob client: %w", err)
	}
	return &Azure{client: client, container: cfg.Container}, nil
}

func (a *Azure) Get(ctx context.Context, key string) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	resp, err := a.client.DownloadStream(ctx, a.container, key, nil)
	if err != nil {
		return nil, a.wrap(key, "downloading", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", key, err)
	}
	return data, nil
}

func (a *Azure) Put(ctx context.Context, key string, data []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if _, err := a.client.UploadBuffer(ctx, a.container, key, data, nil); err != nil {
		return a.wrap(key, "uploading", err)
	}
	return nil
}

func (a *Azure) Delete(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if _, err := a.client.DeleteBlob(ctx, a.container, key, nil); err != nil {
		return a.wrap(key, "deleting", err)
	}
	return nil
}

func (a *Azure) wrap(key, op string, err error) error {
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return fmt.Errorf("%s blob %s: %w", op, key, err)
}
