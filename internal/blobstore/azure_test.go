//go:build integration

package blobstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Well known Azurite development credentials.
const azuriteKey = "Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw=="

func TestAzure(t *testing.T) {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mcr.microsoft.com/azure-storage/azurite:latest",
			Cmd:          []string{"azurite-blob", "--blobHost", "0.0.0.0"},
			ExposedPorts: []string{"10000/tcp"},
			WaitingFor:   wait.ForListeningPort("10000/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("Docker not available or container failed to start, skipping integration test: %v", err)
	}
	defer container.Terminate(ctx)

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "10000")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	conn := fmt.Sprintf("DefaultEndpointsProtocol=http;AccountName=devstoreaccount1;AccountKey=%s;BlobEndpoint=http://%s:%s/devstoreaccount1;",
		azuriteKey, host, port.Port())

	client, err := azblob.NewClientFromConnectionString(conn, nil)
	if err != nil {
		t.Fatalf("NewClientFromConnectionString() error = %v", err)
	}
	if _, err := client.CreateContainer(ctx, "faces", nil); err != nil {
		t.Fatalf("CreateContainer() error = %v", err)
	}

	s, err := NewAzure(AzureConfig{ConnectionString: conn, Container: "faces"})
	if err != nil {
		t.Fatalf("NewAzure() error = %v", err)
	}
	testStore(t, s)
}
