package testutil

import (
	"context"
	"fmt"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type MongoHelper struct {
	Container testcontainers.Container
	// Address is the host:port the node is reachable on.
	Address string
	// URI is a direct connection string for Address.
	URI string
}

// NewMongoContainer starts a standalone mongod without authentication.
func NewMongoContainer(t require.TestingT, ctx context.Context) (*MongoHelper, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor: wait.ForListeningPort("27017/tcp").
				WithStartupTimeout(1 * time.Minute),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start MongoDB container: %w", err)
	}

	host, err := container.Host(ctx)
	require.NoError(t, err, "Failed to get MongoDB container host")
	port, err := container.MappedPort(ctx, "27017/tcp")
	require.NoError(t, err, "Failed to get MongoDB container port")

	address := fmt.Sprintf("%s:%s", host, port.Port())
	return &MongoHelper{
		Container: container,
		Address:   address,
		URI:       fmt.Sprintf("mongodb://%s/?directConnection=true", address),
	}, nil
}

func (m *MongoHelper) Terminate(ctx context.Context) error {
	if m.Container != nil {
		return m.Container.Terminate(ctx)
	}
	return nil
}
