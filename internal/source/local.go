package source

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"initsync/pkg/log"
)

// ConnectLocal opens the client used for the node being initialised.
func ConnectLocal(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri).SetAppName("initsync"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to local node: %w", err)
	}
	if err := client.Ping(ctx, readpref.PrimaryPreferred()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping local node: %w", err)
	}
	log.Logger.Info().Str("component", "local_node").Msg("Connected to local node")
	return client, nil
}
