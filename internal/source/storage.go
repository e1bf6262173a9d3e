package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"initsync/internal/cloner"
	"initsync/pkg/log"
)

const (
	usersCollection   = "system.users"
	versionCollection = "system.version"
	authSchemaID      = "authSchema"

	// authSchemaVersionSCRAM is the only auth schema a cloned admin database
	// may carry.
	authSchemaVersionSCRAM = 5
)

// Storage writes cloned documents into the local node.
type Storage struct {
	client *mongo.Client
	logger zerolog.Logger
}

var _ cloner.Storage = (*Storage)(nil)

func NewStorage(client *mongo.Client) *Storage {
	return &Storage{
		client: client,
		logger: log.Logger.With().Str("component", "local_storage").Logger(),
	}
}

func (s *Storage) InsertDocuments(ctx context.Context, dbName, collName string, docs []bson.Raw) error {
	if len(docs) == 0 {
		return nil
	}
	if _, err := s.client.Database(dbName).Collection(collName).InsertMany(ctx, docs); err != nil {
		return err
	}
	s.logger.Trace().Str("namespace", dbName+"."+collName).Int("documents", len(docs)).Msg("Inserted documents")
	return nil
}

// IsAdminDbValid checks that an admin database holding users also holds a
// supported auth schema version document.
func (s *Storage) IsAdminDbValid(ctx context.Context) error {
	admin := s.client.Database(adminDB)

	users, err := admin.Collection(usersCollection).CountDocuments(ctx, bson.D{}, options.Count().SetLimit(1))
	if err != nil {
		return fmt.Errorf("failed to count %s.%s: %w", adminDB, usersCollection, err)
	}

	schema, err := admin.Collection(versionCollection).
		FindOne(ctx, bson.D{{Key: "_id", Value: authSchemaID}}).
		Raw()
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		if users > 0 {
			return ErrAuthSchemaMissing
		}
		return nil
	case err != nil:
		return fmt.Errorf("failed to read auth schema version: %w", err)
	}
	return checkAuthSchema(schema)
}

func checkAuthSchema(schema bson.Raw) error {
	version, ok := schema.Lookup("currentVersion").AsInt64OK()
	if !ok {
		return fmt.Errorf("%w: currentVersion is missing or not a number", ErrAuthSchemaUnsupported)
	}
	if version != authSchemaVersionSCRAM {
		return fmt.Errorf("%w: found %d, need %d", ErrAuthSchemaUnsupported, version, authSchemaVersionSCRAM)
	}
	return nil
}
