package source

import (
	"context"
	"errors"
	"log"
	"os"
	"testing"

	"github.com/stretchr/testify/suite"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"initsync/internal/cloner"
	"initsync/internal/config"
	"initsync/testutil"
)

type SourceIntegrationTestSuite struct {
	suite.Suite
	ctx         context.Context
	mongoHelper *testutil.MongoHelper
	client      *mongo.Client
}

func TestSourceIntegrationSuite(t *testing.T) {
	if os.Getenv("SKIP_INTEGRATION_TESTS") == "true" {
		t.Skip("Skipping integration tests")
	}
	suite.Run(t, new(SourceIntegrationTestSuite))
}

func (s *SourceIntegrationTestSuite) SetupSuite() {
	s.ctx = context.Background()

	var err error
	s.mongoHelper, err = testutil.NewMongoContainer(s.T(), s.ctx)
	s.Require().NoError(err)

	s.client, err = ConnectLocal(s.ctx, s.mongoHelper.URI)
	s.Require().NoError(err)
}

func (s *SourceIntegrationTestSuite) SetupTest() {
	for _, db := range []string{"app", "logs"} {
		s.Require().NoError(s.client.Database(db).Drop(s.ctx))
	}
	admin := s.client.Database(adminDB)
	s.Require().NoError(admin.RunCommand(s.ctx, bson.D{{Key: "dropAllUsersFromDatabase", Value: 1}}).Err())
	_, err := admin.Collection(versionCollection).
		DeleteMany(s.ctx, bson.D{{Key: "_id", Value: authSchemaID}})
	s.Require().NoError(err)
}

func (s *SourceIntegrationTestSuite) TearDownSuite() {
	if s.client != nil {
		_ = s.client.Disconnect(s.ctx)
	}
	if s.mongoHelper != nil {
		if err := s.mongoHelper.Terminate(s.ctx); err != nil {
			log.Printf("Error terminating container: %v", err)
		}
	}
}

func (s *SourceIntegrationTestSuite) newConnection() *Connection {
	conn := NewConnection(config.SyncSourceConfig{})
	s.T().Cleanup(func() { _ = conn.Close(context.Background()) })
	return conn
}

func (s *SourceIntegrationTestSuite) seed(dbName, collName string, n int) {
	docs := make([]bson.Raw, 0, n)
	for i := range n {
		raw, err := bson.Marshal(bson.D{{Key: "_id", Value: int32(i)}, {Key: "v", Value: "x"}})
		s.Require().NoError(err)
		docs = append(docs, raw)
	}
	s.Require().NoError(NewStorage(s.client).InsertDocuments(s.ctx, dbName, collName, docs))
}

func (s *SourceIntegrationTestSuite) TestConnect() {
	s.Run("feeds the hello reply to the handshake hook", func() {
		conn := s.newConnection()
		var got cloner.HelloReply
		conn.SetHandshakeValidationHook(func(_ context.Context, reply cloner.HelloReply) error {
			got = reply
			return nil
		})

		s.Require().NoError(conn.Connect(s.ctx, s.mongoHelper.Address))

		s.NoError(got.Err)
		s.True(got.IsPrimary, "standalone reports itself as writable primary")
		s.Equal(s.mongoHelper.Address, conn.ServerAddress())
		s.NoError(conn.CheckConnection(s.ctx))
		s.NoError(conn.Authenticate(s.ctx))
	})

	s.Run("rejected handshake leaves the connection closed", func() {
		conn := s.newConnection()
		rejection := errors.New("not a valid sync source")
		conn.SetHandshakeValidationHook(func(context.Context, cloner.HelloReply) error {
			return rejection
		})

		err := conn.Connect(s.ctx, s.mongoHelper.Address)

		s.ErrorIs(err, rejection)
		s.Empty(conn.ServerAddress())
		s.ErrorIs(conn.CheckConnection(s.ctx), ErrNotConnected)
	})
}

func (s *SourceIntegrationTestSuite) TestReadsFromSource() {
	s.seed("app", "users", 5)
	s.seed("logs", "events", 1)
	conn := s.newConnection()
	s.Require().NoError(conn.Connect(s.ctx, s.mongoHelper.Address))

	s.Run("lists databases by name", func() {
		entries, err := conn.ListDatabases(s.ctx, true)
		s.Require().NoError(err)

		var names []string
		for _, entry := range entries {
			names = append(names, entry.Lookup("name").StringValue())
		}
		s.Contains(names, "app")
		s.Contains(names, "logs")
		s.Contains(names, "admin")
	})

	s.Run("lists collections", func() {
		names, err := conn.ListCollections(s.ctx, "app")

		s.NoError(err)
		s.Equal([]string{"users"}, names)
	})

	s.Run("counts documents", func() {
		count, err := conn.CountDocuments(s.ctx, "app", "users")

		s.NoError(err)
		s.Equal(int64(5), count)
	})

	s.Run("streams documents in bounded batches", func() {
		var sizes []int
		total := 0
		err := conn.FindAll(s.ctx, "app", "users", 2, func(batch []bson.Raw) error {
			sizes = append(sizes, len(batch))
			total += len(batch)
			return nil
		})

		s.NoError(err)
		s.Equal(5, total)
		for _, size := range sizes {
			s.LessOrEqual(size, 2)
		}
	})

	s.Run("stops when the handler fails", func() {
		handlerErr := errors.New("insert failed")
		err := conn.FindAll(s.ctx, "app", "users", 2, func([]bson.Raw) error {
			return handlerErr
		})

		s.ErrorIs(err, handlerErr)
	})
}

func (s *SourceIntegrationTestSuite) TestIsAdminDbValid() {
	storage := NewStorage(s.client)
	admin := s.client.Database(adminDB)
	createUser := func(name string) {
		s.Require().NoError(admin.RunCommand(s.ctx, bson.D{
			{Key: "createUser", Value: name},
			{Key: "pwd", Value: "secret"},
			{Key: "roles", Value: bson.A{}},
		}).Err())
	}
	authSchema := bson.D{{Key: "_id", Value: authSchemaID}}

	s.Run("valid without users", func() {
		s.NoError(storage.IsAdminDbValid(s.ctx))
	})

	s.Run("valid once a user exists", func() {
		createUser("first")

		s.NoError(storage.IsAdminDbValid(s.ctx))
	})

	s.Run("users without auth schema", func() {
		createUser("second")
		_, err := admin.Collection(versionCollection).DeleteMany(s.ctx, authSchema)
		s.Require().NoError(err)

		s.ErrorIs(storage.IsAdminDbValid(s.ctx), ErrAuthSchemaMissing)
	})

	s.Run("legacy auth schema", func() {
		_, err := admin.Collection(versionCollection).ReplaceOne(s.ctx, authSchema,
			bson.D{{Key: "_id", Value: authSchemaID}, {Key: "currentVersion", Value: int32(3)}},
			options.Replace().SetUpsert(true))
		s.Require().NoError(err)

		s.ErrorIs(storage.IsAdminDbValid(s.ctx), ErrAuthSchemaUnsupported)
	})
}

func (s *SourceIntegrationTestSuite) TestInsertDocumentsIgnoresEmptyBatch() {
	s.NoError(NewStorage(s.client).InsertDocuments(s.ctx, "app", "users", nil))
}
