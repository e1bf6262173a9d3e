package cloner

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"

	"initsync/internal/models"
	"initsync/internal/syncstate"
)

// HelloReply is the sync source's answer to the handshake health check.
// Err is set when the command itself failed.
type HelloReply struct {
	Err         error
	IsPrimary   bool
	IsSecondary bool
}

// HandshakeValidationHook decides whether a freshly opened connection may be used.
type HandshakeValidationHook func(ctx context.Context, reply HelloReply) error

// Connection is the client connection to the sync source.
type Connection interface {
	// ServerAddress returns the address the connection currently targets,
	// or an empty string when it is not connected.
	ServerAddress() string
	SetHandshakeValidationHook(hook HandshakeValidationHook)
	Connect(ctx context.Context, address string) error
	CheckConnection(ctx context.Context) error
	Authenticate(ctx context.Context) error
	ListDatabases(ctx context.Context, nameOnly bool) ([]bson.Raw, error)
	ListCollections(ctx context.Context, dbName string) ([]string, error)
	CountDocuments(ctx context.Context, dbName, collName string) (int64, error)
	FindAll(ctx context.Context, dbName, collName string, batchSize int, handle func(batch []bson.Raw) error) error
}

// Membership answers replica set membership questions for the local node.
type Membership interface {
	// OtherMembers returns the addresses of every configured member except
	// the local node.
	OtherMembers(ctx context.Context) ([]string, error)
}

// Storage is the local node's storage layer.
type Storage interface {
	InsertDocuments(ctx context.Context, dbName, collName string, docs []bson.Raw) error
	IsAdminDbValid(ctx context.Context) error
}

// DatabaseCloner clones a single database.
type DatabaseCloner interface {
	Run(ctx context.Context) error
	Stats() models.DatabaseStats
}

type DatabaseClonerFactory func(dbName string, collab Collaborators, opts Options) DatabaseCloner

// Collaborators bundles everything shared by the cloners of one attempt.
type Collaborators struct {
	SharedData *syncstate.SharedData
	Source     string
	Conn       Connection
	Storage    Storage
	Pool       *WorkerPool
}
