package source

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"initsync/internal/cloner"
	"initsync/internal/config"
	"initsync/pkg/log"
)

const adminDB = "admin"

// Connection is a direct client connection to a single sync source node.
// Commands sent to the source go through a circuit breaker so a dead source
// fails fast instead of stalling every stage retry on the driver's timeouts.
type Connection struct {
	cfg     config.SyncSourceConfig
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger

	mu      sync.Mutex
	client  *mongo.Client
	address string
	hook    cloner.HandshakeValidationHook
}

var _ cloner.Connection = (*Connection)(nil)

func NewConnection(cfg config.SyncSourceConfig) *Connection {
	logger := log.Logger.With().Str("component", "sync_source_connection").Logger()
	return &Connection{
		cfg:     cfg,
		breaker: newSourceBreaker(logger),
		logger:  logger,
	}
}

//nolint:mnd
func newSourceBreaker(logger zerolog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "sync_source",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, mongo.ErrNoDocuments)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})
}

func (c *Connection) ServerAddress() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.address
}

func (c *Connection) SetHandshakeValidationHook(hook cloner.HandshakeValidationHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hook = hook
}

// Connect opens a direct connection to address and runs the handshake hook
// against the node's hello reply. A rejected handshake leaves the
// connection closed.
func (c *Connection) Connect(ctx context.Context, address string) error {
	logger := c.logger.With().Str("address", address).Logger()

	c.mu.Lock()
	previous, hook := c.client, c.hook
	c.client, c.address = nil, ""
	c.mu.Unlock()

	if previous != nil {
		if err := previous.Disconnect(ctx); err != nil {
			logger.Debug().Err(err).Msg("Failed to close previous connection")
		}
	}

	client, err := mongo.Connect(c.clientOptions(address))
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", address, err)
	}

	reply := c.hello(ctx, client)
	var handshakeErr error
	if hook != nil {
		handshakeErr = hook(ctx, reply)
	} else {
		handshakeErr = reply.Err
	}
	if handshakeErr != nil {
		if err := client.Disconnect(ctx); err != nil {
			logger.Debug().Err(err).Msg("Failed to close rejected connection")
		}
		return handshakeErr
	}

	c.mu.Lock()
	c.client, c.address = client, address
	c.mu.Unlock()

	logger.Info().
		Bool("primary", reply.IsPrimary).
		Bool("secondary", reply.IsSecondary).
		Msg("Connected to sync source")
	return nil
}

func (c *Connection) clientOptions(address string) *options.ClientOptions {
	opts := options.Client().
		SetHosts([]string{address}).
		SetDirect(true).
		SetReadPreference(readpref.Nearest()).
		SetAppName("initsync")
	if c.cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(c.cfg.ConnectTimeout).
			SetServerSelectionTimeout(c.cfg.ConnectTimeout)
	}
	if c.cfg.Username != "" {
		opts.SetAuth(options.Credential{
			Username:   c.cfg.Username,
			Password:   c.cfg.Password,
			AuthSource: c.cfg.AuthSource,
		})
	}
	return opts
}

type helloResponse struct {
	IsWritablePrimary bool `bson:"isWritablePrimary"`
	Secondary         bool `bson:"secondary"`
}

func (c *Connection) hello(ctx context.Context, client *mongo.Client) cloner.HelloReply {
	var resp helloResponse
	err := c.execute(func() error {
		return client.Database(adminDB).RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&resp)
	})
	if err != nil {
		return cloner.HelloReply{Err: fmt.Errorf("hello failed: %w", err)}
	}
	return cloner.HelloReply{IsPrimary: resp.IsWritablePrimary, IsSecondary: resp.Secondary}
}

// CheckConnection pings the current source and reconnects when the ping
// fails.
func (c *Connection) CheckConnection(ctx context.Context) error {
	client, address, err := c.current()
	if err != nil {
		return err
	}

	pingErr := c.execute(func() error {
		return client.Ping(ctx, readpref.Nearest())
	})
	if pingErr == nil {
		return nil
	}
	c.logger.Warn().Err(pingErr).Str("address", address).Msg("Connection check failed, reconnecting")
	return c.Connect(ctx, address)
}

type connectionStatusResponse struct {
	AuthInfo struct {
		AuthenticatedUsers []bson.Raw `bson:"authenticatedUsers"`
	} `bson:"authInfo"`
}

// Authenticate verifies the connection carries an authenticated user when
// credentials are configured. The driver performs the handshake itself.
func (c *Connection) Authenticate(ctx context.Context) error {
	client, _, err := c.current()
	if err != nil {
		return err
	}
	if c.cfg.Username == "" {
		return nil
	}

	var status connectionStatusResponse
	err = c.execute(func() error {
		return client.Database(adminDB).RunCommand(ctx, bson.D{{Key: "connectionStatus", Value: 1}}).Decode(&status)
	})
	if err != nil {
		return err
	}
	if len(status.AuthInfo.AuthenticatedUsers) == 0 {
		return ErrNotAuthenticated
	}
	return nil
}

func (c *Connection) ListDatabases(ctx context.Context, nameOnly bool) ([]bson.Raw, error) {
	client, _, err := c.current()
	if err != nil {
		return nil, err
	}

	var reply bson.Raw
	err = c.execute(func() error {
		cmd := bson.D{{Key: "listDatabases", Value: 1}, {Key: "nameOnly", Value: nameOnly}}
		var cmdErr error
		reply, cmdErr = client.Database(adminDB).RunCommand(ctx, cmd).Raw()
		return cmdErr
	})
	if err != nil {
		return nil, err
	}
	return databaseEntries(reply)
}

func databaseEntries(reply bson.Raw) ([]bson.Raw, error) {
	arr, ok := reply.Lookup("databases").ArrayOK()
	if !ok {
		return nil, fmt.Errorf("%w: listDatabases reply has no 'databases' array", ErrMalformedReply)
	}
	values, err := arr.Values()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedReply, err)
	}

	entries := make([]bson.Raw, 0, len(values))
	for _, v := range values {
		doc, ok := v.DocumentOK()
		if !ok {
			continue
		}
		entries = append(entries, doc)
	}
	return entries, nil
}

// ListCollections returns the names of real collections in dbName. Views
// are rebuilt from system.views and are not copied.
func (c *Connection) ListCollections(ctx context.Context, dbName string) ([]string, error) {
	client, _, err := c.current()
	if err != nil {
		return nil, err
	}

	var names []string
	err = c.execute(func() error {
		var listErr error
		names, listErr = client.Database(dbName).ListCollectionNames(ctx, bson.D{{Key: "type", Value: "collection"}})
		return listErr
	})
	return names, err
}

func (c *Connection) CountDocuments(ctx context.Context, dbName, collName string) (int64, error) {
	client, _, err := c.current()
	if err != nil {
		return 0, err
	}

	var count int64
	err = c.execute(func() error {
		var countErr error
		count, countErr = client.Database(dbName).Collection(collName).EstimatedDocumentCount(ctx)
		return countErr
	})
	return count, err
}

// FindAll streams every document of the collection to handle in batches of
// at most batchSize. An error from handle stops the scan and is returned
// unchanged.
func (c *Connection) FindAll(ctx context.Context, dbName, collName string, batchSize int, handle func(batch []bson.Raw) error) error {
	client, _, err := c.current()
	if err != nil {
		return err
	}

	batchSize = min(max(batchSize, 1), math.MaxInt32)

	var cursor *mongo.Cursor
	err = c.execute(func() error {
		var findErr error
		cursor, findErr = client.Database(dbName).Collection(collName).
			Find(ctx, bson.D{}, options.Find().SetBatchSize(int32(batchSize))) //nolint:gosec // clamped above
		return findErr
	})
	if err != nil {
		return err
	}
	defer cursor.Close(ctx)

	batch := make([]bson.Raw, 0, batchSize)
	for cursor.Next(ctx) {
		batch = append(batch, bson.Raw(append([]byte(nil), cursor.Current...)))
		if len(batch) >= batchSize || cursor.RemainingBatchLength() == 0 {
			if err := handle(batch); err != nil {
				return err
			}
			batch = make([]bson.Raw, 0, batchSize)
		}
	}
	if err := cursor.Err(); err != nil {
		return fmt.Errorf("failed to read %s.%s: %w", dbName, collName, err)
	}
	if len(batch) > 0 {
		return handle(batch)
	}
	return nil
}

// Close disconnects from the sync source.
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	client := c.client
	c.client, c.address = nil, ""
	c.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Disconnect(ctx)
}

func (c *Connection) current() (*mongo.Client, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, "", ErrNotConnected
	}
	return c.client, c.address, nil
}

func (c *Connection) execute(command func() error) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, command()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	return err
}
