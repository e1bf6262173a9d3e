package cloner

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"initsync/internal/models"
)

// ********
//
// mockConnection is a mock implementation of the Connection interface.
// When helloReply is set, Connect feeds it to the installed handshake hook.
//
// ********
type mockConnection struct {
	mock.Mock

	hookMu     sync.Mutex
	hook       HandshakeValidationHook
	helloReply *HelloReply
}

func (m *mockConnection) ServerAddress() string {
	args := m.Called()
	return args.String(0)
}

func (m *mockConnection) SetHandshakeValidationHook(hook HandshakeValidationHook) {
	m.Called()
	m.hookMu.Lock()
	m.hook = hook
	m.hookMu.Unlock()
}

func (m *mockConnection) Connect(ctx context.Context, address string) error {
	args := m.Called(ctx, address)
	m.hookMu.Lock()
	hook, reply := m.hook, m.helloReply
	m.hookMu.Unlock()
	if hook != nil && reply != nil {
		if err := hook(ctx, *reply); err != nil {
			return err
		}
	}
	return args.Error(0)
}

func (m *mockConnection) CheckConnection(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockConnection) Authenticate(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockConnection) ListDatabases(ctx context.Context, nameOnly bool) ([]bson.Raw, error) {
	args := m.Called(ctx, nameOnly)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]bson.Raw), args.Error(1)
}

func (m *mockConnection) ListCollections(ctx context.Context, dbName string) ([]string, error) {
	args := m.Called(ctx, dbName)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *mockConnection) CountDocuments(ctx context.Context, dbName, collName string) (int64, error) {
	args := m.Called(ctx, dbName, collName)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockConnection) FindAll(ctx context.Context, dbName, collName string, batchSize int, handle func(batch []bson.Raw) error) error {
	args := m.Called(ctx, dbName, collName, batchSize)
	if batches, ok := args.Get(0).([][]bson.Raw); ok {
		for _, batch := range batches {
			if err := handle(batch); err != nil {
				return err
			}
		}
	}
	return args.Error(1)
}

// ********
//
// mockMembership is a mock implementation of the Membership interface
//
// ********
type mockMembership struct {
	mock.Mock
}

func (m *mockMembership) OtherMembers(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

// ********
//
// mockStorage is a mock implementation of the Storage interface
//
// ********
type mockStorage struct {
	mock.Mock
}

func (m *mockStorage) InsertDocuments(ctx context.Context, dbName, collName string, docs []bson.Raw) error {
	args := m.Called(ctx, dbName, collName, docs)
	return args.Error(0)
}

func (m *mockStorage) IsAdminDbValid(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// ********
//
// fakeDatabaseCloner stands in for a child clone. When release is set, Run
// blocks until it is closed, reporting liveStats meanwhile.
//
// ********
type fakeDatabaseCloner struct {
	dbName     string
	err        error
	liveStats  models.DatabaseStats
	finalStats models.DatabaseStats
	started    chan struct{}
	release    chan struct{}

	mu       sync.Mutex
	finished bool
}

func (f *fakeDatabaseCloner) Run(_ context.Context) error {
	if f.started != nil {
		close(f.started)
	}
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	f.finished = true
	f.mu.Unlock()
	return f.err
}

func (f *fakeDatabaseCloner) Stats() models.DatabaseStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finished {
		return f.finalStats.Copy()
	}
	return f.liveStats.Copy()
}

// fakeClonerFactory hands out preconfigured fake cloners and records the
// order in which databases were requested.
type fakeClonerFactory struct {
	mu      sync.Mutex
	cloners map[string]*fakeDatabaseCloner
	created []string
}

func newFakeClonerFactory() *fakeClonerFactory {
	return &fakeClonerFactory{cloners: make(map[string]*fakeDatabaseCloner)}
}

func (f *fakeClonerFactory) add(c *fakeDatabaseCloner) *fakeDatabaseCloner {
	if c.finalStats.DBName == "" {
		c.finalStats.DBName = c.dbName
	}
	if c.liveStats.DBName == "" {
		c.liveStats.DBName = c.dbName
	}
	f.cloners[c.dbName] = c
	return c
}

func (f *fakeClonerFactory) build(dbName string, _ Collaborators, _ Options) DatabaseCloner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, dbName)
	if c, ok := f.cloners[dbName]; ok {
		return c
	}
	return &fakeDatabaseCloner{dbName: dbName, finalStats: models.DatabaseStats{DBName: dbName}}
}

func (f *fakeClonerFactory) createdDatabases() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.created))
	copy(out, f.created)
	return out
}

func rawDoc(t *testing.T, doc bson.D) bson.Raw {
	t.Helper()
	b, err := bson.Marshal(doc)
	require.NoError(t, err)
	return bson.Raw(b)
}

func databaseEntries(t *testing.T, names ...string) []bson.Raw {
	t.Helper()
	entries := make([]bson.Raw, 0, len(names))
	for _, name := range names {
		entries = append(entries, rawDoc(t, bson.D{{Key: "name", Value: name}}))
	}
	return entries
}
