package orchestrator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.mongodb.org/mongo-driver/v2/bson"

	"initsync/internal/cloner"
	"initsync/internal/models"
)

const testSource = "mongo-a:27017"

// fakeSource is an in-memory sync source plus local storage.
type fakeSource struct {
	mu        sync.Mutex
	address   string
	hook      cloner.HandshakeValidationHook
	reply     cloner.HelloReply
	members   []string
	databases map[string]map[string][]bson.Raw
	inserted  map[string]int
	insertErr error
	adminErr  error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		reply:     cloner.HelloReply{IsSecondary: true},
		members:   []string{testSource},
		databases: make(map[string]map[string][]bson.Raw),
		inserted:  make(map[string]int),
	}
}

func (f *fakeSource) add(t *testing.T, db, coll string, n int) {
	t.Helper()
	if f.databases[db] == nil {
		f.databases[db] = make(map[string][]bson.Raw)
	}
	for i := range n {
		raw, err := bson.Marshal(bson.D{{Key: "_id", Value: int32(i)}})
		require.NoError(t, err)
		f.databases[db][coll] = append(f.databases[db][coll], raw)
	}
}

func (f *fakeSource) ServerAddress() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.address
}

func (f *fakeSource) SetHandshakeValidationHook(hook cloner.HandshakeValidationHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hook = hook
}

func (f *fakeSource) Connect(ctx context.Context, address string) error {
	f.mu.Lock()
	hook, reply := f.hook, f.reply
	f.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, reply); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.address = address
	f.mu.Unlock()
	return nil
}

func (f *fakeSource) CheckConnection(context.Context) error { return nil }
func (f *fakeSource) Authenticate(context.Context) error    { return nil }

func (f *fakeSource) ListDatabases(context.Context, bool) ([]bson.Raw, error) {
	names := make([]string, 0, len(f.databases)+1)
	for name := range f.databases {
		names = append(names, name)
	}
	names = append(names, "local")
	sort.Strings(names)

	entries := make([]bson.Raw, 0, len(names))
	for _, name := range names {
		raw, err := bson.Marshal(bson.D{{Key: "name", Value: name}})
		if err != nil {
			return nil, err
		}
		entries = append(entries, raw)
	}
	return entries, nil
}

func (f *fakeSource) ListCollections(_ context.Context, db string) ([]string, error) {
	names := make([]string, 0, len(f.databases[db]))
	for name := range f.databases[db] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (f *fakeSource) CountDocuments(_ context.Context, db, coll string) (int64, error) {
	return int64(len(f.databases[db][coll])), nil
}

func (f *fakeSource) FindAll(_ context.Context, db, coll string, batchSize int, handle func([]bson.Raw) error) error {
	docs := f.databases[db][coll]
	for start := 0; start < len(docs); start += batchSize {
		end := min(start+batchSize, len(docs))
		if err := handle(docs[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeSource) OtherMembers(context.Context) ([]string, error) {
	return f.members, nil
}

func (f *fakeSource) InsertDocuments(_ context.Context, db, coll string, docs []bson.Raw) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted[db+"."+coll] += len(docs)
	return nil
}

func (f *fakeSource) IsAdminDbValid(context.Context) error {
	return f.adminErr
}

type mockRepository struct {
	mock.Mock
}

func (m *mockRepository) RecordAttempt(ctx context.Context, attempt *models.CloneAttempt) error {
	args := m.Called(ctx, attempt)
	return args.Error(0)
}

func (m *mockRepository) RecordDatabaseResults(ctx context.Context, results []*models.DatabaseCloneResult) error {
	args := m.Called(ctx, results)
	return args.Error(0)
}

func (m *mockRepository) GetAttempt(ctx context.Context, attemptID string) (*models.CloneAttempt, error) {
	args := m.Called(ctx, attemptID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.CloneAttempt), args.Error(1)
}

func (m *mockRepository) GetDatabaseResults(ctx context.Context, attemptID string) ([]*models.DatabaseCloneResult, error) {
	args := m.Called(ctx, attemptID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.DatabaseCloneResult), args.Error(1)
}

func (m *mockRepository) Close() error {
	return m.Called().Error(0)
}

type OrchestratorTestSuite struct {
	suite.Suite
	ctx    context.Context
	source *fakeSource
	repo   *mockRepository
}

func TestOrchestratorSuite(t *testing.T) {
	suite.Run(t, new(OrchestratorTestSuite))
}

func (suite *OrchestratorTestSuite) SetupTest() {
	suite.ctx = context.Background()
	suite.source = newFakeSource()
	suite.repo = new(mockRepository)
}

func (suite *OrchestratorTestSuite) SetupSubTest() {
	suite.SetupTest()
}

func (suite *OrchestratorTestSuite) newOrchestrator(repo *mockRepository) *InitialSyncOrchestrator {
	o := NewInitialSyncOrchestrator(
		testSource, suite.source, suite.source, suite.source, nil,
		cloner.Options{
			BatchSize: 2,
			Retry:     cloner.RetryPolicy{MaxRetries: 1, InitialInterval: time.Millisecond},
		},
		2,
	)
	// a nil *mockRepository must not become a non-nil interface
	if repo != nil {
		o.repo = repo
	}
	o.newAttemptID = func() string { return "attempt-1" }
	return o
}

func (suite *OrchestratorTestSuite) TestStartInitialSync() {
	suite.Run("clones every database and records the attempt", func() {
		suite.source.add(suite.T(), "app", "users", 5)
		suite.source.add(suite.T(), "app", "orders", 1)
		suite.source.add(suite.T(), "admin", "system.version", 1)

		var attempt *models.CloneAttempt
		var results []*models.DatabaseCloneResult
		suite.repo.On("RecordAttempt", mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) { attempt = args.Get(1).(*models.CloneAttempt) }).
			Return(nil)
		suite.repo.On("RecordDatabaseResults", mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) { results = args.Get(1).([]*models.DatabaseCloneResult) }).
			Return(nil)

		result, err := suite.newOrchestrator(suite.repo).StartInitialSync(suite.ctx)

		suite.Require().NoError(err)
		suite.True(result.Succeeded())
		suite.Equal("attempt-1", result.AttemptID)
		suite.Equal(2, result.Stats.DatabasesCloned)
		suite.Equal("admin", result.Stats.DatabaseStats[0].DBName)
		suite.Equal(5, suite.source.inserted["app.users"])
		suite.Equal(1, suite.source.inserted["app.orders"])
		suite.Equal(1, suite.source.inserted["admin.system.version"])

		suite.Require().NotNil(attempt)
		suite.Equal(models.AttemptStatusSucceeded, attempt.Status)
		suite.Nil(attempt.ErrorMessage)
		suite.Equal(2, attempt.DatabasesCloned)
		suite.Require().Len(results, 2)
		suite.Equal(1, results[1].Position)
		suite.Equal("app", results[1].DBName)
		suite.Equal(int64(6), results[1].DocumentsCopied)
	})

	suite.Run("reports a failed attempt without returning an error", func() {
		suite.source.add(suite.T(), "app", "users", 1)
		suite.source.insertErr = errors.New("disk full")
		suite.repo.On("RecordAttempt", mock.Anything, mock.MatchedBy(func(a *models.CloneAttempt) bool {
			return a.Status == models.AttemptStatusFailed && a.ErrorMessage != nil
		})).Return(nil)
		suite.repo.On("RecordDatabaseResults", mock.Anything, mock.Anything).Return(nil)

		result, err := suite.newOrchestrator(suite.repo).StartInitialSync(suite.ctx)

		suite.Require().NoError(err)
		suite.False(result.Succeeded())
		suite.ErrorIs(result.Err, suite.source.insertErr)
		suite.Equal(0, result.Stats.DatabasesCloned)
		suite.repo.AssertNumberOfCalls(suite.T(), "RecordAttempt", 1)
	})

	suite.Run("fails when the cloned admin database is invalid", func() {
		suite.source.add(suite.T(), "admin", "system.users", 1)
		suite.source.add(suite.T(), "app", "users", 1)
		suite.source.adminErr = errors.New("missing auth schema")

		result, err := suite.newOrchestrator(nil).StartInitialSync(suite.ctx)

		suite.Require().NoError(err)
		suite.ErrorIs(result.Err, cloner.ErrAdminDatabaseInvalid)
		suite.Zero(suite.source.inserted["app.users"])
	})

	suite.Run("fails when the sync source was removed", func() {
		suite.source.add(suite.T(), "app", "users", 1)
		suite.source.reply = cloner.HelloReply{}
		suite.source.members = []string{"mongo-b:27017"}

		result, err := suite.newOrchestrator(nil).StartInitialSync(suite.ctx)

		suite.Require().NoError(err)
		suite.ErrorIs(result.Err, cloner.ErrSyncSourceRemoved)
		suite.Empty(suite.source.inserted)
	})

	suite.Run("persistence failures do not change the result", func() {
		suite.source.add(suite.T(), "app", "users", 1)
		suite.repo.On("RecordAttempt", mock.Anything, mock.Anything).Return(errors.New("db down"))

		result, err := suite.newOrchestrator(suite.repo).StartInitialSync(suite.ctx)

		suite.Require().NoError(err)
		suite.True(result.Succeeded())
		suite.repo.AssertNotCalled(suite.T(), "RecordDatabaseResults", mock.Anything, mock.Anything)
	})

	suite.Run("refuses to start on a cancelled context", func() {
		ctx, cancel := context.WithCancel(suite.ctx)
		cancel()

		result, err := suite.newOrchestrator(nil).StartInitialSync(ctx)

		suite.ErrorIs(err, context.Canceled)
		suite.Nil(result)
	})
}

func (suite *OrchestratorTestSuite) TestListDatabases() {
	suite.source.add(suite.T(), "zeta", "c", 1)
	suite.source.add(suite.T(), "admin", "system.version", 1)
	suite.source.add(suite.T(), "alpha", "c", 1)
	o := suite.newOrchestrator(nil)

	databases, err := o.ListDatabases(suite.ctx)

	suite.Require().NoError(err)
	suite.Equal([]string{"admin", "alpha", "zeta"}, databases)
	suite.Empty(suite.source.inserted)

	_, _, running := o.Progress()
	suite.False(running)
}
