package cloner

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"

	"initsync/internal/models"
)

const (
	// AdminDatabase holds authorization metadata; it is cloned first and
	// validated after cloning.
	AdminDatabase = "admin"
	// LocalDatabase is node-local bookkeeping and is never cloned.
	LocalDatabase = "local"
)

// Stats is a point-in-time view of an AllDatabasesCloner's progress.
// DatabaseStats[i] belongs to the i-th enumerated database.
type Stats struct {
	DatabasesCloned int
	DatabaseStats   []models.DatabaseStats
}

func (s Stats) Copy() Stats {
	out := Stats{DatabasesCloned: s.DatabasesCloned}
	if s.DatabaseStats != nil {
		out.DatabaseStats = make([]models.DatabaseStats, len(s.DatabaseStats))
		for i, db := range s.DatabaseStats {
			out.DatabaseStats[i] = db.Copy()
		}
	}
	return out
}

// ToDocument renders {databasesCloned: n, <dbname>: {...}, ...} in
// enumeration order.
func (s Stats) ToDocument() bson.D {
	doc := bson.D{{Key: "databasesCloned", Value: int64(s.DatabasesCloned)}}
	for _, db := range s.DatabaseStats {
		doc = append(doc, bson.E{Key: db.DBName, Value: db.ToDocument()})
	}
	return doc
}

func (s Stats) String() string {
	out, err := bson.MarshalExtJSON(s.ToDocument(), false, false)
	if err != nil {
		return fmt.Sprintf("%v", s.ToDocument())
	}
	return string(out)
}

// AllDatabasesCloner connects to the sync source, enumerates its databases
// and clones them one at a time.
type AllDatabasesCloner struct {
	baseCloner
	membership Membership
	opts       Options

	// mu guards databases, stats and currentDatabaseCloner. It is never held
	// across network or storage calls and is independent of the shared
	// attempt state's lock.
	mu                    sync.Mutex
	databases             []string
	stats                 Stats
	currentDatabaseCloner DatabaseCloner
}

func NewAllDatabasesCloner(collab Collaborators, membership Membership, opts Options) *AllDatabasesCloner {
	if opts.NewDatabaseCloner == nil {
		opts.NewDatabaseCloner = NewDatabaseCloner
	}
	if collab.Pool == nil {
		collab.Pool = NewWorkerPool(1)
	}
	return &AllDatabasesCloner{
		baseCloner: newBaseCloner("all_databases_cloner", collab, opts.Retry),
		membership: membership,
		opts:       opts,
	}
}

func (c *AllDatabasesCloner) stages() []Stage {
	return []Stage{
		{Name: "connect", Run: c.connectStage},
		{Name: "listDatabases", Run: c.listDatabasesStage},
	}
}

// Run connects, enumerates and clones every database. The returned error is
// the first failure recorded for the attempt, if any.
func (c *AllDatabasesCloner) Run(ctx context.Context) error {
	return c.run(ctx, c.stages(), c.postStage)
}

// Enumerate runs only the connect and listDatabases stages and returns the
// ordered database list.
func (c *AllDatabasesCloner) Enumerate(ctx context.Context) ([]string, error) {
	if err := c.run(ctx, c.stages(), nil); err != nil {
		return nil, err
	}
	return c.Databases(), nil
}

// Databases returns the enumerated databases in cloning order.
func (c *AllDatabasesCloner) Databases() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.databases))
	copy(out, c.databases)
	return out
}

// ensurePrimaryOrSecondary is installed as the connection's handshake hook.
// A node that reports neither role is only treated as permanently gone when
// it is missing from the local replica set configuration; a node between
// configurations looks the same and must be retried instead.
func (c *AllDatabasesCloner) ensurePrimaryOrSecondary(ctx context.Context, reply HelloReply) error {
	source := c.Source()
	if reply.Err != nil {
		c.logger.Info().Err(reply.Err).Msg("Cannot reconnect because hello command failed")
		return reply.Err
	}
	if reply.IsPrimary || reply.IsSecondary {
		return nil
	}

	otherNodes, err := c.membership.OtherMembers(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to list replica set members")
		return &NotPrimaryOrSecondaryError{Source: source, Cause: err}
	}

	if !containsAddress(otherNodes, source) {
		removedErr := &NotPrimaryOrSecondaryError{Source: source, Removed: true}
		c.collab.SharedData.SetStatusIfOK(removedErr)
		return removedErr
	}
	return &NotPrimaryOrSecondaryError{Source: source}
}

func (c *AllDatabasesCloner) connectStage(ctx context.Context) (AfterStageBehavior, error) {
	conn := c.collab.Conn
	source := c.Source()

	// The connection outlives attempts and reconnects through the installed
	// hook, so the hook must always report into this attempt.
	conn.SetHandshakeValidationHook(c.ensurePrimaryOrSecondary)

	if !strings.EqualFold(conn.ServerAddress(), source) {
		if err := conn.Connect(ctx, source); err != nil {
			return ContinueNormally, err
		}
	} else {
		if err := conn.CheckConnection(ctx); err != nil {
			return ContinueNormally, err
		}
	}

	if err := conn.Authenticate(ctx); err != nil {
		return ContinueNormally, fmt.Errorf("failed to authenticate to %s: %w", source, err)
	}
	return ContinueNormally, nil
}

func (c *AllDatabasesCloner) listDatabasesStage(ctx context.Context) (AfterStageBehavior, error) {
	entries, err := c.collab.Conn.ListDatabases(ctx, true)
	if err != nil {
		return ContinueNormally, fmt.Errorf("failed to list databases on %s: %w", c.Source(), err)
	}

	databases := make([]string, 0, len(entries))
	for _, entry := range entries {
		dbName, ok := entry.Lookup("name").StringValueOK()
		if !ok || dbName == "" {
			c.logger.Debug().
				Str("entry", entry.String()).
				Msg("Excluding database due to the 'listDatabases' response not containing a 'name' field for this entry")
			continue
		}
		if dbName == LocalDatabase {
			c.logger.Debug().Str("entry", entry.String()).Msg("Excluding database from the 'listDatabases' response")
			continue
		}

		databases = append(databases, dbName)
		if dbName == AdminDatabase && len(databases) > 1 {
			last := len(databases) - 1
			databases[0], databases[last] = databases[last], databases[0]
		}
	}

	c.mu.Lock()
	c.databases = databases
	c.mu.Unlock()

	c.logger.Info().Strs("databases", databases).Msg("Enumerated databases on sync source")
	return ContinueNormally, nil
}

func (c *AllDatabasesCloner) postStage(ctx context.Context) {
	c.mu.Lock()
	databases := c.databases
	c.stats.DatabasesCloned = 0
	c.stats.DatabaseStats = make([]models.DatabaseStats, len(databases))
	for i, dbName := range databases {
		c.stats.DatabaseStats[i].DBName = dbName
	}
	c.mu.Unlock()

	sharedData := c.collab.SharedData
	for _, dbName := range databases {
		if status := sharedData.Status(); status != nil {
			c.logger.Info().Str("database", dbName).Err(status).Msg("Attempt cancelled, not cloning remaining databases")
			return
		}

		c.mu.Lock()
		dbCloner := c.opts.NewDatabaseCloner(dbName, c.collab, c.opts)
		c.currentDatabaseCloner = dbCloner
		completed := c.stats.DatabasesCloned
		c.mu.Unlock()

		if err := dbCloner.Run(ctx); err != nil {
			c.logger.Warn().
				Err(err).
				Str("database", dbName).
				Int("position", completed+1).
				Int("total", len(databases)).
				Msg("Database clone failed")
			sharedData.SetStatusIfOK(fmt.Errorf("failed to clone database '%s': %w", dbName, err))
			return
		}
		c.logger.Debug().Str("database", dbName).Msg("Database clone finished")

		if strings.EqualFold(dbName, AdminDatabase) {
			c.logger.Debug().Msg("Finished the 'admin' db, now validating it")
			if err := c.validateAdminDatabase(ctx); err != nil {
				c.logger.Warn().Err(err).Msg("Validation failed on 'admin' db")
				sharedData.SetStatusIfOK(err)
				return
			}
		}

		c.mu.Lock()
		c.stats.DatabaseStats[c.stats.DatabasesCloned] = dbCloner.Stats()
		c.currentDatabaseCloner = nil
		c.stats.DatabasesCloned++
		c.mu.Unlock()
	}
}

// validateAdminDatabase checks the cloned admin database under its own
// operation context.
func (c *AllDatabasesCloner) validateAdminDatabase(ctx context.Context) error {
	opCtx := ctx
	if c.opts.AdminValidationTimeout > 0 {
		var cancel context.CancelFunc
		opCtx, cancel = context.WithTimeout(ctx, c.opts.AdminValidationTimeout)
		defer cancel()
	}

	if err := c.collab.Storage.IsAdminDbValid(opCtx); err != nil {
		return fmt.Errorf("%w: %w", ErrAdminDatabaseInvalid, err)
	}
	return nil
}

// Stats returns the aggregate progress. While a database clone is running,
// its live stats are reported at index DatabasesCloned.
func (c *AllDatabasesCloner) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats.Copy()
	if c.currentDatabaseCloner != nil && c.stats.DatabasesCloned < len(stats.DatabaseStats) {
		stats.DatabaseStats[c.stats.DatabasesCloned] = c.currentDatabaseCloner.Stats()
	}
	return stats
}

func (c *AllDatabasesCloner) String() string {
	active := c.IsActive()
	status := "OK"
	if err := c.collab.SharedData.Status(); err != nil {
		status = err.Error()
	}

	c.mu.Lock()
	completed := c.stats.DatabasesCloned
	c.mu.Unlock()

	return fmt.Sprintf("initial sync -- active:%t status:%s source:%s db cloners completed:%d",
		active, status, c.Source(), completed)
}

func containsAddress(addresses []string, address string) bool {
	for _, a := range addresses {
		if strings.EqualFold(a, address) {
			return true
		}
	}
	return false
}
