package cloner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/v2/bson"

	"initsync/internal/models"
	"initsync/pkg/log"
)

const defaultBatchSize = 1000

// replicatedSystemCollections are the system.* collections copied during
// initial sync; every other system collection is rebuilt locally.
//
//nolint:gochecknoglobals
var replicatedSystemCollections = map[string]bool{
	"system.users":   true,
	"system.roles":   true,
	"system.version": true,
	"system.js":      true,
}

//nolint:gochecknoglobals
var now = time.Now

type databaseCloner struct {
	dbName    string
	collab    Collaborators
	batchSize int
	logger    zerolog.Logger

	mu    sync.Mutex
	stats models.DatabaseStats
}

// NewDatabaseCloner returns a cloner that copies every collection of dbName
// from the sync source into local storage, using the worker pool to copy
// collections concurrently.
func NewDatabaseCloner(dbName string, collab Collaborators, opts Options) DatabaseCloner {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if collab.Pool == nil {
		collab.Pool = NewWorkerPool(1)
	}
	return &databaseCloner{
		dbName:    dbName,
		collab:    collab,
		batchSize: batchSize,
		logger: log.Logger.With().
			Str("component", "database_cloner").
			Str("database", dbName).
			Logger(),
		stats: models.DatabaseStats{DBName: dbName},
	}
}

func (d *databaseCloner) Run(ctx context.Context) error {
	d.mu.Lock()
	d.stats.Start = now()
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.stats.End = now()
		d.mu.Unlock()
	}()

	collections, err := d.listCollections(ctx)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.stats.Collections = len(collections)
	d.stats.CollectionStats = make([]models.CollectionStats, len(collections))
	for i, coll := range collections {
		d.stats.CollectionStats[i].Namespace = d.dbName + "." + coll
	}
	d.mu.Unlock()

	d.logger.Debug().Int("collections", len(collections)).Msg("Cloning collections")

	g, gctx := d.collab.Pool.Group(ctx)
	for i, coll := range collections {
		g.Go(func() error {
			return d.cloneCollection(gctx, i, coll)
		})
	}
	return g.Wait()
}

func (d *databaseCloner) listCollections(ctx context.Context) ([]string, error) {
	names, err := d.collab.Conn.ListCollections(ctx, d.dbName)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections of %s: %w", d.dbName, err)
	}

	collections := make([]string, 0, len(names))
	for _, name := range names {
		if strings.HasPrefix(name, "system.") && !replicatedSystemCollections[name] {
			d.logger.Debug().Str("collection", name).Msg("Skipping system collection")
			continue
		}
		collections = append(collections, name)
	}
	return collections, nil
}

func (d *databaseCloner) cloneCollection(ctx context.Context, idx int, coll string) error {
	logger := d.logger.With().Str("collection", coll).Logger()
	if status := d.collab.SharedData.Status(); status != nil {
		return cancelledError(status)
	}

	toCopy, err := d.collab.Conn.CountDocuments(ctx, d.dbName, coll)
	if err != nil {
		return fmt.Errorf("failed to count documents in %s.%s: %w", d.dbName, coll, err)
	}

	d.mu.Lock()
	d.stats.CollectionStats[idx].DocumentsToCopy = toCopy
	d.stats.CollectionStats[idx].Start = now()
	d.mu.Unlock()

	err = d.collab.Conn.FindAll(ctx, d.dbName, coll, d.batchSize, func(batch []bson.Raw) error {
		if status := d.collab.SharedData.Status(); status != nil {
			return cancelledError(status)
		}
		if err := d.collab.Storage.InsertDocuments(ctx, d.dbName, coll, batch); err != nil {
			return fmt.Errorf("failed to insert documents into %s.%s: %w", d.dbName, coll, err)
		}

		d.mu.Lock()
		d.stats.CollectionStats[idx].DocumentsCopied += int64(len(batch))
		d.stats.CollectionStats[idx].ReceivedBatches++
		d.mu.Unlock()
		return nil
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Collection clone failed")
		return err
	}

	d.mu.Lock()
	d.stats.CollectionStats[idx].End = now()
	d.stats.ClonedCollections++
	copied := d.stats.CollectionStats[idx].DocumentsCopied
	d.mu.Unlock()

	logger.Debug().Int64("documents_copied", copied).Msg("Collection clone finished")
	return nil
}

func (d *databaseCloner) Stats() models.DatabaseStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats.Copy()
}
