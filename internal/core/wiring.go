package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"initsync/internal/cloner"
	"initsync/internal/config"
	repo "initsync/internal/repository"
	psqlRepo "initsync/internal/repository/postgres"
	"initsync/internal/service/orchestrator"
	"initsync/internal/source"
	"initsync/pkg/db"
	"initsync/pkg/db/migrations"
	"initsync/pkg/log"
)

// Wiring builds the long lived collaborators once per process and closes
// them on shutdown.
type Wiring struct {
	config *config.Config
	logger zerolog.Logger

	datastoreOnce sync.Once
	datastore     *db.PostgresDatastore
	datastoreErr  error

	localOnce   sync.Once
	localClient *mongo.Client
	localErr    error

	connOnce sync.Once
	conn     *source.Connection
}

func NewWiring(cfg *config.Config) *Wiring {
	return &Wiring{
		config: cfg,
		logger: log.Logger.With().Str("component", "wiring").Logger(),
	}
}

func (w *Wiring) GetConfig() *config.Config {
	return w.config
}

func (w *Wiring) InitPostgresDataStore(ctx context.Context) (*db.PostgresDatastore, error) {
	w.datastoreOnce.Do(func() {
		w.datastore, w.datastoreErr = db.NewPostgresDatastore(ctx, &w.config.Postgres, migrations.NewPostgresMigration())
		if w.datastoreErr != nil {
			w.logger.Error().Err(w.datastoreErr).Msg("Failed to create Postgres datastore")
		}
	})
	return w.datastore, w.datastoreErr
}

func (w *Wiring) InitCloneAttemptRepository(ctx context.Context) (repo.CloneAttemptRepository, error) {
	datastore, err := w.InitPostgresDataStore(ctx)
	if err != nil {
		return nil, err
	}
	return psqlRepo.NewPostgreSQLCloneAttemptRepository(datastore), nil
}

func (w *Wiring) InitLocalClient(ctx context.Context) (*mongo.Client, error) {
	w.localOnce.Do(func() {
		w.localClient, w.localErr = source.ConnectLocal(ctx, w.config.Local.URI)
		if w.localErr != nil {
			w.logger.Error().Err(w.localErr).Msg("Failed to connect to local node")
		}
	})
	return w.localClient, w.localErr
}

func (w *Wiring) InitSourceConnection() *source.Connection {
	w.connOnce.Do(func() {
		w.conn = source.NewConnection(w.config.SyncSource)
	})
	return w.conn
}

func (w *Wiring) CloneOptions() cloner.Options {
	clone := w.config.Clone
	return cloner.Options{
		BatchSize:              clone.BatchSize,
		AdminValidationTimeout: clone.AdminValidationTimeout,
		Retry: cloner.RetryPolicy{
			MaxRetries: clone.StageMaxRetries,
			MaxElapsed: clone.StageMaxElapsed,
		},
	}
}

// InitOrchestrator wires an orchestrator. withHistory controls whether
// attempts are recorded in Postgres.
func (w *Wiring) InitOrchestrator(ctx context.Context, withHistory bool) (*orchestrator.InitialSyncOrchestrator, error) {
	localClient, err := w.InitLocalClient(ctx)
	if err != nil {
		return nil, err
	}

	var history repo.CloneAttemptRepository
	if withHistory {
		history, err = w.InitCloneAttemptRepository(ctx)
		if err != nil {
			return nil, err
		}
	}

	return orchestrator.NewInitialSyncOrchestrator(
		w.config.SyncSource.Address,
		w.InitSourceConnection(),
		source.NewMembership(localClient),
		source.NewStorage(localClient),
		history,
		w.CloneOptions(),
		w.config.Clone.CollectionConcurrency,
	), nil
}

// Close releases everything the wiring created.
func (w *Wiring) Close(ctx context.Context) error {
	var errs []error
	if w.conn != nil {
		if err := w.conn.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close sync source connection: %w", err))
		}
	}
	if w.localClient != nil {
		if err := w.localClient.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close local client: %w", err))
		}
	}
	if w.datastore != nil {
		if err := w.datastore.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close datastore: %w", err))
		}
	}
	return errors.Join(errs...)
}
