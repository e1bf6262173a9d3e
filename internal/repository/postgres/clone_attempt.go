package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"initsync/internal/models"
	"initsync/internal/repository"
	"initsync/pkg/db"
	"initsync/pkg/log"
)

const (
	upsertAttemptQuery = `
		INSERT INTO clone_attempts
			(attempt_id, sync_source, status, error_message, databases_cloned, started_at, finished_at)
		VALUES
			(:attempt_id, :sync_source, :status, :error_message, :databases_cloned, :started_at, :finished_at)
		ON CONFLICT (attempt_id) DO UPDATE SET
			sync_source = EXCLUDED.sync_source,
			status = EXCLUDED.status,
			error_message = EXCLUDED.error_message,
			databases_cloned = EXCLUDED.databases_cloned,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at`

	upsertDatabaseResultQuery = `
		INSERT INTO database_clone_results
			(attempt_id, position, db_name, collections, cloned_collections, documents_copied, started_at, finished_at)
		VALUES
			(:attempt_id, :position, :db_name, :collections, :cloned_collections, :documents_copied, :started_at, :finished_at)
		ON CONFLICT (attempt_id, position) DO UPDATE SET
			db_name = EXCLUDED.db_name,
			collections = EXCLUDED.collections,
			cloned_collections = EXCLUDED.cloned_collections,
			documents_copied = EXCLUDED.documents_copied,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at`

	selectAttemptQuery = `
		SELECT attempt_id, sync_source, status, error_message, databases_cloned, started_at, finished_at
		FROM clone_attempts
		WHERE attempt_id = $1`

	selectDatabaseResultsQuery = `
		SELECT attempt_id, position, db_name, collections, cloned_collections, documents_copied, started_at, finished_at
		FROM database_clone_results
		WHERE attempt_id = $1
		ORDER BY position`
)

// PostgreSQLCloneAttemptRepository persists attempt history. Every query goes
// through a circuit breaker and is retried with backoff while the breaker is
// closed; an open breaker fails fast with ErrDatabaseUnavailable.
type PostgreSQLCloneAttemptRepository struct {
	psql           *db.PostgresDatastore
	circuitBreaker *gobreaker.CircuitBreaker
	retryOptFunc   func() []backoff.RetryOption
	logger         zerolog.Logger
}

func NewPostgreSQLCloneAttemptRepository(psql *db.PostgresDatastore) *PostgreSQLCloneAttemptRepository {
	logger := log.Logger.With().Str("component", "clone_attempt_repository").Logger()
	return &PostgreSQLCloneAttemptRepository{
		psql:           psql,
		circuitBreaker: newCircuitBreaker(logger),
		retryOptFunc:   newBackoffStrategy,
		logger:         logger,
	}
}

//nolint:mnd
func newCircuitBreaker(logger zerolog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "postgres_clone_attempts",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, sql.ErrNoRows)
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

//nolint:mnd
func newBackoffStrategy() []backoff.RetryOption {
	strategy := backoff.NewExponentialBackOff()
	strategy.InitialInterval = 200 * time.Millisecond
	strategy.MaxInterval = 5 * time.Second
	return []backoff.RetryOption{
		backoff.WithBackOff(strategy),
		backoff.WithMaxTries(10),
		backoff.WithMaxElapsedTime(time.Minute),
	}
}

func (repo *PostgreSQLCloneAttemptRepository) RecordAttempt(ctx context.Context, attempt *models.CloneAttempt) error {
	if attempt == nil || attempt.AttemptID == "" {
		return repository.ErrInvalidQueryParameters
	}
	logger := repo.logger.With().Str("attempt_id", attempt.AttemptID).Logger()

	err := repo.execute(ctx, func() error {
		_, err := repo.psql.DB.NamedExecContext(ctx, upsertAttemptQuery, attempt)
		return err
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to record clone attempt")
		return fmt.Errorf("failed to record clone attempt %s: %w", attempt.AttemptID, err)
	}
	logger.Debug().Str("status", attempt.Status.String()).Msg("Recorded clone attempt")
	return nil
}

// RecordDatabaseResults writes all results in one transaction.
func (repo *PostgreSQLCloneAttemptRepository) RecordDatabaseResults(ctx context.Context, results []*models.DatabaseCloneResult) error {
	if len(results) == 0 {
		return nil
	}
	for _, result := range results {
		if result == nil || result.AttemptID == "" {
			return repository.ErrInvalidQueryParameters
		}
	}
	attemptID := results[0].AttemptID

	err := repo.execute(ctx, func() error {
		tx, err := repo.psql.DB.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		for _, result := range results {
			if _, err := tx.NamedExecContext(ctx, upsertDatabaseResultQuery, result); err != nil {
				_ = tx.Rollback()
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		repo.logger.Error().Err(err).Str("attempt_id", attemptID).Msg("Failed to record database clone results")
		return fmt.Errorf("failed to record database clone results for %s: %w", attemptID, err)
	}
	repo.logger.Debug().Str("attempt_id", attemptID).Int("results", len(results)).Msg("Recorded database clone results")
	return nil
}

func (repo *PostgreSQLCloneAttemptRepository) GetAttempt(ctx context.Context, attemptID string) (*models.CloneAttempt, error) {
	if attemptID == "" {
		return nil, repository.ErrInvalidQueryParameters
	}

	var attempt models.CloneAttempt
	err := repo.execute(ctx, func() error {
		return repo.psql.DB.GetContext(ctx, &attempt, selectAttemptQuery, attemptID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get clone attempt %s: %w", attemptID, err)
	}
	return &attempt, nil
}

func (repo *PostgreSQLCloneAttemptRepository) GetDatabaseResults(ctx context.Context, attemptID string) ([]*models.DatabaseCloneResult, error) {
	if attemptID == "" {
		return nil, repository.ErrInvalidQueryParameters
	}

	results := make([]*models.DatabaseCloneResult, 0)
	err := repo.execute(ctx, func() error {
		results = results[:0]
		return repo.psql.DB.SelectContext(ctx, &results, selectDatabaseResultsQuery, attemptID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get database clone results for %s: %w", attemptID, err)
	}
	return results, nil
}

func (repo *PostgreSQLCloneAttemptRepository) Close() error {
	return repo.psql.Close()
}

// execute runs query through the circuit breaker with retries and maps the
// outcome onto the repository's sentinel errors.
func (repo *PostgreSQLCloneAttemptRepository) execute(ctx context.Context, query func() error) error {
	operation := func() (struct{}, error) {
		_, err := repo.circuitBreaker.Execute(func() (interface{}, error) {
			return nil, query()
		})
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, sql.ErrNoRows):
			return struct{}{}, backoff.Permanent(repository.ErrAttemptNotFound)
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return struct{}{}, backoff.Permanent(fmt.Errorf("%w: %w", repository.ErrDatabaseUnavailable, err))
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return struct{}{}, backoff.Permanent(err)
		default:
			return struct{}{}, err
		}
	}

	_, err := backoff.Retry(ctx, operation, repo.retryOptFunc()...)
	if err == nil {
		return nil
	}
	if errors.Is(err, repository.ErrAttemptNotFound) ||
		errors.Is(err, repository.ErrDatabaseUnavailable) ||
		errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", repository.ErrDatabaseGeneric, err)
}
