package repository

import (
	"context"

	"initsync/internal/models"
)

// CloneAttemptRepository stores the history of initial sync attempts.
type CloneAttemptRepository interface {
	RecordAttempt(ctx context.Context, attempt *models.CloneAttempt) error
	RecordDatabaseResults(ctx context.Context, results []*models.DatabaseCloneResult) error
	GetAttempt(ctx context.Context, attemptID string) (*models.CloneAttempt, error)
	GetDatabaseResults(ctx context.Context, attemptID string) ([]*models.DatabaseCloneResult, error)
	Close() error
}
