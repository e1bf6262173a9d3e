package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"initsync/internal/cloner"
	"initsync/internal/models"
	"initsync/internal/repository"
	"initsync/internal/syncstate"
	"initsync/pkg/log"
)

const persistTimeout = 30 * time.Second

// SyncResult describes one finished initial sync attempt. Err is the
// attempt's failure, if any; Stats is the final progress snapshot.
type SyncResult struct {
	AttemptID  string
	SyncSource string
	Stats      cloner.Stats
	Duration   time.Duration
	Err        error
}

func (r *SyncResult) Succeeded() bool {
	return r.Err == nil
}

// InitialSyncOrchestrator runs initial sync attempts against one sync
// source and records each attempt in the history repository.
type InitialSyncOrchestrator struct {
	logger     zerolog.Logger
	source     string
	conn       cloner.Connection
	membership cloner.Membership
	storage    cloner.Storage
	repo       repository.CloneAttemptRepository
	opts       cloner.Options
	pool       *cloner.WorkerPool

	newAttemptID func() string

	mu      sync.Mutex
	current *cloner.AllDatabasesCloner
}

// NewInitialSyncOrchestrator wires the collaborators for source. repo may be
// nil, in which case attempts are not recorded.
func NewInitialSyncOrchestrator(
	source string,
	conn cloner.Connection,
	membership cloner.Membership,
	storage cloner.Storage,
	repo repository.CloneAttemptRepository,
	opts cloner.Options,
	collectionConcurrency int,
) *InitialSyncOrchestrator {
	return &InitialSyncOrchestrator{
		logger:       log.Logger.With().Str("component", "orchestrator").Str("source", source).Logger(),
		source:       source,
		conn:         conn,
		membership:   membership,
		storage:      storage,
		repo:         repo,
		opts:         opts,
		pool:         cloner.NewWorkerPool(collectionConcurrency),
		newAttemptID: uuid.NewString,
	}
}

func (o *InitialSyncOrchestrator) newCloner(attemptID string) *cloner.AllDatabasesCloner {
	collab := cloner.Collaborators{
		SharedData: syncstate.NewSharedData(attemptID, o.source),
		Source:     o.source,
		Conn:       o.conn,
		Storage:    o.storage,
		Pool:       o.pool,
	}
	return cloner.NewAllDatabasesCloner(collab, o.membership, o.opts)
}

// StartInitialSync runs one attempt to completion. The returned error is
// only set when ctx ends the attempt; clone failures are reported through
// SyncResult.Err.
func (o *InitialSyncOrchestrator) StartInitialSync(ctx context.Context) (*SyncResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	attemptID := o.newAttemptID()
	logger := o.logger.With().Str("attempt_id", attemptID).Logger()
	logger.Info().Msg("Starting initial sync attempt")

	allDatabases := o.newCloner(attemptID)
	o.setCurrent(allDatabases)
	defer o.setCurrent(nil)

	startedAt := time.Now()
	runErr := allDatabases.Run(ctx)
	finishedAt := time.Now()

	result := &SyncResult{
		AttemptID:  attemptID,
		SyncSource: o.source,
		Stats:      allDatabases.Stats(),
		Duration:   finishedAt.Sub(startedAt),
		Err:        runErr,
	}
	o.logSummary(logger, result)
	o.persist(ctx, logger, result, startedAt, finishedAt)

	if ctx.Err() != nil {
		return result, fmt.Errorf("initial sync interrupted: %w", ctx.Err())
	}
	return result, nil
}

// ListDatabases connects to the source and returns the databases an attempt
// would clone, in cloning order, without copying anything.
func (o *InitialSyncOrchestrator) ListDatabases(ctx context.Context) ([]string, error) {
	allDatabases := o.newCloner(o.newAttemptID())
	databases, err := allDatabases.Enumerate(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate databases on %s: %w", o.source, err)
	}
	return databases, nil
}

// Progress reports the running attempt. ok is false when no attempt is
// running.
func (o *InitialSyncOrchestrator) Progress() (status string, stats cloner.Stats, ok bool) {
	o.mu.Lock()
	current := o.current
	o.mu.Unlock()

	if current == nil {
		return "", cloner.Stats{}, false
	}
	return current.String(), current.Stats(), true
}

func (o *InitialSyncOrchestrator) setCurrent(c *cloner.AllDatabasesCloner) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.current = c
}

// persist records the attempt. It outlives ctx so a cancelled attempt is
// still recorded; failures are logged and never change the result.
func (o *InitialSyncOrchestrator) persist(
	ctx context.Context,
	logger zerolog.Logger,
	result *SyncResult,
	startedAt, finishedAt time.Time,
) {
	if o.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	attempt := &models.CloneAttempt{
		AttemptID:       result.AttemptID,
		SyncSource:      result.SyncSource,
		Status:          models.AttemptStatusSucceeded,
		DatabasesCloned: result.Stats.DatabasesCloned,
		StartedAt:       startedAt.UTC(),
		FinishedAt:      finishedAt.UTC(),
	}
	if result.Err != nil {
		msg := result.Err.Error()
		attempt.Status = models.AttemptStatusFailed
		attempt.ErrorMessage = &msg
	}

	if err := o.repo.RecordAttempt(ctx, attempt); err != nil {
		logger.Error().Err(err).Msg("Failed to record initial sync attempt")
		return
	}

	results := make([]*models.DatabaseCloneResult, 0, len(result.Stats.DatabaseStats))
	for i, dbStats := range result.Stats.DatabaseStats {
		results = append(results, models.NewDatabaseCloneResult(result.AttemptID, i, dbStats))
	}
	if err := o.repo.RecordDatabaseResults(ctx, results); err != nil {
		logger.Error().Err(err).Msg("Failed to record database clone results")
	}
}

func (o *InitialSyncOrchestrator) logSummary(logger zerolog.Logger, result *SyncResult) {
	var documents int64
	for _, db := range result.Stats.DatabaseStats {
		documents += db.DocumentsCopied()
	}

	event := logger.Info()
	msg := "Initial sync attempt succeeded"
	if result.Err != nil {
		event = logger.Error().Err(result.Err)
		msg = "Initial sync attempt failed"
	}
	event.
		Int("databases_total", len(result.Stats.DatabaseStats)).
		Int("databases_cloned", result.Stats.DatabasesCloned).
		Int64("documents_copied", documents).
		Dur("duration", result.Duration).
		Msg(msg)
}
