package cloner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"initsync/internal/syncstate"
	"initsync/pkg/log"
)

type AfterStageBehavior int

const (
	ContinueNormally AfterStageBehavior = iota
	SkipRemainingStages
)

// Stage is one named step of a cloner.
type Stage struct {
	Name string
	Run  func(ctx context.Context) (AfterStageBehavior, error)
}

// RetryPolicy controls how a failing stage is retried before the attempt is
// failed. Zero values fall back to the defaults below.
type RetryPolicy struct {
	MaxRetries      uint
	MaxElapsed      time.Duration
	InitialInterval time.Duration
}

const (
	defaultStageInitialInterval = 500 * time.Millisecond
	defaultStageMaxElapsed      = 2 * time.Minute
)

// Options tune a cloner run.
type Options struct {
	BatchSize              int
	AdminValidationTimeout time.Duration
	Retry                  RetryPolicy
	NewDatabaseCloner      DatabaseClonerFactory
}

// baseCloner runs a fixed list of stages followed by an optional post stage.
// Its mutex guards only the active flag and the run status.
type baseCloner struct {
	name   string
	collab Collaborators
	retry  RetryPolicy
	logger zerolog.Logger

	mu     sync.Mutex
	active bool
	status error
}

func newBaseCloner(name string, collab Collaborators, retry RetryPolicy) baseCloner {
	return baseCloner{
		name:   name,
		collab: collab,
		retry:  retry,
		logger: log.Logger.With().
			Str("component", name).
			Str("source", collab.Source).
			Str("attempt_id", collab.SharedData.AttemptID()).
			Logger(),
	}
}

// run executes the stages in order and then postStage. A stage failure that
// survives the retry policy is recorded into the shared attempt state. The
// returned error is the stage failure or, when all stages ran, the attempt's
// shared status.
func (b *baseCloner) run(ctx context.Context, stages []Stage, postStage func(ctx context.Context)) error {
	b.setActive(true)
	defer b.setActive(false)

	err := b.runStages(ctx, stages, postStage)
	b.mu.Lock()
	b.status = err
	b.mu.Unlock()
	return err
}

func (b *baseCloner) runStages(ctx context.Context, stages []Stage, postStage func(ctx context.Context)) error {
	for _, stage := range stages {
		if status := b.collab.SharedData.Status(); status != nil {
			b.logger.Info().Str("stage", stage.Name).Err(status).Msg("Attempt cancelled, not running stage")
			return cancelledError(status)
		}

		behavior, err := b.runStage(ctx, stage)
		if err != nil {
			b.collab.SharedData.SetStatusIfOK(err)
			return err
		}
		if behavior == SkipRemainingStages {
			b.logger.Debug().Str("stage", stage.Name).Msg("Skipping remaining stages")
			return b.collab.SharedData.Status()
		}
	}

	if postStage != nil {
		postStage(ctx)
	}
	return b.collab.SharedData.Status()
}

func (b *baseCloner) runStage(ctx context.Context, stage Stage) (AfterStageBehavior, error) {
	logger := b.logger.With().Str("stage", stage.Name).Logger()
	logger.Debug().Msg("Running stage")

	operation := func() (AfterStageBehavior, error) {
		behavior, err := stage.Run(ctx)
		if err == nil {
			return behavior, nil
		}
		if b.collab.SharedData.IsCancelled() || errors.Is(err, context.Canceled) || isNonRetryable(err) {
			return behavior, backoff.Permanent(err)
		}
		return behavior, err
	}

	behavior, err := backoff.Retry(ctx, operation, b.retryOptions(logger)...)
	if err != nil {
		logger.Error().Err(err).Msg("Stage failed")
		return behavior, err
	}
	logger.Debug().Msg("Stage finished")
	return behavior, nil
}

func (b *baseCloner) retryOptions(logger zerolog.Logger) []backoff.RetryOption {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = defaultStageInitialInterval
	if b.retry.InitialInterval > 0 {
		expBackoff.InitialInterval = b.retry.InitialInterval
	}

	maxElapsed := defaultStageMaxElapsed
	if b.retry.MaxElapsed > 0 {
		maxElapsed = b.retry.MaxElapsed
	}

	return []backoff.RetryOption{
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(b.retry.MaxRetries + 1),
		backoff.WithMaxElapsedTime(maxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn().Err(err).Dur("retry_in", next).Msg("Stage failed, retrying")
		}),
	}
}

func (b *baseCloner) setActive(active bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active = active
}

func (b *baseCloner) IsActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// Status returns the result of the last run, or nil if it has not finished.
func (b *baseCloner) Status() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *baseCloner) Source() string {
	return b.collab.Source
}

// SharedData returns the attempt state this cloner reports into.
func (b *baseCloner) SharedData() *syncstate.SharedData {
	return b.collab.SharedData
}
