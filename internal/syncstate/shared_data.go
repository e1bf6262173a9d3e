// Package syncstate holds the state shared by every cloner taking part in a
// single initial sync attempt.
package syncstate

import (
	"sync"

	"initsync/pkg/log"

	"github.com/rs/zerolog"
)

// SharedData carries attempt-wide cancellation and the first recorded
// failure. Recording a failure cancels the attempt; later failures are
// ignored. It has its own lock and must never be locked while holding a
// cloner's stats lock or vice versa.
type SharedData struct {
	attemptID string
	source    string

	mu     sync.Mutex
	status error

	logger zerolog.Logger
}

func NewSharedData(attemptID, source string) *SharedData {
	return &SharedData{
		attemptID: attemptID,
		source:    source,
		logger: log.Logger.With().
			Str("component", "shared_data").
			Str("attempt_id", attemptID).
			Logger(),
	}
}

func (sd *SharedData) AttemptID() string {
	return sd.attemptID
}

func (sd *SharedData) Source() string {
	return sd.source
}

// SetStatusIfOK records err as the attempt's failure unless one is already
// recorded. It returns true when err was stored. A nil err is a no-op.
func (sd *SharedData) SetStatusIfOK(err error) bool {
	if err == nil {
		return false
	}

	sd.mu.Lock()
	defer sd.mu.Unlock()

	if sd.status != nil {
		sd.logger.Debug().Err(err).AnErr("retained", sd.status).Msg("Attempt already failed, ignoring later failure")
		return false
	}
	sd.status = err
	sd.logger.Warn().Err(err).Msg("Initial sync attempt failed, cancelling")
	return true
}

// Status returns the first recorded failure, or nil.
func (sd *SharedData) Status() error {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	return sd.status
}

func (sd *SharedData) IsCancelled() bool {
	return sd.Status() != nil
}
