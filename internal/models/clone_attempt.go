package models

import "time"

// AttemptStatus represents the outcome of an initial sync attempt.
type AttemptStatus string

const (
	AttemptStatusSucceeded AttemptStatus = "succeeded"
	AttemptStatusFailed    AttemptStatus = "failed"
)

func (s AttemptStatus) String() string {
	return string(s)
}

// CloneAttempt is the persisted summary of one initial sync attempt.
type CloneAttempt struct {
	AttemptID       string        `db:"attempt_id"`
	SyncSource      string        `db:"sync_source"`
	Status          AttemptStatus `db:"status"`
	ErrorMessage    *string       `db:"error_message"`
	DatabasesCloned int           `db:"databases_cloned"`
	StartedAt       time.Time     `db:"started_at"`
	FinishedAt      time.Time     `db:"finished_at"`
}

// DatabaseCloneResult is the persisted outcome of cloning one database
// within an attempt. Position is the database's index in enumeration order.
type DatabaseCloneResult struct {
	AttemptID         string     `db:"attempt_id"`
	Position          int        `db:"position"`
	DBName            string     `db:"db_name"`
	Collections       int        `db:"collections"`
	ClonedCollections int        `db:"cloned_collections"`
	DocumentsCopied   int64      `db:"documents_copied"`
	StartedAt         *time.Time `db:"started_at"`
	FinishedAt        *time.Time `db:"finished_at"`
}

func NewDatabaseCloneResult(attemptID string, position int, stats DatabaseStats) *DatabaseCloneResult {
	return &DatabaseCloneResult{
		AttemptID:         attemptID,
		Position:          position,
		DBName:            stats.DBName,
		Collections:       stats.Collections,
		ClonedCollections: stats.ClonedCollections,
		DocumentsCopied:   stats.DocumentsCopied(),
		StartedAt:         timePtr(stats.Start),
		FinishedAt:        timePtr(stats.End),
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
