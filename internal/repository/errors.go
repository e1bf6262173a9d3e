package repository

import (
	"errors"
)

var (
	ErrAttemptNotFound        = errors.New("clone attempt not found")
	ErrDatabaseUnavailable    = errors.New("database is unavailable")
	ErrDatabaseGeneric        = errors.New("database error occurred while processing request")
	ErrInvalidQueryParameters = errors.New("invalid query parameters provided for clone attempt operation")
)
