package source

import (
	"errors"
	"fmt"

	"initsync/internal/cloner"
)

var (
	ErrNotConnected          = errors.New("not connected to sync source")
	ErrSourceUnavailable     = errors.New("sync source is unavailable")
	ErrNotAuthenticated      = fmt.Errorf("%w: no authenticated user on connection", cloner.ErrAuthenticationRejected)
	ErrMalformedReply        = cloner.ErrMalformedReply
	ErrAuthSchemaMissing     = errors.New("admin database has users but no auth schema version")
	ErrAuthSchemaUnsupported = errors.New("unsupported auth schema version")
)
