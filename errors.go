package depres

import (
	"errors"

	"github.com/aweris/depres/internal/fsbridge"
	"github.com/aweris/depres/internal/remote"
	"github.com/aweris/depres/internal/resolve"
	"github.com/aweris/depres/internal/store"
	"github.com/aweris/depres/internal/version"
)

var (
	ErrInvalidVersion    = version.ErrInvalidFormat
	ErrUnsatisfiable     = version.ErrUnsatisfiable
	ErrResolutionTimeout = resolve.ErrResolutionTimeout
	ErrNotCached         = store.ErrNotCached
	ErrDigestMismatch    = store.ErrDigestMismatch
	ErrNetwork           = remote.ErrNetwork
	ErrNotFound          = remote.ErrNotFound
	ErrAuth              = remote.ErrAuth
	ErrFetchTimeout      = remote.ErrFetchTimeout
	ErrReadOnly          = fsbridge.ErrReadOnly
	ErrIntegrity         = fsbridge.ErrIntegrity

	ErrNoRequirements = errors.New("depres: no requirements")
	ErrNoMountpoint   = errors.New("depres: no mountpoint")
	ErrSessionActive  = errors.New("depres: a session is already mounted there")
	ErrSessionStopped = errors.New("depres: session stopped while starting")
)

type (
	ConflictError = resolve.ConflictError
	NotFoundError = resolve.NotFoundError
	CycleError    = resolve.CycleError
)
