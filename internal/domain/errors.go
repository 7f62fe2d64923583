package domain

import "errors"

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrNoEligibleJudge  = errors.New("no eligible judge")
	ErrNotRunning       = errors.New("not running")
	ErrTransientStorage = errors.New("transient storage error")
	ErrInternal         = errors.New("internal error")
)

// TransientError is implemented by storage errors that indicate a lost or
// unusable connection. Callers drop the handle and let the next call
// reconnect instead of propagating the failure to the judge.
type TransientError interface {
	error
	Transient() bool
}

// IsTransient reports whether err indicates transient storage connectivity.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransientStorage) {
		return true
	}
	var te TransientError
	return errors.As(err, &te) && te.Transient()
}
