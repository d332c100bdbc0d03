package cli

import (
	"errors"

	"github.com/rekal-dev/remi/cmd/remi/cli/archive"
	"github.com/rekal-dev/remi/cmd/remi/cli/db"
)

// Exit codes.
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitUsage     = 2
	ExitIntegrity = 3
)

// SilentError wraps an error that has already been printed.
type SilentError struct {
	Err error
}

func (e *SilentError) Error() string { return e.Err.Error() }

func (e *SilentError) Unwrap() error { return e.Err }

// NewSilentError marks err as already reported to the user.
func NewSilentError(err error) error {
	return &SilentError{Err: err}
}

// IsSilentError reports whether err has already been printed.
func IsSilentError(err error) bool {
	var se *SilentError
	return errors.As(err, &se)
}

// UsageError is a bad invocation: wrong arguments, flags or values.
type UsageError struct {
	Err error
}

func (e *UsageError) Error() string { return e.Err.Error() }

func (e *UsageError) Unwrap() error { return e.Err }

func usageErrorf(err error) error {
	return &UsageError{Err: err}
}

// ExitCode maps an error returned by a command to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var (
		ie *db.IntegrityError
		ve *archive.VerificationError
		ue *UsageError
	)
	switch {
	case errors.As(err, &ie), errors.As(err, &ve):
		return ExitIntegrity
	case errors.As(err, &ue):
		return ExitUsage
	}
	return ExitFailure
}
