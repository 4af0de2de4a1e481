package engine

import (
	"errors"
	"fmt"

	"realquest/internal/progression"
)

// ValidationError rejects a request before any write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

var (
	ErrInsufficientFunds  = progression.ErrInsufficientFunds
	ErrPseudoTaken        = errors.New("pseudo already taken")
	ErrInvalidCredentials = errors.New("invalid pseudo or password")
	ErrStorageUnavailable = errors.New("storage unavailable")
)
