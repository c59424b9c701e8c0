package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidConfig    = errors.New("invalid rate limit config")
	ErrStoreUnavailable = errors.New("shared store unavailable")
	ErrReadOnlyReplica  = errors.New("shared store is a read-only replica")
)

func invalidConfig(name, reason string) error {
	if name == "" {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, reason)
	}
	return fmt.Errorf("%w: %s: %s", ErrInvalidConfig, name, reason)
}
