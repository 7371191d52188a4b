package telemetry

import (
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
)

var (
	// ErrTerminated is returned when a cycle or a sleep is interrupted by cancellation
	ErrTerminated = errors.New("terminated")

	// ErrExecDateExpired is the failure recorded for a PAST_DUE poller
	ErrExecDateExpired = errors.New("Polling execution date expired")
)

// ConfigError reports that the poller configuration could not be fetched or decrypted.
// It fails the current cycle only.
type ConfigError struct {
	PollerID string
	Err      error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("unable to get config for poller %q: %v", e.PollerID, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NonRetryable marks err as terminal for the cycle, regardless of the step's retry budget
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsNonRetryable reports whether err was marked with NonRetryable
func IsNonRetryable(err error) bool {
	var permanent *backoff.PermanentError
	return errors.As(err, &permanent)
}

// Unwrapped strips a top-level NonRetryable marker. Context wrapped around a
// deeper marker is kept, so the recorded message stays the full chain.
func Unwrapped(err error) error {
	if permanent, ok := err.(*backoff.PermanentError); ok {
		return permanent.Err
	}
	return err
}
