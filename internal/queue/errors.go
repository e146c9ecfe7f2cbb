package queue

import (
	"errors"
	"fmt"

	"github.com/hyperengineering/tether/internal/types"
)

var (
	// ErrSyncInProgress rejects a drain while another one is running.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrQueueCorruption reports a mutation that vanished during a status update.
	ErrQueueCorruption = errors.New("mutation queue corrupted")

	// ErrPermanent marks a remote failure that will never succeed on retry.
	ErrPermanent = errors.New("permanent remote failure")

	ErrInvalidMutation = errors.New("invalid mutation")
)

// Permanent wraps err so that the queue fails the mutation without
// spending its retry budget.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// ApplyError is a remote failure of one mutation. Mutation holds the state
// the mutation was left in: pending for a retry, failed otherwise.
type ApplyError struct {
	Mutation types.QueuedMutation
	Err      error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply mutation %s (%s): %v", e.Mutation.ID, e.Mutation.RemoteOperation, e.Err)
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}

// Final reports whether the mutation will not be retried.
func (e *ApplyError) Final() bool {
	return e.Mutation.Status == types.StatusFailed
}
