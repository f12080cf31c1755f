package subscription

import (
	"errors"
	"fmt"
)

var (
	ErrSubscriptionCreate = errors.New("subscription create failed")
	ErrRenewalFailure     = errors.New("subscription renewal failed")
	// ErrInvalidState is returned when an operation is not allowed in the
	// manager's current state, including while another one is in flight.
	ErrInvalidState = errors.New("invalid subscription state")
)

// CreateError carries the remote rejection of a create request.
type CreateError struct {
	Resource string
	Err      error
}

func (e *CreateError) Error() string {
	return fmt.Sprintf("%v for %s: %v", ErrSubscriptionCreate, e.Resource, e.Err)
}

func (e *CreateError) Unwrap() []error { return []error{ErrSubscriptionCreate, e.Err} }

func stateError(op string, s State) error {
	return fmt.Errorf("%w: cannot %s while %s", ErrInvalidState, op, s)
}
