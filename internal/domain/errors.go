package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// InvalidTransitionError rejects a command that is not legal in the job's
// current state. It names both so callers can surface them verbatim.
type InvalidTransitionError struct {
	State   string
	Command string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("command %s not allowed in state %s", e.Command, e.State)
}

// UnauthorizedError rejects a caller that does not hold the required role
// for the target entity.
type UnauthorizedError struct {
	Account string
	Role    string
}

func (e UnauthorizedError) Error() string {
	return fmt.Sprintf("account %s is not the %s for this operation", e.Account, e.Role)
}

// InsufficientFundsError rejects a funding or transfer amount that would
// overshoot the required total or exceed the available balance.
type InsufficientFundsError struct {
	Need int64
	Have int64
}

func (e InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: need %d, have %d", e.Need, e.Have)
}

// AlreadyResolvedError rejects a second resolution of a dispute or challenge.
type AlreadyResolvedError struct {
	Kind string
	ID   int64
}

func (e AlreadyResolvedError) Error() string {
	return fmt.Sprintf("%s %d already resolved", e.Kind, e.ID)
}

// BelowMinimumStakeError rejects an operation gated on a minimum stake.
type BelowMinimumStakeError struct {
	Minimum int64
	Staked  int64
}

func (e BelowMinimumStakeError) Error() string {
	return fmt.Sprintf("stake %d below required minimum %d", e.Staked, e.Minimum)
}

// NotYetEligibleError rejects a time-gated operation before its window opens.
type NotYetEligibleError struct {
	EligibleAt string
}

func (e NotYetEligibleError) Error() string {
	return fmt.Sprintf("not yet eligible; eligible at %s", e.EligibleAt)
}

// DuplicateActiveError rejects a second active bid or challenge on the
// same target.
type DuplicateActiveError struct {
	Kind string
}

func (e DuplicateActiveError) Error() string {
	return fmt.Sprintf("an active %s already exists for this target", e.Kind)
}
