package coordinator

import (
	"errors"
	"fmt"
)

var (
	// ErrElectionNotFound is returned for unknown elections.
	ErrElectionNotFound = errors.New("election not found")
	// ErrBallotNotFound is returned for unknown ballots.
	ErrBallotNotFound = errors.New("ballot not found")
	// ErrResultsNotAvailable is returned when results are read before the
	// election is completed by a caller without live access.
	ErrResultsNotAvailable = errors.New("results not available yet")
	// ErrForbidden is returned when the caller lacks the needed permission.
	ErrForbidden = errors.New("access denied")
)

// ValidationError reports malformed or missing input. The user may retry
// with corrected input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// IneligibleReason tells why a voter may not cast a ballot.
type IneligibleReason string

const (
	ReasonScope        IneligibleReason = "scope"
	ReasonAlreadyVoted IneligibleReason = "already_voted"
	// ReasonAlreadyEnrolled is returned by explicit enrollment only.
	ReasonAlreadyEnrolled IneligibleReason = "already_enrolled"
)

// IneligibleError reports a scope mismatch or a duplicate vote. It is only
// recoverable through an administrative override and must never be retried
// automatically.
type IneligibleError struct {
	Reason IneligibleReason
}

func (e *IneligibleError) Error() string {
	return fmt.Sprintf("voter not eligible: %s", e.Reason)
}

// BiometricMismatchError reports a failed biometric check. The user may
// retry the capture.
type BiometricMismatchError struct {
	Err error
}

func (e *BiometricMismatchError) Error() string {
	if e.Err != nil {
		return "biometric verification failed: " + e.Err.Error()
	}
	return "biometric verification failed"
}

func (e *BiometricMismatchError) Unwrap() error { return e.Err }

// IntegrityError reports ciphertext tampering or a ledger proof failure. It
// is fatal and never retried.
type IntegrityError struct {
	Err error
}

func (e *IntegrityError) Error() string {
	return "integrity failure: " + e.Err.Error()
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// DependencyTimeoutError reports an external dependency that did not answer
// within its bounded retries.
type DependencyTimeoutError struct {
	Dependency string
	Err        error
}

func (e *DependencyTimeoutError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Dependency, e.Err)
}

func (e *DependencyTimeoutError) Unwrap() error { return e.Err }

func validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsIneligible reports whether err is an IneligibleError.
func IsIneligible(err error) bool {
	var target *IneligibleError
	return errors.As(err, &target)
}

// IsBiometricMismatch reports whether err is a BiometricMismatchError.
func IsBiometricMismatch(err error) bool {
	var target *BiometricMismatchError
	return errors.As(err, &target)
}

// IsIntegrity reports whether err is an IntegrityError.
func IsIntegrity(err error) bool {
	var target *IntegrityError
	return errors.As(err, &target)
}

// IsDependencyTimeout reports whether err is a DependencyTimeoutError.
func IsDependencyTimeout(err error) bool {
	var target *DependencyTimeoutError
	return errors.As(err, &target)
}
