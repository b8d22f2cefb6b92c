// Package errs holds the error taxonomy shared by the identity, merge and
// ingestion packages. Callers match with errors.Is; the typed errors below
// carry the detail a caller needs to act (who owns an identifier, which
// records conflict, why a merge pair was rejected).
package errs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrAlreadyClaimed       = errors.New("identifier already claimed")
	ErrManualReviewRequired = errors.New("manual review required")
	ErrInvalidMergePair     = errors.New("invalid merge pair")
	ErrConcurrencyConflict  = errors.New("concurrency conflict")
	ErrStorageFailure       = errors.New("storage failure")
	ErrInvalidInput         = errors.New("invalid input")
	ErrInvalidTransition    = errors.New("invalid conversation transition")
	ErrSlotOccupied         = errors.New("channel slot already holds a different identifier")
)

// ClaimError reports that an identifier belongs to another live customer.
type ClaimError struct {
	Kind                  string
	ConflictingCustomerID uuid.UUID
}

func (e *ClaimError) Error() string {
	if e.ConflictingCustomerID == uuid.Nil {
		return e.Kind + " already claimed by another customer"
	}
	return fmt.Sprintf("%s already claimed by customer %s", e.Kind, e.ConflictingCustomerID)
}

func (e *ClaimError) Is(target error) bool {
	return target == ErrAlreadyClaimed
}

// ReviewError reports identifiers that resolve to different customers.
type ReviewError struct {
	Candidates []uuid.UUID
}

func (e *ReviewError) Error() string {
	ids := make([]string, 0, len(e.Candidates))
	for _, id := range e.Candidates {
		ids = append(ids, id.String())
	}
	return fmt.Sprintf("identifiers match different customers: %s", strings.Join(ids, ", "))
}

func (e *ReviewError) Is(target error) bool {
	return target == ErrManualReviewRequired
}

// MergePairError explains why a merge was refused before any write.
type MergePairError struct {
	Reason string
}

func (e *MergePairError) Error() string {
	return "invalid merge pair: " + e.Reason
}

func (e *MergePairError) Is(target error) bool {
	return target == ErrInvalidMergePair
}

type storageError struct {
	op  string
	err error
}

func (e *storageError) Error() string {
	return e.op + ": " + e.err.Error()
}

func (e *storageError) Unwrap() []error {
	return []error{ErrStorageFailure, e.err}
}

// Storage wraps a driver error so it matches ErrStorageFailure while keeping
// the cause reachable. Errors already carrying a taxonomy sentinel pass
// through with only the op prefix.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if isTaxonomy(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &storageError{op: op, err: err}
}

func isTaxonomy(err error) bool {
	for _, target := range []error{
		ErrNotFound, ErrAlreadyClaimed, ErrManualReviewRequired, ErrInvalidMergePair,
		ErrConcurrencyConflict, ErrStorageFailure, ErrInvalidInput, ErrInvalidTransition, ErrSlotOccupied,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
