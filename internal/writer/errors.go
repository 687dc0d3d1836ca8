package writer

import (
	"errors"
	"fmt"
	"time"
)

// ErrAppendDimRequired is returned by Update for descriptors without an append dimension.
var ErrAppendDimRequired = errors.New("update requires an append dimension")

// AlreadyExistsError is returned by Send when the object exists and overwrite was not requested.
type AlreadyExistsError struct {
	Key string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("object %s already exists (pass overwrite to replace it)", e.Key)
}

// NotFoundError is returned by Update and ReadAttributes when no object exists.
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("object %s does not exist (send it before updating)", e.Key)
}

// DimensionMismatchError is returned when appended data does not fit the stored schema.
type DimensionMismatchError struct {
	Variable  string
	Dimension string
	Reason    string
}

func (e *DimensionMismatchError) Error() string {
	switch {
	case e.Variable != "" && e.Dimension != "":
		return fmt.Sprintf("dimension mismatch: %s along %s: %s", e.Variable, e.Dimension, e.Reason)
	case e.Variable != "":
		return fmt.Sprintf("dimension mismatch: %s: %s", e.Variable, e.Reason)
	default:
		return fmt.Sprintf("dimension mismatch: %s", e.Reason)
	}
}

// LockedError is returned when another writer holds the object's lock.
type LockedError struct {
	Key   string
	Owner string
	RunID string
	Host  string
	Since time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("object %s is locked by run %s on %s since %s", e.Key, e.RunID, e.Host, e.Since.Format(time.RFC3339))
}

// VerificationError is returned when a written key does not read back identically.
type VerificationError struct {
	Key string
	Err error
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("verify %s: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("verify %s: content hash mismatch", e.Key)
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}
