// Package errors defines the sentinel errors and typed error taxonomy
// shared by the treesystem, push and pull layers.
package errors

import (
	"errors"
	"fmt"
)

// Treesystem errors. Returned synchronously from local mutation calls.
var (
	ErrNodeNotFound       = errors.New("node not found")
	ErrParentNotFound     = errors.New("parent node not found")
	ErrNameConflict       = errors.New("a sibling with that name already exists")
	ErrTrunkImmutable     = errors.New("trunk nodes cannot be moved, renamed or deleted")
	ErrMoveIntoDescendant = errors.New("cannot move a node into its own subtree")
	ErrDirtyDescendants   = errors.New("descendants have pending uploads")
	ErrOwnerEntryRequired = errors.New("owner share entry cannot be removed")
	ErrReceiverNotFound   = errors.New("receiver not found")
)

// Cloud errors.
var (
	ErrObjectNotFound     = errors.New("object not found")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrTokenExpired       = errors.New("auth token expired")
	ErrAPIRequest         = errors.New("API request failed")
	ErrAPIResponse        = errors.New("unexpected API response")
)

// Object format errors.
var (
	ErrNoAccess           = errors.New("record grants no key to this principal")
	ErrUnsupportedVersion = errors.New("unsupported record version")
	ErrCorruptData        = errors.New("corrupt data container")
)

// ValidationError reports a malformed path, name or parameter. It is fatal
// to the single call and never retried.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Invalid builds a ValidationError for field.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Err: fmt.Errorf(format, args...)}
}

// ConflictError reports an eTag precondition mismatch. The remedy is a pull
// to reconcile, not a blind retry.
type ConflictError struct {
	Key string
	Err error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %v", e.Key, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// TransientError wraps an error that is likely temporary and safe to retry.
// Layer names the fail counter the error is charged to.
type TransientError struct {
	Layer Layer
	Err   error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// AuthError reports expired or revoked credentials. Push and pull pause
// until the credentials are refreshed.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return "auth: " + e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }

// OrphanError reports that a delete-if-orphan precondition failed because
// a DATA fork appeared. Callers treat it as success.
type OrphanError struct {
	Key string
}

func (e *OrphanError) Error() string {
	return fmt.Sprintf("%s is no longer an orphan", e.Key)
}

// StructuralError reports a violated tree or permission invariant, such
// as a missing parent. It is surfaced to the caller and never queued.
type StructuralError struct {
	Err error
}

func (e *StructuralError) Error() string { return e.Err.Error() }
func (e *StructuralError) Unwrap() error { return e.Err }

// Structural wraps err in a StructuralError.
func Structural(err error) error {
	return &StructuralError{Err: err}
}

// Layer identifies which successive-fail counter a failure is charged to.
type Layer int

const (
	// LayerS3 covers object storage transport failures.
	LayerS3 Layer = iota
	// LayerPoll covers the list proxy and multipart completion proxy.
	LayerPoll
	// LayerApp covers delegate, encoding and conflict failures.
	LayerApp
)

func (l Layer) String() string {
	switch l {
	case LayerS3:
		return "s3"
	case LayerPoll:
		return "poll"
	case LayerApp:
		return "app"
	}

	return fmt.Sprintf("layer(%d)", int(l))
}

// Class is the coarse category of an error.
type Class int

const (
	ClassUnknown Class = iota
	ClassValidation
	ClassConflict
	ClassTransient
	ClassAuth
	ClassOrphan
	ClassStructural
)

func (c Class) String() string {
	return [...]string{"unknown", "validation", "conflict", "transient", "auth", "orphan", "structural"}[c]
}

// Classify returns the class of err by walking its chain.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}

	var (
		ve *ValidationError
		ce *ConflictError
		te *TransientError
		ae *AuthError
		oe *OrphanError
		se *StructuralError
	)

	switch {
	case errors.As(err, &oe):
		return ClassOrphan
	case errors.As(err, &ae):
		return ClassAuth
	case errors.As(err, &ce):
		return ClassConflict
	case errors.As(err, &te):
		return ClassTransient
	case errors.As(err, &ve):
		return ClassValidation
	case errors.As(err, &se):
		return ClassStructural
	}

	return ClassUnknown
}

// IsTransient reports whether err (or any error in its chain) is a
// TransientError.
func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	return Classify(err) == ClassConflict
}

// IsAuth reports whether err is an AuthError.
func IsAuth(err error) bool {
	return Classify(err) == ClassAuth
}

// IsOrphan reports whether err is an OrphanError.
func IsOrphan(err error) bool {
	return Classify(err) == ClassOrphan
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	return Classify(err) == ClassValidation
}

// IsStructural reports whether err is a StructuralError.
func IsStructural(err error) bool {
	return Classify(err) == ClassStructural
}

// TransientLayer returns the fail-counter layer of a transient error,
// defaulting to LayerApp for anything else.
func TransientLayer(err error) Layer {
	var te *TransientError
	if errors.As(err, &te) {
		return te.Layer
	}

	return LayerApp
}
