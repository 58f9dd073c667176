// Package errors implements the error taxonomy shared by the version-control core.
//
// Lookups fail with NotFound or Ambiguous, content reconstruction fails with
// Corrupt, and operations refuse to start with a Precondition violation.
// Merge conflicts are deliberately absent: they are counted, not raised.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorTier represents the classification tier for errors.
// The tier tells a caller whether retrying with different input can help.
type ErrorTier int

const (
	// TierPermanent indicates errors that will not resolve with retry.
	// Examples: unknown artifact, ambiguous prefix, corrupt delta chain.
	TierPermanent ErrorTier = iota

	// TierUserFixable indicates errors that require user intervention.
	// Examples: no checkout open, conflicting merge options.
	TierUserFixable
)

var tierNames = map[ErrorTier]string{
	TierPermanent:   "permanent",
	TierUserFixable: "user_fixable",
}

func (t ErrorTier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return "unknown"
}

// Sentinel errors. Every typed error in this package unwraps to one of these.
var (
	ErrNotFound       = errors.New("not found")
	ErrAmbiguous      = errors.New("ambiguous name")
	ErrCorrupt        = errors.New("corrupt artifact")
	ErrPrecondition   = errors.New("precondition violated")
	ErrUnsafeDeletion = errors.New("unsafe deletion")
)

// NotFoundError reports a lookup that matched nothing.
type NotFoundError struct {
	// Kind names what was looked up ("artifact", "tag", "check-in", "stash").
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Name)
}

// Unwrap returns ErrNotFound for errors.Is support.
func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// NotFound creates a NotFoundError.
func NotFound(kind, name string) error {
	return &NotFoundError{Kind: kind, Name: name}
}

// AmbiguousError reports a prefix or symbolic name matching several candidates.
type AmbiguousError struct {
	Name       string
	Candidates []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous name %q matches %d artifacts: %s",
		e.Name, len(e.Candidates), strings.Join(e.Candidates, ", "))
}

// Unwrap returns ErrAmbiguous for errors.Is support.
func (e *AmbiguousError) Unwrap() error {
	return ErrAmbiguous
}

// Ambiguous creates an AmbiguousError.
func Ambiguous(name string, candidates []string) error {
	return &AmbiguousError{Name: name, Candidates: candidates}
}

// CorruptError reports an artifact whose content cannot be reconstructed.
type CorruptError struct {
	RID    int64
	Reason string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("artifact %d is corrupt: %s", e.RID, e.Reason)
}

// Unwrap returns ErrCorrupt for errors.Is support.
func (e *CorruptError) Unwrap() error {
	return ErrCorrupt
}

// Corrupt creates a CorruptError.
func Corrupt(rid int64, format string, args ...any) error {
	return &CorruptError{RID: rid, Reason: fmt.Sprintf(format, args...)}
}

// PreconditionError reports an operation that was refused before any mutation.
type PreconditionError struct {
	Op     string
	Reason string
}

func (e *PreconditionError) Error() string {
	if e.Op == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// Unwrap returns ErrPrecondition for errors.Is support.
func (e *PreconditionError) Unwrap() error {
	return ErrPrecondition
}

// Precondition creates a PreconditionError.
func Precondition(op, format string, args ...any) error {
	return &PreconditionError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// Classify returns the tier for an error produced anywhere in the core.
// Unknown errors (I/O, database) are treated as permanent.
func Classify(err error) ErrorTier {
	if errors.Is(err, ErrPrecondition) {
		return TierUserFixable
	}
	return TierPermanent
}

// IsNotFound reports whether err is, or wraps, ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAmbiguous reports whether err is, or wraps, ErrAmbiguous.
func IsAmbiguous(err error) bool {
	return errors.Is(err, ErrAmbiguous)
}

// Is forwards to the standard library so callers need a single import.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As forwards to the standard library so callers need a single import.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// New forwards to the standard library so callers need a single import.
func New(text string) error {
	return errors.New(text)
}
