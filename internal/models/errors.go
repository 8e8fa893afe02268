package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline failures for retry and exit-code decisions.
type ErrorKind string

const (
	KindInputParse       ErrorKind = "input_parse"
	KindInputTooLarge    ErrorKind = "input_too_large"
	KindSchemaValidation ErrorKind = "schema_validation"
	KindPathSecurity     ErrorKind = "path_security"
	KindCollision        ErrorKind = "collision"
	KindIO               ErrorKind = "io"
	KindLockTimeout      ErrorKind = "lock_timeout"
	KindDataIntegrity    ErrorKind = "data_integrity"
	KindWorkflowNotFound ErrorKind = "workflow_not_found"
	KindWorkflowConfig   ErrorKind = "workflow_config"
	KindAdvisor          ErrorKind = "advisor"
	KindRenderer         ErrorKind = "renderer"
	KindTransient        ErrorKind = "transient"
)

// Error carries an ErrorKind alongside the wrapped cause. Op names the
// failing operation ("archive.write_atomic", "gmail.fetch").
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E wraps err with a kind and operation name.
func E(kind ErrorKind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a kinded error from a format string.
func Errorf(kind ErrorKind, op string, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the ErrorKind of err, unwrapping as needed.
// Unclassified errors report KindIO when they reach the filesystem layer
// callers; here they report the empty kind.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsPermanent reports whether err should be skipped (not retried) at the
// batch level.
func IsPermanent(err error) bool {
	switch KindOf(err) {
	case KindInputParse, KindInputTooLarge, KindSchemaValidation,
		KindPathSecurity, KindWorkflowNotFound, KindWorkflowConfig:
		return true
	}
	return false
}

// IsTransient reports whether err counts toward the consecutive-transient
// breaker. IO, lock, renderer, and advisor failures are retryable by
// policy.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindIO, KindLockTimeout, KindRenderer, KindAdvisor:
		return true
	}
	return false
}

// ExitCode maps an error to the process exit code contract:
// 0 success, 1 input/parse, 2 workflow execution, 3 unexpected,
// 4 configuration, 5 not found.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case KindInputParse, KindInputTooLarge, KindSchemaValidation:
		return 1
	case KindIO, KindCollision, KindLockTimeout, KindDataIntegrity,
		KindAdvisor, KindRenderer, KindTransient, KindPathSecurity:
		return 2
	case KindWorkflowConfig:
		return 4
	case KindWorkflowNotFound:
		return 5
	}
	return 3
}
