package errors

import (
	"errors"
	"fmt"
	"runtime/debug"
)

// ErrorCode tags a job error with its failure kind. The built-in codes cover
// the lifecycle engine's own failures; workers may introduce their own codes,
// which propagate into the typed-failure index as the fail kind.
type ErrorCode string

const (
	// ErrCodeNoWorker indicates no worker is registered for the job's type.
	ErrCodeNoWorker ErrorCode = "no-worker"
	// ErrCodeTimeout indicates the worker exceeded its allowed runtime.
	ErrCodeTimeout ErrorCode = "timeout"
	// ErrCodeInvalidJob indicates the job document failed validation after a retry.
	ErrCodeInvalidJob ErrorCode = "invalid-job"
	// ErrCodeNotFound indicates a store document or link does not exist.
	ErrCodeNotFound ErrorCode = "not-found"
	// ErrCodeStoreTransient indicates a store I/O error worth retrying on the
	// next observation of the job.
	ErrCodeStoreTransient ErrorCode = "store-transient"
	// ErrCodeStoreRequest indicates the store rejected a request outright.
	ErrCodeStoreRequest ErrorCode = "store-request"
)

// JobError is a structured error with a failure kind, a serializable name, and
// an optional cause. It supports wrapping and unwrapping for use with
// errors.Is and errors.As.
type JobError struct {
	// Code categorizes the failure and doubles as the typed-failure fail kind.
	Code ErrorCode
	// Name is the serialized error name written into job results.
	Name string
	// Message is a human-readable error message.
	Message string
	// Cause is the underlying error, when any.
	Cause error
	// Stack holds the stack captured at construction.
	Stack string
}

// Error implements the error interface.
func (e *JobError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause, enabling errors.Is and errors.As.
func (e *JobError) Unwrap() error {
	return e.Cause
}

// New creates a JobError with an arbitrary code. Workers use this to tag
// failures so they are mirrored under typed-failure/<code>.
func New(code ErrorCode, message string) *JobError {
	return &JobError{
		Code:    code,
		Name:    "JobError",
		Message: message,
		Stack:   captureStack(),
	}
}

// Newf creates a JobError with an arbitrary code and formatted message.
func Newf(code ErrorCode, format string, args ...any) *JobError {
	return New(code, fmt.Sprintf(format, args...))
}

// NoWorker creates the error filed when a job's type has no registered worker.
func NoWorker(jobType string) *JobError {
	return &JobError{
		Code:    ErrCodeNoWorker,
		Name:    "NoWorkerError",
		Message: fmt.Sprintf("no worker registered for job type %q", jobType),
		Stack:   captureStack(),
	}
}

// Timeout creates the error filed when a worker exceeds its allowed runtime.
func Timeout(jobType string, allowed string) *JobError {
	return &JobError{
		Code:    ErrCodeTimeout,
		Name:    "TimeoutError",
		Message: fmt.Sprintf("job type %q timed out after %s", jobType, allowed),
		Stack:   captureStack(),
	}
}

// InvalidJob creates the error recorded when a job document fails validation
// after the re-read. The filed result stays empty; this error feeds logs and
// update entries only.
func InvalidJob(id string, cause error) *JobError {
	return &JobError{
		Code:    ErrCodeInvalidJob,
		Name:    "InvalidJobError",
		Message: fmt.Sprintf("document %s is not a valid job", id),
		Cause:   cause,
		Stack:   captureStack(),
	}
}

// NotFound creates a store not-found error.
func NotFound(path string) *JobError {
	return &JobError{
		Code:    ErrCodeNotFound,
		Name:    "NotFoundError",
		Message: fmt.Sprintf("%s does not exist", path),
	}
}

// Transient wraps a store I/O failure that the next observation should retry.
func Transient(err error, message string) *JobError {
	if err == nil {
		return nil
	}
	return &JobError{
		Code:    ErrCodeStoreTransient,
		Name:    "StoreError",
		Message: message,
		Cause:   err,
	}
}

// Transientf wraps a store I/O failure with a formatted message.
func Transientf(err error, format string, args ...any) *JobError {
	return Transient(err, fmt.Sprintf(format, args...))
}

// Request wraps a store rejection that retrying will not fix.
func Request(err error, message string) *JobError {
	if err == nil {
		return nil
	}
	return &JobError{
		Code:    ErrCodeStoreRequest,
		Name:    "StoreError",
		Message: message,
		Cause:   err,
	}
}

// Wrap wraps an existing error with a JobError, preserving the cause.
func Wrap(err error, code ErrorCode, message string) *JobError {
	if err == nil {
		return nil
	}
	return &JobError{
		Code:    code,
		Name:    "JobError",
		Message: message,
		Cause:   err,
		Stack:   captureStack(),
	}
}

// Wrapf wraps an existing error with a JobError and formatted message.
func Wrapf(err error, code ErrorCode, format string, args ...any) *JobError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// isCode checks if an error has a specific error code.
func isCode(err error, code ErrorCode) bool {
	var jobErr *JobError
	return errors.As(err, &jobErr) && jobErr.Code == code
}

// IsNoWorker checks if an error is a NoWorker error.
func IsNoWorker(err error) bool {
	return isCode(err, ErrCodeNoWorker)
}

// IsTimeout checks if an error is a Timeout error.
func IsTimeout(err error) bool {
	return isCode(err, ErrCodeTimeout)
}

// IsInvalidJob checks if an error is an InvalidJob error.
func IsInvalidJob(err error) bool {
	return isCode(err, ErrCodeInvalidJob)
}

// IsNotFound checks if an error is a store not-found error.
func IsNotFound(err error) bool {
	return isCode(err, ErrCodeNotFound)
}

// IsTransient checks if an error is a retryable store error.
func IsTransient(err error) bool {
	return isCode(err, ErrCodeStoreTransient)
}

// Kind returns the ErrorCode declared on an error, or empty when the error
// carries no JobError in its chain. The Runner propagates this as the
// typed-failure fail kind.
func Kind(err error) ErrorCode {
	var jobErr *JobError
	if errors.As(err, &jobErr) {
		return jobErr.Code
	}
	return ""
}

func captureStack() string {
	return string(debug.Stack())
}
