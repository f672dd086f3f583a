package errors

import "errors"

// maxCauseDepth bounds how far down an error chain Serialize walks.
const maxCauseDepth = 8

// Serialized is the store representation of a failure result: the shape
// written to a job document's result field when the job fails.
type Serialized struct {
	Name    string      `json:"name"`
	Message string      `json:"message"`
	Stack   string      `json:"stack,omitempty"`
	Cause   *Serialized `json:"cause,omitempty"`
}

// Serialize renders an error and its cause chain into the store form.
// A nil error yields nil.
func Serialize(err error) *Serialized {
	return serialize(err, maxCauseDepth)
}

func serialize(err error, depth int) *Serialized {
	if err == nil || depth == 0 {
		return nil
	}

	var jobErr *JobError
	if errors.As(err, &jobErr) {
		name := jobErr.Name
		if name == "" {
			name = "JobError"
		}
		return &Serialized{
			Name:    name,
			Message: jobErr.Message,
			Stack:   jobErr.Stack,
			Cause:   serialize(jobErr.Cause, depth-1),
		}
	}

	return &Serialized{
		Name:    "Error",
		Message: err.Error(),
		Cause:   serialize(errors.Unwrap(err), depth-1),
	}
}
