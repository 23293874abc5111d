// Package validation defines the validator capability consumed by the job
// engine and the configuration driven validators shipped with geopilot.
//
// A Validator is shared by all jobs. Before a job starts, every validator
// matching the staged file is bound to that file with Bind, producing a
// job.Task the runner can execute without further context.
package validation

import (
	"context"
	"errors"
	"io"

	"github.com/geopilot/geopilot/internal/job"

	"github.com/google/uuid"
)

type Validator interface {
	Name() string
	// SupportedFileExtensions returns extensions including the leading dot,
	// ".*" matches any file.
	SupportedFileExtensions(ctx context.Context) ([]string, error)
	SupportedProfiles(ctx context.Context) ([]string, error)
	// Execute validates file. A *FailureError reports a declared validation
	// failure, any other error is treated as unexpected.
	Execute(ctx context.Context, file File) (job.ValidatorResult, error)
}

// LogStore creates job-scoped log files, names are relative to the job.
type LogStore interface {
	Create(jobID uuid.UUID, name string) (io.WriteCloser, error)
}

// File is the staged input of one job.
type File struct {
	JobID        uuid.UUID
	OriginalName string
	// Path is the absolute local path of the staged file
	Path string
	Logs LogStore
}

// FailureError is a validation failure declared by the validator, its message
// is shown to the user verbatim.
type FailureError struct {
	Message string
}

func (e *FailureError) Error() string {
	return e.Message
}

func Failf(msg string) error {
	return &FailureError{Message: msg}
}

// AsFailure reports whether err is a declared validation failure.
func AsFailure(err error) (*FailureError, bool) {
	var fe *FailureError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

type boundTask struct {
	v    Validator
	file File
}

// Bind configures v with the staged file of a job.
func Bind(v Validator, file File) job.Task {
	return boundTask{v: v, file: file}
}

func (t boundTask) Name() string {
	return t.v.Name()
}

func (t boundTask) Execute(ctx context.Context) (job.ValidatorResult, error) {
	return t.v.Execute(ctx, t.file)
}
