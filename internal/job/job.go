package job

import (
	"context"
	"encoding/json"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Status is the externally visible state of a job or of a single validator
// result.
type Status string

const (
	StatusCreated             Status = "created"
	StatusReady               Status = "ready"
	StatusVerifyingUpload     Status = "verifyingUpload"
	StatusProcessing          Status = "processing"
	StatusCompleted           Status = "completed"
	StatusCompletedWithErrors Status = "completedWithErrors"
	StatusFailed              Status = "failed"
)

// Terminal reports whether s is one of the final outcomes.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithErrors, StatusFailed:
		return true
	default:
		return false
	}
}

type UploadMethod string

const (
	UploadDirect UploadMethod = "direct"
	UploadCloud  UploadMethod = "cloud"
)

// CloudFile is a file the client announced for a cloud upload.
type CloudFile struct {
	FileName     string `json:"fileName"`
	RemoteKey    string `json:"remoteKey"`
	ExpectedSize int64  `json:"expectedSize"`
	ContentType  string `json:"contentType,omitempty"`
}

// ValidatorResult is the terminal outcome of one validator on one job.
// LogFiles maps a human readable label to a job-scoped file name.
type ValidatorResult struct {
	Status   Status            `json:"status"`
	Message  string            `json:"message,omitempty"`
	LogFiles map[string]string `json:"logFiles,omitempty"`
}

func (r *ValidatorResult) clone() *ValidatorResult {
	if r == nil {
		return nil
	}
	c := *r
	c.LogFiles = maps.Clone(r.LogFiles)
	return &c
}

// Job is an immutable snapshot of a validation job. Snapshots returned by the
// Store are deep copies; mutating them has no effect on the store.
type Job struct {
	ID               uuid.UUID
	OriginalFileName string
	TempFileName     string
	UploadMethod     UploadMethod
	CloudFiles       []CloudFile
	// ValidatorResults holds one slot per started validator, nil means the
	// validator has not reported yet.
	ValidatorResults map[string]*ValidatorResult
	CreatedOn        time.Time

	stage Status
}

// Status derives the job status. Before processing it is the lifecycle stage,
// afterwards the reduction over all validator results.
func (j Job) Status() Status {
	if j.stage != StatusProcessing {
		return j.stage
	}
	return Reduce(j.ValidatorResults)
}

// Pending returns the names of validators which did not report yet.
func (j Job) Pending() []string {
	var ret []string
	for name, r := range j.ValidatorResults {
		if r == nil {
			ret = append(ret, name)
		}
	}
	slices.Sort(ret)
	return ret
}

func (j Job) clone() Job {
	c := j
	c.CloudFiles = slices.Clone(j.CloudFiles)
	if j.ValidatorResults != nil {
		c.ValidatorResults = make(map[string]*ValidatorResult, len(j.ValidatorResults))
		for k, v := range j.ValidatorResults {
			c.ValidatorResults[k] = v.clone()
		}
	}
	return c
}

type jobJSON struct {
	ID               uuid.UUID                   `json:"jobId"`
	Status           Status                      `json:"status"`
	OriginalFileName string                      `json:"originalFileName,omitempty"`
	UploadMethod     UploadMethod                `json:"uploadMethod"`
	CloudFiles       []CloudFile                 `json:"cloudFiles,omitempty"`
	ValidatorResults map[string]*ValidatorResult `json:"validatorResults,omitempty"`
	CreatedOn        time.Time                   `json:"createdOn"`
}

// MarshalJSON renders the status record consumed by the API layer. The local
// temporary file name is not exposed.
func (j Job) MarshalJSON() ([]byte, error) {
	return json.Marshal(jobJSON{
		ID:               j.ID,
		Status:           j.Status(),
		OriginalFileName: j.OriginalFileName,
		UploadMethod:     j.UploadMethod,
		CloudFiles:       j.CloudFiles,
		ValidatorResults: j.ValidatorResults,
		CreatedOn:        j.CreatedOn,
	})
}

// Task is a validator bound to the staged file of one job.
type Task interface {
	Name() string
	Execute(ctx context.Context) (ValidatorResult, error)
}

// Handle routes the result of one started task back to its job. It is valid
// until the result has been recorded.
type Handle uuid.UUID

func (h Handle) String() string {
	return uuid.UUID(h).String()
}

// WorkItem is a single (job, validator) unit of work.
type WorkItem struct {
	JobID  uuid.UUID
	Handle Handle
	Task   Task
}

// Enqueuer accepts work items produced by Store.StartJob. It returns false
// when the item was dropped because the consumer side shut down.
type Enqueuer interface {
	Enqueue(item WorkItem) bool
}
