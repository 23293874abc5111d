package job

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/immutable"
	"github.com/google/uuid"
)

const (
	// minRetries is the retry floor of every store update
	minRetries = 8
	// retriesPerValidator extends the budget for jobs with many concurrently
	// reporting validators
	retriesPerValidator = 4
)

// Store is the authoritative registry of validation jobs.
//
// The whole state lives in two persistent maps behind a single atomic
// pointer. Readers load the pointer and never block. Writers compute a new
// state from the loaded one and publish it with compare-and-swap, retrying on
// conflict up to a budget proportional to the number of validators of the
// affected job.
type Store struct {
	state atomic.Pointer[state]
	queue Enqueuer
	now   func() time.Time
	newID func() uuid.UUID
}

type state struct {
	jobs *immutable.Map[uuid.UUID, *Job]
	// handles is a lookup-only back reference from a running task to its job,
	// every entry is consumed by exactly one AddValidatorResult.
	handles *immutable.Map[Handle, assignment]
}

type assignment struct {
	jobID     uuid.UUID
	validator string
}

type StoreOption func(*Store)

// WithClock overrides time.Now, used for CreatedOn.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides the generator of job ids and task handles.
func WithIDGenerator(newID func() uuid.UUID) StoreOption {
	return func(s *Store) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// NewStore returns an empty store. Work items of started jobs are passed to
// queue.
func NewStore(queue Enqueuer, opts ...StoreOption) *Store {
	s := &Store{
		queue: queue,
		now:   time.Now,
		newID: uuid.New,
	}
	for _, o := range opts {
		o(s)
	}
	s.state.Store(&state{
		jobs:    immutable.NewMap[uuid.UUID, *Job](uuidHasher[uuid.UUID]{}),
		handles: immutable.NewMap[Handle, assignment](uuidHasher[Handle]{}),
	})
	return s
}

// CreateJob registers a new job in status created.
func (s *Store) CreateJob(method UploadMethod) Job {
	if method == "" {
		method = UploadDirect
	}
	j := &Job{
		ID:           s.newID(),
		UploadMethod: method,
		CreatedOn:    s.now().UTC(),
		stage:        StatusCreated,
	}
	// Inserting a fresh key conflicts only with concurrent writers, each lost
	// swap means another update was published, so this loop always makes
	// progress.
	for {
		cur := s.state.Load()
		next := &state{jobs: cur.jobs.Set(j.ID, j), handles: cur.handles}
		if s.state.CompareAndSwap(cur, next) {
			return j.clone()
		}
		runtime.Gosched()
	}
}

// GetJob returns a snapshot of the job.
func (s *Store) GetJob(id uuid.UUID) (Job, bool) {
	j, ok := s.state.Load().jobs.Get(id)
	if !ok {
		return Job{}, false
	}
	return j.clone(), true
}

// Jobs returns snapshots of all registered jobs.
func (s *Store) Jobs() []Job {
	jobs := s.state.Load().jobs
	ret := make([]Job, 0, jobs.Len())
	itr := jobs.Iterator()
	for !itr.Done() {
		_, j, _ := itr.Next()
		ret = append(ret, j.clone())
	}
	return ret
}

// RemoveJob drops the job together with all task handles still pointing to
// it. Results reported later for those handles are rejected. Returns false if
// the job did not exist.
func (s *Store) RemoveJob(id uuid.UUID) (bool, error) {
	removed := false
	_, err := s.update(id, func(cur *state) (*state, error) {
		j, ok := cur.jobs.Get(id)
		if !ok {
			removed = false
			return cur, nil
		}
		removed = true
		handles := cur.handles
		if len(j.ValidatorResults) > 0 {
			itr := cur.handles.Iterator()
			for !itr.Done() {
				h, a, _ := itr.Next()
				if a.jobID == id {
					handles = handles.Delete(h)
				}
			}
		}
		return &state{jobs: cur.jobs.Delete(id), handles: handles}, nil
	})
	return removed, err
}

// AddFileToJob attaches the uploaded file and moves the job to ready. Direct
// uploads must be in status created, cloud uploads must have passed the
// preflight checks.
func (s *Store) AddFileToJob(id uuid.UUID, originalName, tempName string) (Job, error) {
	if strings.TrimSpace(originalName) == "" || strings.TrimSpace(tempName) == "" {
		return Job{}, fmt.Errorf("file names must not be empty: %w", ErrInvalidArgument)
	}
	return s.modify(id, func(j *Job) error {
		want := StatusCreated
		if j.UploadMethod == UploadCloud {
			want = StatusVerifyingUpload
		}
		if j.stage != want {
			return fmt.Errorf("job %s: adding file requires status %s, got %s: %w", id, want, j.stage, ErrInvalidState)
		}
		j.OriginalFileName = originalName
		j.TempFileName = tempName
		j.stage = StatusReady
		return nil
	})
}

// SetCloudFiles records the files announced for a cloud upload.
func (s *Store) SetCloudFiles(id uuid.UUID, files []CloudFile) (Job, error) {
	if len(files) == 0 {
		return Job{}, fmt.Errorf("no cloud files: %w", ErrInvalidArgument)
	}
	return s.modify(id, func(j *Job) error {
		if j.UploadMethod != UploadCloud {
			return fmt.Errorf("job %s is not a cloud upload: %w", id, ErrInvalidOperation)
		}
		if j.stage != StatusCreated {
			return fmt.Errorf("job %s: setting cloud files requires status %s, got %s: %w", id, StatusCreated, j.stage, ErrInvalidState)
		}
		j.CloudFiles = append([]CloudFile(nil), files...)
		return nil
	})
}

// MarkUploadVerified moves a cloud job which passed its preflight checks to
// verifyingUpload. Calling it again is a no-op.
func (s *Store) MarkUploadVerified(id uuid.UUID) (Job, error) {
	return s.modify(id, func(j *Job) error {
		if j.UploadMethod != UploadCloud {
			return fmt.Errorf("job %s is not a cloud upload: %w", id, ErrInvalidOperation)
		}
		if j.stage != StatusCreated && j.stage != StatusVerifyingUpload {
			return fmt.Errorf("job %s: upload verification requires status %s or %s, got %s: %w",
				id, StatusCreated, StatusVerifyingUpload, j.stage, ErrInvalidState)
		}
		j.stage = StatusVerifyingUpload
		return nil
	})
}

// StartJob assigns tasks to a ready job and enqueues one work item per task.
// Items rejected by a closed queue leave their slots pending, the job stays
// in processing until it is removed.
func (s *Store) StartJob(id uuid.UUID, tasks []Task) (Job, error) {
	if len(tasks) == 0 {
		return Job{}, fmt.Errorf("job %s: no validators: %w", id, ErrInvalidArgument)
	}
	items := make([]WorkItem, 0, len(tasks))
	for _, t := range tasks {
		if t == nil || t.Name() == "" {
			return Job{}, fmt.Errorf("job %s: unnamed validator: %w", id, ErrInvalidArgument)
		}
		for _, it := range items {
			if it.Task.Name() == t.Name() {
				return Job{}, fmt.Errorf("job %s: duplicate validator %q: %w", id, t.Name(), ErrInvalidArgument)
			}
		}
		items = append(items, WorkItem{JobID: id, Handle: Handle(s.newID()), Task: t})
	}

	var started *Job
	_, err := s.update(id, func(cur *state) (*state, error) {
		j, ok := cur.jobs.Get(id)
		if !ok {
			return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		if j.stage != StatusReady {
			return nil, fmt.Errorf("job %s: start requires status %s, got %s: %w", id, StatusReady, j.stage, ErrInvalidState)
		}
		c := j.clone()
		c.stage = StatusProcessing
		c.ValidatorResults = make(map[string]*ValidatorResult, len(items))
		handles := cur.handles
		for _, it := range items {
			c.ValidatorResults[it.Task.Name()] = nil
			handles = handles.Set(it.Handle, assignment{jobID: id, validator: it.Task.Name()})
		}
		started = &c
		return &state{jobs: cur.jobs.Set(id, &c), handles: handles}, nil
	})
	if err != nil {
		return Job{}, err
	}

	if s.queue != nil {
		for _, it := range items {
			_ = s.queue.Enqueue(it)
		}
	}
	return started.clone(), nil
}

// AddValidatorResult records the terminal result of the task identified by
// handle. The handle is consumed, a second call with it fails.
func (s *Store) AddValidatorResult(handle Handle, result ValidatorResult) (Job, error) {
	if !result.Status.Terminal() {
		return Job{}, fmt.Errorf("validator result status %q is not terminal: %w", result.Status, ErrInvalidArgument)
	}
	a, ok := s.state.Load().handles.Get(handle)
	if !ok {
		return Job{}, fmt.Errorf("validator %s is not associated with any job: %w", handle, ErrInvalidArgument)
	}

	var updated *Job
	_, err := s.update(a.jobID, func(cur *state) (*state, error) {
		a, ok := cur.handles.Get(handle)
		if !ok {
			return nil, fmt.Errorf("validator %s is not associated with any job: %w", handle, ErrInvalidArgument)
		}
		j, ok := cur.jobs.Get(a.jobID)
		if !ok {
			return nil, fmt.Errorf("job %s: %w", a.jobID, ErrNotFound)
		}
		if j.stage != StatusProcessing {
			return nil, fmt.Errorf("job %s: result requires status %s, got %s: %w", a.jobID, StatusProcessing, j.stage, ErrInvalidState)
		}
		slot, ok := j.ValidatorResults[a.validator]
		if !ok || slot != nil {
			return nil, fmt.Errorf("job %s: validator %s already reported: %w", a.jobID, a.validator, ErrInvalidState)
		}
		c := j.clone()
		r := result
		c.ValidatorResults[a.validator] = r.clone()
		updated = &c
		return &state{jobs: cur.jobs.Set(a.jobID, &c), handles: cur.handles.Delete(handle)}, nil
	})
	if err != nil {
		return Job{}, err
	}
	return updated.clone(), nil
}

// modify applies fn to a private copy of the job and publishes it.
func (s *Store) modify(id uuid.UUID, fn func(*Job) error) (Job, error) {
	var updated *Job
	_, err := s.update(id, func(cur *state) (*state, error) {
		j, ok := cur.jobs.Get(id)
		if !ok {
			return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		c := j.clone()
		if err := fn(&c); err != nil {
			return nil, err
		}
		updated = &c
		return &state{jobs: cur.jobs.Set(id, &c), handles: cur.handles}, nil
	})
	if err != nil {
		return Job{}, err
	}
	return updated.clone(), nil
}

// update runs the read-compute-swap loop. fn must be pure, it may be called
// several times.
func (s *Store) update(id uuid.UUID, fn func(*state) (*state, error)) (*state, error) {
	budget := s.retryBudget(id)
	for range budget {
		cur := s.state.Load()
		next, err := fn(cur)
		if err != nil {
			return nil, err
		}
		if next == cur || s.state.CompareAndSwap(cur, next) {
			return next, nil
		}
		runtime.Gosched()
	}
	return nil, fmt.Errorf("job %s: gave up after %d attempts: %w", id, budget, ErrContention)
}

func (s *Store) retryBudget(id uuid.UUID) int {
	n := 0
	if j, ok := s.state.Load().jobs.Get(id); ok {
		n = len(j.ValidatorResults)
	}
	return minRetries + retriesPerValidator*n
}

// uuidHasher hashes random (v4) identifiers, their bytes are uniformly
// distributed already.
type uuidHasher[K ~[16]byte] struct{}

func (uuidHasher[K]) Hash(key K) uint32 {
	b := [16]byte(key)
	return binary.BigEndian.Uint32(b[0:4]) ^ binary.BigEndian.Uint32(b[12:16])
}

func (uuidHasher[K]) Equal(a, b K) bool {
	return a == b
}
