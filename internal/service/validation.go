package service

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"

	"github.com/geopilot/geopilot/internal/job"
	"github.com/geopilot/geopilot/internal/log"
	"github.com/geopilot/geopilot/internal/model"
	"github.com/geopilot/geopilot/internal/storage"
	"github.com/geopilot/geopilot/internal/validation"

	"github.com/google/uuid"
)

// FileProvider is the job-scoped local storage, implemented by
// *storage.Local.
type FileProvider interface {
	validation.LogStore
	CreateFileWithRandomName(jobID uuid.UUID, ext string) (storage.FileHandle, error)
	Exists(jobID uuid.UUID, name string) bool
	Path(jobID uuid.UUID, name string) string
}

// MandateSource provides the file extensions allowed by the configured
// mandates.
type MandateSource interface {
	Extensions(ctx context.Context) ([]string, error)
}

// Mandates is a MandateSource backed by the configuration file.
type Mandates []model.Mandate

func (m Mandates) Extensions(context.Context) ([]string, error) {
	var ret []string
	for _, mandate := range m {
		ret = append(ret, mandate.Extensions...)
	}
	return ret, nil
}

// ValidationService creates jobs for direct uploads and starts the matching
// validators once the file is staged.
type ValidationService struct {
	store      *job.Store
	files      FileProvider
	validators []validation.Validator
	mandates   MandateSource
}

func NewValidationService(store *job.Store, files FileProvider, validators []validation.Validator, mandates MandateSource) *ValidationService {
	if mandates == nil {
		mandates = Mandates(nil)
	}
	return &ValidationService{
		store:      store,
		files:      files,
		validators: validators,
		mandates:   mandates,
	}
}

func (s *ValidationService) CreateJob() job.Job {
	return s.store.CreateJob(job.UploadDirect)
}

func (s *ValidationService) GetJob(id uuid.UUID) (job.Job, bool) {
	return s.store.GetJob(id)
}

// CreateFileHandleForJob allocates a new local file for the upload of
// originalName. The random file name keeps the original extension.
func (s *ValidationService) CreateFileHandleForJob(jobID uuid.UUID, originalName string) (storage.FileHandle, error) {
	if _, ok := s.store.GetJob(jobID); !ok {
		return storage.FileHandle{}, fmt.Errorf("job %s: %w", jobID, job.ErrInvalidArgument)
	}
	if strings.TrimSpace(originalName) == "" {
		return storage.FileHandle{}, fmt.Errorf("file name is empty: %w", job.ErrInvalidArgument)
	}
	fh, err := s.files.CreateFileWithRandomName(jobID, filepath.Ext(originalName))
	if err != nil {
		return storage.FileHandle{}, fmt.Errorf("creating file for job %s: %w", jobID, err)
	}
	return fh, nil
}

func (s *ValidationService) AddFileToJob(jobID uuid.UUID, originalName, tempName string) (job.Job, error) {
	return s.store.AddFileToJob(jobID, originalName, tempName)
}

// StartJob binds every validator accepting the staged file to it and starts
// the job. Without a matching validator the job stays ready and
// job.ErrInvalidOperation is returned.
func (s *ValidationService) StartJob(ctx context.Context, jobID uuid.UUID) (job.Job, error) {
	ctx = log.WithJob(ctx, jobID)
	j, ok := s.store.GetJob(jobID)
	if !ok {
		return job.Job{}, fmt.Errorf("job %s: %w", jobID, job.ErrNotFound)
	}
	if j.Status() != job.StatusReady {
		return job.Job{}, fmt.Errorf("job %s is %s: %w", jobID, j.Status(), job.ErrInvalidState)
	}
	if !s.files.Exists(jobID, j.TempFileName) {
		return job.Job{}, fmt.Errorf("job %s: staged file %s is missing: %w", jobID, j.TempFileName, job.ErrInvalidState)
	}

	file := validation.File{
		JobID:        jobID,
		OriginalName: j.OriginalFileName,
		Path:         s.files.Path(jobID, j.TempFileName),
		Logs:         s.files,
	}
	var tasks []job.Task
	for _, v := range s.validators {
		exts, err := v.SupportedFileExtensions(ctx)
		if err != nil {
			slog.WarnContext(ctx, "validator extensions not available: skipping", "validator", v.Name(), "error", err)
			continue
		}
		if validation.MatchExtension(exts, j.OriginalFileName) {
			tasks = append(tasks, validation.Bind(v, file))
		}
	}
	if len(tasks) == 0 {
		return job.Job{}, fmt.Errorf("no validator supports %s: %w", j.OriginalFileName, job.ErrInvalidOperation)
	}

	started, err := s.store.StartJob(jobID, tasks)
	if err != nil {
		return job.Job{}, err
	}
	slog.InfoContext(ctx, "job started", "validators", len(tasks))
	return started, nil
}

// SupportedFileExtensions returns the lower-cased union of the mandate and
// validator extensions.
func (s *ValidationService) SupportedFileExtensions(ctx context.Context) ([]string, error) {
	mandateExts, err := s.mandates.Extensions(ctx)
	if err != nil {
		return nil, fmt.Errorf("mandate extensions: %w", err)
	}
	lists := [][]string{mandateExts}
	for _, v := range s.validators {
		exts, err := v.SupportedFileExtensions(ctx)
		if err != nil {
			return nil, fmt.Errorf("validator %s extensions: %w", v.Name(), err)
		}
		lists = append(lists, exts)
	}
	return validation.UnionExtensions(lists...), nil
}

func (s *ValidationService) SupportedProfiles(ctx context.Context) ([]string, error) {
	var ret []string
	for _, v := range s.validators {
		profiles, err := v.SupportedProfiles(ctx)
		if err != nil {
			return nil, fmt.Errorf("validator %s profiles: %w", v.Name(), err)
		}
		ret = append(ret, profiles...)
	}
	slices.Sort(ret)
	return slices.Compact(ret), nil
}
