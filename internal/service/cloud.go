package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/geopilot/geopilot/internal/job"
	"github.com/geopilot/geopilot/internal/log"
	"github.com/geopilot/geopilot/internal/model"
	"github.com/geopilot/geopilot/internal/scan"
	"github.com/geopilot/geopilot/internal/storage"
	"github.com/geopilot/geopilot/internal/validation"

	"github.com/google/uuid"
)

// UploadPrefix is the key prefix below which every cloud job owns
// uploads/{jobId}/.
const UploadPrefix = "uploads/"

const defaultContentType = "application/octet-stream"

func JobPrefix(id uuid.UUID) string {
	return UploadPrefix + id.String() + "/"
}

type PreflightReason string

const (
	// IncompleteUpload is retryable, the client may still be uploading.
	IncompleteUpload PreflightReason = "IncompleteUpload"
	// ThreatDetected is permanent, the job is gone.
	ThreatDetected PreflightReason = "ThreatDetected"
)

type PreflightError struct {
	Reason PreflightReason
	Detail string
}

func (e *PreflightError) Error() string {
	return fmt.Sprintf("preflight check failed: %s: %s", e.Reason, e.Detail)
}

func (e *PreflightError) Retryable() bool {
	return e.Reason == IncompleteUpload
}

// AsPreflight reports whether err is a preflight failure.
func AsPreflight(err error) (*PreflightError, bool) {
	var pe *PreflightError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

type UploadFile struct {
	FileName    string `json:"fileName"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType,omitempty"`
}

type UploadRequest struct {
	Files []UploadFile `json:"files"`
}

type PresignedFile struct {
	FileName  string    `json:"fileName"`
	URL       string    `json:"uploadUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type UploadResponse struct {
	JobID uuid.UUID       `json:"jobId"`
	Files []PresignedFile `json:"files"`
}

type CloudConfig struct {
	MaxFileSize  int64
	PresignTTL   time.Duration
	PollInterval time.Duration
	PollDeadline time.Duration
}

// CloudConfigFrom reads the upload limits, missing values get defaults.
func CloudConfigFrom(cfg *model.Cloud) (CloudConfig, error) {
	ret := CloudConfig{MaxFileSize: model.DefaultMaxFileSize}
	if cfg == nil {
		cfg = &model.Cloud{}
	}
	if cfg.MaxFileSize > 0 {
		ret.MaxFileSize = cfg.MaxFileSize
	}
	var err error
	if ret.PresignTTL, err = model.ParseDuration(cfg.PresignTTL, model.DefaultPresignTTL); err != nil {
		return CloudConfig{}, fmt.Errorf("cloud.presign_ttl: %w", err)
	}
	if ret.PollInterval, err = model.ParseDuration(cfg.PollInterval, model.DefaultPollInterval); err != nil {
		return CloudConfig{}, fmt.Errorf("cloud.poll_interval: %w", err)
	}
	if ret.PollDeadline, err = model.ParseDuration(cfg.PollDeadline, model.DefaultPollDeadline); err != nil {
		return CloudConfig{}, fmt.Errorf("cloud.poll_deadline: %w", err)
	}
	return ret, nil
}

// CloudOrchestrationService brings files uploaded to the object store to the
// local storage. An upload is verified first (complete and free of malware)
// and only then downloaded.
type CloudOrchestrationService struct {
	store      *job.Store
	cloud      storage.CloudStorage
	scanner    scan.Scanner
	validation *ValidationService
	files      FileProvider
	cfg        CloudConfig
	now        func() time.Time
}

func NewCloudOrchestrationService(
	store *job.Store,
	cloud storage.CloudStorage,
	scanner scan.Scanner,
	vs *ValidationService,
	files FileProvider,
	cfg CloudConfig,
) *CloudOrchestrationService {
	if scanner == nil {
		scanner = scan.Noop{}
	}
	return &CloudOrchestrationService{
		store:      store,
		cloud:      cloud,
		scanner:    scanner,
		validation: vs,
		files:      files,
		cfg:        cfg,
		now:        time.Now,
	}
}

// InitiateUpload creates a cloud job and returns a presigned upload URL per
// file. Invalid requests do not create a job.
func (s *CloudOrchestrationService) InitiateUpload(ctx context.Context, req UploadRequest) (UploadResponse, error) {
	if len(req.Files) != 1 {
		return UploadResponse{}, fmt.Errorf("exactly one file is supported, got %d: %w", len(req.Files), job.ErrInvalidArgument)
	}
	for _, f := range req.Files {
		if err := s.checkFile(ctx, f); err != nil {
			return UploadResponse{}, err
		}
	}

	j := s.store.CreateJob(job.UploadCloud)
	ctx = log.WithJob(ctx, j.ID)
	files := make([]job.CloudFile, 0, len(req.Files))
	for _, f := range req.Files {
		ct := f.ContentType
		if ct == "" {
			ct = defaultContentType
		}
		files = append(files, job.CloudFile{
			FileName:     f.FileName,
			RemoteKey:    JobPrefix(j.ID) + f.FileName,
			ExpectedSize: f.Size,
			ContentType:  ct,
		})
	}
	if _, err := s.store.SetCloudFiles(j.ID, files); err != nil {
		s.discard(ctx, j.ID)
		return UploadResponse{}, err
	}

	resp := UploadResponse{JobID: j.ID}
	for _, f := range files {
		u, err := s.cloud.PresignUpload(ctx, f.RemoteKey, f.ContentType, s.cfg.PresignTTL)
		if err != nil {
			s.discard(ctx, j.ID)
			return UploadResponse{}, fmt.Errorf("presigning upload of %s: %w", f.FileName, err)
		}
		resp.Files = append(resp.Files, PresignedFile{
			FileName:  f.FileName,
			URL:       u.String(),
			ExpiresAt: s.now().Add(s.cfg.PresignTTL).UTC(),
		})
	}
	slog.InfoContext(ctx, "cloud upload initiated", "files", len(resp.Files))
	return resp, nil
}

func (s *CloudOrchestrationService) checkFile(ctx context.Context, f UploadFile) error {
	name := f.FileName
	if strings.TrimSpace(name) == "" || name != path.Base(name) || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("invalid file name %q: %w", name, job.ErrInvalidArgument)
	}
	if f.Size <= 0 || f.Size > s.cfg.MaxFileSize {
		return fmt.Errorf("file %s: size %d not in (0, %d]: %w", name, f.Size, s.cfg.MaxFileSize, job.ErrInvalidArgument)
	}
	if s.validation == nil {
		return nil
	}
	exts, err := s.validation.SupportedFileExtensions(ctx)
	if err != nil {
		return err
	}
	if !validation.MatchExtension(exts, name) {
		return fmt.Errorf("file type of %s is not supported: %w", name, job.ErrInvalidArgument)
	}
	return nil
}

// RunPreflightChecks verifies the upload of a cloud job is complete and clean.
// An incomplete upload leaves the job untouched. A detected threat deletes
// the uploaded objects and the job.
func (s *CloudOrchestrationService) RunPreflightChecks(ctx context.Context, jobID uuid.UUID) error {
	ctx = log.WithJob(ctx, jobID)
	j, err := s.cloudJob(jobID)
	if err != nil {
		return err
	}
	if st := j.Status(); st != job.StatusCreated && st != job.StatusVerifyingUpload {
		return fmt.Errorf("job %s is %s: %w", jobID, st, job.ErrInvalidState)
	}

	objects, err := s.cloud.List(ctx, JobPrefix(jobID))
	if err != nil {
		return fmt.Errorf("listing upload of job %s: %w", jobID, err)
	}
	sizes := make(map[string]int64, len(objects))
	for _, o := range objects {
		sizes[o.Key] = o.Size
	}
	keys := make([]string, 0, len(j.CloudFiles))
	for _, f := range j.CloudFiles {
		size, ok := sizes[f.RemoteKey]
		if !ok {
			return &PreflightError{Reason: IncompleteUpload, Detail: fmt.Sprintf("file %s not uploaded", f.FileName)}
		}
		if size != f.ExpectedSize {
			return &PreflightError{
				Reason: IncompleteUpload,
				Detail: fmt.Sprintf("file %s: expected %d bytes, got %d", f.FileName, f.ExpectedSize, size),
			}
		}
		keys = append(keys, f.RemoteKey)
	}

	res, err := s.scanner.CheckFiles(ctx, keys)
	if err != nil {
		return fmt.Errorf("malware scan of job %s: %w", jobID, err)
	}
	if !res.Clean {
		slog.WarnContext(ctx, "threat detected: removing upload", "details", res.ThreatDetails)
		if err := s.cloud.DeletePrefix(ctx, JobPrefix(jobID)); err != nil {
			slog.ErrorContext(ctx, "deleting infected upload failed, left for cleanup", "error", err)
		}
		s.discard(ctx, jobID)
		return &PreflightError{Reason: ThreatDetected, Detail: res.ThreatDetails}
	}

	if _, err := s.store.MarkUploadVerified(jobID); err != nil {
		return err
	}
	slog.DebugContext(ctx, "preflight checks passed")
	return nil
}

// AwaitUpload repeats the preflight checks while the upload is incomplete,
// until they pass, fail permanently, the poll deadline passes or ctx is done.
func (s *CloudOrchestrationService) AwaitUpload(ctx context.Context, jobID uuid.UUID) error {
	if s.cfg.PollDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.PollDeadline)
		defer cancel()
	}
	interval := s.cfg.PollInterval
	if interval <= 0 {
		interval = model.DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		err := s.RunPreflightChecks(ctx, jobID)
		if pe, ok := AsPreflight(err); !ok || !pe.Retryable() {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for upload of job %s: %w: %w", jobID, err, ctx.Err())
		case <-ticker.C:
		}
	}
}

// StageFilesLocally downloads the verified upload into the local job
// directory and moves the job to ready.
func (s *CloudOrchestrationService) StageFilesLocally(ctx context.Context, jobID uuid.UUID) (job.Job, error) {
	ctx = log.WithJob(ctx, jobID)
	j, err := s.cloudJob(jobID)
	if err != nil {
		return job.Job{}, err
	}
	if len(j.CloudFiles) == 0 {
		return job.Job{}, fmt.Errorf("job %s has no files: %w", jobID, job.ErrInvalidState)
	}
	if j.Status() != job.StatusVerifyingUpload {
		return job.Job{}, fmt.Errorf("job %s is %s: %w", jobID, j.Status(), job.ErrInvalidState)
	}

	var tempNames []string
	for _, f := range j.CloudFiles {
		name, err := s.download(ctx, jobID, f)
		if err != nil {
			return job.Job{}, err
		}
		tempNames = append(tempNames, name)
	}

	// one file per upload for now, see InitiateUpload
	staged, err := s.store.AddFileToJob(jobID, j.CloudFiles[0].FileName, tempNames[0])
	if err != nil {
		return job.Job{}, err
	}
	slog.InfoContext(ctx, "upload staged", "file", tempNames[0])
	return staged, nil
}

func (s *CloudOrchestrationService) download(ctx context.Context, jobID uuid.UUID, f job.CloudFile) (string, error) {
	fh, err := s.files.CreateFileWithRandomName(jobID, path.Ext(f.FileName))
	if err != nil {
		return "", fmt.Errorf("creating local file for %s: %w", f.FileName, err)
	}
	err = s.cloud.Download(ctx, f.RemoteKey, fh)
	if cerr := fh.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("staging %s: %w", f.FileName, err)
	}
	return fh.FileName, nil
}

// ProcessUpload runs the whole cloud pipeline: wait for the upload, stage it
// and start the validators.
func (s *CloudOrchestrationService) ProcessUpload(ctx context.Context, jobID uuid.UUID) (job.Job, error) {
	if err := s.AwaitUpload(ctx, jobID); err != nil {
		return job.Job{}, err
	}
	if _, err := s.StageFilesLocally(ctx, jobID); err != nil {
		return job.Job{}, err
	}
	if s.validation == nil {
		return job.Job{}, errors.New("validation service not configured")
	}
	return s.validation.StartJob(ctx, jobID)
}

func (s *CloudOrchestrationService) cloudJob(jobID uuid.UUID) (job.Job, error) {
	j, ok := s.store.GetJob(jobID)
	if !ok {
		return job.Job{}, fmt.Errorf("job %s: %w", jobID, job.ErrInvalidArgument)
	}
	if j.UploadMethod != job.UploadCloud {
		return job.Job{}, fmt.Errorf("job %s is not a cloud upload: %w", jobID, job.ErrInvalidOperation)
	}
	return j, nil
}

func (s *CloudOrchestrationService) discard(ctx context.Context, jobID uuid.UUID) {
	if _, err := s.store.RemoveJob(jobID); err != nil {
		slog.ErrorContext(ctx, "removing job failed", "error", err)
	}
}
