// Package storage provides the job-scoped file areas used by geopilot: a
// directory per job on the local filesystem and a key prefix per job in an
// S3 compatible bucket.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var ErrInvalidName = errors.New("invalid file name")

// FileHandle is a freshly created job file open for writing.
type FileHandle struct {
	io.WriteCloser
	FileName string
}

// Local stores job files below a root directory, one sub directory per job.
// All access goes through os.Root so names can not escape the job directory.
type Local struct {
	dir  string
	root *os.Root
}

func NewLocal(dir string) (*Local, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("creating storage dir: %w", err)
	}
	root, err := os.OpenRoot(abs)
	if err != nil {
		return nil, fmt.Errorf("opening storage dir: %w", err)
	}
	return &Local{dir: abs, root: root}, nil
}

func (l *Local) Close() error {
	return l.root.Close()
}

// Dir returns the absolute storage directory.
func (l *Local) Dir() string {
	return l.dir
}

// CreateFileWithRandomName creates a new file with a random name in the job
// directory. The extension ext is kept lower-cased.
func (l *Local) CreateFileWithRandomName(jobID uuid.UUID, ext string) (FileHandle, error) {
	ext = strings.ToLower(ext)
	if ext != "" && (!strings.HasPrefix(ext, ".") || strings.ContainsAny(ext, `/\`)) {
		return FileHandle{}, fmt.Errorf("extension %q: %w", ext, ErrInvalidName)
	}
	name := uuid.NewString() + ext
	f, err := l.openFile(jobID, name, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
	if err != nil {
		return FileHandle{}, err
	}
	return FileHandle{WriteCloser: f, FileName: name}, nil
}

// Create creates or truncates the file name in the job directory.
func (l *Local) Create(jobID uuid.UUID, name string) (io.WriteCloser, error) {
	return l.openFile(jobID, name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
}

func (l *Local) Open(jobID uuid.UUID, name string) (io.ReadCloser, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	return l.root.Open(filepath.Join(jobID.String(), name))
}

func (l *Local) Exists(jobID uuid.UUID, name string) bool {
	if checkName(name) != nil {
		return false
	}
	fi, err := l.root.Stat(filepath.Join(jobID.String(), name))
	return err == nil && fi.Mode().IsRegular()
}

// Path returns the absolute path of a job file, used by validators running
// external programs.
func (l *Local) Path(jobID uuid.UUID, name string) string {
	return filepath.Join(l.dir, jobID.String(), name)
}

// List returns the names of all entries of the storage directory that are
// directories. Names are not checked to be job ids.
func (l *Local) List(context.Context) ([]string, error) {
	entries, err := fs.ReadDir(l.root.FS(), ".")
	if err != nil {
		return nil, err
	}
	ret := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ret = append(ret, e.Name())
		}
	}
	return ret, nil
}

// Remove deletes the directory name with all its content.
func (l *Local) Remove(_ context.Context, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	return l.root.RemoveAll(name)
}

func (l *Local) openFile(jobID uuid.UUID, name string, flag int) (*os.File, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	dir := jobID.String()
	if err := l.root.Mkdir(dir, 0o750); err != nil && !errors.Is(err, fs.ErrExist) {
		return nil, fmt.Errorf("creating job dir: %w", err)
	}
	return l.root.OpenFile(filepath.Join(dir, name), flag, 0o640)
}

func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	return nil
}
