package validation

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/geopilot/geopilot/internal/job"
)

// FilePlaceholder in Command.Args is replaced by the staged file path. When
// no argument contains it, the path is appended.
const FilePlaceholder = "{file}"

const waitDelay = 2 * time.Second

type StderrFunc func(ctx context.Context, line string)

type Command struct {
	Path    string
	Args    []string
	Env     []string
	Timeout time.Duration
}

type Result struct {
	Path     string
	Args     []string
	Started  time.Time
	Stopped  time.Time
	State    *os.ProcessState
	Stdout   *bytes.Buffer
	Stderr   []string
	TimedOut bool
	Err      error
}

// ExecConfig declares a validator backed by an external checker binary.
type ExecConfig struct {
	Name       string
	Command    Command
	Extensions []string
	Profiles   []string
	// ErrorsExitCode is the exit code meaning the file was checked and
	// contains errors, zero disables it.
	ErrorsExitCode int
}

// ExecValidator runs an external checker on the staged file. Stdout and
// stderr are stored as job log files.
type ExecValidator struct {
	cfg ExecConfig
}

func NewExecValidator(cfg ExecConfig) (*ExecValidator, error) {
	if cfg.Name == "" {
		return nil, errors.New("validator name is empty")
	}
	if cfg.Command.Path == "" {
		return nil, fmt.Errorf("validator %s: command path is empty", cfg.Name)
	}
	if len(cfg.Extensions) == 0 {
		return nil, fmt.Errorf("validator %s: no supported extensions", cfg.Name)
	}
	return &ExecValidator{cfg: cfg}, nil
}

func (v *ExecValidator) Name() string {
	return v.cfg.Name
}

func (v *ExecValidator) SupportedFileExtensions(context.Context) ([]string, error) {
	return UnionExtensions(v.cfg.Extensions), nil
}

func (v *ExecValidator) SupportedProfiles(context.Context) ([]string, error) {
	return slices.Clone(v.cfg.Profiles), nil
}

func (v *ExecValidator) Execute(ctx context.Context, file File) (job.ValidatorResult, error) {
	cmd := v.cfg.Command
	cmd.Args = withFile(cmd.Args, file.Path)

	stderrFunc := func(ctx context.Context, line string) {
		slog.DebugContext(ctx, "validator stderr", "line", line)
	}
	res := Run(ctx, cmd, stderrFunc)
	if ctx.Err() != nil {
		return job.ValidatorResult{}, ctx.Err()
	}

	logs, err := v.storeLogs(file, res)
	if err != nil {
		return job.ValidatorResult{}, fmt.Errorf("storing logs: %w", err)
	}

	var exitErr *exec.ExitError
	switch {
	case res.TimedOut:
		return job.ValidatorResult{}, Failf(fmt.Sprintf("validation timed out after %s", cmd.Timeout))
	case res.Err == nil:
		return job.ValidatorResult{Status: job.StatusCompleted, LogFiles: logs}, nil
	case errors.As(res.Err, &exitErr):
		code := exitErr.ExitCode()
		if v.cfg.ErrorsExitCode != 0 && code == v.cfg.ErrorsExitCode {
			return job.ValidatorResult{
				Status:   job.StatusCompletedWithErrors,
				Message:  "the file contains validation errors",
				LogFiles: logs,
			}, nil
		}
		msg := fmt.Sprintf("validator exited with code %d", code)
		if n := len(res.Stderr); n > 0 {
			msg += ": " + res.Stderr[n-1]
		}
		return job.ValidatorResult{}, Failf(msg)
	default:
		return job.ValidatorResult{}, fmt.Errorf("running %s: %w", cmd.Path, res.Err)
	}
}

func (v *ExecValidator) storeLogs(file File, res Result) (map[string]string, error) {
	if file.Logs == nil {
		return nil, nil
	}
	logs := make(map[string]string, 2)
	write := func(label, name string, r io.Reader) error {
		w, err := file.Logs.Create(file.JobID, name)
		if err != nil {
			return err
		}
		_, err = io.Copy(w, r)
		if cerr := w.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		logs[label] = name
		return nil
	}

	if res.Stdout != nil && res.Stdout.Len() > 0 {
		if err := write("Log", v.cfg.Name+"_log.txt", bytes.NewReader(res.Stdout.Bytes())); err != nil {
			return nil, err
		}
	}
	if len(res.Stderr) > 0 {
		errs := strings.Join(res.Stderr, "\n") + "\n"
		if err := write("Errors", v.cfg.Name+"_errors.txt", strings.NewReader(errs)); err != nil {
			return nil, err
		}
	}
	return logs, nil
}

func withFile(args []string, path string) []string {
	ret := make([]string, 0, len(args)+1)
	replaced := false
	for _, a := range args {
		if strings.Contains(a, FilePlaceholder) {
			a = strings.ReplaceAll(a, FilePlaceholder, path)
			replaced = true
		}
		ret = append(ret, a)
	}
	if !replaced {
		ret = append(ret, path)
	}
	return ret
}

// Run executes cmd and waits for it. Stderr lines are collected and passed to
// stderrFunc when not nil. A command without timeout runs until ctx is done.
func Run(ctx context.Context, proto Command, stderrFunc StderrFunc) Result {
	res := Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
	}

	runCtx := ctx
	if proto.Timeout == 0 {
		slog.WarnContext(ctx, "command has no timeout", "path", proto.Path)
	} else {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, proto.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, res.Path, res.Args...)
	if len(proto.Env) > 0 {
		cmd.Env = append(os.Environ(), proto.Env...)
	}
	// children inheriting the output pipes must not keep Wait blocked after a kill
	cmd.WaitDelay = waitDelay
	var stdout, stderr bytes.Buffer
	res.Stdout = &stdout
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	res.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		res.Stopped = time.Now().UTC()
		res.Err = err
		return res
	}

	res.Err = cmd.Wait()
	res.Stopped = time.Now().UTC()
	res.State = cmd.ProcessState
	res.Stderr = processStderr(ctx, &stderr, stderrFunc)
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		res.TimedOut = true
	}
	return res
}

func processStderr(ctx context.Context, stderr io.Reader, stderrFunc StderrFunc) []string {
	var lines []string
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		lines = append(lines, line)
		if stderrFunc != nil {
			stderrFunc(ctx, line)
		}
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) {
		slog.ErrorContext(ctx, "processing stderr", "error", err)
	}
	return lines
}
