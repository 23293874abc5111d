package validation_test

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/geopilot/geopilot/internal/job"
	"github.com/geopilot/geopilot/internal/validation"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type memLogs struct {
	mx    sync.Mutex
	files map[string]*bytes.Buffer
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func (m *memLogs) Create(jobID uuid.UUID, name string) (io.WriteCloser, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.files == nil {
		m.files = make(map[string]*bytes.Buffer)
	}
	buf := &bytes.Buffer{}
	m.files[name] = buf
	return nopCloser{buf}, nil
}

func (m *memLogs) content(name string) string {
	m.mx.Lock()
	defer m.mx.Unlock()
	if b, ok := m.files[name]; ok {
		return b.String()
	}
	return ""
}

func shell(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	return sh
}

func TestRun(t *testing.T) {
	t.Parallel()
	yes, err := exec.LookPath("yes")
	if err != nil {
		t.Skipf("skipped, binary yes not available: %v", err)
	}

	t.Run("timeout", func(t *testing.T) {
		res := validation.Run(t.Context(), validation.Command{
			Path:    yes,
			Args:    []string{"golang"},
			Env:     []string{"LC_ALL=C"},
			Timeout: 100 * time.Millisecond,
		}, nil)
		require.True(t, res.TimedOut)
		require.Error(t, res.Err)
		require.GreaterOrEqual(t, res.Stopped.Sub(res.Started), 100*time.Millisecond)
		require.Greater(t, res.Stdout.Len(), 1024)
	})
	t.Run("exec error", func(t *testing.T) {
		res := validation.Run(t.Context(), validation.Command{Path: "does not exist"}, nil)
		var execErr *exec.Error
		require.ErrorAs(t, res.Err, &execErr)
		require.Equal(t, "does not exist", execErr.Name)
	})
}

func TestRunStderr(t *testing.T) {
	t.Parallel()
	sh := shell(t)
	var lines []string
	res := validation.Run(t.Context(), validation.Command{
		Path:    sh,
		Args:    []string{"-c", "echo one >&2; echo two >&2"},
		Timeout: 5 * time.Second,
	}, func(_ context.Context, line string) {
		lines = append(lines, line)
	})
	require.NoError(t, res.Err)
	require.Equal(t, []string{"one", "two"}, res.Stderr)
	require.Equal(t, res.Stderr, lines)
}

func TestNewExecValidator(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    validation.ExecConfig
	}{
		{"no name", validation.ExecConfig{Command: validation.Command{Path: "sh"}, Extensions: []string{".xtf"}}},
		{"no path", validation.ExecConfig{Name: "ili", Extensions: []string{".xtf"}}},
		{"no extensions", validation.ExecConfig{Name: "ili", Command: validation.Command{Path: "sh"}}},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			_, err := validation.NewExecValidator(tc.given)
			require.Error(t, err)
		})
	}
}

func TestExecValidator(t *testing.T) {
	t.Parallel()
	sh := shell(t)

	newValidator := func(t *testing.T, script string, timeout time.Duration) *validation.ExecValidator {
		t.Helper()
		v, err := validation.NewExecValidator(validation.ExecConfig{
			Name: "ili",
			Command: validation.Command{
				Path:    sh,
				Args:    []string{"-c", script, "ili", validation.FilePlaceholder},
				Timeout: timeout,
			},
			Extensions:     []string{"xtf", ".ITF"},
			Profiles:       []string{"DEFAULT"},
			ErrorsExitCode: 3,
		})
		require.NoError(t, err)
		return v
	}

	t.Run("metadata", func(t *testing.T) {
		v := newValidator(t, "true", time.Second)
		require.Equal(t, "ili", v.Name())
		exts, err := v.SupportedFileExtensions(t.Context())
		require.NoError(t, err)
		require.Equal(t, []string{".itf", ".xtf"}, exts)
		profiles, err := v.SupportedProfiles(t.Context())
		require.NoError(t, err)
		require.Equal(t, []string{"DEFAULT"}, profiles)
	})

	var testCases = []struct {
		scenario   string
		script     string
		timeout    time.Duration
		thenStatus job.Status
		thenFail   string
		thenLog    string
		thenErrors string
	}{
		{
			scenario:   "completed",
			script:     `echo "checked $1"`,
			timeout:    5 * time.Second,
			thenStatus: job.StatusCompleted,
			thenLog:    "checked /data/a.xtf\n",
		},
		{
			scenario:   "completed with errors",
			script:     `echo "bad geometry" >&2; exit 3`,
			timeout:    5 * time.Second,
			thenStatus: job.StatusCompletedWithErrors,
			thenErrors: "bad geometry\n",
		},
		{
			scenario: "failed",
			script:   `echo "starting" >&2; echo "model not found" >&2; exit 2`,
			timeout:  5 * time.Second,
			thenFail: "validator exited with code 2: model not found",
		},
		{
			scenario: "timeout",
			script:   `sleep 5`,
			timeout:  100 * time.Millisecond,
			thenFail: "validation timed out after 100ms",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			logs := &memLogs{}
			file := validation.File{
				JobID:        uuid.New(),
				OriginalName: "a.xtf",
				Path:         "/data/a.xtf",
				Logs:         logs,
			}
			task := validation.Bind(newValidator(t, tc.script, tc.timeout), file)
			require.Equal(t, "ili", task.Name())

			res, err := task.Execute(t.Context())
			if tc.thenFail != "" {
				fe, ok := validation.AsFailure(err)
				require.True(t, ok, "expected failure, got %v", err)
				require.Equal(t, tc.thenFail, fe.Message)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.thenStatus, res.Status)
			if tc.thenLog != "" {
				require.Equal(t, "ili_log.txt", res.LogFiles["Log"])
				require.Equal(t, tc.thenLog, logs.content("ili_log.txt"))
			}
			if tc.thenErrors != "" {
				require.Equal(t, "ili_errors.txt", res.LogFiles["Errors"])
				require.Equal(t, tc.thenErrors, logs.content("ili_errors.txt"))
			}
		})
	}

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		task := validation.Bind(newValidator(t, "sleep 5", 5*time.Second), validation.File{Path: "/data/a.xtf"})
		_, err := task.Execute(ctx)
		require.ErrorIs(t, err, context.Canceled)
	})
}
