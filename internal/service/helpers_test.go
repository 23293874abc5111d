package service_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/url"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/geopilot/geopilot/internal/job"
	"github.com/geopilot/geopilot/internal/scan"
	"github.com/geopilot/geopilot/internal/storage"
	"github.com/geopilot/geopilot/internal/validation"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeValidator reports a fixed outcome.
type fakeValidator struct {
	name     string
	exts     []string
	profiles []string
	result   job.ValidatorResult
	err      error
}

func (v fakeValidator) Name() string { return v.name }

func (v fakeValidator) SupportedFileExtensions(context.Context) ([]string, error) {
	return v.exts, nil
}

func (v fakeValidator) SupportedProfiles(context.Context) ([]string, error) {
	return v.profiles, nil
}

func (v fakeValidator) Execute(context.Context, validation.File) (job.ValidatorResult, error) {
	return v.result, v.err
}

func completed(name string, exts ...string) fakeValidator {
	return fakeValidator{name: name, exts: exts, result: job.ValidatorResult{Status: job.StatusCompleted}}
}

// funcTask is a job.Task calling fn.
type funcTask struct {
	name string
	fn   func(ctx context.Context) (job.ValidatorResult, error)
}

func (t funcTask) Name() string { return t.name }

func (t funcTask) Execute(ctx context.Context) (job.ValidatorResult, error) {
	return t.fn(ctx)
}

func newLocal(t *testing.T) *storage.Local {
	t.Helper()
	l, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

// fakeCloud is an in-memory CloudStorage.
type fakeCloud struct {
	mx           sync.Mutex
	objects      map[string][]byte
	presignErr   error
	deletePrefix []string
	deleteErr    error
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{objects: make(map[string][]byte)}
}

func (c *fakeCloud) put(key string, data []byte) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.objects[key] = data
}

func (c *fakeCloud) keys(prefix string) []string {
	c.mx.Lock()
	defer c.mx.Unlock()
	var ret []string
	for k := range c.objects {
		if strings.HasPrefix(k, prefix) {
			ret = append(ret, k)
		}
	}
	slices.Sort(ret)
	return ret
}

func (c *fakeCloud) PresignUpload(_ context.Context, key, contentType string, ttl time.Duration) (*url.URL, error) {
	if c.presignErr != nil {
		return nil, c.presignErr
	}
	return &url.URL{
		Scheme:   "https",
		Host:     "s3.example.com",
		Path:     "/bucket/" + key,
		RawQuery: url.Values{"X-Amz-Expires": {ttl.String()}, "ct": {contentType}}.Encode(),
	}, nil
}

func (c *fakeCloud) List(_ context.Context, prefix string) ([]storage.ObjectInfo, error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	var ret []storage.ObjectInfo
	for k, v := range c.objects {
		if strings.HasPrefix(k, prefix) {
			ret = append(ret, storage.ObjectInfo{Key: k, Size: int64(len(v)), LastModified: time.Now()})
		}
	}
	slices.SortFunc(ret, func(a, b storage.ObjectInfo) int { return strings.Compare(a.Key, b.Key) })
	return ret, nil
}

func (c *fakeCloud) ListPrefixes(_ context.Context, prefix string) ([]string, error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	var ret []string
	for k := range c.objects {
		rest, ok := strings.CutPrefix(k, prefix)
		if !ok {
			continue
		}
		if name, _, ok := strings.Cut(rest, "/"); ok && !slices.Contains(ret, name) {
			ret = append(ret, name)
		}
	}
	slices.Sort(ret)
	return ret, nil
}

func (c *fakeCloud) Download(_ context.Context, key string, w io.Writer) error {
	c.mx.Lock()
	data, ok := c.objects[key]
	c.mx.Unlock()
	if !ok {
		return errors.New("no such key")
	}
	_, err := io.Copy(w, bytes.NewReader(data))
	return err
}

func (c *fakeCloud) Delete(_ context.Context, key string) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	delete(c.objects, key)
	return nil
}

func (c *fakeCloud) DeletePrefix(_ context.Context, prefix string) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.deletePrefix = append(c.deletePrefix, prefix)
	if c.deleteErr != nil {
		return c.deleteErr
	}
	for k := range c.objects {
		if strings.HasPrefix(k, prefix) {
			delete(c.objects, k)
		}
	}
	return nil
}

func (c *fakeCloud) TotalSize(ctx context.Context, prefix string) (int64, error) {
	objs, _ := c.List(ctx, prefix)
	var total int64
	for _, o := range objs {
		total += o.Size
	}
	return total, nil
}

// fakeScanner reports a threat for keys containing "eicar".
type fakeScanner struct {
	mx    sync.Mutex
	calls [][]string
}

func (s *fakeScanner) CheckFiles(_ context.Context, keys []string) (scan.Result, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.calls = append(s.calls, slices.Clone(keys))
	for _, k := range keys {
		if strings.Contains(k, "eicar") {
			return scan.Result{ThreatDetails: "Eicar-Test-Signature"}, nil
		}
	}
	return scan.Result{Clean: true}, nil
}
