package service_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/geopilot/geopilot/internal/job"
	"github.com/geopilot/geopilot/internal/queue"
	"github.com/geopilot/geopilot/internal/service"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// fakeJobStorage records removals, names listed in removeErr fail.
type fakeJobStorage struct {
	mx        sync.Mutex
	names     []string
	removed   map[string]int
	removeErr map[string]error
	listing   chan struct{}
	release   chan struct{}
}

func newFakeJobStorage(names ...string) *fakeJobStorage {
	return &fakeJobStorage{names: names, removed: make(map[string]int), removeErr: make(map[string]error)}
}

func (s *fakeJobStorage) List(ctx context.Context) ([]string, error) {
	if s.listing != nil {
		close(s.listing)
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	return slices.Clone(s.names), nil
}

func (s *fakeJobStorage) Remove(_ context.Context, name string) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if err := s.removeErr[name]; err != nil {
		return err
	}
	s.removed[name]++
	s.names = slices.DeleteFunc(s.names, func(n string) bool { return n == name })
	return nil
}

type clock struct {
	mx  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.now = c.now.Add(d)
}

func newClockedStore(c *clock) *job.Store {
	return job.NewStore(queue.New[job.WorkItem](), job.WithClock(c.Now))
}

func TestSweep(t *testing.T) {
	t.Parallel()
	c := &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := newClockedStore(c)

	expired := store.CreateJob(job.UploadDirect)
	c.Advance(2 * time.Hour)
	live := store.CreateJob(job.UploadDirect)
	orphan := uuid.New()

	backend := newFakeJobStorage(expired.ID.String(), live.ID.String(), orphan.String(), "not-a-guid")
	sweeper := service.NewSweeper("test", backend, store, 90*time.Minute).WithClock(c.Now)

	report := sweeper.Sweep(t.Context())
	require.NoError(t, report.Err)
	require.False(t, report.Busy)
	require.Equal(t, 1, report.Orphans)
	require.Equal(t, 1, report.Expired)
	require.Equal(t, []string{"not-a-guid"}, report.Skipped)

	require.Equal(t, map[string]int{expired.ID.String(): 1, orphan.String(): 1}, backend.removed)
	_, ok := store.GetJob(expired.ID)
	require.False(t, ok)
	_, ok = store.GetJob(live.ID)
	require.True(t, ok)

	// the next sweep finds nothing to do
	report = sweeper.Sweep(t.Context())
	require.NoError(t, report.Err)
	require.Zero(t, report.Orphans)
	require.Zero(t, report.Expired)
	require.Equal(t, 1, backend.removed[orphan.String()])
}

func TestSweepNoRetention(t *testing.T) {
	t.Parallel()
	c := &clock{now: time.Now()}
	store := newClockedStore(c)
	j := store.CreateJob(job.UploadDirect)
	c.Advance(24 * 365 * time.Hour)

	backend := newFakeJobStorage(j.ID.String())
	report := service.NewSweeper("test", backend, store, 0).WithClock(c.Now).Sweep(t.Context())
	require.NoError(t, report.Err)
	require.Zero(t, report.Expired)
	require.Empty(t, backend.removed)
}

func TestSweepRemoveFailure(t *testing.T) {
	t.Parallel()
	c := &clock{now: time.Now()}
	store := newClockedStore(c)
	expired := store.CreateJob(job.UploadDirect)
	c.Advance(time.Hour)
	orphan := uuid.New()

	backend := newFakeJobStorage(expired.ID.String(), orphan.String())
	backend.removeErr[expired.ID.String()] = errors.New("device busy")
	backend.removeErr[orphan.String()] = errors.New("permission denied")

	report := service.NewSweeper("test", backend, store, time.Minute).WithClock(c.Now).Sweep(t.Context())
	require.ErrorContains(t, report.Err, "device busy")
	require.ErrorContains(t, report.Err, "permission denied")
	require.Zero(t, report.Orphans)
	require.Zero(t, report.Expired)

	// the job stays until its storage is gone
	_, ok := store.GetJob(expired.ID)
	require.True(t, ok)
}

func TestSweepListFailure(t *testing.T) {
	t.Parallel()
	report := service.NewSweeper("test", failingList{}, job.NewStore(queue.New[job.WorkItem]()), time.Hour).Sweep(t.Context())
	require.ErrorContains(t, report.Err, "io timeout")
}

type failingList struct{}

func (failingList) List(context.Context) ([]string, error) { return nil, errors.New("io timeout") }
func (failingList) Remove(context.Context, string) error   { return nil }

func TestSweepBusy(t *testing.T) {
	t.Parallel()
	backend := newFakeJobStorage(uuid.NewString())
	backend.listing = make(chan struct{})
	backend.release = make(chan struct{})
	sweeper := service.NewSweeper("test", backend, job.NewStore(queue.New[job.WorkItem]()), time.Hour)

	var wg sync.WaitGroup
	var first service.SweepReport
	wg.Go(func() {
		first = sweeper.Sweep(t.Context())
	})
	<-backend.listing

	require.Equal(t, service.SweepReport{Busy: true}, sweeper.Sweep(t.Context()))

	close(backend.release)
	wg.Wait()
	require.False(t, first.Busy)
	require.Equal(t, 1, first.Orphans)
}

func TestSweepLocal(t *testing.T) {
	t.Parallel()
	local := newLocal(t)
	store := job.NewStore(queue.New[job.WorkItem]())
	live := store.CreateJob(job.UploadDirect)
	orphan := uuid.New()

	for _, id := range []uuid.UUID{live.ID, orphan} {
		w, err := local.Create(id, "sample.xtf")
		require.NoError(t, err)
		require.NoError(t, w.Close())
	}
	require.NoError(t, os.Mkdir(filepath.Join(local.Dir(), "lost+found"), 0o750))

	report := service.NewSweeper("local", local, store, time.Hour).Sweep(t.Context())
	require.NoError(t, report.Err)
	require.Equal(t, 1, report.Orphans)
	require.Equal(t, []string{"lost+found"}, report.Skipped)

	require.True(t, local.Exists(live.ID, "sample.xtf"))
	require.False(t, local.Exists(orphan, "sample.xtf"))
	require.DirExists(t, filepath.Join(local.Dir(), "lost+found"))
}

func TestSweepCloud(t *testing.T) {
	t.Parallel()
	cloud := newFakeCloud()
	store := job.NewStore(queue.New[job.WorkItem]())
	live := store.CreateJob(job.UploadCloud)
	orphan := uuid.New()
	cloud.put(service.JobPrefix(live.ID)+"sample.xtf", []byte("a"))
	cloud.put(service.JobPrefix(orphan)+"sample.xtf", []byte("b"))
	cloud.put(service.JobPrefix(orphan)+"sample_log.txt", []byte("c"))
	cloud.put("README", []byte("d"))

	report := service.NewSweeper("cloud", service.CloudJobs{Cloud: cloud}, store, time.Hour).Sweep(t.Context())
	require.NoError(t, report.Err)
	require.Equal(t, 1, report.Orphans)
	require.Equal(t, []string{service.JobPrefix(orphan)}, cloud.deletePrefix)
	require.Empty(t, cloud.keys(service.JobPrefix(orphan)))
	require.Len(t, cloud.keys(service.JobPrefix(live.ID)), 1)
	require.Equal(t, []string{"README"}, cloud.keys("R"))
}

func TestSweepCollectsJobsWithoutStorage(t *testing.T) {
	t.Parallel()
	c := &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := newClockedStore(c)

	abandoned := store.CreateJob(job.UploadCloud)
	stuck := store.CreateJob(job.UploadDirect)
	failing := store.CreateJob(job.UploadDirect)
	c.Advance(365 * 24 * time.Hour)
	fresh := store.CreateJob(job.UploadDirect)

	backend := newFakeJobStorage(failing.ID.String())
	backend.removeErr[failing.ID.String()] = errors.New("device busy")

	// without collection the jobs stay
	report := service.NewSweeper("test", backend, store, time.Hour).WithClock(c.Now).Sweep(t.Context())
	require.Zero(t, report.Collected)
	require.Len(t, store.Jobs(), 4)

	report = service.NewSweeper("test", backend, store, time.Hour).
		WithClock(c.Now).
		WithStoreCollection().
		Sweep(t.Context())
	require.ErrorContains(t, report.Err, "device busy")
	require.Equal(t, 2, report.Collected)
	require.Zero(t, report.Expired)

	for id, then := range map[uuid.UUID]bool{
		abandoned.ID: false,
		stuck.ID:     false,
		failing.ID:   true,
		fresh.ID:     true,
	} {
		_, ok := store.GetJob(id)
		require.Equal(t, then, ok, id.String())
	}
}

func TestSweepCollectNoRetention(t *testing.T) {
	t.Parallel()
	c := &clock{now: time.Now()}
	store := newClockedStore(c)
	j := store.CreateJob(job.UploadDirect)
	c.Advance(24 * 365 * time.Hour)

	report := service.NewSweeper("test", newFakeJobStorage(), store, 0).
		WithClock(c.Now).
		WithStoreCollection().
		Sweep(t.Context())
	require.NoError(t, report.Err)
	require.Zero(t, report.Collected)
	_, ok := store.GetJob(j.ID)
	require.True(t, ok)
}
