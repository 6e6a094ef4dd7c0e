package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/procmine/internal/cache"
	"github.com/kiranshivaraju/procmine/internal/clean"
	"github.com/kiranshivaraju/procmine/internal/discovery"
	"github.com/kiranshivaraju/procmine/internal/eventlog"
	"github.com/kiranshivaraju/procmine/internal/render"
	"github.com/kiranshivaraju/procmine/internal/storage"
	"github.com/kiranshivaraju/procmine/internal/store"
	"github.com/kiranshivaraju/procmine/internal/store/storetest"
	"github.com/kiranshivaraju/procmine/pkg/models"
	"github.com/kiranshivaraju/procmine/pkg/petri"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// --- Mocks ---

type cachedSnap struct {
	snap cache.JobSnapshot
	ttl  time.Duration
}

type mockCache struct {
	mu      sync.Mutex
	snaps   map[int64][]cachedSnap
	deleted []string
	// failTerminal makes done and error snapshots fail to write.
	failTerminal bool
}

func newMockCache() *mockCache {
	return &mockCache{snaps: map[int64][]cachedSnap{}}
}

func (m *mockCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error { return nil }
func (m *mockCache) Get(_ context.Context, _ string) ([]byte, bool, error) { return nil, false, nil }
func (m *mockCache) Ping(_ context.Context) error { return nil }
func (m *mockCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 1, nil
}

func (m *mockCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, key)
	for id := range m.snaps {
		if cache.JobStatusKey(id) == key {
			delete(m.snaps, id)
		}
	}
	return nil
}

func (m *mockCache) SetJobStatus(_ context.Context, jobID int64, snap cache.JobSnapshot, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failTerminal && (snap.Status == models.JobStatusDone || snap.Status == models.JobStatusError) {
		return errors.New("redis: connection reset")
	}
	m.snaps[jobID] = append(m.snaps[jobID], cachedSnap{snap: snap, ttl: ttl})
	return nil
}

func (m *mockCache) GetJobStatus(_ context.Context, jobID int64) (*cache.JobSnapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.snaps[jobID]
	if len(s) == 0 {
		return nil, false, nil
	}
	snap := s[len(s)-1].snap
	return &snap, true, nil
}

func (m *mockCache) deletedKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleted...)
}

func (m *mockCache) last(jobID int64) cachedSnap {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.snaps[jobID]
	if len(s) == 0 {
		return cachedSnap{}
	}
	return s[len(s)-1]
}

type fakeRenderer struct {
	calls int
}

func (f *fakeRenderer) Render(_ context.Context, n *petri.Net, format render.Format) ([]byte, error) {
	f.calls++
	return []byte(fmt.Sprintf("<%s %s/>", format, n.Name)), nil
}

type failingRenderer struct{}

func (failingRenderer) Render(context.Context, *petri.Net, render.Format) ([]byte, error) {
	return nil, fmt.Errorf("%w: dot exited with status 1", render.ErrRenderFailed)
}

type panickingRenderer struct{}

func (panickingRenderer) Render(context.Context, *petri.Net, render.Format) ([]byte, error) {
	panic("layout exploded")
}

// blockingRenderer waits for cancellation so tests can hold a job in the
// running state.
type blockingRenderer struct {
	started chan struct{}
	once    sync.Once
}

func newBlockingRenderer() *blockingRenderer {
	return &blockingRenderer{started: make(chan struct{})}
}

func (b *blockingRenderer) Render(ctx context.Context, _ *petri.Net, _ render.Format) ([]byte, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

type panickingCleaner struct{}

func (panickingCleaner) Clean(context.Context, *eventlog.Table) (*eventlog.Table, clean.Report, error) {
	panic("index out of range")
}

// panickingStore blows up on the pending to running transition.
type panickingStore struct {
	*storetest.MemStore
}

func (p panickingStore) UpdateJobStatus(ctx context.Context, id int64, status string, opts ...store.JobUpdateOption) error {
	if status == models.JobStatusRunning {
		panic("nil pointer dereference")
	}
	return p.MemStore.UpdateJobStatus(ctx, id, status, opts...)
}

type failingBlob struct {
	storage.Blob
	failPrefix string
}

func (f failingBlob) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	if strings.HasPrefix(key, f.failPrefix) {
		return errors.New("bucket unavailable")
	}
	return f.Blob.Put(ctx, key, r, size, contentType)
}

// --- Helpers ---

// sampleCSV builds a log of n cases, each running a, b, c, d with
// increasing timestamps.
func sampleCSV(n int) []byte {
	var b bytes.Buffer
	b.WriteString("case_id,activity,timestamp\n")
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		for j, act := range []string{"a", "b", "c", "d"} {
			ts := base.Add(time.Duration(i)*time.Hour + time.Duration(j)*time.Minute)
			fmt.Fprintf(&b, "case-%d,%s,%s\n", i, act, ts.Format(time.RFC3339))
		}
	}
	return b.Bytes()
}

type harness struct {
	store  *storetest.MemStore
	cache  *mockCache
	blobs  *storage.LocalStore
	stages *Stages
	runner *Runner
}

func newHarness(t *testing.T, r render.Renderer, opts Options) *harness {
	t.Helper()
	blobs, err := storage.NewLocalStore(t.TempDir(), "/media/")
	require.NoError(t, err)
	h := &harness{
		store:  storetest.New(),
		cache:  newMockCache(),
		blobs:  blobs,
		stages: NewStages(discovery.DefaultHeuristicsOptions(), r, render.FormatSVG, nil),
	}
	h.runner = NewRunner(h.store, h.cache, h.blobs, h.stages, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.runner.Shutdown(ctx)
	})
	return h
}

func (h *harness) submit(t *testing.T, data []byte, format, method string, cleaning bool) *models.Job {
	t.Helper()
	created := time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)
	key := storage.UploadKey(created, "log."+format)
	require.NoError(t, h.blobs.Put(context.Background(), key, bytes.NewReader(data), int64(len(data)), "text/csv"))

	job := &models.Job{
		UserID:           uuid.New(),
		ProjectName:      "billing",
		OriginalFilename: "log." + format,
		InputKey:         key,
		InputFormat:      format,
		CleaningEnabled:  cleaning,
		MiningMethod:     method,
		Message:          "Job queued",
		CreatedAt:        created,
	}
	require.NoError(t, h.store.CreateJob(context.Background(), job))
	return job
}

func progressOf(updates []storetest.Update) []int {
	out := make([]int, len(updates))
	for i, u := range updates {
		out[i] = u.Progress
	}
	return out
}

// waitForStatus polls until the job reaches status or the deadline passes.
func waitForStatus(t *testing.T, s *storetest.MemStore, id int64, status string) *models.Job {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if j := s.Job(id); j != nil && j.Status == status {
			return j
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for job %d to reach %s, got %+v", id, status, s.Job(id))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// --- Tests ---

func TestRun_WithCleaning_WalksAllCheckpoints(t *testing.T) {
	r := &fakeRenderer{}
	h := newHarness(t, r, Options{})
	job := h.submit(t, sampleCSV(25), "csv", "heuristics", true)

	require.NoError(t, h.runner.Run(context.Background(), job.ID))

	updates := h.store.JobUpdates(job.ID)
	assert.Equal(t, []int{10, 30, 40, 60, 70, 90, 100}, progressOf(updates))
	assert.Equal(t, MsgLoading, updates[0].Message)
	assert.Equal(t, "Loaded 100 events from log.csv", updates[1].Message)
	assert.Equal(t, MsgCleaning, updates[2].Message)
	assert.Equal(t, "Cleaning complete. 100 events after cleaning.", updates[3].Message)
	assert.Equal(t, "Running Heuristics Miner...", updates[4].Message)
	assert.Equal(t, MsgRendering, updates[5].Message)

	done := h.store.Job(job.ID)
	assert.Equal(t, models.JobStatusDone, done.Status)
	assert.Equal(t, MsgComplete, done.Message)
	assert.Nil(t, done.ErrorMessage)
	require.NotNil(t, done.OutputImageKey)
	assert.Equal(t, "outputs/process_maps/2024/05/06/heuristics_job_1.svg", *done.OutputImageKey)
	require.NotNil(t, done.ModelKey)
	assert.Equal(t, "outputs/models/2024/05/06/heuristics_job_1.pnml", *done.ModelKey)
	assert.Equal(t, 100, done.Stats.NumEvents)
	assert.Equal(t, 25, done.Stats.NumCases)
	assert.Equal(t, 4, done.Stats.NumActivities)
	assert.Equal(t, 1, r.calls)

	rc, err := h.blobs.Get(context.Background(), *done.ModelKey)
	require.NoError(t, err)
	defer rc.Close()
	net, err := petri.DecodePNML(rc)
	require.NoError(t, err)
	assert.Equal(t, done.Stats.NumTransitions, net.Stats().Transitions)

	last := h.cache.last(job.ID)
	assert.Equal(t, models.JobStatusDone, last.snap.Status)
	assert.Equal(t, 100, last.snap.Progress)
	assert.Equal(t, *done.OutputImageKey, last.snap.ImageKey)
	assert.Equal(t, job.UserID, last.snap.UserID)
	assert.Equal(t, cache.TerminalJobTTL, last.ttl)
}

func TestRun_WithoutCleaning_SkipsCleaningCheckpoints(t *testing.T) {
	h := newHarness(t, &fakeRenderer{}, Options{})
	job := h.submit(t, sampleCSV(5), "csv", "alpha", false)

	require.NoError(t, h.runner.Run(context.Background(), job.ID))

	updates := h.store.JobUpdates(job.ID)
	assert.Equal(t, []int{10, 30, 70, 90, 100}, progressOf(updates))
	assert.Equal(t, "Running Alpha Miner...", updates[2].Message)
	assert.Equal(t, models.JobStatusDone, h.store.Job(job.ID).Status)
}

func TestRun_RenderFailure_CompletesWithoutImage(t *testing.T) {
	for name, r := range map[string]render.Renderer{
		"error": failingRenderer{},
		"panic": panickingRenderer{},
		"none":  nil,
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, r, Options{})
			job := h.submit(t, sampleCSV(5), "csv", "alpha", false)

			require.NoError(t, h.runner.Run(context.Background(), job.ID))

			done := h.store.Job(job.ID)
			assert.Equal(t, models.JobStatusDone, done.Status)
			assert.Equal(t, 100, done.Progress)
			assert.Nil(t, done.OutputImageKey)
			assert.Nil(t, done.OutputFormat)
			assert.NotNil(t, done.ModelKey)
			assert.Empty(t, h.cache.last(job.ID).snap.ImageKey)
		})
	}
}

func TestRun_ImageUploadFailure_CompletesWithoutImage(t *testing.T) {
	h := newHarness(t, &fakeRenderer{}, Options{})
	h.runner.blobs = failingBlob{Blob: h.blobs, failPrefix: "outputs/process_maps/"}
	job := h.submit(t, sampleCSV(5), "csv", "alpha", false)

	require.NoError(t, h.runner.Run(context.Background(), job.ID))

	done := h.store.Job(job.ID)
	assert.Equal(t, models.JobStatusDone, done.Status)
	assert.Nil(t, done.OutputImageKey)
	assert.NotNil(t, done.ModelKey)
}

func TestRun_ModelUploadFailure_FailsJob(t *testing.T) {
	h := newHarness(t, &fakeRenderer{}, Options{})
	h.runner.blobs = failingBlob{Blob: h.blobs, failPrefix: "outputs/models/"}
	job := h.submit(t, sampleCSV(5), "csv", "alpha", false)

	err := h.runner.Run(context.Background(), job.ID)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StagePersist, se.Stage)

	failed := h.store.Job(job.ID)
	assert.Equal(t, models.JobStatusError, failed.Status)
	assert.Contains(t, *failed.ErrorMessage, "bucket unavailable")
}

func TestRun_MissingColumns_FailsAtLoad(t *testing.T) {
	h := newHarness(t, &fakeRenderer{}, Options{})
	job := h.submit(t, []byte("foo,bar\n1,2\n3,4\n"), "csv", "alpha", false)

	err := h.runner.Run(context.Background(), job.ID)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageLoad, se.Stage)
	assert.ErrorIs(t, err, eventlog.ErrMissingColumn)

	failed := h.store.Job(job.ID)
	assert.Equal(t, models.JobStatusError, failed.Status)
	assert.Equal(t, 0, failed.Progress)
	assert.Equal(t, "Processing failed", failed.Message)
	require.NotNil(t, failed.ErrorMessage)
	assert.Contains(t, *failed.ErrorMessage, "load stage failed")
	assert.Nil(t, failed.OutputImageKey)

	last := h.cache.last(job.ID)
	assert.Equal(t, models.JobStatusError, last.snap.Status)
	assert.Equal(t, *failed.ErrorMessage, last.snap.ErrorMessage)
}

func TestRun_UnsupportedFormat_Fails(t *testing.T) {
	h := newHarness(t, &fakeRenderer{}, Options{})
	job := h.submit(t, []byte("whatever"), "txt", "alpha", false)

	require.Error(t, h.runner.Run(context.Background(), job.ID))

	failed := h.store.Job(job.ID)
	assert.Equal(t, models.JobStatusError, failed.Status)
	assert.Contains(t, *failed.ErrorMessage, "unsupported event log format")
}

func TestRun_PanicInStage_RecordsStack(t *testing.T) {
	h := newHarness(t, &fakeRenderer{}, Options{})
	h.stages.Cleaner = panickingCleaner{}
	job := h.submit(t, sampleCSV(3), "csv", "alpha", true)

	err := h.runner.Run(context.Background(), job.ID)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageClean, se.Stage)
	assert.NotEmpty(t, se.Stack)

	failed := h.store.Job(job.ID)
	assert.Equal(t, models.JobStatusError, failed.Status)
	assert.Contains(t, *failed.ErrorMessage, "panic: index out of range")
	assert.Contains(t, *failed.ErrorMessage, "goroutine")
}

func TestRun_JobNotPending_LeavesItUntouched(t *testing.T) {
	h := newHarness(t, &fakeRenderer{}, Options{})
	job := h.submit(t, sampleCSV(3), "csv", "alpha", false)
	require.NoError(t, h.store.UpdateJobStatus(context.Background(), job.ID, models.JobStatusRunning, store.WithProgress(10, MsgLoading)))
	before := len(h.store.Updates())

	err := h.runner.Run(context.Background(), job.ID)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
	assert.Len(t, h.store.Updates(), before)
	assert.Equal(t, models.JobStatusRunning, h.store.Job(job.ID).Status)
}

func TestRun_UnknownJob(t *testing.T) {
	h := newHarness(t, &fakeRenderer{}, Options{})
	assert.ErrorIs(t, h.runner.Run(context.Background(), 999), store.ErrNotFound)
}

func TestDispatch_RunsInBackground(t *testing.T) {
	h := newHarness(t, &fakeRenderer{}, Options{})
	job := h.submit(t, sampleCSV(5), "csv", "heuristics", false)

	require.NoError(t, h.runner.Dispatch(job.ID))

	done := waitForStatus(t, h.store, job.ID, models.JobStatusDone)
	assert.Equal(t, 100, done.Progress)
}

func TestDispatch_AtMostOnce_AndShutdownCancels(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := newBlockingRenderer()
	h := newHarness(t, r, Options{})
	job := h.submit(t, sampleCSV(5), "csv", "alpha", false)

	require.NoError(t, h.runner.Dispatch(job.ID))
	<-r.started
	assert.Equal(t, 1, h.runner.InFlight())
	assert.ErrorIs(t, h.runner.Dispatch(job.ID), ErrAlreadyDispatched)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.runner.Shutdown(ctx))

	failed := h.store.Job(job.ID)
	assert.Equal(t, models.JobStatusError, failed.Status)
	require.NotNil(t, failed.ErrorMessage)
	assert.True(t, strings.HasPrefix(*failed.ErrorMessage, "job cancelled: "), *failed.ErrorMessage)
	assert.Equal(t, 0, h.runner.InFlight())

	assert.ErrorIs(t, h.runner.Dispatch(job.ID), ErrClosed)
}

func TestRun_Timeout_FailsJob(t *testing.T) {
	h := newHarness(t, newBlockingRenderer(), Options{JobTimeout: 50 * time.Millisecond})
	job := h.submit(t, sampleCSV(5), "csv", "alpha", false)

	require.Error(t, h.runner.Run(context.Background(), job.ID))

	failed := h.store.Job(job.ID)
	assert.Equal(t, models.JobStatusError, failed.Status)
	assert.Contains(t, *failed.ErrorMessage, "job cancelled")
	assert.Contains(t, *failed.ErrorMessage, "deadline exceeded")
}

func TestRun_CancelledBeforeStart_ClosesOutJob(t *testing.T) {
	h := newHarness(t, &fakeRenderer{}, Options{})
	job := h.submit(t, sampleCSV(5), "csv", "alpha", false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.runner.Run(ctx, job.ID)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageStart, se.Stage)

	failed := h.store.Job(job.ID)
	assert.Equal(t, models.JobStatusError, failed.Status)
	require.NotNil(t, failed.ErrorMessage)
	assert.True(t, strings.HasPrefix(*failed.ErrorMessage, "job cancelled: start stage failed"), *failed.ErrorMessage)
	assert.Equal(t, models.JobStatusError, h.cache.last(job.ID).snap.Status)
}

func TestDispatch_ShutdownRightAway_NeverLeavesJobPending(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t, &fakeRenderer{}, Options{})
		job := h.submit(t, sampleCSV(5), "csv", "alpha", false)

		require.NoError(t, h.runner.Dispatch(job.ID))
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		require.NoError(t, h.runner.Shutdown(ctx))
		cancel()

		got := h.store.Job(job.ID)
		assert.True(t, got.IsTerminal(), "run %d left job %s at %d", i, got.Status, got.Progress)
	}
}

func TestRun_PanicBeforeStart_NamesStartStage(t *testing.T) {
	h := newHarness(t, &fakeRenderer{}, Options{})
	h.runner.store = panickingStore{MemStore: h.store}
	job := h.submit(t, sampleCSV(3), "csv", "alpha", false)

	err := h.runner.Run(context.Background(), job.ID)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageStart, se.Stage)
	assert.NotEmpty(t, se.Stack)

	failed := h.store.Job(job.ID)
	assert.Equal(t, models.JobStatusError, failed.Status)
	assert.Contains(t, *failed.ErrorMessage, "start stage failed: panic: nil pointer dereference")
}

func TestRun_TerminalSnapshotFailure_DropsCachedStatus(t *testing.T) {
	for name, data := range map[string][]byte{
		"done":  sampleCSV(5),
		"error": []byte("foo,bar\n1,2\n"),
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, &fakeRenderer{}, Options{})
			h.cache.failTerminal = true
			job := h.submit(t, data, "csv", "alpha", false)

			_ = h.runner.Run(context.Background(), job.ID)

			assert.Equal(t, name, h.store.Job(job.ID).Status)
			_, ok, err := h.cache.GetJobStatus(context.Background(), job.ID)
			require.NoError(t, err)
			assert.False(t, ok, "a running snapshot must not outlive the terminal write")
			assert.Contains(t, h.cache.deletedKeys(), cache.JobStatusKey(job.ID))
		})
	}
}

func TestRun_SnapshotsUseRunnerClock(t *testing.T) {
	clock := time.Date(2024, 7, 1, 9, 30, 0, 0, time.FixedZone("CEST", 2*60*60))
	h := newHarness(t, &fakeRenderer{}, Options{Now: func() time.Time { return clock }})
	job := h.submit(t, sampleCSV(5), "csv", "alpha", false)

	require.NoError(t, h.runner.Run(context.Background(), job.ID))

	h.cache.mu.Lock()
	defer h.cache.mu.Unlock()
	require.NotEmpty(t, h.cache.snaps[job.ID])
	for _, s := range h.cache.snaps[job.ID] {
		assert.Equal(t, clock.UTC(), s.snap.UpdatedAt)
	}
}

func TestRecover_ClosesOutInterruptedJobs(t *testing.T) {
	h := newHarness(t, &fakeRenderer{}, Options{})
	ctx := context.Background()
	pending := h.submit(t, sampleCSV(5), "csv", "alpha", false)
	running := h.submit(t, sampleCSV(5), "csv", "alpha", false)
	require.NoError(t, h.store.UpdateJobStatus(ctx, running.ID, models.JobStatusRunning, store.WithProgress(10, MsgLoading)))
	require.NoError(t, h.cache.SetJobStatus(ctx, running.ID, cache.JobSnapshot{
		UserID: running.UserID, Status: models.JobStatusRunning, Progress: 10, Message: MsgLoading,
	}, cache.ActiveJobTTL))
	done := h.submit(t, sampleCSV(5), "csv", "alpha", false)
	require.NoError(t, h.runner.Run(ctx, done.ID))

	ids, err := h.runner.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{pending.ID, running.ID}, ids)

	for _, id := range ids {
		j := h.store.Job(id)
		assert.Equal(t, models.JobStatusError, j.Status)
		require.NotNil(t, j.ErrorMessage)
		assert.Equal(t, MsgInterrupted, *j.ErrorMessage)
		_, ok, _ := h.cache.GetJobStatus(ctx, id)
		assert.False(t, ok)
	}
	assert.Equal(t, models.JobStatusDone, h.store.Job(done.ID).Status)
}
