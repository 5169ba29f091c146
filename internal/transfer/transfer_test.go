package transfer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go-batch-download/internal/downloader"
	"go-batch-download/internal/models"
	"go-batch-download/internal/resolver"
	"go-batch-download/internal/upstream"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to models.State
		want     bool
	}{
		{models.StateQueued, models.StateResolving, true},
		{models.StateQueued, models.StateTransferring, false},
		{models.StateResolving, models.StateTransferring, true},
		{models.StateResolving, models.StateQueued, true},
		{models.StateTransferring, models.StateCompleted, true},
		{models.StateTransferring, models.StateQueued, true},
		{models.StatePaused, models.StateQueued, true},
		{models.StatePaused, models.StateTransferring, false},
		{models.StateQueued, models.StateCancelled, true},
		{models.StatePaused, models.StateCancelled, true},
		{models.StateCompleted, models.StateCancelled, false},
		{models.StateFailed, models.StateQueued, false},
		{models.StateCancelled, models.StatePaused, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTransition_Bookkeeping(t *testing.T) {
	now := time.Date(2025, 7, 20, 0, 0, 0, 0, time.UTC)
	job := &models.Job{State: models.StateTransferring}

	require.NoError(t, Transition(job, models.StatePaused, now))
	assert.Equal(t, models.StateTransferring, job.PausedFrom)

	require.NoError(t, Transition(job, models.StateQueued, now))
	assert.Empty(t, job.PausedFrom)

	require.NoError(t, Transition(job, models.StateCancelled, now))
	assert.Equal(t, now, job.FinishedAt)

	err := Transition(job, models.StateQueued, now)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, models.StateCancelled, job.State)
}

func TestBackoff(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 10 * time.Second, MaxAttempts: 5}
	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, 2*time.Second, b.Delay(1))
	assert.Equal(t, 8*time.Second, b.Delay(3))
	assert.Equal(t, 10*time.Second, b.Delay(4))

	assert.False(t, b.Exhausted(4))
	assert.True(t, b.Exhausted(5))

	b.Jitter = 0.5
	b.Rand = func() float64 { return 0 }
	assert.Equal(t, 1*time.Second, b.Delay(1))
	b.Rand = func() float64 { return 0.75 }
	assert.Equal(t, 2500*time.Millisecond, b.Delay(1))
}

func TestSpeedWindow(t *testing.T) {
	start := time.Date(2025, 7, 20, 0, 0, 0, 0, time.UTC)
	s := NewSpeedWindow(5 * time.Second)
	assert.Zero(t, s.Rate(start))

	for i := 0; i <= 10; i++ {
		s.Add(start.Add(time.Duration(i)*time.Second), int64(i)*1000)
	}
	assert.InDelta(t, 1000, s.Rate(start.Add(10*time.Second)), 0.001)

	// A spike in the last second is averaged out over the window.
	s.Add(start.Add(11*time.Second), 16000)
	assert.InDelta(t, 2000, s.Rate(start.Add(11*time.Second)), 0.001)

	// Restart from zero forgets history.
	s.Add(start.Add(12*time.Second), 0)
	assert.Zero(t, s.Rate(start.Add(12*time.Second)))
}

type fakeResolver struct {
	meta models.FileMetadata
	errs []error // consumed one per call
}

func (f *fakeResolver) Resolve(ctx context.Context, loc models.Locator) (models.FileMetadata, error) {
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return models.FileMetadata{}, err
		}
	}
	return f.meta, nil
}

type fakeTransferer struct {
	onDisk    int64
	transfer  func(ctx context.Context, req downloader.Request, onDisk *int64) error
	finalize  error
	discarded int
}

func (f *fakeTransferer) Transfer(ctx context.Context, req downloader.Request) (downloader.Result, error) {
	if req.OnStart != nil {
		req.OnStart(f.onDisk, false)
	}
	if err := f.transfer(ctx, req, &f.onDisk); err != nil {
		return downloader.Result{}, err
	}
	return downloader.Result{Bytes: f.onDisk, Total: req.Expected}, nil
}

func (f *fakeTransferer) Finalize(jobID string, meta models.FileMetadata) (string, error) {
	if f.finalize != nil {
		return "", f.finalize
	}
	return "/downloads/" + meta.Name, nil
}

func (f *fakeTransferer) Discard(jobID string) {
	f.discarded++
	f.onDisk = 0
}

func (f *fakeTransferer) Acknowledged(jobID string) int64 { return f.onDisk }

// writeChunks reports n chunks of size bytes each, checking ctx in between.
func writeChunks(n int, size int64) func(context.Context, downloader.Request, *int64) error {
	return func(ctx context.Context, req downloader.Request, onDisk *int64) error {
		for i := 0; i < n; i++ {
			if err := context.Cause(ctx); err != nil {
				return err
			}
			*onDisk += size
			req.OnProgress(*onDisk)
		}
		return nil
	}
}

type recorder struct {
	states   []models.State
	progress []int64
}

func (r *recorder) StateChanged(job models.Job)          { r.states = append(r.states, job.State) }
func (r *recorder) Progress(job models.Job, speed float64) { r.progress = append(r.progress, job.BytesTransferred) }

func newExecutor(res Resolver, tr Transferer) *Executor {
	return &Executor{
		Resolver:    res,
		Transferer:  tr,
		Backoff:     Backoff{Base: time.Second, Max: 30 * time.Second, MaxAttempts: 5},
		Clock:       clock.NewMock(),
		SpeedWindow: DefaultSpeedWindow,
	}
}

func newJob() *models.Job {
	return &models.Job{
		ID:      "job-1",
		BatchID: "batch-1",
		Locator: models.Locator{Raw: "https://terabox.com/s/abc", Normalized: "https://terabox.com/s/abc"},
		State:   models.StateQueued,
	}
}

var meta100 = models.FileMetadata{Name: "file.bin", Size: 100, DownloadURL: "https://d.terabox.com/abc"}

func TestExecute_Completes(t *testing.T) {
	tr := &fakeTransferer{transfer: writeChunks(10, 10)}
	e := newExecutor(&fakeResolver{meta: meta100}, tr)
	job, rec := newJob(), &recorder{}

	out := e.Execute(context.Background(), job, rec)
	assert.Equal(t, OutcomeCompleted, out.Kind)
	assert.Equal(t, models.StateCompleted, job.State)
	assert.Equal(t, int64(100), job.BytesTransferred)
	assert.Equal(t, int64(100), job.TotalBytes)
	assert.Equal(t, "/downloads/file.bin", job.OutputPath)
	assert.Equal(t, []models.State{models.StateResolving, models.StateTransferring, models.StateCompleted}, rec.states)
	assert.IsNonDecreasing(t, rec.progress)
}

func TestExecute_ResolutionRetriesExhausted(t *testing.T) {
	unavailable := fmt.Errorf("%w: 503", resolver.ErrUpstreamUnavailable)
	res := &fakeResolver{errs: []error{unavailable, unavailable, unavailable, unavailable, unavailable}}
	e := newExecutor(res, &fakeTransferer{})
	job := newJob()

	var delays []time.Duration
	for i := 0; i < 4; i++ {
		out := e.Execute(context.Background(), job, &recorder{})
		require.Equal(t, OutcomeRetry, out.Kind)
		require.Equal(t, models.StateQueued, job.State)
		delays = append(delays, out.Delay)
	}
	out := e.Execute(context.Background(), job, &recorder{})

	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t, models.StateFailed, job.State)
	assert.Equal(t, 5, job.RetryCount)
	assert.Equal(t, CodeUpstreamUnavailable, job.LastErrorCode)
	assert.ErrorIs(t, out.Err, resolver.ErrUpstreamUnavailable)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, delays)
}

func TestExecute_InvalidLocatorFailsImmediately(t *testing.T) {
	res := &fakeResolver{errs: []error{fmt.Errorf("%w: 404", resolver.ErrInvalidLocator)}}
	e := newExecutor(res, &fakeTransferer{})
	job := newJob()

	out := e.Execute(context.Background(), job, &recorder{})
	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t, 0, job.RetryCount)
	assert.Equal(t, CodeInvalidLocator, job.LastErrorCode)
}

func TestExecute_ResumableRetryKeepsOffset(t *testing.T) {
	tr := &fakeTransferer{}
	tr.transfer = func(ctx context.Context, req downloader.Request, onDisk *int64) error {
		*onDisk += 40
		req.OnProgress(*onDisk)
		return errors.New("connection reset by peer")
	}
	e := newExecutor(&fakeResolver{meta: meta100}, tr)
	job := newJob()

	out := e.Execute(context.Background(), job, &recorder{})
	require.Equal(t, OutcomeRetry, out.Kind)
	assert.Equal(t, int64(40), job.BytesTransferred)
	assert.Equal(t, 1, job.RetryCount)
	assert.Equal(t, CodeIOError, job.LastErrorCode)

	tr.transfer = writeChunks(6, 10)
	out = e.Execute(context.Background(), job, &recorder{})
	assert.Equal(t, OutcomeCompleted, out.Kind)
	assert.Equal(t, int64(100), job.BytesTransferred)
	assert.Empty(t, job.LastError)
}

func TestExecute_PauseKeepsProgress(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	tr := &fakeTransferer{}
	tr.transfer = func(c context.Context, req downloader.Request, onDisk *int64) error {
		*onDisk = 30
		req.OnProgress(*onDisk)
		cancel(ErrPaused)
		return context.Cause(c)
	}
	e := newExecutor(&fakeResolver{meta: meta100}, tr)
	job := newJob()

	out := e.Execute(ctx, job, &recorder{})
	assert.Equal(t, OutcomePaused, out.Kind)
	assert.Equal(t, models.StatePaused, job.State)
	assert.Equal(t, models.StateTransferring, job.PausedFrom)
	assert.Equal(t, int64(30), job.BytesTransferred)
	assert.Equal(t, 0, job.RetryCount)
	assert.Zero(t, tr.discarded)
}

func TestExecute_CancelDiscards(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	tr := &fakeTransferer{}
	tr.transfer = func(c context.Context, req downloader.Request, onDisk *int64) error {
		*onDisk = 30
		cancel(ErrCancelled)
		return context.Cause(c)
	}
	e := newExecutor(&fakeResolver{meta: meta100}, tr)
	job := newJob()

	out := e.Execute(ctx, job, &recorder{})
	assert.Equal(t, OutcomeCancelled, out.Kind)
	assert.Equal(t, models.StateCancelled, job.State)
	assert.Equal(t, 1, tr.discarded)
	assert.Zero(t, job.BytesTransferred)
}

func TestExecute_IntegrityFailure(t *testing.T) {
	tr := &fakeTransferer{transfer: writeChunks(10, 10), finalize: fmt.Errorf("%w: sha256 mismatch", downloader.ErrIntegrity)}
	e := newExecutor(&fakeResolver{meta: meta100}, tr)
	job := newJob()

	out := e.Execute(context.Background(), job, &recorder{})
	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t, CodeIntegrity, job.LastErrorCode)
	assert.Equal(t, 0, job.RetryCount)
	assert.Equal(t, 1, tr.discarded)
}

func TestExecute_TimeoutIsUpstreamUnavailable(t *testing.T) {
	tr := &fakeTransferer{transfer: func(ctx context.Context, req downloader.Request, onDisk *int64) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	e := newExecutor(&fakeResolver{meta: meta100}, tr)
	e.TransferTimeout = time.Millisecond
	job := newJob()

	out := e.Execute(context.Background(), job, &recorder{})
	assert.Equal(t, OutcomeRetry, out.Kind)
	assert.ErrorIs(t, out.Err, resolver.ErrUpstreamUnavailable)
	assert.Equal(t, CodeUpstreamUnavailable, job.LastErrorCode)
}

func TestExecute_PanicIsTransient(t *testing.T) {
	tr := &fakeTransferer{transfer: func(context.Context, downloader.Request, *int64) error {
		panic("nil map write")
	}}
	e := newExecutor(&fakeResolver{meta: meta100}, tr)
	job := newJob()

	out := e.Execute(context.Background(), job, &recorder{})
	assert.Equal(t, OutcomeRetry, out.Kind)
	assert.Equal(t, models.StateQueued, job.State)
	assert.Equal(t, 1, job.RetryCount)
	assert.Equal(t, CodeWorkerFault, job.LastErrorCode)
}

func TestExecute_ChangedUpstreamRestarts(t *testing.T) {
	tr := &fakeTransferer{onDisk: 50, transfer: writeChunks(20, 10)}
	e := newExecutor(&fakeResolver{meta: models.FileMetadata{Name: "f", Size: 200, DownloadURL: "u"}}, tr)
	job := newJob()
	job.Metadata = &meta100
	job.BytesTransferred = 50

	out := e.Execute(context.Background(), job, &recorder{})
	assert.Equal(t, OutcomeCompleted, out.Kind)
	assert.Equal(t, 1, tr.discarded)
	assert.Equal(t, int64(200), job.BytesTransferred)
}

// unsizedTransferer reports the real size only once the body has ended.
type unsizedTransferer struct{ *fakeTransferer }

func (u unsizedTransferer) Transfer(ctx context.Context, req downloader.Request) (downloader.Result, error) {
	res, err := u.fakeTransferer.Transfer(ctx, req)
	res.Total = res.Bytes
	return res, err
}

type snapshotRecorder struct {
	recorder
	first *models.Job
}

func (r *snapshotRecorder) Progress(job models.Job, speed float64) {
	if r.first == nil {
		r.first = &job
	}
	r.recorder.Progress(job, speed)
}

func TestExecute_UnknownSizeLeavesPublishedSnapshots(t *testing.T) {
	tr := unsizedTransferer{&fakeTransferer{transfer: writeChunks(5, 10)}}
	e := newExecutor(&fakeResolver{meta: models.FileMetadata{Name: "file.bin", Size: -1, DownloadURL: "u"}}, tr)
	job, rec := newJob(), &snapshotRecorder{}

	out := e.Execute(context.Background(), job, rec)
	require.Equal(t, OutcomeCompleted, out.Kind)
	assert.Equal(t, int64(50), job.TotalBytes)
	assert.Equal(t, int64(50), job.Metadata.Size)

	require.NotNil(t, rec.first)
	require.NotNil(t, rec.first.Metadata)
	assert.Equal(t, int64(-1), rec.first.TotalBytes)
	assert.Equal(t, int64(-1), rec.first.Metadata.Size)
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("%w: 404", resolver.ErrInvalidLocator), CodeInvalidLocator},
		{fmt.Errorf("wrapped: %w", upstream.ErrUnavailable), CodeUpstreamUnavailable},
		{context.DeadlineExceeded, CodeUpstreamUnavailable},
		{fmt.Errorf("%w: sha256", downloader.ErrIntegrity), CodeIntegrity},
		{errors.New("disk full"), CodeIOError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorCode(tt.err), "%v", tt.err)
	}
}
