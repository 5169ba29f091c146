// Package service is the caller-facing API of the download orchestrator.
// It owns job records and wires the queue, governor, worker pool,
// executor, persistence and notifications together.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go-batch-download/index"
	"go-batch-download/internal/downloader"
	"go-batch-download/internal/governor"
	"go-batch-download/internal/models"
	"go-batch-download/internal/pool"
	"go-batch-download/internal/progress"
	"go-batch-download/internal/queue"
	"go-batch-download/internal/resolver"
	"go-batch-download/internal/transfer"
	"go-batch-download/internal/upstream"
	"go-batch-download/internal/webhook"

	"github.com/benbjohnson/clock"
	"github.com/blevesearch/bleve/v2"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Store persists job and batch records.
type Store interface {
	PutJob(job models.Job) error
	PutBatch(batch models.Batch) error
	DeleteBatch(batch models.Batch) error
	LoadAll() ([]models.Batch, []models.Job, error)
}

// Notifier delivers batch completion callbacks.
type Notifier interface {
	Notify(ctx context.Context, url string, batch models.Batch, status models.BatchStatus)
	Wait()
}

// Deps are the collaborators of a Service. Store is required; the rest
// are built from configuration when nil.
type Deps struct {
	Store      Store
	Index      bleve.Index
	Clock      clock.Clock
	HTTPClient *http.Client
	Notifier   Notifier
}

// SubmitOptions apply to every job of a submission.
type SubmitOptions struct {
	Priority    models.Priority
	CallbackURL string
}

// SearchHit is one history search result.
type SearchHit struct {
	JobID  string                 `json:"job_id"`
	Score  float64                `json:"score"`
	Fields map[string]interface{} `json:"fields"`
}

// record holds one job. While a worker executes the job it owns its own
// copy and publishes snapshots; job is only written back when the run ends.
type record struct {
	snap atomic.Pointer[models.JobSnapshot]

	mu         sync.Mutex
	job        models.Job
	running    bool
	cancel     context.CancelCauseFunc
	done       chan struct{}
	retryTimer *clock.Timer
}

// Service implements the download orchestration operations.
type Service struct {
	cfg      *models.Config
	clock    clock.Clock
	store    Store
	index    bleve.Index
	grammar  *resolver.Grammar
	queue    *queue.Queue
	governor *governor.Governor
	dl       *downloader.Downloader
	executor *transfer.Executor
	pool     *pool.Pool
	feed     *progress.Feed
	agg      *progress.Aggregator
	notifier Notifier

	flushEvery time.Duration
	retention  time.Duration

	mu      sync.Mutex
	jobs    map[string]*record
	batches map[string]*models.Batch

	runCtx  context.Context
	stop    context.CancelFunc
	bg      sync.WaitGroup
	started bool

	// Webhooks outlive runCtx so Stop can drain them.
	notifyCtx    context.Context
	notifyStop   context.CancelFunc
	webhookDrain time.Duration
}

// New wires a service from configuration. Call Start to restore persisted
// work and begin processing.
func New(cfg *models.Config, deps Deps) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("service: a store is required")
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}

	grammar, err := resolver.NewGrammar(cfg.Provider)
	if err != nil {
		return nil, err
	}
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: time.Duration(cfg.UpstreamTimeoutSec) * time.Second}
	}
	client := upstream.NewClient(httpClient)

	backoff := transfer.Backoff{
		Base:        time.Duration(cfg.RetryBaseMs) * time.Millisecond,
		Max:         time.Duration(cfg.RetryMaxMs) * time.Millisecond,
		MaxAttempts: cfg.RetryMaxAttempts,
		Jitter:      0.2,
	}

	s := &Service{
		cfg:          cfg,
		clock:        clk,
		store:        deps.Store,
		index:        deps.Index,
		grammar:      grammar,
		queue:        queue.New(cfg.QueueCapacity),
		governor:     governor.New(cfg, clk),
		dl:           downloader.NewDownloader(client, cfg.SavePath, cfg.ChunkSize),
		feed:         progress.NewFeed(),
		notifier:     deps.Notifier,
		flushEvery:   time.Duration(cfg.ProgressFlushMs) * time.Millisecond,
		retention:    time.Duration(cfg.RetentionHours) * time.Hour,
		webhookDrain: time.Duration(cfg.WebhookDrainSec) * time.Second,
		jobs:         make(map[string]*record),
		batches:      make(map[string]*models.Batch),
	}
	if s.webhookDrain <= 0 {
		s.webhookDrain = 30 * time.Second
	}
	if s.notifier == nil {
		s.notifier = webhook.NewSender(cfg.WebhookSecret, time.Duration(cfg.WebhookTimeoutSec)*time.Second, backoff, clk)
	}
	s.executor = &transfer.Executor{
		Resolver:        resolver.New(grammar, client, clk),
		Transferer:      s.dl,
		Backoff:         backoff,
		Clock:           clk,
		ResolveTimeout:  time.Duration(cfg.ResolveTimeoutSec) * time.Second,
		TransferTimeout: time.Duration(cfg.TransferTimeoutSec) * time.Second,
		SpeedWindow:     transfer.DefaultSpeedWindow,
	}
	s.agg = progress.NewAggregator(clk, s.batchFinished)
	s.pool = pool.New(s.queue, s.governor, s.run, cfg.Workers, time.Duration(cfg.PollIntervalMs)*time.Millisecond, clk)
	s.pool.OnPanic = s.recoverRun
	return s, nil
}

func (s *Service) now() time.Time { return s.clock.Now().UTC() }

// Start restores persisted work, then starts the worker pool and the
// retention sweep.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.runCtx, s.stop = context.WithCancel(ctx)
	s.notifyCtx, s.notifyStop = context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Unlock()

	if err := s.restore(); err != nil {
		return err
	}
	s.pool.Start(s.runCtx)

	if s.retention > 0 && s.cfg.SweepIntervalSec > 0 {
		s.bg.Add(1)
		go s.sweepLoop(time.Duration(s.cfg.SweepIntervalSec) * time.Second)
	}
	return nil
}

// Stop halts the pool. Running jobs are put back to Queued and persisted
// so they resume on the next Start.
func (s *Service) Stop() {
	s.mu.Lock()
	stop := s.stop
	records := make([]*record, 0, len(s.jobs))
	for _, rec := range s.jobs {
		records = append(records, rec)
	}
	s.mu.Unlock()
	if stop == nil {
		return
	}
	stop()
	s.pool.Wait()
	s.bg.Wait()
	for _, rec := range records {
		rec.mu.Lock()
		if rec.retryTimer != nil {
			rec.retryTimer.Stop()
			rec.retryTimer = nil
		}
		rec.mu.Unlock()
	}
	s.drainNotifications()
	log.Info("Download service stopped")
}

// drainNotifications lets pending webhook deliveries, retries included,
// run for up to webhookDrain before cancelling them.
func (s *Service) drainNotifications() {
	drained := make(chan struct{})
	go func() {
		s.notifier.Wait()
		close(drained)
	}()
	grace := time.NewTimer(s.webhookDrain)
	defer grace.Stop()
	select {
	case <-drained:
	case <-grace.C:
		log.Warnf("Webhook deliveries still pending after %s, cancelling", s.webhookDrain)
		s.notifyStop()
		<-drained
	}
	s.notifyStop()
}

// restore loads persisted records. Jobs caught mid-flight go back to the
// queue with the bytes already on disk.
func (s *Service) restore() error {
	batches, jobs, err := s.store.LoadAll()
	if err != nil {
		return fmt.Errorf("restoring state: %w", err)
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })

	s.mu.Lock()
	for i := range batches {
		b := batches[i]
		s.batches[b.ID] = &b
	}
	var requeue []*record
	for _, job := range jobs {
		if job.State.IsActive() {
			log.WithField("job", job.ID).Infof("Restoring interrupted job from %s", job.State)
			job.State = models.StateQueued
			job.BytesTransferred = s.dl.Acknowledged(job.ID)
			job.UpdatedAt = s.now()
			if err := s.store.PutJob(job); err != nil {
				log.WithError(err).Errorf("Failed to persist restored job %s", job.ID)
			}
		}
		rec := &record{job: job}
		s.publishSnapshot(rec, job, 0)
		s.jobs[job.ID] = rec
		if job.State == models.StateQueued {
			requeue = append(requeue, rec)
		}
	}
	s.mu.Unlock()

	for _, rec := range requeue {
		s.enqueue(rec)
	}
	log.Infof("Restored %d batches and %d jobs (%d queued)", len(batches), len(jobs), len(requeue))

	// Batches that finished just before a crash still owe a notification.
	for id := range s.batchIDs() {
		s.checkBatch(id)
	}
	return nil
}

func (s *Service) batchIDs() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make(map[string]struct{}, len(s.batches))
	for id := range s.batches {
		ids[id] = struct{}{}
	}
	return ids
}

// SubmitSingle creates a one-job batch and returns the job.
func (s *Service) SubmitSingle(ctx context.Context, callerID, locator string, opts SubmitOptions) (models.Job, error) {
	batch, err := s.SubmitBatch(ctx, callerID, []string{locator}, opts)
	if err != nil {
		return models.Job{}, err
	}
	snap, err := s.JobStatus(batch.JobIDs[0])
	return snap.Job, err
}

// SubmitBatch validates every locator and enqueues all of them, or
// creates nothing at all.
func (s *Service) SubmitBatch(ctx context.Context, callerID string, locators []string, opts SubmitOptions) (models.Batch, error) {
	if err := ctx.Err(); err != nil {
		return models.Batch{}, err
	}
	if len(locators) == 0 {
		return models.Batch{}, ErrEmptyBatch
	}
	limits := s.governor.Limits(callerID)
	if limits.MaxJobsPerBatch > 0 && len(locators) > limits.MaxJobsPerBatch {
		return models.Batch{}, fmt.Errorf("%w: %d locators, limit is %d", ErrBatchLimitExceeded, len(locators), limits.MaxJobsPerBatch)
	}

	parsed := make([]models.Locator, len(locators))
	for i, raw := range locators {
		loc, err := s.grammar.ParseLocator(raw)
		if err != nil {
			return models.Batch{}, &InvalidLocatorError{Index: i, Locator: raw, Err: err}
		}
		parsed[i] = loc
	}

	now := s.now()
	batch := models.Batch{
		ID:          uuid.NewString(),
		CallerID:    callerID,
		CreatedAt:   now,
		CallbackURL: opts.CallbackURL,
	}
	records := make([]*record, len(parsed))
	entries := make([]queue.Entry, len(parsed))
	for i, loc := range parsed {
		job := models.Job{
			ID:         uuid.NewString(),
			BatchID:    batch.ID,
			CallerID:   callerID,
			Locator:    loc,
			Priority:   opts.Priority,
			State:      models.StateQueued,
			TotalBytes: -1,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		batch.JobIDs = append(batch.JobIDs, job.ID)
		records[i] = &record{job: job}
		s.publishSnapshot(records[i], job, 0)
		entries[i] = queue.Entry{JobID: job.ID, CallerID: callerID, Priority: opts.Priority}
	}

	// Register before enqueueing so a worker never sees an unknown job.
	s.mu.Lock()
	s.batches[batch.ID] = &batch
	for _, rec := range records {
		s.jobs[rec.job.ID] = rec
	}
	s.mu.Unlock()

	if err := s.persistBatch(batch, records); err != nil {
		s.unregister(batch)
		return models.Batch{}, err
	}
	if err := s.queue.EnqueueBatch(entries, limits.MaxJobsPerBatch); err != nil {
		s.unregister(batch)
		return models.Batch{}, err
	}
	s.afterSubmit(batch, records)
	return batch, nil
}

func (s *Service) persistBatch(batch models.Batch, records []*record) error {
	for _, rec := range records {
		if err := s.store.PutJob(rec.job); err != nil {
			return fmt.Errorf("persisting job %s: %w", rec.job.ID, err)
		}
	}
	if err := s.store.PutBatch(batch); err != nil {
		return fmt.Errorf("persisting batch %s: %w", batch.ID, err)
	}
	return nil
}

func (s *Service) unregister(batch models.Batch) {
	s.mu.Lock()
	delete(s.batches, batch.ID)
	for _, id := range batch.JobIDs {
		delete(s.jobs, id)
	}
	s.mu.Unlock()
	if err := s.store.DeleteBatch(batch); err != nil {
		log.WithError(err).Errorf("Failed to roll back batch %s", batch.ID)
	}
}

func (s *Service) afterSubmit(batch models.Batch, records []*record) {
	log.WithFields(log.Fields{"batch": batch.ID, "caller": batch.CallerID, "jobs": len(records)}).Info("Batch accepted")
	for _, rec := range records {
		s.indexJob(rec.job)
		s.feed.Publish(models.Event{
			Type:      models.EventJobState,
			JobID:     rec.job.ID,
			BatchID:   batch.ID,
			State:     models.StateQueued,
			Job:       rec.snap.Load(),
			Timestamp: batch.CreatedAt,
		})
	}
}

func (s *Service) record(jobID string) (*record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	return rec, nil
}

// JobStatus returns the latest snapshot of a job.
func (s *Service) JobStatus(jobID string) (models.JobSnapshot, error) {
	rec, err := s.record(jobID)
	if err != nil {
		return models.JobSnapshot{}, err
	}
	return *rec.snap.Load(), nil
}

// Jobs lists a caller's jobs, newest first.
func (s *Service) Jobs(callerID string) []models.JobSnapshot {
	s.mu.Lock()
	out := make([]models.JobSnapshot, 0)
	for _, rec := range s.jobs {
		if snap := rec.snap.Load(); snap.CallerID == callerID {
			out = append(out, *snap)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Batch returns a batch record.
func (s *Service) Batch(batchID string) (models.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return models.Batch{}, fmt.Errorf("%w: batch %s", ErrNotFound, batchID)
	}
	return *b, nil
}

// BatchStatus aggregates a batch's jobs.
func (s *Service) BatchStatus(batchID string) (models.BatchStatus, error) {
	if _, err := s.Batch(batchID); err != nil {
		return models.BatchStatus{}, err
	}
	return s.checkBatch(batchID), nil
}

// checkBatch computes a batch's status and fires the completion
// notification the first time it is done.
func (s *Service) checkBatch(batchID string) models.BatchStatus {
	s.mu.Lock()
	b, ok := s.batches[batchID]
	if !ok {
		s.mu.Unlock()
		return models.BatchStatus{BatchID: batchID}
	}
	snaps := make([]models.JobSnapshot, 0, len(b.JobIDs))
	for _, id := range b.JobIDs {
		if rec, ok := s.jobs[id]; ok {
			snaps = append(snaps, *rec.snap.Load())
		}
	}
	status := progress.BatchStatus(*b, snaps, s.now())

	fired := status.Done && s.agg.Observe(b, status)
	batch := *b
	s.mu.Unlock()

	if fired {
		if err := s.store.PutBatch(batch); err != nil {
			log.WithError(err).Errorf("Failed to persist notification time for batch %s", batch.ID)
		}
	}
	return status
}

// batchFinished runs once per batch, from inside checkBatch with s.mu held.
func (s *Service) batchFinished(batch models.Batch, status models.BatchStatus) {
	st := status
	s.feed.Publish(models.Event{
		Type:      models.EventBatchCompleted,
		BatchID:   batch.ID,
		Batch:     &st,
		Timestamp: s.now(),
	})
	if batch.CallbackURL != "" && s.notifyCtx != nil {
		s.notifier.Notify(s.notifyCtx, batch.CallbackURL, batch, status)
	}
}

// Subscribe returns a change feed for a batch, or for everything when
// batchID is empty.
func (s *Service) Subscribe(batchID string) (<-chan models.Event, func(), error) {
	if batchID != "" {
		if _, err := s.Batch(batchID); err != nil {
			return nil, nil, err
		}
	}
	ch, cancel := s.feed.Subscribe(batchID, 256)
	return ch, cancel, nil
}

// Search queries the download history of one caller.
func (s *Service) Search(callerID, query string, limit int) ([]SearchHit, error) {
	if s.index == nil {
		return nil, ErrSearchUnavailable
	}
	res, err := index.SearchCaller(s.index, callerID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("searching history: %w", err)
	}
	hits := make([]SearchHit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, SearchHit{JobID: h.ID, Score: h.Score, Fields: h.Fields})
	}
	return hits, nil
}

func (s *Service) indexJob(job models.Job) {
	if s.index == nil {
		return
	}
	if err := index.IndexItem(s.index, index.ItemFromJob(job)); err != nil {
		log.WithError(err).Warnf("Failed to index job %s", job.ID)
	}
}

func (s *Service) publishSnapshot(rec *record, job models.Job, speed float64) *models.JobSnapshot {
	snap := progress.Snapshot(job, speed, s.now())
	rec.snap.Store(&snap)
	return &snap
}

// enqueue puts a Queued job back on the queue. A full queue is retried
// after the poll interval.
func (s *Service) enqueue(rec *record) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	s.enqueueLocked(rec)
}

func (s *Service) enqueueLocked(rec *record) {
	rec.retryTimer = nil
	if rec.running || rec.job.State != models.StateQueued || s.queue.Contains(rec.job.ID) {
		return
	}
	err := s.queue.Enqueue(queue.Entry{JobID: rec.job.ID, CallerID: rec.job.CallerID, Priority: rec.job.Priority})
	if err == nil {
		return
	}
	delay := time.Duration(s.cfg.PollIntervalMs) * time.Millisecond
	log.WithField("job", rec.job.ID).WithError(err).Warnf("Could not requeue job, trying again in %s", delay)
	rec.retryTimer = s.clock.AfterFunc(delay, func() { s.enqueue(rec) })
}

// persistJob writes a job, logging failures. Persistence problems never
// fail the job itself.
func (s *Service) persistJob(job models.Job) {
	if err := s.store.PutJob(job); err != nil {
		log.WithError(err).Errorf("Failed to persist job %s", job.ID)
	}
}

// OutputDir is where completed files are stored.
func (s *Service) OutputDir() string {
	return filepath.Clean(s.cfg.SavePath)
}
