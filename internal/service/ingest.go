package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/timmy/mediasearch/internal/domain"
	"github.com/timmy/mediasearch/internal/logger"
	"github.com/timmy/mediasearch/internal/metrics"
	"github.com/timmy/mediasearch/internal/repository"
)

const (
	stageAnalysis  = "analysis"
	stageEmbedding = "embedding"

	// requeueInterval is how long an accepted upload waits before retrying a full queue.
	requeueInterval = 50 * time.Millisecond
)

// IngestService drives uploads through analysis and embedding. Each Advance call is one
// attempt; failed attempts are retried with exponential backoff until MaxAttempts.
type IngestService struct {
	repo     *repository.UploadRepository
	index    repository.VectorIndex
	analyzer Analyzer
	embedder Embedder
	queue    Queue
	backoff  BackoffPolicy
	pool     *ants.Pool

	workers          int
	analysisTimeout  time.Duration
	embeddingTimeout time.Duration
	maxFileSize      int64
	now              func() time.Time
	onComplete       func(context.Context, *domain.UploadRecord)

	inflight sync.Map

	mu      sync.Mutex
	runCtx  context.Context
	cancel  context.CancelFunc
	timers  map[string]*time.Timer
	tasks   sync.WaitGroup
	started bool

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	rejected  atomic.Int64
}

// IngestOption configures an IngestService.
type IngestOption func(*IngestService) error

// WithWorkers sets the number of uploads processed concurrently.
func WithWorkers(n int) IngestOption {
	return func(s *IngestService) error {
		if n < 1 {
			n = 1
		}
		s.workers = n
		return nil
	}
}

// WithQueue replaces the default in-process queue.
func WithQueue(q Queue) IngestOption {
	return func(s *IngestService) error {
		if q == nil {
			return errors.New("ingest: queue is nil")
		}
		s.queue = q
		return nil
	}
}

// WithBackoff sets the retry policy.
func WithBackoff(p BackoffPolicy) IngestOption {
	return func(s *IngestService) error {
		if p.MaxAttempts < 1 {
			return fmt.Errorf("ingest: max attempts must be at least 1, got %d", p.MaxAttempts)
		}
		s.backoff = p
		return nil
	}
}

// WithStageTimeouts bounds each analysis and embedding call.
func WithStageTimeouts(analysis, embedding time.Duration) IngestOption {
	return func(s *IngestService) error {
		if analysis > 0 {
			s.analysisTimeout = analysis
		}
		if embedding > 0 {
			s.embeddingTimeout = embedding
		}
		return nil
	}
}

// WithMaxFileSize rejects submissions whose declared size exceeds n bytes.
func WithMaxFileSize(n int64) IngestOption {
	return func(s *IngestService) error {
		s.maxFileSize = n
		return nil
	}
}

// WithOnComplete registers a callback run after an upload is committed as completed.
func WithOnComplete(fn func(context.Context, *domain.UploadRecord)) IngestOption {
	return func(s *IngestService) error {
		s.onComplete = fn
		return nil
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) IngestOption {
	return func(s *IngestService) error {
		if now != nil {
			s.now = now
		}
		return nil
	}
}

// NewIngestService creates a new ingest service.
// Parameters:
//   - repo: upload record store.
//   - index: vector index completed uploads are made searchable in.
//   - analyzer: produces the summary for an upload.
//   - embedder: turns the summary into a vector.
//   - opts: optional settings; defaults are 5 workers, a 1000-slot queue, 3 attempts.
//
// Returns:
//   - *IngestService: service ready for Start.
//   - error: non-nil if an option is invalid or the worker pool cannot be created.
func NewIngestService(
	repo *repository.UploadRepository,
	index repository.VectorIndex,
	analyzer Analyzer,
	embedder Embedder,
	opts ...IngestOption,
) (*IngestService, error) {
	s := &IngestService{
		repo:             repo,
		index:            index,
		analyzer:         analyzer,
		embedder:         embedder,
		backoff:          DefaultBackoffPolicy(),
		workers:          5,
		analysisTimeout:  60 * time.Second,
		embeddingTimeout: 30 * time.Second,
		maxFileSize:      100 << 20,
		now:              time.Now,
		timers:           make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.queue == nil {
		s.queue = NewChannelQueue(1000)
	}

	pool, err := ants.NewPool(s.workers)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	s.pool = pool
	s.runCtx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// IngestStats is a snapshot of the pipeline counters since start.
type IngestStats struct {
	Submitted  int64 `json:"submitted"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Retried    int64 `json:"retried"`
	Rejected   int64 `json:"rejected"`
	QueueDepth int   `json:"queue_depth"`
	Workers    int   `json:"workers"`
	Running    int   `json:"running"`
}

// Stats returns the current pipeline counters.
func (s *IngestService) Stats() IngestStats {
	return IngestStats{
		Submitted:  s.submitted.Load(),
		Completed:  s.completed.Load(),
		Failed:     s.failed.Load(),
		Retried:    s.retried.Load(),
		Rejected:   s.rejected.Load(),
		QueueDepth: s.queue.Len(),
		Workers:    s.pool.Cap(),
		Running:    s.pool.Running(),
	}
}

// Start launches the dispatcher that feeds queued ids to the worker pool.
func (s *IngestService) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	runCtx := s.runCtx
	s.mu.Unlock()

	runCtx = logger.FromContext(ctx).WithField(logger.FieldComponent, "ingest").WithContext(runCtx)

	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		s.dispatch(runCtx)
	}()

	logger.With(logger.Fields{"workers": s.workers}).Info(runCtx, "Ingestion pipeline started")
}

func (s *IngestService) dispatch(ctx context.Context) {
	for {
		id, err := s.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, domain.ErrQueueClosed) {
				logger.FromContext(ctx).WithError(err).Error("Failed to dequeue upload")
			}
			return
		}

		s.tasks.Add(1)
		if err := s.pool.Submit(func() {
			defer s.tasks.Done()
			s.process(ctx, id)
		}); err != nil {
			s.tasks.Done()
			logger.FromContext(ctx).WithError(err).WithField(logger.FieldUploadID, id).Error("Failed to submit upload to worker pool")
			return
		}
	}
}

func (s *IngestService) process(ctx context.Context, id string) {
	ctx = logger.SetUploadID(ctx, id)
	if err := s.Advance(ctx, id); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.CtxDebug(ctx, "Upload processing interrupted")
			return
		}
		logger.CtxError(ctx, "Failed to advance upload: %v", err)
	}
}

// Stop cancels in-flight attempts, stops the dispatcher and pending retry timers, and
// waits for workers to return or ctx to expire. Interrupted uploads stay non-terminal.
func (s *IngestService) Stop(ctx context.Context) error {
	s.cancel()
	s.queue.Close()

	s.mu.Lock()
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.pool.Release()
		return nil
	case <-ctx.Done():
		s.pool.Release()
		return fmt.Errorf("ingest: stop: %w", ctx.Err())
	}
}

// Submit validates and persists a new upload as pending and queues it for processing.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - rec: upload with OwnerID, FileType and FileRef set; ID is assigned when empty.
//
// Returns:
//   - error: fatal for invalid uploads, resource exhausted when the queue is full (the
//     row is not kept), retryable on store failure.
func (s *IngestService) Submit(ctx context.Context, rec *domain.UploadRecord) error {
	if err := s.validateSubmission(rec); err != nil {
		metrics.IngestSubmissions.WithLabelValues("invalid").Inc()
		return err
	}

	if s.queueFull() {
		s.rejected.Add(1)
		metrics.IngestSubmissions.WithLabelValues("rejected").Inc()
		return domain.ResourceExhausted("submit", domain.ErrQueueFull)
	}

	now := s.now()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.Status = domain.UploadStatusPending
	rec.Summary = nil
	rec.Embedding = nil
	rec.Error = ""
	rec.ErrorKind = ""
	rec.AttemptCount = 0
	rec.NextAttemptAt = nil
	rec.ProcessedAt = nil
	rec.CreatedAt = now
	rec.UpdatedAt = now

	if err := s.repo.Create(ctx, rec); err != nil {
		return err
	}

	// The queue can fill between the check above and here; the row is removed again.
	if err := s.queue.Enqueue(ctx, rec.ID); err != nil {
		s.rejected.Add(1)
		metrics.IngestSubmissions.WithLabelValues("rejected").Inc()
		if delErr := s.repo.Delete(context.WithoutCancel(ctx), rec.ID); delErr != nil {
			logger.FromContext(ctx).WithError(delErr).WithField(logger.FieldUploadID, rec.ID).
				Error("Failed to roll back rejected upload")
		}
		return err
	}

	s.submitted.Add(1)
	metrics.IngestSubmissions.WithLabelValues("accepted").Inc()
	metrics.IngestTransitions.WithLabelValues(string(domain.UploadStatusPending)).Inc()
	logger.With(logger.Fields{
		logger.FieldUploadID: rec.ID,
		logger.FieldOwnerID:  rec.OwnerID,
		"file_type":          rec.FileType,
	}).Info(ctx, "Upload submitted")
	return nil
}

// queueFull reports whether a queue that knows its capacity has no room left.
func (s *IngestService) queueFull() bool {
	c, ok := s.queue.(interface{ Cap() int })
	return ok && s.queue.Len() >= c.Cap()
}

func (s *IngestService) validateSubmission(rec *domain.UploadRecord) error {
	switch {
	case rec == nil:
		return domain.Fatal("submit", errors.New("upload is nil"))
	case strings.TrimSpace(rec.OwnerID) == "":
		return domain.Fatal("submit", errors.New("owner_id is required"))
	case strings.TrimSpace(rec.FileRef) == "":
		return domain.Fatal("submit", errors.New("file_ref is required"))
	case !rec.FileType.Valid():
		return domain.Fatal("submit", fmt.Errorf("%w: %q", domain.ErrUnsupportedFileType, rec.FileType))
	case !domain.MimeAllowed(rec.FileType, rec.MimeType):
		return domain.Fatal("submit", fmt.Errorf("%w: mime type %q for %s", domain.ErrUnsupportedFileType, rec.MimeType, rec.FileType))
	case rec.FileSize < 0:
		return domain.Fatal("submit", errors.New("file_size must not be negative"))
	case s.maxFileSize > 0 && rec.FileSize > s.maxFileSize:
		return domain.Fatal("submit", fmt.Errorf("%w: %d bytes, limit %d", domain.ErrFileTooLarge, rec.FileSize, s.maxFileSize))
	}
	return nil
}

// Advance runs one processing attempt for the upload. Stage failures are recorded on the
// row rather than returned; the returned error is a store failure, a missing record, or
// the context error when ctx was cancelled mid-attempt.
func (s *IngestService) Advance(ctx context.Context, id string) error {
	if _, busy := s.inflight.LoadOrStore(id, struct{}{}); busy {
		logger.CtxDebug(ctx, "Upload already in flight, skipping")
		return nil
	}
	defer s.inflight.Delete(id)

	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return nil
	}

	now := s.now()
	if rec.NextAttemptAt != nil && rec.NextAttemptAt.After(now) {
		s.scheduleRetry(id, rec.NextAttemptAt.Sub(now))
		return nil
	}

	expected := rec.Status
	if s.backoff.Exhausted(rec.AttemptCount) {
		rec.Status = domain.UploadStatusFailed
		rec.ErrorKind = domain.KindRetryable
		if rec.Error == "" {
			rec.Error = fmt.Sprintf("%s: gave up after %d attempts", domain.KindRetryable, rec.AttemptCount)
		}
		rec.NextAttemptAt = nil
		return s.transition(ctx, rec, expected)
	}

	rec.AttemptCount++
	rec.NextAttemptAt = nil
	ctx = logger.WithField(ctx, logger.FieldAttempt, rec.AttemptCount)

	if !rec.HasSummary() {
		rec.Summary = nil
		rec.Status = domain.UploadStatusAnalyzing
		if err := s.transition(ctx, rec, expected); err != nil {
			return err
		}
		expected = rec.Status

		summary, err := s.runStage(ctx, stageAnalysis, s.analysisTimeout, func(callCtx context.Context) (string, error) {
			return s.analyzer.Analyze(callCtx, rec)
		})
		if err != nil {
			return s.handleFailure(ctx, rec, expected, domain.UploadStatusPending, stageAnalysis, err)
		}

		rec.Summary = &summary
		rec.Status = domain.UploadStatusEmbedding
		rec.Error = ""
		rec.ErrorKind = ""
		if err := s.transition(ctx, rec, expected); err != nil {
			return err
		}
	} else {
		rec.Status = domain.UploadStatusEmbedding
		if err := s.transition(ctx, rec, expected); err != nil {
			return err
		}
	}
	expected = rec.Status

	var vector []float32
	_, err = s.runStage(ctx, stageEmbedding, s.embeddingTimeout, func(callCtx context.Context) (string, error) {
		v, err := s.embedder.Embed(callCtx, *rec.Summary)
		vector = v
		return "", err
	})
	if err == nil && len(vector) != s.repo.Dimensions() {
		err = domain.Fatal("embed", fmt.Errorf("%w: got %d, want %d", domain.ErrDimensionMismatch, len(vector), s.repo.Dimensions()))
	}
	if err != nil {
		return s.handleFailure(ctx, rec, expected, domain.UploadStatusEmbedding, stageEmbedding, err)
	}

	return s.complete(ctx, rec, vector)
}

// runStage calls fn under a per-call deadline and records its latency.
func (s *IngestService) runStage(ctx context.Context, stage string, timeout time.Duration, fn func(context.Context) (string, error)) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	out, err := fn(callCtx)
	outcome := "ok"
	if err != nil {
		outcome = string(classify(ctx, err))
		if outcome == "" {
			outcome = "cancelled"
		}
	}
	metrics.IngestStageDuration.WithLabelValues(stage, outcome).Observe(time.Since(start).Seconds())
	logger.With(logger.Fields{logger.FieldStage: stage}).
		WithDuration(start).
		WithStatus(outcome).
		Debug(ctx, "Stage call finished")
	return out, err
}

// classify maps a stage error to its taxonomy kind. A per-call deadline is retryable and
// unclassified errors are treated as transient; "" means the parent context was cancelled.
func classify(ctx context.Context, err error) domain.ErrorKind {
	if ctx.Err() != nil {
		return ""
	}
	if kind := domain.KindOf(err); kind != "" {
		return kind
	}
	return domain.KindRetryable
}

func (s *IngestService) complete(ctx context.Context, rec *domain.UploadRecord, vector []float32) error {
	now := s.now()
	rec.SetVector(vector)
	rec.Status = domain.UploadStatusCompleted
	rec.Error = ""
	rec.ErrorKind = ""
	rec.ProcessedAt = &now

	if err := s.index.Upsert(ctx, rec); err != nil {
		rec.SetVector(nil)
		rec.Status = domain.UploadStatusEmbedding
		rec.ProcessedAt = nil
		return s.handleFailure(ctx, rec, domain.UploadStatusEmbedding, domain.UploadStatusEmbedding, stageEmbedding, err)
	}

	if err := s.transition(ctx, rec, domain.UploadStatusEmbedding); err != nil {
		// Rollback: the index must never hold a point the store does not call completed.
		if delErr := s.index.Delete(context.WithoutCancel(ctx), rec.ID); delErr != nil {
			logger.FromContext(ctx).WithError(delErr).Error("Failed to roll back vector index upsert")
		}
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrNotFound) {
			return err
		}
		rec.SetVector(nil)
		rec.Status = domain.UploadStatusEmbedding
		rec.ProcessedAt = nil
		return s.handleFailure(ctx, rec, domain.UploadStatusEmbedding, domain.UploadStatusEmbedding, stageEmbedding, err)
	}

	s.completed.Add(1)
	if s.onComplete != nil {
		s.onComplete(ctx, rec)
	}
	logger.With(logger.Fields{logger.FieldAttempt: rec.AttemptCount}).
		WithStatus(string(rec.Status)).
		Info(ctx, "Upload completed")
	return nil
}

// handleFailure records a failed attempt. entry is the status the record returns to when
// another attempt is allowed.
func (s *IngestService) handleFailure(ctx context.Context, rec *domain.UploadRecord, expected, entry domain.UploadStatus, stage string, cause error) error {
	kind := classify(ctx, cause)
	if kind == "" {
		// Cancelled: leave the record in its current status for Resume.
		return ctx.Err()
	}

	log := logger.FromContext(ctx).WithFields(logger.Fields{
		logger.FieldStage:     stage,
		logger.FieldErrorKind: kind,
	}).WithError(cause)

	rec.Error = fmt.Sprintf("%s: %s failed: %v", kind, stage, cause)
	rec.ErrorKind = kind
	rec.NextAttemptAt = nil

	switch {
	case kind == domain.KindFatal:
		rec.Status = domain.UploadStatusFailed
		log.Warn("Upload failed permanently")
	case s.backoff.Exhausted(rec.AttemptCount):
		rec.Status = domain.UploadStatusFailed
		rec.Error = fmt.Sprintf("%s (gave up after %d attempts)", rec.Error, rec.AttemptCount)
		log.Warn("Upload failed after max attempts")
	default:
		delay := s.backoff.Delay(rec.AttemptCount)
		next := s.now().Add(delay)
		rec.Status = entry
		rec.NextAttemptAt = &next
		if err := s.transition(context.WithoutCancel(ctx), rec, expected); err != nil {
			return err
		}
		s.retried.Add(1)
		metrics.IngestRetries.Inc()
		log.WithField("retry_in_ms", delay.Milliseconds()).Info("Upload attempt failed, retry scheduled")
		s.scheduleRetry(rec.ID, delay)
		return nil
	}

	return s.transition(context.WithoutCancel(ctx), rec, expected)
}

// transition writes rec if the row is still in status expected.
func (s *IngestService) transition(ctx context.Context, rec *domain.UploadRecord, expected domain.UploadStatus) error {
	if err := s.repo.UpdateProcessing(ctx, rec, expected); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			logger.FromContext(ctx).WithError(err).Warn("Upload changed underneath the pipeline, dropping attempt")
		}
		return err
	}
	if rec.Status != expected {
		metrics.IngestTransitions.WithLabelValues(string(rec.Status)).Inc()
		if rec.Status == domain.UploadStatusFailed {
			s.failed.Add(1)
		}
	}
	return nil
}

// scheduleRetry re-enqueues id after delay. A later schedule for the same id replaces
// an earlier one.
func (s *IngestService) scheduleRetry(id string, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.runCtx.Err() != nil {
		return
	}
	if existing, ok := s.timers[id]; ok {
		existing.Stop()
	}
	s.timers[id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()

		s.requeue(id)
	})
}

// requeue puts an accepted upload back on the queue. A full queue only delays it: the
// attempt is re-armed until there is room or the pipeline stops.
func (s *IngestService) requeue(id string) {
	err := s.queue.Enqueue(s.runCtx, id)
	switch {
	case err == nil, s.runCtx.Err() != nil:
	case domain.IsResourceExhausted(err):
		logger.GetDefault().WithField(logger.FieldUploadID, id).Debug("Queue full, deferring retry")
		s.scheduleRetry(id, requeueInterval)
	default:
		// Still non-terminal in the store; Resume picks it up.
		logger.GetDefault().WithError(err).WithField(logger.FieldUploadID, id).Warn("Failed to re-enqueue upload for retry")
	}
}

// Resume queues every non-terminal upload, oldest first, for example after a restart.
// Uploads waiting out a backoff delay are scheduled for when it expires.
// Returns the number of uploads resumed.
func (s *IngestService) Resume(ctx context.Context) (int, error) {
	recs, err := s.repo.ListResumable(ctx, 0)
	if err != nil {
		return 0, err
	}

	now := s.now()
	resumed := 0
	for _, rec := range recs {
		if rec.NextAttemptAt != nil && rec.NextAttemptAt.After(now) {
			s.scheduleRetry(rec.ID, rec.NextAttemptAt.Sub(now))
			resumed++
			continue
		}
		if err := s.enqueueWait(ctx, rec.ID); err != nil {
			return resumed, err
		}
		resumed++
	}

	logger.With(logger.Fields{logger.FieldCount: resumed}).Info(ctx, "Resumed uploads")
	return resumed, nil
}

// enqueueWait retries a full queue until there is room.
func (s *IngestService) enqueueWait(ctx context.Context, id string) error {
	for {
		err := s.queue.Enqueue(ctx, id)
		if err == nil || !domain.IsResourceExhausted(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Reset moves a failed upload back to pending with a fresh attempt budget and queues it.
// A full queue delays the enqueue rather than failing the reset.
func (s *IngestService) Reset(ctx context.Context, id string) error {
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != domain.UploadStatusFailed {
		return domain.Fatal("reset", fmt.Errorf("%w: upload %s is %s, not failed", domain.ErrInvalidTransition, id, rec.Status))
	}

	rec.Status = domain.UploadStatusPending
	rec.AttemptCount = 0
	rec.Summary = nil
	rec.Error = ""
	rec.ErrorKind = ""
	rec.NextAttemptAt = nil
	rec.ProcessedAt = nil
	if err := s.transition(ctx, rec, domain.UploadStatusFailed); err != nil {
		return err
	}

	logger.CtxInfo(logger.SetUploadID(ctx, id), "Upload reset for retry")
	s.requeue(id)
	return nil
}
