package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultMaxAttempts  = 3
	defaultBackoffBase  = 5 * time.Second
	defaultLeaseTimeout = 2 * time.Minute
	defaultEventBuffer  = 256
	defaultPollInterval = time.Second

	// ReasonLeaseExpired はリース切れで回収されたジョブに記録する理由です。
	ReasonLeaseExpired = "lease expired"
)

// Options はキューの動作設定です。ゼロ値の項目は既定値で補われます。
type Options struct {
	MaxAttempts  int
	BackoffBase  time.Duration
	LeaseTimeout time.Duration
	EventBuffer  int
	// PollInterval は Next の待機を念のため打ち切る間隔です。
	PollInterval time.Duration
	Now          func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = defaultBackoffBase
	}
	if o.LeaseTimeout <= 0 {
		o.LeaseTimeout = defaultLeaseTimeout
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = defaultEventBuffer
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Queue は優先度付きのジョブキューです。
// 未完了ジョブの索引をメモリに持ち、すべての状態変化を Store に書き込みます。
type Queue struct {
	store  Store
	opts   Options
	logger *log.Logger

	mu      sync.Mutex
	jobs    map[string]*Job
	ready   readyHeap
	delayed delayedHeap
	wake    chan struct{}
	closed  bool

	events chan Event
}

// New は Queue を作成します。起動時は Restore を呼んで永続化済みのジョブを読み戻してください。
func New(store Store, opts Options, logger *log.Logger) *Queue {
	opts = opts.withDefaults()
	q := &Queue{
		store:  store,
		opts:   opts,
		logger: logger,
		jobs:   make(map[string]*Job),
		wake:   make(chan struct{}),
		events: make(chan Event, opts.EventBuffer),
	}
	heap.Init(&q.ready)
	heap.Init(&q.delayed)
	return q
}

// Events はライフサイクルイベントのストリームを返します。
// 送信はノンブロッキングで、バッファが溢れた場合は破棄されます。
func (q *Queue) Events() <-chan Event {
	return q.events
}

// MaxAttempts は設定済みの最大試行回数を返します。
func (q *Queue) MaxAttempts() int {
	return q.opts.MaxAttempts
}

// LeaseTimeout は取り出したジョブのリース期間を返します。
func (q *Queue) LeaseTimeout() time.Duration {
	return q.opts.LeaseTimeout
}

// Enqueue はジョブを検証してキューに投入し、ジョブIDを返します。
// 同じIDで再投入された場合は何もせずにIDを返します。
func (q *Queue) Enqueue(ctx context.Context, job *Job) (string, error) {
	if job == nil {
		return "", invalid("", "job is nil")
	}
	normalized, err := validate(job)
	if err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrClosed
	}

	if normalized.ID != "" {
		existing, err := q.lookupLocked(ctx, normalized.ID)
		if err != nil {
			return "", err
		}
		if existing != nil {
			if existing.OwnerID != normalized.OwnerID {
				return "", fmt.Errorf("%w: %s", ErrJobConflict, normalized.ID)
			}
			q.logf("duplicate enqueue ignored job=%s", normalized.ID)
			return existing.ID, nil
		}
	} else {
		normalized.ID = uuid.NewString()
	}

	now := q.opts.Now().UTC()
	normalized.State = StatePending
	normalized.AttemptsMade = 0
	normalized.CreatedAt = now
	normalized.UpdatedAt = now
	normalized.AvailableAt = now
	normalized.LeaseExpiresAt = time.Time{}
	normalized.LeaseID = ""
	normalized.Outcome = nil
	normalized.FailureReason = ""
	normalized.Revision = 1
	normalized.Purged = false
	normalized.Progress = &ProgressEvent{
		JobID:      normalized.ID,
		OwnerID:    normalized.OwnerID,
		TotalFiles: len(normalized.Files),
		Phase:      PhaseQueued,
	}

	if err := q.store.Create(ctx, normalized); err != nil {
		if !errors.Is(err, ErrStaleRecord) {
			return "", fmt.Errorf("failed to persist job %s: %w", normalized.ID, err)
		}
		// 別のプロセスが同じIDを先に登録した
		existing, getErr := q.store.Get(ctx, normalized.ID)
		if getErr == nil && existing != nil && existing.OwnerID == normalized.OwnerID {
			return existing.ID, nil
		}
		return "", fmt.Errorf("%w: %s", ErrJobConflict, normalized.ID)
	}
	q.jobs[normalized.ID] = normalized
	heap.Push(&q.ready, normalized)
	q.notifyLocked()
	q.emitLocked(Event{
		Type:     EventQueued,
		JobID:    normalized.ID,
		OwnerID:  normalized.OwnerID,
		State:    StatePending,
		Progress: copyProgress(normalized.Progress),
	})
	return normalized.ID, nil
}

// DequeueNext は取り出し可能なジョブのうち最優先のものを active にして返します。
// 返されたジョブの LeaseID は以降の ReportProgress・RenewLease・Complete・Fail に渡します。
// 取り出せるジョブがない場合は nil を返します。
func (q *Queue) DequeueNext(ctx context.Context) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	now := q.opts.Now().UTC()
	q.promoteLocked(now)

	for q.ready.Len() > 0 {
		job := heap.Pop(&q.ready).(*Job)
		if current, ok := q.jobs[job.ID]; !ok || current != job || job.State != StatePending {
			continue
		}
		prev := job.Clone()
		job.State = StateActive
		job.UpdatedAt = now
		job.LeaseExpiresAt = now.Add(q.opts.LeaseTimeout)
		job.LeaseID = uuid.NewString()
		if err := q.commitLocked(ctx, job, prev); err != nil {
			if errors.Is(err, ErrStaleRecord) {
				q.logf("job=%s was claimed by another process, skipping", job.ID)
				continue
			}
			heap.Push(&q.ready, job)
			return nil, fmt.Errorf("failed to claim job %s: %w", job.ID, err)
		}
		return job.Clone(), nil
	}
	return nil, nil
}

// Next はジョブが取り出せるようになるまで待機してから DequeueNext します。
func (q *Queue) Next(ctx context.Context) (*Job, error) {
	for {
		job, err := q.DequeueNext(ctx)
		if err != nil || job != nil {
			return job, err
		}

		q.mu.Lock()
		wake := q.wake
		wait := q.opts.PollInterval
		if at, ok := q.delayed.nextAt(); ok {
			if d := at.Sub(q.opts.Now()); d < wait {
				wait = d
			}
		}
		q.mu.Unlock()
		if wait < time.Millisecond {
			wait = time.Millisecond
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// ReportProgress は進捗スナップショットを上書きし、リースを延長します。
// 未知のジョブに対しては記録だけして nil を返します。リースを失った試行からの呼び出しには ErrLeaseLost を返します。
func (q *Queue) ReportProgress(ctx context.Context, jobID, leaseID string, progress ProgressEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		q.logf("progress for unknown job ignored job=%s", jobID)
		return nil
	}
	if err := q.checkLeaseLocked(job, leaseID); err != nil {
		return err
	}

	now := q.opts.Now().UTC()
	prev := job.Clone()
	progress.JobID = job.ID
	progress.OwnerID = job.OwnerID
	if progress.Phase == "" {
		progress.Phase = PhaseProcessing
	}
	progress.Percentage = clampPercent(progress.Percentage)
	job.Progress = &progress
	job.UpdatedAt = now
	job.LeaseExpiresAt = now.Add(q.opts.LeaseTimeout)

	if err := q.commitLocked(ctx, job, prev); err != nil {
		if errors.Is(err, ErrStaleRecord) {
			return fmt.Errorf("%w: %s", ErrLeaseLost, jobID)
		}
		// 進捗は最新値だけが意味を持つので、書き込めなくてもメモリ上の値で続ける
		q.logf("failed to persist progress job=%s: %v", jobID, err)
		job.Progress = &progress
		job.UpdatedAt = now
		job.LeaseExpiresAt = now.Add(q.opts.LeaseTimeout)
	}
	q.emitLocked(Event{
		Type:         EventProgress,
		JobID:        job.ID,
		OwnerID:      job.OwnerID,
		State:        job.State,
		Progress:     copyProgress(job.Progress),
		AttemptsMade: job.AttemptsMade,
	})
	return nil
}

// RenewLease は進捗を変えずにリースだけを延長します。処理中のワーカーが定期的に呼びます。
func (q *Queue) RenewLease(ctx context.Context, jobID, leaseID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrLeaseLost, jobID)
	}
	if err := q.checkLeaseLocked(job, leaseID); err != nil {
		return err
	}
	prev := job.Clone()
	job.LeaseExpiresAt = q.opts.Now().UTC().Add(q.opts.LeaseTimeout)
	if err := q.commitLocked(ctx, job, prev); err != nil {
		if errors.Is(err, ErrStaleRecord) {
			return fmt.Errorf("%w: %s", ErrLeaseLost, jobID)
		}
		return fmt.Errorf("failed to renew lease job=%s: %w", jobID, err)
	}
	return nil
}

// Complete は active のジョブを completed にして成果物を記録します。
// leaseID が現在の試行のものでなければ ErrLeaseLost を返します。
func (q *Queue) Complete(ctx context.Context, jobID, leaseID string, outcome *Outcome) error {
	if outcome == nil {
		return fmt.Errorf("outcome is nil")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err := q.checkLeaseLocked(job, leaseID); err != nil {
		return err
	}

	now := q.opts.Now().UTC()
	stored := *outcome
	stored.JobID = job.ID
	stored.OwnerID = job.OwnerID
	stored.Results = append([]ConversionResult(nil), outcome.Results...)
	stored.DegradedCount = 0
	for _, r := range stored.Results {
		if r.Degraded {
			stored.DegradedCount++
		}
	}
	stored.Degraded = stored.DegradedCount > 0
	if stored.CompletedAt.IsZero() {
		stored.CompletedAt = now
	}

	prev := job.Clone()
	job.State = StateCompleted
	job.Outcome = &stored
	job.UpdatedAt = now
	job.LeaseExpiresAt = time.Time{}
	job.LeaseID = ""
	job.FailureReason = ""
	job.Progress = &ProgressEvent{
		JobID:      job.ID,
		OwnerID:    job.OwnerID,
		FileIndex:  len(job.Files),
		TotalFiles: len(job.Files),
		Percentage: 100,
		Phase:      PhaseCompleted,
	}
	if err := q.commitLocked(ctx, job, prev); err != nil {
		if errors.Is(err, ErrStaleRecord) {
			return fmt.Errorf("%w: %s", ErrLeaseLost, jobID)
		}
		return fmt.Errorf("failed to persist completion job=%s: %w", jobID, err)
	}
	delete(q.jobs, jobID)

	q.emitLocked(Event{
		Type:         EventCompleted,
		JobID:        job.ID,
		OwnerID:      job.OwnerID,
		State:        StateCompleted,
		Progress:     copyProgress(job.Progress),
		Outcome:      job.Clone().Outcome,
		AttemptsMade: job.AttemptsMade,
	})
	return nil
}

// Fail は試行回数を加算し、上限未満であればバックオフ後に再投入します。
// 上限に達した場合は failed で確定します。
func (q *Queue) Fail(ctx context.Context, jobID, leaseID, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err := q.checkLeaseLocked(job, leaseID); err != nil {
		return err
	}
	err := q.failLocked(ctx, job, reason)
	if errors.Is(err, ErrStaleRecord) {
		return fmt.Errorf("%w: %s", ErrLeaseLost, jobID)
	}
	return err
}

func (q *Queue) failLocked(ctx context.Context, job *Job, reason string) error {
	now := q.opts.Now().UTC()
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unknown error"
	}

	prev := job.Clone()
	job.AttemptsMade++
	job.FailureReason = reason
	job.UpdatedAt = now
	job.LeaseExpiresAt = time.Time{}
	job.LeaseID = ""

	if job.AttemptsMade < q.opts.MaxAttempts {
		delay := q.backoff(job.AttemptsMade)
		job.State = StatePending
		job.AvailableAt = now.Add(delay)
		job.Progress = &ProgressEvent{
			JobID:      job.ID,
			OwnerID:    job.OwnerID,
			TotalFiles: len(job.Files),
			Phase:      PhaseQueued,
		}
		if err := q.commitLocked(ctx, job, prev); err != nil {
			return fmt.Errorf("failed to persist retry job=%s: %w", job.ID, err)
		}
		heap.Push(&q.delayed, job)
		q.notifyLocked()
		q.logf("job=%s attempt %d/%d failed, retrying in %s: %s", job.ID, job.AttemptsMade, q.opts.MaxAttempts, delay, reason)

		retryAt := job.AvailableAt
		q.emitLocked(Event{
			Type:         EventRetrying,
			JobID:        job.ID,
			OwnerID:      job.OwnerID,
			State:        StatePending,
			Reason:       reason,
			AttemptsMade: job.AttemptsMade,
			RetryAt:      &retryAt,
		})
		return nil
	}

	job.State = StateFailed
	job.Progress = &ProgressEvent{
		JobID:      job.ID,
		OwnerID:    job.OwnerID,
		TotalFiles: len(job.Files),
		Phase:      PhaseFailed,
	}
	if prev.Progress != nil {
		job.Progress.FileIndex = prev.Progress.FileIndex
		job.Progress.Percentage = prev.Progress.Percentage
	}
	if err := q.commitLocked(ctx, job, prev); err != nil {
		return fmt.Errorf("failed to persist failure job=%s: %w", job.ID, err)
	}
	delete(q.jobs, job.ID)
	q.logf("job=%s failed after %d attempts: %s", job.ID, job.AttemptsMade, reason)

	q.emitLocked(Event{
		Type:         EventFailed,
		JobID:        job.ID,
		OwnerID:      job.OwnerID,
		State:        StateFailed,
		Progress:     copyProgress(job.Progress),
		Reason:       reason,
		AttemptsMade: job.AttemptsMade,
	})
	return nil
}

// ReapStalled はリースが切れた active ジョブを一時的な失敗として扱い、回収した件数を返します。
// Store を共有する別のプロセスが残したジョブも、リース切れや長く放置された pending であれば引き取ります。
func (q *Queue) ReapStalled(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.Now().UTC()
	var errs []error
	if err := q.adoptOrphansLocked(ctx, now); err != nil {
		errs = append(errs, err)
	}

	reaped := 0
	for _, job := range q.jobs {
		if job.State != StateActive || job.LeaseExpiresAt.IsZero() || now.Before(job.LeaseExpiresAt) {
			continue
		}
		if err := q.failLocked(ctx, job, ReasonLeaseExpired); err != nil {
			if !errors.Is(err, ErrStaleRecord) {
				errs = append(errs, err)
			}
			continue
		}
		reaped++
	}
	return reaped, errors.Join(errs...)
}

// adoptOrphansLocked は索引に無い未完了ジョブのうち、リースが切れた active と
// 取り出し可能になってからリース期間以上経った pending を索引に加えます。
// 実際に実行できるかどうかは取り出し時の Store.Update の比較で決まります。
func (q *Queue) adoptOrphansLocked(ctx context.Context, now time.Time) error {
	stored, err := q.store.List(ctx, StatePending, StateActive)
	if err != nil {
		return fmt.Errorf("failed to list unfinished jobs: %w", err)
	}
	adopted := 0
	for _, job := range stored {
		if _, ok := q.jobs[job.ID]; ok {
			continue
		}
		switch job.State {
		case StateActive:
			if job.LeaseExpiresAt.IsZero() || now.Before(job.LeaseExpiresAt) {
				continue
			}
		case StatePending:
			if now.Before(job.AvailableAt.Add(q.opts.LeaseTimeout)) {
				continue
			}
			heap.Push(&q.ready, job)
		}
		q.jobs[job.ID] = job
		adopted++
	}
	if adopted > 0 {
		q.notifyLocked()
		q.logf("adopted %d orphaned job(s) from the store", adopted)
	}
	return nil
}

// RunReaper は interval ごとに ReapStalled を実行します。ctx がキャンセルされると戻ります。
func (q *Queue) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = q.opts.LeaseTimeout / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.ReapStalled(ctx)
			if err != nil {
				q.logf("reaper error: %v", err)
			}
			if n > 0 {
				q.logf("reaper requeued %d stalled job(s)", n)
			}
		}
	}
}

// Status はジョブの読み取り専用スナップショットを返します。未投入のIDには nil, nil を返します。
func (q *Queue) Status(ctx context.Context, jobID string) (*Status, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.lookupLocked(ctx, jobID)
	if err != nil || job == nil {
		return nil, err
	}
	return statusOf(job), nil
}

// CountByState は指定した状態のジョブ件数を返します。
func (q *Queue) CountByState(ctx context.Context, state State) (int, error) {
	if !state.Valid() {
		return 0, fmt.Errorf("unknown state: %q", state)
	}
	return q.store.Count(ctx, state)
}

// Stats はすべての状態の件数をまとめて返します。
func (q *Queue) Stats(ctx context.Context) (map[State]int, error) {
	stats := make(map[State]int, len(AllStates))
	for _, state := range AllStates {
		n, err := q.store.Count(ctx, state)
		if err != nil {
			return nil, err
		}
		stats[state] = n
	}
	return stats, nil
}

// Restore は Store から未完了ジョブを読み戻してメモリ上の索引を再構築します。
// active のジョブはリースを維持したまま戻し、期限切れであれば回収処理に任せます。
func (q *Queue) Restore(ctx context.Context) (int, error) {
	jobs, err := q.store.List(ctx, StatePending, StateActive)
	if err != nil {
		return 0, fmt.Errorf("failed to load unfinished jobs: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.Now().UTC()
	restored := 0
	for _, job := range jobs {
		if _, exists := q.jobs[job.ID]; exists {
			continue
		}
		q.jobs[job.ID] = job
		switch job.State {
		case StatePending:
			if job.AvailableAt.After(now) {
				heap.Push(&q.delayed, job)
			} else {
				heap.Push(&q.ready, job)
			}
		case StateActive:
			if job.LeaseExpiresAt.IsZero() {
				job.LeaseExpiresAt = now.Add(q.opts.LeaseTimeout)
			}
		}
		restored++
	}
	if restored > 0 {
		q.notifyLocked()
		q.logf("restored %d unfinished job(s)", restored)
	}
	return restored, nil
}

// Close はキューを閉じ、待機中の Next を解放してイベントストリームを閉じます。
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	q.notifyLocked()
	close(q.events)
	return nil
}

// commitLocked は Revision を1つ進めて job を書き込みます。失敗した場合は job を prev に戻します。
// 別のプロセスが先に更新していた場合はメモリ上の索引から外し、ErrStaleRecord を返します。
func (q *Queue) commitLocked(ctx context.Context, job, prev *Job) error {
	job.Revision = prev.Revision + 1
	err := q.store.Update(ctx, job, prev.Revision)
	if err == nil {
		return nil
	}
	*job = *prev
	if errors.Is(err, ErrStaleRecord) {
		delete(q.jobs, job.ID)
	}
	return err
}

// checkLeaseLocked は job が active で、leaseID の試行が保持しているかを確かめます。
func (q *Queue) checkLeaseLocked(job *Job, leaseID string) error {
	if job.State != StateActive || job.LeaseID == "" || job.LeaseID != leaseID {
		return fmt.Errorf("%w: job=%s state=%s", ErrLeaseLost, job.ID, job.State)
	}
	return nil
}

func (q *Queue) lookupLocked(ctx context.Context, jobID string) (*Job, error) {
	if job, ok := q.jobs[jobID]; ok {
		return job, nil
	}
	job, err := q.store.Get(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	return job, nil
}

func (q *Queue) promoteLocked(now time.Time) {
	for q.delayed.Len() > 0 {
		at, _ := q.delayed.nextAt()
		if at.After(now) {
			return
		}
		job := heap.Pop(&q.delayed).(*Job)
		if current, ok := q.jobs[job.ID]; ok && current == job && job.State == StatePending {
			heap.Push(&q.ready, job)
		}
	}
}

// notifyLocked は Next で待機しているすべてのワーカーを起こします。
func (q *Queue) notifyLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *Queue) emitLocked(ev Event) {
	if q.closed {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = q.opts.Now().UTC()
	}
	select {
	case q.events <- ev:
	default:
		q.logf("event dropped type=%s job=%s: buffer full", ev.Type, ev.JobID)
	}
}

func (q *Queue) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return q.opts.BackoffBase * time.Duration(1<<uint(attempts-1))
}

func (q *Queue) logf(format string, args ...any) {
	if q.logger != nil {
		q.logger.Printf(format, args...)
	}
}

func validate(job *Job) (*Job, error) {
	cp := job.Clone()
	cp.ID = strings.TrimSpace(cp.ID)
	cp.OwnerID = strings.TrimSpace(cp.OwnerID)
	if cp.OwnerID == "" {
		return nil, invalid("ownerId", "is required")
	}
	if len(cp.Files) == 0 {
		return nil, invalid("files", "at least one file is required")
	}
	for i, f := range cp.Files {
		if strings.TrimSpace(f.SourceLocation) == "" {
			return nil, invalid(fmt.Sprintf("files[%d].sourceLocation", i), "is required")
		}
		if strings.TrimSpace(f.OriginalName) == "" {
			return nil, invalid(fmt.Sprintf("files[%d].originalName", i), "is required")
		}
	}
	format, err := ParseOutputFormat(string(cp.OutputFormat))
	if err != nil {
		return nil, invalid("outputFormat", "%v", err)
	}
	cp.OutputFormat = format
	opts, err := cp.PDFOptions.Normalize()
	if err != nil {
		return nil, invalid("pdfOptions", "%v", err)
	}
	cp.PDFOptions = opts
	return cp, nil
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func copyProgress(p *ProgressEvent) *ProgressEvent {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}
