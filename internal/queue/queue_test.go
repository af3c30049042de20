package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

type memStore struct {
	mu    sync.Mutex
	jobs  map[string]*Job
	saves int
	fail  error
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]*Job)}
}

func (m *memStore) Create(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	if _, ok := m.jobs[job.ID]; ok {
		return ErrStaleRecord
	}
	m.saves++
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *memStore) Update(ctx context.Context, job *Job, revision int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	current, ok := m.jobs[job.ID]
	if !ok || current.Revision != revision {
		return ErrStaleRecord
	}
	m.saves++
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *memStore) Get(ctx context.Context, jobID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, nil
	}
	return job.Clone(), nil
}

func (m *memStore) List(ctx context.Context, states ...State) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Job
	for _, job := range m.jobs {
		if len(states) == 0 || containsState(states, job.State) {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) Count(ctx context.Context, state State) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, job := range m.jobs {
		if job.State == state {
			n++
		}
	}
	return n, nil
}

func (m *memStore) Close() error { return nil }

func containsState(states []State, s State) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestQueue(t *testing.T) (*Queue, *memStore, *fakeClock) {
	t.Helper()
	store := newMemStore()
	clock := newFakeClock()
	q := New(store, Options{
		LeaseTimeout: time.Minute,
		PollInterval: 10 * time.Millisecond,
		Now:          clock.Now,
	}, nil)
	return q, store, clock
}

func sampleJob(id, owner string, priority int) *Job {
	return &Job{
		ID:           id,
		OwnerID:      owner,
		Priority:     priority,
		OutputFormat: FormatJPG,
		Quality:      80,
		Files: []FileRef{
			{OriginalName: "A.heic", SourceLocation: "uploads/x/A.heic", SizeBytes: 10},
		},
	}
}

func TestEnqueueRejectsInvalidJobs(t *testing.T) {
	q, store, _ := newTestQueue(t)
	ctx := context.Background()

	cases := map[string]*Job{
		"no files":        {OwnerID: "u1", OutputFormat: FormatJPG},
		"no source":       {OwnerID: "u1", OutputFormat: FormatJPG, Files: []FileRef{{OriginalName: "a.heic"}}},
		"no owner":        {OutputFormat: FormatJPG, Files: []FileRef{{OriginalName: "a.heic", SourceLocation: "x"}}},
		"bad format":      {OwnerID: "u1", OutputFormat: "gif", Files: []FileRef{{OriginalName: "a.heic", SourceLocation: "x"}}},
		"bad page size":   {OwnerID: "u1", OutputFormat: FormatPDF, PDFOptions: PDFOptions{PageSize: "b9"}, Files: []FileRef{{OriginalName: "a.heic", SourceLocation: "x"}}},
		"bad orientation": {OwnerID: "u1", OutputFormat: FormatPDF, PDFOptions: PDFOptions{Orientation: "diagonal"}, Files: []FileRef{{OriginalName: "a.heic", SourceLocation: "x"}}},
	}
	for name, job := range cases {
		_, err := q.Enqueue(ctx, job)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("%s: expected ValidationError, got %v", name, err)
		}
	}
	if store.saves != 0 {
		t.Fatalf("invalid jobs must not be persisted, saves=%d", store.saves)
	}
}

func TestEnqueueAssignsIDAndDefaults(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	job := sampleJob("", "u1", 1)
	job.OutputFormat = "JPEG"
	id, err := q.Enqueue(ctx, job)
	if err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	if id == "" {
		t.Fatal("expected generated id")
	}
	st, err := q.Status(ctx, id)
	if err != nil || st == nil {
		t.Fatalf("Status returned %v, %v", st, err)
	}
	if st.State != StatePending || st.OutputFormat != FormatJPG {
		t.Fatalf("unexpected status: %+v", st)
	}
	if job.ID != "" {
		t.Fatal("Enqueue must not mutate the caller's job")
	}

	got, _ := q.DequeueNext(ctx)
	if got.PDFOptions.PageSize != DefaultPageSize || got.PDFOptions.Orientation != DefaultOrientation {
		t.Fatalf("pdf options not defaulted: %+v", got.PDFOptions)
	}
}

func TestEnqueueIsIdempotentForSameID(t *testing.T) {
	q, store, _ := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		id, err := q.Enqueue(ctx, sampleJob("job-1", "u1", 1))
		if err != nil {
			t.Fatalf("Enqueue #%d returned error: %v", i, err)
		}
		if id != "job-1" {
			t.Fatalf("id = %s, want job-1", id)
		}
	}
	if n, _ := q.CountByState(ctx, StatePending); n != 1 {
		t.Fatalf("pending count = %d, want 1", n)
	}
	if store.saves != 1 {
		t.Fatalf("saves = %d, want 1", store.saves)
	}

	first, _ := q.DequeueNext(ctx)
	if first == nil {
		t.Fatal("expected one job")
	}
	if second, _ := q.DequeueNext(ctx); second != nil {
		t.Fatalf("duplicate entry dequeued: %+v", second)
	}

	if _, err := q.Enqueue(ctx, sampleJob("job-1", "u1", 1)); err != nil {
		t.Fatalf("re-enqueue of active job returned error: %v", err)
	}
	if st, _ := q.Status(ctx, "job-1"); st.State != StateActive {
		t.Fatalf("re-enqueue changed state to %s", st.State)
	}
}

func TestEnqueueConflictForOtherOwner(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, sampleJob("job-1", "u1", 1)); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	if _, err := q.Enqueue(ctx, sampleJob("job-1", "u2", 1)); !errors.Is(err, ErrJobConflict) {
		t.Fatalf("expected ErrJobConflict, got %v", err)
	}
}

func TestDequeueOrdersByPriorityThenCreatedAt(t *testing.T) {
	q, _, clock := newTestQueue(t)
	ctx := context.Background()

	for _, tc := range []struct {
		id       string
		priority int
	}{
		{"low-1", 5},
		{"high-1", 1},
		{"mid", 3},
		{"high-2", 1},
	} {
		if _, err := q.Enqueue(ctx, sampleJob(tc.id, "u1", tc.priority)); err != nil {
			t.Fatalf("Enqueue %s: %v", tc.id, err)
		}
		clock.Advance(time.Second)
	}

	want := []string{"high-1", "high-2", "mid", "low-1"}
	for _, id := range want {
		job, err := q.DequeueNext(ctx)
		if err != nil {
			t.Fatalf("DequeueNext returned error: %v", err)
		}
		if job == nil || job.ID != id {
			t.Fatalf("dequeued %+v, want %s", job, id)
		}
		if job.State != StateActive || job.LeaseExpiresAt.IsZero() {
			t.Fatalf("dequeued job not claimed: %+v", job)
		}
	}
	if job, _ := q.DequeueNext(ctx); job != nil {
		t.Fatalf("expected empty queue, got %s", job.ID)
	}
}

func TestDequeueIsExclusiveUnderConcurrency(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		if _, err := q.Enqueue(ctx, sampleJob("", "u1", i%3)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := q.DequeueNext(ctx)
				if err != nil {
					t.Errorf("DequeueNext: %v", err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != 50 {
		t.Fatalf("claimed %d distinct jobs, want 50", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("job %s claimed %d times", id, n)
		}
	}
}

func TestFailRetriesWithBackoffThenFails(t *testing.T) {
	q, _, clock := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, sampleJob("job-1", "u1", 2)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	delays := []time.Duration{5 * time.Second, 10 * time.Second}
	for attempt := 1; attempt <= 3; attempt++ {
		job, err := q.DequeueNext(ctx)
		if err != nil || job == nil {
			t.Fatalf("attempt %d: DequeueNext = %v, %v", attempt, job, err)
		}
		if job.AttemptsMade != attempt-1 || job.Priority != 2 {
			t.Fatalf("attempt %d: unexpected job %+v", attempt, job)
		}
		if err := q.Fail(ctx, job.ID, job.LeaseID, "storage unavailable"); err != nil {
			t.Fatalf("Fail: %v", err)
		}
		st, _ := q.Status(ctx, job.ID)
		if attempt < 3 {
			if st.State != StatePending {
				t.Fatalf("attempt %d: state = %s, want pending", attempt, st.State)
			}
			clock.Advance(delays[attempt-1] - time.Millisecond)
			if early, _ := q.DequeueNext(ctx); early != nil {
				t.Fatalf("attempt %d: job visible before backoff elapsed", attempt)
			}
			clock.Advance(time.Millisecond)
			continue
		}
		if st.State != StateFailed {
			t.Fatalf("final state = %s, want failed", st.State)
		}
		if st.AttemptsMade != 3 {
			t.Fatalf("attemptsMade = %d, want 3", st.AttemptsMade)
		}
		if st.Reason != "storage unavailable" {
			t.Fatalf("reason = %q", st.Reason)
		}
	}

	if err := q.Fail(ctx, "job-1", "", "again"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("Fail on terminal job should be rejected, got %v", err)
	}
}

func TestCompleteStoresOutcomeAndEmitsEvent(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, sampleJob("job-1", "u1", 1)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-q.Events() // job:queued

	job, _ := q.DequeueNext(ctx)
	outcome := &Outcome{Results: []ConversionResult{
		{OriginalName: "A.heic", ConvertedName: "A.jpg", Degraded: true},
	}}
	if err := q.Complete(ctx, job.ID, job.LeaseID, outcome); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	ev := <-q.Events()
	if ev.Type != EventCompleted || ev.OwnerID != "u1" || ev.Outcome == nil {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if !ev.Outcome.Degraded || ev.Outcome.DegradedCount != 1 {
		t.Fatalf("degraded flag not derived: %+v", ev.Outcome)
	}

	st, _ := q.Status(ctx, "job-1")
	if st.State != StateCompleted || st.Outcome == nil || st.Progress.Percentage != 100 {
		t.Fatalf("unexpected status after completion: %+v", st)
	}
	if err := q.Complete(ctx, "job-1", job.LeaseID, outcome); err == nil {
		t.Fatal("expected error completing a terminal job")
	}
}

func TestCompleteRequiresActiveJob(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, sampleJob("job-1", "u1", 1)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Complete(ctx, "job-1", "", &Outcome{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestReportProgressOverwritesAndExtendsLease(t *testing.T) {
	q, _, clock := newTestQueue(t)
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, sampleJob("job-1", "u1", 1)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	job, _ := q.DequeueNext(ctx)
	firstLease := job.LeaseExpiresAt

	clock.Advance(30 * time.Second)
	if err := q.ReportProgress(ctx, job.ID, job.LeaseID, ProgressEvent{FileIndex: 1, TotalFiles: 2, Percentage: 50}); err != nil {
		t.Fatalf("ReportProgress: %v", err)
	}
	if err := q.ReportProgress(ctx, job.ID, job.LeaseID, ProgressEvent{FileIndex: 1, TotalFiles: 2, Percentage: 150}); err != nil {
		t.Fatalf("ReportProgress: %v", err)
	}

	st, _ := q.Status(ctx, job.ID)
	if st.Progress.Percentage != 100 || st.Progress.OwnerID != "u1" || st.Progress.Phase != PhaseProcessing {
		t.Fatalf("unexpected progress snapshot: %+v", st.Progress)
	}

	clock.Advance(45 * time.Second)
	if n, _ := q.ReapStalled(ctx); n != 0 {
		t.Fatalf("progress should have extended the lease past %s", firstLease)
	}
}

func TestReportProgressUnknownJobIsNoop(t *testing.T) {
	q, _, _ := newTestQueue(t)
	if err := q.ReportProgress(context.Background(), "missing", "lease", ProgressEvent{Percentage: 10}); err != nil {
		t.Fatalf("expected nil for unknown job, got %v", err)
	}
	select {
	case ev := <-q.Events():
		t.Fatalf("unexpected event: %+v", ev)
	default:
	}
}

func TestReapStalledRequeuesExpiredLease(t *testing.T) {
	q, _, clock := newTestQueue(t)
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, sampleJob("job-1", "u1", 1)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.DequeueNext(ctx); err != nil {
		t.Fatalf("DequeueNext: %v", err)
	}

	clock.Advance(time.Minute + time.Second)
	n, err := q.ReapStalled(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ReapStalled = %d, %v", n, err)
	}
	st, _ := q.Status(ctx, "job-1")
	if st.State != StatePending || st.AttemptsMade != 1 || st.Reason != ReasonLeaseExpired {
		t.Fatalf("unexpected status after reap: %+v", st)
	}

	clock.Advance(5 * time.Second)
	job, _ := q.DequeueNext(ctx)
	if job == nil || job.ID != "job-1" {
		t.Fatalf("reaped job should become visible again, got %+v", job)
	}
}

func TestReapedAttemptCannotTouchTheNextAttempt(t *testing.T) {
	q, _, clock := newTestQueue(t)
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, sampleJob("job-1", "u1", 1)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	stale, _ := q.DequeueNext(ctx)

	clock.Advance(2 * time.Minute)
	if n, err := q.ReapStalled(ctx); err != nil || n != 1 {
		t.Fatalf("ReapStalled = %d, %v", n, err)
	}
	clock.Advance(time.Hour)
	current, _ := q.DequeueNext(ctx)
	if current == nil || current.LeaseID == stale.LeaseID {
		t.Fatalf("second claim should carry a new lease: %+v", current)
	}

	if err := q.ReportProgress(ctx, stale.ID, stale.LeaseID, ProgressEvent{Percentage: 10}); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("stale ReportProgress = %v, want ErrLeaseLost", err)
	}
	if err := q.RenewLease(ctx, stale.ID, stale.LeaseID); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("stale RenewLease = %v, want ErrLeaseLost", err)
	}
	if err := q.Fail(ctx, stale.ID, stale.LeaseID, "late failure"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("stale Fail = %v, want ErrInvalidTransition", err)
	}
	if err := q.Complete(ctx, stale.ID, stale.LeaseID, &Outcome{}); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("stale Complete = %v, want ErrLeaseLost", err)
	}

	st, _ := q.Status(ctx, "job-1")
	if st.State != StateActive || st.AttemptsMade != 1 {
		t.Fatalf("stale calls changed the job: %+v", st)
	}
	if err := q.Complete(ctx, current.ID, current.LeaseID, &Outcome{}); err != nil {
		t.Fatalf("Complete by the current attempt: %v", err)
	}
	if st, _ := q.Status(ctx, "job-1"); st.State != StateCompleted || st.AttemptsMade != 1 {
		t.Fatalf("unexpected final status: %+v", st)
	}
}

func TestRenewLeaseKeepsJobActive(t *testing.T) {
	q, _, clock := newTestQueue(t)
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, sampleJob("job-1", "u1", 1)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	job, _ := q.DequeueNext(ctx)

	for i := 0; i < 3; i++ {
		clock.Advance(40 * time.Second)
		if err := q.RenewLease(ctx, job.ID, job.LeaseID); err != nil {
			t.Fatalf("RenewLease #%d: %v", i, err)
		}
		if n, _ := q.ReapStalled(ctx); n != 0 {
			t.Fatalf("renewed job reaped after %d renewals", i+1)
		}
	}
	if err := q.RenewLease(ctx, job.ID, "someone-else"); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("RenewLease with a foreign lease = %v", err)
	}
}

func TestClaimIsExclusiveAcrossQueuesSharingAStore(t *testing.T) {
	store := newMemStore()
	clock := newFakeClock()
	opts := Options{LeaseTimeout: time.Minute, Now: clock.Now}
	ctx := context.Background()

	first := New(store, opts, nil)
	if _, err := first.Enqueue(ctx, sampleJob("job-1", "u1", 1)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	second := New(store, opts, nil)
	if n, err := second.Restore(ctx); err != nil || n != 1 {
		t.Fatalf("Restore = %d, %v", n, err)
	}

	claimed, err := first.DequeueNext(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("first claim = %+v, %v", claimed, err)
	}
	if dup, err := second.DequeueNext(ctx); err != nil || dup != nil {
		t.Fatalf("second queue claimed the same job: %+v, %v", dup, err)
	}

	if err := first.Complete(ctx, claimed.ID, claimed.LeaseID, &Outcome{}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if st, _ := second.Status(ctx, "job-1"); st == nil || st.State != StateCompleted {
		t.Fatalf("second queue should read the stored state, got %+v", st)
	}
}

func TestReapAdoptsJobsLeftByAnotherQueue(t *testing.T) {
	store := newMemStore()
	clock := newFakeClock()
	opts := Options{LeaseTimeout: time.Minute, Now: clock.Now}
	ctx := context.Background()

	crashed := New(store, opts, nil)
	for _, id := range []string{"running", "waiting"} {
		if _, err := crashed.Enqueue(ctx, sampleJob(id, "u1", 1)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		clock.Advance(time.Second)
	}
	if job, _ := crashed.DequeueNext(ctx); job == nil || job.ID != "running" {
		t.Fatalf("unexpected claim: %+v", job)
	}

	survivor := New(store, opts, nil)
	if n, _ := survivor.ReapStalled(ctx); n != 0 {
		t.Fatalf("nothing is overdue yet, reaped %d", n)
	}
	if job, _ := survivor.DequeueNext(ctx); job != nil {
		t.Fatalf("fresh pending job adopted too early: %+v", job)
	}

	clock.Advance(2 * time.Minute)
	if n, err := survivor.ReapStalled(ctx); err != nil || n != 1 {
		t.Fatalf("ReapStalled = %d, %v", n, err)
	}
	if st, _ := survivor.Status(ctx, "running"); st.State != StatePending || st.AttemptsMade != 1 {
		t.Fatalf("orphaned active job not requeued: %+v", st)
	}
	job, _ := survivor.DequeueNext(ctx)
	if job == nil || job.ID != "waiting" {
		t.Fatalf("overdue pending job should be adopted, got %+v", job)
	}
}

func TestStatusUnknownReturnsNil(t *testing.T) {
	q, _, _ := newTestQueue(t)
	st, err := q.Status(context.Background(), "never")
	if err != nil || st != nil {
		t.Fatalf("Status = %+v, %v; want nil, nil", st, err)
	}
}

func TestNextBlocksUntilEnqueue(t *testing.T) {
	store := newMemStore()
	q := New(store, Options{PollInterval: time.Second}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	got := make(chan *Job, 1)
	go func() {
		job, err := q.Next(ctx)
		if err != nil {
			t.Errorf("Next: %v", err)
		}
		got <- job
	}()

	time.Sleep(20 * time.Millisecond)
	if _, err := q.Enqueue(ctx, sampleJob("job-1", "u1", 1)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case job := <-got:
		if job == nil || job.ID != "job-1" {
			t.Fatalf("Next returned %+v", job)
		}
	case <-ctx.Done():
		t.Fatal("Next did not wake up after enqueue")
	}
}

func TestNextReturnsOnCancel(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRestoreRebuildsIndex(t *testing.T) {
	store := newMemStore()
	clock := newFakeClock()
	first := New(store, Options{Now: clock.Now}, nil)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if _, err := first.Enqueue(ctx, sampleJob(id, "u1", 1)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		clock.Advance(time.Second)
	}
	if _, err := first.DequeueNext(ctx); err != nil {
		t.Fatalf("DequeueNext: %v", err)
	}

	second := New(store, Options{Now: clock.Now, LeaseTimeout: time.Minute}, nil)
	n, err := second.Restore(ctx)
	if err != nil || n != 2 {
		t.Fatalf("Restore = %d, %v", n, err)
	}
	job, _ := second.DequeueNext(ctx)
	if job == nil || job.ID != "b" {
		t.Fatalf("expected pending job b, got %+v", job)
	}

	clock.Advance(3 * time.Minute)
	if reaped, _ := second.ReapStalled(ctx); reaped != 2 {
		t.Fatalf("reaped = %d, want 2", reaped)
	}
}

func TestEventsDropWhenBufferFull(t *testing.T) {
	store := newMemStore()
	q := New(store, Options{EventBuffer: 1}, nil)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if _, err := q.Enqueue(ctx, sampleJob(id, "u1", 1)); err != nil {
			t.Fatalf("Enqueue must not block on a full event buffer: %v", err)
		}
	}
	if got := len(q.Events()); got != 1 {
		t.Fatalf("buffered events = %d, want 1", got)
	}
}

func TestStoreFailureRollsBackClaim(t *testing.T) {
	q, store, _ := newTestQueue(t)
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, sampleJob("job-1", "u1", 1)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	store.fail = errors.New("redis down")
	if _, err := q.DequeueNext(ctx); err == nil {
		t.Fatal("expected claim error")
	}
	store.fail = nil
	job, err := q.DequeueNext(ctx)
	if err != nil || job == nil || job.ID != "job-1" {
		t.Fatalf("job should still be claimable, got %+v, %v", job, err)
	}
}
