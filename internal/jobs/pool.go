// Package jobs はキューからジョブを取り出して変換を実行するワーカーと保守タスクを提供します。
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yourusername/heic-forge/internal/convert"
	"github.com/yourusername/heic-forge/internal/queue"
)

const (
	defaultConcurrency = 3
	settleTimeout      = 30 * time.Second
	dequeueRetryDelay  = time.Second
)

// Dispatcher はワーカーが使うキューの操作です。
// leaseID を取る操作は、その試行がまだリースを保持している場合にだけ反映されます。
type Dispatcher interface {
	Next(ctx context.Context) (*queue.Job, error)
	ReportProgress(ctx context.Context, jobID, leaseID string, progress queue.ProgressEvent) error
	RenewLease(ctx context.Context, jobID, leaseID string) error
	Complete(ctx context.Context, jobID, leaseID string, outcome *queue.Outcome) error
	Fail(ctx context.Context, jobID, leaseID, reason string) error
	MaxAttempts() int
	LeaseTimeout() time.Duration
}

// Runner はジョブ1件を1回試行します。
type Runner interface {
	Run(ctx context.Context, job *queue.Job, progress convert.ProgressFunc) (*queue.Outcome, error)
}

// SettledFunc はジョブが終端状態になった直後に呼ばれます。
type SettledFunc func(ctx context.Context, job *queue.Job, state queue.State)

// Pool は固定数のワーカーでキューを処理します。各ワーカーは同時に1ジョブだけを扱います。
type Pool struct {
	dispatcher  Dispatcher
	runner      Runner
	concurrency int
	logger      *log.Logger

	// OnSettled が設定されていれば完了時と最終試行の失敗時に呼ばれます。
	OnSettled SettledFunc
}

// NewPool は Pool を作成します。concurrency が0以下なら3になります。
func NewPool(dispatcher Dispatcher, runner Runner, concurrency int, logger *log.Logger) (*Pool, error) {
	if dispatcher == nil {
		return nil, errors.New("dispatcher is nil")
	}
	if runner == nil {
		return nil, errors.New("runner is nil")
	}
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Pool{
		dispatcher:  dispatcher,
		runner:      runner,
		concurrency: concurrency,
		logger:      logger,
	}, nil
}

// Concurrency はワーカー数を返します。
func (p *Pool) Concurrency() int {
	return p.concurrency
}

// Run はワーカーを起動し、ctx がキャンセルされるかキューが閉じられるまで戻りません。
// 処理中のジョブは ctx のキャンセルで中断され、失敗として再試行に回されます。
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.concurrency; i++ {
		workerID := i + 1
		g.Go(func() error {
			return p.work(gctx, workerID)
		})
	}
	return g.Wait()
}

func (p *Pool) work(ctx context.Context, workerID int) error {
	p.logf("worker %d started", workerID)
	defer p.logf("worker %d stopped", workerID)

	for {
		job, err := p.dispatcher.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			p.logf("worker %d failed to dequeue: %v", workerID, err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(dequeueRetryDelay):
			}
			continue
		}
		if job == nil {
			continue
		}
		p.process(ctx, workerID, job)
	}
}

// process はジョブを1回試行し、Complete か Fail のどちらかを高々1回だけ呼びます。
// 試行中にリースを失った場合はどちらも呼ばずに手を引きます。
func (p *Pool) process(ctx context.Context, workerID int, job *queue.Job) {
	started := time.Now()
	p.logf("worker %d processing job=%s files=%d format=%s attempt=%d", workerID, job.ID, len(job.Files), job.OutputFormat, job.AttemptsMade+1)

	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)
	stopHeartbeat := p.heartbeat(runCtx, cancelRun, job)
	outcome, runErr := p.runSafely(runCtx, cancelRun, job)
	stopHeartbeat()

	if cause := context.Cause(runCtx); errors.Is(cause, queue.ErrLeaseLost) {
		p.logf("worker %d abandoned job=%s attempt=%d: %v", workerID, job.ID, job.AttemptsMade+1, cause)
		return
	}

	// シャットダウン中でも結果は記録する
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if runErr == nil && outcome == nil {
		runErr = errors.New("runner returned no outcome")
	}
	if runErr != nil {
		reason := runErr.Error()
		if ctx.Err() != nil {
			reason = "worker shutdown: " + reason
		}
		final := job.AttemptsMade+1 >= p.dispatcher.MaxAttempts()
		if err := p.dispatcher.Fail(settleCtx, job.ID, job.LeaseID, reason); err != nil {
			p.logf("worker %d failed to record failure job=%s: %v", workerID, job.ID, err)
			return
		}
		p.logf("worker %d job=%s attempt failed after %s: %s", workerID, job.ID, time.Since(started).Round(time.Millisecond), reason)
		if final {
			p.settled(settleCtx, job, queue.StateFailed)
		}
		return
	}

	if err := p.dispatcher.Complete(settleCtx, job.ID, job.LeaseID, outcome); err != nil {
		p.logf("worker %d failed to record completion job=%s: %v", workerID, job.ID, err)
		return
	}
	p.logf("worker %d completed job=%s in %s degraded=%d", workerID, job.ID, time.Since(started).Round(time.Millisecond), outcome.DegradedCount)
	p.settled(settleCtx, job, queue.StateCompleted)
}

// heartbeat はリース期間の3分の1ごとにリースを延長するゴルーチンを起動し、その停止関数を返します。
// 延長がリース喪失で拒否されたら試行をキャンセルします。
func (p *Pool) heartbeat(ctx context.Context, cancel context.CancelCauseFunc, job *queue.Job) func() {
	interval := p.dispatcher.LeaseTimeout() / 3
	if interval <= 0 || job.LeaseID == "" {
		return func() {}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				err := p.dispatcher.RenewLease(ctx, job.ID, job.LeaseID)
				if errors.Is(err, queue.ErrLeaseLost) {
					cancel(err)
					return
				}
				if err != nil {
					p.logf("failed to renew lease job=%s: %v", job.ID, err)
				}
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

func (p *Pool) runSafely(ctx context.Context, cancel context.CancelCauseFunc, job *queue.Job) (outcome *queue.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logf("panic while processing job=%s: %v\n%s", job.ID, r, debug.Stack())
			outcome = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	progress := func(ev queue.ProgressEvent) {
		ev.JobID = job.ID
		ev.OwnerID = job.OwnerID
		err := p.dispatcher.ReportProgress(ctx, job.ID, job.LeaseID, ev)
		if errors.Is(err, queue.ErrLeaseLost) {
			cancel(err)
			return
		}
		if err != nil {
			p.logf("failed to report progress job=%s: %v", job.ID, err)
		}
	}
	return p.runner.Run(ctx, job, progress)
}

func (p *Pool) settled(ctx context.Context, job *queue.Job, state queue.State) {
	if p.OnSettled == nil {
		return
	}
	p.OnSettled(ctx, job, state)
}

func (p *Pool) logf(format string, args ...any) {
	if p.logger != nil {
		p.logger.Printf(format, args...)
	}
}
