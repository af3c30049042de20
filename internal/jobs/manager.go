package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path"
	"time"

	"github.com/hibiken/asynq"

	"github.com/yourusername/heic-forge/internal/config"
	"github.com/yourusername/heic-forge/internal/queue"
)

const (
	// TaskExpireArtifacts は成果物とアップロードの削除タスクです。
	TaskExpireArtifacts = "artifacts:expire"
	// TaskReapQueue はリース切れジョブの回収タスクです。
	TaskReapQueue = "queue:reap"

	maintenanceQueue = "maintenance"
)

// Purger は接頭辞配下のファイルを削除します。
type Purger interface {
	Purge(ctx context.Context, prefix string) error
}

// Reaper はリース切れの active ジョブを回収します。
type Reaper interface {
	ReapStalled(ctx context.Context) (int, error)
}

// Manager は Asynq を使った保守タスク（成果物の期限切れ削除と定期回収）を担います。
type Manager struct {
	cfg       *config.Config
	client    *asynq.Client
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	storage   Purger
	reaper    Reaper
	logger    *log.Logger
}

// ExpirePayload は成果物削除タスクのペイロードです。
type ExpirePayload struct {
	JobID string `json:"jobId"`
}

// NewManager は Manager を初期化します。
func NewManager(cfg *config.Config, storage Purger, reaper Reaper, logger *log.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if storage == nil {
		return nil, errors.New("storage is nil")
	}
	if reaper == nil {
		return nil, errors.New("reaper is nil")
	}
	opt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: 1,
			Queues: map[string]int{
				maintenanceQueue: 1,
			},
			Logger: newAsynqLogger(logger),
		},
	)
	scheduler := asynq.NewScheduler(opt, &asynq.SchedulerOpts{
		Logger: newAsynqLogger(logger),
	})

	mux := asynq.NewServeMux()
	manager := &Manager{
		cfg:       cfg,
		client:    client,
		server:    server,
		scheduler: scheduler,
		mux:       mux,
		storage:   storage,
		reaper:    reaper,
		logger:    logger,
	}
	mux.HandleFunc(TaskExpireArtifacts, manager.handleExpireTask)
	mux.HandleFunc(TaskReapQueue, manager.handleReapTask)
	return manager, nil
}

// StartWorkers は Asynq サーバーとスケジューラーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() error {
	if interval := m.cfg.ReapInterval(); interval > 0 {
		task := asynq.NewTask(TaskReapQueue, nil)
		if _, err := m.scheduler.Register(fmt.Sprintf("@every %s", interval), task, asynq.Queue(maintenanceQueue), asynq.MaxRetry(0)); err != nil {
			return fmt.Errorf("failed to register reap schedule: %w", err)
		}
		go func() {
			if err := m.scheduler.Run(); err != nil {
				m.logf("asynq scheduler stopped with error: %v", err)
			}
		}()
	}

	go func() {
		if err := m.server.Run(m.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			m.logf("asynq server stopped with error: %v", err)
		}
	}()
	return nil
}

// Shutdown はサーバー・スケジューラー・クライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.scheduler.Shutdown()
	m.server.Shutdown()
	return m.client.Close()
}

// ScheduleExpiry は ttl 経過後にジョブの成果物とアップロードを削除するタスクを登録します。
// 同じジョブに対して複数回呼んでもタスクは1件だけです。
func (m *Manager) ScheduleExpiry(ctx context.Context, jobID string, ttl time.Duration) error {
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}
	body, err := json.Marshal(ExpirePayload{JobID: jobID})
	if err != nil {
		return err
	}

	task := asynq.NewTask(TaskExpireArtifacts, body)
	_, err = m.client.EnqueueContext(ctx, task,
		asynq.Queue(maintenanceQueue),
		asynq.ProcessIn(ttl),
		asynq.TaskID(expireTaskID(jobID)),
		asynq.MaxRetry(3),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

// OnSettled は Pool.OnSettled に渡すフックです。終端状態になったジョブの削除を予約します。
func (m *Manager) OnSettled(ctx context.Context, job *queue.Job, state queue.State) {
	if err := m.ScheduleExpiry(ctx, job.ID, m.cfg.ArtifactTTL()); err != nil {
		m.logf("failed to schedule expiry job=%s state=%s: %v", job.ID, state, err)
	}
}

func (m *Manager) handleExpireTask(ctx context.Context, task *asynq.Task) error {
	var payload ExpirePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in payload: %w", asynq.SkipRetry)
	}
	return expireArtifacts(ctx, m.storage, payload.JobID)
}

func (m *Manager) handleReapTask(ctx context.Context, task *asynq.Task) error {
	n, err := m.reaper.ReapStalled(ctx)
	if n > 0 {
		m.logf("scheduled reap requeued %d stalled job(s)", n)
	}
	return err
}

// expireArtifacts はジョブの成果物と入力を削除します。
func expireArtifacts(ctx context.Context, storage Purger, jobID string) error {
	var errs []error
	for _, prefix := range []string{path.Join("jobs", jobID), path.Join("uploads", jobID)} {
		if err := storage.Purge(ctx, prefix); err != nil {
			errs = append(errs, fmt.Errorf("purge %s: %w", prefix, err))
		}
	}
	return errors.Join(errs...)
}

func expireTaskID(jobID string) string {
	return "expire:" + jobID
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	} else {
		log.Printf(format, args...)
	}
}
