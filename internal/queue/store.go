package queue

import "context"

// Store はジョブレコードを永続化するバックエンドです。
// Queue はミューテックスを保持したまま呼び出すため、実装側でロックを取る必要はありません。
// 複数のプロセスが同じ Store を共有する場合は Update の比較で書き込みが直列化されます。
type Store interface {
	// Create は新しいジョブレコードを保存します。同じIDのレコードがあれば ErrStaleRecord を返します。
	Create(ctx context.Context, job *Job) error
	// Update は保存済みレコードの Revision が revision と一致する場合だけ job で上書きします。
	// 一致しない場合やレコードが消えている場合は ErrStaleRecord を返します。
	Update(ctx context.Context, job *Job, revision int64) error
	// Get はジョブを取得します。存在しない場合は nil, nil を返します。
	// 保持期間を過ぎたレコードは Purged を立てた最小限の内容で返すことがあります。
	Get(ctx context.Context, jobID string) (*Job, error)
	// List は指定した状態のジョブを作成日時順に返します。状態を省略すると全件です。
	List(ctx context.Context, states ...State) ([]*Job, error)
	// Count は指定した状態のジョブ件数を返します。
	Count(ctx context.Context, state State) (int, error)
	Close() error
}

// tombstoneOf は保持期間切れのレコードの代わりに残す最小限の内容を返します。
func tombstoneOf(job *Job) *Job {
	return &Job{
		ID:           job.ID,
		OwnerID:      job.OwnerID,
		State:        job.State,
		OutputFormat: job.OutputFormat,
		AttemptsMade: job.AttemptsMade,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
		Revision:     job.Revision,
		Purged:       true,
	}
}
