package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix   = "job:"
	stateKeyPrefix = "jobs:state:"
	tombstoneKey   = "jobs:tombstones"
	maxTxRetries   = 16

	persistentScore = 1e15
)

// RedisStore はジョブレコードを Redis に保存します。
// レコード本体は job:<id> に JSON で置き、状態ごとの索引を sorted set で持ちます。
// 索引のスコアはレコードの有効期限（Unix秒）で、期限のないレコードは persistentScore です。
// 失効するレコードは jobs:tombstones にIDと所有者だけを残し、同じIDが再利用されないようにします。
type RedisStore struct {
	rdb       *redis.Client
	retention time.Duration
	now       func() time.Time
}

// NewRedisStore は RedisStore を作成します。retention が正の場合、終端状態のレコードはその期間で失効します。
func NewRedisStore(rdb *redis.Client, retention time.Duration) *RedisStore {
	return &RedisStore{
		rdb:       rdb,
		retention: retention,
		now:       time.Now,
	}
}

// Create は新しいジョブレコードを保存します。レコードか失効済みIDの記録が残っていれば ErrStaleRecord を返します。
func (s *RedisStore) Create(ctx context.Context, job *Job) error {
	return s.write(ctx, job, -1)
}

// Update は保存済みレコードの Revision が revision と一致する場合だけ上書きし、状態索引を付け替えます。
func (s *RedisStore) Update(ctx context.Context, job *Job, revision int64) error {
	if revision < 0 {
		return fmt.Errorf("revision must not be negative: %d", revision)
	}
	return s.write(ctx, job, revision)
}

// write は expect が負ならレコードが無いこと、0以上なら保存済みの Revision が expect であることを
// WATCH で確かめてから書き込みます。
func (s *RedisStore) write(ctx context.Context, job *Job, expect int64) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	if job.ID == "" {
		return fmt.Errorf("jobID is required")
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}

	key := jobKey(job.ID)
	ttl := time.Duration(0)
	score := float64(persistentScore)
	var tombstone []byte
	if job.State.Terminal() && s.retention > 0 {
		ttl = s.retention
		score = float64(s.now().Add(s.retention).Unix())
		if tombstone, err = json.Marshal(tombstoneOf(job)); err != nil {
			return err
		}
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			head, err := readHead(ctx, tx, key)
			if err != nil {
				return err
			}
			if expect < 0 {
				if head != nil {
					return ErrStaleRecord
				}
				buried, err := tx.HExists(ctx, tombstoneKey, job.ID).Result()
				if err != nil {
					return err
				}
				if buried {
					return ErrStaleRecord
				}
			} else if head == nil || head.Revision != expect {
				return ErrStaleRecord
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, ttl)
				if head != nil && head.State != job.State {
					pipe.ZRem(ctx, stateKey(head.State), job.ID)
				}
				pipe.ZAdd(ctx, stateKey(job.State), redis.Z{Score: score, Member: job.ID})
				if tombstone != nil {
					pipe.HSet(ctx, tombstoneKey, job.ID, tombstone)
				}
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, ErrStaleRecord) {
			return fmt.Errorf("%w: %s", ErrStaleRecord, job.ID)
		}
		return err
	}
	return fmt.Errorf("failed to save job %s: too much contention", job.ID)
}

// Get はジョブ情報を取得します。
func (s *RedisStore) Get(ctx context.Context, jobID string) (*Job, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		// レコードが失効していてもIDの持ち主は残す
		data, err = s.rdb.HGet(ctx, tombstoneKey, jobID).Bytes()
	}
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// List は指定した状態のジョブを作成日時順に返します。
func (s *RedisStore) List(ctx context.Context, states ...State) ([]*Job, error) {
	if len(states) == 0 {
		states = AllStates
	}
	var ids []string
	for _, state := range states {
		if err := s.pruneExpired(ctx, state); err != nil {
			return nil, err
		}
		members, err := s.rdb.ZRange(ctx, stateKey(state), 0, -1).Result()
		if err != nil {
			return nil, err
		}
		ids = append(ids, members...)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	jobs := make([]*Job, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return nil, fmt.Errorf("failed to decode job %s: %w", ids[i], err)
		}
		jobs = append(jobs, &job)
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

// Count は状態索引の件数を返します。失効済みのメンバーは先に取り除きます。
func (s *RedisStore) Count(ctx context.Context, state State) (int, error) {
	if err := s.pruneExpired(ctx, state); err != nil {
		return 0, err
	}
	n, err := s.rdb.ZCard(ctx, stateKey(state)).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Close は Redis クライアントを閉じます。
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) pruneExpired(ctx context.Context, state State) error {
	upper := strconv.FormatInt(s.now().Unix(), 10)
	return s.rdb.ZRemRangeByScore(ctx, stateKey(state), "-inf", upper).Err()
}

// recordHead は状態索引の付け替えと比較に必要な項目だけを読み出したものです。
type recordHead struct {
	State    State `json:"state"`
	Revision int64 `json:"revision"`
}

func readHead(ctx context.Context, tx *redis.Tx, key string) (*recordHead, error) {
	data, err := tx.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var head recordHead
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}
	return &head, nil
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

func stateKey(state State) string {
	return stateKeyPrefix + string(state)
}
