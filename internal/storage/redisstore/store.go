// Package redisstore 以 Redis sorted set 實作 scheduler.Store
//
// Redis keys:
//   - tasks:scheduled (zset)  score=run_at unix millis, member=<seq>:<task id>
//   - task:<member> (hash)    payload=ScheduledTask JSON
//   - tasks:seq (string)      插入序號計數器
//
// member 以補零的 seq 開頭，相同 score 時依字典序即為插入順序。
//
// PopDue 以單一 Lua script 完成「取出 + 讀取 + 刪除」，不會留下只移出 zset
// 卻沒讀到內容的任務。Run 狀態的互斥只在單一行程內，一個 Redis 只供一個引擎使用。
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/c-atts/catts-app/pkg/types"
)

const (
	scheduledKey = "tasks:scheduled"
	seqKey       = "tasks:seq"
	defaultLimit = 500
)

// popDueScript 原子地取出到期任務並回傳其 payload
//
// KEYS[1] = 排程 zset，ARGV[1] = 最大 score（unix millis），ARGV[2] = 上限
var popDueScript = redis.NewScript(`
local members = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local out = {}
for _, m in ipairs(members) do
  redis.call('ZREM', KEYS[1], m)
  local key = 'task:' .. m
  local payload = redis.call('HGET', key, 'payload')
  redis.call('DEL', key)
  if payload then
    table.insert(out, payload)
  end
end
return out
`)

// Store Redis 任務儲存
type Store struct {
	rdb   *redis.Client
	limit int64 // 單次 PopDue 最多取出的任務數
}

// New 建立 Store 並確認連線
func New(ctx context.Context, rdb *redis.Client) (*Store, error) {
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{rdb: rdb, limit: defaultLimit}, nil
}

func taskKey(member string) string { return "task:" + member }

func member(seq uint64, id string) string { return fmt.Sprintf("%020d:%s", seq, id) }

// Insert 寫入任務內容後加入 zset
func (s *Store) Insert(ctx context.Context, runAt time.Time, task types.Task) error {
	seq, err := s.rdb.Incr(ctx, seqKey).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate task seq: %w", err)
	}
	st := types.ScheduledTask{RunAt: runAt.UnixNano(), Seq: uint64(seq), Task: task}
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal task %s: %w", task.ID, err)
	}

	m := member(st.Seq, task.ID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, taskKey(m), "payload", string(payload))
	pipe.ZAdd(ctx, scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: m})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to schedule task %s: %w", task.ID, err)
	}
	return nil
}

// PopDue 取出到期任務
//
// 無法解析的 payload 已從 Redis 移除，回報錯誤但不影響其他任務。
func (s *Store) PopDue(ctx context.Context, now time.Time) ([]types.ScheduledTask, error) {
	payloads, err := popDueScript.Run(ctx, s.rdb, []string{scheduledKey}, now.UnixMilli(), s.limit).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to pop due tasks: %w", err)
	}

	due := make([]types.ScheduledTask, 0, len(payloads))
	var errs []error
	for _, raw := range payloads {
		var st types.ScheduledTask
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			errs = append(errs, fmt.Errorf("failed to unmarshal task payload: %w", err))
			continue
		}
		due = append(due, st)
	}
	return due, errors.Join(errs...)
}

// Len 排程中的任務數
func (s *Store) Len(ctx context.Context) (int, error) {
	n, err := s.rdb.ZCard(ctx, scheduledKey).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
