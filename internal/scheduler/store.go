package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/c-atts/catts-app/internal/storage/wal"
	"github.com/c-atts/catts-app/pkg/types"
)

// Store 以到期時間為鍵的任務儲存
//
// PopDue 必須依 (RunAt, 插入順序) 由小到大回傳，且每個任務只會被取出一次。
type Store interface {
	Insert(ctx context.Context, runAt time.Time, task types.Task) error
	PopDue(ctx context.Context, now time.Time) ([]types.ScheduledTask, error)
	Len(ctx context.Context) (int, error)
}

// ============================================================================
// MemoryStore：最小堆 + WAL
// 每次插入與取出都先寫入 WAL，快照後旋轉 WAL。
// ============================================================================

// MemoryStore 記憶體任務儲存，WAL 為 nil 時不具持久性
type MemoryStore struct {
	mu      sync.Mutex
	queue   *TaskQueue
	wal     *wal.WAL
	nextSeq uint64
}

// NewMemoryStore 建立記憶體任務儲存
func NewMemoryStore(w *wal.WAL) *MemoryStore {
	return &MemoryStore{
		queue:   NewTaskQueue(),
		wal:     w,
		nextSeq: 1,
	}
}

// Insert 寫入 ADD 事件後加入佇列
func (s *MemoryStore) Insert(ctx context.Context, runAt time.Time, task types.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := types.ScheduledTask{RunAt: runAt.UnixNano(), Seq: s.nextSeq, Task: task}
	if s.wal != nil {
		if err := s.wal.Append(wal.EventTaskAdded, st, true); err != nil {
			return fmt.Errorf("scheduler: log task %s: %w", task.ID, err)
		}
	}
	s.nextSeq++
	s.queue.Push(st)
	return nil
}

// PopDue 取出所有 RunAt <= now 的任務
//
// WAL 寫入失敗時停止取出，回傳已取出的任務與錯誤；未取出的任務留在佇列。
func (s *MemoryStore) PopDue(ctx context.Context, now time.Time) ([]types.ScheduledTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.UnixNano()
	var due []types.ScheduledTask
	var walErr error
	for {
		head, ok := s.queue.Peek()
		if !ok || head.RunAt > cutoff {
			break
		}
		if s.wal != nil {
			if err := s.wal.Append(wal.EventTaskPopped, head, false); err != nil {
				walErr = fmt.Errorf("scheduler: log pop %s: %w", head.Task.ID, err)
				break
			}
		}
		s.queue.PopMin()
		due = append(due, head)
	}
	if s.wal != nil && len(due) > 0 {
		if err := s.wal.Flush(); err != nil && walErr == nil {
			walErr = err
		}
	}
	return due, walErr
}

// Len 佇列中的任務數
func (s *MemoryStore) Len(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len(), nil
}

// Tasks 依到期順序回傳所有任務
func (s *MemoryStore) Tasks() []types.ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Items()
}

// Restore 從快照載入任務，必須在 Replay 之前呼叫
func (s *MemoryStore) Restore(tasks []types.ScheduledTask) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queue = NewTaskQueue()
	s.nextSeq = 1
	for _, st := range tasks {
		s.queue.Push(st)
		s.observeSeq(st.Seq)
	}
}

// Replay 重放 WAL，套用快照之後的 ADD / POP 事件
//
// 重放是冪等的：已存在的 ADD 與不存在的 POP 會被略過。
func (s *MemoryStore) Replay() (applied int, err error) {
	if s.wal == nil {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.wal.Replay(func(event wal.Event) error {
		if event.Type == wal.EventRunUpsert {
			return nil // Run 狀態由 run.MemoryStore 重放
		}
		s.observeSeq(event.Task.Seq)
		switch event.Type {
		case wal.EventTaskAdded:
			if s.queue.Push(event.Task) {
				applied++
			}
		case wal.EventTaskPopped:
			if s.queue.Remove(event.Task.Seq) {
				applied++
			}
		default:
			return fmt.Errorf("scheduler: unknown wal event %q at seq %d", event.Type, event.Seq)
		}
		return nil
	})
	return applied, err
}

// Checkpoint 在持鎖狀態下將目前佇列交給 write 持久化，成功後旋轉 WAL
//
// walSeq 為快照涵蓋的最後一個 WAL 序號。
func (s *MemoryStore) Checkpoint(write func(tasks []types.ScheduledTask, walSeq uint64) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.wal != nil {
		if err := s.wal.Flush(); err != nil {
			return err
		}
	}
	if err := write(s.queue.Items(), s.wal.GetLastSeq()); err != nil {
		return err
	}
	if s.wal == nil {
		return nil
	}
	if err := s.wal.Rotate(); err != nil {
		return errors.Join(ErrRotateFailed, err)
	}
	return nil
}

// ErrRotateFailed 快照已寫入但 WAL 旋轉失敗；重放仍然安全
var ErrRotateFailed = errors.New("scheduler: wal rotate failed after snapshot")

func (s *MemoryStore) observeSeq(seq uint64) {
	if seq >= s.nextSeq {
		s.nextSeq = seq + 1
	}
}
