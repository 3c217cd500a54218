package run

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/c-atts/catts-app/internal/storage/wal"
	"github.com/c-atts/catts-app/pkg/types"
)

// Store Run 的持久化介面
//
// 實作必須回傳複本，呼叫端修改回傳值不影響儲存內容。
type Store interface {
	Insert(ctx context.Context, run *types.Run) error // ID 已存在時回傳 ErrAlreadyExists
	Get(ctx context.Context, id types.RunID) (*types.Run, error)
	Update(ctx context.Context, run *types.Run) error
	ListByCreator(ctx context.Context, creator common.Address) ([]*types.Run, error) // 新到舊
}

// MemoryStore 記憶體 Run 儲存
//
// 設定 WAL 時，每次 Insert / Update 先以 RUN_UPSERT 事件落盤才修改記憶體；
// 未設定時持久性只來自快照。
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[types.RunID]*types.Run
	wal  *wal.WAL
}

// StoreOption 設定 MemoryStore
type StoreOption func(*MemoryStore)

// WithWAL 讓每次變更寫入 WAL
func WithWAL(w *wal.WAL) StoreOption {
	return func(s *MemoryStore) { s.wal = w }
}

// NewMemoryStore 建立空的記憶體儲存
func NewMemoryStore(opts ...StoreOption) *MemoryStore {
	s := &MemoryStore{runs: make(map[types.RunID]*types.Run)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Insert(ctx context.Context, run *types.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return ErrAlreadyExists
	}
	return s.putLocked(run)
}

func (s *MemoryStore) Get(ctx context.Context, id types.RunID) (*types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, run *types.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return ErrNotFound
	}
	return s.putLocked(run)
}

// putLocked 先寫 WAL 再更新記憶體；WAL 失敗時狀態不變
func (s *MemoryStore) putLocked(run *types.Run) error {
	stored := run.Clone()
	if s.wal != nil {
		if err := s.wal.AppendRun(stored); err != nil {
			return fmt.Errorf("run: journal %s: %w", run.ID, err)
		}
	}
	s.runs[run.ID] = stored
	return nil
}

func (s *MemoryStore) ListByCreator(ctx context.Context, creator common.Address) ([]*types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Run
	for _, r := range s.runs {
		if r.Creator == creator {
			out = append(out, r.Clone())
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// Snapshot 回傳所有 Run 的複本，依建立時間排序
func (s *MemoryStore) Snapshot() []*types.Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *MemoryStore) snapshotLocked() []*types.Run {
	out := make([]*types.Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created < out[j].Created })
	return out
}

// Restore 以快照內容取代目前狀態
func (s *MemoryStore) Restore(runs []*types.Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = make(map[types.RunID]*types.Run, len(runs))
	for _, r := range runs {
		s.runs[r.ID] = r.Clone()
	}
}

// Replay 套用 WAL 中的 RUN_UPSERT 事件，回傳套用數量
//
// 事件是完整狀態，重複套用結果相同；排程事件略過。
func (s *MemoryStore) Replay() (applied int, err error) {
	if s.wal == nil {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.wal.Replay(func(event wal.Event) error {
		if event.Type != wal.EventRunUpsert || event.Run == nil {
			return nil
		}
		s.runs[event.Run.ID] = event.Run.Clone()
		applied++
		return nil
	})
	return applied, err
}

// Checkpoint 持鎖期間把所有 Run 交給 write
//
// write 返回前 Insert / Update 都會阻塞，因此 write 內旋轉 WAL 不會遺失事件。
func (s *MemoryStore) Checkpoint(write func(runs []*types.Run) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return write(s.snapshotLocked())
}

func sortNewestFirst(runs []*types.Run) {
	sort.Slice(runs, func(i, j int) bool { return runs[i].Created > runs[j].Created })
}
