package run

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c-atts/catts-app/internal/storage/wal"
	"github.com/c-atts/catts-app/pkg/types"
)

func openRunWAL(t *testing.T, path string) *wal.WAL {
	t.Helper()
	w, err := wal.NewWAL(path, wal.Options{})
	require.NoError(t, err)
	return w
}

func TestMemoryStoreReplaysFromWAL(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "engine.wal")

	w := openRunWAL(t, path)
	store := NewMemoryStore(WithWAL(w))
	r := &types.Run{ID: types.RunID{1}, Creator: creator, Created: 10, ChainID: sepolia}
	require.NoError(t, store.Insert(ctx, r))

	paid := r.Clone()
	tx := hashA
	paid.PaymentTransactionHash = &tx
	require.NoError(t, store.Update(ctx, paid))
	require.NoError(t, store.Insert(ctx, &types.Run{ID: types.RunID{2}, Creator: stranger, Created: 20}))
	// 不 Close：AppendRun 已經 fsync，模擬直接崩潰
	w2 := openRunWAL(t, path)
	defer w2.Close()

	recovered := NewMemoryStore(WithWAL(w2))
	applied, err := recovered.Replay()
	require.NoError(t, err)
	assert.Equal(t, 3, applied)

	got, err := recovered.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPaymentRegistered, got.Status())
	assert.Equal(t, hashA, *got.PaymentTransactionHash)

	mine, err := recovered.ListByCreator(ctx, creator)
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	// 重放是冪等的
	applied, err = recovered.Replay()
	require.NoError(t, err)
	assert.Equal(t, 3, applied)
	assert.Len(t, recovered.Snapshot(), 2)
	require.NoError(t, w.Close())
}

func TestMemoryStoreReplaySkipsTaskEvents(t *testing.T) {
	w := openRunWAL(t, filepath.Join(t.TempDir(), "engine.wal"))
	defer w.Close()

	require.NoError(t, w.Append(wal.EventTaskAdded, types.ScheduledTask{RunAt: 1, Seq: 1}, true))
	store := NewMemoryStore(WithWAL(w))
	require.NoError(t, store.Insert(context.Background(), &types.Run{ID: types.RunID{7}, Creator: creator}))

	fresh := NewMemoryStore(WithWAL(w))
	applied, err := fresh.Replay()
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
}

func TestMemoryStoreJournalFailureLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	w := openRunWAL(t, filepath.Join(t.TempDir(), "engine.wal"))
	store := NewMemoryStore(WithWAL(w))
	r := &types.Run{ID: types.RunID{3}, Creator: creator}
	require.NoError(t, store.Insert(ctx, r))
	require.NoError(t, w.Close())

	cancelled := r.Clone()
	cancelled.IsCancelled = true
	assert.ErrorIs(t, store.Update(ctx, cancelled), wal.ErrWALClosed)
	assert.ErrorIs(t, store.Insert(ctx, &types.Run{ID: types.RunID{4}}), wal.ErrWALClosed)

	got, err := store.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, got.IsCancelled)
	_, err = store.Get(ctx, types.RunID{4})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreCheckpointBlocksWrites(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Insert(ctx, &types.Run{ID: types.RunID{5}, Creator: creator}))

	inserted := make(chan struct{})
	err := store.Checkpoint(func(runs []*types.Run) error {
		go func() {
			_ = store.Insert(ctx, &types.Run{ID: types.RunID{6}, Creator: creator})
			close(inserted)
		}()
		select {
		case <-inserted:
			t.Error("insert completed while checkpoint held the store")
		default:
		}
		assert.Len(t, runs, 1)
		return nil
	})
	require.NoError(t, err)
	<-inserted
	assert.Len(t, store.Snapshot(), 2)
}
