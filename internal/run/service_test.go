package run

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c-atts/catts-app/internal/chainconfig"
	"github.com/c-atts/catts-app/internal/recipe"
	"github.com/c-atts/catts-app/pkg/types"
)

// ============================================================================
// Test Helpers
// ============================================================================

const sepolia = 11155111

var (
	creator   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	stranger  = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	hashA     = "0x" + strings.Repeat("a", 64)
	hashB     = "0x" + strings.Repeat("b", 64)
	testRecID = types.RecipeID{0xde, 0xad}
)

type fakeFees struct {
	base, prio *big.Int
	err        error
}

func (f fakeFees) Estimate(ctx context.Context, chainID uint64) (*big.Int, *big.Int, error) {
	return f.base, f.prio, f.err
}

type recordedTask struct {
	runAt time.Time
	task  types.Task
}

type fakeTasks struct {
	mu    sync.Mutex
	added []recordedTask
}

func (f *fakeTasks) AddTask(ctx context.Context, runAt time.Time, task types.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, recordedTask{runAt, task})
	return nil
}

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	chains, err := chainconfig.NewRegistry(nil)
	require.NoError(t, err)
	recipes, err := recipe.NewCatalogue(&recipe.Recipe{ID: testRecID, Name: "test", Gas: big.NewInt(100_000)})
	require.NoError(t, err)
	return NewService(NewMemoryStore(), recipes, chains, opts...)
}

func mustCreate(t *testing.T, s *Service) *types.Run {
	t.Helper()
	r, err := s.Create(context.Background(), testRecID, sepolia, creator)
	require.NoError(t, err)
	return r
}

// ============================================================================
// Create
// ============================================================================

func TestCreate(t *testing.T) {
	s := newTestService(t)
	r := mustCreate(t, s)

	assert.Equal(t, types.StatusPaymentPending, r.Status())
	assert.Equal(t, NewID(creator, r.Created), r.ID)
	assert.Nil(t, r.UserFee, "no fee quoter configured")

	got, err := s.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
}

func TestCreateValidation(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.Create(ctx, types.RecipeID{1}, sepolia, creator)
	assert.ErrorIs(t, err, recipe.ErrRecipeNotFound)

	_, err = s.Create(ctx, testRecID, 1, creator)
	assert.ErrorIs(t, err, chainconfig.ErrUnsupportedChain)
}

func TestCreateRejectsRecipeWithoutGas(t *testing.T) {
	chains, err := chainconfig.NewRegistry(nil)
	require.NoError(t, err)
	noGas := types.RecipeID{0x01}
	zeroGas := types.RecipeID{0x02}
	recipes, err := recipe.NewCatalogue(
		&recipe.Recipe{ID: noGas, Name: "no-gas"},
		&recipe.Recipe{ID: zeroGas, Name: "zero-gas", Gas: new(big.Int)},
	)
	require.NoError(t, err)
	store := NewMemoryStore()
	s := NewService(store, recipes, chains,
		WithFeeQuoter(fakeFees{base: big.NewInt(1), prio: big.NewInt(1)}))

	for _, id := range []types.RecipeID{noGas, zeroGas} {
		_, err := s.Create(context.Background(), id, sepolia, creator)
		assert.ErrorIs(t, err, ErrNoRecipeGas)
	}
	assert.Empty(t, store.Snapshot())
}

func TestCreateQuotesFee(t *testing.T) {
	s := newTestService(t, WithFeeQuoter(fakeFees{base: big.NewInt(2_000_000_000), prio: big.NewInt(1_000_000_000)}))
	r := mustCreate(t, s)

	// 100_000 × 3 gwei + 0.0005 ETH
	want := new(big.Int).Add(big.NewInt(300_000_000_000_000), big.NewInt(500_000_000_000_000))
	assert.Zero(t, want.Cmp(r.UserFee), "user_fee = %s", r.UserFee)
	assert.Equal(t, int64(100_000), r.Gas.Int64())
	assert.Equal(t, int64(2_000_000_000), r.BaseFeePerGas.Int64())
	assert.Equal(t, int64(1_000_000_000), r.MaxPriorityFeePerGas.Int64())

	failing := newTestService(t, WithFeeQuoter(fakeFees{err: errors.New("rpc down")}))
	_, err := failing.Create(context.Background(), testRecID, sepolia, creator)
	assert.Error(t, err)
}

func TestCreateSameInstantGetsDistinctIDs(t *testing.T) {
	fixed := time.Unix(1_700_000_000, 0)
	s := newTestService(t, WithClock(func() time.Time { return fixed }))

	a := mustCreate(t, s)
	b := mustCreate(t, s)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, a.Created+1, b.Created)

	list, err := s.ListForCreator(context.Background(), creator)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, b.ID, list[0].ID, "newest first")
}

// ============================================================================
// Payment registration & cancellation
// ============================================================================

func TestRegisterPaymentIsWriteOnce(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	r := mustCreate(t, s)

	paid, err := s.RegisterPayment(ctx, r.ID, hashA)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPaymentRegistered, paid.Status())
	assert.Equal(t, types.PaymentPending, *paid.PaymentVerifiedStatus)

	_, err = s.RegisterPayment(ctx, r.ID, hashB)
	assert.ErrorIs(t, err, ErrAlreadyPaid)

	got, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, hashA, *got.PaymentTransactionHash, "first hash untouched")
}

func TestRegisterPaymentValidation(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	r := mustCreate(t, s)

	_, err := s.RegisterPayment(ctx, r.ID, "0x1234")
	assert.ErrorIs(t, err, ErrInvalidTxHash)

	_, err = s.RegisterPayment(ctx, types.RunID{7}, hashA)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Cancel(ctx, r.ID)
	require.NoError(t, err)
	_, err = s.RegisterPayment(ctx, r.ID, hashA)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestCancellationBoundary(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	r := mustCreate(t, s)
	cancelled, err := s.Cancel(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, cancelled.IsCancelled)
	assert.Equal(t, types.StatusPaymentPending, cancelled.Status())

	paid := mustCreate(t, s)
	_, err = s.RegisterPayment(ctx, paid.ID, hashA)
	require.NoError(t, err)
	_, err = s.Cancel(ctx, paid.ID)
	assert.ErrorIs(t, err, ErrCantBeCancelled, "verification still pending but payment registered")

	_, err = s.Cancel(ctx, types.RunID{9})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancelForChecksCreator(t *testing.T) {
	s := newTestService(t)
	r := mustCreate(t, s)

	_, err := s.CancelFor(context.Background(), stranger, r.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	got, err := s.CancelFor(context.Background(), creator, r.ID)
	require.NoError(t, err)
	assert.True(t, got.IsCancelled)
}

func TestRegisterPaymentForSchedulesVerification(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tasks := &fakeTasks{}
	s := newTestService(t, WithTaskAdder(tasks), WithClock(func() time.Time { return now }))
	ctx := context.Background()
	r := mustCreate(t, s)

	_, err := s.RegisterPaymentFor(ctx, stranger, r.ID, hashA, 42)
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Empty(t, tasks.added)

	_, err = s.RegisterPaymentFor(ctx, creator, r.ID, hashA, 42)
	require.NoError(t, err)
	require.Len(t, tasks.added, 1)

	added := tasks.added[0]
	assert.Equal(t, now, added.runAt)
	assert.Equal(t, types.TaskProcessRunPayment, added.task.Type)
	assert.Equal(t, uint32(ProcessPaymentMaxRetries), added.task.MaxRetries)
	assert.Equal(t, ProcessPaymentRetryInterval, added.task.RetryInterval)

	var args ProcessPaymentArgs
	require.NoError(t, json.Unmarshal(added.task.Args, &args))
	assert.Equal(t, r.ID, args.RunID)
	assert.Equal(t, uint64(42), args.BlockToProcess)
	assert.Equal(t, creator, args.FromAddress)

	_, err = s.RegisterPaymentFor(ctx, creator, r.ID, hashB, 43)
	assert.ErrorIs(t, err, ErrAlreadyPaid)
	assert.Len(t, tasks.added, 1)
}

// ============================================================================
// Pipeline recorders
// ============================================================================

func TestRecordersAreWriteOnceAndMonotonic(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	r := mustCreate(t, s)

	_, err := s.RegisterPayment(ctx, r.ID, hashA)
	require.NoError(t, err)

	verified, err := s.RecordPaymentVerified(ctx, r.ID, hashB, 100, 3)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPaymentVerified, verified.Status())
	assert.Equal(t, hashA, *verified.PaymentTransactionHash, "registered hash is never overwritten")
	assert.Equal(t, types.PaymentVerified, *verified.PaymentVerifiedStatus)

	_, err = s.RecordPaymentVerified(ctx, r.ID, hashA, 101, 0)
	assert.ErrorIs(t, err, ErrFieldAlreadySet)

	_, err = s.RecordAttestationUID(ctx, r.ID, "0xabc")
	assert.Error(t, err, "uid requires attestation tx")

	created, err := s.RecordAttestationTx(ctx, r.ID, hashB)
	require.NoError(t, err)
	assert.Equal(t, types.StatusAttestationCreated, created.Status())
	_, err = s.RecordAttestationTx(ctx, r.ID, hashA)
	assert.ErrorIs(t, err, ErrFieldAlreadySet)

	done, err := s.RecordAttestationUID(ctx, r.ID, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, types.StatusAttestationUidConfirmed, done.Status())
	_, err = s.RecordAttestationUID(ctx, r.ID, "0xdef")
	assert.ErrorIs(t, err, ErrFieldAlreadySet)

	_, err = s.RecordPaymentFailed(ctx, r.ID, "late failure")
	assert.ErrorIs(t, err, ErrFieldAlreadySet)

	final, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusAttestationUidConfirmed, final.Status())
	assert.Equal(t, hashA, *final.PaymentTransactionHash)
	assert.Nil(t, final.Error)
}

func TestRecordPaymentFailed(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	r := mustCreate(t, s)
	_, err := s.RegisterPayment(ctx, r.ID, hashA)
	require.NoError(t, err)

	failed, err := s.RecordPaymentFailed(ctx, r.ID, "underpaid")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPaymentRegistered, failed.Status())
	assert.Equal(t, types.PaymentVerificationFailed, *failed.PaymentVerifiedStatus)
	assert.Equal(t, "underpaid", *failed.Error)

	_, err = s.RecordError(ctx, r.ID, "second")
	assert.ErrorIs(t, err, ErrFieldAlreadySet)
}

func TestConcurrentRegisterPaymentSingleWinner(t *testing.T) {
	s := newTestService(t)
	r := mustCreate(t, s)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			hash := hashA
			if i%2 == 1 {
				hash = hashB
			}
			if _, err := s.RegisterPayment(context.Background(), r.ID, hash); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestMemoryStoreSnapshotRestore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, &types.Run{ID: types.RunID{1}, Created: 2, Creator: creator}))
	require.NoError(t, store.Insert(ctx, &types.Run{ID: types.RunID{2}, Created: 1, Creator: creator}))
	assert.ErrorIs(t, store.Insert(ctx, &types.Run{ID: types.RunID{1}}), ErrAlreadyExists)
	assert.ErrorIs(t, store.Update(ctx, &types.Run{ID: types.RunID{3}}), ErrNotFound)

	snap := store.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, types.RunID{2}, snap[0].ID)

	restored := NewMemoryStore()
	restored.Restore(snap)
	got, err := restored.Get(ctx, types.RunID{1})
	require.NoError(t, err)
	got.IsCancelled = true

	again, err := restored.Get(ctx, types.RunID{1})
	require.NoError(t, err)
	assert.False(t, again.IsCancelled, "store returns copies")
}
