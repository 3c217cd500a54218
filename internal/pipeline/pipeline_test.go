package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c-atts/catts-app/internal/chainconfig"
	"github.com/c-atts/catts-app/internal/evm"
	"github.com/c-atts/catts-app/internal/recipe"
	"github.com/c-atts/catts-app/internal/run"
	"github.com/c-atts/catts-app/internal/scheduler"
	"github.com/c-atts/catts-app/internal/script"
	"github.com/c-atts/catts-app/pkg/types"
)

const sepolia = 11155111

var (
	creator  = common.HexToAddress("0xa32aECda752cF4EF89956e83d60C04835d4FA867")
	userFee  = big.NewInt(500_000_000_000_000)
	testTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
)

// ============================================================================
// 測試替身
// ============================================================================

// chainProvider 模擬單一 RPC 端點
type chainProvider struct {
	mu      sync.Mutex
	logs    []evm.Log
	receipt *evm.Receipt
	err     error
}

func (c *chainProvider) CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	var v interface{}
	switch method {
	case "eth_getLogs":
		v = c.logs
		if c.logs == nil {
			v = []evm.Log{}
		}
	case "eth_getTransactionReceipt":
		v = c.receipt
	default:
		return fmt.Errorf("unexpected method %s", method)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, result)
}

type scheduledTask struct {
	at   time.Time
	task types.Task
}

type taskRecorder struct {
	mu    sync.Mutex
	tasks []scheduledTask
}

func (r *taskRecorder) AddTask(ctx context.Context, at time.Time, task types.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, scheduledTask{at: at, task: task})
	return nil
}

func (r *taskRecorder) ofType(tt types.TaskType) []scheduledTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []scheduledTask
	for _, t := range r.tasks {
		if t.task.Type == tt {
			out = append(out, t)
		}
	}
	return out
}

type fakeQueries struct {
	result string
	err    error
}

func (f fakeQueries) RunAll(ctx context.Context, queries []recipe.Query, user common.Address) (json.RawMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(f.result), nil
}

type fakeSender struct {
	mu    sync.Mutex
	calls []evm.CallRequest
	err   error
	delay time.Duration
}

func (f *fakeSender) Send(ctx context.Context, req evm.CallRequest) (common.Hash, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return common.Hash{}, f.err
	}
	f.calls = append(f.calls, req)
	return common.BigToHash(big.NewInt(int64(len(f.calls)))), nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type zeroFees struct{}

func (zeroFees) Estimate(ctx context.Context, chainID uint64) (*big.Int, *big.Int, error) {
	return new(big.Int), new(big.Int), nil
}

type env struct {
	runs     *run.Service
	store    *run.MemoryStore
	chain    chainconfig.ChainConfig
	provider *chainProvider
	sender   *fakeSender
	tasks    *taskRecorder
	pipe     *Pipeline
	recipeID types.RecipeID
}

func newEnv(t *testing.T, runOpts ...run.Option) *env {
	t.Helper()
	chains, err := chainconfig.NewRegistry(nil)
	require.NoError(t, err)
	chain, err := chains.Get(sepolia)
	require.NoError(t, err)

	rec := &recipe.Recipe{
		Name:      "has_ok",
		Creator:   creator,
		Version:   "1",
		Queries:   []recipe.Query{{Endpoint: "http://unused", Query: "{ ok }"}},
		Processor: `return JSON.stringify([{ name: "ok", type: "bool", value: queryResult[0].ok }]);`,
		Schema:    "bool ok",
		Gas:       big.NewInt(266000),
	}
	rec.ID = recipe.DeriveID(rec.Creator, rec.Name, rec.Version)
	recipes, err := recipe.NewCatalogue(rec)
	require.NoError(t, err)

	e := &env{
		store:    run.NewMemoryStore(),
		chain:    chain,
		provider: &chainProvider{},
		sender:   &fakeSender{},
		tasks:    &taskRecorder{},
		recipeID: rec.ID,
	}
	clock := func() time.Time { return testTime }
	opts := append([]run.Option{run.WithTaskAdder(e.tasks), run.WithClock(clock)}, runOpts...)
	e.runs = run.NewService(e.store, recipes, chains, opts...)

	e.pipe = New(Deps{
		Runs:    e.runs,
		Recipes: recipes,
		Chains:  chains,
		Clients: evm.Clients{sepolia: evm.NewClient(sepolia, []evm.Provider{e.provider})},
		Queries: fakeQueries{result: `[{"data":{"ok":true}}]`},
		Scripts: script.NewEngine(time.Second),
		Sender:  e.sender,
		Tasks:   e.tasks,
		Now:     clock,
	})
	return e
}

// registeredRun 建立 Run 並登記付款，回傳驗證任務
func (e *env) registeredRun(t *testing.T) (*types.Run, types.Task) {
	t.Helper()
	ctx := context.Background()
	r, err := e.runs.Create(ctx, e.recipeID, sepolia, creator)
	require.NoError(t, err)
	txHash := "0x" + strings.Repeat("ab", 32)
	_, err = e.runs.RegisterPaymentFor(ctx, creator, r.ID, txHash, 42)
	require.NoError(t, err)

	tasks := e.tasks.ofType(types.TaskProcessRunPayment)
	require.NotEmpty(t, tasks)
	return r, tasks[len(tasks)-1].task
}

func (e *env) verifiedRun(t *testing.T) *types.Run {
	t.Helper()
	r, _ := e.registeredRun(t)
	_, err := e.runs.RecordPaymentVerified(context.Background(), r.ID, "0x"+strings.Repeat("ab", 32), 42, 0)
	require.NoError(t, err)
	return r
}

func (e *env) get(t *testing.T, id types.RunID) *types.Run {
	t.Helper()
	r, err := e.runs.Get(context.Background(), id)
	require.NoError(t, err)
	return r
}

func paymentLog(t *testing.T, contract, from common.Address, amount *big.Int, id types.RunID, index uint64) evm.Log {
	t.Helper()
	data, err := EncodePaymentLogData(amount, id)
	require.NoError(t, err)
	return evm.Log{
		Address:     contract,
		Topics:      []common.Hash{PaymentEventSignature, common.BytesToHash(from.Bytes())},
		Data:        data,
		BlockNumber: 42,
		TxHash:      common.HexToHash("0x" + strings.Repeat("cd", 32)),
		LogIndex:    hexutil.Uint64(index),
	}
}

func taskWith(tt types.TaskType, id types.RunID) types.Task {
	args, _ := json.Marshal(RunArgs{RunID: id})
	return types.Task{Type: tt, Args: args, MaxRetries: 3}
}

// ============================================================================
// PaymentVerifier
// ============================================================================

func TestProcessPaymentVerifies(t *testing.T) {
	e := newEnv(t, run.WithFeeQuoter(zeroFees{}))
	r, task := e.registeredRun(t)
	require.Equal(t, 0, userFee.Cmp(r.UserFee))

	stranger := common.HexToAddress("0x01")
	e.provider.logs = []evm.Log{
		paymentLog(t, e.chain.PaymentContract, stranger, big.NewInt(600_000_000_000_000), r.ID, 0),
		paymentLog(t, e.chain.PaymentContract, creator, big.NewInt(600_000_000_000_000), r.ID, 3),
	}

	res := e.pipe.ProcessPayment(context.Background(), task)
	require.Equal(t, scheduler.Success, res.Outcome, res.Reason)

	got := e.get(t, r.ID)
	assert.Equal(t, types.StatusPaymentVerified, got.Status())
	assert.Equal(t, uint64(42), *got.PaymentBlockNumber)
	assert.Equal(t, uint64(3), *got.PaymentLogIndex)
	assert.Equal(t, types.PaymentVerified, *got.PaymentVerifiedStatus)

	next := e.tasks.ofType(types.TaskCreateAttestation)
	require.Len(t, next, 1)
	assert.Equal(t, testTime, next[0].at)
	assert.Equal(t, uint32(CreateAttestationMaxRetries), next[0].task.MaxRetries)
	assert.Equal(t, CreateAttestationRetryInterval, next[0].task.RetryInterval)

	// 重複任務
	res = e.pipe.ProcessPayment(context.Background(), task)
	assert.Equal(t, scheduler.Cancel, res.Outcome)
	assert.Len(t, e.tasks.ofType(types.TaskCreateAttestation), 1)
}

func TestProcessPaymentUnderpayment(t *testing.T) {
	e := newEnv(t, run.WithFeeQuoter(zeroFees{}))
	r, task := e.registeredRun(t)

	short := new(big.Int).Sub(userFee, big.NewInt(1))
	e.provider.logs = []evm.Log{paymentLog(t, e.chain.PaymentContract, creator, short, r.ID, 0)}

	res := e.pipe.ProcessPayment(context.Background(), task)
	assert.Equal(t, scheduler.Cancel, res.Outcome)

	got := e.get(t, r.ID)
	assert.Equal(t, types.StatusPaymentRegistered, got.Status())
	assert.Equal(t, types.PaymentVerificationFailed, *got.PaymentVerifiedStatus)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "did not cover")
	assert.Empty(t, e.tasks.ofType(types.TaskCreateAttestation))
}

func TestProcessPaymentRetries(t *testing.T) {
	tests := map[string]func(t *testing.T, e *env, id types.RunID){
		"no logs": func(t *testing.T, e *env, id types.RunID) {},
		"other run": func(t *testing.T, e *env, id types.RunID) {
			e.provider.logs = []evm.Log{paymentLog(t, e.chain.PaymentContract, creator, userFee, types.RunID{9}, 0)}
		},
		"other contract": func(t *testing.T, e *env, id types.RunID) {
			e.provider.logs = []evm.Log{paymentLog(t, common.HexToAddress("0x02"), creator, userFee, id, 0)}
		},
		"rpc error": func(t *testing.T, e *env, id types.RunID) {
			e.provider.err = errors.New("connection refused")
		},
	}
	for name, setup := range tests {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t, run.WithFeeQuoter(zeroFees{}))
			r, task := e.registeredRun(t)
			setup(t, e, r.ID)

			res := e.pipe.ProcessPayment(context.Background(), task)
			assert.Equal(t, scheduler.Retry, res.Outcome)
			assert.Equal(t, types.StatusPaymentRegistered, e.get(t, r.ID).Status())
		})
	}
}

func TestProcessPaymentInconsistentProvidersRetry(t *testing.T) {
	e := newEnv(t, run.WithFeeQuoter(zeroFees{}))
	r, task := e.registeredRun(t)

	e.provider.logs = []evm.Log{paymentLog(t, e.chain.PaymentContract, creator, userFee, r.ID, 0)}
	other := &chainProvider{}
	e.pipe.Clients = evm.Clients{sepolia: evm.NewClient(sepolia, []evm.Provider{e.provider, other})}

	res := e.pipe.ProcessPayment(context.Background(), task)
	assert.Equal(t, scheduler.Retry, res.Outcome)
	assert.Contains(t, res.Reason, "inconsistent")
	assert.Equal(t, types.StatusPaymentRegistered, e.get(t, r.ID).Status())
}

func TestProcessPaymentInvalidArgs(t *testing.T) {
	e := newEnv(t)
	res := e.pipe.ProcessPayment(context.Background(), types.Task{Args: json.RawMessage(`{`)})
	assert.Equal(t, scheduler.Cancel, res.Outcome)

	args, _ := json.Marshal(run.ProcessPaymentArgs{RunID: types.RunID{1}})
	res = e.pipe.ProcessPayment(context.Background(), types.Task{Args: args})
	assert.Equal(t, scheduler.Cancel, res.Outcome)
}

func TestMatchPaymentLog(t *testing.T) {
	chain := chainconfig.ChainConfig{PaymentContract: common.HexToAddress("0xe498539Cad0E4325b88d6F6a1B89af7e4C8dF404")}
	id := types.RunID{1, 2, 3}
	args := run.ProcessPaymentArgs{RunID: id, FromAddress: creator}
	good := paymentLog(t, chain.PaymentContract, creator, userFee, id, 0)

	amount, err := matchPaymentLog(good, args, chain)
	require.NoError(t, err)
	assert.Equal(t, 0, userFee.Cmp(amount))

	tests := map[string]func(l *evm.Log){
		"wrong contract":  func(l *evm.Log) { l.Address = common.HexToAddress("0x03") },
		"one topic":       func(l *evm.Log) { l.Topics = l.Topics[:1] },
		"wrong signature": func(l *evm.Log) { l.Topics[0] = common.Hash{1} },
		"dirty padding":   func(l *evm.Log) { l.Topics[1][0] = 0xff },
		"wrong from":      func(l *evm.Log) { l.Topics[1] = common.BytesToHash(common.HexToAddress("0x04").Bytes()) },
		"short data":      func(l *evm.Log) { l.Data = l.Data[:32] },
		"wrong run id": func(l *evm.Log) {
			data, _ := EncodePaymentLogData(userFee, types.RunID{7})
			l.Data = data
		},
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			l := good
			l.Topics = append([]common.Hash(nil), good.Topics...)
			mutate(&l)
			_, err := matchPaymentLog(l, args, chain)
			assert.ErrorIs(t, err, errLogMismatch)
		})
	}
}

// ============================================================================
// AttestationPipeline
// ============================================================================

func TestCreateAttestation(t *testing.T) {
	e := newEnv(t, run.WithFeeQuoter(zeroFees{}))
	r := e.verifiedRun(t)

	res := e.pipe.CreateAttestation(context.Background(), taskWith(types.TaskCreateAttestation, r.ID))
	require.Equal(t, scheduler.Success, res.Outcome, res.Reason)

	require.Equal(t, 1, e.sender.count())
	call := e.sender.calls[0]
	assert.Equal(t, e.chain.EASContract, call.To)
	assert.Equal(t, uint64(sepolia), call.ChainID)
	assert.Equal(t, int64(266000), call.Gas.Int64())
	assert.Len(t, call.Data, 4+32*11)

	got := e.get(t, r.ID)
	assert.Equal(t, types.StatusAttestationCreated, got.Status())
	assert.Equal(t, common.BigToHash(big.NewInt(1)).Hex(), *got.AttestationTransactionHash)

	next := e.tasks.ofType(types.TaskGetAttestationUid)
	require.Len(t, next, 1)
	assert.Equal(t, testTime.Add(GetAttestationUidDelay), next[0].at)
	assert.Equal(t, uint32(GetAttestationUidMaxRetries), next[0].task.MaxRetries)
	assert.Equal(t, GetAttestationUidRetryInterval, next[0].task.RetryInterval)
}

func TestCreateAttestationNoDuplicate(t *testing.T) {
	e := newEnv(t, run.WithFeeQuoter(zeroFees{}))
	r := e.verifiedRun(t)
	task := taskWith(types.TaskCreateAttestation, r.ID)

	res := e.pipe.CreateAttestation(context.Background(), task)
	require.Equal(t, scheduler.Success, res.Outcome, res.Reason)
	res = e.pipe.CreateAttestation(context.Background(), task)
	assert.Equal(t, scheduler.Cancel, res.Outcome)
	assert.Equal(t, 1, e.sender.count())
}

func TestCreateAttestationConcurrentDuplicates(t *testing.T) {
	e := newEnv(t, run.WithFeeQuoter(zeroFees{}))
	e.sender.delay = 20 * time.Millisecond
	r := e.verifiedRun(t)
	task := taskWith(types.TaskCreateAttestation, r.ID)

	var wg sync.WaitGroup
	results := make([]scheduler.Result, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = e.pipe.CreateAttestation(context.Background(), task)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, e.sender.count())
	successes := 0
	for _, res := range results {
		if res.Outcome == scheduler.Success {
			successes++
		}
	}
	assert.Equal(t, 1, successes)
}

func TestCreateAttestationNotPaidRetries(t *testing.T) {
	e := newEnv(t, run.WithFeeQuoter(zeroFees{}))
	r, _ := e.registeredRun(t)

	res := e.pipe.CreateAttestation(context.Background(), taskWith(types.TaskCreateAttestation, r.ID))
	assert.Equal(t, scheduler.Retry, res.Outcome)
	assert.Zero(t, e.sender.count())
}

func TestCreateAttestationMissingFeeEstimate(t *testing.T) {
	e := newEnv(t) // 沒有 FeeQuoter，Run 不含費用欄位
	r := e.verifiedRun(t)

	res := e.pipe.CreateAttestation(context.Background(), taskWith(types.TaskCreateAttestation, r.ID))
	assert.Equal(t, scheduler.Cancel, res.Outcome)
	assert.Zero(t, e.sender.count())

	got := e.get(t, r.ID)
	require.NotNil(t, got.Error)
	assert.Equal(t, ErrMissingFeeEstimate.Error(), *got.Error)
	assert.Equal(t, types.StatusPaymentVerified, got.Status())
}

func TestCreateAttestationZeroGasCancels(t *testing.T) {
	e := newEnv(t, run.WithFeeQuoter(zeroFees{}))
	r := e.verifiedRun(t)

	// 舊資料中 gas 為 0 的 Run：簽出 0 gas 交易只會被節點拒絕
	stored := e.get(t, r.ID)
	stored.Gas = new(big.Int)
	require.NoError(t, e.store.Update(context.Background(), stored))

	res := e.pipe.CreateAttestation(context.Background(), taskWith(types.TaskCreateAttestation, r.ID))
	assert.Equal(t, scheduler.Cancel, res.Outcome)
	assert.Zero(t, e.sender.count())

	got := e.get(t, r.ID)
	require.NotNil(t, got.Error)
	assert.Equal(t, ErrMissingFeeEstimate.Error(), *got.Error)
}

func TestCreateAttestationDefinitiveFailures(t *testing.T) {
	tests := map[string]struct {
		setup func(e *env)
		want  string
	}{
		"query fails": {
			setup: func(e *env) { e.pipe.Queries = fakeQueries{err: errors.New("http 502")} },
			want:  "error running query",
		},
		"processor throws": {
			setup: func(e *env) { e.pipe.Queries = fakeQueries{result: `not json`} },
			want:  "error processing query result",
		},
		"schema mismatch": {
			setup: func(e *env) { e.pipe.Queries = fakeQueries{result: `[{"data":{"ok":"yes"}}]`} },
			want:  "error encoding attestation data",
		},
		"overflow": {
			setup: func(e *env) { e.sender.err = fmt.Errorf("sign: %w", evm.ErrOverflow) },
			want:  "error creating attestation",
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t, run.WithFeeQuoter(zeroFees{}))
			r := e.verifiedRun(t)
			tt.setup(e)

			res := e.pipe.CreateAttestation(context.Background(), taskWith(types.TaskCreateAttestation, r.ID))
			assert.Equal(t, scheduler.Cancel, res.Outcome)

			got := e.get(t, r.ID)
			require.NotNil(t, got.Error)
			assert.Contains(t, *got.Error, tt.want)
			assert.Nil(t, got.AttestationTransactionHash)
		})
	}
}

func TestCreateAttestationTransientSendRetries(t *testing.T) {
	e := newEnv(t, run.WithFeeQuoter(zeroFees{}))
	r := e.verifiedRun(t)
	e.sender.err = errors.New("nonce too low")

	res := e.pipe.CreateAttestation(context.Background(), taskWith(types.TaskCreateAttestation, r.ID))
	assert.Equal(t, scheduler.Retry, res.Outcome)
	got := e.get(t, r.ID)
	assert.Nil(t, got.Error)
	assert.Nil(t, got.AttestationTransactionHash)
}

// ============================================================================
// UidResolver
// ============================================================================

func attestedRun(t *testing.T, e *env) *types.Run {
	t.Helper()
	r := e.verifiedRun(t)
	res := e.pipe.CreateAttestation(context.Background(), taskWith(types.TaskCreateAttestation, r.ID))
	require.Equal(t, scheduler.Success, res.Outcome, res.Reason)
	return e.get(t, r.ID)
}

func TestGetAttestationUID(t *testing.T) {
	e := newEnv(t, run.WithFeeQuoter(zeroFees{}))
	r := attestedRun(t, e)
	task := taskWith(types.TaskGetAttestationUid, r.ID)

	// 尚未上鏈
	res := e.pipe.GetAttestationUID(context.Background(), task)
	assert.Equal(t, scheduler.Retry, res.Outcome)

	// 收據沒有 log
	e.provider.receipt = &evm.Receipt{Status: 1}
	res = e.pipe.GetAttestationUID(context.Background(), task)
	assert.Equal(t, scheduler.Retry, res.Outcome)

	uid := common.HexToHash("0xabc0000000000000000000000000000000000000000000000000000000000001")
	e.provider.receipt = &evm.Receipt{Status: 1, Logs: []evm.Log{{Data: uid.Bytes()}, {Data: []byte{1}}}}
	res = e.pipe.GetAttestationUID(context.Background(), task)
	require.Equal(t, scheduler.Success, res.Outcome, res.Reason)

	got := e.get(t, r.ID)
	assert.Equal(t, types.StatusAttestationUidConfirmed, got.Status())
	assert.Equal(t, uid.Hex(), *got.AttestationUID)

	res = e.pipe.GetAttestationUID(context.Background(), task)
	assert.Equal(t, scheduler.Cancel, res.Outcome)
}

func TestGetAttestationUIDBeforeAttestationRetries(t *testing.T) {
	e := newEnv(t, run.WithFeeQuoter(zeroFees{}))
	r := e.verifiedRun(t)
	res := e.pipe.GetAttestationUID(context.Background(), taskWith(types.TaskGetAttestationUid, r.ID))
	assert.Equal(t, scheduler.Retry, res.Outcome)
}

func TestGetAttestationUIDReverted(t *testing.T) {
	e := newEnv(t, run.WithFeeQuoter(zeroFees{}))
	r := attestedRun(t, e)
	e.provider.receipt = &evm.Receipt{Status: 0}

	res := e.pipe.GetAttestationUID(context.Background(), taskWith(types.TaskGetAttestationUid, r.ID))
	assert.Equal(t, scheduler.Cancel, res.Outcome)
	got := e.get(t, r.ID)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "reverted")
}

func TestRegistryCoversAllTaskTypes(t *testing.T) {
	reg := newEnv(t).pipe.Registry()
	for _, tt := range []types.TaskType{types.TaskProcessRunPayment, types.TaskCreateAttestation, types.TaskGetAttestationUid} {
		_, ok := reg.Lookup(tt)
		assert.True(t, ok, tt)
	}
}

func TestRunIDFromArgs(t *testing.T) {
	id := types.RunID{1}
	args, _ := json.Marshal(run.ProcessPaymentArgs{RunID: id, BlockToProcess: 5})
	got, err := RunIDFromArgs(args)
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = RunIDFromArgs(json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrInvalidArgs)
}
