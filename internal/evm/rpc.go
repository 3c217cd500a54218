// ============================================================================
// EVM JSON-RPC 共識呼叫
// ============================================================================
//
// 每個呼叫同時送往該鏈所有 provider，比較正規化後的 JSON 結果:
//
//   全部相同                      → 回傳結果
//   全部以相同錯誤失敗            → 回傳該錯誤
//   eth_getBlockByNumber(latest)  → 不一致時取區塊高度最低者
//   其他不一致                    → *InconsistentError
//
// ============================================================================

package evm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/c-atts/catts-app/internal/chainconfig"
)

var (
	ErrInconsistent = errors.New("evm: inconsistent rpc results")
	ErrNoProviders  = errors.New("evm: no rpc providers for chain")
)

// Provider JSON-RPC 端點，*rpc.Client 直接滿足此介面
type Provider interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// Observer 接收 RPC 事件
type Observer interface {
	RecordRPCInconsistent(method string)
}

// ProviderResult 單一 provider 的回應
type ProviderResult struct {
	Provider int
	Result   json.RawMessage
	Err      error
}

// InconsistentError provider 間結果不一致
type InconsistentError struct {
	Method  string
	Results []ProviderResult
}

func (e *InconsistentError) Error() string {
	parts := make([]string, 0, len(e.Results))
	for _, r := range e.Results {
		if r.Err != nil {
			parts = append(parts, fmt.Sprintf("#%d error: %v", r.Provider, r.Err))
		} else {
			parts = append(parts, fmt.Sprintf("#%d %s", r.Provider, truncate(string(r.Result), 120)))
		}
	}
	return fmt.Sprintf("evm: inconsistent results for %s: [%s]", e.Method, strings.Join(parts, "; "))
}

func (e *InconsistentError) Is(target error) bool { return target == ErrInconsistent }

// Client 單一鏈的共識 RPC 客戶端
type Client struct {
	chainID   uint64
	providers []Provider
	observer  Observer
	logger    *slog.Logger
}

// ClientOption 設定選項
type ClientOption func(*Client)

// WithObserver 設定不一致事件觀察者
func WithObserver(o Observer) ClientOption { return func(c *Client) { c.observer = o } }

// NewClient 建立共識客戶端
func NewClient(chainID uint64, providers []Provider, opts ...ClientOption) *Client {
	c := &Client{
		chainID:   chainID,
		providers: providers,
		logger:    slog.With("component", "evm-rpc", "chain_id", chainID),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ChainID 回傳此客戶端所屬的鏈
func (c *Client) ChainID() uint64 { return c.chainID }

// Call 對所有 provider 發出呼叫並依共識規則解碼至 result
func (c *Client) Call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	if len(c.providers) == 0 {
		return fmt.Errorf("%w %d", ErrNoProviders, c.chainID)
	}

	results := make([]ProviderResult, len(c.providers))
	var wg sync.WaitGroup
	for i, p := range c.providers {
		wg.Add(1)
		go func(i int, p Provider) {
			defer wg.Done()
			var raw json.RawMessage
			err := p.CallContext(ctx, &raw, method, args...)
			results[i] = ProviderResult{Provider: i, Result: raw, Err: err}
		}(i, p)
	}
	wg.Wait()

	raw, err := c.reconcile(method, args, results)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("evm: decode %s result: %w", method, err)
	}
	return nil
}

func (c *Client) reconcile(method string, args []interface{}, results []ProviderResult) (json.RawMessage, error) {
	if raw, ok, err := agree(results); ok {
		return raw, err
	}

	if c.observer != nil {
		c.observer.RecordRPCInconsistent(method)
	}

	if method == "eth_getBlockByNumber" && len(args) > 0 && args[0] == "latest" {
		if raw, ok := lowestBlock(results); ok {
			c.logger.Warn("Inconsistent latest block, using lowest", "providers", len(results))
			return raw, nil
		}
	}

	err := &InconsistentError{Method: method, Results: results}
	c.logger.Warn("Inconsistent rpc results", "method", method, "error", err)
	return nil, err
}

// agree 判斷所有 provider 是否一致；ok=false 表示不一致
func agree(results []ProviderResult) (json.RawMessage, bool, error) {
	first := results[0]
	if first.Err != nil {
		for _, r := range results[1:] {
			if r.Err == nil || r.Err.Error() != first.Err.Error() {
				return nil, false, nil
			}
		}
		return nil, true, first.Err
	}

	canon, err := canonical(first.Result)
	if err != nil {
		return nil, false, nil
	}
	for _, r := range results[1:] {
		if r.Err != nil {
			return nil, false, nil
		}
		other, err := canonical(r.Result)
		if err != nil || !bytes.Equal(canon, other) {
			return nil, false, nil
		}
	}
	return first.Result, true, nil
}

// canonical 正規化 JSON：物件鍵排序，數字保留原文
func canonical(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return []byte("null"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func lowestBlock(results []ProviderResult) (json.RawMessage, bool) {
	type candidate struct {
		number uint64
		raw    json.RawMessage
	}
	var cands []candidate
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		var head struct {
			Number *hexutil.Uint64 `json:"number"`
		}
		if err := json.Unmarshal(r.Result, &head); err != nil || head.Number == nil {
			continue
		}
		cands = append(cands, candidate{number: uint64(*head.Number), raw: r.Result})
	}
	if len(cands) == 0 {
		return nil, false
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].number < cands[j].number })
	return cands[0].raw, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Clients 依 chain id 索引的客戶端集合
type Clients map[uint64]*Client

// Get 取得鏈的客戶端
func (cs Clients) Get(chainID uint64) (*Client, error) {
	c, ok := cs[chainID]
	if !ok {
		return nil, fmt.Errorf("%w %d", ErrNoProviders, chainID)
	}
	return c, nil
}

// Dial 為每條支援的鏈連線所有 RPC 端點
func Dial(ctx context.Context, chains []chainconfig.ChainConfig, opts ...ClientOption) (Clients, func(), error) {
	var opened []*rpc.Client
	closeAll := func() {
		for _, c := range opened {
			c.Close()
		}
	}

	out := make(Clients, len(chains))
	for _, chain := range chains {
		if len(chain.RPCEndpoints) == 0 {
			continue
		}
		providers := make([]Provider, 0, len(chain.RPCEndpoints))
		for _, url := range chain.RPCEndpoints {
			rc, err := rpc.DialContext(ctx, url)
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("dial %s (chain %d): %w", url, chain.ChainID, err)
			}
			opened = append(opened, rc)
			providers = append(providers, rc)
		}
		out[chain.ChainID] = NewClient(chain.ChainID, providers, opts...)
	}
	return out, closeAll, nil
}
