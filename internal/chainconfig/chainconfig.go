// Package chainconfig 提供每條鏈的付款合約、EAS 合約與 RPC 端點設定（唯讀）
package chainconfig

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrUnsupportedChain = errors.New("chain not supported")
	ErrInvalidConfig    = errors.New("invalid chain config")
)

// ChainConfig 單條鏈的設定
type ChainConfig struct {
	ChainID         uint64
	Name            string
	PaymentContract common.Address
	EASContract     common.Address
	RPCEndpoints    []string
	ExtraFeeWei     *big.Int // 每個 Run 額外收取的固定費用
}

// Supported 有付款合約、EAS 合約與至少一個 RPC 端點才能處理 Run
func (c ChainConfig) Supported() bool {
	return c.PaymentContract != (common.Address{}) &&
		c.EASContract != (common.Address{}) &&
		len(c.RPCEndpoints) > 0
}

// Entry YAML 中的鏈設定，位址以字串表示
type Entry struct {
	ChainID         uint64   `yaml:"chain_id"`
	Name            string   `yaml:"name"`
	PaymentContract string   `yaml:"payment_contract"`
	EASContract     string   `yaml:"eas_contract"`
	RPCEndpoints    []string `yaml:"rpc_endpoints"`
	ExtraFeeWei     string   `yaml:"extra_fee_wei"`
}

// Parse 驗證並轉換 YAML 設定
func (e Entry) Parse() (ChainConfig, error) {
	if e.ChainID == 0 {
		return ChainConfig{}, fmt.Errorf("%w: chain_id is required", ErrInvalidConfig)
	}
	cfg := ChainConfig{
		ChainID:      e.ChainID,
		Name:         e.Name,
		RPCEndpoints: append([]string(nil), e.RPCEndpoints...),
		ExtraFeeWei:  new(big.Int),
	}
	for _, f := range []struct {
		name string
		raw  string
		dst  *common.Address
	}{
		{"payment_contract", e.PaymentContract, &cfg.PaymentContract},
		{"eas_contract", e.EASContract, &cfg.EASContract},
	} {
		if f.raw == "" {
			continue
		}
		if !common.IsHexAddress(f.raw) {
			return ChainConfig{}, fmt.Errorf("%w: chain %d %s %q", ErrInvalidConfig, e.ChainID, f.name, f.raw)
		}
		*f.dst = common.HexToAddress(f.raw)
	}
	if e.ExtraFeeWei != "" {
		if _, ok := cfg.ExtraFeeWei.SetString(e.ExtraFeeWei, 0); !ok || cfg.ExtraFeeWei.Sign() < 0 {
			return ChainConfig{}, fmt.Errorf("%w: chain %d extra_fee_wei %q", ErrInvalidConfig, e.ChainID, e.ExtraFeeWei)
		}
	}
	return cfg, nil
}

// Defaults 內建鏈設定
func Defaults() []ChainConfig {
	return []ChainConfig{
		{
			ChainID:         11155111,
			Name:            "Sepolia",
			PaymentContract: common.HexToAddress("0xe498539Cad0E4325b88d6F6a1B89af7e4C8dF404"),
			EASContract:     common.HexToAddress("0xC2679fBD37d54388Ce493F1DB75320D236e1815e"),
			RPCEndpoints:    []string{"https://ethereum-sepolia-rpc.publicnode.com"},
			ExtraFeeWei:     big.NewInt(500_000_000_000_000),
		},
		{
			ChainID:         10,
			Name:            "Optimism",
			PaymentContract: common.HexToAddress("0x15a9a0f3bf24f9ff438f18f83ecc8b7cb2e15f9a"),
			EASContract:     common.HexToAddress("0x4200000000000000000000000000000000000021"),
			RPCEndpoints:    []string{"https://mainnet.optimism.io"},
			ExtraFeeWei:     big.NewInt(50_000_000_000_000),
		},
		{
			ChainID:      8453,
			Name:         "Base",
			EASContract:  common.HexToAddress("0x4200000000000000000000000000000000000021"),
			RPCEndpoints: []string{"https://mainnet.base.org"},
			ExtraFeeWei:  big.NewInt(50_000_000_000_000),
		},
		{
			ChainID:      42161,
			Name:         "Arbitrum One",
			EASContract:  common.HexToAddress("0xbD75f629A22Dc1ceD33dDA0b68c546A1c035c458"),
			RPCEndpoints: []string{"https://arb1.arbitrum.io/rpc"},
			ExtraFeeWei:  big.NewInt(50_000_000_000_000),
		},
	}
}

// Registry 鏈設定查詢表，建立後唯讀，可並發讀取
type Registry struct {
	chains map[uint64]ChainConfig
}

// NewRegistry 以內建設定為底，entries 中相同 chain_id 的欄位覆蓋內建值
func NewRegistry(entries []Entry) (*Registry, error) {
	r := &Registry{chains: make(map[uint64]ChainConfig)}
	for _, c := range Defaults() {
		r.chains[c.ChainID] = c
	}
	for _, e := range entries {
		parsed, err := e.Parse()
		if err != nil {
			return nil, err
		}
		r.chains[e.ChainID] = merge(r.chains[e.ChainID], parsed, e)
	}
	return r, nil
}

func merge(base, override ChainConfig, raw Entry) ChainConfig {
	out := base
	out.ChainID = override.ChainID
	if raw.Name != "" {
		out.Name = override.Name
	}
	if raw.PaymentContract != "" {
		out.PaymentContract = override.PaymentContract
	}
	if raw.EASContract != "" {
		out.EASContract = override.EASContract
	}
	if len(raw.RPCEndpoints) > 0 {
		out.RPCEndpoints = override.RPCEndpoints
	}
	if raw.ExtraFeeWei != "" || out.ExtraFeeWei == nil {
		out.ExtraFeeWei = override.ExtraFeeWei
	}
	return out
}

// Get 取得可處理 Run 的鏈設定
func (r *Registry) Get(chainID uint64) (ChainConfig, error) {
	c, ok := r.chains[chainID]
	if !ok || !c.Supported() {
		return ChainConfig{}, fmt.Errorf("%w: %d", ErrUnsupportedChain, chainID)
	}
	c.RPCEndpoints = append([]string(nil), c.RPCEndpoints...)
	c.ExtraFeeWei = new(big.Int).Set(c.ExtraFeeWei)
	return c, nil
}

// List 回傳所有可處理的鏈，依 chain_id 排序
func (r *Registry) List() []ChainConfig {
	out := make([]ChainConfig, 0, len(r.chains))
	for id := range r.chains {
		if c, err := r.Get(id); err == nil {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	return out
}
