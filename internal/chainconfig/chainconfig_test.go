package chainconfig

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsRegistry(t *testing.T) {
	r, err := NewRegistry(nil)
	require.NoError(t, err)

	sepolia, err := r.Get(11155111)
	require.NoError(t, err)
	assert.Equal(t, "Sepolia", sepolia.Name)
	assert.Equal(t, common.HexToAddress("0xC2679fBD37d54388Ce493F1DB75320D236e1815e"), sepolia.EASContract)
	assert.Zero(t, sepolia.ExtraFeeWei.Cmp(big.NewInt(500_000_000_000_000)))

	// Base 沒有內建付款合約
	_, err = r.Get(8453)
	assert.ErrorIs(t, err, ErrUnsupportedChain)

	_, err = r.Get(1)
	assert.ErrorIs(t, err, ErrUnsupportedChain)

	ids := []uint64{}
	for _, c := range r.List() {
		ids = append(ids, c.ChainID)
	}
	assert.Equal(t, []uint64{10, 11155111}, ids)
}

func TestEntriesOverrideDefaults(t *testing.T) {
	r, err := NewRegistry([]Entry{
		{ChainID: 8453, PaymentContract: "0x00000000000000000000000000000000000000b1"},
		{ChainID: 11155111, RPCEndpoints: []string{"http://a", "http://b"}, ExtraFeeWei: "0x10"},
		{ChainID: 31337, Name: "anvil", PaymentContract: "0x00000000000000000000000000000000000000c1",
			EASContract: "0x00000000000000000000000000000000000000c2", RPCEndpoints: []string{"http://localhost:8545"}},
	})
	require.NoError(t, err)

	base, err := r.Get(8453)
	require.NoError(t, err)
	assert.Equal(t, "Base", base.Name)
	assert.Equal(t, []string{"https://mainnet.base.org"}, base.RPCEndpoints)

	sepolia, err := r.Get(11155111)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://a", "http://b"}, sepolia.RPCEndpoints)
	assert.Equal(t, int64(16), sepolia.ExtraFeeWei.Int64())
	assert.Equal(t, common.HexToAddress("0xe498539Cad0E4325b88d6F6a1B89af7e4C8dF404"), sepolia.PaymentContract)

	anvil, err := r.Get(31337)
	require.NoError(t, err)
	assert.Zero(t, anvil.ExtraFeeWei.Sign())
}

func TestInvalidEntries(t *testing.T) {
	tests := []struct {
		name  string
		entry Entry
	}{
		{"missing chain id", Entry{Name: "x"}},
		{"bad address", Entry{ChainID: 5, PaymentContract: "0x123"}},
		{"bad fee", Entry{ChainID: 5, ExtraFeeWei: "lots"}},
		{"negative fee", Entry{ChainID: 5, ExtraFeeWei: "-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry([]Entry{tt.entry})
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestGetReturnsCopy(t *testing.T) {
	r, err := NewRegistry(nil)
	require.NoError(t, err)

	c, err := r.Get(10)
	require.NoError(t, err)
	c.RPCEndpoints[0] = "mutated"
	c.ExtraFeeWei.SetInt64(0)

	again, err := r.Get(10)
	require.NoError(t, err)
	assert.Equal(t, "https://mainnet.optimism.io", again.RPCEndpoints[0])
	assert.Equal(t, int64(50_000_000_000_000), again.ExtraFeeWei.Int64())
}
