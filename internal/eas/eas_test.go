package eas

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaUID(t *testing.T) {
	resolver := common.Address{}
	got := SchemaUID("bool has_name", resolver, false)

	packed := append([]byte("bool has_name"), resolver.Bytes()...)
	packed = append(packed, 0)
	assert.Equal(t, crypto.Keccak256Hash(packed), got)

	assert.NotEqual(t, got, SchemaUID("bool has_name", resolver, true))
	assert.NotEqual(t, got, SchemaUID("bool has_names", resolver, false))
}

func TestParseSchema(t *testing.T) {
	fields, err := ParseSchema("uint score, bool has_name ,address owner")
	require.NoError(t, err)
	assert.Equal(t, []Field{
		{Type: "uint256", Name: "score"},
		{Type: "bool", Name: "has_name"},
		{Type: "address", Name: "owner"},
	}, fields)

	_, err = ParseSchema("")
	assert.ErrorIs(t, err, ErrInvalidSchema)
	_, err = ParseSchema("uint256")
	assert.ErrorIs(t, err, ErrInvalidSchema)
	_, err = ParseSchema("uint7 x")
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

func TestEncodeData(t *testing.T) {
	values, err := ParseValues(`[
		{"name":"score","type":"uint256","value":{"type":"BigNumber","hex":"0x0100"}},
		{"name":"ok","type":"bool","value":true},
		{"name":"small","type":"uint8","value":7}
	]`)
	require.NoError(t, err)

	data, err := EncodeData(values)
	require.NoError(t, err)
	require.Len(t, data, 96)
	assert.Equal(t, big.NewInt(256), new(big.Int).SetBytes(data[0:32]))
	assert.Equal(t, byte(1), data[63])
	assert.Equal(t, byte(7), data[95])
}

func TestEncodeDataDynamicTypes(t *testing.T) {
	values, err := ParseValues(`[
		{"name":"who","type":"address","value":"0xa32aECda752cF4EF89956e83d60C04835d4FA867"},
		{"name":"label","type":"string","value":"hi"},
		{"name":"blob","type":"bytes","value":"0xdeadbeef"},
		{"name":"delta","type":"int64","value":-5}
	]`)
	require.NoError(t, err)
	data, err := EncodeData(values)
	require.NoError(t, err)

	// 4 head words + string (len + data) + bytes (len + data)
	assert.Len(t, data, 32*8)
	assert.Equal(t, common.HexToAddress("0xa32aECda752cF4EF89956e83d60C04835d4FA867").Bytes(), data[12:32])
	assert.Equal(t, byte(0xfb), data[127])
}

func TestEncodeDataErrors(t *testing.T) {
	tests := []struct {
		name string
		json string
		want error
	}{
		{"bool given string", `[{"name":"a","type":"bool","value":"true"}]`, ErrTypeMismatch},
		{"uint given string", `[{"name":"a","type":"uint256","value":"10"}]`, ErrTypeMismatch},
		{"uint negative", `[{"name":"a","type":"uint256","value":-1}]`, ErrTypeMismatch},
		{"uint8 overflow", `[{"name":"a","type":"uint8","value":256}]`, ErrTypeMismatch},
		{"int8 overflow", `[{"name":"a","type":"int8","value":128}]`, ErrTypeMismatch},
		{"float", `[{"name":"a","type":"uint256","value":1.5}]`, ErrTypeMismatch},
		{"bad address", `[{"name":"a","type":"address","value":"0x1234"}]`, ErrTypeMismatch},
		{"short bytes32", `[{"name":"a","type":"bytes32","value":"0x01"}]`, ErrTypeMismatch},
		{"not a BigNumber", `[{"name":"a","type":"uint256","value":{"type":"Other","hex":"0x1"}}]`, ErrTypeMismatch},
		{"array type", `[{"name":"a","type":"uint256[]","value":[1]}]`, ErrUnsupportedType},
		{"tuple type", `[{"name":"a","type":"tuple","value":{}}]`, ErrUnsupportedType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values, err := ParseValues(tt.json)
			require.NoError(t, err)
			_, err = EncodeData(values)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestEncodeForSchema(t *testing.T) {
	values, err := ParseValues(`[{"name":"has_name","type":"bool","value":true}]`)
	require.NoError(t, err)

	_, err = EncodeForSchema("bool has_name", values)
	require.NoError(t, err)

	_, err = EncodeForSchema("uint256 score", values)
	assert.ErrorIs(t, err, ErrTypeMismatch)

	_, err = EncodeForSchema("bool a, bool b", values)
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestAttestCalldata(t *testing.T) {
	uid := SchemaUID("bool has_name", common.Address{}, false)
	recipient := common.HexToAddress("0xa32aECda752cF4EF89956e83d60C04835d4FA867")
	payload := []byte{1, 2, 3}

	data, err := AttestCalldata(uid, recipient, payload)
	require.NoError(t, err)

	selector := crypto.Keccak256([]byte("attest((bytes32,(address,uint64,bool,bytes32,bytes,uint256)))"))[:4]
	assert.Equal(t, selector, data[:4])

	args, err := easABI.Methods["attest"].Inputs.Unpack(data[4:])
	require.NoError(t, err)
	require.Len(t, args, 1)

	req := *abi.ConvertType(args[0], new(AttestationRequest)).(*AttestationRequest)
	assert.Equal(t, [32]byte(uid), req.Schema)
	assert.Equal(t, recipient, req.Data.Recipient)
	assert.Equal(t, payload, req.Data.Data)
	assert.False(t, req.Data.Revocable)
	assert.Zero(t, req.Data.ExpirationTime)
	assert.Zero(t, req.Data.Value.Sign())
}
