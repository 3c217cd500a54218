package eas

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Value processor 輸出的單一欄位 {name, type, value}
//
// value 可為 JSON 字串、數字、布林，或 {"type":"BigNumber","hex":"0x…"}
type Value struct {
	Name  string          `json:"name"`
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

type bigNumber struct {
	Type string `json:"type"`
	Hex  string `json:"hex"`
}

// ParseValues 解析 processor 輸出
func ParseValues(data string) ([]Value, error) {
	var values []Value
	if err := json.Unmarshal([]byte(data), &values); err != nil {
		return nil, fmt.Errorf("eas: decode processor output: %w", err)
	}
	return values, nil
}

// EncodeData 將欄位依型別做 ABI 編碼（abi.encode）
func EncodeData(values []Value) ([]byte, error) {
	args := make(abi.Arguments, 0, len(values))
	goValues := make([]interface{}, 0, len(values))
	for _, v := range values {
		typ, err := canonicalType(v.Type)
		if err != nil {
			return nil, err
		}
		abiType, err := abi.NewType(typ, "", nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, v.Type)
		}
		gv, err := goValue(typ, v.Value)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", v.Name, err)
		}
		args = append(args, abi.Argument{Name: v.Name, Type: abiType})
		goValues = append(goValues, gv)
	}
	packed, err := args.Pack(goValues...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTypeMismatch, err)
	}
	return packed, nil
}

// EncodeForSchema 先確認欄位型別與 schema 一致再編碼
func EncodeForSchema(schema string, values []Value) ([]byte, error) {
	fields, err := ParseSchema(schema)
	if err != nil {
		return nil, err
	}
	if len(fields) != len(values) {
		return nil, fmt.Errorf("%w: schema has %d fields, got %d values", ErrTypeMismatch, len(fields), len(values))
	}
	for i, f := range fields {
		typ, err := canonicalType(values[i].Type)
		if err != nil {
			return nil, err
		}
		if typ != f.Type {
			return nil, fmt.Errorf("%w: field %d is %s, schema wants %s", ErrTypeMismatch, i, values[i].Type, f.Type)
		}
	}
	return EncodeData(values)
}

func goValue(typ string, raw json.RawMessage) (interface{}, error) {
	switch typ {
	case "address":
		var s string
		if err := json.Unmarshal(raw, &s); err != nil || !common.IsHexAddress(s) {
			return nil, fmt.Errorf("%w: want address", ErrTypeMismatch)
		}
		return common.HexToAddress(s), nil
	case "string":
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: want string", ErrTypeMismatch)
		}
		return s, nil
	case "bool":
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("%w: want bool", ErrTypeMismatch)
		}
		return b, nil
	case "bytes":
		b, err := hexString(raw)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "bytes32":
		b, err := hexString(raw)
		if err != nil {
			return nil, err
		}
		if len(b) != 32 {
			return nil, fmt.Errorf("%w: bytes32 has %d bytes", ErrTypeMismatch, len(b))
		}
		var out [32]byte
		copy(out[:], b)
		return out, nil
	}

	signed, bits, err := intType(typ)
	if err != nil {
		return nil, err
	}
	n, err := integer(raw)
	if err != nil {
		return nil, err
	}
	if err := checkRange(n, signed, bits); err != nil {
		return nil, err
	}
	return sizedInt(n, signed, bits), nil
}

func hexString(raw json.RawMessage) ([]byte, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("%w: want hex string", ErrTypeMismatch)
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTypeMismatch, err)
	}
	return b, nil
}

// integer 接受 JSON 整數或 BigNumber 物件，不接受字串與小數
func integer(raw json.RawMessage) (*big.Int, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var bn bigNumber
		if err := json.Unmarshal(trimmed, &bn); err != nil || bn.Type != "BigNumber" {
			return nil, fmt.Errorf("%w: want BigNumber", ErrTypeMismatch)
		}
		hex := bn.Hex
		neg := strings.HasPrefix(hex, "-")
		hex = strings.TrimPrefix(hex, "-")
		if !strings.HasPrefix(hex, "0x") && !strings.HasPrefix(hex, "0X") {
			return nil, fmt.Errorf("%w: BigNumber hex %q", ErrTypeMismatch, bn.Hex)
		}
		n, ok := new(big.Int).SetString(hex[2:], 16)
		if !ok {
			return nil, fmt.Errorf("%w: BigNumber hex %q", ErrTypeMismatch, bn.Hex)
		}
		if neg {
			n.Neg(n)
		}
		return n, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: want integer", ErrTypeMismatch)
	}
	num, ok := v.(json.Number)
	if !ok {
		return nil, fmt.Errorf("%w: want integer", ErrTypeMismatch)
	}
	n, ok := new(big.Int).SetString(num.String(), 10)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an integer", ErrTypeMismatch, num)
	}
	return n, nil
}

func checkRange(n *big.Int, signed bool, bits int) error {
	if !signed {
		if n.Sign() < 0 || n.BitLen() > bits {
			return fmt.Errorf("%w: %s out of range for uint%d", ErrTypeMismatch, n, bits)
		}
		return nil
	}
	limit := new(big.Int).Lsh(big.NewInt(1), uint(bits-1))
	lower := new(big.Int).Neg(limit)
	if n.Cmp(lower) < 0 || n.Cmp(limit) >= 0 {
		return fmt.Errorf("%w: %s out of range for int%d", ErrTypeMismatch, n, bits)
	}
	return nil
}

// sizedInt go-ethereum abi 對 8/16/32/64 位元要求對應的 Go 整數型別
func sizedInt(n *big.Int, signed bool, bits int) interface{} {
	if signed {
		switch bits {
		case 8:
			return int8(n.Int64())
		case 16:
			return int16(n.Int64())
		case 32:
			return int32(n.Int64())
		case 64:
			return n.Int64()
		}
		return n
	}
	switch bits {
	case 8:
		return uint8(n.Uint64())
	case 16:
		return uint16(n.Uint64())
	case 32:
		return uint32(n.Uint64())
	case 64:
		return n.Uint64()
	}
	return n
}
