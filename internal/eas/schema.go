// Package eas 組裝 Ethereum Attestation Service 的 attest 呼叫
package eas

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrUnsupportedType = errors.New("eas: unsupported type")
	ErrTypeMismatch    = errors.New("eas: type mismatch")
	ErrInvalidSchema   = errors.New("eas: invalid schema")
)

// SchemaUID keccak256(abi.encodePacked(schema, resolver, revocable))
func SchemaUID(schema string, resolver common.Address, revocable bool) common.Hash {
	packed := make([]byte, 0, len(schema)+common.AddressLength+1)
	packed = append(packed, schema...)
	packed = append(packed, resolver.Bytes()...)
	if revocable {
		packed = append(packed, 1)
	} else {
		packed = append(packed, 0)
	}
	return crypto.Keccak256Hash(packed)
}

// Field schema 中的一個欄位，例如 "uint256 score"
type Field struct {
	Type string
	Name string
}

// ParseSchema 解析以逗號分隔的 schema 字串
func ParseSchema(schema string) ([]Field, error) {
	var fields []Field
	for _, part := range strings.Split(schema, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		tokens := strings.Fields(part)
		if len(tokens) != 2 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidSchema, part)
		}
		typ, err := canonicalType(tokens[0])
		if err != nil {
			return nil, err
		}
		fields = append(fields, Field{Type: typ, Name: tokens[1]})
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidSchema)
	}
	return fields, nil
}

// canonicalType 驗證型別並將 uint/int 正規化為 uint256/int256
func canonicalType(t string) (string, error) {
	switch t {
	case "address", "string", "bool", "bytes", "bytes32":
		return t, nil
	case "uint", "int":
		return t + "256", nil
	}
	if _, _, err := intType(t); err != nil {
		return "", err
	}
	return t, nil
}

// intType 解析 uintN / intN
func intType(t string) (signed bool, bits int, err error) {
	var digits string
	switch {
	case strings.HasPrefix(t, "uint"):
		digits = t[4:]
	case strings.HasPrefix(t, "int"):
		signed = true
		digits = t[3:]
	default:
		return false, 0, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
	}
	if digits == "" {
		return signed, 256, nil
	}
	bits, err = strconv.Atoi(digits)
	if err != nil || bits < 8 || bits > 256 || bits%8 != 0 {
		return false, 0, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
	}
	return signed, bits, nil
}
