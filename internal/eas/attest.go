package eas

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const attestABI = `[{
	"name": "attest",
	"type": "function",
	"stateMutability": "payable",
	"inputs": [{
		"name": "request",
		"type": "tuple",
		"components": [
			{"name": "schema", "type": "bytes32"},
			{"name": "data", "type": "tuple", "components": [
				{"name": "recipient", "type": "address"},
				{"name": "expirationTime", "type": "uint64"},
				{"name": "revocable", "type": "bool"},
				{"name": "refUID", "type": "bytes32"},
				{"name": "data", "type": "bytes"},
				{"name": "value", "type": "uint256"}
			]}
		]
	}],
	"outputs": [{"name": "", "type": "bytes32"}]
}]`

var easABI = mustParseABI(attestABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("eas: parse abi: %v", err))
	}
	return parsed
}

// AttestationRequestData EAS AttestationRequestData
type AttestationRequestData struct {
	Recipient      common.Address
	ExpirationTime uint64
	Revocable      bool
	RefUID         [32]byte
	Data           []byte
	Value          *big.Int
}

// AttestationRequest EAS AttestationRequest
type AttestationRequest struct {
	Schema [32]byte
	Data   AttestationRequestData
}

// AttestCalldata 編碼 attest(request)；不過期、不可撤銷、無 refUID、value 0
func AttestCalldata(schemaUID common.Hash, recipient common.Address, data []byte) ([]byte, error) {
	req := AttestationRequest{
		Schema: schemaUID,
		Data: AttestationRequestData{
			Recipient: recipient,
			Data:      data,
			Value:     new(big.Int),
		},
	}
	out, err := easABI.Pack("attest", req)
	if err != nil {
		return nil, fmt.Errorf("eas: pack attest: %w", err)
	}
	return out, nil
}
