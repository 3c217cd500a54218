package server

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Mutating calls carry an EIP-191 (personal_sign) signature by the run
// creator. The signed text is built from the request fields exactly as sent,
// and the recovered address is the caller.

// CreateRunMessage is the text signed to create a run.
func CreateRunMessage(recipeID string, chainID uint64) string {
	return fmt.Sprintf("CATTS create run\nrecipe: %s\nchain: %d", recipeID, chainID)
}

// CancelRunMessage is the text signed to cancel a run.
func CancelRunMessage(runID string) string {
	return fmt.Sprintf("CATTS cancel run\nrun: %s", runID)
}

// RegisterPaymentMessage is the text signed to register a payment.
func RegisterPaymentMessage(runID, txHash string) string {
	return fmt.Sprintf("CATTS register payment\nrun: %s\ntransaction: %s", runID, txHash)
}

// SignMessage returns a 0x-hex personal_sign signature with v in {27, 28},
// the encoding wallets produce.
func SignMessage(key *ecdsa.PrivateKey, msg string) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(msg)), key)
	if err != nil {
		return "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// RecoverSigner returns the address that signed msg. Both recovery id
// encodings (0/1 and 27/28) are accepted.
func RecoverSigner(msg, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature: want %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(msg)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("signature: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// callerField authenticates the request's "signature" over msg.
func callerField(req *structpb.Struct, msg string) (common.Address, error) {
	addr, err := RecoverSigner(msg, stringField(req, "signature"))
	if err != nil {
		return common.Address{}, status.Error(codes.InvalidArgument, err.Error())
	}
	return addr, nil
}
