package run

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/blake2b"

	"github.com/c-atts/catts-app/pkg/types"
)

// NewID Run ID = blake2b-96(creator ‖ created 的 big-endian 奈秒)
func NewID(creator common.Address, created int64) types.RunID {
	h, _ := blake2b.New(12, nil)
	h.Write(creator.Bytes())
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(created))
	h.Write(ts[:])

	var id types.RunID
	copy(id[:], h.Sum(nil))
	return id
}
