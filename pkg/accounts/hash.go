package accounts

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/zeebo/blake3"

	"github.com/fortiblox/x1-vault/internal/types"
)

// ComputeAccountHash computes the hash of a single account:
// SHA256(lamports || rent_epoch || data || executable || owner || pubkey)
func ComputeAccountHash(pubkey types.Pubkey, account *Account) types.Hash {
	size := 8 + 8 + len(account.Data) + 1 + 32 + 32
	buf := make([]byte, size)
	offset := 0

	binary.LittleEndian.PutUint64(buf[offset:], account.Lamports)
	offset += 8

	binary.LittleEndian.PutUint64(buf[offset:], account.RentEpoch)
	offset += 8

	copy(buf[offset:], account.Data)
	offset += len(account.Data)

	if account.Executable {
		buf[offset] = 1
	}
	offset++

	copy(buf[offset:], account.Owner[:])
	offset += 32

	copy(buf[offset:], pubkey[:])

	return sha256.Sum256(buf)
}

// ComputeAccountsHash folds every account hash, in pubkey order, into one
// blake3 digest. An empty database hashes to the zero hash.
func ComputeAccountsHash(db DB) (types.Hash, error) {
	h := blake3.New()
	var count uint64

	err := db.ForEach(func(pubkey types.Pubkey, account *Account) error {
		accountHash := ComputeAccountHash(pubkey, account)
		h.Write(accountHash[:])
		count++
		return nil
	})
	if err != nil {
		return types.Hash{}, err
	}
	if count == 0 {
		return types.Hash{}, nil
	}

	var countBuf [8]byte
	binary.LittleEndian.PutUint64(countBuf[:], count)
	h.Write(countBuf[:])

	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out, nil
}
