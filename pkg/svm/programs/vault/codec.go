package vault

import (
	"encoding/binary"
	"fmt"

	"github.com/fortiblox/x1-vault/internal/types"
)

// Tag is the instruction discriminant, the first byte of the payload.
type Tag uint8

// Instruction tags.
const (
	TagInitialize Tag = 0
	TagDeposit    Tag = 1
	TagWithdraw   Tag = 2
)

func (t Tag) String() string {
	switch t {
	case TagInitialize:
		return "Initialize"
	case TagDeposit:
		return "Deposit"
	case TagWithdraw:
		return "Withdraw"
	default:
		return fmt.Sprintf("Tag(%d)", uint8(t))
	}
}

// payloadSize is the fixed payload length following each tag.
func (t Tag) payloadSize() (int, bool) {
	switch t {
	case TagInitialize:
		return 0, true
	case TagDeposit, TagWithdraw:
		return 8, true
	default:
		return 0, false
	}
}

// Instruction is a decoded vault instruction. Amount is zero for
// Initialize.
type Instruction struct {
	Tag    Tag
	Amount uint64
}

// Encode returns the wire form: tag, then the LE u64 amount for Deposit
// and Withdraw.
func (ix Instruction) Encode() []byte {
	if ix.Tag == TagInitialize {
		return []byte{byte(ix.Tag)}
	}
	buf := make([]byte, 9)
	buf[0] = byte(ix.Tag)
	binary.LittleEndian.PutUint64(buf[1:], ix.Amount)
	return buf
}

// DecodeInstruction decodes an instruction payload. The payload must have
// exactly the size its tag defines.
func DecodeInstruction(data []byte) (Instruction, error) {
	if len(data) == 0 {
		return Instruction{}, &DecodeError{What: "instruction", Reason: "empty payload"}
	}
	tag := Tag(data[0])
	size, ok := tag.payloadSize()
	if !ok {
		return Instruction{}, &DecodeError{What: "instruction", Reason: fmt.Sprintf("unknown tag %d", data[0]), unknownTag: true}
	}
	if len(data)-1 != size {
		return Instruction{}, &DecodeError{
			What:   "instruction",
			Reason: fmt.Sprintf("%s payload is %d bytes, want %d", tag, len(data)-1, size),
		}
	}

	ix := Instruction{Tag: tag}
	if size == 8 {
		ix.Amount = binary.LittleEndian.Uint64(data[1:])
	}
	return ix, nil
}

// RecordSize is the size of an encoded WalletRecord.
const RecordSize = 64

// WalletRecord binds an authority to its vault.
type WalletRecord struct {
	Authority types.Pubkey
	Vault     types.Pubkey
}

// Encode returns authority || vault.
func (r WalletRecord) Encode() []byte {
	buf := make([]byte, RecordSize)
	copy(buf[:32], r.Authority[:])
	copy(buf[32:], r.Vault[:])
	return buf
}

// DecodeRecord decodes a wallet account's data.
func DecodeRecord(data []byte) (WalletRecord, error) {
	var r WalletRecord
	if len(data) != RecordSize {
		return r, &DecodeError{What: "wallet record", Reason: fmt.Sprintf("%d bytes, want %d", len(data), RecordSize)}
	}
	copy(r.Authority[:], data[:32])
	copy(r.Vault[:], data[32:])
	return r, nil
}
