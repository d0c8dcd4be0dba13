// Package native defines the boundary between the runtime and the native
// programs it executes.
//
// A program sees only the ordered account list of its instruction, as
// AccountInfo values it may mutate in place, plus the InvokeContext. The
// runtime verifies every mutation when the program returns.
package native

import (
	"github.com/pkg/errors"

	"github.com/fortiblox/x1-vault/internal/types"
)

// ErrAccountIndex is returned by InvokeContext.GetAccount for an index
// outside the instruction's account list.
var ErrAccountIndex = errors.New("account index out of range")

// AccountMeta describes an account referenced by an instruction.
type AccountMeta struct {
	Pubkey     types.Pubkey
	IsSigner   bool
	IsWritable bool
}

// NewAccountMeta creates an AccountMeta representing a writable account.
func NewAccountMeta(pubkey types.Pubkey, isSigner bool) AccountMeta {
	return AccountMeta{
		Pubkey:     pubkey,
		IsSigner:   isSigner,
		IsWritable: true,
	}
}

// NewReadonlyAccountMeta creates an AccountMeta representing a readonly
// account.
func NewReadonlyAccountMeta(pubkey types.Pubkey, isSigner bool) AccountMeta {
	return AccountMeta{
		Pubkey:     pubkey,
		IsSigner:   isSigner,
		IsWritable: false,
	}
}

// Instruction is a single program invocation.
type Instruction struct {
	ProgramID types.Pubkey
	Accounts  []AccountMeta
	Data      []byte
}

// AccountInfo holds account state during execution.
//
// Repeated references to the same key within one instruction share a single
// AccountInfo, with signer and writable privileges merged.
type AccountInfo struct {
	Key        types.Pubkey
	Owner      types.Pubkey
	Lamports   uint64
	Data       []byte
	Executable bool
	RentEpoch  uint64
	IsSigner   bool
	IsWritable bool
}

// InvokeContext provides context for program execution.
type InvokeContext interface {
	// ProgramID returns the id of the executing program.
	ProgramID() types.Pubkey

	// NumAccounts returns the length of the instruction's account list.
	NumAccounts() int

	// GetAccount returns the account at the given index.
	GetAccount(index int) (*AccountInfo, error)

	// GetRentMinimum returns the rent-exempt minimum for given data size.
	GetRentMinimum(dataLen uint64) uint64

	// ConsumeCompute charges the transaction's compute budget.
	ConsumeCompute(units uint64) error

	// ConsumeFindIteration charges one program address bump iteration.
	ConsumeFindIteration() error

	// Log records a log message.
	Log(msg string)

	// InvokeSigned invokes another program with a subset of this
	// instruction's accounts. Each seed set in signerSeeds is turned into a
	// program address under the calling program's id and signs for that
	// address in the callee.
	InvokeSigned(ix Instruction, signerSeeds [][][]byte) error
}

// Program is a natively compiled program.
type Program interface {
	Process(ctx InvokeContext, data []byte) error
}

// ErrorCoder is implemented by programs that assign stable numeric codes to
// their errors. The runtime reports such errors as custom instruction
// errors.
type ErrorCoder interface {
	ErrorCode(err error) (uint32, bool)
}
