// Package system implements the System Program.
//
// The System Program is responsible for:
// - Creating new accounts
// - Transferring lamports
// - Assigning account ownership
// - Allocating account space
package system

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"github.com/fortiblox/x1-vault/internal/types"
	"github.com/fortiblox/x1-vault/pkg/svm/native"
)

// ProgramID is the System Program address.
var ProgramID = types.SystemProgramAddr

// Instruction discriminants. Values match the on-chain System Program.
const (
	InstructionCreateAccount uint32 = 0
	InstructionAssign        uint32 = 1
	InstructionTransfer      uint32 = 2
	InstructionAllocate      uint32 = 8
)

// Error types.
var (
	ErrAccountAlreadyInUse      = errors.New("account already in use")
	ErrInsufficientFunds        = errors.New("insufficient funds")
	ErrInvalidAccountOwner      = errors.New("invalid account owner")
	ErrAccountDataTooLarge      = errors.New("account data too large")
	ErrAccountNotRentExempt     = errors.New("account not rent exempt")
	ErrAccountDataTooSmall      = errors.New("account data too small")
	ErrInvalidInstructionData   = errors.New("invalid instruction data")
	ErrNotEnoughAccountKeys     = errors.New("not enough account keys")
	ErrMissingRequiredSignature = errors.New("missing required signature")
	ErrAccountNotWritable       = errors.New("account not writable")
	ErrLamportOverflow          = errors.New("lamport overflow")
)

// Custom error codes, in the numbering of the on-chain SystemError enum
// where one exists.
var errorCodes = []struct {
	err  error
	code uint32
}{
	{ErrAccountAlreadyInUse, 0},
	{ErrInsufficientFunds, 1},
	{ErrInvalidAccountOwner, 2},
	{ErrAccountDataTooLarge, 3},
	{ErrAccountNotRentExempt, 100},
	{ErrAccountDataTooSmall, 101},
	{ErrInvalidInstructionData, 102},
	{ErrNotEnoughAccountKeys, 103},
	{ErrMissingRequiredSignature, 104},
	{ErrAccountNotWritable, 105},
	{ErrLamportOverflow, 106},
}

// MaxAccountDataSize is the largest allocation the program accepts.
const MaxAccountDataSize = 10 * 1024 * 1024

// Processor executes System Program instructions.
type Processor struct{}

// NewProcessor creates a new System Program processor.
func NewProcessor() *Processor {
	return &Processor{}
}

// ErrorCode implements native.ErrorCoder.
func (p *Processor) ErrorCode(err error) (uint32, bool) {
	return ErrorCode(err)
}

// ErrorCode returns the custom error code for err, reporting false for
// errors the System Program does not raise.
func ErrorCode(err error) (uint32, bool) {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code, true
		}
	}
	return 0, false
}

// Process executes a System Program instruction.
func (p *Processor) Process(ctx native.InvokeContext, data []byte) error {
	if len(data) < 4 {
		return ErrInvalidInstructionData
	}

	instruction := binary.LittleEndian.Uint32(data[:4])

	switch instruction {
	case InstructionCreateAccount:
		return p.processCreateAccount(ctx, data[4:])
	case InstructionAssign:
		return p.processAssign(ctx, data[4:])
	case InstructionTransfer:
		return p.processTransfer(ctx, data[4:])
	case InstructionAllocate:
		return p.processAllocate(ctx, data[4:])
	default:
		return errors.Wrapf(ErrInvalidInstructionData, "unsupported instruction %d", instruction)
	}
}

func getAccounts(ctx native.InvokeContext, n int) ([]*native.AccountInfo, error) {
	infos := make([]*native.AccountInfo, n)
	for i := range infos {
		info, err := ctx.GetAccount(i)
		if err != nil {
			return nil, ErrNotEnoughAccountKeys
		}
		infos[i] = info
	}
	return infos, nil
}

// processCreateAccount creates a new account.
func (p *Processor) processCreateAccount(ctx native.InvokeContext, data []byte) error {
	// Parse parameters: lamports (8) + space (8) + owner (32)
	if len(data) != 48 {
		return ErrInvalidInstructionData
	}

	lamports := binary.LittleEndian.Uint64(data[0:8])
	space := binary.LittleEndian.Uint64(data[8:16])
	var owner types.Pubkey
	copy(owner[:], data[16:48])

	if space > MaxAccountDataSize {
		return ErrAccountDataTooLarge
	}

	// Accounts: [0] = funding account, [1] = new account
	infos, err := getAccounts(ctx, 2)
	if err != nil {
		return err
	}
	funder, newAccount := infos[0], infos[1]

	if !funder.IsSigner || !newAccount.IsSigner {
		return ErrMissingRequiredSignature
	}
	if !funder.IsWritable || !newAccount.IsWritable {
		return ErrAccountNotWritable
	}

	// The new account must be empty: system owned, no data, no lamports.
	if newAccount.Owner != ProgramID || len(newAccount.Data) > 0 || newAccount.Lamports > 0 {
		ctx.Log(fmt.Sprintf("Create Account: account %s already in use", newAccount.Key))
		return ErrAccountAlreadyInUse
	}

	if rentMinimum := ctx.GetRentMinimum(space); lamports < rentMinimum {
		return errors.Wrapf(ErrAccountNotRentExempt, "%d < %d", lamports, rentMinimum)
	}

	if funder.Lamports < lamports {
		ctx.Log(fmt.Sprintf("Transfer: insufficient lamports %d, need %d", funder.Lamports, lamports))
		return ErrInsufficientFunds
	}

	funder.Lamports -= lamports
	newAccount.Lamports = lamports
	newAccount.Data = make([]byte, space)
	newAccount.Owner = owner

	return nil
}

// processAssign changes the owner of an account.
func (p *Processor) processAssign(ctx native.InvokeContext, data []byte) error {
	// Parse parameters: owner (32)
	if len(data) != 32 {
		return ErrInvalidInstructionData
	}

	var newOwner types.Pubkey
	copy(newOwner[:], data)

	infos, err := getAccounts(ctx, 1)
	if err != nil {
		return err
	}
	account := infos[0]

	if account.Owner == newOwner {
		return nil
	}
	if !account.IsSigner {
		return ErrMissingRequiredSignature
	}
	if account.Owner != ProgramID {
		return ErrInvalidAccountOwner
	}

	account.Owner = newOwner
	return nil
}

// processTransfer transfers lamports between accounts.
func (p *Processor) processTransfer(ctx native.InvokeContext, data []byte) error {
	// Parse parameters: lamports (8)
	if len(data) != 8 {
		return ErrInvalidInstructionData
	}

	lamports := binary.LittleEndian.Uint64(data)

	// Accounts: [0] = from, [1] = to
	infos, err := getAccounts(ctx, 2)
	if err != nil {
		return err
	}
	from, to := infos[0], infos[1]

	if !from.IsSigner {
		return ErrMissingRequiredSignature
	}
	if !from.IsWritable || !to.IsWritable {
		return ErrAccountNotWritable
	}
	if len(from.Data) > 0 {
		return errors.Wrap(ErrInvalidAccountOwner, "transfer: from must not carry data")
	}
	if from.Owner != ProgramID {
		return ErrInvalidAccountOwner
	}

	if from.Lamports < lamports {
		ctx.Log(fmt.Sprintf("Transfer: insufficient lamports %d, need %d", from.Lamports, lamports))
		return ErrInsufficientFunds
	}
	if from == to {
		return nil
	}
	if to.Lamports > ^uint64(0)-lamports {
		return ErrLamportOverflow
	}

	from.Lamports -= lamports
	to.Lamports += lamports
	return nil
}

// processAllocate allocates space in an account.
func (p *Processor) processAllocate(ctx native.InvokeContext, data []byte) error {
	// Parse parameters: space (8)
	if len(data) != 8 {
		return ErrInvalidInstructionData
	}

	space := binary.LittleEndian.Uint64(data)
	if space > MaxAccountDataSize {
		return ErrAccountDataTooLarge
	}

	infos, err := getAccounts(ctx, 1)
	if err != nil {
		return err
	}
	account := infos[0]

	if !account.IsSigner {
		return ErrMissingRequiredSignature
	}
	if account.Owner != ProgramID {
		return ErrInvalidAccountOwner
	}
	if len(account.Data) > 0 {
		return ErrAccountAlreadyInUse
	}

	account.Data = make([]byte, space)
	return nil
}

// CreateAccount returns an instruction creating newAccount with space bytes
// of data owned by owner, funded with lamports from funder. Both accounts
// must sign.
func CreateAccount(funder, newAccount types.Pubkey, lamports, space uint64, owner types.Pubkey) native.Instruction {
	data := make([]byte, 4+8+8+32)
	binary.LittleEndian.PutUint32(data[0:], InstructionCreateAccount)
	binary.LittleEndian.PutUint64(data[4:], lamports)
	binary.LittleEndian.PutUint64(data[12:], space)
	copy(data[20:], owner[:])

	return native.Instruction{
		ProgramID: ProgramID,
		Accounts: []native.AccountMeta{
			native.NewAccountMeta(funder, true),
			native.NewAccountMeta(newAccount, true),
		},
		Data: data,
	}
}

// Assign returns an instruction reassigning account to owner.
func Assign(account, owner types.Pubkey) native.Instruction {
	data := make([]byte, 4+32)
	binary.LittleEndian.PutUint32(data[0:], InstructionAssign)
	copy(data[4:], owner[:])

	return native.Instruction{
		ProgramID: ProgramID,
		Accounts:  []native.AccountMeta{native.NewAccountMeta(account, true)},
		Data:      data,
	}
}

// Transfer returns an instruction moving lamports from a system account to
// any writable account.
func Transfer(from, to types.Pubkey, lamports uint64) native.Instruction {
	data := make([]byte, 4+8)
	binary.LittleEndian.PutUint32(data[0:], InstructionTransfer)
	binary.LittleEndian.PutUint64(data[4:], lamports)

	return native.Instruction{
		ProgramID: ProgramID,
		Accounts: []native.AccountMeta{
			native.NewAccountMeta(from, true),
			native.NewAccountMeta(to, false),
		},
		Data: data,
	}
}

// Allocate returns an instruction allocating space bytes for account.
func Allocate(account types.Pubkey, space uint64) native.Instruction {
	data := make([]byte, 4+8)
	binary.LittleEndian.PutUint32(data[0:], InstructionAllocate)
	binary.LittleEndian.PutUint64(data[4:], space)

	return native.Instruction{
		ProgramID: ProgramID,
		Accounts:  []native.AccountMeta{native.NewAccountMeta(account, true)},
		Data:      data,
	}
}
