// Package vault implements the vault program.
//
// An authority owns two accounts derived from its key: a wallet holding a
// WalletRecord {authority, vault}, and a vault holding lamports. Each
// instruction re-derives both addresses from the authority and rejects any
// account that does not match, whatever its data looks like.
package vault

import (
	"fmt"
	"math/bits"

	"github.com/pkg/errors"

	"github.com/fortiblox/x1-vault/internal/types"
	"github.com/fortiblox/x1-vault/pkg/pda"
	"github.com/fortiblox/x1-vault/pkg/svm/native"
	"github.com/fortiblox/x1-vault/pkg/svm/programs/system"
)

// Processor executes vault instructions for one program id. It keeps no
// state between invocations other than memoized derivations.
type Processor struct {
	deriver *pda.Deriver
}

// NewProcessor creates a processor for the vault program deployed at
// programID.
func NewProcessor(programID types.Pubkey) *Processor {
	return &Processor{deriver: pda.NewDeriver(programID)}
}

// ProgramID returns the program id the processor serves.
func (p *Processor) ProgramID() types.Pubkey {
	return p.deriver.ProgramID()
}

// ErrorCode implements native.ErrorCoder.
func (p *Processor) ErrorCode(err error) (uint32, bool) {
	return ErrorCode(err)
}

// Process decodes and executes one instruction.
func (p *Processor) Process(ctx native.InvokeContext, data []byte) error {
	if ctx.ProgramID() != p.deriver.ProgramID() {
		return errors.Wrapf(ErrIncorrectProgramID, "invoked as %s", ctx.ProgramID())
	}

	ix, err := DecodeInstruction(data)
	if err != nil {
		return err
	}
	ctx.Log("Instruction: " + ix.Tag.String())

	switch ix.Tag {
	case TagInitialize:
		return p.initialize(ctx)
	case TagDeposit:
		return p.deposit(ctx, ix.Amount)
	case TagWithdraw:
		return p.withdraw(ctx, ix.Amount)
	default:
		return errors.Wrapf(ErrUnknownInstruction, "tag %d", ix.Tag)
	}
}

// initialize creates the wallet and vault of the signing authority.
func (p *Processor) initialize(ctx native.InvokeContext) error {
	acc, err := Validate(ctx, p.deriver, InitializeLayout)
	if err != nil {
		return err
	}
	wallet, vault, authority := acc.Infos[walletIndex], acc.Infos[vaultIndex], acc.Infos[authorityIndex]
	programID := p.deriver.ProgramID()

	walletSigner := append(WalletSeeds(acc.Authority), []byte{acc.Wallet.Bump})
	create := system.CreateAccount(authority.Key, wallet.Key, ctx.GetRentMinimum(RecordSize), RecordSize, programID)
	if err := ctx.InvokeSigned(create, [][][]byte{walletSigner}); err != nil {
		return systemError(err, "authority", authorityIndex, authority.Key)
	}

	vaultSigner := append(VaultSeeds(acc.Authority), []byte{acc.Vault.Bump})
	create = system.CreateAccount(authority.Key, vault.Key, ctx.GetRentMinimum(0), 0, programID)
	if err := ctx.InvokeSigned(create, [][][]byte{vaultSigner}); err != nil {
		return systemError(err, "authority", authorityIndex, authority.Key)
	}

	record := WalletRecord{Authority: acc.Authority, Vault: acc.Vault.Address}
	copy(wallet.Data, record.Encode())

	ctx.Log(fmt.Sprintf("Initialized wallet %s with vault %s", wallet.Key, vault.Key))
	return nil
}

// deposit moves amount from the depositor into the vault.
func (p *Processor) deposit(ctx native.InvokeContext, amount uint64) error {
	acc, err := Validate(ctx, p.deriver, DepositLayout)
	if err != nil {
		return err
	}
	if amount == 0 {
		ctx.Log("Deposit of zero lamports")
		return nil
	}
	vault, depositor := acc.Infos[vaultIndex], acc.Infos[depositorIndex]

	if err := ctx.InvokeSigned(system.Transfer(depositor.Key, vault.Key, amount), nil); err != nil {
		return systemError(err, "depositor", depositorIndex, depositor.Key)
	}
	ctx.Log(fmt.Sprintf("Deposited %d lamports", amount))
	return nil
}

// withdraw moves amount from the vault to the destination. The vault keeps
// its rent-exempt minimum.
func (p *Processor) withdraw(ctx native.InvokeContext, amount uint64) error {
	acc, err := Validate(ctx, p.deriver, WithdrawLayout)
	if err != nil {
		return err
	}
	vault, destination := acc.Infos[vaultIndex], acc.Infos[destinationIndex]

	minimum := ctx.GetRentMinimum(uint64(len(vault.Data)))
	if vault.Lamports < minimum || vault.Lamports-minimum < amount {
		return &AccountError{
			Role:  "vault",
			Index: vaultIndex,
			Key:   vault.Key,
			Err:   errors.Wrapf(ErrInsufficientFunds, "%d available, %d requested", saturatingSub(vault.Lamports, minimum), amount),
		}
	}
	if vault.Key == destination.Key {
		return nil
	}
	credited, carry := bits.Add64(destination.Lamports, amount, 0)
	if carry != 0 {
		return &AccountError{Role: "destination", Index: destinationIndex, Key: destination.Key, Err: ErrArithmeticOverflow}
	}

	vault.Lamports -= amount
	destination.Lamports = credited
	ctx.Log(fmt.Sprintf("Withdrew %d lamports", amount))
	return nil
}

// systemErrors translates System Program failures into vault errors.
var systemErrors = []struct {
	from, to error
}{
	{system.ErrInsufficientFunds, ErrInsufficientFunds},
	{system.ErrAccountAlreadyInUse, ErrAlreadyInitialized},
	{system.ErrMissingRequiredSignature, ErrSignerRequired},
	{system.ErrAccountNotWritable, ErrNotWritable},
	{system.ErrLamportOverflow, ErrArithmeticOverflow},
}

// systemError converts a failed allocation or transfer into the vault's
// errors, so the reported code always reads against the vault's table.
// Runtime errors pass through unchanged.
func systemError(err error, role string, index int, key types.Pubkey) error {
	if _, ok := system.ErrorCode(err); !ok {
		return err
	}
	to := ErrSystemProgram
	for _, se := range systemErrors {
		if errors.Is(err, se.from) {
			to = se.to
			break
		}
	}
	if to == ErrAlreadyInitialized {
		return errors.Wrap(to, err.Error())
	}
	return &AccountError{Role: role, Index: index, Key: key, Err: errors.Wrap(to, err.Error())}
}

func saturatingSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}

var _ native.Program = (*Processor)(nil)
var _ native.ErrorCoder = (*Processor)(nil)
