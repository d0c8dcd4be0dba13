package vault

import (
	"github.com/fortiblox/x1-vault/internal/types"
	"github.com/fortiblox/x1-vault/pkg/pda"
	"github.com/fortiblox/x1-vault/pkg/svm/native"
)

// WalletAddress returns the wallet address of authority and its bump.
func WalletAddress(programID, authority types.Pubkey) (types.Pubkey, uint8, error) {
	return pda.FindProgramAddress(WalletSeeds(authority), programID)
}

// VaultAddress returns the vault address of authority and its bump.
func VaultAddress(programID, authority types.Pubkey) (types.Pubkey, uint8, error) {
	return pda.FindProgramAddress(VaultSeeds(authority), programID)
}

func addresses(programID, authority types.Pubkey) (wallet, vault types.Pubkey, err error) {
	if wallet, _, err = WalletAddress(programID, authority); err != nil {
		return
	}
	vault, _, err = VaultAddress(programID, authority)
	return
}

// NewInitializeInstruction creates the wallet and vault of authority, funded
// by authority.
func NewInitializeInstruction(programID, authority types.Pubkey) (native.Instruction, error) {
	wallet, vault, err := addresses(programID, authority)
	if err != nil {
		return native.Instruction{}, err
	}
	return native.Instruction{
		ProgramID: programID,
		Accounts: []native.AccountMeta{
			native.NewAccountMeta(wallet, false),
			native.NewAccountMeta(vault, false),
			native.NewAccountMeta(authority, true),
			native.NewReadonlyAccountMeta(types.SysvarRentAddr, false),
			native.NewReadonlyAccountMeta(types.SystemProgramAddr, false),
		},
		Data: Instruction{Tag: TagInitialize}.Encode(),
	}, nil
}

// NewDepositInstruction deposits amount from depositor into the vault of
// authority.
func NewDepositInstruction(programID, authority, depositor types.Pubkey, amount uint64) (native.Instruction, error) {
	wallet, vault, err := addresses(programID, authority)
	if err != nil {
		return native.Instruction{}, err
	}
	return native.Instruction{
		ProgramID: programID,
		Accounts: []native.AccountMeta{
			native.NewReadonlyAccountMeta(wallet, false),
			native.NewAccountMeta(vault, false),
			native.NewAccountMeta(depositor, true),
			native.NewReadonlyAccountMeta(types.SystemProgramAddr, false),
		},
		Data: Instruction{Tag: TagDeposit, Amount: amount}.Encode(),
	}, nil
}

// NewWithdrawInstruction withdraws amount from the vault of authority to
// destination.
func NewWithdrawInstruction(programID, authority, destination types.Pubkey, amount uint64) (native.Instruction, error) {
	wallet, vault, err := addresses(programID, authority)
	if err != nil {
		return native.Instruction{}, err
	}
	return native.Instruction{
		ProgramID: programID,
		Accounts: []native.AccountMeta{
			native.NewAccountMeta(wallet, false),
			native.NewAccountMeta(vault, false),
			native.NewAccountMeta(authority, true),
			native.NewAccountMeta(destination, false),
			native.NewReadonlyAccountMeta(types.SystemProgramAddr, false),
		},
		Data: Instruction{Tag: TagWithdraw, Amount: amount}.Encode(),
	}, nil
}
