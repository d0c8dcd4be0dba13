package vault

import (
	"github.com/pkg/errors"

	"github.com/fortiblox/x1-vault/internal/types"
	"github.com/fortiblox/x1-vault/pkg/pda"
	"github.com/fortiblox/x1-vault/pkg/svm/native"
)

// VaultSeed tags the vault derivation.
var VaultSeed = []byte("VAULT")

// WalletSeeds returns the wallet derivation seeds for authority.
func WalletSeeds(authority types.Pubkey) [][]byte {
	return [][]byte{authority.Bytes()}
}

// VaultSeeds returns the vault derivation seeds for authority.
func VaultSeeds(authority types.Pubkey) [][]byte {
	return [][]byte{authority.Bytes(), VaultSeed}
}

// Derivation selects the seed set an account address must derive from.
type Derivation uint8

const (
	NotDerived Derivation = iota
	WalletDerived
	VaultDerived
)

// Role is the contract one position of an instruction's account list must
// meet.
type Role struct {
	Name     string
	Signer   bool
	Writable bool

	// Owned accounts must be owned by the vault program.
	Owned bool

	// Uninitialized accounts must be empty system accounts. Checked after
	// the derivation, so only a genuine address can be reported as
	// already initialized.
	Uninitialized bool

	// Record accounts hold a WalletRecord. Its fields are trusted only once
	// the address has passed its derivation.
	Record bool

	Derivation Derivation

	// Address, if set, is the only acceptable key.
	Address *types.Pubkey
}

// Layout is the fixed account list of one instruction.
type Layout struct {
	Roles []Role

	// AuthorityIndex is the signer whose key the derived roles are checked
	// against. At -1 the authority is taken from the wallet record, which
	// its own address then certifies.
	AuthorityIndex int
}

// Account list positions.
const (
	walletIndex      = 0
	vaultIndex       = 1
	authorityIndex   = 2
	depositorIndex   = 2
	destinationIndex = 3
)

// InitializeLayout is the account list of Initialize.
var InitializeLayout = &Layout{
	Roles: []Role{
		{Name: "wallet", Writable: true, Uninitialized: true, Derivation: WalletDerived},
		{Name: "vault", Writable: true, Uninitialized: true, Derivation: VaultDerived},
		{Name: "authority", Signer: true, Writable: true},
		{Name: "rent", Address: &types.SysvarRentAddr},
		{Name: "system program", Address: &types.SystemProgramAddr},
	},
	AuthorityIndex: authorityIndex,
}

// DepositLayout is the account list of Deposit.
var DepositLayout = &Layout{
	Roles: []Role{
		{Name: "wallet", Owned: true, Record: true, Derivation: WalletDerived},
		{Name: "vault", Writable: true, Owned: true, Derivation: VaultDerived},
		{Name: "depositor", Signer: true, Writable: true},
		{Name: "system program", Address: &types.SystemProgramAddr},
	},
	AuthorityIndex: -1,
}

// WithdrawLayout is the account list of Withdraw.
var WithdrawLayout = &Layout{
	Roles: []Role{
		{Name: "wallet", Writable: true, Owned: true, Record: true, Derivation: WalletDerived},
		{Name: "vault", Writable: true, Owned: true, Derivation: VaultDerived},
		{Name: "authority", Signer: true, Writable: true},
		{Name: "destination", Writable: true},
		{Name: "system program", Address: &types.SystemProgramAddr},
	},
	AuthorityIndex: authorityIndex,
}

// LayoutFor returns the account list of tag.
func LayoutFor(tag Tag) (*Layout, bool) {
	switch tag {
	case TagInitialize:
		return InitializeLayout, true
	case TagDeposit:
		return DepositLayout, true
	case TagWithdraw:
		return WithdrawLayout, true
	default:
		return nil, false
	}
}

// Accounts is a validated account list.
type Accounts struct {
	Infos     []*native.AccountInfo
	Authority types.Pubkey
	Wallet    pda.Derived
	Vault     pda.Derived

	// Record is set when the layout has a record role.
	Record *WalletRecord
}

type validation struct {
	ctx     native.InvokeContext
	deriver *pda.Deriver
	layout  *Layout
	acc     *Accounts

	authoritySet bool
	walletSet    bool
	vaultSet     bool
}

// Validate checks the instruction's accounts against layout. Each position
// is checked in order for its owner, then its signer and writable flags,
// then its derivation. The authority signer is checked first, since every
// derivation is bound to it.
func Validate(ctx native.InvokeContext, deriver *pda.Deriver, layout *Layout) (*Accounts, error) {
	if n := ctx.NumAccounts(); n != len(layout.Roles) {
		return nil, errors.Wrapf(ErrAccountCount, "have %d, want %d", n, len(layout.Roles))
	}

	v := &validation{
		ctx:     ctx,
		deriver: deriver,
		layout:  layout,
		acc:     &Accounts{Infos: make([]*native.AccountInfo, len(layout.Roles))},
	}
	for i := range layout.Roles {
		info, err := ctx.GetAccount(i)
		if err != nil {
			return nil, err
		}
		v.acc.Infos[i] = info
	}

	if layout.AuthorityIndex >= 0 {
		if err := v.check(layout.AuthorityIndex); err != nil {
			return nil, err
		}
		v.acc.Authority = v.acc.Infos[layout.AuthorityIndex].Key
		v.authoritySet = true
	}
	for i := range layout.Roles {
		if i == layout.AuthorityIndex {
			continue
		}
		if err := v.check(i); err != nil {
			return nil, err
		}
	}
	return v.acc, nil
}

func (v *validation) check(index int) error {
	role := &v.layout.Roles[index]
	info := v.acc.Infos[index]
	fail := func(err error) error {
		return &AccountError{Role: role.Name, Index: index, Key: info.Key, Err: err}
	}

	if role.Address != nil && info.Key != *role.Address {
		return fail(ErrUnexpectedAccount)
	}
	if role.Owned && info.Owner != v.deriver.ProgramID() {
		return fail(ErrWrongOwner)
	}
	if role.Signer && !info.IsSigner {
		return fail(ErrSignerRequired)
	}
	if role.Writable && !info.IsWritable {
		return fail(ErrNotWritable)
	}
	if role.Derivation == NotDerived {
		return nil
	}

	var record *WalletRecord
	decode := func() error {
		r, err := DecodeRecord(info.Data)
		if err != nil {
			return fail(err)
		}
		record = &r
		return nil
	}

	// A record may nominate the authority only for its own account, which
	// then has to derive from it.
	if role.Record && !v.authoritySet {
		if err := decode(); err != nil {
			return err
		}
		v.acc.Authority = record.Authority
		v.authoritySet = true
	}

	ok, err := v.verify(role.Derivation, info.Key)
	if err != nil {
		return err
	}
	if !ok {
		return fail(ErrDerivationMismatch)
	}

	if role.Uninitialized && (info.Owner != types.SystemProgramAddr || len(info.Data) > 0 || info.Lamports > 0) {
		return fail(ErrAlreadyInitialized)
	}

	if role.Record {
		if record == nil {
			if err := decode(); err != nil {
				return err
			}
		}
		if record.Authority != v.acc.Authority {
			return fail(ErrUnauthorized)
		}
		ok, err := v.verify(VaultDerived, record.Vault)
		if err != nil {
			return err
		}
		if !ok {
			return fail(ErrDerivationMismatch)
		}
		v.acc.Record = record
	}
	return nil
}

// verify reports whether candidate is the address of d for the established
// authority. Each derivation is searched at most once per validation.
func (v *validation) verify(d Derivation, candidate types.Pubkey) (bool, error) {
	var (
		derived *pda.Derived
		set     *bool
		seeds   [][]byte
	)
	switch d {
	case WalletDerived:
		derived, set, seeds = &v.acc.Wallet, &v.walletSet, WalletSeeds(v.acc.Authority)
	case VaultDerived:
		derived, set, seeds = &v.acc.Vault, &v.vaultSet, VaultSeeds(v.acc.Authority)
	default:
		return true, nil
	}
	if *set {
		return derived.Address == candidate, nil
	}

	result, ok, err := v.deriver.VerifyMetered(v.ctx, candidate, seeds...)
	if err != nil {
		return false, err
	}
	*derived, *set = result, true
	return ok, nil
}
