package vault

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/x1-vault/internal/types"
	"github.com/fortiblox/x1-vault/pkg/pda"
	"github.com/fortiblox/x1-vault/pkg/svm/native"
)

var testProgramID = types.DefaultVaultProgramAddr

type fakeContext struct {
	accounts   []*native.AccountInfo
	iterations int
}

func (c *fakeContext) ProgramID() types.Pubkey { return testProgramID }
func (c *fakeContext) NumAccounts() int        { return len(c.accounts) }

func (c *fakeContext) GetAccount(index int) (*native.AccountInfo, error) {
	if index < 0 || index >= len(c.accounts) {
		return nil, native.ErrAccountIndex
	}
	return c.accounts[index], nil
}

func (c *fakeContext) GetRentMinimum(dataLen uint64) uint64 { return (128 + dataLen) * 10 }
func (c *fakeContext) ConsumeCompute(uint64) error          { return nil }
func (c *fakeContext) ConsumeFindIteration() error          { c.iterations++; return nil }
func (c *fakeContext) Log(string)                           {}

func (c *fakeContext) InvokeSigned(native.Instruction, [][][]byte) error {
	panic("not supported")
}

func pubkey(b byte) types.Pubkey {
	var pk types.Pubkey
	pk[0], pk[31] = b, 0xee
	return pk
}

type fixture struct {
	authority types.Pubkey
	wallet    types.Pubkey
	vault     types.Pubkey
}

func newFixture(t *testing.T, b byte) fixture {
	f := fixture{authority: pubkey(b)}
	var err error
	f.wallet, _, err = WalletAddress(testProgramID, f.authority)
	require.NoError(t, err)
	f.vault, _, err = VaultAddress(testProgramID, f.authority)
	require.NoError(t, err)
	return f
}

func (f fixture) record() []byte {
	return WalletRecord{Authority: f.authority, Vault: f.vault}.Encode()
}

// withdrawAccounts returns a well-formed Withdraw account list for f.
func (f fixture) withdrawAccounts() []*native.AccountInfo {
	return []*native.AccountInfo{
		{Key: f.wallet, Owner: testProgramID, Lamports: 1920, Data: f.record(), IsWritable: true},
		{Key: f.vault, Owner: testProgramID, Lamports: 5000, IsWritable: true},
		{Key: f.authority, Owner: types.SystemProgramAddr, Lamports: 100, IsSigner: true, IsWritable: true},
		{Key: pubkey(99), Owner: types.SystemProgramAddr, IsWritable: true},
		{Key: types.SystemProgramAddr, Owner: types.NativeLoaderAddr, Executable: true},
	}
}

func (f fixture) depositAccounts(depositor types.Pubkey) []*native.AccountInfo {
	return []*native.AccountInfo{
		{Key: f.wallet, Owner: testProgramID, Lamports: 1920, Data: f.record()},
		{Key: f.vault, Owner: testProgramID, Lamports: 5000, IsWritable: true},
		{Key: depositor, Owner: types.SystemProgramAddr, Lamports: 100, IsSigner: true, IsWritable: true},
		{Key: types.SystemProgramAddr, Owner: types.NativeLoaderAddr, Executable: true},
	}
}

func (f fixture) initializeAccounts() []*native.AccountInfo {
	return []*native.AccountInfo{
		{Key: f.wallet, Owner: types.SystemProgramAddr, IsWritable: true},
		{Key: f.vault, Owner: types.SystemProgramAddr, IsWritable: true},
		{Key: f.authority, Owner: types.SystemProgramAddr, Lamports: 10_000, IsSigner: true, IsWritable: true},
		{Key: types.SysvarRentAddr, Owner: types.SystemProgramAddr},
		{Key: types.SystemProgramAddr, Owner: types.NativeLoaderAddr, Executable: true},
	}
}

func validate(layout *Layout, infos []*native.AccountInfo) (*Accounts, error) {
	return Validate(&fakeContext{accounts: infos}, pda.NewDeriver(testProgramID), layout)
}

func requireAccountError(t *testing.T, err error, target error, role string, index int) {
	t.Helper()
	require.ErrorIs(t, err, target)
	var ae *AccountError
	require.True(t, errors.As(err, &ae), "%v is not an AccountError", err)
	assert.Equal(t, role, ae.Role)
	assert.Equal(t, index, ae.Index)
}

func TestValidateWithdraw(t *testing.T) {
	f := newFixture(t, 1)

	acc, err := validate(WithdrawLayout, f.withdrawAccounts())
	require.NoError(t, err)
	assert.Equal(t, f.authority, acc.Authority)
	assert.Equal(t, f.wallet, acc.Wallet.Address)
	assert.Equal(t, f.vault, acc.Vault.Address)
	require.NotNil(t, acc.Record)
	assert.Equal(t, WalletRecord{Authority: f.authority, Vault: f.vault}, *acc.Record)
}

func TestValidateWithdrawRejects(t *testing.T) {
	victim := newFixture(t, 1)
	attacker := newFixture(t, 2)

	cases := []struct {
		name   string
		mutate func(infos []*native.AccountInfo)
		err    error
		role   string
		index  int
	}{
		{
			name: "forged record at non-derived address",
			mutate: func(infos []*native.AccountInfo) {
				infos[0].Key = pubkey(50)
			},
			err: ErrDerivationMismatch, role: "wallet", index: 0,
		},
		{
			name: "victim wallet with attacker signer",
			mutate: func(infos []*native.AccountInfo) {
				infos[2].Key = attacker.authority
			},
			err: ErrDerivationMismatch, role: "wallet", index: 0,
		},
		{
			name: "attacker wallet with victim vault",
			mutate: func(infos []*native.AccountInfo) {
				infos[0].Key = attacker.wallet
				infos[0].Data = attacker.record()
				infos[2].Key = attacker.authority
			},
			err: ErrDerivationMismatch, role: "vault", index: 1,
		},
		{
			name: "record names another authority",
			mutate: func(infos []*native.AccountInfo) {
				infos[0].Data = WalletRecord{Authority: attacker.authority, Vault: victim.vault}.Encode()
			},
			err: ErrUnauthorized, role: "wallet", index: 0,
		},
		{
			name: "record names another vault",
			mutate: func(infos []*native.AccountInfo) {
				infos[0].Data = WalletRecord{Authority: victim.authority, Vault: attacker.vault}.Encode()
			},
			err: ErrDerivationMismatch, role: "wallet", index: 0,
		},
		{
			name: "wallet owned by another program",
			mutate: func(infos []*native.AccountInfo) {
				infos[0].Owner = pubkey(77)
			},
			err: ErrWrongOwner, role: "wallet", index: 0,
		},
		{
			name: "owner checked before derivation",
			mutate: func(infos []*native.AccountInfo) {
				infos[0].Key = pubkey(50)
				infos[0].Owner = pubkey(77)
			},
			err: ErrWrongOwner, role: "wallet", index: 0,
		},
		{
			name: "vault owned by system",
			mutate: func(infos []*native.AccountInfo) {
				infos[1].Owner = types.SystemProgramAddr
			},
			err: ErrWrongOwner, role: "vault", index: 1,
		},
		{
			name: "authority did not sign",
			mutate: func(infos []*native.AccountInfo) {
				infos[2].IsSigner = false
				infos[0].Key = pubkey(50)
			},
			err: ErrSignerRequired, role: "authority", index: 2,
		},
		{
			name: "read-only vault",
			mutate: func(infos []*native.AccountInfo) {
				infos[1].IsWritable = false
			},
			err: ErrNotWritable, role: "vault", index: 1,
		},
		{
			name: "read-only destination",
			mutate: func(infos []*native.AccountInfo) {
				infos[3].IsWritable = false
			},
			err: ErrNotWritable, role: "destination", index: 3,
		},
		{
			name: "wrong system program",
			mutate: func(infos []*native.AccountInfo) {
				infos[4].Key = pubkey(60)
			},
			err: ErrUnexpectedAccount, role: "system program", index: 4,
		},
		{
			name: "truncated record",
			mutate: func(infos []*native.AccountInfo) {
				infos[0].Data = infos[0].Data[:40]
			},
			err: ErrMalformed, role: "wallet", index: 0,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			infos := victim.withdrawAccounts()
			tc.mutate(infos)
			_, err := validate(WithdrawLayout, infos)
			requireAccountError(t, err, tc.err, tc.role, tc.index)
		})
	}
}

func TestValidateAccountCount(t *testing.T) {
	f := newFixture(t, 1)
	infos := f.withdrawAccounts()

	_, err := validate(WithdrawLayout, infos[:4])
	assert.ErrorIs(t, err, ErrAccountCount)
	_, err = validate(WithdrawLayout, append(infos, infos[3]))
	assert.ErrorIs(t, err, ErrAccountCount)
}

func TestValidateDeposit(t *testing.T) {
	f := newFixture(t, 1)
	depositor := pubkey(30)

	acc, err := validate(DepositLayout, f.depositAccounts(depositor))
	require.NoError(t, err)
	assert.Equal(t, f.authority, acc.Authority)
	assert.Equal(t, f.vault, acc.Vault.Address)

	// The record nominates the authority, but only its own derived address
	// can vouch for it.
	forged := f.depositAccounts(depositor)
	forged[0].Key = pubkey(50)
	_, err = validate(DepositLayout, forged)
	requireAccountError(t, err, ErrDerivationMismatch, "wallet", 0)

	// A genuine record of another authority does not unlock this vault.
	other := newFixture(t, 2)
	mixed := f.depositAccounts(depositor)
	mixed[0].Key, mixed[0].Data = other.wallet, other.record()
	_, err = validate(DepositLayout, mixed)
	requireAccountError(t, err, ErrDerivationMismatch, "vault", 1)

	unsigned := f.depositAccounts(depositor)
	unsigned[2].IsSigner = false
	_, err = validate(DepositLayout, unsigned)
	requireAccountError(t, err, ErrSignerRequired, "depositor", 2)

	garbage := f.depositAccounts(depositor)
	garbage[0].Data = []byte{1, 2, 3}
	_, err = validate(DepositLayout, garbage)
	requireAccountError(t, err, ErrMalformed, "wallet", 0)
}

func TestValidateInitialize(t *testing.T) {
	f := newFixture(t, 1)

	acc, err := validate(InitializeLayout, f.initializeAccounts())
	require.NoError(t, err)
	assert.Nil(t, acc.Record)
	assert.Equal(t, f.wallet, acc.Wallet.Address)

	existing := f.initializeAccounts()
	existing[0].Owner = testProgramID
	existing[0].Data = f.record()
	_, err = validate(InitializeLayout, existing)
	requireAccountError(t, err, ErrAlreadyInitialized, "wallet", 0)

	funded := f.initializeAccounts()
	funded[1].Lamports = 1
	_, err = validate(InitializeLayout, funded)
	requireAccountError(t, err, ErrAlreadyInitialized, "vault", 1)

	// A non-derived address is a mismatch even when it already exists.
	swapped := f.initializeAccounts()
	swapped[0].Key = pubkey(50)
	swapped[0].Lamports = 1
	_, err = validate(InitializeLayout, swapped)
	requireAccountError(t, err, ErrDerivationMismatch, "wallet", 0)

	wrongRent := f.initializeAccounts()
	wrongRent[3].Key = pubkey(61)
	_, err = validate(InitializeLayout, wrongRent)
	requireAccountError(t, err, ErrUnexpectedAccount, "rent", 3)
}

func TestValidateChargesDerivations(t *testing.T) {
	f := newFixture(t, 1)
	deriver := pda.NewDeriver(testProgramID)

	first := &fakeContext{accounts: f.withdrawAccounts()}
	_, err := Validate(first, deriver, WithdrawLayout)
	require.NoError(t, err)
	assert.Greater(t, first.iterations, 0)

	// Memoized derivations cost the same.
	second := &fakeContext{accounts: f.withdrawAccounts()}
	_, err = Validate(second, deriver, WithdrawLayout)
	require.NoError(t, err)
	assert.Equal(t, first.iterations, second.iterations)
}

func TestLayoutFor(t *testing.T) {
	for _, tag := range []Tag{TagInitialize, TagDeposit, TagWithdraw} {
		layout, ok := LayoutFor(tag)
		require.True(t, ok)
		assert.NotEmpty(t, layout.Roles)
	}
	_, ok := LayoutFor(Tag(3))
	assert.False(t, ok)
}
