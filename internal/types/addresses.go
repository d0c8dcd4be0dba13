package types

// Native program and sysvar addresses used by the vault ledger.
var (
	// SystemProgramAddr is the System Program address.
	SystemProgramAddr = MustPubkeyFromBase58("11111111111111111111111111111111")

	// SysvarRentAddr is the Rent sysvar address.
	SysvarRentAddr = MustPubkeyFromBase58("SysvarRent111111111111111111111111111111111")

	// NativeLoaderAddr owns every native program account.
	NativeLoaderAddr = MustPubkeyFromBase58("NativeLoader1111111111111111111111111111111")

	// DefaultVaultProgramAddr is the vault program id used when the
	// configuration does not name one.
	DefaultVaultProgramAddr = MustPubkeyFromBase58("Vau1t11111111111111111111111111111111111111")
)

// IsSysvar returns true if the pubkey is a sysvar known to the ledger.
func IsSysvar(p Pubkey) bool {
	return p == SysvarRentAddr
}
