package svm

// Rent parameters.
const (
	// LamportsPerByteYear is the rent rate.
	LamportsPerByteYear = uint64(3480)

	// ExemptionThreshold is the number of years of rent an account must
	// hold to be rent exempt.
	ExemptionThreshold = uint64(2)

	// AccountStorageOverhead is charged on top of every account's data.
	AccountStorageOverhead = uint64(128)
)

// Rent computes rent-exempt minimum balances.
type Rent struct {
	LamportsPerByteYear uint64
	ExemptionThreshold  uint64
}

// DefaultRent returns the ledger's rent parameters.
func DefaultRent() Rent {
	return Rent{
		LamportsPerByteYear: LamportsPerByteYear,
		ExemptionThreshold:  ExemptionThreshold,
	}
}

// MinimumBalance returns the lamports an account with dataLen bytes of data
// must hold to be rent exempt.
func (r Rent) MinimumBalance(dataLen uint64) uint64 {
	return (AccountStorageOverhead + dataLen) * r.LamportsPerByteYear * r.ExemptionThreshold
}

// IsExempt reports whether lamports is enough for dataLen bytes.
func (r Rent) IsExempt(lamports, dataLen uint64) bool {
	return lamports >= r.MinimumBalance(dataLen)
}
