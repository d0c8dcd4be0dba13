package pda

import (
	"encoding/binary"

	"github.com/dgraph-io/ristretto"

	"github.com/fortiblox/x1-vault/internal/types"
)

// DefaultCacheSize bounds the number of memoized derivations per Deriver.
const DefaultCacheSize = 100_000

// Derived is the result of a bump search.
type Derived struct {
	Address types.Pubkey
	Bump    uint8
}

// Deriver derives and verifies program addresses for one program id.
// Searches are memoized in a bounded cache, so repeated verification of the
// same seed set usually costs a lookup.
type Deriver struct {
	programID types.Pubkey
	cache     *ristretto.Cache
}

// NewDeriver creates a Deriver bound to programID with DefaultCacheSize.
func NewDeriver(programID types.Pubkey) *Deriver {
	return NewDeriverWithCache(programID, DefaultCacheSize)
}

// NewDeriverWithCache creates a Deriver that memoizes at most size
// derivations. A size of zero disables memoization.
func NewDeriverWithCache(programID types.Pubkey, size int64) *Deriver {
	d := &Deriver{programID: programID}
	if size <= 0 {
		return d
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        size * 10,
		MaxCost:            size,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err == nil {
		d.cache = cache
	}
	return d
}

// ProgramID returns the program the deriver is bound to.
func (d *Deriver) ProgramID() types.Pubkey {
	return d.programID
}

// Derive finds the program address and bump for seeds.
func (d *Deriver) Derive(seeds ...[]byte) (Derived, error) {
	return d.DeriveMetered(nil, seeds...)
}

// DeriveMetered is Derive with meter charged once per bump iteration. A
// memoized result is charged the same iterations as the original search, so
// the cost of a derivation does not depend on the cache.
func (d *Deriver) DeriveMetered(meter Meter, seeds ...[]byte) (Derived, error) {
	key := cacheKey(seeds)

	if derived, ok := d.lookup(key); ok {
		if meter != nil {
			for i := 0; i < 256-int(derived.Bump); i++ {
				if err := meter.ConsumeFindIteration(); err != nil {
					return Derived{}, err
				}
			}
		}
		return derived, nil
	}

	addr, bump, err := FindProgramAddressMetered(seeds, d.programID, meter)
	if err != nil {
		return Derived{}, err
	}
	derived := Derived{Address: addr, Bump: bump}
	if d.cache != nil {
		d.cache.Set(key, derived, 1)
	}
	return derived, nil
}

// Verify reports whether candidate is the canonical program address for seeds.
func (d *Deriver) Verify(candidate types.Pubkey, seeds ...[]byte) bool {
	_, ok, err := d.VerifyMetered(nil, candidate, seeds...)
	return err == nil && ok
}

// VerifyMetered derives seeds as DeriveMetered does and reports whether
// candidate is the result. The derivation is returned either way.
func (d *Deriver) VerifyMetered(meter Meter, candidate types.Pubkey, seeds ...[]byte) (Derived, bool, error) {
	derived, err := d.DeriveMetered(meter, seeds...)
	if err != nil {
		return Derived{}, false, err
	}
	return derived, derived.Address == candidate, nil
}

func (d *Deriver) lookup(key string) (Derived, bool) {
	if d.cache == nil {
		return Derived{}, false
	}
	v, ok := d.cache.Get(key)
	if !ok {
		return Derived{}, false
	}
	derived, ok := v.(Derived)
	return derived, ok
}

// cacheKey length-prefixes each seed so that {"ab","c"} and {"a","bc"}
// never share a key.
func cacheKey(seeds [][]byte) string {
	n := 0
	for _, s := range seeds {
		n += 2 + len(s)
	}
	buf := make([]byte, 0, n)
	for _, s := range seeds {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
		buf = append(buf, s...)
	}
	return string(buf)
}
