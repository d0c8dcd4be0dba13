// Package pda implements program derived addresses.
//
// A program derived address is sha256(seeds || program_id ||
// "ProgramDerivedAddress") rejected when the digest decodes to a point on
// the ed25519 curve, so no private key can exist for it. FindProgramAddress
// appends a single bump byte, searching from 255 downwards, until the digest
// falls off the curve.
package pda

import (
	"crypto/sha256"

	"github.com/jdgcs/ed25519/edwards25519"
	"github.com/pkg/errors"

	"github.com/fortiblox/x1-vault/internal/types"
)

// PDA constants.
const (
	MaxSeeds   = 16
	MaxSeedLen = 32
)

// PDA marker used in address derivation.
var pdaMarker = []byte("ProgramDerivedAddress")

// PDA errors.
var (
	ErrMaxSeedLengthExceeded = errors.New("max seed length exceeded")
	ErrMaxSeedsExceeded      = errors.New("max seeds exceeded")
	ErrOnCurve               = errors.New("invalid seeds: derived address is on curve")
	ErrNoViableBump          = errors.New("unable to find a viable program address bump seed")
)

// CreateProgramAddress derives a program address from seeds and a program ID.
// Returns ErrOnCurve if the derived address is a valid ed25519 point.
func CreateProgramAddress(seeds [][]byte, programID types.Pubkey) (types.Pubkey, error) {
	var addr types.Pubkey
	if len(seeds) > MaxSeeds {
		return addr, ErrMaxSeedsExceeded
	}

	h := sha256.New()
	for _, seed := range seeds {
		if len(seed) > MaxSeedLen {
			return addr, ErrMaxSeedLengthExceeded
		}
		h.Write(seed)
	}
	h.Write(programID[:])
	h.Write(pdaMarker)
	copy(addr[:], h.Sum(nil))

	if IsOnCurve(addr) {
		return types.Pubkey{}, ErrOnCurve
	}
	return addr, nil
}

// FindProgramAddress finds a valid PDA by iterating bump seeds from 255 to 0.
// The bump is the last seed of the successful derivation.
func FindProgramAddress(seeds [][]byte, programID types.Pubkey) (types.Pubkey, uint8, error) {
	return FindProgramAddressMetered(seeds, programID, nil)
}

// Meter is charged once per bump iteration.
type Meter interface {
	ConsumeFindIteration() error
}

// FindProgramAddressMetered is FindProgramAddress with a meter charged per
// iteration. A nil meter is free.
func FindProgramAddressMetered(seeds [][]byte, programID types.Pubkey, meter Meter) (types.Pubkey, uint8, error) {
	if len(seeds) > MaxSeeds-1 {
		return types.Pubkey{}, 0, ErrMaxSeedsExceeded
	}

	bumpSeed := []byte{0}
	seedsWithBump := make([][]byte, len(seeds)+1)
	copy(seedsWithBump, seeds)
	seedsWithBump[len(seeds)] = bumpSeed

	for bump := 255; bump >= 0; bump-- {
		if meter != nil {
			if err := meter.ConsumeFindIteration(); err != nil {
				return types.Pubkey{}, 0, err
			}
		}

		bumpSeed[0] = uint8(bump)
		addr, err := CreateProgramAddress(seedsWithBump, programID)
		if err == nil {
			return addr, uint8(bump), nil
		}
		if err != ErrOnCurve {
			return types.Pubkey{}, 0, err
		}
	}

	return types.Pubkey{}, 0, ErrNoViableBump
}

// IsOnCurve reports whether b decompresses to an ed25519 point.
func IsOnCurve(b types.Pubkey) bool {
	var A edwards25519.ExtendedGroupElement
	raw := [32]byte(b)
	return A.FromBytes(&raw)
}
