package pda

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/x1-vault/internal/types"
)

func TestCreateProgramAddress(t *testing.T) {
	exceededSeed := make([]byte, MaxSeedLen+1)
	maxSeed := make([]byte, MaxSeedLen)

	seedPubkey := types.MustPubkeyFromBase58("SeedPubey1111111111111111111111111111111111")
	programID := types.MustPubkeyFromBase58("BPFLoader1111111111111111111111111111111111")

	_, err := CreateProgramAddress([][]byte{exceededSeed}, programID)
	assert.Equal(t, ErrMaxSeedLengthExceeded, err)
	_, err = CreateProgramAddress([][]byte{[]byte("short seed"), exceededSeed}, programID)
	assert.Equal(t, ErrMaxSeedLengthExceeded, err)

	_, err = CreateProgramAddress([][]byte{maxSeed}, programID)
	assert.NoError(t, err)

	cases := []struct {
		expected string
		input    [][]byte
	}{
		{
			expected: "3gF2KMe9KiC6FNVBmfg9i267aMPvK37FewCip4eGBFcT",
			input:    [][]byte{{}, {1}},
		},
		{
			expected: "7ytmC1nT1xY4RfxCV2ZgyA7UakC93do5ZdyhdF3EtPj7",
			input:    [][]byte{[]byte("☉")},
		},
		{
			expected: "HwRVBufQ4haG5XSgpspwKtNd3PC9GM9m1196uJW36vds",
			input:    [][]byte{[]byte("Talking"), []byte("Squirrels")},
		},
		{
			expected: "GUs5qLUfsEHkcMB9T38vjr18ypEhRuNWiePW2LoK4E3K",
			input:    [][]byte{seedPubkey[:]},
		},
	}

	for _, tc := range cases {
		key, err := CreateProgramAddress(tc.input, programID)
		require.NoError(t, err)
		assert.Equal(t, tc.expected, key.String())
	}
}

func TestCreateProgramAddress_TooManySeeds(t *testing.T) {
	seeds := make([][]byte, MaxSeeds+1)
	_, err := CreateProgramAddress(seeds, types.DefaultVaultProgramAddr)
	assert.Equal(t, ErrMaxSeedsExceeded, err)

	_, _, err = FindProgramAddress(make([][]byte, MaxSeeds), types.DefaultVaultProgramAddr)
	assert.Equal(t, ErrMaxSeedsExceeded, err)
}

func TestFindProgramAddress(t *testing.T) {
	programID := types.DefaultVaultProgramAddr
	var authority types.Pubkey
	for i := range authority {
		authority[i] = byte(i)
	}

	wallet, walletBump, err := FindProgramAddress([][]byte{authority[:]}, programID)
	require.NoError(t, err)
	assert.Equal(t, "6GGBTbagZ6HrUoRJt2gsZvHWu6NvMBpuJJ5ahFHqziPS", wallet.String())
	assert.EqualValues(t, 255, walletBump)

	// Bumps 255 and 254 land on the curve for this seed set.
	vault, vaultBump, err := FindProgramAddress([][]byte{authority[:], []byte("VAULT")}, programID)
	require.NoError(t, err)
	assert.Equal(t, "6hnSfaqm7uqBpyWQHvEchRzN6RoRPBdthHocBXJzXHPo", vault.String())
	assert.EqualValues(t, 253, vaultBump)

	for _, bump := range []byte{255, 254} {
		_, err := CreateProgramAddress([][]byte{authority[:], []byte("VAULT"), {bump}}, programID)
		assert.Equal(t, ErrOnCurve, err)
	}

	again, err := CreateProgramAddress([][]byte{authority[:], []byte("VAULT"), {vaultBump}}, programID)
	require.NoError(t, err)
	assert.Equal(t, vault, again)
}

func TestFindProgramAddress_OffCurve(t *testing.T) {
	for i := 0; i < 32; i++ {
		pub, _, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)

		// Independently generated identities are always on the curve.
		var key types.Pubkey
		copy(key[:], pub)
		assert.True(t, IsOnCurve(key))

		addr, _, err := FindProgramAddress([][]byte{key[:]}, types.DefaultVaultProgramAddr)
		require.NoError(t, err)
		assert.False(t, IsOnCurve(addr))
		assert.NotEqual(t, key, addr)
	}
}

type countingMeter struct {
	calls int
	limit int
}

func (m *countingMeter) ConsumeFindIteration() error {
	m.calls++
	if m.calls > m.limit {
		return assert.AnError
	}
	return nil
}

func TestFindProgramAddressMetered(t *testing.T) {
	var authority types.Pubkey
	for i := range authority {
		authority[i] = byte(i)
	}
	seeds := [][]byte{authority[:], []byte("VAULT")}

	meter := &countingMeter{limit: 10}
	_, bump, err := FindProgramAddressMetered(seeds, types.DefaultVaultProgramAddr, meter)
	require.NoError(t, err)
	assert.EqualValues(t, 253, bump)
	assert.Equal(t, 3, meter.calls)

	meter = &countingMeter{limit: 2}
	_, _, err = FindProgramAddressMetered(seeds, types.DefaultVaultProgramAddr, meter)
	assert.Equal(t, assert.AnError, err)
}

func TestDeriver(t *testing.T) {
	d := NewDeriver(types.DefaultVaultProgramAddr)
	assert.Equal(t, types.DefaultVaultProgramAddr, d.ProgramID())

	var authority types.Pubkey
	for i := range authority {
		authority[i] = byte(i)
	}

	derived, err := d.Derive(authority[:])
	require.NoError(t, err)
	cached, err := d.Derive(authority[:])
	require.NoError(t, err)
	assert.Equal(t, derived, cached)

	assert.True(t, d.Verify(derived.Address, authority[:]))
	assert.False(t, d.Verify(derived.Address, authority[:], []byte("VAULT")))
	assert.False(t, d.Verify(authority, authority[:]))

	// Seed boundaries are part of the derivation key.
	assert.NotEqual(t, cacheKey([][]byte{[]byte("ab"), []byte("c")}), cacheKey([][]byte{[]byte("a"), []byte("bc")}))

	// Cached and uncached derivations cost the same.
	fresh := NewDeriver(types.DefaultVaultProgramAddr)
	seeds := [][]byte{authority[:], []byte("VAULT")}
	first := &countingMeter{limit: 10}
	_, err = fresh.DeriveMetered(first, seeds...)
	require.NoError(t, err)
	second := &countingMeter{limit: 10}
	_, err = fresh.DeriveMetered(second, seeds...)
	require.NoError(t, err)
	assert.Equal(t, 3, first.calls)
	assert.Equal(t, first.calls, second.calls)

	other := NewDeriver(types.SystemProgramAddr)
	assert.False(t, other.Verify(derived.Address, authority[:]))
}

func TestDeriverCacheIsBounded(t *testing.T) {
	d := NewDeriverWithCache(types.DefaultVaultProgramAddr, 10)

	var seeds [][]byte
	for i := 0; i < 500; i++ {
		seed := []byte{byte(i), byte(i >> 8)}
		seeds = append(seeds, seed)
		_, err := d.Derive(seed)
		require.NoError(t, err)
	}
	d.cache.Wait()

	cached := 0
	for _, seed := range seeds {
		if _, ok := d.lookup(cacheKey([][]byte{seed})); ok {
			cached++
		}
	}
	assert.LessOrEqual(t, cached, 10)

	uncached := NewDeriverWithCache(types.DefaultVaultProgramAddr, 0)
	assert.Nil(t, uncached.cache)
	want, err := d.Derive(seeds[0])
	require.NoError(t, err)
	got, err := uncached.Derive(seeds[0])
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestVerifyMetered(t *testing.T) {
	d := NewDeriver(types.DefaultVaultProgramAddr)
	seeds := [][]byte{[]byte("wallet")}

	derived, err := d.Derive(seeds...)
	require.NoError(t, err)
	wantCalls := 256 - int(derived.Bump)

	meter := &countingMeter{limit: 300}
	got, ok, err := d.VerifyMetered(meter, derived.Address, seeds...)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, derived, got)
	assert.Equal(t, wantCalls, meter.calls)

	got, ok, err = d.VerifyMetered(nil, types.SystemProgramAddr, seeds...)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, derived, got)

	_, _, err = d.VerifyMetered(&countingMeter{limit: 0}, derived.Address, seeds...)
	assert.Error(t, err)
}
