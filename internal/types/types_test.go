package types

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPubkeyBase58(t *testing.T) {
	p, err := PubkeyFromBase58("11111111111111111111111111111111")
	require.NoError(t, err)
	assert.True(t, p.IsZero())
	assert.Equal(t, SystemProgramAddr, p)

	_, err = PubkeyFromBase58("1111")
	assert.Equal(t, ErrInvalidPubkey, err)

	_, err = PubkeyFromBase58("0OIl")
	assert.Error(t, err)

	raw := make([]byte, PubkeySize)
	for i := range raw {
		raw[i] = byte(i)
	}
	p, err = PubkeyFromBytes(raw)
	require.NoError(t, err)
	assert.Equal(t, "1thX6LZfHDZZKUs92febYZhYRcXddmzfzF2NvTkPNE", p.String())
	assert.Equal(t, raw, p.Bytes())

	_, err = PubkeyFromBytes(raw[:31])
	assert.Equal(t, ErrInvalidPubkey, err)

	assert.Panics(t, func() { MustPubkeyFromBase58("bad") })
}

func TestPubkeyCompare(t *testing.T) {
	var a, b Pubkey
	b[0] = 1
	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))
	assert.Equal(t, 0, a.Compare(a))
}

func TestTextMarshaling(t *testing.T) {
	type doc struct {
		Key  Pubkey    `json:"key"`
		Hash Hash      `json:"hash"`
		Sig  Signature `json:"sig"`
	}

	in := doc{
		Key:  DefaultVaultProgramAddr,
		Hash: ComputeHash([]byte("vault")),
	}
	in.Sig[0] = 7

	raw, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(raw), DefaultVaultProgramAddr.String())

	var out doc
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, in, out)

	assert.Error(t, json.Unmarshal([]byte(`{"key":"abc"}`), &out))
}

func TestHash(t *testing.T) {
	h := ComputeHash([]byte("abc"))
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", h.Hex())

	parsed, err := HashFromBase58(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)

	_, err = HashFromBase58("1")
	assert.Equal(t, ErrInvalidHash, err)
}

func TestKeypair(t *testing.T) {
	kp, err := NewKeypair(bytes.NewReader(bytes.Repeat([]byte{1}, 32)))
	require.NoError(t, err)

	same, err := NewKeypair(bytes.NewReader(bytes.Repeat([]byte{1}, 32)))
	require.NoError(t, err)
	assert.Equal(t, kp.Pubkey(), same.Pubkey())

	msg := []byte("withdraw")
	sig := kp.Sign(msg)
	assert.True(t, sig.Verify(kp.Pubkey(), msg))
	assert.False(t, sig.Verify(kp.Pubkey(), []byte("deposit")))

	parsed, err := SignatureFromBase58(sig.String())
	require.NoError(t, err)
	assert.Equal(t, sig, parsed)

	_, err = SignatureFromBase58(kp.Pubkey().String())
	assert.Equal(t, ErrInvalidSignature, err)

	_, err = KeypairFromBytes(make([]byte, 32))
	assert.Equal(t, ErrInvalidKeypair, err)
}

func TestKeypairFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "id.json")

	kp, err := NewKeypair(nil)
	require.NoError(t, err)
	require.NoError(t, kp.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := LoadKeypair(path)
	require.NoError(t, err)
	assert.Equal(t, kp.Pubkey(), loaded.Pubkey())

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("[1,2,300]"), 0600))
	_, err = LoadKeypair(bad)
	assert.Equal(t, ErrInvalidKeypair, err)

	_, err = LoadKeypair(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}
