package txlog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/x1-vault/internal/types"
)

func openTestLog(t *testing.T, path string) *Log {
	t.Helper()
	cfg := DefaultConfig(path)
	cfg.NoSync = true
	l, err := Open(cfg, nil)
	require.NoError(t, err)
	return l
}

func sig(b byte) types.Signature {
	var s types.Signature
	s[0] = b
	s[63] = b
	return s
}

func addr(b byte) types.Pubkey {
	var p types.Pubkey
	p[0] = b
	return p
}

func TestPutGet(t *testing.T) {
	l := openTestLog(t, filepath.Join(t.TempDir(), "txlog.db"))
	defer l.Close()

	_, err := l.Get(sig(1))
	assert.Equal(t, ErrTransactionNotFound, err)

	code := uint32(0)
	index := 0
	rec := &Record{
		Signature:    sig(1),
		Slot:         7,
		Accounts:     []types.Pubkey{addr(1), addr(2)},
		Err:          &Error{InstructionIndex: &index, Custom: &code, Message: "malformed"},
		ComputeUnits: 1500,
		Logs:         []string{"Program log: hello"},
		Transaction:  []byte{1, 2, 3},
	}
	require.NoError(t, l.Put(rec))

	got, err := l.Get(sig(1))
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	// Zero-valued codes and indexes survive encoding.
	require.NotNil(t, got.Err.Custom)
	require.NotNil(t, got.Err.InstructionIndex)
	assert.EqualValues(t, 0, *got.Err.Custom)

	has, err := l.Has(sig(1))
	require.NoError(t, err)
	assert.True(t, has)
	has, err = l.Has(sig(2))
	require.NoError(t, err)
	assert.False(t, has)

	assert.EqualValues(t, 7, l.LatestSlot())
	assert.EqualValues(t, 1, l.TransactionCount())
}

func TestSignaturesForAddress(t *testing.T) {
	l := openTestLog(t, filepath.Join(t.TempDir(), "txlog.db"))
	defer l.Close()

	for i := byte(1); i <= 5; i++ {
		accounts := []types.Pubkey{addr(1)}
		if i%2 == 0 {
			accounts = append(accounts, addr(2))
		}
		require.NoError(t, l.Put(&Record{Signature: sig(i), Slot: uint64(i), Accounts: accounts}))
	}
	// An unrelated address sorting after ours.
	require.NoError(t, l.Put(&Record{Signature: sig(9), Slot: 9, Accounts: []types.Pubkey{addr(3)}}))

	infos, err := l.SignaturesForAddress(addr(1), 0)
	require.NoError(t, err)
	require.Len(t, infos, 5)
	for i, info := range infos {
		assert.EqualValues(t, 5-i, info.Slot)
		assert.Equal(t, sig(byte(5-i)), info.Signature)
	}

	infos, err = l.SignaturesForAddress(addr(1), 2)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.EqualValues(t, 5, infos[0].Slot)

	infos, err = l.SignaturesForAddress(addr(2), 10)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.EqualValues(t, 4, infos[0].Slot)
	assert.EqualValues(t, 2, infos[1].Slot)

	// The last address in the index.
	infos, err = l.SignaturesForAddress(addr(3), 10)
	require.NoError(t, err)
	require.Len(t, infos, 1)

	infos, err = l.SignaturesForAddress(addr(4), 10)
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "txlog.db")

	l := openTestLog(t, path)
	require.NoError(t, l.Put(&Record{Signature: sig(1), Slot: 3}))
	require.NoError(t, l.Put(&Record{Signature: sig(2), Slot: 11}))
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	_, err := l.Get(sig(1))
	assert.Equal(t, ErrClosed, err)

	l = openTestLog(t, path)
	defer l.Close()
	assert.EqualValues(t, 11, l.LatestSlot())
	assert.EqualValues(t, 2, l.TransactionCount())

	rec, err := l.Get(sig(2))
	require.NoError(t, err)
	assert.EqualValues(t, 11, rec.Slot)
}
