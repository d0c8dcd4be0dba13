package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fortiblox/x1-vault/internal/types"
	"github.com/fortiblox/x1-vault/pkg/accounts"
	"github.com/fortiblox/x1-vault/pkg/rpc"
	"github.com/fortiblox/x1-vault/pkg/svm"
	"github.com/fortiblox/x1-vault/pkg/svm/programs/system"
	"github.com/fortiblox/x1-vault/pkg/svm/programs/vault"
	"github.com/fortiblox/x1-vault/pkg/txlog"
)

// startNode serves a fresh ledger over JSON-RPC.
func startNode(t *testing.T) (*accounts.MemoryDB, string) {
	logger := zaptest.NewLogger(t)
	txs, err := txlog.Open(txlog.DefaultConfig(filepath.Join(t.TempDir(), "txlog.db")), logger)
	require.NoError(t, err)
	t.Cleanup(func() { txs.Close() })

	programID := types.DefaultVaultProgramAddr
	db := accounts.NewMemoryDB()
	rt := svm.New(db, txs, svm.DefaultConfig(), logger)
	rt.RegisterProgram(system.ProgramID, "system", system.NewProcessor(), svm.CUSystemProgramDefault)
	rt.RegisterProgram(programID, "vault", vault.NewProcessor(programID), svm.CUVaultProgramDefault)
	require.NoError(t, rt.InstallProgramAccounts())

	server := httptest.NewServer(rpc.New(rpc.DefaultConfig(), rt, txs, logger).Handler())
	t.Cleanup(server.Close)
	return db, server.URL
}

func vaultctl(t *testing.T, url, keypair string, args ...string) (string, error) {
	var out bytes.Buffer
	full := append([]string{"-url", url, "-keypair", keypair}, args...)
	err := run(context.Background(), full, &out)
	return out.String(), err
}

func TestVaultctlLifecycle(t *testing.T) {
	db, url := startNode(t)
	keypairPath := filepath.Join(t.TempDir(), "id.json")

	out, err := vaultctl(t, url, keypairPath, "keygen")
	require.NoError(t, err)
	assert.Contains(t, out, "Pubkey: ")

	_, err = vaultctl(t, url, keypairPath, "keygen")
	assert.Error(t, err, "keygen must not overwrite")

	kp, err := types.LoadKeypair(keypairPath)
	require.NoError(t, err)
	require.NoError(t, db.SetAccount(kp.Pubkey(), &accounts.Account{Lamports: 1_000_000_000, Owner: types.SystemProgramAddr}))

	wallet, _, err := vault.WalletAddress(types.DefaultVaultProgramAddr, kp.Pubkey())
	require.NoError(t, err)
	out, err = vaultctl(t, url, keypairPath, "address")
	require.NoError(t, err)
	assert.Contains(t, out, "Wallet: "+wallet.String())

	out, err = vaultctl(t, url, keypairPath, "initialize")
	require.NoError(t, err)
	assert.Contains(t, out, "Program log: Instruction: Initialize")

	_, err = vaultctl(t, url, keypairPath, "deposit", "500")
	require.NoError(t, err)
	_, err = vaultctl(t, url, keypairPath, "withdraw", "200")
	require.NoError(t, err)

	out, err = vaultctl(t, url, keypairPath, "balance")
	require.NoError(t, err)
	assert.Contains(t, out, "initialized=true")
	assert.Contains(t, out, "Balance: 300 lamports")

	out, err = vaultctl(t, url, keypairPath, "withdraw", "301")
	var rpcErr *rpc.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, rpc.SendTransactionPreflightFailure, rpcErr.Code)
	assert.Contains(t, out, "Program log: Instruction: Withdraw")
}

func TestVaultctlUsage(t *testing.T) {
	keypairPath := filepath.Join(t.TempDir(), "id.json")

	_, err := vaultctl(t, "http://127.0.0.1:0", keypairPath)
	assert.ErrorIs(t, err, errUsage)

	_, err = vaultctl(t, "http://127.0.0.1:0", keypairPath, "airdrop")
	assert.ErrorIs(t, err, errUsage)

	out, err := vaultctl(t, "http://127.0.0.1:0", keypairPath, "deposit")
	assert.ErrorIs(t, err, errUsage)
	assert.Contains(t, out, "Usage: vaultctl deposit")

	_, err = vaultctl(t, "http://127.0.0.1:0", keypairPath, "deposit", "lots")
	assert.Error(t, err)

	_, err = vaultctl(t, "http://127.0.0.1:0", keypairPath, "initialize")
	assert.Error(t, err, "missing keypair file")
}
